package transfer

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// ErrCancelled marks tasks that never ran, or stopped, because the batch
// context was cancelled.
var ErrCancelled = errors.New("transfer cancelled")

// State is the lifecycle position of one task.
type State int

const (
	Pending State = iota
	InFlight
	Succeeded
	Failed
	Skipped
)

func (s State) String() string {
	switch s {
	case Pending:
		return "pending"
	case InFlight:
		return "in-flight"
	case Succeeded:
		return "succeeded"
	case Failed:
		return "failed"
	case Skipped:
		return "skipped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// FailureKind says why a task ended in Failed.
type FailureKind int

const (
	// Retryable failures exhausted their attempts on transient errors.
	Retryable FailureKind = iota
	// Fatal failures were not worth retrying.
	Fatal
	// Cancelled tasks were stopped by the batch context.
	Cancelled
)

func (k FailureKind) String() string {
	switch k {
	case Retryable:
		return "retryable"
	case Fatal:
		return "fatal"
	case Cancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// TaskError is the terminal failure of a single task.
type TaskError struct {
	Path     string
	Kind     FailureKind
	Attempts int
	Err      error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("%s: %s after %d attempt(s): %v", e.Path, e.Kind, e.Attempts, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// BatchResult is the per-path outcome of a batch. Every submitted path is in
// exactly one of Succeeded, Failed or Skipped.
type BatchResult struct {
	Succeeded []string
	Failed    map[string]*TaskError
	Skipped   []string
	Attempts  map[string]int

	mu sync.Mutex
}

func NewBatchResult() *BatchResult {
	return &BatchResult{
		Succeeded: []string{},
		Failed:    make(map[string]*TaskError),
		Skipped:   []string{},
		Attempts:  make(map[string]int),
	}
}

// RecordFailure marks path failed without running it, e.g. when its key
// could not be derived.
func (r *BatchResult) RecordFailure(path string, kind FailureKind, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Failed[path] = &TaskError{Path: path, Kind: kind, Err: err}
	if _, ok := r.Attempts[path]; !ok {
		r.Attempts[path] = 0
	}
}

func (r *BatchResult) record(path string, state State, attempts int, terr *TaskError) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Attempts[path] = attempts
	switch state {
	case Succeeded:
		r.Succeeded = append(r.Succeeded, path)
	case Skipped:
		r.Skipped = append(r.Skipped, path)
	case Failed:
		r.Failed[path] = terr
	}
}

func (r *BatchResult) sort() {
	r.mu.Lock()
	defer r.mu.Unlock()
	sort.Strings(r.Succeeded)
	sort.Strings(r.Skipped)
}

// StateOf returns the terminal state of path, or Pending if the batch never
// saw it.
func (r *BatchResult) StateOf(path string) State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.Failed[path]; ok {
		return Failed
	}
	for _, p := range r.Succeeded {
		if p == path {
			return Succeeded
		}
	}
	for _, p := range r.Skipped {
		if p == path {
			return Skipped
		}
	}
	return Pending
}

// Total is the number of paths with a terminal state.
func (r *BatchResult) Total() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.Succeeded) + len(r.Failed) + len(r.Skipped)
}

// FailedPaths returns the failed paths, sorted.
func (r *BatchResult) FailedPaths() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, 0, len(r.Failed))
	for p := range r.Failed {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

// Err returns a *PartialBatchFailure when any task failed, nil otherwise.
func (r *BatchResult) Err() error {
	paths := r.FailedPaths()
	if len(paths) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	failures := make([]*TaskError, 0, len(paths))
	for _, p := range paths {
		failures = append(failures, r.Failed[p])
	}
	return &PartialBatchFailure{
		Succeeded: len(r.Succeeded),
		Skipped:   len(r.Skipped),
		Failures:  failures,
	}
}

// PartialBatchFailure reports a batch in which some tasks failed. Tasks that
// succeeded stay succeeded; nothing is rolled back.
type PartialBatchFailure struct {
	Succeeded int
	Skipped   int
	Failures  []*TaskError
}

func (e *PartialBatchFailure) Error() string {
	total := e.Succeeded + e.Skipped + len(e.Failures)
	var b strings.Builder
	fmt.Fprintf(&b, "%d of %d transfers failed", len(e.Failures), total)
	for i, f := range e.Failures {
		if i == 3 {
			fmt.Fprintf(&b, "; and %d more", len(e.Failures)-i)
			break
		}
		b.WriteString("; ")
		b.WriteString(f.Error())
	}
	return b.String()
}

func (e *PartialBatchFailure) Unwrap() []error {
	out := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		out = append(out, f)
	}
	return out
}
