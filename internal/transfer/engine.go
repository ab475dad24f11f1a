package transfer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math/rand"
	"os"
	"path/filepath"
	"time"

	"cairn/internal/storage"

	"golang.org/x/sync/errgroup"
)

const (
	defaultWorkers        = 4
	defaultMaxAttempts    = 3
	defaultBackoff        = 200 * time.Millisecond
	defaultMaxBackoff     = 5 * time.Second
	defaultRequestTimeout = 60 * time.Second
)

// Direction selects what a task moves.
type Direction int

const (
	Upload Direction = iota
	Download
	Copy
)

func (d Direction) String() string {
	switch d {
	case Upload:
		return "upload"
	case Download:
		return "download"
	case Copy:
		return "copy"
	default:
		return fmt.Sprintf("direction(%d)", int(d))
	}
}

// Task is one unit of work. Path identifies the task in the BatchResult and
// must be unique within a batch.
type Task struct {
	Path      string
	Key       string
	Local     string
	SourceKey string
	Direction Direction
	// Optional downloads whose key is missing end Skipped instead of Failed.
	Optional bool
}

type Options struct {
	Workers        int
	MaxAttempts    int
	Backoff        time.Duration
	MaxBackoff     time.Duration
	RequestTimeout time.Duration
	Logger         *log.Logger
}

// Engine runs batches of transfers against one BlobStore with a bounded
// number of concurrent workers.
type Engine struct {
	store  storage.BlobStore
	opts   Options
	logger *log.Logger

	sleepFn  func(context.Context, time.Duration) error
	jitterFn func(time.Duration) time.Duration
}

func New(store storage.BlobStore, opts Options) *Engine {
	if opts.Workers <= 0 {
		opts.Workers = defaultWorkers
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Backoff <= 0 {
		opts.Backoff = defaultBackoff
	}
	if opts.MaxBackoff < opts.Backoff {
		opts.MaxBackoff = defaultMaxBackoff
		if opts.MaxBackoff < opts.Backoff {
			opts.MaxBackoff = opts.Backoff
		}
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = defaultRequestTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Engine{
		store:    store,
		opts:     opts,
		logger:   logger,
		sleepFn:  sleepWithContext,
		jitterFn: addJitter,
	}
}

// Run executes every task and returns once all of them are terminal. A
// failing task never stops its siblings. When ctx is cancelled no new task
// starts and the remaining ones are recorded as Failed(Cancelled).
func (e *Engine) Run(ctx context.Context, tasks []Task) *BatchResult {
	result := NewBatchResult()
	if len(tasks) == 0 {
		return result
	}
	started := time.Now()
	e.logger.Printf("[transfer] batch start: tasks=%d workers=%d", len(tasks), e.opts.Workers)

	var g errgroup.Group
	g.SetLimit(e.opts.Workers)
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			result.record(task.Path, Failed, 0, cancelled(task.Path, 0, err))
			continue
		}
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				result.record(task.Path, Failed, 0, cancelled(task.Path, 0, err))
				return nil
			}
			state, attempts, terr := e.runTask(ctx, task)
			result.record(task.Path, state, attempts, terr)
			return nil
		})
	}
	_ = g.Wait()
	result.sort()

	e.logger.Printf(
		"[transfer] batch done: succeeded=%d failed=%d skipped=%d duration=%s",
		len(result.Succeeded), len(result.Failed), len(result.Skipped), time.Since(started).Round(time.Millisecond),
	)
	return result
}

func (e *Engine) runTask(ctx context.Context, task Task) (State, int, *TaskError) {
	skippable := func(err error) bool {
		return task.Direction == Download && task.Optional && errors.Is(err, storage.ErrNotFound)
	}
	label := task.Direction.String() + " " + task.Path
	attempts, kind, err := e.do(ctx, label, func(actx context.Context) error {
		return e.attempt(actx, task)
	}, skippable)
	switch {
	case err == nil:
		return Succeeded, attempts, nil
	case skippable(err):
		e.logger.Printf("[transfer] skip missing optional %s", task.Path)
		return Skipped, attempts, nil
	case kind == Cancelled:
		return Failed, attempts, cancelled(task.Path, attempts, err)
	default:
		return Failed, attempts, &TaskError{Path: task.Path, Kind: kind, Attempts: attempts, Err: err}
	}
}

// Retry runs op under the engine's retry policy: every attempt gets its own
// RequestTimeout, and retryable failures back off until MaxAttempts. It
// returns the number of attempts made. A cancelled ctx yields an error
// matching ErrCancelled.
func (e *Engine) Retry(ctx context.Context, label string, op func(ctx context.Context) error) (int, error) {
	attempts, kind, err := e.do(ctx, label, op, nil)
	if err != nil && kind == Cancelled {
		err = errors.Join(ErrCancelled, err)
	}
	return attempts, err
}

// RequestTimeout is the bound applied to each store request.
func (e *Engine) RequestTimeout() time.Duration {
	return e.opts.RequestTimeout
}

// do is the retry loop shared by tasks and Retry. stop, when set, ends the
// loop on errors that need no further attempts.
func (e *Engine) do(ctx context.Context, label string, op func(context.Context) error, stop func(error) bool) (int, FailureKind, error) {
	for attempt := 1; ; attempt++ {
		actx, cancel := context.WithTimeout(ctx, e.opts.RequestTimeout)
		err := op(actx)
		cancel()
		if err == nil {
			return attempt, Retryable, nil
		}
		if stop != nil && stop(err) {
			return attempt, Fatal, err
		}

		kind := e.classify(ctx, err)
		if kind == Cancelled {
			return attempt, kind, err
		}
		if kind == Fatal || attempt >= e.opts.MaxAttempts {
			e.logger.Printf("[transfer] %s failed (%s, attempt %d): %v", label, kind, attempt, err)
			return attempt, kind, err
		}

		delay := e.backoff(attempt)
		e.logger.Printf("[transfer] retry %s in %s (attempt %d/%d): %v", label, delay, attempt, e.opts.MaxAttempts, err)
		if err := e.sleepFn(ctx, delay); err != nil {
			return attempt, Cancelled, err
		}
	}
}

func (e *Engine) classify(ctx context.Context, err error) FailureKind {
	switch {
	case ctx.Err() != nil:
		return Cancelled
	case storage.IsRetryable(err), errors.Is(err, context.DeadlineExceeded):
		return Retryable
	default:
		return Fatal
	}
}

// backoff is Backoff * 2^(attempt-1), capped at MaxBackoff, plus jitter.
func (e *Engine) backoff(attempt int) time.Duration {
	delay := e.opts.Backoff
	for i := 1; i < attempt && delay < e.opts.MaxBackoff; i++ {
		delay *= 2
	}
	if delay > e.opts.MaxBackoff {
		delay = e.opts.MaxBackoff
	}
	if e.jitterFn == nil {
		return delay
	}
	return e.jitterFn(delay)
}

func (e *Engine) attempt(ctx context.Context, task Task) error {
	switch task.Direction {
	case Upload:
		return e.upload(ctx, task)
	case Download:
		return e.download(ctx, task)
	case Copy:
		return e.store.Copy(ctx, task.SourceKey, task.Key)
	default:
		return fmt.Errorf("unknown transfer direction %d", int(task.Direction))
	}
}

// upload reopens the local file on every attempt so a retry starts from the
// first byte.
func (e *Engine) upload(ctx context.Context, task Task) error {
	f, err := os.Open(task.Local)
	if err != nil {
		return fmt.Errorf("open %s: %w", task.Local, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat %s: %w", task.Local, err)
	}
	if info.IsDir() {
		return fmt.Errorf("%s is a directory", task.Local)
	}
	return e.store.Put(ctx, task.Key, f, info.Size())
}

// download writes to a temp file next to the destination and renames it into
// place, so a failed attempt never leaves a truncated file behind.
func (e *Engine) download(ctx context.Context, task Task) (err error) {
	rc, err := e.store.Get(ctx, task.Key)
	if err != nil {
		return err
	}
	defer rc.Close()

	dir := filepath.Dir(task.Local)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(task.Local)+".part-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		_ = tmp.Close()
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmp, rc); err != nil {
		return storage.NewError("download", task.Key, storage.ErrTransient, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpName, task.Local); err != nil {
		return fmt.Errorf("move %s into place: %w", task.Local, err)
	}
	return nil
}

func cancelled(path string, attempts int, cause error) *TaskError {
	return &TaskError{Path: path, Kind: Cancelled, Attempts: attempts, Err: errors.Join(ErrCancelled, cause)}
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func addJitter(base time.Duration) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterMax := base / 4
	if jitterMax > 250*time.Millisecond {
		jitterMax = 250 * time.Millisecond
	}
	return base + time.Duration(rand.Int63n(int64(jitterMax)+1))
}
