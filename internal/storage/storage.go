package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"sort"
	"time"
)

// ObjectInfo describes one stored object as reported by the backend.
// It is read through on every call and never persisted.
type ObjectInfo struct {
	Key          string
	Size         int64
	ETag         string
	LastModified time.Time
}

// DeleteResult maps every requested key to its outcome; a nil error means
// the key no longer exists.
type DeleteResult map[string]error

// Failed returns the keys whose deletion failed, sorted.
func (r DeleteResult) Failed() []string {
	out := make([]string, 0)
	for k, err := range r {
		if err != nil {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Err joins the per-key failures, or returns nil when every key was deleted.
func (r DeleteResult) Err() error {
	var joined error
	for _, k := range r.Failed() {
		joined = errors.Join(joined, fmt.Errorf("%s: %w", k, r[k]))
	}
	return joined
}

// BlobStore is the interface for object-store backends. Implementations
// acquire their network session lazily on first use, are safe for
// concurrent use, and never retry internally: retry policy belongs to the
// caller. Close releases the session; operations after Close fail with
// ErrClosed.
type BlobStore interface {
	// Put streams r to key. sizeHint is the content length, or -1 when unknown.
	// Large objects are uploaded in parts so only one part is buffered at a time.
	Put(ctx context.Context, key string, r io.Reader, sizeHint int64) error

	// Get opens key for reading. The caller must close the returned reader.
	Get(ctx context.Context, key string) (io.ReadCloser, error)

	// List lazily yields every object whose key starts with prefix. Each range
	// over the returned sequence starts a fresh, paginated listing.
	List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error]

	// Delete removes keys in backend-sized batches and reports per-key outcomes.
	// The returned error is reserved for failures that prevented any attempt.
	Delete(ctx context.Context, keys []string) (DeleteResult, error)

	Exists(ctx context.Context, key string) (bool, error)

	// Copy duplicates srcKey to dstKey inside the bucket without a download.
	Copy(ctx context.Context, srcKey, dstKey string) error

	Close() error
}

// Collect drains a listing into a slice.
func Collect(seq iter.Seq2[ObjectInfo, error]) ([]ObjectInfo, error) {
	var out []ObjectInfo
	for obj, err := range seq {
		if err != nil {
			return out, err
		}
		out = append(out, obj)
	}
	return out, nil
}

// ListWithin lists prefix like s.List, but fails with an ErrTransient error
// once the listing goes timeout without yielding an object or finishing. The
// clock is paused while the caller handles an object. A timeout <= 0
// disables the bound.
func ListWithin(ctx context.Context, s BlobStore, prefix string, timeout time.Duration) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if timeout <= 0 {
			for obj, err := range s.List(ctx, prefix) {
				if !yield(obj, err) {
					return
				}
			}
			return
		}

		lctx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)
		stalled := NewError("list", prefix, ErrTransient,
			fmt.Errorf("no progress within %s: %w", timeout, context.DeadlineExceeded))
		timer := time.AfterFunc(timeout, func() { cancel(stalled) })
		defer timer.Stop()

		for obj, err := range s.List(lctx, prefix) {
			timer.Stop()
			if err != nil && context.Cause(lctx) == error(stalled) {
				err = stalled
			}
			if !yield(obj, err) {
				return
			}
			timer.Reset(timeout)
		}
	}
}

func batches(keys []string, size int) [][]string {
	if size <= 0 {
		size = 1
	}
	out := make([][]string, 0, (len(keys)+size-1)/size)
	for start := 0; start < len(keys); start += size {
		end := start + size
		if end > len(keys) {
			end = len(keys)
		}
		out = append(out, keys[start:end])
	}
	return out
}
