package storage

import (
	"context"
	"errors"
	"io"
	"iter"
	"strings"
	"testing"
	"time"
)

func TestMemoryStore_FailNextThenSucceeds(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	m.FailNext(OpPut, "k", NewError("put", "k", ErrTransient, io.ErrUnexpectedEOF), 2)

	for i := 0; i < 2; i++ {
		err := m.Put(ctx, "k", strings.NewReader("v"), 1)
		if !IsRetryable(err) {
			t.Fatalf("Put() attempt %d error = %v, want transient", i+1, err)
		}
	}
	if err := m.Put(ctx, "k", strings.NewReader("v"), 1); err != nil {
		t.Fatalf("Put() attempt 3 error = %v", err)
	}
	if got := m.Calls(OpPut, "k"); got != 3 {
		t.Fatalf("Calls(put) = %d, want 3", got)
	}
}

func TestMemoryStore_ListIsRestartable(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"a/2", "a/1", "b/1"} {
		if err := m.Put(ctx, k, strings.NewReader(k), -1); err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
	}
	seq := m.List(ctx, "a/")
	for round := 0; round < 2; round++ {
		objs, err := Collect(seq)
		if err != nil {
			t.Fatalf("Collect() error = %v", err)
		}
		if len(objs) != 2 || objs[0].Key != "a/1" || objs[1].Key != "a/2" {
			t.Fatalf("round %d: objs = %+v", round, objs)
		}
		if objs[0].Size != 3 || objs[0].ETag == "" {
			t.Fatalf("round %d: metadata = %+v", round, objs[0])
		}
	}
}

func TestMemoryStore_DeletePartialFailure(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"x", "y"} {
		_ = m.Put(ctx, k, strings.NewReader(k), -1)
	}
	m.FailNext(OpDelete, "y", NewError("delete", "y", ErrAuth, nil), 1)

	res, err := m.Delete(ctx, []string{"x", "y", "z"})
	if err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if res["x"] != nil || res["z"] != nil {
		t.Fatalf("result = %v, want x and z deleted", res)
	}
	if !errors.Is(res["y"], ErrAuth) {
		t.Fatalf("result[y] = %v, want ErrAuth", res["y"])
	}
	if res.Err() == nil {
		t.Fatalf("DeleteResult.Err() = nil, want failure")
	}
	if keys := m.Keys(); len(keys) != 1 || keys[0] != "y" {
		t.Fatalf("Keys() = %v, want [y]", keys)
	}
}

func TestMemoryStore_ClosedRejectsOperations(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	_ = m.Close()
	if _, err := m.Get(context.Background(), "k"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Get() error = %v, want ErrClosed", err)
	}
}

func TestErrorUnwrapsKindAndCause(t *testing.T) {
	t.Parallel()
	cause := errors.New("connection reset by peer")
	err := error(NewError("s3 get", "k", ErrTransient, cause))
	if !errors.Is(err, ErrTransient) || !errors.Is(err, cause) {
		t.Fatalf("errors.Is failed for %v", err)
	}
	if !strings.Contains(err.Error(), `s3 get "k"`) {
		t.Fatalf("Error() = %q", err.Error())
	}
	if errors.Is(NewError("op", "", nil, cause), ErrTransient) {
		t.Fatalf("unclassified error matched ErrTransient")
	}
}

func TestClassifyCommon(t *testing.T) {
	t.Parallel()
	if got := classifyCommon(context.DeadlineExceeded); got != ErrTransient {
		t.Fatalf("classifyCommon(deadline) = %v", got)
	}
	if got := classifyCommon(context.Canceled); got != nil {
		t.Fatalf("classifyCommon(canceled) = %v", got)
	}
	if got := classifyStatus(503); got != ErrTransient {
		t.Fatalf("classifyStatus(503) = %v", got)
	}
	if got := classifyStatus(403); got != ErrAuth {
		t.Fatalf("classifyStatus(403) = %v", got)
	}
	if got := classifyStatus(400); got != nil {
		t.Fatalf("classifyStatus(400) = %v", got)
	}
}

func TestBatches(t *testing.T) {
	t.Parallel()
	got := batches([]string{"a", "b", "c", "d", "e"}, 2)
	if len(got) != 3 || len(got[2]) != 1 || got[2][0] != "e" {
		t.Fatalf("batches() = %v", got)
	}
	if got := batches(nil, 10); len(got) != 0 {
		t.Fatalf("batches(nil) = %v", got)
	}
}

// stallingStore yields the first after objects of a listing, then blocks
// until the listing context ends.
type stallingStore struct {
	*MemoryStore
	after int
}

func (s stallingStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		n := 0
		for obj, err := range s.MemoryStore.List(ctx, prefix) {
			if n == s.after {
				break
			}
			if !yield(obj, err) {
				return
			}
			n++
		}
		<-ctx.Done()
		yield(ObjectInfo{}, wrap("stall list", prefix, ctx.Err(), nil))
	}
}

func TestListWithin_StalledListingIsTransient(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	ctx := context.Background()
	for _, k := range []string{"p/1", "p/2"} {
		_ = m.Put(ctx, k, strings.NewReader(k), -1)
	}
	s := stallingStore{MemoryStore: m, after: 1}

	var got []string
	var listErr error
	for obj, err := range ListWithin(ctx, s, "p/", 50*time.Millisecond) {
		if err != nil {
			listErr = err
			break
		}
		got = append(got, obj.Key)
		// Time spent by the consumer does not count against the listing.
		time.Sleep(100 * time.Millisecond)
	}
	if len(got) != 1 || got[0] != "p/1" {
		t.Fatalf("objects = %v, want [p/1]", got)
	}
	if !IsRetryable(listErr) || !errors.Is(listErr, context.DeadlineExceeded) {
		t.Fatalf("error = %v, want transient deadline", listErr)
	}
}

func TestListWithin_CallerCancellationIsNotTransient(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	s := stallingStore{MemoryStore: NewMemoryStore()}
	time.AfterFunc(20*time.Millisecond, cancel)

	_, err := Collect(ListWithin(ctx, s, "p/", time.Minute))
	if err == nil || IsRetryable(err) || !errors.Is(err, context.Canceled) {
		t.Fatalf("error = %v, want plain cancellation", err)
	}
}

func TestListWithin_ZeroTimeoutPassesThrough(t *testing.T) {
	t.Parallel()
	m := NewMemoryStore()
	_ = m.Put(context.Background(), "p/1", strings.NewReader("x"), -1)

	objs, err := Collect(ListWithin(context.Background(), m, "p/", 0))
	if err != nil || len(objs) != 1 {
		t.Fatalf("Collect() = %v, %v", objs, err)
	}
}
