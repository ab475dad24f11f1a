package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"iter"
	"sort"
	"strings"
	"sync"
	"time"
)

// Op names a BlobStore operation for fault injection and call counting.
type Op string

const (
	OpPut    Op = "put"
	OpGet    Op = "get"
	OpList   Op = "list"
	OpDelete Op = "delete"
	OpExists Op = "exists"
	OpCopy   Op = "copy"
)

type memObject struct {
	data     []byte
	etag     string
	modified time.Time
}

type fault struct {
	op        Op
	key       string
	err       error
	remaining int
}

// MemoryStore is an in-process BlobStore used by tests and the "memory"
// backend. Faults queued with FailNext are returned before the real
// operation runs.
type MemoryStore struct {
	mu      sync.Mutex
	objects map[string]memObject
	faults  []*fault
	calls   map[Op]map[string]int
	closed  bool
	now     func() time.Time
}

var _ BlobStore = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: make(map[string]memObject),
		calls:   make(map[Op]map[string]int),
		now:     time.Now,
	}
}

// FailNext makes the next times calls of op on key fail with err. For OpList
// key is matched against the listing prefix.
func (m *MemoryStore) FailNext(op Op, key string, err error, times int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.faults = append(m.faults, &fault{op: op, key: key, err: err, remaining: times})
}

// Calls returns how many times op was invoked for key, faults included.
func (m *MemoryStore) Calls(op Op, key string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls[op][key]
}

// Keys returns every stored key, sorted.
func (m *MemoryStore) Keys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.objects))
	for k := range m.objects {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// enter records the call and returns the injected fault, if any. Callers hold mu.
func (m *MemoryStore) enter(op Op, key string) error {
	if m.closed {
		return NewError(string(op), key, nil, ErrClosed)
	}
	if m.calls[op] == nil {
		m.calls[op] = make(map[string]int)
	}
	m.calls[op][key]++
	for i, f := range m.faults {
		if f.op != op || f.key != key {
			continue
		}
		f.remaining--
		if f.remaining <= 0 {
			m.faults = append(m.faults[:i], m.faults[i+1:]...)
		}
		return wrap(string(op), key, f.err, nil)
	}
	return nil
}

func (m *MemoryStore) Put(ctx context.Context, key string, r io.Reader, _ int64) error {
	if err := ctx.Err(); err != nil {
		return wrap("memory put", key, err, nil)
	}
	m.mu.Lock()
	err := m.enter(OpPut, key)
	m.mu.Unlock()
	if err != nil {
		return err
	}

	data, err := io.ReadAll(r)
	if err != nil {
		return wrap("memory put", key, fmt.Errorf("read body: %w", err), nil)
	}
	sum := md5.Sum(data)

	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = memObject{data: data, etag: hex.EncodeToString(sum[:]), modified: m.now().UTC()}
	return nil
}

func (m *MemoryStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("memory get", key, err, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpGet, key); err != nil {
		return nil, err
	}
	obj, ok := m.objects[key]
	if !ok {
		return nil, NewError("memory get", key, ErrNotFound, nil)
	}
	return io.NopCloser(bytes.NewReader(obj.data)), nil
}

func (m *MemoryStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if err := ctx.Err(); err != nil {
			yield(ObjectInfo{}, wrap("memory list", prefix, err, nil))
			return
		}
		m.mu.Lock()
		if err := m.enter(OpList, prefix); err != nil {
			m.mu.Unlock()
			yield(ObjectInfo{}, err)
			return
		}
		snapshot := make([]ObjectInfo, 0)
		for k, obj := range m.objects {
			if strings.HasPrefix(k, prefix) {
				snapshot = append(snapshot, ObjectInfo{
					Key:          k,
					Size:         int64(len(obj.data)),
					ETag:         obj.etag,
					LastModified: obj.modified,
				})
			}
		}
		m.mu.Unlock()

		sort.Slice(snapshot, func(i, j int) bool { return snapshot[i].Key < snapshot[j].Key })
		for _, obj := range snapshot {
			if !yield(obj, nil) {
				return
			}
		}
	}
}

func (m *MemoryStore) Delete(ctx context.Context, keys []string) (DeleteResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, wrap("memory delete", "", err, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, NewError("memory delete", "", nil, ErrClosed)
	}
	result := make(DeleteResult, len(keys))
	for _, k := range keys {
		if err := m.enter(OpDelete, k); err != nil {
			result[k] = err
			continue
		}
		delete(m.objects, k)
		result[k] = nil
	}
	return result, nil
}

func (m *MemoryStore) Exists(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, wrap("memory exists", key, err, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpExists, key); err != nil {
		return false, err
	}
	_, ok := m.objects[key]
	return ok, nil
}

func (m *MemoryStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	if err := ctx.Err(); err != nil {
		return wrap("memory copy", srcKey, err, nil)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.enter(OpCopy, srcKey); err != nil {
		return err
	}
	obj, ok := m.objects[srcKey]
	if !ok {
		return NewError("memory copy", srcKey, ErrNotFound, nil)
	}
	data := append([]byte(nil), obj.data...)
	m.objects[dstKey] = memObject{data: data, etag: obj.etag, modified: m.now().UTC()}
	return nil
}

func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
