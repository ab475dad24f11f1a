// Package artifact archives, restores, browses and deletes the files a build
// run publishes, keyed under that run's prefix in a blob store.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"

	"cairn/internal/keys"
	"cairn/internal/listing"
	"cairn/internal/storage"
	"cairn/internal/transfer"

	"golang.org/x/sync/singleflight"
)

var (
	ErrEmptySelector = errors.New("selector names no artifacts")
	ErrSameRun       = errors.New("source and target run are the same")
)

// Selector picks the artifacts of a run to restore. Paths are exact relative
// paths, Patterns are "**"-aware globs matched against stored paths, and All
// selects everything.
type Selector struct {
	Paths    []string
	Patterns []string
	All      bool
	// AllowMissing skips explicitly named Paths that are not stored instead of
	// failing them.
	AllowMissing bool
}

func (s Selector) empty() bool {
	return !s.All && len(s.Paths) == 0 && len(s.Patterns) == 0
}

type Options struct {
	// Base is the key prefix under which every run prefix is placed.
	Base     string
	Transfer transfer.Options
	Logger   *log.Logger
}

// Manager is the entry point for per-run artifact operations. It holds no
// per-run state; the store is the only source of truth.
type Manager struct {
	store  storage.BlobStore
	scheme keys.Scheme
	engine *transfer.Engine
	lister *listing.Lister
	logger *log.Logger

	browseGroup singleflight.Group
}

func NewManager(store storage.BlobStore, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	if opts.Transfer.Logger == nil {
		opts.Transfer.Logger = logger
	}
	engine := transfer.New(store, opts.Transfer)
	return &Manager{
		store:  store,
		scheme: keys.NewScheme(opts.Base),
		engine: engine,
		lister: listing.New(store, engine.RequestTimeout(), logger),
		logger: logger,
	}
}

func (m *Manager) list(ctx context.Context, prefix keys.Prefix) ([]storage.ObjectInfo, error) {
	return storage.Collect(storage.ListWithin(ctx, m.store, string(prefix), m.engine.RequestTimeout()))
}

// Archive uploads files, a relative path to local path map, under run.
// Paths that cannot be mapped to a key are recorded as fatal failures. The
// error is a *transfer.PartialBatchFailure when any file failed.
func (m *Manager) Archive(ctx context.Context, run keys.Run, files map[string]string) (*transfer.BatchResult, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return nil, err
	}

	tasks := make([]transfer.Task, 0, len(files))
	rejected := make(map[string]error)
	for _, rel := range sortedKeys(files) {
		key, err := keys.KeyFor(prefix, rel)
		if err != nil {
			rejected[rel] = err
			continue
		}
		tasks = append(tasks, transfer.Task{Path: rel, Key: key, Local: files[rel], Direction: transfer.Upload})
	}

	m.logger.Printf("[artifact] archive %s: files=%d", run, len(files))
	res := m.engine.Run(ctx, tasks)
	for rel, err := range rejected {
		res.RecordFailure(rel, transfer.Fatal, err)
	}
	return res, res.Err()
}

// Unarchive downloads the selected artifacts of run into destDir, keeping
// their relative layout.
func (m *Manager) Unarchive(ctx context.Context, run keys.Run, sel Selector, destDir string) (*transfer.BatchResult, error) {
	if sel.empty() {
		return nil, ErrEmptySelector
	}
	if err := validatePatterns(sel.Patterns); err != nil {
		return nil, err
	}
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return nil, err
	}

	type want struct{ optional bool }
	selected := make(map[string]want)
	rejected := make(map[string]error)

	if sel.All || len(sel.Patterns) > 0 {
		stored, err := m.lister.Walk(ctx, keys.ArtifactsRoot(prefix), "")
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", run, err)
		}
		for _, n := range stored {
			if sel.All || matchAny(sel.Patterns, n.Path) {
				selected[n.Path] = want{}
			}
		}
	}
	for _, p := range sel.Paths {
		clean, err := keys.CleanRelative(p)
		if err != nil {
			rejected[p] = err
			continue
		}
		if _, ok := selected[clean]; !ok {
			selected[clean] = want{optional: sel.AllowMissing}
		}
	}

	tasks := make([]transfer.Task, 0, len(selected))
	for _, rel := range sortedKeys(selected) {
		key, err := keys.KeyFor(prefix, rel)
		if err != nil {
			rejected[rel] = err
			continue
		}
		tasks = append(tasks, transfer.Task{
			Path:      rel,
			Key:       key,
			Local:     filepath.Join(destDir, filepath.FromSlash(rel)),
			Direction: transfer.Download,
			Optional:  selected[rel].optional,
		})
	}

	m.logger.Printf("[artifact] unarchive %s: files=%d dest=%s", run, len(tasks), destDir)
	res := m.engine.Run(ctx, tasks)
	for p, err := range rejected {
		res.RecordFailure(p, transfer.Fatal, err)
	}
	return res, res.Err()
}

// Delete removes every object under run's prefix, artifacts and stashes
// alike. A run with no objects yields an empty result. Keys that fail with a
// transient error are retried under the transfer policy. The error is
// non-nil only when objects are still present afterwards.
func (m *Manager) Delete(ctx context.Context, run keys.Run) (storage.DeleteResult, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return nil, err
	}
	objs, err := m.list(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", run, err)
	}
	if len(objs) == 0 {
		return storage.DeleteResult{}, nil
	}

	pending := make([]string, 0, len(objs))
	for _, o := range objs {
		pending = append(pending, o.Key)
	}
	res := make(storage.DeleteResult, len(pending))
	var requestErr error
	attempts, _ := m.engine.Retry(ctx, "delete "+run.String(), func(actx context.Context) error {
		batch, err := m.store.Delete(actx, pending)
		requestErr = err
		if err != nil {
			return err
		}
		var retry []string
		for _, k := range pending {
			res[k] = batch[k]
			if storage.IsRetryable(batch[k]) {
				retry = append(retry, k)
			}
		}
		pending = retry
		if len(pending) > 0 {
			return storage.NewError("delete", "", storage.ErrTransient, fmt.Errorf("%d keys failed", len(pending)))
		}
		return nil
	})
	if requestErr != nil {
		if len(res) == 0 {
			return nil, fmt.Errorf("delete %s: %w", run, requestErr)
		}
		for _, k := range pending {
			res[k] = requestErr
		}
	}
	failed := res.Failed()
	m.logger.Printf("[artifact] delete %s: objects=%d failed=%d attempts=%d", run, len(objs), len(failed), attempts)
	if len(failed) == 0 {
		return res, nil
	}

	remaining, err := m.list(ctx, prefix)
	if err != nil {
		return res, errors.Join(res.Err(), fmt.Errorf("verify delete %s: %w", run, err))
	}
	if len(remaining) > 0 {
		return res, fmt.Errorf("delete %s: %d objects remain: %w", run, len(remaining), res.Err())
	}
	return res, nil
}

// Browse lists one level of run's artifact tree. Concurrent identical calls
// share a single listing, which is detached from any one caller's
// cancellation; each caller still returns as soon as its own ctx ends.
func (m *Manager) Browse(ctx context.Context, run keys.Run, subPath string) ([]listing.Node, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return nil, err
	}
	sub, err := keys.CleanSubPath(subPath)
	if err != nil {
		return nil, err
	}
	root := keys.ArtifactsRoot(prefix)
	shared := context.WithoutCancel(ctx)
	ch := m.browseGroup.DoChan(root+"\x00"+sub, func() (any, error) {
		return m.lister.Browse(shared, root, sub)
	})
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return nil, r.Err
		}
		nodes := r.Val.([]listing.Node)
		return append(make([]listing.Node, 0, len(nodes)), nodes...), nil
	}
}

// List returns every artifact of run below subPath, flattened.
func (m *Manager) List(ctx context.Context, run keys.Run, subPath string) ([]listing.Node, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return nil, err
	}
	return m.lister.Walk(ctx, keys.ArtifactsRoot(prefix), subPath)
}

// Open streams a single artifact. The caller closes the reader.
func (m *Manager) Open(ctx context.Context, run keys.Run, relativePath string) (io.ReadCloser, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return nil, err
	}
	key, err := keys.KeyFor(prefix, relativePath)
	if err != nil {
		return nil, err
	}
	return m.store.Get(ctx, key)
}

// CopyRun duplicates every object of from under to with server-side copies,
// for rebuilds that reuse an earlier run's outputs. Result paths are relative
// to the run prefix.
func (m *Manager) CopyRun(ctx context.Context, from, to keys.Run) (*transfer.BatchResult, error) {
	if from == to {
		return nil, ErrSameRun
	}
	fromPrefix, err := m.scheme.PrefixFor(from)
	if err != nil {
		return nil, err
	}
	toPrefix, err := m.scheme.PrefixFor(to)
	if err != nil {
		return nil, err
	}
	objs, err := m.list(ctx, fromPrefix)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", from, err)
	}

	tasks := make([]transfer.Task, 0, len(objs))
	for _, o := range objs {
		dst, err := keys.Rebase(o.Key, fromPrefix, toPrefix)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, transfer.Task{
			Path:      o.Key[len(fromPrefix):],
			SourceKey: o.Key,
			Key:       dst,
			Direction: transfer.Copy,
		})
	}
	m.logger.Printf("[artifact] copy %s -> %s: objects=%d", from, to, len(tasks))
	res := m.engine.Run(ctx, tasks)
	return res, res.Err()
}

// Stash packs the files of dir selected by includes and excludes into one
// compressed object stored under run, replacing any stash of the same name.
// It returns the number of files stashed.
func (m *Manager) Stash(ctx context.Context, run keys.Run, name, dir string, includes, excludes []string) (int, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return 0, err
	}
	key, err := keys.StashKey(prefix, name)
	if err != nil {
		return 0, err
	}
	files, err := Collect(dir, includes, excludes)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp("", "cairn-stash-*.tgz")
	if err != nil {
		return 0, fmt.Errorf("create stash file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)
	if err := writeStash(tmp, files); err != nil {
		_ = tmp.Close()
		return 0, fmt.Errorf("stash %q: %w", name, err)
	}
	if err := tmp.Close(); err != nil {
		return 0, fmt.Errorf("stash %q: %w", name, err)
	}

	res := m.engine.Run(ctx, []transfer.Task{{Path: name, Key: key, Local: tmpName, Direction: transfer.Upload}})
	if err := res.Err(); err != nil {
		return 0, err
	}
	m.logger.Printf("[artifact] stash %s %q: files=%d", run, name, len(files))
	return len(files), nil
}

// Unstash restores a stash into dir and returns the number of files written.
func (m *Manager) Unstash(ctx context.Context, run keys.Run, name, dir string) (int, error) {
	prefix, err := m.scheme.PrefixFor(run)
	if err != nil {
		return 0, err
	}
	key, err := keys.StashKey(prefix, name)
	if err != nil {
		return 0, err
	}

	tmpDir, err := os.MkdirTemp("", "cairn-unstash-*")
	if err != nil {
		return 0, fmt.Errorf("create unstash dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)
	archive := filepath.Join(tmpDir, "stash.tgz")

	res := m.engine.Run(ctx, []transfer.Task{{Path: name, Key: key, Local: archive, Direction: transfer.Download}})
	if err := res.Err(); err != nil {
		return 0, err
	}
	f, err := os.Open(archive)
	if err != nil {
		return 0, fmt.Errorf("open stash: %w", err)
	}
	defer f.Close()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}
	n, err := extractStash(f, dir)
	if err != nil {
		return n, fmt.Errorf("unstash %q: %w", name, err)
	}
	m.logger.Printf("[artifact] unstash %s %q: files=%d", run, name, n)
	return n, nil
}

func sortedKeys[V any](m map[string]V) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
