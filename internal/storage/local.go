package storage

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
)

const localTmpDir = ".cairn-tmp"

// LocalStore keeps objects as files below root, one file per key. It backs
// single-host deployments and the CLI's --store=local mode.
type LocalStore struct {
	root   string
	closed atomic.Bool
}

var _ BlobStore = (*LocalStore)(nil)

func NewLocalStore(root string) (*LocalStore, error) {
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	return &LocalStore{root: root}, nil
}

func (l *LocalStore) path(key string) (string, error) {
	if l.closed.Load() {
		return "", ErrClosed
	}
	if key == "" || strings.HasPrefix(key, localTmpDir+"/") {
		return "", fmt.Errorf("key %q is reserved", key)
	}
	p := filepath.Join(l.root, filepath.FromSlash(key))
	rel, err := filepath.Rel(l.root, p)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("key %q escapes storage root", key)
	}
	return p, nil
}

func (l *LocalStore) Put(_ context.Context, key string, r io.Reader, _ int64) (err error) {
	absPath, err := l.path(key)
	if err != nil {
		return wrap("local put", key, err, nil)
	}
	tmpDir := filepath.Join(l.root, localTmpDir)
	if err := os.MkdirAll(tmpDir, 0o755); err != nil {
		return wrap("local put", key, fmt.Errorf("create tmp dir: %w", err), nil)
	}

	tmpFile, err := os.CreateTemp(tmpDir, "blob-*")
	if err != nil {
		return wrap("local put", key, fmt.Errorf("create tmp file: %w", err), nil)
	}
	tmpName := tmpFile.Name()
	defer func() {
		_ = tmpFile.Close()
		if err != nil {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := io.Copy(tmpFile, r); err != nil {
		return wrap("local put", key, fmt.Errorf("write blob: %w", err), nil)
	}
	if err := tmpFile.Close(); err != nil {
		return wrap("local put", key, fmt.Errorf("close tmp file: %w", err), nil)
	}
	if err := os.MkdirAll(filepath.Dir(absPath), 0o755); err != nil {
		return wrap("local put", key, fmt.Errorf("create blob dir: %w", err), nil)
	}
	if err := os.Rename(tmpName, absPath); err != nil {
		return wrap("local put", key, fmt.Errorf("move blob: %w", err), nil)
	}
	return nil
}

func (l *LocalStore) Get(_ context.Context, key string) (io.ReadCloser, error) {
	absPath, err := l.path(key)
	if err != nil {
		return nil, wrap("local get", key, err, nil)
	}
	f, err := os.Open(absPath)
	if err != nil {
		return nil, wrap("local get", key, err, classifyLocal)
	}
	return f, nil
}

func (l *LocalStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		if l.closed.Load() {
			yield(ObjectInfo{}, wrap("local list", prefix, ErrClosed, nil))
			return
		}
		stop := errors.New("stop")
		err := filepath.WalkDir(l.root, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			rel, err := filepath.Rel(l.root, p)
			if err != nil {
				return err
			}
			key := filepath.ToSlash(rel)
			if d.IsDir() {
				if key == localTmpDir {
					return fs.SkipDir
				}
				// Skip subtrees that cannot contain the prefix.
				if key != "." && !strings.HasPrefix(prefix, key+"/") && !strings.HasPrefix(key+"/", prefix) {
					return fs.SkipDir
				}
				return nil
			}
			if !strings.HasPrefix(key, prefix) {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			if !yield(ObjectInfo{Key: key, Size: info.Size(), ETag: localETag(info), LastModified: info.ModTime().UTC()}, nil) {
				return stop
			}
			return nil
		})
		if err != nil && !errors.Is(err, stop) {
			yield(ObjectInfo{}, wrap("local list", prefix, err, classifyLocal))
		}
	}
}

func (l *LocalStore) Delete(_ context.Context, keys []string) (DeleteResult, error) {
	if l.closed.Load() {
		return nil, wrap("local delete", "", ErrClosed, nil)
	}
	result := make(DeleteResult, len(keys))
	for _, k := range keys {
		absPath, err := l.path(k)
		if err != nil {
			result[k] = wrap("local delete", k, err, nil)
			continue
		}
		if err := os.Remove(absPath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			result[k] = wrap("local delete", k, err, classifyLocal)
			continue
		}
		result[k] = nil
		l.pruneEmptyDirs(filepath.Dir(absPath))
	}
	return result, nil
}

func (l *LocalStore) pruneEmptyDirs(dir string) {
	for dir != l.root && strings.HasPrefix(dir, l.root) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

func (l *LocalStore) Exists(_ context.Context, key string) (bool, error) {
	absPath, err := l.path(key)
	if err != nil {
		return false, wrap("local stat", key, err, nil)
	}
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, wrap("local stat", key, err, classifyLocal)
	}
	return !info.IsDir(), nil
}

func (l *LocalStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	rc, err := l.Get(ctx, srcKey)
	if err != nil {
		return err
	}
	defer rc.Close()
	return l.Put(ctx, dstKey, rc, -1)
}

func (l *LocalStore) Close() error {
	l.closed.Store(true)
	return nil
}

func localETag(info fs.FileInfo) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d-%d", info.Size(), info.ModTime().UnixNano())))
	return hex.EncodeToString(sum[:])
}

func classifyLocal(err error) error {
	switch {
	case errors.Is(err, fs.ErrNotExist):
		return ErrNotFound
	case errors.Is(err, fs.ErrPermission):
		return ErrAuth
	default:
		return nil
	}
}
