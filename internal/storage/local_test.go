package storage

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLocalStore_PutGetListDelete(t *testing.T) {
	t.Parallel()
	root := t.TempDir()
	s, err := NewLocalStore(root)
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	for _, k := range []string{"run/1/artifacts/a.txt", "run/1/artifacts/sub/b.txt", "run/2/artifacts/c.txt"} {
		if err := s.Put(ctx, k, strings.NewReader("data:"+k), -1); err != nil {
			t.Fatalf("Put(%q) error = %v", k, err)
		}
	}

	rc, err := s.Get(ctx, "run/1/artifacts/sub/b.txt")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	got, _ := io.ReadAll(rc)
	_ = rc.Close()
	if string(got) != "data:run/1/artifacts/sub/b.txt" {
		t.Fatalf("Get() = %q", got)
	}

	objs, err := Collect(s.List(ctx, "run/1/"))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objs) != 2 {
		t.Fatalf("List() = %+v, want 2 objects", objs)
	}

	res, err := s.Delete(ctx, []string{"run/1/artifacts/a.txt", "run/1/artifacts/sub/b.txt", "run/1/artifacts/never"})
	if err != nil || res.Err() != nil {
		t.Fatalf("Delete() = %v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join(root, "run", "1")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("empty run dir not pruned: %v", err)
	}
	if _, err := os.Stat(filepath.Join(root, "run", "2")); err != nil {
		t.Fatalf("sibling run dir removed: %v", err)
	}
}

func TestLocalStore_GetMissing(t *testing.T) {
	t.Parallel()
	s, _ := NewLocalStore(t.TempDir())
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() error = %v, want ErrNotFound", err)
	}
	ok, err := s.Exists(context.Background(), "nope")
	if ok || err != nil {
		t.Fatalf("Exists() = %v, %v", ok, err)
	}
}

func TestLocalStore_RejectsEscapingKeys(t *testing.T) {
	t.Parallel()
	s, _ := NewLocalStore(t.TempDir())
	if err := s.Put(context.Background(), "../outside", strings.NewReader("x"), 1); err == nil {
		t.Fatalf("Put(../outside) error = nil, want error")
	}
}

func TestLocalStore_PrunesBelowRelativeRoot(t *testing.T) {
	t.Chdir(t.TempDir())
	s, err := NewLocalStore("./data/")
	if err != nil {
		t.Fatalf("NewLocalStore() error = %v", err)
	}
	defer s.Close()
	ctx := context.Background()

	if err := s.Put(ctx, "build/7/artifacts/out/a.txt", strings.NewReader("a"), -1); err != nil {
		t.Fatalf("Put() error = %v", err)
	}
	if res, err := s.Delete(ctx, []string{"build/7/artifacts/out/a.txt"}); err != nil || res.Err() != nil {
		t.Fatalf("Delete() = %v, %v", res, err)
	}
	if _, err := os.Stat(filepath.Join("data", "build")); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("empty directories not pruned: %v", err)
	}
	if _, err := os.Stat("data"); err != nil {
		t.Fatalf("root removed: %v", err)
	}
}
