package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
)

// TestS3Store_Live runs against a real bucket when CAIRN_LIVE_BUCKET is set.
// Credentials and region come from the default AWS chain.
func TestS3Store_Live(t *testing.T) {
	bucket := os.Getenv("CAIRN_LIVE_BUCKET")
	if bucket == "" {
		t.Skip("CAIRN_LIVE_BUCKET not set")
	}

	store := NewS3Store(S3Options{
		Bucket:             bucket,
		MultipartThreshold: minPartSize,
		Region:             os.Getenv("CAIRN_LIVE_REGION"),
		Endpoint:           os.Getenv("CAIRN_LIVE_ENDPOINT"),
		UsePathStyle:       os.Getenv("CAIRN_LIVE_ENDPOINT") != "",
	})
	t.Cleanup(func() { _ = store.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	prefix := fmt.Sprintf("cairn-live/%d-%s/", time.Now().UnixNano(), uuid.NewString())
	t.Cleanup(func() {
		objs, _ := Collect(store.List(context.Background(), prefix))
		keys := make([]string, 0, len(objs))
		for _, o := range objs {
			keys = append(keys, o.Key)
		}
		if len(keys) > 0 {
			_, _ = store.Delete(context.Background(), keys)
		}
	})

	small := []byte("hello")
	large := bytes.Repeat([]byte("0123456789abcdef"), (6<<20)/16)
	if err := store.Put(ctx, prefix+"small.txt", bytes.NewReader(small), int64(len(small))); err != nil {
		t.Fatalf("Put(small) error = %v", err)
	}
	if err := store.Put(ctx, prefix+"large.bin", bytes.NewReader(large), -1); err != nil {
		t.Fatalf("Put(large) error = %v", err)
	}

	rc, err := store.Get(ctx, prefix+"large.bin")
	if err != nil {
		t.Fatalf("Get(large) error = %v", err)
	}
	got, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil || !bytes.Equal(got, large) {
		t.Fatalf("Get(large) returned %d bytes, err = %v", len(got), err)
	}

	if err := store.Copy(ctx, prefix+"small.txt", prefix+"copy/small.txt"); err != nil {
		t.Fatalf("Copy() error = %v", err)
	}
	objs, err := Collect(store.List(ctx, prefix))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(objs) != 3 {
		t.Fatalf("List() returned %d objects, want 3", len(objs))
	}

	res, err := store.Delete(ctx, []string{prefix + "small.txt", prefix + "copy/small.txt", prefix + "large.bin"})
	if err != nil || res.Err() != nil {
		t.Fatalf("Delete() = %v, %v", res, err)
	}
	if _, err := store.Get(ctx, prefix+"small.txt"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(deleted) error = %v, want ErrNotFound", err)
	}
}
