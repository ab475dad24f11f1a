package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"strings"
	"sync"

	"cloud.google.com/go/storage"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/iterator"
	"google.golang.org/api/option"
)

type GCSOptions struct {
	Bucket          string
	Endpoint        string // optional, e.g. a fake-gcs-server
	CredentialsFile string // service account JSON; empty uses ADC

	MultipartThreshold int64
	PartSize           int64
	ListPageSize       int

	Logger *log.Logger
}

// GCSStore stores objects in Google Cloud Storage. Large uploads use the
// resumable protocol with PartSize chunks.
type GCSStore struct {
	opts   GCSOptions
	logger *log.Logger

	mu     sync.Mutex
	client *storage.Client
	closed bool
}

var _ BlobStore = (*GCSStore)(nil)

func NewGCSStore(opts GCSOptions) (*GCSStore, error) {
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("gcs bucket is required")
	}
	if opts.PartSize < minPartSize {
		opts.PartSize = minPartSize
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = 64 << 20
	}
	if opts.ListPageSize <= 0 {
		opts.ListPageSize = defaultListPageSize
	}
	return &GCSStore{opts: opts, logger: loggerOrDiscard(opts.Logger)}, nil
}

func (g *GCSStore) bucket(ctx context.Context) (*storage.BucketHandle, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil, ErrClosed
	}
	if g.client == nil {
		var opts []option.ClientOption
		if g.opts.CredentialsFile != "" {
			opts = append(opts, option.WithAuthCredentialsFile(option.ServiceAccount, g.opts.CredentialsFile))
		}
		if g.opts.Endpoint != "" {
			opts = append(opts, option.WithEndpoint(g.opts.Endpoint))
		}
		client, err := storage.NewClient(ctx, opts...)
		if err != nil {
			return nil, fmt.Errorf("create gcs client: %w", err)
		}
		client.SetRetry(storage.WithPolicy(storage.RetryNever))
		g.logger.Printf("[gcs] session opened (bucket=%s)", g.opts.Bucket)
		g.client = client
	}
	return g.client.Bucket(g.opts.Bucket), nil
}

func (g *GCSStore) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return nil
	}
	g.closed = true
	if g.client == nil {
		return nil
	}
	err := g.client.Close()
	g.client = nil
	if err != nil {
		return fmt.Errorf("close gcs client: %w", err)
	}
	return nil
}

func (g *GCSStore) Put(ctx context.Context, key string, r io.Reader, sizeHint int64) error {
	bh, err := g.bucket(ctx)
	if err != nil {
		return wrap("gcs put", key, err, classifyGCS)
	}
	wctx, cancel := context.WithCancel(ctx)
	defer cancel()

	w := bh.Object(key).NewWriter(wctx)
	w.ContentType = "application/octet-stream"
	if sizeHint >= 0 && sizeHint <= g.opts.MultipartThreshold {
		w.ChunkSize = 0
	} else {
		w.ChunkSize = int(g.opts.PartSize)
	}
	if _, err := io.Copy(w, r); err != nil {
		// Cancelling before Close abandons the upload instead of committing it.
		cancel()
		_ = w.Close()
		return wrap("gcs put", key, err, classifyGCS)
	}
	return wrap("gcs put", key, w.Close(), classifyGCS)
}

func (g *GCSStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	bh, err := g.bucket(ctx)
	if err != nil {
		return nil, wrap("gcs get", key, err, classifyGCS)
	}
	rc, err := bh.Object(key).NewReader(ctx)
	if err != nil {
		return nil, wrap("gcs get", key, err, classifyGCS)
	}
	return rc, nil
}

func (g *GCSStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		bh, err := g.bucket(ctx)
		if err != nil {
			yield(ObjectInfo{}, wrap("gcs list", prefix, err, classifyGCS))
			return
		}
		it := bh.Objects(ctx, &storage.Query{Prefix: prefix})
		it.PageInfo().MaxSize = g.opts.ListPageSize
		for {
			attrs, err := it.Next()
			if errors.Is(err, iterator.Done) {
				return
			}
			if err != nil {
				yield(ObjectInfo{}, wrap("gcs list", prefix, err, classifyGCS))
				return
			}
			info := ObjectInfo{
				Key:          attrs.Name,
				Size:         attrs.Size,
				ETag:         attrs.Etag,
				LastModified: attrs.Updated,
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

// Delete issues one request per key; GCS has no multi-object delete in the
// JSON API. A key that is already gone counts as deleted.
func (g *GCSStore) Delete(ctx context.Context, keys []string) (DeleteResult, error) {
	result := make(DeleteResult, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	bh, err := g.bucket(ctx)
	if err != nil {
		return nil, wrap("gcs delete", "", err, classifyGCS)
	}
	for _, k := range keys {
		err := bh.Object(k).Delete(ctx)
		if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			result[k] = wrap("gcs delete", k, err, classifyGCS)
			continue
		}
		result[k] = nil
	}
	return result, nil
}

func (g *GCSStore) Exists(ctx context.Context, key string) (bool, error) {
	bh, err := g.bucket(ctx)
	if err != nil {
		return false, wrap("gcs attrs", key, err, classifyGCS)
	}
	if _, err := bh.Object(key).Attrs(ctx); err != nil {
		if errors.Is(err, storage.ErrObjectNotExist) {
			return false, nil
		}
		return false, wrap("gcs attrs", key, err, classifyGCS)
	}
	return true, nil
}

func (g *GCSStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	bh, err := g.bucket(ctx)
	if err != nil {
		return wrap("gcs copy", srcKey, err, classifyGCS)
	}
	_, err = bh.Object(dstKey).CopierFrom(bh.Object(srcKey)).Run(ctx)
	return wrap("gcs copy", srcKey, err, classifyGCS)
}

func classifyGCS(err error) error {
	if errors.Is(err, storage.ErrObjectNotExist) {
		return ErrNotFound
	}
	var apiErr *googleapi.Error
	if errors.As(err, &apiErr) {
		return classifyStatus(apiErr.Code)
	}
	return nil
}
