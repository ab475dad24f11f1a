package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"net/http"
	"strings"
	"sync"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

type MinioOptions struct {
	Endpoint     string
	Bucket       string
	Region       string
	UseSSL       bool
	UsePathStyle bool

	AccessKey    string
	SecretKey    string
	SessionToken string

	MultipartThreshold int64
	PartSize           int64
	ListPageSize       int
	DeleteBatchSize    int

	Logger *log.Logger
}

// MinioStore talks to MinIO and other S3-compatible servers through minio-go.
type MinioStore struct {
	opts      MinioOptions
	logger    *log.Logger
	transport *http.Transport

	mu     sync.Mutex
	client *minio.Client
	closed bool
}

var _ BlobStore = (*MinioStore)(nil)

func NewMinioStore(opts MinioOptions) (*MinioStore, error) {
	if strings.TrimSpace(opts.Endpoint) == "" {
		return nil, fmt.Errorf("minio endpoint is required")
	}
	if strings.TrimSpace(opts.Bucket) == "" {
		return nil, fmt.Errorf("minio bucket is required")
	}
	if opts.Region == "" {
		opts.Region = "us-east-1"
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
	if opts.DeleteBatchSize <= 0 {
		opts.DeleteBatchSize = maxS3DeleteBatch
	}
	return &MinioStore{
		opts:      opts,
		logger:    loggerOrDiscard(opts.Logger),
		transport: http.DefaultTransport.(*http.Transport).Clone(),
	}, nil
}

func (m *MinioStore) credentials() *credentials.Credentials {
	if m.opts.AccessKey != "" || m.opts.SecretKey != "" {
		return credentials.NewStaticV4(m.opts.AccessKey, m.opts.SecretKey, m.opts.SessionToken)
	}
	return credentials.NewChainCredentials([]credentials.Provider{
		&credentials.EnvAWS{},
		&credentials.EnvMinio{},
		&credentials.IAM{Client: &http.Client{Transport: m.transport}},
	})
}

func (m *MinioStore) session() (*minio.Client, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, ErrClosed
	}
	if m.client != nil {
		return m.client, nil
	}
	client, err := minio.New(m.opts.Endpoint, m.clientOptions())
	if err != nil {
		return nil, fmt.Errorf("init minio client: %w", err)
	}
	m.logger.Printf("[minio] session opened (endpoint=%s bucket=%s)", m.opts.Endpoint, m.opts.Bucket)
	m.client = client
	return client, nil
}

// clientOptions configures a single attempt per request; retries are left
// to the caller.
func (m *MinioStore) clientOptions() *minio.Options {
	lookup := minio.BucketLookupAuto
	if m.opts.UsePathStyle {
		lookup = minio.BucketLookupPath
	}
	return &minio.Options{
		Creds:        m.credentials(),
		Secure:       m.opts.UseSSL,
		Region:       m.opts.Region,
		BucketLookup: lookup,
		Transport:    m.transport,
		MaxRetries:   1,
	}
}

func (m *MinioStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	m.client = nil
	m.transport.CloseIdleConnections()
	return nil
}

func (m *MinioStore) Put(ctx context.Context, key string, r io.Reader, sizeHint int64) error {
	client, err := m.session()
	if err != nil {
		return wrap("minio put", key, err, classifyMinio)
	}
	_, err = client.PutObject(ctx, m.opts.Bucket, key, r, sizeHint, minio.PutObjectOptions{
		ContentType:      "application/octet-stream",
		PartSize:         uint64(m.opts.PartSize),
		DisableMultipart: sizeHint >= 0 && sizeHint <= m.opts.MultipartThreshold,
	})
	return wrap("minio put", key, err, classifyMinio)
}

func (m *MinioStore) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	client, err := m.session()
	if err != nil {
		return nil, wrap("minio get", key, err, classifyMinio)
	}
	obj, err := client.GetObject(ctx, m.opts.Bucket, key, minio.GetObjectOptions{})
	if err != nil {
		return nil, wrap("minio get", key, err, classifyMinio)
	}
	// GetObject is lazy; Stat surfaces a missing key before the caller reads.
	if _, err := obj.Stat(); err != nil {
		_ = obj.Close()
		return nil, wrap("minio get", key, err, classifyMinio)
	}
	return obj, nil
}

func (m *MinioStore) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		client, err := m.session()
		if err != nil {
			yield(ObjectInfo{}, wrap("minio list", prefix, err, classifyMinio))
			return
		}
		listCtx, cancel := context.WithCancel(ctx)
		defer cancel()
		for obj := range client.ListObjects(listCtx, m.opts.Bucket, minio.ListObjectsOptions{
			Prefix:    prefix,
			Recursive: true,
			MaxKeys:   m.opts.ListPageSize,
		}) {
			if obj.Err != nil {
				yield(ObjectInfo{}, wrap("minio list", prefix, obj.Err, classifyMinio))
				return
			}
			info := ObjectInfo{
				Key:          obj.Key,
				Size:         obj.Size,
				ETag:         strings.Trim(obj.ETag, `"`),
				LastModified: obj.LastModified,
			}
			if !yield(info, nil) {
				return
			}
		}
	}
}

func (m *MinioStore) Delete(ctx context.Context, keys []string) (DeleteResult, error) {
	result := make(DeleteResult, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	client, err := m.session()
	if err != nil {
		return nil, wrap("minio delete", "", err, classifyMinio)
	}
	for _, batch := range batches(keys, m.opts.DeleteBatchSize) {
		objects := make(chan minio.ObjectInfo, len(batch))
		for _, k := range batch {
			result[k] = nil
			objects <- minio.ObjectInfo{Key: k}
		}
		close(objects)
		for rErr := range client.RemoveObjects(ctx, m.opts.Bucket, objects, minio.RemoveObjectsOptions{}) {
			if rErr.Err == nil {
				continue
			}
			if rErr.ObjectName == "" {
				// Request-level failure: nothing in this batch is known to be gone.
				for _, k := range batch {
					result[k] = wrap("minio delete", k, rErr.Err, classifyMinio)
				}
				continue
			}
			result[rErr.ObjectName] = wrap("minio delete", rErr.ObjectName, rErr.Err, classifyMinio)
		}
	}
	return result, nil
}

func (m *MinioStore) Exists(ctx context.Context, key string) (bool, error) {
	client, err := m.session()
	if err != nil {
		return false, wrap("minio stat", key, err, classifyMinio)
	}
	_, err = client.StatObject(ctx, m.opts.Bucket, key, minio.StatObjectOptions{})
	if err != nil {
		wrapped := wrap("minio stat", key, err, classifyMinio)
		if errors.Is(wrapped, ErrNotFound) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

func (m *MinioStore) Copy(ctx context.Context, srcKey, dstKey string) error {
	client, err := m.session()
	if err != nil {
		return wrap("minio copy", srcKey, err, classifyMinio)
	}
	_, err = client.CopyObject(ctx,
		minio.CopyDestOptions{Bucket: m.opts.Bucket, Object: dstKey},
		minio.CopySrcOptions{Bucket: m.opts.Bucket, Object: srcKey},
	)
	return wrap("minio copy", srcKey, err, classifyMinio)
}

func classifyMinio(err error) error {
	resp := minio.ToErrorResponse(err)
	if kind := classifyCode(resp.Code); kind != nil {
		return kind
	}
	if resp.StatusCode != 0 {
		return classifyStatus(resp.StatusCode)
	}
	return nil
}
