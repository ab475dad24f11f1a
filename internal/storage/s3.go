package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
)

const (
	minPartSize         = 5 << 20
	maxS3DeleteBatch    = 1000
	defaultListPageSize = 1000
)

// S3API is the subset of *s3.Client used by S3Store.
type S3API interface {
	s3.ListObjectsV2APIClient
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	HeadObject(ctx context.Context, params *s3.HeadObjectInput, optFns ...func(*s3.Options)) (*s3.HeadObjectOutput, error)
	CopyObject(ctx context.Context, params *s3.CopyObjectInput, optFns ...func(*s3.Options)) (*s3.CopyObjectOutput, error)
	DeleteObjects(ctx context.Context, params *s3.DeleteObjectsInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectsOutput, error)
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

var _ S3API = (*s3.Client)(nil)

// S3Options configures an S3Store. Zero sizes fall back to defaults.
type S3Options struct {
	Bucket       string
	Region       string
	Endpoint     string // optional, e.g. LocalStack or Ceph RGW
	UsePathStyle bool

	// Credentials is consulted when the session is acquired. Nil uses the
	// default AWS credential chain.
	Credentials aws.CredentialsProvider

	MultipartThreshold int64
	PartSize           int64
	ListPageSize       int
	DeleteBatchSize    int

	Logger *log.Logger
}

// S3Store stores objects in an S3-compatible bucket via aws-sdk-go-v2.
type S3Store struct {
	opts      S3Options
	logger    *log.Logger
	transport *http.Transport

	mu     sync.Mutex
	client S3API
	closed bool
	// newClient builds the session; replaced in tests.
	newClient func(context.Context) (S3API, error)
}

var _ BlobStore = (*S3Store)(nil)

func NewS3Store(opts S3Options) *S3Store {
	opts = withS3Defaults(opts)
	s := &S3Store{
		opts:      opts,
		logger:    loggerOrDiscard(opts.Logger),
		transport: http.DefaultTransport.(*http.Transport).Clone(),
	}
	s.newClient = s.dial
	return s
}

// NewS3StoreWithClient wraps an existing client; the session is never
// re-dialled.
func NewS3StoreWithClient(client S3API, opts S3Options) *S3Store {
	s := NewS3Store(opts)
	s.newClient = func(context.Context) (S3API, error) { return client, nil }
	return s
}

func withS3Defaults(opts S3Options) S3Options {
	if opts.Region == "" {
		opts.Region = "us-east-1"
	}
	if opts.PartSize < minPartSize {
		opts.PartSize = minPartSize
	}
	if opts.MultipartThreshold <= 0 {
		opts.MultipartThreshold = 64 << 20
	}
	if opts.ListPageSize <= 0 || opts.ListPageSize > defaultListPageSize {
		opts.ListPageSize = defaultListPageSize
	}
	if opts.DeleteBatchSize <= 0 || opts.DeleteBatchSize > maxS3DeleteBatch {
		opts.DeleteBatchSize = maxS3DeleteBatch
	}
	return opts
}

func (s *S3Store) dial(ctx context.Context) (S3API, error) {
	loadOpts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(s.opts.Region),
		awsconfig.WithHTTPClient(&http.Client{Transport: s.transport}),
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}
	if s.opts.Credentials != nil {
		loadOpts = append(loadOpts, awsconfig.WithCredentialsProvider(aws.NewCredentialsCache(s.opts.Credentials)))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return s3.NewFromConfig(cfg, func(o *s3.Options) {
		if s.opts.Endpoint != "" {
			o.BaseEndpoint = aws.String(s.opts.Endpoint)
		}
		o.UsePathStyle = s.opts.UsePathStyle
	}), nil
}

// session returns the live client, dialling it on first use.
func (s *S3Store) session(ctx context.Context) (S3API, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	if s.client != nil {
		return s.client, nil
	}
	client, err := s.newClient(ctx)
	if err != nil {
		return nil, err
	}
	s.logger.Printf("[s3] session opened (bucket=%s region=%s)", s.opts.Bucket, s.opts.Region)
	s.client = client
	return client, nil
}

func (s *S3Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	if s.client != nil {
		s.logger.Printf("[s3] session closed (bucket=%s)", s.opts.Bucket)
	}
	s.client = nil
	s.transport.CloseIdleConnections()
	return nil
}

func (s *S3Store) Put(ctx context.Context, key string, r io.Reader, sizeHint int64) error {
	api, err := s.session(ctx)
	if err != nil {
		return wrap("s3 put", key, err, classifyS3)
	}
	if sizeHint >= 0 && sizeHint <= s.opts.MultipartThreshold {
		return s.putSingle(ctx, api, key, r, sizeHint)
	}
	return s.putMultipart(ctx, api, key, r)
}

func (s *S3Store) putSingle(ctx context.Context, api S3API, key string, r io.Reader, size int64) error {
	_, err := api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(s.opts.Bucket),
		Key:           aws.String(key),
		Body:          r,
		ContentLength: aws.Int64(size),
		ContentType:   aws.String("application/octet-stream"),
	})
	return wrap("s3 put", key, err, classifyS3)
}

func (s *S3Store) putMultipart(ctx context.Context, api S3API, key string, r io.Reader) error {
	buf := make([]byte, s.opts.PartSize)
	n, readErr := io.ReadFull(r, buf)
	if readErr == io.EOF || readErr == io.ErrUnexpectedEOF {
		// Fits in one part.
		return s.putSingle(ctx, api, key, bytes.NewReader(buf[:n]), int64(n))
	}
	if readErr != nil {
		return wrap("s3 put", key, fmt.Errorf("read body: %w", readErr), nil)
	}

	created, err := api.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(key),
		ContentType: aws.String("application/octet-stream"),
	})
	if err != nil {
		return wrap("s3 create multipart", key, err, classifyS3)
	}
	uploadID := created.UploadId

	abort := func(cause error) error {
		_, abortErr := api.AbortMultipartUpload(context.WithoutCancel(ctx), &s3.AbortMultipartUploadInput{
			Bucket:   aws.String(s.opts.Bucket),
			Key:      aws.String(key),
			UploadId: uploadID,
		})
		if abortErr != nil {
			s.logger.Printf("[s3] abort multipart upload %s for %q: %v", aws.ToString(uploadID), key, abortErr)
		}
		return cause
	}

	var parts []types.CompletedPart
	for partNumber := int32(1); ; partNumber++ {
		out, err := api.UploadPart(ctx, &s3.UploadPartInput{
			Bucket:        aws.String(s.opts.Bucket),
			Key:           aws.String(key),
			UploadId:      uploadID,
			PartNumber:    aws.Int32(partNumber),
			Body:          bytes.NewReader(buf[:n]),
			ContentLength: aws.Int64(int64(n)),
		})
		if err != nil {
			return abort(wrap("s3 upload part", key, err, classifyS3))
		}
		parts = append(parts, types.CompletedPart{ETag: out.ETag, PartNumber: aws.Int32(partNumber)})
		if readErr != nil {
			break
		}

		n, readErr = io.ReadFull(r, buf)
		if readErr == io.EOF {
			break
		}
		if readErr != nil && readErr != io.ErrUnexpectedEOF {
			return abort(wrap("s3 put", key, fmt.Errorf("read body: %w", readErr), nil))
		}
	}

	_, err = api.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          aws.String(s.opts.Bucket),
		Key:             aws.String(key),
		UploadId:        uploadID,
		MultipartUpload: &types.CompletedMultipartUpload{Parts: parts},
	})
	if err != nil {
		return abort(wrap("s3 complete multipart", key, err, classifyS3))
	}
	return nil
}

func (s *S3Store) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	api, err := s.session(ctx)
	if err != nil {
		return nil, wrap("s3 get", key, err, classifyS3)
	}
	out, err := api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, wrap("s3 get", key, err, classifyS3)
	}
	return out.Body, nil
}

func (s *S3Store) List(ctx context.Context, prefix string) iter.Seq2[ObjectInfo, error] {
	return func(yield func(ObjectInfo, error) bool) {
		api, err := s.session(ctx)
		if err != nil {
			yield(ObjectInfo{}, wrap("s3 list", prefix, err, classifyS3))
			return
		}
		pager := s3.NewListObjectsV2Paginator(api, &s3.ListObjectsV2Input{
			Bucket:  aws.String(s.opts.Bucket),
			Prefix:  aws.String(prefix),
			MaxKeys: aws.Int32(int32(s.opts.ListPageSize)),
		})
		for pager.HasMorePages() {
			page, err := pager.NextPage(ctx)
			if err != nil {
				yield(ObjectInfo{}, wrap("s3 list", prefix, err, classifyS3))
				return
			}
			for _, obj := range page.Contents {
				info := ObjectInfo{
					Key:          aws.ToString(obj.Key),
					Size:         aws.ToInt64(obj.Size),
					ETag:         strings.Trim(aws.ToString(obj.ETag), `"`),
					LastModified: aws.ToTime(obj.LastModified),
				}
				if !yield(info, nil) {
					return
				}
			}
		}
	}
}

func (s *S3Store) Delete(ctx context.Context, keys []string) (DeleteResult, error) {
	result := make(DeleteResult, len(keys))
	if len(keys) == 0 {
		return result, nil
	}
	api, err := s.session(ctx)
	if err != nil {
		return nil, wrap("s3 delete", "", err, classifyS3)
	}
	for _, batch := range batches(keys, s.opts.DeleteBatchSize) {
		ids := make([]types.ObjectIdentifier, 0, len(batch))
		for _, k := range batch {
			ids = append(ids, types.ObjectIdentifier{Key: aws.String(k)})
			result[k] = nil
		}
		out, err := api.DeleteObjects(ctx, &s3.DeleteObjectsInput{
			Bucket: aws.String(s.opts.Bucket),
			Delete: &types.Delete{Objects: ids, Quiet: aws.Bool(true)},
		})
		if err != nil {
			for _, k := range batch {
				result[k] = wrap("s3 delete", k, err, classifyS3)
			}
			continue
		}
		for _, e := range out.Errors {
			k := aws.ToString(e.Key)
			code := aws.ToString(e.Code)
			result[k] = NewError("s3 delete", k, classifyCode(code),
				fmt.Errorf("%s: %s", code, aws.ToString(e.Message)))
		}
	}
	return result, nil
}

func (s *S3Store) Exists(ctx context.Context, key string) (bool, error) {
	api, err := s.session(ctx)
	if err != nil {
		return false, wrap("s3 head", key, err, classifyS3)
	}
	_, err = api.HeadObject(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		wrapped := wrap("s3 head", key, err, classifyS3)
		if errors.Is(wrapped, ErrNotFound) {
			return false, nil
		}
		return false, wrapped
	}
	return true, nil
}

func (s *S3Store) Copy(ctx context.Context, srcKey, dstKey string) error {
	api, err := s.session(ctx)
	if err != nil {
		return wrap("s3 copy", srcKey, err, classifyS3)
	}
	_, err = api.CopyObject(ctx, &s3.CopyObjectInput{
		Bucket:     aws.String(s.opts.Bucket),
		Key:        aws.String(dstKey),
		CopySource: aws.String(copySource(s.opts.Bucket, srcKey)),
	})
	return wrap("s3 copy", srcKey, err, classifyS3)
}

func copySource(bucket, key string) string {
	segs := strings.Split(key, "/")
	for i, seg := range segs {
		segs[i] = url.PathEscape(seg)
	}
	return bucket + "/" + strings.Join(segs, "/")
}

func classifyS3(err error) error {
	var noSuchKey *types.NoSuchKey
	var notFound *types.NotFound
	if errors.As(err, &noSuchKey) || errors.As(err, &notFound) {
		return ErrNotFound
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		if kind := classifyCode(apiErr.ErrorCode()); kind != nil {
			return kind
		}
	}
	var respErr interface{ HTTPStatusCode() int }
	if errors.As(err, &respErr) {
		return classifyStatus(respErr.HTTPStatusCode())
	}
	return nil
}
