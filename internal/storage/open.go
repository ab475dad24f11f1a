package storage

import (
	"fmt"
	"io"
	"log"

	"cairn/internal/config"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
)

// Open builds the backend selected by cfg. No network session is opened
// until the first operation.
func Open(cfg config.StoreConfig, logger *log.Logger) (BlobStore, error) {
	switch cfg.Backend {
	case config.BackendS3:
		var creds aws.CredentialsProvider
		if cfg.AccessKey != "" || cfg.SecretKey != "" {
			creds = credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, cfg.SessionToken)
		}
		return NewS3Store(S3Options{
			Bucket:             cfg.Bucket,
			Region:             cfg.Region,
			Endpoint:           cfg.Endpoint,
			UsePathStyle:       cfg.PathStyle,
			Credentials:        creds,
			MultipartThreshold: cfg.MultipartThreshold,
			PartSize:           cfg.PartSize,
			ListPageSize:       cfg.ListPageSize,
			DeleteBatchSize:    cfg.DeleteBatchSize,
			Logger:             logger,
		}), nil
	case config.BackendMinio:
		return NewMinioStore(MinioOptions{
			Endpoint:           cfg.Endpoint,
			Bucket:             cfg.Bucket,
			Region:             cfg.Region,
			UseSSL:             cfg.UseSSL,
			UsePathStyle:       cfg.PathStyle,
			AccessKey:          cfg.AccessKey,
			SecretKey:          cfg.SecretKey,
			SessionToken:       cfg.SessionToken,
			MultipartThreshold: cfg.MultipartThreshold,
			PartSize:           cfg.PartSize,
			ListPageSize:       cfg.ListPageSize,
			DeleteBatchSize:    cfg.DeleteBatchSize,
			Logger:             logger,
		})
	case config.BackendGCS:
		return NewGCSStore(GCSOptions{
			Bucket:             cfg.Bucket,
			Endpoint:           cfg.Endpoint,
			CredentialsFile:    cfg.CredentialsFile,
			MultipartThreshold: cfg.MultipartThreshold,
			PartSize:           cfg.PartSize,
			ListPageSize:       cfg.ListPageSize,
			Logger:             logger,
		})
	case config.BackendLocal:
		return NewLocalStore(cfg.Root)
	case config.BackendMemory:
		return NewMemoryStore(), nil
	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
	}
}

func loggerOrDiscard(logger *log.Logger) *log.Logger {
	if logger == nil {
		return log.New(io.Discard, "", 0)
	}
	return logger
}
