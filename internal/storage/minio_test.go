package storage

import (
	"testing"

	"github.com/minio/minio-go/v7"
)

func TestMinioClientOptions(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name       string
		pathStyle  bool
		wantLookup minio.BucketLookupType
	}{
		{"auto lookup", false, minio.BucketLookupAuto},
		{"path style", true, minio.BucketLookupPath},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s, err := NewMinioStore(MinioOptions{
				Endpoint:     "localhost:9000",
				Bucket:       "artifacts",
				UsePathStyle: tt.pathStyle,
				AccessKey:    "key",
				SecretKey:    "secret",
			})
			if err != nil {
				t.Fatalf("NewMinioStore() error = %v", err)
			}
			opts := s.clientOptions()
			if opts.MaxRetries != 1 {
				t.Fatalf("MaxRetries = %d, want 1", opts.MaxRetries)
			}
			if opts.BucketLookup != tt.wantLookup {
				t.Fatalf("BucketLookup = %v, want %v", opts.BucketLookup, tt.wantLookup)
			}
			if opts.Region != "us-east-1" {
				t.Fatalf("Region = %q, want default us-east-1", opts.Region)
			}
		})
	}
}
