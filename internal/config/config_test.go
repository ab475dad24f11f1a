package config

import (
	"reflect"
	"strings"
	"testing"
	"time"
)

func TestParseList(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		raw  string
		want []string
	}{
		{
			name: "multi delimiters and dedupe",
			raw:  " https://a.example ; https://b.example,\nhttps://A.example ",
			want: []string{"https://a.example", "https://b.example"},
		},
		{
			name: "empty",
			raw:  " , ; \n ",
			want: []string{},
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got := parseList(tt.raw)
			if !reflect.DeepEqual(got, tt.want) {
				t.Fatalf("parseList() = %#v, want %#v", got, tt.want)
			}
		})
	}
}

func TestLoadStoreAndTransferConfig(t *testing.T) {
	t.Setenv("STORE_BACKEND", "MinIO")
	t.Setenv("STORE_ENDPOINT", "localhost:9000")
	t.Setenv("STORE_BUCKET", "artifacts")
	t.Setenv("STORE_PREFIX", "ci/")
	t.Setenv("STORE_PATH_STYLE", "yes")
	t.Setenv("MULTIPART_PART_SIZE", "1024")
	t.Setenv("TRANSFER_WORKERS", "8")
	t.Setenv("RETRY_ATTEMPTS", "5")
	t.Setenv("RETRY_BACKOFF", "50ms")
	t.Setenv("REQUEST_TIMEOUT", "not-a-duration")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Store.Backend != BackendMinio {
		t.Fatalf("Store.Backend = %q, want %q", cfg.Store.Backend, BackendMinio)
	}
	if !cfg.Store.PathStyle {
		t.Fatalf("Store.PathStyle = false, want true")
	}
	if cfg.Store.PartSize != 5<<20 {
		t.Fatalf("Store.PartSize = %d, want %d", cfg.Store.PartSize, 5<<20)
	}
	if cfg.Transfer.Workers != 8 {
		t.Fatalf("Transfer.Workers = %d, want 8", cfg.Transfer.Workers)
	}
	if cfg.Transfer.RetryAttempts != 5 {
		t.Fatalf("Transfer.RetryAttempts = %d, want 5", cfg.Transfer.RetryAttempts)
	}
	if cfg.Transfer.RetryBackoff != 50*time.Millisecond {
		t.Fatalf("Transfer.RetryBackoff = %s, want 50ms", cfg.Transfer.RetryBackoff)
	}
	if cfg.Transfer.RequestTimeout != 60*time.Second {
		t.Fatalf("Transfer.RequestTimeout = %s, want fallback 60s", cfg.Transfer.RequestTimeout)
	}
}

func TestLoadRejectsMissingBucket(t *testing.T) {
	t.Setenv("STORE_BACKEND", "s3")
	t.Setenv("STORE_BUCKET", "")

	_, err := Load()
	if err == nil || !strings.Contains(err.Error(), "STORE_BUCKET") {
		t.Fatalf("Load() error = %v, want STORE_BUCKET error", err)
	}
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "ftp")

	if _, err := Load(); err == nil {
		t.Fatalf("Load() error = nil, want non-nil")
	}
}

func TestLoadMemoryBackendNeedsNoBucket(t *testing.T) {
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("STORE_BUCKET", "")
	t.Setenv("TRANSFER_WORKERS", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Transfer.Workers != 1 {
		t.Fatalf("Transfer.Workers = %d, want 1", cfg.Transfer.Workers)
	}
}

func TestLoadLocalBackendAndRateLimits(t *testing.T) {
	t.Setenv("STORE_BACKEND", "local")
	t.Setenv("STORE_ROOT", t.TempDir())
	t.Setenv("RATE_LIMIT_WINDOW", "30s")
	t.Setenv("RATE_LIMIT_LIST", "0")
	t.Setenv("RATE_LIMIT_READ", "bogus")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.RateLimitWindow != 30*time.Second {
		t.Fatalf("RateLimitWindow = %s, want 30s", cfg.RateLimitWindow)
	}
	if cfg.RateLimitList != 0 {
		t.Fatalf("RateLimitList = %d, want 0", cfg.RateLimitList)
	}
	if cfg.RateLimitRead != 600 {
		t.Fatalf("RateLimitRead = %d, want fallback 600", cfg.RateLimitRead)
	}
	if cfg.RateLimitAdmin != 30 {
		t.Fatalf("RateLimitAdmin = %d, want 30", cfg.RateLimitAdmin)
	}
}
