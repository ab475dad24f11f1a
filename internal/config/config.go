package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	BackendS3     = "s3"
	BackendMinio  = "minio"
	BackendGCS    = "gcs"
	BackendLocal  = "local"
	BackendMemory = "memory"
)

// StoreConfig selects and tunes the object-store backend.
type StoreConfig struct {
	Backend         string
	Endpoint        string
	Region          string
	Bucket          string
	Prefix          string
	PathStyle       bool
	UseSSL          bool
	Root            string
	AccessKey       string
	SecretKey       string
	SessionToken    string
	CredentialsFile string

	MultipartThreshold int64
	PartSize           int64
	ListPageSize       int
	DeleteBatchSize    int
}

// TransferConfig tunes the bulk transfer worker pool.
type TransferConfig struct {
	Workers        int
	RetryAttempts  int
	RetryBackoff   time.Duration
	RetryMaxDelay  time.Duration
	RequestTimeout time.Duration
}

// Config holds runtime configuration for the server and the CLI.
type Config struct {
	Store    StoreConfig
	Transfer TransferConfig

	ListenAddr         string
	AdminToken         string
	CORSAllowedOrigins []string
	HTTPReadTimeout    time.Duration
	HTTPWriteTimeout   time.Duration
	HTTPIdleTimeout    time.Duration

	// Per-client request budgets for the HTTP API; zero disables a budget.
	RateLimitWindow time.Duration
	RateLimitList   int
	RateLimitRead   int
	RateLimitAdmin  int
}

func Load() (Config, error) {
	cfg := Config{
		Store: StoreConfig{
			Backend:            strings.ToLower(getenv("STORE_BACKEND", BackendS3)),
			Endpoint:           getenv("STORE_ENDPOINT", ""),
			Region:             getenv("STORE_REGION", "us-east-1"),
			Bucket:             getenv("STORE_BUCKET", ""),
			Prefix:             getenv("STORE_PREFIX", ""),
			PathStyle:          getenvBool("STORE_PATH_STYLE", false),
			UseSSL:             getenvBool("STORE_USE_SSL", true),
			Root:               getenv("STORE_ROOT", "./data"),
			AccessKey:          getenv("STORE_ACCESS_KEY", ""),
			SecretKey:          getenv("STORE_SECRET_KEY", ""),
			SessionToken:       getenv("STORE_SESSION_TOKEN", ""),
			CredentialsFile:    getenv("GCS_CREDENTIALS_FILE", ""),
			MultipartThreshold: getenvInt64("MULTIPART_THRESHOLD", 64<<20),
			PartSize:           getenvInt64("MULTIPART_PART_SIZE", 16<<20),
			ListPageSize:       getenvInt("LIST_PAGE_SIZE", 1000),
			DeleteBatchSize:    getenvInt("DELETE_BATCH_SIZE", 1000),
		},
		Transfer: TransferConfig{
			Workers:        getenvInt("TRANSFER_WORKERS", 4),
			RetryAttempts:  getenvInt("RETRY_ATTEMPTS", 3),
			RetryBackoff:   getenvDuration("RETRY_BACKOFF", 200*time.Millisecond),
			RetryMaxDelay:  getenvDuration("RETRY_BACKOFF_MAX", 5*time.Second),
			RequestTimeout: getenvDuration("REQUEST_TIMEOUT", 60*time.Second),
		},
		ListenAddr:       getenv("LISTEN_ADDR", ":8080"),
		AdminToken:       getenv("ADMIN_TOKEN", ""),
		HTTPReadTimeout:  getenvDuration("HTTP_READ_TIMEOUT", 15*time.Second),
		HTTPWriteTimeout: getenvDuration("HTTP_WRITE_TIMEOUT", 10*time.Minute),
		HTTPIdleTimeout:  getenvDuration("HTTP_IDLE_TIMEOUT", 60*time.Second),
		RateLimitWindow:  getenvDuration("RATE_LIMIT_WINDOW", time.Minute),
		RateLimitList:    getenvInt("RATE_LIMIT_LIST", 120),
		RateLimitRead:    getenvInt("RATE_LIMIT_READ", 600),
		RateLimitAdmin:   getenvInt("RATE_LIMIT_ADMIN", 30),
	}
	cfg.CORSAllowedOrigins = parseList(getenv("CORS_ALLOWED_ORIGINS", ""))

	if err := cfg.Store.validate(); err != nil {
		return Config{}, err
	}
	cfg.Transfer.normalize()
	return cfg, nil
}

func (s *StoreConfig) validate() error {
	switch s.Backend {
	case BackendS3, BackendMinio, BackendGCS:
		if strings.TrimSpace(s.Bucket) == "" {
			return fmt.Errorf("STORE_BUCKET cannot be empty for backend %q", s.Backend)
		}
	case BackendLocal:
		if strings.TrimSpace(s.Root) == "" {
			return fmt.Errorf("STORE_ROOT cannot be empty for backend %q", s.Backend)
		}
	case BackendMemory:
	default:
		return fmt.Errorf("unknown STORE_BACKEND %q", s.Backend)
	}
	if s.Backend == BackendMinio && strings.TrimSpace(s.Endpoint) == "" {
		return fmt.Errorf("STORE_ENDPOINT cannot be empty for backend %q", s.Backend)
	}
	if s.MultipartThreshold <= 0 {
		s.MultipartThreshold = 64 << 20
	}
	if s.PartSize < 5<<20 {
		s.PartSize = 5 << 20
	}
	if s.ListPageSize <= 0 {
		s.ListPageSize = 1000
	}
	if s.DeleteBatchSize <= 0 {
		s.DeleteBatchSize = 1000
	}
	return nil
}

func (t *TransferConfig) normalize() {
	if t.Workers <= 0 {
		t.Workers = 1
	}
	if t.RetryAttempts <= 0 {
		t.RetryAttempts = 1
	}
	if t.RetryBackoff < 0 {
		t.RetryBackoff = 0
	}
	if t.RetryMaxDelay < t.RetryBackoff {
		t.RetryMaxDelay = t.RetryBackoff
	}
	if t.RequestTimeout < 0 {
		t.RequestTimeout = 0
	}
}

func getenv(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt64(key string, fallback int64) int64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvInt(key string, fallback int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(key string, fallback bool) bool {
	v := strings.TrimSpace(strings.ToLower(os.Getenv(key)))
	if v == "" {
		return fallback
	}
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func parseList(raw string) []string {
	replacer := strings.NewReplacer("\n", ",", ";", ",")
	normalized := replacer.Replace(raw)
	parts := strings.Split(normalized, ",")
	out := make([]string, 0, len(parts))
	seen := make(map[string]struct{}, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if p == "" {
			continue
		}
		key := strings.ToLower(p)
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, p)
	}
	return out
}
