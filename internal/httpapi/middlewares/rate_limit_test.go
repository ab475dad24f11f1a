package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cairn/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

func TestRateLimit_DeniesAfterBudget(t *testing.T) {
	t.Parallel()

	limiter := ratelimit.New(ratelimit.Config{
		Window: time.Minute,
		Limits: map[ratelimit.Class]int{ratelimit.ClassList: 2},
	})
	now := func() time.Time { return time.Unix(1_700_000_010, 0) }
	e := echo.New()
	e.GET("/browse", func(c echo.Context) error { return c.NoContent(http.StatusOK) },
		rateLimitAt(limiter, ratelimit.ClassList, now))

	for i := 0; i < 2; i++ {
		req := httptest.NewRequest(http.MethodGet, "/browse", nil)
		req.RemoteAddr = "1.2.3.4:1234"
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("request #%d status = %d, want 200", i+1, rec.Code)
		}
		if rec.Header().Get("RateLimit-Limit") != "2" {
			t.Fatalf("request #%d RateLimit-Limit = %q, want 2", i+1, rec.Header().Get("RateLimit-Limit"))
		}
	}

	req := httptest.NewRequest(http.MethodGet, "/browse", nil)
	req.RemoteAddr = "1.2.3.4:1234"
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("third request status = %d, want 429", rec.Code)
	}
	if rec.Header().Get("Retry-After") != "30" {
		t.Fatalf("Retry-After = %q, want 30", rec.Header().Get("Retry-After"))
	}

	req = httptest.NewRequest(http.MethodGet, "/browse", nil)
	req.RemoteAddr = "5.6.7.8:1234"
	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("other client status = %d, want 200", rec.Code)
	}
}

func TestRateLimit_NilLimiter(t *testing.T) {
	t.Parallel()

	e := echo.New()
	e.GET("/x", func(c echo.Context) error { return c.NoContent(http.StatusOK) }, RateLimit(nil, ratelimit.ClassRead))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/x", nil))
	if rec.Code != http.StatusOK || rec.Header().Get("RateLimit-Limit") != "" {
		t.Fatalf("status = %d headers = %v", rec.Code, rec.Header())
	}
}

func TestClientIPFromRemoteAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"1.2.3.4:80": "1.2.3.4",
		"[::1]:8080": "::1",
		"no-port":    "no-port",
		"":           "",
	}
	for in, want := range tests {
		if got := clientIPFromRemoteAddr(in); got != want {
			t.Fatalf("clientIPFromRemoteAddr(%q) = %q, want %q", in, got, want)
		}
	}
}
