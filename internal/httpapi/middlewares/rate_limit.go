package middlewares

import (
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"cairn/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

// RateLimit charges every request of the wrapped route to class, keyed by
// client IP. A nil limiter lets everything through.
func RateLimit(limiter *ratelimit.Limiter, class ratelimit.Class) echo.MiddlewareFunc {
	return rateLimitAt(limiter, class, time.Now)
}

func rateLimitAt(limiter *ratelimit.Limiter, class ratelimit.Class, now func() time.Time) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		if limiter == nil {
			return next
		}
		return func(c echo.Context) error {
			result := limiter.Take(now().UTC(), class, clientKey(c))
			if result.Limit > 0 {
				setRateLimitHeaders(c.Response().Header(), result)
			}
			if !result.Allowed {
				c.Response().Header().Set("Retry-After", strconv.FormatInt(result.ResetIn, 10))
				return c.JSON(http.StatusTooManyRequests, map[string]any{
					"error": "rate limit exceeded",
				})
			}
			return next(c)
		}
	}
}

func clientKey(c echo.Context) string {
	ip := strings.TrimSpace(c.RealIP())
	if ip == "" {
		ip = clientIPFromRemoteAddr(c.Request().RemoteAddr)
	}
	if ip == "" {
		ip = "unknown"
	}
	return ip
}

func setRateLimitHeaders(header http.Header, result ratelimit.Result) {
	header.Set("RateLimit-Limit", strconv.Itoa(result.Limit))
	header.Set("RateLimit-Remaining", strconv.Itoa(result.Remaining))
	header.Set("RateLimit-Reset", strconv.FormatInt(result.ResetIn, 10))
}

func clientIPFromRemoteAddr(remoteAddr string) string {
	host, _, err := net.SplitHostPort(strings.TrimSpace(remoteAddr))
	if err != nil {
		return strings.TrimSpace(remoteAddr)
	}
	return strings.TrimSpace(host)
}
