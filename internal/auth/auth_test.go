package auth

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestExtractToken_BearerHeader(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		authz string
		want  string
	}{
		{"standard bearer", "Bearer my-token-123", "my-token-123"},
		{"lowercase bearer", "bearer my-token", "my-token"},
		{"bearer with extra spaces", "Bearer   spaced  ", "spaced"},
		{"empty bearer", "Bearer ", ""},
		{"non-bearer auth", "Basic dXNlcjpwYXNz", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			r, _ := http.NewRequest("GET", "/", nil)
			r.Header.Set("Authorization", tt.authz)
			got := extractToken(r)
			if got != tt.want {
				t.Fatalf("extractToken() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestExtractToken_XAPITokenHeader(t *testing.T) {
	t.Parallel()
	r, _ := http.NewRequest("GET", "/", nil)
	r.Header.Set("X-API-Token", "  tok-456  ")
	got := extractToken(r)
	if got != "tok-456" {
		t.Fatalf("extractToken() = %q, want %q", got, "tok-456")
	}
}

func TestExtractToken_BearerTakesPrecedence(t *testing.T) {
	t.Parallel()
	r, _ := http.NewRequest("GET", "/", nil)
	r.Header.Set("Authorization", "Bearer from-bearer")
	r.Header.Set("X-API-Token", "from-header")
	got := extractToken(r)
	if got != "from-bearer" {
		t.Fatalf("extractToken() = %q, want %q", got, "from-bearer")
	}
}

func TestExtractToken_NoHeaders(t *testing.T) {
	t.Parallel()
	r, _ := http.NewRequest("GET", "/", nil)
	got := extractToken(r)
	if got != "" {
		t.Fatalf("extractToken() = %q, want empty", got)
	}
}

func TestAuthenticate(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		admin   string
		token   string
		wantErr error
	}{
		{"valid", "s3cret", "s3cret", nil},
		{"wrong token", "s3cret", "guess", ErrInvalidToken},
		{"prefix of token", "s3cret", "s3c", ErrInvalidToken},
		{"missing token", "s3cret", "", ErrMissingToken},
		{"disabled", "", "anything", ErrDisabled},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			claims, err := NewAuthenticator(tt.admin).Authenticate(context.Background(), tt.token)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Authenticate() error = %v, want %v", err, tt.wantErr)
			}
			if tt.wantErr == nil && (!claims.IsAdmin || claims.Subject != "admin") {
				t.Fatalf("Authenticate() claims = %+v, want admin", claims)
			}
		})
	}
}

func TestMiddleware_StatusCodes(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		admin string
		token string
		want  int
	}{
		{"authorized", "s3cret", "s3cret", http.StatusNoContent},
		{"unauthorized", "s3cret", "nope", http.StatusUnauthorized},
		{"disabled", "", "s3cret", http.StatusForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			e := echo.New()
			authn := NewAuthenticator(tt.admin)
			e.DELETE("/x", func(c echo.Context) error {
				if claims, ok := GetClaims(c); !ok || !claims.IsAdmin {
					t.Errorf("GetClaims() = %+v, %v", claims, ok)
				}
				return c.NoContent(http.StatusNoContent)
			}, authn.Middleware)

			req := httptest.NewRequest(http.MethodDelete, "/x", nil)
			req.Header.Set("X-API-Token", tt.token)
			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}
}
