package httpapi

import (
	"net/http"

	"cairn/internal/artifact"
	"cairn/internal/auth"
	"cairn/internal/config"
	"cairn/internal/httpapi/handlers"
	"cairn/internal/ratelimit"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
)

type API struct {
	cfg     config.Config
	auth    *auth.Authenticator
	limiter *ratelimit.Limiter
	handler *handlers.Handler
}

func New(cfg config.Config, manager *artifact.Manager, authn *auth.Authenticator) *API {
	return &API{
		cfg:  cfg,
		auth: authn,
		limiter: ratelimit.New(ratelimit.Config{
			Window: cfg.RateLimitWindow,
			Limits: map[ratelimit.Class]int{
				ratelimit.ClassList:  cfg.RateLimitList,
				ratelimit.ClassRead:  cfg.RateLimitRead,
				ratelimit.ClassAdmin: cfg.RateLimitAdmin,
			},
		}),
		handler: handlers.New(manager),
	}
}

func (a *API) NewEcho() *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())
	e.Use(middleware.RequestID())
	e.Use(middleware.RequestLogger())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: a.cfg.CORSAllowedOrigins,
		AllowMethods: []string{
			http.MethodGet,
			http.MethodHead,
			http.MethodPost,
			http.MethodDelete,
			http.MethodOptions,
		},
		AllowHeaders: []string{
			echo.HeaderOrigin,
			echo.HeaderAccept,
			echo.HeaderContentType,
			echo.HeaderAuthorization,
			"X-API-Token",
		},
		ExposeHeaders: []string{
			"Content-Disposition",
			"RateLimit-Limit",
			"RateLimit-Remaining",
			"RateLimit-Reset",
			"Retry-After",
		},
		MaxAge: 600,
	}))

	a.registerRoutes(e)
	return e
}
