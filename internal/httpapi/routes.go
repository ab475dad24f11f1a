package httpapi

import (
	"net/http"
	"time"

	"cairn/internal/httpapi/middlewares"
	"cairn/internal/ratelimit"

	"github.com/labstack/echo/v4"
)

func (a *API) registerRoutes(e *echo.Echo) {
	e.GET("/healthz", func(c echo.Context) error {
		return c.JSON(http.StatusOK, map[string]any{
			"ok":        true,
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	})

	runs := e.Group("/api/v1/runs/:job/:number")
	a.registerReadRoutes(runs)
	a.registerAdminRoutes(runs)
}

func (a *API) registerReadRoutes(runs *echo.Group) {
	runs.GET("/browse", a.handler.Browse, middlewares.RateLimit(a.limiter, ratelimit.ClassList))
	runs.GET("/artifacts/*", a.handler.DownloadArtifact, middlewares.RateLimit(a.limiter, ratelimit.ClassRead))
}

func (a *API) registerAdminRoutes(runs *echo.Group) {
	limit := middlewares.RateLimit(a.limiter, ratelimit.ClassAdmin)
	runs.DELETE("", a.handler.DeleteRun, limit, a.auth.Middleware)
	runs.POST("/copy", a.handler.CopyRun, limit, a.auth.Middleware)
}
