package handlers

import (
	"context"
	"errors"
	"mime"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"strings"
	"time"

	"cairn/internal/artifact"
	"cairn/internal/keys"
	"cairn/internal/storage"
	"cairn/internal/transfer"

	"github.com/labstack/echo/v4"
)

func mapServiceError(err error) error {
	switch {
	case errors.Is(err, keys.ErrInvalidPath),
		errors.Is(err, artifact.ErrEmptySelector),
		errors.Is(err, artifact.ErrSameRun):
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	case errors.Is(err, storage.ErrNotFound):
		return echo.NewHTTPError(http.StatusNotFound, err.Error())
	case errors.Is(err, storage.ErrAuth):
		return echo.NewHTTPError(http.StatusBadGateway, err.Error())
	case errors.Is(err, storage.ErrTransient), errors.Is(err, context.DeadlineExceeded):
		return echo.NewHTTPError(http.StatusServiceUnavailable, err.Error())
	default:
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}
}

// statusFor is the HTTP status mapServiceError would use for err.
func statusFor(err error) int {
	var he *echo.HTTPError
	if errors.As(mapServiceError(err), &he) {
		return he.Code
	}
	return http.StatusInternalServerError
}

// runParam reads the :job and :number path parameters.
func runParam(c echo.Context) (keys.Run, error) {
	job, err := url.PathUnescape(c.Param("job"))
	if err != nil {
		return keys.Run{}, echo.NewHTTPError(http.StatusBadRequest, "invalid job")
	}
	number, err := strconv.Atoi(strings.TrimSpace(c.Param("number")))
	if err != nil || number < 0 {
		return keys.Run{}, echo.NewHTTPError(http.StatusBadRequest, "invalid build number")
	}
	if strings.TrimSpace(job) == "" {
		return keys.Run{}, echo.NewHTTPError(http.StatusBadRequest, "job is required")
	}
	run := keys.Run{Job: job, Number: number}
	if _, err := keys.NewScheme("").PrefixFor(run); err != nil {
		return keys.Run{}, mapServiceError(err)
	}
	return run, nil
}

func queryBool(c echo.Context, key string) bool {
	switch strings.ToLower(strings.TrimSpace(c.QueryParam(key))) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func contentTypeFor(name string) string {
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		return ct
	}
	return echo.MIMEOctetStream
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UTC().UnixMilli()
}

func batchView(res *transfer.BatchResult) map[string]any {
	failed := make(map[string]any, len(res.Failed))
	for _, p := range res.FailedPaths() {
		terr := res.Failed[p]
		failed[p] = map[string]any{
			"kind":     terr.Kind.String(),
			"attempts": terr.Attempts,
			"error":    terr.Err.Error(),
		}
	}
	return map[string]any{
		"succeeded": res.Succeeded,
		"skipped":   res.Skipped,
		"failed":    failed,
	}
}

func deleteView(res storage.DeleteResult) map[string]any {
	deleted := make([]string, 0, len(res))
	failed := make(map[string]string)
	for k, err := range res {
		if err != nil {
			failed[k] = err.Error()
			continue
		}
		deleted = append(deleted, k)
	}
	return map[string]any{
		"deleted": len(deleted),
		"failed":  failed,
	}
}
