package handlers

import (
	"fmt"
	"net/http"
	"net/url"
	"path"
	"strings"

	"cairn/internal/auth"
	"cairn/internal/keys"

	"github.com/labstack/echo/v4"
)

func (h *Handler) Browse(c echo.Context) error {
	run, err := runParam(c)
	if err != nil {
		return err
	}
	subPath := c.QueryParam("path")

	list := h.manager.Browse
	if queryBool(c, "recursive") {
		list = h.manager.List
	}
	nodes, err := list(c.Request().Context(), run, subPath)
	if err != nil {
		return mapServiceError(err)
	}

	entries := make([]map[string]any, 0, len(nodes))
	for _, n := range nodes {
		entries = append(entries, map[string]any{
			"name":         n.Name,
			"path":         n.Path,
			"kind":         n.Kind,
			"size":         n.Size,
			"lastModified": toMillis(n.LastModified),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{
		"run":     run.String(),
		"path":    strings.Trim(subPath, "/"),
		"entries": entries,
	})
}

func (h *Handler) DownloadArtifact(c echo.Context) error {
	run, err := runParam(c)
	if err != nil {
		return err
	}
	rel, err := url.PathUnescape(c.Param("*"))
	if err != nil || strings.TrimSpace(rel) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "artifact path is required")
	}

	rc, err := h.manager.Open(c.Request().Context(), run, rel)
	if err != nil {
		return mapServiceError(err)
	}
	defer rc.Close()

	c.Response().Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", path.Base(rel)))
	return c.Stream(http.StatusOK, contentTypeFor(rel), rc)
}

func (h *Handler) DeleteRun(c echo.Context) error {
	run, err := runParam(c)
	if err != nil {
		return err
	}

	auditLog(c, "delete "+run.String())
	res, err := h.manager.Delete(c.Request().Context(), run)
	if err != nil && res == nil {
		return mapServiceError(err)
	}
	body := deleteView(res)
	body["run"] = run.String()
	if err != nil {
		body["error"] = err.Error()
		return c.JSON(statusFor(err), body)
	}
	return c.JSON(http.StatusOK, body)
}

func (h *Handler) CopyRun(c echo.Context) error {
	run, err := runParam(c)
	if err != nil {
		return err
	}
	from, err := keys.ParseRun(c.QueryParam("from"))
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "from must be job/number")
	}

	auditLog(c, "copy "+from.String()+" -> "+run.String())
	res, err := h.manager.CopyRun(c.Request().Context(), from, run)
	if err != nil && res == nil {
		return mapServiceError(err)
	}
	body := batchView(res)
	body["from"] = from.String()
	body["run"] = run.String()
	if err != nil {
		body["error"] = err.Error()
		return c.JSON(http.StatusMultiStatus, body)
	}
	return c.JSON(http.StatusOK, body)
}

func auditLog(c echo.Context, action string) {
	subject := "anonymous"
	if claims, ok := auth.GetClaims(c); ok {
		subject = claims.Subject
	}
	c.Logger().Infof("[admin] %s by %s (request %s)", action, subject, c.Response().Header().Get(echo.HeaderXRequestID))
}
