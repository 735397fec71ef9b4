package handler

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"esi-search-proxy/internal/config"
)

// Version is a string type for dependency injection of the build version.
type Version string

// HealthHandler serves health, status and the small fixed endpoints.
type HealthHandler struct {
	cfg     *config.Config
	version Version
}

// NewHealthHandler creates a HealthHandler.
func NewHealthHandler(cfg *config.Config, v Version) *HealthHandler {
	return &HealthHandler{cfg: cfg, version: v}
}

// Healthz returns a simple OK response for liveness probes.
func (h *HealthHandler) Healthz(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// Status returns proxy status information. Credentials are never included.
func (h *HealthHandler) Status(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":       "ok",
		"version":      string(h.version),
		"upstream_url": h.cfg.ESI.BaseURL,
		"sso_url":      h.cfg.ESI.SSOURL,
		"character_id": h.cfg.ESI.CharacterID,
		"token_cache":  h.tokenCacheBackend(),
	})
}

func (h *HealthHandler) tokenCacheBackend() string {
	if !h.cfg.TokenCache.IsEnabled() {
		return "disabled"
	}
	return h.cfg.TokenCache.Backend
}

// Hello answers the legacy greeting endpoint.
func (h *HealthHandler) Hello(c echo.Context) error {
	return c.String(http.StatusOK, "Hello There")
}

// Favicon answers browsers with an empty icon instead of proxying the request.
func (h *HealthHandler) Favicon(c echo.Context) error {
	return c.NoContent(http.StatusOK)
}
