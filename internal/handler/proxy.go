package handler

import (
	"io"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"esi-search-proxy/internal/metrics"
	"esi-search-proxy/internal/model"
	"esi-search-proxy/internal/service"
)

// ProxyHandler forwards API requests to ESI.
type ProxyHandler struct {
	service *service.ProxyService
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewProxyHandler creates a ProxyHandler. The metrics parameter is optional.
func NewProxyHandler(svc *service.ProxyService, logger *slog.Logger, m *metrics.Metrics) *ProxyHandler {
	return &ProxyHandler{
		service: svc,
		logger:  logger.With("component", "proxy_handler"),
		metrics: m,
	}
}

// Handle proxies the request to ESI and streams the response back. Any
// pipeline failure is answered with an empty 503.
func (h *ProxyHandler) Handle(c echo.Context) error {
	req := c.Request()

	pr := &model.ProxyRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Route:         req.URL.EscapedPath(),
		RawQuery:      req.URL.RawQuery,
		Header:        req.Header,
		Body:          req.Body,
		ContentLength: req.ContentLength,
	}

	resp, err := h.service.Forward(pr)
	if err != nil {
		return h.fail(c, pr, err)
	}
	defer func() { _ = resp.Body.Close() }()

	for key, vals := range resp.Header {
		for _, v := range vals {
			c.Response().Header().Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the upstream body directly to the client. If io.Copy fails
	// mid-stream (e.g. client disconnect, network error), the HTTP status
	// code has already been sent, so the client receives a truncated
	// response with the original status. We log the error for observability.
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		h.logger.Warn("streaming response body",
			"err", err,
			"route", pr.Route,
		)
	}

	return nil
}

// fail logs the failure once and answers 503 with no body.
func (h *ProxyHandler) fail(c echo.Context, pr *model.ProxyRequest, err error) error {
	h.logger.Error("proxy request failed",
		"method", pr.Method,
		"route", pr.Route,
		"err", err,
	)
	if h.metrics != nil {
		h.metrics.ProxyFailures.Inc()
	}
	return c.NoContent(http.StatusServiceUnavailable)
}
