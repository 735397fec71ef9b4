package middleware

import (
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"

	"esi-search-proxy/internal/metrics"
)

// Recover returns Echo's panic recovery configured to answer like any other
// proxy failure: one error record and an empty 503. The metrics parameter is
// optional.
func Recover(logger *slog.Logger, m *metrics.Metrics) echo.MiddlewareFunc {
	return echomw.RecoverWithConfig(echomw.RecoverConfig{
		LogErrorFunc: func(c echo.Context, err error, stack []byte) error {
			req := c.Request()
			logger.Error("proxy request failed",
				"method", req.Method,
				"route", req.URL.EscapedPath(),
				"err", err,
				"panic", true,
				"stack", string(stack),
			)
			if m != nil {
				m.ProxyFailures.Inc()
			}
			if c.Response().Committed {
				return nil
			}
			return c.NoContent(http.StatusServiceUnavailable)
		},
	})
}
