package middleware

import (
	"strconv"

	"github.com/labstack/echo/v4"
	echomw "github.com/labstack/echo/v4/middleware"
)

// BodyLimit caps inbound request bodies at maxBytes. Zero leaves bodies
// bounded only by the server's transport limits.
func BodyLimit(maxBytes int64) echo.MiddlewareFunc {
	if maxBytes <= 0 {
		return func(next echo.HandlerFunc) echo.HandlerFunc { return next }
	}
	return echomw.BodyLimit(strconv.FormatInt(maxBytes, 10) + "B")
}
