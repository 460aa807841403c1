// Package middleware provides Echo middleware for CORS, logging and metrics.
package middleware

import (
	"github.com/labstack/echo/v4"
)

// CORSInjector guarantees a permissive cross-origin header on every response
// the gateway writes. The headers are injected just before the first write,
// after the relay has copied the destination's headers, so a value the
// destination explicitly set is never overwritten.
func CORSInjector() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			c.Response().Before(func() {
				h := c.Response().Header()
				if h.Get(echo.HeaderAccessControlAllowOrigin) != "" {
					return
				}
				h.Set(echo.HeaderAccessControlAllowOrigin, "*")
				h.Set(echo.HeaderAccessControlAllowMethods, "GET, POST, PUT, PATCH, DELETE, HEAD, OPTIONS")
				h.Set(echo.HeaderAccessControlAllowHeaders, "*")
			})
			return next(c)
		}
	}
}
