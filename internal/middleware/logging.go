package middleware

import (
	"log/slog"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/badlogic/proxy/internal/service"
)

// RequestLogger returns an Echo middleware that logs each completed relay
// with method, path, status and duration. This is the gateway's completion
// observer: it sits outside the relay's control flow and sees every request
// regardless of how it ended.
func RequestLogger(logger *slog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()

			err := next(c)

			req := c.Request()
			res := c.Response()

			attrs := []any{
				"method", req.Method,
				"path", req.URL.Path,
				"status", res.Status,
				"duration_ms", time.Since(start).Milliseconds(),
				"request_id", res.Header().Get(echo.HeaderXRequestID),
				"remote_ip", c.RealIP(),
				"bytes_out", res.Size,
			}
			if target := req.URL.Query().Get(service.TargetParam); target != "" {
				attrs = append(attrs, "target", target)
			}

			logger.Info("request", attrs...)

			return err
		}
	}
}
