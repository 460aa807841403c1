package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/badlogic/proxy/internal/config"
)

// ErrorHandler returns the central echo error handler. Every failure that
// reaches it is rendered as a JSON body with an "error" field: unmatched
// routes become 404, everything unexpected becomes 500. In non-production
// mode the 500 body carries the underlying error as a diagnostic "detail"
// field; in production only a generic message is exposed.
func ErrorHandler(cfg *config.Config, logger *slog.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}

		code := http.StatusInternalServerError
		msg := "Internal server error"

		var he *echo.HTTPError
		if errors.As(err, &he) {
			code = he.Code
			if s, ok := he.Message.(string); ok {
				msg = s
			}
		}

		body := map[string]string{"error": msg}
		switch code {
		case http.StatusNotFound:
			body["error"] = "Not found"
		case http.StatusInternalServerError:
			if cfg.Production {
				body["error"] = "Internal server error"
			} else {
				body["error"] = msg
				body["detail"] = err.Error()
			}
			logger.Error("internal error",
				"err", err,
				"path", c.Request().URL.Path,
			)
		}

		var writeErr error
		if c.Request().Method == http.MethodHead {
			writeErr = c.NoContent(code)
		} else {
			writeErr = c.JSON(code, body)
		}
		if writeErr != nil {
			logger.Error("writing error response", "err", writeErr)
		}
	}
}
