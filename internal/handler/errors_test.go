package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"

	"github.com/badlogic/proxy/internal/config"
)

func serveError(t *testing.T, cfg *config.Config, err error) *httptest.ResponseRecorder {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	e := echo.New()
	e.HTTPErrorHandler = ErrorHandler(cfg, logger)
	e.GET("/boom", func(_ echo.Context) error { return err })

	req := httptest.NewRequest(http.MethodGet, "/boom", http.NoBody)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec
}

func TestErrorHandler_InternalErrorNonProduction(t *testing.T) {
	rec := serveError(t, &config.Config{}, errors.New("pipe burst in the engine room"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] == "" {
		t.Error("error field is empty")
	}
	if body["detail"] != "pipe burst in the engine room" {
		t.Errorf("detail = %q, want the underlying error", body["detail"])
	}
}

func TestErrorHandler_InternalErrorProduction(t *testing.T) {
	rec := serveError(t, &config.Config{Production: true}, errors.New("pipe burst in the engine room"))

	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusInternalServerError)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "Internal server error" {
		t.Errorf("error = %q, want generic message", body["error"])
	}
	if _, ok := body["detail"]; ok {
		t.Error("detail field present in production mode")
	}
}

func TestErrorHandler_EchoHTTPError(t *testing.T) {
	rec := serveError(t, &config.Config{}, echo.NewHTTPError(http.StatusMethodNotAllowed, "Method Not Allowed"))

	if rec.Code != http.StatusMethodNotAllowed {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusMethodNotAllowed)
	}
	var body map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if body["error"] != "Method Not Allowed" {
		t.Errorf("error = %q, want %q", body["error"], "Method Not Allowed")
	}
}
