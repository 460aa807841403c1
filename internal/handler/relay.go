package handler

import (
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/badlogic/proxy/internal/config"
	"github.com/badlogic/proxy/internal/model"
	"github.com/badlogic/proxy/internal/service"
)

// RelayHandler forwards inbound requests to the destination named by their
// url query parameter.
type RelayHandler struct {
	service *service.RelayService
	cfg     *config.Config
	logger  *slog.Logger
}

// NewRelayHandler creates a RelayHandler.
func NewRelayHandler(svc *service.RelayService, cfg *config.Config, logger *slog.Logger) *RelayHandler {
	return &RelayHandler{
		service: svc,
		cfg:     cfg,
		logger:  logger.With("component", "relay_handler"),
	}
}

// Handle resolves the destination and streams the relayed response back.
// An OPTIONS request without a destination is the browser probing the
// gateway's own CORS policy; it is answered immediately with 204.
func (h *RelayHandler) Handle(c echo.Context) error {
	req := c.Request()

	target, err := service.ResolveTarget(req.URL.Query())
	if err != nil {
		if errors.Is(err, service.ErrMissingTarget) {
			if req.Method == http.MethodOptions {
				return c.NoContent(http.StatusNoContent)
			}
			return c.JSON(http.StatusBadRequest, map[string]string{
				"error": "Missing target parameter",
			})
		}
		return c.JSON(http.StatusBadRequest, map[string]string{
			"error": "Invalid target URL",
		})
	}

	if isUpgradeRequest(req) {
		return h.handleUpgrade(c, target)
	}

	rr := &model.RelayRequest{
		Ctx:           req.Context(),
		Method:        req.Method,
		Host:          req.Host,
		Header:        req.Header,
		RawQuery:      req.URL.RawQuery,
		Body:          req.Body,
		ContentLength: req.ContentLength,
		Target:        target,
	}

	resp, err := h.service.Forward(rr)
	if err != nil {
		return h.mapError(c, target.String(), err)
	}
	defer func() { _ = resp.Body.Close() }()

	// Copy destination headers verbatim (hop-by-hop already stripped).
	// Content-Length is only present when the destination declared one.
	respHeader := c.Response().Header()
	for key, vals := range resp.Header {
		for _, v := range vals {
			respHeader.Add(key, v)
		}
	}

	c.Response().WriteHeader(resp.StatusCode)

	// Stream the destination body to the caller chunk by chunk, flushing
	// after each write so event streams and large transfers reach the
	// caller as bytes arrive rather than after full buffering. Once the
	// status line is out a failure mid-stream cannot be reported as a
	// structured error; terminating the connection is all that's left.
	if _, err := io.Copy(flushWriter{c.Response()}, resp.Body); err != nil {
		h.logger.Error("streaming response body",
			"err", err,
			"target", target.String(),
			"phase", model.StateStreamingResponse.String(),
		)
		h.terminate(c)
	}

	return nil
}

func (h *RelayHandler) mapError(c echo.Context, target string, err error) error {
	var re *model.RelayError
	kind := model.KindConnection
	phase := model.StateError
	if errors.As(err, &re) {
		kind = re.Kind
		phase = re.State
	}

	h.logger.Error("relay failed",
		"err", err,
		"target", target,
		"kind", kind.String(),
		"phase", phase.String(),
	)

	// Bytes already on the wire: a structured error body is impossible.
	if c.Response().Committed {
		h.terminate(c)
		return nil
	}

	if kind == model.KindInternal {
		return echo.NewHTTPError(http.StatusInternalServerError, err.Error())
	}

	return c.JSON(http.StatusBadGateway, map[string]string{
		"error":   "Proxy error",
		"message": errorMessage(err),
		"target":  target,
	})
}

// terminate closes the caller's TCP connection outright. Returning normally
// after a mid-stream failure would emit a terminating chunk and make the
// truncated response look complete.
func (h *RelayHandler) terminate(c echo.Context) {
	if _, ok := c.Response().Writer.(http.Hijacker); !ok {
		return
	}
	if conn, _, err := c.Response().Hijack(); err == nil {
		_ = conn.Close()
	}
}

// errorMessage unwraps to the innermost cause so the client sees the
// transport failure, not the wrapping chain.
func errorMessage(err error) string {
	for {
		unwrapped := errors.Unwrap(err)
		if unwrapped == nil {
			return err.Error()
		}
		err = unwrapped
	}
}

// isUpgradeRequest reports whether the inbound request asks for a protocol
// upgrade to a websocket.
func isUpgradeRequest(r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get("Upgrade"), "websocket") {
		return false
	}
	for _, v := range r.Header.Values("Connection") {
		for _, token := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "upgrade") {
				return true
			}
		}
	}
	return false
}

// flushWriter flushes after every chunk so the caller observes bytes as the
// destination produces them.
type flushWriter struct {
	resp *echo.Response
}

func (f flushWriter) Write(p []byte) (int, error) {
	n, err := f.resp.Write(p)
	if err == nil {
		f.resp.Flush()
	}
	return n, err
}
