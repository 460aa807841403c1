package handler

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"

	"github.com/badlogic/proxy/internal/service"
)

// upgrader upgrades caller connections to WebSocket. Origin checks are
// deliberately permissive: the gateway exists to bypass same-origin policy.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// handleUpgrade performs the handshake against the destination, upgrades the
// caller, and pumps messages bidirectionally until either side closes.
func (h *RelayHandler) handleUpgrade(c echo.Context, target *url.URL) error {
	req := c.Request()

	backendURL := websocketURL(target, req.URL.RawQuery)
	header := dialHeaders(h.service.OutboundHeaders(req.Header, req.Host))

	dialer := websocket.Dialer{
		HandshakeTimeout: h.cfg.Relay.Timeout(),
	}

	backendConn, resp, err := dialer.DialContext(req.Context(), backendURL, header)
	if err != nil {
		// A non-101 handshake response from the destination is relayed
		// as-is; a transport failure maps like any connection error.
		if resp != nil {
			defer func() { _ = resp.Body.Close() }()
			service.StripHopByHop(resp.Header)
			respHeader := c.Response().Header()
			for k, vals := range resp.Header {
				for _, v := range vals {
					respHeader.Add(k, v)
				}
			}
			c.Response().WriteHeader(resp.StatusCode)
			_, _ = io.Copy(c.Response(), resp.Body)
			return nil
		}
		return h.mapError(c, target.String(), err)
	}
	defer func() { _ = backendConn.Close() }()

	clientConn, err := upgrader.Upgrade(c.Response(), req, nil)
	if err != nil {
		// Upgrade failure already wrote the handshake error to the caller.
		h.logger.Error("upgrading caller connection",
			"err", err,
			"target", target.String(),
		)
		return nil
	}
	defer func() { _ = clientConn.Close() }()

	h.logger.Debug("websocket session established", "target", backendURL)
	pump(clientConn, backendConn)
	return nil
}

// pump relays messages in both directions until one side closes or errors,
// then propagates the close to the other side.
func pump(clientConn, backendConn *websocket.Conn) {
	errCh := make(chan error, 2)

	relay := func(dst, src *websocket.Conn) {
		for {
			msgType, msg, err := src.ReadMessage()
			if err != nil {
				_ = dst.WriteMessage(
					websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				)
				errCh <- err
				return
			}
			if err := dst.WriteMessage(msgType, msg); err != nil {
				errCh <- err
				return
			}
		}
	}

	go relay(clientConn, backendConn)
	go relay(backendConn, clientConn)

	// First error ends the session; deferred closes unblock the other pump.
	<-errCh
}

// websocketURL maps the target to its ws(s) form and attaches the merged query.
func websocketURL(target *url.URL, callerRawQuery string) string {
	u := *target
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.RawQuery = service.MergeQuery(target, callerRawQuery)
	u.Fragment = ""
	return u.String()
}

// dialHeaders drops the handshake headers gorilla generates itself.
func dialHeaders(src http.Header) http.Header {
	dst := make(http.Header)
	for k, vals := range src {
		switch strings.ToLower(k) {
		case "upgrade", "connection", "sec-websocket-key",
			"sec-websocket-version", "sec-websocket-extensions",
			"sec-websocket-protocol":
			continue
		}
		dst[k] = vals
	}
	return dst
}
