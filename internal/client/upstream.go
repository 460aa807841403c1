// Package client provides the outbound HTTP client used to reach destinations.
package client

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/badlogic/proxy/internal/config"
	"github.com/badlogic/proxy/internal/metrics"
	"github.com/badlogic/proxy/internal/model"
)

// ErrRelayTimeout is the cancellation cause set when the relay watchdog fires.
var ErrRelayTimeout = errors.New("relay deadline exceeded")

// UpstreamClient sends requests to arbitrary destination servers.
type UpstreamClient struct {
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
	metrics    *metrics.Metrics
}

// NewUpstreamClient creates an UpstreamClient with connection pooling.
// Redirects are never followed: 3xx responses are returned to the caller
// as-is, Location header included. The metrics parameter is optional; pass
// nil to disable relay metrics recording.
func NewUpstreamClient(cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) *UpstreamClient {
	transport := &http.Transport{
		MaxIdleConns:        cfg.Relay.IdleConnections,
		MaxIdleConnsPerHost: cfg.Relay.IdleConnections,
		IdleConnTimeout:     90 * time.Second,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Relay.Timeout(),
			KeepAlive: 30 * time.Second,
		}).DialContext,
	}

	return &UpstreamClient{
		httpClient: &http.Client{
			Transport: transport,
			CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		timeout: cfg.Relay.Timeout(),
		logger:  logger.With("component", "upstream_client"),
		metrics: m,
	}
}

// DoStream executes a request against the destination and returns the
// response with its body as a stream. The caller is responsible for closing
// the returned body.
//
// One watchdog deadline covers connection establishment and the wait for
// response headers; it is then re-armed on every successful body read, so a
// live transfer of any length survives while a stalled one is cut off. The
// provided context additionally ties the destination request to the caller:
// when the caller disconnects, the outbound request is aborted.
func (c *UpstreamClient) DoStream(ctx context.Context, method, url string, header http.Header, body io.Reader, contentLength int64) (*model.RelayResponse, error) {
	ctx, cancel := context.WithCancelCause(ctx)
	watchdog := time.AfterFunc(c.timeout, func() {
		cancel(ErrRelayTimeout)
	})

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		watchdog.Stop()
		cancel(nil)
		return nil, fmt.Errorf("build destination request: %w", err)
	}
	req.Header = header
	if contentLength >= 0 {
		req.ContentLength = contentLength
	}

	c.logger.Debug("destination request",
		"method", method,
		"url", url,
	)

	start := time.Now()
	resp, err := c.httpClient.Do(req) //nolint:bodyclose // body ownership transfers to caller via RelayResponse
	duration := time.Since(start).Seconds()

	m := metrics.NormalizeMethod(method)

	if err != nil {
		watchdog.Stop()
		if c.metrics != nil {
			c.metrics.RelayDuration.WithLabelValues(m).Observe(duration)
		}
		if cause := context.Cause(ctx); errors.Is(cause, ErrRelayTimeout) {
			cancel(nil)
			return nil, fmt.Errorf("destination request: %w", ErrRelayTimeout)
		}
		cancel(nil)
		return nil, fmt.Errorf("destination request: %w", err)
	}

	if c.metrics != nil {
		status := strconv.Itoa(resp.StatusCode)
		c.metrics.RelayDuration.WithLabelValues(m).Observe(duration)
		c.metrics.RelayResponses.WithLabelValues(m, status).Inc()
	}

	return &model.RelayResponse{
		StatusCode: resp.StatusCode,
		Header:     resp.Header,
		Body: &watchdogBody{
			rc:      resp.Body,
			timer:   watchdog,
			timeout: c.timeout,
			cancel:  cancel,
		},
	}, nil
}

// watchdogBody re-arms the relay watchdog on every successful read and
// releases the request context on close.
type watchdogBody struct {
	rc      io.ReadCloser
	timer   *time.Timer
	timeout time.Duration
	cancel  context.CancelCauseFunc
}

func (b *watchdogBody) Read(p []byte) (int, error) {
	n, err := b.rc.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *watchdogBody) Close() error {
	b.timer.Stop()
	err := b.rc.Close()
	b.cancel(nil)
	return err
}
