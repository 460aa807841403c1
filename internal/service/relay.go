// Package service implements the core relay logic: target resolution,
// query rewriting, header adjustment and forwarding.
package service

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/badlogic/proxy/internal/client"
	"github.com/badlogic/proxy/internal/metrics"
	"github.com/badlogic/proxy/internal/model"
)

// TargetParam is the query parameter carrying the destination URL.
const TargetParam = "url"

var (
	// ErrMissingTarget is returned when the request carries no destination URL.
	ErrMissingTarget = errors.New("missing target parameter")
	// ErrInvalidTarget is returned when the destination is not a valid absolute URL.
	ErrInvalidTarget = errors.New("invalid target URL")
)

// hopByHopHeaders are connection-level headers that must not cross the relay.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te", // canonicalized version of "TE"
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// ResolveTarget extracts and validates the destination URL from the caller's
// query parameters. The URL must be absolute with an http(s) or ws(s) scheme.
func ResolveTarget(query url.Values) (*url.URL, error) {
	raw := query.Get(TargetParam)
	if raw == "" {
		return nil, ErrMissingTarget
	}
	u, err := url.Parse(raw)
	if err != nil {
		return nil, ErrInvalidTarget
	}
	switch u.Scheme {
	case "http", "https", "ws", "wss":
	default:
		return nil, ErrInvalidTarget
	}
	if u.Host == "" {
		return nil, ErrInvalidTarget
	}
	return u, nil
}

// MergeQuery builds the single outbound query string from the target's own
// query and the caller's query. The target's parameters come first, in their
// original order; caller parameters whose key the target does not already
// have are appended in the caller's original order. A caller parameter whose
// key exists in the target is dropped (the target wins), and the destination
// indicator itself is never copied.
//
// The merge works on raw query text because url.Values is an unordered map
// and would destroy both ordering and duplicate-key semantics.
func MergeQuery(target *url.URL, callerRawQuery string) string {
	taken := make(map[string]bool)
	for _, pair := range splitPairs(target.RawQuery) {
		taken[pairKey(pair)] = true
	}

	var extra []string
	for _, pair := range splitPairs(callerRawQuery) {
		key := pairKey(pair)
		if key == TargetParam || taken[key] {
			continue
		}
		extra = append(extra, pair)
	}

	merged := target.RawQuery
	if len(extra) > 0 {
		if merged != "" {
			merged += "&"
		}
		merged += strings.Join(extra, "&")
	}
	return merged
}

// BuildOutboundURL returns the full destination URL with the merged query
// attached. The authority is always the target's own, never the caller's.
func BuildOutboundURL(target *url.URL, callerRawQuery string) string {
	u := *target
	u.RawQuery = MergeQuery(target, callerRawQuery)
	u.Fragment = ""
	return u.String()
}

func splitPairs(rawQuery string) []string {
	if rawQuery == "" {
		return nil
	}
	var pairs []string
	for _, p := range strings.Split(rawQuery, "&") {
		if p != "" {
			pairs = append(pairs, p)
		}
	}
	return pairs
}

// pairKey returns the decoded key of one raw key=value pair.
func pairKey(pair string) string {
	key := pair
	if i := strings.IndexByte(pair, '='); i >= 0 {
		key = pair[:i]
	}
	if decoded, err := url.QueryUnescape(key); err == nil {
		return decoded
	}
	return key
}

// RelayService orchestrates one forwarding operation per inbound request.
type RelayService struct {
	client  *client.UpstreamClient
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// NewRelayService creates a RelayService. The metrics parameter is optional;
// pass nil to disable relay error recording.
func NewRelayService(c *client.UpstreamClient, logger *slog.Logger, m *metrics.Metrics) *RelayService {
	return &RelayService{
		client:  c,
		logger:  logger.With("component", "relay_service"),
		metrics: m,
	}
}

// Forward sends a RelayRequest to its destination and returns the streaming
// response. The caller is responsible for closing the response body. Errors
// are returned as *model.RelayError carrying kind and relay phase.
func (s *RelayService) Forward(rr *model.RelayRequest) (*model.RelayResponse, error) {
	outURL := BuildOutboundURL(rr.Target, rr.RawQuery)
	header := s.OutboundHeaders(rr.Header, rr.Host)

	s.logger.Debug("forwarding request",
		"method", rr.Method,
		"target", outURL,
	)

	resp, err := s.client.DoStream(rr.Ctx, rr.Method, outURL, header, rr.Body, rr.ContentLength)
	if err != nil {
		return nil, s.relayError(rr, err)
	}

	StripHopByHop(resp.Header)
	return resp, nil
}

// OutboundHeaders returns the caller's headers adjusted for the destination:
// hop-by-hop headers removed, Origin and Referer dropped (they describe the
// caller's browser context, not anything the destination can use), and
// X-Forwarded-Host set to the caller's original host.
func (s *RelayService) OutboundHeaders(src http.Header, callerHost string) http.Header {
	dst := src.Clone()
	if dst == nil {
		dst = make(http.Header)
	}
	StripHopByHop(dst)
	dst.Del("Origin")
	dst.Del("Referer")
	dst.Set("X-Forwarded-Host", callerHost)
	return dst
}

// StripHopByHop removes connection-level headers in place.
func StripHopByHop(h http.Header) {
	for _, name := range hopByHopHeaders {
		h.Del(name)
	}
}

func (s *RelayService) relayError(rr *model.RelayRequest, err error) *model.RelayError {
	kind := model.KindConnection
	state := model.StateConnecting

	switch {
	case errors.Is(err, client.ErrRelayTimeout), errors.Is(err, context.DeadlineExceeded):
		kind = model.KindTimeout
		state = model.StateAwaitingResponse
	case errors.Is(err, context.Canceled):
		state = model.StateAwaitingResponse
	default:
		var dnsErr *net.DNSError
		if errors.As(err, &dnsErr) {
			break
		}
		var urlErr *url.Error
		if !errors.As(err, &urlErr) {
			// Not a transport-level failure: the relay engine itself broke.
			kind = model.KindInternal
		}
	}

	if s.metrics != nil {
		s.metrics.RelayErrors.WithLabelValues(kind.String(), state.String()).Inc()
	}

	return &model.RelayError{
		Kind:   kind,
		State:  state,
		Target: rr.Target.String(),
		Err:    err,
	}
}
