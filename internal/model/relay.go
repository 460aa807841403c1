// Package model defines shared types for the gateway.
package model

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
)

// RelayRequest represents one inbound call to be forwarded to its destination.
type RelayRequest struct {
	Ctx    context.Context
	Method string
	// Host is the caller's own host header, forwarded as X-Forwarded-Host.
	Host   string
	Header http.Header
	// RawQuery is the caller's query string verbatim. The merge with the
	// target's own query is order-sensitive, so it is kept unparsed here.
	RawQuery string
	Body     io.ReadCloser
	// ContentLength is the caller-declared body length, or -1 when unknown.
	ContentLength int64
	Target        *url.URL
}

// RelayResponse represents the destination response to be streamed back.
type RelayResponse struct {
	StatusCode int
	Header     http.Header
	Body       io.ReadCloser
}

// RelayState tracks the lifecycle of one in-flight relay.
// DONE and ERROR are terminal; no state is revisited.
type RelayState int

const (
	StateInit RelayState = iota
	StateResolved
	StateConnecting
	StateStreamingRequest
	StateAwaitingResponse
	StateStreamingResponse
	StateDone
	StateError
)

var stateNames = [...]string{
	"init",
	"resolved",
	"connecting",
	"streaming_request",
	"awaiting_response",
	"streaming_response",
	"done",
	"error",
}

func (s RelayState) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// ErrorKind classifies relay failures for status-code mapping.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindConnection
	KindTimeout
	KindInternal
)

var kindNames = [...]string{"validation", "connection", "timeout", "internal"}

func (k ErrorKind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return "unknown"
	}
	return kindNames[k]
}

// RelayError carries the failure kind, the state the relay was in when it
// failed, and the originally requested target for diagnostics.
type RelayError struct {
	Kind   ErrorKind
	State  RelayState
	Target string
	Err    error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s (%s): %v", e.Kind, e.State, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}
