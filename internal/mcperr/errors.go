// Package mcperr holds the error taxonomy shared by the transport, session and
// router layers.
package mcperr

import (
	"errors"
	"fmt"
	"time"
)

// Canonical MCP error codes carried in data.mcp of synthesized error responses.
const (
	ErrUnauthorized        = "MCP_UNAUTHORIZED"
	ErrProviderUnavailable = "MCP_PROVIDER_UNAVAILABLE"
	ErrTimeout             = "MCP_TIMEOUT"
	ErrLimitExceeded       = "MCP_LIMIT_EXCEEDED"
	ErrUpstreamError       = "MCP_UPSTREAM_ERROR"
	ErrSchema              = "MCP_SCHEMA_ERROR"
	ErrRequestCancelled    = "MCP_REQUEST_CANCELLED"
)

// JSON-RPC error codes used when the runner has to answer on behalf of the upstream.
const (
	CodeParseError       = -32700
	CodeInvalidRequest   = -32600
	CodeServerError      = -32000
	CodeRequestCancelled = -32800
)

var (
	// ErrSessionClosed resolves every request still pending when a session ends.
	ErrSessionClosed = errors.New("session closed")
	// ErrBackpressure indicates the outbound queue is full.
	ErrBackpressure = errors.New("session backpressure")
	// ErrCancelled is the cause carried by a CancellationError.
	ErrCancelled = errors.New("request cancelled")
)

// TransportError reports a failure of the physical connection: refused dial,
// process exit, HTTP failure. Retryable tells the session whether a reconnect
// may help.
type TransportError struct {
	Op         string
	Retryable  bool
	StatusCode int
	ExitCode   int
	Err        error
}

func (e *TransportError) Error() string {
	msg := "transport " + e.Op
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *TransportError) Unwrap() error { return e.Err }

// ProtocolError reports a malformed frame or a response with an unknown id.
// The stream continues after one.
type ProtocolError struct {
	Reason string
	Raw    []byte
	Err    error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return "protocol error: " + e.Reason + ": " + e.Err.Error()
	}
	return "protocol error: " + e.Reason
}

func (e *ProtocolError) Unwrap() error { return e.Err }

// TimeoutError reports an expired handshake, idle or termination deadline.
type TimeoutError struct {
	Op    string
	After time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.After)
}

// Timeout lets net-style checks recognise the error.
func (e *TimeoutError) Timeout() bool { return true }

// CancellationError resolves a pending request cancelled locally.
type CancellationError struct {
	ID     string
	Reason string
}

func (e *CancellationError) Error() string {
	if e.Reason == "" {
		return "request " + e.ID + " cancelled"
	}
	return "request " + e.ID + " cancelled: " + e.Reason
}

func (e *CancellationError) Unwrap() error { return ErrCancelled }

// IsRetryable reports whether err describes a transport failure a reconnect can fix.
// Timeouts are retryable; everything else is terminal.
func IsRetryable(err error) bool {
	var te *TransportError
	if errors.As(err, &te) {
		return te.Retryable
	}
	var to *TimeoutError
	return errors.As(err, &to)
}
