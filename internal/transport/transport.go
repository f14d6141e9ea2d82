// Package transport implements the physical upstream connections: a child
// process speaking newline-delimited JSON-RPC over stdio, and a streamable
// HTTP endpoint.
package transport

import (
	"context"
	"io"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
)

// Binding owns one physical connection to the upstream server.
//
// Inbound is never closed; consumers select on Done as well. Frames delivered
// before a binding fails are handed over before Done is closed.
type Binding interface {
	Send(ctx context.Context, f jsonrpc.Frame) error
	Inbound() <-chan jsonrpc.Frame
	Done() <-chan struct{}
	// Err reports why the binding ended. It is nil after a clean Close.
	Err() error
	Close(ctx context.Context) error
}

// Resumer is implemented by bindings that can tell whether the upstream kept
// its logical session across a reconnect. A binding that returns false needs
// the initialize handshake replayed before other traffic.
type Resumer interface {
	Resumed() bool
}

// Options carries the hooks shared by every binding.
type Options struct {
	// Session labels diagnostic events.
	Session string
	// MaxFrameBytes bounds one line or one event. Zero selects jsonrpc.DefaultMaxLine.
	MaxFrameBytes int
	// OnActivity is called for every chunk of inbound bytes.
	OnActivity func()
	// OnProtocolError is told about frames that failed to decode.
	OnProtocolError func(error)
	// Diag receives transport diagnostics. Nil discards them.
	Diag diag.Sink
}

func (o Options) withDefaults() Options {
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = jsonrpc.DefaultMaxLine
	}
	if o.Diag == nil {
		o.Diag = diag.Discard
	}
	return o
}

func (o Options) touch() {
	if o.OnActivity != nil {
		o.OnActivity()
	}
}

func (o Options) protocolError(err error) {
	if o.OnProtocolError != nil {
		o.OnProtocolError(err)
	}
}

func (o Options) emit(kind diag.Kind, level, msg string, fields map[string]any) {
	o.Diag.Emit(diag.Event{Session: o.Session, Kind: kind, Level: level, Message: msg, Fields: fields})
}

// activityReader marks the connection alive whenever bytes arrive.
type activityReader struct {
	r     io.Reader
	touch func()
}

func (a activityReader) Read(p []byte) (int, error) {
	n, err := a.r.Read(p)
	if n > 0 && a.touch != nil {
		a.touch()
	}
	return n, err
}
