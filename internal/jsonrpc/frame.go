// Package jsonrpc is the frame codec: it classifies JSON-RPC 2.0 messages by
// shape and converts them to and from the newline-delimited and
// server-sent-event framings used by the transports. It performs no I/O of its
// own beyond reading the stream it is handed.
package jsonrpc

import (
	"bytes"
	"encoding/json"
	"strings"

	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

// Version is the only JSON-RPC version accepted on either side.
const Version = "2.0"

// InternalPrefix marks ids allocated by the runner itself. Responses carrying
// such ids are consumed locally and never reach the caller.
const InternalPrefix = "mcprun-"

// Kind is the shape of a frame.
type Kind int

const (
	KindInvalid Kind = iota
	KindRequest
	KindResponse
	KindNotification
)

func (k Kind) String() string {
	switch k {
	case KindRequest:
		return "request"
	case KindResponse:
		return "response"
	case KindNotification:
		return "notification"
	default:
		return "invalid"
	}
}

// Frame is one JSON-RPC message. Raw holds the bytes exactly as received; the
// other fields are decoded views used for routing only.
type Frame struct {
	Kind   Kind
	ID     json.RawMessage
	Method string
	Params json.RawMessage
	Result json.RawMessage
	Error  json.RawMessage
	Raw    json.RawMessage
}

// Key returns the canonical pending-table key for the frame id, or "" when the
// frame carries no id.
func (f Frame) Key() string { return IDKey(f.ID) }

// IsInternal reports whether the id belongs to the runner's reserved namespace.
func (f Frame) IsInternal() bool {
	return strings.HasPrefix(f.Key(), `"`+InternalPrefix)
}

// Err decodes the error member of a response, or returns nil.
func (f Frame) Err() *Error {
	if len(f.Error) == 0 || string(f.Error) == "null" {
		return nil
	}
	var e Error
	if err := json.Unmarshal(f.Error, &e); err != nil {
		return &Error{Code: mcperr.CodeServerError, Message: "undecodable error object"}
	}
	return &e
}

// Error is a JSON-RPC error object.
type Error struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *Error) Error() string { return e.Message }

// IDKey canonicalises a raw id so `1` and ` 1 ` map to the same entry while
// `1` and `"1"` stay distinct.
func IDKey(id json.RawMessage) string {
	id = bytes.TrimSpace(id)
	if len(id) == 0 || string(id) == "null" {
		return ""
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, id); err != nil {
		return string(id)
	}
	return buf.String()
}

type envelope struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
	Result  json.RawMessage `json:"result"`
	Error   json.RawMessage `json:"error"`
}

// Parse decodes a single (non-batch) frame and classifies it.
func Parse(b []byte) (Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return Frame{}, &mcperr.ProtocolError{Reason: "empty frame"}
	}
	if b[0] == '[' {
		return Frame{}, &mcperr.ProtocolError{Reason: "unexpected batch", Raw: b}
	}
	var env envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Frame{}, &mcperr.ProtocolError{Reason: "malformed json", Raw: b, Err: err}
	}
	if env.JSONRPC != Version {
		return Frame{}, &mcperr.ProtocolError{Reason: "unsupported jsonrpc version " + env.JSONRPC, Raw: b}
	}
	f := Frame{
		ID:     env.ID,
		Method: env.Method,
		Params: env.Params,
		Result: env.Result,
		Error:  env.Error,
		Raw:    json.RawMessage(b),
	}
	hasID := IDKey(env.ID) != ""
	switch {
	case env.Method != "" && hasID:
		f.Kind = KindRequest
	case env.Method != "":
		f.Kind = KindNotification
	case len(env.Result) > 0 || len(env.Error) > 0:
		f.Kind = KindResponse
	default:
		return Frame{}, &mcperr.ProtocolError{Reason: "frame is neither request, response nor notification", Raw: b}
	}
	return f, nil
}

// ParseBatch decodes either a single frame or a batch array. Valid members
// of a batch are returned even when others fail; the failure is reported as
// a ProtocolError alongside them.
func ParseBatch(b []byte) ([]Frame, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || b[0] != '[' {
		f, err := Parse(b)
		if err != nil {
			return nil, err
		}
		return []Frame{f}, nil
	}
	var members []json.RawMessage
	if err := json.Unmarshal(b, &members); err != nil {
		return nil, &mcperr.ProtocolError{Reason: "malformed batch", Raw: b, Err: err}
	}
	if len(members) == 0 {
		return nil, &mcperr.ProtocolError{Reason: "empty batch", Raw: b}
	}
	frames := make([]Frame, 0, len(members))
	var firstErr error
	for _, m := range members {
		f, err := Parse(m)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		frames = append(frames, f)
	}
	return frames, firstErr
}

type outgoing struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  any             `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// NewRequest builds a request frame. id is marshalled as-is.
func NewRequest(id any, method string, params any) (Frame, error) {
	b, err := json.Marshal(outgoing{JSONRPC: Version, ID: id, Method: method, Params: params})
	if err != nil {
		return Frame{}, err
	}
	return Parse(b)
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) (Frame, error) {
	b, err := json.Marshal(outgoing{JSONRPC: Version, Method: method, Params: params})
	if err != nil {
		return Frame{}, err
	}
	return Parse(b)
}

// NewErrorResponse builds an error response for id. A nil data is omitted.
func NewErrorResponse(id json.RawMessage, code int, message string, data any) Frame {
	e := &Error{Code: code, Message: message}
	if data != nil {
		if b, err := json.Marshal(data); err == nil {
			e.Data = b
		}
	}
	var rawID any = json.RawMessage("null")
	if IDKey(id) != "" {
		rawID = id
	}
	b, _ := json.Marshal(struct {
		JSONRPC string `json:"jsonrpc"`
		ID      any    `json:"id"`
		Error   *Error `json:"error"`
	}{Version, rawID, e})
	errRaw, _ := json.Marshal(e)
	return Frame{Kind: KindResponse, ID: id, Error: errRaw, Raw: b}
}

// WithID returns a copy of a request frame re-encoded under a different id.
// It is used to replay a recorded handshake with a fresh internal id.
func WithID(f Frame, id any) (Frame, error) {
	var params any
	if len(f.Params) > 0 {
		params = f.Params
	}
	return NewRequest(id, f.Method, params)
}
