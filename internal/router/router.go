// Package router correlates JSON-RPC traffic between the caller and one
// upstream session: it owns the pending request table, fans notifications out
// to observers and lets the runner issue its own requests.
package router

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/session"
)

const methodCancelled = "notifications/cancelled"

// Upstream is the session side of the router.
type Upstream interface {
	Send(f jsonrpc.Frame) error
	Inbound() <-chan jsonrpc.Frame
	Done() <-chan struct{}
	Err() error
	State() session.State
	OnState(fn func(from, to session.State))
	RecordHandshake(f jsonrpc.Frame)
	SetDiscard(fn func(jsonrpc.Frame) bool)
	SetProbe(fn func(ctx context.Context) error)
}

// Config tunes a router.
type Config struct {
	// Session labels logs and diagnostics.
	Session string
	// OutQueue buffers frames bound for the caller.
	OutQueue int
	// ObserverQueue bounds notifications awaiting observer dispatch.
	ObserverQueue int
	// ClientInfo and Capabilities describe the runner in its own initialize.
	ClientInfo   mcp.Implementation
	Capabilities map[string]any
	// EnforceCapabilities replaces the capabilities of caller initialize
	// requests with Capabilities.
	EnforceCapabilities bool
	Diag                diag.Sink
}

type origin int

const (
	fromCaller origin = iota
	fromRunner
)

type pendingEntry struct {
	seq    uint64
	id     json.RawMessage
	method string
	origin origin
	sent   time.Time
	// reply receives the response of runner-issued requests.
	reply chan jsonrpc.Frame
}

type flushRequest struct {
	cause error
	ack   chan struct{}
}

// Router is the message router of one session.
type Router struct {
	up  Upstream
	cfg Config

	mu        sync.Mutex
	pending   map[string]*pendingEntry
	cancelled map[string]struct{}
	seq       uint64
	observers map[int]observer
	nextObs   int
	closed    bool
	running   bool

	out      chan jsonrpc.Frame
	flushes  chan flushRequest
	obsq     chan jsonrpc.Frame
	done     chan struct{}
	quit     chan struct{}
	quitOnce sync.Once
}

// New wires a router to up. The router resolves its pending table when the
// session starts terminating or fails, installs the queue discard predicate
// and uses ping as the keep-alive probe.
func New(up Upstream, cfg Config) *Router {
	if cfg.OutQueue <= 0 {
		cfg.OutQueue = 256
	}
	if cfg.ObserverQueue <= 0 {
		cfg.ObserverQueue = 256
	}
	if cfg.Diag == nil {
		cfg.Diag = diag.Discard
	}
	if cfg.ClientInfo.Name == "" {
		cfg.ClientInfo = mcp.Implementation{Name: "mcprun", Version: "dev"}
	}
	if cfg.Capabilities == nil {
		cfg.Capabilities = map[string]any{}
	}
	r := &Router{
		up:        up,
		cfg:       cfg,
		pending:   map[string]*pendingEntry{},
		cancelled: map[string]struct{}{},
		observers: map[int]observer{},
		out:       make(chan jsonrpc.Frame, cfg.OutQueue),
		obsq:      make(chan jsonrpc.Frame, cfg.ObserverQueue),
		flushes:   make(chan flushRequest),
		done:      make(chan struct{}),
		quit:      make(chan struct{}),
	}
	up.OnState(func(from, to session.State) {
		if to == session.Terminating || to.Terminal() {
			r.requestFlush(up.Err())
		}
	})
	up.SetDiscard(func(f jsonrpc.Frame) bool {
		r.mu.Lock()
		defer r.mu.Unlock()
		_, ok := r.pending[f.Key()]
		return !ok
	})
	up.SetProbe(r.Ping)
	return r
}

// Outbound yields the frames the caller must receive, in upstream order.
func (r *Router) Outbound() <-chan jsonrpc.Frame { return r.out }

// Done is closed when Run returns.
func (r *Router) Done() <-chan struct{} { return r.done }

// Pending returns the number of unanswered requests.
func (r *Router) Pending() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.pending)
}

// Run routes inbound frames until the session ends or ctx is done.
func (r *Router) Run(ctx context.Context) error {
	r.mu.Lock()
	r.running = true
	r.mu.Unlock()
	defer close(r.done)
	go func() {
		select {
		case <-ctx.Done():
		case <-r.done:
		}
		r.quitOnce.Do(func() { close(r.quit) })
	}()
	go r.dispatchLoop()

	for {
		select {
		case f := <-r.up.Inbound():
			r.handleInbound(f)
		case req := <-r.flushes:
			r.flush(req.cause)
			close(req.ack)
		case <-r.up.Done():
			err := r.up.Err()
			r.flush(err)
			return err
		case <-ctx.Done():
			r.flush(ctx.Err())
			return ctx.Err()
		}
	}
}

// ForwardOutbound relays one caller frame upstream. Requests are recorded in
// the pending table first; a request the session cannot take is answered
// locally so the caller never hangs.
func (r *Router) ForwardOutbound(f jsonrpc.Frame) error {
	switch f.Kind {
	case jsonrpc.KindRequest:
		return r.forwardRequest(f)
	case jsonrpc.KindNotification:
		r.forwardNotification(f)
	case jsonrpc.KindResponse:
		// The caller answering a server-initiated request.
	default:
		return &mcperr.ProtocolError{Reason: "unclassified frame", Raw: f.Raw}
	}
	if err := r.up.Send(f); err != nil {
		logx.Log.Debug().Err(err).Str("session", r.cfg.Session).Str("method", f.Method).Msg("dropping caller frame")
		return err
	}
	return nil
}

func (r *Router) forwardRequest(f jsonrpc.Frame) error {
	key := f.Key()
	if f.IsInternal() {
		r.deliver(jsonrpc.NewErrorResponse(f.ID, mcperr.CodeInvalidRequest, "request id uses a reserved prefix", nil))
		return &mcperr.ProtocolError{Reason: "reserved request id " + key}
	}
	if f.Method == string(mcp.MethodInitialize) {
		if r.cfg.EnforceCapabilities {
			f = r.withCapabilities(f)
		}
		r.up.RecordHandshake(f)
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		r.deliver(unavailable(f.ID, mcperr.ErrSessionClosed))
		return mcperr.ErrSessionClosed
	}
	if _, dup := r.pending[key]; dup {
		r.mu.Unlock()
		metrics.RecordProtocolError("caller")
		logx.Log.Warn().Str("session", r.cfg.Session).Str("id", key).Msg("duplicate request id from caller")
		return &mcperr.ProtocolError{Reason: "duplicate request id " + key}
	}
	r.seq++
	r.pending[key] = &pendingEntry{seq: r.seq, id: f.ID, method: f.Method, origin: fromCaller, sent: time.Now()}
	delete(r.cancelled, key)
	n := len(r.pending)
	r.mu.Unlock()
	metrics.SetPending(n)

	if err := r.up.Send(f); err != nil {
		if r.remove(key) != nil {
			r.deliver(unavailable(f.ID, err))
		}
		return err
	}
	return nil
}

func (r *Router) forwardNotification(f jsonrpc.Frame) {
	switch f.Method {
	case methodCancelled:
		var p struct {
			RequestID json.RawMessage `json:"requestId"`
		}
		if err := json.Unmarshal(f.Params, &p); err == nil {
			if key := jsonrpc.IDKey(p.RequestID); key != "" && r.remove(key) != nil {
				r.markCancelled(key)
				metrics.RecordCancellation()
				logx.Log.Debug().Str("session", r.cfg.Session).Str("id", key).Msg("caller cancelled request")
			}
		}
	case "notifications/initialized":
		r.up.RecordHandshake(f)
	}
}

func (r *Router) withCapabilities(f jsonrpc.Frame) jsonrpc.Frame {
	var params map[string]any
	if err := json.Unmarshal(f.Params, &params); err != nil || params == nil {
		return f
	}
	params["capabilities"] = r.cfg.Capabilities
	out, err := jsonrpc.NewRequest(f.ID, f.Method, params)
	if err != nil {
		return f
	}
	return out
}

func (r *Router) handleInbound(f jsonrpc.Frame) {
	switch f.Kind {
	case jsonrpc.KindResponse:
		key := f.Key()
		p := r.remove(key)
		if p == nil {
			r.unmatched(f, key)
			return
		}
		metrics.ObserveRequestDuration(p.method, time.Since(p.sent))
		if p.origin == fromRunner {
			p.reply <- f
			return
		}
		r.deliver(f)
	case jsonrpc.KindNotification:
		r.deliver(f)
		select {
		case r.obsq <- f:
		default:
			metrics.RecordDroppedNotification()
			r.emit(diag.KindDropped, diag.LevelWarn, "observer queue full; notification not dispatched", map[string]any{"method": f.Method})
		}
	case jsonrpc.KindRequest:
		r.deliver(f)
	}
}

func (r *Router) unmatched(f jsonrpc.Frame, key string) {
	r.mu.Lock()
	_, wasCancelled := r.cancelled[key]
	delete(r.cancelled, key)
	r.mu.Unlock()
	switch {
	case wasCancelled:
		logx.Log.Debug().Str("session", r.cfg.Session).Str("id", key).Msg("dropping response to cancelled request")
	case f.IsInternal():
		logx.Log.Debug().Str("session", r.cfg.Session).Str("id", key).Msg("dropping response to replayed handshake")
	default:
		metrics.RecordProtocolError("upstream")
		logx.Log.Warn().Str("session", r.cfg.Session).Str("id", key).Msg("dropping response with unknown id")
		r.emit(diag.KindProtocol, diag.LevelWarn, "response with unknown id dropped", map[string]any{"id": key})
	}
}

// Cancel resolves a pending request locally with a cancellation failure and,
// while the session can still send, tells the upstream best-effort. Cancelling
// an unknown or already resolved id does nothing.
func (r *Router) Cancel(id json.RawMessage, reason string) bool {
	key := jsonrpc.IDKey(id)
	p := r.remove(key)
	if p == nil {
		return false
	}
	r.markCancelled(key)
	metrics.RecordCancellation()
	cerr := &mcperr.CancellationError{ID: key, Reason: reason}
	resp := jsonrpc.NewErrorResponse(p.id, mcperr.CodeRequestCancelled, cerr.Error(),
		map[string]any{"mcp": mcperr.ErrRequestCancelled, "reason": reason})
	if p.origin == fromRunner {
		p.reply <- resp
	} else {
		r.deliver(resp)
	}
	r.emit(diag.KindState, diag.LevelInfo, "request cancelled", map[string]any{"id": key, "method": p.method})

	if st := r.up.State(); st == session.Active || st == session.Stale {
		params := map[string]any{"requestId": p.id}
		if reason != "" {
			params["reason"] = reason
		}
		if n, err := jsonrpc.NewNotification(methodCancelled, params); err == nil {
			if err := r.up.Send(n); err != nil {
				logx.Log.Debug().Err(err).Str("session", r.cfg.Session).Str("id", key).Msg("cancellation notice not sent")
			}
		}
	}
	return true
}

// Call issues a runner-owned request and waits for its response. A JSON-RPC
// error answer is returned as *jsonrpc.Error alongside the frame.
func (r *Router) Call(ctx context.Context, method string, params any) (jsonrpc.Frame, error) {
	id := jsonrpc.InternalPrefix + uuid.NewString()
	f, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return jsonrpc.Frame{}, err
	}
	key := f.Key()
	reply := make(chan jsonrpc.Frame, 1)

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return jsonrpc.Frame{}, mcperr.ErrSessionClosed
	}
	r.seq++
	r.pending[key] = &pendingEntry{seq: r.seq, id: f.ID, method: method, origin: fromRunner, sent: time.Now(), reply: reply}
	n := len(r.pending)
	r.mu.Unlock()
	metrics.SetPending(n)

	if method == string(mcp.MethodInitialize) {
		r.up.RecordHandshake(f)
	}
	if err := r.up.Send(f); err != nil {
		r.remove(key)
		return jsonrpc.Frame{}, err
	}
	select {
	case resp := <-reply:
		if e := resp.Err(); e != nil {
			return resp, e
		}
		return resp, nil
	case <-ctx.Done():
		r.Cancel(f.ID, "caller context done")
		return jsonrpc.Frame{}, ctx.Err()
	}
}

// Notify sends a runner-owned notification.
func (r *Router) Notify(method string, params any) error {
	f, err := jsonrpc.NewNotification(method, params)
	if err != nil {
		return err
	}
	if method == "notifications/initialized" {
		r.up.RecordHandshake(f)
	}
	return r.up.Send(f)
}

// Initialize performs the MCP handshake on behalf of the runner, advertising
// only the configured client capabilities.
func (r *Router) Initialize(ctx context.Context) (*mcp.InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    r.cfg.Capabilities,
		"clientInfo":      r.cfg.ClientInfo,
	}
	resp, err := r.Call(ctx, string(mcp.MethodInitialize), params)
	if err != nil {
		return nil, err
	}
	var res mcp.InitializeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return nil, fmt.Errorf("decode initialize result: %w", err)
	}
	if !slices.Contains(mcp.ValidProtocolVersions, res.ProtocolVersion) {
		return nil, mcp.UnsupportedProtocolVersionError{Version: res.ProtocolVersion}
	}
	if err := r.Notify("notifications/initialized", nil); err != nil {
		return nil, err
	}
	return &res, nil
}

// Ping sends an MCP ping and waits for the answer.
func (r *Router) Ping(ctx context.Context) error {
	_, err := r.Call(ctx, string(mcp.MethodPing), nil)
	return err
}

func (r *Router) remove(key string) *pendingEntry {
	r.mu.Lock()
	p := r.pending[key]
	delete(r.pending, key)
	n := len(r.pending)
	r.mu.Unlock()
	if p != nil {
		metrics.SetPending(n)
	}
	return p
}

const maxCancelled = 1024

func (r *Router) markCancelled(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.cancelled) >= maxCancelled {
		clear(r.cancelled)
	}
	r.cancelled[key] = struct{}{}
}

// requestFlush hands the flush to Run so that every frame the session
// delivered before changing state is routed first. Without Run the flush
// happens inline.
func (r *Router) requestFlush(cause error) {
	r.mu.Lock()
	running := r.running
	r.mu.Unlock()
	if !running {
		r.flush(cause)
		return
	}
	req := flushRequest{cause: cause, ack: make(chan struct{})}
	select {
	case r.flushes <- req:
		<-req.ack
	case <-r.done:
		r.flush(cause)
	}
}

// flush resolves every pending request with the uniform upstream-unavailable
// failure and drops observer registrations. It runs once.
func (r *Router) flush(cause error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	entries := make([]*pendingEntry, 0, len(r.pending))
	for _, p := range r.pending {
		entries = append(entries, p)
	}
	r.pending = map[string]*pendingEntry{}
	clear(r.observers)
	r.mu.Unlock()
	metrics.SetPending(0)

	if cause == nil {
		cause = mcperr.ErrSessionClosed
	}
	slices.SortFunc(entries, func(a, b *pendingEntry) int { return cmp.Compare(a.seq, b.seq) })
	for _, p := range entries {
		resp := unavailable(p.id, cause)
		if p.origin == fromRunner {
			p.reply <- resp
			continue
		}
		r.deliver(resp)
	}
	if len(entries) > 0 {
		logx.Log.Warn().Str("session", r.cfg.Session).Int("pending", len(entries)).Err(cause).Msg("failing pending requests")
	}
}

func unavailable(id json.RawMessage, cause error) jsonrpc.Frame {
	code := mcperr.ErrProviderUnavailable
	msg := "upstream unavailable"
	if errors.Is(cause, mcperr.ErrBackpressure) {
		code = mcperr.ErrLimitExceeded
		msg = "runner queue full"
	}
	data := map[string]any{"mcp": code}
	if cause != nil {
		data["reason"] = cause.Error()
	}
	return jsonrpc.NewErrorResponse(id, mcperr.CodeServerError, msg, data)
}

func (r *Router) deliver(f jsonrpc.Frame) {
	select {
	case r.out <- f:
		metrics.RecordFrame("downstream", f.Kind.String())
	case <-r.quit:
		logx.Log.Debug().Str("session", r.cfg.Session).Str("id", f.Key()).Msg("caller gone; frame dropped")
	}
}

func (r *Router) emit(kind diag.Kind, level, msg string, fields map[string]any) {
	r.cfg.Diag.Emit(diag.Event{Session: r.cfg.Session, Kind: kind, Level: level, Message: msg, Fields: fields})
}

// matchMethod reports whether pattern selects method: "*" matches everything,
// a trailing "*" matches a prefix, anything else must be equal.
func matchMethod(pattern, method string) bool {
	if pattern == "*" {
		return true
	}
	if prefix, ok := strings.CutSuffix(pattern, "*"); ok {
		return strings.HasPrefix(method, prefix)
	}
	return pattern == method
}
