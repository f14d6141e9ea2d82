package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/http/httptrace"
	"net/url"
	"sync"
	"sync/atomic"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

// Streamable HTTP headers.
const (
	HeaderSessionID       = "Mcp-Session-Id"
	HeaderProtocolVersion = "MCP-Protocol-Version"
	HeaderLastEventID     = "Last-Event-ID"
)

// HTTPConfig describes a streamable HTTP endpoint. The values come fully
// resolved from the caller.
type HTTPConfig struct {
	URL     string
	Headers map[string]string
	// Client performs every request. It must not set a global Timeout since
	// event streams are long-lived. Nil selects a default client.
	Client *http.Client
	// ContinuousListening opens the standalone GET event stream once the
	// server has assigned a session id.
	ContinuousListening bool
}

// StreamableHTTP is a Binding that POSTs each outbound frame and reads
// responses from JSON bodies, per-request event streams and the optional
// standalone GET stream.
type StreamableHTTP struct {
	cfg     HTTPConfig
	client  *http.Client
	state   *HTTPState
	opts    Options
	resumed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	in   chan jsonrpc.Frame
	done chan struct{}

	listening atomic.Bool

	mu       sync.Mutex
	err      error
	closing  bool
	failOnce sync.Once
}

// DialStreamableHTTP prepares a binding for cfg.URL. When state already
// carries a server session and continuous listening is enabled, the GET stream
// is opened before returning, resuming after the last seen event; this is the
// reconnect probe. A fresh session has nothing to open until initialize.
func DialStreamableHTTP(ctx context.Context, cfg HTTPConfig, state *HTTPState, opts Options) (*StreamableHTTP, error) {
	u, err := url.Parse(cfg.URL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return nil, &mcperr.TransportError{Op: "dial", Err: fmt.Errorf("invalid url %q", cfg.URL)}
	}
	if state == nil {
		state = NewHTTPState()
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	bctx, cancel := context.WithCancel(context.Background())
	b := &StreamableHTTP{
		cfg:     cfg,
		client:  client,
		state:   state,
		opts:    opts.withDefaults(),
		resumed: !state.Lost(),
		ctx:     bctx,
		cancel:  cancel,
		in:      make(chan jsonrpc.Frame),
		done:    make(chan struct{}),
	}
	if cfg.ContinuousListening && state.SessionID() != "" {
		if err := b.openStream(ctx); err != nil {
			cancel()
			return nil, err
		}
	}
	return b, nil
}

// Resumed reports whether the server still knows the logical session.
func (b *StreamableHTTP) Resumed() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.resumed
}

// SessionID returns the server-assigned session id, if any.
func (b *StreamableHTTP) SessionID() string { return b.state.SessionID() }

// Inbound yields frames from every response body and event stream.
func (b *StreamableHTTP) Inbound() <-chan jsonrpc.Frame { return b.in }

// Done is closed when the binding fails or is closed.
func (b *StreamableHTTP) Done() <-chan struct{} { return b.done }

// Err reports the failure that ended the binding.
func (b *StreamableHTTP) Err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.err
}

// Send POSTs f. It returns once the request has been written; the response is
// consumed in the background and failures end the binding. An initialize
// request waits for the response headers so the session id is known before
// anything else is sent.
func (b *StreamableHTTP) Send(ctx context.Context, f jsonrpc.Frame) error {
	select {
	case <-b.done:
		return &mcperr.TransportError{Op: "send", Retryable: true, Err: mcperr.ErrSessionClosed}
	default:
	}
	isInit := f.Kind == jsonrpc.KindRequest && f.Method == string(mcp.MethodInitialize)

	rctx, rcancel := context.WithCancel(b.ctx)
	wrote := make(chan error, 1)
	trace := &httptrace.ClientTrace{WroteRequest: func(info httptrace.WroteRequestInfo) {
		select {
		case wrote <- info.Err:
		default:
		}
	}}
	req, err := http.NewRequestWithContext(httptrace.WithClientTrace(rctx, trace), http.MethodPost, b.cfg.URL, bytes.NewReader(jsonrpc.Encode(f)))
	if err != nil {
		rcancel()
		return &mcperr.TransportError{Op: "send", Err: err}
	}
	b.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json, text/event-stream")

	headers := make(chan error, 1)
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer rcancel()
		b.post(req, f, headers)
	}()

	if !isInit {
		select {
		case err := <-wrote:
			if err != nil {
				return &mcperr.TransportError{Op: "send", Retryable: true, Err: err}
			}
			return nil
		case err := <-headers:
			return err
		case <-ctx.Done():
			rcancel()
			return ctx.Err()
		}
	}
	select {
	case err := <-headers:
		return err
	case <-ctx.Done():
		rcancel()
		return ctx.Err()
	}
}

func (b *StreamableHTTP) setHeaders(req *http.Request) {
	for k, v := range b.cfg.Headers {
		req.Header.Set(k, v)
	}
	if id := b.state.SessionID(); id != "" {
		req.Header.Set(HeaderSessionID, id)
	}
	if v := b.state.ProtocolVersion(); v != "" {
		req.Header.Set(HeaderProtocolVersion, v)
	}
}

// post performs one request and consumes its response. The outcome of the
// header stage is reported on headers exactly once.
func (b *StreamableHTTP) post(req *http.Request, f jsonrpc.Frame, headers chan<- error) {
	resp, err := b.client.Do(req)
	if err != nil {
		terr := &mcperr.TransportError{Op: "post", Retryable: true, Err: err}
		headers <- terr
		b.fail(terr)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if sid := resp.Header.Get(HeaderSessionID); b.state.setSessionID(sid) {
		logx.Log.Debug().Str("session", b.opts.Session).Msg("upstream session established")
		b.maybeListen()
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		headers <- nil
		initKey := ""
		if f.Kind == jsonrpc.KindRequest && f.Method == string(mcp.MethodInitialize) {
			initKey = f.Key()
		}
		if err := b.consume(resp, initKey); err != nil && !b.isClosing() {
			b.fail(&mcperr.TransportError{Op: "response stream", Retryable: true, Err: err})
		}
		return
	}

	terr := classifyStatus("post", resp.StatusCode)
	if resp.StatusCode == http.StatusNotFound && req.Header.Get(HeaderSessionID) != "" {
		b.state.expire()
		terr.Err = errors.New("upstream session expired")
	}
	if terr.Retryable || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		headers <- terr
		b.fail(terr)
		return
	}

	// Other client errors answer this frame only; the session stays up.
	headers <- nil
	logx.Log.Warn().Str("session", b.opts.Session).Int("status", resp.StatusCode).Str("method", f.Method).Msg("upstream rejected frame")
	body, _ := io.ReadAll(io.LimitReader(resp.Body, int64(b.opts.MaxFrameBytes)))
	if frames, err := jsonrpc.ParseBatch(body); err == nil && len(frames) > 0 && frames[0].Kind == jsonrpc.KindResponse {
		for _, rf := range frames {
			b.deliver(rf, "")
		}
		return
	}
	if f.Kind == jsonrpc.KindRequest {
		b.deliver(jsonrpc.NewErrorResponse(f.ID, mcperr.CodeServerError, http.StatusText(resp.StatusCode),
			map[string]any{"mcp": mcperr.ErrUpstreamError, "status": resp.StatusCode}), "")
	}
}

// consume reads a successful response body as JSON or as an event stream.
func (b *StreamableHTTP) consume(resp *http.Response, initKey string) error {
	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	ct, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	body := activityReader{r: resp.Body, touch: b.opts.touch}
	if ct == "text/event-stream" {
		return b.readEvents(body, initKey)
	}
	data, err := io.ReadAll(io.LimitReader(body, int64(b.opts.MaxFrameBytes)+1))
	if err != nil {
		return err
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if len(data) > b.opts.MaxFrameBytes {
		b.opts.protocolError(&mcperr.ProtocolError{Reason: "response body exceeds maximum frame size"})
		return nil
	}
	frames, perr := jsonrpc.ParseBatch(data)
	for _, f := range frames {
		b.deliver(f, initKey)
	}
	if perr != nil {
		b.opts.protocolError(perr)
	}
	return nil
}

func (b *StreamableHTTP) readEvents(r io.Reader, initKey string) error {
	for ev, err := range jsonrpc.DecodeEvents(r, b.opts.MaxFrameBytes) {
		if err != nil {
			return err
		}
		if ev.ID != "" {
			b.state.setLastEventID(ev.ID)
		}
		for _, f := range ev.Frames {
			b.deliver(f, initKey)
		}
		if ev.Err != nil {
			b.opts.protocolError(ev.Err)
		}
	}
	return nil
}

func (b *StreamableHTTP) deliver(f jsonrpc.Frame, initKey string) {
	if initKey != "" && f.Kind == jsonrpc.KindResponse && f.Key() == initKey && len(f.Result) > 0 {
		var res struct {
			ProtocolVersion string `json:"protocolVersion"`
		}
		if json.Unmarshal(f.Result, &res) == nil && res.ProtocolVersion != "" {
			b.state.setProtocolVersion(res.ProtocolVersion)
		}
	}
	select {
	case b.in <- f:
	case <-b.ctx.Done():
	}
}

func (b *StreamableHTTP) maybeListen() {
	if !b.cfg.ContinuousListening || b.listening.Load() {
		return
	}
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.openStream(b.ctx); err != nil && !b.isClosing() {
			if mcperr.IsRetryable(err) {
				b.fail(err)
				return
			}
			logx.Log.Warn().Err(err).Str("session", b.opts.Session).Msg("standalone event stream unavailable")
		}
	}()
}

// openStream issues the standalone GET. ctx bounds waiting for the response
// headers only; the stream itself lives until the binding ends.
func (b *StreamableHTTP) openStream(ctx context.Context) error {
	if !b.listening.CompareAndSwap(false, true) {
		return nil
	}
	rctx, rcancel := context.WithCancel(b.ctx)
	stop := context.AfterFunc(ctx, rcancel)
	req, err := http.NewRequestWithContext(rctx, http.MethodGet, b.cfg.URL, nil)
	if err != nil {
		stop()
		rcancel()
		b.listening.Store(false)
		return &mcperr.TransportError{Op: "listen", Err: err}
	}
	b.setHeaders(req)
	req.Header.Set("Accept", "text/event-stream")
	if id := b.state.LastEventID(); id != "" {
		req.Header.Set(HeaderLastEventID, id)
	}
	resp, err := b.client.Do(req)
	headerCtxDone := !stop()
	if err != nil {
		rcancel()
		b.listening.Store(false)
		if headerCtxDone && ctx.Err() != nil {
			return &mcperr.TimeoutError{Op: "listen"}
		}
		return &mcperr.TransportError{Op: "listen", Retryable: true, Err: err}
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusMethodNotAllowed:
		_ = resp.Body.Close()
		rcancel()
		logx.Log.Debug().Str("session", b.opts.Session).Msg("server offers no standalone event stream")
		return nil
	case resp.StatusCode == http.StatusNotFound && req.Header.Get(HeaderSessionID) != "":
		_ = resp.Body.Close()
		rcancel()
		b.listening.Store(false)
		b.state.expire()
		b.mu.Lock()
		b.resumed = false
		b.mu.Unlock()
		b.opts.emit(diag.KindGap, diag.LevelWarn, "upstream session expired; handshake will be replayed", nil)
		return nil
	default:
		_ = resp.Body.Close()
		rcancel()
		b.listening.Store(false)
		return classifyStatus("listen", resp.StatusCode)
	}

	logx.Log.Debug().Str("session", b.opts.Session).Str("lastEventId", req.Header.Get(HeaderLastEventID)).Msg("standalone event stream open")
	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer rcancel()
		defer func() { _ = resp.Body.Close() }()
		err := b.readEvents(activityReader{r: resp.Body, touch: b.opts.touch}, "")
		if b.isClosing() {
			return
		}
		if err == nil {
			err = io.EOF
		}
		b.fail(&mcperr.TransportError{Op: "event stream", Retryable: true, Err: err})
	}()
	return nil
}

// Close terminates the upstream session with DELETE, then releases every
// in-flight request. A 405 answer means the server does not support explicit
// termination. A binding that already failed skips the DELETE: the session
// id is shared with the binding that replaces it.
func (b *StreamableHTTP) Close(ctx context.Context) error {
	b.mu.Lock()
	if b.closing {
		b.mu.Unlock()
		return nil
	}
	b.closing = true
	b.mu.Unlock()

	failed := false
	select {
	case <-b.done:
		failed = true
	default:
	}
	var derr error
	if id := b.state.SessionID(); id != "" && !failed {
		derr = b.terminate(ctx)
	}
	b.fail(nil)

	waited := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(waited)
	}()
	select {
	case <-waited:
	case <-ctx.Done():
		if derr == nil {
			derr = &mcperr.TimeoutError{Op: "close"}
		}
	}
	return derr
}

func (b *StreamableHTTP) terminate(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, b.cfg.URL, nil)
	if err != nil {
		return err
	}
	b.setHeaders(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return &mcperr.TransportError{Op: "terminate", Err: err}
	}
	_ = resp.Body.Close()
	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusMethodNotAllowed && resp.StatusCode != http.StatusNotFound {
		return classifyStatus("terminate", resp.StatusCode)
	}
	return nil
}

func (b *StreamableHTTP) fail(err error) {
	b.failOnce.Do(func() {
		b.mu.Lock()
		if !b.closing {
			b.err = err
		}
		b.mu.Unlock()
		if err != nil {
			logx.Log.Debug().Err(err).Str("session", b.opts.Session).Msg("http binding failed")
		}
		b.cancel()
		close(b.done)
	})
}

func (b *StreamableHTTP) isClosing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closing
}

// classifyStatus maps an HTTP failure onto the retry policy: 404 (expired
// session), 408, 429 and 5xx are retryable, other statuses are not.
func classifyStatus(op string, status int) *mcperr.TransportError {
	retryable := status == http.StatusNotFound ||
		status == http.StatusRequestTimeout ||
		status == http.StatusTooManyRequests ||
		status >= 500
	return &mcperr.TransportError{Op: op, Retryable: retryable, StatusCode: status, Err: errors.New(http.StatusText(status))}
}
