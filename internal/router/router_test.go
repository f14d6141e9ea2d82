package router

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/mcptest"
	"github.com/gaspardpetit/mcprun/internal/session"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

func TestMain(m *testing.M) {
	mcptest.ServeIfRequested()
	os.Exit(m.Run())
}

type fakeUpstream struct {
	sent chan jsonrpc.Frame
	in   chan jsonrpc.Frame
	done chan struct{}

	mu        sync.Mutex
	state     session.State
	listeners []func(from, to session.State)
	handshake []string
	discard   func(jsonrpc.Frame) bool
	probe     func(ctx context.Context) error
	sendErr   error
	err       error
}

func newFakeUpstream() *fakeUpstream {
	return &fakeUpstream{
		sent:  make(chan jsonrpc.Frame, 64),
		in:    make(chan jsonrpc.Frame),
		done:  make(chan struct{}),
		state: session.Active,
	}
}

func (u *fakeUpstream) Send(f jsonrpc.Frame) error {
	u.mu.Lock()
	err := u.sendErr
	u.mu.Unlock()
	if err != nil {
		return err
	}
	u.sent <- f
	return nil
}

func (u *fakeUpstream) Inbound() <-chan jsonrpc.Frame { return u.in }
func (u *fakeUpstream) Done() <-chan struct{}         { return u.done }

func (u *fakeUpstream) Err() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.err
}

func (u *fakeUpstream) State() session.State {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.state
}

func (u *fakeUpstream) OnState(fn func(from, to session.State)) {
	u.mu.Lock()
	u.listeners = append(u.listeners, fn)
	u.mu.Unlock()
}

func (u *fakeUpstream) RecordHandshake(f jsonrpc.Frame) {
	u.mu.Lock()
	u.handshake = append(u.handshake, f.Method)
	u.mu.Unlock()
}

func (u *fakeUpstream) SetDiscard(fn func(jsonrpc.Frame) bool) { u.discard = fn }
func (u *fakeUpstream) SetProbe(fn func(ctx context.Context) error) {
	u.probe = fn
}

func (u *fakeUpstream) setState(to session.State) {
	u.mu.Lock()
	from := u.state
	u.state = to
	ls := append([]func(from, to session.State){}, u.listeners...)
	u.mu.Unlock()
	for _, fn := range ls {
		fn(from, to)
	}
}

func (u *fakeUpstream) reply(t *testing.T, raw string) {
	t.Helper()
	f, err := jsonrpc.Parse([]byte(raw))
	if err != nil {
		t.Fatalf("parse %s: %v", raw, err)
	}
	select {
	case u.in <- f:
	case <-time.After(3 * time.Second):
		t.Fatalf("router did not take %s", raw)
	}
}

func (u *fakeUpstream) next(t *testing.T) jsonrpc.Frame {
	t.Helper()
	select {
	case f := <-u.sent:
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("nothing sent upstream")
	}
	return jsonrpc.Frame{}
}

func start(t *testing.T, u *fakeUpstream, cfg Config) *Router {
	t.Helper()
	r := New(u, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = r.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		<-r.Done()
	})
	return r
}

func request(t *testing.T, id any, method string, params any) jsonrpc.Frame {
	t.Helper()
	f, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	return f
}

func recv(t *testing.T, r *Router) jsonrpc.Frame {
	t.Helper()
	select {
	case f := <-r.Outbound():
		return f
	case <-time.After(3 * time.Second):
		t.Fatalf("nothing delivered to caller")
	}
	return jsonrpc.Frame{}
}

func expectSilence(t *testing.T, r *Router) {
	t.Helper()
	select {
	case f := <-r.Outbound():
		t.Fatalf("unexpected frame %s", f.Raw)
	case <-time.After(50 * time.Millisecond):
	}
}

func errorData(t *testing.T, f jsonrpc.Frame) (int, string) {
	t.Helper()
	e := f.Err()
	if e == nil {
		t.Fatalf("expected error response, got %s", f.Raw)
	}
	var data struct {
		MCP string `json:"mcp"`
	}
	if len(e.Data) > 0 {
		_ = json.Unmarshal(e.Data, &data)
	}
	return e.Code, data.MCP
}

func TestRouter_PingRoundTrip(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	if err := r.ForwardOutbound(request(t, 1, "ping", nil)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if sent := u.next(t); sent.Key() != "1" || sent.Method != "ping" {
		t.Fatalf("unexpected upstream frame %s", sent.Raw)
	}
	if r.Pending() != 1 {
		t.Fatalf("pending = %d", r.Pending())
	}
	u.reply(t, `{"jsonrpc":"2.0","id":1,"result":{}}`)
	f := recv(t, r)
	if f.Key() != "1" || string(f.Result) != "{}" {
		t.Fatalf("unexpected %s", f.Raw)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
}

func TestRouter_NotificationsReachCallerAndObservers(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	got := make(chan string, 4)
	r.RegisterObserver("notifications/*", func(ctx context.Context, f jsonrpc.Frame) error {
		got <- "prefix:" + f.Method
		return nil
	})
	r.RegisterObserver("notifications/progress", func(ctx context.Context, f jsonrpc.Frame) error {
		got <- "exact:" + f.Method
		return nil
	})
	r.RegisterObserver("notifications/message", func(ctx context.Context, f jsonrpc.Frame) error {
		got <- "other"
		return nil
	})
	raw := `{"jsonrpc":"2.0","method":"notifications/progress","params":{"progressToken":"t","progress":1}}`
	u.reply(t, raw)
	if f := recv(t, r); string(f.Raw) != raw {
		t.Fatalf("notification altered: %s", f.Raw)
	}
	want := map[string]bool{"prefix:notifications/progress": true, "exact:notifications/progress": true}
	for range 2 {
		select {
		case s := <-got:
			if !want[s] {
				t.Fatalf("unexpected observer call %q", s)
			}
			delete(want, s)
		case <-time.After(3 * time.Second):
			t.Fatalf("observers not invoked: %v", want)
		}
	}
	select {
	case s := <-got:
		t.Fatalf("unexpected observer call %q", s)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRouter_ObserverFailureIsolated(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	var calls atomic.Int32
	r.RegisterObserver("*", func(ctx context.Context, f jsonrpc.Frame) error { panic("boom") })
	r.RegisterObserver("*", func(ctx context.Context, f jsonrpc.Frame) error { return errors.New("fail") })
	r.RegisterObserver("*", func(ctx context.Context, f jsonrpc.Frame) error {
		calls.Add(1)
		return nil
	})
	for range 2 {
		u.reply(t, `{"jsonrpc":"2.0","method":"notifications/message","params":{}}`)
		recv(t, r)
	}
	deadline := time.Now().Add(3 * time.Second)
	for calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatalf("healthy observer called %d times", calls.Load())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestRouter_UnregisterObserver(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	var calls atomic.Int32
	unregister := r.RegisterObserver("*", func(ctx context.Context, f jsonrpc.Frame) error {
		calls.Add(1)
		return nil
	})
	unregister()
	u.reply(t, `{"jsonrpc":"2.0","method":"notifications/message"}`)
	recv(t, r)
	time.Sleep(20 * time.Millisecond)
	if calls.Load() != 0 {
		t.Fatalf("unregistered observer called")
	}
}

func TestRouter_UnknownAndDuplicateResponsesDropped(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	u.reply(t, `{"jsonrpc":"2.0","id":99,"result":{}}`)
	expectSilence(t, r)

	if err := r.ForwardOutbound(request(t, "a", "echo", nil)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	u.next(t)
	u.reply(t, `{"jsonrpc":"2.0","id":"a","result":{"n":1}}`)
	recv(t, r)
	u.reply(t, `{"jsonrpc":"2.0","id":"a","result":{"n":2}}`)
	expectSilence(t, r)

	// A replayed handshake answer carries an internal id.
	u.reply(t, `{"jsonrpc":"2.0","id":"mcprun-123","result":{}}`)
	expectSilence(t, r)
}

func TestRouter_ServerRequestsPassThrough(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	u.reply(t, `{"jsonrpc":"2.0","id":"s1","method":"roots/list"}`)
	f := recv(t, r)
	if f.Kind != jsonrpc.KindRequest || f.Method != "roots/list" {
		t.Fatalf("unexpected %s", f.Raw)
	}
	answer, err := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":"s1","result":{"roots":[]}}`))
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ForwardOutbound(answer); err != nil {
		t.Fatalf("forward answer: %v", err)
	}
	if sent := u.next(t); sent.Kind != jsonrpc.KindResponse || sent.Key() != `"s1"` {
		t.Fatalf("unexpected upstream frame %s (key %s)", sent.Raw, sent.Key())
	}
	if r.Pending() != 0 {
		t.Fatalf("caller answers must not be tracked")
	}
}

func TestRouter_CancelIsIdempotent(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	if err := r.ForwardOutbound(request(t, 5, "slow", nil)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	u.next(t)

	if !r.Cancel(json.RawMessage("5"), "user") {
		t.Fatalf("first cancel reported nothing to cancel")
	}
	if code, _ := errorData(t, recv(t, r)); code != mcperr.CodeRequestCancelled {
		t.Fatalf("code = %d", code)
	}
	notice := u.next(t)
	if notice.Method != "notifications/cancelled" || !strings.Contains(string(notice.Params), `"requestId":5`) {
		t.Fatalf("unexpected notice %s", notice.Raw)
	}
	if r.Cancel(json.RawMessage("5"), "again") {
		t.Fatalf("second cancel should be a no-op")
	}
	expectSilence(t, r)

	u.reply(t, `{"jsonrpc":"2.0","id":5,"result":{}}`)
	expectSilence(t, r)
}

func TestRouter_CancelWhileRetryingSkipsNotice(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	f := request(t, 9, "slow", nil)
	if err := r.ForwardOutbound(f); err != nil {
		t.Fatalf("forward: %v", err)
	}
	u.next(t)
	if u.discard(f) {
		t.Fatalf("pending request must be replayed")
	}
	u.setState(session.Retrying)
	r.Cancel(json.RawMessage("9"), "")
	recv(t, r)
	select {
	case n := <-u.sent:
		t.Fatalf("no notice expected while retrying, got %s", n.Raw)
	case <-time.After(50 * time.Millisecond):
	}
	if !u.discard(f) {
		t.Fatalf("cancelled request must be discarded from replay")
	}
}

func TestRouter_CallerCancellationForgetsRequest(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	if err := r.ForwardOutbound(request(t, 3, "slow", nil)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	u.next(t)
	n, err := jsonrpc.NewNotification("notifications/cancelled", map[string]any{"requestId": 3})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.ForwardOutbound(n); err != nil {
		t.Fatalf("forward cancel: %v", err)
	}
	if sent := u.next(t); sent.Method != "notifications/cancelled" {
		t.Fatalf("cancel notice not forwarded: %s", sent.Raw)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
	u.reply(t, `{"jsonrpc":"2.0","id":3,"result":{}}`)
	expectSilence(t, r)
}

func TestRouter_TerminationFailsPendingInOrder(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	for _, id := range []int{1, 2} {
		if err := r.ForwardOutbound(request(t, id, "slow", nil)); err != nil {
			t.Fatalf("forward: %v", err)
		}
		u.next(t)
	}
	u.setState(session.Terminating)
	for _, want := range []string{"1", "2"} {
		f := recv(t, r)
		code, tag := errorData(t, f)
		if f.Key() != want || code != mcperr.CodeServerError || tag != mcperr.ErrProviderUnavailable {
			t.Fatalf("unexpected %s", f.Raw)
		}
	}
	if err := r.ForwardOutbound(request(t, 3, "ping", nil)); !errors.Is(err, mcperr.ErrSessionClosed) {
		t.Fatalf("forward after close: %v", err)
	}
	if _, tag := errorData(t, recv(t, r)); tag != mcperr.ErrProviderUnavailable {
		t.Fatalf("late request not answered locally")
	}
}

func TestRouter_FailureAfterResponseKeepsResponse(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	if err := r.ForwardOutbound(request(t, 1, "echo", nil)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	u.next(t)
	u.reply(t, `{"jsonrpc":"2.0","id":1,"result":{"ok":true}}`)
	u.setState(session.Failed)
	if f := recv(t, r); f.Key() != "1" || f.Err() != nil {
		t.Fatalf("unexpected %s", f.Raw)
	}
	expectSilence(t, r)
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
}

func TestRouter_BackpressureAnswered(t *testing.T) {
	u := newFakeUpstream()
	u.sendErr = mcperr.ErrBackpressure
	r := start(t, u, Config{})
	if err := r.ForwardOutbound(request(t, 1, "ping", nil)); !errors.Is(err, mcperr.ErrBackpressure) {
		t.Fatalf("err = %v", err)
	}
	if _, tag := errorData(t, recv(t, r)); tag != mcperr.ErrLimitExceeded {
		t.Fatalf("tag = %s", tag)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
}

func TestRouter_ReservedAndDuplicateIDs(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	if err := r.ForwardOutbound(request(t, "mcprun-x", "ping", nil)); err == nil {
		t.Fatalf("reserved id accepted")
	}
	if code, _ := errorData(t, recv(t, r)); code != mcperr.CodeInvalidRequest {
		t.Fatalf("code = %d", code)
	}
	if err := r.ForwardOutbound(request(t, 1, "slow", nil)); err != nil {
		t.Fatal(err)
	}
	u.next(t)
	var pe *mcperr.ProtocolError
	if err := r.ForwardOutbound(request(t, 1, "slow", nil)); !errors.As(err, &pe) {
		t.Fatalf("duplicate id: %v", err)
	}
}

func TestRouter_InitializeEnforcesCapabilities(t *testing.T) {
	u := newFakeUpstream()
	caps := map[string]any{"roots": map[string]any{"listChanged": true}}
	r := start(t, u, Config{Capabilities: caps, EnforceCapabilities: true})
	init := request(t, 0, string(mcp.MethodInitialize), map[string]any{
		"protocolVersion": mcp.LATEST_PROTOCOL_VERSION,
		"capabilities":    map[string]any{"sampling": map[string]any{}},
		"clientInfo":      map[string]any{"name": "ide", "version": "1"},
	})
	if err := r.ForwardOutbound(init); err != nil {
		t.Fatal(err)
	}
	sent := u.next(t)
	var params struct {
		Capabilities map[string]any `json:"capabilities"`
		ClientInfo   map[string]any `json:"clientInfo"`
	}
	if err := json.Unmarshal(sent.Params, &params); err != nil {
		t.Fatal(err)
	}
	if _, ok := params.Capabilities["sampling"]; ok {
		t.Fatalf("unconfigured capability advertised: %v", params.Capabilities)
	}
	if _, ok := params.Capabilities["roots"]; !ok || params.ClientInfo["name"] != "ide" {
		t.Fatalf("unexpected params %s", sent.Params)
	}
	if sent.Key() != "0" {
		t.Fatalf("id changed: %s", sent.Key())
	}

	n, _ := jsonrpc.NewNotification("notifications/initialized", nil)
	if err := r.ForwardOutbound(n); err != nil {
		t.Fatal(err)
	}
	u.next(t)
	u.mu.Lock()
	got := strings.Join(u.handshake, ",")
	u.mu.Unlock()
	if got != "initialize,notifications/initialized" {
		t.Fatalf("handshake recorded %q", got)
	}
}

func TestRouter_RunnerInitialize(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{ClientInfo: mcp.Implementation{Name: "probe", Version: "1"}})
	go func() {
		f := <-u.sent
		res := `{"jsonrpc":"2.0","id":` + string(f.ID) + `,"result":{"protocolVersion":"` + mcp.LATEST_PROTOCOL_VERSION + `","capabilities":{"tools":{}},"serverInfo":{"name":"srv","version":"2"}}}`
		p, _ := jsonrpc.Parse([]byte(res))
		u.in <- p
	}()
	res, err := r.Initialize(context.Background())
	if err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if res.ServerInfo.Name != "srv" {
		t.Fatalf("server info %+v", res.ServerInfo)
	}
	if n := u.next(t); n.Method != "notifications/initialized" {
		t.Fatalf("expected initialized, got %s", n.Raw)
	}
	expectSilence(t, r)
}

func TestRouter_RunnerInitializeRejectsUnknownVersion(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	go func() {
		f := <-u.sent
		p, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":` + string(f.ID) + `,"result":{"protocolVersion":"1999-01-01","capabilities":{},"serverInfo":{"name":"old","version":"0"}}}`))
		u.in <- p
	}()
	var uerr mcp.UnsupportedProtocolVersionError
	if _, err := r.Initialize(context.Background()); !errors.As(err, &uerr) {
		t.Fatalf("err = %v", err)
	}
}

func TestRouter_CallContextCancelled(t *testing.T) {
	u := newFakeUpstream()
	r := start(t, u, Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := r.Call(ctx, "slow", nil); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("err = %v", err)
	}
	if r.Pending() != 0 {
		t.Fatalf("pending = %d", r.Pending())
	}
	expectSilence(t, r)
}

func TestRouter_ProbeUsesPing(t *testing.T) {
	u := newFakeUpstream()
	start(t, u, Config{})
	go func() {
		f := <-u.sent
		p, _ := jsonrpc.Parse([]byte(`{"jsonrpc":"2.0","id":` + string(f.ID) + `,"result":{}}`))
		u.in <- p
	}()
	if err := u.probe(context.Background()); err != nil {
		t.Fatalf("probe: %v", err)
	}
}

func TestRouter_WithPipeSession(t *testing.T) {
	cmd, args, env := mcptest.PipeCommand(mcptest.ModeBasic)
	s := session.New(session.Config{Transport: "stdio"}, func(ctx context.Context, opts transport.Options) (transport.Binding, error) {
		return transport.StartPipe(ctx, transport.PipeConfig{Command: cmd, Args: args, Env: env}, opts)
	})
	r := New(s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start()
	go func() { _ = r.Run(ctx) }()

	if err := r.ForwardOutbound(request(t, 1, "progress", nil)); err != nil {
		t.Fatalf("forward: %v", err)
	}
	if f := recv(t, r); f.Method != "notifications/progress" {
		t.Fatalf("expected progress first, got %s", f.Raw)
	}
	if f := recv(t, r); f.Key() != "1" {
		t.Fatalf("expected response, got %s", f.Raw)
	}
	if err := r.Ping(ctx); err != nil {
		t.Fatalf("ping: %v", err)
	}

	if err := r.ForwardOutbound(request(t, 2, "slow", map[string]any{"ms": 300})); err != nil {
		t.Fatalf("forward: %v", err)
	}
	go func() { _ = s.Close(context.Background()) }()
	f := recv(t, r)
	if _, tag := errorData(t, f); f.Key() != "2" || tag != mcperr.ErrProviderUnavailable {
		t.Fatalf("unexpected %s", f.Raw)
	}
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("router did not stop after session close")
	}
}

func TestRouter_PipeExitAfterAnswer(t *testing.T) {
	cmd, args, env := mcptest.PipeCommand(mcptest.ModeBasic)
	s := session.New(session.Config{Transport: "stdio"}, func(ctx context.Context, opts transport.Options) (transport.Binding, error) {
		return transport.StartPipe(ctx, transport.PipeConfig{Command: cmd, Args: args, Env: env}, opts)
	})
	r := New(s, Config{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.Start()
	go func() { _ = r.Run(ctx) }()

	if err := r.ForwardOutbound(request(t, 1, "last", map[string]any{"notify": 300})); err != nil {
		t.Fatalf("forward: %v", err)
	}
	for i := 0; i < 300; i++ {
		if f := recv(t, r); f.Method != "notifications/progress" {
			t.Fatalf("frame %d: expected progress, got %s", i, f.Raw)
		}
		time.Sleep(time.Millisecond)
	}
	if f := recv(t, r); f.Key() != "1" || f.Err() != nil {
		t.Fatalf("expected the real response, got %s", f.Raw)
	}
	select {
	case <-r.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("router did not stop after the upstream exited")
	}
}

func TestMatchMethod(t *testing.T) {
	tests := []struct {
		pattern, method string
		want            bool
	}{
		{"*", "notifications/progress", true},
		{"notifications/*", "notifications/progress", true},
		{"notifications/*", "tools/list", false},
		{"notifications/progress", "notifications/progress", true},
		{"notifications/progress", "notifications/progressive", false},
	}
	for _, tt := range tests {
		if got := matchMethod(tt.pattern, tt.method); got != tt.want {
			t.Fatalf("matchMethod(%q, %q) = %v", tt.pattern, tt.method, got)
		}
	}
}
