// Package session wraps a transport binding with connection lifecycle:
// connect, heartbeat, idle detection, bounded reconnection with an ordered
// replay queue, and graceful termination.
package session

import (
	"context"
	"errors"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/reconnect"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

// Dialer opens one physical connection. It is called again for every
// reconnect with the same options.
type Dialer func(ctx context.Context, opts transport.Options) (transport.Binding, error)

// Config holds fully resolved session parameters.
type Config struct {
	// ID labels logs and diagnostics. Empty assigns a random id.
	ID string
	// Transport names the binding kind for reporting ("stdio", "http").
	Transport string
	// Reconnect enables the Retrying path. Pipe sessions leave it off since
	// process death is terminal.
	Reconnect bool

	ConnectTimeout time.Duration
	// IdleThreshold enables the heartbeat when positive.
	IdleThreshold    time.Duration
	StaleGrace       time.Duration
	TerminateTimeout time.Duration

	MaxAttempts int
	Backoff     reconnect.Backoff

	// MaxQueue bounds frames waiting to be written.
	MaxQueue      int
	MaxFrameBytes int

	Diag diag.Sink
}

// Info is a point-in-time view of a session.
type Info struct {
	ID           string    `json:"id"`
	Transport    string    `json:"transport"`
	State        State     `json:"state"`
	Since        time.Time `json:"since"`
	Retries      int       `json:"retries"`
	Reconnects   int       `json:"reconnects"`
	LastActivity time.Time `json:"lastActivity"`
	// HeartbeatDeadline is when the session goes stale (Active) or starts
	// reconnecting (Stale) without further inbound activity.
	HeartbeatDeadline time.Time `json:"heartbeatDeadline,omitzero"`
	Queued            int       `json:"queued"`
	Error             string    `json:"error,omitempty"`
}

type item struct {
	seq uint64
	f   jsonrpc.Frame
	// force bypasses the discard predicate (handshake replay).
	force bool
}

const methodInitialized = "notifications/initialized"

var errClosing = errors.New("session closing")

// Session owns one logical upstream connection.
type Session struct {
	cfg  Config
	dial Dialer

	lastActivity atomic.Int64
	stale        atomic.Bool
	activity     chan struct{}

	mu         sync.Mutex
	state      State
	since      time.Time
	staleAt    time.Time
	binding    transport.Binding
	queue      []item
	inflight   []item
	seq        uint64
	retries    int
	reconnects int
	hsInit     *jsonrpc.Frame
	hsDone     *jsonrpc.Frame
	discard    func(jsonrpc.Frame) bool
	probe      func(ctx context.Context) error
	listeners  []func(from, to State)
	err        error
	started    bool

	wake chan struct{}
	in   chan jsonrpc.Frame

	ctx         context.Context
	cancel      context.CancelFunc
	closeCtx    context.Context
	closeCancel context.CancelFunc
	closeOnce   sync.Once
	done        chan struct{}
}

// New returns a session in the Connecting state. Start begins connecting.
func New(cfg Config, dial Dialer) *Session {
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = 10 * time.Second
	}
	if cfg.StaleGrace <= 0 {
		cfg.StaleGrace = 10 * time.Second
	}
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 5 * time.Second
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 6
	}
	if cfg.MaxQueue <= 0 {
		cfg.MaxQueue = 1024
	}
	if cfg.Diag == nil {
		cfg.Diag = diag.Discard
	}
	ctx, cancel := context.WithCancel(context.Background())
	closeCtx, closeCancel := context.WithCancel(ctx)
	s := &Session{
		cfg:         cfg,
		dial:        dial,
		activity:    make(chan struct{}, 1),
		state:       Connecting,
		since:       time.Now(),
		wake:        make(chan struct{}, 1),
		in:          make(chan jsonrpc.Frame),
		ctx:         ctx,
		cancel:      cancel,
		closeCtx:    closeCtx,
		closeCancel: closeCancel,
		done:        make(chan struct{}),
	}
	s.lastActivity.Store(time.Now().UnixNano())
	return s
}

// ID returns the session id.
func (s *Session) ID() string { return s.cfg.ID }

// Start launches the connection lifecycle. It does not wait for the first
// connection; frames sent meanwhile are queued.
func (s *Session) Start() {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return
	}
	s.started = true
	s.mu.Unlock()
	go s.writeLoop()
	go s.run()
}

// Send queues f for the upstream. Frames are written strictly in Send order.
func (s *Session) Send(f jsonrpc.Frame) error {
	s.mu.Lock()
	if s.state.Terminal() || s.state == Terminating {
		s.mu.Unlock()
		return mcperr.ErrSessionClosed
	}
	if len(s.queue) >= s.cfg.MaxQueue {
		s.mu.Unlock()
		return mcperr.ErrBackpressure
	}
	s.seq++
	s.queue = append(s.queue, item{seq: s.seq, f: f})
	s.mu.Unlock()
	s.signal()
	return nil
}

// Inbound yields every frame received from the upstream, across reconnects.
func (s *Session) Inbound() <-chan jsonrpc.Frame { return s.in }

// Done is closed once the session reaches Failed or Closed.
func (s *Session) Done() <-chan struct{} { return s.done }

// Err returns the failure that ended the session; nil after a clean Close.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}

// State returns the current state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a snapshot for status reporting.
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()
	last := time.Unix(0, s.lastActivity.Load())
	info := Info{
		ID:           s.cfg.ID,
		Transport:    s.cfg.Transport,
		State:        s.state,
		Since:        s.since,
		Retries:      s.retries,
		Reconnects:   s.reconnects,
		LastActivity: last,
		Queued:       len(s.queue),
	}
	if s.cfg.IdleThreshold > 0 {
		switch s.state {
		case Active:
			info.HeartbeatDeadline = last.Add(s.cfg.IdleThreshold)
		case Stale:
			info.HeartbeatDeadline = s.staleAt.Add(s.cfg.StaleGrace)
		}
	}
	if s.err != nil {
		info.Error = s.err.Error()
	}
	return info
}

// Binding returns the current physical connection, if any.
func (s *Session) Binding() transport.Binding {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binding
}

// OnState registers fn for every state transition. Listeners run on the
// goroutine performing the transition and must not call back into blocking
// session methods.
func (s *Session) OnState(fn func(from, to State)) {
	s.mu.Lock()
	s.listeners = append(s.listeners, fn)
	s.mu.Unlock()
}

// Touch records inbound activity.
func (s *Session) Touch() {
	s.lastActivity.Store(time.Now().UnixNano())
	if s.stale.Load() {
		select {
		case s.activity <- struct{}{}:
		default:
		}
	}
}

// RecordHandshake remembers the initialize request and the initialized
// notification so they can be replayed when a reconnect lands on a server
// that no longer knows the session.
func (s *Session) RecordHandshake(f jsonrpc.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case f.Kind == jsonrpc.KindRequest && f.Method == string(mcp.MethodInitialize):
		s.hsInit = &f
	case f.Kind == jsonrpc.KindNotification && f.Method == methodInitialized:
		s.hsDone = &f
	}
}

// SetDiscard installs the predicate that drops queued requests which no
// longer need to reach the upstream (answered or cancelled).
func (s *Session) SetDiscard(fn func(jsonrpc.Frame) bool) {
	s.mu.Lock()
	s.discard = fn
	s.mu.Unlock()
}

// SetProbe installs the keep-alive sent when the session turns stale.
func (s *Session) SetProbe(fn func(ctx context.Context) error) {
	s.mu.Lock()
	s.probe = fn
	s.mu.Unlock()
}

// Close moves the session to Terminating, performs the shutdown handshake
// and waits for Closed or for ctx to end.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		started := s.started
		s.started = true
		s.mu.Unlock()
		s.closeCancel()
		if !started {
			go s.finish(Closed, nil)
		}
	})
	select {
	case <-s.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Session) signal() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Session) closing() bool { return s.closeCtx.Err() != nil }

func (s *Session) transition(to State) {
	s.mu.Lock()
	from := s.state
	if from == to || from.Terminal() {
		s.mu.Unlock()
		return
	}
	s.state = to
	s.since = time.Now()
	if to == Stale {
		s.staleAt = s.since
	}
	s.stale.Store(to == Stale)
	listeners := slices.Clone(s.listeners)
	s.mu.Unlock()

	logx.Log.Info().Str("session", s.cfg.ID).Str("transport", s.cfg.Transport).Str("from", from.String()).Str("state", to.String()).Msg("session state")
	metrics.RecordTransition(from.String(), to.String())
	level := diag.LevelInfo
	if to == Stale || to == Retrying {
		level = diag.LevelWarn
	}
	s.emit(diag.KindState, level, "session "+to.String(), map[string]any{"from": from.String(), "to": to.String()})
	for _, fn := range listeners {
		fn(from, to)
	}
	if to.canSend() {
		s.signal()
	}
}

func (s *Session) emit(kind diag.Kind, level, msg string, fields map[string]any) {
	s.cfg.Diag.Emit(diag.Event{Session: s.cfg.ID, Kind: kind, Level: level, Message: msg, Fields: fields})
}

func (s *Session) protocolError(err error) {
	metrics.RecordProtocolError("upstream")
	logx.Log.Warn().Err(err).Str("session", s.cfg.ID).Msg("dropping undecodable upstream frame")
	s.emit(diag.KindProtocol, diag.LevelWarn, err.Error(), nil)
}
