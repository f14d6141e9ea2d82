package session

import (
	"cmp"
	"context"
	"errors"
	"slices"
	"time"

	"github.com/google/uuid"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/reconnect"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

func (s *Session) run() {
	b, err := s.dialOnce()
	if err != nil && s.cfg.Reconnect && mcperr.IsRetryable(err) && !s.closing() {
		logx.Log.Warn().Err(err).Str("session", s.cfg.ID).Msg("initial connect failed")
		b, err = s.reconnect()
	}
	if err != nil {
		s.end(nil, err)
		return
	}
	drained := s.attach(b, false)

	for {
		err := s.supervise(b, drained)
		if errors.Is(err, errClosing) {
			s.terminate(b)
			return
		}
		if !s.cfg.Reconnect || !mcperr.IsRetryable(err) {
			s.end(b, err)
			return
		}
		logx.Log.Warn().Err(err).Str("session", s.cfg.ID).Msg("upstream connection lost")
		s.detach(b)
		go func(old transport.Binding) {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TerminateTimeout)
			defer cancel()
			_ = old.Close(ctx)
		}(b)
		b, err = s.reconnect()
		if err != nil {
			s.end(nil, err)
			return
		}
		drained = s.attach(b, true)
	}
}

func (s *Session) transportOptions() transport.Options {
	return transport.Options{
		Session:         s.cfg.ID,
		MaxFrameBytes:   s.cfg.MaxFrameBytes,
		OnActivity:      s.Touch,
		OnProtocolError: s.protocolError,
		Diag:            s.cfg.Diag,
	}
}

// dialOnce opens one binding within the connect timeout.
func (s *Session) dialOnce() (transport.Binding, error) {
	ctx, cancel := context.WithTimeout(s.closeCtx, s.cfg.ConnectTimeout)
	defer cancel()
	b, err := s.dial(ctx, s.transportOptions())
	if err == nil {
		return b, nil
	}
	if s.closing() {
		return nil, errClosing
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil, &mcperr.TimeoutError{Op: "connect", After: s.cfg.ConnectTimeout}
	}
	return nil, err
}

// reconnect runs the bounded backoff loop in the Retrying state.
func (s *Session) reconnect() (transport.Binding, error) {
	s.transition(Retrying)
	var b transport.Binding
	onWait := func(attempt int, delay time.Duration) {
		s.mu.Lock()
		s.retries = attempt
		s.mu.Unlock()
		metrics.RecordReconnectAttempt()
		logx.Log.Info().Str("session", s.cfg.ID).Int("attempt", attempt).Dur("delay", delay).Msg("reconnecting")
		s.emit(diag.KindReconnect, diag.LevelWarn, "reconnect attempt", map[string]any{
			"attempt": attempt, "maxAttempts": s.cfg.MaxAttempts, "delay": delay.String(),
		})
	}
	err := reconnect.Retry(s.closeCtx, s.cfg.Backoff, s.cfg.MaxAttempts, onWait, func(ctx context.Context, attempt int) error {
		nb, err := s.dialOnce()
		if err != nil {
			logx.Log.Debug().Err(err).Str("session", s.cfg.ID).Int("attempt", attempt).Msg("reconnect failed")
			if errors.Is(err, errClosing) || !mcperr.IsRetryable(err) {
				return reconnect.Stop(err)
			}
			return err
		}
		b = nb
		return nil
	})
	if err != nil {
		if s.closing() {
			return nil, errClosing
		}
		return nil, err
	}
	s.mu.Lock()
	s.retries = 0
	s.reconnects++
	s.mu.Unlock()
	return b, nil
}

// attach makes b the current binding. On a reconnect the frames still owed to
// the upstream are rebuilt: requests sent on the lost binding and not yet
// answered, then everything queued, in original order. When the server lost
// the logical session the recorded handshake goes first. The returned channel
// closes once every frame b produced has been handed to Inbound.
func (s *Session) attach(b transport.Binding, reconnected bool) <-chan struct{} {
	s.mu.Lock()
	s.binding = b
	replayed := 0
	handshake := false
	if reconnected {
		merged := make([]item, 0, len(s.inflight)+len(s.queue))
		for _, it := range s.inflight {
			if !s.discarded(it) {
				merged = append(merged, it)
			}
		}
		merged = append(merged, s.queue...)
		slices.SortStableFunc(merged, func(a, c item) int { return cmp.Compare(a.seq, c.seq) })
		replayed = len(merged)
		s.inflight = nil

		if r, ok := b.(transport.Resumer); ok && !r.Resumed() && s.hsInit != nil && s.discarded(item{f: *s.hsInit}) {
			hs := s.handshakeItems()
			merged = append(hs, merged...)
			handshake = len(hs) > 0
		}
		s.queue = merged
	}
	s.mu.Unlock()

	drained := make(chan struct{})
	go s.pump(b, drained)
	s.Touch()
	s.transition(Active)

	if reconnected {
		fields := map[string]any{"replayed": replayed, "handshakeReplayed": handshake}
		logx.Log.Info().Str("session", s.cfg.ID).Int("replayed", replayed).Bool("handshake", handshake).Msg("reconnected")
		s.emit(diag.KindGap, diag.LevelWarn, "reconnected; server notifications sent while disconnected may have been lost", fields)
	}
	return drained
}

// handshakeItems rebuilds the recorded handshake under a fresh internal id.
// Callers hold s.mu.
func (s *Session) handshakeItems() []item {
	init, err := jsonrpc.WithID(*s.hsInit, jsonrpc.InternalPrefix+uuid.NewString())
	if err != nil {
		logx.Log.Warn().Err(err).Str("session", s.cfg.ID).Msg("cannot replay initialize")
		return nil
	}
	out := []item{{f: init, force: true}}
	if s.hsDone != nil {
		out = append(out, item{f: *s.hsDone, force: true})
	}
	return out
}

func (s *Session) detach(b transport.Binding) {
	s.mu.Lock()
	if s.binding == b {
		s.binding = nil
	}
	s.mu.Unlock()
}

// discarded reports whether a queued request is no longer owed upstream.
// Callers hold s.mu.
func (s *Session) discarded(it item) bool {
	if it.force || it.f.Kind != jsonrpc.KindRequest || s.discard == nil {
		return false
	}
	return s.discard(it.f)
}

// pump forwards b's frames to Inbound and closes drained when b is done and
// nothing it produced is left undelivered.
func (s *Session) pump(b transport.Binding, drained chan<- struct{}) {
	defer close(drained)
	for {
		select {
		case f := <-b.Inbound():
			if !s.handOff(f) {
				return
			}
		case <-b.Done():
			for {
				select {
				case f := <-b.Inbound():
					if !s.handOff(f) {
						return
					}
				default:
					return
				}
			}
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *Session) handOff(f jsonrpc.Frame) bool {
	select {
	case s.in <- f:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// supervise watches b until it fails and its frames are drained, the
// heartbeat expires or Close is requested.
func (s *Session) supervise(b transport.Binding, drained <-chan struct{}) error {
	var tick <-chan time.Time
	if s.cfg.IdleThreshold > 0 {
		ticker := time.NewTicker(heartbeatTick(s.cfg.IdleThreshold, s.cfg.StaleGrace))
		defer ticker.Stop()
		tick = ticker.C
	}
	for {
		select {
		case <-drained:
			if s.closing() {
				return errClosing
			}
			if err := b.Err(); err != nil {
				return err
			}
			return &mcperr.TransportError{Op: "receive", Err: errors.New("upstream closed the connection")}
		case <-s.closeCtx.Done():
			return errClosing
		case <-s.activity:
			if s.State() == Stale {
				s.transition(Active)
			}
		case <-tick:
			if err := s.heartbeat(); err != nil {
				return err
			}
		}
	}
}

func (s *Session) heartbeat() error {
	now := time.Now()
	last := time.Unix(0, s.lastActivity.Load())
	s.mu.Lock()
	state := s.state
	staleAt := s.staleAt
	probe := s.probe
	s.pruneInflight()
	s.mu.Unlock()

	switch state {
	case Active:
		if now.Sub(last) < s.cfg.IdleThreshold {
			return nil
		}
		s.transition(Stale)
		if probe != nil {
			go func() {
				ctx, cancel := context.WithTimeout(s.closeCtx, s.cfg.StaleGrace)
				defer cancel()
				if err := probe(ctx); err != nil {
					logx.Log.Debug().Err(err).Str("session", s.cfg.ID).Msg("keep-alive probe failed")
				}
			}()
		}
	case Stale:
		if last.After(staleAt) {
			s.transition(Active)
			return nil
		}
		if now.Sub(staleAt) >= s.cfg.StaleGrace {
			return &mcperr.TimeoutError{Op: "heartbeat", After: s.cfg.IdleThreshold + s.cfg.StaleGrace}
		}
	}
	return nil
}

// pruneInflight forgets sent requests that have been answered. Callers hold s.mu.
func (s *Session) pruneInflight() {
	if len(s.inflight) == 0 {
		return
	}
	kept := s.inflight[:0]
	for _, it := range s.inflight {
		if !s.discarded(it) {
			kept = append(kept, it)
		}
	}
	clear(s.inflight[len(kept):])
	s.inflight = kept
}

func heartbeatTick(idle, grace time.Duration) time.Duration {
	d := min(idle, grace) / 4
	return max(10*time.Millisecond, min(d, time.Second))
}

// writeLoop drains the queue onto the current binding while the session can send.
func (s *Session) writeLoop() {
	for {
		select {
		case <-s.wake:
		case <-s.ctx.Done():
			return
		}
		for s.writeOne() {
		}
	}
}

func (s *Session) writeOne() bool {
	s.mu.Lock()
	if !s.state.canSend() || s.binding == nil || len(s.queue) == 0 {
		s.mu.Unlock()
		return false
	}
	it := s.queue[0]
	s.queue[0] = item{}
	s.queue = s.queue[1:]
	if s.discarded(it) {
		s.mu.Unlock()
		logx.Log.Debug().Str("session", s.cfg.ID).Str("id", it.f.Key()).Msg("dropping answered or cancelled request from queue")
		return true
	}
	b := s.binding
	s.mu.Unlock()

	err := b.Send(s.ctx, it.f)

	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		logx.Log.Debug().Err(err).Str("session", s.cfg.ID).Str("method", it.f.Method).Msg("send failed")
		if s.cfg.Reconnect && s.binding == b && !it.force {
			s.queue = append([]item{it}, s.queue...)
		}
		return false
	}
	metrics.RecordFrame("upstream", it.f.Kind.String())
	if s.cfg.Reconnect && it.f.Kind == jsonrpc.KindRequest && !it.force {
		s.inflight = append(s.inflight, it)
		if len(s.inflight) > s.cfg.MaxQueue {
			s.pruneInflight()
		}
	}
	return true
}

// terminate performs the explicit shutdown: Terminating, the binding's close
// handshake bounded by TerminateTimeout, then Closed.
func (s *Session) terminate(b transport.Binding) {
	s.transition(Terminating)
	s.detach(b)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TerminateTimeout)
	defer cancel()
	if err := b.Close(ctx); err != nil {
		logx.Log.Warn().Err(err).Str("session", s.cfg.ID).Msg("upstream shutdown handshake failed")
	}
	s.finish(Closed, nil)
}

// end finishes a session that cannot continue. A close request that raced
// with the failure still ends in Closed.
func (s *Session) end(b transport.Binding, err error) {
	if errors.Is(err, errClosing) || (err == nil && s.closing()) {
		s.transition(Terminating)
		if b != nil {
			s.detach(b)
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TerminateTimeout)
			_ = b.Close(ctx)
			cancel()
		}
		s.finish(Closed, nil)
		return
	}
	if errors.Is(err, reconnect.ErrExhausted) {
		logx.Log.Error().Err(err).Str("session", s.cfg.ID).Int("attempts", s.cfg.MaxAttempts).Msg("upstream unavailable")
	} else {
		logx.Log.Error().Err(err).Str("session", s.cfg.ID).Msg("upstream unavailable")
	}
	fields := map[string]any{"error": err.Error()}
	kind := diag.KindState
	var te *mcperr.TransportError
	if errors.As(err, &te) && te.Op == "pipe" {
		kind = diag.KindUpstreamExit
		fields["exitCode"] = te.ExitCode
	}
	s.emit(kind, diag.LevelError, "upstream unavailable", fields)

	s.mu.Lock()
	s.err = err
	s.mu.Unlock()
	s.finish(Failed, b)
}

// finish enters the terminal state. Listeners run before the binding is
// released so pending requests are resolved first.
func (s *Session) finish(to State, b transport.Binding) {
	s.transition(to)
	s.mu.Lock()
	s.queue = nil
	s.inflight = nil
	s.binding = nil
	s.mu.Unlock()
	if b != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.TerminateTimeout)
		_ = b.Close(ctx)
		cancel()
	}
	s.cancel()
	close(s.done)
}
