// Package proxy relays newline-delimited JSON-RPC between the caller's duplex
// stream and a router.
package proxy

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/router"
)

// Session is the part of the upstream session the proxy drives.
type Session interface {
	Close(ctx context.Context) error
	Done() <-chan struct{}
}

// Config tunes a proxy.
type Config struct {
	Session string
	// TerminateTimeout bounds both the wait for in-flight answers after the
	// caller hangs up and the session's shutdown.
	TerminateTimeout time.Duration
	MaxLineBytes     int
}

// Proxy pumps frames in both directions until either side ends.
type Proxy struct {
	r    *router.Router
	sess Session
	in   io.Reader
	out  io.Writer
	cfg  Config

	local chan jsonrpc.Frame
}

// New returns a proxy reading caller frames from in and writing upstream frames to out.
func New(r *router.Router, sess Session, in io.Reader, out io.Writer, cfg Config) *Proxy {
	if cfg.TerminateTimeout <= 0 {
		cfg.TerminateTimeout = 5 * time.Second
	}
	return &Proxy{r: r, sess: sess, in: in, out: out, cfg: cfg, local: make(chan jsonrpc.Frame, 16)}
}

// Run relays until the caller closes its input, the session ends or ctx is
// done, and always leaves the session closed. It returns the session's
// terminal error, if any.
func (p *Proxy) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	// Reads from the caller cannot be interrupted, so the reader lives
	// outside the group and only reports EOF.
	callerDone := make(chan struct{})
	go func() {
		defer close(callerDone)
		p.readCaller(gctx)
	}()

	var routeErr error
	g.Go(func() error {
		routeErr = p.r.Run(gctx)
		return nil
	})
	g.Go(p.writeCaller)
	g.Go(func() error {
		select {
		case <-callerDone:
			logx.Log.Debug().Str("session", p.cfg.Session).Msg("caller closed input")
			p.awaitPending()
		case <-p.sess.Done():
			return nil
		case <-gctx.Done():
		}
		cctx, cancel := context.WithTimeout(context.Background(), p.cfg.TerminateTimeout)
		defer cancel()
		return p.sess.Close(cctx)
	})

	err := g.Wait()
	if routeErr != nil && !errors.Is(routeErr, context.Canceled) {
		return routeErr
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func (p *Proxy) readCaller(ctx context.Context) {
	dec := jsonrpc.NewLineDecoder(p.in, p.cfg.MaxLineBytes)
	for f, err := range dec.Frames() {
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			var pe *mcperr.ProtocolError
			if !errors.As(err, &pe) {
				logx.Log.Warn().Err(err).Str("session", p.cfg.Session).Msg("caller input failed")
				return
			}
			metrics.RecordProtocolError("caller")
			logx.Log.Warn().Err(err).Str("session", p.cfg.Session).Msg("invalid frame from caller")
			p.reject(ctx, pe)
			continue
		}
		metrics.RecordFrame("caller", f.Kind.String())
		if err := p.r.ForwardOutbound(f); err != nil {
			logx.Log.Debug().Err(err).Str("session", p.cfg.Session).Str("method", f.Method).Msg("caller frame not forwarded")
		}
	}
}

// reject answers an undecodable caller line. The id is unknown, so the
// answer carries a null id. It waits for the writer unless the router has
// already stopped.
func (p *Proxy) reject(ctx context.Context, pe *mcperr.ProtocolError) {
	code := mcperr.CodeInvalidRequest
	if pe.Err != nil {
		code = mcperr.CodeParseError
	}
	select {
	case p.local <- jsonrpc.NewErrorResponse(nil, code, pe.Reason, nil):
	case <-p.r.Done():
		logx.Log.Warn().Str("session", p.cfg.Session).Int("code", code).Msg("caller stream closed; rejection not sent")
	case <-ctx.Done():
		logx.Log.Debug().Str("session", p.cfg.Session).Int("code", code).Msg("rejection not sent")
	}
}

// awaitPending gives in-flight requests a chance to be answered after the
// caller has closed its input.
func (p *Proxy) awaitPending() {
	deadline := time.NewTimer(p.cfg.TerminateTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(10 * time.Millisecond)
	defer tick.Stop()
	for p.r.Pending() > 0 {
		select {
		case <-deadline.C:
			logx.Log.Warn().Str("session", p.cfg.Session).Int("pending", p.r.Pending()).Msg("closing with requests in flight")
			return
		case <-p.sess.Done():
			return
		case <-tick.C:
		}
	}
}

// writeCaller is the only writer of the caller stream. It runs until the
// router stops, then drains what is left.
func (p *Proxy) writeCaller() error {
	w := bufio.NewWriter(p.out)
	write := func(f jsonrpc.Frame) error {
		if _, err := w.Write(jsonrpc.EncodeLine(f)); err != nil {
			return err
		}
		if len(p.r.Outbound()) == 0 && len(p.local) == 0 {
			return w.Flush()
		}
		return nil
	}
	for {
		select {
		case f := <-p.r.Outbound():
			if err := write(f); err != nil {
				return err
			}
		case f := <-p.local:
			if err := write(f); err != nil {
				return err
			}
		case <-p.r.Done():
			for {
				select {
				case f := <-p.r.Outbound():
					if err := write(f); err != nil {
						return err
					}
				case f := <-p.local:
					if err := write(f); err != nil {
						return err
					}
				default:
					return w.Flush()
				}
			}
		}
	}
}
