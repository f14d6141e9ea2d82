// Package runner assembles a session, its router and the optional inspection
// services from a resolved configuration.
package runner

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net/http"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/mcprun/internal/config"
	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/proxy"
	"github.com/gaspardpetit/mcprun/internal/reconnect"
	"github.com/gaspardpetit/mcprun/internal/router"
	"github.com/gaspardpetit/mcprun/internal/secret"
	"github.com/gaspardpetit/mcprun/internal/session"
	"github.com/gaspardpetit/mcprun/internal/statestore"
	"github.com/gaspardpetit/mcprun/internal/status"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

// Options carries process-level collaborators.
type Options struct {
	// Version is advertised in the runner's own initialize requests.
	Version string
	// Gatherer backs /metrics on the inspection and metrics servers.
	Gatherer prometheus.Gatherer
	// Stderr receives the upstream child's stderr. Nil selects os.Stderr.
	Stderr io.Writer
}

// Stack is one assembled, not yet started, session.
type Stack struct {
	Config  config.Config
	Session *session.Session
	Router  *router.Router
	Diag    *diag.Hub
}

// Build wires the transport dialer, session, router and diagnostic hub for cfg.
func Build(cfg config.Config, opts Options) (*Stack, error) {
	if opts.Stderr == nil {
		opts.Stderr = os.Stderr
	}
	if opts.Version == "" {
		opts.Version = "dev"
	}
	id := uuid.NewString()
	hub := diag.NewHub(logx.Log.With().Str("session", id).Logger())

	var dial session.Dialer
	switch cfg.Transport {
	case config.TransportStdio:
		pc := transport.PipeConfig{
			Command:     cfg.Stdio.Command,
			Args:        cfg.Stdio.Args,
			Env:         config.BuildEnv(cfg.Stdio.Env),
			Dir:         cfg.Stdio.WorkDir,
			Stderr:      hub.StderrWriter(opts.Stderr, id),
			KillTimeout: cfg.TerminateTimeout / 2,
		}
		logx.Log.Info().Str("session", id).Str("command", pc.Command).Strs("args", pc.Args).Msg("stdio upstream")
		dial = func(ctx context.Context, o transport.Options) (transport.Binding, error) {
			return transport.StartPipe(ctx, pc, o)
		}
	case config.TransportHTTP:
		hc := transport.HTTPConfig{
			URL:                 cfg.HTTP.URL,
			Headers:             cfg.HTTP.Headers,
			Client:              httpClient(cfg.HTTP),
			ContinuousListening: cfg.HTTP.ContinuousListening,
		}
		hdr := http.Header{}
		for k, v := range cfg.HTTP.Headers {
			hdr.Set(k, v)
		}
		logx.Log.Info().Str("session", id).Str("url", secret.MaskURL(hc.URL)).Interface("headers", secret.MaskHeaders(hdr)).Msg("http upstream")
		state := transport.NewHTTPState()
		dial = func(ctx context.Context, o transport.Options) (transport.Binding, error) {
			return transport.DialStreamableHTTP(ctx, hc, state, o)
		}
	default:
		return nil, fmt.Errorf("unknown transport %q", cfg.Transport)
	}

	scfg := session.Config{
		ID:               id,
		Transport:        cfg.Transport,
		ConnectTimeout:   cfg.ConnectTimeout,
		StaleGrace:       cfg.StaleGrace,
		TerminateTimeout: cfg.TerminateTimeout,
		MaxAttempts:      cfg.Reconnect.MaxAttempts,
		Backoff: reconnect.Backoff{
			Base:   cfg.Reconnect.BaseDelay,
			Max:    cfg.Reconnect.MaxDelay,
			Jitter: cfg.Reconnect.Jitter,
		},
		MaxQueue:      cfg.MaxQueue,
		MaxFrameBytes: cfg.MaxLineBytes,
		Diag:          hub,
	}
	// A child process either answers or has exited, so only HTTP sessions
	// reconnect and watch for idleness.
	if cfg.Transport == config.TransportHTTP {
		scfg.Reconnect = true
		scfg.IdleThreshold = cfg.IdleThreshold
	}
	s := session.New(scfg, dial)
	r := router.New(s, router.Config{
		Session:             id,
		ObserverQueue:       cfg.ObserverQueue,
		ClientInfo:          mcp.Implementation{Name: cfg.ClientName, Version: opts.Version},
		Capabilities:        cfg.Capabilities.Map(),
		EnforceCapabilities: cfg.Capabilities.Enforce,
		Diag:                hub,
	})
	return &Stack{Config: cfg, Session: s, Router: r, Diag: hub}, nil
}

func httpClient(c config.HTTPConfig) *http.Client {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.ResponseHeaderTimeout = c.Timeout
	if c.InsecureSkipVerify {
		tr.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in for self-signed dev servers
	}
	return &http.Client{Transport: tr}
}

// Stats samples the upstream child when the session runs over a pipe.
func (st *Stack) Stats(ctx context.Context) (transport.ProcessStats, bool) {
	p, ok := st.Session.Binding().(*transport.Pipe)
	if !ok {
		return transport.ProcessStats{}, false
	}
	stats, err := p.Stats(ctx)
	if err != nil {
		logx.Log.Debug().Err(err).Str("session", st.Session.ID()).Msg("upstream stats unavailable")
		return transport.ProcessStats{}, false
	}
	return stats, true
}

// Run relays stdin/stdout through a freshly built session until either side
// ends, with the status, metrics and snapshot services configured in cfg.
func Run(ctx context.Context, cfg config.Config, stdin io.Reader, stdout io.Writer, opts Options) error {
	st, err := Build(cfg, opts)
	if err != nil {
		return err
	}
	auxCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	defer func() {
		cancel()
		wg.Wait()
	}()

	if cfg.MetricsAddr != "" {
		if _, err := metrics.StartMetricsServer(auxCtx, cfg.MetricsAddr, opts.Gatherer); err != nil {
			return err
		}
	}
	if cfg.StatusAddr != "" {
		h := status.NewHandler(status.Options{
			Session:        st.Session,
			Router:         st.Router,
			Diag:           st.Diag,
			Gatherer:       opts.Gatherer,
			AllowedOrigins: cfg.AllowedOrigins,
		})
		if _, err := status.Serve(auxCtx, cfg.StatusAddr, h); err != nil {
			return err
		}
	}

	var store statestore.Store = statestore.NewMemoryStore()
	if cfg.RedisAddr != "" {
		rs, err := statestore.NewRedisStore(ctx, cfg.RedisAddr, 3*cfg.SnapshotInterval)
		if err != nil {
			return err
		}
		defer rs.Close()
		store = rs
	}
	pub := &statestore.Publisher{
		Store:    store,
		Interval: cfg.SnapshotInterval,
		Info:     st.Session.Info,
		Pending:  st.Router.Pending,
		Stats:    st.Stats,
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = pub.Run(auxCtx)
	}()

	st.Session.Start()
	p := proxy.New(st.Router, st.Session, stdin, stdout, proxy.Config{
		Session:          st.Session.ID(),
		TerminateTimeout: cfg.TerminateTimeout,
		MaxLineBytes:     cfg.MaxLineBytes,
	})
	err = p.Run(ctx)
	logx.Log.Info().Str("session", st.Session.ID()).Str("state", st.Session.State().String()).Err(err).Msg("session ended")
	return err
}
