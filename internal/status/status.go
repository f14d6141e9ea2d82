// Package status serves the local inspection surface of a running session:
// health, state, metrics and live websocket feeds of diagnostics and upstream
// notifications.
package status

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/httpserve"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/router"
	"github.com/gaspardpetit/mcprun/internal/session"
)

// Session exposes the session snapshot.
type Session interface {
	Info() session.Info
}

// Router is the inspection side of the message router.
type Router interface {
	Pending() int
	RegisterObserver(pattern string, h router.Handler) func()
	Cancel(id json.RawMessage, reason string) bool
}

// Options wires the handler to a session.
type Options struct {
	Session        Session
	Router         Router
	Diag           *diag.Hub
	Gatherer       prometheus.Gatherer
	AllowedOrigins []string
	// FeedBuffer bounds each websocket subscriber; slow readers lose events.
	FeedBuffer int
}

type stateResponse struct {
	Session session.Info `json:"session"`
	Pending int          `json:"pending"`
}

// NewHandler builds the inspection routes.
func NewHandler(opts Options) http.Handler {
	if opts.FeedBuffer <= 0 {
		opts.FeedBuffer = 64
	}
	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		st := opts.Session.Info().State
		code := http.StatusOK
		if st.Terminal() {
			code = http.StatusServiceUnavailable
		}
		writeJSON(w, code, map[string]any{"status": st.String()})
	})
	r.Get("/state", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, stateResponse{Session: opts.Session.Info(), Pending: opts.Router.Pending()})
	})
	if opts.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(opts.Gatherer))
	}
	r.Post("/cancel/{id}", func(w http.ResponseWriter, req *http.Request) {
		id := json.RawMessage(chi.URLParam(req, "id"))
		if !json.Valid(id) {
			// Bare strings are accepted for string ids.
			id, _ = json.Marshal(chi.URLParam(req, "id"))
		}
		if !opts.Router.Cancel(id, req.URL.Query().Get("reason")) {
			http.Error(w, "no such pending request", http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	})
	if opts.Diag != nil {
		r.Get("/diagnostics", diagnosticsFeed(opts.Diag, opts.FeedBuffer))
	}
	r.Get("/observe", observeFeed(opts.Router, opts.FeedBuffer))
	return r
}

// Serve runs the handler on addr until ctx is done and returns the bound address.
func Serve(ctx context.Context, addr string, h http.Handler) (string, error) {
	return httpserve.Start(ctx, "status", addr, h)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func diagnosticsFeed(hub *diag.Hub, buf int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "server error")
		events, unsubscribe := hub.Subscribe(buf)
		defer unsubscribe()
		ctx := c.CloseRead(r.Context())
		for {
			select {
			case ev, ok := <-events:
				if !ok {
					return
				}
				if err := wsjson.Write(ctx, c, ev); err != nil {
					return
				}
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}

func observeFeed(rt Router, buf int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pattern := r.URL.Query().Get("pattern")
		if pattern == "" {
			pattern = "*"
		}
		c, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close(websocket.StatusInternalError, "server error")
		frames := make(chan json.RawMessage, buf)
		unregister := rt.RegisterObserver(pattern, func(_ context.Context, f jsonrpc.Frame) error {
			select {
			case frames <- f.Raw:
			default:
				metrics.RecordDroppedNotification()
				logx.Log.Debug().Str("pattern", pattern).Str("method", f.Method).Msg("observe feed full")
			}
			return nil
		})
		defer unregister()
		ctx := c.CloseRead(r.Context())
		for {
			select {
			case raw := <-frames:
				if err := c.Write(ctx, websocket.MessageText, raw); err != nil {
					return
				}
			case <-ctx.Done():
				c.Close(websocket.StatusNormalClosure, "")
				return
			}
		}
	}
}
