package router

import (
	"context"
	"fmt"

	"github.com/gaspardpetit/mcprun/internal/diag"
	"github.com/gaspardpetit/mcprun/internal/jsonrpc"
	"github.com/gaspardpetit/mcprun/internal/logx"
)

// Handler observes upstream notifications. A failing handler is logged and
// never affects forwarding.
type Handler func(ctx context.Context, f jsonrpc.Frame) error

type observer struct {
	pattern string
	handle  Handler
}

// RegisterObserver adds a handler for notifications whose method matches
// pattern ("*", a "prefix/*" wildcard or an exact method). Registrations last
// until the returned function is called or the session ends.
func (r *Router) RegisterObserver(pattern string, h Handler) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return func() {}
	}
	r.nextObs++
	id := r.nextObs
	r.observers[id] = observer{pattern: pattern, handle: h}
	return func() {
		r.mu.Lock()
		delete(r.observers, id)
		r.mu.Unlock()
	}
}

func (r *Router) matching(method string) []observer {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []observer
	for id := 1; id <= r.nextObs; id++ {
		if o, ok := r.observers[id]; ok && matchMethod(o.pattern, method) {
			out = append(out, o)
		}
	}
	return out
}

func (r *Router) dispatchLoop() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		<-r.quit
		cancel()
	}()
	for {
		select {
		case f := <-r.obsq:
			for _, o := range r.matching(f.Method) {
				r.invoke(ctx, o, f)
			}
		case <-r.quit:
			return
		}
	}
}

func (r *Router) invoke(ctx context.Context, o observer, f jsonrpc.Frame) {
	defer func() {
		if v := recover(); v != nil {
			r.observerFailed(o, f, fmt.Errorf("panic: %v", v))
		}
	}()
	if err := o.handle(ctx, f); err != nil {
		r.observerFailed(o, f, err)
	}
}

func (r *Router) observerFailed(o observer, f jsonrpc.Frame, err error) {
	logx.Log.Warn().Err(err).Str("session", r.cfg.Session).Str("pattern", o.pattern).Str("method", f.Method).Msg("observer failed")
	r.emit(diag.KindObserver, diag.LevelWarn, "observer failed", map[string]any{
		"pattern": o.pattern,
		"method":  f.Method,
		"error":   err.Error(),
	})
}
