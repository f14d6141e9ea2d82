// Package httpserve runs the runner's side listeners (status and metrics).
// They live as long as the context they were started with; request contexts
// derive from it so long-lived feeds end with the runner.
package httpserve

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gaspardpetit/mcprun/internal/logx"
)

const shutdownGrace = 2 * time.Second

// Start binds addr and serves h in the background. name labels the logs.
// Only binding errors are returned; the bound address is reported so ":0"
// works.
func Start(ctx context.Context, name, addr string, h http.Handler) (string, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return "", fmt.Errorf("%s listener: %w", name, err)
	}
	srv := &http.Server{
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logx.Log.Error().Err(err).Str("listener", name).Msg("http listener stopped")
		}
	}()
	context.AfterFunc(ctx, func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		_ = srv.Shutdown(sctx)
	})
	bound := ln.Addr().String()
	logx.Log.Info().Str("listener", name).Str("addr", bound).Msg("listening")
	return bound, nil
}
