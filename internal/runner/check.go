package runner

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/gaspardpetit/mcprun/internal/config"
	"github.com/gaspardpetit/mcprun/internal/mcperr"
)

// Report is the outcome of a one-shot upstream health check.
type Report struct {
	Healthy         bool          `json:"healthy"`
	Transport       string        `json:"transport"`
	ProtocolVersion string        `json:"protocolVersion,omitempty"`
	Server          string        `json:"server,omitempty"`
	ServerVersion   string        `json:"serverVersion,omitempty"`
	ToolsCount      int           `json:"toolsCount"`
	Latency         time.Duration `json:"latency"`
	Error           string        `json:"error,omitempty"`
}

// Check connects to the configured upstream, performs the handshake with the
// configured capabilities, pings it and counts its tools. Each exchange is
// bounded by the connect timeout.
func Check(ctx context.Context, cfg config.Config, opts Options) (Report, error) {
	rep := Report{Transport: cfg.Transport}
	st, err := Build(cfg, opts)
	if err != nil {
		return rep, err
	}
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	st.Session.Start()
	go func() { _ = st.Router.Run(rctx) }()
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), cfg.TerminateTimeout)
		defer cancel()
		_ = st.Session.Close(cctx)
	}()

	fail := func(err error) (Report, error) {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			err = &mcperr.TimeoutError{Op: "check", After: cfg.ConnectTimeout}
		}
		rep.Error = err.Error()
		return rep, err
	}
	bounded := func() (context.Context, context.CancelFunc) {
		return context.WithTimeout(ctx, cfg.ConnectTimeout)
	}
	start := time.Now()
	ictx, icancel := bounded()
	init, err := st.Router.Initialize(ictx)
	icancel()
	if err != nil {
		return fail(err)
	}
	rep.ProtocolVersion = init.ProtocolVersion
	rep.Server = init.ServerInfo.Name
	rep.ServerVersion = init.ServerInfo.Version
	pctx, pcancel := bounded()
	err = st.Router.Ping(pctx)
	pcancel()
	if err != nil {
		return fail(err)
	}
	rep.Latency = time.Since(start)
	if init.Capabilities.Tools != nil {
		lctx, lcancel := bounded()
		resp, err := st.Router.Call(lctx, string(mcp.MethodToolsList), nil)
		lcancel()
		if err != nil {
			return fail(err)
		}
		var tools mcp.ListToolsResult
		if err := json.Unmarshal(resp.Result, &tools); err != nil {
			return fail(err)
		}
		rep.ToolsCount = len(tools.Tools)
	}
	rep.Healthy = true
	return rep, nil
}
