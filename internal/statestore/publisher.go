package statestore

import (
	"context"
	"time"

	"github.com/gaspardpetit/mcprun/internal/logx"
	"github.com/gaspardpetit/mcprun/internal/metrics"
	"github.com/gaspardpetit/mcprun/internal/session"
	"github.com/gaspardpetit/mcprun/internal/transport"
)

// Publisher samples a session on a fixed interval and saves the result.
type Publisher struct {
	Store    Store
	Interval time.Duration
	Info     func() session.Info
	Pending  func() int
	// Stats samples the upstream process; nil or a non-pipe upstream skips it.
	Stats func(ctx context.Context) (transport.ProcessStats, bool)
}

// Run publishes immediately, then every Interval until ctx is done, and
// saves one final snapshot on the way out.
func (p *Publisher) Run(ctx context.Context) error {
	interval := p.Interval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	p.publish(ctx)
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			p.publish(ctx)
		case <-ctx.Done():
			fctx, cancel := context.WithTimeout(context.Background(), time.Second)
			p.publish(fctx)
			cancel()
			return nil
		}
	}
}

func (p *Publisher) publish(ctx context.Context) {
	snap := Snapshot{Session: p.Info(), Updated: time.Now().UTC()}
	if p.Pending != nil {
		snap.Pending = p.Pending()
	}
	if p.Stats != nil {
		if st, ok := p.Stats(ctx); ok {
			snap.Upstream = &st
			metrics.SetUpstreamResources(st.RSSBytes, st.CPUPercent)
		}
	}
	if err := p.Store.Save(ctx, snap); err != nil {
		logx.Log.Warn().Err(err).Str("session", snap.Session.ID).Msg("snapshot not saved")
	}
}
