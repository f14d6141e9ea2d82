package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/gaspardpetit/mcprun/internal/httpserve"
)

var (
	buildInfo = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcprun_build_info",
			Help: "Build information",
		},
		[]string{"date", "sha", "version"},
	)

	frames = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprun_frames_total",
			Help: "JSON-RPC frames relayed, by direction (upstream, downstream) and shape",
		},
		[]string{"direction", "kind"},
	)

	protocolErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprun_protocol_errors_total",
			Help: "Malformed or uncorrelated frames, by source",
		},
		[]string{"source"},
	)

	pendingRequests = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprun_pending_requests",
		Help: "Requests forwarded upstream and not yet answered",
	})

	sessionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mcprun_session_state",
			Help: "1 for the current session state, 0 otherwise",
		},
		[]string{"state"},
	)

	stateTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "mcprun_state_transitions_total",
			Help: "Session state transitions",
		},
		[]string{"from", "to"},
	)

	reconnectAttempts = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcprun_reconnect_attempts_total",
		Help: "Reconnect attempts made by HTTP sessions",
	})

	droppedNotifications = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcprun_dropped_observer_notifications_total",
		Help: "Observer deliveries skipped because the dispatch queue was full",
	})

	cancellations = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "mcprun_cancellations_total",
		Help: "Pending requests resolved by local cancellation",
	})

	requestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "mcprun_request_duration_seconds",
			Help:    "Time between forwarding a request and receiving its response",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method"},
	)

	upstreamRSS = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprun_upstream_rss_bytes",
		Help: "Resident memory of the upstream server process (stdio transport)",
	})

	upstreamCPU = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "mcprun_upstream_cpu_percent",
		Help: "CPU usage of the upstream server process (stdio transport)",
	})
)

var states = []string{"connecting", "active", "stale", "retrying", "terminating", "failed", "closed"}

// Register registers all metrics with the provided registerer.
func Register(r prometheus.Registerer) {
	r.MustRegister(buildInfo, frames, protocolErrors, pendingRequests, sessionState, stateTransitions,
		reconnectAttempts, droppedNotifications, cancellations, requestDuration, upstreamRSS, upstreamCPU)
}

// SetBuildInfo sets the build info metric.
func SetBuildInfo(version, sha, date string) {
	buildInfo.WithLabelValues(date, sha, version).Set(1)
}

// RecordFrame counts a relayed frame. direction is "upstream" or "downstream".
func RecordFrame(direction, kind string) {
	frames.WithLabelValues(direction, kind).Inc()
}

// RecordProtocolError counts a malformed or uncorrelated frame.
func RecordProtocolError(source string) {
	protocolErrors.WithLabelValues(source).Inc()
}

// SetPending sets the pending request gauge.
func SetPending(n int) {
	pendingRequests.Set(float64(n))
}

// RecordTransition moves the state gauge and counts the transition.
func RecordTransition(from, to string) {
	for _, s := range states {
		v := 0.0
		if s == to {
			v = 1
		}
		sessionState.WithLabelValues(s).Set(v)
	}
	stateTransitions.WithLabelValues(from, to).Inc()
}

// RecordReconnectAttempt counts one reconnect attempt.
func RecordReconnectAttempt() { reconnectAttempts.Inc() }

// RecordDroppedNotification counts an observer delivery skipped under load.
func RecordDroppedNotification() { droppedNotifications.Inc() }

// RecordCancellation counts a locally cancelled request.
func RecordCancellation() { cancellations.Inc() }

// ObserveRequestDuration records the round trip of a request.
func ObserveRequestDuration(method string, d time.Duration) {
	requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetUpstreamResources records the upstream process footprint.
func SetUpstreamResources(rssBytes uint64, cpuPercent float64) {
	upstreamRSS.Set(float64(rssBytes))
	upstreamCPU.Set(cpuPercent)
}

// Handler returns the /metrics handler for reg; nil selects the default gatherer.
func Handler(reg prometheus.Gatherer) http.Handler {
	if reg == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
}

// StartMetricsServer starts an HTTP server exposing Prometheus metrics on /metrics.
// It returns the address it is listening on.
func StartMetricsServer(ctx context.Context, addr string, reg prometheus.Gatherer) (string, error) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(reg))
	return httpserve.Start(ctx, "metrics", addr, mux)
}
