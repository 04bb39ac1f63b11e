// Package telemetry provides Prometheus metrics and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Upstream connections
	UpstreamConnections prometheus.Gauge
	UpstreamConnects    prometheus.Counter
	UpstreamReconnects  prometheus.Counter
	UpstreamTeardowns   *prometheus.CounterVec // reason

	// Ingestion
	MessagesIngested    prometheus.Counter
	DuplicatesSkipped   prometheus.Counter
	PersistenceFailures *prometheus.CounterVec // op
	UpsertDuration      prometheus.Observer

	// Fan-out
	Subscribers  prometheus.Gauge
	FanoutEvents prometheus.Counter
	FanoutDrops  prometheus.Counter

	// Outbound
	MessagesSent *prometheus.CounterVec // result
	CommandsRun  *prometheus.CounterVec // command

	// Credentials
	TokenRefreshes *prometheus.CounterVec // result
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		UpstreamConnections = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_upstream_connections", Help: "Live upstream chat connections"})
		UpstreamConnects = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_upstream_connects_total", Help: "Successful upstream connects (including reconnects)"})
		UpstreamReconnects = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_upstream_reconnect_attempts_total", Help: "Reconnect attempts after an unexpected disconnect"})
		UpstreamTeardowns = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_upstream_teardowns_total", Help: "Upstream connections torn down"}, []string{"reason"})
		MessagesIngested = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_ingested_total", Help: "Inbound chat messages normalized and dispatched"})
		DuplicatesSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_messages_duplicate_total", Help: "Inbound messages skipped because another connection already delivered them"})
		PersistenceFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_persistence_failures_total", Help: "Store operations that failed"}, []string{"op"})
		UpsertDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "relay_upsert_duration_seconds", Help: "Message upsert latency", Buckets: prometheus.DefBuckets})
		Subscribers = promauto.NewGauge(prometheus.GaugeOpts{Name: "relay_subscribers", Help: "Downstream subscriber memberships"})
		FanoutEvents = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_fanout_events_total", Help: "Events fanned out to channels"})
		FanoutDrops = promauto.NewCounter(prometheus.CounterOpts{Name: "relay_fanout_drops_total", Help: "Events dropped for a slow subscriber"})
		MessagesSent = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_messages_sent_total", Help: "Outbound chat sends"}, []string{"result"})
		CommandsRun = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_commands_total", Help: "Chat commands answered"}, []string{"command"})
		TokenRefreshes = promauto.NewCounterVec(prometheus.CounterOpts{Name: "relay_token_refreshes_total", Help: "Bot token refresh attempts"}, []string{"result"})
	})
}

// The helpers below are safe to call before Init (tests construct components without metrics).

func IncCounter(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

func IncLabel(v *prometheus.CounterVec, label string) {
	if v != nil {
		v.WithLabelValues(label).Inc()
	}
}

func AddGauge(g prometheus.Gauge, delta float64) {
	if g != nil {
		g.Add(delta)
	}
}

func Observe(o prometheus.Observer, seconds float64) {
	if o != nil {
		o.Observe(seconds)
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
