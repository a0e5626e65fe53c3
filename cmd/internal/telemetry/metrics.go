// Package telemetry provides Prometheus metrics, optional OpenTelemetry
// tracing, and correlation-id aware logging helpers.
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

	// Counters
	PollTicks        *prometheus.CounterVec // labeled by kind: list|messages
	PollSkipped      prometheus.Counter
	PollFailures     prometheus.Counter
	EventsEmitted    *prometheus.CounterVec // labeled by event type
	BroadcastDropped prometheus.Counter
	RemoteErrors     prometheus.Counter

	// Gauges
	ConnectedClients prometheus.Gauge
	ActivePollers    prometheus.Gauge

	// Histograms (seconds)
	RemoteRequestDuration prometheus.Observer
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		PollTicks = promauto.NewCounterVec(prometheus.CounterOpts{Name: "parley_poll_ticks_total", Help: "Detection passes executed, by kind"}, []string{"kind"})
		PollSkipped = promauto.NewCounter(prometheus.CounterOpts{Name: "parley_poll_skipped_total", Help: "Ticks skipped because a pass was already in flight"})
		PollFailures = promauto.NewCounter(prometheus.CounterOpts{Name: "parley_poll_failures_total", Help: "Detection passes that failed against the remote API"})
		EventsEmitted = promauto.NewCounterVec(prometheus.CounterOpts{Name: "parley_events_emitted_total", Help: "Change events emitted by the detector, by type"}, []string{"type"})
		BroadcastDropped = promauto.NewCounter(prometheus.CounterOpts{Name: "parley_broadcast_dropped_total", Help: "Envelopes dropped because a client send queue was full"})
		RemoteErrors = promauto.NewCounter(prometheus.CounterOpts{Name: "parley_remote_errors_total", Help: "Remote API requests that returned an error"})
		ConnectedClients = promauto.NewGauge(prometheus.GaugeOpts{Name: "parley_connected_clients", Help: "Currently connected websocket clients"})
		ActivePollers = promauto.NewGauge(prometheus.GaugeOpts{Name: "parley_active_pollers", Help: "Users with an active poll loop"})
		RemoteRequestDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "parley_remote_request_duration_seconds", Help: "Remote API request duration seconds", Buckets: prometheus.DefBuckets})
	})
}

// CountEvent increments the emitted-events counter for one event type.
func CountEvent(typ string) {
	if EventsEmitted != nil {
		EventsEmitted.WithLabelValues(typ).Inc()
	}
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or an empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with a corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
