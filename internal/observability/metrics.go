// Package observability provides Prometheus metrics for monitoring.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the engine. Instances register
// against an injected registry so independent engines can coexist in tests.
type Metrics struct {
	// Ingestion metrics
	TickerUpdates    *prometheus.CounterVec
	OrderBookUpdates *prometheus.CounterVec
	TradesIngested   *prometheus.CounterVec
	ValidationErrors *prometheus.CounterVec
	SourceErrors     *prometheus.CounterVec

	// Aggregation metrics
	ViewsComputed   *prometheus.CounterVec
	CacheDegraded   prometheus.Counter
	TrackedSymbols  prometheus.Gauge
	ComputeDuration *prometheus.HistogramVec

	// Gateway metrics
	ClientsConnected    prometheus.Gauge
	SubscriptionsActive prometheus.Gauge
	MessagesSent        *prometheus.CounterVec
	MessagesDropped     prometheus.Counter
	LimitViolations     *prometheus.CounterVec
	ForcedDisconnects   prometheus.Counter
	BroadcastDuration   prometheus.Histogram
}

// NewMetrics creates a Metrics instance registered against reg. A nil reg
// falls back to the default registry.
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "tickermux"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		TickerUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "ticker_updates_total",
			Help:      "Total number of ticker updates ingested by source",
		}, []string{"source"}),
		OrderBookUpdates: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "orderbook_updates_total",
			Help:      "Total number of order book snapshots ingested by source",
		}, []string{"source"}),
		TradesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "trades_total",
			Help:      "Total number of trade events ingested by source",
		}, []string{"source"}),
		ValidationErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "validation_errors_total",
			Help:      "Total number of rejected ingest payloads by update type",
		}, []string{"update_type"}),
		SourceErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ingest",
			Name:      "source_errors_total",
			Help:      "Total number of errors reported by source connectors",
		}, []string{"source"}),

		ViewsComputed: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "views_computed_total",
			Help:      "Total number of derived views recomputed on cache miss",
		}, []string{"kind"}),
		CacheDegraded: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "cache_degraded_total",
			Help:      "Total number of cache operations that failed and degraded to recomputation",
		}),
		TrackedSymbols: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "tracked_symbols",
			Help:      "Number of symbols with at least one ingested update",
		}),
		ComputeDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "aggregation",
			Name:      "compute_duration_seconds",
			Help:      "Derived view recomputation duration in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind"}),

		ClientsConnected: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "clients_connected",
			Help:      "Number of currently connected WebSocket clients",
		}),
		SubscriptionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "subscriptions_active",
			Help:      "Number of active symbol subscriptions across all clients",
		}),
		MessagesSent: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_sent_total",
			Help:      "Total number of messages pushed to clients by type",
		}, []string{"type"}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "messages_dropped_total",
			Help:      "Total number of messages dropped due to full client send queues",
		}),
		LimitViolations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "limit_violations_total",
			Help:      "Total number of rate and subscription limit violations by kind",
		}, []string{"kind"}),
		ForcedDisconnects: factory.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "forced_disconnects_total",
			Help:      "Total number of clients disconnected for repeated violations",
		}),
		BroadcastDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "broadcast_duration_seconds",
			Help:      "Duration of one broadcast pass in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
	}
}

// Handler returns an HTTP handler for the /metrics endpoint.
func Handler() http.Handler {
	return promhttp.Handler()
}
