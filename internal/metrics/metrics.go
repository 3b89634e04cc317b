// Package metrics provides Prometheus metrics collection for the chat
// service. It tracks session lifecycle, completion cache effectiveness,
// provider calls, store health, and transport activity.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const (
	namespace = "parley"
)

// LatencyBuckets defines histogram buckets for latency metrics (in seconds).
var LatencyBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5,
	1.0, 2.5, 5.0, 10.0, 30.0, 60.0, 120.0,
}

// =============================================================================
// Session Metrics
// =============================================================================

var (
	// SessionsActive gauges the number of live sessions.
	SessionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of sessions currently held by the coordinator",
		},
	)

	// SessionsCreated counts sessions created since start.
	SessionsCreated = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_created_total",
			Help:      "Total number of sessions created",
		},
	)

	// SessionsExpired counts sessions removed by idle expiry.
	SessionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_expired_total",
			Help:      "Total number of sessions removed because their idle TTL elapsed",
		},
	)

	// SessionsRestored counts sessions reloaded from the durable store at boot.
	SessionsRestored = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_restored_total",
			Help:      "Total number of sessions restored from the durable store",
		},
	)

	// Messages counts conversation messages by role.
	Messages = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "messages_total",
			Help:      "Total number of conversation messages appended",
		},
		[]string{"role"},
	)
)

// =============================================================================
// Completion Metrics
// =============================================================================

var (
	// CompletionCacheHits counts completions served from cache.
	CompletionCacheHits = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_cache_hits_total",
			Help:      "Total number of completion cache hits",
		},
	)

	// CompletionCacheMisses counts completions that required a provider call.
	CompletionCacheMisses = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "completion_cache_misses_total",
			Help:      "Total number of completion cache misses",
		},
	)

	// ProviderRequests counts provider calls by provider and outcome.
	ProviderRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "provider_requests_total",
			Help:      "Total number of completion provider calls",
		},
		[]string{"provider", "status"},
	)

	// ProviderLatency tracks completion provider call latency.
	ProviderLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "provider_latency_seconds",
			Help:      "Completion provider call latency in seconds",
			Buckets:   LatencyBuckets,
		},
		[]string{"provider"},
	)
)

// =============================================================================
// Store Metrics
// =============================================================================

var (
	// StoreProbeLatency tracks durable store liveness probe latency.
	StoreProbeLatency = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_probe_latency_seconds",
			Help:      "Durable store liveness probe latency in seconds",
			Buckets:   LatencyBuckets,
		},
	)
)

// =============================================================================
// Transport Metrics
// =============================================================================

var (
	// ConnectionsActive gauges the number of open client connections.
	ConnectionsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "ws_connections_active",
			Help:      "Number of currently open websocket connections",
		},
	)

	// ClientErrors counts error payloads sent to clients by code.
	ClientErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "client_errors_total",
			Help:      "Total number of error payloads sent to clients",
		},
		[]string{"code"},
	)
)

// RecordProviderRequest records one provider call outcome with its latency.
func RecordProviderRequest(provider, status string, elapsed time.Duration) {
	ProviderRequests.WithLabelValues(provider, status).Inc()
	ProviderLatency.WithLabelValues(provider).Observe(elapsed.Seconds())
}

// ObserveStoreProbe records one store probe round-trip.
func ObserveStoreProbe(elapsed time.Duration) {
	StoreProbeLatency.Observe(elapsed.Seconds())
}
