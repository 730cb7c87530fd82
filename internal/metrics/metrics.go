package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the gateway's Prometheus instruments. Each Core builds its own Metrics on its own registry so tests
// never collide on the default global registerer.
type Metrics struct {
	Registry *prometheus.Registry

	// Connections
	ConnectionsActive  prometheus.Gauge
	ConnectionsTotal   prometheus.Counter
	ConnectionsEvicted prometheus.Counter
	SlowConnections    prometheus.Counter

	// Buffer
	MessagesBuffered prometheus.Gauge
	MessagesDropped  prometheus.Counter
	OverflowEvents   prometheus.Counter
	DeadLetters      prometheus.Counter

	// Delivery
	MessagesSent     prometheus.Counter
	MessagesRetried  prometheus.Counter
	BatchesFlushed   *prometheus.CounterVec
	BroadcastLatency prometheus.Histogram

	// Sessions
	SessionsRestored  prometheus.Counter
	SessionsExhausted prometheus.Counter
	VersionConflicts  prometheus.Counter

	// Router
	RouterEvents        *prometheus.CounterVec
	RouterUnknownEvents prometheus.Counter
}

// New creates a Metrics set registered on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		ConnectionsActive: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_connections_active",
			Help: "Number of currently registered WebSocket connections",
		}),
		ConnectionsTotal: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_total",
			Help: "Total number of WebSocket connections accepted",
		}),
		ConnectionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_connections_evicted_total",
			Help: "Connections force-closed by the server (slow clients, dead heartbeats)",
		}),
		SlowConnections: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_slow_connections_total",
			Help: "Connections that exceeded the per-send timeout at least once",
		}),

		MessagesBuffered: factory.NewGauge(prometheus.GaugeOpts{
			Name: "gateway_buffer_messages",
			Help: "Messages currently held across all per-user buffers",
		}),
		MessagesDropped: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_buffer_messages_dropped_total",
			Help: "Messages dropped by overflow policy or size cap",
		}),
		OverflowEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_buffer_overflow_events_total",
			Help: "Times an enqueue hit a per-user or global buffer limit",
		}),
		DeadLetters: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_dead_letters_total",
			Help: "Messages removed after exhausting retry attempts",
		}),

		MessagesSent: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_sent_total",
			Help: "Messages successfully written to a socket",
		}),
		MessagesRetried: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_messages_retried_total",
			Help: "Failed messages moved back to pending by the retry scheduler",
		}),
		BatchesFlushed: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_batches_flushed_total",
			Help: "Batches emitted, labelled by flush trigger",
		}, []string{"trigger"}),
		BroadcastLatency: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "gateway_broadcast_duration_seconds",
			Help:    "Wall time of a full broadcast fan-out",
			Buckets: prometheus.DefBuckets,
		}),

		SessionsRestored: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_restored_total",
			Help: "Sessions successfully resynchronised after reconnect",
		}),
		SessionsExhausted: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_sessions_exhausted_total",
			Help: "Sessions marked failed after exceeding reconnection attempts",
		}),
		VersionConflicts: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_state_version_conflicts_total",
			Help: "State updates rejected due to version mismatch",
		}),

		RouterEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "gateway_router_events_total",
			Help: "Pub/sub events dispatched, labelled by channel pattern",
		}, []string{"pattern"}),
		RouterUnknownEvents: factory.NewCounter(prometheus.CounterOpts{
			Name: "gateway_router_unknown_events_total",
			Help: "Pub/sub events whose channel matched no known pattern",
		}),
	}
}
