package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the wirebus message bus.
//
// Naming convention: namespace_subsystem_name
// - namespace: wirebus (application-level grouping)
// - subsystem: websocket, room, store, keys (feature-level grouping)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, pending requests)
// - Counter: Cumulative events (messages routed, timeouts, fallbacks)
// - Histogram: Latency distributions (dispatch time)

var (
	// ActiveWebSocketConnections tracks the current number of attached sockets across all rooms
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wirebus",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of live room instances
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomConnections tracks the number of connections per room by role
	RoomConnections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "connections_count",
		Help:      "Number of connections in each room by role",
	}, []string{"project_id", "role"})

	// PendingRequests tracks in-flight request/response correlations
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "pending_requests",
		Help:      "Current number of pending request correlations",
	})

	// MessagesRouted counts inbound messages by type and routing outcome
	MessagesRouted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "messages_total",
		Help:      "Total inbound messages processed by type and status",
	}, []string{"message_type", "status"})

	// RequestTimeouts counts pending requests that expired before a reply
	RequestTimeouts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "request_timeouts_total",
		Help:      "Total pending requests that timed out",
	})

	// FallbackResponses counts fixture responses synthesized with no agent connected
	FallbackResponses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "fallback_responses_total",
		Help:      "Total fixture responses synthesized when no agent was available",
	})

	// DispatchDuration tracks the time spent routing an inbound message
	DispatchDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "wirebus",
		Subsystem: "room",
		Name:      "dispatch_seconds",
		Help:      "Time spent dispatching inbound messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"message_type"})

	// KeyValidations counts API key validation outcomes
	KeyValidations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "keys",
		Name:      "validations_total",
		Help:      "Total API key validations by result",
	}, []string{"result"})

	// CircuitBreakerState exposes the durable store breaker state (0 closed, 1 open, 2 half-open)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "wirebus",
		Subsystem: "store",
		Name:      "circuit_breaker_state",
		Help:      "Circuit breaker state per backend",
	}, []string{"backend"})

	// CircuitBreakerFailures counts operations rejected by an open breaker
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "store",
		Name:      "circuit_breaker_failures_total",
		Help:      "Operations rejected because the circuit breaker was open",
	}, []string{"backend"})

	// RateLimitRequests counts requests that passed a rate limit check
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "websocket",
		Name:      "ratelimit_requests_total",
		Help:      "Requests checked against a rate limit",
	}, []string{"endpoint"})

	// RateLimitExceeded counts requests rejected by a rate limit
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "wirebus",
		Subsystem: "websocket",
		Name:      "ratelimit_exceeded_total",
		Help:      "Requests rejected by a rate limit",
	}, []string{"endpoint", "limit_type"})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
