package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics for the planning poker realtime core.
//
// Naming convention: namespace_subsystem_name
// - namespace: planning_poker (application-level grouping)
// - subsystem: websocket, room, round, bus, circuit_breaker, rate_limit, redis, store, dedup
// - name: specific metric (connections_active, events_total, etc.)
//
// Metric Types:
// - Gauge: Current state (connections, rooms, participants)
// - Counter: Cumulative events (messages processed, votes cast, errors)
// - Histogram: Latency distributions (processing time)

var (
	// ActiveWebSocketConnections tracks the current number of active WebSocket connections.
	ActiveWebSocketConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "planning_poker",
		Subsystem: "websocket",
		Name:      "connections_active",
		Help:      "Current number of active WebSocket connections",
	})

	// ActiveRooms tracks the current number of active (non-unloaded) rooms.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "planning_poker",
		Subsystem: "room",
		Name:      "rooms_active",
		Help:      "Current number of active rooms",
	})

	// RoomParticipants tracks the number of connected participants per room.
	RoomParticipants = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "planning_poker",
		Subsystem: "room",
		Name:      "participants_count",
		Help:      "Number of connected participants in each room",
	}, []string{"room_id"})

	// WebsocketEvents tracks the total number of inbound/outbound WS messages processed.
	WebsocketEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "websocket",
		Name:      "events_total",
		Help:      "Total WebSocket events processed",
	}, []string{"event_type", "status"})

	// MessageProcessingDuration tracks the time spent processing a command end-to-end.
	MessageProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planning_poker",
		Subsystem: "websocket",
		Name:      "message_processing_seconds",
		Help:      "Time spent processing WebSocket messages",
		Buckets:   []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
	}, []string{"event_type"})

	// VotesCast tracks the total number of votes cast, per room.
	VotesCast = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "round",
		Name:      "votes_cast_total",
		Help:      "Total votes cast across all rounds",
	}, []string{"room_id"})

	// RoundsRevealed tracks the total number of rounds revealed.
	RoundsRevealed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "round",
		Name:      "revealed_total",
		Help:      "Total rounds revealed",
	}, []string{"room_id", "consensus"})

	// HostMigrations tracks the total number of host-migration elections.
	HostMigrations = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "room",
		Name:      "host_migrations_total",
		Help:      "Total number of host migrations performed",
	})

	// BusReconnects tracks the total number of event bus reconnect attempts.
	BusReconnects = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Total number of event bus reconnect attempts",
	}, []string{"status"})

	// CircuitBreakerState tracks the current state of the circuit breaker.
	// 0: Closed (Healthy), 1: Open (Failure), 2: Half-Open (Recovering)
	CircuitBreakerState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "planning_poker",
		Subsystem: "circuit_breaker",
		Name:      "state",
		Help:      "Current state of the circuit breaker (0: Closed, 1: Open, 2: Half-Open)",
	}, []string{"service"})

	// CircuitBreakerFailures tracks the total number of failed calls made through the
	// circuit breaker, including calls it rejected while open.
	CircuitBreakerFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "circuit_breaker",
		Name:      "failures_total",
		Help:      "Total failed calls through the circuit breaker, including rejected calls",
	}, []string{"service"})

	// RateLimitExceeded tracks the total number of requests that exceeded the rate limit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "rate_limit",
		Name:      "exceeded_total",
		Help:      "Total number of requests that exceeded the rate limit",
	}, []string{"endpoint", "reason"})

	// RateLimitRequests tracks the total number of requests checked against the rate limiter.
	RateLimitRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "rate_limit",
		Name:      "requests_total",
		Help:      "Total number of requests checked against the rate limiter",
	}, []string{"endpoint"})

	// RedisOperationsTotal tracks the total number of Redis operations.
	RedisOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "redis",
		Name:      "operations_total",
		Help:      "Total number of Redis operations",
	}, []string{"operation", "status"})

	// RedisOperationDuration tracks the duration of Redis operations.
	RedisOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planning_poker",
		Subsystem: "redis",
		Name:      "operation_duration_seconds",
		Help:      "Duration of Redis operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// StoreOperationsTotal tracks the total number of state store (Postgres) operations.
	StoreOperationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "store",
		Name:      "operations_total",
		Help:      "Total number of state store operations",
	}, []string{"operation", "status"})

	// StoreOperationDuration tracks the duration of state store operations.
	StoreOperationDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "planning_poker",
		Subsystem: "store",
		Name:      "operation_duration_seconds",
		Help:      "Duration of state store operations",
		Buckets:   prometheus.DefBuckets,
	}, []string{"operation"})

	// DedupHits tracks the total number of deduplicated (replayed) command results.
	DedupHits = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "planning_poker",
		Subsystem: "dedup",
		Name:      "hits_total",
		Help:      "Total number of commands served from the dedup cache instead of re-executed",
	})
)

func IncConnection() {
	ActiveWebSocketConnections.Inc()
}

func DecConnection() {
	ActiveWebSocketConnections.Dec()
}
