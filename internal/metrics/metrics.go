// Package metrics exposes the process's Prometheus instrumentation: gauges
// for live connections and rooms, counters for dispatched operations and
// playback lifecycle events, and a histogram of ping round-trip latency.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ActiveConnections tracks sessions currently past login, per C3/C7.
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "connection",
		Name:      "active",
		Help:      "Current number of authenticated connections.",
	})

	// ActiveRooms tracks rooms with at least one running goroutine, per C6.
	ActiveRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "active",
		Help:      "Current number of open rooms.",
	})

	// RoomMembers tracks per-room membership, per C5.
	RoomMembers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "room",
		Name:      "members",
		Help:      "Current number of members in each room.",
	}, []string{"room_id"})

	// DispatchedMessages counts every client message routed to a handler by
	// the session supervisor, per C7.
	DispatchedMessages = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "session",
		Name:      "messages_total",
		Help:      "Total client messages dispatched, by kind and outcome.",
	}, []string{"kind", "status"})

	// PingLatency tracks round-trip ping latency, per C3.
	PingLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "syncroom",
		Subsystem: "connection",
		Name:      "ping_latency_seconds",
		Help:      "Round-trip ping/pong latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// PlaybackEvents counts playback lifecycle transitions, by kind and
	// reason, per C4.
	PlaybackEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "playback",
		Name:      "events_total",
		Help:      "Total playback lifecycle events, by kind and reason.",
	}, []string{"kind", "reason"})

	// RateLimitExceeded counts requests rejected by internal/ratelimit.
	RateLimitExceeded = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "syncroom",
		Subsystem: "ratelimit",
		Name:      "exceeded_total",
		Help:      "Total requests rejected by the rate limiter, by bucket.",
	}, []string{"bucket"})

	// CircuitBreakerState mirrors the rate limiter's Redis-store breaker
	// state: 0 closed, 1 open, 2 half-open.
	CircuitBreakerState = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "syncroom",
		Subsystem: "ratelimit",
		Name:      "circuit_breaker_state",
		Help:      "Rate limiter Redis-store circuit breaker state (0 closed, 1 open, 2 half-open).",
	})
)

// RecordPingLatency observes d on the ping latency histogram.
func RecordPingLatency(d time.Duration) {
	PingLatency.Observe(d.Seconds())
}

// IncConnection increments ActiveConnections.
func IncConnection() { ActiveConnections.Inc() }

// DecConnection decrements ActiveConnections.
func DecConnection() { ActiveConnections.Dec() }
