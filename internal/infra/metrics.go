package infra

import (
	"sync/atomic"
	"time"
)

// Metrics provides lightweight observability without external dependencies.
// Uses atomic operations for thread-safety.
type Metrics struct {
	// Counters
	commits          atomic.Uint64
	staleRejected    atomic.Uint64
	decodeFailures   atomic.Uint64
	feedIgnored      atomic.Uint64
	reconnects       atomic.Uint64
	fallbacks        atomic.Uint64
	droppedBroadcast atomic.Uint64
	errorsTotal      atomic.Uint64

	// Recompute latency
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeConnections atomic.Int32
	feedFallback      atomic.Int32 // 1 = permanent fallback, 0 = feed
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

// RecordCommit records one committed side snapshot.
func (m *Metrics) RecordCommit() {
	m.commits.Add(1)
}

// RecordStale records an update discarded by the logical clock.
func (m *Metrics) RecordStale() {
	m.staleRejected.Add(1)
}

// RecordDecodeFailure records a dropped, malformed update.
func (m *Metrics) RecordDecodeFailure() {
	m.decodeFailures.Add(1)
}

// RecordFeedIgnored records a feed message received while the feed was not authoritative.
func (m *Metrics) RecordFeedIgnored() {
	m.feedIgnored.Add(1)
}

// RecordReconnect records one feed reconnect attempt.
func (m *Metrics) RecordReconnect() {
	m.reconnects.Add(1)
}

// RecordFallback records a switch to permanent RPC fallback.
func (m *Metrics) RecordFallback() {
	m.fallbacks.Add(1)
	m.feedFallback.Store(1)
}

// RecordDroppedBroadcast records a view not delivered to a slow subscriber.
func (m *Metrics) RecordDroppedBroadcast() {
	m.droppedBroadcast.Add(1)
}

// RecordRecompute records one view recomputation with latency.
func (m *Metrics) RecordRecompute(latencyNs int64) {
	m.latencySumNs.Add(latencyNs)
	m.latencyCount.Add(1)
}

// RecordError records an error occurrence.
func (m *Metrics) RecordError() {
	m.errorsTotal.Add(1)
}

// IncrementConnections increments active connections by 1.
func (m *Metrics) IncrementConnections() {
	m.activeConnections.Add(1)
}

// DecrementConnections decrements active connections by 1.
func (m *Metrics) DecrementConnections() {
	m.activeConnections.Add(-1)
}

// ClearFallback marks the feed as the active source again (new activation).
func (m *Metrics) ClearFallback() {
	m.feedFallback.Store(0)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	Commits           uint64    `json:"commits"`
	StaleRejected     uint64    `json:"stale_rejected"`
	DecodeFailures    uint64    `json:"decode_failures"`
	FeedIgnored       uint64    `json:"feed_ignored"`
	Reconnects        uint64    `json:"reconnects"`
	Fallbacks         uint64    `json:"fallbacks"`
	DroppedBroadcasts uint64    `json:"dropped_broadcasts"`
	ErrorsTotal       uint64    `json:"errors_total"`
	Recomputes        uint64    `json:"recomputes"`
	AvgRecomputeNs    int64     `json:"avg_recompute_ns"`
	ActiveConnections int32     `json:"active_connections"`
	FeedFallback      bool      `json:"feed_fallback"`
	Timestamp         time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		Commits:           m.commits.Load(),
		StaleRejected:     m.staleRejected.Load(),
		DecodeFailures:    m.decodeFailures.Load(),
		FeedIgnored:       m.feedIgnored.Load(),
		Reconnects:        m.reconnects.Load(),
		Fallbacks:         m.fallbacks.Load(),
		DroppedBroadcasts: m.droppedBroadcast.Load(),
		ErrorsTotal:       m.errorsTotal.Load(),
		Recomputes:        count,
		AvgRecomputeNs:    avgLatency,
		ActiveConnections: m.activeConnections.Load(),
		FeedFallback:      m.feedFallback.Load() == 1,
		Timestamp:         time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.commits.Store(0)
	m.staleRejected.Store(0)
	m.decodeFailures.Store(0)
	m.feedIgnored.Store(0)
	m.reconnects.Store(0)
	m.fallbacks.Store(0)
	m.droppedBroadcast.Store(0)
	m.errorsTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.activeConnections.Store(0)
	m.feedFallback.Store(0)
}
