package infra

import (
	"sync/atomic"
	"time"

	"coin_dash/internal/poll"
)

// Metrics provides lightweight observability for polling, API requests and
// feed clients. Uses atomic operations for thread-safety.
type Metrics struct {
	// Poll counters
	pollTicks      atomic.Uint64
	pollFailures   atomic.Uint64
	pollDeliveries atomic.Uint64
	pollDiscarded  atomic.Uint64
	sessionsTotal  atomic.Uint64

	// API counters
	requestsTotal atomic.Uint64
	requestErrors atomic.Uint64
	retriesTotal  atomic.Uint64

	// Latency tracking
	latencySumNs atomic.Int64
	latencyCount atomic.Uint64

	// Gauges
	activeSessions atomic.Int32
	feedClients    atomic.Int32
}

// GlobalMetrics is the singleton metrics instance.
var GlobalMetrics = &Metrics{}

var _ poll.Observer = (*Metrics)(nil)

// SessionStarted counts a new poll session.
func (m *Metrics) SessionStarted(string) {
	m.sessionsTotal.Add(1)
	m.activeSessions.Add(1)
}

// SessionStopped counts a finished poll session.
func (m *Metrics) SessionStopped(string) {
	m.activeSessions.Add(-1)
}

// PollTick counts a fired fetch.
func (m *Metrics) PollTick(string) {
	m.pollTicks.Add(1)
}

// PollFailed counts a fetch that returned an error.
func (m *Metrics) PollFailed(string, error) {
	m.pollFailures.Add(1)
}

// PollDelivered counts a result handed to subscribers.
func (m *Metrics) PollDelivered(string) {
	m.pollDeliveries.Add(1)
}

// PollDiscarded counts a result dropped because its session had stopped.
func (m *Metrics) PollDiscarded(string) {
	m.pollDiscarded.Add(1)
}

// RecordRequest records one API call with its latency.
func (m *Metrics) RecordRequest(latency time.Duration, err error) {
	m.requestsTotal.Add(1)
	m.latencySumNs.Add(latency.Nanoseconds())
	m.latencyCount.Add(1)
	if err != nil {
		m.requestErrors.Add(1)
	}
}

// RecordRetry records a retry performed by the retry wrapper.
func (m *Metrics) RecordRetry() {
	m.retriesTotal.Add(1)
}

// IncrementClients increments connected feed clients by 1.
func (m *Metrics) IncrementClients() {
	m.feedClients.Add(1)
}

// DecrementClients decrements connected feed clients by 1.
func (m *Metrics) DecrementClients() {
	m.feedClients.Add(-1)
}

// MetricsSnapshot is a point-in-time view of all metrics.
type MetricsSnapshot struct {
	PollTicks      uint64    `json:"poll_ticks"`
	PollFailures   uint64    `json:"poll_failures"`
	PollDeliveries uint64    `json:"poll_deliveries"`
	PollDiscarded  uint64    `json:"poll_discarded"`
	SessionsTotal  uint64    `json:"sessions_total"`
	ActiveSessions int32     `json:"active_sessions"`
	RequestsTotal  uint64    `json:"requests_total"`
	RequestErrors  uint64    `json:"request_errors"`
	RetriesTotal   uint64    `json:"retries_total"`
	AvgLatencyNs   int64     `json:"avg_latency_ns"`
	FeedClients    int32     `json:"feed_clients"`
	Timestamp      time.Time `json:"timestamp"`
}

// Snapshot returns current metrics as a snapshot.
func (m *Metrics) Snapshot() MetricsSnapshot {
	var avgLatency int64
	count := m.latencyCount.Load()
	if count > 0 {
		avgLatency = m.latencySumNs.Load() / int64(count)
	}

	return MetricsSnapshot{
		PollTicks:      m.pollTicks.Load(),
		PollFailures:   m.pollFailures.Load(),
		PollDeliveries: m.pollDeliveries.Load(),
		PollDiscarded:  m.pollDiscarded.Load(),
		SessionsTotal:  m.sessionsTotal.Load(),
		ActiveSessions: m.activeSessions.Load(),
		RequestsTotal:  m.requestsTotal.Load(),
		RequestErrors:  m.requestErrors.Load(),
		RetriesTotal:   m.retriesTotal.Load(),
		AvgLatencyNs:   avgLatency,
		FeedClients:    m.feedClients.Load(),
		Timestamp:      time.Now(),
	}
}

// Reset clears all metrics (for testing).
func (m *Metrics) Reset() {
	m.pollTicks.Store(0)
	m.pollFailures.Store(0)
	m.pollDeliveries.Store(0)
	m.pollDiscarded.Store(0)
	m.sessionsTotal.Store(0)
	m.activeSessions.Store(0)
	m.requestsTotal.Store(0)
	m.requestErrors.Store(0)
	m.retriesTotal.Store(0)
	m.latencySumNs.Store(0)
	m.latencyCount.Store(0)
	m.feedClients.Store(0)
}
