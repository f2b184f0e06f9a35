package infra

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Collector exports Metrics to Prometheus. Values are read from the atomics
// on every scrape.
type Collector struct {
	m *Metrics

	pollTicks      *prometheus.Desc
	pollFailures   *prometheus.Desc
	pollDeliveries *prometheus.Desc
	pollDiscarded  *prometheus.Desc
	sessionsTotal  *prometheus.Desc
	activeSessions *prometheus.Desc
	requestsTotal  *prometheus.Desc
	requestErrors  *prometheus.Desc
	retriesTotal   *prometheus.Desc
	avgLatency     *prometheus.Desc
	feedClients    *prometheus.Desc
}

var _ prometheus.Collector = (*Collector)(nil)

// NewCollector creates a collector for m.
func NewCollector(m *Metrics) *Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName("coindash", "", name), help, nil, nil)
	}
	return &Collector{
		m:              m,
		pollTicks:      desc("poll_ticks_total", "Fetches fired by poll sessions."),
		pollFailures:   desc("poll_failures_total", "Poll fetches that returned an error."),
		pollDeliveries: desc("poll_deliveries_total", "Poll results delivered to subscribers."),
		pollDiscarded:  desc("poll_discarded_total", "Poll results dropped after their session stopped."),
		sessionsTotal:  desc("poll_sessions_total", "Poll sessions started."),
		activeSessions: desc("poll_sessions_active", "Poll sessions currently running."),
		requestsTotal:  desc("api_requests_total", "Market-data API requests."),
		requestErrors:  desc("api_request_errors_total", "Market-data API requests that failed."),
		retriesTotal:   desc("retries_total", "Retries performed for initial load and search."),
		avgLatency:     desc("api_request_avg_latency_seconds", "Average market-data API latency."),
		feedClients:    desc("feed_clients", "Connected websocket feed clients."),
	}
}

// Describe implements prometheus.Collector.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.pollTicks
	ch <- c.pollFailures
	ch <- c.pollDeliveries
	ch <- c.pollDiscarded
	ch <- c.sessionsTotal
	ch <- c.activeSessions
	ch <- c.requestsTotal
	ch <- c.requestErrors
	ch <- c.retriesTotal
	ch <- c.avgLatency
	ch <- c.feedClients
}

// Collect implements prometheus.Collector.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	s := c.m.Snapshot()
	counter := func(d *prometheus.Desc, v uint64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}
	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}

	counter(c.pollTicks, s.PollTicks)
	counter(c.pollFailures, s.PollFailures)
	counter(c.pollDeliveries, s.PollDeliveries)
	counter(c.pollDiscarded, s.PollDiscarded)
	counter(c.sessionsTotal, s.SessionsTotal)
	gauge(c.activeSessions, float64(s.ActiveSessions))
	counter(c.requestsTotal, s.RequestsTotal)
	counter(c.requestErrors, s.RequestErrors)
	counter(c.retriesTotal, s.RetriesTotal)
	gauge(c.avgLatency, float64(s.AvgLatencyNs)/1e9)
	gauge(c.feedClients, float64(s.FeedClients))
}

// NewRegistry returns a registry holding the collector for m plus the Go
// runtime and process collectors.
func NewRegistry(m *Metrics) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		NewCollector(m),
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return reg
}
