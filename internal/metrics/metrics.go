// Package metrics holds the Prometheus instrumentation for the gateway.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Collector holds all Prometheus metrics for dbrelay.
type Collector struct {
	Registry *prometheus.Registry

	requestsTotal    *prometheus.CounterVec
	requestDuration  *prometheus.HistogramVec
	sessionsOpen     prometheus.Gauge
	queriesActive    prometheus.Gauge
	queriesCancelled prometheus.Counter
	queryDuration    *prometheus.HistogramVec
	rowsReturned     prometheus.Counter
	sessionHealth    *prometheus.GaugeVec
}

// New creates a Collector registered with its own registry.
func New() *Collector {
	c := &Collector{
		Registry: prometheus.NewRegistry(),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "dbrelay_requests_total",
				Help: "Number of JSON-RPC requests handled, by method and outcome",
			},
			[]string{"method", "status"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbrelay_request_duration_seconds",
				Help:    "Duration of synchronous request handling in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 15),
			},
			[]string{"method"},
		),
		sessionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbrelay_sessions_open",
				Help: "Number of open database sessions",
			},
		),
		queriesActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "dbrelay_queries_active",
				Help: "Number of async queries currently pending or running",
			},
		),
		queriesCancelled: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbrelay_queries_cancelled_total",
				Help: "Number of async queries that terminated cancelled",
			},
		),
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "dbrelay_query_duration_seconds",
				Help:    "Duration of async driver calls in seconds",
				Buckets: prometheus.ExponentialBuckets(0.001, 2, 15),
			},
			[]string{"driver"},
		),
		rowsReturned: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "dbrelay_rows_returned_total",
				Help: "Number of result rows delivered to the client",
			},
		),
		sessionHealth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "dbrelay_session_health",
				Help: "Health of an open session (1=healthy, 0=unhealthy)",
			},
			[]string{"conn_id", "driver"},
		),
	}

	c.Registry.MustRegister(
		c.requestsTotal,
		c.requestDuration,
		c.sessionsOpen,
		c.queriesActive,
		c.queriesCancelled,
		c.queryDuration,
		c.rowsReturned,
		c.sessionHealth,
	)

	return c
}

// RequestHandled records one handled request and its duration.
func (c *Collector) RequestHandled(method, status string, d time.Duration) {
	c.requestsTotal.WithLabelValues(method, status).Inc()
	c.requestDuration.WithLabelValues(method).Observe(d.Seconds())
}

// SetSessionsOpen sets the open-session gauge.
func (c *Collector) SetSessionsOpen(n int) {
	c.sessionsOpen.Set(float64(n))
}

// SetQueriesActive sets the in-flight async query gauge.
func (c *Collector) SetQueriesActive(n int) {
	c.queriesActive.Set(float64(n))
}

// QueryCancelled increments the cancellation counter.
func (c *Collector) QueryCancelled() {
	c.queriesCancelled.Inc()
}

// QueryFinished records the duration of one async driver call.
func (c *Collector) QueryFinished(driverName string, d time.Duration) {
	c.queryDuration.WithLabelValues(driverName).Observe(d.Seconds())
}

// RowsReturned adds to the delivered-row counter.
func (c *Collector) RowsReturned(n int) {
	c.rowsReturned.Add(float64(n))
}

// SetSessionHealth sets the health gauge for a session.
func (c *Collector) SetSessionHealth(connID, driverName string, healthy bool) {
	val := 0.0
	if healthy {
		val = 1.0
	}
	c.sessionHealth.WithLabelValues(connID, driverName).Set(val)
}

// RemoveSession removes the health gauges for a closed session.
func (c *Collector) RemoveSession(connID string) {
	c.sessionHealth.DeletePartialMatch(prometheus.Labels{"conn_id": connID})
}
