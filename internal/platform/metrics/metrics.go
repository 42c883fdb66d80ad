package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus counters and gauges for the stream gateway.
// A nil *Metrics is valid and records nothing, which keeps tests free of
// registry plumbing.
type Metrics struct {
	registry               *prometheus.Registry
	requestsTotal          prometheus.Counter
	errorsTotal            prometheus.Counter
	activeSessions         prometheus.Gauge
	pushSinks              prometheus.Gauge
	segmentsProducedTotal  prometheus.Counter
	resyncsTotal           prometheus.Counter
	fetchFailuresTotal     *prometheus.CounterVec
	sessionsDestroyedTotal *prometheus.CounterVec
	fetchRTT               prometheus.Histogram
}

// New creates and registers Prometheus metrics for the gateway.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callstream_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callstream_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_active_sessions",
			Help: "Number of stream sessions in the registry",
		}),
		pushSinks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "callstream_push_sinks",
			Help: "Number of attached push stream consumers",
		}),
		segmentsProducedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callstream_segments_produced_total",
			Help: "Total number of output segments encoded",
		}),
		resyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "callstream_resyncs_total",
			Help: "Total number of session resyncs",
		}),
		fetchFailuresTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_chunk_fetch_failures_total",
			Help: "Chunk fetch failures by remote error kind",
		}, []string{"kind"}),
		sessionsDestroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "callstream_sessions_destroyed_total",
			Help: "Sessions destroyed by reason",
		}, []string{"reason"}),
		fetchRTT: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "callstream_chunk_fetch_rtt_seconds",
			Help:    "Round-trip time of successful chunk fetches",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.pushSinks,
		m.segmentsProducedTotal,
		m.resyncsTotal,
		m.fetchFailuresTotal,
		m.sessionsDestroyedTotal,
		m.fetchRTT,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// AddPushSinks moves the push sink gauge by delta.
func (m *Metrics) AddPushSinks(delta int) {
	if m == nil {
		return
	}
	m.pushSinks.Add(float64(delta))
}

// AddSegmentsProduced adds n encoded segments.
func (m *Metrics) AddSegmentsProduced(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.segmentsProducedTotal.Add(float64(n))
}

// IncResyncs increments the resync counter.
func (m *Metrics) IncResyncs() {
	if m == nil {
		return
	}
	m.resyncsTotal.Inc()
}

// IncFetchFailures records a chunk fetch failure of the given kind.
func (m *Metrics) IncFetchFailures(kind string) {
	if m == nil {
		return
	}
	m.fetchFailuresTotal.WithLabelValues(kind).Inc()
}

// IncSessionsDestroyed records a destroyed session.
func (m *Metrics) IncSessionsDestroyed(reason string) {
	if m == nil {
		return
	}
	m.sessionsDestroyedTotal.WithLabelValues(reason).Inc()
}

// ObserveFetchRTT records a successful fetch round trip.
func (m *Metrics) ObserveFetchRTT(d time.Duration) {
	if m == nil {
		return
	}
	m.fetchRTT.Observe(d.Seconds())
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
