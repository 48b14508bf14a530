package telemetry

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "docindex"

// Metrics holds the Prometheus collectors for indexing, search and the
// change monitor. Each instance owns its registry so tests and multiple
// engines never collide on registration.
type Metrics struct {
	registry *prometheus.Registry

	SearchQueries   *prometheus.CounterVec
	SearchLatency   prometheus.Histogram
	SearchResults   prometheus.Histogram
	FallbackCalls   *prometheus.CounterVec
	DocsIndexed     *prometheus.CounterVec
	DocsRemoved     prometheus.Counter
	IndexDuration   prometheus.Histogram
	StoreRetries    *prometheus.CounterVec
	WatcherEvents   *prometheus.CounterVec
	WorkersInFlight prometheus.Gauge
	Documents       prometheus.Gauge
}

// NewMetrics creates and registers all collectors plus the Go runtime and
// process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		SearchQueries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "search_queries_total",
				Help:      "Search queries by outcome (results, generated, empty, error).",
			},
			[]string{"outcome"},
		),
		SearchLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_latency_seconds",
				Help:      "Ranked search latency in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
			},
		),
		SearchResults: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "search_results_count",
				Help:      "Number of ranked results returned per query.",
				Buckets:   []float64{0, 1, 5, 10, 25, 50, 100},
			},
		),
		FallbackCalls: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "fallback_requests_total",
				Help:      "Generative fallback requests by status (ok, error).",
			},
			[]string{"status"},
		),
		DocsIndexed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_indexed_total",
				Help:      "Index attempts by status (ok, error).",
			},
			[]string{"status"},
		),
		DocsRemoved: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "documents_removed_total",
				Help:      "Documents removed from the index.",
			},
		),
		IndexDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "index_duration_seconds",
				Help:      "Time to index one file in seconds.",
				Buckets:   []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
			},
		),
		StoreRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "store_retries_total",
				Help:      "Transient storage conflicts retried, by operation.",
			},
			[]string{"op"},
		),
		WatcherEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "watcher_events_total",
				Help:      "File events seen by the change monitor, by operation.",
			},
			[]string{"op"},
		),
		WorkersInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "watcher_workers_in_flight",
				Help:      "Index and remove tasks currently running.",
			},
		),
		Documents: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "index_documents",
				Help:      "Documents currently in the index.",
			},
		),
	}

	m.registry.MustRegister(
		m.SearchQueries,
		m.SearchLatency,
		m.SearchResults,
		m.FallbackCalls,
		m.DocsIndexed,
		m.DocsRemoved,
		m.IndexDuration,
		m.StoreRetries,
		m.WatcherEvents,
		m.WorkersInFlight,
		m.Documents,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return m
}

// Handler returns an HTTP handler serving the registry in the Prometheus
// exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// NewServer returns an HTTP server exposing /metrics on addr.
func (m *Metrics) NewServer(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}

// The methods below tolerate a nil receiver so callers can treat metrics as
// optional without guarding every call site.

// ObserveSearch records one ranked search.
func (m *Metrics) ObserveSearch(outcome string, results int, latency time.Duration) {
	if m == nil {
		return
	}
	m.SearchQueries.WithLabelValues(outcome).Inc()
	m.SearchLatency.Observe(latency.Seconds())
	m.SearchResults.Observe(float64(results))
}

// ObserveFallback records one generator call.
func (m *Metrics) ObserveFallback(err error) {
	if m == nil {
		return
	}
	m.FallbackCalls.WithLabelValues(statusLabel(err)).Inc()
}

// ObserveIndex records one IndexFile call.
func (m *Metrics) ObserveIndex(err error, latency time.Duration) {
	if m == nil {
		return
	}
	m.DocsIndexed.WithLabelValues(statusLabel(err)).Inc()
	m.IndexDuration.Observe(latency.Seconds())
}

// ObserveRemove records a removal that deleted a document.
func (m *Metrics) ObserveRemove() {
	if m == nil {
		return
	}
	m.DocsRemoved.Inc()
}

// ObserveRetry records a retried storage conflict.
func (m *Metrics) ObserveRetry(op string) {
	if m == nil {
		return
	}
	m.StoreRetries.WithLabelValues(op).Inc()
}

// ObserveWatcherEvent records a file event by operation name.
func (m *Metrics) ObserveWatcherEvent(op string) {
	if m == nil {
		return
	}
	m.WatcherEvents.WithLabelValues(op).Inc()
}

// WorkerStarted and WorkerDone track in-flight monitor tasks.
func (m *Metrics) WorkerStarted() {
	if m == nil {
		return
	}
	m.WorkersInFlight.Inc()
}

// WorkerDone marks the end of a monitor task.
func (m *Metrics) WorkerDone() {
	if m == nil {
		return
	}
	m.WorkersInFlight.Dec()
}

// SetDocuments sets the document gauge.
func (m *Metrics) SetDocuments(n int) {
	if m == nil {
		return
	}
	m.Documents.Set(float64(n))
}

func statusLabel(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
