package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "nrt_ingest"

// Metrics holds the Prometheus counters, histograms, and gauges for ingestion runs.
type Metrics struct {
	JobRunning  prometheus.Gauge
	Runs        *prometheus.CounterVec   // labels: job, outcome={success,degraded,error}
	RunDuration *prometheus.HistogramVec // labels: job
	LastSuccess *prometheus.GaugeVec     // labels: job; unix seconds
	Degraded    *prometheus.GaugeVec     // labels: job

	// Stage metrics.
	ItemsDiscovered *prometheus.CounterVec // labels: job
	ItemsFetched    *prometheus.CounterVec // labels: job, outcome={fetched,unavailable,error}
	ItemsPublished  *prometheus.CounterVec // labels: job, kind={asset,row}
	ItemsPruned     *prometheus.CounterVec // labels: job, reason={age,count}
	ItemsFailed     *prometheus.CounterVec // labels: job, stage={fetch,transform,publish}

	// Catalog metrics.
	CatalogRequests    *prometheus.CounterVec   // labels: op, outcome={success,error}
	CatalogCache       *prometheus.CounterVec   // labels: result={hit,miss}
	CatalogAPIDuration *prometheus.HistogramVec // labels: op

	// Event publishing.
	EventsPublished prometheus.Counter
}

func newMetrics() *Metrics {
	return &Metrics{
		JobRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "job_running",
			Help:      "1 while a job run is in progress.",
		}),
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Completed job runs by outcome.",
		}, []string{"job", "outcome"}),
		RunDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall time of a complete job run.",
			Buckets:   []float64{1, 5, 15, 30, 60, 300, 900, 1800, 3600, 7200},
		}, []string{"job"}),
		LastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last run that finished without error.",
		}, []string{"job"}),
		Degraded: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "degraded",
			Help:      "1 when the last run skipped items after conversion or catalog failures.",
		}, []string{"job"}),
		ItemsDiscovered: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_discovered_total",
			Help:      "Candidate dates or files selected for ingestion.",
		}, []string{"job"}),
		ItemsFetched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_fetched_total",
			Help:      "Source downloads by outcome.",
		}, []string{"job", "outcome"}),
		ItemsPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_published_total",
			Help:      "Assets uploaded or rows inserted.",
		}, []string{"job", "kind"}),
		ItemsPruned: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_pruned_total",
			Help:      "Assets or rows evicted by retention.",
		}, []string{"job", "reason"}),
		ItemsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "items_failed_total",
			Help:      "Items skipped after an error, by stage.",
		}, []string{"job", "stage"}),
		CatalogRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_requests_total",
			Help:      "Catalog API requests by operation and outcome.",
		}, []string{"op", "outcome"}),
		CatalogCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "catalog_cache_total",
			Help:      "Catalog layer lookups served from cache.",
		}, []string{"result"}),
		CatalogAPIDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "catalog_api_duration_seconds",
			Help:      "Catalog API request duration in seconds.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"op"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_published_total",
			Help:      "Ingest events written to Kafka.",
		}),
	}
}

func (m *Metrics) collectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.JobRunning, m.Runs, m.RunDuration, m.LastSuccess, m.Degraded,
		m.ItemsDiscovered, m.ItemsFetched, m.ItemsPublished, m.ItemsPruned, m.ItemsFailed,
		m.CatalogRequests, m.CatalogCache, m.CatalogAPIDuration,
		m.EventsPublished,
	}
}

// NewMetrics creates and registers all ingestion metrics with the default Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(m.collectors()...)
	return m
}

// NewMetricsForTesting creates unregistered Metrics to avoid
// "already registered" panics when called from multiple tests.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}
