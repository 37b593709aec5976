package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus counters, histograms, and gauges for the
// ingestion service.
type Metrics struct {
	CyclesTotal   prometheus.Counter
	CycleDuration prometheus.Histogram
	IngestRunning prometheus.Gauge

	// Per-file outcomes. outcome={completed,failed,skipped}
	FilesTotal *prometheus.CounterVec

	ObservationsInserted prometheus.Counter
	ObservationsUpdated  prometheus.Counter
	ParseFailures        prometheus.Counter

	// Archive client. op={list_years,list_files,download}, outcome={success,error}
	ArchiveRequests *prometheus.CounterVec
	ArchiveRetries  prometheus.Counter

	// Geocoding enrichment. outcome={success,error,empty}; result={hit,miss}
	GeocodeRequests *prometheus.CounterVec
	GeocodeCache    *prometheus.CounterVec

	EventsPublished prometheus.Counter
	EventsFailed    prometheus.Counter
}

// NewMetrics creates and registers all service metrics with the default
// Prometheus registry.
func NewMetrics() *Metrics {
	m := newMetrics()
	prometheus.MustRegister(
		m.CyclesTotal,
		m.CycleDuration,
		m.IngestRunning,
		m.FilesTotal,
		m.ObservationsInserted,
		m.ObservationsUpdated,
		m.ParseFailures,
		m.ArchiveRequests,
		m.ArchiveRetries,
		m.GeocodeRequests,
		m.GeocodeCache,
		m.EventsPublished,
		m.EventsFailed,
	)
	return m
}

// NewMetricsForTesting creates Metrics without registering them, so parallel
// tests do not trip "already registered" panics.
func NewMetricsForTesting() *Metrics {
	return newMetrics()
}

func newMetrics() *Metrics {
	return &Metrics{
		CyclesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "cycles_total",
			Help:      "Total ingestion cycles started.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "uscrn_ingest",
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one complete ingestion cycle.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900, 3600},
		}),
		IngestRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "uscrn_ingest",
			Name:      "running",
			Help:      "1 while the scheduler is active, 0 after shutdown.",
		}),
		FilesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "files_total",
			Help:      "Source files handled, by outcome.",
		}, []string{"outcome"}),
		ObservationsInserted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "observations_inserted_total",
			Help:      "Observation rows inserted (estimated, see store docs).",
		}),
		ObservationsUpdated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "observations_updated_total",
			Help:      "Observation rows updated in place (estimated).",
		}),
		ParseFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "parse_failures_total",
			Help:      "Record lines that failed to parse.",
		}),
		ArchiveRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "archive_requests_total",
			Help:      "Archive operations by type and outcome.",
		}, []string{"op", "outcome"}),
		ArchiveRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "archive_retries_total",
			Help:      "Archive requests retried after a transient failure.",
		}),
		GeocodeRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "geocode_requests_total",
			Help:      "Geocoding API requests by outcome.",
		}, []string{"outcome"}),
		GeocodeCache: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "geocode_cache_total",
			Help:      "Geocoding cache lookups by result.",
		}, []string{"result"}),
		EventsPublished: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "events_published_total",
			Help:      "Provenance events published to the event stream.",
		}),
		EventsFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "uscrn_ingest",
			Name:      "events_failed_total",
			Help:      "Provenance events that could not be published.",
		}),
	}
}
