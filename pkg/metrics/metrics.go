// Package metrics defines the Prometheus collectors of the ingestion pipeline
// and the query service, and exposes an HTTP handler for scraping.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Document outcomes recorded by DocumentsIngested.
const (
	OutcomeLoaded   = "loaded"
	OutcomeSkipped  = "skipped"
	OutcomeRejected = "rejected"
	OutcomeExisting = "existing"
)

// Metrics holds all Prometheus collectors.
type Metrics struct {
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight prometheus.Gauge

	DocumentsIngested *prometheus.CounterVec
	FrequencyBatches  *prometheus.CounterVec
	FrequencyRows     *prometheus.HistogramVec
	WriterQueueDepth  *prometheus.GaugeVec
	VocabularyLookups *prometheus.CounterVec
	ShardIngestState  *prometheus.GaugeVec

	QueriesTotal       *prometheus.CounterVec
	ShardQueryLatency  *prometheus.HistogramVec
	ShardQueryTimeouts *prometheus.CounterVec
	CacheHitsTotal     prometheus.Counter
	CacheMissesTotal   prometheus.Counter

	CircuitBreakerState *prometheus.GaugeVec
}

// New creates all collectors and registers them on reg. Passing
// prometheus.DefaultRegisterer exposes them on Handler.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests by method, route, and status.",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5},
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "http_requests_in_flight",
				Help: "Number of HTTP requests currently being processed.",
			},
		),
		DocumentsIngested: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wordindex_documents_total",
				Help: "Documents seen by the ingestion coordinator by shard and outcome (loaded, skipped, rejected, existing).",
			},
			[]string{"shard_id", "outcome"},
		),
		FrequencyBatches: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wordindex_frequency_batches_total",
				Help: "Frequency batch writes by shard and status.",
			},
			[]string{"shard_id", "status"},
		),
		FrequencyRows: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wordindex_frequency_batch_rows",
				Help:    "Frequency rows per committed batch.",
				Buckets: prometheus.ExponentialBuckets(100, 2, 10),
			},
			[]string{"shard_id"},
		),
		WriterQueueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wordindex_writer_queue_depth",
				Help: "Documents waiting in the frequency writer queue.",
			},
			[]string{"shard_id"},
		),
		VocabularyLookups: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wordindex_vocabulary_lookups_total",
				Help: "Vocabulary resolutions by shard and result (hit, miss, created).",
			},
			[]string{"shard_id", "result"},
		),
		ShardIngestState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "wordindex_shard_ingest_state",
				Help: "Ingestion state per shard (0=idle, 1=loading_vocab, 2=processing, 3=draining, 4=done, 5=failed).",
			},
			[]string{"shard_id"},
		),
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wordindex_queries_total",
				Help: "Queries by type (top_words, top_documents) and outcome (ok, partial, not_found, error).",
			},
			[]string{"query", "outcome"},
		),
		ShardQueryLatency: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "wordindex_shard_query_seconds",
				Help:    "Per-shard query latency in seconds.",
				Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5},
			},
			[]string{"shard_id", "query"},
		),
		ShardQueryTimeouts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "wordindex_shard_query_timeouts_total",
				Help: "Shard sub-queries that exceeded the per-shard timeout.",
			},
			[]string{"shard_id"},
		),
		CacheHitsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wordindex_cache_hits_total",
				Help: "Total number of query cache hits.",
			},
		),
		CacheMissesTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "wordindex_cache_misses_total",
				Help: "Total number of query cache misses.",
			},
		),
		CircuitBreakerState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "circuit_breaker_state",
				Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
			},
			[]string{"name"},
		),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.DocumentsIngested,
		m.FrequencyBatches,
		m.FrequencyRows,
		m.WriterQueueDepth,
		m.VocabularyLookups,
		m.ShardIngestState,
		m.QueriesTotal,
		m.ShardQueryLatency,
		m.ShardQueryTimeouts,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CircuitBreakerState,
	)

	return m
}

// Discard returns collectors registered on a private registry. Used where a
// component needs Metrics but nothing scrapes them.
func Discard() *Metrics {
	return New(prometheus.NewRegistry())
}

// Handler returns the Prometheus scrape HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}
