package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for the application
type Metrics struct {
	// Ingestion Metrics
	IngestRowsTotal       *prometheus.CounterVec
	IngestBatchesTotal    prometheus.Counter
	IngestBatchDuration   prometheus.Histogram
	IngestNumericDefaults *prometheus.CounterVec
	IngestFailuresTotal   *prometheus.CounterVec

	// Datastore Metrics
	DatastoreQueriesTotal  *prometheus.CounterVec
	DatastoreQueryDuration *prometheus.HistogramVec
	DatastoreCacheHits     *prometheus.CounterVec

	// Application Metrics
	IPLookupsTotal            *prometheus.CounterVec
	IPLookupsNotFound         prometheus.Counter
	IPLookupsErrors           *prometheus.CounterVec
	IPLookupAttributeDefaults *prometheus.CounterVec
}

// New creates all metrics and registers them on reg.
// A nil reg registers on the default Prometheus registry.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		// Ingestion Metrics
		IngestRowsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_ingest_rows_total",
				Help: "Total number of committed range rows",
			},
			[]string{"family"},
		),

		IngestBatchesTotal: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipgeo_ingest_batches_total",
				Help: "Total number of committed ingestion batches",
			},
		),

		IngestBatchDuration: factory.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "ipgeo_ingest_batch_commit_duration_seconds",
				Help:    "Batch commit latency in seconds",
				Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
			},
		),

		IngestNumericDefaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_ingest_numeric_defaults_total",
				Help: "Numeric fields that failed to parse and were defaulted",
			},
			[]string{"field"},
		),

		IngestFailuresTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_ingest_failures_total",
				Help: "Ingestion runs aborted, by error kind",
			},
			[]string{"kind"},
		),

		// Datastore Metrics
		DatastoreQueriesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_datastore_queries_total",
				Help: "Total number of datastore queries",
			},
			[]string{"family", "status"},
		),

		DatastoreQueryDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "ipgeo_datastore_query_duration_seconds",
				Help:    "Datastore query latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"family"},
		),

		DatastoreCacheHits: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_lookup_cache_total",
				Help: "Lookup cache hits vs misses",
			},
			[]string{"result"},
		),

		// Application Metrics
		IPLookupsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_lookups_total",
				Help: "Total number of IP lookups",
			},
			[]string{"result"},
		),

		IPLookupsNotFound: factory.NewCounter(
			prometheus.CounterOpts{
				Name: "ipgeo_lookups_not_found_total",
				Help: "Total number of IP lookups that returned not found",
			},
		),

		IPLookupsErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_lookups_errors_total",
				Help: "Total number of IP lookup errors",
			},
			[]string{"error_type"},
		),

		IPLookupAttributeDefaults: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "ipgeo_lookup_attribute_defaults_total",
				Help: "Attribute columns that could not be decoded on lookup and were defaulted",
			},
			[]string{"field"},
		),
	}
}
