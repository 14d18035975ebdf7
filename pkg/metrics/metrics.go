package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Pipeline metrics
	PipelineOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_pipeline_operations_total",
			Help: "Record pipeline operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	PipelineDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "custodia_pipeline_duration_seconds",
			Help:    "Record pipeline operation latency",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)

	// Object store metrics
	ObjectStoreOps = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_objectstore_operations_total",
			Help: "Object store operations by type and outcome",
		},
		[]string{"operation", "status"},
	)

	ChunksTransferred = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_objectstore_chunks_total",
			Help: "Ciphertext chunks uploaded and downloaded",
		},
		[]string{"direction"},
	)

	ObjectStoreHealthyNodes = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "custodia_objectstore_healthy_nodes",
			Help: "Object store endpoints currently considered healthy",
		},
	)

	// Ledger metrics
	LedgerCalls = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_ledger_calls_total",
			Help: "Ledger submit/evaluate round trips by function and outcome",
		},
		[]string{"kind", "status"},
	)

	LedgerCacheHits = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_ledger_cache_hits_total",
			Help: "Evaluate results served from the read cache",
		},
	)

	LedgerReconnects = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_ledger_reconnects_total",
			Help: "Ledger gateway reconnect attempts",
		},
	)

	// Policy metrics
	PolicyDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_policy_decisions_total",
			Help: "Policy decisions by effect and reason class",
		},
		[]string{"effect", "reason"},
	)

	// Event fan-out metrics
	EventsDispatched = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "custodia_events_dispatched_total",
			Help: "Normalized ledger events dispatched to handlers",
		},
		[]string{"event"},
	)

	HandlerErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_event_handler_errors_total",
			Help: "Event handler failures (delivery continues)",
		},
	)

	// Metadata store metrics
	SlowQueries = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_db_slow_queries_total",
			Help: "Queries exceeding the slow-query threshold",
		},
	)

	ReplicaFallbacks = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "custodia_db_replica_fallbacks_total",
			Help: "Reads redirected to the primary after replica failure",
		},
	)
)

// Register registers all collectors with the given registry
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		PipelineOps,
		PipelineDuration,
		ObjectStoreOps,
		ChunksTransferred,
		ObjectStoreHealthyNodes,
		LedgerCalls,
		LedgerCacheHits,
		LedgerReconnects,
		PolicyDecisions,
		EventsDispatched,
		HandlerErrors,
		SlowQueries,
		ReplicaFallbacks,
	)
}

// RegisterDefault registers all collectors with the default registry
func RegisterDefault() {
	Register(prometheus.DefaultRegisterer)
}

// Handler returns the exposition handler for the default registry
func Handler() http.Handler {
	return promhttp.Handler()
}
