// Package observability provides the prometheus metrics for the service.
package observability

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all prometheus collectors for the pipeline.
type Metrics struct {
	registry *prometheus.Registry

	// Reconciler
	ReconcilePasses   prometheus.Counter
	ReconcileDuration prometheus.Histogram
	EntitiesScanned   prometheus.Counter

	// Job orchestration
	JobsSubmitted    *prometheus.CounterVec
	JobsDeduplicated *prometheus.CounterVec
	JobsFailed       *prometheus.CounterVec

	// Callback processing
	CallbacksProcessed *prometheus.CounterVec
	CallbacksDuplicate prometheus.Counter
	CallbacksFailed    *prometheus.CounterVec

	// Vector index
	VectorUpserts  *prometheus.CounterVec
	VectorSearches *prometheus.CounterVec

	// Capability registry
	WorkersAvailable *prometheus.GaugeVec
}

// NewMetrics creates and registers all collectors on a fresh registry.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		ReconcilePasses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insight_reconcile_passes_total",
			Help: "Number of completed reconciliation passes",
		}),
		ReconcileDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "insight_reconcile_duration_seconds",
			Help:    "Duration of reconciliation passes",
			Buckets: prometheus.DefBuckets,
		}),
		EntitiesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insight_entities_scanned_total",
			Help: "Number of changed entities examined by reconciliation",
		}),
		JobsSubmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_jobs_submitted_total",
			Help: "Jobs submitted to the compute interface",
		}, []string{"task_type"}),
		JobsDeduplicated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_jobs_deduplicated_total",
			Help: "Submissions short-circuited by an existing non-terminal job",
		}, []string{"task_type"}),
		JobsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_jobs_failed_total",
			Help: "Jobs that failed at submission time",
		}, []string{"task_type"}),
		CallbacksProcessed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_callbacks_processed_total",
			Help: "Completion and failure callbacks processed",
		}, []string{"task_type", "outcome"}),
		CallbacksDuplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "insight_callbacks_duplicate_total",
			Help: "Callbacks ignored because the job was already terminal",
		}),
		CallbacksFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_callbacks_failed_total",
			Help: "Callbacks whose result processing failed",
		}, []string{"task_type", "stage"}),
		VectorUpserts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_vector_upserts_total",
			Help: "Vector upserts per collection",
		}, []string{"collection"}),
		VectorSearches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "insight_vector_searches_total",
			Help: "Vector similarity searches per collection",
		}, []string{"collection"}),
		WorkersAvailable: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "insight_workers_available",
			Help: "Idle compute workers advertising each task type",
		}, []string{"task_type"}),
	}

	registry.MustRegister(
		m.ReconcilePasses,
		m.ReconcileDuration,
		m.EntitiesScanned,
		m.JobsSubmitted,
		m.JobsDeduplicated,
		m.JobsFailed,
		m.CallbacksProcessed,
		m.CallbacksDuplicate,
		m.CallbacksFailed,
		m.VectorUpserts,
		m.VectorSearches,
		m.WorkersAvailable,
	)

	return m
}

// Registry returns the backing prometheus registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
