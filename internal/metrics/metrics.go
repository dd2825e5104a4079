// Package metrics provides Prometheus metrics for hybrid retrieval.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "hybridrag"

var (
	// SearchTotal counts retrieval requests by outcome mode.
	SearchTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "search_total",
			Help:      "Total number of retrieval requests",
		},
		[]string{"mode"},
	)

	// StageDuration measures the duration of each pipeline stage.
	StageDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "stage_duration_seconds",
			Help:      "Duration of retrieval pipeline stages in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"stage"},
	)

	// CandidateCount observes the candidate pool size returned by the passage store.
	CandidateCount = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "candidate_count",
			Help:      "Distribution of candidate pool sizes",
			Buckets:   []float64{0, 1, 5, 10, 20, 50, 100, 250},
		},
	)

	// RerankFailuresTotal counts reranker calls that fell back to fused order.
	RerankFailuresTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rerank_failures_total",
			Help:      "Total number of reranker failures",
		},
		[]string{"model"},
	)

	// ErrorsTotal counts errors by operation.
	ErrorsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Total number of errors",
		},
		[]string{"operation"},
	)

	// IngestedPassagesTotal counts passages written to the store.
	IngestedPassagesTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ingested_passages_total",
			Help:      "Total number of passages ingested",
		},
	)
)

// RecordSearch records a finished retrieval request.
func RecordSearch(mode string, candidates int) {
	SearchTotal.WithLabelValues(mode).Inc()
	CandidateCount.Observe(float64(candidates))
}

// ObserveStage records how long a pipeline stage took.
func ObserveStage(stage string, seconds float64) {
	StageDuration.WithLabelValues(stage).Observe(seconds)
}

// RecordRerankFailure records a reranker fallback.
func RecordRerankFailure(model string) {
	RerankFailuresTotal.WithLabelValues(model).Inc()
}

// RecordError records an error.
func RecordError(operation string) {
	ErrorsTotal.WithLabelValues(operation).Inc()
}

// RecordIngest records passages written by one ingestion.
func RecordIngest(passages int) {
	IngestedPassagesTotal.Add(float64(passages))
}
