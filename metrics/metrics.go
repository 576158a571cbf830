// Package metrics registers the Prometheus collectors exported at /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// HTTPRequestsTotal counts API requests by route and status code
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimtriage_http_requests_total",
			Help: "Total number of API requests by route and status",
		},
		[]string{"route", "status"},
	)

	// LibraryOperationsTotal counts image library operations by outcome
	LibraryOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimtriage_library_operations_total",
			Help: "Image library operations by operation and outcome",
		},
		[]string{"operation", "outcome"},
	)

	// SagaCompensationsTotal counts compensating actions run after a partial failure
	SagaCompensationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimtriage_saga_compensations_total",
			Help: "Compensating actions executed by library sagas",
		},
		[]string{"saga", "outcome"},
	)

	// SearchCandidates observes how many candidates a similarity search returned
	SearchCandidates = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "claimtriage_search_candidates",
			Help:    "Number of candidates returned by similarity searches",
			Buckets: []float64{0, 1, 2, 5, 10, 25, 50, 100},
		},
		[]string{"source"},
	)

	// ThumbnailFailuresTotal counts reverse-search thumbnails that could not be scored
	ThumbnailFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "claimtriage_reverse_search_thumbnail_failures_total",
			Help: "Reverse search candidate thumbnails that failed to download or decode",
		},
	)

	// DeductionsTotal counts deductions by parsed verdict
	DeductionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimtriage_deductions_total",
			Help: "Claim deductions by verdict",
		},
		[]string{"verdict"},
	)

	// TasksTotal counts background tasks processed by type and status
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "claimtriage_tasks_total",
			Help: "Background tasks processed by type and final status",
		},
		[]string{"type", "status"},
	)
)

// Outcome maps an error to the "ok"/"error" label value.
func Outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
