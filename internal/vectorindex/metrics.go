package vectorindex

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// OperationsTotal counts index operations.
	// Labels: backend (qdrant, chromem), operation, result (success, error)
	OperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "vectorindex",
			Name:      "operations_total",
			Help:      "Total number of vector index operations",
		},
		[]string{"backend", "operation", "result"},
	)

	// OperationDuration tracks how long index operations take.
	OperationDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "dialogd",
			Subsystem: "vectorindex",
			Name:      "operation_duration_seconds",
			Help:      "Duration of vector index operations in seconds",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"backend", "operation"},
	)

	// PointsUpserted counts points written to the index.
	PointsUpserted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "vectorindex",
			Name:      "points_upserted_total",
			Help:      "Total number of points written to the vector index",
		},
		[]string{"backend"},
	)
)

// observeOp records the outcome and duration of one index operation.
func observeOp(backend, operation string, start time.Time, err error) {
	result := "success"
	if err != nil {
		result = "error"
	}
	OperationsTotal.WithLabelValues(backend, operation, result).Inc()
	OperationDuration.WithLabelValues(backend, operation).Observe(time.Since(start).Seconds())
}
