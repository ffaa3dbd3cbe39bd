package indexer

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// JobsTotal counts processed indexing jobs.
	// Labels: outcome (indexed, no_text, invalid_embeddings, error)
	JobsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "indexer",
			Name:      "jobs_total",
			Help:      "Total number of indexing jobs processed",
		},
		[]string{"outcome"},
	)

	// JobDuration tracks end-to-end job durations.
	JobDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "dialogd",
			Subsystem: "indexer",
			Name:      "job_duration_seconds",
			Help:      "Duration of indexing jobs in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
	)

	// ChunksIndexed counts chunk points written to the vector index.
	ChunksIndexed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "indexer",
			Name:      "chunks_indexed_total",
			Help:      "Total number of chunks written to the vector index",
		},
	)

	// QueueDepth tracks jobs waiting in the pool's channel.
	QueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dialogd",
			Subsystem: "indexer",
			Name:      "queue_depth",
			Help:      "Number of queued indexing jobs",
		},
	)
)

// observeJob records the outcome and duration of one job.
func observeJob(outcome string, start time.Time) {
	JobsTotal.WithLabelValues(outcome).Inc()
	JobDuration.Observe(time.Since(start).Seconds())
}
