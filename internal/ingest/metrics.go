package ingest

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MessagesProcessed counts flushed batches handed to the dispatcher.
	MessagesProcessed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "ingest",
			Name:      "messages_processed_total",
			Help:      "Total number of message batches dispatched",
		},
	)

	// MessagesDropped counts inbound messages dropped on queue or
	// handler pressure.
	MessagesDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "ingest",
			Name:      "messages_dropped_total",
			Help:      "Total number of inbound messages dropped",
		},
	)

	// ActiveQueues tracks live per-conversation queues across handlers.
	ActiveQueues = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dialogd",
			Subsystem: "ingest",
			Name:      "active_queues",
			Help:      "Number of live per-conversation queues",
		},
	)

	// MaxQueueSizeSeen tracks the deepest queue observed since start.
	MaxQueueSizeSeen = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "dialogd",
			Subsystem: "ingest",
			Name:      "max_queue_size_seen",
			Help:      "Peak per-conversation queue depth observed",
		},
	)

	// HandlersEvicted counts registry LRU evictions.
	HandlersEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "ingest",
			Name:      "handlers_evicted_total",
			Help:      "Total number of message handlers evicted from the registry",
		},
	)
)
