package dispatch

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AIInvokeTimeouts counts agent invocations that hit the deadline.
	AIInvokeTimeouts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "dispatch",
			Name:      "ai_invoke_timeouts_total",
			Help:      "Total number of agent invocations that timed out",
		},
	)

	// AgentsEvicted counts agent instances evicted from the cache.
	AgentsEvicted = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "dispatch",
			Name:      "agents_evicted_total",
			Help:      "Total number of agent instances evicted from the cache",
		},
	)

	// SendFailures counts outbound deliveries that exhausted retries.
	SendFailures = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "dialogd",
			Subsystem: "dispatch",
			Name:      "send_failures_total",
			Help:      "Total number of channel sends that failed after retries",
		},
	)
)
