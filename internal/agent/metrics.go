package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	InvokesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dialogd",
		Subsystem: "agent",
		Name:      "invokes_total",
		Help:      "Agent turn executions by outcome.",
	}, []string{"outcome"})

	InvokeDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dialogd",
		Subsystem: "agent",
		Name:      "invoke_duration_seconds",
		Help:      "Duration of successful agent turns in seconds.",
		Buckets:   []float64{0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
	})

	SetupsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dialogd",
		Subsystem: "agent",
		Name:      "setups_total",
		Help:      "Agent assemblies by outcome.",
	}, []string{"outcome"})
)
