package llm

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CompletionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dialogd",
		Subsystem: "llm",
		Name:      "completions_total",
		Help:      "Chat completion requests by outcome.",
	}, []string{"outcome"})

	CompletionDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "dialogd",
		Subsystem: "llm",
		Name:      "completion_duration_seconds",
		Help:      "Latency of one chat completion request.",
		Buckets:   []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60},
	})

	ToolCallsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dialogd",
		Subsystem: "llm",
		Name:      "tool_calls_total",
		Help:      "Tool invocations requested by the model.",
	}, []string{"tool"})

	TranscriptionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "dialogd",
		Subsystem: "llm",
		Name:      "transcriptions_total",
		Help:      "Audio transcription requests by outcome.",
	}, []string{"outcome"})
)
