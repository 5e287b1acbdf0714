package agent

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricTurnsActive = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "conn",
		Name:      "turns_active",
		Help:      "Number of agent turns currently streaming.",
	})
	metricTurnsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "conn",
		Name:      "turns_total",
		Help:      "Completed agent turns by outcome.",
	}, []string{"outcome"})
	metricTurnDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: "conn",
		Name:      "turn_duration_seconds",
		Help:      "Wall-clock duration of agent turns.",
		Buckets:   prometheus.ExponentialBuckets(0.5, 2, 12),
	})
	metricResumeRetries = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conn",
		Name:      "resume_retries_total",
		Help:      "Turns retried after a stale resume token.",
	})
	metricMalformedLines = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "conn",
		Name:      "malformed_lines_total",
		Help:      "Agent output lines that failed to parse.",
	})
)

// Turn outcome labels.
const (
	outcomeComplete  = "complete"
	outcomeCancelled = "cancelled"
	outcomeBusy      = "busy"
	outcomeError     = "error"
)
