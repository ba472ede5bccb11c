package worker

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksProcessed counts handled tasks. Labels: agent, outcome
	TasksProcessed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "worker",
			Name:      "tasks_processed_total",
			Help:      "Total number of tasks processed by workers",
		},
		[]string{"agent", "outcome"},
	)

	// HandleDuration tracks handler latency. Labels: agent
	HandleDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "phased",
			Subsystem: "worker",
			Name:      "handle_duration_seconds",
			Help:      "Duration of task handlers in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
		},
		[]string{"agent"},
	)
)

const (
	outcomeCompleted = "completed"
	outcomeFailed    = "failed"
	outcomeTimeout   = "timeout"
)
