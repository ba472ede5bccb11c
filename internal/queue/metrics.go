package queue

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TasksEnqueued counts created tasks. Labels: agent, task_type
	TasksEnqueued = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "queue",
			Name:      "tasks_enqueued_total",
			Help:      "Total number of tasks enqueued",
		},
		[]string{"agent", "task_type"},
	)

	// TasksClaimed counts successful claims. Labels: agent
	TasksClaimed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "queue",
			Name:      "tasks_claimed_total",
			Help:      "Total number of tasks claimed by workers",
		},
		[]string{"agent"},
	)

	// TasksFinished counts terminal transitions. Labels: agent, status
	TasksFinished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "queue",
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal status",
		},
		[]string{"agent", "status"},
	)

	// TasksReclaimed counts in_progress tasks failed by the liveness check.
	TasksReclaimed = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "queue",
			Name:      "tasks_reclaimed_total",
			Help:      "Total number of stale in-progress tasks reclaimed",
		},
	)

	// TasksRetried counts retry tasks created from failed tasks.
	TasksRetried = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: "phased",
			Subsystem: "queue",
			Name:      "tasks_retried_total",
			Help:      "Total number of retry tasks enqueued",
		},
	)

	// ClaimDuration tracks claim statement latency.
	ClaimDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "phased",
			Subsystem: "queue",
			Name:      "claim_duration_seconds",
			Help:      "Duration of claim operations in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
	)
)
