// Package metrics registers the dispatcher's Prometheus series. The
// collector in the dispatcher package samples component state into these on
// every main-loop iteration; exposition happens on the observability
// server's /metrics endpoint.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	QueueSize = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_queue_size",
			Help: "Number of tasks in the dispatch queue",
		},
	)

	RunningTasks = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_running_tasks",
			Help: "Number of currently running tasks across all pools",
		},
	)

	GlobalRunningCount = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_global_running_count",
			Help: "Global running task count",
		},
	)

	MaxGlobalConcurrency = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_max_global_concurrency",
			Help: "Configured global concurrency limit",
		},
	)

	GlobalUtilization = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_global_utilization",
			Help: "Global concurrency utilization ratio (0.0-1.0)",
		},
	)

	AverageWaitTime = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "dispatcher_average_wait_time_seconds",
			Help: "Average task wait time from creation to assignment",
		},
	)

	TotalAssignments = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "dispatcher_total_assignments",
			Help: "Total number of task assignments",
		},
	)

	PoolUtilization = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_pool_utilization",
			Help: "Pool utilization ratio (0.0-1.0)",
		},
		[]string{"pool"},
	)

	PoolRunningCount = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "dispatcher_pool_running_count",
			Help: "Running task count per pool",
		},
		[]string{"pool"},
	)
)
