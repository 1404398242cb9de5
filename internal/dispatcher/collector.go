package dispatcher

import (
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/metrics"
	"github.com/fleetworks/dispatcher/internal/task"
)

// AssignmentRecord is one entry in the collector's assignment history.
type AssignmentRecord struct {
	TaskID     string    `json:"task_id"`
	PoolName   string    `json:"pool_name"`
	Priority   int       `json:"priority"`
	WaitTime   float64   `json:"wait_time_seconds"`
	AssignedAt time.Time `json:"assigned_at"`
}

// MetricsSnapshot is the collector's point-in-time view, surfaced through
// the status API.
type MetricsSnapshot struct {
	QueueSize            int                `json:"queue_size"`
	RunningTasks         int                `json:"running_tasks"`
	GlobalRunningCount   int                `json:"global_running_count"`
	MaxGlobalConcurrency int                `json:"max_global_concurrency"`
	GlobalUtilization    float64            `json:"global_utilization"`
	PoolUtilization      map[string]float64 `json:"pool_utilization"`
	PoolRunningCounts    map[string]int     `json:"pool_running_counts"`
	AverageWaitTime      float64            `json:"average_wait_time_seconds"`
	TotalAssignments     int                `json:"total_assignments"`
	Timestamp            time.Time          `json:"timestamp"`
}

// MetricsCollector samples the queue, the pools (whose counters give the
// running task count) and the global counter into the Prometheus series and
// keeps the assignment history the status API reports.
type MetricsCollector struct {
	mu        sync.Mutex
	snapshot  MetricsSnapshot
	history   []AssignmentRecord
	waitTimes map[string]float64

	queue   *TaskQueue
	pools   *PoolManager
	monitor *RunnerMonitor
	core    *Core
}

func NewMetricsCollector() *MetricsCollector {
	return &MetricsCollector{
		waitTimes: make(map[string]float64),
	}
}

func (c *MetricsCollector) bind(queue *TaskQueue, pools *PoolManager, monitor *RunnerMonitor, core *Core) {
	c.queue = queue
	c.pools = pools
	c.monitor = monitor
	c.core = core
}

// Collect samples current component state, updates the Prometheus series
// and stores the snapshot.
func (c *MetricsCollector) Collect() {
	c.mu.Lock()
	defer c.mu.Unlock()

	snap := MetricsSnapshot{
		PoolUtilization:   make(map[string]float64),
		PoolRunningCounts: make(map[string]int),
		Timestamp:         time.Now().UTC(),
		TotalAssignments:  len(c.history),
	}

	if c.queue != nil {
		snap.QueueSize = c.queue.Size()
	}
	if c.pools != nil {
		snap.RunningTasks = c.pools.RunningTotal()
		for _, st := range c.pools.AllStatuses() {
			snap.PoolUtilization[st.PoolName] = st.Utilization
			snap.PoolRunningCounts[st.PoolName] = st.CurrentRunning
			metrics.PoolUtilization.WithLabelValues(st.PoolName).Set(st.Utilization)
			metrics.PoolRunningCount.WithLabelValues(st.PoolName).Set(float64(st.CurrentRunning))
		}
	}
	if c.core != nil {
		snap.GlobalRunningCount = c.core.GlobalRunningCount()
		snap.MaxGlobalConcurrency = c.core.MaxGlobalConcurrency()
		if snap.MaxGlobalConcurrency > 0 {
			snap.GlobalUtilization = float64(snap.GlobalRunningCount) / float64(snap.MaxGlobalConcurrency)
		}
	}
	snap.AverageWaitTime = c.averageWaitLocked()

	metrics.QueueSize.Set(float64(snap.QueueSize))
	metrics.RunningTasks.Set(float64(snap.RunningTasks))
	metrics.GlobalRunningCount.Set(float64(snap.GlobalRunningCount))
	metrics.MaxGlobalConcurrency.Set(float64(snap.MaxGlobalConcurrency))
	metrics.GlobalUtilization.Set(snap.GlobalUtilization)
	metrics.AverageWaitTime.Set(snap.AverageWaitTime)

	c.snapshot = snap
}

// RecordAssignment tracks one task assignment including its queue wait time.
func (c *MetricsCollector) RecordAssignment(t *task.Task, poolName string) {
	now := time.Now().UTC()
	wait := now.Sub(t.CreatedAt).Seconds()

	c.mu.Lock()
	c.waitTimes[t.ID] = wait
	c.history = append(c.history, AssignmentRecord{
		TaskID:     t.ID,
		PoolName:   poolName,
		Priority:   t.Priority,
		WaitTime:   wait,
		AssignedAt: now,
	})
	c.mu.Unlock()

	metrics.TotalAssignments.Inc()

	logger.WithTask(t.ID).Debug().
		Str("pool", poolName).
		Float64("wait_time_seconds", wait).
		Msg("assignment recorded")
}

func (c *MetricsCollector) averageWaitLocked() float64 {
	if len(c.waitTimes) == 0 {
		return 0
	}
	total := 0.0
	for _, w := range c.waitTimes {
		total += w
	}
	return total / float64(len(c.waitTimes))
}

// Snapshot returns the last collected metrics view.
func (c *MetricsCollector) Snapshot() MetricsSnapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	snap := c.snapshot
	snap.PoolUtilization = copyFloatMap(c.snapshot.PoolUtilization)
	snap.PoolRunningCounts = copyIntMap(c.snapshot.PoolRunningCounts)
	return snap
}

// AssignmentCount returns how many assignments have been recorded.
func (c *MetricsCollector) AssignmentCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.history)
}

func copyFloatMap(in map[string]float64) map[string]float64 {
	out := make(map[string]float64, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func copyIntMap(in map[string]int) map[string]int {
	out := make(map[string]int, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
