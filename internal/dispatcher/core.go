// Package dispatcher implements the Dispatcher Core: the scheduling loop
// that pulls ready work from the Task Registry, routes it to agent pools,
// allocates workspace slots, launches runners, watches their heartbeats and
// records lifecycle events.
package dispatcher

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime/debug"
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/config"
	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/registry"
	"github.com/fleetworks/dispatcher/internal/repopool"
	"github.com/fleetworks/dispatcher/internal/task"
)

// Status is the observability snapshot of the whole dispatcher.
type Status struct {
	Running              bool                 `json:"running"`
	SchedulingPolicy     SchedulingPolicy     `json:"scheduling_policy"`
	QueueSize            int                  `json:"queue_size"`
	RunningTasks         int                  `json:"running_tasks"`
	GlobalRunningCount   int                  `json:"global_running_count"`
	MaxGlobalConcurrency int                  `json:"max_global_concurrency"`
	PoolStatuses         []PoolStatus         `json:"pool_statuses"`
	Metrics              MetricsSnapshot      `json:"metrics"`
	RetryInfo            map[string]RetryInfo `json:"retry_info"`
	Deadlock             DeadlockStatus       `json:"deadlock_info"`
	EventRecorder        EventRecorderStats   `json:"event_recorder"`
}

// DeadlockStatus reports the detector's last run.
type DeadlockStatus struct {
	LastCheck      time.Time  `json:"last_check,omitempty"`
	DetectedCycles [][]string `json:"detected_cycles"`
}

// Core orchestrates every dispatcher component: it owns the main loop, the
// global concurrency counter, the completion API and shutdown.
type Core struct {
	cfg config.DispatcherConfig

	taskMonitor   *TaskMonitor
	queue         *TaskQueue
	scheduler     *Scheduler
	pools         *PoolManager
	launcher      *RunnerLauncher
	runnerMonitor *RunnerMonitor
	retries       *RetryManager
	deadlocks     *DeadlockDetector
	events        *EventRecorder
	collector     *MetricsCollector

	registry registry.Registry
	slots    repopool.SlotAllocator

	globalMu      sync.Mutex
	globalRunning int

	runMu      sync.Mutex
	running    bool
	shutdownCh chan struct{}
	loopDone   chan struct{}

	lastDeadlockCheck time.Time
}

// New wires a Core from configuration and its external collaborators.
func New(cfg *config.Config, reg registry.Registry, slots repopool.SlotAllocator) *Core {
	d := cfg.Dispatcher

	c := &Core{
		cfg:      d,
		registry: reg,
		slots:    slots,
	}

	c.queue = NewTaskQueue()
	c.taskMonitor = NewTaskMonitor(reg)
	c.pools = NewPoolManager(cfg.AgentPools, cfg.SkillMapping)
	c.retries = NewRetryManager(d.RetryMaxAttempts, d.RetryBackoffBase, d.RetryInitialDelay, d.RetryMaxDelay)
	c.scheduler = NewScheduler(ParseSchedulingPolicy(d.SchedulingPolicy), c.retries)
	c.launcher = NewRunnerLauncher(d.RetryMaxAttempts)
	c.runnerMonitor = NewRunnerMonitor(d.HeartbeatTimeout, c.handleRunnerTimeout)
	c.deadlocks = NewDeadlockDetector()
	c.events = NewEventRecorder(reg, filepath.Join(d.TaskRegistryDir, ".dispatcher_events"))
	c.collector = NewMetricsCollector()
	c.collector.bind(c.queue, c.pools, c.runnerMonitor, c)

	logger.WithComponent("dispatcher").Info().
		Str("policy", string(c.scheduler.Policy())).
		Int("max_global_concurrency", d.MaxGlobalConcurrency).
		Dur("poll_interval", d.PollInterval).
		Msg("dispatcher core initialized")
	return c
}

// Launcher exposes the runner launcher, e.g. to register custom backends.
func (c *Core) Launcher() *RunnerLauncher {
	return c.launcher
}

// RunnerMonitor exposes the monitor, e.g. for heartbeat ingestion.
func (c *Core) RunnerMonitor() *RunnerMonitor {
	return c.runnerMonitor
}

// Start launches the main dispatch loop on its own goroutine. Calling Start
// on a running dispatcher is a no-op.
func (c *Core) Start() {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		logger.WithComponent("dispatcher").Warn().Msg("dispatcher already running")
		return
	}
	c.running = true
	c.shutdownCh = make(chan struct{})
	c.loopDone = make(chan struct{})

	go c.mainLoop(c.shutdownCh, c.loopDone)

	logger.WithComponent("dispatcher").Info().Msg("dispatcher started")
}

// Stop performs graceful shutdown: it stops the loop, waits up to timeout
// for running runners to drain, then force-stops whatever remains. Stop is
// idempotent and a no-op before Start.
func (c *Core) Stop(timeout time.Duration) {
	c.runMu.Lock()
	if !c.running {
		c.runMu.Unlock()
		logger.WithComponent("dispatcher").Warn().Msg("dispatcher is not running")
		return
	}
	c.running = false
	close(c.shutdownCh)
	loopDone := c.loopDone
	c.runMu.Unlock()

	log := logger.WithComponent("dispatcher")
	log.Info().Dur("timeout", timeout).Msg("stopping dispatcher")

	select {
	case <-loopDone:
	case <-time.After(10 * time.Second):
		log.Warn().Msg("main loop did not exit within bound")
	}

	c.waitForRunners(timeout)
	log.Info().Msg("dispatcher stopped")
}

func (c *Core) mainLoop(shutdownCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	log := logger.WithComponent("dispatcher")
	log.Info().Msg("main dispatch loop started")

	for {
		select {
		case <-shutdownCh:
			log.Info().Msg("main dispatch loop stopped")
			return
		default:
		}

		c.iterate()

		select {
		case <-shutdownCh:
			log.Info().Msg("main dispatch loop stopped")
			return
		case <-time.After(c.cfg.PollInterval):
		}
	}
}

// iterate runs one pass of the dispatch loop. Any panic is caught and
// logged; the loop never dies of user error.
func (c *Core) iterate() {
	defer func() {
		if r := recover(); r != nil {
			logger.WithComponent("dispatcher").Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("error in main dispatch loop")
		}
	}()

	// 1. Poll ready tasks and enqueue new ones, deduped by ID.
	for _, t := range c.taskMonitor.PollReadyTasks("") {
		if c.queue.Contains(t.ID) {
			continue
		}
		c.queue.Enqueue(t)
		logger.WithTask(t.ID).Info().
			Int("priority", t.Priority).
			Msg("task enqueued")
	}

	// 2. Schedule and assign while the global limit allows.
	if c.CanAcceptTaskGlobally() {
		for _, a := range c.scheduler.Schedule(c.queue, c.pools) {
			if !c.CanAcceptTaskGlobally() {
				// Global limit reached mid-batch: restore the pool
				// counter the scheduler took and put the task back.
				c.requeue(a.Task, a.Pool)
				logger.WithTask(a.Task.ID).Debug().
					Msg("global concurrency limit reached, task re-queued")
				continue
			}
			if err := c.assignTask(a.Task, a.Pool); err != nil {
				logger.WithTask(a.Task.ID).Error().Err(err).Msg("task assignment failed")
				c.requeue(a.Task, a.Pool)
			}
		}
	} else {
		logger.WithComponent("dispatcher").Debug().
			Int("global_running", c.GlobalRunningCount()).
			Int("limit", c.cfg.MaxGlobalConcurrency).
			Msg("global concurrency limit reached, skipping scheduling")
	}

	// 3. Heartbeat sweep.
	c.runnerMonitor.CheckHeartbeats()

	// 4. Periodic deadlock detection.
	if time.Since(c.lastDeadlockCheck) >= c.cfg.DeadlockCheckInterval {
		c.checkForDeadlocks()
		c.lastDeadlockCheck = time.Now()
	}

	// 5. Metrics.
	c.collector.Collect()
}

// requeue undoes a scheduler claim: the pool counter goes back down and the
// task returns to the queue.
func (c *Core) requeue(t *task.Task, pool string) {
	if err := c.pools.DecrementRunning(pool); err != nil {
		logger.WithPool(pool).Error().Err(err).Msg("failed to restore pool counter")
	}
	c.queue.Enqueue(t)
}

// assignTask allocates a slot, launches a runner and commits the
// assignment. The scheduler has already incremented the pool counter; this
// method owns the global counter increment. When no slot is available, or
// the runner launch fails (the slot is then released first), it re-queues
// the task itself and returns nil; an unknown pool returns an error and
// leaves the re-queue to the caller.
func (c *Core) assignTask(t *task.Task, poolName string) error {
	log := logger.WithTask(t.ID)
	log.Info().Str("pool", poolName).Msg("assigning task")

	pool, err := c.pools.Pool(poolName)
	if err != nil {
		return assignmentError(t.ID, err)
	}

	// 1. Allocate a workspace slot.
	slot, err := c.allocateSlot(t)
	if err != nil || slot == nil {
		log.Warn().Msg("no slot available, re-queuing task")
		c.requeue(t, poolName)
		return nil
	}
	log.Info().Str("slot_id", slot.SlotID).Msg("slot allocated")

	// 2. Launch the runner; on failure release the slot and re-queue.
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	runner, err := c.launcher.Launch(ctx, t, slot, pool)
	if err != nil {
		log.Error().Err(err).Msg("runner launch failed")
		c.releaseSlot(slot.SlotID)
		c.requeue(t, poolName)
		return nil
	}

	spec := t.SpecName()

	// 3. Mark the task Running in the registry. Errors are logged, not
	// raised: the runner is already running.
	err = c.registry.UpdateTaskState(spec, t.ID, task.StateRunning, map[string]string{
		"runner_id":     runner.RunnerID,
		"assigned_slot": slot.SlotID,
		"pool_name":     poolName,
		"started_at":    runner.StartedAt.Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to update task registry, runner already committed")
	}

	// 4. Lifecycle events.
	c.events.RecordTaskAssigned(spec, t.ID, runner.RunnerID, slot.SlotID, poolName, runner.StartedAt)
	c.events.RecordRunnerStarted(spec, t.ID, runner)

	// 5. Monitoring.
	c.runnerMonitor.AddRunner(runner)

	// 6. Global counter (the pool counter was taken at schedule time).
	c.incrementGlobalRunning()

	// 7. Metrics.
	c.collector.RecordAssignment(t, poolName)

	log.Info().
		Str("runner_id", runner.RunnerID).
		Str("pool", poolName).
		Msg("task assigned")
	return nil
}

func (c *Core) allocateSlot(t *task.Task) (*repopool.Slot, error) {
	slot, err := c.slots.AllocateSlot(t.RepoName(), map[string]string{
		"task_id":      t.ID,
		"spec_name":    t.SpecName(),
		"allocated_by": "dispatcher",
		"allocated_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSlotAllocation, err)
	}
	return slot, nil
}

func (c *Core) releaseSlot(slotID string) {
	if slotID == "" {
		return
	}
	if err := c.slots.ReleaseSlot(slotID, true); err != nil {
		logger.WithComponent("dispatcher").Error().
			Err(err).
			Str("slot_id", slotID).
			Msg("failed to release slot")
	}
}

// HandleRunnerCompletion is the inbound completion API, called by runners
// or an out-of-band supervisor when a runner finishes.
func (c *Core) HandleRunnerCompletion(runnerID, taskID, specName string, success bool, slotID, poolName, failureReason string) error {
	log := logger.WithRunner(runnerID)
	log.Info().
		Str("task_id", taskID).
		Bool("success", success).
		Msg("handling runner completion")

	var executionTime time.Duration
	if info, ok := c.runnerMonitor.RunnerStatus(runnerID); ok {
		executionTime = time.Since(info.Runner.StartedAt)
	}

	c.runnerMonitor.RemoveRunner(runnerID)

	if !success {
		c.events.RecordRunnerFinished(specName, taskID, runnerID, slotID, false, executionTime, failureReason)
		if failureReason == "" {
			failureReason = "unknown"
		}
		c.HandleTaskFailure(taskID, specName, failureReason, runnerID, slotID, poolName)
		return nil
	}

	// Completion events are written before the slot is released; release
	// is idempotent so either ordering would be safe.
	c.events.RecordRunnerFinished(specName, taskID, runnerID, slotID, true, executionTime, "")
	c.events.RecordTaskCompleted(specName, taskID, runnerID, executionTime)

	c.releaseSlot(slotID)
	if err := c.pools.DecrementRunning(poolName); err != nil {
		log.Error().Err(err).Str("pool", poolName).Msg("failed to decrement pool counter")
	}
	c.decrementGlobalRunning()

	err := c.registry.UpdateTaskState(specName, taskID, task.StateDone, map[string]string{
		"runner_id":    runnerID,
		"completed_at": time.Now().UTC().Format(time.RFC3339Nano),
	})
	if err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to mark task done in registry")
	}

	c.retries.Clear(taskID)
	return nil
}

// HandleTaskFailure records the failure, frees the runner's resources and
// either re-queues the task for retry or marks it permanently Failed.
func (c *Core) HandleTaskFailure(taskID, specName, failureReason, runnerID, slotID, poolName string) {
	log := logger.WithTask(taskID)
	log.Warn().Str("reason", failureReason).Msg("handling task failure")

	c.retries.RecordFailure(taskID, failureReason)

	c.releaseSlot(slotID)
	if poolName != "" {
		if err := c.pools.DecrementRunning(poolName); err != nil {
			log.Error().Err(err).Str("pool", poolName).Msg("failed to decrement pool counter")
		}
	}
	c.decrementGlobalRunning()

	retryCount := c.retries.RetryCount(taskID)
	if retryCount < c.retries.MaxAttempts() {
		log.Info().
			Int("retry_count", retryCount).
			Int("max_attempts", c.retries.MaxAttempts()).
			Msg("task will be retried")

		t, err := c.registry.GetTask(specName, taskID)
		if err != nil || t == nil {
			log.Error().Err(err).Msg("failed to load task for retry re-queue")
			return
		}
		if !c.queue.Contains(taskID) {
			c.queue.Enqueue(t)
		}
		return
	}

	log.Error().
		Int("retry_count", retryCount).
		Msg("task permanently failed, retry budget exhausted")

	c.events.RecordTaskFailed(specName, taskID, runnerID, failureReason, retryCount)

	err := c.registry.UpdateTaskState(specName, taskID, task.StateFailed, map[string]string{
		"reason":    failureReason,
		"retries":   fmt.Sprintf("%d", retryCount),
		"runner_id": runnerID,
	})
	if err != nil {
		log.Error().Err(err).Msg("failed to mark task failed in registry")
	}
	c.retries.Clear(taskID)
}

// handleRunnerTimeout is wired as the RunnerMonitor's timeout handler. The
// spec name travels on the runner itself; task IDs are never parsed.
func (c *Core) handleRunnerTimeout(runnerID string, info RunnerInfo) {
	logger.WithRunner(runnerID).Warn().
		Str("task_id", info.Runner.TaskID).
		Msg("handling runner timeout")

	c.runnerMonitor.RemoveRunner(runnerID)
	c.HandleTaskFailure(
		info.Runner.TaskID,
		info.Runner.SpecName,
		"timeout",
		runnerID,
		info.Runner.SlotID,
		info.Runner.PoolName,
	)
}

func (c *Core) checkForDeadlocks() {
	log := logger.WithComponent("deadlock_detector")

	specs, err := c.registry.ListTasksets()
	if err != nil {
		log.Error().Err(err).Msg("failed to list tasksets for deadlock check")
		return
	}
	var allTasks []*task.Task
	for _, spec := range specs {
		ts, err := c.registry.GetTaskset(spec)
		if err != nil || ts == nil {
			continue
		}
		allTasks = append(allTasks, ts.Tasks...)
	}
	if len(allTasks) == 0 {
		return
	}

	cycles := c.deadlocks.Detect(allTasks)
	if len(cycles) == 0 {
		log.Debug().Msg("no deadlocks detected")
		return
	}

	for _, suggestion := range c.deadlocks.SuggestResolution(cycles) {
		log.Warn().Str("suggestion", suggestion).Msg("manual intervention required")
	}
	blocked := c.deadlocks.BlockedTasks(allTasks)
	ids := make([]string, len(blocked))
	for i, t := range blocked {
		ids[i] = t.ID
	}
	log.Warn().Strs("blocked_tasks", ids).Msg("tasks blocked by circular dependencies")
}

// CheckDeadlockNow triggers detection on demand across all registry tasks.
func (c *Core) CheckDeadlockNow(raiseOnDeadlock bool) (bool, error) {
	specs, err := c.registry.ListTasksets()
	if err != nil {
		return false, err
	}
	var allTasks []*task.Task
	for _, spec := range specs {
		ts, err := c.registry.GetTaskset(spec)
		if err != nil || ts == nil {
			continue
		}
		allTasks = append(allTasks, ts.Tasks...)
	}
	return c.deadlocks.CheckForDeadlock(allTasks, raiseOnDeadlock)
}

func (c *Core) waitForRunners(timeout time.Duration) {
	log := logger.WithComponent("dispatcher")
	start := time.Now()

	for {
		running := c.runnerMonitor.RunningCount()
		if running == 0 {
			log.Info().Msg("all runners completed")
			return
		}
		elapsed := time.Since(start)
		if elapsed >= timeout {
			log.Warn().
				Int("running", running).
				Dur("timeout", timeout).
				Msg("shutdown timeout reached, force stopping runners")
			c.forceStopRunners()
			return
		}

		log.Info().
			Int("running", running).
			Dur("elapsed", elapsed).
			Dur("timeout", timeout).
			Msg("waiting for runners to complete")

		wait := 5 * time.Second
		if remaining := timeout - elapsed; remaining < wait {
			wait = remaining
		}
		time.Sleep(wait)
	}
}

// forceStopRunners fails every remaining runner, releasing its slot and
// restoring both counters.
func (c *Core) forceStopRunners() {
	log := logger.WithComponent("dispatcher")

	for runnerID, info := range c.runnerMonitor.AllRunners() {
		if info.State != RunnerRunning {
			continue
		}
		log.Warn().Str("runner_id", runnerID).Msg("force stopping runner")

		c.runnerMonitor.UpdateRunnerState(runnerID, RunnerFailed)
		c.releaseSlot(info.Runner.SlotID)
		if err := c.pools.DecrementRunning(info.Runner.PoolName); err != nil {
			log.Error().Err(err).Str("pool", info.Runner.PoolName).Msg("failed to decrement pool counter")
		}
		c.decrementGlobalRunning()
		c.runnerMonitor.RemoveRunner(runnerID)
	}
}

func (c *Core) incrementGlobalRunning() {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	c.globalRunning++
	logger.WithComponent("dispatcher").Debug().
		Int("global_running", c.globalRunning).
		Int("limit", c.cfg.MaxGlobalConcurrency).
		Msg("global running count incremented")
}

func (c *Core) decrementGlobalRunning() {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	if c.globalRunning == 0 {
		logger.WithComponent("dispatcher").Warn().Msg("decrement of global running count at zero")
		return
	}
	c.globalRunning--
	logger.WithComponent("dispatcher").Debug().
		Int("global_running", c.globalRunning).
		Int("limit", c.cfg.MaxGlobalConcurrency).
		Msg("global running count decremented")
}

// GlobalRunningCount returns the global concurrency counter.
func (c *Core) GlobalRunningCount() int {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return c.globalRunning
}

// MaxGlobalConcurrency returns the configured global limit.
func (c *Core) MaxGlobalConcurrency() int {
	return c.cfg.MaxGlobalConcurrency
}

// CanAcceptTaskGlobally gates scheduling on the global concurrency limit.
func (c *Core) CanAcceptTaskGlobally() bool {
	c.globalMu.Lock()
	defer c.globalMu.Unlock()
	return c.globalRunning < c.cfg.MaxGlobalConcurrency
}

// UpdateTaskPriority changes a task's priority in the registry and, when
// the task is queued, re-sorts the queue around the new value.
func (c *Core) UpdateTaskPriority(specName, taskID string, newPriority int) error {
	log := logger.WithTask(taskID)

	ts, err := c.registry.GetTaskset(specName)
	if err != nil {
		return err
	}
	if ts == nil {
		return fmt.Errorf("taskset %q not found", specName)
	}
	t := ts.Get(taskID)
	if t == nil {
		return fmt.Errorf("task %q not found in spec %q", taskID, specName)
	}

	oldPriority := t.Priority
	err = c.registry.UpdateTaskState(specName, taskID, t.State, map[string]string{
		"priority": fmt.Sprintf("%d", newPriority),
	})
	if err != nil {
		return err
	}

	if c.queue.Contains(taskID) {
		// Drain, mutate, and re-enqueue everything so the ordering
		// invariant holds for the new priority.
		var drained []*task.Task
		for {
			qt := c.queue.Dequeue()
			if qt == nil {
				break
			}
			if qt.ID == taskID {
				qt.Priority = newPriority
			}
			drained = append(drained, qt)
		}
		for _, qt := range drained {
			c.queue.Enqueue(qt)
		}
		log.Info().
			Int("old_priority", oldPriority).
			Int("new_priority", newPriority).
			Msg("task priority updated and queue re-sorted")
	} else {
		log.Info().
			Int("old_priority", oldPriority).
			Int("new_priority", newPriority).
			Msg("task priority updated (not queued)")
	}
	return nil
}

// SetSchedulingPolicy atomically replaces the scheduler's policy.
func (c *Core) SetSchedulingPolicy(policy SchedulingPolicy) {
	c.scheduler.SetPolicy(policy)
}

// DisablePriorityScheduling switches to FIFO.
func (c *Core) DisablePriorityScheduling() {
	c.SetSchedulingPolicy(PolicyFIFO)
}

// EnablePriorityScheduling switches to priority scheduling.
func (c *Core) EnablePriorityScheduling() {
	c.SetSchedulingPolicy(PolicyPriority)
}

// IsRunning reports whether the main loop is active.
func (c *Core) IsRunning() bool {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.running
}

// Status assembles the observability snapshot.
func (c *Core) Status() Status {
	return Status{
		Running:              c.IsRunning(),
		SchedulingPolicy:     c.scheduler.Policy(),
		QueueSize:            c.queue.Size(),
		RunningTasks:         c.runnerMonitor.RunningCount(),
		GlobalRunningCount:   c.GlobalRunningCount(),
		MaxGlobalConcurrency: c.cfg.MaxGlobalConcurrency,
		PoolStatuses:         c.pools.AllStatuses(),
		Metrics:              c.collector.Snapshot(),
		RetryInfo:            c.retries.Snapshot(),
		Deadlock: DeadlockStatus{
			LastCheck:      c.deadlocks.LastCheckTime(),
			DetectedCycles: c.deadlocks.DetectedCycles(),
		},
		EventRecorder: c.events.Stats(),
	}
}
