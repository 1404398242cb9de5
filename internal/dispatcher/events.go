package dispatcher

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/registry"
	"github.com/fleetworks/dispatcher/internal/task"
)

// EventRecorderStats counts recorder outcomes.
type EventRecorderStats struct {
	Recorded int `json:"recorded"`
	Fallback int `json:"fallback"`
	Failed   int `json:"failed"`
}

// EventRecorder writes dispatcher lifecycle events to the Task Registry's
// event log. When the registry write fails it appends to a fallback JSONL
// file instead; an event write must never abort an assignment.
type EventRecorder struct {
	registry    registry.Registry
	fallbackDir string

	mu    sync.Mutex
	stats EventRecorderStats
}

func NewEventRecorder(reg registry.Registry, fallbackDir string) *EventRecorder {
	return &EventRecorder{registry: reg, fallbackDir: fallbackDir}
}

func (r *EventRecorder) record(ev *task.Event) {
	err := r.registry.RecordEvent(ev)
	if err == nil {
		r.mu.Lock()
		r.stats.Recorded++
		r.mu.Unlock()
		return
	}
	logger.WithComponent("event_recorder").Warn().
		Err(err).
		Str("event_type", string(ev.Type)).
		Str("task_id", ev.TaskID).
		Msg("registry event write failed, using fallback log")

	if err := r.writeFallback(ev); err != nil {
		logger.WithComponent("event_recorder").Error().
			Err(err).
			Str("event_type", string(ev.Type)).
			Str("task_id", ev.TaskID).
			Msg("fallback event write failed, event lost")
		r.mu.Lock()
		r.stats.Failed++
		r.mu.Unlock()
		return
	}
	r.mu.Lock()
	r.stats.Fallback++
	r.mu.Unlock()
}

func (r *EventRecorder) writeFallback(ev *task.Event) error {
	if err := os.MkdirAll(r.fallbackDir, 0o755); err != nil {
		return err
	}
	line, err := ev.ToJSONL()
	if err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(r.fallbackDir, "events.jsonl"),
		os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line + "\n")
	return err
}

func (r *EventRecorder) RecordTaskAssigned(spec, taskID, runnerID, slotID, poolName string, ts time.Time) {
	r.record(&task.Event{
		Type:      task.EventTaskAssigned,
		SpecName:  spec,
		TaskID:    taskID,
		Timestamp: ts,
		Details: map[string]any{
			"runner_id": runnerID,
			"slot_id":   slotID,
			"pool_name": poolName,
		},
	})
}

func (r *EventRecorder) RecordRunnerStarted(spec, taskID string, runner Runner) {
	details := map[string]any{
		"runner_id": runner.RunnerID,
		"slot_id":   runner.SlotID,
		"pool_name": runner.PoolName,
	}
	switch {
	case runner.PID != 0:
		details["pid"] = runner.PID
	case runner.ContainerID != "":
		details["container_id"] = runner.ContainerID
	case runner.JobName != "":
		details["job_name"] = runner.JobName
	}
	r.record(&task.Event{
		Type:      task.EventRunnerStarted,
		SpecName:  spec,
		TaskID:    taskID,
		Timestamp: runner.StartedAt,
		Details:   details,
	})
}

func (r *EventRecorder) RecordRunnerFinished(spec, taskID, runnerID, slotID string, success bool, executionTime time.Duration, failureReason string) {
	details := map[string]any{
		"runner_id": runnerID,
		"slot_id":   slotID,
		"success":   success,
	}
	if executionTime > 0 {
		details["execution_time_seconds"] = executionTime.Seconds()
	}
	if failureReason != "" {
		details["failure_reason"] = failureReason
	}
	r.record(task.NewEvent(task.EventRunnerFinished, spec, taskID, details))
}

func (r *EventRecorder) RecordTaskCompleted(spec, taskID, runnerID string, executionTime time.Duration) {
	details := map[string]any{
		"runner_id": runnerID,
	}
	if executionTime > 0 {
		details["execution_time_seconds"] = executionTime.Seconds()
	}
	r.record(task.NewEvent(task.EventTaskCompleted, spec, taskID, details))
}

func (r *EventRecorder) RecordTaskFailed(spec, taskID, runnerID, failureReason string, retryCount int) {
	r.record(task.NewEvent(task.EventTaskFailed, spec, taskID, map[string]any{
		"runner_id":      runnerID,
		"failure_reason": failureReason,
		"retry_count":    retryCount,
	}))
}

// Stats returns a copy of the recorder's counters.
func (r *EventRecorder) Stats() EventRecorderStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}
