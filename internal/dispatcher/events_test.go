package dispatcher

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/dispatcher/internal/task"
)

func TestEventRecorder_RecordsThroughRegistry(t *testing.T) {
	reg := newFakeRegistry()
	r := NewEventRecorder(reg, t.TempDir())

	ts := time.Now().UTC()
	r.RecordTaskAssigned("spec", "t1", "r1", "slot-1", "main", ts)
	r.RecordRunnerStarted("spec", "t1", Runner{
		RunnerID:  "r1",
		SlotID:    "slot-1",
		PoolName:  "main",
		StartedAt: ts,
		PID:       777,
	})
	r.RecordRunnerFinished("spec", "t1", "r1", "slot-1", true, 3*time.Second, "")
	r.RecordTaskCompleted("spec", "t1", "r1", 3*time.Second)
	r.RecordTaskFailed("spec", "t2", "r2", "boom", 3)

	require.Len(t, reg.events, 5)

	assigned := reg.eventsOfType(task.EventTaskAssigned)
	require.Len(t, assigned, 1)
	assert.Equal(t, "r1", assigned[0].Details["runner_id"])
	assert.Equal(t, "main", assigned[0].Details["pool_name"])

	started := reg.eventsOfType(task.EventRunnerStarted)
	require.Len(t, started, 1)
	assert.Equal(t, 777, started[0].Details["pid"])

	finished := reg.eventsOfType(task.EventRunnerFinished)
	require.Len(t, finished, 1)
	assert.Equal(t, true, finished[0].Details["success"])
	assert.InDelta(t, 3.0, finished[0].Details["execution_time_seconds"], 1e-9)

	failed := reg.eventsOfType(task.EventTaskFailed)
	require.Len(t, failed, 1)
	assert.Equal(t, "boom", failed[0].Details["failure_reason"])
	assert.Equal(t, 3, failed[0].Details["retry_count"])

	stats := r.Stats()
	assert.Equal(t, 5, stats.Recorded)
	assert.Zero(t, stats.Fallback)
}

func TestEventRecorder_FallbackOnRegistryFailure(t *testing.T) {
	reg := newFakeRegistry()
	reg.failEvents = true
	dir := t.TempDir()
	r := NewEventRecorder(reg, dir)

	r.RecordTaskCompleted("spec", "t1", "r1", time.Second)

	data, err := os.ReadFile(filepath.Join(dir, "events.jsonl"))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	ev, err := task.EventFromJSONL(lines[0])
	require.NoError(t, err)
	assert.Equal(t, task.EventTaskCompleted, ev.Type)
	assert.Equal(t, "t1", ev.TaskID)

	stats := r.Stats()
	assert.Zero(t, stats.Recorded)
	assert.Equal(t, 1, stats.Fallback)
}

func TestEventRecorder_RunnerStartedBackendHandles(t *testing.T) {
	reg := newFakeRegistry()
	r := NewEventRecorder(reg, t.TempDir())

	r.RecordRunnerStarted("spec", "t1", Runner{RunnerID: "r1", ContainerID: "c-abc", StartedAt: time.Now()})
	r.RecordRunnerStarted("spec", "t2", Runner{RunnerID: "r2", JobName: "job-xyz", StartedAt: time.Now()})

	started := reg.eventsOfType(task.EventRunnerStarted)
	require.Len(t, started, 2)
	assert.Equal(t, "c-abc", started[0].Details["container_id"])
	assert.NotContains(t, started[0].Details, "pid")
	assert.Equal(t, "job-xyz", started[1].Details["job_name"])
}

func TestEventRecorder_OmitsUnknownExecutionTime(t *testing.T) {
	reg := newFakeRegistry()
	r := NewEventRecorder(reg, t.TempDir())

	r.RecordRunnerFinished("spec", "t1", "r1", "slot-1", false, 0, "crash")
	finished := reg.eventsOfType(task.EventRunnerFinished)
	require.Len(t, finished, 1)
	assert.NotContains(t, finished[0].Details, "execution_time_seconds")
	assert.Equal(t, "crash", finished[0].Details["failure_reason"])
}
