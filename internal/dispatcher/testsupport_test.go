package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/config"
	"github.com/fleetworks/dispatcher/internal/task"
)

// fakeRegistry is an in-memory Task Registry for tests.
type fakeRegistry struct {
	mu         sync.Mutex
	tasksets   map[string]*task.Taskset
	events     []*task.Event
	failEvents bool
	err        error
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{tasksets: make(map[string]*task.Taskset)}
}

func (r *fakeRegistry) addTaskset(ts *task.Taskset) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tasksets[ts.SpecName] = ts
}

func (r *fakeRegistry) GetReadyTasks(spec string) ([]*task.Task, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var ready []*task.Task
	for name, ts := range r.tasksets {
		if spec != "" && name != spec {
			continue
		}
		for _, t := range ts.Tasks {
			if t.State == task.StateReady {
				ready = append(ready, t)
			}
		}
	}
	return ready, nil
}

func (r *fakeRegistry) GetTaskset(spec string) (*task.Taskset, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	return r.tasksets[spec], nil
}

func (r *fakeRegistry) GetTask(spec, taskID string) (*task.Task, error) {
	ts, err := r.GetTaskset(spec)
	if err != nil || ts == nil {
		return nil, err
	}
	return ts.Get(taskID), nil
}

func (r *fakeRegistry) ListTasksets() ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return nil, r.err
	}
	var specs []string
	for name := range r.tasksets {
		specs = append(specs, name)
	}
	return specs, nil
}

func (r *fakeRegistry) UpdateTaskState(spec, taskID string, newState task.State, metadata map[string]string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	ts := r.tasksets[spec]
	if ts == nil {
		return fmt.Errorf("taskset %q not found", spec)
	}
	t := ts.Get(taskID)
	if t == nil {
		return fmt.Errorf("task %q not found", taskID)
	}
	t.State = newState
	if t.Metadata == nil {
		t.Metadata = make(map[string]string)
	}
	for k, v := range metadata {
		t.Metadata[k] = v
	}
	return nil
}

func (r *fakeRegistry) RecordEvent(ev *task.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.failEvents {
		return errors.New("event store unavailable")
	}
	r.events = append(r.events, ev)
	return nil
}

func (r *fakeRegistry) eventsOfType(eventType task.EventType) []*task.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*task.Event
	for _, ev := range r.events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// stubBackend launches nothing; it records the task context of each
// successful launch (failed attempts are not recorded) and hands back
// runners with a fixed PID.
type stubBackend struct {
	mu       sync.Mutex
	launched []TaskContext
	fail     int // fail this many launches before succeeding
	launchCh chan TaskContext
}

func (b *stubBackend) Launch(_ context.Context, runnerID string, tc TaskContext, pool AgentPool) (Runner, error) {
	b.mu.Lock()
	if b.fail > 0 {
		b.fail--
		b.mu.Unlock()
		return Runner{}, errors.New("backend unavailable")
	}
	b.launched = append(b.launched, tc)
	b.mu.Unlock()

	if b.launchCh != nil {
		b.launchCh <- tc
	}
	return Runner{
		RunnerID:  runnerID,
		TaskID:    tc.TaskID,
		PoolName:  pool.Name,
		SlotID:    tc.SlotID,
		State:     RunnerRunning,
		StartedAt: time.Now().UTC(),
		PID:       4242,
	}, nil
}

func (b *stubBackend) launchCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.launched)
}

func newTestTask(id, spec string, priority int, deps ...string) *task.Task {
	t := task.New(id, "task "+id, priority)
	t.Dependencies = deps
	t.Metadata["spec_name"] = spec
	return t
}

func singlePoolConfig(name string, maxConcurrency int) map[string]config.PoolConfig {
	return map[string]config.PoolConfig{
		name: {Type: "local-process", MaxConcurrency: maxConcurrency},
	}
}

func testConfig(pools map[string]config.PoolConfig, skills map[string][]string, maxGlobal int) *config.Config {
	return &config.Config{
		Dispatcher: config.DispatcherConfig{
			PollInterval:            30 * time.Millisecond,
			SchedulingPolicy:        "priority",
			MaxGlobalConcurrency:    maxGlobal,
			HeartbeatTimeout:        60 * time.Second,
			RetryMaxAttempts:        3,
			RetryBackoffBase:        2.0,
			RetryInitialDelay:       time.Second,
			RetryMaxDelay:           300 * time.Second,
			GracefulShutdownTimeout: 5 * time.Second,
			DeadlockCheckInterval:   time.Hour,
			TaskRegistryDir:         "",
		},
		AgentPools:   pools,
		SkillMapping: skills,
	}
}
