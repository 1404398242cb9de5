package dispatcher

import (
	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/registry"
	"github.com/fleetworks/dispatcher/internal/task"
)

// TaskMonitor polls the Task Registry for Ready tasks and filters out any
// whose dependencies are not all Done.
type TaskMonitor struct {
	registry registry.Registry
}

func NewTaskMonitor(reg registry.Registry) *TaskMonitor {
	return &TaskMonitor{registry: reg}
}

// PollReadyTasks returns Ready tasks with fully resolved dependencies, for
// one spec or (when spec is empty) across all specs. Registry errors are
// logged and yield an empty result, never an error into the main loop.
func (m *TaskMonitor) PollReadyTasks(spec string) []*task.Task {
	log := logger.WithComponent("task_monitor")

	ready, err := m.registry.GetReadyTasks(spec)
	if err != nil {
		log.Error().Err(err).Str("spec", spec).Msg("failed to poll ready tasks")
		return nil
	}
	if len(ready) == 0 {
		return nil
	}

	filtered := make([]*task.Task, 0, len(ready))
	for _, t := range ready {
		if m.dependenciesResolved(t) {
			filtered = append(filtered, t)
		} else {
			log.Debug().
				Str("task_id", t.ID).
				Strs("dependencies", t.Dependencies).
				Msg("task has unresolved dependencies")
		}
	}

	log.Debug().
		Int("ready", len(ready)).
		Int("resolved", len(filtered)).
		Msg("polled ready tasks")
	return filtered
}

// dependenciesResolved verifies every dependency is loadable and Done. A
// task without a spec_name cannot be verified and passes optimistically.
func (m *TaskMonitor) dependenciesResolved(t *task.Task) bool {
	if len(t.Dependencies) == 0 {
		return true
	}

	spec := t.SpecName()
	if spec == "" {
		logger.WithTask(t.ID).Warn().Msg("task missing spec_name in metadata, cannot verify dependencies")
		return true
	}

	for _, depID := range t.Dependencies {
		dep, err := m.registry.GetTask(spec, depID)
		if err != nil || dep == nil {
			logger.WithTask(t.ID).Warn().
				Str("dependency", depID).
				Msg("dependency task not loadable")
			return false
		}
		if dep.State != task.StateDone {
			return false
		}
	}
	return true
}
