// Package registry is the dispatcher's client for the Task Registry, the
// external persistent store of task state plus an append-only event log.
// The dispatcher only consumes the Registry interface; FileStore is the
// directory-backed implementation used by the binary and by tests.
package registry

import (
	"github.com/fleetworks/dispatcher/internal/task"
)

// Registry is the surface the dispatcher needs from the Task Registry.
type Registry interface {
	// GetReadyTasks returns tasks in Ready state, for one spec or, when
	// spec is empty, across all specs.
	GetReadyTasks(spec string) ([]*task.Task, error)

	// GetTaskset loads the full taskset for a spec, or nil when absent.
	GetTaskset(spec string) (*task.Taskset, error)

	// GetTask loads a single task, or nil when absent.
	GetTask(spec, taskID string) (*task.Task, error)

	// ListTasksets enumerates known spec names.
	ListTasksets() ([]string, error)

	// UpdateTaskState transitions a task and merges metadata into it.
	UpdateTaskState(spec, taskID string, newState task.State, metadata map[string]string) error

	// RecordEvent appends to the event log.
	RecordEvent(ev *task.Event) error
}
