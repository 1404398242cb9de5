package task

import (
	"encoding/json"
	"time"
)

// State represents the lifecycle state of a task as tracked by the Task
// Registry.
type State string

const (
	StateReady   State = "ready"
	StateRunning State = "running"
	StateBlocked State = "blocked"
	StateDone    State = "done"
	StateFailed  State = "failed"
)

func ParseState(s string) State {
	switch State(s) {
	case StateReady, StateRunning, StateBlocked, StateDone, StateFailed:
		return State(s)
	default:
		return StateReady
	}
}

// IsTerminal returns true for states that never transition again.
func (s State) IsTerminal() bool {
	return s == StateDone || s == StateFailed
}

// Task is a unit of work consumed from the Task Registry.
type Task struct {
	ID            string            `json:"id"`
	Title         string            `json:"title"`
	Description   string            `json:"description"`
	State         State             `json:"state"`
	Dependencies  []string          `json:"dependencies"`
	RequiredSkill string            `json:"required_skill,omitempty"`
	Priority      int               `json:"priority"`
	RunnerID      string            `json:"runner_id,omitempty"`
	AssignedSlot  string            `json:"assigned_slot,omitempty"`
	Metadata      map[string]string `json:"metadata,omitempty"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
}

// New creates a Task in Ready state with the given identity.
func New(id, title string, priority int) *Task {
	now := time.Now().UTC()
	return &Task{
		ID:        id,
		Title:     title,
		State:     StateReady,
		Priority:  priority,
		Metadata:  make(map[string]string),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// SpecName returns the owning spec recorded in task metadata, or "" when the
// task carries none.
func (t *Task) SpecName() string {
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata["spec_name"]
}

// Skill returns the routing skill: the dedicated field when set, otherwise
// the required_skill metadata entry.
func (t *Task) Skill() string {
	if t.RequiredSkill != "" {
		return t.RequiredSkill
	}
	if t.Metadata == nil {
		return ""
	}
	return t.Metadata["required_skill"]
}

// RepoName returns the repository the task wants a workspace for, falling
// back to the spec name.
func (t *Task) RepoName() string {
	if t.Metadata != nil {
		if repo := t.Metadata["repo_name"]; repo != "" {
			return repo
		}
	}
	return t.SpecName()
}

func (t *Task) ToJSON() ([]byte, error) {
	return json.Marshal(t)
}

func FromJSON(data []byte) (*Task, error) {
	var t Task
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

// Taskset is the collection of tasks belonging to one spec.
type Taskset struct {
	SpecName  string            `json:"spec_name"`
	Version   int               `json:"version"`
	Tasks     []*Task           `json:"tasks"`
	Metadata  map[string]string `json:"metadata,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Get returns the task with the given ID, or nil.
func (ts *Taskset) Get(taskID string) *Task {
	for _, t := range ts.Tasks {
		if t.ID == taskID {
			return t
		}
	}
	return nil
}
