package dispatcher

import (
	"encoding/json"
	"time"
)

// PoolKind selects the execution backend for a pool's runners.
type PoolKind string

const (
	KindLocalProcess PoolKind = "local-process"
	KindContainer    PoolKind = "container"
	KindClusterJob   PoolKind = "cluster-job"
)

func ParsePoolKind(s string) PoolKind {
	switch PoolKind(s) {
	case KindLocalProcess, KindContainer, KindClusterJob:
		return PoolKind(s)
	default:
		return KindLocalProcess
	}
}

// SchedulingPolicy selects the algorithm the Scheduler applies.
type SchedulingPolicy string

const (
	PolicyFIFO       SchedulingPolicy = "fifo"
	PolicyPriority   SchedulingPolicy = "priority"
	PolicySkillBased SchedulingPolicy = "skill-based"
	PolicyFairShare  SchedulingPolicy = "fair-share"
)

func ParseSchedulingPolicy(s string) SchedulingPolicy {
	switch SchedulingPolicy(s) {
	case PolicyFIFO, PolicyPriority, PolicySkillBased, PolicyFairShare:
		return SchedulingPolicy(s)
	default:
		return PolicyPriority
	}
}

// AgentPool is a named group of execution environments of one kind with
// shared concurrency and resource limits. Counter mutation goes through
// the PoolManager only.
type AgentPool struct {
	Name           string            `json:"name"`
	Kind           PoolKind          `json:"type"`
	MaxConcurrency int               `json:"max_concurrency"`
	CurrentRunning int               `json:"current_running"`
	CPUQuota       float64           `json:"cpu_quota,omitempty"`
	MemoryQuota    int               `json:"memory_quota,omitempty"`
	Enabled        bool              `json:"enabled"`
	Config         map[string]string `json:"config,omitempty"`
}

// RunnerState is the execution state of an Agent Runner.
type RunnerState string

const (
	RunnerRunning   RunnerState = "running"
	RunnerCompleted RunnerState = "completed"
	RunnerFailed    RunnerState = "failed"
)

// Runner is one execution of one task in one slot via one pool. Exactly one
// backend handle (PID, container ID, or job name) is set.
type Runner struct {
	RunnerID    string      `json:"runner_id"`
	TaskID      string      `json:"task_id"`
	SpecName    string      `json:"spec_name"`
	PoolName    string      `json:"pool_name"`
	SlotID      string      `json:"slot_id"`
	State       RunnerState `json:"state"`
	StartedAt   time.Time   `json:"started_at"`
	PID         int         `json:"pid,omitempty"`
	ContainerID string      `json:"container_id,omitempty"`
	JobName     string      `json:"job_name,omitempty"`
}

// RunnerInfo is the RunnerMonitor's view of a runner.
type RunnerInfo struct {
	Runner        Runner      `json:"runner"`
	LastHeartbeat time.Time   `json:"last_heartbeat"`
	State         RunnerState `json:"state"`
}

// PoolStatus is a point-in-time copy of a pool's state and utilization.
type PoolStatus struct {
	PoolName       string   `json:"pool_name"`
	Kind           PoolKind `json:"type"`
	Enabled        bool     `json:"enabled"`
	MaxConcurrency int      `json:"max_concurrency"`
	CurrentRunning int      `json:"current_running"`
	Utilization    float64  `json:"utilization"`
	CPUUsage       float64  `json:"cpu_usage"`
	MemoryUsage    float64  `json:"memory_usage"`
}

// TaskContext carries everything a runner needs to execute its task; it is
// serialised into the runner's environment.
type TaskContext struct {
	TaskID          string            `json:"task_id"`
	SpecName        string            `json:"spec_name"`
	TaskTitle       string            `json:"task_title"`
	TaskDescription string            `json:"task_description"`
	Dependencies    []string          `json:"dependencies"`
	RequiredSkill   string            `json:"required_skill,omitempty"`
	SlotID          string            `json:"slot_id"`
	SlotPath        string            `json:"slot_path"`
	RepoURL         string            `json:"repo_url"`
	BranchName      string            `json:"branch_name,omitempty"`
	Metadata        map[string]string `json:"metadata,omitempty"`
}

func (tc TaskContext) ToJSON() (string, error) {
	data, err := json.Marshal(tc)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
