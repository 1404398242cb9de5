package dispatcher

import (
	"sort"
	"sync"

	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/task"
)

// Assignment pairs a dequeued task with the pool whose running counter has
// already been incremented for it. The caller relies on both halves of that
// invariant.
type Assignment struct {
	Task *task.Task
	Pool string
}

// BackoffGate lets the scheduler skip tasks whose retry backoff has not yet
// elapsed; they stay in the queue.
type BackoffGate interface {
	Eligible(taskID string) bool
}

// Scheduler picks (task, pool) pairs from the queue according to the active
// policy. The policy is a tag dispatched over four algorithms in this file
// and may be replaced atomically at runtime.
type Scheduler struct {
	mu     sync.RWMutex
	policy SchedulingPolicy
	gate   BackoffGate
}

func NewScheduler(policy SchedulingPolicy, gate BackoffGate) *Scheduler {
	logger.WithComponent("scheduler").Info().
		Str("policy", string(policy)).
		Msg("scheduler initialized")
	return &Scheduler{policy: policy, gate: gate}
}

// Policy returns the active scheduling policy.
func (s *Scheduler) Policy() SchedulingPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

// SetPolicy swaps the active policy.
func (s *Scheduler) SetPolicy(policy SchedulingPolicy) {
	s.mu.Lock()
	defer s.mu.Unlock()
	logger.WithComponent("scheduler").Info().
		Str("old_policy", string(s.policy)).
		Str("new_policy", string(policy)).
		Msg("scheduling policy changed")
	s.policy = policy
}

// Schedule produces assignments in policy order. Every returned task has
// been removed from the queue and its pool counter incremented; tasks the
// policy cannot place stay queued.
func (s *Scheduler) Schedule(queue *TaskQueue, pools *PoolManager) []Assignment {
	switch s.Policy() {
	case PolicyFIFO:
		return s.scheduleFIFO(queue, pools)
	case PolicyPriority:
		return s.schedulePriority(queue, pools)
	case PolicySkillBased:
		return s.scheduleSkillBased(queue, pools)
	case PolicyFairShare:
		return s.scheduleFairShare(queue, pools)
	default:
		logger.WithComponent("scheduler").Error().
			Str("policy", string(s.Policy())).
			Msg("unknown scheduling policy")
		return nil
	}
}

func (s *Scheduler) eligible(t *task.Task) bool {
	if s.gate == nil {
		return true
	}
	return s.gate.Eligible(t.ID)
}

// claim removes the task from the queue and increments the pool counter,
// returning false when another caller raced it out of the queue.
func (s *Scheduler) claim(queue *TaskQueue, pools *PoolManager, t *task.Task, pool string) bool {
	if _, ok := queue.Remove(t.ID); !ok {
		return false
	}
	if err := pools.IncrementRunning(pool); err != nil {
		queue.Enqueue(t)
		return false
	}
	return true
}

// scheduleFIFO assigns tasks in creation order to the default pool, and
// stops at the first task the default pool cannot take.
func (s *Scheduler) scheduleFIFO(queue *TaskQueue, pools *PoolManager) []Assignment {
	var scheduled []Assignment

	tasks := queue.Snapshot()
	sort.SliceStable(tasks, func(i, j int) bool {
		return tasks[i].CreatedAt.Before(tasks[j].CreatedAt)
	})

	for _, t := range tasks {
		if !s.eligible(t) {
			continue
		}
		pool, ok := pools.DefaultPool()
		if !ok || !pools.CanAccept(pool) {
			break
		}
		if !s.claim(queue, pools, t, pool) {
			continue
		}
		scheduled = append(scheduled, Assignment{Task: t, Pool: pool})
		logger.WithTask(t.ID).Debug().Str("pool", pool).Msg("fifo scheduled")
	}
	return scheduled
}

// schedulePriority walks the priority-ordered snapshot; a task that cannot
// be placed is skipped without blocking lower-priority tasks.
func (s *Scheduler) schedulePriority(queue *TaskQueue, pools *PoolManager) []Assignment {
	var scheduled []Assignment

	for _, t := range queue.Snapshot() {
		if !s.eligible(t) {
			continue
		}
		pool, ok := s.poolForTask(t, pools)
		if !ok || !pools.CanAccept(pool) {
			continue
		}
		if !s.claim(queue, pools, t, pool) {
			continue
		}
		scheduled = append(scheduled, Assignment{Task: t, Pool: pool})
		logger.WithTask(t.ID).Debug().
			Int("priority", t.Priority).
			Str("pool", pool).
			Msg("priority scheduled")
	}
	return scheduled
}

// scheduleSkillBased routes by required skill; tasks with a skill no pool
// serves are logged and skipped.
func (s *Scheduler) scheduleSkillBased(queue *TaskQueue, pools *PoolManager) []Assignment {
	var scheduled []Assignment

	for _, t := range queue.Snapshot() {
		if !s.eligible(t) {
			continue
		}

		var pool string
		var ok bool
		if skill := t.Skill(); skill != "" {
			pool, ok = pools.PoolForSkill(skill)
			if !ok {
				logger.WithTask(t.ID).Warn().
					Str("skill", skill).
					Msg("no available pool for required skill")
				continue
			}
		} else {
			pool, ok = pools.DefaultPool()
			if !ok {
				continue
			}
		}

		if !pools.CanAccept(pool) {
			continue
		}
		if !s.claim(queue, pools, t, pool) {
			continue
		}
		scheduled = append(scheduled, Assignment{Task: t, Pool: pool})
		logger.WithTask(t.ID).Debug().
			Str("skill", t.Skill()).
			Str("pool", pool).
			Msg("skill-based scheduled")
	}
	return scheduled
}

// scheduleFairShare spreads tasks over the pools with the lowest effective
// load; the in-round counter keeps one least-loaded pool from absorbing the
// whole batch before its counter propagates.
func (s *Scheduler) scheduleFairShare(queue *TaskQueue, pools *PoolManager) []Assignment {
	var scheduled []Assignment
	inRound := make(map[string]int)

	for _, t := range queue.Snapshot() {
		if !s.eligible(t) {
			continue
		}

		best := ""
		bestLoad := 0
		for _, name := range pools.PoolNames() {
			if !pools.CanAccept(name) {
				continue
			}
			load := pools.RunningCount(name) + inRound[name]
			if best == "" || load < bestLoad || (load == bestLoad && name < best) {
				best = name
				bestLoad = load
			}
		}
		if best == "" {
			break
		}

		if !s.claim(queue, pools, t, best) {
			continue
		}
		inRound[best]++
		scheduled = append(scheduled, Assignment{Task: t, Pool: best})
		logger.WithTask(t.ID).Debug().
			Str("pool", best).
			Int("load", bestLoad).
			Msg("fair-share scheduled")
	}
	return scheduled
}

func (s *Scheduler) poolForTask(t *task.Task, pools *PoolManager) (string, bool) {
	if skill := t.Skill(); skill != "" {
		return pools.PoolForSkill(skill)
	}
	return pools.DefaultPool()
}
