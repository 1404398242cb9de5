package dispatcher

import (
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
)

// TimeoutHandler is invoked for each runner whose heartbeat went stale. It
// runs outside the monitor's lock and may reach back into the monitor.
type TimeoutHandler func(runnerID string, info RunnerInfo)

// RunnerMonitor owns the runner ID -> RunnerInfo map, tracks heartbeats and
// fires the timeout handler for stale runners.
type RunnerMonitor struct {
	mu               sync.Mutex
	runners          map[string]*RunnerInfo
	heartbeatTimeout time.Duration
	timeoutHandler   TimeoutHandler
	now              func() time.Time
}

func NewRunnerMonitor(heartbeatTimeout time.Duration, handler TimeoutHandler) *RunnerMonitor {
	if heartbeatTimeout <= 0 {
		heartbeatTimeout = 60 * time.Second
	}
	return &RunnerMonitor{
		runners:          make(map[string]*RunnerInfo),
		heartbeatTimeout: heartbeatTimeout,
		timeoutHandler:   handler,
		now:              time.Now,
	}
}

// AddRunner registers a runner with a fresh heartbeat in Running state.
func (m *RunnerMonitor) AddRunner(r Runner) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runners[r.RunnerID] = &RunnerInfo{
		Runner:        r,
		LastHeartbeat: m.now(),
		State:         RunnerRunning,
	}
	logger.WithRunner(r.RunnerID).Info().
		Str("task_id", r.TaskID).
		Str("pool", r.PoolName).
		Msg("runner added to monitoring")
}

// UpdateHeartbeat refreshes a runner's heartbeat. Unknown runner IDs are
// logged and ignored.
func (m *RunnerMonitor) UpdateHeartbeat(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.runners[runnerID]
	if !ok {
		logger.WithRunner(runnerID).Warn().Msg("heartbeat for unknown runner ignored")
		return
	}
	info.LastHeartbeat = m.now()
}

// UpdateRunnerState is an administrative state override.
func (m *RunnerMonitor) UpdateRunnerState(runnerID string, state RunnerState) {
	m.mu.Lock()
	defer m.mu.Unlock()
	info, ok := m.runners[runnerID]
	if !ok {
		logger.WithRunner(runnerID).Warn().Msg("state update for unknown runner ignored")
		return
	}
	old := info.State
	info.State = state
	info.Runner.State = state
	logger.WithRunner(runnerID).Info().
		Str("old_state", string(old)).
		Str("new_state", string(state)).
		Msg("runner state updated")
}

// RemoveRunner deletes a runner's entry.
func (m *RunnerMonitor) RemoveRunner(runnerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.runners[runnerID]; ok {
		delete(m.runners, runnerID)
		logger.WithRunner(runnerID).Info().
			Str("task_id", info.Runner.TaskID).
			Str("state", string(info.State)).
			Msg("runner removed from monitoring")
	} else {
		logger.WithRunner(runnerID).Warn().Msg("removal of unknown runner ignored")
	}
}

// CheckHeartbeats transitions every Running runner with a stale heartbeat
// to Failed and invokes the timeout handler for it. The handler runs after
// the lock is released so it may call back into the monitor.
func (m *RunnerMonitor) CheckHeartbeats() {
	now := m.now()

	m.mu.Lock()
	var timedOut []RunnerInfo
	for runnerID, info := range m.runners {
		if info.State != RunnerRunning {
			continue
		}
		elapsed := now.Sub(info.LastHeartbeat)
		if elapsed <= m.heartbeatTimeout {
			continue
		}
		info.State = RunnerFailed
		info.Runner.State = RunnerFailed
		timedOut = append(timedOut, *info)
		logger.WithRunner(runnerID).Warn().
			Str("task_id", info.Runner.TaskID).
			Dur("since_heartbeat", elapsed).
			Msg("runner heartbeat timeout")
	}
	m.mu.Unlock()

	for _, info := range timedOut {
		m.invokeTimeoutHandler(info)
	}
}

func (m *RunnerMonitor) invokeTimeoutHandler(info RunnerInfo) {
	if m.timeoutHandler == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.WithRunner(info.Runner.RunnerID).Error().
				Interface("panic", r).
				Msg("timeout handler panicked")
		}
	}()
	m.timeoutHandler(info.Runner.RunnerID, info)
}

// RunnerStatus returns a copy of one runner's info.
func (m *RunnerMonitor) RunnerStatus(runnerID string) (RunnerInfo, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if info, ok := m.runners[runnerID]; ok {
		return *info, true
	}
	return RunnerInfo{}, false
}

// AllRunners returns a snapshot copy of the whole map.
func (m *RunnerMonitor) AllRunners() map[string]RunnerInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]RunnerInfo, len(m.runners))
	for id, info := range m.runners {
		out[id] = *info
	}
	return out
}

// RunningCount counts runners currently in Running state.
func (m *RunnerMonitor) RunningCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	count := 0
	for _, info := range m.runners {
		if info.State == RunnerRunning {
			count++
		}
	}
	return count
}
