package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/fleetworks/dispatcher/internal/logger"
	"github.com/fleetworks/dispatcher/internal/repopool"
	"github.com/fleetworks/dispatcher/internal/task"
)

// LaunchBackend instantiates a runner in one execution environment. One
// backend exists per pool kind.
type LaunchBackend interface {
	Launch(ctx context.Context, runnerID string, tc TaskContext, pool AgentPool) (Runner, error)
}

// RunnerLauncher builds the task context and dispatches to the backend
// matching the pool kind. Backends are constructed lazily on first use so a
// local-process-only deployment never touches the container or cluster
// clients.
type RunnerLauncher struct {
	retryAttempts int

	mu       sync.Mutex
	backends map[PoolKind]LaunchBackend
}

func NewRunnerLauncher(retryAttempts int) *RunnerLauncher {
	if retryAttempts <= 0 {
		retryAttempts = 3
	}
	return &RunnerLauncher{
		retryAttempts: retryAttempts,
		backends:      make(map[PoolKind]LaunchBackend),
	}
}

// RegisterBackend installs a backend for a pool kind, replacing the built-in
// one. Used by tests and by deployments with custom execution environments.
func (l *RunnerLauncher) RegisterBackend(kind PoolKind, backend LaunchBackend) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.backends[kind] = backend
}

func (l *RunnerLauncher) backend(kind PoolKind) (LaunchBackend, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if b, ok := l.backends[kind]; ok {
		return b, nil
	}

	var (
		b   LaunchBackend
		err error
	)
	switch kind {
	case KindLocalProcess:
		b = newLocalProcessBackend()
	case KindContainer:
		b, err = newContainerBackend()
	case KindClusterJob:
		b, err = newClusterJobBackend()
	default:
		err = fmt.Errorf("unknown pool kind %q", kind)
	}
	if err != nil {
		return nil, err
	}
	l.backends[kind] = b
	return b, nil
}

// Launch generates a runner ID, builds the task context and starts a runner
// in the pool's backend, retrying launch failures up to the configured
// attempt count. Exhausting attempts yields ErrRunnerLaunch.
func (l *RunnerLauncher) Launch(ctx context.Context, t *task.Task, slot *repopool.Slot, pool AgentPool) (Runner, error) {
	runnerID := uuid.NewString()

	tc := TaskContext{
		TaskID:          t.ID,
		SpecName:        t.SpecName(),
		TaskTitle:       t.Title,
		TaskDescription: t.Description,
		Dependencies:    t.Dependencies,
		RequiredSkill:   t.Skill(),
		SlotID:          slot.SlotID,
		SlotPath:        slot.Path,
		RepoURL:         slot.RepoURL,
		Metadata:        t.Metadata,
	}
	if t.Metadata != nil {
		tc.BranchName = t.Metadata["reserved_branch"]
	}

	backend, err := l.backend(pool.Kind)
	if err != nil {
		return Runner{}, launchError(runnerID, 0, err)
	}

	log := logger.WithRunner(runnerID)
	var lastErr error
	for attempt := 1; attempt <= l.retryAttempts; attempt++ {
		runner, err := backend.Launch(ctx, runnerID, tc, pool)
		if err == nil {
			runner.SpecName = tc.SpecName
			log.Info().
				Str("task_id", t.ID).
				Str("pool", pool.Name).
				Int("attempt", attempt).
				Msg("runner launched")
			return runner, nil
		}
		lastErr = err
		log.Warn().
			Err(err).
			Str("task_id", t.ID).
			Int("attempt", attempt).
			Int("max_attempts", l.retryAttempts).
			Msg("runner launch attempt failed")
	}

	return Runner{}, launchError(runnerID, l.retryAttempts, lastErr)
}

// runnerEnv assembles the environment every backend hands to its runner:
// the runner identity, the serialised task context, the pool name, and each
// pool config entry under a RUNNER_ prefix.
func runnerEnv(runnerID string, tc TaskContext, pool AgentPool, exclude map[string]bool) ([]string, error) {
	ctxJSON, err := tc.ToJSON()
	if err != nil {
		return nil, fmt.Errorf("serialise task context: %w", err)
	}
	env := []string{
		"RUNNER_ID=" + runnerID,
		"TASK_CONTEXT=" + ctxJSON,
		"POOL_NAME=" + pool.Name,
	}
	for key, value := range pool.Config {
		if exclude[key] {
			continue
		}
		env = append(env, "RUNNER_"+toEnvKey(key)+"="+value)
	}
	return env, nil
}

func toEnvKey(key string) string {
	out := make([]byte, len(key))
	for i := 0; i < len(key); i++ {
		c := key[i]
		switch {
		case c >= 'a' && c <= 'z':
			out[i] = c - ('a' - 'A')
		case c == '-':
			out[i] = '_'
		default:
			out[i] = c
		}
	}
	return string(out)
}
