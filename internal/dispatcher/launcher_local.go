package dispatcher

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
)

const defaultRunnerCommand = "agent-runner"

// localProcessBackend launches runners as subprocesses working in the
// slot's directory.
type localProcessBackend struct{}

func newLocalProcessBackend() *localProcessBackend {
	return &localProcessBackend{}
}

func (b *localProcessBackend) Launch(ctx context.Context, runnerID string, tc TaskContext, pool AgentPool) (Runner, error) {
	command := pool.Config["command"]
	if command == "" {
		command = defaultRunnerCommand
	}
	args := strings.Fields(command)

	env, err := runnerEnv(runnerID, tc, pool, map[string]bool{"command": true})
	if err != nil {
		return Runner{}, err
	}

	cmd := exec.Command(args[0], args[1:]...)
	cmd.Dir = tc.SlotPath
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return Runner{}, fmt.Errorf("start runner process: %w", err)
	}

	// Reap the child when it exits; the dispatcher learns the outcome
	// through the completion API, not the exit status.
	go func() {
		_ = cmd.Wait()
	}()

	logger.WithRunner(runnerID).Info().
		Int("pid", cmd.Process.Pid).
		Str("dir", tc.SlotPath).
		Msg("local runner process started")

	return Runner{
		RunnerID:  runnerID,
		TaskID:    tc.TaskID,
		PoolName:  pool.Name,
		SlotID:    tc.SlotID,
		State:     RunnerRunning,
		StartedAt: time.Now().UTC(),
		PID:       cmd.Process.Pid,
	}, nil
}
