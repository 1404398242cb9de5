package dispatcher

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"

	"github.com/fleetworks/dispatcher/internal/logger"
)

const containerWorkdir = "/workspace"

// containerBackend launches runners as containers through the Docker API.
type containerBackend struct {
	cli *client.Client
}

func newContainerBackend() (*containerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("initialise container client: %w", err)
	}
	return &containerBackend{cli: cli}, nil
}

func (b *containerBackend) Launch(ctx context.Context, runnerID string, tc TaskContext, pool AgentPool) (Runner, error) {
	image := pool.Config["image"]
	if image == "" {
		image = "dispatcher/runner:latest"
	}

	env, err := runnerEnv(runnerID, tc, pool, map[string]bool{
		"image":           true,
		"mount_workspace": true,
	})
	if err != nil {
		return Runner{}, err
	}

	cfg := &container.Config{
		Image:      image,
		Env:        env,
		WorkingDir: containerWorkdir,
	}

	hostCfg := &container.HostConfig{
		AutoRemove: true,
	}
	if pool.Config["mount_workspace"] != "false" {
		hostCfg.Binds = []string{tc.SlotPath + ":" + containerWorkdir}
	}
	if pool.MemoryQuota > 0 {
		hostCfg.Resources.Memory = int64(pool.MemoryQuota) * 1024 * 1024
	}
	if pool.CPUQuota > 0 {
		// CPU quota is expressed in microseconds per 100ms period.
		hostCfg.Resources.CPUPeriod = 100000
		hostCfg.Resources.CPUQuota = int64(pool.CPUQuota * 100000)
	}

	name := "runner-" + runnerID
	created, err := b.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil {
		return Runner{}, fmt.Errorf("create container: %w", err)
	}
	if err := b.cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return Runner{}, fmt.Errorf("start container: %w", err)
	}

	logger.WithRunner(runnerID).Info().
		Str("container_id", created.ID).
		Str("image", image).
		Msg("container runner started")

	return Runner{
		RunnerID:    runnerID,
		TaskID:      tc.TaskID,
		PoolName:    pool.Name,
		SlotID:      tc.SlotID,
		State:       RunnerRunning,
		StartedAt:   time.Now().UTC(),
		ContainerID: created.ID,
	}, nil
}
