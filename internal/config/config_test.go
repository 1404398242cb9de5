package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "dispatcher.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, "loglevel: info\n")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 5*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, "priority", cfg.Dispatcher.SchedulingPolicy)
	assert.Equal(t, 10, cfg.Dispatcher.MaxGlobalConcurrency)
	assert.Equal(t, 60*time.Second, cfg.Dispatcher.HeartbeatTimeout)
	assert.Equal(t, 3, cfg.Dispatcher.RetryMaxAttempts)
	assert.Equal(t, 2.0, cfg.Dispatcher.RetryBackoffBase)
	assert.Equal(t, time.Second, cfg.Dispatcher.RetryInitialDelay)
	assert.Equal(t, 300*time.Second, cfg.Dispatcher.RetryMaxDelay)
	assert.Equal(t, 300*time.Second, cfg.Dispatcher.GracefulShutdownTimeout)
	assert.Equal(t, 60*time.Second, cfg.Dispatcher.DeadlockCheckInterval)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Empty(t, cfg.Redis.Addr)
	assert.Equal(t, ":9090", cfg.Server.Addr)
}

func TestLoad_FullFile(t *testing.T) {
	path := writeConfig(t, `
dispatcher:
  pollinterval: 2s
  schedulingpolicy: fair-share
  maxglobalconcurrency: 4
  heartbeattimeout: 30s
  retrymaxattempts: 5
  retrybackoffbase: 1.5
  gracefulshutdowntimeout: 60s
  taskregistrydir: /var/lib/dispatcher/registry
redis:
  addr: localhost:6379
  db: 2
agentpools:
  local:
    type: local-process
    maxconcurrency: 3
    config:
      command: agent-runner
  heavy:
    type: container
    maxconcurrency: 2
    cpuquota: 4
    memoryquota: 4096
    enabled: false
    config:
      image: runners/heavy:latest
skillmapping:
  default:
    - local
  backend:
    - heavy
    - local
repopool:
  basedir: /var/lib/dispatcher/pool
  repos:
    svc:
      url: https://example.com/svc.git
      slots: 3
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2*time.Second, cfg.Dispatcher.PollInterval)
	assert.Equal(t, "fair-share", cfg.Dispatcher.SchedulingPolicy)
	assert.Equal(t, 4, cfg.Dispatcher.MaxGlobalConcurrency)
	assert.Equal(t, 5, cfg.Dispatcher.RetryMaxAttempts)
	assert.Equal(t, "/var/lib/dispatcher/registry", cfg.Dispatcher.TaskRegistryDir)
	assert.Equal(t, "localhost:6379", cfg.Redis.Addr)
	assert.Equal(t, 2, cfg.Redis.DB)

	require.Len(t, cfg.AgentPools, 2)
	local := cfg.AgentPools["local"]
	assert.Equal(t, "local-process", local.Type)
	assert.Equal(t, 3, local.MaxConcurrency)
	assert.True(t, local.IsEnabled(), "enabled defaults to true")
	assert.Equal(t, "agent-runner", local.Config["command"])

	heavy := cfg.AgentPools["heavy"]
	assert.False(t, heavy.IsEnabled())
	assert.Equal(t, 4.0, heavy.CPUQuota)
	assert.Equal(t, 4096, heavy.MemoryQuota)

	assert.Equal(t, []string{"heavy", "local"}, cfg.SkillMapping["backend"])
	assert.Equal(t, 3, cfg.RepoPool.Repos["svc"].Slots)
}

func TestLoad_RejectsInvalidPool(t *testing.T) {
	path := writeConfig(t, `
agentpools:
  broken:
    type: local-process
    maxconcurrency: 0
`)
	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_MissingExplicitFileFails(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}
