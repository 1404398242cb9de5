package dispatcher

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fleetworks/dispatcher/internal/config"
)

func boolPtr(b bool) *bool { return &b }

func newTestPoolManager() *PoolManager {
	pools := map[string]config.PoolConfig{
		"alpha": {Type: "local-process", MaxConcurrency: 2},
		"beta":  {Type: "container", MaxConcurrency: 4},
		"gamma": {Type: "cluster-job", MaxConcurrency: 1, Enabled: boolPtr(false)},
	}
	skills := map[string][]string{
		"backend": {"alpha", "beta"},
		"deploy":  {"gamma"},
		"default": {"alpha"},
	}
	return NewPoolManager(pools, skills)
}

func TestPoolManager_PoolForSkill(t *testing.T) {
	m := newTestPoolManager()

	// alpha 0/2 and beta 0/4 tie at ratio zero; alphabetical wins.
	pool, ok := m.PoolForSkill("backend")
	require.True(t, ok)
	assert.Equal(t, "alpha", pool)

	// Load alpha so beta becomes the least loaded.
	require.NoError(t, m.IncrementRunning("alpha"))
	pool, ok = m.PoolForSkill("backend")
	require.True(t, ok)
	assert.Equal(t, "beta", pool)
}

func TestPoolManager_PoolForSkill_FallsBackToDefault(t *testing.T) {
	m := newTestPoolManager()

	pool, ok := m.PoolForSkill("unknown-skill")
	require.True(t, ok)
	assert.Equal(t, "alpha", pool)
}

func TestPoolManager_PoolForSkill_DisabledPoolsExcluded(t *testing.T) {
	m := newTestPoolManager()

	// gamma is the only mapping for deploy and is disabled.
	_, ok := m.PoolForSkill("deploy")
	assert.False(t, ok)

	require.NoError(t, m.EnablePool("gamma"))
	pool, ok := m.PoolForSkill("deploy")
	require.True(t, ok)
	assert.Equal(t, "gamma", pool)
}

func TestPoolManager_PoolForSkill_SaturatedPoolsExcluded(t *testing.T) {
	m := NewPoolManager(singlePoolConfig("solo", 1), map[string][]string{"default": {"solo"}})

	require.NoError(t, m.IncrementRunning("solo"))
	_, ok := m.PoolForSkill("anything")
	assert.False(t, ok)
}

func TestPoolManager_DefaultPool(t *testing.T) {
	m := newTestPoolManager()

	pool, ok := m.DefaultPool()
	require.True(t, ok)
	assert.Equal(t, "alpha", pool)

	// With alpha disabled, the default mapping yields nothing and the
	// first enabled pool by insertion order takes over.
	require.NoError(t, m.DisablePool("alpha"))
	pool, ok = m.DefaultPool()
	require.True(t, ok)
	assert.Equal(t, "beta", pool)
}

func TestPoolManager_CanAccept(t *testing.T) {
	m := NewPoolManager(singlePoolConfig("solo", 2), nil)

	assert.True(t, m.CanAccept("solo"))
	require.NoError(t, m.IncrementRunning("solo"))
	assert.True(t, m.CanAccept("solo"))
	require.NoError(t, m.IncrementRunning("solo"))
	assert.False(t, m.CanAccept("solo"), "pool at max concurrency")

	assert.False(t, m.CanAccept("missing"))
}

func TestPoolManager_CanAccept_ResourceQuotas(t *testing.T) {
	pools := map[string]config.PoolConfig{
		"quota": {Type: "local-process", MaxConcurrency: 10, CPUQuota: 4, MemoryQuota: 2048},
	}
	m := NewPoolManager(pools, nil)

	assert.True(t, m.CanAccept("quota"))

	require.NoError(t, m.UpdateResourceUsage("quota", 4, 0))
	assert.False(t, m.CanAccept("quota"), "cpu quota binds before concurrency")

	require.NoError(t, m.UpdateResourceUsage("quota", -4, 2048))
	assert.False(t, m.CanAccept("quota"), "memory quota binds before concurrency")

	require.NoError(t, m.UpdateResourceUsage("quota", 0, -2048))
	assert.True(t, m.CanAccept("quota"))
}

func TestPoolManager_DecrementClampsAtZero(t *testing.T) {
	m := NewPoolManager(singlePoolConfig("solo", 1), nil)

	require.NoError(t, m.DecrementRunning("solo"))
	assert.Equal(t, 0, m.RunningCount("solo"))

	require.NoError(t, m.IncrementRunning("solo"))
	require.NoError(t, m.DecrementRunning("solo"))
	assert.Equal(t, 0, m.RunningCount("solo"))
}

func TestPoolManager_ResourceUsageClampsAtZero(t *testing.T) {
	m := NewPoolManager(singlePoolConfig("solo", 1), nil)

	require.NoError(t, m.UpdateResourceUsage("solo", -5, -100))
	st, err := m.Status("solo")
	require.NoError(t, err)
	assert.Zero(t, st.CPUUsage)
	assert.Zero(t, st.MemoryUsage)
}

func TestPoolManager_UnknownPoolErrors(t *testing.T) {
	m := NewPoolManager(nil, nil)

	assert.ErrorIs(t, m.IncrementRunning("nope"), ErrPoolNotFound)
	assert.ErrorIs(t, m.DecrementRunning("nope"), ErrPoolNotFound)
	assert.ErrorIs(t, m.UpdateResourceUsage("nope", 1, 1), ErrPoolNotFound)
	assert.ErrorIs(t, m.EnablePool("nope"), ErrPoolNotFound)
	assert.ErrorIs(t, m.DisablePool("nope"), ErrPoolNotFound)
	_, err := m.Status("nope")
	assert.ErrorIs(t, err, ErrPoolNotFound)
	_, err = m.Pool("nope")
	assert.ErrorIs(t, err, ErrPoolNotFound)

	// The whole family matches the base error.
	assert.ErrorIs(t, err, ErrDispatcher)
}

func TestPoolManager_Status(t *testing.T) {
	m := newTestPoolManager()

	require.NoError(t, m.IncrementRunning("beta"))
	st, err := m.Status("beta")
	require.NoError(t, err)

	assert.Equal(t, "beta", st.PoolName)
	assert.Equal(t, KindContainer, st.Kind)
	assert.Equal(t, 1, st.CurrentRunning)
	assert.Equal(t, 4, st.MaxConcurrency)
	assert.InDelta(t, 0.25, st.Utilization, 1e-9)

	all := m.AllStatuses()
	require.Len(t, all, 3)
	assert.Equal(t, "alpha", all[0].PoolName)
}

func TestPoolManager_RunningTotal(t *testing.T) {
	m := newTestPoolManager()
	require.NoError(t, m.IncrementRunning("alpha"))
	require.NoError(t, m.IncrementRunning("beta"))
	assert.Equal(t, 2, m.RunningTotal())
}
