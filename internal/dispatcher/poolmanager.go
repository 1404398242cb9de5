package dispatcher

import (
	"sort"
	"sync"

	"github.com/fleetworks/dispatcher/internal/config"
	"github.com/fleetworks/dispatcher/internal/logger"
)

type resourceUsage struct {
	cpu    float64
	memory float64
}

// PoolManager owns every AgentPool, the skill mapping, per-pool counters and
// resource usage. All mutation is serialised under its lock; callers outside
// this package work with pool names and copies.
type PoolManager struct {
	mu     sync.Mutex
	pools  map[string]*AgentPool
	order  []string // insertion order, for default-pool fallback
	skills map[string][]string
	usage  map[string]*resourceUsage
}

// NewPoolManager loads pool declarations and the skill mapping.
func NewPoolManager(poolCfgs map[string]config.PoolConfig, skillMapping map[string][]string) *PoolManager {
	m := &PoolManager{
		pools:  make(map[string]*AgentPool),
		skills: make(map[string][]string),
		usage:  make(map[string]*resourceUsage),
	}

	log := logger.WithComponent("pool_manager")

	names := make([]string, 0, len(poolCfgs))
	for name := range poolCfgs {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		cfg := poolCfgs[name]
		pool := &AgentPool{
			Name:           name,
			Kind:           ParsePoolKind(cfg.Type),
			MaxConcurrency: cfg.MaxConcurrency,
			CPUQuota:       cfg.CPUQuota,
			MemoryQuota:    cfg.MemoryQuota,
			Enabled:        cfg.IsEnabled(),
			Config:         cfg.Config,
		}
		m.pools[name] = pool
		m.order = append(m.order, name)
		m.usage[name] = &resourceUsage{}

		log.Info().
			Str("pool", name).
			Str("type", string(pool.Kind)).
			Int("max_concurrency", pool.MaxConcurrency).
			Bool("enabled", pool.Enabled).
			Msg("loaded agent pool")
	}

	for skill, pools := range skillMapping {
		m.skills[skill] = append([]string(nil), pools...)
	}

	if len(m.pools) == 0 {
		log.Warn().Msg("no agent pools configured")
	}
	return m
}

// PoolForSkill routes a skill to the least-loaded enabled, non-saturated
// pool from the skill mapping, falling back to the "default" mapping.
// Returns ("", false) when no candidate qualifies.
func (m *PoolManager) PoolForSkill(skill string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	names := m.skills[skill]
	if len(names) == 0 {
		names = m.skills["default"]
	}
	if len(names) == 0 {
		logger.WithComponent("pool_manager").Warn().
			Str("skill", skill).
			Msg("no pools mapped for skill and no default mapping")
		return "", false
	}
	return m.selectLeastLoadedLocked(names)
}

// DefaultPool returns the first enabled pool in the default mapping, or the
// first enabled pool in insertion order.
func (m *PoolManager) DefaultPool() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, name := range m.skills["default"] {
		if pool, ok := m.pools[name]; ok && pool.Enabled {
			return name, true
		}
	}
	for _, name := range m.order {
		if m.pools[name].Enabled {
			return name, true
		}
	}
	return "", false
}

func (m *PoolManager) selectLeastLoadedLocked(names []string) (string, bool) {
	best := ""
	bestRatio := 0.0
	for _, name := range names {
		pool, ok := m.pools[name]
		if !ok || !pool.Enabled || !m.canAcceptLocked(pool) {
			continue
		}
		ratio := 1.0
		if pool.MaxConcurrency > 0 {
			ratio = float64(pool.CurrentRunning) / float64(pool.MaxConcurrency)
		}
		if best == "" || ratio < bestRatio || (ratio == bestRatio && name < best) {
			best = name
			bestRatio = ratio
		}
	}
	return best, best != ""
}

func (m *PoolManager) canAcceptLocked(pool *AgentPool) bool {
	if !pool.Enabled {
		return false
	}
	if pool.CurrentRunning >= pool.MaxConcurrency {
		return false
	}
	use := m.usage[pool.Name]
	if pool.CPUQuota > 0 && use.cpu >= pool.CPUQuota {
		return false
	}
	if pool.MemoryQuota > 0 && use.memory >= float64(pool.MemoryQuota) {
		return false
	}
	return true
}

// CanAccept reports whether the named pool can take another task: enabled,
// below max concurrency, and below any configured resource quota. Unknown
// pools cannot accept.
func (m *PoolManager) CanAccept(name string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return false
	}
	return m.canAcceptLocked(pool)
}

// IncrementRunning bumps the named pool's running counter.
func (m *PoolManager) IncrementRunning(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return poolNotFound(name)
	}
	pool.CurrentRunning++
	logger.WithPool(name).Debug().
		Int("current_running", pool.CurrentRunning).
		Int("max_concurrency", pool.MaxConcurrency).
		Msg("pool running count incremented")
	return nil
}

// DecrementRunning lowers the counter, clamped at zero with a warning on
// underflow.
func (m *PoolManager) DecrementRunning(name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return poolNotFound(name)
	}
	if pool.CurrentRunning == 0 {
		logger.WithPool(name).Warn().Msg("decrement of pool running count at zero")
		return nil
	}
	pool.CurrentRunning--
	logger.WithPool(name).Debug().
		Int("current_running", pool.CurrentRunning).
		Int("max_concurrency", pool.MaxConcurrency).
		Msg("pool running count decremented")
	return nil
}

// RunningCount returns the named pool's running counter; zero for unknown
// pools.
func (m *PoolManager) RunningCount(name string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	if pool, ok := m.pools[name]; ok {
		return pool.CurrentRunning
	}
	return 0
}

// RunningTotal sums running counters across all pools.
func (m *PoolManager) RunningTotal() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	total := 0
	for _, pool := range m.pools {
		total += pool.CurrentRunning
	}
	return total
}

// UpdateResourceUsage applies usage deltas, clamping each component at zero.
// Quota breaches are logged; CanAccept is the gate, this never blocks.
func (m *PoolManager) UpdateResourceUsage(name string, cpuDelta, memoryDelta float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return poolNotFound(name)
	}
	use := m.usage[name]
	use.cpu += cpuDelta
	if use.cpu < 0 {
		use.cpu = 0
	}
	use.memory += memoryDelta
	if use.memory < 0 {
		use.memory = 0
	}

	log := logger.WithPool(name)
	if pool.CPUQuota > 0 && use.cpu >= pool.CPUQuota {
		log.Warn().
			Float64("cpu_usage", use.cpu).
			Float64("cpu_quota", pool.CPUQuota).
			Msg("pool CPU quota reached")
	}
	if pool.MemoryQuota > 0 && use.memory >= float64(pool.MemoryQuota) {
		log.Warn().
			Float64("memory_usage", use.memory).
			Int("memory_quota", pool.MemoryQuota).
			Msg("pool memory quota reached")
	}
	return nil
}

// Pool returns a copy of the named pool.
func (m *PoolManager) Pool(name string) (AgentPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return AgentPool{}, poolNotFound(name)
	}
	return *pool, nil
}

// PoolNames returns every pool name in insertion order.
func (m *PoolManager) PoolNames() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.order...)
}

func (m *PoolManager) EnablePool(name string) error {
	return m.setEnabled(name, true)
}

func (m *PoolManager) DisablePool(name string) error {
	return m.setEnabled(name, false)
}

func (m *PoolManager) setEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return poolNotFound(name)
	}
	pool.Enabled = enabled
	logger.WithPool(name).Info().Bool("enabled", enabled).Msg("pool enabled flag updated")
	return nil
}

// Status returns a point-in-time status copy for one pool.
func (m *PoolManager) Status(name string) (PoolStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	pool, ok := m.pools[name]
	if !ok {
		return PoolStatus{}, poolNotFound(name)
	}
	return m.statusLocked(pool), nil
}

func (m *PoolManager) statusLocked(pool *AgentPool) PoolStatus {
	utilization := 0.0
	if pool.MaxConcurrency > 0 {
		utilization = float64(pool.CurrentRunning) / float64(pool.MaxConcurrency)
	}
	use := m.usage[pool.Name]
	return PoolStatus{
		PoolName:       pool.Name,
		Kind:           pool.Kind,
		Enabled:        pool.Enabled,
		MaxConcurrency: pool.MaxConcurrency,
		CurrentRunning: pool.CurrentRunning,
		Utilization:    utilization,
		CPUUsage:       use.cpu,
		MemoryUsage:    use.memory,
	}
}

// AllStatuses returns statuses for every pool in insertion order.
func (m *PoolManager) AllStatuses() []PoolStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	statuses := make([]PoolStatus, 0, len(m.order))
	for _, name := range m.order {
		statuses = append(statuses, m.statusLocked(m.pools[name]))
	}
	return statuses
}
