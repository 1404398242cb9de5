// Package repopool models the Repo Pool Manager collaborator: pre-warmed
// workspace slots the dispatcher allocates just before launching a runner
// and releases exactly once per runner lifecycle.
package repopool

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fleetworks/dispatcher/internal/logger"
)

// SlotState tracks a workspace slot's allocation state.
type SlotState string

const (
	SlotAvailable SlotState = "available"
	SlotAllocated SlotState = "allocated"
)

// Slot is a workspace allocation handle. The dispatcher never mutates a
// slot; it holds the ID for release.
type Slot struct {
	SlotID   string            `json:"slot_id"`
	RepoName string            `json:"repo_name"`
	RepoURL  string            `json:"repo_url"`
	Path     string            `json:"slot_path"`
	State    SlotState         `json:"state"`
	Metadata map[string]string `json:"metadata,omitempty"`

	AllocatedAt time.Time `json:"allocated_at,omitempty"`
}

// SlotAllocator is the surface the dispatcher needs from the Repo Pool
// Manager.
type SlotAllocator interface {
	// AllocateSlot reserves a slot for repoName. Returns (nil, nil) when
	// no slot is currently available; that is a transient condition.
	AllocateSlot(repoName string, metadata map[string]string) (*Slot, error)

	// ReleaseSlot returns a slot to the pool. Releasing an unknown or
	// already-released slot is a no-op.
	ReleaseSlot(slotID string, cleanup bool) error
}

// RepoConfig declares one repository's slot pool.
type RepoConfig struct {
	URL     string
	Slots   int
	BaseDir string
}

// Pool is an in-memory slot pool, one fixed set of slots per repository.
type Pool struct {
	mu     sync.Mutex
	slots  map[string]*Slot // slot ID -> slot
	byRepo map[string][]*Slot
}

// NewPool builds a pool from per-repo declarations.
func NewPool(repos map[string]RepoConfig) *Pool {
	p := &Pool{
		slots:  make(map[string]*Slot),
		byRepo: make(map[string][]*Slot),
	}
	for name, cfg := range repos {
		n := cfg.Slots
		if n <= 0 {
			n = 1
		}
		for i := 0; i < n; i++ {
			slot := &Slot{
				SlotID:   fmt.Sprintf("%s-slot-%d-%s", name, i, uuid.NewString()[:8]),
				RepoName: name,
				RepoURL:  cfg.URL,
				Path:     fmt.Sprintf("%s/%s/slot-%d", cfg.BaseDir, name, i),
				State:    SlotAvailable,
			}
			p.slots[slot.SlotID] = slot
			p.byRepo[name] = append(p.byRepo[name], slot)
		}
	}
	return p
}

func (p *Pool) AllocateSlot(repoName string, metadata map[string]string) (*Slot, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, slot := range p.byRepo[repoName] {
		if slot.State != SlotAvailable {
			continue
		}
		slot.State = SlotAllocated
		slot.AllocatedAt = time.Now().UTC()
		slot.Metadata = metadata

		logger.WithComponent("repo_pool").Debug().
			Str("slot_id", slot.SlotID).
			Str("repo", repoName).
			Msg("slot allocated")

		out := *slot
		return &out, nil
	}
	return nil, nil
}

func (p *Pool) ReleaseSlot(slotID string, cleanup bool) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	slot, ok := p.slots[slotID]
	if !ok {
		logger.WithComponent("repo_pool").Warn().
			Str("slot_id", slotID).
			Msg("release of unknown slot ignored")
		return nil
	}
	if slot.State == SlotAvailable {
		return nil
	}
	slot.State = SlotAvailable
	slot.Metadata = nil

	logger.WithComponent("repo_pool").Debug().
		Str("slot_id", slotID).
		Bool("cleanup", cleanup).
		Msg("slot released")
	return nil
}

// AvailableCount reports how many slots a repository has free.
func (p *Pool) AvailableCount(repoName string) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	count := 0
	for _, slot := range p.byRepo[repoName] {
		if slot.State == SlotAvailable {
			count++
		}
	}
	return count
}
