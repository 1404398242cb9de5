package repopool

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPool() *Pool {
	return NewPool(map[string]RepoConfig{
		"svc": {URL: "https://example.com/svc.git", Slots: 2, BaseDir: "/tmp/pool"},
	})
}

func TestPool_AllocateAndRelease(t *testing.T) {
	p := newTestPool()
	require.Equal(t, 2, p.AvailableCount("svc"))

	slot, err := p.AllocateSlot("svc", map[string]string{"task_id": "t1"})
	require.NoError(t, err)
	require.NotNil(t, slot)
	assert.Equal(t, "svc", slot.RepoName)
	assert.Equal(t, SlotAllocated, slot.State)
	assert.Equal(t, "t1", slot.Metadata["task_id"])
	assert.Equal(t, 1, p.AvailableCount("svc"))

	require.NoError(t, p.ReleaseSlot(slot.SlotID, true))
	assert.Equal(t, 2, p.AvailableCount("svc"))
}

func TestPool_Exhaustion(t *testing.T) {
	p := newTestPool()

	s1, err := p.AllocateSlot("svc", nil)
	require.NoError(t, err)
	require.NotNil(t, s1)
	s2, err := p.AllocateSlot("svc", nil)
	require.NoError(t, err)
	require.NotNil(t, s2)

	none, err := p.AllocateSlot("svc", nil)
	require.NoError(t, err)
	assert.Nil(t, none, "exhausted pool yields no slot, not an error")
}

func TestPool_UnknownRepo(t *testing.T) {
	p := newTestPool()
	slot, err := p.AllocateSlot("other", nil)
	require.NoError(t, err)
	assert.Nil(t, slot)
}

func TestPool_ReleaseIsIdempotent(t *testing.T) {
	p := newTestPool()
	slot, err := p.AllocateSlot("svc", nil)
	require.NoError(t, err)
	require.NotNil(t, slot)

	require.NoError(t, p.ReleaseSlot(slot.SlotID, true))
	require.NoError(t, p.ReleaseSlot(slot.SlotID, true))
	require.NoError(t, p.ReleaseSlot("no-such-slot", false))
	assert.Equal(t, 2, p.AvailableCount("svc"))
}

func TestPool_DefaultsToOneSlot(t *testing.T) {
	p := NewPool(map[string]RepoConfig{"tiny": {URL: "u"}})
	assert.Equal(t, 1, p.AvailableCount("tiny"))
}

func TestPool_AllocationReturnsCopy(t *testing.T) {
	p := newTestPool()
	slot, err := p.AllocateSlot("svc", nil)
	require.NoError(t, err)

	slot.State = SlotAvailable // caller-side mutation
	assert.Equal(t, 1, p.AvailableCount("svc"), "pool state unaffected by caller mutation")
}
