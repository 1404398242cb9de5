package dispatcher

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRetryManager(now time.Time) (*RetryManager, *time.Time) {
	current := now
	r := NewRetryManager(3, 2.0, time.Second, 300*time.Second)
	r.now = func() time.Time { return current }
	return r, &current
}

func TestRetryManager_BackoffSchedule(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, _ := newTestRetryManager(base)

	tests := []struct {
		failure int
		backoff time.Duration
	}{
		{1, 1 * time.Second},  // initial * 2^0
		{2, 2 * time.Second},  // initial * 2^1
		{3, 4 * time.Second},  // initial * 2^2
		{4, 8 * time.Second},  // initial * 2^3
	}

	for _, tt := range tests {
		info := r.RecordFailure("t1", "flaky")
		assert.Equal(t, tt.failure, info.RetryCount)
		assert.Equal(t, base.Add(tt.backoff), info.NextRetryAt, "failure %d", tt.failure)
	}
}

func TestRetryManager_BackoffCappedAtMaxDelay(t *testing.T) {
	r := NewRetryManager(100, 2.0, time.Second, 10*time.Second)
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return base }

	var info RetryInfo
	for i := 0; i < 10; i++ {
		info = r.RecordFailure("t1", "flaky")
	}
	assert.Equal(t, base.Add(10*time.Second), info.NextRetryAt)
}

func TestRetryManager_ShouldRetry(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, current := newTestRetryManager(base)

	assert.True(t, r.ShouldRetry("unknown"), "no failure record means retryable")

	r.RecordFailure("t1", "flaky")
	assert.False(t, r.ShouldRetry("t1"), "backoff not yet elapsed")

	*current = base.Add(2 * time.Second)
	assert.True(t, r.ShouldRetry("t1"))

	r.RecordFailure("t1", "flaky")
	*current = base.Add(time.Hour)
	r.RecordFailure("t1", "flaky")
	*current = base.Add(2 * time.Hour)
	assert.False(t, r.ShouldRetry("t1"), "retry budget exhausted")
}

func TestRetryManager_Eligible(t *testing.T) {
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	r, current := newTestRetryManager(base)

	assert.True(t, r.Eligible("t1"))

	r.RecordFailure("t1", "flaky")
	assert.False(t, r.Eligible("t1"))

	*current = base.Add(time.Second)
	assert.True(t, r.Eligible("t1"), "eligible exactly at next_retry_at")
}

func TestRetryManager_CountAndClear(t *testing.T) {
	r := NewRetryManager(3, 2.0, time.Second, time.Minute)

	assert.Equal(t, 0, r.RetryCount("t1"))
	r.RecordFailure("t1", "first")
	r.RecordFailure("t1", "second")
	assert.Equal(t, 2, r.RetryCount("t1"))

	info, ok := r.Info("t1")
	require.True(t, ok)
	assert.Equal(t, "second", info.LastFailureReason)

	r.Clear("t1")
	assert.Equal(t, 0, r.RetryCount("t1"))
	_, ok = r.Info("t1")
	assert.False(t, ok)
}

func TestRetryManager_Snapshot(t *testing.T) {
	r := NewRetryManager(3, 2.0, time.Second, time.Minute)
	r.RecordFailure("a", "x")
	r.RecordFailure("b", "y")

	snap := r.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, 1, snap["a"].RetryCount)

	// Mutating the snapshot must not touch the manager.
	entry := snap["a"]
	entry.RetryCount = 99
	snap["a"] = entry
	assert.Equal(t, 1, r.RetryCount("a"))
}

func TestRetryManager_Defaults(t *testing.T) {
	r := NewRetryManager(0, 0, 0, 0)
	assert.Equal(t, 3, r.MaxAttempts())
	assert.Equal(t, time.Second, r.initialDelay)
	assert.Equal(t, 2.0, r.backoffBase)
	assert.Equal(t, 300*time.Second, r.maxDelay)
}
