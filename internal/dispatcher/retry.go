package dispatcher

import (
	"math"
	"sync"
	"time"

	"github.com/fleetworks/dispatcher/internal/logger"
)

// RetryInfo tracks failures for one task.
type RetryInfo struct {
	RetryCount        int       `json:"retry_count"`
	LastFailureReason string    `json:"last_failure_reason"`
	NextRetryAt       time.Time `json:"next_retry_at"`
}

// RetryManager records per-task failures and computes exponential backoff.
// An absent entry means no failures recorded.
type RetryManager struct {
	mu           sync.Mutex
	entries      map[string]*RetryInfo
	maxAttempts  int
	backoffBase  float64
	initialDelay time.Duration
	maxDelay     time.Duration
	now          func() time.Time
}

func NewRetryManager(maxAttempts int, backoffBase float64, initialDelay, maxDelay time.Duration) *RetryManager {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	if backoffBase <= 0 {
		backoffBase = 2.0
	}
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if maxDelay <= 0 {
		maxDelay = 300 * time.Second
	}
	return &RetryManager{
		entries:      make(map[string]*RetryInfo),
		maxAttempts:  maxAttempts,
		backoffBase:  backoffBase,
		initialDelay: initialDelay,
		maxDelay:     maxDelay,
		now:          time.Now,
	}
}

// RecordFailure increments the retry count and schedules the next retry at
// now + initial_delay * base^(count-1), capped at the max delay.
func (r *RetryManager) RecordFailure(taskID, reason string) RetryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()

	info, ok := r.entries[taskID]
	if !ok {
		info = &RetryInfo{}
		r.entries[taskID] = info
	}
	info.RetryCount++
	info.LastFailureReason = reason

	backoff := time.Duration(float64(r.initialDelay) * math.Pow(r.backoffBase, float64(info.RetryCount-1)))
	if backoff > r.maxDelay {
		backoff = r.maxDelay
	}
	info.NextRetryAt = r.now().Add(backoff)

	logger.WithTask(taskID).Warn().
		Str("reason", reason).
		Int("retry_count", info.RetryCount).
		Dur("backoff", backoff).
		Time("next_retry_at", info.NextRetryAt).
		Msg("recorded task failure")

	return *info
}

// ShouldRetry is true while the retry budget remains and the backoff has
// elapsed.
func (r *RetryManager) ShouldRetry(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[taskID]
	if !ok {
		return true
	}
	return info.RetryCount < r.maxAttempts && !r.now().Before(info.NextRetryAt)
}

// Eligible is the scheduler's backoff gate: a task with no failure record
// is always eligible; otherwise its backoff must have elapsed.
func (r *RetryManager) Eligible(taskID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	info, ok := r.entries[taskID]
	if !ok {
		return true
	}
	return !r.now().Before(info.NextRetryAt)
}

// RetryCount returns the recorded failure count, zero when unknown.
func (r *RetryManager) RetryCount(taskID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.entries[taskID]; ok {
		return info.RetryCount
	}
	return 0
}

// Info returns a copy of the task's retry record.
func (r *RetryManager) Info(taskID string) (RetryInfo, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if info, ok := r.entries[taskID]; ok {
		return *info, true
	}
	return RetryInfo{}, false
}

// Clear deletes a task's retry record, on success or terminal failure.
func (r *RetryManager) Clear(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, taskID)
}

// MaxAttempts returns the configured retry ceiling.
func (r *RetryManager) MaxAttempts() int {
	return r.maxAttempts
}

// Snapshot copies all retry records, keyed by task ID.
func (r *RetryManager) Snapshot() map[string]RetryInfo {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]RetryInfo, len(r.entries))
	for id, info := range r.entries {
		out[id] = *info
	}
	return out
}
