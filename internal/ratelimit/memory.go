package ratelimit

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
)

const (
	defaultLockTimeout = 500 * time.Millisecond
	lockPollInterval   = time.Millisecond
)

var _ Doser = (*MemoryDoser)(nil)

// MemoryDoser keeps per-scope send timestamps in process memory.
// History is lost on restart.
type MemoryDoser struct {
	mu          sync.Mutex
	defaults    Limits
	overrides   map[string]Limits
	history     map[string][]time.Time
	lockTimeout time.Duration
	now         func() time.Time
	logger      *zap.Logger
}

func NewMemoryDoser(maxCount int, window time.Duration, lockTimeout time.Duration, logger *zap.Logger) *MemoryDoser {
	return newMemoryDoser(maxCount, window, lockTimeout, time.Now, logger)
}

func newMemoryDoser(
	maxCount int,
	window time.Duration,
	lockTimeout time.Duration,
	nowFn func() time.Time,
	logger *zap.Logger,
) *MemoryDoser {
	if lockTimeout <= 0 {
		lockTimeout = defaultLockTimeout
	}
	if nowFn == nil {
		nowFn = time.Now
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &MemoryDoser{
		defaults:    Limits{MaxCount: maxCount, Window: window}.withDefaults(Limits{MaxCount: DefaultMaxCount, Window: DefaultWindow}),
		overrides:   make(map[string]Limits),
		history:     make(map[string][]time.Time),
		lockTimeout: lockTimeout,
		now:         nowFn,
		logger:      logger,
	}
}

func (d *MemoryDoser) CanSend(ctx context.Context, scope string) (bool, error) {
	key, err := normalizeScope(scope)
	if err != nil {
		return false, err
	}
	if !d.lock(ctx) {
		d.logger.Warn("rate limiter lock timeout, denying send", zap.String("scope", key))
		return false, ErrLockTimeout
	}
	defer d.mu.Unlock()

	now := d.now()
	records := d.pruneLocked(key, now)
	return len(records) < d.limitsLocked(key).MaxCount, nil
}

func (d *MemoryDoser) RecordSend(ctx context.Context, scope string) (bool, error) {
	key, err := normalizeScope(scope)
	if err != nil {
		return false, err
	}
	if !d.lock(ctx) {
		d.logger.Warn("rate limiter lock timeout, denying record", zap.String("scope", key))
		return false, ErrLockTimeout
	}
	defer d.mu.Unlock()

	now := d.now()
	records := d.pruneLocked(key, now)
	if len(records) >= d.limitsLocked(key).MaxCount {
		return false, nil
	}

	d.history[key] = append(records, now)
	return true, nil
}

func (d *MemoryDoser) NextAvailableIn(ctx context.Context, scope string) (time.Duration, error) {
	key, err := normalizeScope(scope)
	if err != nil {
		return 0, err
	}
	if !d.lock(ctx) {
		return 0, ErrLockTimeout
	}
	defer d.mu.Unlock()

	now := d.now()
	records := d.pruneLocked(key, now)
	limits := d.limitsLocked(key)
	if len(records) < limits.MaxCount {
		return 0, nil
	}

	// The budget frees up once enough of the oldest sends leave the window
	// to bring the count below MaxCount.
	unblocking := records[len(records)-limits.MaxCount]
	wait := unblocking.Add(limits.Window).Sub(now)
	if wait < 0 {
		wait = 0
	}
	return wait, nil
}

// UpdateLimits changes the default budget. Recorded history is kept, so a
// lowered limit applies to sends already made inside the window.
func (d *MemoryDoser) UpdateLimits(maxCount int, window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.defaults = Limits{MaxCount: maxCount, Window: window}.withDefaults(d.defaults)
}

func (d *MemoryDoser) SetScopeLimits(scope string, maxCount int, window time.Duration) {
	key, err := normalizeScope(scope)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if maxCount <= 0 && window <= 0 {
		delete(d.overrides, key)
		return
	}
	d.overrides[key] = Limits{MaxCount: maxCount, Window: window}.withDefaults(d.defaults)
}

// Sweep drops scopes whose timestamps have all left the window.
func (d *MemoryDoser) Sweep(ctx context.Context) (int, error) {
	if !d.lock(ctx) {
		return 0, ErrLockTimeout
	}
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for key := range d.history {
		if len(d.pruneLocked(key, now)) == 0 {
			removed++
		}
	}
	return removed, nil
}

func (d *MemoryDoser) scopeCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.history)
}

func (d *MemoryDoser) limitsLocked(key string) Limits {
	if limits, ok := d.overrides[key]; ok {
		return limits
	}
	return d.defaults
}

func (d *MemoryDoser) pruneLocked(key string, now time.Time) []time.Time {
	records := d.history[key]
	if len(records) == 0 {
		delete(d.history, key)
		return nil
	}

	cutoff := now.Add(-d.limitsLocked(key).Window)
	first := 0
	for first < len(records) && !records[first].After(cutoff) {
		first++
	}
	if first == len(records) {
		delete(d.history, key)
		return nil
	}
	if first > 0 {
		records = append(records[:0:0], records[first:]...)
		d.history[key] = records
	}
	return records
}

// lock acquires the state mutex, giving up after lockTimeout or ctx cancellation.
func (d *MemoryDoser) lock(ctx context.Context) bool {
	if d.mu.TryLock() {
		return true
	}
	if ctx == nil {
		ctx = context.Background()
	}

	deadline := time.NewTimer(d.lockTimeout)
	defer deadline.Stop()
	poll := time.NewTicker(lockPollInterval)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-poll.C:
			if d.mu.TryLock() {
				return true
			}
		}
	}
}

func normalizeScope(scope string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(scope))
	if normalized == "" {
		return "", fmt.Errorf("scope is required")
	}
	return normalized, nil
}
