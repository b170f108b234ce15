package redis

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/kursadbilgin/campaign-engine/internal/ratelimit"
	goredis "github.com/redis/go-redis/v9"
)

const (
	keyPrefix        = "doser:"
	defaultOpTimeout = 500 * time.Millisecond
	sweepScanCount   = 100
)

// KEYS[1] scope key; ARGV now_ms, window_ms.
var countScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", tonumber(ARGV[1]) - tonumber(ARGV[2]))
local count = redis.call("ZCARD", KEYS[1])
if count == 0 then
  redis.call("DEL", KEYS[1])
end
return count
`)

// KEYS[1] scope key; ARGV now_ms, window_ms, max, member.
var recordScript = goredis.NewScript(`
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", tonumber(ARGV[1]) - tonumber(ARGV[2]))
local count = redis.call("ZCARD", KEYS[1])
if count >= tonumber(ARGV[3]) then
  return 0
end
redis.call("ZADD", KEYS[1], ARGV[1], ARGV[4])
redis.call("PEXPIRE", KEYS[1], ARGV[2])
return 1
`)

// KEYS[1] scope key; ARGV now_ms, window_ms, max. Returns milliseconds to wait.
var nextScript = goredis.NewScript(`
local now = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
redis.call("ZREMRANGEBYSCORE", KEYS[1], "-inf", now - window)
local count = redis.call("ZCARD", KEYS[1])
local max = tonumber(ARGV[3])
if count < max then
  return 0
end
local entry = redis.call("ZRANGE", KEYS[1], count - max, count - max, "WITHSCORES")
local wait = tonumber(entry[2]) + window - now
if wait < 0 then
  return 0
end
return wait
`)

var _ ratelimit.Doser = (*SlidingWindowDoser)(nil)

// SlidingWindowDoser shares the send history of every process through a Redis
// sorted set per scope. Limits are held per process and re-applied each cycle.
type SlidingWindowDoser struct {
	client    *goredis.Client
	mu        sync.RWMutex
	defaults  ratelimit.Limits
	overrides map[string]ratelimit.Limits
	opTimeout time.Duration
	now       func() time.Time
	newMember func() string
}

func NewSlidingWindowDoser(client *goredis.Client, maxCount int, window, opTimeout time.Duration) (*SlidingWindowDoser, error) {
	return newSlidingWindowDoser(client, maxCount, window, opTimeout, time.Now)
}

func newSlidingWindowDoser(
	client *goredis.Client,
	maxCount int,
	window time.Duration,
	opTimeout time.Duration,
	nowFn func() time.Time,
) (*SlidingWindowDoser, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if maxCount <= 0 {
		maxCount = ratelimit.DefaultMaxCount
	}
	if window <= 0 {
		window = ratelimit.DefaultWindow
	}
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	if nowFn == nil {
		nowFn = time.Now
	}

	return &SlidingWindowDoser{
		client:    client,
		defaults:  ratelimit.Limits{MaxCount: maxCount, Window: window},
		overrides: make(map[string]ratelimit.Limits),
		opTimeout: opTimeout,
		now:       nowFn,
		newMember: func() string { return uuid.NewString() },
	}, nil
}

func (d *SlidingWindowDoser) CanSend(ctx context.Context, scope string) (bool, error) {
	key, limits, err := d.prepare(scope)
	if err != nil {
		return false, err
	}

	ctx, cancel := d.opContext(ctx)
	defer cancel()

	count, err := countScript.Run(ctx, d.client, []string{key}, d.nowMillis(), limits.Window.Milliseconds()).Int()
	if err != nil {
		return false, fmt.Errorf("failed to count sends: %w", err)
	}
	return count < limits.MaxCount, nil
}

func (d *SlidingWindowDoser) RecordSend(ctx context.Context, scope string) (bool, error) {
	key, limits, err := d.prepare(scope)
	if err != nil {
		return false, err
	}

	ctx, cancel := d.opContext(ctx)
	defer cancel()

	result, err := recordScript.Run(
		ctx,
		d.client,
		[]string{key},
		d.nowMillis(),
		limits.Window.Milliseconds(),
		limits.MaxCount,
		d.newMember(),
	).Int()
	if err != nil {
		return false, fmt.Errorf("failed to record send: %w", err)
	}
	return result == 1, nil
}

func (d *SlidingWindowDoser) NextAvailableIn(ctx context.Context, scope string) (time.Duration, error) {
	key, limits, err := d.prepare(scope)
	if err != nil {
		return 0, err
	}

	ctx, cancel := d.opContext(ctx)
	defer cancel()

	waitMillis, err := nextScript.Run(
		ctx,
		d.client,
		[]string{key},
		d.nowMillis(),
		limits.Window.Milliseconds(),
		limits.MaxCount,
	).Int64()
	if err != nil {
		return 0, fmt.Errorf("failed to compute next slot: %w", err)
	}
	return time.Duration(waitMillis) * time.Millisecond, nil
}

func (d *SlidingWindowDoser) UpdateLimits(maxCount int, window time.Duration) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if maxCount > 0 {
		d.defaults.MaxCount = maxCount
	}
	if window > 0 {
		d.defaults.Window = window
	}
}

func (d *SlidingWindowDoser) SetScopeLimits(scope string, maxCount int, window time.Duration) {
	key, err := scopeKey(scope)
	if err != nil {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	if maxCount <= 0 && window <= 0 {
		delete(d.overrides, key)
		return
	}

	limits := d.defaults
	if maxCount > 0 {
		limits.MaxCount = maxCount
	}
	if window > 0 {
		limits.Window = window
	}
	d.overrides[key] = limits
}

// Sweep prunes every scope key and deletes the ones left empty. Keys also
// carry a TTL equal to their window, so this only catches keys written with a
// longer window than the current one.
func (d *SlidingWindowDoser) Sweep(ctx context.Context) (int, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	removed := 0
	iter := d.client.Scan(ctx, 0, keyPrefix+"*", sweepScanCount).Iterator()
	for iter.Next(ctx) {
		key := iter.Val()
		limits := d.limitsFor(key)
		count, err := countScript.Run(ctx, d.client, []string{key}, d.nowMillis(), limits.Window.Milliseconds()).Int()
		if err != nil {
			return removed, fmt.Errorf("failed to sweep %s: %w", key, err)
		}
		if count == 0 {
			removed++
		}
	}
	if err := iter.Err(); err != nil {
		return removed, fmt.Errorf("failed to scan doser keys: %w", err)
	}
	return removed, nil
}

func (d *SlidingWindowDoser) prepare(scope string) (string, ratelimit.Limits, error) {
	if d == nil || d.client == nil {
		return "", ratelimit.Limits{}, fmt.Errorf("doser is not initialized")
	}
	key, err := scopeKey(scope)
	if err != nil {
		return "", ratelimit.Limits{}, err
	}
	return key, d.limitsFor(key), nil
}

func (d *SlidingWindowDoser) limitsFor(key string) ratelimit.Limits {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if limits, ok := d.overrides[key]; ok {
		return limits
	}
	return d.defaults
}

func (d *SlidingWindowDoser) opContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithTimeout(ctx, d.opTimeout)
}

func (d *SlidingWindowDoser) nowMillis() int64 {
	return d.now().UnixMilli()
}

func scopeKey(scope string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(scope))
	if normalized == "" {
		return "", fmt.Errorf("scope is required")
	}
	return keyPrefix + normalized, nil
}
