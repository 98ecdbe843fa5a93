package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/rebuttal/internal/store"
)

// CounterRows is the row-level access SQLCounter needs.
type CounterRows interface {
	GetRateCounter(ctx context.Context, key string) (store.RateCounter, bool, error)
	PutRateCounter(ctx context.Context, rc store.RateCounter) error
}

// SQLCounter keeps windows in the rate_counters table. It reads then writes, so bursts of
// concurrent requests on one key can each see the same count and slightly over-admit.
type SQLCounter struct {
	Rows  CounterRows
	Clock quartz.Clock
}

func (c *SQLCounter) Take(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	now := c.Clock.Now()
	rc, ok, err := c.Rows.GetRateCounter(ctx, key)
	if err != nil {
		return WindowResult{}, err
	}
	if !ok || !rc.ExpiresAt.After(now) {
		rc = store.RateCounter{Key: key, Count: 0, ExpiresAt: now.Add(window)}
	}
	if rc.Count >= limit {
		return WindowResult{Allowed: false, Remaining: 0, ResetAt: rc.ExpiresAt}, nil
	}
	rc.Count++
	if err := c.Rows.PutRateCounter(ctx, rc); err != nil {
		return WindowResult{}, err
	}
	return WindowResult{Allowed: true, Remaining: limit - rc.Count, ResetAt: rc.ExpiresAt}, nil
}

// takeScript checks and increments in one round trip. Returns {allowed, count, pttl}.
var takeScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
if cur >= tonumber(ARGV[1]) then
  return {0, cur, redis.call('PTTL', KEYS[1])}
end
local n = redis.call('INCR', KEYS[1])
if n == 1 then
  redis.call('PEXPIRE', KEYS[1], ARGV[2])
end
return {1, n, redis.call('PTTL', KEYS[1])}
`)

// RedisCounters keeps windows in Redis and evaluates each take atomically.
type RedisCounters struct {
	Client redis.Scripter
	Prefix string
	Clock  quartz.Clock
}

func (c *RedisCounters) Take(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	out, err := takeScript.Run(ctx, c.Client, []string{c.Prefix + key}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return WindowResult{}, fmt.Errorf("redis take %s: %w", key, err)
	}
	if len(out) != 3 {
		return WindowResult{}, fmt.Errorf("redis take %s: unexpected reply %v", key, out)
	}
	ttl := time.Duration(out[2]) * time.Millisecond
	if ttl < 0 {
		ttl = window
	}
	res := WindowResult{Allowed: out[0] == 1, ResetAt: c.Clock.Now().Add(ttl)}
	if res.Allowed {
		res.Remaining = limit - int(out[1])
	}
	return res, nil
}
