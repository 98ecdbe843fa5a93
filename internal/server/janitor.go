package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/gorhill/cronexpr"
	"github.com/redis/go-redis/v9"
)

const janitorLockKey = "rebuttal:janitor:lock"

// unlockScript deletes the lock only while it still carries our token. A lock that expired
// and was retaken by another replica is left alone.
var unlockScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
  return redis.call('DEL', KEYS[1])
end
return 0
`)

// CounterPruner deletes rate counters whose window ended before cutoff.
type CounterPruner interface {
	PruneRateCounters(ctx context.Context, cutoff time.Time) (int64, error)
}

// Janitor prunes expired Postgres rate counters on a cron schedule. When Redis is
// available a short lock keeps replicas from sweeping at the same time.
type Janitor struct {
	Pruner   CounterPruner
	Redis    *redis.Client
	Schedule string
	LockTTL  time.Duration
	Clock    quartz.Clock
	Logger   slog.Logger
}

// Run sweeps at every scheduled instant until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) error {
	expr, err := cronexpr.Parse(j.Schedule)
	if err != nil {
		return fmt.Errorf("janitor schedule %q: %w", j.Schedule, err)
	}
	for {
		now := j.Clock.Now()
		next := expr.Next(now)
		if next.IsZero() {
			return errors.New("janitor schedule has no future run")
		}
		timer := j.Clock.NewTimer(next.Sub(now), "janitor")
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil
		case <-timer.C:
		}
		if _, err := j.Sweep(ctx); err != nil {
			j.Logger.Warn(ctx, "counter sweep failed", slog.Error(err))
		}
	}
}

// Sweep prunes once. It returns 0 without pruning when another replica holds the lock.
func (j *Janitor) Sweep(ctx context.Context) (int64, error) {
	if j.Redis != nil {
		ttl := j.LockTTL
		if ttl <= 0 {
			ttl = 2 * time.Minute
		}
		token := uuid.NewString()
		ok, err := j.Redis.SetNX(ctx, janitorLockKey, token, ttl).Result()
		if err != nil {
			return 0, fmt.Errorf("janitor lock: %w", err)
		}
		if !ok {
			j.Logger.Debug(ctx, "counter sweep skipped, lock held elsewhere")
			return 0, nil
		}
		defer j.unlock(context.WithoutCancel(ctx), token)
	}
	n, err := j.Pruner.PruneRateCounters(ctx, j.Clock.Now())
	if err != nil {
		return 0, err
	}
	j.Logger.Info(ctx, "pruned rate counters", slog.F("deleted", n))
	return n, nil
}

func (j *Janitor) unlock(ctx context.Context, token string) {
	if err := unlockScript.Run(ctx, j.Redis, []string{janitorLockKey}, token).Err(); err != nil {
		j.Logger.Warn(ctx, "janitor unlock failed", slog.Error(err))
	}
}
