package quota

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/quartz"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/rebuttal/internal/store"
)

type memRows struct {
	mu   sync.Mutex
	rows map[string]store.RateCounter
}

func newMemRows() *memRows { return &memRows{rows: map[string]store.RateCounter{}} }

func (m *memRows) GetRateCounter(_ context.Context, key string) (store.RateCounter, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rc, ok := m.rows[key]
	return rc, ok, nil
}

func (m *memRows) PutRateCounter(_ context.Context, rc store.RateCounter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[rc.Key] = rc
	return nil
}

// checkFixedWindow drives a counter through one full window and its reset.
func checkFixedWindow(t *testing.T, counter WindowCounter, clock *quartz.Mock, advance func(time.Duration)) {
	t.Helper()
	ctx := context.Background()
	for _, tc := range []struct {
		limit  int
		window time.Duration
	}{{1, time.Minute}, {3, 10 * time.Second}, {5, time.Hour}} {
		key := "k-" + tc.window.String()
		for i := 1; i <= tc.limit; i++ {
			res, err := counter.Take(ctx, key, tc.limit, tc.window)
			require.NoError(t, err)
			require.Truef(t, res.Allowed, "call %d of %d should be allowed", i, tc.limit)
			require.Equal(t, tc.limit-i, res.Remaining)
		}
		res, err := counter.Take(ctx, key, tc.limit, tc.window)
		require.NoError(t, err)
		require.False(t, res.Allowed, "call limit+1 should be rejected")
		require.Zero(t, res.Remaining)
		require.True(t, res.ResetAt.After(clock.Now()), "reset must be in the future")

		advance(tc.window + time.Millisecond)
		res, err = counter.Take(ctx, key, tc.limit, tc.window)
		require.NoError(t, err)
		require.True(t, res.Allowed, "window should reset after expiry")
		require.Equal(t, tc.limit-1, res.Remaining)
	}
}

func TestSQLCounterFixedWindow(t *testing.T) {
	clock := quartz.NewMock(t)
	counter := &SQLCounter{Rows: newMemRows(), Clock: clock}
	checkFixedWindow(t, counter, clock, func(d time.Duration) { clock.Advance(d) })
}

func TestRedisCountersFixedWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	clock := quartz.NewMock(t)
	counter := &RedisCounters{Client: client, Prefix: "test:", Clock: clock}
	checkFixedWindow(t, counter, clock, func(d time.Duration) {
		clock.Advance(d)
		mr.FastForward(d)
	})
}

func TestRedisCountersConcurrentBurst(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	counter := &RedisCounters{Client: client, Clock: quartz.NewMock(t)}

	const limit, callers = 5, 20
	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		allowed int
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := counter.Take(context.Background(), "burst", limit, time.Minute)
			if err != nil {
				t.Errorf("Take: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	require.Equal(t, limit, allowed)
}
