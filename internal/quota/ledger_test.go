package quota

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/coder/quartz"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/store"
	"github.com/mohammad-safakhou/rebuttal/models"
)

type fakeSessions struct {
	mu        sync.Mutex
	clock     quartz.Clock
	sessions  map[string]models.Session
	listCalls int
}

func newFakeSessions(clock quartz.Clock) *fakeSessions {
	return &fakeSessions{clock: clock, sessions: map[string]models.Session{}}
}

func (f *fakeSessions) CountTurns(_ context.Context, id string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.sessions[id]
	if !ok {
		return 0, models.ErrSessionNotFound
	}
	return len(s.Turns), nil
}

func (f *fakeSessions) ListTurns(_ context.Context, id string) ([]models.Turn, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listCalls++
	return append([]models.Turn(nil), f.sessions[id].Turns...), nil
}

func (f *fakeSessions) UpsertSession(_ context.Context, sess models.Session) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.sessions[sess.ID]; ok && cur.OwnerID != sess.OwnerID {
		return store.ErrOwnerConflict
	}
	if cur, ok := f.sessions[sess.ID]; ok {
		sess.CreatedAt = cur.CreatedAt
	} else {
		sess.CreatedAt = f.clock.Now()
	}
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeSessions) countLocked(owner string, since time.Time) int {
	n := 0
	for _, s := range f.sessions {
		if s.OwnerID == owner && s.CreatedAt.After(since) {
			n++
		}
	}
	return n
}

func (f *fakeSessions) CreateSessionWithinLimit(_ context.Context, sess models.Session, limit int, since time.Time) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.sessions[sess.ID]; exists || f.countLocked(sess.OwnerID, since) >= limit {
		return false, nil
	}
	sess.CreatedAt = f.clock.Now()
	f.sessions[sess.ID] = sess
	return true, nil
}

func (f *fakeSessions) CountSessionsSince(_ context.Context, owner string, since time.Time) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.countLocked(owner, since), nil
}

func (f *fakeSessions) appendTurn(id string, turn models.Turn) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.sessions[id]
	s.Turns = append(s.Turns, turn)
	f.sessions[id] = s
}

type fakeSubs map[string]bool

func (f fakeSubs) IsPremium(_ context.Context, owner string) (bool, error) { return f[owner], nil }

func testQuotaConfig() config.QuotaConfig {
	return config.QuotaConfig{
		IP:        config.WindowConfig{Limit: 2, Window: time.Minute},
		Owner:     config.WindowConfig{Limit: 3, Window: time.Minute},
		Turns:     config.TierLimits{Guest: 40, Free: 50},
		Creations: config.TierLimits{Guest: 1, Free: 20},
	}
}

func newTestLedger(t *testing.T) (*Ledger, *fakeSessions, *quartz.Mock) {
	t.Helper()
	clock := quartz.NewMock(t)
	sessions := newFakeSessions(clock)
	counters := &SQLCounter{Rows: newMemRows(), Clock: clock}
	return NewLedger(counters, sessions, fakeSubs{"payer": true}, testQuotaConfig(), clock), sessions, clock
}

func TestGuestCreationLimit(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	dec, err := ledger.CheckCreationLimit(ctx, models.Session{ID: "a", OwnerID: "guest-1", Topic: "tea"}, models.TierGuest)
	require.NoError(t, err)
	require.True(t, dec.Allowed)

	dec, err = ledger.CheckCreationLimit(ctx, models.Session{ID: "b", OwnerID: "guest-1", Topic: "coffee"}, models.TierGuest)
	var qe apperr.QuotaExceeded
	require.ErrorAs(t, err, &qe)
	require.Equal(t, apperr.QuotaCreation, qe.Kind)
	require.Equal(t, 1, qe.Count)
	require.Equal(t, 1, qe.Limit)
	require.Equal(t, 24*time.Hour, qe.RetryAfter)
	require.False(t, dec.Allowed)
}

func TestCreationLimitRollsOverAfterADay(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CheckCreationLimit(ctx, models.Session{ID: "a", OwnerID: "guest-1"}, models.TierGuest)
	require.NoError(t, err)
	clock.Advance(25 * time.Hour)
	dec, err := ledger.CheckCreationLimit(ctx, models.Session{ID: "b", OwnerID: "guest-1"}, models.TierGuest)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
}

func TestCreationIDCollisionIsOwnerConflict(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CheckCreationLimit(ctx, models.Session{ID: "same", OwnerID: "alice"}, models.TierFree)
	require.NoError(t, err)
	_, err = ledger.CheckCreationLimit(ctx, models.Session{ID: "same", OwnerID: "mallory"}, models.TierFree)
	require.ErrorIs(t, err, store.ErrOwnerConflict)
}

func TestCreationIDCollisionSameOwnerUpdates(t *testing.T) {
	ledger, sessions, _ := newTestLedger(t)
	ctx := context.Background()

	_, err := ledger.CheckCreationLimit(ctx, models.Session{ID: "mine", OwnerID: "alice", Topic: "first"}, models.TierFree)
	require.NoError(t, err)
	dec, err := ledger.CheckCreationLimit(ctx, models.Session{ID: "mine", OwnerID: "alice", Topic: "second"}, models.TierFree)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Count)
	require.Len(t, sessions.sessions, 1)
	require.Equal(t, "second", sessions.sessions["mine"].Topic)
}

func TestPremiumCreationUnlimited(t *testing.T) {
	ledger, sessions, _ := newTestLedger(t)
	ctx := context.Background()
	for _, id := range []string{"p1", "p2", "p3"} {
		dec, err := ledger.CheckCreationLimit(ctx, models.Session{ID: id, OwnerID: "payer"}, models.TierPremium)
		require.NoError(t, err)
		require.True(t, dec.Allowed)
	}
	require.Len(t, sessions.sessions, 3)
}

func TestFreeTierTurnLimit(t *testing.T) {
	ledger, sessions, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, sessions.UpsertSession(ctx, models.Session{ID: "s", OwnerID: "u"}))

	// Turns 1..50 are admitted; each admitted turn stores a user and an assistant message.
	for turn := 1; turn <= 50; turn++ {
		dec, err := ledger.CheckPerTurnLimit(ctx, "s", models.TierFree)
		require.NoErrorf(t, err, "turn %d", turn)
		require.Truef(t, dec.Allowed, "turn %d should be allowed", turn)
		sessions.appendTurn("s", models.Turn{Role: models.RoleUser, Content: "arg"})
		sessions.appendTurn("s", models.Turn{Role: models.RoleAssistant, Content: "rebuttal"})
	}

	dec, err := ledger.CheckPerTurnLimit(ctx, "s", models.TierFree)
	var qe apperr.QuotaExceeded
	require.ErrorAs(t, err, &qe)
	require.Equal(t, apperr.QuotaTurn, qe.Kind)
	require.Equal(t, 50, qe.Count)
	require.Equal(t, 50, qe.Limit)
	require.Equal(t, "free", qe.Tier)
	require.False(t, dec.Allowed)
}

func TestPerTurnLimitSkipsFullFetchBelowLimit(t *testing.T) {
	ledger, sessions, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, sessions.UpsertSession(ctx, models.Session{ID: "s", OwnerID: "u"}))
	for i := 0; i < 5; i++ {
		sessions.appendTurn("s", models.Turn{Role: models.RoleUser, Content: "x"})
	}

	dec, err := ledger.CheckPerTurnLimit(ctx, "s", models.TierGuest)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 3, dec.Count, "estimate is ceil(aggregate/2)")
	require.Zero(t, sessions.listCalls)
}

func TestPerTurnLimitCountsOnlyUserTurns(t *testing.T) {
	ledger, sessions, _ := newTestLedger(t)
	ctx := context.Background()
	require.NoError(t, sessions.UpsertSession(ctx, models.Session{ID: "s", OwnerID: "u"}))
	// Many system/assistant turns push the aggregate over the limit without user turns.
	for i := 0; i < 45; i++ {
		sessions.appendTurn("s", models.Turn{Role: models.RoleAssistant, Content: "x"})
	}
	sessions.appendTurn("s", models.Turn{Role: models.RoleUser, Content: "x"})

	dec, err := ledger.CheckPerTurnLimit(ctx, "s", models.TierGuest)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.Equal(t, 1, dec.Count)
	require.Equal(t, 1, sessions.listCalls)
}

func TestPremiumTurnsUnlimited(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	dec, err := ledger.CheckPerTurnLimit(context.Background(), "anything", models.TierPremium)
	require.NoError(t, err)
	require.True(t, dec.Allowed)
	require.True(t, dec.IsPremium)
}

func TestCheckRequestScopes(t *testing.T) {
	ledger, _, clock := newTestLedger(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		_, err := ledger.CheckRequest(ctx, apperr.ScopeIP, "203.0.113.9")
		require.NoError(t, err)
	}
	_, err := ledger.CheckRequest(ctx, apperr.ScopeIP, "203.0.113.9")
	var rl apperr.RateLimited
	require.ErrorAs(t, err, &rl)
	require.Equal(t, apperr.ScopeIP, rl.Scope)
	require.Equal(t, time.Minute, rl.RetryAfter)

	// Owner windows are independent of the IP window.
	_, err = ledger.CheckRequest(ctx, apperr.ScopeOwner, "u1")
	require.NoError(t, err)

	clock.Advance(time.Minute + time.Second)
	_, err = ledger.CheckRequest(ctx, apperr.ScopeIP, "203.0.113.9")
	require.NoError(t, err)
}

func TestIPKeyHidesAddress(t *testing.T) {
	key := IPKey("198.51.100.7")
	require.NotContains(t, key, "198.51")
	require.Equal(t, key, IPKey("198.51.100.7"))
	require.NotEqual(t, key, IPKey("198.51.100.8"))
}

func TestResolveTier(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	ctx := context.Background()
	cases := []struct {
		id   models.Identity
		want models.Tier
	}{
		{models.Identity{OwnerID: "g", Guest: true}, models.TierGuest},
		{models.Identity{OwnerID: "payer"}, models.TierPremium},
		{models.Identity{OwnerID: "someone"}, models.TierFree},
		// A guest-looking id is not a guest without the explicit marker.
		{models.Identity{OwnerID: "guest_123"}, models.TierFree},
	}
	for _, tc := range cases {
		got, err := ledger.ResolveTier(ctx, tc.id)
		require.NoError(t, err)
		require.Equal(t, tc.want, got, "identity %+v", tc.id)
	}
}

func TestCheckPerTurnLimitMissingSession(t *testing.T) {
	ledger, _, _ := newTestLedger(t)
	_, err := ledger.CheckPerTurnLimit(context.Background(), "nope", models.TierFree)
	require.True(t, errors.Is(err, models.ErrSessionNotFound))
}
