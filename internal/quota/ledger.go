// Package quota enforces fixed-window rate limits and the tiered usage limits on turns and
// session creation.
package quota

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/coder/quartz"
	"golang.org/x/crypto/blake2b"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/store"
	"github.com/mohammad-safakhou/rebuttal/models"
)

// creationWindow is the rolling period the daily creation limit counts over.
const creationWindow = 24 * time.Hour

// WindowResult is the outcome of one fixed-window check.
type WindowResult struct {
	Allowed   bool
	Remaining int
	ResetAt   time.Time
}

// WindowCounter consumes one unit from a fixed window.
type WindowCounter interface {
	Take(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error)
}

// SessionStore is the subset of the session store the ledger reads and writes.
type SessionStore interface {
	CountTurns(ctx context.Context, id string) (int, error)
	ListTurns(ctx context.Context, id string) ([]models.Turn, error)
	UpsertSession(ctx context.Context, sess models.Session) error
	CreateSessionWithinLimit(ctx context.Context, sess models.Session, limit int, since time.Time) (bool, error)
	CountSessionsSince(ctx context.Context, ownerID string, since time.Time) (int, error)
}

// SubscriptionLookup reports whether an owner currently pays.
type SubscriptionLookup interface {
	IsPremium(ctx context.Context, ownerID string) (bool, error)
}

// TurnDecision is the outcome of CheckPerTurnLimit.
type TurnDecision struct {
	Allowed   bool
	Count     int
	Limit     int
	IsPremium bool
}

// CreationDecision is the outcome of CheckCreationLimit.
type CreationDecision struct {
	Allowed bool
	Count   int
	Limit   int
}

// Ledger enforces every quota the turn pipeline consults.
type Ledger struct {
	counters WindowCounter
	sessions SessionStore
	subs     SubscriptionLookup
	cfg      config.QuotaConfig
	clock    quartz.Clock
}

func NewLedger(counters WindowCounter, sessions SessionStore, subs SubscriptionLookup, cfg config.QuotaConfig, clock quartz.Clock) *Ledger {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Ledger{counters: counters, sessions: sessions, subs: subs, cfg: cfg.Normalize(), clock: clock}
}

// CheckWindow consumes one unit of key's fixed window.
func (l *Ledger) CheckWindow(ctx context.Context, key string, limit int, window time.Duration) (WindowResult, error) {
	if limit <= 0 || window <= 0 {
		return WindowResult{}, fmt.Errorf("invalid window %d/%s", limit, window)
	}
	res, err := l.counters.Take(ctx, key, limit, window)
	if err != nil {
		return WindowResult{}, apperr.PersistenceFailure{Op: "rate window", Err: err}
	}
	return res, nil
}

// CheckRequest applies the configured window for scope to subject and returns
// apperr.RateLimited when it is exhausted.
func (l *Ledger) CheckRequest(ctx context.Context, scope apperr.Scope, subject string) (WindowResult, error) {
	var (
		key string
		w   config.WindowConfig
	)
	switch scope {
	case apperr.ScopeIP:
		key, w = IPKey(subject), l.cfg.IP
	case apperr.ScopeOwner:
		key, w = "owner:"+subject, l.cfg.Owner
	default:
		return WindowResult{}, fmt.Errorf("unknown rate scope %q", scope)
	}
	res, err := l.CheckWindow(ctx, key, w.Limit, w.Window)
	if err != nil {
		return res, err
	}
	if !res.Allowed {
		retry := res.ResetAt.Sub(l.clock.Now())
		if retry < time.Second {
			retry = time.Second
		}
		return res, apperr.RateLimited{Scope: scope, RetryAfter: retry, ResetAt: res.ResetAt}
	}
	return res, nil
}

// IPKey derives the rate key for a client address. Raw addresses are not stored.
func IPKey(addr string) string {
	sum := blake2b.Sum256([]byte(addr))
	return "ip:" + hex.EncodeToString(sum[:16])
}

// ResolveTier derives the owner's tier from the identity's explicit guest marker and the
// subscription lookup.
func (l *Ledger) ResolveTier(ctx context.Context, id models.Identity) (models.Tier, error) {
	if id.Guest {
		return models.TierGuest, nil
	}
	if l.subs == nil {
		return models.TierFree, nil
	}
	premium, err := l.subs.IsPremium(ctx, id.OwnerID)
	if err != nil {
		return "", apperr.PersistenceFailure{Op: "subscription lookup", Err: err}
	}
	if premium {
		return models.TierPremium, nil
	}
	return models.TierFree, nil
}

func (l *Ledger) turnLimit(tier models.Tier) int {
	switch tier {
	case models.TierGuest:
		return l.cfg.Turns.Guest
	case models.TierFree:
		return l.cfg.Turns.Free
	case models.TierPremium:
		return 0
	}
	return l.cfg.Turns.Guest
}

func (l *Ledger) creationLimit(tier models.Tier) int {
	switch tier {
	case models.TierGuest:
		return l.cfg.Creations.Guest
	case models.TierFree:
		return l.cfg.Creations.Free
	case models.TierPremium:
		return 0
	}
	return l.cfg.Creations.Guest
}

// CheckPerTurnLimit counts the user turns already stored on sessionID against the tier's
// limit. The cheap array length is consulted first; the turns are only fetched and filtered
// when that length reaches the limit. A rejection returns apperr.QuotaExceeded alongside the
// decision.
func (l *Ledger) CheckPerTurnLimit(ctx context.Context, sessionID string, tier models.Tier) (TurnDecision, error) {
	if tier == models.TierPremium {
		return TurnDecision{Allowed: true, IsPremium: true}, nil
	}
	limit := l.turnLimit(tier)
	if limit <= 0 {
		return TurnDecision{Allowed: true}, nil
	}
	total, err := l.sessions.CountTurns(ctx, sessionID)
	if err != nil {
		if errors.Is(err, models.ErrSessionNotFound) {
			return TurnDecision{}, err
		}
		return TurnDecision{}, apperr.PersistenceFailure{Op: "count turns", Err: err}
	}
	if total < limit {
		return TurnDecision{Allowed: true, Count: (total + 1) / 2, Limit: limit}, nil
	}
	turns, err := l.sessions.ListTurns(ctx, sessionID)
	if err != nil {
		return TurnDecision{}, apperr.PersistenceFailure{Op: "list turns", Err: err}
	}
	count := 0
	for _, t := range turns {
		if t.Role == models.RoleUser {
			count++
		}
	}
	dec := TurnDecision{Allowed: count < limit, Count: count, Limit: limit}
	if !dec.Allowed {
		return dec, apperr.QuotaExceeded{Kind: apperr.QuotaTurn, Tier: string(tier), Count: count, Limit: limit}
	}
	return dec, nil
}

// CheckCreationLimit creates sess if its owner is under the tier's daily creation limit.
// The count and the insert are one conditional write; a rejected insert is reported as
// apperr.QuotaExceeded with the owner's current count.
func (l *Ledger) CheckCreationLimit(ctx context.Context, sess models.Session, tier models.Tier) (CreationDecision, error) {
	limit := l.creationLimit(tier)
	if limit <= 0 {
		if err := l.sessions.UpsertSession(ctx, sess); err != nil {
			return CreationDecision{}, wrapStoreErr("create session", err)
		}
		return CreationDecision{Allowed: true}, nil
	}
	since := l.clock.Now().Add(-creationWindow)
	created, err := l.sessions.CreateSessionWithinLimit(ctx, sess, limit, since)
	if err != nil {
		return CreationDecision{}, apperr.PersistenceFailure{Op: "create session", Err: err}
	}
	if created {
		return CreationDecision{Allowed: true, Limit: limit}, nil
	}
	count, err := l.sessions.CountSessionsSince(ctx, sess.OwnerID, since)
	if err != nil {
		return CreationDecision{}, apperr.PersistenceFailure{Op: "count sessions", Err: err}
	}
	if count < limit {
		// Under the limit yet nothing was written: the id already exists. The owner may
		// rewrite its own session; anyone else gets ErrOwnerConflict.
		if err := l.sessions.UpsertSession(ctx, sess); err != nil {
			return CreationDecision{}, wrapStoreErr("update session", err)
		}
		return CreationDecision{Allowed: true, Count: count, Limit: limit}, nil
	}
	return CreationDecision{Count: count, Limit: limit},
		apperr.QuotaExceeded{Kind: apperr.QuotaCreation, Tier: string(tier), Count: count, Limit: limit, RetryAfter: creationWindow}
}

func wrapStoreErr(op string, err error) error {
	if errors.Is(err, store.ErrOwnerConflict) {
		return err
	}
	return apperr.PersistenceFailure{Op: op, Err: err}
}
