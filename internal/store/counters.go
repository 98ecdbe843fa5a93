package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// RateCounter is one fixed window for a rate key.
type RateCounter struct {
	Key       string
	Count     int
	ExpiresAt time.Time
}

// GetRateCounter reads a counter row. The bool is false when the key has never been seen.
func (s *Store) GetRateCounter(ctx context.Context, key string) (RateCounter, bool, error) {
	rc := RateCounter{Key: key}
	err := s.DB.QueryRowContext(ctx, `SELECT count, expires_at FROM rate_counters WHERE key = $1`, key).Scan(&rc.Count, &rc.ExpiresAt)
	if errors.Is(err, sql.ErrNoRows) {
		return RateCounter{}, false, nil
	}
	if err != nil {
		return RateCounter{}, false, err
	}
	return rc, true, nil
}

// PutRateCounter writes the counter row, replacing any previous window.
func (s *Store) PutRateCounter(ctx context.Context, rc RateCounter) error {
	if rc.Key == "" {
		return fmt.Errorf("rate counter key required")
	}
	_, err := s.DB.ExecContext(ctx, `
INSERT INTO rate_counters (key, count, expires_at) VALUES ($1,$2,$3)
ON CONFLICT (key) DO UPDATE SET count = EXCLUDED.count, expires_at = EXCLUDED.expires_at`,
		rc.Key, rc.Count, rc.ExpiresAt)
	return err
}

// PruneRateCounters removes windows that expired before cutoff.
func (s *Store) PruneRateCounters(ctx context.Context, cutoff time.Time) (int64, error) {
	if cutoff.IsZero() {
		return 0, fmt.Errorf("cutoff must be provided")
	}
	res, err := s.DB.ExecContext(ctx, `DELETE FROM rate_counters WHERE expires_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// IsPremium reports whether owner holds a live paid subscription.
func (s *Store) IsPremium(ctx context.Context, ownerID string) (bool, error) {
	var ok bool
	err := s.DB.QueryRowContext(ctx, `
SELECT EXISTS (
  SELECT 1 FROM subscriptions
  WHERE owner_id = $1 AND status IN ('active','trialing')
    AND (current_period_end IS NULL OR current_period_end > NOW())
)`, ownerID).Scan(&ok)
	return ok, err
}
