package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mohammad-safakhou/rebuttal/models"
)

// maxAppendAttempts bounds the optimistic retry loop of version-checked turn writes.
const maxAppendAttempts = 5

// errNoChange lets a turn mutation skip the write entirely.
var errNoChange = errors.New("no change")

func encodeTurns(turns []models.Turn) ([]byte, error) {
	if turns == nil {
		turns = []models.Turn{}
	}
	b, err := json.Marshal(turns)
	if err != nil {
		return nil, fmt.Errorf("encode turns: %w", err)
	}
	return b, nil
}

func decodeTurns(raw []byte) ([]models.Turn, error) {
	if len(raw) == 0 {
		return []models.Turn{}, nil
	}
	var turns []models.Turn
	if err := json.Unmarshal(raw, &turns); err != nil {
		return nil, fmt.Errorf("decode turns: %w", err)
	}
	return turns, nil
}

// UpsertSession creates the session or, when the id already exists, replaces its contents
// provided the stored owner matches. A different owner gets ErrOwnerConflict.
func (s *Store) UpsertSession(ctx context.Context, sess models.Session) error {
	if sess.ID == "" || sess.OwnerID == "" {
		return fmt.Errorf("session id and owner are required")
	}
	turns, err := encodeTurns(sess.Turns)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, topic, turns, variant, style, version, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,1,NOW(),NOW())
ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.OwnerID, sess.Topic, turns, nullString(sess.Variant), nullString(sess.Style))
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}
	res, err = s.DB.ExecContext(ctx, `
UPDATE sessions
SET topic = $3, turns = $4, variant = $5, style = $6, version = version + 1, updated_at = NOW()
WHERE id = $1 AND owner_id = $2`,
		sess.ID, sess.OwnerID, sess.Topic, turns, nullString(sess.Variant), nullString(sess.Style))
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrOwnerConflict
	}
	return nil
}

// CreateSessionWithinLimit inserts sess only if its owner has created fewer than limit
// sessions after since. The count and the insert happen in one statement, serialised per
// owner by a transaction-scoped advisory lock. It reports false when no row was written,
// which is either the limit or an id collision.
func (s *Store) CreateSessionWithinLimit(ctx context.Context, sess models.Session, limit int, since time.Time) (created bool, err error) {
	ctx, span := startSpan(ctx, "create_session_within_limit")
	defer func() { endSpan(span, err) }()

	turns, err := encodeTurns(sess.Turns)
	if err != nil {
		return false, err
	}
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()
	if _, err = tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, sess.OwnerID); err != nil {
		return false, fmt.Errorf("lock owner: %w", err)
	}
	res, err := tx.ExecContext(ctx, `
INSERT INTO sessions (id, owner_id, topic, turns, variant, style, version, created_at, updated_at)
SELECT $1::text, $2::text, $3::text, $4::jsonb, $5::text, $6::text, 1, NOW(), NOW()
WHERE (SELECT COUNT(*) FROM sessions WHERE owner_id = $2::text AND created_at > $7::timestamptz) < $8::int
ON CONFLICT (id) DO NOTHING`,
		sess.ID, sess.OwnerID, sess.Topic, turns, nullString(sess.Variant), nullString(sess.Style), since, limit)
	if err != nil {
		return false, fmt.Errorf("conditional insert session: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if err = tx.Commit(); err != nil {
		return false, err
	}
	return n == 1, nil
}

// CountSessionsSince counts the sessions owner created after since.
func (s *Store) CountSessionsSince(ctx context.Context, ownerID string, since time.Time) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM sessions WHERE owner_id = $1 AND created_at > $2`, ownerID, since).Scan(&n)
	return n, err
}

// FindRecentSession returns the newest session id for owner+topic created after since.
func (s *Store) FindRecentSession(ctx context.Context, ownerID, topic string, since time.Time) (string, bool, error) {
	var id string
	err := s.DB.QueryRowContext(ctx, `
SELECT id FROM sessions
WHERE owner_id = $1 AND topic = $2 AND created_at > $3
ORDER BY created_at DESC
LIMIT 1`, ownerID, topic, since).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return id, true, nil
}

// GetSession loads a session with its decoded turns. The bool is false when no row exists.
func (s *Store) GetSession(ctx context.Context, id string) (models.Session, bool, error) {
	var (
		sess           models.Session
		raw            []byte
		variant, style sql.NullString
	)
	err := s.DB.QueryRowContext(ctx, `
SELECT id, owner_id, topic, turns, variant, style, version, created_at, updated_at
FROM sessions WHERE id = $1`, id).Scan(
		&sess.ID, &sess.OwnerID, &sess.Topic, &raw, &variant, &style, &sess.Version, &sess.CreatedAt, &sess.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Session{}, false, nil
	}
	if err != nil {
		return models.Session{}, false, err
	}
	if sess.Turns, err = decodeTurns(raw); err != nil {
		return models.Session{}, false, err
	}
	if variant.Valid {
		sess.Variant = variant.String
	}
	if style.Valid {
		sess.Style = style.String
	}
	return sess, true, nil
}

// CountTurns returns the stored turn array length without transferring the turns.
func (s *Store) CountTurns(ctx context.Context, id string) (int, error) {
	var n int
	err := s.DB.QueryRowContext(ctx, `SELECT jsonb_array_length(turns) FROM sessions WHERE id = $1`, id).Scan(&n)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, models.ErrSessionNotFound
	}
	return n, err
}

// ListTurns returns the full decoded turn list.
func (s *Store) ListTurns(ctx context.Context, id string) ([]models.Turn, error) {
	var raw []byte
	err := s.DB.QueryRowContext(ctx, `SELECT turns FROM sessions WHERE id = $1`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, models.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeTurns(raw)
}

// AppendTurn appends turn to the session log. Each attempt reads the turns with their
// version and writes back only if the version is unchanged, so concurrent appends are
// serialised instead of overwriting each other.
func (s *Store) AppendTurn(ctx context.Context, id string, turn models.Turn) (err error) {
	if !turn.Role.Valid() {
		return fmt.Errorf("append turn: invalid role %s", turn.Role)
	}
	ctx, span := startSpan(ctx, "append_turn")
	defer func() { endSpan(span, err) }()

	return s.mutateTurns(ctx, id, func(turns []models.Turn) ([]models.Turn, error) {
		return append(turns, turn), nil
	})
}

// MarkLastTurnFailed flags the trailing user turn as failed so it is left out of later
// generation history. It is a no-op when the last turn is not an unflagged user turn.
func (s *Store) MarkLastTurnFailed(ctx context.Context, id string) error {
	return s.mutateTurns(ctx, id, func(turns []models.Turn) ([]models.Turn, error) {
		if len(turns) == 0 {
			return nil, errNoChange
		}
		last := &turns[len(turns)-1]
		if last.Role != models.RoleUser || last.Failed {
			return nil, errNoChange
		}
		last.Failed = true
		return turns, nil
	})
}

func (s *Store) mutateTurns(ctx context.Context, id string, mutate func([]models.Turn) ([]models.Turn, error)) error {
	for attempt := 0; attempt < maxAppendAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		var (
			raw     []byte
			version int64
		)
		err := s.DB.QueryRowContext(ctx, `SELECT turns, version FROM sessions WHERE id = $1`, id).Scan(&raw, &version)
		if errors.Is(err, sql.ErrNoRows) {
			return models.ErrSessionNotFound
		}
		if err != nil {
			return fmt.Errorf("load turns: %w", err)
		}
		turns, err := decodeTurns(raw)
		if err != nil {
			return err
		}
		next, err := mutate(turns)
		if errors.Is(err, errNoChange) {
			return nil
		}
		if err != nil {
			return err
		}
		b, err := encodeTurns(next)
		if err != nil {
			return err
		}
		res, err := s.DB.ExecContext(ctx, `
UPDATE sessions SET turns = $2, version = version + 1, updated_at = NOW()
WHERE id = $1 AND version = $3`, id, b, version)
		if err != nil {
			return fmt.Errorf("write turns: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 1 {
			return nil
		}
	}
	return ErrAppendConflict
}
