package server

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/dedup"
	"github.com/mohammad-safakhou/rebuttal/internal/mood"
	"github.com/mohammad-safakhou/rebuttal/internal/quota"
	"github.com/mohammad-safakhou/rebuttal/internal/relay"
	"github.com/mohammad-safakhou/rebuttal/internal/runtime"
	"github.com/mohammad-safakhou/rebuttal/models"
)

const (
	maxTopicRunes    = 200
	maxArgumentRunes = 4000
	maxPriorTurns    = 100
)

// SessionStore is what the HTTP layer reads and appends directly.
type SessionStore interface {
	GetSession(ctx context.Context, id string) (models.Session, bool, error)
	AppendTurn(ctx context.Context, id string, turn models.Turn) error
}

type TurnsHandler struct {
	Ledger   *quota.Ledger
	Guard    *dedup.Guard
	Sessions SessionStore
	Relay    *relay.Relay
	Identity runtime.IdentityResolver
	Clock    quartz.Clock
	Logger   slog.Logger
}

func (h *TurnsHandler) Register(g *echo.Group) {
	g.POST("/turns", h.create)
}

// Create turn
//
//	@Summary		Argue one turn
//	@Description	Streams the rebuttal as server-sent events: start, state, chunk*, citations?, complete | error, then [DONE]
//	@Tags			turns
//	@Accept			json
//	@Produce		text/event-stream
//	@Param			payload	body		TurnRequest	true	"Turn payload"
//	@Failure		400		{object}	HTTPError
//	@Failure		401		{object}	HTTPError
//	@Failure		404		{object}	HTTPError
//	@Failure		429		{object}	LimitError
//	@Router			/api/turns [post]
func (h *TurnsHandler) create(c echo.Context) error {
	ctx := c.Request().Context()
	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return apperr.ValidationError{Field: "body", Reason: "malformed JSON"}
	}
	if err := validateTurnRequest(&req); err != nil {
		return err
	}

	if _, err := h.Ledger.CheckRequest(ctx, apperr.ScopeIP, c.RealIP()); err != nil {
		return err
	}
	id, ok := h.Identity.Resolve(c.Request())
	if !ok {
		return apperr.ErrAuthRequired
	}
	if _, err := h.Ledger.CheckRequest(ctx, apperr.ScopeOwner, id.OwnerID); err != nil {
		return err
	}
	tier, err := h.Ledger.ResolveTier(ctx, id)
	if err != nil {
		return err
	}

	turn, err := h.prepare(ctx, req, id, tier)
	if err != nil {
		return err
	}

	sse, err := relay.NewSSE(c.Response())
	if err != nil {
		return err
	}
	res, err := h.Relay.Run(ctx, sse, turn)
	switch {
	case errors.Is(err, apperr.ErrTransportAbort):
		h.Logger.Debug(ctx, "client went away", slog.F("session_id", turn.SessionID))
	case err != nil:
		h.Logger.Warn(ctx, "turn failed", slog.F("session_id", turn.SessionID), slog.Error(err))
	default:
		h.Logger.Debug(ctx, "turn complete",
			slog.F("session_id", turn.SessionID),
			slog.F("chunks", res.Chunks),
			slog.F("citations", len(res.Citations)),
		)
	}
	// The stream already carries the outcome.
	return nil
}

// prepare resolves the session the turn belongs to, enforces the usage quotas and saves the
// user turn before anything is generated.
func (h *TurnsHandler) prepare(ctx context.Context, req TurnRequest, id models.Identity, tier models.Tier) (relay.Turn, error) {
	userTurn := models.Turn{Role: models.RoleUser, Content: req.UserArgument}
	turn := relay.Turn{
		SessionID:  req.SessionID,
		Topic:      req.Topic,
		UserText:   req.UserArgument,
		PriorCombo: req.ComboCount,
		PriorMood:  mood.Parse(req.Mood),
		Variant:    req.Variant,
		Style:      req.Style,
		Powerup:    req.Powerup,
		Tools:      req.Tools,
	}

	if turn.SessionID == "" {
		existing, hit, err := h.Guard.FindRecent(ctx, id.OwnerID, req.Topic)
		if err != nil {
			return relay.Turn{}, apperr.PersistenceFailure{Op: "find recent session", Err: err}
		}
		if hit {
			turn.SessionID, turn.Deduplicated = existing, true
		}
	}

	if turn.SessionID == "" {
		now := h.Clock.Now()
		sess := models.Session{
			ID:        uuid.NewString(),
			OwnerID:   id.OwnerID,
			Topic:     req.Topic,
			Turns:     append(append([]models.Turn{}, req.PriorTurns...), userTurn),
			Variant:   req.Variant,
			Style:     req.Style,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if _, err := h.Ledger.CheckCreationLimit(ctx, sess, tier); err != nil {
			return relay.Turn{}, err
		}
		turn.SessionID = sess.ID
		turn.History = req.PriorTurns
		return turn, nil
	}

	sess, found, err := h.Sessions.GetSession(ctx, turn.SessionID)
	if err != nil {
		return relay.Turn{}, apperr.PersistenceFailure{Op: "load session", Err: err}
	}
	if !found || sess.OwnerID != id.OwnerID {
		return relay.Turn{}, models.ErrSessionNotFound
	}
	_, quotaErr := h.Ledger.CheckPerTurnLimit(ctx, sess.ID, tier)
	var qe apperr.QuotaExceeded
	if quotaErr != nil && !errors.As(quotaErr, &qe) {
		return relay.Turn{}, quotaErr
	}
	// Saved even when over quota; only the assistant half is withheld.
	if err := h.Sessions.AppendTurn(ctx, sess.ID, userTurn); err != nil {
		return relay.Turn{}, apperr.PersistenceFailure{Op: "save user turn", Err: err}
	}
	if quotaErr != nil {
		return relay.Turn{}, quotaErr
	}

	turn.Topic = sess.Topic
	turn.History = sess.Turns
	if turn.Variant == "" {
		turn.Variant = sess.Variant
	}
	if turn.Style == "" {
		turn.Style = sess.Style
	}
	return turn, nil
}

func validateTurnRequest(req *TurnRequest) error {
	req.SessionID = strings.TrimSpace(req.SessionID)
	req.Topic = strings.TrimSpace(req.Topic)
	req.UserArgument = strings.TrimSpace(req.UserArgument)

	if req.SessionID != "" {
		if _, err := uuid.Parse(req.SessionID); err != nil {
			return apperr.ValidationError{Field: "sessionId", Reason: "must be a UUID"}
		}
	}
	if req.Topic == "" && req.SessionID == "" {
		return apperr.ValidationError{Field: "topic", Reason: "required"}
	}
	if utf8.RuneCountInString(req.Topic) > maxTopicRunes {
		return apperr.ValidationError{Field: "topic", Reason: "too long"}
	}
	if req.UserArgument == "" {
		return apperr.ValidationError{Field: "userArgument", Reason: "required"}
	}
	if utf8.RuneCountInString(req.UserArgument) > maxArgumentRunes {
		return apperr.ValidationError{Field: "userArgument", Reason: "too long"}
	}
	if len(req.PriorTurns) > maxPriorTurns {
		return apperr.ValidationError{Field: "priorTurns", Reason: "too many turns"}
	}
	for _, t := range req.PriorTurns {
		if t.Role != models.RoleUser && t.Role != models.RoleAssistant {
			return apperr.ValidationError{Field: "priorTurns", Reason: "role must be user or assistant"}
		}
	}
	if req.ComboCount < 0 {
		return apperr.ValidationError{Field: "comboCount", Reason: "must not be negative"}
	}
	return nil
}
