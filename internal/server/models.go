package server

import (
	"time"

	"github.com/mohammad-safakhou/rebuttal/models"
)

// HTTPError is the error envelope returned by the server.
type HTTPError struct {
	Error string `json:"error"`
	Field string `json:"field,omitempty"`
}

// LimitError is the single JSON body of a 429 response.
type LimitError struct {
	Error      string `json:"error"`
	Scope      string `json:"scope,omitempty"`
	Kind       string `json:"kind,omitempty"`
	RetryAfter int    `json:"retryAfter"`
	Remaining  int    `json:"remaining"`
	Count      int    `json:"count,omitempty"`
	Limit      int    `json:"limit,omitempty"`
	Tier       string `json:"tier,omitempty"`
}

// TurnRequest is the payload of POST /api/turns.
type TurnRequest struct {
	SessionID    string        `json:"sessionId"`
	Topic        string        `json:"topic"`
	UserArgument string        `json:"userArgument"`
	PriorTurns   []models.Turn `json:"priorTurns"`
	Variant      string        `json:"variant"`
	Style        string        `json:"style"`
	Powerup      string        `json:"powerup"`
	ComboCount   int           `json:"comboCount"`
	Mood         string        `json:"mood"`
	Tools        []string      `json:"tools"`
}

// GuestTokenResponse carries a freshly minted guest token.
type GuestTokenResponse struct {
	Token     string    `json:"token"`
	OwnerID   string    `json:"ownerId"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// SessionResponse is the read view of a session.
type SessionResponse struct {
	ID        string        `json:"id"`
	Topic     string        `json:"topic"`
	Variant   string        `json:"variant,omitempty"`
	Style     string        `json:"style,omitempty"`
	Turns     []models.Turn `json:"turns"`
	UserTurns int           `json:"userTurns"`
	CreatedAt time.Time     `json:"createdAt"`
	UpdatedAt time.Time     `json:"updatedAt"`
}
