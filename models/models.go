package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrSessionNotFound is returned when a session does not exist or belongs to another owner.
var ErrSessionNotFound = errors.New("session not found")

// Session is one ongoing debate between an owner and the generation backend.
type Session struct {
	ID        string    `json:"id"`
	OwnerID   string    `json:"owner_id"`
	Topic     string    `json:"topic"`
	Turns     []Turn    `json:"turns"`
	Variant   string    `json:"variant,omitempty"`
	Style     string    `json:"style,omitempty"`
	Version   int64     `json:"version"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// UserTurns counts turns authored by the user.
func (s Session) UserTurns() int {
	n := 0
	for _, t := range s.Turns {
		if t.Role == RoleUser {
			n++
		}
	}
	return n
}

// Turn is a single message in a session's ordered log.
type Turn struct {
	Role      Role       `json:"role"`
	Content   string     `json:"content"`
	Citations []Citation `json:"citations,omitempty"`
	Failed    bool       `json:"failed,omitempty"`
}

// Citation is a grounding source surfaced by the generation backend.
type Citation struct {
	ID    int    `json:"id"`
	URL   string `json:"url"`
	Title string `json:"title"`
}

// Role is the closed set of turn authors. The zero value is invalid.
type Role uint8

const (
	roleInvalid Role = iota
	RoleUser
	RoleAssistant
	RoleSystem
)

func (r Role) String() string {
	switch r {
	case RoleUser:
		return "user"
	case RoleAssistant:
		return "assistant"
	case RoleSystem:
		return "system"
	case roleInvalid:
		return "invalid"
	}
	return fmt.Sprintf("role(%d)", uint8(r))
}

// Valid reports whether r is one of the declared roles.
func (r Role) Valid() bool {
	switch r {
	case RoleUser, RoleAssistant, RoleSystem:
		return true
	case roleInvalid:
		return false
	}
	return false
}

// ParseRole maps the wire form of a role back to the enum.
func ParseRole(s string) (Role, error) {
	switch s {
	case "user":
		return RoleUser, nil
	case "assistant":
		return RoleAssistant, nil
	case "system":
		return RoleSystem, nil
	}
	return roleInvalid, fmt.Errorf("unknown role %q", s)
}

func (r Role) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return nil, fmt.Errorf("cannot marshal %s", r)
	}
	return json.Marshal(r.String())
}

func (r *Role) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("role must be a string: %w", err)
	}
	parsed, err := ParseRole(s)
	if err != nil {
		return err
	}
	*r = parsed
	return nil
}

// Tier is the usage tier of an owner, resolved per request.
type Tier string

const (
	TierGuest   Tier = "guest"
	TierFree    Tier = "free"
	TierPremium Tier = "premium"
)

// Identity is the resolved caller of a request.
type Identity struct {
	OwnerID string
	Guest   bool
}
