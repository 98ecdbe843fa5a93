// Package apperr holds the error types shared by the quota, relay and transport layers.
package apperr

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrAuthRequired is returned when no identity can be resolved for the caller.
	ErrAuthRequired = errors.New("authentication required")
	// ErrTransportAbort marks a stream the client walked away from.
	ErrTransportAbort = errors.New("transport aborted")
)

// ValidationError rejects a request before any side effect.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Scope identifies which window a rate limit applied to.
type Scope string

const (
	ScopeIP    Scope = "ip"
	ScopeOwner Scope = "owner"
)

// RateLimited is returned when a fixed window is exhausted.
type RateLimited struct {
	Scope      Scope
	RetryAfter time.Duration
	ResetAt    time.Time
}

func (e RateLimited) Error() string {
	return fmt.Sprintf("rate limited (%s): retry after %s", e.Scope, e.RetryAfter.Round(time.Second))
}

// QuotaKind distinguishes the two usage quotas.
type QuotaKind string

const (
	QuotaTurn     QuotaKind = "turn"
	QuotaCreation QuotaKind = "creation"
)

// QuotaExceeded is returned when a tiered usage limit is reached. RetryAfter is zero when
// the limit never resets, as with the per-session turn cap.
type QuotaExceeded struct {
	Kind       QuotaKind
	Tier       string
	Count      int
	Limit      int
	RetryAfter time.Duration
}

func (e QuotaExceeded) Error() string {
	return fmt.Sprintf("%s quota exceeded for %s tier: count=%d limit=%d", e.Kind, e.Tier, e.Count, e.Limit)
}

// UpstreamFailure wraps an error raised by the generation backend.
type UpstreamFailure struct {
	Err error
}

func (e UpstreamFailure) Error() string { return "generation failed: " + e.Err.Error() }
func (e UpstreamFailure) Unwrap() error { return e.Err }

// PersistenceFailure wraps a store error with the operation that failed.
type PersistenceFailure struct {
	Op  string
	Err error
}

func (e PersistenceFailure) Error() string { return fmt.Sprintf("persistence %s: %v", e.Op, e.Err) }
func (e PersistenceFailure) Unwrap() error { return e.Err }
