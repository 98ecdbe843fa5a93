package server

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/store"
	"github.com/mohammad-safakhou/rebuttal/models"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"validation", apperr.ValidationError{Field: "topic", Reason: "required"}, http.StatusBadRequest},
		{"auth", apperr.ErrAuthRequired, http.StatusUnauthorized},
		{"rate", apperr.RateLimited{Scope: apperr.ScopeOwner, RetryAfter: 1500 * time.Millisecond}, http.StatusTooManyRequests},
		{"quota", apperr.QuotaExceeded{Kind: apperr.QuotaTurn, Tier: "free", Count: 50, Limit: 50}, http.StatusTooManyRequests},
		{"not found", fmt.Errorf("load: %w", models.ErrSessionNotFound), http.StatusNotFound},
		{"owner conflict", store.ErrOwnerConflict, http.StatusConflict},
		{"persistence", apperr.PersistenceFailure{Op: "x", Err: errors.New("y")}, http.StatusInternalServerError},
		{"echo", echo.NewHTTPError(http.StatusServiceUnavailable, "down"), http.StatusServiceUnavailable},
		{"unknown", errors.New("boom"), http.StatusInternalServerError},
	}
	e := echo.New()
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
			code, _ := classify(tc.err, c, nil)
			if code != tc.code {
				t.Fatalf("expected %d, got %d", tc.code, code)
			}
		})
	}
}

func TestRateLimitedRetryAfterRoundsUp(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)
	_, body := classify(apperr.RateLimited{Scope: apperr.ScopeIP, RetryAfter: 1500 * time.Millisecond}, c, nil)
	if got := rec.Header().Get("Retry-After"); got != "2" {
		t.Fatalf("expected Retry-After 2, got %q", got)
	}
	if le := body.(LimitError); le.RetryAfter != 2 || le.Remaining != 0 {
		t.Fatalf("unexpected body %#v", le)
	}
}
