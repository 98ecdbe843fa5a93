package server

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/mohammad-safakhou/rebuttal/config"
)

func TestForwardedHeadersDoNotResetIPWindow(t *testing.T) {
	q := testQuota()
	q.IP = config.WindowConfig{Limit: 1, Window: time.Minute}
	h := newHarness(t, q)
	tok := token(t, "user-1", false)

	allowed := 0
	for i := 0; i < 5; i++ {
		req := httptest.NewRequest(http.MethodPost, "/api/turns", strings.NewReader(fmt.Sprintf(`{"topic":"t%d","userArgument":"x"}`, i)))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		req.Header.Set(echo.HeaderAuthorization, "Bearer "+tok)
		req.Header.Set(echo.HeaderXForwardedFor, fmt.Sprintf("203.0.113.%d", i+1))
		req.Header.Set(echo.HeaderXRealIP, fmt.Sprintf("198.51.100.%d", i+1))
		rec := httptest.NewRecorder()
		h.e.ServeHTTP(rec, req)
		switch rec.Code {
		case http.StatusOK:
			allowed++
		case http.StatusTooManyRequests:
		default:
			t.Fatalf("request %d: unexpected status %d", i, rec.Code)
		}
	}
	if allowed != 1 {
		t.Fatalf("expected one request through the IP window, got %d", allowed)
	}
}

func TestForwardedHeadersDoNotMintExtraGuests(t *testing.T) {
	q := testQuota()
	q.IP = config.WindowConfig{Limit: 1, Window: time.Minute}
	h := newHarness(t, q)

	for i, want := range []int{http.StatusOK, http.StatusTooManyRequests, http.StatusTooManyRequests} {
		req := httptest.NewRequest(http.MethodPost, "/api/auth/guest", nil)
		req.Header.Set(echo.HeaderXForwardedFor, fmt.Sprintf("203.0.113.%d", i+1))
		rec := httptest.NewRecorder()
		h.e.ServeHTTP(rec, req)
		if rec.Code != want {
			t.Fatalf("guest %d: expected %d, got %d", i, want, rec.Code)
		}
	}
}

func TestIPExtractorTrustedProxies(t *testing.T) {
	extract, err := ipExtractor([]string{"192.0.2.0/24"})
	if err != nil {
		t.Fatalf("ipExtractor: %v", err)
	}

	viaProxy := httptest.NewRequest(http.MethodGet, "/", nil)
	viaProxy.RemoteAddr = "192.0.2.10:4000"
	viaProxy.Header.Set(echo.HeaderXForwardedFor, "203.0.113.7")
	if got := extract(viaProxy); got != "203.0.113.7" {
		t.Fatalf("expected forwarded client, got %q", got)
	}

	direct := httptest.NewRequest(http.MethodGet, "/", nil)
	direct.RemoteAddr = "198.51.100.9:5555"
	direct.Header.Set(echo.HeaderXForwardedFor, "203.0.113.7")
	if got := extract(direct); got != "198.51.100.9" {
		t.Fatalf("untrusted peer must not be able to forward, got %q", got)
	}

	none, err := ipExtractor(nil)
	if err != nil {
		t.Fatalf("ipExtractor: %v", err)
	}
	if got := none(viaProxy); got != "192.0.2.10" {
		t.Fatalf("expected socket peer without trusted proxies, got %q", got)
	}

	if _, err := ipExtractor([]string{"not-a-cidr"}); err == nil {
		t.Fatalf("expected invalid range to be rejected")
	}
}
