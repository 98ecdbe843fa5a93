package runtime

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"cdr.dev/slog/v3"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
)

func TestSinkRecordsTurnsAndErrors(t *testing.T) {
	var buf bytes.Buffer
	m := NewMetrics("")
	s := NewSink(NewLogger(config.GeneralConfig{Debug: true}, &buf), m)
	ctx := context.Background()

	s.ObserveTurn("complete", 2*time.Second, 5)
	s.ObserveTurn("aborted", time.Second, 1)
	s.CaptureError(ctx, apperr.UpstreamFailure{Err: errors.New("boom")}, slog.F("session_id", "s1"))
	s.CaptureError(ctx, nil)
	s.Log(ctx, "turn_aborted", slog.F("session_id", "s1"))
	m.ObserveRejection("ip")

	require.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("complete")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.turns.WithLabelValues("aborted")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.errors.WithLabelValues("upstream")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.rejections.WithLabelValues("ip")))
	require.Contains(t, buf.String(), "captured error")
	require.Contains(t, buf.String(), "turn_aborted")
}

func TestMetricsHandler(t *testing.T) {
	m := NewMetrics("rebuttal")
	m.ObserveRejection("owner")
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	require.Contains(t, rec.Body.String(), `rebuttal_rejections_total{reason="owner"} 1`)
}

func TestErrorKind(t *testing.T) {
	require.Equal(t, "persistence", errorKind(apperr.PersistenceFailure{Op: "x", Err: errors.New("y")}))
	require.Equal(t, "other", errorKind(errors.New("z")))
}

func TestNewLoggerLevels(t *testing.T) {
	var buf bytes.Buffer
	NewLogger(config.GeneralConfig{LogLevel: "error"}, &buf).Info(context.Background(), "hidden")
	require.Empty(t, buf.String())
}
