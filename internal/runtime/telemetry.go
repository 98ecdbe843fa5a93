package runtime

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"cdr.dev/slog/v3"
	"cdr.dev/slog/v3/sloggers/sloghuman"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
)

// NewLogger builds the process logger from the general config section.
func NewLogger(cfg config.GeneralConfig, w io.Writer) slog.Logger {
	logger := slog.Make(sloghuman.Sink(w))
	if cfg.Debug {
		return logger.Leveled(slog.LevelDebug)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.LogLevel)) {
	case "debug":
		return logger.Leveled(slog.LevelDebug)
	case "warn", "warning":
		return logger.Leveled(slog.LevelWarn)
	case "error":
		return logger.Leveled(slog.LevelError)
	}
	return logger.Leveled(slog.LevelInfo)
}

// Metrics holds the service's Prometheus collectors on a private registry.
type Metrics struct {
	registry     *prometheus.Registry
	turns        *prometheus.CounterVec
	turnDuration *prometheus.HistogramVec
	chunks       prometheus.Histogram
	rejections   *prometheus.CounterVec
	errors       *prometheus.CounterVec
}

// NewMetrics registers the collectors under namespace. An empty namespace means "rebuttal".
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "rebuttal"
	}
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "turns_total",
			Help:      "Relayed turns by final state.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_duration_seconds",
			Help:      "Wall time of relayed turns.",
			Buckets:   []float64{0.25, 0.5, 1, 2, 5, 10, 20, 45, 90},
		}, []string{"outcome"}),
		chunks: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "turn_chunks",
			Help:      "Chunk events emitted per turn.",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 10),
		}),
		rejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rejections_total",
			Help:      "Requests rejected by rate windows or usage quotas.",
		}, []string{"reason"}),
		errors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "errors_total",
			Help:      "Captured errors by kind.",
		}, []string{"kind"}),
	}
	m.registry.MustRegister(m.turns, m.turnDuration, m.chunks, m.rejections, m.errors,
		collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mostly for tests.
func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// ObserveRejection counts a rejected request. reason is ip, owner, turn or creation.
func (m *Metrics) ObserveRejection(reason string) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(reason).Inc()
}

// Sink fans diagnostics out to the logger, metrics and the active trace span.
type Sink struct {
	logger  slog.Logger
	metrics *Metrics
}

func NewSink(logger slog.Logger, metrics *Metrics) *Sink {
	return &Sink{logger: logger, metrics: metrics}
}

func (s *Sink) Log(ctx context.Context, event string, fields ...slog.Field) {
	s.logger.Info(ctx, event, fields...)
	trace.SpanFromContext(ctx).AddEvent(event)
}

func (s *Sink) CaptureError(ctx context.Context, err error, fields ...slog.Field) {
	if err == nil {
		return
	}
	kind := errorKind(err)
	s.logger.Error(ctx, "captured error", append(fields, slog.F("kind", kind), slog.Error(err))...)
	if s.metrics != nil {
		s.metrics.errors.WithLabelValues(kind).Inc()
	}
	span := trace.SpanFromContext(ctx)
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

func (s *Sink) ObserveTurn(outcome string, elapsed time.Duration, chunks int) {
	if s.metrics == nil {
		return
	}
	s.metrics.turns.WithLabelValues(outcome).Inc()
	s.metrics.turnDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
	s.metrics.chunks.Observe(float64(chunks))
}

func errorKind(err error) string {
	var (
		uf apperr.UpstreamFailure
		pf apperr.PersistenceFailure
	)
	switch {
	case errors.As(err, &uf):
		return "upstream"
	case errors.As(err, &pf):
		return "persistence"
	}
	return "other"
}
