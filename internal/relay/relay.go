// Package relay streams one generated rebuttal to the client, batching deltas into chunk
// events, collecting citations and persisting the finished turn.
package relay

import (
	"context"
	"errors"
	"io"
	"strings"
	"time"
	"unicode/utf8"

	"cdr.dev/slog/v3"
	"github.com/coder/quartz"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/mohammad-safakhou/rebuttal/config"
	"github.com/mohammad-safakhou/rebuttal/internal/apperr"
	"github.com/mohammad-safakhou/rebuttal/internal/generation"
	"github.com/mohammad-safakhou/rebuttal/internal/mood"
	"github.com/mohammad-safakhou/rebuttal/models"
)

// Event names on the wire.
const (
	EventStart     = "start"
	EventState     = "state"
	EventChunk     = "chunk"
	EventCitations = "citations"
	EventComplete  = "complete"
	EventError     = "error"
)

// State is a relay lifecycle state.
type State string

const (
	StateInit      State = "init"
	StateStreaming State = "streaming"
	StateComplete  State = "complete"
	StateFailed    State = "failed"
	StateAborted   State = "aborted"
)

const (
	diagnosticRunes = 200
	persistTimeout  = 10 * time.Second
)

// TurnStore persists the outcome of a turn.
type TurnStore interface {
	AppendTurn(ctx context.Context, id string, turn models.Turn) error
	MarkLastTurnFailed(ctx context.Context, id string) error
}

// Sink receives diagnostics and turn metrics.
type Sink interface {
	Log(ctx context.Context, event string, fields ...slog.Field)
	CaptureError(ctx context.Context, err error, fields ...slog.Field)
	ObserveTurn(outcome string, elapsed time.Duration, chunks int)
}

// Turn is the input of one relay run. History excludes the new user turn.
type Turn struct {
	SessionID    string
	Topic        string
	History      []models.Turn
	UserText     string
	PriorCombo   int
	PriorMood    mood.Mood
	Variant      string
	Style        string
	Powerup      string
	Tools        []string
	Deduplicated bool
}

// Result summarises a finished run.
type Result struct {
	State     State
	Combo     int
	Mood      mood.Mood
	Content   string
	Citations []models.Citation
	Chunks    int
}

type startPayload struct {
	SessionID    string `json:"sessionId"`
	Deduplicated bool   `json:"deduplicated,omitempty"`
}

type statePayload struct {
	ComboCount int       `json:"comboCount"`
	Mood       mood.Mood `json:"mood"`
}

type chunkPayload struct {
	Content string `json:"content"`
}

type citationsPayload struct {
	Citations []models.Citation `json:"citations"`
}

type completePayload struct {
	Content      string            `json:"content"`
	SessionID    string            `json:"sessionId"`
	Citations    []models.Citation `json:"citations,omitempty"`
	Deduplicated bool              `json:"deduplicated,omitempty"`
}

type errorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Relay runs turns. It holds no per-turn state and is safe for concurrent use.
type Relay struct {
	backend generation.Backend
	store   TurnStore
	sink    Sink
	cfg     config.RelayConfig
	clock   quartz.Clock
}

func New(backend generation.Backend, store TurnStore, sink Sink, cfg config.RelayConfig, clock quartz.Clock) *Relay {
	if clock == nil {
		clock = quartz.NewReal()
	}
	return &Relay{backend: backend, store: store, sink: sink, cfg: cfg.Normalize(), clock: clock}
}

var tracer = otel.Tracer("rebuttal/relay")

type recvResult struct {
	item generation.Item
	err  error
}

// run is the mutable state of one turn.
type run struct {
	r         *Relay
	emit      Emitter
	turn      Turn
	buf       strings.Builder
	bufRunes  int
	full      strings.Builder
	lastFlush time.Time
	cites     *citationSet
	result    Result
}

// Run streams one turn to emit. It returns apperr.ErrTransportAbort when the client went
// away and apperr.UpstreamFailure when generation failed; both leave no assistant turn.
func (r *Relay) Run(ctx context.Context, emit Emitter, t Turn) (Result, error) {
	ctx, span := tracer.Start(ctx, "relay.Run")
	defer span.End()
	span.SetAttributes(attribute.String("session_id", t.SessionID))
	started := r.clock.Now()

	ru := &run{r: r, emit: emit, turn: t, cites: newCitationSet()}
	ru.result.State = StateInit
	ru.result.Combo, ru.result.Mood = mood.Next(t.UserText, t.PriorCombo, t.PriorMood)

	res, err := ru.execute(ctx)
	r.sink.ObserveTurn(string(res.State), r.clock.Since(started), res.Chunks)
	if err != nil && !errors.Is(err, apperr.ErrTransportAbort) {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return res, err
}

func (ru *run) execute(ctx context.Context) (Result, error) {
	r, t := ru.r, ru.turn
	if err := ru.emit.Send(EventStart, startPayload{SessionID: t.SessionID, Deduplicated: t.Deduplicated}); err != nil {
		return ru.abort(ctx, err)
	}
	if err := ru.emit.Send(EventState, statePayload{ComboCount: ru.result.Combo, Mood: ru.result.Mood}); err != nil {
		return ru.abort(ctx, err)
	}

	upCtx, cancel := context.WithTimeout(ctx, r.cfg.UpstreamTimeout)
	defer cancel()

	ru.result.State = StateStreaming
	stream, err := r.backend.Stream(upCtx, generation.Request{
		Topic:        t.Topic,
		History:      t.History,
		Turn:         t.UserText,
		Instructions: mood.Instructions(ru.result.Mood, ru.result.Combo, t.Variant, t.Style, t.Powerup),
		Tools:        t.Tools,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ru.abort(ctx, ctx.Err())
		}
		return ru.fail(ctx, err)
	}

	items := make(chan recvResult)
	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		for {
			it, err := stream.Recv()
			select {
			case items <- recvResult{item: it, err: err}:
			case <-upCtx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()
	defer func() {
		cancel()
		_ = stream.Close()
		<-readerDone
	}()

	ru.lastFlush = r.clock.Now()
	timer := r.clock.NewTimer(r.cfg.TimeThreshold, "relay", "flush")
	timer.Stop()
	armed := false
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return ru.abort(ctx, ctx.Err())

		case <-upCtx.Done():
			if ctx.Err() != nil {
				return ru.abort(ctx, ctx.Err())
			}
			return ru.fail(ctx, upCtx.Err())

		case <-timer.C:
			armed = false
			if ru.bufRunes == 0 {
				continue
			}
			if wait := r.cfg.TimeThreshold - r.clock.Since(ru.lastFlush, "relay", "idle"); wait > 0 {
				timer.Reset(wait, "relay", "flush")
				armed = true
				continue
			}
			if err := ru.flush(); err != nil {
				return ru.abort(ctx, err)
			}

		case rr := <-items:
			if errors.Is(rr.err, io.EOF) {
				timer.Stop()
				return ru.complete(ctx)
			}
			if rr.err != nil {
				if ctx.Err() != nil {
					return ru.abort(ctx, ctx.Err())
				}
				return ru.fail(ctx, rr.err)
			}
			ru.cites.add(rr.item.Refs)
			if rr.item.Text == "" {
				continue
			}
			ru.buf.WriteString(rr.item.Text)
			ru.full.WriteString(rr.item.Text)
			ru.bufRunes += utf8.RuneCountInString(rr.item.Text)

			since := r.clock.Since(ru.lastFlush, "relay", "arrival")
			if ru.bufRunes >= r.cfg.SizeThreshold || since >= r.cfg.TimeThreshold {
				if armed {
					timer.Stop()
					armed = false
				}
				if err := ru.flush(); err != nil {
					return ru.abort(ctx, err)
				}
				continue
			}
			if !armed {
				timer.Reset(r.cfg.TimeThreshold-since, "relay", "flush")
				armed = true
			}
		}
	}
}

func (ru *run) flush() error {
	if ru.bufRunes == 0 {
		return nil
	}
	content := ru.buf.String()
	ru.buf.Reset()
	ru.bufRunes = 0
	ru.lastFlush = ru.r.clock.Now()
	ru.result.Chunks++
	return ru.emit.Send(EventChunk, chunkPayload{Content: content})
}

func (ru *run) complete(ctx context.Context) (Result, error) {
	if err := ru.flush(); err != nil {
		return ru.abort(ctx, err)
	}
	if !ru.cites.empty() {
		if err := ru.emit.Send(EventCitations, citationsPayload{Citations: ru.cites.list}); err != nil {
			return ru.abort(ctx, err)
		}
	}
	ru.result.State = StateComplete
	ru.result.Content = ru.full.String()
	ru.result.Citations = ru.cites.list

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	turn := models.Turn{Role: models.RoleAssistant, Content: ru.result.Content, Citations: ru.result.Citations}
	if err := ru.r.store.AppendTurn(pctx, ru.turn.SessionID, turn); err != nil {
		// The client still gets its complete event.
		ru.r.sink.CaptureError(ctx, apperr.PersistenceFailure{Op: "append assistant turn", Err: err},
			slog.F("session_id", ru.turn.SessionID))
	}

	if err := ru.emit.Send(EventComplete, completePayload{
		Content:      ru.result.Content,
		SessionID:    ru.turn.SessionID,
		Citations:    ru.result.Citations,
		Deduplicated: ru.turn.Deduplicated,
	}); err != nil {
		ru.r.sink.Log(ctx, "complete_undelivered", slog.F("session_id", ru.turn.SessionID), slog.Error(err))
		return ru.result, nil
	}
	if err := ru.emit.End(); err != nil {
		ru.r.sink.Log(ctx, "end_undelivered", slog.F("session_id", ru.turn.SessionID), slog.Error(err))
	}
	return ru.result, nil
}

func (ru *run) fail(ctx context.Context, cause error) (Result, error) {
	ru.result.State = StateFailed
	code := "upstream_error"
	if errors.Is(cause, context.DeadlineExceeded) {
		code = "upstream_timeout"
	}
	failure := apperr.UpstreamFailure{Err: cause}
	ru.r.sink.CaptureError(ctx, failure, slog.F("session_id", ru.turn.SessionID), slog.F("code", code))

	if err := ru.emit.Send(EventError, errorPayload{Code: code, Message: "generation failed, please try again"}); err == nil {
		_ = ru.emit.End()
	}

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if err := ru.r.store.MarkLastTurnFailed(pctx, ru.turn.SessionID); err != nil {
		ru.r.sink.Log(ctx, "mark_failed_error", slog.F("session_id", ru.turn.SessionID), slog.Error(err))
	}
	return ru.result, failure
}

func (ru *run) abort(ctx context.Context, cause error) (Result, error) {
	ru.result.State = StateAborted
	ru.r.sink.Log(ctx, "turn_aborted",
		slog.F("session_id", ru.turn.SessionID),
		slog.F("partial_runes", utf8.RuneCountInString(ru.full.String())),
		slog.F("recent_turns", ru.diagnostic()),
		slog.F("cause", errString(cause)),
	)
	return ru.result, apperr.ErrTransportAbort
}

// diagnostic returns the last few turns of the exchange, each truncated.
func (ru *run) diagnostic() []string {
	n := ru.r.cfg.DiagnosticTurns
	if n <= 0 {
		return nil
	}
	all := make([]models.Turn, 0, len(ru.turn.History)+1)
	all = append(all, ru.turn.History...)
	all = append(all, models.Turn{Role: models.RoleUser, Content: ru.turn.UserText})
	if len(all) > n {
		all = all[len(all)-n:]
	}
	out := make([]string, 0, len(all))
	for _, t := range all {
		out = append(out, t.Role.String()+": "+truncateRunes(t.Content, diagnosticRunes))
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}
