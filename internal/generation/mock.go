package generation

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

// Step is one scripted stream element. A non-nil Err ends the stream with that error.
type Step struct {
	Text  string
	Refs  []GroundingRef
	Delay time.Duration
	Err   error
}

// Scripted replays a fixed list of steps. It backs the "mock" provider and tests.
type Scripted struct {
	Steps []Step
	// StartErr fails Stream itself.
	StartErr error

	mu       sync.Mutex
	requests []Request
}

func (s *Scripted) Stream(ctx context.Context, req Request) (Stream, error) {
	s.mu.Lock()
	s.requests = append(s.requests, req)
	s.mu.Unlock()
	if s.StartErr != nil {
		return nil, s.StartErr
	}
	return &scriptedStream{ctx: ctx, steps: s.Steps}, nil
}

// Requests returns the requests seen so far.
func (s *Scripted) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Request(nil), s.requests...)
}

type scriptedStream struct {
	ctx   context.Context
	steps []Step
	pos   int
}

func (s *scriptedStream) Recv() (Item, error) {
	if s.pos >= len(s.steps) {
		return Item{}, io.EOF
	}
	step := s.steps[s.pos]
	s.pos++
	if step.Delay > 0 {
		t := time.NewTimer(step.Delay)
		defer t.Stop()
		select {
		case <-s.ctx.Done():
			return Item{}, s.ctx.Err()
		case <-t.C:
		}
	}
	if err := s.ctx.Err(); err != nil {
		return Item{}, err
	}
	if step.Err != nil {
		return Item{}, step.Err
	}
	return Item{Text: step.Text, Refs: step.Refs}, nil
}

func (s *scriptedStream) Close() error { return nil }

// NewMock returns a backend that answers every turn with a canned rebuttal in small
// delayed pieces, for running the service without a provider key.
func NewMock(delay time.Duration) Backend {
	return mockBackend{delay: delay}
}

type mockBackend struct {
	delay time.Duration
}

func (m mockBackend) Stream(ctx context.Context, req Request) (Stream, error) {
	text := fmt.Sprintf("[MOCK] You said %q. Consider the strongest counterexample before concluding.", truncate(req.Turn, 80))
	var steps []Step
	for _, piece := range splitIntoChunks(text, 10) {
		steps = append(steps, Step{Text: piece, Delay: m.delay})
	}
	return (&Scripted{Steps: steps}).Stream(ctx, req)
}

func splitIntoChunks(s string, size int) []string {
	runes := []rune(s)
	var out []string
	for len(runes) > 0 {
		n := size
		if n > len(runes) {
			n = len(runes)
		}
		out = append(out, string(runes[:n]))
		runes = runes[n:]
	}
	return out
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
