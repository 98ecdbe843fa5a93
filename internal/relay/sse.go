package relay

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
)

// Emitter delivers relay events to the client.
type Emitter interface {
	Send(event string, payload any) error
	// End writes the end-of-stream sentinel.
	End() error
}

// SSE writes events as text/event-stream frames.
type SSE struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
}

var ErrStreamingUnsupported = errors.New("streaming unsupported")

// NewSSE sets the event-stream headers and commits the response.
func NewSSE(w http.ResponseWriter) (*SSE, error) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		return nil, ErrStreamingUnsupported
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	return &SSE{w: w, flusher: flusher}, nil
}

func (s *SSE) Send(event string, payload any) error {
	b, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s event: %w", event, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, b); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (s *SSE) End() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// Convention used by OpenAI.
	if _, err := s.w.Write([]byte("data: [DONE]\n\n")); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}
