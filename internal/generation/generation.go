// Package generation adapts text-generation providers to a forward-only stream of deltas and
// grounding references.
package generation

import (
	"context"
	"fmt"
	"strings"

	"github.com/mohammad-safakhou/rebuttal/models"
)

// ToolWebSearch asks the backend to ground its answer with web search results.
const ToolWebSearch = "web_search"

// GroundingRef is a source the backend used while generating.
type GroundingRef struct {
	URL   string
	Title string
}

// Item is one element of a generation stream. Either field may be empty.
type Item struct {
	Text string
	Refs []GroundingRef
}

// Stream is consumed once. Recv returns io.EOF after the last item.
type Stream interface {
	Recv() (Item, error)
	Close() error
}

// Request carries everything a backend needs for one rebuttal.
type Request struct {
	Topic        string
	History      []models.Turn
	Turn         string
	Instructions string
	Tools        []string
}

// Backend starts a generation stream.
type Backend interface {
	Stream(ctx context.Context, req Request) (Stream, error)
}

func (r Request) wants(tool string) bool {
	for _, t := range r.Tools {
		if t == tool {
			return true
		}
	}
	return false
}

const basePrompt = "You are a sharp, fair debate opponent. The user argues a position on the topic below; " +
	"you argue the other side. Rebut the user's latest argument directly, stay on topic, and keep it under 200 words."

// SystemPrompt is the system text for req.
func SystemPrompt(req Request) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	if req.Topic != "" {
		fmt.Fprintf(&b, "\nTopic: %s", req.Topic)
	}
	if s := strings.TrimSpace(req.Instructions); s != "" {
		b.WriteString("\n")
		b.WriteString(s)
	}
	return b.String()
}

// Conversation flattens history into role/content pairs, dropping failed turns.
func Conversation(history []models.Turn) []models.Turn {
	out := make([]models.Turn, 0, len(history))
	for _, t := range history {
		if t.Failed || !t.Role.Valid() || strings.TrimSpace(t.Content) == "" {
			continue
		}
		out = append(out, models.Turn{Role: t.Role, Content: t.Content})
	}
	return out
}
