package generation

import (
	"context"
	"errors"
	"io"
	"strings"

	"cdr.dev/slog/v3"

	"github.com/mohammad-safakhou/rebuttal/internal/helpers"
	"github.com/mohammad-safakhou/rebuttal/tools/web_search"
)

// Grounded runs a web search before generation when the request asks for it, feeds the
// results to the backend as numbered sources and reports them as grounding references.
type Grounded struct {
	Backend    Backend
	Search     web_search.WebSearcher
	MaxResults int
	Logger     slog.Logger
}

func (g *Grounded) Stream(ctx context.Context, req Request) (Stream, error) {
	if g.Search == nil || !req.wants(ToolWebSearch) {
		return g.Backend.Stream(ctx, req)
	}
	k := g.MaxResults
	if k <= 0 {
		k = 5
	}
	results, err := g.Search.Discover(ctx, strings.TrimSpace(req.Topic+" "+req.Turn), k)
	if err != nil {
		// Generation continues ungrounded.
		g.Logger.Warn(ctx, "web search failed", slog.Error(err))
		return g.Backend.Stream(ctx, req)
	}
	refs := make([]GroundingRef, 0, len(results))
	var b strings.Builder
	b.WriteString("Sources you may cite by number:")
	for i, r := range results {
		if r.URL == "" {
			continue
		}
		refs = append(refs, GroundingRef{URL: r.URL, Title: r.Title})
		b.WriteString("\n" + helpers.SourceLine(i+1, r.Title, r.URL, r.Snippet))
	}
	if len(refs) > 0 {
		req.Instructions = strings.TrimSpace(req.Instructions + "\n" + b.String())
	}
	inner, err := g.Backend.Stream(ctx, req)
	if err != nil {
		return nil, err
	}
	return &groundedStream{inner: inner, refs: refs}, nil
}

// groundedStream appends the search references once the backend is exhausted.
type groundedStream struct {
	inner Stream
	refs  []GroundingRef
	sent  bool
}

func (s *groundedStream) Recv() (Item, error) {
	it, err := s.inner.Recv()
	if errors.Is(err, io.EOF) && !s.sent && len(s.refs) > 0 {
		s.sent = true
		return Item{Refs: s.refs}, nil
	}
	return it, err
}

func (s *groundedStream) Close() error { return s.inner.Close() }
