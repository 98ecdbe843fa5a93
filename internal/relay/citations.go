package relay

import (
	"strings"

	"github.com/mohammad-safakhou/rebuttal/internal/generation"
	"github.com/mohammad-safakhou/rebuttal/internal/helpers"
	"github.com/mohammad-safakhou/rebuttal/models"
)

// citationSet numbers grounding references by first appearance, one entry per canonical
// URL. The first spelling of a URL is the one reported.
type citationSet struct {
	seen map[string]struct{}
	list []models.Citation
}

func newCitationSet() *citationSet {
	return &citationSet{seen: map[string]struct{}{}}
}

func (c *citationSet) add(refs []generation.GroundingRef) {
	for _, ref := range refs {
		url := strings.TrimSpace(ref.URL)
		if url == "" {
			continue
		}
		key, err := helpers.CanonicalURL(url)
		if err != nil {
			key = url
		}
		if _, dup := c.seen[key]; dup {
			continue
		}
		c.seen[key] = struct{}{}
		title := helpers.PlainText(ref.Title)
		if title == "" {
			title = url
		}
		c.list = append(c.list, models.Citation{ID: len(c.list) + 1, URL: url, Title: title})
	}
}

func (c *citationSet) empty() bool { return len(c.list) == 0 }
