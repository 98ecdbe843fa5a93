package helpers

import (
	"html"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
)

var (
	strictOnce   sync.Once
	strictPolicy *bluemonday.Policy
)

func strict() *bluemonday.Policy {
	strictOnce.Do(func() { strictPolicy = bluemonday.StrictPolicy() })
	return strictPolicy
}

// PlainText strips every HTML element from s, unescapes entities and collapses
// whitespace. Search providers wrap matched terms in markup; citation titles and
// snippets go through this before reaching clients or prompts.
func PlainText(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	s = html.UnescapeString(strict().Sanitize(s))
	return strings.Join(strings.Fields(s), " ")
}
