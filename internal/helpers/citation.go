package helpers

import (
	"net/url"
	"strconv"
	"strings"
	"unicode/utf8"
)

// DefaultSnippetRunes bounds snippets in SourceLine.
const DefaultSnippetRunes = 180

// SourceLine renders one numbered grounding source for a prompt:
//
//	[n] Title (domain): "snippet" <url>
func SourceLine(n int, title, link, snippet string) string {
	var b strings.Builder
	b.WriteString("[" + strconv.Itoa(n) + "]")
	if title = PlainText(title); title != "" {
		b.WriteString(" " + title)
	}
	if d := domain(link); d != "" {
		b.WriteString(" (" + d + ")")
	}
	if snippet = truncate(PlainText(snippet), DefaultSnippetRunes); snippet != "" {
		b.WriteString(`: "` + snippet + `"`)
	}
	if link = strings.TrimSpace(link); link != "" {
		b.WriteString(" <" + link + ">")
	}
	return b.String()
}

func domain(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

func truncate(s string, n int) string {
	if n <= 0 || utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "…"
}
