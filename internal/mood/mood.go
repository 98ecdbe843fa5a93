// Package mood computes the per-turn combo counter and mood that flavour the assistant's
// instructions. Everything here is pure and deterministic.
package mood

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
)

// Mood is the assistant's temperament for the next rebuttal.
type Mood string

const (
	Calm    Mood = "calm"
	Engaged Mood = "engaged"
	Heated  Mood = "heated"
	OnFire  Mood = "on_fire"
)

// strongWordCount is the length at which an argument counts as substantive on its own.
const strongWordCount = 12

var (
	evidenceMarkers = []string{"because", "evidence", "study", "studies", "research", "data", "according to", "source"}
	urlPattern      = regexp.MustCompile(`(?i)\bhttps?://\S+`)
)

// Parse maps a client-supplied mood onto the known set. Unknown or empty values are calm.
func Parse(s string) Mood {
	switch Mood(strings.ToLower(strings.TrimSpace(s))) {
	case Engaged:
		return Engaged
	case Heated:
		return Heated
	case OnFire:
		return OnFire
	}
	return Calm
}

// Strong reports whether text is a substantive argument that extends the combo.
func Strong(text string) bool {
	text = strings.TrimSpace(text)
	if text == "" {
		return false
	}
	if len(strings.Fields(text)) >= strongWordCount {
		return true
	}
	if urlPattern.MatchString(text) {
		return true
	}
	if strings.IndexFunc(text, unicode.IsDigit) >= 0 {
		return true
	}
	lower := strings.ToLower(text)
	for _, m := range evidenceMarkers {
		if strings.Contains(lower, m) {
			return true
		}
	}
	return false
}

// Next advances the combo for userText and derives the mood from it. The prior combo is
// first brought into the range the prior mood allows, so a client cannot report a combo its
// mood never reached. An empty or unknown prior mood is calm.
func Next(userText string, priorCombo int, priorMood Mood) (int, Mood) {
	priorCombo = reconcile(priorCombo, priorMood)
	combo := 0
	if Strong(userText) {
		combo = priorCombo + 1
	}
	return combo, forCombo(combo)
}

func reconcile(combo int, m Mood) int {
	lo, hi := tierRange(m)
	switch {
	case combo < lo:
		return lo
	case hi >= 0 && combo > hi:
		return hi
	}
	return combo
}

// tierRange is the combo interval of a mood. hi is -1 for an open upper bound.
func tierRange(m Mood) (lo, hi int) {
	switch m {
	case OnFire:
		return 5, -1
	case Heated:
		return 3, 4
	case Engaged:
		return 1, 2
	}
	return 0, 0
}

func forCombo(combo int) Mood {
	switch {
	case combo >= 5:
		return OnFire
	case combo >= 3:
		return Heated
	case combo >= 1:
		return Engaged
	default:
		return Calm
	}
}

// Instructions renders the extra system text for a turn.
func Instructions(m Mood, combo int, variant, style, powerup string) string {
	var b strings.Builder
	switch m {
	case OnFire:
		fmt.Fprintf(&b, "The user has landed %d strong arguments in a row. Concede the strongest point explicitly, then counter with your single best argument.", combo)
	case Heated:
		b.WriteString("The debate is heated. Be sharp and direct, and address the user's evidence head on.")
	case Engaged:
		b.WriteString("The user is making real arguments. Engage with their specific claims.")
	default:
		b.WriteString("Keep the tone calm and invite the user to back up their position.")
	}
	if v := strings.TrimSpace(variant); v != "" {
		fmt.Fprintf(&b, "\nDebate format: %s.", v)
	}
	if s := strings.TrimSpace(style); s != "" {
		fmt.Fprintf(&b, "\nArgue in a %s style.", s)
	}
	switch strings.ToLower(strings.TrimSpace(powerup)) {
	case "":
	case "evidence":
		b.WriteString("\nPower-up: cite at least one verifiable source for your main claim.")
	case "devils_advocate":
		b.WriteString("\nPower-up: take the most provocative defensible position.")
	case "brevity":
		b.WriteString("\nPower-up: answer in three sentences or fewer.")
	default:
		fmt.Fprintf(&b, "\nPower-up: %s.", strings.TrimSpace(powerup))
	}
	return b.String()
}
