package mood

import (
	"strings"
	"testing"
)

func TestNext(t *testing.T) {
	cases := []struct {
		name      string
		text      string
		prior     int
		priorMood Mood
		wantCombo int
		wantMood  Mood
	}{
		{"weak resets", "nope", 4, Heated, 0, Calm},
		{"evidence marker", "because it is cheaper", 0, Calm, 1, Engaged},
		{"digit", "it costs 3 dollars", 2, Engaged, 3, Heated},
		{"url", "see https://example.org/report", 4, Heated, 5, OnFire},
		{"long argument", "I think that this is a genuinely bad idea for most of the people involved here", 1, Engaged, 2, Engaged},
		{"negative prior", "because", -3, Calm, 1, Engaged},
		{"empty", "   ", 2, Engaged, 0, Calm},
		{"open top tier", "because", 9, OnFire, 10, OnFire},
	}
	for _, tc := range cases {
		combo, m := Next(tc.text, tc.prior, tc.priorMood)
		if combo != tc.wantCombo || m != tc.wantMood {
			t.Fatalf("%s: got (%d,%s), want (%d,%s)", tc.name, combo, m, tc.wantCombo, tc.wantMood)
		}
	}
}

func TestNextReconcilesPriorMood(t *testing.T) {
	cases := []struct {
		name      string
		prior     int
		priorMood Mood
		wantCombo int
	}{
		{"calm caps an inflated combo", 7, Calm, 1},
		{"empty mood is calm", 4, "", 1},
		{"unknown mood is calm", 4, "furious", 1},
		{"heated caps at four", 9, Heated, 5},
		{"engaged lifts a zero combo", 0, Engaged, 2},
		{"on fire lifts to five", 1, OnFire, 6},
	}
	for _, tc := range cases {
		combo, _ := Next("studies show otherwise", tc.prior, tc.priorMood)
		if combo != tc.wantCombo {
			t.Fatalf("%s: got combo %d, want %d", tc.name, combo, tc.wantCombo)
		}
	}
	a, am := Next("studies show otherwise", 2, Engaged)
	b, bm := Next("studies show otherwise", 2, Engaged)
	if a != b || am != bm {
		t.Fatalf("same input gave (%d,%s) and (%d,%s)", a, am, b, bm)
	}
}

func TestParse(t *testing.T) {
	if Parse(" ON_FIRE ") != OnFire {
		t.Fatal("expected on_fire")
	}
	if Parse("furious") != Calm || Parse("") != Calm {
		t.Fatal("expected unknown moods to be calm")
	}
}

func TestInstructions(t *testing.T) {
	got := Instructions(OnFire, 6, "lincoln-douglas", "socratic", "evidence")
	for _, want := range []string{"6 strong arguments", "lincoln-douglas", "socratic", "verifiable source"} {
		if !strings.Contains(got, want) {
			t.Fatalf("instructions missing %q: %s", want, got)
		}
	}
	if strings.Contains(Instructions(Calm, 0, "", "", ""), "Power-up") {
		t.Fatal("no power-up line expected")
	}
}
