package helpers

import "testing"

func TestCanonicalURL(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"defaults https and cleans path", "Example.com/news/../tech/latest", "https://example.com/tech/latest"},
		{"drops default port, fragment and tracking", "http://News.example.com:80/a?id=1&utm_source=rss#top", "http://news.example.com/a?id=1"},
		{"sorts query and keeps trailing slash", "https://example.com/p/?b=2&a=1&fbclid=x", "https://example.com/p/?a=1&b=2"},
		{"schemeless with double slash", "//blog.example.com/post/42?utm_medium=email", "https://blog.example.com/post/42"},
		{"keeps non-default port", "https://example.com:8443/x", "https://example.com:8443/x"},
		{"collapses repeated slashes", "https://example.com//a//b", "https://example.com/a/b"},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, err := CanonicalURL(tt.in)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("CanonicalURL(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestCanonicalURLErrors(t *testing.T) {
	for _, in := range []string{"", "   ", "https://"} {
		if _, err := CanonicalURL(in); err == nil {
			t.Fatalf("expected error for %q", in)
		}
	}
}

func TestPlainText(t *testing.T) {
	got := PlainText("  Rent <strong>control</strong> &amp; supply\n<script>x()</script> ")
	if got != "Rent control & supply" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestSourceLine(t *testing.T) {
	got := SourceLine(2, "The <b>Study</b>", "https://www.econ.example/rent?id=1", "Vacancy rates fell.")
	want := `[2] The Study (econ.example): "Vacancy rates fell." <https://www.econ.example/rent?id=1>`
	if got != want {
		t.Fatalf("got %q\nwant %q", got, want)
	}
	if got := SourceLine(1, "", "", ""); got != "[1]" {
		t.Fatalf("unexpected bare line %q", got)
	}
}
