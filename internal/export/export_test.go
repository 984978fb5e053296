package export

import (
	"strings"
	"testing"
	"time"
)

func TestRenderPageHTML(t *testing.T) {
	svc := NewService(nil, nil)
	content, err := svc.renderMarkdown("# Heading\n\nSome **bold** text.\n\n| a | b |\n|---|---|\n| 1 | 2 |\n")
	if err != nil {
		t.Fatalf("render markdown: %v", err)
	}
	if !strings.Contains(string(content), "<strong>bold</strong>") {
		t.Errorf("expected bold markup, got %s", content)
	}
	if !strings.Contains(string(content), "<table>") {
		t.Errorf("expected GFM table markup, got %s", content)
	}

	html, err := RenderPageHTML(TemplateData{
		Title:       "Release Notes",
		ProjectName: "Kanbu",
		ContentHTML: content,
		Author:      "Ana",
		UpdatedAt:   time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		Revision:    "abc1234",
	})
	if err != nil {
		t.Fatalf("render template: %v", err)
	}
	for _, want := range []string{"Release Notes", "Kanbu", "Ana", "rev abc1234", "Mar 1, 2026"} {
		if !strings.Contains(html, want) {
			t.Errorf("rendered HTML missing %q", want)
		}
	}
}

func TestSanitizeFilename(t *testing.T) {
	cases := map[string]string{
		"Release Notes":      "Release-Notes",
		"hello/../etc":       "helloetc",
		"":                   "page",
		strings.Repeat("a", 60): strings.Repeat("a", 50),
	}
	for in, want := range cases {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPercentEncodeForDataURL(t *testing.T) {
	got := percentEncodeForDataURL("a b<c>")
	if got != "a%20b%3Cc%3E" {
		t.Errorf("unexpected encoding: %s", got)
	}
}
