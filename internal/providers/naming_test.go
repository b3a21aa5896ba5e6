package providers

import (
	"strings"
	"testing"
)

func TestSanitizeReplacesDisallowedRunes(t *testing.T) {
	m := NewNameMapper(OpenAINameRules())

	tests := []struct {
		in   string
		want string
	}{
		{"code.run_task", "code_run_task"},
		{"search web", "search_web"},
		{"already_fine-1", "already_fine-1"},
		{"émoji☃tool", "_moji_tool"},
	}
	for _, tt := range tests {
		if got := m.Sanitize(tt.in); got != tt.want {
			t.Errorf("Sanitize(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestSanitizeTruncates(t *testing.T) {
	m := NewNameMapper(NameRules{MaxLen: 10, AllowRune: isWordRune})
	got := m.Sanitize("a_very_long_tool_name")
	if len(got) != 10 {
		t.Fatalf("Sanitize length = %d, want 10 (%q)", len(got), got)
	}
}

func TestSanitizeCollisions(t *testing.T) {
	m := NewNameMapper(OpenAINameRules())

	a := m.Sanitize("files.read")
	b := m.Sanitize("files read")
	c := m.Sanitize("files:read")
	if a != "files_read" {
		t.Fatalf("first sanitize = %q", a)
	}
	if b == a || c == a || b == c {
		t.Fatalf("collisions not disambiguated: %q %q %q", a, b, c)
	}
	for name, vendor := range map[string]string{"files.read": a, "files read": b, "files:read": c} {
		if got := m.Original(vendor); got != name {
			t.Errorf("Original(%q) = %q, want %q", vendor, got, name)
		}
	}
}

func TestSanitizeStable(t *testing.T) {
	m := NewNameMapper(AnthropicNameRules())
	first := m.Sanitize("web.search")
	second := m.Sanitize("web.search")
	if first != second {
		t.Errorf("Sanitize not stable: %q vs %q", first, second)
	}
}

func TestOriginalPassthrough(t *testing.T) {
	m := NewNameMapper(OpenAINameRules())
	if got := m.Original("never_mapped"); got != "never_mapped" {
		t.Errorf("Original passthrough = %q", got)
	}
}

func TestGeminiLeadingAlpha(t *testing.T) {
	m := NewNameMapper(GeminiNameRules())
	got := m.Sanitize("9lives")
	if !strings.HasPrefix(got, "_") {
		t.Errorf("Sanitize(9lives) = %q, want leading underscore", got)
	}
	if got2 := m.Sanitize("dotted.name"); got2 != "dotted.name" {
		t.Errorf("dots should be preserved for gemini, got %q", got2)
	}
}
