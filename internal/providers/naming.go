package providers

import (
	"fmt"
	"strings"
	"sync"
)

// NameRules captures a vendor's tool-name constraints.
type NameRules struct {
	// MaxLen is the vendor's name length cap in runes.
	MaxLen int
	// AllowRune reports whether the rune may appear in a name.
	AllowRune func(r rune) bool
	// LeadingAlpha requires the first rune to be a letter or underscore.
	LeadingAlpha bool
}

// OpenAINameRules matches the function-name charset ^[a-zA-Z0-9_-]{1,64}$.
func OpenAINameRules() NameRules {
	return NameRules{
		MaxLen:    64,
		AllowRune: isWordRune,
	}
}

// AnthropicNameRules matches Anthropic's tool-name charset, which is the
// same shape as OpenAI's.
func AnthropicNameRules() NameRules {
	return NameRules{
		MaxLen:    64,
		AllowRune: isWordRune,
	}
}

// GeminiNameRules matches Gemini function declaration names: start with a
// letter or underscore, then word runes plus dots and dashes, max 63.
func GeminiNameRules() NameRules {
	return NameRules{
		MaxLen: 63,
		AllowRune: func(r rune) bool {
			return isWordRune(r) || r == '.'
		},
		LeadingAlpha: true,
	}
}

func isWordRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '_' || r == '-':
		return true
	default:
		return false
	}
}

// NameMapper maintains the bidirectional sanitized-name map for one request
// cycle. Disallowed runes are deterministically replaced with underscores,
// names are truncated to the vendor cap, and collisions after sanitization
// get numeric suffixes. The original name is always recoverable so tool
// calls are reported back to the core under the name the catalog uses.
type NameMapper struct {
	rules NameRules

	mu        sync.Mutex
	toVendor  map[string]string
	toCatalog map[string]string
}

// NewNameMapper creates a mapper for the given vendor rules.
func NewNameMapper(rules NameRules) *NameMapper {
	if rules.MaxLen <= 0 {
		rules.MaxLen = 64
	}
	if rules.AllowRune == nil {
		rules.AllowRune = isWordRune
	}
	return &NameMapper{
		rules:     rules,
		toVendor:  make(map[string]string),
		toCatalog: make(map[string]string),
	}
}

// Sanitize returns the vendor-safe name for a catalog tool name, recording
// the mapping for Original.
func (m *NameMapper) Sanitize(name string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if v, ok := m.toVendor[name]; ok {
		return v
	}

	sanitized := m.sanitizeRaw(name)
	// Disambiguate collisions: two catalog names may sanitize identically.
	candidate := sanitized
	for i := 2; ; i++ {
		existing, taken := m.toCatalog[candidate]
		if !taken || existing == name {
			break
		}
		suffix := fmt.Sprintf("_%d", i)
		candidate = truncateRunes(sanitized, m.rules.MaxLen-len(suffix)) + suffix
	}

	m.toVendor[name] = candidate
	m.toCatalog[candidate] = name
	return candidate
}

// Original returns the catalog name for a vendor-reported name. Unknown
// names pass through unchanged, which covers vendors that echo unsanitized
// names back.
func (m *NameMapper) Original(vendorName string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	if orig, ok := m.toCatalog[vendorName]; ok {
		return orig
	}
	return vendorName
}

func (m *NameMapper) sanitizeRaw(name string) string {
	var b strings.Builder
	for _, r := range name {
		if m.rules.AllowRune(r) {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	out := b.String()
	if out == "" {
		out = "tool"
	}
	if m.rules.LeadingAlpha {
		first := rune(out[0])
		isAlpha := (first >= 'a' && first <= 'z') || (first >= 'A' && first <= 'Z') || first == '_'
		if !isAlpha {
			out = "_" + out
		}
	}
	return truncateRunes(out, m.rules.MaxLen)
}

func truncateRunes(s string, max int) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max])
}
