package agentcontext

import (
	"regexp"
	"strings"
)

// shortMessageThreshold is the word count below which a message is assumed
// to lean on prior context.
const shortMessageThreshold = 5

// contextualPattern matches anaphoric and continuation language: pronouns
// referring to prior content, short affirmations, continuation markers, and
// back-references. English-only; the classifier is pluggable for other
// deployments.
var contextualPattern = regexp.MustCompile(`(?i)\b(` +
	`it|that|this|those|these|they|them|its|their` +
	`|also|instead|too|again|another|same|more` +
	`|yes|no|ok|okay|sure|yep|nope|yeah|nah|thanks|please do` +
	`|as before|like before|previous|previously|earlier|above|last time` +
	`|continue|keep going|go on|and then|what about` +
	`)\b`)

// NeedsFullContext decides whether the working-memory window should be the
// full depth or the minimal one. Deterministic; never consults the LLM.
func NeedsFullContext(text string) bool {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return true
	}
	if len(strings.Fields(trimmed)) < shortMessageThreshold {
		return true
	}
	return contextualPattern.MatchString(trimmed)
}
