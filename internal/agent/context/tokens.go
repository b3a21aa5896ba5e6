// Package agentcontext assembles the token-budgeted message sequence
// submitted to providers: system prompt, semantic memories, prior summary,
// working memory, and the new user message, trimmed to budget with all
// tool-call/tool-result pairs intact.
package agentcontext

import "strings"

// tokensPerChar is the estimation heuristic: roughly four characters per
// token across the supported model families. Exact vendor tokenization is
// not required by the budget.
const charsPerToken = 4

// budgetFraction is the share of the model window reserved for context.
const budgetFraction = 0.8

// EstimateTokens approximates the token count of a text.
func EstimateTokens(text string) int {
	if text == "" {
		return 0
	}
	return (len(text) + charsPerToken - 1) / charsPerToken
}

// messageOverheadTokens covers per-message framing the vendors add.
const messageOverheadTokens = 4

// ModelWindow returns the approximate context window for a model, matched
// by prefix.
func ModelWindow(model string) int {
	m := strings.ToLower(model)
	switch {
	case strings.HasPrefix(m, "claude"):
		return 200_000
	case strings.HasPrefix(m, "gpt-4o"), strings.HasPrefix(m, "gpt-4.1"), strings.HasPrefix(m, "chatgpt"):
		return 128_000
	case strings.HasPrefix(m, "gpt-4"):
		return 8_192
	case strings.HasPrefix(m, "gpt-3.5"):
		return 16_384
	case strings.HasPrefix(m, "o1"), strings.HasPrefix(m, "o3"), strings.HasPrefix(m, "o4"):
		return 200_000
	case strings.HasPrefix(m, "gemini-1.5-pro"):
		return 2_000_000
	case strings.HasPrefix(m, "gemini"):
		return 1_000_000
	default:
		return 128_000
	}
}

// BudgetFor computes the working token budget for a model: a fixed fraction
// of the window, minus the estimated tool-schema overhead when tools are
// attached.
func BudgetFor(model string, toolCount, toolSchemaBudget int) int {
	budget := int(float64(ModelWindow(model)) * budgetFraction)
	if toolCount > 0 {
		budget -= toolSchemaBudget
	}
	if budget < 1_000 {
		budget = 1_000
	}
	return budget
}
