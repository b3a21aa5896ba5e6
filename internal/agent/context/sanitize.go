package agentcontext

import (
	"log/slog"

	"github.com/opalhq/opal/internal/providers"
)

// SanitizeOrphans removes tool_call messages with no later matching
// tool_result and tool_result messages with no earlier matching tool_call.
// Every provider submission must pass this check: vendors reject sequences
// with unpaired correlation ids.
func SanitizeOrphans(messages []providers.ChatMessage, logger *slog.Logger) []providers.ChatMessage {
	// resultAfter[id] = index of the first tool_result for id.
	callAt := make(map[string]int)
	resultAt := make(map[string]int)
	for i, msg := range messages {
		switch msg.Role {
		case "tool_call":
			if _, ok := callAt[msg.ToolUseID]; !ok {
				callAt[msg.ToolUseID] = i
			}
		case "tool_result":
			if _, ok := resultAt[msg.ToolUseID]; !ok {
				resultAt[msg.ToolUseID] = i
			}
		}
	}

	paired := func(msg providers.ChatMessage, i int) bool {
		switch msg.Role {
		case "tool_call":
			ri, ok := resultAt[msg.ToolUseID]
			return ok && ri > i
		case "tool_result":
			ci, ok := callAt[msg.ToolUseID]
			return ok && ci < i
		default:
			return true
		}
	}

	out := make([]providers.ChatMessage, 0, len(messages))
	for i, msg := range messages {
		if paired(msg, i) {
			out = append(out, msg)
			continue
		}
		if logger != nil {
			logger.Warn("dropping orphaned tool message",
				"role", msg.Role, "tool", msg.Name, "tool_use_id", msg.ToolUseID)
		}
	}
	return out
}

// PairConsistent reports whether every tool_result has an earlier matching
// tool_call and every tool_call a later matching tool_result.
func PairConsistent(messages []providers.ChatMessage) bool {
	return len(SanitizeOrphans(messages, nil)) == len(messages)
}
