// Package providers implements the uniform chat/embed interface over
// heterogeneous LLM vendors. Each adapter normalizes tool-call shapes, stop
// reasons, and error classes so the rest of the core never sees vendor SDK
// types.
package providers

import (
	"context"
	"encoding/json"
	"errors"
)

// StopReason normalizes why the model stopped generating.
type StopReason string

const (
	StopEndTurn   StopReason = "end_turn"
	StopToolUse   StopReason = "tool_use"
	StopMaxTokens StopReason = "max_tokens"
)

// ChatMessage is one element of the ordered message sequence submitted to a
// provider. Tool call and tool result messages carry their correlation id in
// ToolUseID; adapters map it to the vendor's native correlation identifier.
type ChatMessage struct {
	Role      string          `json:"role"`
	Content   string          `json:"content,omitempty"`
	Name      string          `json:"name,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

// ToolDef is a tool catalog entry in the uniform schema.
type ToolDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Parameters  json.RawMessage `json:"parameters"`
}

// ChatRequest is a uniform completion request.
type ChatRequest struct {
	Model       string
	MaxTokens   int
	Temperature float64
	Messages    []ChatMessage
	Tools       []ToolDef
}

// ToolCallRequest is a tool invocation emitted by the model. The core
// assigns its own tool_use_id before dispatch.
type ToolCallRequest struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
}

// ChatResult is a normalized completion response.
type ChatResult struct {
	Text          string
	ToolCalls     []ToolCallRequest
	InputTokens   int
	OutputTokens  int
	ModelReturned string
	StopReason    StopReason
}

// EmbedRequest asks for a vector embedding of Text.
type EmbedRequest struct {
	Text       string
	Model      string
	Dimensions int
}

// ErrEmbeddingsUnsupported is returned by adapters whose vendor exposes no
// embedding endpoint.
var ErrEmbeddingsUnsupported = errors.New("provider does not support embeddings")

// Provider is the uniform adapter interface. Implementations are safe for
// concurrent use.
type Provider interface {
	// Name returns the stable lowercase provider identifier.
	Name() string

	// Chat runs one completion. Transient vendor failures are retried
	// inside the adapter; classified errors are returned as *Error.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResult, error)

	// Embed returns a vector for the text, or ErrEmbeddingsUnsupported.
	Embed(ctx context.Context, req *EmbedRequest) ([]float32, error)
}
