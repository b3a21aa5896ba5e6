package models

import (
	"encoding/json"
	"time"
)

// Role indicates the message author type.
type Role string

const (
	RoleSystem     Role = "system"
	RoleUser       Role = "user"
	RoleAssistant  Role = "assistant"
	RoleToolCall   Role = "tool_call"
	RoleToolResult Role = "tool_result"
)

// Message is a persisted conversation message. Tool call and tool result
// messages store their structured payload serialized as JSON in Content.
type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversation_id"`
	Role           Role      `json:"role"`
	Content        string    `json:"content"`
	TokenCount     int       `json:"token_count,omitempty"`
	ModelUsed      string    `json:"model_used,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// ToolCallPayload is the structured content of a tool_call message.
type ToolCallPayload struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
	ToolUseID string          `json:"tool_use_id"`
}

// ToolResultPayload is the structured content of a tool_result message.
type ToolResultPayload struct {
	Name      string          `json:"name"`
	Result    json.RawMessage `json:"result,omitempty"`
	Error     string          `json:"error,omitempty"`
	ToolUseID string          `json:"tool_use_id"`
}

// EncodeToolCall serializes a tool call payload for message storage.
func EncodeToolCall(p ToolCallPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeToolCall parses a tool_call message content. Returns false when the
// content is not valid payload JSON.
func DecodeToolCall(content string) (ToolCallPayload, bool) {
	var p ToolCallPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil || p.ToolUseID == "" {
		return ToolCallPayload{}, false
	}
	return p, true
}

// EncodeToolResult serializes a tool result payload for message storage.
func EncodeToolResult(p ToolResultPayload) (string, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// DecodeToolResult parses a tool_result message content. Returns false when
// the content is not valid payload JSON.
func DecodeToolResult(content string) (ToolResultPayload, bool) {
	var p ToolResultPayload
	if err := json.Unmarshal([]byte(content), &p); err != nil || p.ToolUseID == "" {
		return ToolResultPayload{}, false
	}
	return p, true
}

// Attachment is an inbound file reference supplied by a chat adapter.
type Attachment struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
	MimeType string `json:"mime_type,omitempty"`
	Size     int64  `json:"size,omitempty"`
}

// IncomingMessage is the normalized inbound message shape shared by all
// chat adapters.
type IncomingMessage struct {
	Platform         string       `json:"platform"`
	PlatformUserID   string       `json:"platform_user_id"`
	PlatformUsername string       `json:"platform_username,omitempty"`
	ChannelID        string       `json:"platform_channel_id"`
	ThreadID         string       `json:"platform_thread_id,omitempty"`
	ServerID         string       `json:"platform_server_id,omitempty"`
	Content          string       `json:"content"`
	Attachments      []Attachment `json:"attachments,omitempty"`
}

// ResponseFile is a file-like payload surfaced by a tool during a run.
type ResponseFile struct {
	Filename string `json:"filename"`
	URL      string `json:"url"`
}

// AgentResponse is the orchestrator's reply for one inbound message.
type AgentResponse struct {
	Content string         `json:"content"`
	Files   []ResponseFile `json:"files,omitempty"`
	Error   string         `json:"error,omitempty"`
}
