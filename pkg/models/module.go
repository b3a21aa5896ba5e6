package models

import "encoding/json"

// ToolSpec describes one tool exported by a module manifest. Parameters is a
// JSON schema in the uniform catalog shape.
type ToolSpec struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Parameters         json.RawMessage `json:"parameters"`
	RequiredPermission Permission      `json:"required_permission"`
}

// ModuleManifest is the discovery document served by every tool module at
// GET /manifest.
type ModuleManifest struct {
	ModuleName  string     `json:"module_name"`
	Description string     `json:"description"`
	Tools       []ToolSpec `json:"tools"`
}

// ToolCall is the uniform invocation payload posted to a module's /execute
// endpoint. UserID attributes module-side resources to the calling user.
type ToolCall struct {
	ToolName  string          `json:"tool_name"`
	Arguments json.RawMessage `json:"arguments"`
	UserID    string          `json:"user_id,omitempty"`
}

// ToolResult is the uniform response from a module's /execute endpoint.
type ToolResult struct {
	ToolName string          `json:"tool_name"`
	Success  bool            `json:"success"`
	Result   json.RawMessage `json:"result,omitempty"`
	Error    string          `json:"error,omitempty"`
}
