package models

import "time"

// Persona is a configurable system-prompt and allowed-tools profile,
// optionally bound to a platform or a platform server. Exactly one persona
// is the global default.
type Persona struct {
	ID                  string   `json:"id"`
	Name                string   `json:"name"`
	SystemPrompt        string   `json:"system_prompt"`
	AllowedModules      []string `json:"allowed_modules"`
	DefaultModel        string   `json:"default_model,omitempty"`
	MaxTokensPerRequest int      `json:"max_tokens_per_request,omitempty"`
	IsDefault           bool     `json:"is_default"`
	Platform            string   `json:"platform,omitempty"`
	PlatformServerID    string   `json:"platform_server_id,omitempty"`
}

// AllowsModule reports whether the persona's allowed-module set contains the
// named module.
func (p *Persona) AllowsModule(name string) bool {
	if p == nil {
		return false
	}
	for _, m := range p.AllowedModules {
		if m == name {
			return true
		}
	}
	return false
}

// Conversation is one thread of messages in a platform channel. A new
// conversation starts when no prior one in the same channel/thread has
// activity within the idle-timeout window.
type Conversation struct {
	ID           string    `json:"id"`
	UserID       string    `json:"user_id"`
	PersonaID    string    `json:"persona_id,omitempty"`
	Platform     string    `json:"platform"`
	ChannelID    string    `json:"platform_channel_id"`
	ThreadID     string    `json:"platform_thread_id,omitempty"`
	StartedAt    time.Time `json:"started_at"`
	LastActiveAt time.Time `json:"last_active_at"`
	IsSummarized bool      `json:"is_summarized"`
	Title        string    `json:"title,omitempty"`
}

// MemorySummary is a vector-indexed summary snippet used for semantic recall.
type MemorySummary struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Summary        string    `json:"summary"`
	Embedding      []float32 `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
}

// TokenLog records token usage for one provider call.
type TokenLog struct {
	ID             string    `json:"id"`
	UserID         string    `json:"user_id"`
	ConversationID string    `json:"conversation_id"`
	Model          string    `json:"model"`
	InputTokens    int       `json:"input_tokens"`
	OutputTokens   int       `json:"output_tokens"`
	CostEstimate   float64   `json:"cost_estimate"`
	CreatedAt      time.Time `json:"created_at"`
}

// FileRecord tracks a registered attachment owned by a user.
type FileRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Filename  string    `json:"filename"`
	URL       string    `json:"url"`
	MimeType  string    `json:"mime_type,omitempty"`
	Size      int64     `json:"size,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
