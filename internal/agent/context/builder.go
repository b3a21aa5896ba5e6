package agentcontext

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/opalhq/opal/internal/providers"
	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

// truncationMarker is appended wherever historical content was cut so both
// the LLM and a future reader can tell content was removed.
const truncationMarker = "... [truncated]"

// memoryCap bounds how many semantic memories are injected per build.
const memoryCap = 3

const defaultSystemPrompt = "You are a helpful assistant with access to tools. " +
	"Use them when they help answer the user's request."

const schedulerGuidance = "You can schedule background jobs through the scheduler " +
	"tools when a task needs polling, delays, or webhooks. Scheduled jobs report " +
	"back automatically; do not poll manually in the conversation."

// Embedder produces an embedding vector for a text, or an error when no
// embedding channel is available.
type Embedder interface {
	Embed(ctx context.Context, text string, dimensions int) ([]float32, error)
}

// Config tunes the builder.
type Config struct {
	// WorkingMemoryMessages is the full working-memory window depth.
	WorkingMemoryMessages int
	// MinimalMemoryMessages is the window for self-contained messages.
	MinimalMemoryMessages int
	// HistoryToolResultMaxChars caps historical tool_result payloads.
	HistoryToolResultMaxChars int
	// MemoryRelevanceThreshold is the max cosine distance for recall.
	MemoryRelevanceThreshold float64
	// ToolSchemaTokenBudget is subtracted from the budget when tools ride
	// along.
	ToolSchemaTokenBudget int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		WorkingMemoryMessages:     12,
		MinimalMemoryMessages:     2,
		HistoryToolResultMaxChars: 1500,
		MemoryRelevanceThreshold:  0.75,
		ToolSchemaTokenBudget:     4000,
	}
}

// Builder assembles provider-ready message sequences.
type Builder struct {
	store    store.Store
	embedder Embedder
	cfg      Config
	logger   *slog.Logger

	// projectContext, when set, returns a structured summary of the user's
	// active projects for injection into the system prompt.
	projectContext func(ctx context.Context, userID string) (string, error)

	// now is overridable in tests.
	now func() time.Time
}

// Option customizes a Builder.
type Option func(*Builder)

// WithLogger sets the builder logger.
func WithLogger(logger *slog.Logger) Option {
	return func(b *Builder) { b.logger = logger }
}

// WithEmbedder enables semantic memory recall.
func WithEmbedder(e Embedder) Option {
	return func(b *Builder) { b.embedder = e }
}

// WithProjectContext installs the project summary source.
func WithProjectContext(fn func(ctx context.Context, userID string) (string, error)) Option {
	return func(b *Builder) { b.projectContext = fn }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// NewBuilder creates a Builder over the store.
func NewBuilder(st store.Store, cfg Config, opts ...Option) *Builder {
	if cfg.WorkingMemoryMessages <= 0 {
		cfg = DefaultConfig()
	}
	b := &Builder{
		store:  st,
		cfg:    cfg,
		logger: slog.Default(),
		now:    func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = b.logger.With("component", "context_builder")
	return b
}

// Input is one build request.
type Input struct {
	User         *models.User
	Conversation *models.Conversation
	Persona      *models.Persona
	UserText     string
	Model        string
	ToolCount    int
}

// Build assembles the ordered message list for provider submission. The
// result always fits the computed budget and is tool-pair consistent.
func (b *Builder) Build(ctx context.Context, in Input) ([]providers.ChatMessage, error) {
	if in.User == nil || in.Conversation == nil {
		return nil, fmt.Errorf("context build requires user and conversation")
	}
	budget := BudgetFor(in.Model, in.ToolCount, b.cfg.ToolSchemaTokenBudget)

	var system []providers.ChatMessage
	system = append(system, providers.ChatMessage{
		Role:    "system",
		Content: b.systemPrompt(ctx, in),
	})

	if memories := b.recallMemories(ctx, in); memories != "" {
		system = append(system, providers.ChatMessage{Role: "system", Content: memories})
	}
	if summary := b.priorSummary(ctx, in.Conversation); summary != "" {
		system = append(system, providers.ChatMessage{Role: "system", Content: summary})
	}

	depth := b.cfg.MinimalMemoryMessages
	if NeedsFullContext(in.UserText) {
		depth = b.cfg.WorkingMemoryMessages
	}
	working, err := b.workingMemory(ctx, in.Conversation.ID, depth)
	if err != nil {
		return nil, err
	}

	final := providers.ChatMessage{Role: "user", Content: in.UserText}

	working = b.trimToBudget(system, working, final, budget)
	working = stripLeadingOrphanResults(working)

	out := make([]providers.ChatMessage, 0, len(system)+len(working)+1)
	out = append(out, system...)
	out = append(out, working...)
	out = append(out, final)
	return SanitizeOrphans(out, b.logger), nil
}

// systemPrompt composes the single system-role message: persona prompt,
// current time, scheduler guidance, and optional project context.
func (b *Builder) systemPrompt(ctx context.Context, in Input) string {
	var sb strings.Builder
	if in.Persona != nil && in.Persona.SystemPrompt != "" {
		sb.WriteString(in.Persona.SystemPrompt)
	} else {
		sb.WriteString(defaultSystemPrompt)
	}
	sb.WriteString("\n\nCurrent time (UTC): ")
	sb.WriteString(b.now().Format(time.RFC3339))
	sb.WriteString("\n\n")
	sb.WriteString(schedulerGuidance)

	if b.projectContext != nil {
		if projects, err := b.projectContext(ctx, in.User.ID); err == nil && projects != "" {
			sb.WriteString("\n\n")
			sb.WriteString(projects)
		} else if err != nil {
			b.logger.Warn("project context lookup failed", "user_id", in.User.ID, "error", err)
		}
	}
	return sb.String()
}

// recallMemories embeds the new user text and pulls the nearest memory
// summaries under the relevance threshold. Recall is best effort; failures
// only log.
func (b *Builder) recallMemories(ctx context.Context, in Input) string {
	if b.embedder == nil || strings.TrimSpace(in.UserText) == "" {
		return ""
	}
	vec, err := b.embedder.Embed(ctx, in.UserText, 0)
	if err != nil {
		b.logger.Warn("memory embedding failed", "error", err)
		return ""
	}
	memories, err := b.store.SimilarSummaries(ctx, in.User.ID, vec, b.cfg.MemoryRelevanceThreshold, memoryCap)
	if err != nil {
		b.logger.Warn("memory lookup failed", "error", err)
		return ""
	}
	if len(memories) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("Relevant memories from previous conversations:")
	for _, m := range memories {
		sb.WriteString("\n- ")
		sb.WriteString(m.Summary)
	}
	return sb.String()
}

// priorSummary injects the conversation's latest summary when it has been
// summarized.
func (b *Builder) priorSummary(ctx context.Context, conv *models.Conversation) string {
	if !conv.IsSummarized {
		return ""
	}
	summary, err := b.store.LatestSummary(ctx, conv.ID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			b.logger.Warn("summary lookup failed", "conversation_id", conv.ID, "error", err)
		}
		return ""
	}
	return "Summary of the earlier part of this conversation:\n" + summary.Summary
}

// workingMemory loads the newest depth messages and converts them back into
// structured provider messages.
func (b *Builder) workingMemory(ctx context.Context, conversationID string, depth int) ([]providers.ChatMessage, error) {
	rows, err := b.store.RecentMessages(ctx, conversationID, depth)
	if err != nil {
		return nil, fmt.Errorf("load working memory: %w", err)
	}

	out := make([]providers.ChatMessage, 0, len(rows))
	for _, row := range rows {
		out = append(out, b.materialize(row))
	}
	return out, nil
}

// materialize converts one persisted message into its provider shape.
// Serialized tool payloads that fail to parse fall back to plain messages.
func (b *Builder) materialize(row models.Message) providers.ChatMessage {
	switch row.Role {
	case models.RoleToolCall:
		payload, ok := models.DecodeToolCall(row.Content)
		if !ok {
			return providers.ChatMessage{Role: "assistant", Content: row.Content}
		}
		return providers.ChatMessage{
			Role:      "tool_call",
			Name:      payload.Name,
			Arguments: payload.Arguments,
			ToolUseID: payload.ToolUseID,
		}

	case models.RoleToolResult:
		payload, ok := models.DecodeToolResult(row.Content)
		if !ok {
			return providers.ChatMessage{Role: "user", Content: row.Content}
		}
		content := string(payload.Result)
		isError := false
		if payload.Error != "" {
			content = payload.Error
			isError = true
		}
		if max := b.cfg.HistoryToolResultMaxChars; max > 0 && len(content) > max {
			content = content[:max] + truncationMarker
		}
		return providers.ChatMessage{
			Role:      "tool_result",
			Name:      payload.Name,
			Content:   content,
			IsError:   isError,
			ToolUseID: payload.ToolUseID,
		}

	case models.RoleSystem:
		return providers.ChatMessage{Role: "system", Content: row.Content}
	case models.RoleAssistant:
		return providers.ChatMessage{Role: "assistant", Content: row.Content}
	default:
		return providers.ChatMessage{Role: "user", Content: row.Content}
	}
}

// trimToBudget drops the oldest working-memory groups until the estimate
// fits. System messages and the final user message are never dropped. Runs
// of consecutive tool_call/tool_result messages move as one atomic group.
func (b *Builder) trimToBudget(system, working []providers.ChatMessage, final providers.ChatMessage, budget int) []providers.ChatMessage {
	fixed := estimateMessages(system) + estimateMessage(final)

	groups := groupAtomic(working)
	for len(groups) > 0 && fixed+estimateGroups(groups) > budget {
		dropped := groups[0]
		groups = groups[1:]
		b.logger.Debug("trimmed working memory group",
			"messages", len(dropped), "budget", budget)
	}

	out := make([]providers.ChatMessage, 0, len(working))
	for _, g := range groups {
		out = append(out, g...)
	}
	return out
}

// groupAtomic splits messages into removable units: every run of
// consecutive tool_call/tool_result messages is one unit.
func groupAtomic(messages []providers.ChatMessage) [][]providers.ChatMessage {
	var groups [][]providers.ChatMessage
	i := 0
	for i < len(messages) {
		if messages[i].Role == "tool_call" || messages[i].Role == "tool_result" {
			j := i
			for j < len(messages) && (messages[j].Role == "tool_call" || messages[j].Role == "tool_result") {
				j++
			}
			groups = append(groups, messages[i:j])
			i = j
			continue
		}
		groups = append(groups, messages[i:i+1])
		i++
	}
	return groups
}

// stripLeadingOrphanResults drops tool_result messages left at the front of
// the working memory after a trim removed their calls.
func stripLeadingOrphanResults(messages []providers.ChatMessage) []providers.ChatMessage {
	i := 0
	for i < len(messages) && messages[i].Role == "tool_result" {
		i++
	}
	return messages[i:]
}

func estimateMessage(msg providers.ChatMessage) int {
	n := EstimateTokens(msg.Content) + messageOverheadTokens
	if len(msg.Arguments) > 0 {
		n += EstimateTokens(string(msg.Arguments))
	}
	return n
}

func estimateMessages(messages []providers.ChatMessage) int {
	total := 0
	for _, msg := range messages {
		total += estimateMessage(msg)
	}
	return total
}

func estimateGroups(groups [][]providers.ChatMessage) int {
	total := 0
	for _, g := range groups {
		total += estimateMessages(g)
	}
	return total
}
