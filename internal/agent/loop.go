// Package agent drives the reason/act/observe loop: one invocation turns one
// inbound normalized message into one response, dispatching tool calls
// between model iterations.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	agentcontext "github.com/opalhq/opal/internal/agent/context"
	"github.com/opalhq/opal/internal/observability"
	"github.com/opalhq/opal/internal/providers"
	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

// ChatRouter is the loop's view of the model router.
type ChatRouter interface {
	Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error)
}

// ToolSource is the loop's view of the tool registry.
type ToolSource interface {
	ToolsFor(permission models.Permission, allowedModules []string) []models.ToolSpec
	Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error)
}

// Config tunes the loop.
type Config struct {
	// MaxIterations caps reason/act/observe rounds per invocation.
	MaxIterations int
	// ConversationTimeout is the idle window for conversation rollover.
	ConversationTimeout time.Duration
	// GuestTokenBudget is the monthly budget for auto-created guests.
	GuestTokenBudget int64
	// GuestModules is the allowed-module set when no persona applies.
	GuestModules []string
	// BudgetResetInterval is how long a budget window lasts.
	BudgetResetInterval time.Duration
	// ToolResultMaxChars caps a live tool result before it re-enters the
	// model context. The persisted row keeps the full payload.
	ToolResultMaxChars int
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       10,
		ConversationTimeout: 30 * time.Minute,
		GuestTokenBudget:    5000,
		BudgetResetInterval: 30 * 24 * time.Hour,
		ToolResultMaxChars:  3000,
	}
}

const truncationMarker = "... [truncated]"

// Loop is the orchestrator core.
type Loop struct {
	store      store.Store
	router     ChatRouter
	tools      ToolSource
	builder    *agentcontext.Builder
	summarizer *Summarizer
	cfg        Config

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option customizes a Loop.
type Option func(*Loop)

// WithLogger sets the loop logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Loop) { l.logger = logger }
}

// WithMetrics enables loop metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(l *Loop) { l.metrics = m }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(l *Loop) { l.now = now }
}

// WithSummarizer enables summarization of rolled-over conversations.
func WithSummarizer(s *Summarizer) Option {
	return func(l *Loop) { l.summarizer = s }
}

// New creates a Loop.
func New(st store.Store, rt ChatRouter, tools ToolSource, builder *agentcontext.Builder, cfg Config, opts ...Option) *Loop {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 10
	}
	if cfg.ConversationTimeout <= 0 {
		cfg.ConversationTimeout = 30 * time.Minute
	}
	if cfg.BudgetResetInterval <= 0 {
		cfg.BudgetResetInterval = 30 * 24 * time.Hour
	}
	if cfg.ToolResultMaxChars <= 0 {
		cfg.ToolResultMaxChars = 3000
	}
	l := &Loop{
		store:   st,
		router:  rt,
		tools:   tools,
		builder: builder,
		cfg:     cfg,
		logger:  slog.Default(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger = l.logger.With("component", "agent_loop")
	return l
}

// Process handles one inbound message end to end. It never panics outward;
// unhandled failures come back as error-shaped responses.
func (l *Loop) Process(ctx context.Context, in models.IncomingMessage) (resp *models.AgentResponse) {
	ctx, span := otel.Tracer("opal/agent").Start(ctx, "agent.process",
		trace.WithAttributes(attribute.String("platform", in.Platform)))
	defer span.End()

	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("agent loop panic",
				"platform", in.Platform, "panic", r, "stack", string(debug.Stack()))
			resp = &models.AgentResponse{
				Content: "Something went wrong while processing your message.",
				Error:   fmt.Sprint(r),
			}
			l.observe(in.Platform, "panic")
		}
	}()

	resp, err := l.process(ctx, in)
	if err != nil {
		span.RecordError(err)
		l.logger.Error("agent loop failed",
			"platform", in.Platform, "channel", in.ChannelID, "error", err)
		l.observe(in.Platform, "error")
		return &models.AgentResponse{
			Content: "Something went wrong: " + err.Error(),
			Error:   err.Error(),
		}
	}
	return resp
}

func (l *Loop) process(ctx context.Context, in models.IncomingMessage) (*models.AgentResponse, error) {
	now := l.now()

	user, err := l.resolveUser(ctx, in, now)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	return l.processUser(ctx, user, in, now)
}

func (l *Loop) processUser(ctx context.Context, user *models.User, in models.IncomingMessage, now time.Time) (*models.AgentResponse, error) {
	if user.BudgetExhausted() {
		l.observe(in.Platform, "budget_exceeded")
		return &models.AgentResponse{
			Content: fmt.Sprintf(
				"You've used your monthly token budget of %d. It resets automatically; try again later.",
				*user.MonthlyTokenBudget),
		}, nil
	}

	persona, err := l.store.ResolvePersona(ctx, in.Platform, in.ServerID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("resolve persona: %w", err)
	}

	conv, err := l.resolveConversation(ctx, user, persona, in, now)
	if err != nil {
		return nil, fmt.Errorf("resolve conversation: %w", err)
	}

	content := l.registerAttachments(ctx, user, in)

	allowedModules := l.cfg.GuestModules
	if persona != nil {
		allowedModules = persona.AllowedModules
	}
	specs := l.tools.ToolsFor(user.Permission, allowedModules)
	tools := toToolDefs(specs)

	messages, err := l.builder.Build(ctx, agentcontext.Input{
		User:         user,
		Conversation: conv,
		Persona:      persona,
		UserText:     content,
		Model:        l.modelFor(persona),
		ToolCount:    len(tools),
	})
	if err != nil {
		return nil, fmt.Errorf("build context: %w", err)
	}

	if err := l.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleUser,
		Content:        content,
		CreatedAt:      now,
	}); err != nil {
		return nil, fmt.Errorf("persist user message: %w", err)
	}

	resp, err := l.iterate(ctx, user, persona, conv, messages, tools)
	if err != nil {
		return nil, err
	}

	if err := l.store.TouchConversation(ctx, conv.ID, l.now()); err != nil {
		l.logger.Warn("touch conversation failed", "conversation_id", conv.ID, "error", err)
	}
	l.observe(in.Platform, "ok")
	return resp, nil
}

// resolveUser looks up the platform identity, auto-creating a guest on first
// contact and rolling the budget window when it has lapsed.
func (l *Loop) resolveUser(ctx context.Context, in models.IncomingMessage, now time.Time) (*models.User, error) {
	user, link, err := l.store.UserByPlatformID(ctx, in.Platform, in.PlatformUserID)
	if errors.Is(err, store.ErrNotFound) {
		user, err = l.store.CreateGuestUser(ctx, in.Platform, in.PlatformUserID, in.PlatformUsername, l.cfg.GuestTokenBudget)
		if err != nil {
			return nil, err
		}
		l.logger.Info("guest user created",
			"platform", in.Platform, "platform_user_id", in.PlatformUserID, "user_id", user.ID)
		return user, nil
	}
	if err != nil {
		return nil, err
	}

	if in.PlatformUsername != "" && link.PlatformUsername != in.PlatformUsername {
		if err := l.store.UpdatePlatformUsername(ctx, in.Platform, in.PlatformUserID, in.PlatformUsername); err != nil {
			l.logger.Warn("username refresh failed", "user_id", user.ID, "error", err)
		}
	}

	if err := l.refreshBudgetWindow(ctx, user, now); err != nil {
		return nil, err
	}
	return user, nil
}

// refreshBudgetWindow rolls the monthly budget window when it has lapsed.
// Every entry point that loads a user goes through here, so a stale window
// never trips the budget gate.
func (l *Loop) refreshBudgetWindow(ctx context.Context, user *models.User, now time.Time) error {
	if now.Sub(user.BudgetResetAt) <= l.cfg.BudgetResetInterval {
		return nil
	}
	if err := l.store.ResetUserBudget(ctx, user.ID, now); err != nil {
		return err
	}
	user.TokensUsedThisMonth = 0
	user.BudgetResetAt = now
	return nil
}

// resolveConversation reuses the active conversation in the channel/thread
// or starts a new one after the idle timeout.
func (l *Loop) resolveConversation(ctx context.Context, user *models.User, persona *models.Persona, in models.IncomingMessage, now time.Time) (*models.Conversation, error) {
	cutoff := now.Add(-l.cfg.ConversationTimeout)
	conv, err := l.store.ActiveConversation(ctx, user.ID, in.Platform, in.ChannelID, in.ThreadID, cutoff)
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, store.ErrNotFound) {
		return nil, err
	}

	l.summarizePrior(ctx, user, in, cutoff)

	conv = &models.Conversation{
		UserID:       user.ID,
		Platform:     in.Platform,
		ChannelID:    in.ChannelID,
		ThreadID:     in.ThreadID,
		StartedAt:    now,
		LastActiveAt: now,
	}
	if persona != nil {
		conv.PersonaID = persona.ID
	}
	if err := l.store.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}
	return conv, nil
}

// registerAttachments persists file records and enriches the message text
// with a parenthetical listing so tools can pick the files up.
func (l *Loop) registerAttachments(ctx context.Context, user *models.User, in models.IncomingMessage) string {
	if len(in.Attachments) == 0 {
		return in.Content
	}

	names := make([]string, 0, len(in.Attachments))
	for _, att := range in.Attachments {
		if err := l.store.InsertFileRecord(ctx, &models.FileRecord{
			UserID:   user.ID,
			Filename: att.Filename,
			URL:      att.URL,
			MimeType: att.MimeType,
			Size:     att.Size,
		}); err != nil {
			l.logger.Warn("file record insert failed", "filename", att.Filename, "error", err)
			continue
		}
		names = append(names, att.Filename)
	}
	if len(names) == 0 {
		return in.Content
	}
	return fmt.Sprintf(
		"%s\n(Attached files: %s. Tools that accept files can reference them by filename.)",
		in.Content, strings.Join(names, ", "))
}

// iterate runs the reason/act/observe rounds until a terminal answer or the
// iteration cap.
func (l *Loop) iterate(ctx context.Context, user *models.User, persona *models.Persona, conv *models.Conversation, messages []providers.ChatMessage, tools []providers.ToolDef) (*models.AgentResponse, error) {
	resp := &models.AgentResponse{}

	maxTokens := 0
	if persona != nil {
		maxTokens = persona.MaxTokensPerRequest
	}

	iterations := 0
	for iterations < l.cfg.MaxIterations {
		iterations++

		result, err := l.router.Chat(ctx, &providers.ChatRequest{
			Model:     l.modelFor(persona),
			MaxTokens: maxTokens,
			Messages:  messages,
			Tools:     tools,
		})
		if err != nil {
			return nil, fmt.Errorf("model call: %w", err)
		}

		l.accountTokens(ctx, user, conv, result)

		if result.StopReason != providers.StopToolUse || len(result.ToolCalls) == 0 {
			if err := l.store.InsertMessage(ctx, &models.Message{
				ConversationID: conv.ID,
				Role:           models.RoleAssistant,
				Content:        result.Text,
				TokenCount:     result.OutputTokens,
				ModelUsed:      result.ModelReturned,
				CreatedAt:      l.now(),
			}); err != nil {
				return nil, fmt.Errorf("persist assistant message: %w", err)
			}
			resp.Content = result.Text
			l.observeIterations(iterations)
			return resp, nil
		}

		for _, call := range result.ToolCalls {
			callMsg, resultMsg := l.dispatchTool(ctx, user, conv, call, resp)
			messages = append(messages, callMsg, resultMsg)
		}
	}

	// Iteration cap reached without a terminal answer.
	capNote := fmt.Sprintf(
		"I reached the maximum of %d tool iterations for one message. Here is where things stand; ask me to continue if needed.",
		l.cfg.MaxIterations)
	if err := l.store.InsertMessage(ctx, &models.Message{
		ConversationID: conv.ID,
		Role:           models.RoleAssistant,
		Content:        capNote,
		CreatedAt:      l.now(),
	}); err != nil {
		l.logger.Warn("persist cap message failed", "error", err)
	}
	resp.Content = capNote
	l.observeIterations(iterations)
	return resp, nil
}

// dispatchTool persists the tool_call, executes it, persists the
// tool_result, and returns both structured messages for the next iteration.
// Dispatch failures become error results the model can react to.
func (l *Loop) dispatchTool(ctx context.Context, user *models.User, conv *models.Conversation, call providers.ToolCallRequest, resp *models.AgentResponse) (providers.ChatMessage, providers.ChatMessage) {
	toolUseID := uuid.NewString()

	callContent, err := models.EncodeToolCall(models.ToolCallPayload{
		Name:      call.ToolName,
		Arguments: call.Arguments,
		ToolUseID: toolUseID,
	})
	if err == nil {
		if err := l.store.InsertMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleToolCall,
			Content:        callContent,
			CreatedAt:      l.now(),
		}); err != nil {
			l.logger.Warn("persist tool_call failed", "tool", call.ToolName, "error", err)
		}
	}

	result, execErr := l.tools.Execute(ctx, models.ToolCall{
		ToolName:  call.ToolName,
		Arguments: call.Arguments,
		UserID:    user.ID,
	})

	payload := models.ToolResultPayload{Name: call.ToolName, ToolUseID: toolUseID}
	resultMsg := providers.ChatMessage{
		Role:      "tool_result",
		Name:      call.ToolName,
		ToolUseID: toolUseID,
	}
	switch {
	case execErr != nil:
		payload.Error = execErr.Error()
		resultMsg.Content = execErr.Error()
		resultMsg.IsError = true
		l.logger.Warn("tool execution failed", "tool", call.ToolName, "error", execErr)
	case result == nil || !result.Success:
		msg := "tool returned no result"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		payload.Error = msg
		resultMsg.Content = msg
		resultMsg.IsError = true
	default:
		payload.Result = result.Result
		resultMsg.Content = l.capResult(string(result.Result))
		resp.Files = append(resp.Files, scanFiles(result.Result)...)
	}

	if content, err := models.EncodeToolResult(payload); err == nil {
		if err := l.store.InsertMessage(ctx, &models.Message{
			ConversationID: conv.ID,
			Role:           models.RoleToolResult,
			Content:        content,
			CreatedAt:      l.now(),
		}); err != nil {
			l.logger.Warn("persist tool_result failed", "tool", call.ToolName, "error", err)
		}
	}

	callMsg := providers.ChatMessage{
		Role:      "tool_call",
		Name:      call.ToolName,
		Arguments: call.Arguments,
		ToolUseID: toolUseID,
	}
	return callMsg, resultMsg
}

// capResult bounds a live tool result before the next iteration sees it.
func (l *Loop) capResult(s string) string {
	if max := l.cfg.ToolResultMaxChars; max > 0 && len(s) > max {
		return s[:max] + truncationMarker
	}
	return s
}

// accountTokens records a token log row and bumps the user's monthly
// counter. Accounting is advisory; failures only log.
func (l *Loop) accountTokens(ctx context.Context, user *models.User, conv *models.Conversation, result *providers.ChatResult) {
	if err := l.store.InsertTokenLog(ctx, &models.TokenLog{
		UserID:         user.ID,
		ConversationID: conv.ID,
		Model:          result.ModelReturned,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
	}); err != nil {
		l.logger.Warn("token log insert failed", "error", err)
	}
	used := int64(result.InputTokens + result.OutputTokens)
	if err := l.store.AddTokensUsed(ctx, user.ID, used); err != nil {
		l.logger.Warn("token counter update failed", "error", err)
	}
	user.TokensUsedThisMonth += used
}

func (l *Loop) modelFor(persona *models.Persona) string {
	if persona != nil {
		return persona.DefaultModel
	}
	return ""
}

func (l *Loop) observe(platform, outcome string) {
	if l.metrics != nil {
		l.metrics.MessagesTotal.WithLabelValues(platform, outcome).Inc()
	}
}

func (l *Loop) observeIterations(n int) {
	if l.metrics != nil {
		l.metrics.LoopIterations.Observe(float64(n))
	}
}

func toToolDefs(specs []models.ToolSpec) []providers.ToolDef {
	out := make([]providers.ToolDef, 0, len(specs))
	for _, spec := range specs {
		params := spec.Parameters
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		out = append(out, providers.ToolDef{
			Name:        spec.Name,
			Description: spec.Description,
			Parameters:  params,
		})
	}
	return out
}

// scanFiles pulls file-like payloads out of a tool result for the outbound
// file list. Both a top-level {filename, url} object and a "files" array of
// such objects are recognized.
func scanFiles(result json.RawMessage) []models.ResponseFile {
	if len(result) == 0 {
		return nil
	}
	var envelope struct {
		Filename string `json:"filename"`
		URL      string `json:"url"`
		Files    []struct {
			Filename string `json:"filename"`
			URL      string `json:"url"`
		} `json:"files"`
	}
	if err := json.Unmarshal(result, &envelope); err != nil {
		return nil
	}

	var out []models.ResponseFile
	if envelope.Filename != "" && envelope.URL != "" {
		out = append(out, models.ResponseFile{Filename: envelope.Filename, URL: envelope.URL})
	}
	for _, f := range envelope.Files {
		if f.Filename != "" && f.URL != "" {
			out = append(out, models.ResponseFile{Filename: f.Filename, URL: f.URL})
		}
	}
	return out
}
