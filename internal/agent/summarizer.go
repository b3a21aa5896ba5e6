package agent

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

const summarizerPrompt = "Summarize the conversation below in a few sentences. " +
	"Keep decisions, facts about the user, and unfinished work. Write in third " +
	"person, no preamble."

// summaryTranscriptLimit bounds how many trailing messages feed one summary.
const summaryTranscriptLimit = 40

// SummaryRouter is the summarizer's view of the model router.
type SummaryRouter interface {
	ChatRouter
	Embed(ctx context.Context, text string, dimensions int) ([]float32, error)
}

// Summarizer condenses finished conversations into vector-indexed memory
// summaries.
type Summarizer struct {
	store  store.Store
	router SummaryRouter
	logger *slog.Logger
}

// NewSummarizer creates a Summarizer.
func NewSummarizer(st store.Store, rt SummaryRouter, logger *slog.Logger) *Summarizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Summarizer{
		store:  st,
		router: rt,
		logger: logger.With("component", "summarizer"),
	}
}

// Summarize condenses one conversation and stores the result as a memory
// summary. Conversations with no substantive messages are skipped.
func (s *Summarizer) Summarize(ctx context.Context, conv *models.Conversation) error {
	rows, err := s.store.RecentMessages(ctx, conv.ID, summaryTranscriptLimit)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}
	transcript := renderTranscript(rows)
	if transcript == "" {
		return nil
	}

	result, err := s.router.Chat(ctx, &providers.ChatRequest{
		Model: "summarize",
		Messages: []providers.ChatMessage{
			{Role: "system", Content: summarizerPrompt},
			{Role: "user", Content: transcript},
		},
	})
	if err != nil {
		return fmt.Errorf("summary generation: %w", err)
	}
	summary := strings.TrimSpace(result.Text)
	if summary == "" {
		return nil
	}

	// Embeddings are best effort; a summary without a vector still serves
	// the in-conversation recap.
	embedding, err := s.router.Embed(ctx, summary, 0)
	if err != nil {
		if !errors.Is(err, providers.ErrEmbeddingsUnsupported) {
			s.logger.Warn("summary embedding failed", "conversation_id", conv.ID, "error", err)
		}
		embedding = nil
	}

	if err := s.store.InsertSummary(ctx, &models.MemorySummary{
		UserID:         conv.UserID,
		ConversationID: conv.ID,
		Summary:        summary,
		Embedding:      embedding,
	}); err != nil {
		return fmt.Errorf("store summary: %w", err)
	}
	if err := s.store.MarkConversationSummarized(ctx, conv.ID); err != nil {
		return fmt.Errorf("mark summarized: %w", err)
	}
	s.logger.Info("conversation summarized", "conversation_id", conv.ID)
	return nil
}

// renderTranscript flattens persisted messages into plain text for the
// summarization prompt. Tool payloads are reduced to one-line mentions.
func renderTranscript(rows []models.Message) string {
	var sb strings.Builder
	for _, row := range rows {
		switch row.Role {
		case models.RoleUser:
			sb.WriteString("User: " + row.Content + "\n")
		case models.RoleAssistant:
			sb.WriteString("Assistant: " + row.Content + "\n")
		case models.RoleToolCall:
			if payload, ok := models.DecodeToolCall(row.Content); ok {
				sb.WriteString("Assistant used tool " + payload.Name + ".\n")
			}
		case models.RoleToolResult:
			// Tool output is too noisy for a summary prompt.
		}
	}
	return strings.TrimSpace(sb.String())
}

// summarizePrior condenses the previous conversation in the channel after a
// rollover, detached from the request so a slow summary never delays the
// user's reply.
func (l *Loop) summarizePrior(ctx context.Context, user *models.User, in models.IncomingMessage, cutoff time.Time) {
	if l.summarizer == nil {
		return
	}
	prior, err := l.store.ActiveConversation(ctx, user.ID, in.Platform, in.ChannelID, in.ThreadID, time.Time{})
	if err != nil || prior.IsSummarized || !prior.LastActiveAt.Before(cutoff) {
		return
	}

	detached := context.WithoutCancel(ctx)
	go func() {
		sumCtx, cancel := context.WithTimeout(detached, time.Minute)
		defer cancel()
		if err := l.summarizer.Summarize(sumCtx, prior); err != nil {
			l.logger.Warn("prior conversation summary failed",
				"conversation_id", prior.ID, "error", err)
		}
	}()
}
