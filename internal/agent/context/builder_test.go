package agentcontext

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/opalhq/opal/internal/providers"
	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

type fixedEmbedder struct {
	vec []float32
}

func (f *fixedEmbedder) Embed(ctx context.Context, text string, dimensions int) ([]float32, error) {
	return f.vec, nil
}

func seedConversation(t *testing.T, s *store.Memory) (*models.User, *models.Conversation) {
	t.Helper()
	ctx := context.Background()
	user, err := s.CreateGuestUser(ctx, "discord", "u1", "sam", 5000)
	if err != nil {
		t.Fatal(err)
	}
	conv := &models.Conversation{UserID: user.ID, Platform: "discord", ChannelID: "c1"}
	if err := s.CreateConversation(ctx, conv); err != nil {
		t.Fatal(err)
	}
	return user, conv
}

func insertMsg(t *testing.T, s *store.Memory, convID string, role models.Role, content string, at time.Time) {
	t.Helper()
	if err := s.InsertMessage(context.Background(), &models.Message{
		ConversationID: convID,
		Role:           role,
		Content:        content,
		CreatedAt:      at,
	}); err != nil {
		t.Fatal(err)
	}
}

func TestBuildBasicShape(t *testing.T) {
	s := store.NewMemory()
	user, conv := seedConversation(t, s)

	b := NewBuilder(s, DefaultConfig())
	msgs, err := b.Build(context.Background(), Input{
		User:         user,
		Conversation: conv,
		Persona:      &models.Persona{SystemPrompt: "You are Opal."},
		UserText:     "summarize the quarterly report numbers for the board meeting",
		Model:        "claude-sonnet-4-5",
	})
	if err != nil {
		t.Fatal(err)
	}

	if msgs[0].Role != "system" || !strings.Contains(msgs[0].Content, "You are Opal.") {
		t.Errorf("system prompt = %q", msgs[0].Content)
	}
	if !strings.Contains(msgs[0].Content, "Current time (UTC):") {
		t.Error("system prompt missing timestamp")
	}
	last := msgs[len(msgs)-1]
	if last.Role != "user" || !strings.Contains(last.Content, "quarterly report") {
		t.Errorf("final message = %+v", last)
	}
}

func TestBuildInjectsSummaryAndMemories(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, conv := seedConversation(t, s)

	if err := s.InsertSummary(ctx, &models.MemorySummary{
		UserID:         user.ID,
		ConversationID: conv.ID,
		Summary:        "Earlier the user set up a deployment pipeline.",
	}); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkConversationSummarized(ctx, conv.ID); err != nil {
		t.Fatal(err)
	}
	conv.IsSummarized = true

	if err := s.InsertSummary(ctx, &models.MemorySummary{
		UserID:    user.ID,
		Summary:   "User prefers terse answers.",
		Embedding: []float32{1, 0, 0},
	}); err != nil {
		t.Fatal(err)
	}

	b := NewBuilder(s, DefaultConfig(), WithEmbedder(&fixedEmbedder{vec: []float32{1, 0, 0}}))
	msgs, err := b.Build(ctx, Input{
		User:         user,
		Conversation: conv,
		UserText:     "please restate the full deployment plan including every pipeline stage",
		Model:        "gpt-4o",
	})
	if err != nil {
		t.Fatal(err)
	}

	joined := ""
	for _, m := range msgs {
		if m.Role == "system" {
			joined += m.Content + "\n"
		}
	}
	if !strings.Contains(joined, "terse answers") {
		t.Error("semantic memory not injected")
	}
	if !strings.Contains(joined, "deployment pipeline") {
		t.Error("conversation summary not injected")
	}
}

func TestBuildAdaptiveDepth(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, conv := seedConversation(t, s)

	base := time.Now().UTC().Add(-time.Hour)
	for i := 0; i < 12; i++ {
		insertMsg(t, s, conv.ID, models.RoleUser, "older message", base.Add(time.Duration(i)*time.Minute))
	}

	cfg := DefaultConfig()
	cfg.WorkingMemoryMessages = 12
	cfg.MinimalMemoryMessages = 2
	b := NewBuilder(s, cfg)

	selfContained, err := b.Build(ctx, Input{
		User: user, Conversation: conv,
		UserText: "generate a complete inventory report for warehouse seven including every stocked item",
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatal(err)
	}
	contextual, err := b.Build(ctx, Input{
		User: user, Conversation: conv,
		UserText: "do that again",
		Model:    "gpt-4o",
	})
	if err != nil {
		t.Fatal(err)
	}

	if countRole(selfContained, "user") != 2+1 { // minimal window + new message
		t.Errorf("minimal depth user messages = %d", countRole(selfContained, "user"))
	}
	if countRole(contextual, "user") != 12+1 {
		t.Errorf("full depth user messages = %d", countRole(contextual, "user"))
	}
}

func TestBuildTruncatesHistoricalToolResults(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, conv := seedConversation(t, s)

	big := strings.Repeat("x", 5000)
	call, _ := models.EncodeToolCall(models.ToolCallPayload{
		Name: "files.read", Arguments: []byte(`{}`), ToolUseID: "tu-1",
	})
	result, _ := models.EncodeToolResult(models.ToolResultPayload{
		Name: "files.read", Result: []byte(`"` + big + `"`), ToolUseID: "tu-1",
	})
	now := time.Now().UTC()
	insertMsg(t, s, conv.ID, models.RoleToolCall, call, now.Add(-2*time.Minute))
	insertMsg(t, s, conv.ID, models.RoleToolResult, result, now.Add(-time.Minute))

	b := NewBuilder(s, DefaultConfig())
	msgs, err := b.Build(ctx, Input{
		User: user, Conversation: conv,
		UserText: "ok", Model: "gpt-4o",
	})
	if err != nil {
		t.Fatal(err)
	}

	for _, m := range msgs {
		if m.Role == "tool_result" {
			if len(m.Content) > 1500+len(truncationMarker) {
				t.Errorf("tool result not truncated: %d chars", len(m.Content))
			}
			if !strings.HasSuffix(m.Content, truncationMarker) {
				t.Error("truncation marker missing")
			}
			return
		}
	}
	t.Fatal("tool_result not found in output")
}

func TestBuildSanitizesOrphanHistory(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, conv := seedConversation(t, s)

	orphan, _ := models.EncodeToolResult(models.ToolResultPayload{
		Name: "files.read", Result: []byte(`"data"`), ToolUseID: "tu-ghost",
	})
	now := time.Now().UTC()
	insertMsg(t, s, conv.ID, models.RoleToolResult, orphan, now.Add(-time.Minute))

	b := NewBuilder(s, DefaultConfig())
	msgs, err := b.Build(ctx, Input{
		User: user, Conversation: conv,
		UserText: "ok", Model: "gpt-4o",
	})
	if err != nil {
		t.Fatal(err)
	}
	for _, m := range msgs {
		if m.ToolUseID == "tu-ghost" {
			t.Errorf("orphan tool_result submitted: %+v", m)
		}
	}
}

func TestBuildTrimsAtomically(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, conv := seedConversation(t, s)

	// Large tool pair old enough to be trimmed first, then a recent exchange.
	now := time.Now().UTC()
	big := strings.Repeat("y", 1400)
	for i := 0; i < 4; i++ {
		id := "tu-" + string(rune('a'+i))
		call, _ := models.EncodeToolCall(models.ToolCallPayload{
			Name: "files.read", Arguments: []byte(`{}`), ToolUseID: id,
		})
		result, _ := models.EncodeToolResult(models.ToolResultPayload{
			Name: "files.read", Result: []byte(`"` + big + `"`), ToolUseID: id,
		})
		insertMsg(t, s, conv.ID, models.RoleToolCall, call, now.Add(time.Duration(2*i)*time.Second))
		insertMsg(t, s, conv.ID, models.RoleToolResult, result, now.Add(time.Duration(2*i+1)*time.Second))
	}

	cfg := DefaultConfig()
	// Shrink the budget to the floor so trimming must kick in.
	cfg.ToolSchemaTokenBudget = 5600
	b := NewBuilder(s, cfg)

	// gpt-4 has a small window; the budget forces trimming.
	msgs, err := b.Build(ctx, Input{
		User: user, Conversation: conv,
		UserText: "ok", Model: "gpt-4", ToolCount: 3,
	})
	if err != nil {
		t.Fatal(err)
	}

	if !PairConsistent(msgs) {
		t.Fatal("trimmed output not pair-consistent")
	}
	// The first non-system message is never an orphaned tool_result.
	for _, m := range msgs {
		if m.Role == "system" {
			continue
		}
		if m.Role == "tool_result" {
			t.Errorf("leading tool_result after trim: %+v", m)
		}
		break
	}
	budget := BudgetFor("gpt-4", 3, cfg.ToolSchemaTokenBudget)
	if got := estimateMessages(msgs); got > budget {
		t.Errorf("estimate %d exceeds budget %d", got, budget)
	}
}

func countRole(msgs []providers.ChatMessage, role string) int {
	n := 0
	for _, m := range msgs {
		if m.Role == role {
			n++
		}
	}
	return n
}
