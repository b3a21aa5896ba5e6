package agent

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	agentcontext "github.com/opalhq/opal/internal/agent/context"
	"github.com/opalhq/opal/internal/providers"
	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

type scriptedRouter struct {
	results  []*providers.ChatResult
	requests []*providers.ChatRequest
}

func (r *scriptedRouter) Chat(ctx context.Context, req *providers.ChatRequest) (*providers.ChatResult, error) {
	r.requests = append(r.requests, req)
	if len(r.results) == 0 {
		return nil, errors.New("script exhausted")
	}
	res := r.results[0]
	r.results = r.results[1:]
	return res, nil
}

type fakeTools struct {
	specs   []models.ToolSpec
	calls   []models.ToolCall
	result  *models.ToolResult
	execErr error
}

func (f *fakeTools) ToolsFor(permission models.Permission, allowedModules []string) []models.ToolSpec {
	return f.specs
}

func (f *fakeTools) Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	f.calls = append(f.calls, call)
	return f.result, f.execErr
}

func textResult(text string) *providers.ChatResult {
	return &providers.ChatResult{
		Text:          text,
		InputTokens:   100,
		OutputTokens:  50,
		ModelReturned: "gpt-4o",
		StopReason:    providers.StopEndTurn,
	}
}

func toolResult(name string) *providers.ChatResult {
	return &providers.ChatResult{
		ToolCalls: []providers.ToolCallRequest{
			{ToolName: name, Arguments: json.RawMessage(`{"query":"go"}`)},
		},
		InputTokens:   100,
		OutputTokens:  50,
		ModelReturned: "gpt-4o",
		StopReason:    providers.StopToolUse,
	}
}

func newTestLoop(s *store.Memory, router ChatRouter, tools ToolSource) *Loop {
	builder := agentcontext.NewBuilder(s, agentcontext.DefaultConfig())
	return New(s, router, tools, builder, DefaultConfig())
}

func incoming(content string) models.IncomingMessage {
	return models.IncomingMessage{
		Platform:       "discord",
		PlatformUserID: "u1",
		ChannelID:      "c1",
		Content:        content,
	}
}

func TestProcessCreatesGuestAndAnswers(t *testing.T) {
	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{textResult("hello there")}}
	loop := newTestLoop(s, router, &fakeTools{})

	resp := loop.Process(context.Background(), incoming("say hello to the whole team in the standup channel"))
	if resp.Error != "" {
		t.Fatalf("unexpected error: %s", resp.Error)
	}
	if resp.Content != "hello there" {
		t.Errorf("content = %q", resp.Content)
	}

	user, _, err := s.UserByPlatformID(context.Background(), "discord", "u1")
	if err != nil {
		t.Fatal("guest user not auto-created")
	}
	if user.Permission != models.PermissionGuest {
		t.Errorf("permission = %s", user.Permission)
	}
	if user.MonthlyTokenBudget == nil || *user.MonthlyTokenBudget != 5000 {
		t.Errorf("budget = %v", user.MonthlyTokenBudget)
	}
}

func TestProcessBudgetGate(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	if _, err := s.CreateGuestUser(ctx, "discord", "u1", "sam", 5000); err != nil {
		t.Fatal(err)
	}
	user, _, _ := s.UserByPlatformID(ctx, "discord", "u1")
	if err := s.AddTokensUsed(ctx, user.ID, 5000); err != nil {
		t.Fatal(err)
	}

	router := &scriptedRouter{}
	loop := newTestLoop(s, router, &fakeTools{})

	resp := loop.Process(ctx, incoming("hello"))
	if !strings.Contains(resp.Content, "monthly token budget of 5000") {
		t.Errorf("budget message = %q", resp.Content)
	}
	if len(router.requests) != 0 {
		t.Error("model called despite exhausted budget")
	}
}

func TestProcessBudgetResetsAfterWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	if _, err := s.CreateGuestUser(ctx, "discord", "u1", "sam", 5000); err != nil {
		t.Fatal(err)
	}
	user, _, _ := s.UserByPlatformID(ctx, "discord", "u1")
	if err := s.AddTokensUsed(ctx, user.ID, 5000); err != nil {
		t.Fatal(err)
	}

	router := &scriptedRouter{results: []*providers.ChatResult{textResult("fresh month")}}
	builder := agentcontext.NewBuilder(s, agentcontext.DefaultConfig())
	future := time.Now().UTC().Add(31 * 24 * time.Hour)
	loop := New(s, router, &fakeTools{}, builder, DefaultConfig(),
		WithClock(func() time.Time { return future }))

	resp := loop.Process(ctx, incoming("hello again"))
	if resp.Content != "fresh month" {
		t.Errorf("content = %q, error = %q", resp.Content, resp.Error)
	}
	user, _, _ = s.UserByPlatformID(ctx, "discord", "u1")
	if user.TokensUsedThisMonth != 150 {
		t.Errorf("tokens after reset = %d, want 150", user.TokensUsedThisMonth)
	}
}

func TestProcessToolCallRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	s.AddPersona(models.Persona{
		Name:           "default",
		SystemPrompt:   "You are Opal.",
		AllowedModules: []string{"research"},
		IsDefault:      true,
	})

	router := &scriptedRouter{results: []*providers.ChatResult{
		toolResult("research.search"),
		textResult("found three papers"),
	}}
	tools := &fakeTools{
		specs: []models.ToolSpec{{
			Name:        "research.search",
			Description: "Search the literature.",
		}},
		result: &models.ToolResult{
			ToolName: "research.search",
			Success:  true,
			Result:   json.RawMessage(`{"hits":3}`),
		},
	}
	loop := newTestLoop(s, router, tools)

	resp := loop.Process(ctx, incoming("find recent papers on retrieval augmented generation systems"))
	if resp.Content != "found three papers" {
		t.Fatalf("content = %q, error = %q", resp.Content, resp.Error)
	}

	if len(tools.calls) != 1 || tools.calls[0].ToolName != "research.search" {
		t.Fatalf("tool calls = %+v", tools.calls)
	}

	// The second request carries the tool exchange.
	if len(router.requests) != 2 {
		t.Fatalf("model requests = %d", len(router.requests))
	}
	second := router.requests[1].Messages
	var callID, resultID string
	for _, m := range second {
		switch m.Role {
		case "tool_call":
			callID = m.ToolUseID
		case "tool_result":
			resultID = m.ToolUseID
			if m.Content != `{"hits":3}` {
				t.Errorf("tool result content = %q", m.Content)
			}
		}
	}
	if callID == "" || callID != resultID {
		t.Errorf("tool_use_id mismatch: call=%q result=%q", callID, resultID)
	}

	// Both halves are persisted with the same id.
	conv, err := s.ActiveConversation(ctx, mustUserID(t, s), "discord", "c1", "", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	rows, err := s.RecentMessages(ctx, conv.ID, 0)
	if err != nil {
		t.Fatal(err)
	}
	var storedCall, storedResult string
	for _, row := range rows {
		switch row.Role {
		case models.RoleToolCall:
			payload, ok := models.DecodeToolCall(row.Content)
			if !ok {
				t.Fatalf("bad tool_call payload: %s", row.Content)
			}
			storedCall = payload.ToolUseID
		case models.RoleToolResult:
			payload, ok := models.DecodeToolResult(row.Content)
			if !ok {
				t.Fatalf("bad tool_result payload: %s", row.Content)
			}
			storedResult = payload.ToolUseID
		}
	}
	if storedCall == "" || storedCall != storedResult {
		t.Errorf("persisted tool_use_id mismatch: call=%q result=%q", storedCall, storedResult)
	}
}

func TestProcessToolFailureFeedsModel(t *testing.T) {
	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{
		toolResult("files.read"),
		textResult("that file does not exist"),
	}}
	tools := &fakeTools{execErr: errors.New("module unreachable")}
	loop := newTestLoop(s, router, tools)

	resp := loop.Process(context.Background(), incoming("read the config file"))
	if resp.Content != "that file does not exist" {
		t.Fatalf("content = %q, error = %q", resp.Content, resp.Error)
	}

	second := router.requests[1].Messages
	found := false
	for _, m := range second {
		if m.Role == "tool_result" && m.IsError && strings.Contains(m.Content, "module unreachable") {
			found = true
		}
	}
	if !found {
		t.Error("error tool_result not submitted back to the model")
	}
}

func TestProcessIterationCap(t *testing.T) {
	s := store.NewMemory()
	var results []*providers.ChatResult
	for i := 0; i < 10; i++ {
		results = append(results, toolResult("loop.tool"))
	}
	router := &scriptedRouter{results: results}
	tools := &fakeTools{result: &models.ToolResult{Success: true, Result: json.RawMessage(`{}`)}}
	loop := newTestLoop(s, router, tools)

	resp := loop.Process(context.Background(), incoming("keep going"))
	if !strings.Contains(resp.Content, "maximum of 10 tool iterations") {
		t.Errorf("cap message = %q", resp.Content)
	}
	if len(router.requests) != 10 {
		t.Errorf("model requests = %d, want 10", len(router.requests))
	}
}

func TestProcessTokenAccounting(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{
		toolResult("research.search"),
		textResult("done"),
	}}
	tools := &fakeTools{result: &models.ToolResult{Success: true, Result: json.RawMessage(`{}`)}}
	loop := newTestLoop(s, router, tools)

	loop.Process(ctx, incoming("search for something interesting about distributed consensus protocols"))

	user, _, _ := s.UserByPlatformID(ctx, "discord", "u1")
	// Two model calls at 100 input + 50 output each.
	if user.TokensUsedThisMonth != 300 {
		t.Errorf("tokens used = %d, want 300", user.TokensUsedThisMonth)
	}
	logs := s.TokenLogs()
	if len(logs) != 2 {
		t.Fatalf("token log rows = %d, want 2", len(logs))
	}
	for _, log := range logs {
		if log.Model != "gpt-4o" || log.InputTokens != 100 || log.OutputTokens != 50 {
			t.Errorf("token log = %+v", log)
		}
	}
}

func TestProcessConversationRollover(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{
		textResult("first"),
		textResult("second"),
	}}
	builder := agentcontext.NewBuilder(s, agentcontext.DefaultConfig())

	now := time.Now().UTC()
	current := now
	loop := New(s, router, &fakeTools{}, builder, DefaultConfig(),
		WithClock(func() time.Time { return current }))

	loop.Process(ctx, incoming("start a conversation about the deployment pipeline design"))
	first, err := s.ActiveConversation(ctx, mustUserID(t, s), "discord", "c1", "", now.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}

	// Past the idle timeout a new conversation starts.
	current = now.Add(45 * time.Minute)
	loop.Process(ctx, incoming("pick a new topic entirely about database schema migrations"))
	second, err := s.ActiveConversation(ctx, mustUserID(t, s), "discord", "c1", "", current.Add(-time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if first.ID == second.ID {
		t.Error("conversation not rolled over after idle timeout")
	}
}

func TestProcessTruncatesLiveToolResult(t *testing.T) {
	s := store.NewMemory()
	big := `{"blob":"` + strings.Repeat("x", 50000) + `"}`
	router := &scriptedRouter{results: []*providers.ChatResult{
		toolResult("files.read"),
		textResult("that is a big file"),
	}}
	tools := &fakeTools{result: &models.ToolResult{
		Success: true,
		Result:  json.RawMessage(big),
	}}
	loop := newTestLoop(s, router, tools)

	loop.Process(context.Background(), incoming("read the giant build log and summarize it"))

	second := router.requests[1].Messages
	found := false
	for _, m := range second {
		if m.Role != "tool_result" {
			continue
		}
		found = true
		if want := 3000 + len(truncationMarker); len(m.Content) != want {
			t.Errorf("live tool result length = %d, want %d", len(m.Content), want)
		}
		if !strings.HasSuffix(m.Content, truncationMarker) {
			t.Error("truncation marker missing from live tool result")
		}
	}
	if !found {
		t.Fatal("no tool_result submitted to the model")
	}
}

func TestProcessEmitsSpan(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	otel.SetTracerProvider(sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(recorder)))

	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{textResult("traced")}}
	loop := newTestLoop(s, router, &fakeTools{})
	loop.Process(context.Background(), incoming("hello"))

	var span sdktrace.ReadOnlySpan
	for _, sp := range recorder.Ended() {
		if sp.Name() == "agent.process" {
			span = sp
		}
	}
	if span == nil {
		t.Fatal("agent.process span not recorded")
	}
	platform := ""
	for _, attr := range span.Attributes() {
		if attr.Key == "platform" {
			platform = attr.Value.AsString()
		}
	}
	if platform != "discord" {
		t.Errorf("platform attribute = %q", platform)
	}
}

func TestProcessCollectsResponseFiles(t *testing.T) {
	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{
		toolResult("files.render"),
		textResult("chart attached"),
	}}
	tools := &fakeTools{result: &models.ToolResult{
		Success: true,
		Result:  json.RawMessage(`{"filename":"chart.png","url":"https://files.local/chart.png"}`),
	}}
	loop := newTestLoop(s, router, tools)

	resp := loop.Process(context.Background(), incoming("render a chart of weekly active users for the dashboard"))
	if len(resp.Files) != 1 || resp.Files[0].Filename != "chart.png" {
		t.Errorf("files = %+v", resp.Files)
	}
}

func TestProcessRegistersAttachments(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	router := &scriptedRouter{results: []*providers.ChatResult{textResult("got it")}}
	loop := newTestLoop(s, router, &fakeTools{})

	in := incoming("please summarize this document for the compliance review")
	in.Attachments = []models.Attachment{
		{Filename: "report.pdf", URL: "https://cdn.local/report.pdf", MimeType: "application/pdf"},
	}
	loop.Process(ctx, in)

	records := s.FileRecords()
	if len(records) != 1 || records[0].Filename != "report.pdf" {
		t.Fatalf("file records = %+v", records)
	}

	// The stored user message mentions the attachment.
	conv, err := s.ActiveConversation(ctx, mustUserID(t, s), "discord", "c1", "", time.Now().UTC().Add(-time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	rows, _ := s.RecentMessages(ctx, conv.ID, 0)
	found := false
	for _, row := range rows {
		if row.Role == models.RoleUser && strings.Contains(row.Content, "Attached files: report.pdf") {
			found = true
		}
	}
	if !found {
		t.Error("attachment listing missing from stored user message")
	}
}

func mustUserID(t *testing.T, s *store.Memory) string {
	t.Helper()
	user, _, err := s.UserByPlatformID(context.Background(), "discord", "u1")
	if err != nil {
		t.Fatal(err)
	}
	return user.ID
}
