package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	agentcontext "github.com/opalhq/opal/internal/agent/context"
	"github.com/opalhq/opal/internal/providers"
	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

func TestBuildContinuationContent(t *testing.T) {
	req := models.ContinueRequest{
		JobID:   "job-7",
		Content: "The build you were waiting for finished.",
		ResultData: map[string]any{
			"status":      "completed",
			"exit_code":   float64(0),
			"transcript":  strings.Repeat("log line\n", 500),
			"workspace":   "ws-3",
			"secret_blob": "should not appear",
		},
	}
	content := BuildContinuationContent(req)

	if !strings.HasPrefix(content, "[Automated workflow continuation — job job-7]") {
		t.Errorf("missing continuation prefix: %q", content)
	}
	if !strings.Contains(content, "The build you were waiting for finished.") {
		t.Error("original message dropped")
	}
	for _, want := range []string{"- status: completed", "- exit_code: 0", "- workspace: ws-3"} {
		if !strings.Contains(content, want) {
			t.Errorf("missing %q in %q", want, content)
		}
	}
	if strings.Contains(content, "log line") || strings.Contains(content, "secret_blob") {
		t.Error("non-whitelisted result data leaked into context")
	}
}

func TestBuildContinuationContentWithoutResultData(t *testing.T) {
	content := BuildContinuationContent(models.ContinueRequest{
		JobID: "job-1", Content: "done",
	})
	if strings.Contains(content, "Result data") {
		t.Errorf("empty result data rendered: %q", content)
	}
}

func TestContinueResolvesStoredUser(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, err := s.CreateGuestUser(ctx, "discord", "u1", "sam", 5000)
	if err != nil {
		t.Fatal(err)
	}

	router := &scriptedRouter{results: []*providers.ChatResult{textResult("resuming where we left off")}}
	loop := newTestLoop(s, router, &fakeTools{})

	resp := loop.Continue(ctx, models.ContinueRequest{
		Platform:  "discord",
		ChannelID: "c1",
		UserID:    user.ID,
		Content:   "Scheduled task finished.",
		JobID:     "job-9",
	})
	if resp.Error != "" {
		t.Fatalf("error: %s", resp.Error)
	}
	if resp.Content != "resuming where we left off" {
		t.Errorf("content = %q", resp.Content)
	}

	// The synthetic continuation message was submitted to the model.
	first := router.requests[0].Messages
	last := first[len(first)-1]
	if !strings.Contains(last.Content, "[Automated workflow continuation — job job-9]") {
		t.Errorf("synthetic message = %q", last.Content)
	}
}

func TestContinueResetsLapsedBudgetWindow(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	user, err := s.CreateGuestUser(ctx, "discord", "u1", "sam", 5000)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.AddTokensUsed(ctx, user.ID, 5000); err != nil {
		t.Fatal(err)
	}

	router := &scriptedRouter{results: []*providers.ChatResult{textResult("resumed in a new month")}}
	builder := agentcontext.NewBuilder(s, agentcontext.DefaultConfig())
	future := time.Now().UTC().Add(31 * 24 * time.Hour)
	loop := New(s, router, &fakeTools{}, builder, DefaultConfig(),
		WithClock(func() time.Time { return future }))

	resp := loop.Continue(ctx, models.ContinueRequest{
		Platform:  "discord",
		ChannelID: "c1",
		UserID:    user.ID,
		Content:   "Scheduled task finished.",
		JobID:     "job-2",
	})
	if resp.Content != "resumed in a new month" {
		t.Errorf("content = %q, error = %q", resp.Content, resp.Error)
	}

	stored, err := s.UserByID(ctx, user.ID)
	if err != nil {
		t.Fatal(err)
	}
	if stored.TokensUsedThisMonth != 150 {
		t.Errorf("tokens after reset = %d, want 150", stored.TokensUsedThisMonth)
	}
}

func TestContinueUnknownUserFails(t *testing.T) {
	s := store.NewMemory()
	loop := newTestLoop(s, &scriptedRouter{}, &fakeTools{})

	resp := loop.Continue(context.Background(), models.ContinueRequest{
		Platform: "discord", ChannelID: "c1", UserID: "missing", Content: "x",
	})
	if resp.Error == "" {
		t.Error("expected error for unknown user")
	}
}
