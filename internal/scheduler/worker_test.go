package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

type fakeExecutor struct {
	results []*models.ToolResult
	errs    []error
	calls   []models.ToolCall
}

func (f *fakeExecutor) Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error) {
	f.calls = append(f.calls, call)
	i := len(f.calls) - 1
	var result *models.ToolResult
	var err error
	if i < len(f.results) {
		result = f.results[i]
	}
	if i < len(f.errs) {
		err = f.errs[i]
	}
	return result, err
}

type capturedNotification struct {
	notifications []models.Notification
}

func (c *capturedNotification) Publish(ctx context.Context, n models.Notification) error {
	c.notifications = append(c.notifications, n)
	return nil
}

func statusResult(status string) *models.ToolResult {
	return &models.ToolResult{
		Success: true,
		Result:  json.RawMessage(`{"status":"` + status + `"}`),
	}
}

func pollJob(t *testing.T, s *store.Memory, overrides func(*models.ScheduledJob)) *models.ScheduledJob {
	t.Helper()
	job := &models.ScheduledJob{
		UserID:    "user-1",
		Platform:  "discord",
		ChannelID: "c1",
		Type:      models.JobPollModule,
		CheckConfig: json.RawMessage(
			`{"module":"tasks","tool":"status","args":{"task_id":"t1"},"success_field":"status","success_values":["completed"]}`),
		IntervalSeconds:  30,
		MaxAttempts:      5,
		OnSuccessMessage: "Task finished with status {result.status}.",
		OnComplete:       models.CompleteNotify,
		NextRunAt:        time.Now().UTC().Add(-time.Second),
	}
	if overrides != nil {
		overrides(job)
	}
	if err := s.CreateJob(context.Background(), job); err != nil {
		t.Fatal(err)
	}
	return job
}

func TestTickCompletesPollModuleJob(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	exec := &fakeExecutor{results: []*models.ToolResult{statusResult("completed")}}
	bus := &capturedNotification{}
	w := NewWorker(s, exec, bus, DefaultConfig())

	job := pollJob(t, s, nil)
	w.Tick(ctx)

	updated, err := s.JobByID(ctx, job.ID)
	if err != nil {
		t.Fatal(err)
	}
	if updated.Status != models.JobCompleted {
		t.Errorf("status = %s", updated.Status)
	}
	if updated.Attempts != 1 {
		t.Errorf("attempts = %d", updated.Attempts)
	}
	if len(exec.calls) != 1 || exec.calls[0].ToolName != "tasks.status" {
		t.Fatalf("executor calls = %+v", exec.calls)
	}
	if exec.calls[0].UserID != "user-1" {
		t.Errorf("user id not propagated: %+v", exec.calls[0])
	}
	if len(bus.notifications) != 1 {
		t.Fatalf("notifications = %+v", bus.notifications)
	}
	if bus.notifications[0].Content != "Task finished with status completed." {
		t.Errorf("notification content = %q", bus.notifications[0].Content)
	}
	if bus.notifications[0].JobID != job.ID {
		t.Errorf("notification job id = %q", bus.notifications[0].JobID)
	}
}

func TestTickReschedulesWhenNotMet(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	exec := &fakeExecutor{results: []*models.ToolResult{statusResult("running")}}
	w := NewWorker(s, exec, &capturedNotification{}, DefaultConfig())

	job := pollJob(t, s, nil)
	before := time.Now().UTC()
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobActive {
		t.Errorf("status = %s", updated.Status)
	}
	if updated.Attempts != 1 {
		t.Errorf("attempts = %d", updated.Attempts)
	}
	if updated.NextRunAt.Before(before.Add(29 * time.Second)) {
		t.Errorf("next_run_at not pushed out: %v", updated.NextRunAt)
	}
}

func TestTickFailsAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	exec := &fakeExecutor{results: []*models.ToolResult{statusResult("running")}}
	bus := &capturedNotification{}
	w := NewWorker(s, exec, bus, DefaultConfig())

	job := pollJob(t, s, func(j *models.ScheduledJob) {
		j.Attempts = 4 // next evaluation is the fifth and last
	})
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobFailed {
		t.Errorf("status = %s", updated.Status)
	}
	if len(bus.notifications) != 1 ||
		!strings.Contains(bus.notifications[0].Content, "timed out after 5 attempts") {
		t.Errorf("failure notification = %+v", bus.notifications)
	}
}

func TestPermanentCheckErrorFailsImmediately(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	exec := &fakeExecutor{errs: []error{errors.New("tool tasks.status not found")}}
	bus := &capturedNotification{}
	w := NewWorker(s, exec, bus, DefaultConfig())

	job := pollJob(t, s, nil)
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobFailed {
		t.Errorf("status = %s, want failed on first attempt", updated.Status)
	}
	if updated.Attempts != 1 {
		t.Errorf("attempts = %d", updated.Attempts)
	}
}

func TestTransientCheckErrorReschedules(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	exec := &fakeExecutor{errs: []error{errors.New("connection refused")}}
	w := NewWorker(s, exec, &capturedNotification{}, DefaultConfig())

	job := pollJob(t, s, nil)
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobActive {
		t.Errorf("status = %s, want still active", updated.Status)
	}
}

func TestDelayJobCompletesOnWallClock(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	w := NewWorker(s, &fakeExecutor{}, &capturedNotification{}, DefaultConfig())

	// Created 61s ago with a 60s delay: first evaluation completes it even
	// though attempts and interval say otherwise.
	job := &models.ScheduledJob{
		UserID:          "user-1",
		Platform:        "discord",
		ChannelID:       "c1",
		Type:            models.JobDelay,
		CheckConfig:     json.RawMessage(`{"delay_seconds":60}`),
		IntervalSeconds: 600,
		MaxAttempts:     10,
		OnComplete:      models.CompleteNotify,
		NextRunAt:       time.Now().UTC().Add(-time.Second),
		CreatedAt:       time.Now().UTC().Add(-61 * time.Second),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobCompleted {
		t.Errorf("status = %s, want completed on first evaluation", updated.Status)
	}
}

func TestDelayJobWaitsUntilElapsed(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	w := NewWorker(s, &fakeExecutor{}, &capturedNotification{}, DefaultConfig())

	job := &models.ScheduledJob{
		UserID:          "user-1",
		Platform:        "discord",
		ChannelID:       "c1",
		Type:            models.JobDelay,
		CheckConfig:     json.RawMessage(`{"delay_seconds":3600}`),
		IntervalSeconds: 60,
		MaxAttempts:     100,
		OnComplete:      models.CompleteNotify,
		NextRunAt:       time.Now().UTC().Add(-time.Second),
		CreatedAt:       time.Now().UTC().Add(-time.Minute),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobActive {
		t.Errorf("status = %s, want still active", updated.Status)
	}
}

func TestPollURLJob(t *testing.T) {
	ctx := context.Background()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"build":{"state":"green"}}`))
	}))
	defer server.Close()

	s := store.NewMemory()
	bus := &capturedNotification{}
	w := NewWorker(s, &fakeExecutor{}, bus, DefaultConfig())

	job := &models.ScheduledJob{
		UserID:    "user-1",
		Platform:  "discord",
		ChannelID: "c1",
		Type:      models.JobPollURL,
		CheckConfig: json.RawMessage(
			`{"url":"` + server.URL + `","response_field":"build.state","response_value":"green"}`),
		IntervalSeconds:  30,
		MaxAttempts:      5,
		OnSuccessMessage: "Build is {result.build.state}.",
		OnComplete:       models.CompleteNotify,
		NextRunAt:        time.Now().UTC().Add(-time.Second),
	}
	if err := s.CreateJob(ctx, job); err != nil {
		t.Fatal(err)
	}
	w.Tick(ctx)

	updated, _ := s.JobByID(ctx, job.ID)
	if updated.Status != models.JobCompleted {
		t.Fatalf("status = %s", updated.Status)
	}
	if len(bus.notifications) != 1 || bus.notifications[0].Content != "Build is green." {
		t.Errorf("notifications = %+v", bus.notifications)
	}
}

func TestResumeConversationPublishesAgentResponse(t *testing.T) {
	ctx := context.Background()

	var received models.ContinueRequest
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/continue" {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("auth header = %q", got)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Error(err)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(models.AgentResponse{Content: "task t1 is done, logs archived"})
	}))
	defer orchestrator.Close()

	s := store.NewMemory()
	exec := &fakeExecutor{results: []*models.ToolResult{statusResult("completed")}}
	bus := &capturedNotification{}
	cfg := DefaultConfig()
	cfg.OrchestratorURL = orchestrator.URL
	cfg.ServiceToken = "tok"
	w := NewWorker(s, exec, bus, cfg)

	job := pollJob(t, s, func(j *models.ScheduledJob) {
		j.OnComplete = models.CompleteResume
		j.WorkflowID = "wf-1"
	})
	w.Tick(ctx)

	if received.JobID != job.ID || received.WorkflowID != "wf-1" {
		t.Errorf("continue request = %+v", received)
	}
	if received.ResultData["status"] != "completed" {
		t.Errorf("result data = %+v", received.ResultData)
	}
	if len(bus.notifications) != 1 ||
		bus.notifications[0].Content != "task t1 is done, logs archived" {
		t.Errorf("notifications = %+v", bus.notifications)
	}
}

func TestResumeFailureFallsBackToNotification(t *testing.T) {
	ctx := context.Background()
	orchestrator := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer orchestrator.Close()

	s := store.NewMemory()
	exec := &fakeExecutor{results: []*models.ToolResult{statusResult("completed")}}
	bus := &capturedNotification{}
	cfg := DefaultConfig()
	cfg.OrchestratorURL = orchestrator.URL
	w := NewWorker(s, exec, bus, cfg)

	pollJob(t, s, func(j *models.ScheduledJob) {
		j.OnComplete = models.CompleteResume
	})
	w.Tick(ctx)

	if len(bus.notifications) != 1 {
		t.Fatalf("notifications = %+v", bus.notifications)
	}
	content := bus.notifications[0].Content
	if !strings.Contains(content, "Task finished with status completed.") ||
		!strings.Contains(content, "Automatic follow-up failed") {
		t.Errorf("fallback content = %q", content)
	}
}

func TestTickSkipsJobCompletedBetweenQueryAndEvaluation(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	exec := &fakeExecutor{results: []*models.ToolResult{statusResult("completed")}}
	w := NewWorker(s, exec, &capturedNotification{}, DefaultConfig())

	job := pollJob(t, s, nil)
	done := time.Now().UTC()
	job.Status = models.JobCompleted
	job.CompletedAt = &done
	if err := s.UpdateJob(ctx, job); err != nil {
		t.Fatal(err)
	}

	w.Tick(ctx)
	if len(exec.calls) != 0 {
		t.Errorf("completed job was evaluated: %+v", exec.calls)
	}
}

func TestWorkflowCancellationClearsActiveJobs(t *testing.T) {
	ctx := context.Background()
	s := store.NewMemory()
	for i := 0; i < 3; i++ {
		pollJob(t, s, func(j *models.ScheduledJob) { j.WorkflowID = "wf-9" })
	}
	w := NewWorker(s, &fakeExecutor{}, nil, DefaultConfig())
	n, err := w.CancelWorkflow(ctx, "wf-9")
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 {
		t.Errorf("cancelled = %d, want 3", n)
	}
	due, _ := s.DueJobs(ctx, time.Now().UTC().Add(time.Hour))
	for _, job := range due {
		if job.WorkflowID == "wf-9" {
			t.Errorf("active job survived cancellation: %+v", job)
		}
	}
}
