// Package scheduler runs persistent background jobs: polling module tools and
// URLs, wall-clock delays, and externally fired webhooks. Completed jobs
// notify the user or resume their conversation through the orchestrator.
package scheduler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/opalhq/opal/internal/notify"
	"github.com/opalhq/opal/internal/observability"
	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

// Config tunes the worker.
type Config struct {
	// Interval is the main loop tick.
	Interval time.Duration
	// OrchestratorURL is the base URL for /continue calls.
	OrchestratorURL string
	// ServiceToken authenticates /continue calls.
	ServiceToken string
	// ContinueTimeout bounds one /continue call. The re-entrant agent loop
	// may run several model iterations, so this stays generous.
	ContinueTimeout time.Duration
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		Interval:        10 * time.Second,
		ContinueTimeout: 180 * time.Second,
	}
}

// Worker evaluates due jobs and dispatches their completions.
type Worker struct {
	store      store.Store
	tools      ToolExecutor
	bus        notify.Publisher
	cfg        Config
	httpClient *http.Client

	logger  *slog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

// Option customizes a Worker.
type Option func(*Worker)

// WithLogger sets the worker logger.
func WithLogger(logger *slog.Logger) Option {
	return func(w *Worker) { w.logger = logger }
}

// WithMetrics enables evaluation metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithClock overrides the time source, used by tests.
func WithClock(now func() time.Time) Option {
	return func(w *Worker) { w.now = now }
}

// WithHTTPClient overrides the HTTP client for polls and /continue calls.
func WithHTTPClient(client *http.Client) Option {
	return func(w *Worker) { w.httpClient = client }
}

// NewWorker creates a Worker.
func NewWorker(st store.Store, tools ToolExecutor, bus notify.Publisher, cfg Config, opts ...Option) *Worker {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.ContinueTimeout < 180*time.Second {
		cfg.ContinueTimeout = 180 * time.Second
	}
	w := &Worker{
		store:      st,
		tools:      tools,
		bus:        bus,
		cfg:        cfg,
		// Deadlines are per request: polls are bounded tightly, /continue
		// generously. A client-level timeout would cap both.
		httpClient: &http.Client{},
		logger:     slog.Default(),
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(w)
	}
	w.logger = w.logger.With("component", "scheduler")
	return w
}

// Run ticks until the context is cancelled. Due jobs are processed
// sequentially per tick; ticks never overlap.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("scheduler worker started", "interval", w.cfg.Interval)
	ticker := time.NewTicker(w.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("scheduler worker stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick evaluates every currently due job once.
func (w *Worker) Tick(ctx context.Context) {
	now := w.now()
	due, err := w.store.DueJobs(ctx, now)
	if err != nil {
		w.logger.Error("due job query failed", "error", err)
		return
	}
	for i := range due {
		// Re-read the row: the job may have completed or been cancelled
		// between the due query and this evaluation.
		job, err := w.store.JobByID(ctx, due[i].ID)
		if err != nil {
			w.logger.Warn("job re-read failed", "job_id", due[i].ID, "error", err)
			continue
		}
		if job.Status != models.JobActive || job.NextRunAt.After(now) {
			continue
		}
		w.evaluateJob(ctx, job)
	}
}

// CancelWorkflow cancels every active job in a workflow group and returns
// how many were cancelled. Already-completed members are untouched.
func (w *Worker) CancelWorkflow(ctx context.Context, workflowID string) (int, error) {
	n, err := w.store.CancelWorkflow(ctx, workflowID, w.now())
	if err != nil {
		return 0, fmt.Errorf("cancel workflow %s: %w", workflowID, err)
	}
	w.logger.Info("workflow cancelled", "workflow_id", workflowID, "jobs", n)
	return n, nil
}

func (w *Worker) evaluateJob(ctx context.Context, job *models.ScheduledJob) {
	job.Attempts++

	outcome, err := w.evaluate(ctx, job)
	switch {
	case err != nil && isPermanentCheck(err):
		w.logger.Warn("job check failed permanently",
			"job_id", job.ID, "job_type", job.Type, "error", err)
		w.failJob(ctx, job, w.failureMessage(job), nil)
		w.observeJob(job, "permanent_error")

	case err != nil:
		w.logger.Warn("job check failed",
			"job_id", job.ID, "job_type", job.Type, "attempt", job.Attempts, "error", err)
		if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
			w.failJob(ctx, job, w.timeoutMessage(job), nil)
			w.observeJob(job, "failed")
			return
		}
		w.reschedule(ctx, job)
		w.observeJob(job, "transient_error")

	case outcome.Met:
		w.completeJob(ctx, job, outcome.Result)
		w.observeJob(job, "completed")

	default:
		if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
			w.failJob(ctx, job, w.timeoutMessage(job), outcome.Result)
			w.observeJob(job, "failed")
			return
		}
		w.reschedule(ctx, job)
		w.observeJob(job, "pending")
	}
}

func isPermanentCheck(err error) bool {
	ce, ok := err.(*CheckError)
	return ok && ce.Permanent
}

func (w *Worker) reschedule(ctx context.Context, job *models.ScheduledJob) {
	job.NextRunAt = w.now().Add(time.Duration(job.IntervalSeconds) * time.Second)
	if err := w.store.UpdateJob(ctx, job); err != nil {
		w.logger.Error("job reschedule failed", "job_id", job.ID, "error", err)
	}
}

// completeJob transitions the job before dispatching so notifications always
// follow the committed state change.
func (w *Worker) completeJob(ctx context.Context, job *models.ScheduledJob, result map[string]any) {
	now := w.now()
	job.Status = models.JobCompleted
	job.CompletedAt = &now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		w.logger.Error("job completion update failed", "job_id", job.ID, "error", err)
		return
	}

	message := job.OnSuccessMessage
	if message == "" {
		message = "Scheduled job completed."
	}
	message = Interpolate(message, job.ID, job.WorkflowID, result)
	w.logger.Info("job completed",
		"job_id", job.ID, "job_type", job.Type, "attempts", job.Attempts)
	w.dispatch(ctx, job, message, result)
}

func (w *Worker) failJob(ctx context.Context, job *models.ScheduledJob, message string, result map[string]any) {
	now := w.now()
	job.Status = models.JobFailed
	job.CompletedAt = &now
	if err := w.store.UpdateJob(ctx, job); err != nil {
		w.logger.Error("job failure update failed", "job_id", job.ID, "error", err)
		return
	}
	w.notifyUser(ctx, job, Interpolate(message, job.ID, job.WorkflowID, result))
}

func (w *Worker) failureMessage(job *models.ScheduledJob) string {
	if job.OnFailureMessage != "" {
		return job.OnFailureMessage
	}
	return "Scheduled job failed: the checked resource was not found."
}

func (w *Worker) timeoutMessage(job *models.ScheduledJob) string {
	if job.OnFailureMessage != "" {
		return job.OnFailureMessage
	}
	return fmt.Sprintf("Scheduled job timed out after %d attempts.", job.Attempts)
}

// dispatch routes a completion per the job's on_complete mode. A failed
// resume falls back to a plain notification so the user is never left
// waiting silently.
func (w *Worker) dispatch(ctx context.Context, job *models.ScheduledJob, message string, result map[string]any) {
	if job.OnComplete == models.CompleteResume {
		response, err := w.resumeConversation(ctx, job, message, result)
		if err == nil {
			w.notifyUser(ctx, job, response)
			return
		}
		w.logger.Warn("conversation resume failed",
			"job_id", job.ID, "error", err)
		message = message + "\n(Automatic follow-up failed; resume the conversation manually if needed.)"
	}
	w.notifyUser(ctx, job, message)
}

func (w *Worker) notifyUser(ctx context.Context, job *models.ScheduledJob, content string) {
	if w.bus == nil || content == "" {
		return
	}
	err := w.bus.Publish(ctx, models.Notification{
		Platform:  job.Platform,
		ChannelID: job.ChannelID,
		ThreadID:  job.ThreadID,
		Content:   content,
		UserID:    job.UserID,
		JobID:     job.ID,
	})
	if err != nil {
		w.logger.Error("notification publish failed", "job_id", job.ID, "error", err)
	}
}

// resumeConversation posts to the orchestrator's /continue endpoint and
// returns the agent's response text.
func (w *Worker) resumeConversation(ctx context.Context, job *models.ScheduledJob, message string, result map[string]any) (string, error) {
	if w.cfg.OrchestratorURL == "" {
		return "", fmt.Errorf("orchestrator url not configured")
	}

	body, err := json.Marshal(models.ContinueRequest{
		Platform:   job.Platform,
		ChannelID:  job.ChannelID,
		ThreadID:   job.ThreadID,
		UserID:     job.UserID,
		Content:    message,
		JobID:      job.ID,
		WorkflowID: job.WorkflowID,
		ResultData: result,
	})
	if err != nil {
		return "", fmt.Errorf("marshal continue request: %w", err)
	}

	callCtx, cancel := context.WithTimeout(ctx, w.cfg.ContinueTimeout)
	defer cancel()
	url := strings.TrimRight(w.cfg.OrchestratorURL, "/") + "/continue"
	req, err := http.NewRequestWithContext(callCtx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build continue request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if w.cfg.ServiceToken != "" {
		req.Header.Set("Authorization", "Bearer "+w.cfg.ServiceToken)
	}

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("continue call: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("continue call returned status %d", resp.StatusCode)
	}

	var agentResp models.AgentResponse
	if err := json.NewDecoder(resp.Body).Decode(&agentResp); err != nil {
		return "", fmt.Errorf("decode continue response: %w", err)
	}
	if agentResp.Error != "" {
		return "", fmt.Errorf("continue processing failed: %s", agentResp.Error)
	}
	return agentResp.Content, nil
}

func (w *Worker) observeJob(job *models.ScheduledJob, outcome string) {
	if w.metrics != nil {
		w.metrics.JobEvaluations.WithLabelValues(string(job.Type), outcome).Inc()
	}
}
