package models

import (
	"encoding/json"
	"time"
)

// JobType identifies the evaluation strategy for a scheduled job.
type JobType string

const (
	JobPollModule JobType = "poll_module"
	JobDelay      JobType = "delay"
	JobPollURL    JobType = "poll_url"
	JobWebhook    JobType = "webhook"
)

// JobStatus is the lifecycle state of a scheduled job.
type JobStatus string

const (
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// OnComplete selects what happens when a job's condition is met.
type OnComplete string

const (
	// CompleteNotify publishes the completion message to the notification bus.
	CompleteNotify OnComplete = "notify"
	// CompleteResume re-enters the agent loop with a synthetic continuation
	// message via the orchestrator's /continue endpoint.
	CompleteResume OnComplete = "resume_conversation"
)

// ScheduledJob is a persistent background job evaluated by the scheduler
// worker. Active jobs always carry a next run time; terminal jobs carry a
// completion time.
type ScheduledJob struct {
	ID               string          `json:"id"`
	UserID           string          `json:"user_id"`
	Platform         string          `json:"platform"`
	ChannelID        string          `json:"platform_channel_id"`
	ThreadID         string          `json:"platform_thread_id,omitempty"`
	Type             JobType         `json:"job_type"`
	CheckConfig      json.RawMessage `json:"check_config"`
	IntervalSeconds  int             `json:"interval_seconds"`
	MaxAttempts      int             `json:"max_attempts"`
	Attempts         int             `json:"attempts"`
	OnSuccessMessage string          `json:"on_success_message"`
	OnFailureMessage string          `json:"on_failure_message,omitempty"`
	OnComplete       OnComplete      `json:"on_complete"`
	WorkflowID       string          `json:"workflow_id,omitempty"`
	Status           JobStatus       `json:"status"`
	NextRunAt        time.Time       `json:"next_run_at"`
	CreatedAt        time.Time       `json:"created_at"`
	CompletedAt      *time.Time      `json:"completed_at,omitempty"`
}

// Terminal reports whether the job is in a final state.
func (s JobStatus) Terminal() bool {
	switch s {
	case JobCompleted, JobFailed, JobCancelled:
		return true
	default:
		return false
	}
}

// Notification is published on the bus channel notifications:<platform> and
// delivered by the platform's chat adapter.
type Notification struct {
	Platform  string `json:"platform"`
	ChannelID string `json:"platform_channel_id"`
	ThreadID  string `json:"platform_thread_id,omitempty"`
	Content   string `json:"content"`
	UserID    string `json:"user_id,omitempty"`
	JobID     string `json:"job_id,omitempty"`
}

// ContinueRequest is the payload the scheduler posts to the orchestrator's
// /continue endpoint to resume a conversation after job completion.
type ContinueRequest struct {
	Platform   string         `json:"platform"`
	ChannelID  string         `json:"platform_channel_id"`
	ThreadID   string         `json:"platform_thread_id,omitempty"`
	UserID     string         `json:"user_id"`
	Content    string         `json:"content"`
	JobID      string         `json:"job_id,omitempty"`
	WorkflowID string         `json:"workflow_id,omitempty"`
	ResultData map[string]any `json:"result_data,omitempty"`
}
