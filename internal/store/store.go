// Package store persists users, conversations, messages, memories, token
// logs, and scheduled jobs. Postgres (with pgvector) is the production
// backend; Memory backs tests.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/opalhq/opal/pkg/models"
)

// ErrNotFound is returned when a lookup matches no row.
var ErrNotFound = errors.New("store: not found")

// Store is the persistence interface the core runs against.
type Store interface {
	UserStore
	PersonaStore
	ConversationStore
	MemoryStore
	JobStore

	// Close releases the underlying connections.
	Close()
}

// UserStore resolves and mutates user identity and budget state.
type UserStore interface {
	// UserByPlatformID resolves a platform identity to its user, or
	// ErrNotFound when no link exists.
	UserByPlatformID(ctx context.Context, platform, platformUserID string) (*models.User, *models.PlatformLink, error)

	// CreateGuestUser creates a guest user plus its platform link.
	CreateGuestUser(ctx context.Context, platform, platformUserID, username string, tokenBudget int64) (*models.User, error)

	// UserByID loads a user by id.
	UserByID(ctx context.Context, id string) (*models.User, error)

	// UpdatePlatformUsername refreshes the stored username for a link.
	UpdatePlatformUsername(ctx context.Context, platform, platformUserID, username string) error

	// ResetUserBudget zeroes tokens_used_this_month and stamps budget_reset_at.
	ResetUserBudget(ctx context.Context, userID string, at time.Time) error

	// AddTokensUsed increments tokens_used_this_month.
	AddTokensUsed(ctx context.Context, userID string, tokens int64) error
}

// PersonaStore resolves personas.
type PersonaStore interface {
	// ResolvePersona prefers a persona bound to (platform, serverID), then
	// one bound to platform alone, then the global default. Returns
	// ErrNotFound when none match.
	ResolvePersona(ctx context.Context, platform, serverID string) (*models.Persona, error)
}

// ConversationStore owns conversations, their messages, token logs, and
// file records.
type ConversationStore interface {
	// ActiveConversation finds the conversation for the channel/thread whose
	// last activity is at or after the cutoff, or ErrNotFound.
	ActiveConversation(ctx context.Context, userID, platform, channelID, threadID string, activeSince time.Time) (*models.Conversation, error)

	// CreateConversation persists a new conversation.
	CreateConversation(ctx context.Context, conv *models.Conversation) error

	// TouchConversation updates last_active_at.
	TouchConversation(ctx context.Context, conversationID string, at time.Time) error

	// MarkConversationSummarized flips is_summarized.
	MarkConversationSummarized(ctx context.Context, conversationID string) error

	// InsertMessage persists a message.
	InsertMessage(ctx context.Context, msg *models.Message) error

	// RecentMessages returns the newest limit messages, oldest first.
	RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error)

	// InsertTokenLog persists a token accounting row.
	InsertTokenLog(ctx context.Context, log *models.TokenLog) error

	// InsertFileRecord persists an attachment record.
	InsertFileRecord(ctx context.Context, rec *models.FileRecord) error
}

// MemoryStore owns semantic memory summaries.
type MemoryStore interface {
	// InsertSummary persists a memory summary with its embedding.
	InsertSummary(ctx context.Context, summary *models.MemorySummary) error

	// LatestSummary returns the newest summary for a conversation, or
	// ErrNotFound.
	LatestSummary(ctx context.Context, conversationID string) (*models.MemorySummary, error)

	// SimilarSummaries returns up to limit of the user's summaries whose
	// cosine distance to the embedding is below maxDistance, nearest first.
	// The distance filter is applied inside the query.
	SimilarSummaries(ctx context.Context, userID string, embedding []float32, maxDistance float64, limit int) ([]models.MemorySummary, error)
}

// JobStore owns scheduled jobs.
type JobStore interface {
	// CreateJob persists a scheduled job.
	CreateJob(ctx context.Context, job *models.ScheduledJob) error

	// JobByID loads one job, or ErrNotFound.
	JobByID(ctx context.Context, id string) (*models.ScheduledJob, error)

	// DueJobs returns active jobs with next_run_at at or before now.
	DueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error)

	// UpdateJob persists the job's mutable fields: status, attempts,
	// next_run_at, completed_at.
	UpdateJob(ctx context.Context, job *models.ScheduledJob) error

	// CancelWorkflow cancels all active jobs in a workflow group and
	// returns how many were cancelled.
	CancelWorkflow(ctx context.Context, workflowID string, at time.Time) (int, error)
}
