package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/opalhq/opal/pkg/models"
)

// schema is applied idempotently at startup. The vector extension backs
// cosine-distance lookups over memory summaries.
const schema = `
CREATE EXTENSION IF NOT EXISTS vector;

CREATE TABLE IF NOT EXISTS users (
    id UUID PRIMARY KEY,
    permission_level TEXT NOT NULL DEFAULT 'guest',
    monthly_token_budget BIGINT,
    tokens_used_this_month BIGINT NOT NULL DEFAULT 0,
    budget_reset_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS platform_links (
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    platform TEXT NOT NULL,
    platform_user_id TEXT NOT NULL,
    platform_username TEXT,
    PRIMARY KEY (platform, platform_user_id)
);

CREATE TABLE IF NOT EXISTS personas (
    id UUID PRIMARY KEY,
    name TEXT NOT NULL,
    system_prompt TEXT NOT NULL,
    allowed_modules TEXT[] NOT NULL DEFAULT '{}',
    default_model TEXT,
    max_tokens_per_request INT,
    is_default BOOLEAN NOT NULL DEFAULT false,
    platform TEXT,
    platform_server_id TEXT
);

CREATE UNIQUE INDEX IF NOT EXISTS personas_single_default
    ON personas (is_default) WHERE is_default;

CREATE TABLE IF NOT EXISTS conversations (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    persona_id UUID REFERENCES personas(id) ON DELETE SET NULL,
    platform TEXT NOT NULL,
    platform_channel_id TEXT NOT NULL,
    platform_thread_id TEXT,
    started_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    last_active_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    is_summarized BOOLEAN NOT NULL DEFAULT false,
    title TEXT
);

CREATE INDEX IF NOT EXISTS conversations_channel_activity
    ON conversations (platform, platform_channel_id, last_active_at DESC);

CREATE TABLE IF NOT EXISTS messages (
    id UUID PRIMARY KEY,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    role TEXT NOT NULL,
    content TEXT NOT NULL,
    token_count INT,
    model_used TEXT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS messages_conversation_created
    ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS memory_summaries (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    conversation_id UUID REFERENCES conversations(id) ON DELETE SET NULL,
    summary TEXT NOT NULL,
    embedding vector(1536),
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS token_logs (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
    model TEXT NOT NULL,
    input_tokens INT NOT NULL,
    output_tokens INT NOT NULL,
    cost_estimate DOUBLE PRECISION NOT NULL DEFAULT 0,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS file_records (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    filename TEXT NOT NULL,
    url TEXT NOT NULL,
    mime_type TEXT,
    size BIGINT,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS scheduled_jobs (
    id UUID PRIMARY KEY,
    user_id UUID NOT NULL REFERENCES users(id) ON DELETE CASCADE,
    platform TEXT NOT NULL,
    platform_channel_id TEXT NOT NULL,
    platform_thread_id TEXT,
    job_type TEXT NOT NULL,
    check_config JSONB NOT NULL DEFAULT '{}',
    interval_seconds INT NOT NULL,
    max_attempts INT NOT NULL,
    attempts INT NOT NULL DEFAULT 0,
    on_success_message TEXT NOT NULL,
    on_failure_message TEXT,
    on_complete TEXT NOT NULL,
    workflow_id TEXT,
    status TEXT NOT NULL DEFAULT 'active',
    next_run_at TIMESTAMPTZ,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS scheduled_jobs_due
    ON scheduled_jobs (next_run_at) WHERE status = 'active';
`

// Postgres is the pgx-backed Store.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// NewPostgres connects to the database and applies the schema.
func NewPostgres(ctx context.Context, databaseURL string) (*Postgres, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close implements Store.
func (s *Postgres) Close() { s.pool.Close() }

// Pool exposes the underlying pool for health checks.
func (s *Postgres) Pool() *pgxpool.Pool { return s.pool }

func (s *Postgres) UserByPlatformID(ctx context.Context, platform, platformUserID string) (*models.User, *models.PlatformLink, error) {
	var (
		user models.User
		link models.PlatformLink
	)
	err := s.pool.QueryRow(ctx, `
		SELECT u.id, u.permission_level, u.monthly_token_budget, u.tokens_used_this_month,
		       u.budget_reset_at, u.created_at,
		       l.user_id, l.platform, l.platform_user_id, COALESCE(l.platform_username, '')
		FROM platform_links l
		JOIN users u ON u.id = l.user_id
		WHERE l.platform = $1 AND l.platform_user_id = $2`,
		platform, platformUserID,
	).Scan(&user.ID, &user.Permission, &user.MonthlyTokenBudget, &user.TokensUsedThisMonth,
		&user.BudgetResetAt, &user.CreatedAt,
		&link.UserID, &link.Platform, &link.PlatformUserID, &link.PlatformUsername)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, err
	}
	return &user, &link, nil
}

func (s *Postgres) CreateGuestUser(ctx context.Context, platform, platformUserID, username string, tokenBudget int64) (*models.User, error) {
	user := &models.User{
		ID:                 newID(),
		Permission:         models.PermissionGuest,
		MonthlyTokenBudget: &tokenBudget,
		BudgetResetAt:      time.Now().UTC(),
		CreatedAt:          time.Now().UTC(),
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	if _, err := tx.Exec(ctx, `
		INSERT INTO users (id, permission_level, monthly_token_budget, budget_reset_at, created_at)
		VALUES ($1, $2, $3, $4, $5)`,
		user.ID, user.Permission, user.MonthlyTokenBudget, user.BudgetResetAt, user.CreatedAt,
	); err != nil {
		return nil, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO platform_links (user_id, platform, platform_user_id, platform_username)
		VALUES ($1, $2, $3, NULLIF($4, ''))`,
		user.ID, platform, platformUserID, username,
	); err != nil {
		return nil, err
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return user, nil
}

func (s *Postgres) UserByID(ctx context.Context, id string) (*models.User, error) {
	var user models.User
	err := s.pool.QueryRow(ctx, `
		SELECT id, permission_level, monthly_token_budget, tokens_used_this_month, budget_reset_at, created_at
		FROM users WHERE id = $1`, id,
	).Scan(&user.ID, &user.Permission, &user.MonthlyTokenBudget, &user.TokensUsedThisMonth,
		&user.BudgetResetAt, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *Postgres) UpdatePlatformUsername(ctx context.Context, platform, platformUserID, username string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE platform_links SET platform_username = $3
		WHERE platform = $1 AND platform_user_id = $2`,
		platform, platformUserID, username)
	return err
}

func (s *Postgres) ResetUserBudget(ctx context.Context, userID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET tokens_used_this_month = 0, budget_reset_at = $2 WHERE id = $1`,
		userID, at)
	return err
}

func (s *Postgres) AddTokensUsed(ctx context.Context, userID string, tokens int64) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE users SET tokens_used_this_month = tokens_used_this_month + $2 WHERE id = $1`,
		userID, tokens)
	return err
}

func (s *Postgres) ResolvePersona(ctx context.Context, platform, serverID string) (*models.Persona, error) {
	// Binding specificity wins: (platform, server) > platform > default.
	var p models.Persona
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, system_prompt, allowed_modules, COALESCE(default_model, ''),
		       COALESCE(max_tokens_per_request, 0), is_default,
		       COALESCE(platform, ''), COALESCE(platform_server_id, '')
		FROM personas
		WHERE (platform = $1 AND platform_server_id = $2)
		   OR (platform = $1 AND platform_server_id IS NULL)
		   OR is_default
		ORDER BY (platform_server_id IS NOT NULL) DESC,
		         (platform IS NOT NULL) DESC,
		         is_default DESC
		LIMIT 1`,
		platform, serverID,
	).Scan(&p.ID, &p.Name, &p.SystemPrompt, &p.AllowedModules, &p.DefaultModel,
		&p.MaxTokensPerRequest, &p.IsDefault, &p.Platform, &p.PlatformServerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Postgres) ActiveConversation(ctx context.Context, userID, platform, channelID, threadID string, activeSince time.Time) (*models.Conversation, error) {
	var c models.Conversation
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(persona_id::text, ''), platform, platform_channel_id,
		       COALESCE(platform_thread_id, ''), started_at, last_active_at, is_summarized,
		       COALESCE(title, '')
		FROM conversations
		WHERE user_id = $1 AND platform = $2 AND platform_channel_id = $3
		  AND COALESCE(platform_thread_id, '') = $4
		  AND last_active_at >= $5
		ORDER BY last_active_at DESC
		LIMIT 1`,
		userID, platform, channelID, threadID, activeSince,
	).Scan(&c.ID, &c.UserID, &c.PersonaID, &c.Platform, &c.ChannelID,
		&c.ThreadID, &c.StartedAt, &c.LastActiveAt, &c.IsSummarized, &c.Title)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Postgres) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.ID == "" {
		conv.ID = newID()
	}
	now := time.Now().UTC()
	if conv.StartedAt.IsZero() {
		conv.StartedAt = now
	}
	if conv.LastActiveAt.IsZero() {
		conv.LastActiveAt = now
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO conversations
		    (id, user_id, persona_id, platform, platform_channel_id, platform_thread_id,
		     started_at, last_active_at, is_summarized, title)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5, NULLIF($6, ''), $7, $8, $9, NULLIF($10, ''))`,
		conv.ID, conv.UserID, conv.PersonaID, conv.Platform, conv.ChannelID, conv.ThreadID,
		conv.StartedAt, conv.LastActiveAt, conv.IsSummarized, conv.Title)
	return err
}

func (s *Postgres) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET last_active_at = $2 WHERE id = $1`, conversationID, at)
	return err
}

func (s *Postgres) MarkConversationSummarized(ctx context.Context, conversationID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE conversations SET is_summarized = true WHERE id = $1`, conversationID)
	return err
}

func (s *Postgres) InsertMessage(ctx context.Context, msg *models.Message) error {
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO messages (id, conversation_id, role, content, token_count, model_used, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, 0), NULLIF($6, ''), $7)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.TokenCount, msg.ModelUsed, msg.CreatedAt)
	return err
}

func (s *Postgres) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, conversation_id, role, content, COALESCE(token_count, 0),
		       COALESCE(model_used, ''), created_at
		FROM (
		    SELECT * FROM messages
		    WHERE conversation_id = $1
		    ORDER BY created_at DESC, id DESC
		    LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`,
		conversationID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		var m models.Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content,
			&m.TokenCount, &m.ModelUsed, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) InsertTokenLog(ctx context.Context, log *models.TokenLog) error {
	if log.ID == "" {
		log.ID = newID()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO token_logs (id, user_id, conversation_id, model, input_tokens, output_tokens, cost_estimate, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		log.ID, log.UserID, log.ConversationID, log.Model, log.InputTokens, log.OutputTokens,
		log.CostEstimate, log.CreatedAt)
	return err
}

func (s *Postgres) InsertFileRecord(ctx context.Context, rec *models.FileRecord) error {
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO file_records (id, user_id, filename, url, mime_type, size, created_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), NULLIF($6, 0), $7)`,
		rec.ID, rec.UserID, rec.Filename, rec.URL, rec.MimeType, rec.Size, rec.CreatedAt)
	return err
}

func (s *Postgres) InsertSummary(ctx context.Context, summary *models.MemorySummary) error {
	if summary.ID == "" {
		summary.ID = newID()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO memory_summaries (id, user_id, conversation_id, summary, embedding, created_at)
		VALUES ($1, $2, NULLIF($3, '')::uuid, $4, $5::vector, $6)`,
		summary.ID, summary.UserID, summary.ConversationID, summary.Summary,
		embeddingParam(summary.Embedding), summary.CreatedAt)
	return err
}

func (s *Postgres) LatestSummary(ctx context.Context, conversationID string) (*models.MemorySummary, error) {
	var m models.MemorySummary
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, COALESCE(conversation_id::text, ''), summary, created_at
		FROM memory_summaries
		WHERE conversation_id = $1
		ORDER BY created_at DESC
		LIMIT 1`, conversationID,
	).Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Summary, &m.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *Postgres) SimilarSummaries(ctx context.Context, userID string, embedding []float32, maxDistance float64, limit int) ([]models.MemorySummary, error) {
	// The distance threshold lives inside the query so irrelevant memories
	// never surface even when fewer than limit remain.
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, COALESCE(conversation_id::text, ''), summary, created_at
		FROM memory_summaries
		WHERE user_id = $1
		  AND embedding IS NOT NULL
		  AND embedding <=> $2::vector < $3
		ORDER BY embedding <=> $2::vector
		LIMIT $4`,
		userID, vectorLiteral(embedding), maxDistance, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.MemorySummary
	for rows.Next() {
		var m models.MemorySummary
		if err := rows.Scan(&m.ID, &m.UserID, &m.ConversationID, &m.Summary, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Postgres) CreateJob(ctx context.Context, job *models.ScheduledJob) error {
	if job.ID == "" {
		job.ID = newID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobActive
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO scheduled_jobs
		    (id, user_id, platform, platform_channel_id, platform_thread_id, job_type,
		     check_config, interval_seconds, max_attempts, attempts, on_success_message,
		     on_failure_message, on_complete, workflow_id, status, next_run_at, created_at, completed_at)
		VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6, $7, $8, $9, $10, $11,
		        NULLIF($12, ''), $13, NULLIF($14, ''), $15, $16, $17, $18)`,
		job.ID, job.UserID, job.Platform, job.ChannelID, job.ThreadID, job.Type,
		job.CheckConfig, job.IntervalSeconds, job.MaxAttempts, job.Attempts, job.OnSuccessMessage,
		job.OnFailureMessage, job.OnComplete, job.WorkflowID, job.Status, job.NextRunAt,
		job.CreatedAt, job.CompletedAt)
	return err
}

func (s *Postgres) JobByID(ctx context.Context, id string) (*models.ScheduledJob, error) {
	job, err := scanJob(s.pool.QueryRow(ctx, selectJob+` WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	return job, err
}

const selectJob = `
	SELECT id, user_id, platform, platform_channel_id, COALESCE(platform_thread_id, ''),
	       job_type, check_config, interval_seconds, max_attempts, attempts,
	       on_success_message, COALESCE(on_failure_message, ''), on_complete,
	       COALESCE(workflow_id, ''), status, COALESCE(next_run_at, 'epoch'::timestamptz),
	       created_at, completed_at
	FROM scheduled_jobs`

func scanJob(row pgx.Row) (*models.ScheduledJob, error) {
	var j models.ScheduledJob
	err := row.Scan(&j.ID, &j.UserID, &j.Platform, &j.ChannelID, &j.ThreadID,
		&j.Type, &j.CheckConfig, &j.IntervalSeconds, &j.MaxAttempts, &j.Attempts,
		&j.OnSuccessMessage, &j.OnFailureMessage, &j.OnComplete,
		&j.WorkflowID, &j.Status, &j.NextRunAt, &j.CreatedAt, &j.CompletedAt)
	if err != nil {
		return nil, err
	}
	return &j, nil
}

func (s *Postgres) DueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	rows, err := s.pool.Query(ctx, selectJob+`
		WHERE status = 'active' AND next_run_at <= $1
		ORDER BY next_run_at ASC`, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.ScheduledJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *job)
	}
	return out, rows.Err()
}

func (s *Postgres) UpdateJob(ctx context.Context, job *models.ScheduledJob) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = $2, attempts = $3, next_run_at = $4, completed_at = $5
		WHERE id = $1`,
		job.ID, job.Status, job.Attempts, job.NextRunAt, job.CompletedAt)
	return err
}

func (s *Postgres) CancelWorkflow(ctx context.Context, workflowID string, at time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = 'cancelled', completed_at = $2
		WHERE workflow_id = $1 AND status = 'active'`,
		workflowID, at)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// embeddingParam renders a pgvector input literal, or SQL NULL when there is
// no embedding. pgvector rejects zero-dimension literals, so "[]" is never a
// valid value for the embedding column.
func embeddingParam(v []float32) any {
	if len(v) == 0 {
		return nil
	}
	return vectorLiteral(v)
}

// vectorLiteral renders a pgvector input literal.
func vectorLiteral(v []float32) string {
	var b strings.Builder
	b.WriteByte('[')
	for i, f := range v {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(float64(f), 'f', -1, 32))
	}
	b.WriteByte(']')
	return b.String()
}
