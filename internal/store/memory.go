package store

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/opalhq/opal/pkg/models"
)

func newID() string { return uuid.NewString() }

// Memory is an in-process Store used by tests and local development.
type Memory struct {
	mu sync.RWMutex

	users         map[string]*models.User
	links         map[string]*models.PlatformLink // keyed platform|platform_user_id
	personas      []models.Persona
	conversations map[string]*models.Conversation
	messages      map[string][]models.Message // keyed conversation id
	summaries     []models.MemorySummary
	tokenLogs     []models.TokenLog
	fileRecords   []models.FileRecord
	jobs          map[string]*models.ScheduledJob
}

var _ Store = (*Memory)(nil)

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		users:         make(map[string]*models.User),
		links:         make(map[string]*models.PlatformLink),
		conversations: make(map[string]*models.Conversation),
		messages:      make(map[string][]models.Message),
		jobs:          make(map[string]*models.ScheduledJob),
	}
}

// Close implements Store.
func (s *Memory) Close() {}

// AddPersona seeds a persona.
func (s *Memory) AddPersona(p models.Persona) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = newID()
	}
	s.personas = append(s.personas, p)
}

func linkKey(platform, platformUserID string) string {
	return platform + "|" + platformUserID
}

func (s *Memory) UserByPlatformID(ctx context.Context, platform, platformUserID string) (*models.User, *models.PlatformLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	link, ok := s.links[linkKey(platform, platformUserID)]
	if !ok {
		return nil, nil, ErrNotFound
	}
	user, ok := s.users[link.UserID]
	if !ok {
		return nil, nil, ErrNotFound
	}
	u := *user
	l := *link
	return &u, &l, nil
}

func (s *Memory) CreateGuestUser(ctx context.Context, platform, platformUserID, username string, tokenBudget int64) (*models.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	budget := tokenBudget
	user := &models.User{
		ID:                 newID(),
		Permission:         models.PermissionGuest,
		MonthlyTokenBudget: &budget,
		BudgetResetAt:      time.Now().UTC(),
		CreatedAt:          time.Now().UTC(),
	}
	s.users[user.ID] = user
	s.links[linkKey(platform, platformUserID)] = &models.PlatformLink{
		UserID:           user.ID,
		Platform:         platform,
		PlatformUserID:   platformUserID,
		PlatformUsername: username,
	}
	u := *user
	return &u, nil
}

func (s *Memory) UserByID(ctx context.Context, id string) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	user, ok := s.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	u := *user
	return &u, nil
}

func (s *Memory) UpdatePlatformUsername(ctx context.Context, platform, platformUserID, username string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if link, ok := s.links[linkKey(platform, platformUserID)]; ok {
		link.PlatformUsername = username
	}
	return nil
}

func (s *Memory) ResetUserBudget(ctx context.Context, userID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[userID]; ok {
		user.TokensUsedThisMonth = 0
		user.BudgetResetAt = at
	}
	return nil
}

func (s *Memory) AddTokensUsed(ctx context.Context, userID string, tokens int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user, ok := s.users[userID]; ok {
		user.TokensUsedThisMonth += tokens
	}
	return nil
}

func (s *Memory) ResolvePersona(ctx context.Context, platform, serverID string) (*models.Persona, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var platformMatch, defaultMatch *models.Persona
	for i := range s.personas {
		p := &s.personas[i]
		switch {
		case p.Platform == platform && p.PlatformServerID == serverID && serverID != "":
			out := *p
			return &out, nil
		case p.Platform == platform && p.PlatformServerID == "" && platformMatch == nil:
			platformMatch = p
		case p.IsDefault && defaultMatch == nil:
			defaultMatch = p
		}
	}
	if platformMatch != nil {
		out := *platformMatch
		return &out, nil
	}
	if defaultMatch != nil {
		out := *defaultMatch
		return &out, nil
	}
	return nil, ErrNotFound
}

func (s *Memory) ActiveConversation(ctx context.Context, userID, platform, channelID, threadID string, activeSince time.Time) (*models.Conversation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *models.Conversation
	for _, c := range s.conversations {
		if c.UserID != userID || c.Platform != platform || c.ChannelID != channelID || c.ThreadID != threadID {
			continue
		}
		if c.LastActiveAt.Before(activeSince) {
			continue
		}
		if best == nil || c.LastActiveAt.After(best.LastActiveAt) {
			best = c
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func (s *Memory) CreateConversation(ctx context.Context, conv *models.Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
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
	c := *conv
	s.conversations[conv.ID] = &c
	return nil
}

func (s *Memory) TouchConversation(ctx context.Context, conversationID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		c.LastActiveAt = at
	}
	return nil
}

func (s *Memory) MarkConversationSummarized(ctx context.Context, conversationID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.conversations[conversationID]; ok {
		c.IsSummarized = true
	}
	return nil
}

func (s *Memory) InsertMessage(ctx context.Context, msg *models.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if msg.ID == "" {
		msg.ID = newID()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	s.messages[msg.ConversationID] = append(s.messages[msg.ConversationID], *msg)
	return nil
}

func (s *Memory) RecentMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[conversationID]
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

func (s *Memory) InsertTokenLog(ctx context.Context, log *models.TokenLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if log.ID == "" {
		log.ID = newID()
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}
	s.tokenLogs = append(s.tokenLogs, *log)
	return nil
}

// TokenLogs returns a copy of all logged usage rows.
func (s *Memory) TokenLogs() []models.TokenLog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.TokenLog, len(s.tokenLogs))
	copy(out, s.tokenLogs)
	return out
}

func (s *Memory) InsertFileRecord(ctx context.Context, rec *models.FileRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	s.fileRecords = append(s.fileRecords, *rec)
	return nil
}

// FileRecords returns a copy of all registered attachments.
func (s *Memory) FileRecords() []models.FileRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]models.FileRecord, len(s.fileRecords))
	copy(out, s.fileRecords)
	return out
}

func (s *Memory) InsertSummary(ctx context.Context, summary *models.MemorySummary) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if summary.ID == "" {
		summary.ID = newID()
	}
	if summary.CreatedAt.IsZero() {
		summary.CreatedAt = time.Now().UTC()
	}
	s.summaries = append(s.summaries, *summary)
	return nil
}

func (s *Memory) LatestSummary(ctx context.Context, conversationID string) (*models.MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var best *models.MemorySummary
	for i := range s.summaries {
		m := &s.summaries[i]
		if m.ConversationID != conversationID {
			continue
		}
		if best == nil || m.CreatedAt.After(best.CreatedAt) {
			best = m
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	out := *best
	return &out, nil
}

func (s *Memory) SimilarSummaries(ctx context.Context, userID string, embedding []float32, maxDistance float64, limit int) ([]models.MemorySummary, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type scored struct {
		summary  models.MemorySummary
		distance float64
	}
	var candidates []scored
	for _, m := range s.summaries {
		if m.UserID != userID || len(m.Embedding) == 0 {
			continue
		}
		d := cosineDistance(embedding, m.Embedding)
		if d < maxDistance {
			candidates = append(candidates, scored{summary: m, distance: d})
		}
	}
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].distance < candidates[j].distance })
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[:limit]
	}
	out := make([]models.MemorySummary, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, c.summary)
	}
	return out, nil
}

func cosineDistance(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.MaxFloat64
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return math.MaxFloat64
	}
	return 1 - dot/(math.Sqrt(normA)*math.Sqrt(normB))
}

func (s *Memory) CreateJob(ctx context.Context, job *models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if job.ID == "" {
		job.ID = newID()
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now().UTC()
	}
	if job.Status == "" {
		job.Status = models.JobActive
	}
	j := *job
	s.jobs[job.ID] = &j
	return nil
}

func (s *Memory) JobByID(ctx context.Context, id string) (*models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	job, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	out := *job
	return &out, nil
}

func (s *Memory) DueJobs(ctx context.Context, now time.Time) ([]models.ScheduledJob, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.ScheduledJob
	for _, job := range s.jobs {
		if job.Status == models.JobActive && !job.NextRunAt.After(now) {
			out = append(out, *job)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].NextRunAt.Before(out[j].NextRunAt) })
	return out, nil
}

func (s *Memory) UpdateJob(ctx context.Context, job *models.ScheduledJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.jobs[job.ID]
	if !ok {
		return ErrNotFound
	}
	existing.Status = job.Status
	existing.Attempts = job.Attempts
	existing.NextRunAt = job.NextRunAt
	existing.CompletedAt = job.CompletedAt
	return nil
}

func (s *Memory) CancelWorkflow(ctx context.Context, workflowID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	count := 0
	for _, job := range s.jobs {
		if job.WorkflowID == workflowID && job.Status == models.JobActive {
			job.Status = models.JobCancelled
			completed := at
			job.CompletedAt = &completed
			count++
		}
	}
	return count, nil
}
