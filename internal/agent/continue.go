package agent

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"

	"github.com/opalhq/opal/pkg/models"
)

// resultDataKeys are the only result_data fields carried into the synthetic
// continuation message. Anything else (full task transcripts, raw tool
// output) would flood the context.
var resultDataKeys = []string{
	"task_id", "status", "workspace", "mode", "error", "elapsed_seconds", "exit_code",
}

// BuildContinuationContent renders the synthetic user message for a resumed
// conversation.
func BuildContinuationContent(req models.ContinueRequest) string {
	var sb strings.Builder
	sb.WriteString("[Automated workflow continuation — job ")
	sb.WriteString(req.JobID)
	sb.WriteString("]\n")
	sb.WriteString(req.Content)

	kept := make([]string, 0, len(resultDataKeys))
	for _, key := range resultDataKeys {
		if value, ok := req.ResultData[key]; ok && value != nil {
			kept = append(kept, fmt.Sprintf("- %s: %v", key, value))
		}
	}
	if len(kept) > 0 {
		sb.WriteString("\n\nResult data:\n")
		sb.WriteString(strings.Join(kept, "\n"))
	}
	return sb.String()
}

// Continue re-enters the loop for a completed scheduled job. The identity is
// the stored user id rather than a platform id; everything downstream of user
// resolution behaves like a normal message.
func (l *Loop) Continue(ctx context.Context, req models.ContinueRequest) (resp *models.AgentResponse) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("continuation panic",
				"job_id", req.JobID, "panic", r, "stack", string(debug.Stack()))
			resp = &models.AgentResponse{
				Content: "Something went wrong while resuming the conversation.",
				Error:   fmt.Sprint(r),
			}
			l.observe(req.Platform, "panic")
		}
	}()

	resp, err := l.continueProcess(ctx, req)
	if err != nil {
		l.logger.Error("continuation failed",
			"job_id", req.JobID, "user_id", req.UserID, "error", err)
		l.observe(req.Platform, "error")
		return &models.AgentResponse{
			Content: "Something went wrong: " + err.Error(),
			Error:   err.Error(),
		}
	}
	return resp
}

func (l *Loop) continueProcess(ctx context.Context, req models.ContinueRequest) (*models.AgentResponse, error) {
	now := l.now()
	user, err := l.store.UserByID(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("resolve user: %w", err)
	}
	if err := l.refreshBudgetWindow(ctx, user, now); err != nil {
		return nil, fmt.Errorf("refresh budget window: %w", err)
	}

	in := models.IncomingMessage{
		Platform:  req.Platform,
		ChannelID: req.ChannelID,
		ThreadID:  req.ThreadID,
		Content:   BuildContinuationContent(req),
	}
	return l.processUser(ctx, user, in, now)
}
