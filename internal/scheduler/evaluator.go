package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/opalhq/opal/internal/modules"
	"github.com/opalhq/opal/pkg/models"
)

// pollRequestTimeout bounds one poll_url HTTP check.
const pollRequestTimeout = 30 * time.Second

// ToolExecutor is the scheduler's view of the tool registry.
type ToolExecutor interface {
	Execute(ctx context.Context, call models.ToolCall) (*models.ToolResult, error)
}

// CheckError is a failed job evaluation. Permanent errors fail the job
// immediately; transient ones only reschedule.
type CheckError struct {
	Message   string
	Permanent bool
}

func (e *CheckError) Error() string { return e.Message }

func permanentCheck(format string, args ...any) *CheckError {
	return &CheckError{Message: fmt.Sprintf(format, args...), Permanent: true}
}

func transientCheck(format string, args ...any) *CheckError {
	return &CheckError{Message: fmt.Sprintf(format, args...)}
}

// Outcome is the result of one job evaluation.
type Outcome struct {
	// Met reports whether the job's completion condition held.
	Met bool
	// Result is the decoded check payload used for message interpolation.
	Result map[string]any
}

type pollModuleConfig struct {
	Module        string          `json:"module"`
	Tool          string          `json:"tool"`
	Args          json.RawMessage `json:"args"`
	SuccessField  string          `json:"success_field"`
	SuccessValues []any           `json:"success_values"`
	Operator      string          `json:"operator,omitempty"`
}

type delayConfig struct {
	DelaySeconds float64 `json:"delay_seconds"`
}

type pollURLConfig struct {
	URL              string `json:"url"`
	Method           string `json:"method,omitempty"`
	ExpectedStatus   int    `json:"expected_status,omitempty"`
	ResponseField    string `json:"response_field,omitempty"`
	ResponseValue    any    `json:"response_value,omitempty"`
	ResponseOperator string `json:"response_operator,omitempty"`
}

type webhookConfig struct {
	Secret string `json:"secret,omitempty"`
}

// evaluate runs one check for a due job. Webhook jobs never complete from the
// poll path; they wait for the external call.
func (w *Worker) evaluate(ctx context.Context, job *models.ScheduledJob) (Outcome, error) {
	switch job.Type {
	case models.JobPollModule:
		return w.evaluatePollModule(ctx, job)
	case models.JobDelay:
		return w.evaluateDelay(job)
	case models.JobPollURL:
		return w.evaluatePollURL(ctx, job)
	case models.JobWebhook:
		return Outcome{}, nil
	default:
		return Outcome{}, permanentCheck("unknown job type %q", job.Type)
	}
}

func (w *Worker) evaluatePollModule(ctx context.Context, job *models.ScheduledJob) (Outcome, error) {
	var cfg pollModuleConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return Outcome{}, permanentCheck("invalid poll_module config: %v", err)
	}
	if cfg.Module == "" || cfg.Tool == "" {
		return Outcome{}, permanentCheck("poll_module config missing module or tool")
	}

	args := cfg.Args
	if len(args) == 0 {
		args = json.RawMessage(`{}`)
	}
	result, err := w.tools.Execute(ctx, models.ToolCall{
		ToolName:  cfg.Module + "." + cfg.Tool,
		Arguments: args,
		UserID:    job.UserID,
	})
	if err != nil {
		if modules.IsPermanent(err) || modules.IsPermanentMessage(err.Error()) {
			return Outcome{}, permanentCheck("check tool failed: %v", err)
		}
		return Outcome{}, transientCheck("check tool failed: %v", err)
	}
	if result == nil || !result.Success {
		msg := "check tool returned no result"
		if result != nil && result.Error != "" {
			msg = result.Error
		}
		if modules.IsPermanentMessage(msg) {
			return Outcome{}, permanentCheck("check tool failed: %s", msg)
		}
		return Outcome{}, transientCheck("check tool failed: %s", msg)
	}

	var payload map[string]any
	if err := json.Unmarshal(result.Result, &payload); err != nil {
		return Outcome{}, transientCheck("check result is not a JSON object: %v", err)
	}
	value, ok := FieldPath(payload, cfg.SuccessField)
	if !ok {
		return Outcome{Result: payload}, nil
	}

	op := cfg.Operator
	if op == "" {
		op = "in"
	}
	return Outcome{
		Met:    Compare(op, value, []any(cfg.SuccessValues)),
		Result: payload,
	}, nil
}

// evaluateDelay completes on wall-clock time elapsed since creation, not on
// attempts times interval, so missed ticks never under-count the delay.
func (w *Worker) evaluateDelay(job *models.ScheduledJob) (Outcome, error) {
	var cfg delayConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return Outcome{}, permanentCheck("invalid delay config: %v", err)
	}
	elapsed := w.now().Sub(job.CreatedAt).Seconds()
	return Outcome{
		Met:    elapsed >= cfg.DelaySeconds,
		Result: map[string]any{"elapsed_seconds": elapsed},
	}, nil
}

func (w *Worker) evaluatePollURL(ctx context.Context, job *models.ScheduledJob) (Outcome, error) {
	var cfg pollURLConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return Outcome{}, permanentCheck("invalid poll_url config: %v", err)
	}
	if cfg.URL == "" {
		return Outcome{}, permanentCheck("poll_url config missing url")
	}

	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	pollCtx, cancel := context.WithTimeout(ctx, pollRequestTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(pollCtx, method, cfg.URL, nil)
	if err != nil {
		return Outcome{}, permanentCheck("build poll request: %v", err)
	}
	resp, err := w.httpClient.Do(req)
	if err != nil {
		return Outcome{}, transientCheck("poll %s: %v", cfg.URL, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Outcome{}, transientCheck("read poll response: %v", err)
	}

	expected := cfg.ExpectedStatus
	if expected == 0 {
		expected = http.StatusOK
	}
	payload := map[string]any{"status_code": resp.StatusCode}
	var decoded map[string]any
	if json.Unmarshal(body, &decoded) == nil {
		for k, v := range decoded {
			payload[k] = v
		}
	}
	if resp.StatusCode != expected {
		return Outcome{Result: payload}, nil
	}
	if cfg.ResponseField == "" {
		return Outcome{Met: true, Result: payload}, nil
	}

	value, ok := FieldPath(decoded, cfg.ResponseField)
	if !ok {
		return Outcome{Result: payload}, nil
	}
	op := cfg.ResponseOperator
	if op == "" {
		op = "eq"
	}
	return Outcome{
		Met:    Compare(op, value, cfg.ResponseValue),
		Result: payload,
	}, nil
}

// webhookSecret extracts the optional HMAC secret from a webhook job config.
func webhookSecret(job *models.ScheduledJob) string {
	var cfg webhookConfig
	if err := json.Unmarshal(job.CheckConfig, &cfg); err != nil {
		return ""
	}
	return cfg.Secret
}
