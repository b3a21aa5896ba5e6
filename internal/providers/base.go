package providers

import (
	"context"
	"fmt"
	"time"

	"github.com/opalhq/opal/internal/retry"
)

const (
	// maxChatAttempts bounds per-call retries on transient errors.
	maxChatAttempts = 3
	// maxEmptyRetries bounds the extra attempts allowed when the vendor
	// returns neither text nor tool calls with a transient finish signal.
	maxEmptyRetries = 2
)

// chatWithRetry runs op with the shared per-call retry discipline: up to
// maxChatAttempts with exponential backoff on transient errors; bad-request
// and auth errors propagate immediately.
func chatWithRetry(ctx context.Context, op func() (*ChatResult, error)) (*ChatResult, error) {
	return retry.DoWithValue(ctx, retry.Exponential(maxChatAttempts, time.Second, 15*time.Second),
		func() (*ChatResult, error) {
			res, err := op()
			if err != nil {
				if IsTransient(err) {
					return nil, err
				}
				return nil, retry.Permanent(err)
			}
			return res, nil
		})
}

// emptyResult reports whether the vendor produced neither text nor tool
// calls.
func emptyResult(res *ChatResult) bool {
	return res == nil || (res.Text == "" && len(res.ToolCalls) == 0)
}

// guardEmpty converts an empty vendor response into a classified error.
// retryable marks finish reasons that indicate a transient malformed-call
// signal worth re-asking for; diagnostic carries the finish reason and any
// safety/filter hints for the non-retryable case.
func guardEmpty(provider, model string, retryable bool, diagnostic string) error {
	if retryable {
		return Transient(provider, model, "empty response: "+diagnostic, nil)
	}
	return BadRequest(provider, model, "empty response: "+diagnostic, nil)
}

// embedUnsupported is a shared Embed implementation for chat-only vendors.
func embedUnsupported(provider string) error {
	return fmt.Errorf("%s: %w", provider, ErrEmbeddingsUnsupported)
}
