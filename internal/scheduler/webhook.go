package scheduler

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/opalhq/opal/internal/store"
	"github.com/opalhq/opal/pkg/models"
)

const signatureHeader = "X-Webhook-Signature"

// webhookResponse is the body returned to external webhook callers.
type webhookResponse struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// WebhookHandler serves the external entry point for webhook jobs:
//
//	POST /webhook/{job_id}
//
// The route is unauthenticated at the service layer; jobs with a configured
// secret require a valid HMAC signature instead.
func (w *Worker) WebhookHandler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/{job_id}", w.handleWebhook)
	return mux
}

func (w *Worker) handleWebhook(rw http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("job_id")

	job, err := w.store.JobByID(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		writeWebhook(rw, http.StatusNotFound, webhookResponse{
			JobID: jobID, Status: "unknown", Message: "job not found",
		})
		return
	}
	if err != nil {
		w.logger.Error("webhook job lookup failed", "job_id", jobID, "error", err)
		writeWebhook(rw, http.StatusInternalServerError, webhookResponse{
			JobID: jobID, Status: "error", Message: "lookup failed",
		})
		return
	}
	if job.Type != models.JobWebhook {
		writeWebhook(rw, http.StatusBadRequest, webhookResponse{
			JobID: jobID, Status: string(job.Status), Message: "job is not a webhook job",
		})
		return
	}
	if job.Status != models.JobActive {
		writeWebhook(rw, http.StatusConflict, webhookResponse{
			JobID: jobID, Status: string(job.Status), Message: "job is not active",
		})
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		writeWebhook(rw, http.StatusBadRequest, webhookResponse{
			JobID: jobID, Status: string(job.Status), Message: "unreadable body",
		})
		return
	}

	if secret := webhookSecret(job); secret != "" {
		if !validSignature(r.Header.Get(signatureHeader), body, secret) {
			w.logger.Warn("webhook signature rejected", "job_id", jobID)
			writeWebhook(rw, http.StatusForbidden, webhookResponse{
				JobID: jobID, Status: string(job.Status), Message: "invalid signature",
			})
			return
		}
	}

	var result map[string]any
	if len(body) > 0 {
		if err := json.Unmarshal(body, &result); err != nil {
			result = map[string]any{"raw": string(body)}
		}
	}

	job.Attempts++
	w.completeJob(r.Context(), job, result)
	w.observeJob(job, "completed")
	writeWebhook(rw, http.StatusOK, webhookResponse{
		JobID: jobID, Status: string(job.Status), Message: "job completed",
	})
}

// validSignature checks sha256=<hex hmac-sha256(body, secret)> in constant
// time.
func validSignature(header string, body []byte, secret string) bool {
	given, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(strings.ToLower(given)), []byte(expected))
}

func writeWebhook(rw http.ResponseWriter, status int, body webhookResponse) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_ = json.NewEncoder(rw).Encode(body)
}
