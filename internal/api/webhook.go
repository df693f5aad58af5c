package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/triage-ai/runguard/internal/run"
	"github.com/triage-ai/runguard/internal/signature"
	"go.uber.org/zap"
)

// maxWebhookBody bounds the bytes read before the signature is checked.
const maxWebhookBody = 64 << 10

// handleRunWebhook implements POST /v1/webhooks/runs.
// The signature is checked over the raw body before anything is parsed, and
// no run state is touched when it fails. Only rejected signatures draw from
// WebhookLimiter, so unsigned traffic cannot starve signed callbacks.
func (d *Dependencies) handleRunWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	_ = r.Body.Close()
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, ErrorResp{Detail: "Body too large"})
			return
		}
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Failed to read body"})
		return
	}

	ts := r.Header.Get(signature.HeaderTimestamp)
	sig := r.Header.Get(signature.HeaderSignature)
	if !d.Verifier.Verify(body, ts, sig, d.WebhookSecret) {
		if d.WebhookLimiter != nil && !d.WebhookLimiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, ErrorResp{Detail: "Too many requests"})
			return
		}
		d.Logger.Warn("webhook signature rejected", zap.String("remote_addr", r.RemoteAddr))
		writeJSON(w, http.StatusUnauthorized, ErrorResp{Detail: "Invalid signature"})
		return
	}

	var req WebhookReq
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.RunID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "run_id is required"})
		return
	}
	var success bool
	switch run.State(req.State) {
	case run.Succeeded:
		success = true
	case run.Failed:
	default:
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "state must be 'succeeded' or 'failed'"})
		return
	}

	done, err := d.Machine.Complete(r.Context(), req.RunID, success, req.ErrorMessage)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, WebhookResp{Status: "applied", RunID: done.RunID, State: string(done.State)})
	case errors.Is(err, run.ErrInvalidTransition):
		// At-least-once delivery: a repeat completion is acknowledged.
		d.Logger.Info("webhook completion ignored",
			zap.String("run_id", req.RunID),
			zap.String("state", req.State),
			zap.Error(err),
		)
		writeJSON(w, http.StatusOK, WebhookResp{Status: "ignored", RunID: req.RunID})
	case errors.Is(err, run.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Run not found."})
	default:
		d.Logger.Error("failed to complete run", zap.String("run_id", req.RunID), zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to complete run"})
	}
}
