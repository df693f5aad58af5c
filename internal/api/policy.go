package api

import (
	"math"
	"net/http"

	"github.com/google/uuid"
	"github.com/triage-ai/runguard/internal/auth"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/storage"
	"go.uber.org/zap"
)

// handleCheck implements POST /v1/policy/check for the authenticated principal.
// A blocked request is a 200 with allowed=false; only engine failures are errors.
func (d *Dependencies) handleCheck(w http.ResponseWriter, r *http.Request) {
	var req CheckReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	client := auth.FromContext(r.Context())
	dec, err := d.Engine.Evaluate(r.Context(), policy.Request{
		Principal:  client.Principal,
		Provider:   req.Provider,
		Model:      req.Model,
		Source:     req.Source,
		TargetType: req.TargetType,
		Content:    req.Content,
	})
	if err != nil {
		d.Logger.Error("failed to evaluate policy", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to evaluate policy"})
		return
	}

	eventID := uuid.NewString()
	d.writeCheckEvent(eventID, client.Principal.User, req, dec)

	resp := CheckResp{
		Allowed:          dec.Allowed,
		Reason:           nilIfEmpty(dec.Reason),
		RequiresApproval: dec.RequiresApproval,
		EventID:          eventID,
	}
	if dec.MatchedRule != nil {
		resp.RuleCode = &dec.MatchedRule.Code
	}
	if dec.ApprovalRule != nil {
		resp.ApprovalRuleCode = &dec.ApprovalRule.Code
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeCheckEvent records the decision on the audit feed. Allowed checks are
// what the rate counters count.
func (d *Dependencies) writeCheckEvent(eventID, principal string, req CheckReq, dec policy.Decision) {
	if d.Writer == nil {
		return
	}
	event := &storage.GovernanceEvent{
		EventID:     eventID,
		Timestamp:   d.Clock.Now(),
		Kind:        storage.KindPolicyCheck,
		Principal:   principal,
		Blocked:     !dec.Allowed,
		Reason:      dec.Reason,
		Provider:    req.Provider,
		Model:       req.Model,
		Source:      req.Source,
		TargetType:  req.TargetType,
		ContentHash: storage.HashContent(req.Content),
		ContentSize: contentSize(req.Content),
	}
	if dec.MatchedRule != nil {
		event.RuleCode = dec.MatchedRule.Code
	}
	d.Writer.Write(event)
}

// contentSize clamps the byte length to the event column width.
func contentSize(content string) uint32 {
	return uint32(min(uint64(len(content)), math.MaxUint32))
}

// handleLimits implements GET /v1/policy/limits. Approvers may inspect another
// principal with ?principal=&group=.
func (d *Dependencies) handleLimits(w http.ResponseWriter, r *http.Request) {
	client := auth.FromContext(r.Context())
	principal := client.Principal

	q := r.URL.Query()
	if other := q.Get("principal"); other != "" && other != principal.User {
		if !client.CanApprove {
			writeJSON(w, http.StatusForbidden, ErrorResp{Detail: "Client may only read its own limits"})
			return
		}
		principal = policy.Principal{User: other, Groups: q["group"]}
	}

	limits, err := d.Engine.EffectiveLimits(r.Context(), principal)
	if err != nil {
		d.Logger.Error("failed to compute limits", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to compute limits"})
		return
	}
	writeJSON(w, http.StatusOK, LimitsResp{Principal: principal.User, Limits: limits})
}

func nilIfEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
