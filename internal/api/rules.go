package api

import (
	"errors"
	"net/http"

	"github.com/triage-ai/runguard/internal/policy"
	"go.uber.org/zap"
)

func (d *Dependencies) handleListRules(w http.ResponseWriter, r *http.Request) {
	rules, err := d.Rules.ListRules(r.Context())
	if err != nil {
		d.Logger.Error("failed to list rules", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list rules"})
		return
	}

	resp := make([]policy.RuleSpec, 0, len(rules))
	for _, rule := range rules {
		resp = append(resp, policy.SpecOf(rule))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (d *Dependencies) handleGetRule(w http.ResponseWriter, r *http.Request) {
	rule, err := d.Rules.GetRule(r.Context(), r.PathValue("code"))
	if err != nil {
		d.Logger.Error("failed to get rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to get rule"})
		return
	}
	if rule == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Rule not found."})
		return
	}
	writeJSON(w, http.StatusOK, policy.SpecOf(rule))
}

func (d *Dependencies) handleCreateRule(w http.ResponseWriter, r *http.Request) {
	var spec policy.RuleSpec
	if err := readJSON(r, &spec); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	rule, err := spec.Rule()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}

	created, err := d.Rules.CreateRule(r.Context(), rule)
	if err != nil {
		d.writeRuleError(w, "create rule", err)
		return
	}
	writeJSON(w, http.StatusCreated, policy.SpecOf(created))
}

// handleUpdateRule applies a partial update on top of the stored rule and
// revalidates the result.
func (d *Dependencies) handleUpdateRule(w http.ResponseWriter, r *http.Request) {
	code := r.PathValue("code")

	var req UpdateRuleReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}

	current, err := d.Rules.GetRule(r.Context(), code)
	if err != nil {
		d.Logger.Error("failed to get rule", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to update rule"})
		return
	}
	if current == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Rule not found."})
		return
	}

	rule, err := applyRuleUpdate(policy.SpecOf(current), req).Rule()
	if err != nil {
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
		return
	}

	updated, err := d.Rules.UpdateRule(r.Context(), rule)
	if err != nil {
		d.writeRuleError(w, "update rule", err)
		return
	}
	if updated == nil {
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Rule not found."})
		return
	}
	writeJSON(w, http.StatusOK, policy.SpecOf(updated))
}

func applyRuleUpdate(spec policy.RuleSpec, req UpdateRuleReq) policy.RuleSpec {
	if req.Name != nil {
		spec.Name = *req.Name
	}
	if req.Sequence != nil {
		spec.Sequence = *req.Sequence
	}
	if req.Active != nil {
		spec.Active = req.Active
	}
	if req.Scope != nil {
		spec.Scope = *req.Scope
	}
	if req.Filters != nil {
		spec.Filters = *req.Filters
	}
	if req.MaxCount != nil {
		spec.MaxCount = *req.MaxCount
	}
	if req.Period != nil {
		spec.Period = *req.Period
	}
	if req.BlockPatterns != nil {
		spec.BlockPatterns = req.BlockPatterns
	}
	if req.RequirePatterns != nil {
		spec.RequirePatterns = req.RequirePatterns
	}
	if req.MaxTokensPerRequest != nil {
		spec.MaxTokensPerRequest = *req.MaxTokensPerRequest
	}
	if req.MaxTokensPerDay != nil {
		spec.MaxTokensPerDay = *req.MaxTokensPerDay
	}
	return spec
}

func (d *Dependencies) writeRuleError(w http.ResponseWriter, op string, err error) {
	switch {
	case errors.Is(err, policy.ErrRuleExists):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "A rule with this code already exists"})
	case errors.Is(err, policy.ErrRuleConflict):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "An active rule already covers this scope"})
	case errors.Is(err, policy.ErrInvalidRule):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error("failed to "+op, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to " + op})
	}
}
