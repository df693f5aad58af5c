package api

import (
	"context"
	"errors"
	"net/http"

	"github.com/triage-ai/runguard/internal/auth"
	"github.com/triage-ai/runguard/internal/run"
	"github.com/triage-ai/runguard/internal/store"
	"go.uber.org/zap"
)

func (d *Dependencies) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req CreateRunReq
	if err := readJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "Invalid JSON body"})
		return
	}
	if req.ToolID == "" || req.TargetType == "" || req.TargetID == "" {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "tool_id, target_type and target_id are required"})
		return
	}

	client := auth.FromContext(r.Context())
	created, isNew, err := d.Guard.FindOrCreate(r.Context(), run.CreateRequest{
		ToolID:         req.ToolID,
		TargetType:     req.TargetType,
		TargetID:       req.TargetID,
		Input:          req.Input,
		IdempotencyKey: req.IdempotencyKey,
		RequestedBy:    client.Principal.User,
	})
	if err != nil {
		d.writeRunError(w, "create run", err)
		return
	}

	status := http.StatusOK
	if isNew {
		status = http.StatusCreated
	}
	writeJSON(w, status, created)
}

func (d *Dependencies) handleGetRun(w http.ResponseWriter, r *http.Request) {
	found, err := d.Machine.Get(r.Context(), r.PathValue("run_id"))
	if err != nil {
		d.writeRunError(w, "get run", err)
		return
	}
	writeJSON(w, http.StatusOK, found)
}

type transitionFunc func(ctx context.Context, runID, actor string) (*run.Run, error)

// transition applies one actor-driven operation to the run in the path.
func (d *Dependencies) transition(name string, apply transitionFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		client := auth.FromContext(r.Context())
		updated, err := apply(r.Context(), r.PathValue("run_id"), client.Principal.User)
		if err != nil {
			d.writeRunError(w, name, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

func (d *Dependencies) handleApproveRun(w http.ResponseWriter, r *http.Request) {
	d.transition("approve run", d.Machine.Approve)(w, r)
}

func (d *Dependencies) handleRejectRun(w http.ResponseWriter, r *http.Request) {
	d.transition("reject run", d.Machine.Reject)(w, r)
}

func (d *Dependencies) handleCancelRun(w http.ResponseWriter, r *http.Request) {
	d.transition("cancel run", d.Machine.Cancel)(w, r)
}

func (d *Dependencies) handleRetryRun(w http.ResponseWriter, r *http.Request) {
	d.transition("retry run", d.Machine.Retry)(w, r)
}

func (d *Dependencies) handleRequestApproval(w http.ResponseWriter, r *http.Request) {
	d.transition("request approval", d.Machine.RequestApproval)(w, r)
}

func (d *Dependencies) handleStartRun(w http.ResponseWriter, r *http.Request) {
	d.transition("start run", d.Machine.Start)(w, r)
}

func (d *Dependencies) handleListRuns(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	params := store.ListRunsParams{
		State:       q.Get("state"),
		RequestedBy: q.Get("requested_by"),
		Limit:       queryInt(q, "limit", 100),
	}
	if params.State != "" && !run.State(params.State).Valid() {
		writeJSON(w, http.StatusBadRequest, ErrorResp{Detail: "unknown state"})
		return
	}

	runs, err := d.Runs.ListRuns(r.Context(), params)
	if err != nil {
		d.Logger.Error("failed to list runs", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to list runs"})
		return
	}
	if runs == nil {
		runs = []*run.Run{}
	}
	writeJSON(w, http.StatusOK, RunListResp{Runs: runs, Count: len(runs)})
}

// writeRunError maps lifecycle errors to HTTP statuses. Errors that name a
// violated invariant keep their message so callers can tell them apart.
func (d *Dependencies) writeRunError(w http.ResponseWriter, op string, err error) {
	var te *run.TransitionError
	switch {
	case errors.As(err, &te):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: te.Error()})
	case errors.Is(err, run.ErrNotFound):
		writeJSON(w, http.StatusNotFound, ErrorResp{Detail: "Run not found."})
	case errors.Is(err, run.ErrLiveRunExists):
		writeJSON(w, http.StatusConflict, ErrorResp{Detail: "Another live run holds this idempotency key"})
	case errors.Is(err, run.ErrUnknownTool), errors.Is(err, run.ErrInvalidInput):
		writeJSON(w, http.StatusUnprocessableEntity, ErrorResp{Detail: err.Error()})
	default:
		d.Logger.Error("failed to "+op, zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorResp{Detail: "Failed to " + op})
	}
}
