package api

import (
	"net/http"
	"testing"
	"time"

	"github.com/triage-ai/runguard/internal/run"
)

func exportReq(key string) CreateRunReq {
	return CreateRunReq{
		ToolID:         "export",
		TargetType:     "invoice",
		TargetID:       "42",
		IdempotencyKey: key,
	}
}

func (s *testServer) createRun(t *testing.T, key string) run.Run {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/runs", s.callerKey, exportReq(key))
	expectStatus(t, rec, http.StatusCreated)
	return decode[run.Run](t, rec)
}

func TestCreateRun_DerivedKeyReturnsSameRun(t *testing.T) {
	s := newTestServer(t)

	first := s.createRun(t, "")
	if first.State != run.Queued || first.RequestedBy != "bot-1" {
		t.Fatalf("unexpected run: %+v", first)
	}
	if string(first.Input) != "{}" {
		t.Errorf("input = %s, want {}", first.Input)
	}

	rec := s.do(t, http.MethodPost, "/v1/runs", s.callerKey, exportReq(""))
	expectStatus(t, rec, http.StatusOK)
	if again := decode[run.Run](t, rec); again.RunID != first.RunID {
		t.Errorf("second create returned %s, want %s", again.RunID, first.RunID)
	}
}

func TestCreateRun_DistinctExplicitKeys(t *testing.T) {
	s := newTestServer(t)
	a := s.createRun(t, "A")
	b := s.createRun(t, "B")
	if a.RunID == b.RunID {
		t.Error("different keys produced the same run")
	}
}

func TestCreateRun_Validation(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name string
		body any
		want int
	}{
		{"bad json", `{"tool_id":`, http.StatusBadRequest},
		{"missing target", CreateRunReq{ToolID: "export", TargetType: "invoice"}, http.StatusBadRequest},
		{"unknown tool", CreateRunReq{ToolID: "fax", TargetType: "invoice", TargetID: "1"}, http.StatusUnprocessableEntity},
		{"wrong target type", CreateRunReq{ToolID: "export", TargetType: "customer", TargetID: "1"}, http.StatusUnprocessableEntity},
		{"non-object input", `{"tool_id":"export","target_type":"invoice","target_id":"1","input":[1]}`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := s.do(t, http.MethodPost, "/v1/runs", s.callerKey, tt.body)
			expectStatus(t, rec, tt.want)
		})
	}
}

func TestGetRun(t *testing.T) {
	s := newTestServer(t)
	created := s.createRun(t, "A")

	rec := s.do(t, http.MethodGet, "/v1/runs/"+created.RunID, s.callerKey, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[run.Run](t, rec); got.RunID != created.RunID {
		t.Errorf("got %s", got.RunID)
	}

	rec = s.do(t, http.MethodGet, "/v1/runs/missing", s.callerKey, nil)
	expectStatus(t, rec, http.StatusNotFound)
}

func TestApprovalFlow(t *testing.T) {
	s := newTestServer(t)
	created := s.createRun(t, "A")
	base := "/v1/runs/" + created.RunID

	// Approving a queued run is a conflict, not a no-op.
	rec := s.do(t, http.MethodPost, base+"/approve", s.approverKey, nil)
	expectStatus(t, rec, http.StatusConflict)

	rec = s.do(t, http.MethodPost, base+"/request-approval", s.callerKey, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[run.Run](t, rec); got.State != run.WaitingApproval {
		t.Fatalf("state = %s", got.State)
	}

	rec = s.do(t, http.MethodPost, base+"/approve", s.callerKey, nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = s.do(t, http.MethodPost, base+"/approve", s.approverKey, nil)
	expectStatus(t, rec, http.StatusOK)
	approved := decode[run.Run](t, rec)
	if approved.State != run.Queued || approved.ApprovedBy == nil || *approved.ApprovedBy != "alice" {
		t.Fatalf("unexpected approved run: %+v", approved)
	}

	rec = s.do(t, http.MethodPost, base+"/approve", s.approverKey, nil)
	expectStatus(t, rec, http.StatusConflict)
}

func TestRejectAndCancel(t *testing.T) {
	s := newTestServer(t)

	waiting := s.createRun(t, "A")
	s.do(t, http.MethodPost, "/v1/runs/"+waiting.RunID+"/request-approval", s.callerKey, nil)
	rec := s.do(t, http.MethodPost, "/v1/runs/"+waiting.RunID+"/reject", s.approverKey, nil)
	expectStatus(t, rec, http.StatusOK)
	if got := decode[run.Run](t, rec); got.State != run.Cancelled {
		t.Fatalf("state = %s", got.State)
	}

	rec = s.do(t, http.MethodPost, "/v1/runs/"+waiting.RunID+"/cancel", s.callerKey, nil)
	expectStatus(t, rec, http.StatusConflict)

	running := s.createRun(t, "B")
	s.do(t, http.MethodPost, "/v1/runs/"+running.RunID+"/start", s.callerKey, nil)
	rec = s.do(t, http.MethodPost, "/v1/runs/"+running.RunID+"/cancel", s.callerKey, nil)
	expectStatus(t, rec, http.StatusConflict)
}

func TestRetry_LiveRunExists(t *testing.T) {
	s := newTestServer(t)
	first := s.createRun(t, "A")
	s.do(t, http.MethodPost, "/v1/runs/"+first.RunID+"/start", s.callerKey, nil)
	rec := s.webhook(t, `{"run_id":"`+first.RunID+`","state":"failed","error_message":"boom"}`, s.clock.T, testSecret)
	expectStatus(t, rec, http.StatusOK)

	second := s.createRun(t, "A")
	if second.RunID == first.RunID {
		t.Fatal("failed run should not block a new create")
	}

	rec = s.do(t, http.MethodPost, "/v1/runs/"+first.RunID+"/retry", s.callerKey, nil)
	expectStatus(t, rec, http.StatusConflict)

	s.do(t, http.MethodPost, "/v1/runs/"+second.RunID+"/cancel", s.callerKey, nil)
	rec = s.do(t, http.MethodPost, "/v1/runs/"+first.RunID+"/retry", s.callerKey, nil)
	expectStatus(t, rec, http.StatusOK)
	retried := decode[run.Run](t, rec)
	if retried.State != run.Queued || retried.ErrorMessage != nil {
		t.Errorf("unexpected retried run: %+v", retried)
	}
}

func TestListRuns(t *testing.T) {
	s := newTestServer(t)
	s.createRun(t, "A")
	b := s.createRun(t, "B")
	s.clock.T = s.clock.T.Add(time.Second)
	s.do(t, http.MethodPost, "/v1/runs/"+b.RunID+"/start", s.callerKey, nil)

	rec := s.do(t, http.MethodGet, "/api/runs?state=running", "admin:"+testAdminToken, nil)
	expectStatus(t, rec, http.StatusOK)
	list := decode[RunListResp](t, rec)
	if list.Count != 1 || list.Runs[0].RunID != b.RunID {
		t.Errorf("unexpected listing: %+v", list)
	}

	rec = s.do(t, http.MethodGet, "/api/runs?state=paused", "admin:"+testAdminToken, nil)
	expectStatus(t, rec, http.StatusBadRequest)
}
