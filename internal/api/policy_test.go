package api

import (
	"net/http"
	"strings"
	"testing"

	"github.com/triage-ai/runguard/internal/policy"
)

const admin = "admin:" + testAdminToken

func (s *testServer) createRule(t *testing.T, spec policy.RuleSpec) {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/rules", admin, spec)
	expectStatus(t, rec, http.StatusCreated)
}

func (s *testServer) check(t *testing.T, key string, req CheckReq) CheckResp {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/v1/policy/check", key, req)
	expectStatus(t, rec, http.StatusOK)
	return decode[CheckResp](t, rec)
}

func TestCheck_NoRulesAllows(t *testing.T) {
	s := newTestServer(t)
	resp := s.check(t, s.callerKey, CheckReq{Provider: "openai", Content: "hello"})
	if !resp.Allowed || resp.RuleCode != nil || resp.EventID == "" {
		t.Errorf("unexpected response: %+v", resp)
	}
}

func TestCheck_RateLimitBlocksFourthCall(t *testing.T) {
	s := newTestServer(t)
	s.createRule(t, policy.RuleSpec{
		Code: "hourly", Sequence: 10, Kind: policy.KindRateLimit,
		Scope:    policy.ScopeSpec{Type: policy.ScopeUsers, Members: []string{"bot-1"}},
		MaxCount: 3, Period: "hour",
	})

	for i := 0; i < 3; i++ {
		if resp := s.check(t, s.callerKey, CheckReq{}); !resp.Allowed {
			t.Fatalf("call %d blocked: %+v", i+1, resp)
		}
	}
	resp := s.check(t, s.callerKey, CheckReq{})
	if resp.Allowed || resp.RuleCode == nil || *resp.RuleCode != "hourly" {
		t.Fatalf("fourth call should be blocked by hourly: %+v", resp)
	}

	// Another principal is out of scope.
	if resp := s.check(t, s.approverKey, CheckReq{}); !resp.Allowed {
		t.Errorf("alice should not be limited: %+v", resp)
	}
}

func TestCheck_DenyAndApproval(t *testing.T) {
	s := newTestServer(t)
	s.createRule(t, policy.RuleSpec{
		Code: "needs-ok", Sequence: 5, Kind: policy.KindRequireApproval,
		Scope: policy.ScopeSpec{Type: policy.ScopeGroups, Members: []string{"bots"}},
	})
	s.createRule(t, policy.RuleSpec{
		Code: "no-secrets", Sequence: 10, Kind: policy.KindDeny,
		Scope:   policy.ScopeSpec{Type: policy.ScopeAll},
		Filters: policy.Filters{Source: "payroll"},
	})

	resp := s.check(t, s.callerKey, CheckReq{Source: "crm"})
	if !resp.Allowed || !resp.RequiresApproval || resp.ApprovalRuleCode == nil || *resp.ApprovalRuleCode != "needs-ok" {
		t.Errorf("unexpected response: %+v", resp)
	}

	resp = s.check(t, s.callerKey, CheckReq{Source: "Payroll-Export"})
	if resp.Allowed || *resp.RuleCode != "no-secrets" || resp.Reason == nil {
		t.Errorf("expected deny: %+v", resp)
	}
}

func TestCheck_BadJSON(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodPost, "/v1/policy/check", s.callerKey, `{`)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestLimits(t *testing.T) {
	s := newTestServer(t)
	s.createRule(t, policy.RuleSpec{
		Code: "bots-hourly", Sequence: 1, Kind: policy.KindRateLimit,
		Scope:    policy.ScopeSpec{Type: policy.ScopeGroups, Members: []string{"bots"}},
		MaxCount: 100, Period: "hour", MaxTokensPerRequest: 4000,
	})

	rec := s.do(t, http.MethodGet, "/v1/policy/limits", s.callerKey, nil)
	expectStatus(t, rec, http.StatusOK)
	own := decode[LimitsResp](t, rec)
	if own.Principal != "bot-1" || own.RateLimitCount != 100 || own.MaxTokensPerRequest != 4000 {
		t.Errorf("unexpected limits: %+v", own)
	}

	rec = s.do(t, http.MethodGet, "/v1/policy/limits?principal=alice", s.callerKey, nil)
	expectStatus(t, rec, http.StatusForbidden)

	rec = s.do(t, http.MethodGet, "/v1/policy/limits?principal=carol&group=bots", s.approverKey, nil)
	expectStatus(t, rec, http.StatusOK)
	other := decode[LimitsResp](t, rec)
	if other.Principal != "carol" || other.RateLimitCount != 100 {
		t.Errorf("unexpected limits: %+v", other)
	}
}

func TestCheck_OversizedBodyRejected(t *testing.T) {
	s := newTestServer(t)
	body := `{"content":"` + strings.Repeat("a", maxJSONBody) + `"}`
	rec := s.do(t, http.MethodPost, "/v1/policy/check", s.callerKey, body)
	expectStatus(t, rec, http.StatusBadRequest)
}

func TestContentSize(t *testing.T) {
	if got := contentSize("hello"); got != 5 {
		t.Errorf("contentSize = %d", got)
	}
	if got := contentSize(""); got != 0 {
		t.Errorf("contentSize(empty) = %d", got)
	}
}
