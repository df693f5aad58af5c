package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/triage-ai/runguard/internal/auth"
	"github.com/triage-ai/runguard/internal/catalog"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/ratecount"
	"github.com/triage-ai/runguard/internal/run"
	"github.com/triage-ai/runguard/internal/signature"
	"github.com/triage-ai/runguard/internal/storage"
	"github.com/triage-ai/runguard/internal/store"
	"github.com/triage-ai/runguard/internal/window"
	"go.uber.org/zap"
)

const (
	testSecret     = "whsec_test"
	testAdminToken = "admin-token"
)

type testServer struct {
	handler     http.Handler
	deps        *Dependencies
	mem         *store.Memory
	clock       *window.Fixed
	callerKey   string
	approverKey string
}

func newTestServer(t *testing.T, opts ...func(*Dependencies)) *testServer {
	t.Helper()
	ctx := context.Background()
	clock := &window.Fixed{T: time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)}
	mem := store.NewMemory()
	counter := ratecount.NewMemory()
	writer := storage.Fanout{counter}

	tools := catalog.NewStatic(&catalog.Tool{
		ToolID:      "export",
		TargetTypes: []string{"invoice"},
		Enabled:     true,
	})

	deps := &Dependencies{
		Machine: run.NewMachine(mem, run.MachineConfig{Clock: clock, Writer: writer}),
		Guard: run.NewGuard(mem, run.GuardConfig{
			Clock:     clock,
			Validator: catalog.Validator{Catalog: tools},
			Writer:    writer,
		}),
		Runs:          mem,
		Engine:        policy.NewEngine(mem, counter, policy.Config{Clock: clock}),
		Rules:         mem,
		Clients:       mem,
		Auth:          auth.NewKeyAuthenticator(auth.KeyAuthConfig{Store: mem, CacheTTL: time.Minute}),
		Writer:        writer,
		Verifier:      signature.NewVerifier(clock),
		WebhookSecret: testSecret,
		AdminToken:    testAdminToken,
		Clock:         clock,
		Logger:        zap.NewNop(),
	}
	for _, opt := range opts {
		opt(deps)
	}

	_, callerKey, err := mem.CreateClient(ctx, store.CreateClientParams{Name: "bot", Principal: "bot-1", Groups: []string{"bots"}})
	if err != nil {
		t.Fatal(err)
	}
	_, approverKey, err := mem.CreateClient(ctx, store.CreateClientParams{Name: "ops", Principal: "alice", CanApprove: true})
	if err != nil {
		t.Fatal(err)
	}

	return &testServer{
		handler:     NewRouter(deps),
		deps:        deps,
		mem:         mem,
		clock:       clock,
		callerKey:   callerKey,
		approverKey: approverKey,
	}
}

// do sends a request. key is a bearer key, an admin token prefixed with
// "admin:", or empty.
func (s *testServer) do(t *testing.T, method, path, key string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		if err := json.NewEncoder(&buf).Encode(b); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	switch {
	case strings.HasPrefix(key, "admin:"):
		req.Header.Set(AdminTokenHeader, strings.TrimPrefix(key, "admin:"))
	case key != "":
		req.Header.Set("Authorization", "Bearer "+key)
	}
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func (s *testServer) webhook(t *testing.T, body string, ts time.Time, secret string) *httptest.ResponseRecorder {
	t.Helper()
	tsStr := strconv.FormatInt(ts.Unix(), 10)
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/runs", strings.NewReader(body))
	req.Header.Set(signature.HeaderTimestamp, tsStr)
	req.Header.Set(signature.HeaderSignature, signature.Sign([]byte(body), tsStr, secret))
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	if err := json.Unmarshal(rec.Body.Bytes(), &v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return v
}

func expectStatus(t *testing.T, rec *httptest.ResponseRecorder, want int) {
	t.Helper()
	if rec.Code != want {
		t.Fatalf("status = %d, want %d (body %s)", rec.Code, want, rec.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", "", nil)
	expectStatus(t, rec, http.StatusOK)
}

func TestCORSPreflight(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodOptions, "/v1/runs", "", nil)
	expectStatus(t, rec, http.StatusNoContent)
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
}

func TestAuth_Rejections(t *testing.T) {
	s := newTestServer(t)
	tests := []struct {
		name   string
		header string
	}{
		{"missing", ""},
		{"wrong prefix", "Bearer tsk_abcdefghijkl"},
		{"unknown key", "Bearer rgk_0000000000000000000000000000000000000000"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/runs/abc", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			s.handler.ServeHTTP(rec, req)
			expectStatus(t, rec, http.StatusUnauthorized)
		})
	}
}
