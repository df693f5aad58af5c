// Package api exposes the run lifecycle, policy queries, and admin surfaces
// over HTTP.
package api

import (
	"context"
	"net/http"

	"github.com/triage-ai/runguard/internal/auth"
	"github.com/triage-ai/runguard/internal/chread"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/run"
	"github.com/triage-ai/runguard/internal/signature"
	"github.com/triage-ai/runguard/internal/storage"
	"github.com/triage-ai/runguard/internal/store"
	"github.com/triage-ai/runguard/internal/window"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// RunLister lists runs for operators.
type RunLister interface {
	ListRuns(ctx context.Context, params store.ListRunsParams) ([]*run.Run, error)
}

// RuleStore is the rule admin surface of a store.
type RuleStore interface {
	ListRules(ctx context.Context) ([]*policy.Rule, error)
	GetRule(ctx context.Context, code string) (*policy.Rule, error)
	CreateRule(ctx context.Context, r *policy.Rule) (*policy.Rule, error)
	UpdateRule(ctx context.Context, r *policy.Rule) (*policy.Rule, error)
}

// ClientStore is the API client admin surface of a store.
type ClientStore interface {
	CreateClient(ctx context.Context, params store.CreateClientParams) (*store.Client, string, error)
	ListClients(ctx context.Context) ([]*store.Client, error)
	GetClient(ctx context.Context, id string) (*store.Client, error)
	DeleteClient(ctx context.Context, id string) error
	RotateAPIKey(ctx context.Context, id string) (*store.Client, string, error)
}

// Authenticator resolves bearer keys and drops cached credentials of a
// client whose key changed.
type Authenticator interface {
	auth.Authenticator
	Invalidate(clientID string)
}

// Dependencies holds shared state injected into all HTTP handlers.
type Dependencies struct {
	Machine *run.Machine
	Guard   *run.Guard
	Runs    RunLister
	Engine  *policy.Engine
	Rules   RuleStore
	Clients ClientStore
	Auth    Authenticator
	Writer  storage.EventWriter
	Reader  *chread.Reader // nil if ClickHouse unavailable

	Verifier       *signature.Verifier
	WebhookSecret  string
	WebhookLimiter *rate.Limiter // nil disables limiting

	AdminToken string // empty disables /api routes
	Clock      window.Clock
	Logger     *zap.Logger
}

// NewRouter builds the HTTP mux with all routes wired up.
func NewRouter(deps *Dependencies) http.Handler {
	if deps.Clock == nil {
		deps.Clock = window.SystemClock{}
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	mux := http.NewServeMux()

	// Run lifecycle (Bearer rgk_ key)
	mux.HandleFunc("POST /v1/runs", deps.authMiddleware(deps.handleCreateRun))
	mux.HandleFunc("GET /v1/runs/{run_id}", deps.authMiddleware(deps.handleGetRun))
	mux.HandleFunc("POST /v1/runs/{run_id}/approve", deps.authMiddleware(deps.approverOnly(deps.handleApproveRun)))
	mux.HandleFunc("POST /v1/runs/{run_id}/reject", deps.authMiddleware(deps.approverOnly(deps.handleRejectRun)))
	mux.HandleFunc("POST /v1/runs/{run_id}/cancel", deps.authMiddleware(deps.handleCancelRun))
	mux.HandleFunc("POST /v1/runs/{run_id}/retry", deps.authMiddleware(deps.handleRetryRun))
	mux.HandleFunc("POST /v1/runs/{run_id}/request-approval", deps.authMiddleware(deps.handleRequestApproval))
	mux.HandleFunc("POST /v1/runs/{run_id}/start", deps.authMiddleware(deps.handleStartRun))

	// Policy queries
	mux.HandleFunc("POST /v1/policy/check", deps.authMiddleware(deps.handleCheck))
	mux.HandleFunc("GET /v1/policy/limits", deps.authMiddleware(deps.handleLimits))

	// Executor callbacks, authenticated by signature
	mux.HandleFunc("POST /v1/webhooks/runs", deps.handleRunWebhook)

	// Admin (X-Admin-Token)
	mux.HandleFunc("GET /api/runs", deps.adminOnly(deps.handleListRuns))
	mux.HandleFunc("GET /api/rules", deps.adminOnly(deps.handleListRules))
	mux.HandleFunc("POST /api/rules", deps.adminOnly(deps.handleCreateRule))
	mux.HandleFunc("GET /api/rules/{code}", deps.adminOnly(deps.handleGetRule))
	mux.HandleFunc("PATCH /api/rules/{code}", deps.adminOnly(deps.handleUpdateRule))
	mux.HandleFunc("POST /api/clients", deps.adminOnly(deps.handleCreateClient))
	mux.HandleFunc("GET /api/clients", deps.adminOnly(deps.handleListClients))
	mux.HandleFunc("DELETE /api/clients/{id}", deps.adminOnly(deps.handleDeleteClient))
	mux.HandleFunc("POST /api/clients/{id}/rotate-key", deps.adminOnly(deps.handleRotateKey))

	// Events & Analytics
	mux.HandleFunc("GET /api/events", deps.adminOnly(deps.handleListEvents))
	mux.HandleFunc("GET /api/events/{event_id}", deps.adminOnly(deps.handleGetEvent))
	mux.HandleFunc("GET /api/analytics", deps.adminOnly(deps.handleGetAnalytics))

	// Health check
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	return corsMiddleware(requestLogging(mux, deps.Logger))
}
