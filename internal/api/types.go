package api

import (
	"encoding/json"
	"time"

	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/run"
)

// ErrorResp is the body of every non-2xx response.
type ErrorResp struct {
	Detail string `json:"detail"`
}

// --- Runs ---

type CreateRunReq struct {
	ToolID         string          `json:"tool_id"`
	TargetType     string          `json:"target_type"`
	TargetID       string          `json:"target_id"`
	Input          json.RawMessage `json:"input,omitempty"`
	IdempotencyKey string          `json:"idempotency_key,omitempty"`
}

// RunListResp wraps an operator run listing.
type RunListResp struct {
	Runs  []*run.Run `json:"runs"`
	Count int        `json:"count"`
}

// WebhookReq is the completion callback sent by executors.
type WebhookReq struct {
	RunID        string `json:"run_id"`
	State        string `json:"state"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// WebhookResp acknowledges a completion callback. Status is "applied" or
// "ignored"; a replayed completion for a run that already finished is ignored.
type WebhookResp struct {
	Status string `json:"status"`
	RunID  string `json:"run_id"`
	State  string `json:"state,omitempty"`
}

// --- Policy ---

type CheckReq struct {
	Provider   string `json:"provider"`
	Model      string `json:"model"`
	Source     string `json:"source"`
	TargetType string `json:"target_type"`
	Content    string `json:"content"`
}

type CheckResp struct {
	Allowed          bool    `json:"allowed"`
	RuleCode         *string `json:"rule_code"`
	Reason           *string `json:"reason"`
	RequiresApproval bool    `json:"requires_approval"`
	ApprovalRuleCode *string `json:"approval_rule_code"`
	EventID          string  `json:"event_id"`
}

type LimitsResp struct {
	Principal string `json:"principal"`
	policy.Limits
}

// UpdateRuleReq is a partial rule update. Code and kind cannot change.
type UpdateRuleReq struct {
	Name                *string           `json:"name"`
	Sequence            *int              `json:"sequence"`
	Active              *bool             `json:"active"`
	Scope               *policy.ScopeSpec `json:"scope"`
	Filters             *policy.Filters   `json:"filters"`
	MaxCount            *int              `json:"max_count"`
	Period              *string           `json:"period"`
	BlockPatterns       []string          `json:"block_patterns"`
	RequirePatterns     []string          `json:"require_patterns"`
	MaxTokensPerRequest *int              `json:"max_tokens_per_request"`
	MaxTokensPerDay     *int              `json:"max_tokens_per_day"`
}

// --- Clients ---

type CreateClientReq struct {
	Name       string   `json:"name"`
	Principal  string   `json:"principal"`
	Groups     []string `json:"groups"`
	CanApprove bool     `json:"can_approve"`
}

type ClientResp struct {
	ID           string    `json:"id"`
	Name         string    `json:"name"`
	Principal    string    `json:"principal"`
	Groups       []string  `json:"groups"`
	CanApprove   bool      `json:"can_approve"`
	APIKeyPrefix string    `json:"api_key_prefix"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// CreateClientResp is the only response that carries the plaintext key.
type CreateClientResp struct {
	ClientResp
	APIKey string `json:"api_key"`
}

// --- Events ---

type GovernanceEventResp struct {
	EventID     string    `json:"event_id"`
	Timestamp   time.Time `json:"timestamp"`
	Kind        string    `json:"kind"`
	Principal   string    `json:"principal"`
	Blocked     bool      `json:"blocked"`
	RuleCode    *string   `json:"rule_code"`
	Reason      *string   `json:"reason"`
	Provider    *string   `json:"provider"`
	Model       *string   `json:"model"`
	Source      *string   `json:"source"`
	TargetType  *string   `json:"target_type"`
	ContentHash *string   `json:"content_hash"`
	RunID       *string   `json:"run_id"`
	ToolID      *string   `json:"tool_id"`
	Op          *string   `json:"op"`
	FromState   *string   `json:"from_state"`
	ToState     *string   `json:"to_state"`
}

type EventListResp struct {
	Events   []GovernanceEventResp `json:"events"`
	Total    int                   `json:"total"`
	Page     int                   `json:"page"`
	PageSize int                   `json:"page_size"`
}
