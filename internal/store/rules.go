package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/window"
)

const ruleColumns = `code, name, sequence, active, kind, scope_type, scope_members,
	provider, model, source, target_type, max_count, period,
	block_patterns, require_patterns, max_tokens_per_request, max_tokens_per_day,
	created_at, updated_at`

const rulesPkey = "policy_rules_pkey"

func scanRule(row rowScanner) (*policy.Rule, error) {
	var r policy.Rule
	var kind, scopeType, period string
	var members, block, require []byte
	if err := row.Scan(&r.Code, &r.Name, &r.Sequence, &r.Active, &kind, &scopeType, &members,
		&r.Filters.Provider, &r.Filters.Model, &r.Filters.Source, &r.Filters.TargetType,
		&r.MaxCount, &period, &block, &require, &r.MaxTokensPerRequest, &r.MaxTokensPerDay,
		&r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Kind = policy.Kind(kind)
	r.Period = window.Period(period)

	spec := policy.ScopeSpec{Type: scopeType}
	if err := unmarshalList(members, &spec.Members); err != nil {
		return nil, fmt.Errorf("rule %s scope_members: %w", r.Code, err)
	}
	scope, err := spec.Scope()
	if err != nil {
		return nil, fmt.Errorf("rule %s: %w", r.Code, err)
	}
	r.Scope = scope
	if err := unmarshalList(block, &r.BlockPatterns); err != nil {
		return nil, fmt.Errorf("rule %s block_patterns: %w", r.Code, err)
	}
	if err := unmarshalList(require, &r.RequirePatterns); err != nil {
		return nil, fmt.Errorf("rule %s require_patterns: %w", r.Code, err)
	}
	return &r, nil
}

func unmarshalList(raw []byte, dst *[]string) error {
	if len(raw) == 0 || string(raw) == "null" {
		return nil
	}
	return json.Unmarshal(raw, dst)
}

func marshalList(v []string) []byte {
	if v == nil {
		v = []string{}
	}
	b, _ := json.Marshal(v)
	return b
}

// ActiveRules returns every active rule ordered by sequence.
func (s *Store) ActiveRules(ctx context.Context) ([]*policy.Rule, error) {
	return s.queryRules(ctx, "ActiveRules",
		`SELECT `+ruleColumns+` FROM policy_rules WHERE active ORDER BY sequence, code`)
}

// ListRules returns all rules ordered by sequence.
func (s *Store) ListRules(ctx context.Context) ([]*policy.Rule, error) {
	return s.queryRules(ctx, "ListRules",
		`SELECT `+ruleColumns+` FROM policy_rules ORDER BY sequence, code`)
}

func (s *Store) queryRules(ctx context.Context, op, query string) ([]*policy.Rule, error) {
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	var rules []*policy.Rule
	for rows.Next() {
		r, err := scanRule(rows)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", op, err)
		}
		rules = append(rules, r)
	}
	return rules, rows.Err()
}

// GetRule returns a rule by code, or nil if not found.
func (s *Store) GetRule(ctx context.Context, code string) (*policy.Rule, error) {
	r, err := scanRule(s.db.QueryRowContext(ctx,
		`SELECT `+ruleColumns+` FROM policy_rules WHERE code = $1`, code))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("GetRule: %w", err)
	}
	return r, nil
}

// CreateRule validates and inserts a rule. A duplicate code or a second
// active rule for the same scope is rejected.
func (s *Store) CreateRule(ctx context.Context, r *policy.Rule) (*policy.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	spec := r.Scope.Spec()
	created, err := scanRule(s.db.QueryRowContext(ctx, `
		INSERT INTO policy_rules (
			code, name, sequence, active, kind, scope_type, scope_members, scope_key,
			provider, model, source, target_type, max_count, period,
			block_patterns, require_patterns, max_tokens_per_request, max_tokens_per_day
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING `+ruleColumns,
		r.Code, r.Name, r.Sequence, r.Active, string(r.Kind), spec.Type, marshalList(spec.Members), r.ScopeKey(),
		r.Filters.Provider, r.Filters.Model, r.Filters.Source, r.Filters.TargetType, r.MaxCount, string(r.Period),
		marshalList(r.BlockPatterns), marshalList(r.RequirePatterns), r.MaxTokensPerRequest, r.MaxTokensPerDay,
	))
	if err != nil {
		return nil, ruleWriteError("CreateRule", err)
	}
	return created, nil
}

// UpdateRule replaces every editable field of the rule with the given code.
// Returns nil if the rule does not exist.
func (s *Store) UpdateRule(ctx context.Context, r *policy.Rule) (*policy.Rule, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	spec := r.Scope.Spec()
	updated, err := scanRule(s.db.QueryRowContext(ctx, `
		UPDATE policy_rules SET
			name = $2, sequence = $3, active = $4, kind = $5,
			scope_type = $6, scope_members = $7, scope_key = $8,
			provider = $9, model = $10, source = $11, target_type = $12,
			max_count = $13, period = $14, block_patterns = $15, require_patterns = $16,
			max_tokens_per_request = $17, max_tokens_per_day = $18,
			updated_at = now()
		WHERE code = $1
		RETURNING `+ruleColumns,
		r.Code, r.Name, r.Sequence, r.Active, string(r.Kind), spec.Type, marshalList(spec.Members), r.ScopeKey(),
		r.Filters.Provider, r.Filters.Model, r.Filters.Source, r.Filters.TargetType, r.MaxCount, string(r.Period),
		marshalList(r.BlockPatterns), marshalList(r.RequirePatterns), r.MaxTokensPerRequest, r.MaxTokensPerDay,
	))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, ruleWriteError("UpdateRule", err)
	}
	return updated, nil
}

func ruleWriteError(op string, err error) error {
	if name, ok := uniqueConstraint(err); ok {
		if name == rulesPkey {
			return fmt.Errorf("%s: %w", op, policy.ErrRuleExists)
		}
		return fmt.Errorf("%s: %w", op, policy.ErrRuleConflict)
	}
	return fmt.Errorf("%s: %w", op, err)
}
