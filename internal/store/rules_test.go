package store

import (
	"context"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/window"
)

var ruleRowColumns = []string{
	"code", "name", "sequence", "active", "kind", "scope_type", "scope_members",
	"provider", "model", "source", "target_type", "max_count", "period",
	"block_patterns", "require_patterns", "max_tokens_per_request", "max_tokens_per_day",
	"created_at", "updated_at",
}

func hourlyLimit() *policy.Rule {
	return &policy.Rule{
		Code:     "R1",
		Name:     "hourly cap",
		Sequence: 10,
		Active:   true,
		Kind:     policy.KindRateLimit,
		Scope:    policy.UsersScope{Users: []string{"alice"}},
		MaxCount: 3,
		Period:   window.Hour,
	}
}

func TestActiveRules(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(ruleRowColumns).
		AddRow("R1", "hourly cap", 10, true, "rate_limit", "users", []byte(`["alice"]`),
			"", "", "", "", 3, "hour", []byte(`[]`), []byte(`[]`), 0, 0, now, now).
		AddRow("R2", "no secrets", 20, true, "deny", "groups", []byte(`["contractors"]`),
			"openai", "", "", "", 0, "", []byte(`["secret"]`), []byte(`null`), 0, 5000, now, now)
	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_rules WHERE active ORDER BY sequence, code")).
		WillReturnRows(rows)

	rules, err := s.ActiveRules(context.Background())
	require.NoError(t, err)
	require.Len(t, rules, 2)

	assert.Equal(t, policy.KindRateLimit, rules[0].Kind)
	assert.Equal(t, window.Hour, rules[0].Period)
	assert.Equal(t, policy.UsersScope{Users: []string{"alice"}}, rules[0].Scope)

	assert.Equal(t, policy.GroupsScope{Groups: []string{"contractors"}}, rules[1].Scope)
	assert.Equal(t, []string{"secret"}, rules[1].BlockPatterns)
	assert.Nil(t, rules[1].RequirePatterns)
	assert.Equal(t, "openai", rules[1].Filters.Provider)
	assert.Equal(t, 5000, rules[1].MaxTokensPerDay)
}

func TestActiveRules_BadScope(t *testing.T) {
	s, mock := newMockStore(t)
	now := time.Now().UTC()

	rows := sqlmock.NewRows(ruleRowColumns).
		AddRow("R1", "", 10, true, "deny", "planet", []byte(`[]`),
			"", "", "", "", 0, "", []byte(`[]`), []byte(`[]`), 0, 0, now, now)
	mock.ExpectQuery("FROM policy_rules").WillReturnRows(rows)

	_, err := s.ActiveRules(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule R1")
}

func TestGetRule_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM policy_rules WHERE code = $1")).
		WithArgs("nope").
		WillReturnRows(sqlmock.NewRows(ruleRowColumns))

	r, err := s.GetRule(context.Background(), "nope")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestCreateRule(t *testing.T) {
	s, mock := newMockStore(t)
	r := hourlyLimit()
	now := time.Now().UTC()

	mock.ExpectQuery("INSERT INTO policy_rules").
		WithArgs("R1", "hourly cap", 10, true, "rate_limit", "users", []byte(`["alice"]`), r.ScopeKey(),
			"", "", "", "", 3, "hour", []byte(`[]`), []byte(`[]`), 0, 0).
		WillReturnRows(sqlmock.NewRows(ruleRowColumns).
			AddRow("R1", "hourly cap", 10, true, "rate_limit", "users", []byte(`["alice"]`),
				"", "", "", "", 3, "hour", []byte(`[]`), []byte(`[]`), 0, 0, now, now))

	created, err := s.CreateRule(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "R1", created.Code)
	assert.Equal(t, now, created.CreatedAt)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRule_Invalid(t *testing.T) {
	s, mock := newMockStore(t)
	r := hourlyLimit()
	r.MaxCount = 0

	_, err := s.CreateRule(context.Background(), r)
	assert.ErrorIs(t, err, policy.ErrInvalidRule)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateRule_UniqueViolations(t *testing.T) {
	tests := []struct {
		name       string
		constraint string
		want       error
	}{
		{"duplicate code", "policy_rules_pkey", policy.ErrRuleExists},
		{"active scope taken", "policy_rules_active_scope_uniq", policy.ErrRuleConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, mock := newMockStore(t)
			mock.ExpectQuery("INSERT INTO policy_rules").
				WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: tt.constraint})

			_, err := s.CreateRule(context.Background(), hourlyLimit())
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestUpdateRule_NotFound(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE policy_rules SET").
		WillReturnRows(sqlmock.NewRows(ruleRowColumns))

	r, err := s.UpdateRule(context.Background(), hourlyLimit())
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestUpdateRule_ScopeConflict(t *testing.T) {
	s, mock := newMockStore(t)

	mock.ExpectQuery("UPDATE policy_rules SET").
		WillReturnError(&pgconn.PgError{Code: "23505", ConstraintName: "policy_rules_active_scope_uniq"})

	_, err := s.UpdateRule(context.Background(), hourlyLimit())
	assert.ErrorIs(t, err, policy.ErrRuleConflict)
}
