package policy

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/triage-ai/runguard/internal/window"
	"gopkg.in/yaml.v3"
)

// RuleSpec is the serialized form of a Rule, shared by the HTTP API and
// YAML rule files.
type RuleSpec struct {
	Code                string    `json:"code" yaml:"code"`
	Name                string    `json:"name" yaml:"name"`
	Sequence            int       `json:"sequence" yaml:"sequence"`
	Active              *bool     `json:"active,omitempty" yaml:"active,omitempty"` // nil = true
	Kind                Kind      `json:"kind" yaml:"kind"`
	Scope               ScopeSpec `json:"scope" yaml:"scope"`
	Filters             Filters   `json:"filters" yaml:"filters,omitempty"`
	MaxCount            int       `json:"max_count,omitempty" yaml:"max_count,omitempty"`
	Period              string    `json:"period,omitempty" yaml:"period,omitempty"`
	BlockPatterns       []string  `json:"block_patterns,omitempty" yaml:"block_patterns,omitempty"`
	RequirePatterns     []string  `json:"require_patterns,omitempty" yaml:"require_patterns,omitempty"`
	MaxTokensPerRequest int       `json:"max_tokens_per_request,omitempty" yaml:"max_tokens_per_request,omitempty"`
	MaxTokensPerDay     int       `json:"max_tokens_per_day,omitempty" yaml:"max_tokens_per_day,omitempty"`

	CreatedAt *time.Time `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt *time.Time `json:"updated_at,omitempty" yaml:"-"`
}

// Rule converts s to a validated Rule.
func (s RuleSpec) Rule() (*Rule, error) {
	scope, err := s.Scope.Scope()
	if err != nil {
		return nil, err
	}
	active := true
	if s.Active != nil {
		active = *s.Active
	}
	r := &Rule{
		Code:                s.Code,
		Name:                s.Name,
		Sequence:            s.Sequence,
		Active:              active,
		Kind:                s.Kind,
		Scope:               scope,
		Filters:             s.Filters,
		MaxCount:            s.MaxCount,
		Period:              window.Period(s.Period),
		BlockPatterns:       s.BlockPatterns,
		RequirePatterns:     s.RequirePatterns,
		MaxTokensPerRequest: s.MaxTokensPerRequest,
		MaxTokensPerDay:     s.MaxTokensPerDay,
	}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// SpecOf returns the serialized form of r.
func SpecOf(r *Rule) RuleSpec {
	active := r.Active
	s := RuleSpec{
		Code:                r.Code,
		Name:                r.Name,
		Sequence:            r.Sequence,
		Active:              &active,
		Kind:                r.Kind,
		Filters:             r.Filters,
		MaxCount:            r.MaxCount,
		Period:              string(r.Period),
		BlockPatterns:       r.BlockPatterns,
		RequirePatterns:     r.RequirePatterns,
		MaxTokensPerRequest: r.MaxTokensPerRequest,
		MaxTokensPerDay:     r.MaxTokensPerDay,
	}
	if r.Scope != nil {
		s.Scope = r.Scope.Spec()
	}
	if !r.CreatedAt.IsZero() {
		t := r.CreatedAt
		s.CreatedAt = &t
	}
	if !r.UpdatedAt.IsZero() {
		t := r.UpdatedAt
		s.UpdatedAt = &t
	}
	return s
}

// RuleFile is the top-level layout of a YAML rule file.
type RuleFile struct {
	Rules []RuleSpec `yaml:"rules"`
}

// ParseRules decodes and validates YAML rule definitions. Duplicate codes and
// duplicate active scopes are rejected the same way the stores reject them.
func ParseRules(data []byte) ([]*Rule, error) {
	var f RuleFile
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("ParseRules: %w", err)
	}

	codes := make(map[string]bool, len(f.Rules))
	scopes := make(map[string]string, len(f.Rules))
	rules := make([]*Rule, 0, len(f.Rules))
	for i, s := range f.Rules {
		r, err := s.Rule()
		if err != nil {
			return nil, fmt.Errorf("ParseRules: rule %d: %w", i, err)
		}
		if codes[r.Code] {
			return nil, fmt.Errorf("ParseRules: %w: duplicate code %q", ErrInvalidRule, r.Code)
		}
		codes[r.Code] = true
		if r.Active {
			key := r.ScopeKey()
			if other, ok := scopes[key]; ok {
				return nil, fmt.Errorf("ParseRules: %w: %s and %s", ErrRuleConflict, other, r.Code)
			}
			scopes[key] = r.Code
		}
		rules = append(rules, r)
	}
	return rules, nil
}

// LoadRulesFile reads and parses a YAML rule file.
func LoadRulesFile(path string) ([]*Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadRulesFile: %w", err)
	}
	return ParseRules(data)
}
