package policy

import (
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/triage-ai/runguard/internal/window"
)

var (
	ErrInvalidRule  = errors.New("invalid policy rule")
	ErrRuleConflict = errors.New("an active rule already covers this scope")
	ErrRuleExists   = errors.New("a rule with this code already exists")
)

// Kind is what a rule does when it matches.
type Kind string

const (
	KindAllow           Kind = "allow"
	KindDeny            Kind = "deny"
	KindRateLimit       Kind = "rate_limit"
	KindRequireApproval Kind = "require_approval"
)

func (k Kind) valid() bool {
	switch k {
	case KindAllow, KindDeny, KindRateLimit, KindRequireApproval:
		return true
	}
	return false
}

// Principal is the identity a rule scope is matched against.
type Principal struct {
	User   string   `json:"user"`
	Groups []string `json:"groups,omitempty"`
}

// Filters narrow a rule to matching requests. Empty fields match everything.
// Provider, model and source match as case-insensitive substrings of the
// request value; target type must be equal.
type Filters struct {
	Provider   string `json:"provider,omitempty" yaml:"provider,omitempty"`
	Model      string `json:"model,omitempty" yaml:"model,omitempty"`
	Source     string `json:"source,omitempty" yaml:"source,omitempty"`
	TargetType string `json:"target_type,omitempty" yaml:"target_type,omitempty"`
}

func (f Filters) match(req *Request) bool {
	return containsFold(req.Provider, f.Provider) &&
		containsFold(req.Model, f.Model) &&
		containsFold(req.Source, f.Source) &&
		(f.TargetType == "" || f.TargetType == req.TargetType)
}

func containsFold(value, filter string) bool {
	if filter == "" {
		return true
	}
	return strings.Contains(strings.ToLower(value), strings.ToLower(filter))
}

// Rule is one governance constraint.
type Rule struct {
	Code     string
	Name     string
	Sequence int
	Active   bool
	Kind     Kind
	Scope    Scope
	Filters  Filters

	// Rate limit, only meaningful for KindRateLimit.
	MaxCount int
	Period   window.Period

	// Content filters, applied only when a request carries content.
	BlockPatterns   []string
	RequirePatterns []string

	// Token ceilings reported by EffectiveLimits. Zero means unset.
	MaxTokensPerRequest int
	MaxTokensPerDay     int

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Validate checks the rule's shape and compiles its patterns.
func (r *Rule) Validate() error {
	if r.Code == "" {
		return fmt.Errorf("%w: code is required", ErrInvalidRule)
	}
	if !r.Kind.valid() {
		return fmt.Errorf("%w: unknown kind %q", ErrInvalidRule, r.Kind)
	}
	if r.Scope == nil {
		return fmt.Errorf("%w: scope is required", ErrInvalidRule)
	}
	if err := validateScope(r.Scope); err != nil {
		return err
	}
	if r.Kind == KindRateLimit {
		if r.MaxCount <= 0 {
			return fmt.Errorf("%w: rate_limit requires max_count > 0", ErrInvalidRule)
		}
		if _, err := window.ParsePeriod(string(r.Period)); err != nil {
			return fmt.Errorf("%w: %v", ErrInvalidRule, err)
		}
	}
	if r.MaxTokensPerRequest < 0 || r.MaxTokensPerDay < 0 {
		return fmt.Errorf("%w: token ceilings must not be negative", ErrInvalidRule)
	}
	for _, p := range append(slices.Clone(r.BlockPatterns), r.RequirePatterns...) {
		if _, err := compilePattern(p); err != nil {
			return fmt.Errorf("%w: pattern %q: %v", ErrInvalidRule, p, err)
		}
	}
	return nil
}

// ScopeKey identifies the target scope of a rule. Two active rules with the
// same key would have ambiguous precedence, so only one may exist. Rate limits
// over different periods are distinct.
func (r *Rule) ScopeKey() string {
	var sb strings.Builder
	sb.WriteString(string(r.Kind))
	if r.Kind == KindRateLimit {
		sb.WriteByte('@')
		sb.WriteString(string(r.Period))
	}
	sb.WriteByte('|')
	if r.Scope != nil {
		sb.WriteString(r.Scope.key())
	}
	for _, f := range []string{r.Filters.Provider, r.Filters.Model, r.Filters.Source, r.Filters.TargetType} {
		sb.WriteByte('|')
		sb.WriteString(strings.ToLower(strings.TrimSpace(f)))
	}
	return sb.String()
}

func compilePattern(p string) (*regexp.Regexp, error) {
	return regexp.Compile("(?i)" + p)
}
