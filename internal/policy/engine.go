// Package policy evaluates ordered governance rules against a request.
package policy

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/triage-ai/runguard/internal/window"
)

// RuleSource supplies the active rules. Called once per evaluation.
type RuleSource interface {
	ActiveRules(ctx context.Context) ([]*Rule, error)
}

// Counter counts prior non-blocked policy checks for a principal in [from, to].
type Counter interface {
	Count(ctx context.Context, principal string, from, to time.Time) (int, error)
}

// Request is the context a decision is made against.
type Request struct {
	Principal  Principal
	Provider   string
	Model      string
	Source     string
	TargetType string
	Content    string
}

// Decision is the outcome of Evaluate. A blocked request is a Decision with
// Allowed=false, not an error.
type Decision struct {
	Allowed     bool
	MatchedRule *Rule
	Reason      string

	// RequiresApproval is set when a require_approval rule matched. It never
	// blocks on its own; the caller gates the run.
	RequiresApproval bool
	ApprovalRule     *Rule
}

// Limits are the merged quota limits for a principal. Zero means unlimited.
type Limits struct {
	MaxTokensPerRequest int           `json:"max_tokens_per_request"`
	MaxTokensPerDay     int           `json:"max_tokens_per_day"`
	RateLimitCount      int           `json:"rate_limit_count"`
	RateLimitPeriod     window.Period `json:"rate_limit_period,omitempty"`
}

// Config configures an Engine.
type Config struct {
	Clock window.Clock // default: system clock
}

// Engine evaluates rules. Safe for concurrent use.
type Engine struct {
	rules    RuleSource
	counter  Counter
	clock    window.Clock
	patterns sync.Map // map[string]*regexp.Regexp
}

// NewEngine creates an Engine.
func NewEngine(rules RuleSource, counter Counter, cfg Config) *Engine {
	clock := cfg.Clock
	if clock == nil {
		clock = window.SystemClock{}
	}
	return &Engine{rules: rules, counter: counter, clock: clock}
}

// Evaluate walks active rules in ascending sequence. The first deny, exceeded
// rate limit, or content block wins. require_approval matches are recorded
// and evaluation continues so a later deny still applies.
func (e *Engine) Evaluate(ctx context.Context, req Request) (Decision, error) {
	rules, err := e.snapshot(ctx)
	if err != nil {
		return Decision{}, err
	}

	now := e.clock.Now()
	var dec Decision

	for _, r := range rules {
		if !r.Scope.Includes(req.Principal) || !r.Filters.match(&req) {
			continue
		}

		switch r.Kind {
		case KindDeny:
			return blocked(r, fmt.Sprintf("denied by rule %s", r.Code)), nil
		case KindRateLimit:
			from, to := window.Span(now, r.Period)
			n, err := e.counter.Count(ctx, req.Principal.User, from, to)
			if err != nil {
				return Decision{}, fmt.Errorf("Evaluate: rule %s: %w", r.Code, err)
			}
			if n >= r.MaxCount {
				return blocked(r, fmt.Sprintf("rate limit exceeded: %d of %d per %s", n, r.MaxCount, r.Period)), nil
			}
		case KindRequireApproval:
			if !dec.RequiresApproval {
				dec.RequiresApproval = true
				dec.ApprovalRule = r
			}
		}

		if req.Content == "" {
			continue
		}
		for _, p := range r.BlockPatterns {
			re, err := e.compiled(p)
			if err != nil {
				return Decision{}, fmt.Errorf("Evaluate: rule %s: %w", r.Code, err)
			}
			if re.MatchString(req.Content) {
				return blocked(r, fmt.Sprintf("content matched blocked pattern %q", p)), nil
			}
		}
		if len(r.RequirePatterns) > 0 {
			ok, err := e.anyMatch(r.RequirePatterns, req.Content)
			if err != nil {
				return Decision{}, fmt.Errorf("Evaluate: rule %s: %w", r.Code, err)
			}
			if !ok {
				return blocked(r, "content did not match any required pattern"), nil
			}
		}
	}

	dec.Allowed = true
	return dec, nil
}

// EffectiveLimits merges the quota limits of every active rule in scope for
// the principal by taking the maximum of each field. The period follows the
// rule that supplied the largest count; on equal counts the longer period wins.
func (e *Engine) EffectiveLimits(ctx context.Context, p Principal) (Limits, error) {
	rules, err := e.snapshot(ctx)
	if err != nil {
		return Limits{}, err
	}

	var lim Limits
	for _, r := range rules {
		if !r.Scope.Includes(p) {
			continue
		}
		lim.MaxTokensPerRequest = max(lim.MaxTokensPerRequest, r.MaxTokensPerRequest)
		lim.MaxTokensPerDay = max(lim.MaxTokensPerDay, r.MaxTokensPerDay)
		if r.Kind != KindRateLimit {
			continue
		}
		if r.MaxCount > lim.RateLimitCount ||
			(r.MaxCount == lim.RateLimitCount && r.Period.Approx() > lim.RateLimitPeriod.Approx()) {
			lim.RateLimitCount = r.MaxCount
			lim.RateLimitPeriod = r.Period
		}
	}
	return lim, nil
}

// snapshot reads the active rules once and orders them by sequence.
func (e *Engine) snapshot(ctx context.Context) ([]*Rule, error) {
	all, err := e.rules.ActiveRules(ctx)
	if err != nil {
		return nil, fmt.Errorf("load rules: %w", err)
	}
	rules := make([]*Rule, 0, len(all))
	for _, r := range all {
		if r.Active && r.Scope != nil {
			rules = append(rules, r)
		}
	}
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Sequence != rules[j].Sequence {
			return rules[i].Sequence < rules[j].Sequence
		}
		return rules[i].Code < rules[j].Code
	})
	return rules, nil
}

func (e *Engine) anyMatch(patterns []string, content string) (bool, error) {
	for _, p := range patterns {
		re, err := e.compiled(p)
		if err != nil {
			return false, err
		}
		if re.MatchString(content) {
			return true, nil
		}
	}
	return false, nil
}

func (e *Engine) compiled(p string) (*regexp.Regexp, error) {
	if v, ok := e.patterns.Load(p); ok {
		return v.(*regexp.Regexp), nil
	}
	re, err := compilePattern(p)
	if err != nil {
		return nil, err
	}
	e.patterns.Store(p, re)
	return re, nil
}

func blocked(r *Rule, reason string) Decision {
	return Decision{Allowed: false, MatchedRule: r, Reason: reason}
}
