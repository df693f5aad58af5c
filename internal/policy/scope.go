package policy

import (
	"fmt"
	"slices"
	"strings"
)

// Scope decides which principals a rule applies to. The set of
// implementations is closed: AllScope, UsersScope and GroupsScope.
type Scope interface {
	Includes(p Principal) bool
	Spec() ScopeSpec
	key() string
}

// Scope type names used in ScopeSpec.
const (
	ScopeAll    = "all"
	ScopeUsers  = "users"
	ScopeGroups = "groups"
)

// AllScope applies to every principal.
type AllScope struct{}

func (AllScope) Includes(Principal) bool { return true }
func (AllScope) Spec() ScopeSpec          { return ScopeSpec{Type: ScopeAll} }
func (AllScope) key() string              { return ScopeAll }

// UsersScope applies to explicitly listed users.
type UsersScope struct {
	Users []string
}

func (s UsersScope) Includes(p Principal) bool {
	return p.User != "" && slices.Contains(s.Users, p.User)
}

func (s UsersScope) Spec() ScopeSpec {
	return ScopeSpec{Type: ScopeUsers, Members: slices.Clone(s.Users)}
}

func (s UsersScope) key() string { return ScopeUsers + ":" + canonicalMembers(s.Users) }

// GroupsScope applies to principals in any of the listed groups.
type GroupsScope struct {
	Groups []string
}

func (s GroupsScope) Includes(p Principal) bool {
	for _, g := range p.Groups {
		if slices.Contains(s.Groups, g) {
			return true
		}
	}
	return false
}

func (s GroupsScope) Spec() ScopeSpec {
	return ScopeSpec{Type: ScopeGroups, Members: slices.Clone(s.Groups)}
}

func (s GroupsScope) key() string { return ScopeGroups + ":" + canonicalMembers(s.Groups) }

// ScopeSpec is the serialized form of a Scope.
type ScopeSpec struct {
	Type    string   `json:"type" yaml:"type"`
	Members []string `json:"members,omitempty" yaml:"members,omitempty"`
}

// Scope builds the membership predicate for s.
func (s ScopeSpec) Scope() (Scope, error) {
	switch s.Type {
	case ScopeAll, "":
		return AllScope{}, nil
	case ScopeUsers:
		return UsersScope{Users: s.Members}, nil
	case ScopeGroups:
		return GroupsScope{Groups: s.Members}, nil
	default:
		return nil, fmt.Errorf("%w: unknown scope type %q", ErrInvalidRule, s.Type)
	}
}

func validateScope(s Scope) error {
	switch v := s.(type) {
	case AllScope:
		return nil
	case UsersScope:
		if len(v.Users) == 0 {
			return fmt.Errorf("%w: users scope needs at least one user", ErrInvalidRule)
		}
	case GroupsScope:
		if len(v.Groups) == 0 {
			return fmt.Errorf("%w: groups scope needs at least one group", ErrInvalidRule)
		}
	}
	return nil
}

func canonicalMembers(members []string) string {
	out := make([]string, 0, len(members))
	for _, m := range members {
		if m = strings.TrimSpace(m); m != "" {
			out = append(out, m)
		}
	}
	slices.Sort(out)
	return strings.Join(slices.Compact(out), ",")
}
