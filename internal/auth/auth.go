// Package auth authenticates API clients by their rgk_ bearer keys.
package auth

import (
	"context"
	"errors"
	"strings"

	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/store"
)

var (
	ErrMissingAPIKey   = errors.New("missing authorization header")
	ErrInvalidAPIKey   = errors.New("invalid API key")
	ErrAuthUnavailable = errors.New("authentication backend unavailable")
)

// ClientContext is the authenticated caller of a request.
type ClientContext struct {
	ClientID   string
	Name       string
	Principal  policy.Principal
	CanApprove bool
}

// Authenticator resolves an Authorization header value to a client.
type Authenticator interface {
	Authenticate(ctx context.Context, authorization string) (*ClientContext, error)
}

// ExtractAPIKey returns the rgk_ key from an Authorization header value.
func ExtractAPIKey(authorization string) (string, error) {
	token := strings.TrimSpace(authorization)
	if token == "" {
		return "", ErrMissingAPIKey
	}
	// RFC 6750: the "Bearer" scheme is case-insensitive.
	if len(token) > 7 && strings.EqualFold(token[:7], "bearer ") {
		token = strings.TrimSpace(token[7:])
	}
	if !strings.HasPrefix(token, store.APIKeyPrefix) || len(token) < store.KeyPrefixLen {
		return "", ErrInvalidAPIKey
	}
	return token, nil
}

type clientKey struct{}

// WithClient returns a context carrying the authenticated client.
func WithClient(ctx context.Context, c *ClientContext) context.Context {
	return context.WithValue(ctx, clientKey{}, c)
}

// FromContext returns the authenticated client, or nil.
func FromContext(ctx context.Context) *ClientContext {
	c, _ := ctx.Value(clientKey{}).(*ClientContext)
	return c
}
