package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/triage-ai/runguard/internal/policy"
	"github.com/triage-ai/runguard/internal/store"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

// ClientStore looks up API clients by key prefix. It returns nil when no
// client holds the prefix. *store.Store and *store.Memory satisfy it.
type ClientStore interface {
	LookupByPrefix(ctx context.Context, prefix string) (*store.Client, error)
}

// KeyAuthenticator validates rgk_ keys against the client store. Lookups go
// through an AuthCache so the hot path skips the store and bcrypt.
// Auth failures always return an error; nothing runs unauthenticated.
type KeyAuthenticator struct {
	store  ClientStore
	cache  *AuthCache
	logger *zap.Logger
}

// KeyAuthConfig configures a KeyAuthenticator.
type KeyAuthConfig struct {
	Store    ClientStore
	CacheTTL time.Duration // Default: 30s
	Logger   *zap.Logger
}

// NewKeyAuthenticator creates an authenticator over the given client store.
func NewKeyAuthenticator(cfg KeyAuthConfig) *KeyAuthenticator {
	ttl := cfg.CacheTTL
	if ttl == 0 {
		ttl = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KeyAuthenticator{
		store:  cfg.Store,
		cache:  NewAuthCache(ttl),
		logger: logger,
	}
}

// Authenticate validates the bearer key in the Authorization header value.
//
// Flow:
//  1. Extract Bearer rgk_...
//  2. Cache lookup (stale-while-revalidate):
//     - Fresh hit: return immediately
//     - Stale hit: return stale client, refresh in background
//     - Miss: prefix lookup + bcrypt synchronously
//  3. Store failures map to ErrAuthUnavailable, never to success.
func (a *KeyAuthenticator) Authenticate(ctx context.Context, authorization string) (*ClientContext, error) {
	apiKey, err := ExtractAPIKey(authorization)
	if err != nil {
		return nil, err
	}

	result := a.cache.Get(apiKey)
	if result.Hit {
		if result.NeedsRefresh {
			go a.backgroundRefresh(apiKey)
		}
		return result.Client, nil
	}

	client, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		if errors.Is(err, ErrInvalidAPIKey) {
			return nil, ErrInvalidAPIKey
		}
		a.logger.Warn("auth store unreachable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrAuthUnavailable, err)
	}

	a.cache.Set(apiKey, client)
	return client, nil
}

// Invalidate drops cached entries for a client whose key was rotated or
// which was deleted.
func (a *KeyAuthenticator) Invalidate(clientID string) {
	if n := a.cache.Purge(clientID); n > 0 {
		a.logger.Debug("auth cache purged", zap.String("client_id", clientID), zap.Int("entries", n))
	}
}

func (a *KeyAuthenticator) backgroundRefresh(apiKey string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	client, err := a.lookupAndVerify(ctx, apiKey)
	if err != nil {
		a.logger.Warn("background auth refresh failed", zap.Error(err))
		// Next request does a synchronous lookup and sees the real error.
		a.cache.Delete(apiKey)
		return
	}
	a.cache.Set(apiKey, client)
}

func (a *KeyAuthenticator) lookupAndVerify(ctx context.Context, apiKey string) (*ClientContext, error) {
	row, err := a.store.LookupByPrefix(ctx, apiKey[:store.KeyPrefixLen])
	if err != nil {
		return nil, fmt.Errorf("lookupAndVerify: %w", err)
	}
	if row == nil {
		return nil, ErrInvalidAPIKey
	}
	if err := bcrypt.CompareHashAndPassword([]byte(row.APIKeyHash), []byte(apiKey)); err != nil {
		return nil, ErrInvalidAPIKey
	}
	return &ClientContext{
		ClientID:   row.ID,
		Name:       row.Name,
		Principal:  policy.Principal{User: row.Principal, Groups: row.Groups},
		CanApprove: row.CanApprove,
	}, nil
}
