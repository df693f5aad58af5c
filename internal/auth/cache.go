package auth

import (
	"crypto/sha256"
	"sync"
	"sync/atomic"
	"time"
)

// AuthCache is a TTL cache of authenticated clients keyed by a digest of the
// API key, so plaintext keys are never retained.
//
// Stale-while-revalidate: an expired entry is still returned and the first
// reader after expiry is told to refresh it in the background. No request
// blocks on DB + bcrypt after the first lookup of a key.
type AuthCache struct {
	entries sync.Map // map[[32]byte]*cacheEntry
	ttl     time.Duration
}

type cacheEntry struct {
	client     *ClientContext
	expiresAt  time.Time
	refreshing atomic.Bool
}

// NewAuthCache creates a cache with the given TTL.
func NewAuthCache(ttl time.Duration) *AuthCache {
	return &AuthCache{ttl: ttl}
}

// GetResult holds the result of a cache lookup.
type GetResult struct {
	Client       *ClientContext
	Hit          bool // a value was found, fresh or stale
	NeedsRefresh bool // the caller won the right to refresh this entry
}

// Get looks up the API key.
//
//   - Fresh hit: {Client, Hit=true, NeedsRefresh=false}
//   - Stale hit: {Client, Hit=true, NeedsRefresh=true for exactly one caller}
//   - Miss:      {nil, Hit=false}
func (c *AuthCache) Get(apiKey string) GetResult {
	val, ok := c.entries.Load(digest(apiKey))
	if !ok {
		return GetResult{}
	}
	entry := val.(*cacheEntry)

	if time.Now().Before(entry.expiresAt) {
		return GetResult{Client: entry.client, Hit: true}
	}
	return GetResult{
		Client:       entry.client,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a client under the API key with the configured TTL.
func (c *AuthCache) Set(apiKey string, client *ClientContext) {
	c.entries.Store(digest(apiKey), &cacheEntry{
		client:    client,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes the entry for an API key.
func (c *AuthCache) Delete(apiKey string) {
	c.entries.Delete(digest(apiKey))
}

// Purge removes every entry for a client. Called after its key is rotated or
// the client is deleted.
func (c *AuthCache) Purge(clientID string) int {
	n := 0
	c.entries.Range(func(k, v any) bool {
		if v.(*cacheEntry).client.ClientID == clientID {
			c.entries.Delete(k)
			n++
		}
		return true
	})
	return n
}

func digest(apiKey string) [32]byte {
	return sha256.Sum256([]byte(apiKey))
}
