package catalog

import (
	"sync"
	"sync/atomic"
	"time"
)

// ToolCache is a TTL cache with stale-while-revalidate for tool lookups.
// A nil tool is a negative entry: the id is known not to be registered.
type ToolCache struct {
	entries sync.Map // map[string]*toolCacheEntry
	ttl     time.Duration
}

type toolCacheEntry struct {
	tool       *Tool
	expiresAt  time.Time
	refreshing atomic.Bool
}

// CacheGetResult holds the result of a cache lookup.
type CacheGetResult struct {
	Tool         *Tool // nil on miss or negative entry
	Hit          bool
	NeedsRefresh bool // expired, and this caller should refresh it
}

// NewToolCache creates a cache with the given TTL.
func NewToolCache(ttl time.Duration) *ToolCache {
	return &ToolCache{ttl: ttl}
}

// Get performs a non-blocking lookup. Expired entries are still returned,
// with NeedsRefresh set for exactly one caller.
func (c *ToolCache) Get(toolID string) CacheGetResult {
	val, ok := c.entries.Load(toolID)
	if !ok {
		return CacheGetResult{}
	}
	entry := val.(*toolCacheEntry)
	if time.Now().Before(entry.expiresAt) {
		return CacheGetResult{Tool: entry.tool, Hit: true}
	}
	return CacheGetResult{
		Tool:         entry.tool,
		Hit:          true,
		NeedsRefresh: entry.refreshing.CompareAndSwap(false, true),
	}
}

// Set stores a tool with a fresh TTL. A nil tool stores a negative entry.
func (c *ToolCache) Set(toolID string, tool *Tool) {
	c.entries.Store(toolID, &toolCacheEntry{
		tool:      tool,
		expiresAt: time.Now().Add(c.ttl),
	})
}

// Delete removes an entry.
func (c *ToolCache) Delete(toolID string) {
	c.entries.Delete(toolID)
}
