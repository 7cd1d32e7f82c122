package rules

import (
	"sort"
	"sync"
	"time"
)

type cacheEntry struct {
	rules    []*Rule
	cachedAt time.Time
}

// InMemoryRulesCache is a map-backed RulesCache.
// Thread-safe for concurrent access.
type InMemoryRulesCache struct {
	entries map[string]cacheEntry
	config  CacheConfig
	now     func() time.Time
	mu      sync.RWMutex
}

// NewInMemoryRulesCache creates a new in-memory rules cache
func NewInMemoryRulesCache(config CacheConfig) *InMemoryRulesCache {
	return &InMemoryRulesCache{
		entries: make(map[string]cacheEntry),
		config:  config,
		now:     time.Now,
	}
}

func (c *InMemoryRulesCache) expired(e cacheEntry) bool {
	return c.config.TTL > 0 && c.now().Sub(e.cachedAt) > c.config.TTL
}

// Get retrieves cached rules for a workspace
func (c *InMemoryRulesCache) Get(workspaceID string) ([]*Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[workspaceID]
	if !ok || c.expired(entry) {
		return nil, false
	}
	return cloneRules(entry.rules), true
}

// Set stores rules in cache
func (c *InMemoryRulesCache) Set(workspaceID string, rules []*Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[workspaceID] = cacheEntry{
		rules:    cloneRules(rules),
		cachedAt: c.now(),
	}
}

// Invalidate clears one workspace
func (c *InMemoryRulesCache) Invalidate(workspaceID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, workspaceID)
}

func (c *InMemoryRulesCache) InvalidateAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

func (c *InMemoryRulesCache) Workspaces() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()

	out := make([]string, 0, len(c.entries))
	for ws, entry := range c.entries {
		if !c.expired(entry) {
			out = append(out, ws)
		}
	}
	sort.Strings(out)
	return out
}

func cloneRules(in []*Rule) []*Rule {
	out := make([]*Rule, len(in))
	for i, r := range in {
		out[i] = r.Clone()
	}
	return out
}
