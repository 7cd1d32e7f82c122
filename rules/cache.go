package rules

import "time"

// RulesCache holds the enabled, priority-sorted rules of each workspace.
// Implementations return copies so callers cannot mutate cached state.
type RulesCache interface {
	// Get returns the cached rules of a workspace; ok is false on a miss or expiry
	Get(workspaceID string) (rules []*Rule, ok bool)

	// Set stores rules for a workspace
	Set(workspaceID string, rules []*Rule)

	// Invalidate drops one workspace, forcing a reload on next Get
	Invalidate(workspaceID string)

	// InvalidateAll drops every workspace
	InvalidateAll()

	// Workspaces lists the workspaces with a live entry
	Workspaces() []string
}

// CacheConfig holds configuration for cache behavior
type CacheConfig struct {
	// TTL is the time-to-live for cached entries.
	// Set to 0 for no expiration (manual invalidation only).
	TTL time.Duration
}

// DefaultCacheConfig bounds staleness for writes that bypass the cache
func DefaultCacheConfig() CacheConfig {
	return CacheConfig{
		TTL: 5 * time.Minute,
	}
}
