package multitenantengine

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/liamcoop/timerules/internal/logger"
	"github.com/liamcoop/timerules/rules"
)

// LoadObserver is told about every load from the repository
type LoadObserver func(workspaceID string, rules int, duration time.Duration, err error)

// Stats is a snapshot of cache activity
type Stats struct {
	Workspaces int   `json:"workspaces"`
	Hits       int64 `json:"hits"`
	Misses     int64 `json:"misses"`
	Loads      int64 `json:"loads"`
	Skipped    int64 `json:"skippedRules"`
}

// workspaceState serializes loads of one workspace. gen is bumped on every
// invalidation so a load that raced a write never repopulates stale rules.
// mu guards gen together with the cache entry: publishing a load and
// invalidating are atomic with respect to each other.
type workspaceState struct {
	load sync.Mutex

	mu  sync.Mutex
	gen uint64
}

func (st *workspaceState) generation() uint64 {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.gen
}

// Manager is the read-through cache of enabled rules for every workspace.
// Writes made through it invalidate the affected workspace; writes made
// directly against the store become visible after Refresh or TTL expiry.
type Manager struct {
	store  rules.RuleStore
	cache  rules.RulesCache
	engine *rules.Engine

	workspaces map[string]*workspaceState
	mu         sync.RWMutex

	onLoad LoadObserver

	hits, misses, loads, skipped atomic.Int64
}

// NewManager creates a manager over a rule store
func NewManager(store rules.RuleStore, engine *rules.Engine, config rules.CacheConfig) *Manager {
	return &Manager{
		store:      store,
		cache:      rules.NewInMemoryRulesCache(config),
		engine:     engine,
		workspaces: make(map[string]*workspaceState),
	}
}

// OnLoad registers an observer for repository loads
func (m *Manager) OnLoad(fn LoadObserver) {
	m.onLoad = fn
}

// Store returns the underlying repository for read-only queries
func (m *Manager) Store() rules.RuleStore {
	return m.store
}

func (m *Manager) state(workspaceID string) *workspaceState {
	m.mu.RLock()
	st, ok := m.workspaces[workspaceID]
	m.mu.RUnlock()
	if ok {
		return st
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok = m.workspaces[workspaceID]; !ok {
		st = &workspaceState{}
		m.workspaces[workspaceID] = st
	}
	return st
}

// EnabledRules returns the workspace's enabled rules, highest priority first
func (m *Manager) EnabledRules(ctx context.Context, workspaceID string) ([]*rules.Rule, error) {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	if cached, ok := m.cache.Get(workspaceID); ok {
		m.hits.Add(1)
		return cached, nil
	}
	m.misses.Add(1)

	st := m.state(workspaceID)
	st.load.Lock()
	defer st.load.Unlock()

	// another caller may have loaded while we waited
	if cached, ok := m.cache.Get(workspaceID); ok {
		return cached, nil
	}
	return m.load(ctx, workspaceID, st)
}

func (m *Manager) load(ctx context.Context, workspaceID string, st *workspaceState) ([]*rules.Rule, error) {
	gen := st.generation()
	start := time.Now()
	m.loads.Add(1)

	enabled, err := m.store.ListEnabled(ctx, workspaceID)
	if m.onLoad != nil {
		m.onLoad(workspaceID, len(enabled), time.Since(start), err)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load rules for workspace %s: %w", workspaceID, err)
	}

	usable := make([]*rules.Rule, 0, len(enabled))
	for _, rule := range enabled {
		if m.engine != nil {
			if err := m.engine.CompileRule(rule); err != nil {
				m.skipped.Add(1)
				logger.Warn("skipping rule that no longer validates",
					"workspace_id", workspaceID, "rule_id", rule.ID, "error", err)
				continue
			}
		}
		usable = append(usable, rule)
	}
	rules.SortByPriority(usable)

	st.mu.Lock()
	if st.gen == gen {
		m.cache.Set(workspaceID, usable)
	}
	st.mu.Unlock()
	logger.Debug("rules loaded", "workspace_id", workspaceID, "count", len(usable),
		"duration_ms", time.Since(start).Milliseconds())
	return usable, nil
}

// Refresh forces a reload from the repository
func (m *Manager) Refresh(ctx context.Context, workspaceID string) ([]*rules.Rule, error) {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	m.Invalidate(workspaceID)

	st := m.state(workspaceID)
	st.load.Lock()
	defer st.load.Unlock()
	return m.load(ctx, workspaceID, st)
}

// Invalidate drops the cached entry of one workspace
func (m *Manager) Invalidate(workspaceID string) {
	st := m.state(workspaceID)
	st.mu.Lock()
	defer st.mu.Unlock()
	st.gen++
	m.cache.Invalidate(workspaceID)
}

// SaveRule persists a rule and invalidates the workspace entry
func (m *Manager) SaveRule(ctx context.Context, workspaceID string, rule *rules.Rule) (*rules.Rule, error) {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return nil, err
	}
	saved, err := m.store.Save(ctx, workspaceID, rule)
	if err != nil {
		return nil, err
	}
	m.Invalidate(workspaceID)
	return saved, nil
}

// DeleteRule removes a rule and invalidates the workspace entry
func (m *Manager) DeleteRule(ctx context.Context, workspaceID, ruleID string) (bool, error) {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return false, err
	}
	removed, err := m.store.Delete(ctx, workspaceID, ruleID)
	if err != nil {
		return false, err
	}
	if removed {
		m.Invalidate(workspaceID)
	}
	return removed, nil
}

// DeleteAllRules removes every rule of a workspace
func (m *Manager) DeleteAllRules(ctx context.Context, workspaceID string) (int, error) {
	if err := ValidateWorkspaceID(workspaceID); err != nil {
		return 0, err
	}
	n, err := m.store.DeleteAll(ctx, workspaceID)
	if err != nil {
		return 0, err
	}
	m.Invalidate(workspaceID)
	return n, nil
}

// ListWorkspaces returns the workspaces with a live cache entry
func (m *Manager) ListWorkspaces() []string {
	return m.cache.Workspaces()
}

func (m *Manager) Stats() Stats {
	return Stats{
		Workspaces: len(m.cache.Workspaces()),
		Hits:       m.hits.Load(),
		Misses:     m.misses.Load(),
		Loads:      m.loads.Load(),
		Skipped:    m.skipped.Load(),
	}
}
