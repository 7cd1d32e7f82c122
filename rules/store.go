package rules

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrRuleNotFound is returned when a rule id does not exist in the workspace
var ErrRuleNotFound = errors.New("rule not found")

// RuleStore persists rules per workspace. Listing returns insertion order.
type RuleStore interface {
	// Save validates and upserts a rule, assigning an id when absent
	Save(ctx context.Context, workspaceID string, rule *Rule) (*Rule, error)

	// Get a rule by ID
	Get(ctx context.Context, workspaceID, id string) (*Rule, error)

	ListAll(ctx context.Context, workspaceID string) ([]*Rule, error)
	ListEnabled(ctx context.Context, workspaceID string) ([]*Rule, error)

	// Delete reports whether a rule was removed
	Delete(ctx context.Context, workspaceID, id string) (bool, error)

	// DeleteAll removes every rule of a workspace and returns how many were removed
	DeleteAll(ctx context.Context, workspaceID string) (int, error)

	Exists(ctx context.Context, workspaceID, id string) (bool, error)
	Count(ctx context.Context, workspaceID string) (int, error)
}

// prepareForSave normalizes and validates a rule and assigns its id.
// The returned rule is a copy owned by the store.
func prepareForSave(rule *Rule) (*Rule, error) {
	if rule == nil {
		return nil, invalid("", "rule is required")
	}
	r := rule.Clone()
	Normalize(r)
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if err := Validate(r); err != nil {
		return nil, err
	}
	return r, nil
}

type workspaceRules struct {
	mu    sync.RWMutex
	order []string
	rules map[string]*Rule
}

// InMemoryRuleStore implements RuleStore with per-workspace maps, each
// guarded by its own lock.
type InMemoryRuleStore struct {
	workspaces map[string]*workspaceRules
	mu         sync.RWMutex
}

// NewInMemoryRuleStore creates a new in-memory rule store
func NewInMemoryRuleStore() *InMemoryRuleStore {
	return &InMemoryRuleStore{
		workspaces: make(map[string]*workspaceRules),
	}
}

func (s *InMemoryRuleStore) workspace(workspaceID string, create bool) *workspaceRules {
	s.mu.RLock()
	ws, ok := s.workspaces[workspaceID]
	s.mu.RUnlock()
	if ok || !create {
		return ws
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if ws, ok = s.workspaces[workspaceID]; ok {
		return ws
	}
	ws = &workspaceRules{rules: make(map[string]*Rule)}
	s.workspaces[workspaceID] = ws
	return ws
}

// Save upserts a rule. Overwriting keeps the original CreatedAt and list position.
func (s *InMemoryRuleStore) Save(ctx context.Context, workspaceID string, rule *Rule) (*Rule, error) {
	r, err := prepareForSave(rule)
	if err != nil {
		return nil, err
	}

	ws := s.workspace(workspaceID, true)
	ws.mu.Lock()
	defer ws.mu.Unlock()

	now := time.Now().UTC()
	if existing, ok := ws.rules[r.ID]; ok {
		r.CreatedAt = existing.CreatedAt
	} else {
		ws.order = append(ws.order, r.ID)
		if r.CreatedAt.IsZero() {
			r.CreatedAt = now
		}
	}
	r.UpdatedAt = now
	ws.rules[r.ID] = r
	return r.Clone(), nil
}

// Get retrieves a rule by ID
func (s *InMemoryRuleStore) Get(ctx context.Context, workspaceID, id string) (*Rule, error) {
	ws := s.workspace(workspaceID, false)
	if ws == nil {
		return nil, ErrRuleNotFound
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	rule, ok := ws.rules[id]
	if !ok {
		return nil, ErrRuleNotFound
	}
	return rule.Clone(), nil
}

func (s *InMemoryRuleStore) list(workspaceID string, enabledOnly bool) []*Rule {
	ws := s.workspace(workspaceID, false)
	if ws == nil {
		return []*Rule{}
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()

	out := make([]*Rule, 0, len(ws.order))
	for _, id := range ws.order {
		rule := ws.rules[id]
		if enabledOnly && !rule.Enabled {
			continue
		}
		out = append(out, rule.Clone())
	}
	return out
}

// ListAll returns every rule of the workspace in insertion order
func (s *InMemoryRuleStore) ListAll(ctx context.Context, workspaceID string) ([]*Rule, error) {
	return s.list(workspaceID, false), nil
}

// ListEnabled returns the enabled rules of the workspace in insertion order
func (s *InMemoryRuleStore) ListEnabled(ctx context.Context, workspaceID string) ([]*Rule, error) {
	return s.list(workspaceID, true), nil
}

// Delete removes a rule from the store
func (s *InMemoryRuleStore) Delete(ctx context.Context, workspaceID, id string) (bool, error) {
	ws := s.workspace(workspaceID, false)
	if ws == nil {
		return false, nil
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	if _, ok := ws.rules[id]; !ok {
		return false, nil
	}
	delete(ws.rules, id)
	for i, existing := range ws.order {
		if existing == id {
			ws.order = append(ws.order[:i], ws.order[i+1:]...)
			break
		}
	}
	return true, nil
}

func (s *InMemoryRuleStore) DeleteAll(ctx context.Context, workspaceID string) (int, error) {
	ws := s.workspace(workspaceID, false)
	if ws == nil {
		return 0, nil
	}
	ws.mu.Lock()
	defer ws.mu.Unlock()

	n := len(ws.rules)
	ws.rules = make(map[string]*Rule)
	ws.order = nil
	return n, nil
}

func (s *InMemoryRuleStore) Exists(ctx context.Context, workspaceID, id string) (bool, error) {
	ws := s.workspace(workspaceID, false)
	if ws == nil {
		return false, nil
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	_, ok := ws.rules[id]
	return ok, nil
}

func (s *InMemoryRuleStore) Count(ctx context.Context, workspaceID string) (int, error) {
	ws := s.workspace(workspaceID, false)
	if ws == nil {
		return 0, nil
	}
	ws.mu.RLock()
	defer ws.mu.RUnlock()
	return len(ws.rules), nil
}
