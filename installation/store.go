// Package installation keeps the per-workspace credentials issued when the
// add-on is installed.
package installation

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"
)

// ErrInstallationNotFound is returned for workspaces without an installation
var ErrInstallationNotFound = errors.New("installation not found")

// Installation is the stored credential of one workspace
type Installation struct {
	WorkspaceID string    `json:"workspaceId"`
	AddonID     string    `json:"addonId,omitempty"`
	Token       string    `json:"-"`
	APIBaseURL  string    `json:"apiUrl,omitempty"`
	InstalledAt time.Time `json:"installedAt"`
}

// Store persists installations
type Store interface {
	Get(ctx context.Context, workspaceID string) (*Installation, error)
	Save(ctx context.Context, inst *Installation) error
	Delete(ctx context.Context, workspaceID string) (bool, error)
}

func validate(inst *Installation) error {
	if inst == nil || strings.TrimSpace(inst.WorkspaceID) == "" {
		return errors.New("installation requires a workspace id")
	}
	if strings.TrimSpace(inst.Token) == "" {
		return errors.New("installation requires a token")
	}
	return nil
}

// MemoryStore is a map-backed Store
type MemoryStore struct {
	items map[string]Installation
	mu    sync.RWMutex
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{items: make(map[string]Installation)}
}

func (s *MemoryStore) Get(ctx context.Context, workspaceID string) (*Installation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	inst, ok := s.items[workspaceID]
	if !ok {
		return nil, ErrInstallationNotFound
	}
	return &inst, nil
}

func (s *MemoryStore) Save(ctx context.Context, inst *Installation) error {
	if err := validate(inst); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := *inst
	if stored.InstalledAt.IsZero() {
		stored.InstalledAt = time.Now().UTC()
	}
	s.items[stored.WorkspaceID] = stored
	return nil
}

func (s *MemoryStore) Delete(ctx context.Context, workspaceID string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[workspaceID]; !ok {
		return false, nil
	}
	delete(s.items, workspaceID)
	return true, nil
}
