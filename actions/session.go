package actions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/liamcoop/timerules/clockify"
	"github.com/liamcoop/timerules/rules"
)

var errNoTimeEntry = errors.New("event has no time entry id")

// Session carries per-event state shared by every rule that matched the
// event: the fetched time entry and name to id lookups
type Session struct {
	client      Client
	event       *rules.Event
	workspaceID string

	mu       sync.Mutex
	entry    *clockify.TimeEntry
	tags     map[string]string
	projects map[string]string
	tasks    map[string]string
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Event returns the event the session was opened for
func (s *Session) Event() *rules.Event {
	return s.event
}

// timeEntry returns a copy of the current entry, fetching it once
func (s *Session) timeEntry(ctx context.Context) (*clockify.TimeEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.entry != nil {
		return s.entry.Clone(), nil
	}
	id := s.event.EntityID()
	if id == "" {
		return nil, errNoTimeEntry
	}
	entry, err := s.client.GetTimeEntry(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch time entry %s: %w", id, err)
	}
	if entry.ID == "" {
		entry.ID = id
	}
	s.entry = entry
	return entry.Clone(), nil
}

// update writes the entry back and keeps the session copy current
func (s *Session) update(ctx context.Context, entry *clockify.TimeEntry) error {
	updated, err := s.client.UpdateTimeEntry(ctx, entry)
	if err != nil {
		return fmt.Errorf("failed to update time entry %s: %w", entry.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if updated != nil && updated.ID != "" {
		s.entry = updated
	} else {
		s.entry = entry.Clone()
	}
	return nil
}

// tagID resolves a tag name, creating the tag when create is set.
// An unknown tag without create returns "".
func (s *Session) tagID(ctx context.Context, name string, create bool) (string, error) {
	key := normalizeName(name)
	s.mu.Lock()
	id, ok := s.tags[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	tags, err := s.client.ListTags(ctx, strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("failed to list tags: %w", err)
	}
	for _, t := range tags {
		if normalizeName(t.Name) == key {
			id = t.ID
			break
		}
	}
	if id == "" && create {
		tag, err := s.client.CreateTag(ctx, strings.TrimSpace(name))
		if err != nil {
			return "", fmt.Errorf("failed to create tag %q: %w", name, err)
		}
		id = tag.ID
	}
	if id != "" {
		s.mu.Lock()
		s.tags[key] = id
		s.mu.Unlock()
	}
	return id, nil
}

func (s *Session) projectID(ctx context.Context, name string) (string, error) {
	key := normalizeName(name)
	s.mu.Lock()
	id, ok := s.projects[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	projects, err := s.client.ListProjects(ctx, strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("failed to list projects: %w", err)
	}
	for _, p := range projects {
		if normalizeName(p.Name) == key {
			s.mu.Lock()
			s.projects[key] = p.ID
			s.mu.Unlock()
			return p.ID, nil
		}
	}
	return "", fmt.Errorf("project %q not found", name)
}

func (s *Session) taskID(ctx context.Context, projectID, name string) (string, error) {
	key := projectID + "/" + normalizeName(name)
	s.mu.Lock()
	id, ok := s.tasks[key]
	s.mu.Unlock()
	if ok {
		return id, nil
	}

	tasks, err := s.client.ListTasks(ctx, projectID, strings.TrimSpace(name))
	if err != nil {
		return "", fmt.Errorf("failed to list tasks: %w", err)
	}
	for _, t := range tasks {
		if normalizeName(t.Name) == normalizeName(name) {
			s.mu.Lock()
			s.tasks[key] = t.ID
			s.mu.Unlock()
			return t.ID, nil
		}
	}
	return "", fmt.Errorf("task %q not found in project %s", name, projectID)
}
