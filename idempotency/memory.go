package idempotency

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const (
	shardCount           = 32
	defaultShardCapacity = 4096
)

type shard struct {
	mu      sync.Mutex
	entries map[string]Record
}

// MemoryTracker keeps records in a map sharded by workspace. Capacity is
// soft: when a shard is full only expired records are purged, so a live key
// is never forgotten before its TTL.
type MemoryTracker struct {
	shards   [shardCount]*shard
	ttl      time.Duration
	capacity int
	now      func() time.Time
}

// NewMemoryTracker creates a tracker with the given TTL (clamped) and
// per-shard soft capacity (0 for the default)
func NewMemoryTracker(ttl time.Duration, shardCapacity int) *MemoryTracker {
	if shardCapacity <= 0 {
		shardCapacity = defaultShardCapacity
	}
	t := &MemoryTracker{
		ttl:      ClampTTL(ttl),
		capacity: shardCapacity,
		now:      time.Now,
	}
	for i := range t.shards {
		t.shards[i] = &shard{entries: make(map[string]Record)}
	}
	return t
}

func (t *MemoryTracker) shardFor(workspaceID string) *shard {
	h := fnv.New32a()
	h.Write([]byte(workspaceID))
	return t.shards[h.Sum32()%shardCount]
}

func entryKey(workspaceID, key string) string {
	return workspaceID + "\x00" + key
}

func (t *MemoryTracker) CheckAndRecord(ctx context.Context, workspaceID, key string) (Verdict, error) {
	now := t.now()
	s := t.shardFor(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey(workspaceID, key)
	if rec, ok := s.entries[k]; ok && now.Before(rec.ExpiresAt) {
		return Duplicate, nil
	}
	if len(s.entries) >= t.capacity {
		s.purge(now)
	}
	s.entries[k] = Record{
		WorkspaceID: workspaceID,
		Key:         key,
		Outcome:     OutcomePending,
		RecordedAt:  now,
		ExpiresAt:   now.Add(t.ttl),
	}
	return Fresh, nil
}

func (t *MemoryTracker) Complete(ctx context.Context, workspaceID, key, outcome string) error {
	s := t.shardFor(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()

	k := entryKey(workspaceID, key)
	if rec, ok := s.entries[k]; ok {
		rec.Outcome = outcome
		s.entries[k] = rec
	}
	return nil
}

func (t *MemoryTracker) Release(ctx context.Context, workspaceID, key string) error {
	s := t.shardFor(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, entryKey(workspaceID, key))
	return nil
}

// Lookup returns the record for a key if it is still live
func (t *MemoryTracker) Lookup(workspaceID, key string) (Record, bool) {
	s := t.shardFor(workspaceID)
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[entryKey(workspaceID, key)]
	if !ok || !t.now().Before(rec.ExpiresAt) {
		return Record{}, false
	}
	return rec, true
}

// PurgeExpired drops every expired record and returns how many were removed
func (t *MemoryTracker) PurgeExpired(ctx context.Context) (int64, error) {
	now := t.now()
	var n int64
	for _, s := range t.shards {
		s.mu.Lock()
		n += int64(s.purge(now))
		s.mu.Unlock()
	}
	return n, nil
}

// Len returns the number of stored records, expired ones included
func (t *MemoryTracker) Len() int {
	n := 0
	for _, s := range t.shards {
		s.mu.Lock()
		n += len(s.entries)
		s.mu.Unlock()
	}
	return n
}

func (s *shard) purge(now time.Time) int {
	n := 0
	for k, rec := range s.entries {
		if !now.Before(rec.ExpiresAt) {
			delete(s.entries, k)
			n++
		}
	}
	return n
}
