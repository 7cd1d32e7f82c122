// Package idempotency records which webhook deliveries have already been
// processed so that redelivered events are applied once.
package idempotency

import (
	"context"
	"time"
)

// Verdict is the outcome of CheckAndRecord
type Verdict int

const (
	Fresh Verdict = iota
	Duplicate
)

func (v Verdict) String() string {
	if v == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// Retention bounds. A key is remembered for the TTL after it is first
// recorded; a redelivery inside that window is reported as a duplicate.
const (
	DefaultTTL = 10 * time.Minute
	MinTTL     = time.Minute
	MaxTTL     = 24 * time.Hour
)

// Outcome tags stored against a key once processing finishes
const (
	OutcomePending = "pending"
)

// Record is one remembered delivery
type Record struct {
	WorkspaceID string
	Key         string
	Outcome     string
	RecordedAt  time.Time
	ExpiresAt   time.Time
}

// Tracker decides whether an event key has been seen for a workspace.
// CheckAndRecord is atomic: of two concurrent calls with the same key exactly
// one sees Fresh.
type Tracker interface {
	CheckAndRecord(ctx context.Context, workspaceID, key string) (Verdict, error)

	// Complete attaches the processing outcome to a recorded key
	Complete(ctx context.Context, workspaceID, key, outcome string) error

	// Release forgets a key whose processing failed before any side effect,
	// so the sender's retry is treated as fresh
	Release(ctx context.Context, workspaceID, key string) error
}

// ClampTTL applies the default and the retention bounds
func ClampTTL(ttl time.Duration) time.Duration {
	switch {
	case ttl <= 0:
		return DefaultTTL
	case ttl < MinTTL:
		return MinTTL
	case ttl > MaxTTL:
		return MaxTTL
	}
	return ttl
}
