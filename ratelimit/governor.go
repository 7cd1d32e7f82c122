// Package ratelimit bounds outbound API calls per workspace
package ratelimit

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ErrRateLimited means the workspace budget cannot admit a call within the
// wait bound. It is retryable.
var ErrRateLimited = errors.New("outbound rate limit exceeded")

const (
	DefaultRate    = 50
	DefaultBurst   = 50
	DefaultMaxWait = 2 * time.Second
	defaultIdleTTL = 10 * time.Minute
)

// Config of the governor
type Config struct {
	RequestsPerSecond float64
	Burst             int
	MaxWait           time.Duration
	IdleTTL           time.Duration
}

// DefaultConfig returns the documented defaults
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: DefaultRate,
		Burst:             DefaultBurst,
		MaxWait:           DefaultMaxWait,
		IdleTTL:           defaultIdleTTL,
	}
}

type bucket struct {
	limiter  *rate.Limiter
	lastUsed time.Time
}

// Governor keeps one token bucket per workspace, so a burst in one
// workspace never spends another's budget
type Governor struct {
	cfg     Config
	buckets map[string]*bucket
	mu      sync.Mutex
	now     func() time.Time
}

// NewGovernor creates a governor; zero config fields take defaults
func NewGovernor(cfg Config) *Governor {
	def := DefaultConfig()
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = def.RequestsPerSecond
	}
	if cfg.Burst <= 0 {
		cfg.Burst = def.Burst
	}
	if cfg.MaxWait <= 0 {
		cfg.MaxWait = def.MaxWait
	}
	if cfg.IdleTTL <= 0 {
		cfg.IdleTTL = def.IdleTTL
	}
	return &Governor{
		cfg:     cfg,
		buckets: make(map[string]*bucket),
		now:     time.Now,
	}
}

func (g *Governor) limiter(workspaceID string) *rate.Limiter {
	g.mu.Lock()
	defer g.mu.Unlock()
	b, ok := g.buckets[workspaceID]
	if !ok {
		b = &bucket{limiter: rate.NewLimiter(rate.Limit(g.cfg.RequestsPerSecond), g.cfg.Burst)}
		g.buckets[workspaceID] = b
	}
	b.lastUsed = g.now()
	return b.limiter
}

// Allow takes a token without waiting
func (g *Governor) Allow(workspaceID string) bool {
	return g.limiter(workspaceID).Allow()
}

// Wait blocks until the workspace may make one call. It returns
// ErrRateLimited without consuming budget when the required delay exceeds
// the wait bound, and ctx.Err() if the context ends first.
func (g *Governor) Wait(ctx context.Context, workspaceID string) error {
	r := g.limiter(workspaceID).Reserve()
	if !r.OK() {
		return ErrRateLimited
	}
	delay := r.Delay()
	if delay == 0 {
		return nil
	}
	if delay > g.cfg.MaxWait {
		r.Cancel()
		return ErrRateLimited
	}
	if deadline, ok := ctx.Deadline(); ok && time.Until(deadline) < delay {
		r.Cancel()
		return ErrRateLimited
	}

	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		r.Cancel()
		return ctx.Err()
	}
}

// Sweep drops buckets idle for longer than the idle TTL and returns how many were removed
func (g *Governor) Sweep() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	cutoff := g.now().Add(-g.cfg.IdleTTL)
	n := 0
	for ws, b := range g.buckets {
		if b.lastUsed.Before(cutoff) {
			delete(g.buckets, ws)
			n++
		}
	}
	return n
}

// Run sweeps idle buckets until ctx is done
func (g *Governor) Run(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			g.Sweep()
		}
	}
}

// Workspaces returns the number of live buckets
func (g *Governor) Workspaces() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.buckets)
}
