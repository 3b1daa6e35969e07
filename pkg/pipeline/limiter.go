// Package pipeline contains the enrichment pipeline orchestrator: the batch
// dispatch queue, the shared stage-worker runtime with rate limiting and
// retries, the five stage workers, and the progress projection.
package pipeline

import (
	"context"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// RatePolicy bounds a collaborator's call rate. RPS <= 0 means unconstrained.
type RatePolicy struct {
	RPS   float64
	Burst int
}

// LimiterStore abstracts token-bucket state so limits can be shared across
// processes (Redis) or kept local to one (memory).
type LimiterStore interface {
	// Allow reports whether the keyed bucket has cost tokens available,
	// consuming them when it does.
	Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error)
}

// MemoryLimiterStore keeps one token bucket per key in process memory.
type MemoryLimiterStore struct {
	mu      sync.Mutex
	buckets map[string]*rate.Limiter
}

func NewMemoryLimiterStore() *MemoryLimiterStore {
	return &MemoryLimiterStore{buckets: make(map[string]*rate.Limiter)}
}

func (s *MemoryLimiterStore) Allow(ctx context.Context, key string, policy RatePolicy, cost int) (bool, error) {
	s.mu.Lock()
	lim, ok := s.buckets[key]
	if !ok {
		rps := policy.RPS
		if rps <= 0 {
			rps = 1
		}
		burst := policy.Burst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(rps), burst)
		s.buckets[key] = lim
	}
	s.mu.Unlock()
	return lim.AllowN(time.Now(), cost), nil
}

// Gate serializes calls to one collaborator under a policy. A nil Gate or an
// unconstrained policy admits immediately.
type Gate struct {
	store  LimiterStore
	key    string
	policy RatePolicy
}

func NewGate(store LimiterStore, key string, policy RatePolicy) *Gate {
	return &Gate{store: store, key: key, policy: policy}
}

// Wait blocks until a token is available or the context is cancelled.
func (g *Gate) Wait(ctx context.Context) error {
	if g == nil || g.policy.RPS <= 0 {
		return ctx.Err()
	}
	interval := time.Duration(float64(time.Second) / g.policy.RPS)
	if interval < 10*time.Millisecond {
		interval = 10 * time.Millisecond
	}
	if interval > time.Second {
		interval = time.Second
	}
	for {
		allowed, err := g.store.Allow(ctx, g.key, g.policy, 1)
		if err != nil {
			return err
		}
		if allowed {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
