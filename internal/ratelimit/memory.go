package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

// bucket mirrors the Redis Lua script's fractional token-bucket state so
// both backends observe the identical formula (spec §4.3):
//
//	elapsed = max(0, now - last_refill)
//	tokens  = min(burst, tokens + elapsed*rate)
//	if tokens >= cost: tokens -= cost; allowed = true
//	else: retry_after = ceil((cost-tokens)/rate); allowed = false
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	lastSeen   time.Time
}

func (b *bucket) take(now time.Time, rps, burst, cost float64) Decision {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.lastRefill.IsZero() {
		b.tokens = burst
		b.lastRefill = now
	} else {
		elapsed := now.Sub(b.lastRefill).Seconds()
		if elapsed < 0 {
			elapsed = 0
		}
		b.tokens = math.Min(burst, b.tokens+elapsed*rps)
		b.lastRefill = now
	}
	b.lastSeen = now

	dec := Decision{LimitRPS: rps, Burst: burst}
	if b.tokens >= cost {
		b.tokens -= cost
		dec.Allowed = true
		dec.Remaining = b.tokens
		return dec
	}

	deficit := cost - b.tokens
	retry := 1
	if rps > 0 {
		retry = int(math.Ceil(deficit / rps))
		if retry < 1 {
			retry = 1
		}
	}
	dec.Allowed = false
	dec.Remaining = b.tokens
	dec.RetryAfterSeconds = retry
	return dec
}

// MemoryLimiter is a process-local Limiter for single-replica deployments or
// as a fallback when the Redis backend is unreachable at boot.
type MemoryLimiter struct {
	mu      sync.Mutex
	buckets map[string]*bucket
	ttl     time.Duration
	stopCh  chan struct{}
}

// NewMemoryLimiter returns a limiter whose idle buckets (untouched for ttl)
// are garbage-collected every cleanupEvery interval.
func NewMemoryLimiter(ttl time.Duration, cleanupEvery time.Duration) *MemoryLimiter {
	ml := &MemoryLimiter{
		buckets: make(map[string]*bucket),
		ttl:     ttl,
	}
	if cleanupEvery > 0 {
		ml.stopCh = make(chan struct{})
		go ml.gcLoop(cleanupEvery)
	}
	return ml
}

func (m *MemoryLimiter) gcLoop(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			m.mu.Lock()
			now := time.Now()
			for k, b := range m.buckets {
				b.mu.Lock()
				stale := now.Sub(b.lastSeen) > m.ttl
				b.mu.Unlock()
				if stale {
					delete(m.buckets, k)
				}
			}
			m.mu.Unlock()
		case <-m.stopCh:
			return
		}
	}
}

func (m *MemoryLimiter) getBucket(key string) *bucket {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := m.buckets[key]
	if b == nil {
		b = &bucket{}
		m.buckets[key] = b
	}
	return b
}

func (m *MemoryLimiter) Allow(_ context.Context, key string, rps float64, burst float64, cost float64) (Decision, error) {
	b := m.getBucket(key)
	return b.take(time.Now(), rps, burst, cost), nil
}

// Ping always succeeds: the memory backend has no external dependency.
func (m *MemoryLimiter) Ping(_ context.Context) error { return nil }

func (m *MemoryLimiter) Close() error {
	if m.stopCh != nil {
		close(m.stopCh)
	}
	return nil
}
