// Package blocklist implements an O(1) token-blocklist membership check
// with a fail-open default when the backing store is unreachable. Fail-open
// is a deliberate availability choice, not an oversight: see spec §9.
package blocklist

import (
	"context"
	"sync"

	"github.com/redis/go-redis/v9"
)

// Checker tests whether an identifier has been revoked. mw.RequireAuth
// passes the token's subject ("sub" claim).
type Checker interface {
	// IsBlocked returns true only when the store is reachable and the id is
	// present. On store error it returns (false, err) — callers must treat
	// a non-nil err as "fail open", never as "blocked".
	IsBlocked(ctx context.Context, id string) (bool, error)
}

// Memory is an in-process Checker backed by a set, for the "memory" rate
// limit backend / single-instance deployments.
type Memory struct {
	mu      sync.RWMutex
	blocked map[string]struct{}
}

// NewMemory returns an empty in-process blocklist.
func NewMemory() *Memory {
	return &Memory{blocked: make(map[string]struct{})}
}

func (m *Memory) IsBlocked(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.blocked[id]
	return ok, nil
}

// Add marks id as blocked.
func (m *Memory) Add(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.blocked[id] = struct{}{}
}

// Remove un-blocks id.
func (m *Memory) Remove(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.blocked, id)
}

const redisSetKey = "apigw:blocklist"

// Redis is a Checker backed by a Redis set, shared across gateway replicas.
type Redis struct {
	rdb *redis.Client
}

// NewRedis wraps an existing Redis client as a blocklist Checker.
func NewRedis(rdb *redis.Client) *Redis {
	return &Redis{rdb: rdb}
}

func (r *Redis) IsBlocked(ctx context.Context, id string) (bool, error) {
	return r.rdb.SIsMember(ctx, redisSetKey, id).Result()
}

// Add marks id as blocked in the shared store.
func (r *Redis) Add(ctx context.Context, id string) error {
	return r.rdb.SAdd(ctx, redisSetKey, id).Err()
}

// Remove un-blocks id in the shared store.
func (r *Redis) Remove(ctx context.Context, id string) error {
	return r.rdb.SRem(ctx, redisSetKey, id).Err()
}
