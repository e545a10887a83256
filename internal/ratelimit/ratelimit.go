package ratelimit

import (
	"context"
	"strings"
)

type Decision struct {
	Allowed           bool
	RetryAfterSeconds int
	Remaining         float64
	LimitRPS          float64
	Burst             float64
}

// Limiter is the shared-keyspace token-bucket backend contract. Allow must
// be linearizable per key so concurrent requests for the same key observe
// monotonic token counts (spec §5).
type Limiter interface {
	Allow(ctx context.Context, key string, rps float64, burst float64, cost float64) (Decision, error)
	// Ping reports whether the backing store is reachable. Backends with no
	// external store (memory) always return nil. No gateway endpoint calls
	// it.
	Ping(ctx context.Context) error
	Close() error
}

// KeyStrategy selects how a rate-limit bucket key is derived from the
// request actor.
type KeyStrategy string

const (
	PerUser   KeyStrategy = "per_user"
	PerIP     KeyStrategy = "per_ip"
	PerRoute  KeyStrategy = "per_route"
	Composite KeyStrategy = "composite"
)

// BuildKey namespaces a bucket key by policy and actor per spec §4.3.
// per_user falls back to per_ip when the request is unauthenticated — the
// fallback spec.md resolves explicitly (see DESIGN.md open question 1).
func BuildKey(policyID string, strategy KeyStrategy, subject, clientIP string) (key string, actor string) {
	prefix := "rl:" + policyID + ":"
	switch strategy {
	case PerUser:
		if subject != "" {
			return prefix + "u:" + subject, "user"
		}
		return prefix + "ip:" + clientIP, "ip"
	case Composite:
		if subject != "" {
			return prefix + "c:" + subject + "|" + clientIP, "composite"
		}
		return prefix + "ip:" + clientIP, "ip"
	case PerRoute:
		return prefix + "route", "route"
	case PerIP, "":
		return prefix + "ip:" + clientIP, "ip"
	default:
		return prefix + "ip:" + clientIP, "ip"
	}
}

// ParseKeyStrategy normalises a config string into a KeyStrategy.
func ParseKeyStrategy(s string) KeyStrategy {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "per_user", "user":
		return PerUser
	case "per_route", "route":
		return PerRoute
	case "composite", "composite(user|ip)":
		return Composite
	default:
		return PerIP
	}
}
