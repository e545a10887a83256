package mw

import (
	"math"
	"net"
	"net/http"
	"strconv"
	"strings"

	"github.com/3xpluto/go-api-gateway/internal/fallback"
	"github.com/3xpluto/go-api-gateway/internal/netx"
	"github.com/3xpluto/go-api-gateway/internal/ratelimit"
)

type RateLimitConfig struct {
	Enabled   bool
	RPS       float64
	Burst     float64
	Scope     string // "user" | "ip" | "route" | "composite"
	PolicyID  string
	RouteName string
}

type IPResolver struct {
	Trusted *netx.CIDRSet
}

func (r IPResolver) ClientIP(req *http.Request) string {
	remoteIP := parseRemoteIP(req.RemoteAddr)
	if remoteIP != nil && r.Trusted != nil && r.Trusted.Contains(remoteIP) {
		// Only trust forwarded headers from trusted proxies
		if xff := req.Header.Get("X-Forwarded-For"); xff != "" {
			// first IP is original client (left-most)
			parts := strings.Split(xff, ",")
			if len(parts) > 0 {
				ip := net.ParseIP(strings.TrimSpace(parts[0]))
				if ip != nil {
					return ip.String()
				}
			}
		}
		if xrip := net.ParseIP(strings.TrimSpace(req.Header.Get("X-Real-Ip"))); xrip != nil {
			return xrip.String()
		}
	}
	if remoteIP != nil {
		return remoteIP.String()
	}
	return req.RemoteAddr
}

func parseRemoteIP(remoteAddr string) net.IP {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return net.ParseIP(remoteAddr)
	}
	return net.ParseIP(host)
}

// RateLimit enforces the route's token-bucket policy, falling back to
// per_ip when a per_user policy sees an unauthenticated request (spec §9
// open question 1).
func RateLimit(limiter ratelimit.Limiter, ipr IPResolver, metrics *Metrics, cfg RateLimitConfig, next http.Handler) http.Handler {
	if !cfg.Enabled {
		return next
	}
	strategy := ratelimit.ParseKeyStrategy(cfg.Scope)
	policyID := cfg.PolicyID
	if policyID == "" {
		policyID = cfg.RouteName
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		subject := ""
		if sub, ok := Subject(r.Context()); ok {
			subject = sub
		}
		key, _ := ratelimit.BuildKey(policyID, strategy, subject, ipr.ClientIP(r))

		dec, err := limiter.Allow(r.Context(), key, cfg.RPS, cfg.Burst, 1)
		if err != nil {
			// Fail-open to avoid a global outage if the backing store is down.
			next.ServeHTTP(w, r)
			return
		}

		remaining := dec.Remaining
		if !dec.Allowed {
			remaining = 0
		}

		reset := 0
		if cfg.RPS > 0 {
			deficit := cfg.Burst - dec.Remaining
			if deficit < 0 {
				deficit = 0
			}
			reset = int(math.Ceil(deficit / cfg.RPS))
		}

		w.Header().Set("X-RateLimit-Limit", trimFloat(cfg.Burst))
		w.Header().Set("X-RateLimit-Remaining", trimFloat(remaining))
		w.Header().Set("X-RateLimit-Reset", strconv.Itoa(reset))

		if !dec.Allowed {
			retry := dec.RetryAfterSeconds
			if metrics != nil {
				metrics.RateLimitRejects.WithLabelValues(policyID).Inc()
			}
			fallback.RateLimited(w, policyID, retry, CID(r.Context()), RID(r.Context()))
			return
		}

		next.ServeHTTP(w, r)
	})
}

func trimFloat(f float64) string {
	s := strconv.FormatFloat(f, 'f', 2, 64)
	s = strings.TrimRight(s, "0")
	s = strings.TrimRight(s, ".")
	if s == "" {
		s = "0"
	}
	return s
}
