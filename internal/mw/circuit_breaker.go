package mw

import (
	"net/http"
	"sync"
	"time"

	"github.com/3xpluto/go-api-gateway/internal/fallback"
	"github.com/3xpluto/go-api-gateway/internal/httpx"
)

type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig configures one upstream's circuit breaker.
type BreakerConfig struct {
	Enabled bool

	// WindowSize is the sliding window capacity (N outcomes). Once it fills,
	// each new outcome evicts the oldest.
	WindowSize int
	// MinCalls is the minimum outcomes in the window before a failure rate
	// is evaluated.
	MinCalls int
	// FailureThreshold is the failure rate (0..1) at or above which the
	// breaker opens once MinCalls is reached.
	FailureThreshold float64

	OpenDuration time.Duration
	ProbeCount   int // HALF_OPEN concurrent probes admitted

	// SlowCallMS, if set, marks calls slower than this as failures too.
	SlowCallMS int
}

func (c *BreakerConfig) applyDefaults() {
	if c.WindowSize <= 0 {
		c.WindowSize = 20
	}
	if c.MinCalls <= 0 {
		c.MinCalls = c.WindowSize
	}
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 0.5
	}
	if c.OpenDuration <= 0 {
		c.OpenDuration = 10 * time.Second
	}
	if c.ProbeCount <= 0 {
		c.ProbeCount = 1
	}
}

// CircuitBreaker is one upstream's state machine: a sliding window of recent
// call outcomes feeds a CLOSED/OPEN/HALF_OPEN transition per spec §4.4.
// All reads and writes of mutable state happen under mu; the lock is never
// held across I/O.
type CircuitBreaker struct {
	cfg BreakerConfig

	mu sync.Mutex

	state BreakerState

	window   []bool // true = success
	writeIdx int
	filled   int
	failures int // failures currently in window

	openedAt time.Time

	halfOpenInFlight int
	halfOpenSuccess  int
}

func NewCircuitBreaker(cfg BreakerConfig) *CircuitBreaker {
	cfg.applyDefaults()
	return &CircuitBreaker{
		cfg:    cfg,
		state:  BreakerClosed,
		window: make([]bool, cfg.WindowSize),
	}
}

type BreakerStats struct {
	State         BreakerState `json:"state"`
	WindowFilled  int          `json:"window_filled"`
	WindowFailed  int          `json:"window_failed"`
	OpensAt       time.Time    `json:"opens_at"`
	RetryAfterSec int          `json:"retry_after_seconds"`
	HalfInFlight  int          `json:"half_open_in_flight"`
}

func (b *CircuitBreaker) Stats() BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	retry := 0
	if b.state == BreakerOpen {
		rem := b.cfg.OpenDuration - time.Since(b.openedAt)
		if rem > 0 {
			retry = int((rem + 999*time.Millisecond) / time.Second)
		}
	}
	return BreakerStats{
		State:         b.state,
		WindowFilled:  b.filled,
		WindowFailed:  b.failures,
		OpensAt:       b.openedAt,
		RetryAfterSec: retry,
		HalfInFlight:  b.halfOpenInFlight,
	}
}

// GaugeValue returns the metric encoding from spec §4.8 (0=closed,
// 1=half-open, 2=open).
func (b *CircuitBreaker) GaugeValue() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	switch b.state {
	case BreakerHalfOpen:
		return 1
	case BreakerOpen:
		return 2
	default:
		return 0
	}
}

func (b *CircuitBreaker) failureRate() float64 {
	if b.filled == 0 {
		return 0
	}
	return float64(b.failures) / float64(b.filled)
}

func (b *CircuitBreaker) allowLocked(now time.Time) (allowed bool, retryAfter time.Duration) {
	if !b.cfg.Enabled {
		return true, 0
	}

	switch b.state {
	case BreakerClosed:
		return true, 0

	case BreakerOpen:
		if now.Sub(b.openedAt) >= b.cfg.OpenDuration {
			b.state = BreakerHalfOpen
			b.halfOpenInFlight = 0
			b.halfOpenSuccess = 0
			return b.allowLocked(now)
		}
		rem := b.cfg.OpenDuration - now.Sub(b.openedAt)
		if rem < 0 {
			rem = 0
		}
		return false, rem

	case BreakerHalfOpen:
		if b.halfOpenInFlight >= b.cfg.ProbeCount {
			return false, time.Second
		}
		b.halfOpenInFlight++
		return true, 0

	default:
		return true, 0
	}
}

func (b *CircuitBreaker) resetWindowLocked() {
	b.window = make([]bool, b.cfg.WindowSize)
	b.writeIdx = 0
	b.filled = 0
	b.failures = 0
}

func (b *CircuitBreaker) recordLocked(success bool) {
	idx := b.writeIdx
	if b.filled == b.cfg.WindowSize {
		// window full: evict the outcome being overwritten
		if !b.window[idx] {
			b.failures--
		}
	} else {
		b.filled++
	}
	b.window[idx] = success
	if !success {
		b.failures++
	}
	b.writeIdx = (b.writeIdx + 1) % b.cfg.WindowSize
}

func (b *CircuitBreaker) doneLocked(success bool) {
	if !b.cfg.Enabled {
		return
	}

	switch b.state {
	case BreakerClosed:
		b.recordLocked(success)
		if b.filled >= b.cfg.MinCalls && b.failureRate() >= b.cfg.FailureThreshold {
			b.state = BreakerOpen
			b.openedAt = time.Now()
		}

	case BreakerHalfOpen:
		if b.halfOpenInFlight > 0 {
			b.halfOpenInFlight--
		}
		if !success {
			// any failure in HALF_OPEN reopens before admitting a new request
			b.state = BreakerOpen
			b.openedAt = time.Now()
			b.halfOpenSuccess = 0
			return
		}
		b.halfOpenSuccess++
		if b.halfOpenSuccess >= b.cfg.ProbeCount {
			b.state = BreakerClosed
			b.resetWindowLocked()
		}

	case BreakerOpen:
		// nothing to do; probes are gated by allowLocked
	}
}

// CircuitBreak rejects requests when the breaker is open, short-circuiting
// to the canonical fallback envelope, and feeds upstream outcomes back into
// the breaker's sliding window. Status >= 500 counts as failure; 4xx never
// does (spec §4.4).
func CircuitBreak(b *CircuitBreaker, service string, next http.Handler) http.Handler {
	if b == nil || !b.cfg.Enabled {
		return next
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		now := time.Now()
		b.mu.Lock()
		allowed, retry := b.allowLocked(now)
		b.mu.Unlock()

		if !allowed {
			retrySec := int((retry + 999*time.Millisecond) / time.Second)
			fallback.ServiceUnavailable(w, service, "upstream temporarily unavailable (circuit open)", retrySec, CID(r.Context()), RID(r.Context()))
			return
		}

		start := time.Now()
		sw := &httpx.StatusWriter{ResponseWriter: w}
		next.ServeHTTP(sw, r)
		elapsed := time.Since(start)

		status := sw.Status
		if status == 0 {
			status = http.StatusOK
		}
		success := status < 500
		if success && b.cfg.SlowCallMS > 0 && elapsed > time.Duration(b.cfg.SlowCallMS)*time.Millisecond {
			success = false
		}

		b.mu.Lock()
		b.doneLocked(success)
		b.mu.Unlock()
	})
}
