// Package fallback writes the gateway's canonical short-circuit response
// bodies: the 503 fallback envelope, and the smaller 401/429/404 envelopes
// used at other filter-chain edges.
package fallback

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"
)

// Envelope is the canonical body emitted on a 5xx short-circuit.
type Envelope struct {
	Error      string `json:"error"`
	Service    string `json:"service,omitempty"`
	Message    string `json:"message"`
	Timestamp  string `json:"timestamp"`
	Status     int    `json:"status"`
	Fallback   bool   `json:"fallback"`
	RetryAfter string `json:"retryAfter,omitempty"`
}

func writeCorrelation(w http.ResponseWriter, correlationID, requestID string) {
	if correlationID != "" {
		w.Header().Set("X-Correlation-ID", correlationID)
	}
	if requestID != "" {
		w.Header().Set("X-Request-ID", requestID)
	}
}

// ServiceUnavailable emits a 503 with the canonical fallback envelope, used
// by mw.CircuitBreak when a circuit breaker is open.
func ServiceUnavailable(w http.ResponseWriter, service, message string, retryAfterSeconds int, correlationID, requestID string) {
	writeCorrelation(w, correlationID, requestID)
	if retryAfterSeconds > 0 {
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusServiceUnavailable)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:      "Service Unavailable",
		Service:    service,
		Message:    message,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     http.StatusServiceUnavailable,
		Fallback:   true,
		RetryAfter: strconv.Itoa(retryAfterSeconds),
	})
}

// UpstreamTimeout emits a 504 fallback envelope.
func UpstreamTimeout(w http.ResponseWriter, service string, correlationID, requestID string) {
	writeCorrelation(w, correlationID, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusGatewayTimeout)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:     "Gateway Timeout",
		Service:   service,
		Message:   "upstream did not respond in time",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    http.StatusGatewayTimeout,
		Fallback:  true,
	})
}

// UpstreamError emits a 502 fallback envelope for connect/DNS/read failures.
func UpstreamError(w http.ResponseWriter, service string, correlationID, requestID string) {
	writeCorrelation(w, correlationID, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadGateway)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:     "Bad Gateway",
		Service:   service,
		Message:   "upstream request failed",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    http.StatusBadGateway,
		Fallback:  true,
	})
}

// AuthError is the small 401 body: {error, reason, message, timestamp, status}.
type AuthError struct {
	Error     string `json:"error"`
	Reason    string `json:"reason"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
	Status    int    `json:"status"`
}

// Unauthorized emits a 401 with the given reason
// ("missing_token"|"malformed"|"expired"|"bad_signature"|"bad_issuer"|"blocked").
func Unauthorized(w http.ResponseWriter, reason string, correlationID, requestID string) {
	writeCorrelation(w, correlationID, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(AuthError{
		Error:     "Unauthorized",
		Reason:    reason,
		Message:   "authentication failed: " + reason,
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    http.StatusUnauthorized,
	})
}

// RateLimited emits a 429 with the canonical envelope plus Retry-After.
func RateLimited(w http.ResponseWriter, policy string, retryAfterSeconds int, correlationID, requestID string) {
	writeCorrelation(w, correlationID, requestID)
	w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:      "Too Many Requests",
		Service:    policy,
		Message:    "rate limit exceeded",
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Status:     http.StatusTooManyRequests,
		Fallback:   true,
		RetryAfter: strconv.Itoa(retryAfterSeconds),
	})
}

// NotFound emits the canonical 404 for an unmatched route.
func NotFound(w http.ResponseWriter, correlationID, requestID string) {
	writeCorrelation(w, correlationID, requestID)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusNotFound)
	_ = json.NewEncoder(w).Encode(Envelope{
		Error:     "Not Found",
		Message:   "no route matches this request",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
		Status:    http.StatusNotFound,
	})
}
