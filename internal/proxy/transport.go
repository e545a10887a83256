package proxy

import (
	"context"
	"net"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"
)

type TransportConfig struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	IdleConnTimeout       time.Duration
	MaxIdleConns          int
	MaxIdleConnsPerHost   int
}

func NewTransport(cfg TransportConfig) *http.Transport {
	dialer := &net.Dialer{
		Timeout:   cfg.DialTimeout,
		KeepAlive: 30 * time.Second,
	}

	tr := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          cfg.MaxIdleConns,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       cfg.IdleConnTimeout,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		ExpectContinueTimeout: 1 * time.Second,
	}
	return tr
}

var idempotentMethods = map[string]bool{
	http.MethodGet:     true,
	http.MethodHead:    true,
	http.MethodOptions: true,
}

// retryingTransport retries idempotent requests on connect-level errors
// (the request never reached the upstream, so replaying it is safe). It
// never retries a request once a response has started arriving, and never
// retries non-idempotent methods.
type retryingTransport struct {
	next       http.RoundTripper
	maxRetries int
}

// NewRetryingTransport wraps next with bounded exponential-backoff retries
// for GET/HEAD/OPTIONS requests that fail with a connect error, per spec
// §4.5. maxRetries <= 0 disables retrying.
func NewRetryingTransport(next http.RoundTripper, maxRetries int) http.RoundTripper {
	if maxRetries <= 0 {
		return next
	}
	return &retryingTransport{next: next, maxRetries: maxRetries}
}

func (t *retryingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if !idempotentMethods[req.Method] {
		return t.next.RoundTrip(req)
	}

	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), uint64(t.maxRetries)), req.Context())

	var resp *http.Response
	err := backoff.Retry(func() error {
		r := req.Clone(req.Context())
		var rtErr error
		resp, rtErr = t.next.RoundTrip(r)
		if rtErr == nil {
			return nil
		}
		if !isConnectError(rtErr) {
			return backoff.Permanent(rtErr)
		}
		return rtErr
	}, bo)
	if err != nil {
		return nil, err
	}
	return resp, nil
}

func isConnectError(err error) bool {
	if err == nil {
		return false
	}
	if err == context.DeadlineExceeded {
		return true
	}
	_, ok := err.(*net.OpError)
	return ok
}
