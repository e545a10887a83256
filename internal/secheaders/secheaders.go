// Package secheaders applies the gateway's standard security headers to
// every egress response, including short-circuited ones.
package secheaders

import "net/http"

// Config controls which values are written. Empty fields are not written,
// so a zero Config writes no headers; Defaults() returns the standard set.
type Config struct {
	ContentSecurityPolicy string
	FrameOptions          string
	ContentTypeOptions    string
	XSSProtection         string
	HSTS                  string
	ReferrerPolicy        string
}

// Defaults returns the gateway's standard header set.
func Defaults() Config {
	return Config{
		ContentSecurityPolicy: "default-src 'none'",
		FrameOptions:          "DENY",
		ContentTypeOptions:    "nosniff",
		XSSProtection:         "1; mode=block",
		HSTS:                  "max-age=63072000; includeSubDomains",
		ReferrerPolicy:        "no-referrer",
	}
}

// Wrap returns middleware that stamps the configured security headers onto
// every response before delegating to next. Headers are set before next
// runs so rate-limit/correlation headers set downstream are not clobbered.
func Wrap(cfg Config, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h := w.Header()
		if cfg.ContentSecurityPolicy != "" {
			h.Set("Content-Security-Policy", cfg.ContentSecurityPolicy)
		}
		if cfg.FrameOptions != "" {
			h.Set("X-Frame-Options", cfg.FrameOptions)
		}
		if cfg.ContentTypeOptions != "" {
			h.Set("X-Content-Type-Options", cfg.ContentTypeOptions)
		}
		if cfg.XSSProtection != "" {
			h.Set("X-XSS-Protection", cfg.XSSProtection)
		}
		if cfg.HSTS != "" {
			h.Set("Strict-Transport-Security", cfg.HSTS)
		}
		if cfg.ReferrerPolicy != "" {
			h.Set("Referrer-Policy", cfg.ReferrerPolicy)
		}
		next.ServeHTTP(w, r)
	})
}
