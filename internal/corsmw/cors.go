// Package corsmw implements CORS preflight handling and response header
// application for one CORS policy (cmd/gateway uses one gateway-wide policy).
package corsmw

import (
	"net/http"
	"regexp"
	"strconv"
	"strings"
)

// Config is one CORS policy.
type Config struct {
	Enabled             bool
	AllowOrigins        []string
	AllowOriginPatterns []string
	AllowMethods        []string
	AllowHeaders        []string
	ExposeHeaders       []string
	AllowCredentials    bool
	MaxAgeSeconds       int
}

// Handler answers preflight requests and stamps CORS headers on normal
// responses for one Config.
type Handler struct {
	enabled          bool
	allowOrigins     []string
	allowAllOrigins  bool
	originPatterns   []*regexp.Regexp
	allowMethods     string
	allowHeaders     string
	exposeHeaders    string
	allowCredentials bool
	maxAge           string
}

// New compiles a Config into a Handler.
func New(cfg Config) (*Handler, error) {
	h := &Handler{
		enabled:          cfg.Enabled,
		allowOrigins:     cfg.AllowOrigins,
		allowCredentials: cfg.AllowCredentials,
	}

	for _, o := range cfg.AllowOrigins {
		if o == "*" {
			h.allowAllOrigins = true
			break
		}
	}

	for _, pattern := range cfg.AllowOriginPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, err
		}
		h.originPatterns = append(h.originPatterns, re)
	}

	if len(cfg.AllowMethods) > 0 {
		h.allowMethods = strings.Join(cfg.AllowMethods, ", ")
	} else {
		h.allowMethods = "GET, POST, PUT, PATCH, DELETE, OPTIONS"
	}

	if len(cfg.AllowHeaders) > 0 {
		h.allowHeaders = strings.Join(cfg.AllowHeaders, ", ")
	} else {
		h.allowHeaders = "Content-Type, Authorization"
	}

	if len(cfg.ExposeHeaders) > 0 {
		h.exposeHeaders = strings.Join(cfg.ExposeHeaders, ", ")
	}

	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = 3600
	}
	h.maxAge = strconv.Itoa(maxAge)

	return h, nil
}

// Enabled reports whether this CORS policy is switched on.
func (h *Handler) Enabled() bool { return h != nil && h.enabled }

// IsPreflight reports whether r is a CORS preflight request.
func (h *Handler) IsPreflight(r *http.Request) bool {
	return h.Enabled() && r.Method == http.MethodOptions &&
		r.Header.Get("Origin") != "" &&
		r.Header.Get("Access-Control-Request-Method") != ""
}

// HandlePreflight writes the 204 preflight response.
func (h *Handler) HandlePreflight(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if !h.originAllowed(origin) {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	respOrigin := origin
	if h.allowAllOrigins && !h.allowCredentials {
		respOrigin = "*"
	}

	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", respOrigin)
	hdr.Set("Access-Control-Allow-Methods", h.allowMethods)
	hdr.Set("Access-Control-Allow-Headers", h.allowHeaders)
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	hdr.Set("Access-Control-Max-Age", h.maxAge)
	hdr.Set("Vary", "Origin, Access-Control-Request-Method, Access-Control-Request-Headers")
	w.WriteHeader(http.StatusNoContent)
}

// ApplyHeaders stamps CORS headers on a normal (non-preflight) response.
func (h *Handler) ApplyHeaders(w http.ResponseWriter, r *http.Request) {
	origin := r.Header.Get("Origin")
	if origin == "" || !h.originAllowed(origin) {
		return
	}

	respOrigin := origin
	if h.allowAllOrigins && !h.allowCredentials {
		respOrigin = "*"
	}

	hdr := w.Header()
	hdr.Set("Access-Control-Allow-Origin", respOrigin)
	if h.allowCredentials {
		hdr.Set("Access-Control-Allow-Credentials", "true")
	}
	if h.exposeHeaders != "" {
		hdr.Set("Access-Control-Expose-Headers", h.exposeHeaders)
	}
	hdr.Set("Vary", "Origin")
}

// Middleware applies response headers on every non-preflight request before
// delegating to next. Preflight requests should be intercepted separately
// with IsPreflight/HandlePreflight before routing.
func (h *Handler) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h.ApplyHeaders(w, r)
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) originAllowed(origin string) bool {
	if h.allowAllOrigins {
		return true
	}
	for _, o := range h.allowOrigins {
		if o == origin {
			return true
		}
	}
	for _, re := range h.originPatterns {
		if re.MatchString(origin) {
			return true
		}
	}
	return false
}
