package proxy

import (
	"encoding/json"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"strings"

	"github.com/3xpluto/go-api-gateway/internal/mw"
)

type Route struct {
	Name string

	// PathPrefix is the simple-prefix match used when PathPatterns is empty
	// (kept for configs that don't need glob segments).
	PathPrefix string
	// PathPatterns, when set, are glob patterns matched segment-by-segment:
	// "*" matches exactly one path segment, a trailing "**" matches one or
	// more remaining segments. The route matches if any pattern matches.
	PathPatterns []string
	// Methods restricts the route to specific HTTP methods; empty matches
	// any method.
	Methods []string
	// PublicPaths are sub-paths under this route that bypass AuthRequired
	// (e.g. a healthcheck endpoint behind an authenticated service route).
	// Each entry matches itself and every path beneath it.
	PublicPaths []string

	Upstream        *url.URL
	FallbackService string
	StripPrefix     string
	AuthRequired    bool
	TimeoutMS       int
	MaxRetries      int
	// ServiceTokenEnv, when set, names an environment variable holding a
	// static service-to-service credential stamped onto forwarded requests
	// as X-Service-Token. It is never derived from the caller's own token.
	ServiceTokenEnv string
	// ForwardRawAuthorization keeps the inbound Authorization header on the
	// forwarded request instead of stripping it once identity has been
	// stamped onto X-User-* headers.
	ForwardRawAuthorization bool
	RateLimit               RouteRateLimit
	Proxy                   *httputil.ReverseProxy
}

type RouteRateLimit struct {
	Enabled bool
	RPS     float64
	Burst   float64
	Scope   string
}

// Router holds routes in declaration order. Matching is first-match-wins:
// removing a route never changes which earlier route a request matches.
type Router struct {
	routes []Route
}

func New(routes []Route) (*Router, error) {
	if len(routes) == 0 {
		return nil, ErrNoRoutes
	}
	return &Router{routes: routes}, nil
}

var ErrNoRoutes = &errString{s: "no routes"}

type errString struct{ s string }

func (e *errString) Error() string { return e.s }

func (r *Router) Match(path string) *Route {
	return r.MatchMethod(http.MethodGet, path)
}

// MatchMethod matches a path and method against routes in declaration
// order and returns the first route whose pattern(s) and (optional)
// methods both match.
func (r *Router) MatchMethod(method, path string) *Route {
	for i := range r.routes {
		rt := &r.routes[i]
		if !methodAllowed(rt.Methods, method) {
			continue
		}
		if routeMatchesPath(rt, path) {
			return rt
		}
	}
	return nil
}

func methodAllowed(methods []string, method string) bool {
	if len(methods) == 0 {
		return true
	}
	for _, m := range methods {
		if strings.EqualFold(m, method) {
			return true
		}
	}
	return false
}

func routeMatchesPath(rt *Route, path string) bool {
	if len(rt.PathPatterns) == 0 {
		return strings.HasPrefix(path, rt.PathPrefix)
	}
	for _, pat := range rt.PathPatterns {
		if globMatch(pat, path) {
			return true
		}
	}
	return false
}

// globMatch compares pattern and path segment-by-segment. "*" matches
// exactly one non-empty segment; a trailing "**" segment matches the rest
// of the path (one or more segments).
func globMatch(pattern, path string) bool {
	pSegs := splitPath(pattern)
	sSegs := splitPath(path)

	i := 0
	for ; i < len(pSegs); i++ {
		if pSegs[i] == "**" {
			return i < len(sSegs) // at least one segment must remain
		}
		if i >= len(sSegs) {
			return false
		}
		if pSegs[i] == "*" {
			if sSegs[i] == "" {
				return false
			}
			continue
		}
		if pSegs[i] != sSegs[i] {
			return false
		}
	}
	return i == len(sSegs)
}

func splitPath(p string) []string {
	p = strings.Trim(p, "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// IsPublicPath reports whether subPath (already stripped of the route's
// prefix) is one of the route's unauthenticated sub-paths.
func (rt *Route) IsPublicPath(path string) bool {
	for _, pp := range rt.PublicPaths {
		if pp == path || strings.HasPrefix(path, strings.TrimSuffix(pp, "/")+"/") {
			return true
		}
	}
	return false
}

// hopByHopHeaders are stripped before forwarding per RFC 7230 §6.1; Go's
// httputil.ReverseProxy already strips most of these, this list documents
// the set explicitly for the identity-header stamping step.
var hopByHopHeaders = []string{
	"Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
	"Te", "Trailer", "Transfer-Encoding", "Upgrade",
}

func stripHopByHop(h http.Header) {
	for _, k := range hopByHopHeaders {
		h.Del(k)
	}
}

// stampIdentity carries the caller's authenticated identity and correlation
// ids from the incoming request's context onto the outbound request. It
// reads mw.ClaimsFrom (set by mw.RequireAuth/mw.OptionalAuth) and mw.CID/RID
// (set by mw.RequestID), both of which survive on req.Context() because
// httputil.ReverseProxy clones the request without replacing its context.
// Downstream services trust these headers and must never receive them from
// the original caller, so any inbound copies of the identity headers are
// dropped first, and forwardRawAuthorization=false strips any inbound
// Authorization header once claims are present.
func stampIdentity(req *http.Request, forwardRawAuthorization bool) {
	ctx := req.Context()

	for _, k := range []string{"X-User-Id", "X-Username", "X-User-Roles", "X-Persona-Id"} {
		req.Header.Del(k)
	}

	if claims, ok := mw.ClaimsFrom(ctx); ok {
		req.Header.Set("X-User-Id", claims.Subject)
		if claims.Username != "" {
			req.Header.Set("X-Username", claims.Username)
		}
		if len(claims.Roles) > 0 {
			req.Header.Set("X-User-Roles", strings.Join(claims.Roles, ","))
		}
		if claims.PersonaID != "" {
			req.Header.Set("X-Persona-Id", claims.PersonaID)
		}
		if !forwardRawAuthorization {
			req.Header.Del("Authorization")
		}
	}

	if cid := mw.CID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}
	if rid := mw.RID(ctx); rid != "" {
		req.Header.Set("X-Request-ID", rid)
	}
}

// ProxyOptions configures per-route forwarding behavior for BuildProxyWithOptions.
type ProxyOptions struct {
	// ServiceTokenEnv, when set, names an environment variable holding a
	// static service-to-service credential stamped onto forwarded requests
	// as X-Service-Token. It is never derived from the caller's own token.
	ServiceTokenEnv string
	// ForwardRawAuthorization keeps the caller's inbound Authorization header
	// on the forwarded request. Defaults to false: once the gateway has
	// authenticated the caller it strips it, relying on the stamped
	// X-User-* identity headers instead.
	ForwardRawAuthorization bool
}

func BuildProxy(up *url.URL, transport http.RoundTripper) *httputil.ReverseProxy {
	return BuildProxyWithOptions(up, transport, ProxyOptions{})
}

// BuildProxyWithOptions builds a reverse proxy whose Director strips
// hop-by-hop headers, stamps the caller's authenticated identity (subject,
// username, roles, persona id) and correlation/request ids from the incoming
// request's context onto the outbound request, and optionally injects a
// static service token. See stampIdentity.
func BuildProxyWithOptions(up *url.URL, transport http.RoundTripper, opts ProxyOptions) *httputil.ReverseProxy {
	p := httputil.NewSingleHostReverseProxy(up)
	p.Transport = transport

	tok := ""
	if opts.ServiceTokenEnv != "" {
		tok = os.Getenv(opts.ServiceTokenEnv)
	}

	orig := p.Director
	p.Director = func(req *http.Request) {
		orig(req)
		req.Host = up.Host
		stripHopByHop(req.Header)
		stampIdentity(req, opts.ForwardRawAuthorization)
		if tok != "" {
			req.Header.Set("X-Service-Token", tok)
		}
	}

	origModify := p.ModifyResponse
	p.ModifyResponse = func(resp *http.Response) error {
		stripHopByHop(resp.Header)
		if origModify != nil {
			return origModify(resp)
		}
		return nil
	}

	p.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		msg := ""
		code := http.StatusBadGateway
		if err != nil {
			msg = err.Error()
			if strings.Contains(msg, "request body too large") {
				code = http.StatusRequestEntityTooLarge
				msg = "request_too_large"
			}
		}
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": msg,
		})
	}

	return p
}

func StripPath(path string, strip string) string {
	if strip == "" {
		return path
	}
	if strings.HasPrefix(path, strip) {
		p := strings.TrimPrefix(path, strip)
		if p == "" {
			p = "/"
		}
		return p
	}
	return path
}
