package mw

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type subjectKeyType string
type claimsKeyType string

const subjectKey subjectKeyType = "sub"
const claimsKey claimsKeyType = "claims"

// Claims is the identity stamped onto the request context after successful
// authentication, per spec §3/§4.2.
type Claims struct {
	Subject   string
	Username  string
	Roles     []string
	PersonaID string
	Issuer    string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// Sentinel auth-rejection reasons. RequireAuth maps these to the response
// envelope's reason field (spec reason vocabulary: missing_token, malformed,
// expired, bad_signature, bad_issuer); AuthHandler implementations should
// return one of these (or a wrapped error satisfying errors.Is against one)
// instead of an opaque error so the caller learns why the token was rejected.
var (
	ErrMissingToken = errors.New("missing_token")
	ErrMalformed    = errors.New("malformed")
	ErrExpired      = errors.New("expired")
	ErrBadSignature = errors.New("bad_signature")
	ErrBadIssuer    = errors.New("bad_issuer")
)

// reasonFor maps an auth error to the response envelope's reason string.
func reasonFor(err error) string {
	switch {
	case errors.Is(err, ErrMissingToken):
		return "missing_token"
	case errors.Is(err, ErrExpired):
		return "expired"
	case errors.Is(err, ErrBadSignature):
		return "bad_signature"
	case errors.Is(err, ErrBadIssuer):
		return "bad_issuer"
	default:
		return "malformed"
	}
}

// classifyJWTError maps golang-jwt/v5's typed validation errors onto this
// package's sentinel reasons.
func classifyJWTError(err error) error {
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return ErrExpired
	case errors.Is(err, jwt.ErrTokenSignatureInvalid), errors.Is(err, jwt.ErrTokenUnverifiable):
		return ErrBadSignature
	default:
		return ErrMalformed
	}
}

type Authenticator struct {
	Mode       string // "hmac"
	HMACSecret []byte
}

func (a Authenticator) ValidateBearer(r *http.Request) (Claims, error) {
	authz := r.Header.Get("Authorization")
	if authz == "" || !strings.HasPrefix(authz, "Bearer ") {
		return Claims{}, ErrMissingToken
	}
	tokStr := strings.TrimSpace(strings.TrimPrefix(authz, "Bearer "))

	tok, err := jwt.Parse(tokStr, func(token *jwt.Token) (any, error) {
		if a.Mode != "hmac" {
			return nil, ErrBadSignature
		}
		if token.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, ErrBadSignature
		}
		return a.HMACSecret, nil
	}, jwt.WithLeeway(60*time.Second))
	if err != nil {
		return Claims{}, classifyJWTError(err)
	}
	if !tok.Valid {
		return Claims{}, ErrMalformed
	}
	mc, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return Claims{}, ErrMalformed
	}
	return claimsFromMap(mc)
}

func claimsFromMap(mc jwt.MapClaims) (Claims, error) {
	sub, _ := mc["sub"].(string)
	if sub == "" {
		return Claims{}, ErrMalformed
	}
	username, _ := mc["username"].(string)
	personaID, _ := mc["persona_id"].(string)
	iss, _ := mc["iss"].(string)

	var roles []string
	switch rv := mc["roles"].(type) {
	case []any:
		for _, r := range rv {
			if s, ok := r.(string); ok {
				roles = append(roles, s)
			}
		}
	case []string:
		roles = rv
	case string:
		roles = strings.Fields(rv)
	}

	c := Claims{Subject: sub, Username: username, Roles: roles, PersonaID: personaID, Issuer: iss}
	if exp, ok := extractInt64(mc["exp"]); ok {
		c.ExpiresAt = time.Unix(exp, 0)
	}
	if iat, ok := extractInt64(mc["iat"]); ok {
		c.IssuedAt = time.Unix(iat, 0)
	}
	return c, nil
}

func WithSubject(next http.Handler, sub string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), subjectKey, sub)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func Subject(ctx context.Context) (string, bool) {
	v, ok := ctx.Value(subjectKey).(string)
	return v, ok
}

// WithClaims stamps the full authenticated identity and its subject onto
// the request context.
func WithClaims(next http.Handler, c Claims) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := context.WithValue(r.Context(), claimsKey, c)
		ctx = context.WithValue(ctx, subjectKey, c.Subject)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ClaimsFrom(ctx context.Context) (Claims, bool) {
	v, ok := ctx.Value(claimsKey).(Claims)
	return v, ok
}
