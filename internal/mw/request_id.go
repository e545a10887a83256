package mw

import (
	"context"
	"net/http"

	"github.com/3xpluto/go-api-gateway/internal/idgen"
)

type ctxKey string

const (
	requestIDKey     ctxKey = "rid"
	correlationIDKey ctxKey = "cid"
)

// RequestID stamps a per-hop request id and echoes (or mints) a correlation
// id that survives across the whole call chain, per spec §2 C1. The request
// id always identifies this hop; the correlation id identifies the logical
// request across every hop that forwards it.
func RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rid := idgen.New()

		cid := r.Header.Get("X-Correlation-ID")
		if cid == "" {
			cid = rid
		}

		w.Header().Set("X-Request-ID", rid)
		w.Header().Set("X-Correlation-ID", cid)

		ctx := context.WithValue(r.Context(), requestIDKey, rid)
		ctx = context.WithValue(ctx, correlationIDKey, cid)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RID returns the request id stamped on this hop.
func RID(ctx context.Context) string {
	v, _ := ctx.Value(requestIDKey).(string)
	return v
}

// CID returns the correlation id carried across the whole call chain.
func CID(ctx context.Context) string {
	v, _ := ctx.Value(correlationIDKey).(string)
	return v
}
