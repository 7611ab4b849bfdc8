package middleware

import (
	"net/http"
	"strings"

	"github.com/rpattn/versionlog/internal/auth"
)

// Request headers carrying version attribution.
const (
	OriginatorHeader = "X-Originator-ID"
	OriginHeader     = "X-Origin"
	ScopeHeader      = "X-Scope"
)

// AttributionMiddleware copies the attribution headers into the request
// context, where versions written or queried during the request pick them up.
func AttributionMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if v := strings.TrimSpace(r.Header.Get(OriginatorHeader)); v != "" {
			ctx = auth.ContextWithOriginator(ctx, v)
		}
		if v := strings.TrimSpace(r.Header.Get(OriginHeader)); v != "" {
			ctx = auth.ContextWithOrigin(ctx, v)
		}
		if v := strings.TrimSpace(r.Header.Get(ScopeHeader)); v != "" {
			ctx = auth.ContextWithScope(ctx, v)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}
