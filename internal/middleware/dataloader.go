package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/rpattn/versionlog/internal/entityloader"
)

type ctxKey string

const entityLoaderKey ctxKey = "entityLoader"

// DataLoaderMiddleware attaches a fresh entity loader to each request context
func DataLoaderMiddleware(source entityloader.Source, wait time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			loader := entityloader.NewEntityLoader(source, wait)
			ctx := context.WithValue(r.Context(), entityLoaderKey, loader)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// EntityLoaderFromContext retrieves the loader from context
func EntityLoaderFromContext(ctx context.Context) *entityloader.EntityLoader {
	if l, ok := ctx.Value(entityLoaderKey).(*entityloader.EntityLoader); ok {
		return l
	}
	return nil
}
