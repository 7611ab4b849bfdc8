package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/rpattn/versionlog/internal/auth"
	"github.com/rpattn/versionlog/internal/domain"
)

func TestAttributionMiddleware(t *testing.T) {
	var (
		originator, origin, scope string
		hasOrigin                 bool
	)
	handler := AttributionMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		originator, _ = auth.OriginatorFromContext(r.Context())
		origin, hasOrigin = auth.OriginFromContext(r.Context())
		scope, _ = auth.ScopeFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/versions", nil)
	req.Header.Set(OriginatorHeader, "user-7")
	req.Header.Set(ScopeHeader, " tenant-a ")
	req.Header.Set(OriginHeader, "   ")
	handler.ServeHTTP(httptest.NewRecorder(), req)

	assert.Equal(t, "user-7", originator)
	assert.Equal(t, "tenant-a", scope)
	assert.False(t, hasOrigin)
	assert.Empty(t, origin)
}

func TestLoggingMiddleware(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	handler := LoggingMiddleware(zap.New(core))(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/versions", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)
	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "http request", entry.Message)
	assert.Equal(t, int64(http.StatusTeapot), entry.ContextMap()["status"])
	assert.Equal(t, "/versions", entry.ContextMap()["path"])
}

type nilSource struct{}

func (nilSource) CurrentEntities(_ context.Context, versions []domain.Version) ([]domain.Record, error) {
	return make([]domain.Record, len(versions)), nil
}

func TestDataLoaderMiddleware(t *testing.T) {
	assert.Nil(t, EntityLoaderFromContext(context.Background()))

	var found bool
	handler := DataLoaderMiddleware(nilSource{}, time.Millisecond)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		found = EntityLoaderFromContext(r.Context()) != nil
	}))
	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.True(t, found)
}
