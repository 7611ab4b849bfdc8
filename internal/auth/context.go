package auth

import (
	"context"
	"fmt"
	"strings"
)

type contextKey string

const (
	originatorIDKey contextKey = "originatorID"
	originKey       contextKey = "origin"
	scopeKey        contextKey = "scope"
)

// ContextWithOriginator returns a new context that carries the acting identity.
func ContextWithOriginator(ctx context.Context, originatorID string) context.Context {
	return withString(ctx, originatorIDKey, originatorID)
}

// OriginatorFromContext retrieves the acting identity from the context, if any.
func OriginatorFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, originatorIDKey)
}

// ContextWithOrigin returns a new context tagged with the subsystem that causes changes.
func ContextWithOrigin(ctx context.Context, origin string) context.Context {
	return withString(ctx, originKey, origin)
}

// OriginFromContext retrieves the origin tag from the context, if any.
func OriginFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, originKey)
}

// ContextWithScope returns a new context that carries the authenticated scope.
func ContextWithScope(ctx context.Context, scope string) context.Context {
	return withString(ctx, scopeKey, scope)
}

// ScopeFromContext retrieves the authenticated scope from the context, if any.
func ScopeFromContext(ctx context.Context) (string, bool) {
	return stringFrom(ctx, scopeKey)
}

// EnforceScope ensures the provided scope matches the authenticated scope when present.
func EnforceScope(ctx context.Context, scope string) error {
	if strings.TrimSpace(scope) == "" {
		return fmt.Errorf("scope is required")
	}
	scoped, ok := ScopeFromContext(ctx)
	if !ok {
		return nil
	}
	if scoped != scope {
		return fmt.Errorf("scope %s does not match authenticated scope", scope)
	}
	return nil
}

func withString(ctx context.Context, key contextKey, value string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, key, value)
}

func stringFrom(ctx context.Context, key contextKey) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(key).(string)
	if !ok || value == "" {
		return "", false
	}
	return value, true
}
