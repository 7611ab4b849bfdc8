package auth

import (
	"context"
	"testing"
)

func TestOriginatorRoundTrip(t *testing.T) {
	ctx := ContextWithOriginator(context.Background(), "user-1")

	got, ok := OriginatorFromContext(ctx)
	if !ok || got != "user-1" {
		t.Fatalf("expected user-1, got %q (ok=%v)", got, ok)
	}
	if _, ok := OriginFromContext(ctx); ok {
		t.Fatalf("expected no origin in context")
	}
}

func TestEmptyValuesAreAbsent(t *testing.T) {
	ctx := ContextWithOrigin(context.Background(), "")
	if _, ok := OriginFromContext(ctx); ok {
		t.Fatalf("expected empty origin to be treated as absent")
	}
}

func TestEnforceScope(t *testing.T) {
	if err := EnforceScope(context.Background(), ""); err == nil {
		t.Fatalf("expected error for empty scope")
	}
	if err := EnforceScope(context.Background(), "tenant-a"); err != nil {
		t.Fatalf("expected unscoped context to allow any scope, got %v", err)
	}

	ctx := ContextWithScope(context.Background(), "tenant-a")
	if err := EnforceScope(ctx, "tenant-a"); err != nil {
		t.Fatalf("expected matching scope to pass, got %v", err)
	}
	if err := EnforceScope(ctx, "tenant-b"); err == nil {
		t.Fatalf("expected mismatched scope to fail")
	}
}
