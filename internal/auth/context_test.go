// ABOUTME: Tests for principal propagation through context
// ABOUTME: Covers present, missing and panicking lookups

package auth

import (
	"context"
	"testing"
)

func TestFromContext_Present(t *testing.T) {
	want := Principal{Subject: "agent-1", Role: RoleAgent}
	ctx := WithPrincipal(context.Background(), want)

	got, ok := FromContext(ctx)
	if !ok {
		t.Fatal("expected principal in context")
	}
	if got != want {
		t.Errorf("FromContext() = %+v, want %+v", got, want)
	}
}

func TestFromContext_Missing(t *testing.T) {
	if _, ok := FromContext(context.Background()); ok {
		t.Error("expected no principal in empty context")
	}
}

func TestMustFromContext_Present(t *testing.T) {
	ctx := WithPrincipal(context.Background(), Anonymous)
	if got := MustFromContext(ctx); got != Anonymous {
		t.Errorf("MustFromContext() = %+v, want %+v", got, Anonymous)
	}
}

func TestMustFromContext_Missing(t *testing.T) {
	defer func() {
		if r := recover(); r == nil {
			t.Error("expected panic for missing principal")
		}
	}()
	MustFromContext(context.Background())
}
