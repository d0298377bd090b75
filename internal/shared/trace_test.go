package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
}

func TestTraceID_RoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	if got := TraceID(ctx); got != "trace-1" {
		t.Fatalf("expected trace-1, got %q", got)
	}
}

func TestEnsureTraceID_KeepsExisting(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trace-1")
	ctx2, id := EnsureTraceID(ctx)
	if id != "trace-1" || ctx2 != ctx {
		t.Fatalf("expected existing trace id to be reused, got %q", id)
	}
}

func TestEnsureTraceID_GeneratesFresh(t *testing.T) {
	ctx, id := EnsureTraceID(context.Background())
	if id == "" || id == "-" {
		t.Fatalf("expected generated id, got %q", id)
	}
	if TraceID(ctx) != id {
		t.Fatalf("context does not carry generated id")
	}
	_, other := EnsureTraceID(context.Background())
	if other == id {
		t.Fatal("expected unique ids")
	}
}

func TestComponent_RoundTrip(t *testing.T) {
	if got := Component(context.Background()); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx := WithComponent(context.Background(), "store.task")
	if got := Component(ctx); got != "store.task" {
		t.Fatalf("expected store.task, got %q", got)
	}
}
