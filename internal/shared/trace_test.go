package shared

import (
	"context"
	"testing"
)

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("empty context trace id = %q, want -", got)
	}
	id := NewTraceID()
	ctx = WithTraceID(ctx, id)
	if got := TraceID(ctx); got != id {
		t.Fatalf("trace id = %q, want %q", got, id)
	}
}

func TestConnectionAndSessionIDs(t *testing.T) {
	ctx := context.Background()
	if ConnectionID(ctx) != "" || SessionID(ctx) != "" || Principal(ctx) != "" {
		t.Fatal("empty context should yield empty ids")
	}
	ctx = WithConnectionID(ctx, "conn-1")
	ctx = WithSessionID(ctx, "sess-1")
	ctx = WithPrincipal(ctx, "demo")
	if ConnectionID(ctx) != "conn-1" {
		t.Fatalf("connection id = %q", ConnectionID(ctx))
	}
	if SessionID(ctx) != "sess-1" {
		t.Fatalf("session id = %q", SessionID(ctx))
	}
	if Principal(ctx) != "demo" {
		t.Fatalf("principal = %q", Principal(ctx))
	}
}
