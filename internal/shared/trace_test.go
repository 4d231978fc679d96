package shared

import (
	"context"
	"testing"
)

func TestTraceID_DefaultDash(t *testing.T) {
	ctx := context.Background()
	if got := TraceID(ctx); got != "-" {
		t.Fatalf("expected -, got %q", got)
	}
	ctx = WithTraceID(ctx, "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("expected abc, got %q", got)
	}
}

func TestAgentID_DefaultEmpty(t *testing.T) {
	ctx := context.Background()
	if got := AgentID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithAgentID(ctx, "test-agent")
	if got := AgentID(ctx); got != "test-agent" {
		t.Fatalf("expected test-agent, got %q", got)
	}
}

func TestTaskID_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if got := TaskID(ctx); got != "" {
		t.Fatalf("expected empty, got %q", got)
	}
	ctx = WithTaskID(ctx, "task-1")
	if got := TaskID(ctx); got != "task-1" {
		t.Fatalf("expected task-1, got %q", got)
	}
}

func TestNewTraceID_Unique(t *testing.T) {
	a := NewTraceID()
	b := NewTraceID()
	if a == "" || a == b {
		t.Fatalf("trace ids not unique: %q vs %q", a, b)
	}
}
