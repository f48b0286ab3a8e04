package shared

import (
	"context"
	"testing"
)

func TestTraceIDDefaultsToDash(t *testing.T) {
	if got := TraceID(context.Background()); got != "-" {
		t.Fatalf("TraceID = %q, want -", got)
	}
}

func TestTraceIDRoundTrip(t *testing.T) {
	ctx := WithTraceID(context.Background(), "abc")
	if got := TraceID(ctx); got != "abc" {
		t.Fatalf("TraceID = %q", got)
	}
}

func TestTaskIDRoundTrip(t *testing.T) {
	if got := TaskID(context.Background()); got != "" {
		t.Fatalf("TaskID = %q, want empty", got)
	}
	ctx := WithTaskID(context.Background(), "t1")
	if got := TaskID(ctx); got != "t1" {
		t.Fatalf("TaskID = %q", got)
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req-9")
	if got := RequestID(ctx); got != "req-9" {
		t.Fatalf("RequestID = %q", got)
	}
}

func TestNewTraceIDUnique(t *testing.T) {
	if NewTraceID() == NewTraceID() {
		t.Fatal("trace ids collided")
	}
}
