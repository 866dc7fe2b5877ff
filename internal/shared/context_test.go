package shared

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestContextIDs_RoundTrip(t *testing.T) {
	ctx := context.Background()
	if TraceID(ctx) != "-" || BossID(ctx) != "" || TaskID(ctx) != "" || DelegationDepth(ctx) != 0 {
		t.Fatal("empty context should report defaults")
	}

	ctx = WithBossID(ctx, "root")
	ctx = WithTaskID(ctx, "t1")
	ctx = WithDelegationDepth(ctx, 2)
	ctx = WithTraceID(ctx, "trace-1")

	if BossID(ctx) != "root" || TaskID(ctx) != "t1" || DelegationDepth(ctx) != 2 || TraceID(ctx) != "trace-1" {
		t.Fatalf("round trip failed: %v", LogAttrs(ctx))
	}
}

func TestEnsureTraceID(t *testing.T) {
	ctx := EnsureTraceID(context.Background())
	id := TraceID(ctx)
	if id == "-" {
		t.Fatal("expected generated trace id")
	}
	if got := TraceID(EnsureTraceID(ctx)); got != id {
		t.Fatalf("EnsureTraceID replaced existing id: %q -> %q", id, got)
	}
}

func TestLogger_AddsContextAttrs(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewTextHandler(&buf, nil))
	ctx := WithTaskID(WithBossID(context.Background(), "b2"), "t9")

	Logger(ctx, base).Info("hello")

	out := buf.String()
	for _, want := range []string{"boss_id=b2", "task_id=t9", "trace_id=-"} {
		if !strings.Contains(out, want) {
			t.Fatalf("log line %q missing %q", out, want)
		}
	}
}
