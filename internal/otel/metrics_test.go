package otel

import (
	"context"
	"testing"
	"time"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p, err := Init(context.Background(), Config{
		Enabled:  true,
		Exporter: "none",
	})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	if m.TasksSubmitted == nil || m.TasksFinished == nil || m.TaskDuration == nil {
		t.Error("task instruments missing")
	}
	if m.Transitions == nil || m.InvalidTransitions == nil || m.Rethinks == nil {
		t.Error("boss instruments missing")
	}
	if m.AwaitingHuman == nil || m.HumanTimeouts == nil || m.NotifyFailures == nil {
		t.Error("human instruments missing")
	}
	if m.RequestDuration == nil {
		t.Error("RequestDuration is nil")
	}

	ctx := context.Background()
	m.TaskSubmitted(ctx, "root")
	m.TaskFinished(ctx, "root", "COMPLETED", "", time.Now().Add(-time.Second))
	m.Transition(ctx, "root", "submit_task", "idle", "awake")
	m.TransitionRejected(ctx, "root", "research_done", "idle")
	m.Awaiting(ctx, "root", 1)
	m.Awaiting(ctx, "root", -1)
	m.HumanTimedOut(ctx, "root")
	m.Rethink(ctx, "root")
	m.NotifyFailed(ctx, "telegram")
	m.Request(ctx, "/api/tasks", time.Millisecond)
}

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	ctx := context.Background()
	m.TaskSubmitted(ctx, "root")
	m.TaskFinished(ctx, "root", "FAILED", "HumanTimeout", time.Time{})
	m.Transition(ctx, "root", "e", "a", "b")
	m.Awaiting(ctx, "root", 1)
	m.NotifyFailed(ctx, "log")
}

func TestNewMetrics_DisabledProvider(t *testing.T) {
	m, err := NewMetrics(Noop().Meter)
	if err != nil {
		t.Fatalf("NewMetrics(noop): %v", err)
	}
	m.TaskSubmitted(context.Background(), "root")
}

// Noop returns the disabled (no-op) provider built by Init.
func Noop() *Provider {
	p, _ := Init(context.Background(), Config{Enabled: false})
	return p
}
