package shared

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type traceKey struct{}
type bossIDKey struct{}
type taskIDKey struct{}
type delegationDepthKey struct{}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// EnsureTraceID returns ctx unchanged when it already carries a trace id.
func EnsureTraceID(ctx context.Context) context.Context {
	if TraceID(ctx) != "-" {
		return ctx
	}
	return WithTraceID(ctx, NewTraceID())
}

func WithBossID(ctx context.Context, bossID string) context.Context {
	return context.WithValue(ctx, bossIDKey{}, bossID)
}

// BossID extracts boss_id from context. Returns "" if absent.
func BossID(ctx context.Context) string {
	if v, ok := ctx.Value(bossIDKey{}).(string); ok {
		return v
	}
	return ""
}

func WithTaskID(ctx context.Context, taskID string) context.Context {
	return context.WithValue(ctx, taskIDKey{}, taskID)
}

// TaskID extracts task_id from context. Returns "" if absent.
func TaskID(ctx context.Context) string {
	if v, ok := ctx.Value(taskIDKey{}).(string); ok {
		return v
	}
	return ""
}

// WithDelegationDepth records how many boss levels a task has crossed.
func WithDelegationDepth(ctx context.Context, depth int) context.Context {
	return context.WithValue(ctx, delegationDepthKey{}, depth)
}

// DelegationDepth returns 0 for work submitted directly to a boss.
func DelegationDepth(ctx context.Context) int {
	if v, ok := ctx.Value(delegationDepthKey{}).(int); ok {
		return v
	}
	return 0
}

// LogAttrs returns the context identifiers as slog arguments, skipping empty ones.
func LogAttrs(ctx context.Context) []any {
	args := []any{"trace_id", TraceID(ctx)}
	if id := BossID(ctx); id != "" {
		args = append(args, "boss_id", id)
	}
	if id := TaskID(ctx); id != "" {
		args = append(args, "task_id", id)
	}
	return args
}

// Logger returns base annotated with the context identifiers.
func Logger(ctx context.Context, base *slog.Logger) *slog.Logger {
	if base == nil {
		base = slog.Default()
	}
	return base.With(LogAttrs(ctx)...)
}
