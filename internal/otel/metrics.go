package otel

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the boss instruments. A nil *Metrics is valid and records
// nothing, so components can take it optionally.
type Metrics struct {
	TasksSubmitted     metric.Int64Counter
	TasksFinished      metric.Int64Counter
	TaskDuration       metric.Float64Histogram
	Transitions        metric.Int64Counter
	InvalidTransitions metric.Int64Counter
	AwaitingHuman      metric.Int64UpDownCounter
	HumanTimeouts      metric.Int64Counter
	Rethinks           metric.Int64Counter
	NotifyFailures     metric.Int64Counter
	RequestDuration    metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.TasksSubmitted, err = meter.Int64Counter("goboss.task.submitted",
		metric.WithDescription("Tasks accepted by a boss"),
	); err != nil {
		return nil, err
	}
	if m.TasksFinished, err = meter.Int64Counter("goboss.task.finished",
		metric.WithDescription("Tasks reaching a terminal status"),
	); err != nil {
		return nil, err
	}
	if m.TaskDuration, err = meter.Float64Histogram("goboss.task.duration",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	if m.Transitions, err = meter.Int64Counter("goboss.boss.transitions",
		metric.WithDescription("Applied boss state machine events"),
	); err != nil {
		return nil, err
	}
	if m.InvalidTransitions, err = meter.Int64Counter("goboss.boss.transitions.rejected",
		metric.WithDescription("Boss events rejected by the transition table"),
	); err != nil {
		return nil, err
	}
	if m.AwaitingHuman, err = meter.Int64UpDownCounter("goboss.human.awaiting",
		metric.WithDescription("Tasks currently waiting on a human response"),
	); err != nil {
		return nil, err
	}
	if m.HumanTimeouts, err = meter.Int64Counter("goboss.human.timeouts",
		metric.WithDescription("Human waits that hit their deadline"),
	); err != nil {
		return nil, err
	}
	if m.Rethinks, err = meter.Int64Counter("goboss.boss.rethinks",
		metric.WithDescription("Rejected syntheses sent back for rethink"),
	); err != nil {
		return nil, err
	}
	if m.NotifyFailures, err = meter.Int64Counter("goboss.notify.failures",
		metric.WithDescription("Notification sink delivery failures"),
	); err != nil {
		return nil, err
	}
	if m.RequestDuration, err = meter.Float64Histogram("goboss.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Metrics) TaskSubmitted(ctx context.Context, bossID string) {
	if m == nil {
		return
	}
	m.TasksSubmitted.Add(ctx, 1, metric.WithAttributes(AttrBossID.String(bossID)))
}

// TaskFinished records a terminal status and, when started is non-zero, the
// execution duration.
func (m *Metrics) TaskFinished(ctx context.Context, bossID, status, kind string, started time.Time) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		AttrBossID.String(bossID),
		AttrStatus.String(status),
		AttrErrorKind.String(kind),
	)
	m.TasksFinished.Add(ctx, 1, attrs)
	if !started.IsZero() {
		m.TaskDuration.Record(ctx, time.Since(started).Seconds(), attrs)
	}
}

func (m *Metrics) Transition(ctx context.Context, bossID, event, from, to string) {
	if m == nil {
		return
	}
	m.Transitions.Add(ctx, 1, metric.WithAttributes(
		AttrBossID.String(bossID),
		AttrEvent.String(event),
		attribute.String("from", from),
		attribute.String("to", to),
	))
}

func (m *Metrics) TransitionRejected(ctx context.Context, bossID, event, state string) {
	if m == nil {
		return
	}
	m.InvalidTransitions.Add(ctx, 1, metric.WithAttributes(
		AttrBossID.String(bossID),
		AttrEvent.String(event),
		AttrState.String(state),
	))
}

func (m *Metrics) Awaiting(ctx context.Context, bossID string, delta int64) {
	if m == nil {
		return
	}
	m.AwaitingHuman.Add(ctx, delta, metric.WithAttributes(AttrBossID.String(bossID)))
}

func (m *Metrics) HumanTimedOut(ctx context.Context, bossID string) {
	if m == nil {
		return
	}
	m.HumanTimeouts.Add(ctx, 1, metric.WithAttributes(AttrBossID.String(bossID)))
}

func (m *Metrics) Rethink(ctx context.Context, bossID string) {
	if m == nil {
		return
	}
	m.Rethinks.Add(ctx, 1, metric.WithAttributes(AttrBossID.String(bossID)))
}

func (m *Metrics) NotifyFailed(ctx context.Context, sink string) {
	if m == nil {
		return
	}
	m.NotifyFailures.Add(ctx, 1, metric.WithAttributes(attribute.String("sink", sink)))
}

func (m *Metrics) Request(ctx context.Context, route string, d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("route", route)))
}
