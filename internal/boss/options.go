package boss

import (
	"context"
	"log/slog"
	"maps"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-boss/internal/agentic"
	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/coordinator"
	"github.com/basket/go-boss/internal/notify"
	"github.com/basket/go-boss/internal/otel"
)

// Journal persists boss activity. Errors are logged and never change state.
type Journal interface {
	coordinator.Recorder
	RecordTransition(ctx context.Context, ev bus.BossStateChangedEvent) error
	RecordDiagnostic(ctx context.Context, ev bus.DiagnosticEvent) error
}

// Options configures a Boss.
type Options struct {
	ID   string
	Name string

	Limits Limits
	// ManualDispatch leaves submitted tasks Pending (boss awake) until
	// Dispatch is called.
	ManualDispatch bool
	// ManualReflection keeps the boss in reflecting until
	// CompleteReflection is called.
	ManualReflection bool

	// WorkerCount bounds concurrent agentic executions.
	WorkerCount  int
	HistoryLimit int

	Humans []assignee.Human
	Agent  agentic.Agent
	// Tools is the MCP tool catalog advertised to the agent.
	Tools []string

	Sink    notify.Sink
	Bus     *bus.Bus
	Journal Journal
	Logger  *slog.Logger
	Metrics *otel.Metrics
	Tracer  trace.Tracer
	Clock   func() time.Time
}

// SubmitOption customizes a submission.
type SubmitOption func(*coordinator.Submission)

// WithTaskID sets the task id instead of generating one. Reusing an id fails
// with a duplicate task error.
func WithTaskID(id string) SubmitOption {
	return func(s *coordinator.Submission) { s.ID = id }
}

func WithTitle(title string) SubmitOption {
	return func(s *coordinator.Submission) { s.Title = title }
}

func WithCreatedBy(who string) SubmitOption {
	return func(s *coordinator.Submission) { s.CreatedBy = who }
}

func WithParent(taskID string) SubmitOption {
	return func(s *coordinator.Submission) { s.ParentID = taskID }
}

func WithMetadata(md map[string]string) SubmitOption {
	return func(s *coordinator.Submission) {
		if s.Metadata == nil {
			s.Metadata = make(map[string]string, len(md))
		}
		maps.Copy(s.Metadata, md)
	}
}

// WithDeadline fails the task with an execution error if it is still live at t.
func WithDeadline(t time.Time) SubmitOption {
	return func(s *coordinator.Submission) { s.Deadline = &t }
}

// WithHumanTimeout overrides the roster response timeout of a human
// assignee.
func WithHumanTimeout(d time.Duration) SubmitOption {
	return func(s *coordinator.Submission) { s.HumanTimeout = d }
}
