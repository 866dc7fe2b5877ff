// Package notify delivers awaiting-human prompts to people. Delivery is best
// effort: a failing sink never changes task state.
package notify

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/bus"
)

// Notification is emitted when a task enters AwaitingHuman.
type Notification struct {
	TaskID   string
	BossID   string
	Prompt   string
	Deadline time.Time
	// Human is the addressed roster entry; nil for prompts raised without a
	// specific human.
	Human *assignee.Human
}

// Sink delivers notifications.
type Sink interface {
	Name() string
	Notify(ctx context.Context, n Notification) error
}

// Text renders the message body shared by chat-style sinks.
func (n Notification) Text() string {
	return fmt.Sprintf("Task %s needs your input (boss %s):\n\n%s\n\nDeadline: %s\nReply with /respond %s <answer>",
		n.TaskID, n.BossID, n.Prompt, n.Deadline.UTC().Format(time.RFC3339), n.TaskID)
}

// Multi fans a notification out to every sink. All sinks are attempted; the
// joined error names each failing sink.
type Multi []Sink

func (m Multi) Name() string { return "multi" }

func (m Multi) Notify(ctx context.Context, n Notification) error {
	var errs []error
	for _, s := range m {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", s.Name(), err))
		}
	}
	return errors.Join(errs...)
}

// LogSink writes notifications to the structured log.
type LogSink struct {
	Logger *slog.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Notify(_ context.Context, n Notification) error {
	logger := s.Logger
	if logger == nil {
		logger = slog.Default()
	}
	humanID := ""
	if n.Human != nil {
		humanID = n.Human.ID
	}
	logger.Info("human input requested",
		"task_id", n.TaskID,
		"boss_id", n.BossID,
		"human_id", humanID,
		"deadline", n.Deadline,
		"prompt", n.Prompt,
	)
	return nil
}

// BusSink republishes notifications for in-process subscribers such as
// gateway websocket clients.
type BusSink struct {
	Bus *bus.Bus
}

func (BusSink) Name() string { return "bus" }

func (s BusSink) Notify(_ context.Context, n Notification) error {
	if s.Bus == nil {
		return errors.New("bus sink has no bus")
	}
	humanID := ""
	if n.Human != nil {
		humanID = n.Human.ID
	}
	s.Bus.Publish(bus.TopicHumanAwaiting, bus.HumanAwaitingEvent{
		TaskID:   n.TaskID,
		BossID:   n.BossID,
		HumanID:  humanID,
		Prompt:   n.Prompt,
		Deadline: n.Deadline,
	})
	return nil
}

// Func adapts a function to Sink.
type Func func(ctx context.Context, n Notification) error

func (Func) Name() string { return "func" }

func (f Func) Notify(ctx context.Context, n Notification) error { return f(ctx, n) }
