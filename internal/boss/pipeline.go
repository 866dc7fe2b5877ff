package boss

import (
	"context"
	"fmt"

	"github.com/basket/go-boss/internal/agentic"
	"github.com/basket/go-boss/internal/coordinator"
	"github.com/basket/go-boss/internal/otel"
	"github.com/basket/go-boss/internal/task"
)

// Run executes a task assigned to the boss itself: research, synthesize and
// judge, rethinking rejected drafts until the budget runs out. The pipeline
// holds the boss focus until the task is finished.
func (b *Boss) Run(ctx context.Context, x *coordinator.Execution) (*task.Result, error) {
	t := x.Task()
	// Waiting for the focus must not hold a worker slot.
	err := x.Park(ctx, func(ctx context.Context) error {
		select {
		case b.focus <- struct{}{}:
			go func() {
				<-x.Done()
				<-b.focus
			}()
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})
	if err != nil {
		return nil, err
	}

	ctx, span := otel.StartSpan(ctx, b.opts.Tracer, "boss.pipeline",
		otel.AttrBossID.String(b.id),
		otel.AttrTaskID.String(t.ID),
	)
	defer span.End()

	brief := agentic.Brief{
		TaskID:      t.ID,
		BossID:      b.id,
		Title:       t.Title,
		Description: t.Description,
		Attempt:     1,
		Tools:       b.opts.Tools,
		Ask:         x.AskHuman,
	}
	if err := b.post(ctx, request{event: EventEnterResearch, taskID: t.ID}); err != nil {
		return nil, err
	}

	for {
		findings, err := b.agent.Research(ctx, brief)
		if err != nil {
			return nil, fmt.Errorf("research: %w", err)
		}
		if err := b.post(ctx, request{event: EventResearchDone, taskID: t.ID}); err != nil {
			return nil, err
		}

		draft, err := b.agent.Synthesize(ctx, brief, findings)
		if err != nil {
			return nil, fmt.Errorf("synthesize: %w", err)
		}
		verdict, err := b.agent.Judge(ctx, brief, draft)
		if err != nil {
			return nil, fmt.Errorf("judge: %w", err)
		}
		if verdict.Accept {
			x.Note(fmt.Sprintf("accepted on attempt %d", brief.Attempt))
			return &task.Result{Summary: draft.Summary, Data: draft.Data}, nil
		}

		exhausted := &task.Failure{
			Kind:    task.KindRethinkBudgetExceeded,
			Message: fmt.Sprintf("draft rejected after %d attempt(s): %s", brief.Attempt, verdict.Feedback),
			TaskID:  t.ID,
			At:      b.opts.Clock(),
		}
		var failed bool
		err = b.post(ctx, request{
			event:  EventSynthesisRejected,
			taskID: t.ID,
			cause:  exhausted,
			commit: func(tr Transition) {
				if tr.BudgetExceeded {
					failed = b.manager.Fail(t.ID, exhausted)
				}
			},
		})
		if err != nil {
			return nil, err
		}
		if failed {
			return nil, exhausted
		}

		b.opts.Metrics.Rethink(ctx, b.id)
		x.Note(fmt.Sprintf("rethink after attempt %d: %s", brief.Attempt, verdict.Feedback))
		if err := b.post(ctx, request{event: EventRethinkRetry, taskID: t.ID}); err != nil {
			return nil, err
		}
		prev := draft
		brief.Previous = &prev
		brief.Feedback = verdict.Feedback
		brief.Attempt++
	}
}
