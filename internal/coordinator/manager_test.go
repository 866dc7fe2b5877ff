package coordinator_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/coordinator"
	"github.com/basket/go-boss/internal/notify"
	"github.com/basket/go-boss/internal/task"
)

type runnerFunc func(ctx context.Context, x *coordinator.Execution) (*task.Result, error)

func (f runnerFunc) Run(ctx context.Context, x *coordinator.Execution) (*task.Result, error) {
	return f(ctx, x)
}

type settlerFunc func(ctx context.Context, o coordinator.Outcome, commit func()) error

func (f settlerFunc) Settle(ctx context.Context, o coordinator.Outcome, commit func()) error {
	return f(ctx, o, commit)
}

type blockingDelegate struct {
	id        string
	cancelled chan struct{}
}

func (d *blockingDelegate) ID() string { return d.id }

func (d *blockingDelegate) Delegate(ctx context.Context, req assignee.DelegateRequest) (*task.Result, error) {
	if req.Accepted != nil {
		req.Accepted("child-1")
	}
	<-ctx.Done()
	close(d.cancelled)
	return nil, ctx.Err()
}

type failingDelegate struct{ failure *task.Failure }

func (d failingDelegate) ID() string { return "b2" }

func (d failingDelegate) Delegate(context.Context, assignee.DelegateRequest) (*task.Result, error) {
	return nil, d.failure
}

func newTestManager(t *testing.T, mutate func(*coordinator.Config)) *coordinator.Manager {
	t.Helper()
	reg := assignee.NewRegistry("root", []assignee.Human{
		{ID: "ann", Name: "Ann", ResponseTimeout: time.Minute},
		{ID: "bob", Name: "Bob"},
	})
	cfg := coordinator.Config{
		OwnerID:  "root",
		Registry: reg,
		Bus:      bus.New(),
		Sink:     notify.LogSink{},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m := coordinator.New(cfg)
	t.Cleanup(func() {
		m.Close("test cleanup")
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = m.Drain(ctx)
	})
	return m
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitTerminal(t *testing.T, m *coordinator.Manager, id string) task.Task {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	got, err := m.Wait(ctx, id)
	if err != nil {
		t.Fatalf("Wait(%s): %v", id, err)
	}
	return got
}

func TestSubmit_ValidatesAssignee(t *testing.T) {
	m := newTestManager(t, nil)

	if _, err := m.Submit(coordinator.Submission{}, task.SubBoss("ghost")); !errors.Is(err, task.ErrInvalidAssignee) {
		t.Fatalf("unknown sub-boss error = %v", err)
	}
	if _, err := m.Submit(coordinator.Submission{}, task.HumanAgent("bob")); !errors.Is(err, task.ErrMissingHumanTimeout) {
		t.Fatalf("missing timeout error = %v", err)
	}
	if _, err := m.Submit(coordinator.Submission{HumanTimeout: time.Minute}, task.HumanAgent("bob")); err != nil {
		t.Fatalf("explicit timeout: %v", err)
	}
	if got := len(m.Poll().Tasks); got != 1 {
		t.Fatalf("tasks after rejected submissions = %d, want 1", got)
	}
}

func TestSubmit_DuplicateID(t *testing.T) {
	m := newTestManager(t, nil)
	sub := coordinator.Submission{ID: "t1", Description: "review"}
	if _, err := m.Submit(sub, task.HumanAgent("ann")); err != nil {
		t.Fatalf("first submit: %v", err)
	}
	if _, err := m.Submit(sub, task.HumanAgent("ann")); !errors.Is(err, task.ErrDuplicateTask) {
		t.Fatalf("duplicate error = %v", err)
	}
	got, err := m.GetStatus("t1")
	if err != nil || got.Status != task.StatusPending {
		t.Fatalf("GetStatus = %+v, %v", got, err)
	}
}

func TestHumanTask_ResumeCompletes(t *testing.T) {
	m := newTestManager(t, nil)
	id, err := m.Submit(coordinator.Submission{Title: "Approve", Description: "ship it?"}, task.HumanAgent("ann"))
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if _, err := m.Dispatch(id); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	waitFor(t, "awaiting entry", func() bool { return len(m.Awaiting()) == 1 })

	entry := m.Awaiting()[0]
	if entry.TaskID != id || entry.Assignee != task.HumanAgent("ann") {
		t.Fatalf("entry = %+v", entry)
	}
	if !entry.TimeoutAt.After(entry.AskedAt) {
		t.Fatalf("timeout %v not after asked %v", entry.TimeoutAt, entry.AskedAt)
	}

	if err := m.Resume(context.Background(), id, "yes"); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	got := waitTerminal(t, m, id)
	if got.Status != task.StatusCompleted || got.Result.Summary != "yes" || got.Result.Data["responder"] != "ann" {
		t.Fatalf("task = %+v result = %+v", got, got.Result)
	}
	if len(m.Awaiting()) != 0 {
		t.Fatal("awaiting entry not cleared")
	}
}

func TestHumanTask_AwaitingOnceDispatched(t *testing.T) {
	m := newTestManager(t, nil)
	for i := 0; i < 50; i++ {
		id, err := m.Submit(coordinator.Submission{Description: "approve"}, task.HumanAgent("ann"))
		if err != nil {
			t.Fatalf("Submit: %v", err)
		}
		if _, err := m.Dispatch(id); err != nil {
			t.Fatalf("Dispatch: %v", err)
		}
		// No waiting: the entry exists as soon as Dispatch returns.
		if got, _ := m.Peek(id); got.Status != task.StatusAwaitingHuman {
			t.Fatalf("round %d: status after dispatch = %s", i, got.Status)
		}
		if err := m.Resume(context.Background(), id, "ok"); err != nil {
			t.Fatalf("round %d: Resume right after dispatch: %v", i, err)
		}
		if got := waitTerminal(t, m, id); got.Status != task.StatusCompleted || got.Result.Summary != "ok" {
			t.Fatalf("round %d: task = %s %+v", i, got.Status, got.Result)
		}
	}
	if n := len(m.Awaiting()); n != 0 {
		t.Fatalf("awaiting entries left = %d", n)
	}
}

func TestHumanTask_CancelBeforeExecutionStarts(t *testing.T) {
	m := newTestManager(t, nil)
	id, _ := m.Submit(coordinator.Submission{Description: "approve"}, task.HumanAgent("ann"))
	if _, err := m.Dispatch(id); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	if ok, err := m.Cancel(id, "operator"); !ok || err != nil {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	got := waitTerminal(t, m, id)
	if got.Status != task.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if n := len(m.Awaiting()); n != 0 {
		t.Fatalf("awaiting entries left = %d", n)
	}
}

func TestHumanTask_TimeoutFails(t *testing.T) {
	m := newTestManager(t, nil)
	id, _ := m.Submit(coordinator.Submission{Description: "quick", HumanTimeout: 20 * time.Millisecond}, task.HumanAgent("bob"))
	if _, err := m.Dispatch(id); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := waitTerminal(t, m, id)
	if got.Status != task.StatusFailed || got.Error == nil || got.Error.Kind != task.KindHumanTimeout {
		t.Fatalf("task = %+v", got)
	}
	if err := m.Resume(context.Background(), id, "late"); !errors.Is(err, task.ErrNotAwaitingHuman) {
		t.Fatalf("late Resume error = %v", err)
	}
}

func TestResume_NotAwaiting(t *testing.T) {
	m := newTestManager(t, nil)
	id, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	if err := m.Resume(context.Background(), id, "x"); !errors.Is(err, task.ErrNotAwaitingHuman) {
		t.Fatalf("Resume on pending = %v", err)
	}
	if err := m.Resume(context.Background(), "nope", "x"); !errors.Is(err, task.ErrTaskNotFound) {
		t.Fatalf("Resume unknown = %v", err)
	}
}

func TestSelfTask_RunnerResult(t *testing.T) {
	m := newTestManager(t, func(c *coordinator.Config) {
		c.Runner = runnerFunc(func(_ context.Context, x *coordinator.Execution) (*task.Result, error) {
			x.Note("thinking")
			return &task.Result{Summary: "done: " + x.Task().Description}, nil
		})
	})
	id, _ := m.Submit(coordinator.Submission{Description: "plan"}, task.SubBoss("root"))
	if _, err := m.Dispatch(id); err != nil {
		t.Fatalf("Dispatch: %v", err)
	}
	got := waitTerminal(t, m, id)
	if got.Status != task.StatusCompleted || got.Result.Summary != "done: plan" {
		t.Fatalf("task = %+v", got)
	}
	if got.StartedAt == nil || got.CompletedAt == nil {
		t.Fatal("timestamps not set")
	}
}

func TestSelfTask_RunnerError(t *testing.T) {
	m := newTestManager(t, func(c *coordinator.Config) {
		c.Runner = runnerFunc(func(context.Context, *coordinator.Execution) (*task.Result, error) {
			return nil, errors.New("model unavailable")
		})
	})
	id, _ := m.Submit(coordinator.Submission{}, task.SubBoss("root"))
	_, _ = m.Dispatch(id)
	got := waitTerminal(t, m, id)
	if got.Status != task.StatusFailed || got.Error.Kind != task.KindAssigneeExecution {
		t.Fatalf("task = %+v", got)
	}
}

func TestSelfTask_AskHuman(t *testing.T) {
	m := newTestManager(t, func(c *coordinator.Config) {
		c.WorkerCount = 1
		c.Runner = runnerFunc(func(ctx context.Context, x *coordinator.Execution) (*task.Result, error) {
			answer, err := x.AskHuman(ctx, "ann", "which region?", 0)
			if err != nil {
				return nil, err
			}
			return &task.Result{Summary: "deploying to " + answer}, nil
		})
	})
	first, _ := m.Submit(coordinator.Submission{ID: "a"}, task.SubBoss("root"))
	second, _ := m.Submit(coordinator.Submission{ID: "b"}, task.SubBoss("root"))
	_, _ = m.Dispatch(first)
	_, _ = m.Dispatch(second)

	// Both can wait at once because waiting releases the single worker slot.
	waitFor(t, "two awaiting entries", func() bool { return len(m.Awaiting()) == 2 })
	for _, id := range []string{first, second} {
		if err := m.Resume(context.Background(), id, "eu-west"); err != nil {
			t.Fatalf("Resume(%s): %v", id, err)
		}
	}
	for _, id := range []string{first, second} {
		if got := waitTerminal(t, m, id); got.Result == nil || got.Result.Summary != "deploying to eu-west" {
			t.Fatalf("task %s = %+v", id, got)
		}
	}
}

func TestCancel_AwaitingHuman(t *testing.T) {
	m := newTestManager(t, nil)
	id, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	_, _ = m.Dispatch(id)
	waitFor(t, "awaiting", func() bool { return len(m.Awaiting()) == 1 })

	ok, err := m.Cancel(id, "no longer needed")
	if err != nil || !ok {
		t.Fatalf("Cancel = %v, %v", ok, err)
	}
	got, _ := m.GetStatus(id)
	if got.Status != task.StatusCancelled || got.Error.Kind != task.KindCancelled {
		t.Fatalf("task = %+v", got)
	}
	if len(m.Awaiting()) != 0 {
		t.Fatal("awaiting entry survived cancel")
	}
	if ok, _ := m.Cancel(id, "again"); ok {
		t.Fatal("second cancel reported a change")
	}
}

func TestCancel_CascadesToDelegate(t *testing.T) {
	d := &blockingDelegate{id: "b2", cancelled: make(chan struct{})}
	m := newTestManager(t, func(c *coordinator.Config) {
		if err := c.Registry.AddDelegate(d); err != nil {
			t.Fatalf("AddDelegate: %v", err)
		}
	})
	id, _ := m.Submit(coordinator.Submission{}, task.SubBoss("b2"))
	_, _ = m.Dispatch(id)
	waitFor(t, "child accepted", func() bool {
		got, _ := m.GetStatus(id)
		return got.Metadata["delegated_task_id"] == "child-1"
	})
	if _, err := m.Cancel(id, "parent cancelled"); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	select {
	case <-d.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("delegate context was not cancelled")
	}
	if got, _ := m.GetStatus(id); got.Status != task.StatusCancelled {
		t.Fatalf("status = %s", got.Status)
	}
}

func TestDelegate_AdoptsChildFailure(t *testing.T) {
	m := newTestManager(t, func(c *coordinator.Config) {
		_ = c.Registry.AddDelegate(failingDelegate{failure: &task.Failure{
			Kind: task.KindHumanTimeout, Message: "nobody answered", TaskID: "child-9",
		}})
	})
	id, _ := m.Submit(coordinator.Submission{}, task.SubBoss("b2"))
	_, _ = m.Dispatch(id)
	got := waitTerminal(t, m, id)
	if got.Error == nil || got.Error.Kind != task.KindHumanTimeout || got.Error.TaskID != "child-9" {
		t.Fatalf("failure = %+v", got.Error)
	}
}

func TestSettler_RejectedCompletionFails(t *testing.T) {
	m := newTestManager(t, func(c *coordinator.Config) {
		c.Runner = runnerFunc(func(context.Context, *coordinator.Execution) (*task.Result, error) {
			return &task.Result{Summary: "ok"}, nil
		})
		c.Settler = settlerFunc(func(_ context.Context, o coordinator.Outcome, commit func()) error {
			if o.Kind == coordinator.OutcomeCompleted {
				return task.ErrInvalidTransition
			}
			commit()
			return nil
		})
	})
	id, _ := m.Submit(coordinator.Submission{}, task.SubBoss("root"))
	_, _ = m.Dispatch(id)
	got := waitTerminal(t, m, id)
	if got.Status != task.StatusFailed || got.Error.Kind != task.KindInvalidTransition {
		t.Fatalf("task = %+v", got)
	}
}

func TestSettler_SeesEveryOutcome(t *testing.T) {
	var completed, responses atomic.Int32
	m := newTestManager(t, func(c *coordinator.Config) {
		c.Settler = settlerFunc(func(_ context.Context, o coordinator.Outcome, commit func()) error {
			switch o.Kind {
			case coordinator.OutcomeCompleted:
				completed.Add(1)
			case coordinator.OutcomeHumanResponse:
				responses.Add(1)
			}
			commit()
			return nil
		})
	})
	id, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	_, _ = m.Dispatch(id)
	waitFor(t, "awaiting", func() bool { return len(m.Awaiting()) == 1 })
	_ = m.Resume(context.Background(), id, "fine")
	waitTerminal(t, m, id)
	if completed.Load() != 1 || responses.Load() != 1 {
		t.Fatalf("completed=%d responses=%d", completed.Load(), responses.Load())
	}
}

func TestLoad(t *testing.T) {
	m := newTestManager(t, nil)
	a, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	b, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	_, _ = m.Dispatch(b)
	waitFor(t, "awaiting", func() bool { return len(m.Awaiting()) == 1 })

	if l := m.Load(""); l.Pending != 1 || l.Active != 1 {
		t.Fatalf("Load = %+v", l)
	}
	if l := m.Load(a); l.Pending != 0 || l.Active != 1 {
		t.Fatalf("Load excluding %s = %+v", a, l)
	}
}

func TestReap_MovesObservedToHistory(t *testing.T) {
	m := newTestManager(t, func(c *coordinator.Config) { c.HistoryLimit = 1 })
	a, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	b, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	_, _ = m.Cancel(a, "x")
	_, _ = m.Cancel(b, "y")

	if n := m.Reap(false); n != 0 {
		t.Fatalf("reaped %d unobserved tasks", n)
	}
	if _, err := m.GetStatus(a); err != nil {
		t.Fatal(err)
	}
	if n := m.Reap(false); n != 1 {
		t.Fatalf("Reap = %d, want 1", n)
	}
	if got, err := m.GetStatus(a); err != nil || got.Status != task.StatusCancelled {
		t.Fatalf("history lookup = %+v, %v", got, err)
	}
	if n := m.Reap(true); n != 1 {
		t.Fatalf("Reap(all) = %d", n)
	}
	hist := m.History()
	if len(hist) != 1 || hist[0].ID != b {
		t.Fatalf("history = %+v", hist)
	}
	if len(m.Poll().Tasks) != 0 {
		t.Fatal("active set not empty")
	}
}

func TestClose_RejectsSubmissions(t *testing.T) {
	m := newTestManager(t, nil)
	id, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	if ids := m.Close("shutdown"); len(ids) != 1 || ids[0] != id {
		t.Fatalf("Close cancelled %v", ids)
	}
	if _, err := m.Submit(coordinator.Submission{}, task.HumanAgent("ann")); !errors.Is(err, coordinator.ErrClosed) {
		t.Fatalf("Submit after close = %v", err)
	}
}

func TestNotifyFailure_DoesNotChangeTask(t *testing.T) {
	b := bus.New()
	sub := b.Subscribe(bus.TopicNotifyFailed)
	defer b.Unsubscribe(sub)
	m := newTestManager(t, func(c *coordinator.Config) {
		c.Bus = b
		c.Sink = notify.Func(func(context.Context, notify.Notification) error {
			return errors.New("smtp down")
		})
	})
	id, _ := m.Submit(coordinator.Submission{}, task.HumanAgent("ann"))
	_, _ = m.Dispatch(id)

	select {
	case ev := <-sub.Ch():
		if p, ok := ev.Payload.(bus.NotifyFailedEvent); !ok || p.TaskID != id {
			t.Fatalf("event = %+v", ev)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no notify.failed event")
	}
	if got, _ := m.GetStatus(id); got.Status != task.StatusAwaitingHuman {
		t.Fatalf("status = %s", got.Status)
	}
}
