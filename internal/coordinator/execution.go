package coordinator

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/go-boss/internal/task"
)

// Execution is the handle a Runner gets for one self-assigned task. It holds
// a worker slot for the duration of agentic compute.
type Execution struct {
	m       *Manager
	task    task.Task
	done    <-chan struct{}
	holding bool
}

// Task returns the task snapshot taken at dispatch.
func (x *Execution) Task() task.Task { return x.task }

// Done is closed once the task is terminal.
func (x *Execution) Done() <-chan struct{} { return x.done }

// BossID returns the owning boss.
func (x *Execution) BossID() string { return x.m.cfg.OwnerID }

func (x *Execution) acquire(ctx context.Context) error {
	if x.holding {
		return nil
	}
	select {
	case x.m.workers <- struct{}{}:
		x.holding = true
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (x *Execution) release() {
	if !x.holding {
		return
	}
	<-x.m.workers
	x.holding = false
}

// AskHuman suspends the task in AwaitingHuman until humanID answers or the
// timeout passes. The worker slot is released while waiting. A zero timeout
// uses the human's roster response_timeout.
func (x *Execution) AskHuman(ctx context.Context, humanID, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		h, ok := x.m.cfg.Registry.Human(humanID)
		if !ok {
			return "", fmt.Errorf("%w: no human agent %q", task.ErrInvalidAssignee, humanID)
		}
		timeout = h.ResponseTimeout
	}
	var resp string
	err := x.Park(ctx, func(ctx context.Context) error {
		var err error
		resp, err = x.m.AwaitHuman(ctx, x.task.ID, humanID, prompt, timeout)
		return err
	})
	return resp, err
}

// Park releases the worker slot while wait blocks and takes it back after.
func (x *Execution) Park(ctx context.Context, wait func(context.Context) error) error {
	held := x.holding
	x.release()
	err := wait(ctx)
	if held {
		if aerr := x.acquire(ctx); aerr != nil && err == nil {
			err = aerr
		}
	}
	return err
}

// Note appends a line to the task history.
func (x *Execution) Note(msg string) {
	m := x.m
	m.mu.Lock()
	if rec, ok := m.tasks[x.task.ID]; ok && !rec.task.Status.Terminal() {
		rec.task.History = append(rec.task.History, m.now().UTC().Format(time.RFC3339)+" "+msg)
	}
	m.mu.Unlock()
}
