package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/task"
)

// TaskResult holds the outcome of a finished task.
type TaskResult struct {
	TaskID     string
	Status     task.Status
	Summary    string
	Error      *task.Failure
	DurationMs int64
}

// StatusSource reads task snapshots. *Manager satisfies it; so does a boss
// tree that resolves ids across bosses.
type StatusSource interface {
	GetStatus(id string) (task.Task, error)
}

// Waiter tracks task completion via bus events with polling fallback.
type Waiter struct {
	eventBus *bus.Bus // optional; nil means polling only
	source   StatusSource
}

// NewWaiter creates a task completion waiter.
func NewWaiter(eventBus *bus.Bus, source StatusSource) *Waiter {
	return &Waiter{eventBus: eventBus, source: source}
}

// WaitForTask blocks until the task is terminal or the timeout passes.
func (w *Waiter) WaitForTask(ctx context.Context, taskID string, timeout time.Duration) (*TaskResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Subscribe first so a transition between the check and the loop is not missed.
	var sub *bus.Subscription
	if w.eventBus != nil {
		sub = w.eventBus.Subscribe("task.")
		defer w.eventBus.Unsubscribe(sub)
	}

	result, err := w.checkTerminal(taskID)
	if err != nil || result != nil {
		return result, err
	}

	tickerInterval := time.Second
	if w.eventBus == nil {
		tickerInterval = 100 * time.Millisecond
	}
	ticker := time.NewTicker(tickerInterval)
	defer ticker.Stop()

	var events <-chan bus.Event
	if sub != nil {
		events = sub.Ch()
	}
	for {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("timeout waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if bus.TaskIDOf(ev) != taskID {
				continue
			}
		}
		result, err := w.checkTerminal(taskID)
		if err != nil || result != nil {
			return result, err
		}
	}
}

// WaitForAll waits for every task. A failing wait does not abort the others.
func (w *Waiter) WaitForAll(ctx context.Context, taskIDs []string, timeout time.Duration) (map[string]*TaskResult, error) {
	results := make(map[string]*TaskResult, len(taskIDs))
	var (
		mu   sync.Mutex
		wg   sync.WaitGroup
		errs []error
	)
	for _, id := range taskIDs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := w.WaitForTask(ctx, id, timeout)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("task %s: %w", id, err))
				return
			}
			results[id] = result
		}()
	}
	wg.Wait()
	return results, errors.Join(errs...)
}

// checkTerminal returns (nil, nil) while the task is still live.
func (w *Waiter) checkTerminal(taskID string) (*TaskResult, error) {
	t, err := w.source.GetStatus(taskID)
	if err != nil {
		return nil, err
	}
	if !t.Status.Terminal() {
		return nil, nil
	}
	res := &TaskResult{
		TaskID:  t.ID,
		Status:  t.Status,
		Summary: t.Summary(),
		Error:   t.Error,
	}
	if t.StartedAt != nil && t.CompletedAt != nil {
		res.DurationMs = t.CompletedAt.Sub(*t.StartedAt).Milliseconds()
	}
	return res, nil
}
