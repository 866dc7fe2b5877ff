// Package coordinator is the task manager of a boss: it registers tasks,
// runs them concurrently against their resolved assignees, tracks tasks
// blocked on a human, and handles cancellation and timeout escalation.
package coordinator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/notify"
	"github.com/basket/go-boss/internal/otel"
	"github.com/basket/go-boss/internal/shared"
	"github.com/basket/go-boss/internal/task"
)

const (
	defaultWorkerCount  = 4
	defaultHistoryLimit = 500
	notifyTimeout       = 30 * time.Second
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("task manager closed")

// OutcomeKind is the kind of task event a Settler is asked to accept.
type OutcomeKind int

const (
	OutcomeCompleted OutcomeKind = iota
	OutcomeFailed
	OutcomeHumanResponse
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeCompleted:
		return "completed"
	case OutcomeFailed:
		return "failed"
	case OutcomeHumanResponse:
		return "human_response"
	}
	return "unknown"
}

// Outcome describes a task event that must pass the owner's state machine.
type Outcome struct {
	TaskID   string
	Kind     OutcomeKind
	Assignee task.AssigneeRef
	Failure  *task.Failure
}

// Settler serializes task outcomes through the owning boss. Settle evaluates
// o and, if accepted, runs commit before the next event is processed. For
// OutcomeFailed commit must run even when the evaluation is rejected: the
// task fails regardless.
type Settler interface {
	Settle(ctx context.Context, o Outcome, commit func()) error
}

// Runner executes tasks assigned to the owning boss itself.
type Runner interface {
	Run(ctx context.Context, x *Execution) (*task.Result, error)
}

// Recorder persists task snapshots. Errors are logged, never fatal.
type Recorder interface {
	RecordTask(ctx context.Context, t task.Task) error
}

// Config wires a Manager.
type Config struct {
	OwnerID      string
	Registry     *assignee.Registry
	Runner       Runner
	Settler      Settler
	Sink         notify.Sink
	Bus          *bus.Bus
	Recorder     Recorder
	Logger       *slog.Logger
	Metrics      *otel.Metrics
	Tracer       trace.Tracer
	WorkerCount  int
	HistoryLimit int
	Clock        func() time.Time
}

// Submission describes a task to register.
type Submission struct {
	// ID is optional; a UUID is generated when empty.
	ID           string
	Title        string
	Description  string
	CreatedBy    string
	ParentID     string
	Metadata     map[string]string
	Deadline     *time.Time
	HumanTimeout time.Duration
}

// Handle refers to a dispatched task. Done is closed once the task is terminal.
type Handle struct {
	TaskID string
	Done   <-chan struct{}
}

// Snapshot is a consistent read-only view of a manager.
type Snapshot struct {
	BossID   string                    `json:"boss_id"`
	Tasks    []task.Task               `json:"tasks"`
	Awaiting []task.HumanAwaitingEntry `json:"awaiting_human"`
	TakenAt  time.Time                 `json:"taken_at"`
}

// Load counts live tasks, used by the state machine to pick a destination.
type Load struct {
	Pending int
	Active  int
}

type record struct {
	task         task.Task
	target       assignee.Target
	humanTimeout time.Duration
	dispatched   bool
	observed     bool
	cancel       context.CancelFunc
	done         chan struct{}
	wait         *humanWait
	childTaskID  string
}

type humanWait struct {
	entry task.HumanAwaitingEntry
	token uint64
	timer *time.Timer
	reply chan string
	ended chan error
}

type outboxItem struct {
	topic   string
	payload any
	snap    *task.Task
}

// Manager runs the tasks of one boss.
type Manager struct {
	cfg     Config
	logger  *slog.Logger
	workers chan struct{}

	baseCtx    context.Context
	baseCancel context.CancelFunc
	wg         sync.WaitGroup

	mu        sync.RWMutex
	tasks     map[string]*record
	history   []task.Task
	historyIx map[string]int
	waitSeq   uint64
	closed    bool
	outbox    []outboxItem
}

// New creates a Manager. Registry and OwnerID are required.
func New(cfg Config) *Manager {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = defaultWorkerCount
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = defaultHistoryLimit
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(shared.WithBossID(context.Background(), cfg.OwnerID))
	return &Manager{
		cfg:        cfg,
		logger:     logger.With("component", "task_manager", "boss_id", cfg.OwnerID),
		workers:    make(chan struct{}, cfg.WorkerCount),
		baseCtx:    ctx,
		baseCancel: cancel,
		tasks:      make(map[string]*record),
		historyIx:  make(map[string]int),
	}
}

func (m *Manager) now() time.Time { return m.cfg.Clock() }

func (m *Manager) checkLocked(sub Submission, ref task.AssigneeRef) (assignee.Target, time.Duration, error) {
	if m.closed {
		return assignee.Target{}, 0, ErrClosed
	}
	if sub.ID != "" {
		if _, ok := m.tasks[sub.ID]; ok {
			return assignee.Target{}, 0, fmt.Errorf("%w: %s", task.ErrDuplicateTask, sub.ID)
		}
		if _, ok := m.historyIx[sub.ID]; ok {
			return assignee.Target{}, 0, fmt.Errorf("%w: %s", task.ErrDuplicateTask, sub.ID)
		}
	}
	target, err := m.cfg.Registry.Resolve(ref)
	if err != nil {
		return assignee.Target{}, 0, err
	}
	var timeout time.Duration
	if ref.Kind == task.KindHuman {
		timeout = sub.HumanTimeout
		if timeout <= 0 {
			timeout = target.Human.ResponseTimeout
		}
		if timeout <= 0 {
			return assignee.Target{}, 0, fmt.Errorf("human %s: %w", ref.ID, task.ErrMissingHumanTimeout)
		}
	}
	return target, timeout, nil
}

// Submit registers a Pending task assigned to ref and returns its id.
func (m *Manager) Submit(sub Submission, ref task.AssigneeRef) (string, error) {
	m.mu.Lock()
	target, timeout, err := m.checkLocked(sub, ref)
	if err != nil {
		m.mu.Unlock()
		return "", err
	}
	id := sub.ID
	if id == "" {
		id = uuid.NewString()
	}
	now := m.now()
	rec := &record{
		task: task.Task{
			ID:          id,
			BossID:      m.cfg.OwnerID,
			ParentID:    sub.ParentID,
			Title:       sub.Title,
			Description: sub.Description,
			CreatedBy:   sub.CreatedBy,
			Assignee:    ref,
			Status:      task.StatusPending,
			Deadline:    sub.Deadline,
			Metadata:    maps.Clone(sub.Metadata),
			CreatedAt:   now,
			UpdatedAt:   now,
			History:     []string{fmt.Sprintf("%s created, assigned to %s", now.UTC().Format(time.RFC3339), ref)},
		},
		target:       target,
		humanTimeout: timeout,
		done:         make(chan struct{}),
	}
	m.tasks[id] = rec
	snap := rec.task.Clone()
	m.outbox = append(m.outbox, outboxItem{
		topic:   bus.TopicTaskSubmitted,
		payload: bus.TaskStateChangedEvent{TaskID: id, BossID: m.cfg.OwnerID, NewStatus: string(task.StatusPending)},
		snap:    &snap,
	})
	m.unlock()

	m.cfg.Metrics.TaskSubmitted(m.baseCtx, m.cfg.OwnerID)
	m.logger.Info("task submitted", "task_id", id, "assignee", ref.String())
	return id, nil
}

// Dispatch starts execution of a Pending task. Dispatching a task that is
// already running or terminal returns the existing handle.
func (m *Manager) Dispatch(id string) (Handle, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return Handle{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	h := Handle{TaskID: id, Done: rec.done}
	if rec.dispatched || rec.task.Status.Terminal() {
		m.mu.Unlock()
		return h, nil
	}
	rec.dispatched = true
	ctx, cancel := context.WithCancel(shared.WithTaskID(m.baseCtx, id))
	if rec.task.Deadline != nil {
		var dcancel context.CancelFunc
		ctx, dcancel = context.WithDeadline(ctx, *rec.task.Deadline)
		parent := cancel
		cancel = func() { dcancel(); parent() }
	}
	rec.cancel = cancel
	now := m.now()
	rec.task.StartedAt = &now
	m.setStatusLocked(rec, task.StatusRunning, "dispatched")
	// A human task is awaiting from the moment it is dispatched.
	var w *humanWait
	if rec.target.Ref.Kind == task.KindHuman {
		w = m.beginWaitLocked(rec, rec.task.Assignee, humanPrompt(rec.task), rec.humanTimeout)
	}
	m.wg.Add(1)
	go m.execute(ctx, rec.task.Clone(), rec.target, w)
	m.unlock()
	return h, nil
}

func humanPrompt(t task.Task) string {
	if t.Title != "" {
		return t.Title + "\n\n" + t.Description
	}
	return t.Description
}

func (m *Manager) execute(ctx context.Context, t task.Task, target assignee.Target, w *humanWait) {
	defer m.wg.Done()
	ctx = shared.EnsureTraceID(ctx)
	ctx, span := otel.StartSpan(ctx, m.cfg.Tracer, "boss.task.execute",
		otel.AttrBossID.String(m.cfg.OwnerID),
		otel.AttrTaskID.String(t.ID),
		otel.AttrAssignee.String(t.Assignee.String()),
	)
	defer span.End()

	var (
		res *task.Result
		err error
	)
	switch target.Ref.Kind {
	case task.KindSubBoss:
		if target.Self {
			res, err = m.runSelf(ctx, t)
		} else {
			res, err = m.runDelegate(ctx, t, target.Delegate)
		}
	case task.KindHuman:
		res, err = m.runHuman(ctx, t, target.Human, w)
	default:
		err = fmt.Errorf("%w: unknown assignee kind %q", task.ErrInvalidAssignee, target.Ref.Kind)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && t.Deadline != nil {
			err = fmt.Errorf("%w: deadline %s passed", task.ErrAssigneeExecution, t.Deadline.UTC().Format(time.RFC3339))
		}
		span.RecordError(err)
	}
	m.finish(context.WithoutCancel(ctx), t.ID, res, err, nil)
}

func (m *Manager) runSelf(ctx context.Context, t task.Task) (*task.Result, error) {
	if m.cfg.Runner == nil {
		return nil, fmt.Errorf("%w: boss %s has no agentic runner", task.ErrAssigneeExecution, m.cfg.OwnerID)
	}
	m.mu.RLock()
	done := m.tasks[t.ID].done
	m.mu.RUnlock()
	x := &Execution{m: m, task: t, done: done}
	if err := x.acquire(ctx); err != nil {
		return nil, err
	}
	defer x.release()
	return m.cfg.Runner.Run(ctx, x)
}

func (m *Manager) runDelegate(ctx context.Context, t task.Task, d assignee.Delegate) (*task.Result, error) {
	ctx = shared.WithDelegationDepth(ctx, shared.DelegationDepth(ctx)+1)
	res, err := d.Delegate(ctx, assignee.DelegateRequest{
		ParentBossID: m.cfg.OwnerID,
		ParentTaskID: t.ID,
		Title:        t.Title,
		Description:  t.Description,
		Metadata:     t.Metadata,
		Accepted: func(childTaskID string) {
			m.noteChild(t.ID, d.ID(), childTaskID)
		},
	})
	if err != nil {
		return nil, fmt.Errorf("sub-boss %s: %w", d.ID(), err)
	}
	return res, nil
}

func (m *Manager) runHuman(ctx context.Context, t task.Task, h *assignee.Human, w *humanWait) (*task.Result, error) {
	if w == nil {
		return nil, fmt.Errorf("%w: task %s was dispatched without an awaiting entry", task.ErrInvalidTransition, t.ID)
	}
	resp, err := m.blockOnHuman(ctx, w, h)
	if err != nil {
		return nil, err
	}
	return &task.Result{Summary: resp, Data: map[string]any{"responder": h.ID}}, nil
}

func (m *Manager) noteChild(taskID, childBoss, childTaskID string) {
	m.mu.Lock()
	if rec, ok := m.tasks[taskID]; ok {
		rec.childTaskID = childTaskID
		if rec.task.Metadata == nil {
			rec.task.Metadata = make(map[string]string)
		}
		rec.task.Metadata["delegated_boss"] = childBoss
		rec.task.Metadata["delegated_task_id"] = childTaskID
		rec.task.History = append(rec.task.History, fmt.Sprintf("%s delegated to %s as %s",
			m.now().UTC().Format(time.RFC3339), childBoss, childTaskID))
	}
	m.unlock()
}

// AwaitHuman moves a running task to AwaitingHuman and blocks the calling
// execution until a response arrives, the timeout fires, or ctx ends. The
// timeout fails the task autonomously even if the caller never returns.
func (m *Manager) AwaitHuman(ctx context.Context, id, humanID, prompt string, timeout time.Duration) (string, error) {
	if timeout <= 0 {
		return "", task.ErrMissingHumanTimeout
	}

	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if rec.wait != nil {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: task %s already awaits a human", task.ErrInvalidTransition, id)
	}
	if !task.CanTransition(rec.task.Status, task.StatusAwaitingHuman) {
		m.mu.Unlock()
		return "", fmt.Errorf("%w: task %s is %s", task.ErrInvalidTransition, id, rec.task.Status)
	}

	ref := rec.task.Assignee
	var human *assignee.Human
	if humanID != "" {
		ref = task.HumanAgent(humanID)
		if h, ok := m.cfg.Registry.Human(humanID); ok {
			human = &h
		}
	}
	w := m.beginWaitLocked(rec, ref, prompt, timeout)
	m.unlock()

	return m.blockOnHuman(ctx, w, human)
}

// beginWaitLocked moves rec to AwaitingHuman, publishes its awaiting entry
// and arms the timeout. m.mu must be held.
func (m *Manager) beginWaitLocked(rec *record, ref task.AssigneeRef, prompt string, timeout time.Duration) *humanWait {
	now := m.now()
	m.waitSeq++
	w := &humanWait{
		entry: task.HumanAwaitingEntry{
			TaskID:    rec.task.ID,
			BossID:    m.cfg.OwnerID,
			Assignee:  ref,
			Prompt:    prompt,
			AskedAt:   now,
			TimeoutAt: now.Add(timeout),
		},
		token: m.waitSeq,
		reply: make(chan string, 1),
		ended: make(chan error, 1),
	}
	rec.wait = w
	m.setStatusLocked(rec, task.StatusAwaitingHuman, "awaiting "+ref.String())
	id, token := rec.task.ID, w.token
	w.timer = time.AfterFunc(timeout, func() { m.expire(id, token) })
	m.cfg.Metrics.Awaiting(m.baseCtx, m.cfg.OwnerID, 1)
	return w
}

// blockOnHuman notifies the human of w and blocks until a response arrives,
// the timeout fires, or ctx ends. A wait already ended by a response or a
// cancellation is not announced.
func (m *Manager) blockOnHuman(ctx context.Context, w *humanWait, human *assignee.Human) (string, error) {
	id, token := w.entry.TaskID, w.token
	m.mu.RLock()
	rec, ok := m.tasks[id]
	live := ok && rec.wait == w
	m.mu.RUnlock()
	if live {
		go m.notify(notify.Notification{
			TaskID:   id,
			BossID:   m.cfg.OwnerID,
			Prompt:   w.entry.Prompt,
			Deadline: w.entry.TimeoutAt,
			Human:    human,
		})
	}

	select {
	case resp := <-w.reply:
		return resp, nil
	case err := <-w.ended:
		return "", err
	case <-ctx.Done():
		m.abandonWait(id, token)
		return "", ctx.Err()
	}
}

// abandonWait clears a wait whose execution context ended without the task
// being settled, e.g. on manager shutdown.
func (m *Manager) abandonWait(id string, token uint64) {
	m.mu.Lock()
	if rec, ok := m.tasks[id]; ok && rec.wait != nil && rec.wait.token == token {
		m.dropWaitLocked(rec)
	}
	m.unlock()
}

func (m *Manager) expire(id string, token uint64) {
	m.mu.RLock()
	rec, ok := m.tasks[id]
	live := ok && rec.wait != nil && rec.wait.token == token
	var w *humanWait
	if live {
		w = rec.wait
	}
	m.mu.RUnlock()
	if !live {
		return
	}

	err := fmt.Errorf("%w: task %s had no response by %s", task.ErrHumanTimeout, id, w.entry.TimeoutAt.UTC().Format(time.RFC3339))
	m.logger.Warn("human response timed out", "task_id", id, "human", w.entry.Assignee.String())
	m.cfg.Metrics.HumanTimedOut(m.baseCtx, m.cfg.OwnerID)
	m.cfg.Bus.Publish(bus.TopicHumanTimeout, bus.HumanAwaitingEvent{
		TaskID:   id,
		BossID:   m.cfg.OwnerID,
		HumanID:  w.entry.Assignee.ID,
		Prompt:   w.entry.Prompt,
		Deadline: w.entry.TimeoutAt,
	})

	m.finish(m.baseCtx, id, nil, err, func(r *record) bool {
		return r.wait != nil && r.wait.token == token
	})
	select {
	case w.ended <- err:
	default:
	}
}

// Resume hands a human response to a task in AwaitingHuman and returns it to
// Running. A response the owner's state machine rejects fails the task.
func (m *Manager) Resume(ctx context.Context, id, response string) error {
	m.mu.RLock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.RUnlock()
		if _, hist := m.historyLookup(id); hist {
			return fmt.Errorf("%w: task %s already finished", task.ErrNotAwaitingHuman, id)
		}
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if rec.wait == nil {
		status := rec.task.Status
		m.mu.RUnlock()
		return fmt.Errorf("%w: task %s is %s", task.ErrNotAwaitingHuman, id, status)
	}
	token := rec.wait.token
	ref := rec.task.Assignee
	m.mu.RUnlock()

	resumed := false
	commit := func() {
		m.mu.Lock()
		defer m.unlock()
		r, ok := m.tasks[id]
		if !ok || r.wait == nil || r.wait.token != token {
			return
		}
		w := r.wait
		m.dropWaitLocked(r)
		m.setStatusLocked(r, task.StatusRunning, "human responded")
		w.reply <- response
		resumed = true
	}

	if m.cfg.Settler != nil {
		if err := m.cfg.Settler.Settle(ctx, Outcome{TaskID: id, Kind: OutcomeHumanResponse, Assignee: ref}, commit); err != nil {
			if errors.Is(err, task.ErrInvalidTransition) {
				m.finish(m.baseCtx, id, nil, err, func(r *record) bool {
					return r.wait != nil && r.wait.token == token
				})
			}
			return err
		}
	} else {
		commit()
	}
	if !resumed {
		return fmt.Errorf("%w: task %s stopped waiting before the response arrived", task.ErrNotAwaitingHuman, id)
	}
	m.cfg.Bus.Publish(bus.TopicHumanResponded, bus.TaskStateChangedEvent{
		TaskID: id, BossID: m.cfg.OwnerID,
		OldStatus: string(task.StatusAwaitingHuman), NewStatus: string(task.StatusRunning),
	})
	m.logger.Info("human response accepted", "task_id", id)
	return nil
}

// finish settles an execution outcome. guard, when set, must hold at commit
// time for the outcome to apply.
func (m *Manager) finish(ctx context.Context, id string, res *task.Result, err error, guard func(*record) bool) {
	m.mu.RLock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.Status.Terminal() || (guard != nil && !guard(rec)) {
		m.mu.RUnlock()
		return
	}
	ref := rec.task.Assignee
	m.mu.RUnlock()

	if err == nil {
		if res == nil {
			res = &task.Result{}
		}
		commit := func() { m.commitTerminal(id, task.StatusCompleted, res, nil, guard) }
		if m.cfg.Settler == nil {
			commit()
			return
		}
		serr := m.cfg.Settler.Settle(ctx, Outcome{TaskID: id, Kind: OutcomeCompleted, Assignee: ref}, commit)
		if serr != nil {
			m.logger.Warn("completion rejected", "task_id", id, "error", serr)
			m.commitTerminal(id, task.StatusFailed, nil, task.NewFailure(id, serr, m.now()), guard)
		}
		return
	}

	failure := task.NewFailure(id, err, m.now())
	commit := func() { m.commitTerminal(id, task.StatusFailed, nil, failure, guard) }
	if m.cfg.Settler != nil {
		if serr := m.cfg.Settler.Settle(ctx, Outcome{TaskID: id, Kind: OutcomeFailed, Assignee: ref, Failure: failure}, commit); serr != nil {
			m.logger.Debug("failure event not routed", "task_id", id, "error", serr)
		}
	}
	// Idempotent: a no-op when the settler already committed.
	commit()
}

func (m *Manager) commitTerminal(id string, status task.Status, res *task.Result, failure *task.Failure, guard func(*record) bool) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok || rec.task.Status.Terminal() || (guard != nil && !guard(rec)) {
		m.unlock()
		return
	}
	m.dropWaitLocked(rec)
	now := m.now()
	rec.task.Result = res
	rec.task.Error = failure
	rec.task.CompletedAt = &now
	note := "completed"
	if failure != nil {
		note = failure.Error()
	}
	m.setStatusLocked(rec, status, note)
	close(rec.done)
	if rec.cancel != nil {
		rec.cancel()
	}
	var started time.Time
	if rec.task.StartedAt != nil {
		started = *rec.task.StartedAt
	}
	m.unlock()

	kind := ""
	if failure != nil {
		kind = string(failure.Kind)
		m.logger.Warn("task failed", "task_id", id, "kind", kind, "error", failure.Message)
	} else {
		m.logger.Info("task completed", "task_id", id)
	}
	m.cfg.Metrics.TaskFinished(m.baseCtx, m.cfg.OwnerID, string(status), kind, started)
}

// Fail commits a failure for a live task without consulting the settler. It
// reports false when the task was already terminal.
func (m *Manager) Fail(id string, failure *task.Failure) bool {
	m.mu.RLock()
	rec, ok := m.tasks[id]
	live := ok && !rec.task.Status.Terminal()
	m.mu.RUnlock()
	if !live {
		return false
	}
	if failure.TaskID == "" {
		failure.TaskID = id
	}
	m.commitTerminal(id, task.StatusFailed, nil, failure, nil)
	return true
}

// Cancel marks a live task Cancelled and requests cooperative cancellation of
// its execution; delegated child tasks are cancelled through the execution
// context. It reports false for tasks that were already terminal.
func (m *Manager) Cancel(id, reason string) (bool, error) {
	m.mu.Lock()
	rec, ok := m.tasks[id]
	if !ok {
		m.mu.Unlock()
		if _, hist := m.historyLookup(id); hist {
			return false, nil
		}
		return false, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	cancelled := m.cancelLocked(rec, reason)
	m.unlock()
	return cancelled, nil
}

// CancelAll cancels every live task and returns their ids.
func (m *Manager) CancelAll(reason string) []string {
	m.mu.Lock()
	var ids []string
	for id, rec := range m.tasks {
		if m.cancelLocked(rec, reason) {
			ids = append(ids, id)
		}
	}
	m.unlock()
	slices.Sort(ids)
	return ids
}

func (m *Manager) cancelLocked(rec *record, reason string) bool {
	if rec.task.Status.Terminal() {
		return false
	}
	w := rec.wait
	m.dropWaitLocked(rec)
	now := m.now()
	rec.task.Error = &task.Failure{Kind: task.KindCancelled, Message: reason, TaskID: rec.task.ID, At: now}
	rec.task.CompletedAt = &now
	m.setStatusLocked(rec, task.StatusCancelled, reason)
	close(rec.done)
	if rec.cancel != nil {
		rec.cancel()
	}
	if w != nil {
		select {
		case w.ended <- task.ErrCancelled:
		default:
		}
	}
	m.cfg.Metrics.TaskFinished(m.baseCtx, m.cfg.OwnerID, string(task.StatusCancelled), string(task.KindCancelled), time.Time{})
	return true
}

// dropWaitLocked removes the awaiting entry of rec, if any.
func (m *Manager) dropWaitLocked(rec *record) {
	if rec.wait == nil {
		return
	}
	rec.wait.timer.Stop()
	rec.wait = nil
	m.cfg.Metrics.Awaiting(m.baseCtx, m.cfg.OwnerID, -1)
}

func (m *Manager) setStatusLocked(rec *record, to task.Status, note string) {
	from := rec.task.Status
	if !task.CanTransition(from, to) {
		m.logger.Error("illegal task status change suppressed", "task_id", rec.task.ID, "from", from, "to", to)
		return
	}
	now := m.now()
	rec.task.Status = to
	rec.task.UpdatedAt = now
	rec.task.History = append(rec.task.History, fmt.Sprintf("%s %s -> %s: %s", now.UTC().Format(time.RFC3339), from, to, note))

	topic := bus.TopicTaskStateChanged
	switch to {
	case task.StatusCompleted:
		topic = bus.TopicTaskCompleted
	case task.StatusFailed:
		topic = bus.TopicTaskFailed
	case task.StatusCancelled:
		topic = bus.TopicTaskCancelled
	}
	snap := rec.task.Clone()
	m.outbox = append(m.outbox, outboxItem{
		topic: topic,
		payload: bus.TaskStateChangedEvent{
			TaskID: rec.task.ID, BossID: m.cfg.OwnerID,
			OldStatus: string(from), NewStatus: string(to), Reason: note,
		},
		snap: &snap,
	})
}

// unlock releases m.mu and then flushes queued bus events and journal writes
// outside the lock.
func (m *Manager) unlock() {
	items := m.outbox
	m.outbox = nil
	m.mu.Unlock()
	for _, it := range items {
		if it.topic != "" {
			m.cfg.Bus.Publish(it.topic, it.payload)
		}
		if it.snap != nil && m.cfg.Recorder != nil {
			if err := m.cfg.Recorder.RecordTask(m.baseCtx, *it.snap); err != nil {
				m.logger.Warn("task journal write failed", "task_id", it.snap.ID, "error", err)
			}
		}
	}
}

func (m *Manager) notify(n notify.Notification) {
	if m.cfg.Sink == nil {
		return
	}
	ctx, cancel := context.WithTimeout(m.baseCtx, notifyTimeout)
	defer cancel()
	if err := m.cfg.Sink.Notify(ctx, n); err != nil {
		m.logger.Warn("notification delivery failed", "task_id", n.TaskID, "sink", m.cfg.Sink.Name(), "error", err)
		m.cfg.Metrics.NotifyFailed(m.baseCtx, m.cfg.Sink.Name())
		m.cfg.Bus.Publish(bus.TopicNotifyFailed, bus.NotifyFailedEvent{
			TaskID: n.TaskID, Sink: m.cfg.Sink.Name(), Error: err.Error(),
		})
	}
}

// GetStatus returns a snapshot of a task, live or retained in history. A
// terminal task read through GetStatus counts as observed and becomes
// eligible for Reap.
func (m *Manager) GetStatus(id string) (task.Task, error) {
	m.mu.Lock()
	if rec, ok := m.tasks[id]; ok {
		if rec.task.Status.Terminal() {
			rec.observed = true
		}
		t := rec.task.Clone()
		m.mu.Unlock()
		return t, nil
	}
	m.mu.Unlock()
	if t, ok := m.historyLookup(id); ok {
		return t, nil
	}
	return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
}

// Peek returns a snapshot of a live or retained task without marking it
// observed.
func (m *Manager) Peek(id string) (task.Task, bool) {
	m.mu.RLock()
	if rec, ok := m.tasks[id]; ok {
		t := rec.task.Clone()
		m.mu.RUnlock()
		return t, true
	}
	m.mu.RUnlock()
	return m.historyLookup(id)
}

func (m *Manager) historyLookup(id string) (task.Task, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i, ok := m.historyIx[id]
	if !ok {
		return task.Task{}, false
	}
	return m.history[i].Clone(), true
}

// Wait blocks until the task is terminal or ctx ends.
func (m *Manager) Wait(ctx context.Context, id string) (task.Task, error) {
	m.mu.RLock()
	rec, ok := m.tasks[id]
	var done <-chan struct{}
	if ok {
		done = rec.done
	}
	m.mu.RUnlock()
	if !ok {
		if t, hist := m.historyLookup(id); hist {
			return t, nil
		}
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	select {
	case <-done:
		return m.GetStatus(id)
	case <-ctx.Done():
		return task.Task{}, ctx.Err()
	}
}

// Poll returns a consistent snapshot of every tracked task and all awaiting
// entries.
func (m *Manager) Poll() Snapshot {
	m.mu.RLock()
	snap := Snapshot{
		BossID:  m.cfg.OwnerID,
		Tasks:   make([]task.Task, 0, len(m.tasks)),
		TakenAt: m.now(),
	}
	for _, rec := range m.tasks {
		snap.Tasks = append(snap.Tasks, rec.task.Clone())
		if rec.wait != nil {
			snap.Awaiting = append(snap.Awaiting, rec.wait.entry)
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(snap.Tasks, func(a, b task.Task) int {
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
		return compareStrings(a.ID, b.ID)
	})
	sortAwaiting(snap.Awaiting)
	return snap
}

// Awaiting lists the current awaiting-human entries ordered by deadline.
func (m *Manager) Awaiting() []task.HumanAwaitingEntry {
	m.mu.RLock()
	var out []task.HumanAwaitingEntry
	for _, rec := range m.tasks {
		if rec.wait != nil {
			out = append(out, rec.wait.entry)
		}
	}
	m.mu.RUnlock()
	sortAwaiting(out)
	return out
}

// History returns reaped tasks, oldest first.
func (m *Manager) History() []task.Task {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]task.Task, len(m.history))
	for i := range m.history {
		out[i] = m.history[i].Clone()
	}
	return out
}

// Load counts live tasks other than exclude.
func (m *Manager) Load(exclude string) Load {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var l Load
	for id, rec := range m.tasks {
		if id == exclude || rec.task.Status.Terminal() {
			continue
		}
		if rec.task.Status == task.StatusPending {
			l.Pending++
		} else {
			l.Active++
		}
	}
	return l
}

// Reap moves observed terminal tasks out of the active set into bounded
// history. With all set, every terminal task is moved. It returns how many
// tasks were moved.
func (m *Manager) Reap(all bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ids []string
	for id, rec := range m.tasks {
		if rec.task.Status.Terminal() && (all || rec.observed) {
			ids = append(ids, id)
		}
	}
	slices.SortFunc(ids, func(a, b string) int {
		return m.tasks[a].task.CreatedAt.Compare(m.tasks[b].task.CreatedAt)
	})
	for _, id := range ids {
		m.history = append(m.history, m.tasks[id].task.Clone())
		delete(m.tasks, id)
	}
	if over := len(m.history) - m.cfg.HistoryLimit; over > 0 {
		m.history = slices.Delete(m.history, 0, over)
	}
	if len(ids) > 0 {
		clear(m.historyIx)
		for i, t := range m.history {
			m.historyIx[t.ID] = i
		}
	}
	return len(ids)
}

// Close cancels every live task and rejects further submissions. It does
// not wait for executions; use Drain for that.
func (m *Manager) Close(reason string) []string {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	ids := m.CancelAll(reason)
	m.baseCancel()
	return ids
}

// Drain waits for running executions to return or ctx to end.
func (m *Manager) Drain(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func sortAwaiting(entries []task.HumanAwaitingEntry) {
	slices.SortFunc(entries, func(a, b task.HumanAwaitingEntry) int {
		if c := a.TimeoutAt.Compare(b.TimeoutAt); c != 0 {
			return c
		}
		return compareStrings(a.TaskID, b.TaskID)
	})
}

func compareStrings(a, b string) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}
