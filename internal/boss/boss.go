// Package boss is the supervising orchestrator. A Boss runs its state
// machine on a single event loop, owns a task manager and an assignee
// registry, and can itself be a delegate of a parent boss.
package boss

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/basket/go-boss/internal/agentic"
	"github.com/basket/go-boss/internal/assignee"
	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/coordinator"
	"github.com/basket/go-boss/internal/otel"
	"github.com/basket/go-boss/internal/shared"
	"github.com/basket/go-boss/internal/task"
)

const (
	transitionLimit = 200
	diagnosticLimit = 50
)

// errSkip aborts a request without applying its event or reporting an error.
var errSkip = errors.New("skip")

// Diagnostic is a summary produced by reflection or restart.
type Diagnostic struct {
	CauseTaskID string    `json:"cause_task_id,omitempty"`
	Kind        string    `json:"kind"`
	Summary     string    `json:"summary"`
	Recoverable bool      `json:"recoverable"`
	At          time.Time `json:"at"`
}

// request is one event offered to the loop.
type request struct {
	event  Event
	taskID string
	// prepare runs after the event is accepted and before it is applied. It
	// may return the id of a task it created.
	prepare func() (string, error)
	// commit runs right after the event is applied.
	commit func(Transition)
	// onReject replaces the default of failing the triggering task.
	onReject func(error) error
	// cause is the failure to reflect on if the event enters reflecting.
	cause *task.Failure
	reply chan error
}

// Boss supervises one set of tasks.
type Boss struct {
	id       string
	name     string
	opts     Options
	logger   *slog.Logger
	agent    agentic.Agent
	registry *assignee.Registry
	manager  *coordinator.Manager

	ctx      context.Context
	cancel   context.CancelFunc
	requests chan request
	done     chan struct{}
	// focus admits one agentic pipeline at a time; the state machine
	// describes a single research/think cycle.
	focus chan struct{}

	// Owned by the loop goroutine.
	halted     bool
	focusTask  string
	incident   *agentic.Incident
	reflectSeq uint64

	mu          sync.RWMutex
	machine     *Machine
	transitions []Transition
	diagnostics []Diagnostic
	children    map[string]*Boss
	parentID    string
}

// New builds a boss and starts its event loop.
func New(opts Options) (*Boss, error) {
	if opts.ID == "" {
		return nil, errors.New("boss id is required")
	}
	machine, err := NewMachine(opts.Limits)
	if err != nil {
		return nil, fmt.Errorf("boss %s: %w", opts.ID, err)
	}
	if opts.Name == "" {
		opts.Name = opts.ID
	}
	if opts.Agent == nil {
		opts.Agent = agentic.Funcs{}
	}
	if opts.Clock == nil {
		opts.Clock = time.Now
	}
	base := opts.Logger
	if base == nil {
		base = slog.Default()
	}

	ctx, cancel := context.WithCancel(shared.WithBossID(context.Background(), opts.ID))
	b := &Boss{
		id:       opts.ID,
		name:     opts.Name,
		opts:     opts,
		logger:   base.With("component", "boss", "boss_id", opts.ID),
		agent:    opts.Agent,
		registry: assignee.NewRegistry(opts.ID, opts.Humans),
		ctx:      ctx,
		cancel:   cancel,
		requests: make(chan request),
		done:     make(chan struct{}),
		focus:    make(chan struct{}, 1),
		machine:  machine,
		children: make(map[string]*Boss),
	}
	var recorder coordinator.Recorder
	if opts.Journal != nil {
		recorder = opts.Journal
	}
	b.manager = coordinator.New(coordinator.Config{
		OwnerID:      opts.ID,
		Registry:     b.registry,
		Runner:       b,
		Settler:      b,
		Sink:         opts.Sink,
		Bus:          opts.Bus,
		Recorder:     recorder,
		Logger:       base,
		Metrics:      opts.Metrics,
		Tracer:       opts.Tracer,
		WorkerCount:  opts.WorkerCount,
		HistoryLimit: opts.HistoryLimit,
		Clock:        opts.Clock,
	})
	go b.loop()
	return b, nil
}

func (b *Boss) ID() string   { return b.id }
func (b *Boss) Name() string { return b.name }

// Done is closed once the boss has stopped.
func (b *Boss) Done() <-chan struct{} { return b.done }

func (b *Boss) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.machine.State()
}

func (b *Boss) Rethinks() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.machine.Rethinks()
}

// Transitions returns the applied transitions, oldest first.
func (b *Boss) Transitions() []Transition {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.transitions)
}

func (b *Boss) Diagnostics() []Diagnostic {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return slices.Clone(b.diagnostics)
}

func (b *Boss) loop() {
	defer close(b.done)
	for {
		req := <-b.requests
		req.reply <- b.handle(req)
		if b.halted {
			b.cancel()
			return
		}
	}
}

// post hands req to the loop and waits for its outcome.
func (b *Boss) post(ctx context.Context, req request) error {
	req.reply = make(chan error, 1)
	select {
	case b.requests <- req:
	case <-b.done:
		return fmt.Errorf("%w: %s: %w", ErrBossStopped, b.id, task.ErrInvalidTransition)
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-req.reply
}

func (b *Boss) handle(req request) error {
	ev := req.event
	if ev == EventTaskCancelled && req.taskID != "" && req.taskID == b.focusTask {
		ev = EventPipelineAborted
	}
	tr, err := b.machine.Next(ev, b.manager.Load(req.taskID))
	if err != nil {
		return b.reject(ev, req, err)
	}
	if req.prepare != nil {
		id, err := req.prepare()
		if errors.Is(err, errSkip) {
			return nil
		}
		if err != nil {
			return err
		}
		if id != "" {
			req.taskID = id
		}
	}
	tr.TaskID = req.taskID
	tr.At = b.opts.Clock()
	b.apply(tr)
	if req.commit != nil {
		req.commit(tr)
	}
	b.enter(tr, req.cause)
	return nil
}

func (b *Boss) reject(ev Event, req request, err error) error {
	state := b.machine.State()
	b.opts.Metrics.TransitionRejected(b.ctx, b.id, string(ev), string(state))
	b.logger.Warn("transition rejected", "event", ev, "state", state, "task_id", req.taskID, "error", err)
	if req.onReject != nil {
		return req.onReject(err)
	}
	if req.taskID != "" {
		b.manager.Fail(req.taskID, &task.Failure{
			Kind:    task.KindInvalidTransition,
			Message: err.Error(),
			TaskID:  req.taskID,
			At:      b.opts.Clock(),
		})
	}
	return err
}

// apply commits tr and reports it. Loop only.
func (b *Boss) apply(tr Transition) {
	b.mu.Lock()
	b.machine.Commit(tr)
	b.transitions = append(b.transitions, tr)
	if over := len(b.transitions) - transitionLimit; over > 0 {
		b.transitions = slices.Delete(b.transitions, 0, over)
	}
	b.mu.Unlock()

	switch {
	case tr.Event == EventEnterResearch:
		b.focusTask = tr.TaskID
	case !inPipeline(tr.To):
		b.focusTask = ""
	}

	ev := bus.BossStateChangedEvent{
		BossID:   b.id,
		Event:    string(tr.Event),
		From:     string(tr.From),
		To:       string(tr.To),
		TaskID:   tr.TaskID,
		Rethinks: tr.Rethinks,
		At:       tr.At,
	}
	b.opts.Bus.Publish(bus.TopicBossStateChanged, ev)
	if b.opts.Journal != nil {
		if err := b.opts.Journal.RecordTransition(b.ctx, ev); err != nil {
			b.logger.Warn("transition journal write failed", "error", err)
		}
	}
	b.opts.Metrics.Transition(b.ctx, b.id, string(tr.Event), string(tr.From), string(tr.To))
	if tr.Changed() {
		b.logger.Info("state changed", "event", tr.Event, "from", tr.From, "to", tr.To, "task_id", tr.TaskID)
	} else {
		b.logger.Debug("event applied", "event", tr.Event, "state", tr.To, "task_id", tr.TaskID)
	}
}

func inPipeline(s State) bool {
	return s == StateResearching || s == StateThinking || s == StateRethink
}

// enter runs the side effects of arriving in a state. Loop only.
func (b *Boss) enter(tr Transition, cause *task.Failure) {
	if !tr.Changed() {
		return
	}
	switch tr.To {
	case StateReflecting:
		b.beginReflection(tr, cause)
	case StateRestart:
		b.restart(tr)
	case StateStop:
		b.shutdown()
	}
}

func (b *Boss) beginReflection(tr Transition, cause *task.Failure) {
	in := agentic.Incident{
		BossID:   b.id,
		TaskID:   tr.TaskID,
		Rethinks: tr.Rethinks,
		Restarts: tr.Restarts,
	}
	if cause != nil {
		in.Kind = string(cause.Kind)
		in.Message = cause.Message
	}
	b.mu.RLock()
	recent := b.transitions[max(0, len(b.transitions)-10):]
	for _, t := range recent {
		in.Transitions = append(in.Transitions, t.String())
	}
	b.mu.RUnlock()

	b.incident = &in
	b.reflectSeq++
	if b.opts.ManualReflection {
		b.logger.Warn("waiting for manual reflection", "task_id", in.TaskID, "kind", in.Kind)
		return
	}
	go b.reflect(in, b.reflectSeq)
}

func (b *Boss) reflect(in agentic.Incident, seq uint64) {
	ctx, span := otel.StartSpan(b.ctx, b.opts.Tracer, "boss.reflect",
		otel.AttrBossID.String(b.id),
		otel.AttrTaskID.String(in.TaskID),
	)
	defer span.End()

	summary, err := b.agent.Reflect(ctx, in)
	if err != nil {
		span.RecordError(err)
		b.logger.Warn("reflection failed, using default summary", "error", err)
	}
	if err != nil || strings.TrimSpace(summary) == "" {
		summary = agentic.DefaultReflection(in)
	}
	err = b.post(context.WithoutCancel(ctx), request{
		event: EventReflectionDone,
		prepare: func() (string, error) {
			if seq != b.reflectSeq {
				return "", errSkip
			}
			return "", nil
		},
		commit:   func(tr Transition) { b.concludeReflection(tr, summary) },
		onReject: func(err error) error { return err },
	})
	if err != nil && !errors.Is(err, ErrBossStopped) {
		b.logger.Warn("reflection result dropped", "error", err)
	}
}

// CompleteReflection ends a reflection with summary, moving the boss to
// restart or stop. An empty summary uses the default diagnostic.
func (b *Boss) CompleteReflection(ctx context.Context, summary string) error {
	return b.post(ctx, request{
		event:    EventReflectionDone,
		commit:   func(tr Transition) { b.concludeReflection(tr, summary) },
		onReject: func(err error) error { return err },
	})
}

func (b *Boss) concludeReflection(tr Transition, summary string) {
	in := agentic.Incident{BossID: b.id, Rethinks: tr.Rethinks, Restarts: tr.Restarts}
	if b.incident != nil {
		in = *b.incident
	}
	b.incident = nil
	if strings.TrimSpace(summary) == "" {
		summary = agentic.DefaultReflection(in)
	}
	kind := in.Kind
	if kind == "" {
		kind = "reflection"
	}
	b.recordDiagnostic(Diagnostic{
		CauseTaskID: in.TaskID,
		Kind:        kind,
		Summary:     summary,
		Recoverable: tr.To == StateRestart,
		At:          tr.At,
	})
}

func (b *Boss) restart(tr Transition) {
	ids := b.manager.CancelAll("restart")
	b.recordDiagnostic(Diagnostic{
		Kind:        "restart",
		Summary:     fmt.Sprintf("restart %d of %d cancelled %d task(s)", tr.Restarts, b.opts.Limits.MaxRestarts, len(ids)),
		Recoverable: true,
		At:          b.opts.Clock(),
	})
	next, err := b.machine.Next(EventRestartDone, coordinator.Load{})
	if err != nil {
		b.logger.Error("restart could not complete", "error", err)
		return
	}
	next.At = b.opts.Clock()
	b.apply(next)
}

func (b *Boss) shutdown() {
	b.halted = true
	ids := b.manager.Close("boss stopped")
	b.mu.RLock()
	children := slices.Collect(maps.Values(b.children))
	b.mu.RUnlock()
	for _, c := range children {
		if err := c.Stop(context.Background()); err != nil {
			b.logger.Warn("child boss did not stop cleanly", "child", c.id, "error", err)
		}
	}
	b.logger.Info("boss stopped", "cancelled_tasks", len(ids))
}

func (b *Boss) recordDiagnostic(d Diagnostic) {
	b.mu.Lock()
	b.diagnostics = append(b.diagnostics, d)
	if over := len(b.diagnostics) - diagnosticLimit; over > 0 {
		b.diagnostics = slices.Delete(b.diagnostics, 0, over)
	}
	b.mu.Unlock()

	ev := bus.DiagnosticEvent{
		BossID:      b.id,
		CauseTaskID: d.CauseTaskID,
		Kind:        d.Kind,
		Summary:     d.Summary,
		Recoverable: d.Recoverable,
		At:          d.At,
	}
	b.opts.Bus.Publish(bus.TopicBossDiagnostic, ev)
	if b.opts.Journal != nil {
		if err := b.opts.Journal.RecordDiagnostic(b.ctx, ev); err != nil {
			b.logger.Warn("diagnostic journal write failed", "error", err)
		}
	}
	b.logger.Warn("diagnostic recorded", "kind", d.Kind, "cause_task_id", d.CauseTaskID, "summary", d.Summary)
}

// SubmitTask registers a task for ref and, unless dispatch is manual, starts
// it. Submissions are rejected while reflecting, restarting or stopped.
func (b *Boss) SubmitTask(ctx context.Context, description string, ref task.AssigneeRef, opts ...SubmitOption) (string, error) {
	sub := coordinator.Submission{Description: description}
	for _, opt := range opts {
		opt(&sub)
	}
	if strings.TrimSpace(sub.Description) == "" && strings.TrimSpace(sub.Title) == "" {
		return "", fmt.Errorf("%w: description is required", task.ErrInvalidTask)
	}

	var id string
	err := b.post(ctx, request{
		event: EventSubmitTask,
		prepare: func() (string, error) {
			var err error
			id, err = b.manager.Submit(sub, ref)
			return id, err
		},
		commit: func(Transition) {
			if !b.opts.ManualDispatch {
				b.dispatchNow(id)
			}
		},
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

// dispatchNow starts a just-submitted task within the same loop turn.
func (b *Boss) dispatchNow(id string) {
	tr, err := b.machine.Next(EventBeginDispatch, b.manager.Load(id))
	if err != nil {
		b.logger.Error("dispatch rejected", "task_id", id, "error", err)
		return
	}
	tr.TaskID = id
	tr.At = b.opts.Clock()
	b.apply(tr)
	if _, err := b.manager.Dispatch(id); err != nil {
		b.logger.Error("dispatch failed", "task_id", id, "error", err)
	}
}

// Dispatch starts a Pending task. It is a no-op for tasks already running
// or finished.
func (b *Boss) Dispatch(ctx context.Context, id string) error {
	if t, ok := b.manager.Peek(id); ok && t.Status != task.StatusPending {
		return nil
	}
	return b.post(ctx, request{
		event:  EventBeginDispatch,
		taskID: id,
		prepare: func() (string, error) {
			t, ok := b.manager.Peek(id)
			if !ok {
				return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
			}
			if t.Status != task.StatusPending {
				return "", errSkip
			}
			return "", nil
		},
		commit: func(Transition) {
			if _, err := b.manager.Dispatch(id); err != nil {
				b.logger.Error("dispatch failed", "task_id", id, "error", err)
			}
		},
	})
}

// CancelTask cancels a live task and, through its execution context, any
// child boss work it delegated. Cancelling a finished task is a no-op.
func (b *Boss) CancelTask(ctx context.Context, id, reason string) error {
	if reason == "" {
		reason = "cancelled by caller"
	}
	if t, ok := b.manager.Peek(id); ok && t.Status.Terminal() {
		return nil
	}
	cancel := func() error {
		_, err := b.manager.Cancel(id, reason)
		return err
	}
	return b.post(ctx, request{
		event:  EventTaskCancelled,
		taskID: id,
		prepare: func() (string, error) {
			t, ok := b.manager.Peek(id)
			if !ok {
				return "", fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
			}
			if t.Status.Terminal() {
				return "", errSkip
			}
			return "", nil
		},
		commit: func(Transition) {
			if err := cancel(); err != nil {
				b.logger.Warn("cancel failed", "task_id", id, "error", err)
			}
		},
		// The task is cancelled even when the state machine refuses the event.
		onReject: func(error) error { return cancel() },
	})
}

// Stop cancels every live task, stops all child bosses and ends the event
// loop. Calling Stop again is a no-op.
func (b *Boss) Stop(ctx context.Context) error {
	err := b.post(ctx, request{event: EventExternalStop})
	if errors.Is(err, ErrBossStopped) {
		return nil
	}
	return err
}

// GetStatus returns a task snapshot. Reading a finished task marks it
// observed, after which Reap may release it.
func (b *Boss) GetStatus(id string) (task.Task, error) {
	return b.manager.GetStatus(id)
}

// ListAwaitingHuman returns the tasks of this boss blocked on a human,
// ordered by deadline.
func (b *Boss) ListAwaitingHuman() []task.HumanAwaitingEntry {
	return b.manager.Awaiting()
}

// RespondAsHuman supplies a human response to an awaiting task.
func (b *Boss) RespondAsHuman(ctx context.Context, id, response string) error {
	return b.manager.Resume(ctx, id, response)
}

func (b *Boss) Poll() coordinator.Snapshot { return b.manager.Poll() }

func (b *Boss) Wait(ctx context.Context, id string) (task.Task, error) {
	return b.manager.Wait(ctx, id)
}

// Reap releases observed finished tasks into history.
func (b *Boss) Reap(all bool) int { return b.manager.Reap(all) }

// Drain waits for running executions of this boss and its children.
func (b *Boss) Drain(ctx context.Context) error {
	var errs []error
	errs = append(errs, b.manager.Drain(ctx))
	for _, c := range b.Children() {
		errs = append(errs, c.Drain(ctx))
	}
	return errors.Join(errs...)
}

// AddChild makes child a delegate of b. The parent owns the child: stopping
// the parent stops the child.
func (b *Boss) AddChild(child *Boss) error {
	if child == nil || child == b {
		return errors.New("invalid child boss")
	}
	if err := b.registry.AddDelegate(child); err != nil {
		return err
	}
	b.mu.Lock()
	b.children[child.id] = child
	b.mu.Unlock()
	child.mu.Lock()
	child.parentID = b.id
	child.mu.Unlock()
	return nil
}

// Children returns the direct children ordered by id.
func (b *Boss) Children() []*Boss {
	b.mu.RLock()
	out := slices.Collect(maps.Values(b.children))
	b.mu.RUnlock()
	slices.SortFunc(out, func(x, y *Boss) int { return strings.Compare(x.id, y.id) })
	return out
}

// Find returns the boss with id in the subtree rooted at b.
func (b *Boss) Find(id string) (*Boss, bool) {
	if b.id == id {
		return b, true
	}
	for _, c := range b.Children() {
		if found, ok := c.Find(id); ok {
			return found, true
		}
	}
	return nil, false
}

// Locate returns the boss in the subtree that owns taskID.
func (b *Boss) Locate(taskID string) (*Boss, bool) {
	if _, ok := b.manager.Peek(taskID); ok {
		return b, true
	}
	for _, c := range b.Children() {
		if owner, ok := c.Locate(taskID); ok {
			return owner, true
		}
	}
	return nil, false
}

// Respond delivers a human response to whichever boss in the subtree owns id.
func (b *Boss) Respond(ctx context.Context, id, response string) error {
	owner, ok := b.Locate(id)
	if !ok {
		return fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	return owner.RespondAsHuman(ctx, id, response)
}

// Walk calls fn for b and every descendant, parents first.
func (b *Boss) Walk(fn func(*Boss)) {
	fn(b)
	for _, c := range b.Children() {
		c.Walk(fn)
	}
}

// ReplaceHumans swaps the roster of the whole subtree.
func (b *Boss) ReplaceHumans(humans []assignee.Human) {
	b.Walk(func(x *Boss) { x.registry.ReplaceHumans(humans) })
}

// AwaitingHuman lists awaiting entries across the subtree.
func (b *Boss) AwaitingHuman() []task.HumanAwaitingEntry {
	var out []task.HumanAwaitingEntry
	b.Walk(func(x *Boss) { out = append(out, x.ListAwaitingHuman()...) })
	slices.SortFunc(out, func(x, y task.HumanAwaitingEntry) int {
		if c := x.TimeoutAt.Compare(y.TimeoutAt); c != 0 {
			return c
		}
		return strings.Compare(x.TaskID, y.TaskID)
	})
	return out
}

// Settle routes a task outcome through the event loop.
func (b *Boss) Settle(ctx context.Context, o coordinator.Outcome, commit func()) error {
	req := request{
		taskID: o.TaskID,
		commit: func(Transition) { commit() },
	}
	switch o.Kind {
	case coordinator.OutcomeCompleted:
		req.event = EventTaskCompleted
		if o.Assignee == task.SubBoss(b.id) {
			req.event = EventSynthesisDone
		}
	case coordinator.OutcomeFailed:
		req.event = EventTaskFailed
		req.cause = o.Failure
		// A failure stands even if the machine refuses the event.
		req.onReject = func(err error) error {
			commit()
			return err
		}
	case coordinator.OutcomeHumanResponse:
		req.event = EventHumanResponse
	default:
		return fmt.Errorf("unknown outcome %s", o.Kind)
	}
	return b.post(ctx, req)
}

// Delegate runs a parent's task on this boss. The task goes to the assignee
// named by the "assignee" metadata key, or to the boss itself.
func (b *Boss) Delegate(ctx context.Context, req assignee.DelegateRequest) (*task.Result, error) {
	ref := task.SubBoss(b.id)
	if s := req.Metadata["assignee"]; s != "" {
		parsed, err := task.ParseAssignee(s)
		if err != nil {
			return nil, fmt.Errorf("assignee metadata: %w", err)
		}
		ref = parsed
	}
	id, err := b.SubmitTask(ctx, req.Description, ref,
		WithTitle(req.Title),
		WithParent(req.ParentTaskID),
		WithCreatedBy(req.ParentBossID),
		WithMetadata(req.Metadata),
	)
	if err != nil {
		return nil, err
	}
	if req.Accepted != nil {
		req.Accepted(id)
	}

	t, err := b.manager.Wait(ctx, id)
	if err != nil {
		if ctx.Err() != nil {
			if cerr := b.CancelTask(context.WithoutCancel(ctx), id, "parent task cancelled"); cerr != nil && !errors.Is(cerr, ErrBossStopped) {
				b.logger.Warn("cascade cancel failed", "task_id", id, "error", cerr)
			}
			return nil, ctx.Err()
		}
		return nil, err
	}
	if t.Status == task.StatusCompleted {
		return t.Result, nil
	}
	if t.Error != nil {
		return nil, t.Error
	}
	return nil, fmt.Errorf("%w: child task %s ended %s", task.ErrAssigneeExecution, id, t.Status)
}
