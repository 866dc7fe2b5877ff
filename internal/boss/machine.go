package boss

import (
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-boss/internal/coordinator"
	"github.com/basket/go-boss/internal/task"
)

// ErrBossStopped is returned for work offered to a stopped boss.
var ErrBossStopped = errors.New("boss stopped")

// State is a boss lifecycle state.
type State string

const (
	StateIdle        State = "idle"
	StateAwake       State = "awake"
	StateExecuting   State = "executing"
	StateResearching State = "researching"
	StateThinking    State = "thinking"
	StateRethink     State = "rethink"
	StateReflecting  State = "reflecting"
	StateRestart     State = "restart"
	StateStop        State = "stop"
)

// AllStates lists every state in lifecycle order.
func AllStates() []State {
	return []State{
		StateIdle, StateAwake, StateExecuting, StateResearching, StateThinking,
		StateRethink, StateReflecting, StateRestart, StateStop,
	}
}

// Event is an input to the state machine.
type Event string

const (
	EventSubmitTask        Event = "submit_task"
	EventBeginDispatch     Event = "begin_dispatch"
	EventEnterResearch     Event = "enter_research"
	EventResearchDone      Event = "research_done"
	EventSynthesisDone     Event = "synthesis_done"
	EventSynthesisRejected Event = "synthesis_rejected"
	EventRethinkRetry      Event = "rethink_retry"
	EventTaskCompleted     Event = "task_completed"
	EventTaskCancelled     Event = "task_cancelled"
	EventPipelineAborted   Event = "pipeline_aborted"
	EventHumanResponse     Event = "human_response"
	EventTaskFailed        Event = "task_failed"
	EventReflectionDone    Event = "reflection_done"
	EventRestartDone       Event = "restart_done"
	EventExternalStop      Event = "external_stop"
)

// Limits bound the retry loops of a machine.
type Limits struct {
	// MaxRethinks is how many rejected syntheses are retried before the
	// boss reflects. It has no default.
	MaxRethinks int
	// MaxRestarts is how many reflections may end in a restart; 0 means a
	// reflection always stops the boss.
	MaxRestarts            int
	ResetRethinksOnRestart bool
}

// Transition is one evaluated event. Changed reports whether the state moves.
type Transition struct {
	Event    Event     `json:"event"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	TaskID   string    `json:"task_id,omitempty"`
	Rethinks int       `json:"rethinks"`
	Restarts int       `json:"restarts"`
	At       time.Time `json:"at"`
	// BudgetExceeded marks a rejected synthesis that ran out of rethinks.
	BudgetExceeded bool `json:"budget_exceeded,omitempty"`
}

func (t Transition) Changed() bool { return t.From != t.To }

func (t Transition) String() string {
	s := fmt.Sprintf("%s %s: %s -> %s", t.At.UTC().Format(time.RFC3339), t.Event, t.From, t.To)
	if t.TaskID != "" {
		s += " (task " + t.TaskID + ")"
	}
	return s
}

type destKind int

const (
	toFixed destKind = iota
	toSame
	toLoad     // idle, awake or executing by live task count
	toRethink  // rethink while budget remains, else reflecting
	toRecovery // restart while restarts remain, else stop
)

type rule struct {
	kind  destKind
	state State
}

func to(s State) rule { return rule{kind: toFixed, state: s} }

var (
	same     = rule{kind: toSame}
	byLoad   = rule{kind: toLoad}
	rethink  = rule{kind: toRethink}
	recovery = rule{kind: toRecovery}
)

// busy states hold a running pipeline or running tasks.
var busy = []State{StateExecuting, StateResearching, StateThinking, StateRethink}

func rows(base map[State]rule, r rule, states ...State) map[State]rule {
	for _, s := range states {
		base[s] = r
	}
	return base
}

// transitions is the complete table. An event missing for a state is
// rejected.
var transitions = map[Event]map[State]rule{
	EventSubmitTask:        rows(map[State]rule{StateIdle: to(StateAwake), StateAwake: to(StateAwake)}, same, busy...),
	EventBeginDispatch:     rows(map[State]rule{StateAwake: to(StateExecuting)}, same, busy...),
	EventEnterResearch:     {StateExecuting: to(StateResearching)},
	EventResearchDone:      {StateResearching: to(StateThinking)},
	EventSynthesisDone:     {StateThinking: byLoad},
	EventSynthesisRejected: {StateThinking: rethink},
	EventRethinkRetry:      {StateRethink: to(StateResearching)},
	EventTaskCompleted:     rows(map[State]rule{StateExecuting: byLoad}, same, StateResearching, StateThinking, StateRethink),
	EventTaskCancelled:     rows(map[State]rule{StateExecuting: byLoad, StateAwake: byLoad}, same, StateResearching, StateThinking, StateRethink),
	EventPipelineAborted:   rows(map[State]rule{}, byLoad, StateResearching, StateThinking, StateRethink),
	EventHumanResponse:     rows(map[State]rule{}, same, busy...),
	EventTaskFailed:        rows(map[State]rule{}, to(StateReflecting), StateExecuting, StateResearching, StateThinking),
	EventReflectionDone:    {StateReflecting: recovery},
	EventRestartDone:       {StateRestart: to(StateIdle)},
	EventExternalStop:      rows(map[State]rule{}, to(StateStop), AllStates()...),
}

// Allowed reports whether ev is accepted in s.
func Allowed(ev Event, s State) bool {
	_, ok := transitions[ev][s]
	return ok
}

// Machine is the per-boss state machine. It is not safe for concurrent use;
// the boss event loop is its only writer.
type Machine struct {
	state    State
	rethinks int
	restarts int
	limits   Limits
}

// NewMachine returns a machine in idle.
func NewMachine(limits Limits) (*Machine, error) {
	if limits.MaxRethinks < 0 {
		return nil, fmt.Errorf("max_rethinks must be >= 0, got %d", limits.MaxRethinks)
	}
	if limits.MaxRestarts < 0 {
		return nil, fmt.Errorf("max_restarts must be >= 0, got %d", limits.MaxRestarts)
	}
	return &Machine{state: StateIdle, limits: limits}, nil
}

func (m *Machine) State() State  { return m.state }
func (m *Machine) Rethinks() int { return m.rethinks }
func (m *Machine) Restarts() int { return m.restarts }
func (m *Machine) Limits() Limits {
	return m.limits
}

// Next evaluates ev against the current state without applying it. load
// counts the live tasks other than the one that triggered ev.
func (m *Machine) Next(ev Event, load coordinator.Load) (Transition, error) {
	r, ok := transitions[ev][m.state]
	if !ok {
		err := fmt.Errorf("%w: %s not allowed in state %s", task.ErrInvalidTransition, ev, m.state)
		if m.state == StateStop {
			err = fmt.Errorf("%w: %w", ErrBossStopped, err)
		}
		return Transition{}, err
	}

	tr := Transition{Event: ev, From: m.state, Rethinks: m.rethinks, Restarts: m.restarts}
	switch r.kind {
	case toFixed:
		tr.To = r.state
	case toSame:
		tr.To = m.state
	case toLoad:
		switch {
		case load.Active > 0:
			tr.To = StateExecuting
		case load.Pending > 0:
			tr.To = StateAwake
		default:
			tr.To = StateIdle
		}
	case toRethink:
		if m.rethinks < m.limits.MaxRethinks {
			tr.To = StateRethink
			tr.Rethinks++
		} else {
			tr.To = StateReflecting
			tr.BudgetExceeded = true
		}
	case toRecovery:
		if m.restarts < m.limits.MaxRestarts {
			tr.To = StateRestart
			tr.Restarts++
		} else {
			tr.To = StateStop
		}
	}

	switch ev {
	case EventSynthesisDone:
		tr.Rethinks = 0
	case EventRestartDone:
		if m.limits.ResetRethinksOnRestart {
			tr.Rethinks = 0
		}
	}
	return tr, nil
}

// Commit applies a transition returned by Next.
func (m *Machine) Commit(tr Transition) {
	m.state = tr.To
	m.rethinks = tr.Rethinks
	m.restarts = tr.Restarts
}

// Fire evaluates and applies ev in one step.
func (m *Machine) Fire(ev Event, load coordinator.Load) (Transition, error) {
	tr, err := m.Next(ev, load)
	if err != nil {
		return Transition{}, err
	}
	m.Commit(tr)
	return tr, nil
}
