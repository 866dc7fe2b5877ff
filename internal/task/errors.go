package task

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// ErrorKind classifies a task failure record.
type ErrorKind string

const (
	KindDuplicateTask         ErrorKind = "DuplicateTaskError"
	KindInvalidAssignee       ErrorKind = "InvalidAssigneeError"
	KindInvalidTransition     ErrorKind = "InvalidTransitionError"
	KindHumanTimeout          ErrorKind = "HumanTimeout"
	KindAssigneeExecution     ErrorKind = "AssigneeExecutionError"
	KindRethinkBudgetExceeded ErrorKind = "RethinkBudgetExceeded"
	KindCancelled             ErrorKind = "Cancelled"
)

var (
	ErrDuplicateTask         = errors.New("duplicate task")
	ErrInvalidAssignee       = errors.New("invalid assignee")
	ErrInvalidTransition     = errors.New("invalid transition")
	ErrHumanTimeout          = errors.New("human response timed out")
	ErrAssigneeExecution     = errors.New("assignee execution failed")
	ErrRethinkBudgetExceeded = errors.New("rethink budget exceeded")
	ErrCancelled             = errors.New("task cancelled")

	// ErrMissingHumanTimeout is an InvalidAssignee condition: every human wait
	// needs an explicit deadline.
	ErrMissingHumanTimeout = fmt.Errorf("%w: human assignment requires a response timeout", ErrInvalidAssignee)

	// ErrInvalidTask rejects a submission that carries nothing to do.
	ErrInvalidTask = errors.New("invalid task")

	ErrTaskNotFound     = errors.New("task not found")
	ErrNotAwaitingHuman = errors.New("task is not awaiting a human response")
)

var kindSentinels = map[ErrorKind]error{
	KindDuplicateTask:         ErrDuplicateTask,
	KindInvalidAssignee:       ErrInvalidAssignee,
	KindInvalidTransition:     ErrInvalidTransition,
	KindHumanTimeout:          ErrHumanTimeout,
	KindAssigneeExecution:     ErrAssigneeExecution,
	KindRethinkBudgetExceeded: ErrRethinkBudgetExceeded,
	KindCancelled:             ErrCancelled,
}

// Sentinel returns the sentinel error for the kind, or nil for unknown kinds.
func (k ErrorKind) Sentinel() error {
	return kindSentinels[k]
}

// KindOf classifies err. Anything unrecognised surfaced by an assignee is an
// AssigneeExecutionError.
func KindOf(err error) ErrorKind {
	var f *Failure
	if errors.As(err, &f) {
		return f.Kind
	}
	switch {
	case errors.Is(err, ErrDuplicateTask):
		return KindDuplicateTask
	case errors.Is(err, ErrInvalidAssignee):
		return KindInvalidAssignee
	case errors.Is(err, ErrInvalidTransition):
		return KindInvalidTransition
	case errors.Is(err, ErrHumanTimeout):
		return KindHumanTimeout
	case errors.Is(err, ErrRethinkBudgetExceeded):
		return KindRethinkBudgetExceeded
	case errors.Is(err, ErrCancelled), errors.Is(err, context.Canceled):
		return KindCancelled
	default:
		return KindAssigneeExecution
	}
}

// Failure is the structured error record attached to a Failed or Cancelled
// task. It is itself an error that unwraps to its kind's sentinel, so a
// parent task can adopt a child's failure unchanged.
type Failure struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
	TaskID  string    `json:"task_id,omitempty"`
	At      time.Time `json:"at"`
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Kind)
	}
	return fmt.Sprintf("%s: %s", f.Kind, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Kind.Sentinel()
}

// NewFailure builds a failure record for taskID from err. An existing
// *Failure anywhere in the chain is copied, keeping its original kind.
func NewFailure(taskID string, err error, at time.Time) *Failure {
	var existing *Failure
	if errors.As(err, &existing) {
		cp := *existing
		if cp.TaskID == "" {
			cp.TaskID = taskID
		}
		return &cp
	}
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &Failure{Kind: KindOf(err), Message: msg, TaskID: taskID, At: at}
}
