package task

// Status is the lifecycle status of a single task. It is independent of the
// owning boss state.
type Status string

const (
	StatusPending       Status = "PENDING"
	StatusRunning       Status = "RUNNING"
	StatusAwaitingHuman Status = "AWAITING_HUMAN"
	StatusCompleted     Status = "COMPLETED"
	StatusFailed        Status = "FAILED"
	StatusCancelled     Status = "CANCELLED"
)

var allowedTransitions = map[Status]map[Status]struct{}{
	StatusPending: {
		StatusRunning:   {},
		StatusFailed:    {},
		StatusCancelled: {},
	},
	StatusRunning: {
		StatusAwaitingHuman: {},
		StatusCompleted:     {},
		StatusFailed:        {},
		StatusCancelled:     {},
	},
	StatusAwaitingHuman: {
		StatusRunning:   {}, // Resume.
		StatusFailed:    {},
		StatusCancelled: {},
	},
}

// Terminal reports whether s is one of Completed, Failed or Cancelled.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusAwaitingHuman,
		StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether a task may move from one status to another.
// Terminal statuses have no exits.
func CanTransition(from, to Status) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// AllStatuses returns every status in lifecycle order.
func AllStatuses() []Status {
	return []Status{
		StatusPending, StatusRunning, StatusAwaitingHuman,
		StatusCompleted, StatusFailed, StatusCancelled,
	}
}
