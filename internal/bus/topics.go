package bus

import "time"

// Task lifecycle topics.
const (
	TopicTaskSubmitted    = "task.submitted"
	TopicTaskStateChanged = "task.state_changed"
	TopicTaskCompleted    = "task.completed"
	TopicTaskFailed       = "task.failed"
	TopicTaskCancelled    = "task.cancelled"
)

// Boss topics.
const (
	TopicBossStateChanged = "boss.state_changed"
	TopicBossReport       = "boss.report"
	TopicBossDiagnostic   = "boss.diagnostic"
)

// Human-in-the-loop and notification topics.
const (
	TopicHumanAwaiting  = "human.awaiting"
	TopicHumanResponded = "human.responded"
	TopicHumanTimeout   = "human.timeout"
	TopicNotifyFailed   = "notify.failed"
)

// TaskStateChangedEvent is published on every task status change.
type TaskStateChangedEvent struct {
	TaskID    string
	BossID    string
	OldStatus string
	NewStatus string
	Reason    string
}

// BossStateChangedEvent is published for every applied state machine event,
// including ones that leave the state unchanged.
type BossStateChangedEvent struct {
	BossID   string
	Event    string
	From     string
	To       string
	TaskID   string
	Rethinks int
	At       time.Time
}

// HumanAwaitingEvent announces a task blocked on a human.
type HumanAwaitingEvent struct {
	TaskID   string
	BossID   string
	HumanID  string
	Prompt   string
	Deadline time.Time
}

// NotifyFailedEvent reports a sink delivery failure. Task state is not
// affected by it.
type NotifyFailedEvent struct {
	TaskID string
	Sink   string
	Error  string
}

// DiagnosticEvent carries a reflection summary.
type DiagnosticEvent struct {
	BossID      string
	CauseTaskID string
	Kind        string
	Summary     string
	Recoverable bool
	At          time.Time
}

// TaskIDOf extracts the task id from any task-scoped payload.
func TaskIDOf(ev Event) string {
	switch p := ev.Payload.(type) {
	case TaskStateChangedEvent:
		return p.TaskID
	case BossStateChangedEvent:
		return p.TaskID
	case HumanAwaitingEvent:
		return p.TaskID
	case NotifyFailedEvent:
		return p.TaskID
	case map[string]any:
		if id, ok := p["task_id"].(string); ok {
			return id
		}
	}
	return ""
}
