// Package task holds the task data model shared by the task manager, the
// boss state machine and every external surface.
package task

import (
	"fmt"
	"maps"
	"time"
)

// AssigneeKind tags the AssigneeRef variant.
type AssigneeKind string

const (
	KindSubBoss AssigneeKind = "sub_boss"
	KindHuman   AssigneeKind = "human"
)

// AssigneeRef names who a task is dispatched to. The set of variants is
// closed: callers switch on Kind.
type AssigneeRef struct {
	Kind AssigneeKind `json:"kind" yaml:"kind"`
	ID   string       `json:"id" yaml:"id"`
}

// SubBoss references a boss instance (possibly the owning boss itself).
func SubBoss(bossID string) AssigneeRef {
	return AssigneeRef{Kind: KindSubBoss, ID: bossID}
}

// HumanAgent references a human in the configured roster.
func HumanAgent(agentID string) AssigneeRef {
	return AssigneeRef{Kind: KindHuman, ID: agentID}
}

func (r AssigneeRef) IsZero() bool {
	return r.Kind == "" && r.ID == ""
}

func (r AssigneeRef) String() string {
	if r.IsZero() {
		return "<unassigned>"
	}
	return string(r.Kind) + ":" + r.ID
}

// Validate checks the variant tag and id, not whether the assignee exists.
func (r AssigneeRef) Validate() error {
	switch r.Kind {
	case KindSubBoss, KindHuman:
	default:
		return fmt.Errorf("%w: unknown assignee kind %q", ErrInvalidAssignee, r.Kind)
	}
	if r.ID == "" {
		return fmt.Errorf("%w: empty %s id", ErrInvalidAssignee, r.Kind)
	}
	return nil
}

// ParseAssignee parses the "kind:id" form produced by String.
func ParseAssignee(s string) (AssigneeRef, error) {
	for i := 0; i < len(s); i++ {
		if s[i] == ':' {
			ref := AssigneeRef{Kind: AssigneeKind(s[:i]), ID: s[i+1:]}
			return ref, ref.Validate()
		}
	}
	return AssigneeRef{}, fmt.Errorf("%w: %q is not kind:id", ErrInvalidAssignee, s)
}

// Result is the payload of a completed task.
type Result struct {
	Summary string         `json:"summary"`
	Data    map[string]any `json:"data,omitempty"`
}

// Task is one unit of work. Values handed out by the task manager are
// snapshots; mutating them has no effect on the tracked task.
type Task struct {
	ID          string            `json:"id"`
	BossID      string            `json:"boss_id"`
	ParentID    string            `json:"parent_task_id,omitempty"`
	Title       string            `json:"title,omitempty"`
	Description string            `json:"description"`
	CreatedBy   string            `json:"created_by,omitempty"`
	Assignee    AssigneeRef       `json:"assignee"`
	Status      Status            `json:"status"`
	Result      *Result           `json:"result,omitempty"`
	Error       *Failure          `json:"error,omitempty"`
	Deadline    *time.Time        `json:"deadline,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
	History     []string          `json:"history,omitempty"`
	CreatedAt   time.Time         `json:"created_at"`
	UpdatedAt   time.Time         `json:"updated_at"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy.
func (t *Task) Clone() Task {
	cp := *t
	if t.Result != nil {
		r := *t.Result
		r.Data = maps.Clone(t.Result.Data)
		cp.Result = &r
	}
	if t.Error != nil {
		f := *t.Error
		cp.Error = &f
	}
	cp.Deadline = cloneTime(t.Deadline)
	cp.StartedAt = cloneTime(t.StartedAt)
	cp.CompletedAt = cloneTime(t.CompletedAt)
	cp.Metadata = maps.Clone(t.Metadata)
	cp.History = append([]string(nil), t.History...)
	return cp
}

// Summary renders the one-line board form "STATUS - summary".
func (t *Task) Summary() string {
	switch {
	case t.Result != nil && t.Result.Summary != "":
		return fmt.Sprintf("%s - %s", t.Status, t.Result.Summary)
	case t.Error != nil:
		return fmt.Sprintf("%s - %s", t.Status, t.Error.Error())
	default:
		return string(t.Status)
	}
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

// HumanAwaitingEntry exists exactly while its task is AwaitingHuman.
type HumanAwaitingEntry struct {
	TaskID    string      `json:"task_id"`
	BossID    string      `json:"boss_id"`
	Assignee  AssigneeRef `json:"assignee"`
	Prompt    string      `json:"prompt"`
	AskedAt   time.Time   `json:"asked_at"`
	TimeoutAt time.Time   `json:"timeout_at"`
}
