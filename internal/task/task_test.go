package task

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusRunning, StatusAwaitingHuman, true},
		{StatusAwaitingHuman, StatusRunning, true},
		{StatusRunning, StatusCompleted, true},
		{StatusAwaitingHuman, StatusCancelled, true},
		{StatusPending, StatusCompleted, false},
		{StatusRunning, StatusPending, false},
		{StatusAwaitingHuman, StatusCompleted, false},
	}
	for _, tc := range tests {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestTerminalStatusesHaveNoExits(t *testing.T) {
	for _, from := range AllStatuses() {
		if !from.Terminal() {
			continue
		}
		for _, to := range AllStatuses() {
			if CanTransition(from, to) {
				t.Fatalf("terminal %s may move to %s", from, to)
			}
		}
	}
}

func TestEveryLiveStatusMayBeCancelled(t *testing.T) {
	for _, s := range AllStatuses() {
		if s.Terminal() {
			continue
		}
		if !CanTransition(s, StatusCancelled) {
			t.Fatalf("%s cannot be cancelled", s)
		}
	}
}

func TestAssigneeRef(t *testing.T) {
	if err := SubBoss("b2").Validate(); err != nil {
		t.Fatalf("SubBoss validate: %v", err)
	}
	if err := (AssigneeRef{Kind: "robot", ID: "x"}).Validate(); !errors.Is(err, ErrInvalidAssignee) {
		t.Fatalf("unknown kind error = %v, want ErrInvalidAssignee", err)
	}
	if err := HumanAgent("").Validate(); !errors.Is(err, ErrInvalidAssignee) {
		t.Fatalf("empty id error = %v, want ErrInvalidAssignee", err)
	}

	ref, err := ParseAssignee("human:h1")
	if err != nil {
		t.Fatalf("ParseAssignee: %v", err)
	}
	if ref != HumanAgent("h1") {
		t.Fatalf("ParseAssignee = %+v", ref)
	}
	if ref.String() != "human:h1" {
		t.Fatalf("String = %q", ref.String())
	}
	if _, err := ParseAssignee("h1"); err == nil {
		t.Fatal("expected error for missing kind")
	}
}

func TestKindOf(t *testing.T) {
	tests := []struct {
		err  error
		want ErrorKind
	}{
		{fmt.Errorf("submit: %w", ErrDuplicateTask), KindDuplicateTask},
		{ErrMissingHumanTimeout, KindInvalidAssignee},
		{fmt.Errorf("wrap: %w", ErrHumanTimeout), KindHumanTimeout},
		{context.Canceled, KindCancelled},
		{errors.New("model exploded"), KindAssigneeExecution},
		{&Failure{Kind: KindRethinkBudgetExceeded}, KindRethinkBudgetExceeded},
	}
	for _, tc := range tests {
		if got := KindOf(tc.err); got != tc.want {
			t.Errorf("KindOf(%v) = %s, want %s", tc.err, got, tc.want)
		}
	}
}

func TestFailureAdoption(t *testing.T) {
	now := time.Now()
	child := NewFailure("child", fmt.Errorf("waiting: %w", ErrHumanTimeout), now)
	if child.Kind != KindHumanTimeout {
		t.Fatalf("child kind = %s", child.Kind)
	}
	if !errors.Is(child, ErrHumanTimeout) {
		t.Fatal("failure should unwrap to its sentinel")
	}

	parent := NewFailure("parent", fmt.Errorf("delegate: %w", child), now)
	if parent.Kind != KindHumanTimeout || parent.TaskID != "child" {
		t.Fatalf("adopted failure = %+v", parent)
	}
}

func TestCloneIsDeep(t *testing.T) {
	now := time.Now()
	orig := &Task{
		ID:       "t1",
		Result:   &Result{Summary: "ok", Data: map[string]any{"k": "v"}},
		Metadata: map[string]string{"a": "b"},
		History:  []string{"created"},
		Deadline: &now,
	}
	cp := orig.Clone()
	cp.Result.Data["k"] = "changed"
	cp.Metadata["a"] = "changed"
	cp.History[0] = "changed"
	*cp.Deadline = now.Add(time.Hour)

	if orig.Result.Data["k"] != "v" || orig.Metadata["a"] != "b" || orig.History[0] != "created" {
		t.Fatal("clone shares mutable state with original")
	}
	if !orig.Deadline.Equal(now) {
		t.Fatal("clone shares deadline pointer")
	}
}

func TestSummary(t *testing.T) {
	done := &Task{Status: StatusCompleted, Result: &Result{Summary: "shipped"}}
	if got := done.Summary(); got != "COMPLETED - shipped" {
		t.Fatalf("Summary = %q", got)
	}
	failed := &Task{Status: StatusFailed, Error: &Failure{Kind: KindHumanTimeout, Message: "no reply"}}
	if got := failed.Summary(); got != "FAILED - HumanTimeout: no reply" {
		t.Fatalf("Summary = %q", got)
	}
}
