// Package agentic is the default behavior of a boss working a task itself:
// research, synthesize a draft, judge it, and reflect on failures.
package agentic

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Brief is what one pass of the pipeline knows about its task.
type Brief struct {
	TaskID      string
	BossID      string
	Title       string
	Description string
	// Attempt starts at 1 and grows with every rethink.
	Attempt  int
	Feedback string
	Previous *Draft
	Tools    []string
	// Ask routes a question to a roster human and blocks for the answer. A
	// zero timeout uses the human's configured response timeout.
	Ask func(ctx context.Context, humanID, prompt string, timeout time.Duration) (string, error)
}

// Subject returns the title, or the description when untitled.
func (b Brief) Subject() string {
	if b.Title != "" {
		return b.Title
	}
	return b.Description
}

// Findings is the output of research.
type Findings struct {
	Notes   string
	Sources []string
}

// Draft is a synthesized result awaiting judgement.
type Draft struct {
	Summary string
	Data    map[string]any
	// Invalid carries a validation failure found while synthesizing. A draft
	// with Invalid set is always rejected.
	Invalid string
}

// Verdict is the judgement of a draft.
type Verdict struct {
	Accept     bool
	Confidence float64
	Feedback   string
}

// Incident is the input to reflection.
type Incident struct {
	BossID      string
	TaskID      string
	Kind        string
	Message     string
	Rethinks    int
	Restarts    int
	Transitions []string
}

// Agent is the agentic assignee behavior.
type Agent interface {
	Research(ctx context.Context, b Brief) (Findings, error)
	Synthesize(ctx context.Context, b Brief, f Findings) (Draft, error)
	Judge(ctx context.Context, b Brief, d Draft) (Verdict, error)
	Reflect(ctx context.Context, in Incident) (string, error)
}

// Funcs adapts plain functions to Agent. Nil fields fall back to a
// deterministic behavior: research echoes the brief, synthesis echoes the
// notes, every draft is accepted.
type Funcs struct {
	ResearchFunc   func(ctx context.Context, b Brief) (Findings, error)
	SynthesizeFunc func(ctx context.Context, b Brief, f Findings) (Draft, error)
	JudgeFunc      func(ctx context.Context, b Brief, d Draft) (Verdict, error)
	ReflectFunc    func(ctx context.Context, in Incident) (string, error)
}

func (f Funcs) Research(ctx context.Context, b Brief) (Findings, error) {
	if f.ResearchFunc != nil {
		return f.ResearchFunc(ctx, b)
	}
	notes := b.Subject()
	if len(b.Tools) > 0 {
		notes += " (tools: " + strings.Join(b.Tools, ", ") + ")"
	}
	return Findings{Notes: notes}, nil
}

func (f Funcs) Synthesize(ctx context.Context, b Brief, fd Findings) (Draft, error) {
	if f.SynthesizeFunc != nil {
		return f.SynthesizeFunc(ctx, b, fd)
	}
	return Draft{Summary: "completed: " + fd.Notes}, nil
}

func (f Funcs) Judge(ctx context.Context, b Brief, d Draft) (Verdict, error) {
	if f.JudgeFunc != nil {
		return f.JudgeFunc(ctx, b, d)
	}
	if d.Invalid != "" {
		return Verdict{Feedback: d.Invalid}, nil
	}
	return Verdict{Accept: true, Confidence: 1}, nil
}

func (f Funcs) Reflect(ctx context.Context, in Incident) (string, error) {
	if f.ReflectFunc != nil {
		return f.ReflectFunc(ctx, in)
	}
	return DefaultReflection(in), nil
}

// DefaultReflection renders a diagnostic without a model.
func DefaultReflection(in Incident) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "boss %s entered reflection", in.BossID)
	if in.TaskID != "" {
		fmt.Fprintf(&sb, " after task %s", in.TaskID)
	}
	if in.Kind != "" {
		fmt.Fprintf(&sb, " failed with %s", in.Kind)
	}
	if in.Message != "" {
		fmt.Fprintf(&sb, ": %s", in.Message)
	}
	fmt.Fprintf(&sb, " (rethinks=%d, restarts=%d)", in.Rethinks, in.Restarts)
	return sb.String()
}
