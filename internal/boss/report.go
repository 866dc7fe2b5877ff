package boss

import (
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-boss/internal/task"
)

// Report is the board view of a boss subtree.
type Report struct {
	BossID      string                    `json:"boss_id"`
	Name        string                    `json:"name"`
	ParentID    string                    `json:"parent_id,omitempty"`
	State       State                     `json:"state"`
	Rethinks    int                       `json:"rethinks"`
	MaxRethinks int                       `json:"max_rethinks"`
	Restarts    int                       `json:"restarts"`
	Tasks       []task.Task               `json:"tasks"`
	Awaiting    []task.HumanAwaitingEntry `json:"awaiting_human"`
	Diagnostics []Diagnostic              `json:"diagnostics,omitempty"`
	Children    []Report                  `json:"children,omitempty"`
	TakenAt     time.Time                 `json:"taken_at"`
}

// Report snapshots b and its descendants.
func (b *Boss) Report() Report {
	snap := b.manager.Poll()
	b.mu.RLock()
	r := Report{
		BossID:      b.id,
		Name:        b.name,
		ParentID:    b.parentID,
		State:       b.machine.State(),
		Rethinks:    b.machine.Rethinks(),
		MaxRethinks: b.machine.Limits().MaxRethinks,
		Restarts:    b.machine.Restarts(),
		Diagnostics: append([]Diagnostic(nil), b.diagnostics...),
	}
	b.mu.RUnlock()
	r.Tasks = snap.Tasks
	r.Awaiting = snap.Awaiting
	r.TakenAt = snap.TakenAt
	for _, c := range b.Children() {
		r.Children = append(r.Children, c.Report())
	}
	return r
}

// String renders the board as indented text.
func (r Report) String() string {
	var sb strings.Builder
	r.write(&sb, 0)
	return sb.String()
}

func (r Report) write(sb *strings.Builder, depth int) {
	pad := strings.Repeat("  ", depth)
	fmt.Fprintf(sb, "%sBoss %s (%s): %s  rethinks %d/%d  restarts %d\n",
		pad, r.BossID, r.Name, r.State, r.Rethinks, r.MaxRethinks, r.Restarts)
	if len(r.Tasks) == 0 {
		fmt.Fprintf(sb, "%s  no tasks\n", pad)
	}
	for _, t := range r.Tasks {
		label := t.Title
		if label == "" {
			label = truncate(t.Description, 60)
		}
		fmt.Fprintf(sb, "%s  %s [%s] %s: %s\n", pad, t.ID, t.Assignee, label, t.Summary())
	}
	for _, a := range r.Awaiting {
		fmt.Fprintf(sb, "%s  awaiting %s on %s until %s\n",
			pad, a.Assignee, a.TaskID, a.TimeoutAt.UTC().Format(time.RFC3339))
	}
	for _, d := range r.Diagnostics {
		fmt.Fprintf(sb, "%s  diagnostic %s: %s\n", pad, d.Kind, d.Summary)
	}
	for _, c := range r.Children {
		c.write(sb, depth+1)
	}
}

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
