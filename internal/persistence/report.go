package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/basket/go-boss/internal/task"
)

// BossSummary is the journalled view of one boss: its last known state and
// task counts by status.
type BossSummary struct {
	BossID      string              `json:"boss_id"`
	State       string              `json:"state"`
	Rethinks    int                 `json:"rethinks"`
	LastEventAt time.Time           `json:"last_event_at"`
	Counts      map[task.Status]int `json:"counts"`
}

// JournalReport summarizes everything the journal knows, for reporting when
// no daemon is running.
type JournalReport struct {
	Bosses      []BossSummary `json:"bosses"`
	Tasks       []task.Task   `json:"tasks"`
	GeneratedAt time.Time     `json:"generated_at"`
}

// Report builds a JournalReport. Bosses that only own tasks and never
// recorded a transition are listed with an empty state.
func (s *Store) Report(ctx context.Context) (JournalReport, error) {
	out := JournalReport{GeneratedAt: time.Now().UTC()}
	byID := map[string]*BossSummary{}
	var order []string
	get := func(id string) *BossSummary {
		if b, ok := byID[id]; ok {
			return b
		}
		b := &BossSummary{BossID: id, Counts: map[task.Status]int{}}
		byID[id] = b
		order = append(order, id)
		return b
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT boss_id, state_to, rethinks, created_at FROM boss_transitions
		WHERE id IN (SELECT MAX(id) FROM boss_transitions GROUP BY boss_id)
		ORDER BY boss_id ASC;
	`)
	if err != nil {
		return out, fmt.Errorf("latest boss states: %w", err)
	}
	for rows.Next() {
		var id, state string
		var rethinks int
		var at time.Time
		if err := rows.Scan(&id, &state, &rethinks, &at); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan boss state: %w", err)
		}
		b := get(id)
		b.State, b.Rethinks, b.LastEventAt = state, rethinks, at
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return out, err
	}
	rows.Close()

	rows, err = s.db.QueryContext(ctx, `
		SELECT boss_id, status, COUNT(*) FROM tasks GROUP BY boss_id, status ORDER BY boss_id ASC;
	`)
	if err != nil {
		return out, fmt.Errorf("task counts: %w", err)
	}
	for rows.Next() {
		var id, status string
		var n int
		if err := rows.Scan(&id, &status, &n); err != nil {
			rows.Close()
			return out, fmt.Errorf("scan task count: %w", err)
		}
		get(id).Counts[task.Status(status)] = n
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return out, err
	}
	rows.Close()

	for _, id := range order {
		out.Bosses = append(out.Bosses, *byID[id])
	}
	out.Tasks, err = s.ListTasks(ctx, TaskFilter{})
	if err != nil {
		return out, err
	}
	return out, nil
}

func (r JournalReport) String() string {
	var sb strings.Builder
	if len(r.Bosses) == 0 {
		sb.WriteString("journal is empty\n")
		return sb.String()
	}
	for _, b := range r.Bosses {
		state := b.State
		if state == "" {
			state = "unknown"
		}
		fmt.Fprintf(&sb, "Boss %s: %s  rethinks %d", b.BossID, state, b.Rethinks)
		for _, st := range task.AllStatuses() {
			if n := b.Counts[st]; n > 0 {
				fmt.Fprintf(&sb, "  %s=%d", strings.ToLower(string(st)), n)
			}
		}
		sb.WriteByte('\n')
		for _, t := range r.Tasks {
			if t.BossID == b.BossID {
				fmt.Fprintf(&sb, "  %s [%s] %s\n", t.ID, t.Assignee, t.Summary())
			}
		}
	}
	return sb.String()
}
