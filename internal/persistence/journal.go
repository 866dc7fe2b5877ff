package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/basket/go-boss/internal/bus"
	"github.com/basket/go-boss/internal/task"
)

// TaskEvent is one journalled status change of a task.
type TaskEvent struct {
	EventID   int64       `json:"event_id"`
	TaskID    string      `json:"task_id"`
	BossID    string      `json:"boss_id"`
	StateFrom task.Status `json:"state_from,omitempty"`
	StateTo   task.Status `json:"state_to"`
	Detail    string      `json:"detail,omitempty"`
	CreatedAt time.Time   `json:"created_at"`
}

// TaskFilter narrows ListTasks. Zero fields match everything.
type TaskFilter struct {
	BossID string
	Status task.Status
	Limit  int
}

// RecordTask upserts the task snapshot and appends a task event when the
// status differs from the journalled one.
func (s *Store) RecordTask(ctx context.Context, t task.Task) error {
	snapshot, err := json.Marshal(t)
	if err != nil {
		return fmt.Errorf("marshal task %s: %w", t.ID, err)
	}
	errorKind := ""
	if t.Error != nil {
		errorKind = string(t.Error.Kind)
	}
	updated := t.UpdatedAt.UTC()
	if updated.IsZero() {
		updated = time.Now().UTC()
	}

	return retryOnBusy(ctx, busyRetries, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var prev string
		err = tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, t.ID).Scan(&prev)
		if err != nil && !errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("read task status: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (id, boss_id, parent_task_id, assignee, title, status, error_kind, snapshot, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				status = excluded.status,
				error_kind = excluded.error_kind,
				snapshot = excluded.snapshot,
				updated_at = excluded.updated_at;
		`, t.ID, t.BossID, t.ParentID, t.Assignee.String(), t.Title, string(t.Status), errorKind,
			string(snapshot), t.CreatedAt.UTC(), updated); err != nil {
			return fmt.Errorf("upsert task: %w", err)
		}

		if prev != string(t.Status) {
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO task_events (task_id, boss_id, state_from, state_to, detail, created_at)
				VALUES (?, ?, ?, ?, ?, ?);
			`, t.ID, t.BossID, prev, string(t.Status), eventDetail(t), updated); err != nil {
				return fmt.Errorf("append task event: %w", err)
			}
		}
		return tx.Commit()
	})
}

func eventDetail(t task.Task) string {
	switch {
	case t.Error != nil:
		return t.Error.Error()
	case len(t.History) > 0:
		return t.History[len(t.History)-1]
	}
	return ""
}

// RecordTransition appends an applied boss state machine event.
func (s *Store) RecordTransition(ctx context.Context, ev bus.BossStateChangedEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO boss_transitions (boss_id, event, state_from, state_to, task_id, rethinks, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, ev.BossID, ev.Event, ev.From, ev.To, ev.TaskID, ev.Rethinks, at.UTC())
		if err != nil {
			return fmt.Errorf("insert boss transition: %w", err)
		}
		return nil
	})
}

// RecordDiagnostic appends a reflection or restart diagnostic.
func (s *Store) RecordDiagnostic(ctx context.Context, ev bus.DiagnosticEvent) error {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO diagnostics (boss_id, cause_task_id, kind, summary, recoverable, created_at)
			VALUES (?, ?, ?, ?, ?, ?);
		`, ev.BossID, ev.CauseTaskID, ev.Kind, ev.Summary, boolToInt(ev.Recoverable), at.UTC())
		if err != nil {
			return fmt.Errorf("insert diagnostic: %w", err)
		}
		return nil
	})
}

// GetTask returns the last journalled snapshot of a task.
func (s *Store) GetTask(ctx context.Context, id string) (task.Task, error) {
	var raw string
	err := s.db.QueryRowContext(ctx, `SELECT snapshot FROM tasks WHERE id = ?;`, id).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return task.Task{}, fmt.Errorf("%w: %s", task.ErrTaskNotFound, id)
	}
	if err != nil {
		return task.Task{}, fmt.Errorf("get task: %w", err)
	}
	var t task.Task
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return task.Task{}, fmt.Errorf("decode task %s: %w", id, err)
	}
	return t, nil
}

// ListTasks returns journalled tasks ordered by creation.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]task.Task, error) {
	q := `SELECT snapshot FROM tasks WHERE 1 = 1`
	var args []any
	if f.BossID != "" {
		q += ` AND boss_id = ?`
		args = append(args, f.BossID)
	}
	if f.Status != "" {
		q += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	q += ` ORDER BY created_at ASC, id ASC`
	if f.Limit > 0 {
		q += ` LIMIT ?`
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()
	var out []task.Task
	for rows.Next() {
		var raw string
		if err := rows.Scan(&raw); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		var t task.Task
		if err := json.Unmarshal([]byte(raw), &t); err != nil {
			return nil, fmt.Errorf("decode task: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// TaskEvents returns the status history of one task, oldest first.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, boss_id, state_from, state_to, detail, created_at
		FROM task_events WHERE task_id = ? ORDER BY event_id ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()
	var out []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var from, to string
		if err := rows.Scan(&ev.EventID, &ev.TaskID, &ev.BossID, &from, &to, &ev.Detail, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		ev.StateFrom = task.Status(from)
		ev.StateTo = task.Status(to)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// Transitions returns the most recent limit transitions of a boss, oldest
// first. limit <= 0 returns all of them.
func (s *Store) Transitions(ctx context.Context, bossID string, limit int) ([]bus.BossStateChangedEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT boss_id, event, state_from, state_to, task_id, rethinks, created_at
		FROM boss_transitions WHERE boss_id = ? ORDER BY id DESC LIMIT ?;
	`, bossID, limit)
	if err != nil {
		return nil, fmt.Errorf("list transitions: %w", err)
	}
	defer rows.Close()
	var out []bus.BossStateChangedEvent
	for rows.Next() {
		var ev bus.BossStateChangedEvent
		if err := rows.Scan(&ev.BossID, &ev.Event, &ev.From, &ev.To, &ev.TaskID, &ev.Rethinks, &ev.At); err != nil {
			return nil, fmt.Errorf("scan transition: %w", err)
		}
		out = append(out, ev)
	}
	slices.Reverse(out)
	return out, rows.Err()
}

// Diagnostics returns the most recent limit diagnostics of a boss, oldest
// first.
func (s *Store) Diagnostics(ctx context.Context, bossID string, limit int) ([]bus.DiagnosticEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT boss_id, cause_task_id, kind, summary, recoverable, created_at
		FROM diagnostics WHERE boss_id = ? ORDER BY id DESC LIMIT ?;
	`, bossID, limit)
	if err != nil {
		return nil, fmt.Errorf("list diagnostics: %w", err)
	}
	defer rows.Close()
	var out []bus.DiagnosticEvent
	for rows.Next() {
		var ev bus.DiagnosticEvent
		var recoverable int
		if err := rows.Scan(&ev.BossID, &ev.CauseTaskID, &ev.Kind, &ev.Summary, &recoverable, &ev.At); err != nil {
			return nil, fmt.Errorf("scan diagnostic: %w", err)
		}
		ev.Recoverable = recoverable != 0
		out = append(out, ev)
	}
	slices.Reverse(out)
	return out, rows.Err()
}
