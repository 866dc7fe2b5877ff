package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schedule is a cron-triggered task template. Run timestamps survive daemon
// restarts so a schedule is not fired twice for the same slot.
type Schedule struct {
	ID           string        `json:"id"`
	Name         string        `json:"name"`
	CronExpr     string        `json:"cron_expr"`
	BossID       string        `json:"boss_id"`
	Assignee     string        `json:"assignee"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	HumanTimeout time.Duration `json:"human_timeout"`
	Enabled      bool          `json:"enabled"`
	NextRunAt    *time.Time    `json:"next_run_at,omitempty"`
	LastRunAt    *time.Time    `json:"last_run_at,omitempty"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

const scheduleColumns = `id, name, cron_expr, boss_id, assignee, title, description, human_timeout_ms,
	enabled, next_run_at, last_run_at, created_at, updated_at`

// UpsertSchedule inserts sched or updates its template. The stored next run
// is kept unless the cron expression changed or none is stored yet.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	now := time.Now().UTC()
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (`+scheduleColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, NULL, ?, ?)
			ON CONFLICT(id) DO UPDATE SET
				name = excluded.name,
				boss_id = excluded.boss_id,
				assignee = excluded.assignee,
				title = excluded.title,
				description = excluded.description,
				human_timeout_ms = excluded.human_timeout_ms,
				enabled = excluded.enabled,
				next_run_at = CASE
					WHEN schedules.cron_expr != excluded.cron_expr OR schedules.next_run_at IS NULL
					THEN excluded.next_run_at ELSE schedules.next_run_at END,
				cron_expr = excluded.cron_expr,
				updated_at = excluded.updated_at;
		`, sched.ID, sched.Name, sched.CronExpr, sched.BossID, sched.Assignee, sched.Title, sched.Description,
			sched.HumanTimeout.Milliseconds(), boolToInt(sched.Enabled), utcPtr(sched.NextRunAt), now, now)
		if err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		return nil
	})
}

// DeleteSchedule removes a schedule by ID.
func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE id = ?;`, id)
	if err != nil {
		return fmt.Errorf("delete schedule: %w", err)
	}
	rows, _ := res.RowsAffected()
	if rows == 0 {
		return fmt.Errorf("schedule not found: %s", id)
	}
	return nil
}

// ListSchedules returns all schedules ordered by name.
func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
}

// DueSchedules returns enabled schedules with next_run_at <= now.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]Schedule, error) {
	return s.querySchedules(ctx, `
		SELECT `+scheduleColumns+` FROM schedules
		WHERE enabled = 1 AND next_run_at IS NOT NULL AND next_run_at <= ?
		ORDER BY next_run_at ASC;
	`, now.UTC())
}

// UpdateScheduleRun records a firing and the next slot.
func (s *Store) UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	return retryOnBusy(ctx, busyRetries, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET last_run_at = ?, next_run_at = ?, updated_at = ? WHERE id = ?;
		`, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
		if err != nil {
			return fmt.Errorf("update schedule run: %w", err)
		}
		return nil
	})
}

func (s *Store) querySchedules(ctx context.Context, q string, args ...any) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query schedules: %w", err)
	}
	defer rows.Close()
	var out []Schedule
	for rows.Next() {
		var sc Schedule
		var enabled int
		var timeoutMS int64
		var nextRun, lastRun sql.NullTime
		if err := rows.Scan(&sc.ID, &sc.Name, &sc.CronExpr, &sc.BossID, &sc.Assignee, &sc.Title, &sc.Description,
			&timeoutMS, &enabled, &nextRun, &lastRun, &sc.CreatedAt, &sc.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		sc.Enabled = enabled != 0
		sc.HumanTimeout = time.Duration(timeoutMS) * time.Millisecond
		if nextRun.Valid {
			t := nextRun.Time
			sc.NextRunAt = &t
		}
		if lastRun.Valid {
			t := lastRun.Time
			sc.LastRunAt = &t
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func utcPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}
