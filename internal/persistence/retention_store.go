package persistence

import (
	"context"
	"fmt"
	"time"
)

// RetentionResult holds counts of purged records from a retention run.
type RetentionResult struct {
	PurgedTaskEvents  int64 `json:"purged_task_events"`
	PurgedTransitions int64 `json:"purged_transitions"`
	PurgedAuditLogs   int64 `json:"purged_audit_logs"`
}

// RunRetention deletes journal rows older than the retention windows. Task
// snapshots are kept; their events and the boss transitions share the
// task-event window. A window of 0 keeps rows forever. The job is idempotent.
func (s *Store) RunRetention(ctx context.Context, taskEventDays, auditLogDays int) (RetentionResult, error) {
	var result RetentionResult

	if taskEventDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -taskEventDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge task_events: %w", err)
		}
		result.PurgedTaskEvents, _ = res.RowsAffected()

		res, err = s.db.ExecContext(ctx, `DELETE FROM boss_transitions WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge boss_transitions: %w", err)
		}
		result.PurgedTransitions, _ = res.RowsAffected()
	}

	if auditLogDays > 0 {
		cutoff := time.Now().UTC().AddDate(0, 0, -auditLogDays)
		res, err := s.db.ExecContext(ctx, `DELETE FROM audit_log WHERE created_at < ?;`, cutoff)
		if err != nil {
			return result, fmt.Errorf("purge audit_log: %w", err)
		}
		result.PurgedAuditLogs, _ = res.RowsAffected()
	}

	return result, nil
}
