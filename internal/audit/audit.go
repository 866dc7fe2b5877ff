// Package audit records operator actions against the boss tree: human
// responses, cancellations, stops and submissions from external surfaces.
// Entries go to an append-only JSONL file and, when configured, the
// audit_log table.
package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/go-boss/internal/shared"
)

// Outcomes.
const (
	OutcomeOK     = "ok"
	OutcomeError  = "error"
	OutcomeDenied = "denied"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	TraceID   string `json:"trace_id,omitempty"`
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	Subject   string `json:"subject,omitempty"`
	Outcome   string `json:"outcome"`
	Reason    string `json:"reason,omitempty"`
}

var (
	mu          sync.Mutex
	file        *os.File
	db          *sql.DB
	deniedCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

// SetDB configures the database for audit_log table writes.
func SetDB(d *sql.DB) {
	mu.Lock()
	defer mu.Unlock()
	db = d
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	db = nil
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// DeniedCount returns the number of denied actions since startup.
func DeniedCount() int64 {
	return deniedCount.Load()
}

// Record writes one audit entry. Reason and subject are redacted first.
func Record(ctx context.Context, actor, action, subject, outcome, reason string) {
	if outcome == OutcomeDenied {
		deniedCount.Add(1)
	}
	reason = shared.Redact(reason)
	subject = shared.Redact(subject)
	traceID := shared.TraceID(ctx)
	now := time.Now().UTC()

	mu.Lock()
	defer mu.Unlock()

	if file != nil {
		b, err := json.Marshal(entry{
			Timestamp: now.Format(time.RFC3339Nano),
			TraceID:   traceID,
			Actor:     actor,
			Action:    action,
			Subject:   subject,
			Outcome:   outcome,
			Reason:    reason,
		})
		if err == nil {
			_, _ = file.Write(append(b, '\n'))
		}
	}

	if db != nil {
		_, _ = db.ExecContext(context.WithoutCancel(ctx), `
			INSERT INTO audit_log (trace_id, actor, action, subject, outcome, reason, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?);
		`, traceID, actor, action, subject, outcome, reason, now)
	}
}

// Outcome maps an operation error to an outcome and reason.
func Outcome(err error) (string, string) {
	if err == nil {
		return OutcomeOK, ""
	}
	return OutcomeError, err.Error()
}
