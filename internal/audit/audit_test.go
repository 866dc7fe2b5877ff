package audit

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-boss/internal/persistence"
	"github.com/basket/go-boss/internal/shared"
)

func readEntries(t *testing.T, home string) []map[string]any {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", "audit.jsonl"))
	if err != nil {
		t.Fatalf("read audit file: %v", err)
	}
	var out []map[string]any
	for i, line := range strings.Split(strings.TrimSpace(string(raw)), "\n") {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("line %d is not valid JSON: %v", i, err)
		}
		out = append(out, e)
	}
	return out
}

func TestRecordWritesAuditEntry(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	ctx := shared.WithTraceID(context.Background(), "trace-1")
	Record(ctx, "telegram:42", "human.respond", "task t1", OutcomeOK, "")
	Record(ctx, "gateway", "task.cancel", "task t2", OutcomeDenied, "Bearer sk-secretsecretsecret")

	entries := readEntries(t, home)
	if len(entries) != 2 {
		t.Fatalf("entries = %d", len(entries))
	}
	first := entries[0]
	if first["action"] != "human.respond" || first["actor"] != "telegram:42" || first["outcome"] != OutcomeOK || first["trace_id"] != "trace-1" {
		t.Fatalf("first = %#v", first)
	}
	if reason, _ := entries[1]["reason"].(string); strings.Contains(reason, "sk-secretsecretsecret") {
		t.Fatalf("reason not redacted: %q", reason)
	}
	if DeniedCount() < 1 {
		t.Fatalf("denied count = %d", DeniedCount())
	}
}

func TestAuditAppendOnly(t *testing.T) {
	home := t.TempDir()
	if err := Init(home); err != nil {
		t.Fatalf("init audit: %v", err)
	}
	t.Cleanup(func() { _ = Close() })

	Record(context.Background(), "cli", "boss.stop", "root", OutcomeOK, "")
	path := filepath.Join(home, "logs", "audit.jsonl")
	info1, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	Record(context.Background(), "cli", "boss.stop", "root", OutcomeOK, "")
	info2, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	if info2.Size() <= info1.Size() {
		t.Fatalf("expected file to grow, before=%d after=%d", info1.Size(), info2.Size())
	}
	for i, e := range readEntries(t, home) {
		if _, ok := e["timestamp"]; !ok {
			t.Fatalf("line %d missing timestamp", i)
		}
	}
}

func TestRecordWritesAuditTable(t *testing.T) {
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goboss.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer store.Close()
	SetDB(store.DB())
	t.Cleanup(func() { _ = Close() })

	outcome, reason := Outcome(errors.New("task not found: t9"))
	Record(context.Background(), "gateway", "task.cancel", "t9", outcome, reason)

	var action, gotOutcome, gotReason string
	if err := store.DB().QueryRow(`SELECT action, outcome, reason FROM audit_log;`).Scan(&action, &gotOutcome, &gotReason); err != nil {
		t.Fatal(err)
	}
	if action != "task.cancel" || gotOutcome != OutcomeError || gotReason != "task not found: t9" {
		t.Fatalf("row = %s %s %s", action, gotOutcome, gotReason)
	}
}

func TestOutcome(t *testing.T) {
	if o, r := Outcome(nil); o != OutcomeOK || r != "" {
		t.Fatalf("Outcome(nil) = %s %q", o, r)
	}
}
