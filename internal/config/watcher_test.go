package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-boss/internal/config"
)

func TestWatcher_DetectsRosterChange(t *testing.T) {
	homeDir := t.TempDir()
	cfg, err := config.LoadDir(homeDir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}

	rosterPath := filepath.Join(homeDir, "humans.yaml")
	if err := os.WriteFile(rosterPath, []byte("- id: h1\n  name: Ann\n"), 0o644); err != nil {
		t.Fatalf("write roster: %v", err)
	}

	w := config.NewWatcher(cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}

	// Retry the write until the watcher produces an event; notification
	// readiness is platform dependent.
	deadline := time.After(3 * time.Second)
	writeTick := time.NewTicker(50 * time.Millisecond)
	defer writeTick.Stop()
	_ = os.WriteFile(rosterPath, []byte("- id: h1\n  name: Ann B\n"), 0o644)

	for {
		select {
		case ev := <-w.Events():
			if !ev.IsRoster(cfg) {
				t.Fatalf("expected roster event, got %s", ev.Path)
			}
			return
		case <-writeTick.C:
			_ = os.WriteFile(rosterPath, []byte("- id: h1\n  name: Ann B\n"), 0o644)
		case <-deadline:
			t.Fatal("timed out waiting for roster change event")
		}
	}
}
