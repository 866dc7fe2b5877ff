package cron_test

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/basket/go-boss/internal/config"
	"github.com/basket/go-boss/internal/cron"
	"github.com/basket/go-boss/internal/persistence"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func openTestStore(t *testing.T) *persistence.Store {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "goboss.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

type recorder struct {
	mu    sync.Mutex
	fired []persistence.Schedule
	err   error
}

func (r *recorder) submit(_ context.Context, sched persistence.Schedule, _ time.Time) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fired = append(r.fired, sched)
	if r.err != nil {
		return "", r.err
	}
	return "task-" + sched.ID, nil
}

func (r *recorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fired)
}

func insertDue(t *testing.T, store *persistence.Store, id, expr string, enabled bool, next time.Time) {
	t.Helper()
	err := store.UpsertSchedule(context.Background(), persistence.Schedule{
		ID: id, Name: id, CronExpr: expr, BossID: "root", Description: "report " + id,
		Enabled: enabled, NextRunAt: &next,
	})
	if err != nil {
		t.Fatalf("insert schedule: %v", err)
	}
}

func TestScheduler_FiresOnTime(t *testing.T) {
	store := openTestStore(t)
	insertDue(t, store, "due", "*/5 * * * *", true, time.Now().Add(-5*time.Minute))

	rec := &recorder{}
	sched := cron.NewScheduler(cron.Config{Store: store, Submit: rec.submit, Interval: 50 * time.Millisecond})
	sched.Start(context.Background())
	defer sched.Stop()

	waitFor(t, 2*time.Second, func() bool { return rec.count() >= 1 })

	all, err := store.ListSchedules(context.Background())
	if err != nil || len(all) != 1 {
		t.Fatalf("schedules = %+v, %v", all, err)
	}
	if all[0].LastRunAt == nil || all[0].NextRunAt == nil || !all[0].NextRunAt.After(time.Now()) {
		t.Fatalf("run times not advanced: %+v", all[0])
	}
	if rec.fired[0].Description != "report due" || rec.fired[0].BossID != "root" {
		t.Fatalf("submitted = %+v", rec.fired[0])
	}
}

func TestScheduler_TickSkipsDisabledAndFuture(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)
	insertDue(t, store, "a-due", "0 * * * *", true, now.Add(-time.Minute))
	insertDue(t, store, "b-disabled", "0 * * * *", false, now.Add(-time.Minute))
	insertDue(t, store, "c-future", "0 * * * *", true, now.Add(time.Hour))

	rec := &recorder{}
	s := cron.NewScheduler(cron.Config{Store: store, Submit: rec.submit, Clock: func() time.Time { return now }})
	if n := s.Tick(context.Background()); n != 1 {
		t.Fatalf("fired %d, want 1", n)
	}
	if rec.fired[0].ID != "a-due" {
		t.Fatalf("fired %s", rec.fired[0].ID)
	}
	// The slot moved to the next hour; a second tick at the same instant is a no-op.
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("second tick fired %d", n)
	}
}

func TestScheduler_SubmitErrorStillAdvances(t *testing.T) {
	store := openTestStore(t)
	now := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	insertDue(t, store, "rejected", "0 * * * *", true, now.Add(-time.Minute))

	rec := &recorder{err: errors.New("boss stopped")}
	s := cron.NewScheduler(cron.Config{Store: store, Submit: rec.submit, Clock: func() time.Time { return now }})
	if n := s.Tick(context.Background()); n != 0 {
		t.Fatalf("fired %d, want 0", n)
	}
	if rec.count() != 1 {
		t.Fatalf("submit called %d times", rec.count())
	}
	due, _ := store.DueSchedules(context.Background(), now)
	if len(due) != 0 {
		t.Fatalf("failed schedule still due: %+v", due)
	}
}

func TestNextRunTime(t *testing.T) {
	base := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	tests := []struct {
		expr    string
		want    time.Time
		wantErr bool
	}{
		{"0 * * * *", time.Date(2026, 4, 1, 10, 0, 0, 0, time.UTC), false},
		{"*/15 * * * *", time.Date(2026, 4, 1, 9, 45, 0, 0, time.UTC), false},
		{"@daily", time.Date(2026, 4, 2, 0, 0, 0, 0, time.UTC), false},
		{"not a cron", time.Time{}, true},
	}
	for _, tc := range tests {
		got, err := cron.NextRunTime(tc.expr, base)
		if (err != nil) != tc.wantErr {
			t.Errorf("%q: err = %v", tc.expr, err)
			continue
		}
		if !tc.wantErr && !got.Equal(tc.want) {
			t.Errorf("%q: next = %v, want %v", tc.expr, got, tc.want)
		}
	}
}

func TestSync(t *testing.T) {
	store := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 4, 1, 9, 30, 0, 0, time.UTC)
	off := false
	schedules := []config.ScheduleConfig{
		{Name: "standup", Spec: "0 9 * * 1-5", Boss: "root", Assignee: "human:ann", Description: "collect standup", HumanTimeout: time.Hour},
		{Spec: "@hourly", Description: "unnamed"},
		{Name: "paused", Spec: "0 0 * * *", Enabled: &off},
	}
	if err := cron.Sync(ctx, store, schedules, now); err != nil {
		t.Fatal(err)
	}
	all, err := store.ListSchedules(ctx)
	if err != nil || len(all) != 3 {
		t.Fatalf("schedules = %+v, %v", all, err)
	}
	byID := map[string]persistence.Schedule{}
	for _, s := range all {
		byID[s.ID] = s
	}
	if s := byID["standup"]; s.Assignee != "human:ann" || s.HumanTimeout != time.Hour || !s.Enabled ||
		!s.NextRunAt.Equal(time.Date(2026, 4, 2, 9, 0, 0, 0, time.UTC)) {
		t.Fatalf("standup = %+v", s)
	}
	if _, ok := byID["schedule-1"]; !ok {
		t.Fatalf("unnamed schedule missing: %v", byID)
	}
	if byID["paused"].Enabled {
		t.Fatal("paused schedule enabled")
	}

	if err := cron.Sync(ctx, store, schedules[:1], now); err != nil {
		t.Fatal(err)
	}
	if all, _ := store.ListSchedules(ctx); len(all) != 1 || all[0].ID != "standup" {
		t.Fatalf("after removal schedules = %+v", all)
	}

	if err := cron.Sync(ctx, store, []config.ScheduleConfig{{Name: "bad", Spec: "61 * * * *"}}, now); err == nil {
		t.Fatal("invalid spec accepted")
	}
}
