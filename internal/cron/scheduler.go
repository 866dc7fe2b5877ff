// Package cron submits recurring tasks. Schedules come from config, are kept
// in the persistence store so run times survive restarts, and fire by
// submitting a task to the configured boss.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-boss/internal/config"
	"github.com/basket/go-boss/internal/persistence"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom,
// month, dow) plus descriptors such as @hourly.
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow | cronlib.Descriptor,
)

// SubmitFunc submits the task a schedule describes and returns its id.
type SubmitFunc func(ctx context.Context, sched persistence.Schedule, firedAt time.Time) (string, error)

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store    *persistence.Store
	Submit   SubmitFunc
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Clock    func() time.Time
}

// Scheduler periodically queries the store for due schedules and submits a
// task for each one.
type Scheduler struct {
	store    *persistence.Store
	submit   SubmitFunc
	logger   *slog.Logger
	interval time.Duration
	clock    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) *Scheduler {
	interval := cfg.Interval
	if interval <= 0 {
		interval = time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		submit:   cfg.Submit,
		logger:   logger.With("component", "cron"),
		interval: interval,
		clock:    clock,
	}
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	// Fire immediately on startup, then on each tick.
	s.Tick(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Tick(ctx)
		}
	}
}

// Tick fires every due schedule once and returns how many were submitted.
func (s *Scheduler) Tick(ctx context.Context) int {
	now := s.clock()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("failed to query due schedules", "error", err)
		return 0
	}
	fired := 0
	for _, sched := range due {
		if s.fire(ctx, sched, now) {
			fired++
		}
	}
	return fired
}

// fire submits the task for sched and advances its run timestamps. The slot
// advances even when submission fails so a rejecting boss is not retried
// every tick.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) bool {
	logger := s.logger.With("schedule_id", sched.ID, "schedule_name", sched.Name)

	taskID, submitErr := s.submit(ctx, sched, now)
	if submitErr != nil {
		logger.Error("schedule submission failed", "error", submitErr)
	}

	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		logger.Error("failed to compute next run time", "cron_expr", sched.CronExpr, "error", err)
		return false
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		logger.Error("failed to update schedule run", "error", err)
		return false
	}
	if submitErr != nil {
		return false
	}
	logger.Info("schedule fired", "task_id", taskID, "next_run_at", nextRun)
	return true
}

// NextRunTime parses the cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

// Sync upserts the configured schedules into the store and deletes stored
// schedules no longer configured. Entries are keyed by name (or position
// when unnamed); inactive ones are stored disabled.
func Sync(ctx context.Context, store *persistence.Store, schedules []config.ScheduleConfig, now time.Time) error {
	var errs []error
	configured := make(map[string]bool, len(schedules))
	for i, sc := range schedules {
		id := sc.Name
		if id == "" {
			id = fmt.Sprintf("schedule-%d", i)
		}
		configured[id] = true
		next, err := NextRunTime(sc.Spec, now)
		if err != nil {
			errs = append(errs, fmt.Errorf("schedule %s: %w", id, err))
			continue
		}
		rec := persistence.Schedule{
			ID:           id,
			Name:         id,
			CronExpr:     strings.TrimSpace(sc.Spec),
			BossID:       sc.Boss,
			Assignee:     sc.Assignee,
			Title:        sc.Title,
			Description:  sc.Description,
			HumanTimeout: sc.HumanTimeout,
			Enabled:      sc.Active(),
			NextRunAt:    &next,
		}
		if err := store.UpsertSchedule(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}

	stored, err := store.ListSchedules(ctx)
	if err != nil {
		return errors.Join(append(errs, err)...)
	}
	for _, s := range stored {
		if configured[s.ID] {
			continue
		}
		if err := store.DeleteSchedule(ctx, s.ID); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
