// Package cron fires recurring analysis requests from stored cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-council/internal/config"
	"github.com/basket/go-council/internal/coordinator"
	"github.com/basket/go-council/internal/persistence"
	"github.com/basket/go-council/internal/router"
	"github.com/basket/go-council/internal/shared"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Store is the schedule table.
type Store interface {
	InsertSchedule(ctx context.Context, sched persistence.Schedule) (string, error)
	ListSchedules(ctx context.Context) ([]persistence.Schedule, error)
	DueSchedules(ctx context.Context, now time.Time) ([]persistence.Schedule, error)
	UpdateScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error
}

// Runner executes one request end to end.
type Runner interface {
	Run(ctx context.Context, req coordinator.Request) (*coordinator.Report, error)
}

type Config struct {
	Store    Store
	Runner   Runner
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

// Scheduler polls for due schedules and starts a run for each one. Runs
// proceed in the background; Stop waits for them.
type Scheduler struct {
	store    Store
	runner   Runner
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

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
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Scheduler{
		store:    cfg.Store,
		runner:   cfg.Runner,
		logger:   logger,
		interval: interval,
		now:      now,
	}
}

// Sync adds every configured schedule whose name is not stored yet.
// Stored schedules are left alone so enable/disable state survives restarts.
func (s *Scheduler) Sync(ctx context.Context, schedules []config.ScheduleConfig) (int, error) {
	existing, err := s.store.ListSchedules(ctx)
	if err != nil {
		return 0, err
	}
	known := make(map[string]bool, len(existing))
	for _, sc := range existing {
		known[sc.Name] = true
	}
	added := 0
	for _, sc := range schedules {
		if known[sc.Name] {
			continue
		}
		if _, err := s.Add(ctx, sc.Name, sc.Cron, sc.Query, sc.Priority); err != nil {
			return added, err
		}
		added++
	}
	return added, nil
}

// Add validates and stores a new enabled schedule.
func (s *Scheduler) Add(ctx context.Context, name, expr, query, priority string) (string, error) {
	if _, err := router.ParsePriority(priority); err != nil {
		return "", fmt.Errorf("schedule %s: %w", name, err)
	}
	next, err := NextRunTime(expr, s.now())
	if err != nil {
		return "", fmt.Errorf("schedule %s: invalid cron expression %q: %w", name, expr, err)
	}
	return s.store.InsertSchedule(ctx, persistence.Schedule{
		Name:      name,
		CronExpr:  expr,
		Query:     query,
		Priority:  priority,
		Enabled:   true,
		NextRunAt: &next,
	})
}

// Start begins the scheduler loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.interval)
}

// Stop cancels the loop and any runs it started, then waits for them.
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

	s.tick(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		s.logger.Error("cron: failed to query due schedules", "error", err)
		return
	}
	for _, sched := range due {
		s.fire(ctx, sched, now)
	}
}

// fire advances the schedule first so a slow run is never started twice.
func (s *Scheduler) fire(ctx context.Context, sched persistence.Schedule, now time.Time) {
	nextRun, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("cron: failed to compute next run time",
			"schedule_id", sched.ID,
			"cron_expr", sched.CronExpr,
			"error", err,
		)
		return
	}
	if err := s.store.UpdateScheduleRun(ctx, sched.ID, now, nextRun); err != nil {
		s.logger.Error("cron: failed to update schedule run", "schedule_id", sched.ID, "error", err)
		return
	}

	pr, err := router.ParsePriority(sched.Priority)
	if err != nil {
		pr = router.PriorityNormal
	}
	req := coordinator.Request{Query: sched.Query, RequestedAt: now, Priority: pr}
	runCtx := shared.WithTraceID(ctx, shared.NewTraceID())
	s.logger.Info("cron: schedule fired",
		"schedule_id", sched.ID,
		"schedule_name", sched.Name,
		"trace_id", shared.TraceID(runCtx),
		"next_run_at", nextRun,
	)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		report, err := s.runner.Run(runCtx, req)
		if err != nil {
			s.logger.Error("cron: scheduled run failed", "schedule_name", sched.Name, "error", err)
			return
		}
		s.logger.Info("cron: scheduled run finished",
			"schedule_name", sched.Name,
			"task_id", report.TaskID,
			"status", report.Status,
			"partial", report.Partial,
		)
	}()
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
