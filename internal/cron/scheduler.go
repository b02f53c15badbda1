// Package cron fires persisted 5-field schedules by enqueueing tasks with
// origin scheduler through the normal admission path.
//
// The scan advances next_run_at even for disabled schedules, so windows
// that elapse while a schedule is off are skipped rather than replayed when
// it comes back.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/sla"
	"github.com/ironvale/taskforge/internal/store"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// DefaultInterval is the scan cadence.
const DefaultInterval = time.Minute

// Dispatcher is the slice of the dispatch API the scheduler needs: offering
// a freshly fired task for admission.
type Dispatcher interface {
	Offer(ctx context.Context, task *store.Task)
}

// Config holds the dependencies for the cron scheduler.
type Config struct {
	Store      *store.Store
	Dispatcher Dispatcher

	// Schedules declared in configuration, upserted into the schedules
	// table at Start.
	Schedules []store.Schedule

	// Budgets supplies each fired task's sla_ms from its priority.
	Budgets sla.Budgets

	// Interval is the scan cadence. Default one minute.
	Interval time.Duration

	Logger *slog.Logger
}

// Scheduler periodically scans the schedules table and fires due entries.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Budgets == nil {
		cfg.Budgets = sla.DefaultBudgets()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "cron"),
		now:    time.Now,
	}
}

// Start syncs configured schedules into the store and begins the scan loop.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Sync(ctx, s.cfg.Schedules); err != nil {
		return err
	}
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "interval", s.cfg.Interval)
	return nil
}

// Stop cancels the scan loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("cron scheduler stopped")
}

// Sync validates and upserts configured schedules. Run bookkeeping on
// existing rows is preserved; rows absent from the config are left alone.
func (s *Scheduler) Sync(ctx context.Context, schedules []store.Schedule) error {
	for _, sched := range schedules {
		if _, err := cronParser.Parse(sched.CronExpr); err != nil {
			return fmt.Errorf("schedule %q: bad cron expression %q: %w", sched.Name, sched.CronExpr, err)
		}
		if sched.TaskType == "" || sched.Handler == "" {
			return fmt.Errorf("schedule %q: task_type and handler are required", sched.Name)
		}
		if err := s.cfg.Store.UpsertSchedule(ctx, sched); err != nil {
			return fmt.Errorf("sync schedule %q: %w", sched.Name, err)
		}
	}
	return nil
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	// Scan immediately on startup, then on each tick.
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

// Tick runs one scan. Fresh schedules are primed with their first fire time
// without firing, so a boot never replays every schedule at once.
func (s *Scheduler) Tick(ctx context.Context) {
	now := s.now()
	schedules, err := s.cfg.Store.ListSchedules(ctx)
	if err != nil {
		s.logger.Error("list schedules", "error", err)
		return
	}
	for _, sched := range schedules {
		switch {
		case sched.NextRunAt == nil:
			s.advance(ctx, sched, now)
		case now.Before(*sched.NextRunAt):
			// Not due yet.
		case !sched.Enabled:
			s.logger.Debug("schedule skipped while disabled", "schedule", sched.Name)
			s.advance(ctx, sched, now)
		default:
			s.fire(ctx, sched, now)
		}
	}
}

// advance moves next_run_at past now without enqueueing anything.
func (s *Scheduler) advance(ctx context.Context, sched store.Schedule, now time.Time) {
	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("compute next run",
			"schedule", sched.Name, "cron_expr", sched.CronExpr, "error", err)
		return
	}
	if err := s.cfg.Store.SetScheduleNextRun(ctx, sched.Name, next); err != nil {
		s.logger.Error("set next run", "schedule", sched.Name, "error", err)
	}
}

// fire enqueues one task for the schedule and records the run. Missed
// windows collapse into a single fire because the next run is computed from
// now, not from the stale next_run_at.
func (s *Scheduler) fire(ctx context.Context, sched store.Schedule, now time.Time) {
	task, err := s.cfg.Store.EnqueueTask(ctx, store.TaskSpec{
		TaskType:      sched.TaskType,
		Handler:       sched.Handler,
		Origin:        store.OriginScheduler,
		Priority:      sched.Priority,
		Payload:       sched.Payload,
		DataSizeBytes: int64(len(sched.Payload)),
		SizeClass:     string(sizing.Classify(int64(len(sched.Payload)))),
		SLAMS:         s.cfg.Budgets.For(sched.Priority).Milliseconds(),
	})
	if err != nil {
		s.logger.Error("enqueue scheduled task",
			"schedule", sched.Name, "error", err)
		return
	}
	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.Offer(ctx, task)
	}

	next, err := NextRunTime(sched.CronExpr, now)
	if err != nil {
		s.logger.Error("compute next run",
			"schedule", sched.Name, "cron_expr", sched.CronExpr, "error", err)
		return
	}
	if err := s.cfg.Store.MarkScheduleRun(ctx, sched.Name, now, next); err != nil {
		s.logger.Error("mark schedule run", "schedule", sched.Name, "error", err)
		return
	}

	s.logger.Info("schedule fired",
		"schedule", sched.Name,
		"task_id", task.ID,
		"next_run_at", next)
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
