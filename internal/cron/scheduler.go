// Package cron runs the ledger maintenance jobs: the retention sweep and the
// stale-running watchdog. Jobs fire on standard cron expressions.
package cron

import (
	"context"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/crewline/chorus/internal/ledger"
	"github.com/crewline/chorus/internal/roster"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Default job schedules. The watchdog checks every minute; retention is an
// hourly sweep.
const (
	DefaultWatchdogExpr  = "* * * * *"
	DefaultRetentionExpr = "0 * * * *"
)

// Config holds the dependencies and policy for the maintenance scheduler.
type Config struct {
	Store  *ledger.Store
	Roster *roster.Registry // may be nil; watchdog then skips reactivation
	Logger *slog.Logger

	// Interval is how often due jobs are checked. Defaults to 30 seconds.
	Interval time.Duration

	// TaskTimeout is the watchdog cutoff for running tasks. 0 disables the
	// watchdog job entirely.
	TaskTimeout time.Duration

	// Retention windows in days. Both 0 disables the retention job.
	RetainTaskDays  int
	RetainEventDays int

	// Cron expressions for each job; empty uses the defaults above.
	WatchdogExpr  string
	RetentionExpr string
}

type job struct {
	name     string
	schedule cronlib.Schedule
	run      func(ctx context.Context, now time.Time)
	next     time.Time
}

// Scheduler periodically fires whichever maintenance jobs are due.
type Scheduler struct {
	store    *ledger.Store
	roster   *roster.Registry
	logger   *slog.Logger
	interval time.Duration

	mu   sync.Mutex
	jobs []*job

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler builds a Scheduler from cfg. It fails only on an invalid cron
// expression.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		store:    cfg.Store,
		roster:   cfg.Roster,
		logger:   logger,
		interval: interval,
	}

	if cfg.TaskTimeout > 0 {
		expr := cfg.WatchdogExpr
		if expr == "" {
			expr = DefaultWatchdogExpr
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, err
		}
		timeout := cfg.TaskTimeout
		s.jobs = append(s.jobs, &job{
			name:     "watchdog",
			schedule: sched,
			run: func(ctx context.Context, now time.Time) {
				s.reapStale(ctx, timeout)
			},
		})
	}

	if cfg.RetainTaskDays > 0 || cfg.RetainEventDays > 0 {
		expr := cfg.RetentionExpr
		if expr == "" {
			expr = DefaultRetentionExpr
		}
		sched, err := cronParser.Parse(expr)
		if err != nil {
			return nil, err
		}
		taskDays, eventDays := cfg.RetainTaskDays, cfg.RetainEventDays
		s.jobs = append(s.jobs, &job{
			name:     "retention",
			schedule: sched,
			run: func(ctx context.Context, now time.Time) {
				s.sweep(ctx, taskDays, eventDays)
			},
		})
	}

	return s, nil
}

// Start begins the scheduler loop. Every job fires once immediately, then on
// its own cron schedule.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("maintenance scheduler started", "jobs", len(s.jobs), "interval", s.interval)
}

// Stop cancels the scheduler loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("maintenance scheduler stopped")
}

// NextRuns reports each job's next fire time, for status output.
func (s *Scheduler) NextRuns() map[string]time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]time.Time, len(s.jobs))
	for _, j := range s.jobs {
		out[j.name] = j.next
	}
	return out
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

// tick fires every job whose next run time has passed. A job's first tick
// always fires (next is zero until the job has run once).
func (s *Scheduler) tick(ctx context.Context) {
	now := time.Now()

	s.mu.Lock()
	var due []*job
	for _, j := range s.jobs {
		if j.next.After(now) {
			continue
		}
		j.next = j.schedule.Next(now)
		due = append(due, j)
	}
	s.mu.Unlock()

	for _, j := range due {
		j.run(ctx, now)
	}
}

// reapStale completes tasks stuck running past the timeout and puts their
// owners back into dispatch.
func (s *Scheduler) reapStale(ctx context.Context, timeout time.Duration) {
	closed, err := s.store.CompleteStaleRunning(ctx, timeout)
	if err != nil {
		s.logger.Error("watchdog sweep failed", "error", err)
		return
	}
	for _, task := range closed {
		s.logger.Warn("task timed out, closed as failed",
			"task_id", task.ID,
			"agent_id", task.AgentID,
			"timeout", timeout,
		)
		if s.roster != nil {
			s.roster.Reactivate(task.AgentID)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context, taskDays, eventDays int) {
	result, err := s.store.RunRetention(ctx, taskDays, eventDays)
	if err != nil {
		s.logger.Error("retention sweep failed", "error", err)
		return
	}
	if result.PurgedTasks > 0 || result.PurgedTaskEvents > 0 {
		s.logger.Info("retention sweep purged records",
			"tasks", result.PurgedTasks,
			"task_events", result.PurgedTaskEvents,
		)
	}
}

// NextRunTime parses a cron expression and returns the next run time after
// the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
