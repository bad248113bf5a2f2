// Package cron runs the queue's periodic maintenance jobs (recovery
// sweeps, inventory rescans) on standard 5-field cron schedules.
package cron

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"
)

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Job is a named maintenance action with a cron schedule.
type Job struct {
	Name string
	Expr string
	Run  func(context.Context)
}

// Config holds the dependencies for the scheduler.
type Config struct {
	Jobs     []Job
	Logger   *slog.Logger
	Interval time.Duration // tick interval; defaults to 1 minute if zero
	Now      func() time.Time
}

type job struct {
	Job
	next time.Time
}

// Scheduler fires each job whenever its schedule comes due, checking at
// the tick interval. Minute precision: ticks finer than a minute only
// tighten firing latency, never fire a job twice in its minute.
type Scheduler struct {
	jobs     []*job
	logger   *slog.Logger
	interval time.Duration
	now      func() time.Time

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler validates every job's expression and returns a Scheduler.
func NewScheduler(cfg Config) (*Scheduler, error) {
	interval := cfg.Interval
	if interval <= 0 {
		interval = 1 * time.Minute
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	s := &Scheduler{
		logger:   logger,
		interval: interval,
		now:      now,
	}
	for _, j := range cfg.Jobs {
		if j.Run == nil {
			return nil, fmt.Errorf("cron job %s has no action", j.Name)
		}
		if _, err := cronParser.Parse(j.Expr); err != nil {
			return nil, fmt.Errorf("cron job %s: parse %q: %w", j.Name, j.Expr, err)
		}
		s.jobs = append(s.jobs, &job{Job: j})
	}
	return s, nil
}

// Start begins the scheduler loop. It runs in a background goroutine
// and respects the provided context for shutdown.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	start := s.now()
	for _, j := range s.jobs {
		j.next, _ = NextRunTime(j.Expr, start)
	}
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("cron scheduler started", "jobs", len(s.jobs), "interval", s.interval)
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

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

// tick fires every job whose schedule has come due.
func (s *Scheduler) tick(ctx context.Context) {
	now := s.now()
	for _, j := range s.jobs {
		if j.next.IsZero() || now.Before(j.next) {
			continue
		}
		s.logger.Debug("cron: job fired", "job", j.Name, "scheduled_for", j.next)
		j.Run(ctx)

		next, err := NextRunTime(j.Expr, now)
		if err != nil {
			// Cannot happen: the expression parsed at construction.
			s.logger.Error("cron: failed to compute next run time",
				"job", j.Name,
				"cron_expr", j.Expr,
				"error", err,
			)
			j.next = time.Time{}
			continue
		}
		j.next = next
	}
}

// NextRunTime parses the cron expression and returns the next run time after the given time.
func NextRunTime(cronExpr string, after time.Time) (time.Time, error) {
	sched, err := cronParser.Parse(cronExpr)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}
