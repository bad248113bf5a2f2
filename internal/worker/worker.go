// Package worker runs the claim/execute/resolve loop around an external
// converter command. The conversion itself is the converter's business;
// the worker only manages queue state, the subprocess, and the lease that
// keeps other instances off the task while it runs.
package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/cron"
	"github.com/basket/paperq/internal/otel"
	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/shared"
)

type Config struct {
	Queue *queue.Queue

	// Command is the converter argv. Required.
	Command []string

	Concurrency       int
	PollInterval      time.Duration
	HeartbeatInterval time.Duration

	// RecoverSchedule and RescanSchedule are 5-field cron expressions.
	// Empty RescanSchedule disables inventory rescans.
	RecoverSchedule string
	RescanSchedule  string

	Bus     *bus.Bus
	Logger  *slog.Logger
	Tracer  *otel.Provider
	Metrics *otel.Metrics
}

type Status struct {
	Workers     int    `json:"workers"`
	ActiveTasks int32  `json:"active_tasks"`
	LastError   string `json:"last_error,omitempty"`
}

type Worker struct {
	queue  *queue.Queue
	config Config
	logger *slog.Logger

	pollNanos int64
	hbNanos   int64

	once  sync.Once
	wg    sync.WaitGroup
	wake  chan struct{}
	sched *cron.Scheduler

	activeTasks atomic.Int32
	lastError   atomic.Pointer[string]
}

// ErrNoCommand reports a start attempt without a configured converter.
var ErrNoCommand = errors.New("no converter command configured")

func New(cfg Config) (*Worker, error) {
	if cfg.Queue == nil {
		return nil, fmt.Errorf("worker needs a queue")
	}
	if len(cfg.Command) == 0 {
		return nil, ErrNoCommand
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 10 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{
		queue:  cfg.Queue,
		config: cfg,
		logger: cfg.Logger,
		wake:   make(chan struct{}, 1),
	}
	w.pollNanos = int64(cfg.PollInterval)
	w.hbNanos = int64(cfg.HeartbeatInterval)
	return w, nil
}

// SetIntervals applies a config reload. Running waits and in-flight
// heartbeat loops keep their old values; the next task picks up the new
// ones.
func (w *Worker) SetIntervals(poll, heartbeat time.Duration) {
	if poll > 0 {
		atomic.StoreInt64(&w.pollNanos, int64(poll))
	}
	if heartbeat > 0 {
		atomic.StoreInt64(&w.hbNanos, int64(heartbeat))
	}
	w.logger.Info("worker intervals updated", "poll", poll, "heartbeat", heartbeat)
}

func (w *Worker) pollInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&w.pollNanos))
}

func (w *Worker) heartbeatInterval() time.Duration {
	return time.Duration(atomic.LoadInt64(&w.hbNanos))
}

// Start launches the worker goroutines, the pending-dir watcher, and the
// maintenance scheduler. Safe to call once; later calls are no-ops.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		if stats, err := w.queue.Recover(ctx); err != nil {
			w.setLastError(fmt.Errorf("startup recovery: %w", err))
		} else if stats.Recovered > 0 || stats.Completed > 0 {
			w.recordRecoveries(ctx, stats.Recovered)
			w.logger.Info("startup recovery",
				"recovered", stats.Recovered, "completed", stats.Completed)
		}

		w.startScheduler(ctx)
		w.startPendingWatcher(ctx)
		w.startBusWake(ctx)

		for i := 0; i < w.config.Concurrency; i++ {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.run(ctx)
			}()
		}
		w.logger.Info("worker started",
			"concurrency", w.config.Concurrency,
			"poll", w.pollInterval(),
			"heartbeat", w.heartbeatInterval())
	})
}

func (w *Worker) startScheduler(ctx context.Context) {
	jobs := []cron.Job{}
	if w.config.RecoverSchedule != "" {
		jobs = append(jobs, cron.Job{
			Name: "recover",
			Expr: w.config.RecoverSchedule,
			Run: func(ctx context.Context) {
				stats, err := w.queue.Sweep(ctx)
				if err != nil {
					w.setLastError(fmt.Errorf("scheduled recovery: %w", err))
					return
				}
				w.recordRecoveries(ctx, stats.Recovered)
			},
		})
	}
	if w.config.RescanSchedule != "" {
		jobs = append(jobs, cron.Job{
			Name: "rescan",
			Expr: w.config.RescanSchedule,
			Run: func(ctx context.Context) {
				if _, err := w.queue.Init(ctx); err != nil {
					w.setLastError(fmt.Errorf("scheduled rescan: %w", err))
				}
			},
		})
	}
	if len(jobs) == 0 {
		return
	}
	sched, err := cron.NewScheduler(cron.Config{Jobs: jobs, Logger: w.logger})
	if err != nil {
		w.setLastError(err)
		w.logger.Warn("maintenance scheduler disabled", "error", err)
		return
	}
	w.sched = sched
	sched.Start(ctx)
}

// startBusWake nudges idle workers when a task returns to pending through
// an in-process release or recovery sweep, without waiting for the poll
// interval or the directory watcher.
func (w *Worker) startBusWake(ctx context.Context) {
	if w.config.Bus == nil {
		return
	}
	released := w.config.Bus.Subscribe(bus.TopicTaskReleased)
	recovered := w.config.Bus.Subscribe(bus.TopicTaskRecovered)
	go func() {
		defer w.config.Bus.Unsubscribe(released)
		defer w.config.Bus.Unsubscribe(recovered)
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-released.Ch():
				if !ok {
					return
				}
				w.Wake()
			case _, ok := <-recovered.Ch():
				if !ok {
					return
				}
				w.Wake()
			}
		}
	}()
}

// Wait blocks until every worker goroutine has exited.
func (w *Worker) Wait() {
	w.wg.Wait()
	if w.sched != nil {
		w.sched.Stop()
	}
}

// Drain waits up to timeout for in-flight tasks to finish. Past the
// timeout, running converters are killed by context cancellation and their
// tasks released, so nothing stays claimed by a gone process.
func (w *Worker) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.logger.Info("worker drained cleanly")
	case <-time.After(timeout):
		w.logger.Warn("worker drain timeout", "timeout", timeout,
			"active_tasks", w.activeTasks.Load())
		<-done
	}
	if w.sched != nil {
		w.sched.Stop()
	}
}

// RunOnce claims and processes at most one task. Returns false when the
// queue had nothing pending.
func (w *Worker) RunOnce(ctx context.Context) (bool, error) {
	tasks, err := w.claimOne(ctx)
	if err != nil {
		return false, err
	}
	if len(tasks) == 0 {
		return false, nil
	}
	w.handleTask(ctx, tasks[0])
	return true, nil
}

// claimOne claims a single task, timing the attempt. Empty claims count:
// the histogram then shows what a pending-dir scan costs at this queue size.
func (w *Worker) claimOne(ctx context.Context) ([]queue.Task, error) {
	start := time.Now()
	tasks, err := w.queue.Claim(ctx, 1)
	if w.config.Metrics != nil {
		w.config.Metrics.ClaimDuration.Record(ctx, time.Since(start).Seconds())
	}
	return tasks, err
}

// run is one worker goroutine's loop. Idle waits end on the poll
// interval or a pending-dir event, whichever is first.
func (w *Worker) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		tasks, err := w.claimOne(ctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			w.setLastError(err)
		}
		if err != nil || len(tasks) == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval()):
			case <-w.wake:
			}
			continue
		}
		w.handleTask(ctx, tasks[0])
	}
}

// handleTask drives one claimed task to a terminal state. Resolution uses
// context.Background(): a canceled worker must still release or fail the
// task it holds.
func (w *Worker) handleTask(ctx context.Context, task queue.Task) {
	traceID := shared.NewTraceID()
	ctx = shared.WithTraceID(ctx, traceID)
	logger := w.logger.With("task", task.Name, "trace_id", traceID)

	w.activeTasks.Add(1)
	defer w.activeTasks.Add(-1)
	if w.config.Metrics != nil {
		w.config.Metrics.Claims.Add(ctx, 1)
		w.config.Metrics.ActiveWorkers.Add(ctx, 1)
		defer w.config.Metrics.ActiveWorkers.Add(ctx, -1)
	}

	taskCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	if w.config.Tracer != nil {
		var span trace.Span
		taskCtx, span = otel.StartTaskSpan(taskCtx, w.config.Tracer.Tracer, task.Name, task.Rec.ClaimedBy)
		defer span.End()
	}

	start := time.Now()
	logger.Info("task started", "pdf", task.Rec.PDF)

	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeatLoop(taskCtx, task.Name, cancel, logger)
	}()

	res := w.runConverter(taskCtx, task)
	cancel()
	<-hbDone

	elapsed := time.Since(start)
	if w.config.Metrics != nil {
		w.config.Metrics.TaskDuration.Record(ctx, elapsed.Seconds())
	}

	switch {
	case res.canceled:
		if err := w.queue.Release(context.Background(), task.Name, false); err != nil {
			logger.Warn("release after cancel failed", "error", err)
		} else {
			logger.Info("task released on shutdown", "elapsed", elapsed)
		}
	case res.err == nil:
		if err := w.queue.Complete(context.Background(), task.Name, false); err != nil {
			w.setLastError(err)
			logger.Warn("complete failed", "error", err)
			return
		}
		if w.config.Metrics != nil {
			w.config.Metrics.Completions.Add(ctx, 1)
		}
		logger.Info("task completed", "elapsed", elapsed)
	default:
		if err := w.queue.Fail(context.Background(), task.Name, res.failureMessage(), false); err != nil {
			w.setLastError(err)
			logger.Warn("fail failed", "error", err)
			return
		}
		if w.config.Metrics != nil {
			w.config.Metrics.Failures.Add(ctx, 1)
		}
		logger.Warn("task failed", "error", res.failureMessage(), "elapsed", elapsed)
	}
}

// heartbeatLoop extends the lease while the converter runs. Losing
// ownership cancels the task context: the converter's work now belongs to
// someone else, so running on would double-write the output.
func (w *Worker) heartbeatLoop(ctx context.Context, name string, cancel context.CancelFunc, logger *slog.Logger) {
	interval := w.heartbeatInterval()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := w.queue.Heartbeat(context.Background(), name); err != nil {
				if errors.Is(err, queue.ErrNotOwner) ||
					errors.Is(err, queue.ErrNotFound) ||
					errors.Is(err, queue.ErrWrongState) {
					logger.Warn("lost task ownership, canceling converter", "error", err)
					cancel()
					return
				}
				w.setLastError(fmt.Errorf("lease heartbeat: %w", err))
			}
		}
	}
}

// Wake nudges idle workers to claim immediately.
func (w *Worker) Wake() {
	select {
	case w.wake <- struct{}{}:
	default:
	}
}

// recordRecoveries adds swept-back tasks to the recovery counter.
func (w *Worker) recordRecoveries(ctx context.Context, n int) {
	if w.config.Metrics == nil || n == 0 {
		return
	}
	w.config.Metrics.Recoveries.Add(ctx, int64(n))
}

func (w *Worker) setLastError(err error) {
	if err == nil {
		return
	}
	msg := err.Error()
	w.lastError.Store(&msg)
}

func (w *Worker) Status() Status {
	status := Status{
		Workers:     w.config.Concurrency,
		ActiveTasks: w.activeTasks.Load(),
	}
	if ptr := w.lastError.Load(); ptr != nil {
		status.LastError = *ptr
	}
	return status
}
