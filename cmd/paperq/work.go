package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"

	"github.com/basket/paperq/internal/config"
	otelPkg "github.com/basket/paperq/internal/otel"
	"github.com/basket/paperq/internal/worker"
)

// runWorkCommand runs the converter loop until interrupted. --once claims
// and processes at most one task, for cron-driven setups.
func runWorkCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("work", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	once := fs.Bool("once", false, "process at most one task, then exit")
	concurrency := fs.Int("n", 0, "worker goroutines (overrides config)")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(false)
	if err != nil {
		return fail(err)
	}
	defer a.shutdown()

	if len(a.cfg.Worker.Command) == 0 {
		fmt.Fprintln(os.Stderr, "no converter command configured")
		fmt.Fprintf(os.Stderr, "set worker.command in %s, e.g.\n", config.ConfigPath(a.cfg.HomeDir))
		fmt.Fprintln(os.Stderr, "  worker:")
		fmt.Fprintln(os.Stderr, "    command: [\"paper2md\"]")
		return 2
	}

	provider, err := otelPkg.Init(ctx, a.otelConfig())
	if err != nil {
		a.logger.Warn("telemetry disabled, provider init failed", "error", err)
		provider, _ = otelPkg.Init(ctx, otelPkg.Config{})
	}
	defer provider.Shutdown(context.Background())

	metrics, err := otelPkg.NewMetrics(provider.Meter)
	if err != nil {
		a.logger.Warn("metrics unavailable", "error", err)
	}

	q, err := a.openQueue()
	if err != nil {
		return fail(err)
	}

	workers := a.cfg.Worker.Concurrency
	if *concurrency > 0 {
		workers = *concurrency
	}
	w, err := worker.New(worker.Config{
		Queue:             q,
		Command:           a.cfg.Worker.Command,
		Concurrency:       workers,
		PollInterval:      a.cfg.PollInterval(),
		HeartbeatInterval: a.cfg.HeartbeatInterval(),
		RecoverSchedule:   a.cfg.Worker.RecoverSchedule,
		RescanSchedule:    a.cfg.Worker.RescanSchedule,
		Bus:               a.bus,
		Logger:            a.logger,
		Tracer:            provider,
		Metrics:           metrics,
	})
	if err != nil {
		if errors.Is(err, worker.ErrNoCommand) {
			fmt.Fprintln(os.Stderr, "no converter command configured")
			return 2
		}
		return fail(err)
	}

	if *once {
		ran, err := w.RunOnce(ctx)
		if err != nil {
			return fail(err)
		}
		if !ran {
			fmt.Println("NO_TASKS_AVAILABLE")
		}
		return 0
	}

	instance, _ := q.InstanceID()
	a.logger.Info("worker starting",
		"instance", instance,
		"root", q.Root(),
		"concurrency", w.Status().Workers)

	go watchConfigReloads(ctx, a, w)

	w.Start(ctx)
	<-ctx.Done()
	a.logger.Info("shutting down, draining in-flight tasks",
		"timeout", a.cfg.DrainTimeout())
	w.Drain(a.cfg.DrainTimeout())
	return 0
}

// watchConfigReloads applies interval changes from config.yaml edits to the
// running worker. Root or directory changes need a restart; the watcher
// only says so.
func watchConfigReloads(ctx context.Context, a *app, w *worker.Worker) {
	watcher := config.NewWatcher(a.cfg.HomeDir, a.logger)
	if err := watcher.Start(ctx); err != nil {
		a.logger.Warn("config watcher unavailable", "error", err)
		return
	}
	fingerprint := a.cfg.Fingerprint()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			fresh, err := config.Load()
			if err != nil {
				a.logger.Warn("config reload failed, keeping previous", "path", ev.Path, "error", err)
				continue
			}
			if fresh.Queue.Root != a.cfg.Queue.Root {
				a.logger.Warn("queue.root changed, restart required to apply", "root", fresh.Queue.Root)
				continue
			}
			if fp := fresh.Fingerprint(); fp != fingerprint {
				fingerprint = fp
				w.SetIntervals(fresh.PollInterval(), fresh.HeartbeatInterval())
			}
		}
	}
}
