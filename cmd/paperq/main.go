package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/basket/paperq/internal/audit"
	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/config"
	"github.com/basket/paperq/internal/identity"
	otelPkg "github.com/basket/paperq/internal/otel"
	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/telemetry"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage: %s <command> [options]

QUEUE SETUP:
  init [-inventory DIR]       Register inventory documents as pending tasks
  migrate <file>              Import a legacy flat-list queue file

TASK LIFECYCLE:
  claim <n>                   Claim up to n pending tasks for this instance
  complete <name> [--force]   Mark an in-flight task done
  fail <name> <msg> [--force] Mark an in-flight task failed
  release <name> [--force]    Return an in-flight task to pending
  heartbeat <name>            Extend the lease on an owned task
  retry <name>                Requeue a failed task

MAINTENANCE:
  recover                     Requeue stale claims, absorb finished output
  status [--json]             Queue summary with lease detail
  list <state> [-v]           Task names in one state directory
  doctor [--json]             Run diagnostic checks

LONG-RUNNING:
  work [--once] [-n N]        Run the converter loop
  watch                       Live dashboard (requires a TTY)

  version                     Print the version

ENVIRONMENT VARIABLES:
  PAPERQ_HOME                 Data directory (default: ~/.paperq)
  PAPERQ_QUEUE_ROOT           Override queue.root
  PAPERQ_INSTANCE             Pin the instance identity
`, os.Args[0])
}

func main() {
	loadDotEnv(".env")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	args := os.Args[1:]
	if len(args) == 0 {
		printUsage()
		os.Exit(2)
	}

	switch strings.ToLower(strings.TrimSpace(args[0])) {
	case "help", "-h", "--help":
		printUsage()
		os.Exit(0)
	case "init":
		os.Exit(runInitCommand(ctx, args[1:]))
	case "migrate":
		os.Exit(runMigrateCommand(ctx, args[1:]))
	case "claim":
		os.Exit(runClaimCommand(ctx, args[1:]))
	case "complete":
		os.Exit(runCompleteCommand(ctx, args[1:]))
	case "fail":
		os.Exit(runFailCommand(ctx, args[1:]))
	case "release":
		os.Exit(runReleaseCommand(ctx, args[1:]))
	case "heartbeat":
		os.Exit(runHeartbeatCommand(ctx, args[1:]))
	case "retry":
		os.Exit(runRetryCommand(ctx, args[1:]))
	case "recover":
		os.Exit(runRecoverCommand(ctx, args[1:]))
	case "status":
		os.Exit(runStatusCommand(ctx, args[1:]))
	case "list":
		os.Exit(runListCommand(ctx, args[1:]))
	case "work":
		os.Exit(runWorkCommand(ctx, args[1:]))
	case "watch":
		os.Exit(runWatchCommand(ctx, args[1:]))
	case "doctor":
		os.Exit(runDoctorCommand(ctx, args[1:]))
	case "version":
		fmt.Printf("paperq %s\n", Version)
		os.Exit(0)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
		printUsage()
		os.Exit(2)
	}
}

// app bundles the plumbing every subcommand needs: config, logger, audit,
// bus. Wire output goes to stdout; logs go to <home>/logs and, for
// long-running commands, stderr.
type app struct {
	cfg    config.Config
	logger *slog.Logger
	closer io.Closer
	bus    *bus.Bus
}

// newApp loads config and brings up audit and logging. quietLogs keeps the
// console clean for commands whose stdout is a wire contract.
func newApp(quietLogs bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := audit.Init(cfg.HomeDir); err != nil {
		return nil, fmt.Errorf("audit init: %w", err)
	}
	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs || cfg.Quiet)
	if err != nil {
		_ = audit.Close()
		return nil, fmt.Errorf("logger init: %w", err)
	}
	slog.SetDefault(logger)
	logger.Debug("config loaded", "fingerprint", cfg.Fingerprint(), "home", cfg.HomeDir)
	return &app{cfg: cfg, logger: logger, closer: closer, bus: bus.New()}, nil
}

func (a *app) shutdown() {
	_ = audit.Close()
	if a.closer != nil {
		_ = a.closer.Close()
	}
}

func (a *app) openQueue() (*queue.Queue, error) {
	return queue.New(queue.Config{
		Root:           a.cfg.Queue.Root,
		InventoryDir:   a.cfg.Queue.InventoryDir,
		OutputDir:      a.cfg.Queue.OutputDir,
		OutputTemplate: a.cfg.Queue.OutputTemplate,
		OutputMinBytes: a.cfg.Queue.OutputMinBytes,
		LeaseDuration:  a.cfg.LeaseDuration(),
		StaleThreshold: a.cfg.StaleThreshold(),
		Identity:       identity.ForInstance(a.cfg.Instance),
		Logger:         a.logger,
		Bus:            a.bus,
	})
}

func (a *app) otelConfig() otelPkg.Config {
	return otelPkg.Config{
		Enabled:        a.cfg.Telemetry.Enabled,
		Exporter:       a.cfg.Telemetry.Exporter,
		Endpoint:       a.cfg.Telemetry.Endpoint,
		ServiceName:    a.cfg.Telemetry.ServiceName,
		ServiceVersion: Version,
		SampleRatio:    a.cfg.Telemetry.SampleRatio,
	}
}

// fail prints an operational error and returns the exit code for it.
func fail(err error) int {
	fmt.Fprintln(os.Stderr, err)
	return 1
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
