package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/paperq/internal/config"
)

func writeConfig(t *testing.T, home, content string) {
	t.Helper()
	if err := os.MkdirAll(home, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
}

func TestLoad_Defaults(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".paperq")
	t.Setenv("PAPERQ_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.FirstRun {
		t.Fatalf("expected FirstRun with no config.yaml")
	}
	if cfg.Queue.Root != filepath.Join(home, "queue") {
		t.Fatalf("unexpected root: %q", cfg.Queue.Root)
	}
	if cfg.Queue.InventoryDir != filepath.Join(home, "queue", "inbox") {
		t.Fatalf("unexpected inventory: %q", cfg.Queue.InventoryDir)
	}
	if cfg.Queue.LeaseDurationSeconds != 1800 || cfg.Queue.StaleThresholdSeconds != 900 {
		t.Fatalf("unexpected lease defaults: %d/%d",
			cfg.Queue.LeaseDurationSeconds, cfg.Queue.StaleThresholdSeconds)
	}
	if cfg.HeartbeatInterval() != cfg.LeaseDuration()/3 {
		t.Fatalf("heartbeat interval should derive from lease, got %v", cfg.HeartbeatInterval())
	}
}

func TestLoad_FromPaperqHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".paperq")
	writeConfig(t, home, strings.Join([]string{
		"log_level: debug",
		"queue:",
		"  root: " + filepath.Join(home, "q"),
		"  inventory_dir: pdfs",
		"  output_min_bytes: 2048",
		"  lease_duration_seconds: 600",
		"  stale_threshold_seconds: 300",
		"worker:",
		"  concurrency: 3",
		"  command: [\"convert.sh\"]",
	}, "\n")+"\n")
	t.Setenv("PAPERQ_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.FirstRun {
		t.Fatalf("FirstRun set despite config.yaml")
	}
	if cfg.LogLevel != "debug" {
		t.Fatalf("expected log_level=debug got %q", cfg.LogLevel)
	}
	// Relative inventory resolves against the queue root.
	if cfg.Queue.InventoryDir != filepath.Join(home, "q", "pdfs") {
		t.Fatalf("unexpected inventory: %q", cfg.Queue.InventoryDir)
	}
	if cfg.Queue.OutputMinBytes != 2048 {
		t.Fatalf("expected floor 2048 got %d", cfg.Queue.OutputMinBytes)
	}
	if cfg.Worker.Concurrency != 3 || len(cfg.Worker.Command) != 1 {
		t.Fatalf("worker config lost: %+v", cfg.Worker)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".paperq")
	root := filepath.Join(t.TempDir(), "shared", "queue")
	writeConfig(t, home, "queue:\n  lease_duration_seconds: 600\n  stale_threshold_seconds: 60\n")
	t.Setenv("PAPERQ_HOME", home)
	t.Setenv("PAPERQ_QUEUE_ROOT", root)
	t.Setenv("PAPERQ_LEASE_DURATION_SECONDS", "120")
	t.Setenv("PAPERQ_LOG_LEVEL", "warn")
	t.Setenv("PAPERQ_INSTANCE", "bench-3")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Queue.Root != root {
		t.Fatalf("env root not applied: %q", cfg.Queue.Root)
	}
	if cfg.Queue.LeaseDurationSeconds != 120 {
		t.Fatalf("env lease not applied: %d", cfg.Queue.LeaseDurationSeconds)
	}
	if cfg.LogLevel != "warn" || cfg.Instance != "bench-3" {
		t.Fatalf("env overrides not applied: %q %q", cfg.LogLevel, cfg.Instance)
	}
}

func TestLoad_RejectsLeaseNotExceedingStale(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".paperq")
	writeConfig(t, home, "queue:\n  lease_duration_seconds: 300\n  stale_threshold_seconds: 300\n")
	t.Setenv("PAPERQ_HOME", home)

	if _, err := config.Load(); err == nil {
		t.Fatalf("expected lease validation error")
	}
}

func TestOutputPath(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".paperq")
	writeConfig(t, home, "queue:\n  output_template: \"{name}.chunks.md\"\n")
	t.Setenv("PAPERQ_HOME", home)

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	want := filepath.Join(cfg.Queue.OutputDir, "report-2023.chunks.md")
	if got := cfg.OutputPath("report-2023"); got != want {
		t.Fatalf("OutputPath = %q, want %q", got, want)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	home := filepath.Join(t.TempDir(), ".paperq")
	t.Setenv("PAPERQ_HOME", home)

	a, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	b, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if a.Fingerprint() != b.Fingerprint() {
		t.Fatalf("fingerprint unstable: %s vs %s", a.Fingerprint(), b.Fingerprint())
	}
	if !strings.HasPrefix(a.Fingerprint(), "cfg-") {
		t.Fatalf("unexpected fingerprint shape: %s", a.Fingerprint())
	}
}
