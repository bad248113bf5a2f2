package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// QueueConfig locates the queue on disk and sets its lease policy.
type QueueConfig struct {
	// Root holds the four state directories. Everything the queue renames
	// must live on this one filesystem.
	Root string `yaml:"root"`

	// InventoryDir is scanned by init for source documents.
	InventoryDir string `yaml:"inventory_dir"`

	// OutputDir is where converters deposit artifacts. Recovery and init
	// look here for out-of-band completions.
	OutputDir string `yaml:"output_dir"`

	// OutputTemplate maps a task name to its expected artifact file name.
	// "{name}" expands to the task name.
	OutputTemplate string `yaml:"output_template"`

	// OutputMinBytes is the size floor below which an artifact does not
	// count as a completion (guards partially written files).
	OutputMinBytes int64 `yaml:"output_min_bytes"`

	LeaseDurationSeconds  int `yaml:"lease_duration_seconds"`
	StaleThresholdSeconds int `yaml:"stale_threshold_seconds"`
}

// WorkerConfig shapes the `paperq work` harness.
type WorkerConfig struct {
	// Command is the converter argv. The harness appends nothing; task
	// details arrive via PAPERQ_* environment variables.
	Command []string `yaml:"command"`

	Concurrency              int `yaml:"concurrency"`
	PollIntervalSeconds      int `yaml:"poll_interval_seconds"`
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
	DrainTimeoutSeconds      int `yaml:"drain_timeout_seconds"`

	// RecoverSchedule and RescanSchedule are 5-field cron expressions.
	// Empty RescanSchedule disables inventory rescans.
	RecoverSchedule string `yaml:"recover_schedule"`
	RescanSchedule  string `yaml:"rescan_schedule"`
}

// TelemetryConfig controls trace/metric export.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled"`
	Endpoint    string  `yaml:"endpoint"`
	Exporter    string  `yaml:"exporter"`
	SampleRatio float64 `yaml:"sample_ratio"`
	ServiceName string  `yaml:"service_name"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	LogLevel string `yaml:"log_level"`
	Quiet    bool   `yaml:"quiet"`

	// Instance pins the instance identity. Empty uses the session provider.
	Instance string `yaml:"instance"`

	Queue     QueueConfig     `yaml:"queue"`
	Worker    WorkerConfig    `yaml:"worker"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	// FirstRun reports that no config.yaml existed; defaults are in effect.
	FirstRun bool `yaml:"-"`
}

// LeaseDuration is how long a claim owns a task before recovery may steal it.
func (c Config) LeaseDuration() time.Duration {
	return time.Duration(c.Queue.LeaseDurationSeconds) * time.Second
}

// StaleThreshold is the claimed_at-age fallback for records without lease fields.
func (c Config) StaleThreshold() time.Duration {
	return time.Duration(c.Queue.StaleThresholdSeconds) * time.Second
}

// PollInterval is the idle wait between claim attempts in work mode.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.Worker.PollIntervalSeconds) * time.Second
}

// HeartbeatInterval is the lease renewal cadence while a converter runs.
// Unset derives a third of the lease so two beats can be missed safely.
func (c Config) HeartbeatInterval() time.Duration {
	if c.Worker.HeartbeatIntervalSeconds > 0 {
		return time.Duration(c.Worker.HeartbeatIntervalSeconds) * time.Second
	}
	return c.LeaseDuration() / 3
}

// DrainTimeout bounds the wait for in-flight converters on shutdown.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.Worker.DrainTimeoutSeconds) * time.Second
}

// OutputPath returns the artifact path expected for a task name.
func (c Config) OutputPath(name string) string {
	file := strings.ReplaceAll(c.Queue.OutputTemplate, "{name}", name)
	return filepath.Join(c.Queue.OutputDir, file)
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// Fingerprint returns a stable hash of the active config, logged at startup
// so operators can tell which settings a given run used.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "root=%s|inv=%s|out=%s|tmpl=%s|floor=%d|lease=%d|stale=%d|log=%s|workers=%d",
		c.Queue.Root, c.Queue.InventoryDir, c.Queue.OutputDir, c.Queue.OutputTemplate,
		c.Queue.OutputMinBytes, c.Queue.LeaseDurationSeconds, c.Queue.StaleThresholdSeconds,
		c.LogLevel, c.Worker.Concurrency)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

func defaultConfig() Config {
	return Config{
		LogLevel: "info",
		Queue: QueueConfig{
			OutputTemplate:        "{name}.md",
			OutputMinBytes:        1024,
			LeaseDurationSeconds:  int((30 * time.Minute).Seconds()),
			StaleThresholdSeconds: int((15 * time.Minute).Seconds()),
		},
		Worker: WorkerConfig{
			Concurrency:         1,
			PollIntervalSeconds: 5,
			DrainTimeoutSeconds: 30,
			RecoverSchedule:     "*/5 * * * *",
		},
		Telemetry: TelemetryConfig{
			Exporter:    "otlp-http",
			SampleRatio: 1.0,
			ServiceName: "paperq",
		},
	}
}

// HomeDir resolves the paperq home: PAPERQ_HOME, else ~/.paperq.
func HomeDir() string {
	if override := os.Getenv("PAPERQ_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".paperq")
}

// Load builds the effective config: defaults, then config.yaml, then
// environment overrides, then normalization and validation. A missing
// config.yaml is not an error.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create paperq home: %w", err)
	}

	configPath := ConfigPath(cfg.HomeDir)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.FirstRun = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateLease(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if strings.TrimSpace(cfg.Queue.Root) == "" {
		cfg.Queue.Root = filepath.Join(cfg.HomeDir, "queue")
	}
	cfg.Queue.Root = expandHome(cfg.Queue.Root)

	if strings.TrimSpace(cfg.Queue.InventoryDir) == "" {
		cfg.Queue.InventoryDir = filepath.Join(cfg.Queue.Root, "inbox")
	}
	if strings.TrimSpace(cfg.Queue.OutputDir) == "" {
		cfg.Queue.OutputDir = filepath.Join(cfg.Queue.Root, "out")
	}
	for _, dir := range []*string{&cfg.Queue.InventoryDir, &cfg.Queue.OutputDir} {
		*dir = expandHome(*dir)
		if !filepath.IsAbs(*dir) {
			*dir = filepath.Join(cfg.Queue.Root, *dir)
		}
	}

	if strings.TrimSpace(cfg.Queue.OutputTemplate) == "" {
		cfg.Queue.OutputTemplate = "{name}.md"
	}
	if cfg.Queue.OutputMinBytes <= 0 {
		cfg.Queue.OutputMinBytes = 1024
	}
	if cfg.Queue.LeaseDurationSeconds <= 0 {
		cfg.Queue.LeaseDurationSeconds = int((30 * time.Minute).Seconds())
	}
	if cfg.Queue.StaleThresholdSeconds <= 0 {
		cfg.Queue.StaleThresholdSeconds = int((15 * time.Minute).Seconds())
	}
	if cfg.Worker.Concurrency <= 0 {
		cfg.Worker.Concurrency = 1
	}
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = 5
	}
	if cfg.Worker.DrainTimeoutSeconds <= 0 {
		cfg.Worker.DrainTimeoutSeconds = 30
	}
	if strings.TrimSpace(cfg.Worker.RecoverSchedule) == "" {
		cfg.Worker.RecoverSchedule = "*/5 * * * *"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "paperq"
	}
	if cfg.Telemetry.Exporter == "" {
		cfg.Telemetry.Exporter = "otlp-http"
	}
	if cfg.Telemetry.SampleRatio <= 0 || cfg.Telemetry.SampleRatio > 1 {
		cfg.Telemetry.SampleRatio = 1.0
	}
}

// validateLease enforces the lease/stale ordering. The fallback threshold
// applies to records without lease fields; were it longer than the lease,
// a legacy claim would outlive the lease a heartbeating worker holds, and
// recovery would trust the wrong signal.
func validateLease(cfg *Config) error {
	if cfg.Queue.LeaseDurationSeconds <= cfg.Queue.StaleThresholdSeconds {
		return fmt.Errorf("lease_duration_seconds (%d) must exceed stale_threshold_seconds (%d)",
			cfg.Queue.LeaseDurationSeconds, cfg.Queue.StaleThresholdSeconds)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("PAPERQ_QUEUE_ROOT"); raw != "" {
		cfg.Queue.Root = raw
	}
	if raw := os.Getenv("PAPERQ_INVENTORY_DIR"); raw != "" {
		cfg.Queue.InventoryDir = raw
	}
	if raw := os.Getenv("PAPERQ_OUTPUT_DIR"); raw != "" {
		cfg.Queue.OutputDir = raw
	}
	if raw := os.Getenv("PAPERQ_OUTPUT_MIN_BYTES"); raw != "" {
		if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
			cfg.Queue.OutputMinBytes = v
		}
	}
	if raw := os.Getenv("PAPERQ_LEASE_DURATION_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.LeaseDurationSeconds = v
		}
	}
	if raw := os.Getenv("PAPERQ_STALE_THRESHOLD_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Queue.StaleThresholdSeconds = v
		}
	}
	if raw := os.Getenv("PAPERQ_POLL_INTERVAL_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.PollIntervalSeconds = v
		}
	}
	if raw := os.Getenv("PAPERQ_WORKER_CONCURRENCY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Worker.Concurrency = v
		}
	}
	if raw := os.Getenv("PAPERQ_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("PAPERQ_INSTANCE"); raw != "" {
		cfg.Instance = raw
	}
	if raw := os.Getenv("PAPERQ_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Enabled = true
	}
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err == nil && home != "" {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}
