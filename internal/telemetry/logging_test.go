package telemetry

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// logLines reads <home>/logs/system.jsonl and returns its non-empty lines.
func logLines(t *testing.T, home string) []string {
	t.Helper()
	raw, err := os.ReadFile(filepath.Join(home, "logs", logFileName))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	var lines []string
	for _, line := range strings.Split(string(raw), "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	if len(lines) == 0 {
		t.Fatal("log file has no entries")
	}
	return lines
}

// lastLogEntry decodes the final line of the log file.
func lastLogEntry(t *testing.T, home string) map[string]any {
	t.Helper()
	lines := logLines(t, home)
	var entry map[string]any
	if err := json.Unmarshal([]byte(lines[len(lines)-1]), &entry); err != nil {
		t.Fatalf("unmarshal log json: %v\n%s", err, lines[len(lines)-1])
	}
	return entry
}

func TestNewLogger_EmitsStructuredSchema(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "debug", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	logger.Info("task claimed", "task", "report-2023", "instance", "host-a1b2c3d4")

	entry := lastLogEntry(t, home)
	for _, key := range []string{"timestamp", "level", "msg", "component", "trace_id"} {
		if _, ok := entry[key]; !ok {
			t.Fatalf("missing required key %q in log entry: %#v", key, entry)
		}
	}
	if entry["component"] != "queue" {
		t.Fatalf("expected component=queue, got %#v", entry["component"])
	}
	if entry["trace_id"] != "-" {
		t.Fatalf("expected trace_id='-', got %#v", entry["trace_id"])
	}
	if entry["task"] != "report-2023" {
		t.Fatalf("expected task propagation, got %#v", entry["task"])
	}
}

func TestNewLogger_RedactsSensitiveFields(t *testing.T) {
	home := t.TempDir()
	logger, closer, err := NewLogger(home, "info", true)
	if err != nil {
		t.Fatalf("new logger: %v", err)
	}
	defer closer.Close()

	// Converter stderr attached to a failure can carry credentials.
	logger.Info("task failed",
		"api_key", "abc123",
		"stderr_tail", "Authorization: Bearer super-secret-token",
	)

	entry := lastLogEntry(t, home)
	if entry["api_key"] != "[REDACTED]" {
		t.Fatalf("expected api_key redaction, got %#v", entry["api_key"])
	}
	if entry["stderr_tail"] != "[REDACTED]" {
		t.Fatalf("expected stderr_tail redaction, got %#v", entry["stderr_tail"])
	}
}

func TestNewLogger_AppendsAcrossReopen(t *testing.T) {
	home := t.TempDir()

	for i, msg := range []string{"first run", "second run"} {
		logger, closer, err := NewLogger(home, "info", true)
		if err != nil {
			t.Fatalf("open %d: %v", i, err)
		}
		logger.Info(msg)
		if err := closer.Close(); err != nil {
			t.Fatalf("close %d: %v", i, err)
		}
	}

	lines := logLines(t, home)
	if len(lines) != 2 {
		t.Fatalf("expected 2 entries after reopen, got %d", len(lines))
	}
	if !strings.Contains(lines[0], "first run") || !strings.Contains(lines[1], "second run") {
		t.Fatalf("entries out of order or clobbered:\n%s", strings.Join(lines, "\n"))
	}
}

func TestParseLevel(t *testing.T) {
	cases := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"  WARN ", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"info", slog.LevelInfo},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tc := range cases {
		if got := parseLevel(tc.in); got != tc.want {
			t.Fatalf("parseLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}
