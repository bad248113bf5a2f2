// Package telemetry owns the structured log sink. Queue commands print
// wire output on stdout, so logs land in <home>/logs/system.jsonl and,
// outside quiet mode, on stderr.
package telemetry

import (
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/basket/paperq/internal/shared"
)

const logFileName = "system.jsonl"

// NewLogger opens the log sink and builds the root logger. The returned
// closer owns the log file. Every record carries component and trace_id;
// operations running under a trace override the "-" placeholder.
func NewLogger(homeDir, level string, quiet bool) (*slog.Logger, io.Closer, error) {
	file, err := openLogFile(homeDir)
	if err != nil {
		return nil, nil, err
	}
	sink := io.Writer(file)
	if !quiet {
		sink = io.MultiWriter(os.Stderr, file)
	}
	handler := slog.NewJSONHandler(sink, &slog.HandlerOptions{
		Level:       parseLevel(level),
		ReplaceAttr: sanitizeAttr,
	})
	return slog.New(handler).With("component", "queue", "trace_id", "-"), file, nil
}

func openLogFile(homeDir string) (*os.File, error) {
	dir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return os.OpenFile(filepath.Join(dir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
}

// sanitizeAttr renames the time key and scrubs credentials. Converter
// stderr reaches failure messages, headers and all.
func sanitizeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Key = "timestamp"
	}
	if sensitiveKey(a.Key) {
		return slog.String(a.Key, "[REDACTED]")
	}
	if a.Value.Kind() == slog.KindString {
		if v, changed := scrubValue(a.Value.String()); changed {
			return slog.String(a.Key, v)
		}
	}
	return a
}

var credentialKeywords = []string{"token", "secret", "password", "authorization", "api_key", "apikey", "bearer"}

func sensitiveKey(key string) bool {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return false
	}
	for _, kw := range credentialKeywords {
		if strings.Contains(key, kw) {
			return true
		}
	}
	return false
}

// scrubValue redacts whole strings that carry credential headers, then
// falls back to pattern redaction.
func scrubValue(v string) (string, bool) {
	lower := strings.ToLower(v)
	if strings.Contains(lower, "bearer ") || strings.Contains(lower, "authorization:") || strings.Contains(lower, "api_key") {
		return "[REDACTED]", true
	}
	if r := shared.Redact(v); r != v {
		return r, true
	}
	return v, false
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
