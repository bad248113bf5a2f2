// Package audit keeps an append-only trail of queue mutations in
// <home>/logs/audit.jsonl. The done/ and failed/ directories already record
// terminal metadata; the audit log adds the operations between, including
// the ones that lose races or get forced.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/basket/paperq/internal/shared"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Op        string `json:"op"`
	Task      string `json:"task,omitempty"`
	Instance  string `json:"instance,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
}

var (
	mu         sync.Mutex
	file       *os.File
	forceCount atomic.Int64
)

func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// ForceCount returns the number of forced ownership overrides since startup.
func ForceCount() int64 {
	return forceCount.Load()
}

// Record appends one audit entry. Best-effort: an uninitialized or failing
// audit file never fails the queue operation that called it.
func Record(op, task, instance, outcome, detail string) {
	if outcome == "forced" {
		forceCount.Add(1)
	}

	// Failure detail can embed converter stderr; scrub it first.
	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()

	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Op:        op,
		Task:      task,
		Instance:  instance,
		Outcome:   outcome,
		Detail:    detail,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
