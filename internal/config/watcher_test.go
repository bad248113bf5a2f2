package config_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/paperq/internal/config"
)

// startWatcher writes an initial config.yaml, starts a watcher over a
// fresh home dir, and returns the watcher with the config path.
func startWatcher(t *testing.T) (*config.Watcher, string) {
	t.Helper()
	home := t.TempDir()
	cfgPath := filepath.Join(home, "config.yaml")
	if err := os.WriteFile(cfgPath, []byte("log_level: info\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	w := config.NewWatcher(home, nil)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	if err := w.Start(ctx); err != nil {
		t.Fatalf("start watcher: %v", err)
	}
	return w, cfgPath
}

func TestWatcher_DetectsConfigChange(t *testing.T) {
	w, cfgPath := startWatcher(t)

	// Retry the write at short intervals until the watcher produces an
	// event, covering platform-specific notification readiness delays.
	rewrite := func() {
		_ = os.WriteFile(cfgPath, []byte("log_level: debug\n"), 0o644)
	}
	rewrite()

	deadline := time.After(3 * time.Second)
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for {
		select {
		case ev := <-w.Events():
			if filepath.Base(ev.Path) != "config.yaml" {
				t.Fatalf("event for %s, want config.yaml", ev.Path)
			}
			return
		case <-tick.C:
			rewrite()
		case <-deadline:
			t.Fatal("timed out waiting for config change event")
		}
	}
}

func TestWatcher_IgnoresUnrelatedFiles(t *testing.T) {
	w, cfgPath := startWatcher(t)

	other := filepath.Join(filepath.Dir(cfgPath), "notes.txt")
	for i := 0; i < 5; i++ {
		if err := os.WriteFile(other, []byte("scratch"), 0o644); err != nil {
			t.Fatalf("write unrelated file: %v", err)
		}
		time.Sleep(20 * time.Millisecond)
	}

	select {
	case ev := <-w.Events():
		t.Fatalf("unexpected event for %s", ev.Path)
	case <-time.After(200 * time.Millisecond):
	}
}
