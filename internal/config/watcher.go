package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent reports one config.yaml change seen on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits a ReloadEvent when config.yaml changes. The work harness
// re-reads intervals between tasks on reload; queue root changes still
// require a restart and are logged as such by the consumer.
type Watcher struct {
	target string // absolute path of config.yaml
	logger *slog.Logger
	events chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		target: ConfigPath(homeDir),
		logger: logger,
		events: make(chan ReloadEvent, 16),
	}
}

// Events delivers change notifications. The channel closes when the
// watcher stops.
func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching and returns immediately. The watch ends when
// ctx is cancelled.
func (w *Watcher) Start(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Editors that replace-by-rename drop a watch held on the file
	// itself, so watch the directory too and filter by name.
	_ = fsw.Add(w.target)
	_ = fsw.Add(filepath.Dir(w.target))

	go w.loop(ctx, fsw)
	return nil
}

func (w *Watcher) loop(ctx context.Context, fsw *fsnotify.Watcher) {
	defer fsw.Close()
	defer close(w.events)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !w.relevant(ev) {
				continue
			}
			w.logger.Info("config file changed", "path", ev.Name, "op", ev.Op.String())
			select {
			case w.events <- ReloadEvent{Path: ev.Name, Op: ev.Op}:
			default:
				// A stalled consumer drops this notification; the next
				// write produces another.
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error("config watcher error", "error", err)
		}
	}
}

// relevant filters directory noise down to mutations of config.yaml.
func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if filepath.Base(ev.Name) != filepath.Base(w.target) {
		return false
	}
	return ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}
