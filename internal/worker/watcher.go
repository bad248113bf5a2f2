package worker

import (
	"context"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/record"
)

// settleDelay is how long the pending watcher waits after the last
// arrival before waking workers. A recovery sweep can requeue dozens of
// tasks at once; one wake covers all of them.
const settleDelay = 150 * time.Millisecond

// startPendingWatcher wakes idle workers when a task file lands in
// pending, so a quiet queue reacts faster than the poll interval.
// Failure to watch is not fatal: polling still covers the directory.
func (w *Worker) startPendingWatcher(ctx context.Context) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		w.logger.Warn("pending watcher unavailable, relying on polling", "error", err)
		return
	}

	dir := w.queue.Dir(queue.StatePending)
	if err := fsw.Add(dir); err != nil {
		w.logger.Warn("pending watcher unavailable, relying on polling", "dir", dir, "error", err)
		_ = fsw.Close()
		return
	}

	go w.watchPending(ctx, fsw)
}

func (w *Worker) watchPending(ctx context.Context, fsw *fsnotify.Watcher) {
	defer func() { _ = fsw.Close() }()

	// The timer is armed only while a wake is owed; it starts idle.
	debounce := time.NewTimer(settleDelay)
	if !debounce.Stop() {
		<-debounce.C
	}
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if !isTaskArrival(ev) {
				continue
			}
			if !debounce.Stop() {
				select {
				case <-debounce.C:
				default:
				}
			}
			debounce.Reset(settleDelay)
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("pending watcher error", "error", err)
		case <-debounce.C:
			w.Wake()
		}
	}
}

// isTaskArrival reports whether the event is a task record landing in
// pending. Dotfiles are the codec's write temporaries, not tasks.
func isTaskArrival(ev fsnotify.Event) bool {
	if ev.Op&(fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	base := filepath.Base(ev.Name)
	return !strings.HasPrefix(base, ".") && strings.HasSuffix(base, record.Suffix)
}
