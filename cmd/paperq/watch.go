package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/paperq/internal/tui"
)

// runWatchCommand renders the live dashboard. It needs a real terminal;
// piped or redirected stdout gets pointed at status instead.
func runWatchCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if !isatty.IsTerminal(os.Stdout.Fd()) && !isatty.IsCygwinTerminal(os.Stdout.Fd()) {
		fmt.Fprintln(os.Stderr, "watch needs a terminal; use `paperq status` for scripted output")
		return 2
	}

	a, err := newApp(true)
	if err != nil {
		return fail(err)
	}
	defer a.shutdown()

	q, err := a.openQueue()
	if err != nil {
		return fail(err)
	}
	instance, _ := q.InstanceID()
	started := time.Now()

	provider := func() tui.Snapshot {
		rep, err := q.Status(context.Background())
		return tui.Snapshot{
			Root:       q.Root(),
			Instance:   instance,
			Counts:     rep.Counts,
			Processing: rep.Processing,
			Failures:   rep.Failures,
			Uptime:     time.Since(started),
			Err:        err,
		}
	}

	if err := tui.Run(ctx, tui.Config{Provider: provider, Bus: a.bus}); err != nil {
		if errors.Is(err, context.Canceled) {
			return 0
		}
		return fail(err)
	}
	return 0
}
