package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"
)

// runInitCommand registers inventory documents as tasks. Re-running is
// safe: documents already tracked in any state are skipped.
func runInitCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	inventory := fs.String("inventory", "", "override the inventory directory to scan")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	a, err := newApp(true)
	if err != nil {
		return fail(err)
	}
	defer a.shutdown()
	if *inventory != "" {
		a.cfg.Queue.InventoryDir = *inventory
	}

	q, err := a.openQueue()
	if err != nil {
		return fail(err)
	}
	stats, err := q.Init(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("registered=%d completed=%d skipped=%d\n",
		stats.Registered, stats.Completed, stats.Skipped)
	return 0
}

// runMigrateCommand imports a legacy flat-list queue file and retires it.
func runMigrateCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paperq migrate <queue-file>")
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
	stats, err := q.Migrate(ctx, fs.Arg(0))
	if err != nil {
		return fail(err)
	}
	if stats.AlreadyMigrated {
		fmt.Println("nothing to import (queue file already migrated)")
		return 0
	}
	if len(stats.ImportedNames) > 0 {
		fmt.Printf("imported: %s\n", strings.Join(stats.ImportedNames, ", "))
	}
	if len(stats.SkippedNames) > 0 {
		fmt.Printf("skipped: %s\n", strings.Join(stats.SkippedNames, ", "))
	}
	fmt.Printf("imported=%d completed=%d skipped=%d\n",
		stats.Imported, stats.Completed, stats.Skipped)
	return 0
}
