package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/record"
)

// runStatusCommand prints per-state counts, the lease disposition of every
// in-flight task, and the most recent failures. --json emits the raw report.
func runStatusCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("status", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	asJSON := fs.Bool("json", false, "emit the report as JSON")
	if err := fs.Parse(args); err != nil {
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
	rep, err := q.Status(ctx)
	if err != nil {
		return fail(err)
	}

	if *asJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(rep); err != nil {
			return fail(err)
		}
		return 0
	}

	fmt.Printf("%-12s %d\n", "Pending:", rep.Counts.Pending)
	fmt.Printf("%-12s %d\n", "Processing:", rep.Counts.Processing)
	fmt.Printf("%-12s %d\n", "Done:", rep.Counts.Done)
	fmt.Printf("%-12s %d\n", "Failed:", rep.Counts.Failed)

	if len(rep.Processing) > 0 {
		fmt.Println()
		fmt.Println("IN FLIGHT:")
		fmt.Printf("  %-28s %-16s %-10s %-10s\n", "TASK", "OWNER", "HEARTBEAT", "LEASE")
		for _, p := range rep.Processing {
			line := fmt.Sprintf("  %-28s %-16s %-10s %-10s",
				p.Name, p.Owner, fmtAge(p.HeartbeatAge), fmtAge(p.LeaseRemaining))
			if p.Stale {
				line = strings.TrimRight(line, " ") + "  [STALE: " + p.Reason + "]"
			}
			fmt.Println(line)
		}
	}
	if len(rep.Failures) > 0 {
		fmt.Println()
		fmt.Println("RECENT FAILURES:")
		for _, f := range rep.Failures {
			fmt.Printf("  %s: %s\n", f.Name, f.Error)
		}
	}
	return 0
}

func fmtAge(d time.Duration) string {
	if d == 0 {
		return "-"
	}
	return d.Truncate(time.Second).String()
}

// runListCommand prints task names in one state directory, one per line.
// -v follows each name with the record's fields in key=value form.
func runListCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("list", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	verbose := fs.Bool("v", false, "show each record's fields")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paperq list <state> [-v]")
		return 2
	}
	st, ok := queue.ParseState(fs.Arg(0))
	if !ok {
		valid := make([]string, len(queue.States))
		for i, s := range queue.States {
			valid[i] = string(s)
		}
		fmt.Fprintf(os.Stderr, "unknown state %q (valid: %s)\n", fs.Arg(0), strings.Join(valid, ", "))
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

	if !*verbose {
		names, err := q.List(ctx, st)
		if err != nil {
			return fail(err)
		}
		for _, name := range names {
			fmt.Println(name)
		}
		return 0
	}

	entries, err := q.Entries(ctx, st)
	if err != nil {
		return fail(err)
	}
	for _, e := range entries {
		switch {
		case !e.OK:
			fmt.Printf("%s [unreadable record]\n", e.Name)
			continue
		case e.Enc == record.EncodingFlat:
			fmt.Printf("%s (flat)\n", e.Name)
		default:
			fmt.Println(e.Name)
		}
		for _, key := range record.Keys {
			if v := e.Rec.Field(key); v != "" {
				fmt.Printf("  %s=%s\n", key, v)
			}
		}
	}
	return 0
}

// runRecoverCommand sweeps processing for dead owners and reports what moved.
func runRecoverCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("recover", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
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
	stats, err := q.Recover(ctx)
	if err != nil {
		return fail(err)
	}
	fmt.Printf("recovered=%d completed=%d active=%d\n",
		stats.Recovered, stats.Completed, stats.Active)
	return 0
}
