package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	otelPkg "github.com/basket/paperq/internal/otel"
)

// runClaimCommand claims up to n pending tasks for this instance and
// prints the claimed names. Scripts parse the CLAIMED header, so nothing
// else may reach stdout.
func runClaimCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("claim", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paperq claim <n>")
		return 2
	}
	n, err := strconv.Atoi(fs.Arg(0))
	if err != nil || n <= 0 {
		fmt.Fprintf(os.Stderr, "claim count must be a positive integer, got %q\n", fs.Arg(0))
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

	provider, err := otelPkg.Init(ctx, a.otelConfig())
	if err != nil {
		a.logger.Warn("telemetry disabled, tracer init failed", "error", err)
		provider, _ = otelPkg.Init(ctx, otelPkg.Config{})
	}
	defer provider.Shutdown(context.Background())

	instance, _ := q.InstanceID()
	spanCtx, span := otelPkg.StartClaimSpan(ctx, provider.Tracer, instance)
	tasks, err := q.Claim(spanCtx, n)
	otelPkg.RecordClaimResult(span, len(tasks), err)
	span.End()
	if err != nil {
		return fail(err)
	}

	if len(tasks) == 0 {
		fmt.Println("NO_TASKS_AVAILABLE")
		return 0
	}
	fmt.Printf("CLAIMED:%d\n", len(tasks))
	for _, t := range tasks {
		fmt.Println(t.Name)
	}
	return 0
}
