package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/basket/paperq/internal/queue"
)

// The lifecycle verbs share one shape: a task name, an optional --force
// for the owner-guarded ones, one wire line on stdout. Conflict errors
// carry their own --force guidance, so fail() prints them as-is.

// splitForce pulls --force out of args wherever it sits. The flag package
// stops at the first positional, and these verbs put the task name first.
func splitForce(args []string) (rest []string, force bool) {
	for _, a := range args {
		if a == "--force" || a == "-force" {
			force = true
			continue
		}
		rest = append(rest, a)
	}
	return rest, force
}

func parseForceVerb(name string, args []string) (string, bool, int) {
	rest, force := splitForce(args)
	if len(rest) != 1 || strings.HasPrefix(rest[0], "-") {
		fmt.Fprintf(os.Stderr, "usage: paperq %s <task-name> [--force]\n", name)
		return "", false, 2
	}
	return rest[0], force, 0
}

func runCompleteCommand(ctx context.Context, args []string) int {
	name, force, code := parseForceVerb("complete", args)
	if code != 0 {
		return code
	}
	return runVerb(func(q *queue.Queue) (string, error) {
		return fmt.Sprintf("COMPLETED:%s", name), q.Complete(ctx, name, force)
	})
}

func runFailCommand(ctx context.Context, args []string) int {
	rest, force := splitForce(args)
	if len(rest) < 2 || strings.HasPrefix(rest[0], "-") {
		fmt.Fprintln(os.Stderr, "usage: paperq fail <task-name> <message> [--force]")
		return 2
	}
	name := rest[0]
	msg := strings.Join(rest[1:], " ")
	return runVerb(func(q *queue.Queue) (string, error) {
		return fmt.Sprintf("FAILED:%s (%s)", name, msg), q.Fail(ctx, name, msg, force)
	})
}

func runReleaseCommand(ctx context.Context, args []string) int {
	name, force, code := parseForceVerb("release", args)
	if code != 0 {
		return code
	}
	return runVerb(func(q *queue.Queue) (string, error) {
		return fmt.Sprintf("RELEASED:%s", name), q.Release(ctx, name, force)
	})
}

func runHeartbeatCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("heartbeat", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paperq heartbeat <task-name>")
		return 2
	}
	name := fs.Arg(0)
	return runVerb(func(q *queue.Queue) (string, error) {
		_, err := q.Heartbeat(ctx, name)
		return fmt.Sprintf("HEARTBEAT:%s", name), err
	})
}

func runRetryCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("retry", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: paperq retry <task-name>")
		return 2
	}
	name := fs.Arg(0)
	return runVerb(func(q *queue.Queue) (string, error) {
		return fmt.Sprintf("RETRIED:%s", name), q.Retry(ctx, name)
	})
}

// runVerb opens the queue, runs op, and prints its wire line on success.
func runVerb(op func(q *queue.Queue) (string, error)) int {
	a, err := newApp(true)
	if err != nil {
		return fail(err)
	}
	defer a.shutdown()

	q, err := a.openQueue()
	if err != nil {
		return fail(err)
	}
	line, err := op(q)
	if err != nil {
		return fail(err)
	}
	fmt.Println(line)
	return 0
}
