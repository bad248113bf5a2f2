package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/basket/paperq/internal/config"
	"github.com/basket/paperq/internal/doctor"
)

// runDoctorCommand checks the installation end to end: config, state
// dirs, rename semantics, record schema, identity, inventory, leases.
// It skips newApp on purpose: diagnostics must run even when the config
// or the log sink is the thing that is broken.
func runDoctorCommand(ctx context.Context, args []string) int {
	asJSON := hasFlag(args, "json")

	cfg, err := config.Load()
	if err != nil {
		// Keep going; the checks explain what is wrong.
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
	}

	diag := doctor.Run(ctx, &cfg, Version)

	exit := 0
	if diag.Failed() {
		exit = 1
	}

	if asJSON {
		out, err := json.MarshalIndent(diag, "", "  ")
		if err != nil {
			return fail(err)
		}
		fmt.Println(string(out))
		return exit
	}

	fmt.Printf("paperq doctor  %s\n", diag.Timestamp.Format(time.RFC3339))
	fmt.Printf("%-12s %s/%s %s (paperq %s)\n\n", "System:",
		diag.System.OS, diag.System.Arch, diag.System.Go, diag.System.Version)

	for _, res := range diag.Results {
		fmt.Printf("%-4s  %-14s %s\n", res.Status, res.Name, res.Message)
		if res.Detail != "" {
			fmt.Printf("      %s\n", res.Detail)
		}
	}
	return exit
}

// hasFlag reports whether args carries the named boolean flag in either
// single- or double-dash form, wherever it sits relative to positionals.
func hasFlag(args []string, name string) bool {
	for _, arg := range args {
		if arg == "-"+name || arg == "--"+name {
			return true
		}
	}
	return false
}
