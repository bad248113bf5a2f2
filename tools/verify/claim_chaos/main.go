//go:build ignore

// claim_chaos is a standalone chaos check for the rename-based claim
// mutex. It builds the paperq binary, seeds a queue, and lets several
// claimer processes race each other over the same pending directory,
// then verifies that:
//   - every task was claimed by exactly one instance (no name appears
//     in two claimers' output)
//   - the task population is conserved (nothing lost, nothing duplicated)
//   - each processing record names the instance that reported winning it
//
// Usage:
//
//	go run tools/verify/claim_chaos/main.go
package main

import (
	"bytes"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/basket/paperq/internal/record"
)

const (
	taskCount  = 12
	racerCount = 4
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (claim_chaos)")
}

func run() error {
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "claim-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "paperq")

	fmt.Println("BUILD paperq binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/paperq")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	home, err := os.MkdirTemp("", "claim-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	inbox := filepath.Join(home, "queue", "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return fmt.Errorf("mkdir inbox: %w", err)
	}
	for i := 0; i < taskCount; i++ {
		doc := filepath.Join(inbox, fmt.Sprintf("doc-%02d.pdf", i))
		if err := os.WriteFile(doc, []byte("%PDF-1.4"), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", doc, err)
		}
	}

	initEnv := append(os.Environ(), "PAPERQ_HOME="+home, "PAPERQ_INSTANCE=chaos-init")
	initCmd := exec.Command(binPath, "init")
	initCmd.Env = initEnv
	if out, err := initCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("init: %w\n%s", err, out)
	}
	fmt.Printf("SEEDED %d tasks\n", taskCount)

	// Racers loop `claim 1` until the queue says NO_TASKS_AVAILABLE,
	// collecting the names each one won.
	claims := make([]map[string]bool, racerCount)
	errs := make([]error, racerCount)
	var wg sync.WaitGroup
	for i := 0; i < racerCount; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			claims[i], errs[i] = race(binPath, home, fmt.Sprintf("racer-%d", i))
		}(i)
	}
	wg.Wait()
	for i, err := range errs {
		if err != nil {
			return fmt.Errorf("racer-%d: %w", i, err)
		}
	}

	// No task may appear in two racers' winnings.
	winners := make(map[string]string)
	total := 0
	for i, set := range claims {
		racer := fmt.Sprintf("racer-%d", i)
		fmt.Printf("RACER %s won %d tasks\n", racer, len(set))
		total += len(set)
		for name := range set {
			if prev, dup := winners[name]; dup {
				return fmt.Errorf("task %s claimed by both %s and %s", name, prev, racer)
			}
			winners[name] = racer
		}
	}
	if total != taskCount {
		return fmt.Errorf("racers claimed %d tasks, want %d", total, taskCount)
	}

	// Directory membership must agree with the reported winners.
	processing := filepath.Join(home, "queue", "processing")
	entries, err := os.ReadDir(processing)
	if err != nil {
		return fmt.Errorf("read processing: %w", err)
	}
	if len(entries) != taskCount {
		return fmt.Errorf("processing holds %d records, want %d", len(entries), taskCount)
	}
	for _, ent := range entries {
		name := strings.TrimSuffix(ent.Name(), record.Suffix)
		rec, _, ok := record.Load(filepath.Join(processing, ent.Name()))
		if !ok {
			return fmt.Errorf("record %s unreadable after claim", ent.Name())
		}
		if rec.ClaimedBy != winners[name] {
			return fmt.Errorf("record %s owned by %q, but %q reported the win", name, rec.ClaimedBy, winners[name])
		}
	}

	pending := filepath.Join(home, "queue", "pending")
	if entries, err := os.ReadDir(pending); err != nil {
		return fmt.Errorf("read pending: %w", err)
	} else if len(entries) != 0 {
		return fmt.Errorf("pending still holds %d records", len(entries))
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

// race runs `claim 1` as instance until the queue is empty, returning the
// set of task names this instance won.
func race(binPath, home, instance string) (map[string]bool, error) {
	env := append(os.Environ(), "PAPERQ_HOME="+home, "PAPERQ_INSTANCE="+instance)
	won := make(map[string]bool)
	for {
		cmd := exec.Command(binPath, "claim", "1")
		cmd.Env = env
		var out bytes.Buffer
		cmd.Stdout = &out
		cmd.Stderr = os.Stderr
		if err := cmd.Run(); err != nil {
			return won, fmt.Errorf("claim: %w", err)
		}
		lines := strings.Split(strings.TrimSpace(out.String()), "\n")
		if len(lines) == 0 || lines[0] == "NO_TASKS_AVAILABLE" {
			return won, nil
		}
		if !strings.HasPrefix(lines[0], "CLAIMED:") {
			return won, fmt.Errorf("unexpected claim output %q", out.String())
		}
		for _, name := range lines[1:] {
			name = strings.TrimSpace(name)
			if name == "" {
				continue
			}
			if won[name] {
				return won, fmt.Errorf("instance %s claimed %s twice", instance, name)
			}
			won[name] = true
		}
	}
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}
