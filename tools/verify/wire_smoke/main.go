// wire_smoke builds the paperq binary and drives the whole command
// surface against a scratch home, checking the exact stdout lines that
// shell scripts parse. The in-package command tests cover exit codes and
// state transitions; this check covers the wire bytes across a real
// process boundary.
//
// Usage:
//
//	go run ./tools/verify/wire_smoke/
package main

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (wire_smoke)")
}

func run() error {
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "wire-smoke-bin-*")
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

	home, err := os.MkdirTemp("", "wire-smoke-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	inbox := filepath.Join(home, "queue", "inbox")
	if err := os.MkdirAll(inbox, 0o755); err != nil {
		return fmt.Errorf("mkdir inbox: %w", err)
	}
	for _, doc := range []string{"archive.pdf", "report.pdf"} {
		if err := os.WriteFile(filepath.Join(inbox, doc), []byte("%PDF-1.4"), 0o644); err != nil {
			return fmt.Errorf("seed %s: %w", doc, err)
		}
	}

	self := cliEnv(home, "smoke-1")
	rival := cliEnv(home, "smoke-2")

	steps := []struct {
		name string
		env  []string
		args []string
		want []string
	}{
		{"init", self, []string{"init"}, []string{"registered=2 completed=0 skipped=0"}},
		{"claim first", self, []string{"claim", "1"}, []string{"CLAIMED:1", "archive"}},
		{"complete", self, []string{"complete", "archive"}, []string{"COMPLETED:archive"}},
		{"claim second", self, []string{"claim", "1"}, []string{"CLAIMED:1", "report"}},
		{"heartbeat", self, []string{"heartbeat", "report"}, []string{"HEARTBEAT:report"}},
		{"fail", self, []string{"fail", "report", "exit status 3: boom"}, []string{"FAILED:report (exit status 3: boom)"}},
		{"retry", self, []string{"retry", "report"}, []string{"RETRIED:report"}},
		{"reclaim", self, []string{"claim", "3"}, []string{"CLAIMED:1", "report"}},
		{"release", self, []string{"release", "report"}, []string{"RELEASED:report"}},
		{"claim again", self, []string{"claim", "1"}, []string{"CLAIMED:1", "report"}},
		{"complete second", self, []string{"complete", "report"}, []string{"COMPLETED:report"}},
		{"claim empty", self, []string{"claim", "1"}, []string{"NO_TASKS_AVAILABLE"}},
		{"recover idle", self, []string{"recover"}, []string{"recovered=0 completed=0 active=0"}},
		{"list done", self, []string{"list", "done"}, []string{"archive", "report"}},
	}
	for _, step := range steps {
		out, _, code, err := runCLI(binPath, step.env, step.args...)
		if err != nil {
			return fmt.Errorf("%s: %w", step.name, err)
		}
		if code != 0 {
			return fmt.Errorf("%s: exit %d", step.name, code)
		}
		got := wireLines(out)
		if len(got) != len(step.want) {
			return fmt.Errorf("%s: got %d lines %q, want %q", step.name, len(got), got, step.want)
		}
		for i := range got {
			if got[i] != step.want[i] {
				return fmt.Errorf("%s: line %d = %q, want %q", step.name, i, got[i], step.want[i])
			}
		}
		fmt.Printf("CHECK %s ok\n", step.name)
	}

	// Ownership conflict across real instances: smoke-2 may not resolve a
	// task smoke-1 holds, until --force.
	if err := os.WriteFile(filepath.Join(inbox, "census.pdf"), []byte("%PDF-1.4"), 0o644); err != nil {
		return fmt.Errorf("seed census: %w", err)
	}
	if _, _, code, err := runCLI(binPath, self, "init"); err != nil || code != 0 {
		return fmt.Errorf("re-init: code=%d err=%v", code, err)
	}
	if _, _, code, err := runCLI(binPath, self, "claim", "1"); err != nil || code != 0 {
		return fmt.Errorf("claim census: code=%d err=%v", code, err)
	}

	_, stderr, code, err := runCLI(binPath, rival, "complete", "census")
	if err != nil {
		return fmt.Errorf("rival complete: %w", err)
	}
	if code != 1 {
		return fmt.Errorf("rival complete exit %d, want 1", code)
	}
	if !strings.Contains(stderr, `owned by smoke-1 (use --force to override)`) {
		return fmt.Errorf("conflict message missing force hint: %q", stderr)
	}
	fmt.Println("CHECK conflict refused ok")

	out, _, code, err := runCLI(binPath, rival, "complete", "census", "--force")
	if err != nil || code != 0 {
		return fmt.Errorf("forced complete: code=%d err=%v", code, err)
	}
	if lines := wireLines(out); len(lines) != 1 || lines[0] != "COMPLETED:census" {
		return fmt.Errorf("forced complete output %q", lines)
	}
	fmt.Println("CHECK forced override ok")

	return nil
}

func cliEnv(home, instance string) []string {
	return append(os.Environ(),
		"PAPERQ_HOME="+home,
		"PAPERQ_INSTANCE="+instance,
	)
}

func runCLI(bin string, env []string, args ...string) (stdout, stderr string, code int, err error) {
	cmd := exec.Command(bin, args...)
	cmd.Env = env
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	runErr := cmd.Run()
	if runErr != nil {
		var exitErr *exec.ExitError
		if !errors.As(runErr, &exitErr) {
			return "", "", -1, fmt.Errorf("run %v: %w", args, runErr)
		}
	}
	return outBuf.String(), errBuf.String(), cmd.ProcessState.ExitCode(), nil
}

// wireLines splits CLI output into its non-empty trimmed lines.
func wireLines(out string) []string {
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			lines = append(lines, line)
		}
	}
	return lines
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
