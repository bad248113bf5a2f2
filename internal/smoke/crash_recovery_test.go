package smoke

import (
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"testing"
	"time"
)

// TestSmoke_RecoverAfterWorkerSIGKILL kills a worker mid-conversion and
// checks that recover hands the orphaned claim back to pending once the
// lease expires. SIGKILL skips the drain path entirely, so the claim the
// dead process held is exactly what a crashed machine leaves behind.
func TestSmoke_RecoverAfterWorkerSIGKILL(t *testing.T) {
	bin := buildPaperqBinary(t)
	home := t.TempDir()
	seedInbox(t, home, "vault.pdf")

	script := filepath.Join(home, "convert.sh")
	if err := os.WriteFile(script, []byte("#!/bin/sh\nsleep 30\n"), 0o755); err != nil {
		t.Fatalf("write converter: %v", err)
	}
	cfg := fmt.Sprintf("worker:\n  command: [%q]\n", script)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(cfg), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	shortLease := []string{
		"PAPERQ_LEASE_DURATION_SECONDS=2",
		"PAPERQ_STALE_THRESHOLD_SECONDS=1",
		"PAPERQ_POLL_INTERVAL_SECONDS=1",
	}

	out, errOut, code := paperq(t, bin, home, "crash-init", shortLease, "init")
	if code != 0 || out != "registered=1 completed=0 skipped=0\n" {
		t.Fatalf("init: exit %d stdout=%q\nstderr=%s", code, out, errOut)
	}

	workLog, err := os.Create(filepath.Join(home, "work.log"))
	if err != nil {
		t.Fatalf("create work log: %v", err)
	}
	defer workLog.Close()

	work := exec.Command(bin, "work")
	work.Env = append(os.Environ(), "PAPERQ_HOME="+home, "PAPERQ_INSTANCE=crash-worker")
	work.Env = append(work.Env, shortLease...)
	work.Stdout = workLog
	work.Stderr = workLog
	// Own process group, so the kill below takes the converter down too.
	work.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	if err := work.Start(); err != nil {
		t.Fatalf("start worker: %v", err)
	}

	procPath := filepath.Join(home, "queue", "processing", "vault.task")
	deadline := time.Now().Add(15 * time.Second)
	for {
		if rec, ok := readTaskRecord(procPath); ok && rec["claimed_by"] == "crash-worker" {
			break
		}
		if time.Now().After(deadline) {
			syscall.Kill(-work.Process.Pid, syscall.SIGKILL)
			work.Wait()
			log, _ := os.ReadFile(filepath.Join(home, "work.log"))
			t.Fatalf("worker never claimed the task\nwork log:\n%s", log)
		}
		time.Sleep(50 * time.Millisecond)
	}

	if err := syscall.Kill(-work.Process.Pid, syscall.SIGKILL); err != nil {
		t.Fatalf("kill worker group: %v", err)
	}
	work.Wait()

	// The claim outlives its process; only lease expiry frees it.
	deadline = time.Now().Add(15 * time.Second)
	for {
		out, _, code := paperq(t, bin, home, "crash-recover", shortLease, "recover")
		if code == 0 && strings.Contains(out, "recovered=1") {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("recover never requeued the orphaned claim, last output %q", out)
		}
		time.Sleep(200 * time.Millisecond)
	}

	rec, ok := readTaskRecord(filepath.Join(home, "queue", "pending", "vault.task"))
	if !ok {
		t.Fatal("requeued record missing or unreadable in pending")
	}
	if rec["pdf"] != "vault.pdf" {
		t.Fatalf("requeued record pdf = %q, want vault.pdf", rec["pdf"])
	}
	if rec["claimed_by"] != "" || rec["lease_expires_at"] != "" {
		t.Fatalf("requeued record still carries a claim: claimed_by=%q lease_expires_at=%q",
			rec["claimed_by"], rec["lease_expires_at"])
	}

	left, err := os.ReadDir(filepath.Join(home, "queue", "processing"))
	if err != nil {
		t.Fatalf("read processing dir: %v", err)
	}
	if len(left) != 0 {
		t.Fatalf("processing still holds %d entries after recovery", len(left))
	}
}

// readTaskRecord parses a record file the way an external consumer would,
// straight off the wire format. ok is false while the file is absent or
// mid-write.
func readTaskRecord(path string) (map[string]string, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	var rec map[string]string
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, false
	}
	return rec, true
}
