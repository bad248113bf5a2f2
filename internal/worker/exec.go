package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/shared"
)

// Environment passed to the converter alongside the parent environment.
const (
	EnvTask    = "PAPERQ_TASK"
	EnvPDF     = "PAPERQ_PDF"
	EnvOutput  = "PAPERQ_OUTPUT"
	EnvTraceID = "PAPERQ_TRACE_ID"
)

type execResult struct {
	exitCode   int
	stderrTail string
	canceled   bool
	err        error
}

// failureMessage renders the error the task record keeps. Converter stderr
// goes through redaction: tools love printing the credentials they were
// called with.
func (r execResult) failureMessage() string {
	if r.err == nil {
		return ""
	}
	line := shared.Redact(r.stderrTail)
	if r.exitCode >= 0 {
		if line != "" {
			return fmt.Sprintf("exit status %d: %s", r.exitCode, line)
		}
		return fmt.Sprintf("exit status %d", r.exitCode)
	}
	return r.err.Error()
}

// runConverter executes the configured command for one task. Cancellation
// of ctx kills the subprocess.
func (w *Worker) runConverter(ctx context.Context, task queue.Task) execResult {
	argv := w.config.Command
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)

	pdf := task.Rec.PDF
	if pdf == "" {
		pdf = task.Name + ".pdf"
	}
	cmd.Env = append(os.Environ(),
		EnvTask+"="+task.Name,
		EnvPDF+"="+filepath.Join(w.queue.InventoryDir(), pdf),
		EnvOutput+"="+w.queue.OutputPath(task.Name),
		EnvTraceID+"="+shared.TraceID(ctx),
	)

	tail := newTailBuffer(4096)
	cmd.Stdout = io.Discard
	cmd.Stderr = tail

	err := cmd.Run()
	res := execResult{exitCode: -1, stderrTail: tail.LastLine(), err: err}
	if ctx.Err() != nil {
		res.canceled = true
		return res
	}
	if err == nil {
		res.exitCode = 0
		return res
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		res.exitCode = exitErr.ExitCode()
	}
	return res
}

// tailBuffer is an io.Writer that keeps only the last cap bytes written.
type tailBuffer struct {
	max  int
	data []byte
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.data = append(b.data, p...)
	if len(b.data) > b.max {
		b.data = b.data[len(b.data)-b.max:]
	}
	return len(p), nil
}

// LastLine returns the final non-empty line written, trimmed.
func (b *tailBuffer) LastLine() string {
	s := strings.TrimRight(string(b.data), "\r\n \t")
	if s == "" {
		return ""
	}
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		s = s[i+1:]
	}
	return strings.TrimSpace(s)
}
