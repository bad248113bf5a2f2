// Package doctor runs read-mostly diagnostics over a queue deployment:
// configuration, directory health, rename atomicity, record shape, and
// lease hygiene. Its one write is a probe file it removes again.
package doctor

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/basket/paperq/internal/config"
	"github.com/basket/paperq/internal/identity"
	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/record"
	"github.com/santhosh-tekuri/jsonschema/v6"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Failed reports whether any check failed outright.
func (d Diagnosis) Failed() bool {
	for _, r := range d.Results {
		if r.Status == "FAIL" {
			return true
		}
	}
	return false
}

// recordSchema is the JSON Schema every structured record must satisfy.
// It checks shape only: all known fields are strings. Unknown fields are
// allowed, matching the codec's tolerance.
const recordSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "properties": {
    "pdf": {"type": "string"},
    "created_at": {"type": "string"},
    "claimed_by": {"type": "string"},
    "claimed_at": {"type": "string"},
    "heartbeat_at": {"type": "string"},
    "lease_expires_at": {"type": "string"},
    "completed_at": {"type": "string"},
    "error": {"type": "string"}
  }
}`

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkStateDirs,
		checkAtomicRename,
		checkRecords,
		checkIdentity,
		checkInventory,
		checkLeases,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

// openQueue builds a read-side queue from config for checks that need one.
func openQueue(cfg *config.Config) (*queue.Queue, error) {
	return queue.New(queue.Config{
		Root:           cfg.Queue.Root,
		InventoryDir:   cfg.Queue.InventoryDir,
		OutputDir:      cfg.Queue.OutputDir,
		OutputTemplate: cfg.Queue.OutputTemplate,
		OutputMinBytes: cfg.Queue.OutputMinBytes,
		LeaseDuration:  cfg.LeaseDuration(),
		StaleThreshold: cfg.StaleThreshold(),
		Identity:       identity.Fixed("doctor"),
		Logger:         slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.FirstRun {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "No config file yet, running on defaults",
			Detail:  fmt.Sprintf("Expected at %s", config.ConfigPath(cfg.HomeDir)),
		}
	}
	return CheckResult{
		Name:    "Config",
		Status:  "PASS",
		Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir),
		Detail: fmt.Sprintf("%s, lease=%s stale=%s",
			cfg.Fingerprint(), cfg.LeaseDuration(), cfg.StaleThreshold()),
	}
}

func checkStateDirs(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "State dirs", Status: "SKIP", Message: "Config missing"}
	}
	q, err := openQueue(cfg)
	if err != nil {
		return CheckResult{Name: "State dirs", Status: "FAIL", Message: err.Error()}
	}
	if err := q.EnsureDirs(); err != nil {
		return CheckResult{Name: "State dirs", Status: "FAIL", Message: fmt.Sprintf("Cannot create state dirs: %v", err)}
	}

	probe := filepath.Join(cfg.Queue.Root, ".write_test")
	if err := os.WriteFile(probe, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "State dirs", Status: "FAIL", Message: fmt.Sprintf("Queue root unwritable: %v", err)}
	}
	os.Remove(probe)

	return CheckResult{
		Name:    "State dirs",
		Status:  "PASS",
		Message: "All four state dirs present and writable",
		Detail:  cfg.Queue.Root,
	}
}

// checkAtomicRename walks a probe record through every state directory and
// back. The whole queue rests on these renames being atomic moves on one
// filesystem; a cross-device setup surfaces here instead of during a claim.
func checkAtomicRename(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Atomic rename", Status: "SKIP", Message: "Config missing"}
	}
	q, err := openQueue(cfg)
	if err != nil {
		return CheckResult{Name: "Atomic rename", Status: "FAIL", Message: err.Error()}
	}
	if err := q.EnsureDirs(); err != nil {
		return CheckResult{Name: "Atomic rename", Status: "FAIL", Message: err.Error()}
	}

	if same, known := sameDevice(
		q.Dir(queue.StatePending),
		q.Dir(queue.StateProcessing),
		q.Dir(queue.StateDone),
		q.Dir(queue.StateFailed),
	); known && !same {
		return CheckResult{
			Name:    "Atomic rename",
			Status:  "WARN",
			Message: "State dirs span filesystems, renames will not be atomic",
			Detail:  "Move the queue root onto a single filesystem",
		}
	}

	// Dotted probe name: invisible to queue listings.
	probeName := fmt.Sprintf(".doctor-probe-%d", os.Getpid())
	path := filepath.Join(q.Dir(queue.StatePending), probeName)
	if err := os.WriteFile(path, []byte("probe"), 0o600); err != nil {
		return CheckResult{Name: "Atomic rename", Status: "FAIL", Message: fmt.Sprintf("Cannot write probe: %v", err)}
	}
	defer os.Remove(path)

	hops := []queue.State{queue.StateProcessing, queue.StateDone, queue.StateFailed, queue.StatePending}
	start := time.Now()
	cur := path
	for _, st := range hops {
		next := filepath.Join(q.Dir(st), probeName)
		if err := os.Rename(cur, next); err != nil {
			os.Remove(cur)
			return CheckResult{
				Name:    "Atomic rename",
				Status:  "FAIL",
				Message: fmt.Sprintf("Rename into %s failed: %v", st, err),
				Detail:  "Claims depend on rename; the queue cannot run here",
			}
		}
		cur = next
	}
	elapsed := time.Since(start)

	return CheckResult{
		Name:    "Atomic rename",
		Status:  "PASS",
		Message: "Probe renamed through all state dirs",
		Detail:  fmt.Sprintf("4 hops in %s", elapsed.Round(time.Microsecond)),
	}
}

func checkRecords(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Records", Status: "SKIP", Message: "Config missing"}
	}
	q, err := openQueue(cfg)
	if err != nil {
		return CheckResult{Name: "Records", Status: "FAIL", Message: err.Error()}
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(recordSchema))
	if err != nil {
		return CheckResult{Name: "Records", Status: "FAIL", Message: fmt.Sprintf("Parse schema: %v", err)}
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("record.json", doc); err != nil {
		return CheckResult{Name: "Records", Status: "FAIL", Message: fmt.Sprintf("Add schema: %v", err)}
	}
	schema, err := c.Compile("record.json")
	if err != nil {
		return CheckResult{Name: "Records", Status: "FAIL", Message: fmt.Sprintf("Compile schema: %v", err)}
	}

	var total, legacy int
	var corrupt, invalid []string
	for _, st := range queue.States {
		names, err := q.List(ctx, st)
		if err != nil {
			return CheckResult{Name: "Records", Status: "FAIL", Message: fmt.Sprintf("List %s: %v", st, err)}
		}
		for _, name := range names {
			total++
			ref := fmt.Sprintf("%s/%s", st, name)
			data, err := os.ReadFile(filepath.Join(q.Dir(st), record.FileName(name)))
			if err != nil {
				corrupt = append(corrupt, ref)
				continue
			}
			trimmed := bytes.TrimSpace(data)
			if len(trimmed) > 0 && trimmed[0] == '{' {
				// Structured form: validate against the schema directly, so a
				// wrongly-typed field reads as a violation rather than noise.
				parsed, err := jsonschema.UnmarshalJSON(bytes.NewReader(trimmed))
				if err != nil {
					corrupt = append(corrupt, ref)
					continue
				}
				if err := schema.Validate(parsed); err != nil {
					invalid = append(invalid, ref)
				}
				continue
			}
			if _, enc, ok := record.Decode(data); !ok {
				corrupt = append(corrupt, ref)
			} else if enc == record.EncodingFlat {
				legacy++
			}
		}
	}

	switch {
	case len(invalid) > 0:
		return CheckResult{
			Name:    "Records",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d records violate the schema", len(invalid), total),
			Detail:  strings.Join(invalid, ", "),
		}
	case len(corrupt) > 0:
		return CheckResult{
			Name:    "Records",
			Status:  "WARN",
			Message: fmt.Sprintf("%d of %d records unreadable (queue tolerates them)", len(corrupt), total),
			Detail:  strings.Join(corrupt, ", "),
		}
	default:
		msg := fmt.Sprintf("%d records valid", total)
		if legacy > 0 {
			msg += fmt.Sprintf(", %d legacy flat encoding (upgraded on next write)", legacy)
		}
		return CheckResult{Name: "Records", Status: "PASS", Message: msg}
	}
}

func checkIdentity(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Identity", Status: "SKIP", Message: "Config missing"}
	}
	prov := identity.ForInstance(cfg.Instance)
	first, err := prov.ID()
	if err != nil {
		return CheckResult{Name: "Identity", Status: "FAIL", Message: fmt.Sprintf("Resolve identity: %v", err)}
	}
	if strings.TrimSpace(first) == "" {
		return CheckResult{Name: "Identity", Status: "FAIL", Message: "Identity resolved empty"}
	}
	second, err := prov.ID()
	if err != nil || second != first {
		return CheckResult{
			Name:    "Identity",
			Status:  "FAIL",
			Message: "Identity not stable across reads",
			Detail:  fmt.Sprintf("%q then %q", first, second),
		}
	}
	return CheckResult{Name: "Identity", Status: "PASS", Message: first}
}

func checkInventory(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Inventory", Status: "SKIP", Message: "Config missing"}
	}
	entries, err := os.ReadDir(cfg.Queue.InventoryDir)
	if err != nil {
		return CheckResult{
			Name:    "Inventory",
			Status:  "WARN",
			Message: fmt.Sprintf("Inventory unreadable: %v", err),
			Detail:  "init has nothing to scan until this exists",
		}
	}
	var pdfs int
	for _, ent := range entries {
		if !ent.IsDir() && strings.EqualFold(filepath.Ext(ent.Name()), ".pdf") {
			pdfs++
		}
	}

	q, err := openQueue(cfg)
	if err != nil {
		return CheckResult{Name: "Inventory", Status: "FAIL", Message: err.Error()}
	}
	orphans := orphanOutputs(ctx, q, cfg)

	res := CheckResult{
		Name:    "Inventory",
		Status:  "PASS",
		Message: fmt.Sprintf("%d documents in %s", pdfs, cfg.Queue.InventoryDir),
	}
	if len(orphans) > 0 {
		res.Detail = fmt.Sprintf("outputs without records: %s", strings.Join(orphans, ", "))
	}
	return res
}

// orphanOutputs lists output artifacts whose task name has no record in
// any state. Harmless, but usually means someone renamed records by hand.
func orphanOutputs(ctx context.Context, q *queue.Queue, cfg *config.Config) []string {
	tpl := cfg.Queue.OutputTemplate
	idx := strings.Index(tpl, "{name}")
	if idx < 0 {
		return nil
	}
	prefix, suffix := tpl[:idx], tpl[idx+len("{name}"):]

	entries, err := os.ReadDir(cfg.Queue.OutputDir)
	if err != nil {
		return nil
	}
	var orphans []string
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		n := ent.Name()
		if !strings.HasPrefix(n, prefix) || !strings.HasSuffix(n, suffix) || len(n) <= len(prefix)+len(suffix) {
			continue
		}
		name := n[len(prefix) : len(n)-len(suffix)]
		if _, found := q.Locate(name); !found {
			orphans = append(orphans, name)
		}
	}
	return orphans
}

func checkLeases(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Leases", Status: "SKIP", Message: "Config missing"}
	}
	q, err := openQueue(cfg)
	if err != nil {
		return CheckResult{Name: "Leases", Status: "FAIL", Message: err.Error()}
	}
	rep, err := q.Status(ctx)
	if err != nil {
		return CheckResult{Name: "Leases", Status: "FAIL", Message: fmt.Sprintf("Read queue: %v", err)}
	}

	var stale []string
	for _, info := range rep.Processing {
		if info.Stale {
			stale = append(stale, info.Name)
		}
	}
	if len(stale) > 0 {
		return CheckResult{
			Name:    "Leases",
			Status:  "WARN",
			Message: fmt.Sprintf("%d stale claims in processing", len(stale)),
			Detail:  fmt.Sprintf("run `paperq recover` to requeue: %s", strings.Join(stale, ", ")),
		}
	}
	return CheckResult{
		Name:    "Leases",
		Status:  "PASS",
		Message: fmt.Sprintf("%d in-flight tasks, all fresh", rep.Counts.Processing),
	}
}
