// Package queue implements a work queue whose entire state lives in four
// directories on one filesystem. A task is a record file; the directory it
// sits in is its state; moving it is a rename. Because rename is atomic on
// a POSIX filesystem, it is also the only mutual exclusion this queue has
// or needs: whichever process renames first owns the task, and everyone
// else just lost a race they can shrug off.
package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/identity"
	"github.com/basket/paperq/internal/record"
)

// State names a queue directory. Membership is authoritative: no record
// field ever overrides where the file actually is.
type State string

const (
	StatePending    State = "pending"
	StateProcessing State = "processing"
	StateDone       State = "done"
	StateFailed     State = "failed"
)

// States lists every state in scan order.
var States = []State{StatePending, StateProcessing, StateDone, StateFailed}

// ParseState maps a CLI argument to a State.
func ParseState(s string) (State, bool) {
	switch State(strings.ToLower(strings.TrimSpace(s))) {
	case StatePending:
		return StatePending, true
	case StateProcessing:
		return StateProcessing, true
	case StateDone:
		return StateDone, true
	case StateFailed:
		return StateFailed, true
	}
	return "", false
}

var (
	// ErrNotFound reports that no state directory holds the named task.
	ErrNotFound = errors.New("task not found")

	// ErrNotOwner reports an ownership check failure. Always wrapped in a
	// *ConflictError carrying the actual owner.
	ErrNotOwner = errors.New("not the task owner")

	// ErrWrongState reports an operation against a task in the wrong state.
	ErrWrongState = errors.New("task in wrong state")
)

// ConflictError is returned when an operation targets a task claimed by a
// different instance and --force was not given.
type ConflictError struct {
	Op    string
	Task  string
	Owner string
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("cannot %s %q: owned by %s (use --force to override)", e.Op, e.Task, e.Owner)
}

func (e *ConflictError) Unwrap() error { return ErrNotOwner }

// Config assembles a Queue.
type Config struct {
	// Root contains the four state directories.
	Root string

	// InventoryDir is scanned by Init for source documents.
	InventoryDir string

	// OutputDir and OutputTemplate locate the artifact a converter is
	// expected to produce for a task. OutputMinBytes is the size floor
	// below which an artifact does not count.
	OutputDir      string
	OutputTemplate string
	OutputMinBytes int64

	// LeaseDuration must exceed StaleThreshold; New enforces it.
	LeaseDuration  time.Duration
	StaleThreshold time.Duration

	Identity identity.Provider
	Logger   *slog.Logger
	Bus      *bus.Bus

	// Now is the clock. Tests inject a virtual one.
	Now func() time.Time
}

// Queue operates one directory-backed work queue on behalf of one instance.
type Queue struct {
	root           string
	inventoryDir   string
	outputDir      string
	outputTemplate string
	outputMinBytes int64
	leaseDuration  time.Duration
	staleThreshold time.Duration

	identity identity.Provider
	logger   *slog.Logger
	bus      *bus.Bus
	now      func() time.Time

	instanceID string
}

// Task is a claimed or listed queue entry.
type Task struct {
	Name string
	Rec  record.Record
}

// Entry is a listed record with its decode disposition, for list -v and
// diagnostics.
type Entry struct {
	Name string
	Rec  record.Record
	Enc  record.Encoding
	OK   bool
}

// New validates cfg and returns a Queue. It does not touch the filesystem;
// directories are ensured lazily by every operation.
func New(cfg Config) (*Queue, error) {
	if strings.TrimSpace(cfg.Root) == "" {
		return nil, fmt.Errorf("queue root not configured")
	}
	if cfg.LeaseDuration <= 0 {
		cfg.LeaseDuration = 30 * time.Minute
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 15 * time.Minute
	}
	if cfg.LeaseDuration <= cfg.StaleThreshold {
		return nil, fmt.Errorf("lease duration %v must exceed stale threshold %v",
			cfg.LeaseDuration, cfg.StaleThreshold)
	}
	if cfg.Identity == nil {
		cfg.Identity = identity.NewSessionProvider()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if strings.TrimSpace(cfg.OutputTemplate) == "" {
		cfg.OutputTemplate = "{name}.md"
	}
	return &Queue{
		root:           cfg.Root,
		inventoryDir:   cfg.InventoryDir,
		outputDir:      cfg.OutputDir,
		outputTemplate: cfg.OutputTemplate,
		outputMinBytes: cfg.OutputMinBytes,
		leaseDuration:  cfg.LeaseDuration,
		staleThreshold: cfg.StaleThreshold,
		identity:       cfg.Identity,
		logger:         cfg.Logger,
		bus:            cfg.Bus,
		now:            cfg.Now,
	}, nil
}

// Root returns the queue root directory.
func (q *Queue) Root() string { return q.root }

// InventoryDir returns the source document directory.
func (q *Queue) InventoryDir() string { return q.inventoryDir }

// InstanceID resolves and caches the acting identity.
func (q *Queue) InstanceID() (string, error) {
	if q.instanceID != "" {
		return q.instanceID, nil
	}
	id, err := q.identity.ID()
	if err != nil {
		return "", fmt.Errorf("resolve instance identity: %w", err)
	}
	q.instanceID = id
	return id, nil
}

// Dir returns the directory backing a state.
func (q *Queue) Dir(st State) string {
	return filepath.Join(q.root, string(st))
}

func (q *Queue) recordPath(st State, name string) string {
	return filepath.Join(q.Dir(st), record.FileName(name))
}

// OutputPath returns the artifact path a converter is expected to produce.
func (q *Queue) OutputPath(name string) string {
	file := strings.ReplaceAll(q.outputTemplate, "{name}", name)
	return filepath.Join(q.outputDir, file)
}

// EnsureDirs creates any missing state directory. Every operation calls it
// first: structural damage is repaired, not reported.
func (q *Queue) EnsureDirs() error {
	for _, st := range States {
		if err := os.MkdirAll(q.Dir(st), 0o755); err != nil {
			return fmt.Errorf("ensure %s dir: %w", st, err)
		}
	}
	return nil
}

// Locate finds which state directory holds the named task.
func (q *Queue) Locate(name string) (State, bool) {
	for _, st := range States {
		if _, err := os.Stat(q.recordPath(st, name)); err == nil {
			return st, true
		}
	}
	return "", false
}

// List returns the task names in a state, sorted.
func (q *Queue) List(ctx context.Context, st State) ([]string, error) {
	if err := q.EnsureDirs(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(q.Dir(st))
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", st, err)
	}
	names := make([]string, 0, len(entries))
	for _, ent := range entries {
		if ent.IsDir() {
			continue
		}
		if name, ok := record.NameFromFile(ent.Name()); ok {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

// Entries returns the records in a state with their decode dispositions.
// Corrupt records appear with OK=false and a zero record; they are data for
// diagnostics, never an error.
func (q *Queue) Entries(ctx context.Context, st State) ([]Entry, error) {
	names, err := q.List(ctx, st)
	if err != nil {
		return nil, err
	}
	out := make([]Entry, 0, len(names))
	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		rec, enc, ok := record.Load(q.recordPath(st, name))
		out = append(out, Entry{Name: name, Rec: rec, Enc: enc, OK: ok})
	}
	return out, nil
}

// readRecord loads a task's record tolerantly: corrupt or missing content
// yields a zero record.
func (q *Queue) readRecord(st State, name string) record.Record {
	rec, _, _ := record.Load(q.recordPath(st, name))
	return rec
}

func (q *Queue) writeRecord(st State, name string, rec record.Record) error {
	return record.Write(q.recordPath(st, name), rec)
}

// move renames a task's record between states. os.IsNotExist on the source
// means another process moved it first.
func (q *Queue) move(name string, from, to State) error {
	return os.Rename(q.recordPath(from, name), q.recordPath(to, name))
}

func (q *Queue) publish(topic, task, detail string, st State) {
	if q.bus == nil {
		return
	}
	instance, _ := q.InstanceID()
	q.bus.Publish(topic, bus.TaskEvent{
		Task:     task,
		Instance: instance,
		State:    string(st),
		Detail:   detail,
	})
}

// Counts holds per-state totals.
type Counts struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Done       int `json:"done"`
	Failed     int `json:"failed"`
}

// ProcessingInfo describes one in-flight task for status output.
type ProcessingInfo struct {
	Name           string        `json:"name"`
	Owner          string        `json:"owner"`
	HeartbeatAge   time.Duration `json:"heartbeat_age"`
	LeaseRemaining time.Duration `json:"lease_remaining"`
	Stale          bool          `json:"stale"`
	Reason         string        `json:"reason,omitempty"`
}

// FailureInfo describes one failed task for status output.
type FailureInfo struct {
	Name  string `json:"name"`
	Error string `json:"error"`
}

// StatusReport is the read-only snapshot behind `paperq status`.
type StatusReport struct {
	Counts     Counts           `json:"counts"`
	Processing []ProcessingInfo `json:"processing,omitempty"`
	Failures   []FailureInfo    `json:"failures,omitempty"`
}

const statusFailureLimit = 5

// Status summarizes the queue without mutating anything: per-state counts,
// lease disposition of every in-flight task, and the most recent failures.
func (q *Queue) Status(ctx context.Context) (StatusReport, error) {
	var rep StatusReport
	if err := q.EnsureDirs(); err != nil {
		return rep, err
	}
	now := q.now()

	for _, st := range States {
		names, err := q.List(ctx, st)
		if err != nil {
			return rep, err
		}
		switch st {
		case StatePending:
			rep.Counts.Pending = len(names)
		case StateProcessing:
			rep.Counts.Processing = len(names)
			for _, name := range names {
				rec := q.readRecord(st, name)
				info := ProcessingInfo{Name: name, Owner: rec.ClaimedBy}
				if hb, ok := rec.HeartbeatTime(); ok {
					info.HeartbeatAge = now.Sub(hb)
				}
				if exp, ok := rec.LeaseExpiryTime(); ok {
					info.LeaseRemaining = exp.Sub(now)
				}
				info.Stale, info.Reason = q.staleness(rec, now)
				rep.Processing = append(rep.Processing, info)
			}
		case StateDone:
			rep.Counts.Done = len(names)
		case StateFailed:
			rep.Counts.Failed = len(names)
			rep.Failures = q.recentFailures(names)
		}
	}
	return rep, nil
}

// recentFailures returns the newest failed records by file mtime.
func (q *Queue) recentFailures(names []string) []FailureInfo {
	type aged struct {
		name string
		mod  time.Time
	}
	byAge := make([]aged, 0, len(names))
	for _, name := range names {
		fi, err := os.Stat(q.recordPath(StateFailed, name))
		if err != nil {
			continue
		}
		byAge = append(byAge, aged{name: name, mod: fi.ModTime()})
	}
	sort.Slice(byAge, func(i, j int) bool { return byAge[i].mod.After(byAge[j].mod) })
	if len(byAge) > statusFailureLimit {
		byAge = byAge[:statusFailureLimit]
	}
	out := make([]FailureInfo, 0, len(byAge))
	for _, a := range byAge {
		rec := q.readRecord(StateFailed, a.name)
		out = append(out, FailureInfo{Name: a.name, Error: rec.Error})
	}
	return out
}
