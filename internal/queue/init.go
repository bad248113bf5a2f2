package queue

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/paperq/internal/audit"
	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/record"
)

// InitStats summarizes one inventory scan.
type InitStats struct {
	Registered int `json:"registered"`
	Completed  int `json:"completed"`
	Skipped    int `json:"skipped"`
}

// MigrateStats summarizes one legacy queue file import. The name slices
// carry what the counts aggregate, for caller-facing listings.
type MigrateStats struct {
	Imported        int  `json:"imported"`
	Completed       int  `json:"completed"`
	Skipped         int  `json:"skipped"`
	AlreadyMigrated bool `json:"already_migrated"`

	ImportedNames []string `json:"imported_names,omitempty"`
	SkippedNames  []string `json:"skipped_names,omitempty"`
}

// MigratedSuffix marks a consumed legacy queue file.
const MigratedSuffix = ".migrated"

// Init scans the inventory directory for source documents and registers
// any it has not seen. A document whose task name exists in any state
// directory is skipped, so re-running init never duplicates a task or
// regresses its state. Documents whose output artifact already satisfies
// the size floor register straight into done.
func (q *Queue) Init(ctx context.Context) (InitStats, error) {
	var stats InitStats
	if err := q.EnsureDirs(); err != nil {
		return stats, err
	}
	self, err := q.InstanceID()
	if err != nil {
		return stats, err
	}
	if strings.TrimSpace(q.inventoryDir) == "" {
		return stats, fmt.Errorf("inventory dir not configured")
	}

	entries, err := os.ReadDir(q.inventoryDir)
	if err != nil {
		return stats, fmt.Errorf("scan inventory: %w", err)
	}
	now := q.now()

	for _, ent := range entries {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		if ent.IsDir() || !strings.EqualFold(filepath.Ext(ent.Name()), ".pdf") {
			continue
		}
		switch st, ok := q.register(ent.Name(), now); {
		case !ok:
			stats.Skipped++
		case st == StateDone:
			stats.Completed++
		default:
			stats.Registered++
		}
	}

	q.logger.Info("inventory scan finished",
		"inventory", q.inventoryDir,
		"registered", stats.Registered,
		"completed", stats.Completed,
		"skipped", stats.Skipped)
	audit.Record("init", "", self, "ok",
		fmt.Sprintf("registered=%d completed=%d skipped=%d", stats.Registered, stats.Completed, stats.Skipped))
	if q.bus != nil {
		q.bus.Publish(bus.TopicQueueRescan, bus.RescanEvent{
			Registered: stats.Registered,
			Completed:  stats.Completed,
			Skipped:    stats.Skipped,
		})
	}
	return stats, nil
}

// register adds one source document to the queue. Returns the state it
// landed in, or ok=false when the document was skipped (already known, or
// its name cannot be a record file).
func (q *Queue) register(doc string, now time.Time) (State, bool) {
	name := record.NameForDocument(doc)
	if err := record.ValidateName(name); err != nil {
		q.logger.Warn("skipping document, unusable task name", "document", doc, "error", err)
		return "", false
	}
	if st, found := q.Locate(name); found {
		q.logger.Debug("skipping known task", "task", name, "state", string(st))
		return "", false
	}

	rec := record.Record{
		PDF:       doc,
		CreatedAt: record.FormatTime(now),
	}
	st := StatePending
	if q.outputSatisfied(name) {
		rec.CompletedAt = record.FormatTime(now)
		st = StateDone
	}
	if err := q.writeRecord(st, name, rec); err != nil {
		q.logger.Warn("skipping document, record write failed", "task", name, "error", err)
		return "", false
	}
	q.logger.Debug("task registered", "task", name, "state", string(st))
	return st, true
}

// Migrate imports a legacy flat queue file, one source document per line,
// then renames the file with a .migrated suffix so the import cannot run
// twice. A missing source alongside its .migrated twin reports success, so
// scripted migrations stay idempotent.
func (q *Queue) Migrate(ctx context.Context, path string) (MigrateStats, error) {
	var stats MigrateStats
	if err := q.EnsureDirs(); err != nil {
		return stats, err
	}
	self, err := q.InstanceID()
	if err != nil {
		return stats, err
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			if _, terr := os.Stat(path + MigratedSuffix); terr == nil {
				stats.AlreadyMigrated = true
				return stats, nil
			}
			return stats, fmt.Errorf("migrate: queue file %s: %w", path, err)
		}
		return stats, fmt.Errorf("migrate: %w", err)
	}
	defer f.Close()

	now := q.now()
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		// Legacy entries may carry a path; only the file name matters.
		doc := filepath.Base(line)
		name := record.NameForDocument(doc)
		switch st, ok := q.register(doc, now); {
		case !ok:
			stats.Skipped++
			stats.SkippedNames = append(stats.SkippedNames, name)
		case st == StateDone:
			stats.Completed++
			stats.ImportedNames = append(stats.ImportedNames, name)
		default:
			stats.Imported++
			stats.ImportedNames = append(stats.ImportedNames, name)
		}
	}
	if err := scanner.Err(); err != nil {
		return stats, fmt.Errorf("migrate: read %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return stats, fmt.Errorf("migrate: %w", err)
	}

	if err := os.Rename(path, path+MigratedSuffix); err != nil {
		return stats, fmt.Errorf("migrate: retire %s: %w", path, err)
	}
	q.logger.Info("legacy queue migrated",
		"source", path,
		"imported", stats.Imported,
		"completed", stats.Completed,
		"skipped", stats.Skipped)
	audit.Record("migrate", "", self, "ok",
		fmt.Sprintf("imported=%d completed=%d skipped=%d", stats.Imported, stats.Completed, stats.Skipped))
	return stats, nil
}
