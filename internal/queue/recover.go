package queue

import (
	"context"
	"log/slog"
	"os"

	"github.com/basket/paperq/internal/audit"
	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/record"
)

// RecoveryStats summarizes one sweep over the processing directory.
type RecoveryStats struct {
	Recovered int `json:"recovered"`
	Completed int `json:"completed"`
	Active    int `json:"active"`
}

// Recover sweeps processing for tasks whose owner died. Workers that
// finished their output but crashed before reporting are completed in
// place; stale claims go back to pending; live leases are left alone.
func (q *Queue) Recover(ctx context.Context) (RecoveryStats, error) {
	return q.sweep(ctx, true)
}

// Sweep is Recover at Debug verbosity, for periodic background passes.
func (q *Queue) Sweep(ctx context.Context) (RecoveryStats, error) {
	return q.sweep(ctx, false)
}

// sweep implements Recover. The explicit command narrates at Info; the
// implicit pre-claim pass uses Debug so routine claims stay quiet.
func (q *Queue) sweep(ctx context.Context, verbose bool) (RecoveryStats, error) {
	var stats RecoveryStats
	if err := q.EnsureDirs(); err != nil {
		return stats, err
	}
	self, err := q.InstanceID()
	if err != nil {
		return stats, err
	}
	logAt := q.logger.Debug
	if verbose {
		logAt = q.logger.Info
	}

	names, err := q.List(ctx, StateProcessing)
	if err != nil {
		return stats, err
	}
	now := q.now()

	for _, name := range names {
		if err := ctx.Err(); err != nil {
			return stats, err
		}
		rec := q.readRecord(StateProcessing, name)

		// A finished artifact trumps any lease state: the work exists, so
		// the task must not be redone no matter how dead its owner is.
		if q.outputSatisfied(name) {
			if err := q.move(name, StateProcessing, StateDone); err != nil {
				if os.IsNotExist(err) {
					continue
				}
				q.logger.Warn("recovery skipped task, rename failed",
					"task", name, "error", err)
				continue
			}
			// Stamp after the rename, in the destination, so a concurrent
			// resolver's move can never be undone by our write.
			rec.CompletedAt = record.FormatTime(now)
			rec.Error = ""
			if err := q.writeRecord(StateDone, name, rec); err != nil {
				q.logger.Warn("recovery completion stamp failed",
					"task", name, "error", err)
			}
			stats.Completed++
			logAt("recovered task completed out of band",
				"task", name,
				"owner", rec.ClaimedBy,
				"output", q.OutputPath(name))
			audit.Record("recover", name, self, "completed", "output present")
			q.publish(bus.TopicTaskRecovered, name, "completed out of band", StateDone)
			continue
		}

		stale, reason := q.staleness(rec, now)
		if !stale {
			stats.Active++
			continue
		}

		owner := rec.ClaimedBy
		if err := q.move(name, StateProcessing, StatePending); err != nil {
			if os.IsNotExist(err) {
				continue
			}
			q.logger.Warn("recovery skipped task, rename failed",
				"task", name, "error", err)
			continue
		}
		rec.ClearOwnership()
		if err := q.writeRecord(StatePending, name, rec); err != nil {
			q.logger.Warn("recovery ownership clear failed, next claim will restamp",
				"task", name, "error", err)
		}
		stats.Recovered++
		logAt("recovered stale task to pending",
			"task", name,
			"previous_owner", owner,
			"reason", reason)
		audit.Record("recover", name, self, "requeued", reason)
		q.publish(bus.TopicTaskRecovered, name, reason, StatePending)
	}

	if stats.Recovered > 0 || stats.Completed > 0 || verbose {
		logAt("recovery sweep finished",
			slog.Int("recovered", stats.Recovered),
			slog.Int("completed", stats.Completed),
			slog.Int("active", stats.Active))
	}
	return stats, nil
}

// outputSatisfied reports whether the expected artifact for a task exists
// and clears the size floor.
func (q *Queue) outputSatisfied(name string) bool {
	if q.outputDir == "" {
		return false
	}
	fi, err := os.Stat(q.OutputPath(name))
	if err != nil {
		return false
	}
	return fi.Mode().IsRegular() && fi.Size() >= q.outputMinBytes
}
