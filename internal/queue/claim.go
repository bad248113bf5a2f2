package queue

import (
	"context"
	"fmt"
	"os"

	"github.com/basket/paperq/internal/audit"
	"github.com/basket/paperq/internal/bus"
)

// Claim takes up to n pending tasks for this instance and returns them in
// the order they were won. Contention is settled entirely by os.Rename:
// every claimer attempts the same pending->processing rename, the
// filesystem picks exactly one winner, and losers see ENOENT on the source
// and move on to the next candidate. No lock file, no coordinator.
//
// A recovery sweep runs first so that expired leases from crashed peers are
// back in pending before the scan starts.
func (q *Queue) Claim(ctx context.Context, n int) ([]Task, error) {
	if n <= 0 {
		n = 1
	}
	if err := q.EnsureDirs(); err != nil {
		return nil, err
	}
	self, err := q.InstanceID()
	if err != nil {
		return nil, err
	}

	// The sweep is opportunistic: a failure here leaves stale tasks for the
	// next pass but says nothing about whether pending can be scanned.
	if _, err := q.sweep(ctx, false); err != nil {
		if ctx.Err() != nil {
			return nil, err
		}
		q.logger.Warn("pre-claim recovery failed", "instance", self, "error", err)
	}

	names, err := q.List(ctx, StatePending)
	if err != nil {
		return nil, err
	}

	claimed := make([]Task, 0, n)
	for _, name := range names {
		if len(claimed) == n {
			break
		}
		if err := ctx.Err(); err != nil {
			return claimed, err
		}
		task, won, err := q.claimOne(name, self)
		if err != nil {
			return claimed, err
		}
		if won {
			claimed = append(claimed, task)
		}
	}
	return claimed, nil
}

// claimOne attempts the atomic grab of a single pending task. Losing the
// rename race is a normal outcome, not an error.
func (q *Queue) claimOne(name, self string) (Task, bool, error) {
	if err := q.move(name, StatePending, StateProcessing); err != nil {
		if os.IsNotExist(err) {
			// Another instance renamed it first, or it never existed.
			q.logger.Debug("lost claim race", "task", name, "instance", self)
			return Task{}, false, nil
		}
		return Task{}, false, fmt.Errorf("claim %q: %w", name, err)
	}

	// The rename is the claim. Stamping ownership afterwards is bookkeeping:
	// if it fails, membership still says the task is ours, and a record with
	// no claim timestamp is immediately reclaimable should we die here.
	rec := q.readRecord(StateProcessing, name)
	q.stampClaim(&rec, self, q.now())
	if err := q.writeRecord(StateProcessing, name, rec); err != nil {
		q.logger.Warn("claim stamp failed, task held by directory membership only",
			"task", name,
			"instance", self,
			"error", err)
	}

	q.logger.Info("task claimed",
		"task", name,
		"instance", self,
		"lease_expires_at", rec.LeaseExpiresAt)
	audit.Record("claim", name, self, "ok", "")
	q.publish(bus.TopicTaskClaimed, name, "", StateProcessing)
	return Task{Name: name, Rec: rec}, true, nil
}
