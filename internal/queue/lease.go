package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/basket/paperq/internal/audit"
	"github.com/basket/paperq/internal/record"
)

// stampClaim writes ownership onto a record at claim time. The first
// heartbeat is the claim itself.
func (q *Queue) stampClaim(rec *record.Record, owner string, now time.Time) {
	rec.ClaimedBy = owner
	rec.ClaimedAt = record.FormatTime(now)
	rec.HeartbeatAt = record.FormatTime(now)
	rec.LeaseExpiresAt = record.FormatTime(now.Add(q.leaseDuration))
}

// staleness decides whether an in-flight task's owner should be presumed
// dead. The rules fire in order:
//
//  1. A parseable lease expiry in the past wins outright.
//  2. No lease fields at all: fall back to claim age against the stale
//     threshold. These records predate lease stamping or lost a race with
//     a crash mid-claim.
//  3. Neither lease nor claim timestamp: nothing proves an owner was ever
//     alive, so the task is reclaimable immediately.
//  4. Otherwise the task is fresh.
func (q *Queue) staleness(rec record.Record, now time.Time) (bool, string) {
	if exp, ok := rec.LeaseExpiryTime(); ok {
		if now.After(exp) {
			return true, fmt.Sprintf("lease expired %s ago", now.Sub(exp).Round(time.Second))
		}
		return false, ""
	}
	if claimed, ok := rec.ClaimedTime(); ok {
		age := now.Sub(claimed)
		if age >= q.staleThreshold {
			return true, fmt.Sprintf("no lease, claimed %s ago", age.Round(time.Second))
		}
		return false, ""
	}
	return true, "no lease and no claim timestamp"
}

// Heartbeat extends the caller's lease on an in-flight task. Only the
// recorded owner may heartbeat; there is no force path, because a process
// that needs someone else's lease extended should be taking the task over
// instead.
func (q *Queue) Heartbeat(ctx context.Context, name string) (record.Record, error) {
	if err := q.EnsureDirs(); err != nil {
		return record.Record{}, err
	}
	self, err := q.InstanceID()
	if err != nil {
		return record.Record{}, err
	}

	st, found := q.Locate(name)
	if !found {
		return record.Record{}, fmt.Errorf("heartbeat %q: %w", name, ErrNotFound)
	}
	if st != StateProcessing {
		return record.Record{}, fmt.Errorf("heartbeat %q: in %s, not %s: %w", name, st, StateProcessing, ErrWrongState)
	}

	rec := q.readRecord(StateProcessing, name)
	if rec.ClaimedBy != self {
		// An unclaimed in-flight record has no lease to extend; it belongs
		// to the recovery sweep, which reclaims it immediately.
		if rec.ClaimedBy == "" {
			audit.Record("heartbeat", name, self, "denied", "no owner")
			return record.Record{}, fmt.Errorf("heartbeat %q: record has no owner: %w", name, ErrNotOwner)
		}
		audit.Record("heartbeat", name, self, "denied", "owner "+rec.ClaimedBy)
		return record.Record{}, &ConflictError{Op: "heartbeat", Task: name, Owner: rec.ClaimedBy}
	}

	now := q.now()
	rec.HeartbeatAt = record.FormatTime(now)
	newExpiry := now.Add(q.leaseDuration)
	// Leases only ever move forward. A claim stamped by a peer with a fast
	// clock must not be shortened by our slower one.
	if cur, ok := rec.LeaseExpiryTime(); !ok || newExpiry.After(cur) {
		rec.LeaseExpiresAt = record.FormatTime(newExpiry)
	}

	if err := q.writeRecord(StateProcessing, name, rec); err != nil {
		return record.Record{}, fmt.Errorf("heartbeat %q: %w", name, err)
	}
	q.logger.Debug("lease extended",
		"task", name,
		"instance", self,
		"lease_expires_at", rec.LeaseExpiresAt)
	audit.Record("heartbeat", name, self, "ok", rec.LeaseExpiresAt)
	return rec, nil
}
