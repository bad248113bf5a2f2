package queue

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/basket/paperq/internal/audit"
	"github.com/basket/paperq/internal/bus"
	"github.com/basket/paperq/internal/record"
)

// gate enforces ownership for a mutating operation. An empty claimed_by
// never conflicts: a record without ownership has no owner to protect.
func gate(op, name, owner, self string, force bool) (forced bool, err error) {
	if owner == "" || owner == self {
		return false, nil
	}
	if force {
		return true, nil
	}
	return false, &ConflictError{Op: op, Task: name, Owner: owner}
}

// requireState locates a task and checks it is where the operation needs
// it to be.
func (q *Queue) requireState(op, name string, want State) error {
	st, found := q.Locate(name)
	if !found {
		return fmt.Errorf("%s %q: %w", op, name, ErrNotFound)
	}
	if st != want {
		return fmt.Errorf("%s %q: in %s, not %s: %w", op, name, st, want, ErrWrongState)
	}
	return nil
}

// finish is the shared tail of Complete, Fail and Release: rename out of
// processing, then stamp the record where it landed. The rename is the
// resolution; stamping afterwards means a task concurrently moved by a
// peer can never be recreated in processing by our write.
func (q *Queue) finish(op, name, self string, to State, forced bool, mutate func(*record.Record)) error {
	rec := q.readRecord(StateProcessing, name)
	if err := q.move(name, StateProcessing, to); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s %q: moved by another instance: %w", op, name, ErrNotFound)
		}
		return fmt.Errorf("%s %q: %w", op, name, err)
	}
	mutate(&rec)
	if err := q.writeRecord(to, name, rec); err != nil {
		q.logger.Warn("resolution stamp failed, task resolved by directory membership only",
			"op", op,
			"task", name,
			"instance", self,
			"error", err)
	}
	outcome := "ok"
	if forced {
		outcome = "forced"
	}
	audit.Record(op, name, self, outcome, "")
	return nil
}

// Complete marks an in-flight task done. The caller must own it unless
// force is set.
func (q *Queue) Complete(ctx context.Context, name string, force bool) error {
	if err := q.EnsureDirs(); err != nil {
		return err
	}
	self, err := q.InstanceID()
	if err != nil {
		return err
	}
	if err := q.requireState("complete", name, StateProcessing); err != nil {
		return err
	}
	rec := q.readRecord(StateProcessing, name)
	forced, err := gate("complete", name, rec.ClaimedBy, self, force)
	if err != nil {
		audit.Record("complete", name, self, "denied", "owner "+rec.ClaimedBy)
		return err
	}

	now := q.now()
	if err := q.finish("complete", name, self, StateDone, forced, func(r *record.Record) {
		r.CompletedAt = record.FormatTime(now)
		r.Error = ""
	}); err != nil {
		return err
	}
	q.logger.Info("task completed", "task", name, "instance", self, "forced", forced)
	q.publish(bus.TopicTaskCompleted, name, "", StateDone)
	return nil
}

// Fail marks an in-flight task failed with a reason. Same gate as Complete.
func (q *Queue) Fail(ctx context.Context, name, msg string, force bool) error {
	if err := q.EnsureDirs(); err != nil {
		return err
	}
	self, err := q.InstanceID()
	if err != nil {
		return err
	}
	if err := q.requireState("fail", name, StateProcessing); err != nil {
		return err
	}
	rec := q.readRecord(StateProcessing, name)
	forced, err := gate("fail", name, rec.ClaimedBy, self, force)
	if err != nil {
		audit.Record("fail", name, self, "denied", "owner "+rec.ClaimedBy)
		return err
	}

	msg = strings.TrimSpace(msg)
	if err := q.finish("fail", name, self, StateFailed, forced, func(r *record.Record) {
		r.Error = msg
		r.CompletedAt = ""
	}); err != nil {
		return err
	}
	q.logger.Warn("task failed", "task", name, "instance", self, "error", msg, "forced", forced)
	q.publish(bus.TopicTaskFailed, name, msg, StateFailed)
	return nil
}

// Release puts an in-flight task back in pending without recording an
// error. The voluntary counterpart of the recovery sweep.
func (q *Queue) Release(ctx context.Context, name string, force bool) error {
	if err := q.EnsureDirs(); err != nil {
		return err
	}
	self, err := q.InstanceID()
	if err != nil {
		return err
	}
	if err := q.requireState("release", name, StateProcessing); err != nil {
		return err
	}
	rec := q.readRecord(StateProcessing, name)
	forced, err := gate("release", name, rec.ClaimedBy, self, force)
	if err != nil {
		audit.Record("release", name, self, "denied", "owner "+rec.ClaimedBy)
		return err
	}

	if err := q.finish("release", name, self, StatePending, forced, func(r *record.Record) {
		r.ClearOwnership()
	}); err != nil {
		return err
	}
	q.logger.Info("task released", "task", name, "instance", self, "forced", forced)
	q.publish(bus.TopicTaskReleased, name, "", StatePending)
	return nil
}

// Retry moves a failed task back to pending for another attempt, clearing
// the failure and any stale ownership. Failed records have no live owner,
// so there is no gate.
func (q *Queue) Retry(ctx context.Context, name string) error {
	if err := q.EnsureDirs(); err != nil {
		return err
	}
	self, err := q.InstanceID()
	if err != nil {
		return err
	}
	if err := q.requireState("retry", name, StateFailed); err != nil {
		return err
	}

	rec := q.readRecord(StateFailed, name)
	if err := q.move(name, StateFailed, StatePending); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("retry %q: moved by another instance: %w", name, ErrNotFound)
		}
		return fmt.Errorf("retry %q: %w", name, err)
	}
	rec.Error = ""
	rec.CompletedAt = ""
	rec.ClearOwnership()
	if err := q.writeRecord(StatePending, name, rec); err != nil {
		q.logger.Warn("retry stamp failed, failure fields kept on requeued record",
			"task", name,
			"instance", self,
			"error", err)
	}
	q.logger.Info("task queued for retry", "task", name, "instance", self)
	audit.Record("retry", name, self, "ok", "")
	q.publish(bus.TopicTaskReleased, name, "retry", StatePending)
	return nil
}
