package queue_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/basket/paperq/internal/queue"
	"github.com/basket/paperq/internal/record"
)

func claimOne(t *testing.T, q *queue.Queue, want string) queue.Task {
	t.Helper()
	claimed, err := q.Claim(context.Background(), 1)
	if err != nil {
		t.Fatalf("Claim: %v", err)
	}
	if len(claimed) != 1 || claimed[0].Name != want {
		t.Fatalf("Claim = %v, want %s", claimed, want)
	}
	return claimed[0]
}

func TestCompleteMovesToDone(t *testing.T) {
	e := newEnv(t)
	q := e.open(t, "inst-a")
	e.seed(t, q, "alpha")
	claimOne(t, q, "alpha")

	if err := q.Complete(context.Background(), "alpha", false); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	mustCounts(t, q, 0, 0, 1, 0)

	rec, _, ok := record.Load(filepath.Join(q.Dir(queue.StateDone), record.FileName("alpha")))
	if !ok {
		t.Fatal("done record unreadable")
	}
	if at, ok := rec.CompletedTime(); !ok || !at.Equal(e.clock.Now()) {
		t.Fatalf("completed_at = %q", rec.CompletedAt)
	}
	if rec.Error != "" {
		t.Fatalf("error not cleared: %q", rec.Error)
	}
}

func TestFailRecordsError(t *testing.T) {
	e := newEnv(t)
	q := e.open(t, "inst-a")
	e.seed(t, q, "alpha")
	claimOne(t, q, "alpha")

	if err := q.Fail(context.Background(), "alpha", "converter exited 3", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}
	mustCounts(t, q, 0, 0, 0, 1)

	rec, _, ok := record.Load(filepath.Join(q.Dir(queue.StateFailed), record.FileName("alpha")))
	if !ok {
		t.Fatal("failed record unreadable")
	}
	if rec.Error != "converter exited 3" {
		t.Fatalf("error = %q", rec.Error)
	}
	if rec.CompletedAt != "" {
		t.Fatalf("completed_at set on failure: %q", rec.CompletedAt)
	}
}

func TestReleaseReturnsToPendingClean(t *testing.T) {
	e := newEnv(t)
	q := e.open(t, "inst-a")
	e.seed(t, q, "alpha")
	claimOne(t, q, "alpha")

	if err := q.Release(context.Background(), "alpha", false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	mustCounts(t, q, 1, 0, 0, 0)

	rec, _, ok := record.Load(filepath.Join(q.Dir(queue.StatePending), record.FileName("alpha")))
	if !ok {
		t.Fatal("pending record unreadable")
	}
	if rec.ClaimedBy != "" || rec.ClaimedAt != "" || rec.HeartbeatAt != "" || rec.LeaseExpiresAt != "" {
		t.Fatalf("ownership not cleared: %+v", rec)
	}
	if rec.PDF != "alpha.pdf" || rec.CreatedAt == "" {
		t.Fatalf("registration fields lost: %+v", rec)
	}
}

func TestCompleteRefusesForeignOwner(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "inst-a")
	b := e.open(t, "inst-b")
	e.seed(t, a, "alpha")
	claimOne(t, a, "alpha")

	err := b.Complete(context.Background(), "alpha", false)
	if !errors.Is(err, queue.ErrNotOwner) {
		t.Fatalf("Complete by non-owner = %v, want ErrNotOwner", err)
	}
	var conflict *queue.ConflictError
	if !errors.As(err, &conflict) {
		t.Fatalf("error %v is not a ConflictError", err)
	}
	if conflict.Owner != "inst-a" || conflict.Op != "complete" {
		t.Fatalf("conflict = %+v", conflict)
	}
	mustCounts(t, a, 0, 1, 0, 0)
}

func TestForceOverridesOwnership(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "inst-a")
	b := e.open(t, "inst-b")
	e.seed(t, a, "alpha", "bravo", "charlie")
	if _, err := a.Claim(context.Background(), 3); err != nil {
		t.Fatalf("Claim: %v", err)
	}

	if err := b.Complete(context.Background(), "alpha", true); err != nil {
		t.Fatalf("forced Complete: %v", err)
	}
	if err := b.Fail(context.Background(), "bravo", "operator gave up", true); err != nil {
		t.Fatalf("forced Fail: %v", err)
	}
	if err := b.Release(context.Background(), "charlie", true); err != nil {
		t.Fatalf("forced Release: %v", err)
	}
	mustCounts(t, a, 1, 0, 1, 1)
}

func TestLifecycleWrongStateErrors(t *testing.T) {
	e := newEnv(t)
	q := e.open(t, "inst-a")
	e.seed(t, q, "alpha")

	if err := q.Complete(context.Background(), "alpha", false); !errors.Is(err, queue.ErrWrongState) {
		t.Fatalf("Complete on pending = %v, want ErrWrongState", err)
	}
	if err := q.Fail(context.Background(), "alpha", "x", false); !errors.Is(err, queue.ErrWrongState) {
		t.Fatalf("Fail on pending = %v, want ErrWrongState", err)
	}
	if err := q.Release(context.Background(), "alpha", false); !errors.Is(err, queue.ErrWrongState) {
		t.Fatalf("Release on pending = %v, want ErrWrongState", err)
	}
	if err := q.Retry(context.Background(), "alpha"); !errors.Is(err, queue.ErrWrongState) {
		t.Fatalf("Retry on pending = %v, want ErrWrongState", err)
	}
	if err := q.Complete(context.Background(), "ghost", false); !errors.Is(err, queue.ErrNotFound) {
		t.Fatalf("Complete on missing = %v, want ErrNotFound", err)
	}
}

func TestCompleteUnownedRecordAllowed(t *testing.T) {
	e := newEnv(t)
	q := e.open(t, "inst-a")
	e.seed(t, q, "alpha")
	claimOne(t, q, "alpha")

	// Strip ownership, simulating a claim that crashed before stamping.
	path := filepath.Join(q.Dir(queue.StateProcessing), record.FileName("alpha"))
	rec, _, _ := record.Load(path)
	rec.ClearOwnership()
	if err := record.Write(path, rec); err != nil {
		t.Fatalf("rewrite record: %v", err)
	}

	b := e.open(t, "inst-b")
	if err := b.Complete(context.Background(), "alpha", false); err != nil {
		t.Fatalf("Complete of unowned record: %v", err)
	}
	mustCounts(t, q, 0, 0, 1, 0)
}

func TestRetryRequeuesFailedTask(t *testing.T) {
	e := newEnv(t)
	q := e.open(t, "inst-a")
	e.seed(t, q, "alpha")
	claimOne(t, q, "alpha")
	if err := q.Fail(context.Background(), "alpha", "flaky converter", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	if err := q.Retry(context.Background(), "alpha"); err != nil {
		t.Fatalf("Retry: %v", err)
	}
	mustCounts(t, q, 1, 0, 0, 0)

	rec, _, ok := record.Load(filepath.Join(q.Dir(queue.StatePending), record.FileName("alpha")))
	if !ok {
		t.Fatal("pending record unreadable")
	}
	if rec.Error != "" || rec.ClaimedBy != "" {
		t.Fatalf("retry left stale fields: %+v", rec)
	}
}

// TestTwoInstanceShift walks the documented two-operator day: one instance
// works a batch, a second picks up the remainder, and every task ends in
// exactly one state directory.
func TestTwoInstanceShift(t *testing.T) {
	e := newEnv(t)
	a := e.open(t, "day-shift")
	b := e.open(t, "night-shift")
	e.seed(t, a, "annual-report", "budget", "census")

	got, err := a.Claim(context.Background(), 2)
	if err != nil || len(got) != 2 {
		t.Fatalf("Claim = %v, %v", got, err)
	}
	if err := a.Complete(context.Background(), "annual-report", false); err != nil {
		t.Fatalf("Complete: %v", err)
	}
	if err := a.Fail(context.Background(), "budget", "table extraction crashed", false); err != nil {
		t.Fatalf("Fail: %v", err)
	}

	claimOne(t, b, "census")
	if err := b.Release(context.Background(), "census", false); err != nil {
		t.Fatalf("Release: %v", err)
	}
	mustCounts(t, a, 1, 0, 1, 1)

	// Membership invariant: each task in exactly one state directory.
	seen := map[string]int{}
	for _, st := range queue.States {
		names, err := a.List(context.Background(), st)
		if err != nil {
			t.Fatalf("List %s: %v", st, err)
		}
		for _, name := range names {
			seen[name]++
		}
	}
	for _, name := range []string{"annual-report", "budget", "census"} {
		if seen[name] != 1 {
			t.Fatalf("task %s present in %d state dirs", name, seen[name])
		}
	}
}
