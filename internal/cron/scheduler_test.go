package cron

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// waitFor polls check at short intervals until it returns true or the deadline
// elapses. This avoids fixed time.Sleep calls that cause flaky tests.
func waitFor(t *testing.T, deadline time.Duration, check func() bool) {
	t.Helper()
	end := time.Now().Add(deadline)
	for time.Now().Before(end) {
		if check() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewScheduler_RejectsBadExpression(t *testing.T) {
	_, err := NewScheduler(Config{
		Jobs:   []Job{{Name: "recover", Expr: "every 5 minutes", Run: func(context.Context) {}}},
		Logger: discard(),
	})
	if err == nil {
		t.Fatal("expected error for unparseable cron expression")
	}
}

func TestNewScheduler_RejectsMissingAction(t *testing.T) {
	_, err := NewScheduler(Config{
		Jobs:   []Job{{Name: "recover", Expr: "*/5 * * * *"}},
		Logger: discard(),
	})
	if err == nil {
		t.Fatal("expected error for job without action")
	}
}

func TestNextRunTime(t *testing.T) {
	after := time.Date(2024, 3, 1, 12, 3, 30, 0, time.UTC)

	next, err := NextRunTime("*/5 * * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want := time.Date(2024, 3, 1, 12, 5, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	next, err = NextRunTime("0 3 * * *", after)
	if err != nil {
		t.Fatalf("NextRunTime: %v", err)
	}
	want = time.Date(2024, 3, 2, 3, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Fatalf("next = %v, want %v", next, want)
	}

	if _, err := NextRunTime("not-cron", after); err == nil {
		t.Fatal("expected error for invalid expression")
	}
}

func TestScheduler_FiresDueJobs(t *testing.T) {
	// A virtual clock that jumps a minute per read makes every-minute
	// schedules come due on each tick without waiting wall time.
	var mu sync.Mutex
	current := time.Date(2024, 3, 1, 12, 0, 30, 0, time.UTC)
	now := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		current = current.Add(1 * time.Minute)
		return current
	}

	var fired atomic.Int64
	s, err := NewScheduler(Config{
		Jobs: []Job{{
			Name: "recover",
			Expr: "* * * * *",
			Run:  func(context.Context) { fired.Add(1) },
		}},
		Logger:   discard(),
		Interval: 5 * time.Millisecond,
		Now:      now,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.Start(context.Background())
	defer s.Stop()

	waitFor(t, 2*time.Second, func() bool { return fired.Load() >= 3 })
}

func TestScheduler_DoesNotFireBeforeDue(t *testing.T) {
	var fired atomic.Int64
	s, err := NewScheduler(Config{
		Jobs: []Job{{
			Name: "rescan",
			// Daily at 03:00; never due during a fast test.
			Expr: "0 3 * * *",
			Run:  func(context.Context) { fired.Add(1) },
		}},
		Logger:   discard(),
		Interval: 5 * time.Millisecond,
		Now: func() time.Time {
			return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
		},
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}

	s.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	s.Stop()

	if fired.Load() != 0 {
		t.Fatalf("job fired %d times before its schedule", fired.Load())
	}
}

func TestScheduler_StopWaitsForLoop(t *testing.T) {
	s, err := NewScheduler(Config{
		Jobs:     []Job{{Name: "recover", Expr: "*/5 * * * *", Run: func(context.Context) {}}},
		Logger:   discard(),
		Interval: 5 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("NewScheduler: %v", err)
	}
	s.Start(context.Background())
	s.Stop()
	// Stop again must not panic or hang.
	s.Stop()
}
