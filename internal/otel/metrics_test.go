package otel

import (
	"context"
	"testing"
)

func TestNewMetrics_AllInstrumentsCreated(t *testing.T) {
	p := sdkTestProvider(t)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	instruments := []struct {
		name string
		got  any
	}{
		{"ClaimDuration", m.ClaimDuration},
		{"TaskDuration", m.TaskDuration},
		{"Claims", m.Claims},
		{"Completions", m.Completions},
		{"Failures", m.Failures},
		{"Recoveries", m.Recoveries},
		{"ActiveWorkers", m.ActiveWorkers},
	}
	for _, inst := range instruments {
		if inst.got == nil {
			t.Errorf("%s is nil", inst.name)
		}
	}
}

func TestMetrics_RecordLifecycle(t *testing.T) {
	p := sdkTestProvider(t)

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	// One simulated claim-work-complete cycle. Nothing to assert beyond
	// the instruments accepting values without panicking.
	ctx := context.Background()
	m.Claims.Add(ctx, 1)
	m.ActiveWorkers.Add(ctx, 1)
	m.ClaimDuration.Record(ctx, 0.012)
	m.TaskDuration.Record(ctx, 3.4)
	m.Completions.Add(ctx, 1)
	m.ActiveWorkers.Add(ctx, -1)
	m.Failures.Add(ctx, 0)
	m.Recoveries.Add(ctx, 2)
}

func TestNewMetrics_NoopMeter(t *testing.T) {
	p, err := Init(context.Background(), Config{Enabled: false})
	if err != nil {
		t.Fatalf("Init: %v", err)
	}
	defer p.Shutdown(context.Background())

	m, err := NewMetrics(p.Meter)
	if err != nil {
		t.Fatalf("NewMetrics with noop meter: %v", err)
	}
	if m == nil {
		t.Fatal("expected non-nil Metrics")
	}
	m.Claims.Add(context.Background(), 1)
}
