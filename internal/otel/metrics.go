package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the queue's metric instruments. Counters follow task
// outcomes; the up-down counter tracks in-flight converter work.
type Metrics struct {
	ClaimDuration metric.Float64Histogram
	TaskDuration  metric.Float64Histogram
	Claims        metric.Int64Counter
	Completions   metric.Int64Counter
	Failures      metric.Int64Counter
	Recoveries    metric.Int64Counter
	ActiveWorkers metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from the given meter. The first
// instrument the meter rejects aborts construction.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	var firstErr error

	seconds := func(name, desc string) metric.Float64Histogram {
		h, err := meter.Float64Histogram(name,
			metric.WithDescription(desc),
			metric.WithUnit("s"),
		)
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return h
	}
	counter := func(name, desc string) metric.Int64Counter {
		c, err := meter.Int64Counter(name, metric.WithDescription(desc))
		if err != nil && firstErr == nil {
			firstErr = err
		}
		return c
	}

	m := &Metrics{
		ClaimDuration: seconds("paperq.claim.duration", "Claim attempt duration in seconds"),
		TaskDuration:  seconds("paperq.task.duration", "Task processing duration in seconds"),
		Claims:        counter("paperq.claims", "Tasks claimed"),
		Completions:   counter("paperq.completions", "Tasks completed"),
		Failures:      counter("paperq.failures", "Tasks failed"),
		Recoveries:    counter("paperq.recoveries", "Stale tasks returned to pending"),
	}

	active, err := meter.Int64UpDownCounter("paperq.worker.active",
		metric.WithDescription("Worker goroutines currently executing a task"),
	)
	if err != nil && firstErr == nil {
		firstErr = err
	}
	m.ActiveWorkers = active

	if firstErr != nil {
		return nil, firstErr
	}
	return m, nil
}
