package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the run loop's OpenTelemetry instruments: task lifecycle
// counters plus live queue/spawner gauges, grounded in the teacher's
// instrument-per-lifecycle-event NewMetrics pattern, repointed from LLM/tool
// call metrics to task scheduling metrics.
type Metrics struct {
	Submitted  metric.Int64Counter
	Dispatched metric.Int64Counter
	Completed  metric.Int64Counter
	Cancelled  metric.Int64Counter
	Failed     metric.Int64Counter
	DeadLetter metric.Int64Counter

	Queued  metric.Int64UpDownCounter
	Running metric.Int64UpDownCounter

	DispatchDuration metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.Submitted, err = meter.Int64Counter("taskcore.task.submitted",
		metric.WithDescription("Tasks accepted into the queue"))
	if err != nil {
		return nil, err
	}

	m.Dispatched, err = meter.Int64Counter("taskcore.task.dispatched",
		metric.WithDescription("Tasks handed to a handler"))
	if err != nil {
		return nil, err
	}

	m.Completed, err = meter.Int64Counter("taskcore.task.completed",
		metric.WithDescription("Tasks that completed without error"))
	if err != nil {
		return nil, err
	}

	m.Cancelled, err = meter.Int64Counter("taskcore.task.cancelled",
		metric.WithDescription("Tasks cancelled before or during dispatch"))
	if err != nil {
		return nil, err
	}

	m.Failed, err = meter.Int64Counter("taskcore.task.failed",
		metric.WithDescription("Tasks that returned or panicked with an error"))
	if err != nil {
		return nil, err
	}

	m.DeadLetter, err = meter.Int64Counter("taskcore.task.dead_letter",
		metric.WithDescription("Tasks moved to the dead letter status after exhausting retries"))
	if err != nil {
		return nil, err
	}

	m.Queued, err = meter.Int64UpDownCounter("taskcore.queue.queued",
		metric.WithDescription("Tasks currently waiting in the ready or delayed heap"))
	if err != nil {
		return nil, err
	}

	m.Running, err = meter.Int64UpDownCounter("taskcore.queue.running",
		metric.WithDescription("Tasks currently dispatched to a handler"))
	if err != nil {
		return nil, err
	}

	m.DispatchDuration, err = meter.Float64Histogram("taskcore.task.dispatch_duration",
		metric.WithDescription("Handler execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
