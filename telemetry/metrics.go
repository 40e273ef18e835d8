package telemetry

import (
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the engine's instruments
type Metrics struct {
	TaskDuration   metric.Float64Histogram
	TasksSubmitted metric.Int64Counter
	TasksCompleted metric.Int64Counter
	SlotRequeues   metric.Int64Counter
	TeardownErrors metric.Int64Counter
	QueueDepth     metric.Int64UpDownCounter
}

// NewMetrics creates all instruments from meter
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TaskDuration, err = meter.Float64Histogram("pyexec.task.duration",
		metric.WithDescription("Task run duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksSubmitted, err = meter.Int64Counter("pyexec.task.submitted",
		metric.WithDescription("Tasks accepted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("pyexec.task.completed",
		metric.WithDescription("Tasks that reached a terminal state"),
	)
	if err != nil {
		return nil, err
	}

	m.SlotRequeues, err = meter.Int64Counter("pyexec.slot.requeues",
		metric.WithDescription("Tasks requeued because their session was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.TeardownErrors, err = meter.Int64Counter("pyexec.sandbox.teardown_errors",
		metric.WithDescription("Sandboxes that could not be removed"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueDepth, err = meter.Int64UpDownCounter("pyexec.queue.depth",
		metric.WithDescription("Tasks waiting in the queue"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
