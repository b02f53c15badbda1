package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all Taskforge metrics instruments.
type Metrics struct {
	TasksEnqueued     metric.Int64Counter
	TasksDispatched   metric.Int64Counter
	TasksCompleted    metric.Int64Counter
	TasksFailed       metric.Int64Counter
	TasksTimedOut     metric.Int64Counter
	TasksRetried      metric.Int64Counter
	SLAWarnings       metric.Int64Counter
	SLAViolations     metric.Int64Counter
	SLARescues        metric.Int64Counter
	QuotaRebalances   metric.Int64Counter
	OriginStarvations metric.Int64Counter
	ExecutionDuration metric.Float64Histogram
	QueueWaitDuration metric.Float64Histogram
	BackoffDelay      metric.Float64Histogram
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.TasksEnqueued, err = meter.Int64Counter("taskforge.tasks.enqueued",
		metric.WithDescription("Tasks admitted into the queue"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksDispatched, err = meter.Int64Counter("taskforge.tasks.dispatched",
		metric.WithDescription("Tasks handed to execution workers"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksCompleted, err = meter.Int64Counter("taskforge.tasks.completed",
		metric.WithDescription("Tasks finished successfully"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksFailed, err = meter.Int64Counter("taskforge.tasks.failed",
		metric.WithDescription("Tasks terminally failed"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksTimedOut, err = meter.Int64Counter("taskforge.tasks.timeout",
		metric.WithDescription("Tasks terminally timed out"),
	)
	if err != nil {
		return nil, err
	}

	m.TasksRetried, err = meter.Int64Counter("taskforge.tasks.retried",
		metric.WithDescription("Retry attempts scheduled"),
	)
	if err != nil {
		return nil, err
	}

	m.SLAWarnings, err = meter.Int64Counter("taskforge.sla.warnings",
		metric.WithDescription("SLA warning events emitted"),
	)
	if err != nil {
		return nil, err
	}

	m.SLAViolations, err = meter.Int64Counter("taskforge.sla.violations",
		metric.WithDescription("SLA deadline breaches"),
	)
	if err != nil {
		return nil, err
	}

	m.SLARescues, err = meter.Int64Counter("taskforge.sla.rescues",
		metric.WithDescription("Rescue sub-tasks spawned"),
	)
	if err != nil {
		return nil, err
	}

	m.QuotaRebalances, err = meter.Int64Counter("taskforge.origin.rebalances",
		metric.WithDescription("Quota slots moved between origins"),
	)
	if err != nil {
		return nil, err
	}

	m.OriginStarvations, err = meter.Int64Counter("taskforge.origin.starvations",
		metric.WithDescription("Starvation promotions forced by the fairness router"),
	)
	if err != nil {
		return nil, err
	}

	m.ExecutionDuration, err = meter.Float64Histogram("taskforge.task.execution",
		metric.WithDescription("Task execution duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.QueueWaitDuration, err = meter.Float64Histogram("taskforge.task.queue_wait",
		metric.WithDescription("Time between enqueue and dispatch in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.BackoffDelay, err = meter.Float64Histogram("taskforge.task.backoff",
		metric.WithDescription("Retry backoff delay in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
