package otel

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/ironvale/taskforge/internal/bus"
)

// Observer feeds the metric instruments from bus traffic so no scheduler
// component carries a meter dependency. Dropped bus events skew counters by
// the same amount they skew every other subscriber; that is acceptable for
// rate-style telemetry.
type Observer struct {
	bus     *bus.Bus
	metrics *Metrics
	wg      sync.WaitGroup
}

func NewObserver(b *bus.Bus, m *Metrics) *Observer {
	return &Observer{bus: b, metrics: m}
}

// Start consumes task, SLA, and origin topics until ctx is cancelled.
func (o *Observer) Start(ctx context.Context) {
	task := o.bus.Subscribe(bus.TopicPrefixTask)
	sla := o.bus.Subscribe(bus.TopicPrefixSLA)
	origin := o.bus.Subscribe(bus.TopicPrefixOrigin)

	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer o.bus.Unsubscribe(task)
		defer o.bus.Unsubscribe(sla)
		defer o.bus.Unsubscribe(origin)
		for {
			select {
			case <-ctx.Done():
				return
			case e, ok := <-task.Ch():
				if !ok {
					return
				}
				o.onTask(ctx, e)
			case e, ok := <-sla.Ch():
				if !ok {
					return
				}
				o.onSLA(ctx, e)
			case e, ok := <-origin.Ch():
				if !ok {
					return
				}
				o.onOrigin(ctx, e)
			}
		}
	}()
}

// Drain waits for the consume loop to exit.
func (o *Observer) Drain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
	}
}

func (o *Observer) onTask(ctx context.Context, e bus.Event) {
	m := o.metrics
	switch e.Topic {
	case bus.TopicTaskStateChanged:
		ev, ok := bus.As[bus.TaskStateChangedEvent](e)
		if !ok {
			return
		}
		// A requeued retry re-enters QUEUED with a prior status; only the
		// first transition counts as an enqueue.
		if ev.NewStatus == "QUEUED" && ev.OldStatus == "" {
			m.TasksEnqueued.Add(ctx, 1)
		}
	case bus.TopicTaskDispatch:
		ev, ok := bus.As[bus.TaskDispatchEvent](e)
		if !ok {
			return
		}
		m.TasksDispatched.Add(ctx, 1, metric.WithAttributes(
			attribute.String("task_type", ev.TaskType),
		))
	case bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskTimeout:
		ev, ok := bus.As[bus.TaskLifecycleEvent](e)
		if !ok {
			return
		}
		attrs := metric.WithAttributes(
			attribute.String("task_type", ev.TaskType),
			attribute.String("origin", ev.Origin),
		)
		switch e.Topic {
		case bus.TopicTaskCompleted:
			m.TasksCompleted.Add(ctx, 1, attrs)
		case bus.TopicTaskFailed:
			m.TasksFailed.Add(ctx, 1, attrs)
		case bus.TopicTaskTimeout:
			m.TasksTimedOut.Add(ctx, 1, attrs)
		}
		m.ExecutionDuration.Record(ctx, float64(ev.ExecutionTimeMS)/1000, attrs)
		if wait := ev.TotalTimeMS - ev.ExecutionTimeMS; wait >= 0 {
			m.QueueWaitDuration.Record(ctx, float64(wait)/1000, attrs)
		}
	case bus.TopicTaskRetrying:
		ev, ok := bus.As[bus.TaskRetryingEvent](e)
		if !ok {
			return
		}
		m.TasksRetried.Add(ctx, 1, metric.WithAttributes(
			attribute.String("reason", ev.Reason),
		))
		m.BackoffDelay.Record(ctx, ev.Delay.Seconds())
	}
}

func (o *Observer) onSLA(ctx context.Context, e bus.Event) {
	m := o.metrics
	switch e.Topic {
	case bus.TopicSLAWarning:
		if ev, ok := bus.As[bus.SLAWarningEvent](e); ok {
			m.SLAWarnings.Add(ctx, 1, metric.WithAttributes(
				attribute.String("task_type", ev.TaskType),
			))
		}
	case bus.TopicSLAViolation:
		if ev, ok := bus.As[bus.SLAViolationEvent](e); ok {
			m.SLAViolations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("task_type", ev.TaskType),
			))
		}
	case bus.TopicSLARescue:
		if _, ok := bus.As[bus.SLARescueEvent](e); ok {
			m.SLARescues.Add(ctx, 1)
		}
	}
}

func (o *Observer) onOrigin(ctx context.Context, e bus.Event) {
	m := o.metrics
	switch e.Topic {
	case bus.TopicOriginAdjustment:
		if ev, ok := bus.As[bus.OriginAdjustmentEvent](e); ok {
			m.QuotaRebalances.Add(ctx, 1, metric.WithAttributes(
				attribute.String("from", ev.FromOrigin),
				attribute.String("to", ev.ToOrigin),
			))
		}
	case bus.TopicOriginStarvation:
		if ev, ok := bus.As[bus.OriginStarvationEvent](e); ok {
			m.OriginStarvations.Add(ctx, 1, metric.WithAttributes(
				attribute.String("origin", ev.Origin),
			))
		}
	}
}
