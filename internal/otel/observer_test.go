package otel

import (
	"context"
	"testing"
	"time"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/ironvale/taskforge/internal/bus"
)

func observerHarness(t *testing.T) (*bus.Bus, *sdkmetric.ManualReader) {
	t.Helper()
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	m, err := NewMetrics(provider.Meter(MeterName))
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	b := bus.New()
	ctx, cancel := context.WithCancel(context.Background())
	obs := NewObserver(b, m)
	obs.Start(ctx)
	t.Cleanup(func() {
		cancel()
		obs.Drain(2 * time.Second)
	})
	return b, reader
}

func counterSum(t *testing.T, reader *sdkmetric.ManualReader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var total int64
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
			return total
		}
	}
	return 0
}

func histogramCount(t *testing.T, reader *sdkmetric.ManualReader, name string) uint64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}
	for _, scope := range rm.ScopeMetrics {
		for _, m := range scope.Metrics {
			if m.Name != name {
				continue
			}
			hist, ok := m.Data.(metricdata.Histogram[float64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			var count uint64
			for _, dp := range hist.DataPoints {
				count += dp.Count
			}
			return count
		}
	}
	return 0
}

func waitForSum(t *testing.T, reader *sdkmetric.ManualReader, name string, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counterSum(t, reader, name) == want {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("%s: want %d, got %d", name, want, counterSum(t, reader, name))
}

func TestObserver_TaskLifecycle(t *testing.T) {
	b, reader := observerHarness(t)

	b.Publish(bus.TopicTaskDispatch, bus.TaskDispatchEvent{
		TaskID: "t-1", TaskType: "report.generate", WorkerID: "w-1",
	})
	waitForSum(t, reader, "taskforge.tasks.dispatched", 1)

	b.Publish(bus.TopicTaskCompleted, bus.TaskLifecycleEvent{
		TaskID: "t-1", TaskType: "report.generate", Origin: "user_request",
		Success: true, ExecutionTimeMS: 1200, TotalTimeMS: 4200, SLAMet: true,
	})
	waitForSum(t, reader, "taskforge.tasks.completed", 1)

	if got := histogramCount(t, reader, "taskforge.task.execution"); got != 1 {
		t.Fatalf("execution histogram count = %d", got)
	}
	if got := histogramCount(t, reader, "taskforge.task.queue_wait"); got != 1 {
		t.Fatalf("queue_wait histogram count = %d", got)
	}
}

func TestObserver_EnqueueCountsFreshTasksOnly(t *testing.T) {
	b, reader := observerHarness(t)

	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: "t-1", OldStatus: "", NewStatus: "QUEUED", AttemptNumber: 1,
	})
	waitForSum(t, reader, "taskforge.tasks.enqueued", 1)

	// A retry requeue re-enters QUEUED but is not a fresh enqueue. The
	// retrying event behind it is the ordering sentinel: both arrive on the
	// same subscription, so once retried ticks the requeue was processed.
	b.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID: "t-1", OldStatus: "RETRYING", NewStatus: "QUEUED", AttemptNumber: 2,
	})
	b.Publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{
		TaskID: "t-1", AttemptNumber: 2, Delay: time.Second, Reason: "worker_error",
	})
	waitForSum(t, reader, "taskforge.tasks.retried", 1)
	if got := counterSum(t, reader, "taskforge.tasks.enqueued"); got != 1 {
		t.Fatalf("enqueued = %d after requeue", got)
	}
}

func TestObserver_RetryRecordsBackoff(t *testing.T) {
	b, reader := observerHarness(t)

	b.Publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{
		TaskID: "t-1", AttemptNumber: 2, Delay: 2 * time.Second, Reason: "worker_error",
	})
	waitForSum(t, reader, "taskforge.tasks.retried", 1)
	if got := histogramCount(t, reader, "taskforge.task.backoff"); got != 1 {
		t.Fatalf("backoff histogram count = %d", got)
	}
}

func TestObserver_SLAAndOriginCounters(t *testing.T) {
	b, reader := observerHarness(t)

	b.Publish(bus.TopicSLAWarning, bus.SLAWarningEvent{TaskID: "t-1", TaskType: "report.generate"})
	b.Publish(bus.TopicSLAViolation, bus.SLAViolationEvent{TaskID: "t-1", TaskType: "report.generate"})
	b.Publish(bus.TopicSLARescue, bus.SLARescueEvent{TaskID: "t-1", RescueTaskID: "t-2"})
	b.Publish(bus.TopicOriginAdjustment, bus.OriginAdjustmentEvent{FromOrigin: "internal", ToOrigin: "user_request", Slots: 1})
	b.Publish(bus.TopicOriginStarvation, bus.OriginStarvationEvent{Origin: "filesystem", Cycles: 3, Queued: 2})

	waitForSum(t, reader, "taskforge.sla.warnings", 1)
	waitForSum(t, reader, "taskforge.sla.violations", 1)
	waitForSum(t, reader, "taskforge.sla.rescues", 1)
	waitForSum(t, reader, "taskforge.origin.rebalances", 1)
	waitForSum(t, reader, "taskforge.origin.starvations", 1)
}
