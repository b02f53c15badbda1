package otel

import (
	"context"
	"sync/atomic"
	"testing"

	"go.opentelemetry.io/otel/attribute"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

func intGaugePoints(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[int64] {
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
			g, ok := m.Data.(metricdata.Gauge[int64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			return g.DataPoints
		}
	}
	return nil
}

func floatGaugePoints(t *testing.T, reader *sdkmetric.ManualReader, name string) []metricdata.DataPoint[float64] {
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
			g, ok := m.Data.(metricdata.Gauge[float64])
			if !ok {
				t.Fatalf("%s: unexpected data type %T", name, m.Data)
			}
			return g.DataPoints
		}
	}
	return nil
}

func TestRegisterGauges_PollsSources(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	var stale atomic.Int64
	stale.Store(3)

	reg, err := RegisterGauges(provider.Meter(MeterName), GaugeSources{
		QueueDepths: func() map[string]int {
			return map[string]int{"critical": 1, "normal": 4}
		},
		Origins: func() []OriginLoad {
			return []OriginLoad{
				{Origin: "user_request", Current: 3, Max: 4},
				{Origin: "internal", Current: 0, Max: 1},
			}
		},
		Workers: func() []WorkerLoad {
			return []WorkerLoad{{ID: "embedded-0", Class: "standard", ActiveBytes: 2048}}
		},
		StaleDrops: stale.Load,
	})
	if err != nil {
		t.Fatalf("RegisterGauges: %v", err)
	}
	t.Cleanup(func() { _ = reg.Unregister() })

	depths := intGaugePoints(t, reader, "taskforge.queue.depth")
	if len(depths) != 2 {
		t.Fatalf("queue depth points = %d, want 2", len(depths))
	}
	var total int64
	for _, dp := range depths {
		total += dp.Value
	}
	if total != 5 {
		t.Fatalf("queue depth total = %d, want 5", total)
	}

	var sawUserRequest bool
	for _, dp := range floatGaugePoints(t, reader, "taskforge.origin.utilization") {
		v, ok := dp.Attributes.Value(attribute.Key("origin"))
		if !ok {
			t.Fatal("utilization point missing origin attribute")
		}
		if v.AsString() == "user_request" {
			sawUserRequest = true
			if dp.Value != 0.75 {
				t.Fatalf("user_request utilization = %v, want 0.75", dp.Value)
			}
		}
	}
	if !sawUserRequest {
		t.Fatal("no utilization point for user_request")
	}

	workers := intGaugePoints(t, reader, "taskforge.worker.active_bytes")
	if len(workers) != 1 || workers[0].Value != 2048 {
		t.Fatalf("worker bytes points = %+v", workers)
	}

	if got := counterSum(t, reader, "taskforge.reports.stale_dropped"); got != 3 {
		t.Fatalf("stale_dropped = %d, want 3", got)
	}

	// The next collection re-polls the source.
	stale.Store(5)
	if got := counterSum(t, reader, "taskforge.reports.stale_dropped"); got != 5 {
		t.Fatalf("stale_dropped after bump = %d, want 5", got)
	}
}

func TestRegisterGauges_NilSourcesSkipped(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = provider.Shutdown(context.Background()) })

	reg, err := RegisterGauges(provider.Meter(MeterName), GaugeSources{})
	if err != nil {
		t.Fatalf("RegisterGauges: %v", err)
	}
	t.Cleanup(func() { _ = reg.Unregister() })

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect with nil sources: %v", err)
	}
}
