package otel

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// OriginLoad is one origin's live quota occupancy.
type OriginLoad struct {
	Origin  string
	Current int
	Max     int
}

// WorkerLoad is one worker's live byte occupancy.
type WorkerLoad struct {
	ID          string
	Class       string
	ActiveBytes int64
}

// GaugeSources supplies the polled values behind the observable
// instruments. Each func is read at collection time; nil funcs are skipped.
type GaugeSources struct {
	QueueDepths func() map[string]int
	Origins     func() []OriginLoad
	Workers     func() []WorkerLoad
	StaleDrops  func() int64
}

// RegisterGauges binds live-state instruments to their sources. Absolute
// values are polled on collector pull rather than accumulated from bus
// events, so a dropped event cannot skew them. The caller owns the
// returned registration.
func RegisterGauges(meter metric.Meter, src GaugeSources) (metric.Registration, error) {
	queueDepth, err := meter.Int64ObservableGauge("taskforge.queue.depth",
		metric.WithDescription("Tasks waiting per priority queue"),
	)
	if err != nil {
		return nil, err
	}
	originUtil, err := meter.Float64ObservableGauge("taskforge.origin.utilization",
		metric.WithDescription("Occupied share of each origin's quota"),
	)
	if err != nil {
		return nil, err
	}
	workerBytes, err := meter.Int64ObservableGauge("taskforge.worker.active_bytes",
		metric.WithDescription("Payload bytes in flight per worker"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, err
	}
	staleDrops, err := meter.Int64ObservableCounter("taskforge.reports.stale_dropped",
		metric.WithDescription("Reports rejected by the attempt gate"),
	)
	if err != nil {
		return nil, err
	}

	return meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		if src.QueueDepths != nil {
			for queue, depth := range src.QueueDepths() {
				o.ObserveInt64(queueDepth, int64(depth),
					metric.WithAttributes(attribute.String("priority", queue)))
			}
		}
		if src.Origins != nil {
			for _, ol := range src.Origins() {
				util := 0.0
				if ol.Max > 0 {
					util = float64(ol.Current) / float64(ol.Max)
				}
				o.ObserveFloat64(originUtil, util,
					metric.WithAttributes(attribute.String("origin", ol.Origin)))
			}
		}
		if src.Workers != nil {
			for _, wl := range src.Workers() {
				o.ObserveInt64(workerBytes, wl.ActiveBytes,
					metric.WithAttributes(
						attribute.String("worker", wl.ID),
						attribute.String("class", wl.Class),
					))
			}
		}
		if src.StaleDrops != nil {
			o.ObserveInt64(staleDrops, src.StaleDrops())
		}
		return nil
	}, queueDepth, originUtil, workerBytes, staleDrops)
}
