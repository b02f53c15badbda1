// Package rollup aggregates finished tasks into hourly per-type metrics.
//
// Each cycle recomputes the most recent closed hour buckets from the task
// table and upserts one metrics_hourly row per task type. The upsert is
// idempotent and buckets are re-rolled for a short lookback window, so a
// failed cycle or a report that lands after its bucket closed converges on
// the next pass.
package rollup

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

const (
	// DefaultInterval is the cycle cadence. Buckets are hourly; cycling
	// faster only tightens how quickly late finishers are folded in.
	DefaultInterval = 5 * time.Minute

	// DefaultLookback is how many closed buckets each cycle re-rolls.
	DefaultLookback = 2
)

type Config struct {
	Store    *store.Store
	Interval time.Duration
	Lookback int
	Logger   *slog.Logger
}

// Aggregator runs the periodic metrics rollup.
type Aggregator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time
}

func New(cfg Config) *Aggregator {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Lookback <= 0 {
		cfg.Lookback = DefaultLookback
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Aggregator{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "rollup"),
		now:    time.Now,
	}
}

// Run cycles on the configured cadence until ctx is cancelled.
func (a *Aggregator) Run(ctx context.Context) {
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := a.Cycle(ctx); err != nil {
				a.logger.Error("rollup cycle", "error", err)
			}
		}
	}
}

// Cycle re-rolls the lookback window of closed buckets. The first error is
// returned after all buckets were attempted.
func (a *Aggregator) Cycle(ctx context.Context) error {
	current := a.now().UTC().Truncate(time.Hour)
	var firstErr error
	for i := 1; i <= a.cfg.Lookback; i++ {
		bucket := current.Add(-time.Duration(i) * time.Hour)
		if err := a.RollBucket(ctx, bucket); err != nil {
			a.logger.Error("roll bucket", "bucket", bucket, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// RollBucket aggregates one hour bucket. Buckets with no finished tasks
// write no rows.
func (a *Aggregator) RollBucket(ctx context.Context, bucketStart time.Time) error {
	bucketStart = bucketStart.UTC().Truncate(time.Hour)
	samples, err := a.cfg.Store.ListFinishedBetween(ctx, bucketStart, bucketStart.Add(time.Hour))
	if err != nil {
		return fmt.Errorf("list finished for bucket: %w", err)
	}
	if len(samples) == 0 {
		return nil
	}
	metrics := buildMetrics(bucketStart, samples)
	for _, m := range metrics {
		if err := a.cfg.Store.UpsertHourlyMetric(ctx, m); err != nil {
			return fmt.Errorf("upsert %s: %w", m.TaskType, err)
		}
	}
	a.logger.Debug("bucket rolled",
		"bucket", bucketStart, "task_types", len(metrics), "samples", len(samples))
	return nil
}

// buildMetrics groups samples by task type and computes one rollup row each.
func buildMetrics(bucketStart time.Time, samples []store.FinishedTaskSample) []store.HourlyMetric {
	byType := make(map[string][]store.FinishedTaskSample)
	for _, s := range samples {
		byType[s.TaskType] = append(byType[s.TaskType], s)
	}

	types := make([]string, 0, len(byType))
	for taskType := range byType {
		types = append(types, taskType)
	}
	sort.Strings(types)

	out := make([]store.HourlyMetric, 0, len(types))
	for _, taskType := range types {
		group := byType[taskType]
		m := store.HourlyMetric{
			TaskType:    taskType,
			BucketStart: bucketStart,
			Volume:      int64(len(group)),
		}

		durations := make([]int64, 0, len(group))
		var sum int64
		for _, s := range group {
			switch s.Status {
			case store.TaskStatusCompleted:
				m.Completed++
			case store.TaskStatusFailed:
				m.Failed++
			case store.TaskStatusTimeout:
				m.TimedOut++
			}
			if s.AttemptNumber > 1 {
				m.Retried++
			}
			if s.SLAMet {
				m.SLAMetCount++
			}
			durations = append(durations, s.ExecutionMS)
			sum += s.ExecutionMS
		}

		sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
		m.P50MS = percentile(durations, 0.50)
		m.P95MS = percentile(durations, 0.95)
		m.P99MS = percentile(durations, 0.99)
		m.AvgMS = float64(sum) / float64(len(group))
		m.ThroughputPerMin = float64(len(group)) / 60.0

		out = append(out, m)
	}
	return out
}

// percentile picks the nearest-rank element from an ascending slice.
func percentile(sorted []int64, p float64) int64 {
	if len(sorted) == 0 {
		return 0
	}
	idx := int(math.Ceil(p*float64(len(sorted)))) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}
