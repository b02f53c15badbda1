package store

import (
	"context"
	"fmt"
	"time"
)

// HourlyMetric is one rollup row: per task type, per hour bucket.
type HourlyMetric struct {
	TaskType         string    `json:"task_type"`
	BucketStart      time.Time `json:"bucket_start"`
	Volume           int64     `json:"volume"`
	Completed        int64     `json:"completed"`
	Failed           int64     `json:"failed"`
	TimedOut         int64     `json:"timed_out"`
	Retried          int64     `json:"retried"`
	SLAMetCount      int64     `json:"sla_met_count"`
	P50MS            int64     `json:"p50_ms"`
	P95MS            int64     `json:"p95_ms"`
	P99MS            int64     `json:"p99_ms"`
	AvgMS            float64   `json:"avg_ms"`
	ThroughputPerMin float64   `json:"throughput_per_min"`
}

// FinishedTaskSample is the slice of a finished task the aggregator needs.
type FinishedTaskSample struct {
	TaskType      string
	Status        TaskStatus
	SLAMet        bool
	AttemptNumber int
	ExecutionMS   int64
	FinishedAt    time.Time
}

// QuotaAdjustment is one rebalancer slot move, kept as an audit trail.
type QuotaAdjustment struct {
	ID         int64     `json:"id"`
	FromOrigin string    `json:"from_origin"`
	ToOrigin   string    `json:"to_origin"`
	Slots      int       `json:"slots"`
	Reason     string    `json:"reason,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// UpsertHourlyMetric writes a rollup row, replacing any previous aggregate
// for the same task type and bucket. Re-running a rollup cycle is safe.
func (s *Store) UpsertHourlyMetric(ctx context.Context, m HourlyMetric) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO metrics_hourly (
				task_type, bucket_start, volume, completed, failed, timed_out,
				retried, sla_met_count, p50_ms, p95_ms, p99_ms, avg_ms, throughput_per_min
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(task_type, bucket_start) DO UPDATE SET
				volume = excluded.volume,
				completed = excluded.completed,
				failed = excluded.failed,
				timed_out = excluded.timed_out,
				retried = excluded.retried,
				sla_met_count = excluded.sla_met_count,
				p50_ms = excluded.p50_ms,
				p95_ms = excluded.p95_ms,
				p99_ms = excluded.p99_ms,
				avg_ms = excluded.avg_ms,
				throughput_per_min = excluded.throughput_per_min;
		`,
			m.TaskType, m.BucketStart.UTC(), m.Volume, m.Completed, m.Failed, m.TimedOut,
			m.Retried, m.SLAMetCount, m.P50MS, m.P95MS, m.P99MS, m.AvgMS, m.ThroughputPerMin,
		)
		if err != nil {
			return fmt.Errorf("upsert hourly metric: %w", err)
		}
		return nil
	})
}

// ListHourlyMetrics returns rollup rows since the given time, newest bucket
// first. Empty taskType matches all task types.
func (s *Store) ListHourlyMetrics(ctx context.Context, taskType string, since time.Time, limit int) ([]HourlyMetric, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query := `
		SELECT task_type, bucket_start, volume, completed, failed, timed_out,
			retried, sla_met_count, p50_ms, p95_ms, p99_ms, avg_ms, throughput_per_min
		FROM metrics_hourly
		WHERE bucket_start >= ?`
	args := []any{since.UTC()}
	if taskType != "" {
		query += ` AND task_type = ?`
		args = append(args, taskType)
	}
	query += ` ORDER BY bucket_start DESC, task_type ASC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list hourly metrics: %w", err)
	}
	defer rows.Close()

	var out []HourlyMetric
	for rows.Next() {
		var m HourlyMetric
		if err := rows.Scan(
			&m.TaskType, &m.BucketStart, &m.Volume, &m.Completed, &m.Failed, &m.TimedOut,
			&m.Retried, &m.SLAMetCount, &m.P50MS, &m.P95MS, &m.P99MS, &m.AvgMS, &m.ThroughputPerMin,
		); err != nil {
			return nil, fmt.Errorf("scan hourly metric: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("hourly metric rows: %w", err)
	}
	return out, nil
}

// ListFinishedBetween returns samples for tasks that finished in [from, to),
// the aggregator's input for one bucket.
func (s *Store) ListFinishedBetween(ctx context.Context, from, to time.Time) ([]FinishedTaskSample, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_type, status, sla_met, attempt_number,
			CASE
				WHEN started_at IS NOT NULL THEN CAST((julianday(finished_at) - julianday(started_at)) * 86400000 AS INTEGER)
				ELSE 0
			END,
			finished_at
		FROM tasks
		WHERE finished_at IS NOT NULL AND finished_at >= ? AND finished_at < ?
			AND status IN (?, ?, ?);
	`, from.UTC(), to.UTC(), TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout)
	if err != nil {
		return nil, fmt.Errorf("list finished tasks: %w", err)
	}
	defer rows.Close()

	var out []FinishedTaskSample
	for rows.Next() {
		var sample FinishedTaskSample
		if err := rows.Scan(&sample.TaskType, &sample.Status, &sample.SLAMet,
			&sample.AttemptNumber, &sample.ExecutionMS, &sample.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan finished sample: %w", err)
		}
		out = append(out, sample)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("finished sample rows: %w", err)
	}
	return out, nil
}

// SLAPriorityStats is one priority level's slice of an SLA summary.
type SLAPriorityStats struct {
	Priority   string  `json:"priority"`
	Finished   int64   `json:"finished"`
	SLAMet     int64   `json:"sla_met"`
	MetPercent float64 `json:"met_percent"`
}

// SLASummary aggregates SLA outcomes for recently finished tasks, plus the
// live count of active tasks already past their deadline.
type SLASummary struct {
	Since              time.Time          `json:"since"`
	Finished           int64              `json:"finished"`
	SLAMet             int64              `json:"sla_met"`
	MetPercent         float64            `json:"met_percent"`
	ActiveOverDeadline int64              `json:"active_over_deadline"`
	Priorities         []SLAPriorityStats `json:"priorities"`
}

// SLASummarySince builds the summary for tasks finished at or after since.
func (s *Store) SLASummarySince(ctx context.Context, since time.Time) (*SLASummary, error) {
	out := &SLASummary{Since: since.UTC()}

	rows, err := s.db.QueryContext(ctx, `
		SELECT priority, COUNT(1), SUM(CASE WHEN sla_met THEN 1 ELSE 0 END)
		FROM tasks
		WHERE finished_at IS NOT NULL AND finished_at >= ?
			AND status IN (?, ?, ?)
		GROUP BY priority;
	`, since.UTC(), TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout)
	if err != nil {
		return nil, fmt.Errorf("sla summary: %w", err)
	}
	defer rows.Close()

	byPriority := make(map[string]SLAPriorityStats)
	for rows.Next() {
		var p SLAPriorityStats
		if err := rows.Scan(&p.Priority, &p.Finished, &p.SLAMet); err != nil {
			return nil, fmt.Errorf("scan sla summary: %w", err)
		}
		if p.Finished > 0 {
			p.MetPercent = float64(p.SLAMet) / float64(p.Finished) * 100
		}
		byPriority[p.Priority] = p
		out.Finished += p.Finished
		out.SLAMet += p.SLAMet
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sla summary rows: %w", err)
	}
	if out.Finished > 0 {
		out.MetPercent = float64(out.SLAMet) / float64(out.Finished) * 100
	}
	for _, p := range []Priority{PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow} {
		if stats, ok := byPriority[string(p)]; ok {
			out.Priorities = append(out.Priorities, stats)
		}
	}

	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks
		WHERE status IN (?, ?, ?, ?) AND sla_deadline < ?;
	`, TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning, TaskStatusRetrying,
		time.Now().UTC()).Scan(&out.ActiveOverDeadline); err != nil {
		return nil, fmt.Errorf("count overdue active: %w", err)
	}
	return out, nil
}

// RecordQuotaAdjustment appends one rebalancer slot move to the audit trail.
func (s *Store) RecordQuotaAdjustment(ctx context.Context, fromOrigin, toOrigin string, slots int, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO quota_adjustments (from_origin, to_origin, slots, reason)
			VALUES (?, ?, ?, ?);
		`, fromOrigin, toOrigin, slots, reason)
		if err != nil {
			return fmt.Errorf("record quota adjustment: %w", err)
		}
		return nil
	})
}

// ListQuotaAdjustments returns the most recent slot moves, newest first.
func (s *Store) ListQuotaAdjustments(ctx context.Context, limit int) ([]QuotaAdjustment, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, from_origin, to_origin, slots, reason, created_at
		FROM quota_adjustments
		ORDER BY id DESC
		LIMIT ?;
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("list quota adjustments: %w", err)
	}
	defer rows.Close()

	var out []QuotaAdjustment
	for rows.Next() {
		var adj QuotaAdjustment
		if err := rows.Scan(&adj.ID, &adj.FromOrigin, &adj.ToOrigin, &adj.Slots, &adj.Reason, &adj.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan quota adjustment: %w", err)
		}
		out = append(out, adj)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("quota adjustment rows: %w", err)
	}
	return out, nil
}
