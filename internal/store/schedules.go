package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Schedule is a persisted cron entry. Rows mirror the configured schedules
// plus run bookkeeping; the cron engine owns firing.
type Schedule struct {
	Name      string     `json:"name"`
	CronExpr  string     `json:"cron_expr"`
	TaskType  string     `json:"task_type"`
	Handler   string     `json:"handler"`
	Payload   string     `json:"payload"`
	Priority  Priority   `json:"priority"`
	Enabled   bool       `json:"enabled"`
	LastRunAt *time.Time `json:"last_run_at,omitempty"`
	NextRunAt *time.Time `json:"next_run_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// UpsertSchedule creates or updates a schedule by name. Run bookkeeping is
// preserved on update.
func (s *Store) UpsertSchedule(ctx context.Context, sched Schedule) error {
	if strings.TrimSpace(sched.Name) == "" {
		return fmt.Errorf("schedule name is required")
	}
	if strings.TrimSpace(sched.CronExpr) == "" {
		return fmt.Errorf("schedule cron expression is required")
	}
	if sched.Payload == "" {
		sched.Payload = "{}"
	}
	if sched.Priority == "" {
		sched.Priority = PriorityNormal
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO schedules (name, cron_expr, task_type, handler, payload, priority, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				cron_expr = excluded.cron_expr,
				task_type = excluded.task_type,
				handler = excluded.handler,
				payload = excluded.payload,
				priority = excluded.priority,
				enabled = excluded.enabled,
				updated_at = CURRENT_TIMESTAMP;
		`, sched.Name, sched.CronExpr, sched.TaskType, sched.Handler, sched.Payload, sched.Priority, sched.Enabled)
		if err != nil {
			return fmt.Errorf("upsert schedule: %w", err)
		}
		return nil
	})
}

func scanSchedule(scanFn func(dest ...any) error, sched *Schedule) error {
	var lastRun, nextRun sql.NullTime
	if err := scanFn(
		&sched.Name,
		&sched.CronExpr,
		&sched.TaskType,
		&sched.Handler,
		&sched.Payload,
		&sched.Priority,
		&sched.Enabled,
		&lastRun,
		&nextRun,
		&sched.CreatedAt,
		&sched.UpdatedAt,
	); err != nil {
		return err
	}
	sched.LastRunAt = nullTimePtr(lastRun)
	sched.NextRunAt = nullTimePtr(nextRun)
	return nil
}

const scheduleColumns = `name, cron_expr, task_type, handler, payload, priority, enabled,
	last_run_at, next_run_at, created_at, updated_at`

func (s *Store) GetSchedule(ctx context.Context, name string) (*Schedule, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+scheduleColumns+` FROM schedules WHERE name = ?;`, name)
	var sched Schedule
	if err := scanSchedule(row.Scan, &sched); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("schedule %q not found", name)
		}
		return nil, fmt.Errorf("get schedule: %w", err)
	}
	return &sched, nil
}

func (s *Store) ListSchedules(ctx context.Context) ([]Schedule, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+scheduleColumns+` FROM schedules ORDER BY name ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list schedules: %w", err)
	}
	defer rows.Close()

	var out []Schedule
	for rows.Next() {
		var sched Schedule
		if err := scanSchedule(rows.Scan, &sched); err != nil {
			return nil, fmt.Errorf("scan schedule: %w", err)
		}
		out = append(out, sched)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("schedule rows: %w", err)
	}
	return out, nil
}

// MarkScheduleRun records a fire and the engine's computed next fire time.
func (s *Store) MarkScheduleRun(ctx context.Context, name string, ranAt, nextRun time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules
			SET last_run_at = ?, next_run_at = ?, updated_at = CURRENT_TIMESTAMP
			WHERE name = ?;
		`, ranAt.UTC(), nextRun.UTC(), name)
		if err != nil {
			return fmt.Errorf("mark schedule run: %w", err)
		}
		return nil
	})
}

// SetScheduleNextRun advances the fire bookkeeping without recording a run.
// Used to prime fresh schedules and to step past windows that elapsed while
// the schedule was disabled.
func (s *Store) SetScheduleNextRun(ctx context.Context, name string, next time.Time) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET next_run_at = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
		`, next.UTC(), name)
		if err != nil {
			return fmt.Errorf("set schedule next run: %w", err)
		}
		return nil
	})
}

func (s *Store) SetScheduleEnabled(ctx context.Context, name string, enabled bool) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE schedules SET enabled = ?, updated_at = CURRENT_TIMESTAMP WHERE name = ?;
		`, enabled, name)
		if err != nil {
			return fmt.Errorf("set schedule enabled: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("schedule rows affected: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("schedule %q not found", name)
		}
		return nil
	})
}

func (s *Store) DeleteSchedule(ctx context.Context, name string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?;`, name)
		if err != nil {
			return fmt.Errorf("delete schedule: %w", err)
		}
		return nil
	})
}
