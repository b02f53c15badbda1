package store

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Worker classes for the sizing registry.
const (
	WorkerClassLight    = "light"
	WorkerClassStandard = "standard"
	WorkerClassHeavy    = "heavy"
)

// WorkerProfileRow is the persisted mirror of a sizing registry entry.
// Live load counters stay in memory; only capacity shape is written through.
type WorkerProfileRow struct {
	WorkerID           string    `json:"worker_id"`
	Class              string    `json:"class"`
	MaxConcurrentTasks int       `json:"max_concurrent_tasks"`
	MaxDataBytes       int64     `json:"max_data_bytes"`
	PreferredClasses   []string  `json:"preferred_classes"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

func (s *Store) UpsertWorkerProfile(ctx context.Context, row WorkerProfileRow) error {
	if strings.TrimSpace(row.WorkerID) == "" {
		return fmt.Errorf("worker_id is required")
	}
	switch row.Class {
	case WorkerClassLight, WorkerClassStandard, WorkerClassHeavy:
	default:
		return fmt.Errorf("unknown worker class %q", row.Class)
	}
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO worker_profiles (worker_id, class, max_concurrent_tasks, max_data_bytes, preferred_classes)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(worker_id) DO UPDATE SET
				class = excluded.class,
				max_concurrent_tasks = excluded.max_concurrent_tasks,
				max_data_bytes = excluded.max_data_bytes,
				preferred_classes = excluded.preferred_classes,
				updated_at = CURRENT_TIMESTAMP;
		`, row.WorkerID, row.Class, row.MaxConcurrentTasks, row.MaxDataBytes, strings.Join(row.PreferredClasses, ","))
		if err != nil {
			return fmt.Errorf("upsert worker profile: %w", err)
		}
		return nil
	})
}

func (s *Store) ListWorkerProfiles(ctx context.Context) ([]WorkerProfileRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT worker_id, class, max_concurrent_tasks, max_data_bytes, preferred_classes, created_at, updated_at
		FROM worker_profiles
		ORDER BY worker_id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list worker profiles: %w", err)
	}
	defer rows.Close()

	var out []WorkerProfileRow
	for rows.Next() {
		var row WorkerProfileRow
		var preferred string
		if err := rows.Scan(&row.WorkerID, &row.Class, &row.MaxConcurrentTasks, &row.MaxDataBytes,
			&preferred, &row.CreatedAt, &row.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker profile: %w", err)
		}
		if preferred != "" {
			row.PreferredClasses = strings.Split(preferred, ",")
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("worker profile rows: %w", err)
	}
	return out, nil
}

func (s *Store) DeleteWorkerProfile(ctx context.Context, workerID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `DELETE FROM worker_profiles WHERE worker_id = ?;`, workerID)
		if err != nil {
			return fmt.Errorf("delete worker profile: %w", err)
		}
		return nil
	})
}
