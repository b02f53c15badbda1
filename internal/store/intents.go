package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// IntentStatus tracks an intent through its bridged task's life. The
// progression is linear: created -> dispatched -> executing -> one of the
// terminal states mirroring the task outcome.
type IntentStatus string

const (
	IntentStatusCreated    IntentStatus = "created"
	IntentStatusDispatched IntentStatus = "dispatched"
	IntentStatusExecuting  IntentStatus = "executing"
	IntentStatusCompleted  IntentStatus = "completed"
	IntentStatusFailed     IntentStatus = "failed"
	IntentStatusTimeout    IntentStatus = "timeout"
)

// IsResolved reports whether the intent has reached a terminal status.
func (s IntentStatus) IsResolved() bool {
	switch s {
	case IntentStatusCompleted, IntentStatusFailed, IntentStatusTimeout:
		return true
	}
	return false
}

type Intent struct {
	ID              string       `json:"id"`
	Goal            string       `json:"goal"`
	ExpectedOutcome string       `json:"expected_outcome,omitempty"`
	Domain          string       `json:"domain,omitempty"`
	Priority        Priority     `json:"priority"`
	SLAMS           int64        `json:"sla_ms,omitempty"`
	Confidence      float64      `json:"confidence"`
	RiskLevel       string       `json:"risk_level"`
	Status          IntentStatus `json:"status"`
	TaskID          string       `json:"task_id,omitempty"`
	Success         bool         `json:"success"`
	ExecutionTimeMS int64        `json:"execution_time_ms"`
	Outcome         string       `json:"outcome,omitempty"`
	CreatedAt       time.Time    `json:"created_at"`
	ResolvedAt      *time.Time   `json:"resolved_at,omitempty"`
	UpdatedAt       time.Time    `json:"updated_at"`
}

// IntentSpec is the input to CreateIntent.
type IntentSpec struct {
	Goal            string
	ExpectedOutcome string
	Domain          string
	Priority        Priority
	SLAMS           int64
	Confidence      float64
	RiskLevel       string
}

const intentColumns = `id, goal, expected_outcome, domain, priority, sla_ms, confidence,
	risk_level, status, task_id, success, execution_time_ms, outcome,
	created_at, resolved_at, updated_at`

func scanIntent(scanFn func(dest ...any) error, intent *Intent) error {
	var taskID sql.NullString
	var resolvedAt sql.NullTime
	if err := scanFn(
		&intent.ID,
		&intent.Goal,
		&intent.ExpectedOutcome,
		&intent.Domain,
		&intent.Priority,
		&intent.SLAMS,
		&intent.Confidence,
		&intent.RiskLevel,
		&intent.Status,
		&taskID,
		&intent.Success,
		&intent.ExecutionTimeMS,
		&intent.Outcome,
		&intent.CreatedAt,
		&resolvedAt,
		&intent.UpdatedAt,
	); err != nil {
		return err
	}
	if taskID.Valid {
		intent.TaskID = taskID.String
	}
	intent.ResolvedAt = nullTimePtr(resolvedAt)
	return nil
}

// CreateIntent persists a new intent in created status.
func (s *Store) CreateIntent(ctx context.Context, spec IntentSpec) (*Intent, error) {
	if strings.TrimSpace(spec.Goal) == "" {
		return nil, fmt.Errorf("intent goal is required")
	}
	if spec.Priority == "" {
		spec.Priority = PriorityNormal
	}
	if !ValidPriority(spec.Priority) {
		return nil, fmt.Errorf("unknown priority %q", spec.Priority)
	}
	if spec.RiskLevel == "" {
		spec.RiskLevel = "low"
	}

	now := time.Now().UTC()
	intent := &Intent{
		ID:              uuid.NewString(),
		Goal:            spec.Goal,
		ExpectedOutcome: spec.ExpectedOutcome,
		Domain:          spec.Domain,
		Priority:        spec.Priority,
		SLAMS:           spec.SLAMS,
		Confidence:      spec.Confidence,
		RiskLevel:       spec.RiskLevel,
		Status:          IntentStatusCreated,
		CreatedAt:       now,
		UpdatedAt:       now,
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO intents (
				id, goal, expected_outcome, domain, priority, sla_ms, confidence,
				risk_level, status, created_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?);
		`,
			intent.ID, intent.Goal, intent.ExpectedOutcome, intent.Domain,
			intent.Priority, intent.SLAMS, intent.Confidence, intent.RiskLevel,
			intent.Status, intent.CreatedAt, intent.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("insert intent: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return intent, nil
}

func (s *Store) GetIntent(ctx context.Context, intentID string) (*Intent, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+intentColumns+` FROM intents WHERE id = ?;`, intentID)
	var intent Intent
	if err := scanIntent(row.Scan, &intent); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrIntentNotFound
		}
		return nil, fmt.Errorf("get intent: %w", err)
	}
	return &intent, nil
}

// LinkIntentTask records the bridged task and moves the intent to dispatched.
func (s *Store) LinkIntentTask(ctx context.Context, intentID, taskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents
			SET task_id = ?, status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, taskID, IntentStatusDispatched, intentID, IntentStatusCreated)
		if err != nil {
			return fmt.Errorf("link intent task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("link rows affected: %w", err)
		}
		if n == 0 {
			return ErrIntentNotFound
		}
		return nil
	})
}

// MarkIntentExecuting mirrors the bridged task's started report. A no-op when
// the intent already moved past dispatched.
func (s *Store) MarkIntentExecuting(ctx context.Context, intentID string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, IntentStatusExecuting, intentID, IntentStatusDispatched)
		if err != nil {
			return fmt.Errorf("mark intent executing: %w", err)
		}
		return nil
	})
}

// ResolveIntent settles an intent with its task's outcome. The returned bool
// is true only for the call that performed the resolution, so feedback runs
// exactly once even when the lifecycle event and the reconciliation sweep
// race.
func (s *Store) ResolveIntent(ctx context.Context, intentID string, status IntentStatus, success bool, executionTimeMS int64, outcome string) (*Intent, bool, error) {
	if !status.IsResolved() {
		return nil, false, fmt.Errorf("intent resolution requires a terminal status, got %q", status)
	}

	var resolved bool
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE intents
			SET status = ?, success = ?, execution_time_ms = ?, outcome = ?,
				resolved_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status IN (?, ?, ?);
		`, status, success, executionTimeMS, outcome,
			intentID, IntentStatusCreated, IntentStatusDispatched, IntentStatusExecuting)
		if err != nil {
			return fmt.Errorf("resolve intent: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("resolve rows affected: %w", err)
		}
		resolved = n == 1
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	intent, err := s.GetIntent(ctx, intentID)
	if err != nil {
		return nil, false, err
	}
	return intent, resolved, nil
}

// ActiveIntentMappings returns task_id -> intent_id for every unresolved
// intent with a bridged task. Rebuilt into the bridge's in-memory map on
// boot.
func (s *Store) ActiveIntentMappings(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_id, id FROM intents
		WHERE task_id IS NOT NULL AND status IN (?, ?, ?);
	`, IntentStatusCreated, IntentStatusDispatched, IntentStatusExecuting)
	if err != nil {
		return nil, fmt.Errorf("query active intent mappings: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var taskID, intentID string
		if err := rows.Scan(&taskID, &intentID); err != nil {
			return nil, fmt.Errorf("scan intent mapping: %w", err)
		}
		out[taskID] = intentID
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent mapping rows: %w", err)
	}
	return out, nil
}

// UnmappedTerminalIntentTasks finds bridged tasks that reached a terminal
// state while their intent is still unresolved. The reconciliation sweep
// resolves these when a lifecycle event was missed.
func (s *Store) UnmappedTerminalIntentTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE intent_id IS NOT NULL
			AND status IN (?, ?, ?)
			AND intent_id IN (
				SELECT id FROM intents WHERE status IN (?, ?, ?)
			);
	`,
		TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout,
		IntentStatusCreated, IntentStatusDispatched, IntentStatusExecuting)
	if err != nil {
		return nil, fmt.Errorf("query unresolved intent tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan intent task: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent task rows: %w", err)
	}
	return out, nil
}

// ListIntentsByStatus returns intents in any of the given statuses, newest
// first.
func (s *Store) ListIntentsByStatus(ctx context.Context, statuses ...IntentStatus) ([]*Intent, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	placeholders := strings.Repeat("?,", len(statuses))
	placeholders = placeholders[:len(placeholders)-1]
	args := make([]any, len(statuses))
	for i, st := range statuses {
		args[i] = st
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+intentColumns+` FROM intents WHERE status IN (`+placeholders+`) ORDER BY created_at DESC, id ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list intents: %w", err)
	}
	defer rows.Close()

	var out []*Intent
	for rows.Next() {
		var intent Intent
		if err := scanIntent(rows.Scan, &intent); err != nil {
			return nil, fmt.Errorf("scan intent: %w", err)
		}
		out = append(out, &intent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("intent rows: %w", err)
	}
	return out, nil
}
