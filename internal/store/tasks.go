package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ironvale/taskforge/internal/bus"
)

// TaskSpec is the input to EnqueueTask. SLAMS must be resolved by the caller
// (per-priority defaults applied upstream); SizeClass comes from the size
// classifier at intake.
type TaskSpec struct {
	TaskType      string
	Handler       string
	Domain        string
	Origin        string
	Priority      Priority
	Payload       string
	DataSizeBytes int64
	SizeClass     string
	MaxAttempts   int
	SLAMS         int64
	IntentID      string
	ParentTaskID  string
	Route         string
	NotBefore     *time.Time
}

func (spec *TaskSpec) validate() error {
	if strings.TrimSpace(spec.TaskType) == "" {
		return fmt.Errorf("task_type is required")
	}
	if strings.TrimSpace(spec.Handler) == "" {
		return fmt.Errorf("handler is required")
	}
	if !ValidOrigin(spec.Origin) {
		return fmt.Errorf("unknown origin %q", spec.Origin)
	}
	if spec.Priority == "" {
		spec.Priority = PriorityNormal
	}
	if !ValidPriority(spec.Priority) {
		return fmt.Errorf("unknown priority %q", spec.Priority)
	}
	if spec.SLAMS <= 0 {
		return fmt.Errorf("sla_ms must be positive")
	}
	if spec.DataSizeBytes < 0 {
		return fmt.Errorf("data_size_bytes must be >= 0")
	}
	if strings.TrimSpace(spec.SizeClass) == "" {
		return fmt.Errorf("size_class is required")
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = defaultMaxAttempts
	}
	if spec.Payload == "" {
		spec.Payload = "{}"
	}
	if spec.Route == "" {
		spec.Route = RouteAccepted
	}
	return nil
}

// EnqueueTask persists a new task in QUEUED state with attempt_number 1 and
// sla_deadline = queued_at + sla_ms.
func (s *Store) EnqueueTask(ctx context.Context, spec TaskSpec) (*Task, error) {
	if err := spec.validate(); err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	task := &Task{
		ID:            uuid.NewString(),
		TaskType:      spec.TaskType,
		Handler:       spec.Handler,
		Domain:        spec.Domain,
		Origin:        spec.Origin,
		Priority:      spec.Priority,
		BasePriority:  spec.Priority,
		Status:        TaskStatusQueued,
		Payload:       spec.Payload,
		DataSizeBytes: spec.DataSizeBytes,
		SizeClass:     spec.SizeClass,
		AttemptNumber: 1,
		MaxAttempts:   spec.MaxAttempts,
		SLAMS:         spec.SLAMS,
		SLADeadline:   now.Add(time.Duration(spec.SLAMS) * time.Millisecond),
		SLAMet:        true,
		IntentID:      spec.IntentID,
		ParentTaskID:  spec.ParentTaskID,
		Route:         spec.Route,
		NotBefore:     spec.NotBefore,
		CreatedAt:     now,
		QueuedAt:      now,
		UpdatedAt:     now,
	}

	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin enqueue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO tasks (
				id, task_type, handler, domain, origin, priority, base_priority, status,
				payload, data_size_bytes, size_class, attempt_number, max_attempts,
				sla_ms, sla_deadline, intent_id, parent_task_id, route, not_before,
				created_at, queued_at, updated_at
			)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, 1, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?);
		`,
			task.ID, task.TaskType, task.Handler, task.Domain, task.Origin,
			task.Priority, task.BasePriority, task.Status,
			task.Payload, task.DataSizeBytes, task.SizeClass, task.MaxAttempts,
			task.SLAMS, task.SLADeadline, task.IntentID, task.ParentTaskID,
			task.Route, nullableTime(task.NotBefore),
			task.CreatedAt, task.QueuedAt, task.UpdatedAt,
		); err != nil {
			return fmt.Errorf("insert task: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, task.ID, "", TaskStatusQueued, "task.enqueued",
			fmt.Sprintf(`{"origin":%q,"route":%q}`, task.Origin, task.Route)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishStateChange(task.ID, "", TaskStatusQueued, 1)
	return task, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrTaskNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// checkAttemptTx rejects reports for superseded attempts and returns the
// task's current status. This is the cancellation mechanism: a retried task
// invalidates its prior attempt by number, and the late report is dropped
// here.
func checkAttemptTx(ctx context.Context, tx *sql.Tx, taskID string, attemptNumber int) (TaskStatus, error) {
	var current int
	var status TaskStatus
	if err := tx.QueryRowContext(ctx, `SELECT attempt_number, status FROM tasks WHERE id = ?;`, taskID).Scan(&current, &status); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrTaskNotFound
		}
		return "", fmt.Errorf("read attempt number: %w", err)
	}
	if attemptNumber != current {
		return status, fmt.Errorf("%w: got attempt %d, task is on %d", ErrStaleReport, attemptNumber, current)
	}
	return status, nil
}

// MarkAssigned transitions QUEUED -> ASSIGNED, records the worker, and opens
// the attempt record for the current attempt number.
func (s *Store) MarkAssigned(ctx context.Context, taskID, workerID string, attemptNumber int) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin assign tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := checkAttemptTx(ctx, tx, taskID, attemptNumber); err != nil {
			return err
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusQueued}, TaskStatusAssigned,
			"task.assigned", fmt.Sprintf(`{"worker_id":%q,"attempt":%d}`, workerID, attemptNumber), nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = ?, assigned_at = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, workerID, taskID); err != nil {
			return fmt.Errorf("record assignment: %w", err)
		}
		// Reassignment after crash recovery reuses the attempt number; the
		// open row is reset, finished attempts are never touched.
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_attempts (task_id, attempt_number, worker_id, status, created_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(task_id, attempt_number) DO UPDATE SET
				worker_id = excluded.worker_id,
				status = excluded.status,
				started_at = NULL
			WHERE task_attempts.finished_at IS NULL;
		`, taskID, attemptNumber, workerID, TaskStatusAssigned); err != nil {
			return fmt.Errorf("open attempt record: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, TaskStatusQueued, TaskStatusAssigned, attemptNumber)
	return nil
}

// MarkRunning transitions ASSIGNED -> RUNNING on the worker's started report.
func (s *Store) MarkRunning(ctx context.Context, taskID, workerID string, attemptNumber int) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin running tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := checkAttemptTx(ctx, tx, taskID, attemptNumber); err != nil {
			return err
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusAssigned}, TaskStatusRunning,
			"task.running", fmt.Sprintf(`{"worker_id":%q}`, workerID), nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET started_at = CURRENT_TIMESTAMP, last_heartbeat = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("record start: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_attempts
			SET status = ?, started_at = CURRENT_TIMESTAMP
			WHERE task_id = ? AND attempt_number = ?;
		`, TaskStatusRunning, taskID, attemptNumber); err != nil {
			return fmt.Errorf("start attempt record: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publishStateChange(taskID, TaskStatusAssigned, TaskStatusRunning, attemptNumber)
	return nil
}

// finishTaskTx applies shared terminal bookkeeping: finished_at, SLA buffer
// and sla_met, and closing the attempt record. worker_id is kept on the row;
// only a retry release clears it.
func (s *Store) finishTaskTx(ctx context.Context, tx *sql.Tx, taskID string, attemptNumber int, to TaskStatus, success bool, errKind string, durationMS int64) error {
	var deadline time.Time
	var started sql.NullTime
	if err := tx.QueryRowContext(ctx, `
		SELECT sla_deadline, started_at FROM tasks WHERE id = ?;
	`, taskID).Scan(&deadline, &started); err != nil {
		return fmt.Errorf("read deadline for finish: %w", err)
	}

	finished := time.Now().UTC()
	bufferMS := deadline.Sub(finished).Milliseconds()
	slaMet := bufferMS >= 0
	if durationMS <= 0 && started.Valid {
		durationMS = finished.Sub(started.Time).Milliseconds()
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET finished_at = ?, sla_buffer_ms = ?, sla_met = ?, success = ?,
			error_kind = NULLIF(?, ''), updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, finished, bufferMS, slaMet, success, errKind, taskID); err != nil {
		return fmt.Errorf("record finish: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		UPDATE task_attempts
		SET status = ?, success = ?, finished_at = ?, duration_ms = ?, error_kind = ?
		WHERE task_id = ? AND attempt_number = ? AND finished_at IS NULL;
	`, to, success, finished, durationMS, errKind, taskID, attemptNumber); err != nil {
		return fmt.Errorf("close attempt record: %w", err)
	}
	return nil
}

// CompleteTask transitions to COMPLETED on the worker's terminal report and
// returns the updated task.
func (s *Store) CompleteTask(ctx context.Context, taskID, workerID string, attemptNumber int, result string, durationMS int64) (*Task, error) {
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin complete tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = checkAttemptTx(ctx, tx, taskID, attemptNumber)
		if err != nil {
			return err
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusAssigned, TaskStatusRunning}, TaskStatusCompleted,
			"task.completed", fmt.Sprintf(`{"worker_id":%q,"duration_ms":%d}`, workerID, durationMS), &result, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if err := s.finishTaskTx(ctx, tx, taskID, attemptNumber, TaskStatusCompleted, true, "", durationMS); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishStateChange(taskID, from, TaskStatusCompleted, attemptNumber)
	return s.GetTask(ctx, taskID)
}

// FailTask transitions to FAILED on the worker's terminal report.
func (s *Store) FailTask(ctx context.Context, taskID, workerID string, attemptNumber int, errMsg, errKind string, durationMS int64) (*Task, error) {
	if errKind == "" {
		errKind = ErrorKindSystem
	}
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin fail tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = checkAttemptTx(ctx, tx, taskID, attemptNumber)
		if err != nil {
			return err
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning}, TaskStatusFailed,
			"task.failed", fmt.Sprintf(`{"worker_id":%q,"error_kind":%q}`, workerID, errKind), nil, &errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if err := s.finishTaskTx(ctx, tx, taskID, attemptNumber, TaskStatusFailed, false, errKind, durationMS); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishStateChange(taskID, from, TaskStatusFailed, attemptNumber)
	return s.GetTask(ctx, taskID)
}

// TimeoutTask transitions to TIMEOUT. reason is recorded as the error kind:
// not_accepted from the acceptance watchdog, execution_timeout from the SLA
// margin watchdog.
func (s *Store) TimeoutTask(ctx context.Context, taskID string, attemptNumber int, reason string) (*Task, error) {
	if reason == "" {
		reason = TimeoutReasonExecution
	}
	errMsg := fmt.Sprintf("task timed out: %s", reason)
	var from TaskStatus
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin timeout tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		from, err = checkAttemptTx(ctx, tx, taskID, attemptNumber)
		if err != nil {
			return err
		}
		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusAssigned, TaskStatusRunning}, TaskStatusTimeout,
			"task.timeout", fmt.Sprintf(`{"reason":%q}`, reason), nil, &errMsg)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if err := s.finishTaskTx(ctx, tx, taskID, attemptNumber, TaskStatusTimeout, false, reason, 0); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publishStateChange(taskID, from, TaskStatusTimeout, attemptNumber)
	return s.GetTask(ctx, taskID)
}

// ScheduleRetry moves a terminal FAILED/TIMEOUT task into RETRYING with an
// incremented attempt number and a release time after the backoff delay.
// Returns ErrAttemptsExhausted when the increment would exceed max_attempts;
// the task stays terminal.
func (s *Store) ScheduleRetry(ctx context.Context, taskID string, attemptNumber int, delay time.Duration, reason string) (*Task, error) {
	notBefore := time.Now().UTC().Add(delay)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := checkAttemptTx(ctx, tx, taskID, attemptNumber); err != nil {
			return err
		}
		var maxAttempts int
		if err := tx.QueryRowContext(ctx, `SELECT max_attempts FROM tasks WHERE id = ?;`, taskID).Scan(&maxAttempts); err != nil {
			return fmt.Errorf("read max attempts: %w", err)
		}
		if attemptNumber+1 > maxAttempts {
			return ErrAttemptsExhausted
		}

		ok, err := s.transitionTaskTx(ctx, tx, taskID,
			[]TaskStatus{TaskStatusFailed, TaskStatusTimeout}, TaskStatusRetrying,
			"task.retrying", fmt.Sprintf(`{"next_attempt":%d,"delay_ms":%d,"reason":%q}`, attemptNumber+1, delay.Milliseconds(), reason), nil, nil)
		if err != nil {
			return err
		}
		if !ok {
			return ErrInvalidTransition
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET attempt_number = attempt_number + 1, not_before = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, notBefore, taskID); err != nil {
			return fmt.Errorf("bump attempt number: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE task_attempts
			SET retry_reason = ?
			WHERE task_id = ? AND attempt_number = ?;
		`, reason, taskID, attemptNumber); err != nil {
			return fmt.Errorf("record retry reason: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	task, err := s.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if s.bus != nil {
		s.bus.Publish(bus.TopicTaskRetrying, bus.TaskRetryingEvent{
			TaskID:        taskID,
			AttemptNumber: task.AttemptNumber,
			Delay:         delay,
			Reason:        reason,
		})
	}
	return task, nil
}

// ReleaseDueRetries moves RETRYING tasks whose backoff delay has elapsed back
// to QUEUED. The task is reset for the fresh attempt: worker and timing
// fields cleared, priority restored to its enqueue-time value. The original
// SLA deadline is kept; retries do not extend it. Returns the released tasks
// so the dispatcher can re-admit them.
func (s *Store) ReleaseDueRetries(ctx context.Context) ([]*Task, error) {
	var releasedIDs []string
	err := retryOnBusy(ctx, 5, func() error {
		releasedIDs = releasedIDs[:0]
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin release retries tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		rows, err := tx.QueryContext(ctx, `
			SELECT id FROM tasks
			WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
			ORDER BY not_before ASC;
		`, TaskStatusRetrying, time.Now().UTC())
		if err != nil {
			return fmt.Errorf("query due retries: %w", err)
		}
		var ids []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return fmt.Errorf("scan due retry: %w", err)
			}
			ids = append(ids, id)
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return fmt.Errorf("iterate due retries: %w", err)
		}

		for _, id := range ids {
			ok, err := s.transitionTaskTx(ctx, tx, id,
				[]TaskStatus{TaskStatusRetrying}, TaskStatusQueued,
				"task.requeued", `{"reason":"backoff_elapsed"}`, nil, nil)
			if err != nil {
				return fmt.Errorf("release retry transition: %w", err)
			}
			if !ok {
				continue
			}
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks
				SET worker_id = NULL, assigned_at = NULL, started_at = NULL,
					finished_at = NULL, last_heartbeat = NULL, not_before = NULL,
					success = 0, result = NULL, error_message = NULL, error_kind = NULL,
					priority = base_priority, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, id); err != nil {
				return fmt.Errorf("reset task for retry: %w", err)
			}
			releasedIDs = append(releasedIDs, id)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}

	released := make([]*Task, 0, len(releasedIDs))
	for _, id := range releasedIDs {
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return released, err
		}
		s.publishStateChange(id, TaskStatusRetrying, TaskStatusQueued, task.AttemptNumber)
		released = append(released, task)
	}
	return released, nil
}

// EscalateTaskPriority bumps a task's live priority. Used by the SLA enforcer;
// markSLAMissed additionally records the deadline breach.
func (s *Store) EscalateTaskPriority(ctx context.Context, taskID string, to Priority, markSLAMissed bool) error {
	if !ValidPriority(to) {
		return fmt.Errorf("unknown priority %q", to)
	}
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin escalate tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var current Priority
		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT priority, status FROM tasks WHERE id = ?;`, taskID).Scan(&current, &status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("read priority: %w", err)
		}

		// Escalation only raises; a lower requested priority is a no-op.
		raise := PriorityRank(to) < PriorityRank(current)
		if !raise && !markSLAMissed {
			return tx.Commit()
		}

		switch {
		case raise && markSLAMissed:
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET priority = ?, sla_met = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, to, taskID)
		case raise:
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET priority = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, to, taskID)
		default:
			_, err = tx.ExecContext(ctx, `UPDATE tasks SET sla_met = 0, updated_at = CURRENT_TIMESTAMP WHERE id = ?;`, taskID)
		}
		if err != nil {
			return fmt.Errorf("escalate priority: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, status, status, "task.escalated",
			fmt.Sprintf(`{"from":%q,"to":%q,"sla_missed":%t}`, current, to, markSLAMissed)); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// TouchHeartbeat persists worker liveness. Callers throttle; heartbeats are
// tracked in memory between flushes.
func (s *Store) TouchHeartbeat(ctx context.Context, taskID string, attemptNumber int) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks
		SET last_heartbeat = CURRENT_TIMESTAMP
		WHERE id = ? AND attempt_number = ? AND status IN (?, ?);
	`, taskID, attemptNumber, TaskStatusAssigned, TaskStatusRunning)
	if err != nil {
		return fmt.Errorf("touch heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("heartbeat rows affected: %w", err)
	}
	if n == 0 {
		return ErrStaleReport
	}
	return nil
}

// ListByStatus returns tasks in any of the given states, oldest first.
func (s *Store) ListByStatus(ctx context.Context, statuses ...TaskStatus) ([]*Task, error) {
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
		`SELECT `+taskColumns+` FROM tasks WHERE status IN (`+placeholders+`) ORDER BY queued_at ASC, id ASC;`, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks by status: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// TaskFilter narrows ListTasks. Zero values match everything.
type TaskFilter struct {
	Status   TaskStatus
	Origin   string
	TaskType string
	Limit    int
	Offset   int
}

// ListTasks returns tasks matching the filter, newest first. Limit defaults
// to 50 and is clamped to 500.
func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]*Task, error) {
	if f.Limit <= 0 {
		f.Limit = 50
	}
	if f.Limit > 500 {
		f.Limit = 500
	}
	if f.Offset < 0 {
		f.Offset = 0
	}
	where := make([]string, 0, 3)
	args := make([]any, 0, 5)
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, f.Status)
	}
	if f.Origin != "" {
		where = append(where, "origin = ?")
		args = append(args, f.Origin)
	}
	if f.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, f.TaskType)
	}
	query := `SELECT ` + taskColumns + ` FROM tasks`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY queued_at DESC, id DESC LIMIT ? OFFSET ?;"
	args = append(args, f.Limit, f.Offset)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task rows: %w", err)
	}
	return out, nil
}

// ListActiveWithDeadline returns ASSIGNED/RUNNING tasks for the SLA scan.
func (s *Store) ListActiveWithDeadline(ctx context.Context) ([]*Task, error) {
	return s.ListByStatus(ctx, TaskStatusAssigned, TaskStatusRunning)
}

// ListQueuedReady returns QUEUED tasks whose hold time (if any) has passed,
// in dispatch order. Used to rebuild in-memory queues on boot.
func (s *Store) ListQueuedReady(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks
		WHERE status = ? AND (not_before IS NULL OR not_before <= ?)
		ORDER BY CASE priority
			WHEN 'critical' THEN 0
			WHEN 'high' THEN 1
			WHEN 'normal' THEN 2
			ELSE 3
		END, queued_at ASC, id ASC;
	`, TaskStatusQueued, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("list queued ready: %w", err)
	}
	defer rows.Close()

	var out []*Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan queued task: %w", err)
		}
		out = append(out, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("queued rows: %w", err)
	}
	return out, nil
}

// HoldTask parks a QUEUED task until the given time. Used for burst delays,
// policy hold windows, and off-peak deferral of bulk payloads.
func (s *Store) HoldTask(ctx context.Context, taskID string, until time.Time, reason string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin hold tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			UPDATE tasks SET not_before = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND status = ?;
		`, until.UTC(), taskID, TaskStatusQueued)
		if err != nil {
			return fmt.Errorf("hold task: %w", err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("hold task rows: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("hold task %s: not queued", taskID)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, TaskStatusQueued, TaskStatusQueued, "task.held",
			fmt.Sprintf(`{"reason":%q,"until":%q}`, reason, until.UTC().Format(time.RFC3339))); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// SetTaskRoute records the router's admission verdict on the task row.
func (s *Store) SetTaskRoute(ctx context.Context, taskID, route string) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET route = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, route, taskID)
		if err != nil {
			return fmt.Errorf("set task route: %w", err)
		}
		return nil
	})
}

// ReleaseHeldTasks clears the hold on QUEUED tasks whose not_before has
// passed (off-peak deferrals and burst delays) and returns them.
func (s *Store) ReleaseHeldTasks(ctx context.Context) ([]*Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id FROM tasks
		WHERE status = ? AND not_before IS NOT NULL AND not_before <= ?;
	`, TaskStatusQueued, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("query held tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan held task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("held rows: %w", err)
	}

	var out []*Task
	for _, id := range ids {
		if _, err := s.db.ExecContext(ctx, `
			UPDATE tasks SET not_before = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND status = ?;
		`, id, TaskStatusQueued); err != nil {
			return out, fmt.Errorf("clear hold: %w", err)
		}
		task, err := s.GetTask(ctx, id)
		if err != nil {
			return out, err
		}
		out = append(out, task)
	}
	return out, nil
}

// RecoverInFlight requeues tasks left ASSIGNED/RUNNING by a crash. The
// attempt number is kept; the interrupted attempt restarts when the task is
// next assigned.
func (s *Store) RecoverInFlight(ctx context.Context) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin recovery tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT id FROM tasks WHERE status IN (?, ?);
	`, TaskStatusAssigned, TaskStatusRunning)
	if err != nil {
		return 0, fmt.Errorf("query in-flight tasks: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan in-flight task: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate in-flight tasks: %w", err)
	}

	var recovered int64
	for _, id := range ids {
		ok, err := s.transitionTaskTx(ctx, tx, id,
			[]TaskStatus{TaskStatusAssigned, TaskStatusRunning}, TaskStatusQueued,
			"task.recovered", `{"reason":"boot_recovery"}`, nil, nil)
		if err != nil {
			return 0, fmt.Errorf("recovery transition: %w", err)
		}
		if !ok {
			continue
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks
			SET worker_id = NULL, assigned_at = NULL, started_at = NULL, last_heartbeat = NULL,
				updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, id); err != nil {
			return 0, fmt.Errorf("clear worker after recovery: %w", err)
		}
		recovered++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("commit recovery tx: %w", err)
	}
	return recovered, nil
}

// CountBacklog counts tasks that are not yet terminal.
func (s *Store) CountBacklog(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(1) FROM tasks WHERE status IN (?, ?, ?, ?);
	`, TaskStatusQueued, TaskStatusAssigned, TaskStatusRunning, TaskStatusRetrying).Scan(&count); err != nil {
		return 0, fmt.Errorf("count backlog: %w", err)
	}
	return count, nil
}

// CountByStatus returns per-status task counts.
func (s *Store) CountByStatus(ctx context.Context) (map[TaskStatus]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(1) FROM tasks GROUP BY status;`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	out := make(map[TaskStatus]int64)
	for rows.Next() {
		var status TaskStatus
		var count int64
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		out[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("status count rows: %w", err)
	}
	return out, nil
}

// CountQueuedByOrigin returns per-origin queued counts, used by the router to
// rebuild quota state on boot.
func (s *Store) CountQueuedByOrigin(ctx context.Context) (map[string]int64, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT origin, COUNT(1) FROM tasks WHERE status = ? GROUP BY origin;
	`, TaskStatusQueued)
	if err != nil {
		return nil, fmt.Errorf("count queued by origin: %w", err)
	}
	defer rows.Close()

	out := make(map[string]int64)
	for rows.Next() {
		var origin string
		var count int64
		if err := rows.Scan(&origin, &count); err != nil {
			return nil, fmt.Errorf("scan origin count: %w", err)
		}
		out[origin] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("origin count rows: %w", err)
	}
	return out, nil
}

// ListAttempts returns a task's attempt history in order.
func (s *Store) ListAttempts(ctx context.Context, taskID string) ([]Attempt, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, attempt_number, worker_id, status, success,
			started_at, finished_at, duration_ms, error_kind, retry_reason, created_at
		FROM task_attempts
		WHERE task_id = ?
		ORDER BY attempt_number ASC;
	`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attempts: %w", err)
	}
	defer rows.Close()

	var out []Attempt
	for rows.Next() {
		var a Attempt
		var started, finished sql.NullTime
		if err := rows.Scan(&a.ID, &a.TaskID, &a.AttemptNumber, &a.WorkerID, &a.Status, &a.Success,
			&started, &finished, &a.DurationMS, &a.ErrorKind, &a.RetryReason, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan attempt: %w", err)
		}
		a.StartedAt = nullTimePtr(started)
		a.FinishedAt = nullTimePtr(finished)
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("attempt rows: %w", err)
	}
	return out, nil
}

// ListTaskEvents returns a task's event log, oldest first.
func (s *Store) ListTaskEvents(ctx context.Context, taskID string, limit int) ([]TaskEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT event_id, task_id, COALESCE(trace_id, ''), event_type, state_from, state_to, payload_json, created_at
		FROM task_events
		WHERE task_id = ?
		ORDER BY event_id ASC
		LIMIT ?;
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("list task events: %w", err)
	}
	defer rows.Close()

	var out []TaskEvent
	for rows.Next() {
		var event TaskEvent
		var stateFrom sql.NullString
		if err := rows.Scan(
			&event.EventID,
			&event.TaskID,
			&event.TraceID,
			&event.EventType,
			&stateFrom,
			&event.StateTo,
			&event.Payload,
			&event.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan task event: %w", err)
		}
		if stateFrom.Valid {
			event.StateFrom = TaskStatus(stateFrom.String)
		}
		out = append(out, event)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task event rows: %w", err)
	}
	return out, nil
}

// TotalEventCount returns the total number of task events in the store.
func (s *Store) TotalEventCount(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM task_events;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("total event count: %w", err)
	}
	return count, nil
}

// DeleteTaskEventsBefore applies the retention policy to the event log.
func (s *Store) DeleteTaskEventsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_events WHERE created_at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete old task events: %w", err)
	}
	return res.RowsAffected()
}
