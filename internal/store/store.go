// Package store owns the persisted Task, Attempt, and Intent records. All
// state transitions go through the store so readers always see consistent
// snapshots; in-memory queues and counters elsewhere are rebuilt from it on
// boot.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/shared"
	_ "github.com/mattn/go-sqlite3"
)

const (
	// Schema ledger constants used to gate startup safety.
	schemaVersionV1  = 1
	schemaChecksumV1 = "tf-v1-2026-05-20-task-core"

	// v2: adds worker_profiles + quota_adjustments tables and
	// tasks.last_heartbeat column.
	schemaVersionV2  = 2
	schemaChecksumV2 = "tf-v2-2026-06-17-worker-quota"

	schemaVersionLatest  = schemaVersionV2
	schemaChecksumLatest = schemaChecksumV2

	defaultMaxAttempts = 3
)

var (
	ErrTaskNotFound      = errors.New("task not found")
	ErrIntentNotFound    = errors.New("intent not found")
	ErrStaleReport       = errors.New("stale report: attempt superseded")
	ErrInvalidTransition = errors.New("invalid task state transition")
	ErrAttemptsExhausted = errors.New("attempts exhausted")
)

type TaskStatus string

const (
	TaskStatusQueued    TaskStatus = "QUEUED"
	TaskStatusAssigned  TaskStatus = "ASSIGNED"
	TaskStatusRunning   TaskStatus = "RUNNING"
	TaskStatusRetrying  TaskStatus = "RETRYING"
	TaskStatusCompleted TaskStatus = "COMPLETED"
	TaskStatusFailed    TaskStatus = "FAILED"
	TaskStatusTimeout   TaskStatus = "TIMEOUT"
)

// IsTerminal reports whether the status ends an attempt. RETRYING is not
// terminal; it loops back to QUEUED after the backoff delay.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskStatusCompleted, TaskStatusFailed, TaskStatusTimeout:
		return true
	}
	return false
}

var allowedTransitions = map[TaskStatus]map[TaskStatus]struct{}{
	TaskStatusQueued: {
		TaskStatusAssigned: {},
		TaskStatusFailed:   {}, // Admission denial before any assignment.
	},
	TaskStatusAssigned: {
		TaskStatusRunning:   {},
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusTimeout:   {},
		TaskStatusQueued:    {}, // Crash recovery requeue.
	},
	TaskStatusRunning: {
		TaskStatusCompleted: {},
		TaskStatusFailed:    {},
		TaskStatusTimeout:   {},
		TaskStatusQueued:    {}, // Crash recovery requeue.
	},
	TaskStatusFailed: {
		TaskStatusRetrying: {},
	},
	TaskStatusTimeout: {
		TaskStatusRetrying: {},
	},
	TaskStatusRetrying: {
		TaskStatusQueued: {},
	},
}

func canTransition(from, to TaskStatus) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

type Priority string

const (
	PriorityCritical Priority = "critical"
	PriorityHigh     Priority = "high"
	PriorityNormal   Priority = "normal"
	PriorityLow      Priority = "low"
)

// PriorityRank orders priorities for dequeue: lower rank dispatches first.
// Unknown values rank as normal.
func PriorityRank(p Priority) int {
	switch p {
	case PriorityCritical:
		return 0
	case PriorityHigh:
		return 1
	case PriorityNormal:
		return 2
	case PriorityLow:
		return 3
	}
	return 2
}

// ValidPriority reports whether p names a known priority level.
func ValidPriority(p Priority) bool {
	switch p {
	case PriorityCritical, PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Task origins, used for fairness quotas.
const (
	OriginUserRequest = "user_request"
	OriginIntent      = "intent"
	OriginHunterAlert = "hunter_alert"
	OriginExternalAPI = "external_api"
	OriginScheduler   = "scheduler"
	OriginFilesystem  = "filesystem"
	OriginRemediation = "remediation"
	OriginInternal    = "internal"
)

// KnownOrigins lists every origin the quota table tracks.
var KnownOrigins = []string{
	OriginUserRequest,
	OriginIntent,
	OriginHunterAlert,
	OriginExternalAPI,
	OriginScheduler,
	OriginFilesystem,
	OriginRemediation,
	OriginInternal,
}

// ValidOrigin reports whether origin is one of KnownOrigins.
func ValidOrigin(origin string) bool {
	return slices.Contains(KnownOrigins, origin)
}

// Error taxonomy for worker-reported failures.
const (
	ErrorKindValidation   = "validation"
	ErrorKindTransient    = "transient"
	ErrorKindTimeout      = "timeout"
	ErrorKindSystem       = "system"
	ErrorKindNonretryable = "nonretryable"
)

// Timeout reasons recorded in error_kind by the watchdogs.
const (
	TimeoutReasonNotAccepted = "not_accepted"
	TimeoutReasonExecution   = "execution_timeout"
)

// Routing decisions applied at admission.
const (
	RouteAccepted = "accepted"
	RouteQueued   = "queued"
	RouteDeferred = "deferred"
	RouteDelayed  = "delayed"
	RouteExpress  = "express"
)

type Task struct {
	ID            string     `json:"id"`
	TaskType      string     `json:"task_type"`
	Handler       string     `json:"handler"`
	Domain        string     `json:"domain,omitempty"`
	Origin        string     `json:"origin"`
	Priority      Priority   `json:"priority"`
	BasePriority  Priority   `json:"base_priority"`
	Status        TaskStatus `json:"status"`
	Payload       string     `json:"payload"`
	DataSizeBytes int64      `json:"data_size_bytes"`
	SizeClass     string     `json:"size_class"`
	AttemptNumber int        `json:"attempt_number"`
	MaxAttempts   int        `json:"max_attempts"`
	SLAMS         int64      `json:"sla_ms"`
	SLADeadline   time.Time  `json:"sla_deadline"`
	SLAMet        bool       `json:"sla_met"`
	SLABufferMS   int64      `json:"sla_buffer_ms,omitempty"`
	IntentID      string     `json:"intent_id,omitempty"`
	ParentTaskID  string     `json:"parent_task_id,omitempty"`
	WorkerID      string     `json:"worker_id,omitempty"`
	Route         string     `json:"route"`
	NotBefore     *time.Time `json:"not_before,omitempty"`
	Success       bool       `json:"success"`
	Result        string     `json:"result,omitempty"`
	ErrorMessage  string     `json:"error_message,omitempty"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	QueuedAt      time.Time  `json:"queued_at"`
	AssignedAt    *time.Time `json:"assigned_at,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

// Attempt is one execution try. Rows are append-only; a finished attempt is
// never rewritten, a retry creates a new record.
type Attempt struct {
	ID            int64      `json:"id"`
	TaskID        string     `json:"task_id"`
	AttemptNumber int        `json:"attempt_number"`
	WorkerID      string     `json:"worker_id"`
	Status        TaskStatus `json:"status"`
	Success       bool       `json:"success"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMS    int64      `json:"duration_ms"`
	ErrorKind     string     `json:"error_kind,omitempty"`
	RetryReason   string     `json:"retry_reason,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

type TaskEvent struct {
	EventID   int64      `json:"event_id"`
	TaskID    string     `json:"task_id"`
	TraceID   string     `json:"trace_id,omitempty"`
	EventType string     `json:"event_type"`
	StateFrom TaskStatus `json:"state_from,omitempty"`
	StateTo   TaskStatus `json:"state_to"`
	Payload   string     `json:"payload"`
	CreatedAt time.Time  `json:"created_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforge", "taskforge.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter. maxRetries=5 gives ~3s total wait on top of the
// driver's busy_timeout (5s).
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		// ±25% jitter.
		jitter := time.Duration(rand.IntN(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") || // SQLITE_BUSY
		strings.Contains(msg, "(6)") // SQLITE_LOCKED
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	// Already at latest: verify checksum, run idempotent backfills, done.
	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		if err := applyBackfillsTx(ctx, tx); err != nil {
			return err
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration tx: %w", err)
		}
		return nil
	}

	// Upgrading from an earlier schema: validate the recorded checksum first.
	if maxVersion == schemaVersionV1 {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionV1).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumV1 {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionV1, existingChecksum, schemaChecksumV1)
		}
	}

	tableStatements := []string{
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			task_type TEXT NOT NULL,
			handler TEXT NOT NULL,
			domain TEXT NOT NULL DEFAULT '',
			origin TEXT NOT NULL,
			priority TEXT NOT NULL CHECK(priority IN ('critical', 'high', 'normal', 'low')),
			base_priority TEXT NOT NULL CHECK(base_priority IN ('critical', 'high', 'normal', 'low')),
			status TEXT NOT NULL CHECK(status IN ('QUEUED', 'ASSIGNED', 'RUNNING', 'RETRYING', 'COMPLETED', 'FAILED', 'TIMEOUT')),
			payload JSON NOT NULL,
			data_size_bytes INTEGER NOT NULL DEFAULT 0,
			size_class TEXT NOT NULL DEFAULT 'tiny',
			attempt_number INTEGER NOT NULL DEFAULT 1,
			max_attempts INTEGER NOT NULL DEFAULT 3,
			sla_ms INTEGER NOT NULL,
			sla_deadline DATETIME NOT NULL,
			sla_met INTEGER NOT NULL DEFAULT 1,
			sla_buffer_ms INTEGER,
			intent_id TEXT,
			parent_task_id TEXT,
			worker_id TEXT,
			route TEXT NOT NULL DEFAULT 'accepted',
			not_before DATETIME,
			success INTEGER NOT NULL DEFAULT 0,
			result JSON,
			error_message TEXT,
			error_kind TEXT,
			last_heartbeat DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			queued_at DATETIME NOT NULL,
			assigned_at DATETIME,
			started_at DATETIME,
			finished_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS task_attempts (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id) ON DELETE CASCADE,
			attempt_number INTEGER NOT NULL,
			worker_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			success INTEGER NOT NULL DEFAULT 0,
			started_at DATETIME,
			finished_at DATETIME,
			duration_ms INTEGER NOT NULL DEFAULT 0,
			error_kind TEXT NOT NULL DEFAULT '',
			retry_reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			UNIQUE(task_id, attempt_number)
		);`,
		`CREATE TABLE IF NOT EXISTS task_events (
			event_id INTEGER PRIMARY KEY AUTOINCREMENT,
			task_id TEXT NOT NULL REFERENCES tasks(id),
			trace_id TEXT,
			event_type TEXT NOT NULL,
			state_from TEXT,
			state_to TEXT NOT NULL,
			payload_json TEXT NOT NULL DEFAULT '{}',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS intents (
			id TEXT PRIMARY KEY,
			goal TEXT NOT NULL,
			expected_outcome TEXT NOT NULL DEFAULT '',
			domain TEXT NOT NULL DEFAULT '',
			priority TEXT NOT NULL DEFAULT 'normal',
			sla_ms INTEGER NOT NULL DEFAULT 0,
			confidence REAL NOT NULL DEFAULT 0,
			risk_level TEXT NOT NULL DEFAULT 'low',
			status TEXT NOT NULL DEFAULT 'created' CHECK(status IN ('created', 'dispatched', 'executing', 'completed', 'failed', 'timeout')),
			task_id TEXT,
			success INTEGER NOT NULL DEFAULT 0,
			execution_time_ms INTEGER NOT NULL DEFAULT 0,
			outcome TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			resolved_at DATETIME,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS schedules (
			name TEXT PRIMARY KEY,
			cron_expr TEXT NOT NULL,
			task_type TEXT NOT NULL,
			handler TEXT NOT NULL,
			payload JSON NOT NULL DEFAULT '{}',
			priority TEXT NOT NULL DEFAULT 'normal',
			enabled INTEGER NOT NULL DEFAULT 1,
			last_run_at DATETIME,
			next_run_at DATETIME,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS metrics_hourly (
			task_type TEXT NOT NULL,
			bucket_start DATETIME NOT NULL,
			volume INTEGER NOT NULL DEFAULT 0,
			completed INTEGER NOT NULL DEFAULT 0,
			failed INTEGER NOT NULL DEFAULT 0,
			timed_out INTEGER NOT NULL DEFAULT 0,
			retried INTEGER NOT NULL DEFAULT 0,
			sla_met_count INTEGER NOT NULL DEFAULT 0,
			p50_ms INTEGER NOT NULL DEFAULT 0,
			p95_ms INTEGER NOT NULL DEFAULT 0,
			p99_ms INTEGER NOT NULL DEFAULT 0,
			avg_ms REAL NOT NULL DEFAULT 0,
			throughput_per_min REAL NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_type, bucket_start)
		);`,
		// v2: worker capacity registry.
		`CREATE TABLE IF NOT EXISTS worker_profiles (
			worker_id TEXT PRIMARY KEY,
			class TEXT NOT NULL CHECK(class IN ('light', 'standard', 'heavy')),
			max_concurrent_tasks INTEGER NOT NULL,
			max_data_bytes INTEGER NOT NULL,
			preferred_classes TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		// v2: rebalancer audit trail.
		`CREATE TABLE IF NOT EXISTS quota_adjustments (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			from_origin TEXT NOT NULL,
			to_origin TEXT NOT NULL,
			slots INTEGER NOT NULL DEFAULT 1,
			reason TEXT NOT NULL DEFAULT '',
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}

	for _, stmt := range tableStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration: %w", err)
		}
	}

	if err := applyBackfillsTx(ctx, tx); err != nil {
		return err
	}

	indexStatements := []string{
		`CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_dispatch ON tasks(status, not_before, queued_at);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_deadline ON tasks(status, sla_deadline);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_intent ON tasks(intent_id);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_origin ON tasks(origin, status);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_finished ON tasks(finished_at);`,
		`CREATE INDEX IF NOT EXISTS idx_task_attempts_task ON task_attempts(task_id, attempt_number);`,
		`CREATE INDEX IF NOT EXISTS idx_task_events_task ON task_events(task_id, event_id);`,
		`CREATE INDEX IF NOT EXISTS idx_intents_status ON intents(status);`,
		`CREATE INDEX IF NOT EXISTS idx_intents_task ON intents(task_id);`,
		`CREATE INDEX IF NOT EXISTS idx_metrics_bucket ON metrics_hourly(bucket_start);`,
	}
	for _, stmt := range indexStatements {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("exec migration index: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO schema_migrations (version, checksum)
		VALUES (?, ?);
	`, schemaVersionLatest, schemaChecksumLatest); err != nil {
		return fmt.Errorf("insert schema migration ledger: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

// applyBackfillsTx adds columns introduced after v1. SQLite has no ADD COLUMN
// IF NOT EXISTS, so duplicate-column errors are expected on current DBs.
func applyBackfillsTx(ctx context.Context, tx *sql.Tx) error {
	alterStatements := []struct {
		stmt string
		desc string
	}{
		{stmt: `ALTER TABLE tasks ADD COLUMN last_heartbeat DATETIME;`, desc: "tasks.last_heartbeat"},
	}
	for _, a := range alterStatements {
		if _, err := tx.ExecContext(ctx, a.stmt); err != nil && !strings.Contains(err.Error(), "duplicate column name") {
			return fmt.Errorf("add %s: %w", a.desc, err)
		}
	}
	return nil
}

func scanTask(scanFn func(dest ...any) error, task *Task) error {
	var (
		slaBuffer     sql.NullInt64
		intentID      sql.NullString
		parentTaskID  sql.NullString
		workerID      sql.NullString
		notBefore     sql.NullTime
		result        sql.NullString
		errorMessage  sql.NullString
		errorKind     sql.NullString
		lastHeartbeat sql.NullTime
		assignedAt    sql.NullTime
		startedAt     sql.NullTime
		finishedAt    sql.NullTime
	)
	if err := scanFn(
		&task.ID,
		&task.TaskType,
		&task.Handler,
		&task.Domain,
		&task.Origin,
		&task.Priority,
		&task.BasePriority,
		&task.Status,
		&task.Payload,
		&task.DataSizeBytes,
		&task.SizeClass,
		&task.AttemptNumber,
		&task.MaxAttempts,
		&task.SLAMS,
		&task.SLADeadline,
		&task.SLAMet,
		&slaBuffer,
		&intentID,
		&parentTaskID,
		&workerID,
		&task.Route,
		&notBefore,
		&task.Success,
		&result,
		&errorMessage,
		&errorKind,
		&lastHeartbeat,
		&task.CreatedAt,
		&task.QueuedAt,
		&assignedAt,
		&startedAt,
		&finishedAt,
		&task.UpdatedAt,
	); err != nil {
		return err
	}
	if slaBuffer.Valid {
		task.SLABufferMS = slaBuffer.Int64
	}
	task.IntentID = intentID.String
	task.ParentTaskID = parentTaskID.String
	task.WorkerID = workerID.String
	task.Result = result.String
	task.ErrorMessage = errorMessage.String
	task.ErrorKind = errorKind.String
	task.NotBefore = nullTimePtr(notBefore)
	task.LastHeartbeat = nullTimePtr(lastHeartbeat)
	task.AssignedAt = nullTimePtr(assignedAt)
	task.StartedAt = nullTimePtr(startedAt)
	task.FinishedAt = nullTimePtr(finishedAt)
	return nil
}

// taskColumns is the SELECT list scanTask expects, in order.
const taskColumns = `id, task_type, handler, domain, origin, priority, base_priority, status,
	payload, data_size_bytes, size_class, attempt_number, max_attempts,
	sla_ms, sla_deadline, sla_met, sla_buffer_ms, intent_id, parent_task_id,
	worker_id, route, not_before, success, result, error_message, error_kind,
	last_heartbeat, created_at, queued_at, assigned_at, started_at, finished_at, updated_at`

func nullTimePtr(v sql.NullTime) *time.Time {
	if !v.Valid {
		return nil
	}
	t := v.Time
	return &t
}

func (s *Store) appendTaskEventTx(ctx context.Context, tx *sql.Tx, taskID string, from, to TaskStatus, eventType, payload string) error {
	if payload == "" {
		payload = "{}"
	}
	traceID := shared.TraceID(ctx)
	if traceID == "-" {
		traceID = taskID
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO task_events (task_id, trace_id, event_type, state_from, state_to, payload_json, created_at)
		VALUES (?, ?, ?, NULLIF(?, ''), ?, ?, CURRENT_TIMESTAMP);
	`, taskID, traceID, eventType, string(from), string(to), payload)
	if err != nil {
		return fmt.Errorf("insert task_event: %w", err)
	}
	return nil
}

func (s *Store) transitionTaskTx(
	ctx context.Context,
	tx *sql.Tx,
	taskID string,
	allowedFrom []TaskStatus,
	to TaskStatus,
	eventType string,
	payload string,
	result *string,
	errMsg *string,
) (bool, error) {
	var current TaskStatus
	if err := tx.QueryRowContext(ctx, `
		SELECT status
		FROM tasks
		WHERE id = ?;
	`, taskID).Scan(&current); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("select task for transition: %w", err)
	}
	if !slices.Contains(allowedFrom, current) {
		return false, nil
	}
	if !canTransition(current, to) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, to)
	}

	resValue := sql.NullString{}
	if result != nil {
		resValue.Valid = true
		resValue.String = *result
	}
	errValue := sql.NullString{}
	if errMsg != nil {
		errValue.Valid = true
		errValue.String = *errMsg
	}

	res, err := tx.ExecContext(ctx, `
		UPDATE tasks
		SET status = ?,
			result = CASE WHEN ? THEN ? ELSE result END,
			error_message = CASE WHEN ? THEN ? ELSE error_message END,
			updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = ?;
	`, to, resValue.Valid, resValue.String, errValue.Valid, errValue.String, taskID, current)
	if err != nil {
		return false, fmt.Errorf("update task transition: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("transition rows affected: %w", err)
	}
	if affected != 1 {
		return false, nil
	}
	if err := s.appendTaskEventTx(ctx, tx, taskID, current, to, eventType, payload); err != nil {
		return false, err
	}
	return true, nil
}

// AppendTaskEvent records a non-transition event in the audit trail, e.g.
// SLA warnings or notification deliveries. The task's current status is used
// for both ends of the event.
func (s *Store) AppendTaskEvent(ctx context.Context, taskID, eventType, payload string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin event tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var status TaskStatus
		if err := tx.QueryRowContext(ctx, `SELECT status FROM tasks WHERE id = ?;`, taskID).Scan(&status); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrTaskNotFound
			}
			return fmt.Errorf("read status for event: %w", err)
		}
		if err := s.appendTaskEventTx(ctx, tx, taskID, status, status, eventType, payload); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// publishStateChange emits a low-level state change on the bus, best-effort.
// Called after commit only; richer lifecycle events are the reporting
// service's job.
func (s *Store) publishStateChange(taskID string, from, to TaskStatus, attempt int) {
	if s.bus == nil {
		return
	}
	s.bus.Publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:        taskID,
		OldStatus:     string(from),
		NewStatus:     string(to),
		AttemptNumber: attempt,
	})
}
