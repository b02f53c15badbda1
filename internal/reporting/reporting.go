// Package reporting applies worker status reports to the task store and
// settles the retry decision when an attempt ends.
//
// Reports arrive on the task.update bus topic and from the gateway's worker
// websocket, which calls Deliver directly. Every store write carries the
// report's attempt number; the store rejects writes for superseded attempts
// with ErrStaleReport, which doubles as cancellation: a worker whose task
// was retried or rescued keeps running, but nothing it says is applied.
package reporting

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ironvale/taskforge/internal/backoff"
	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/router"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/store"
)

// Report statuses accepted from workers.
const (
	StatusStarted   = "started"
	StatusHeartbeat = "heartbeat"
	StatusProgress  = "progress"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusTimeout   = "timeout"
)

// Dispatcher is the slice of the dispatch API reporting needs: cancelling
// watchdogs when reports land and re-offering released retries.
type Dispatcher interface {
	Offer(ctx context.Context, task *store.Task)
	ClearAcceptance(taskID string)
	ClearWatchdogs(taskID string)
}

type Config struct {
	Bus        *bus.Bus
	Store      *store.Store
	Router     *router.Router
	Sizing     *sizing.Scheduler
	Dispatcher Dispatcher

	// RetryBase and RetryMax shape the backoff curve. Zero values fall
	// back to the backoff package defaults.
	RetryBase time.Duration
	RetryMax  time.Duration

	// HeartbeatInterval is the coarse persistence cadence for heartbeat
	// reports. Liveness between persists is in-memory only. Default 15s.
	HeartbeatInterval time.Duration

	// RetryTick is how often due retries are released back to the
	// dispatcher. Default 1s.
	RetryTick time.Duration

	Logger *slog.Logger
}

// Liveness is the in-memory freshness record for one in-flight task.
type Liveness struct {
	WorkerID string
	Progress float64
	LastSeen time.Time
}

type livenessEntry struct {
	Liveness
	lastPersist time.Time
}

// Service consumes worker reports and closes out task attempts.
type Service struct {
	cfg    Config
	logger *slog.Logger

	mu   sync.Mutex
	live map[string]*livenessEntry

	staleDrops atomic.Int64

	wg sync.WaitGroup
}

func New(cfg Config) *Service {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.RetryTick <= 0 {
		cfg.RetryTick = time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Service{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "reporting"),
		live:   make(map[string]*livenessEntry),
	}
}

// Start begins consuming task.update events and releasing due retries.
// Both loops stop when ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	sub := s.cfg.Bus.Subscribe(bus.TopicTaskUpdate)
	s.wg.Add(2)
	go s.consumeLoop(ctx, sub)
	go s.retryLoop(ctx)
}

// Drain waits for the loops to exit after ctx cancellation.
func (s *Service) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("reporting drain timed out")
	}
}

func (s *Service) consumeLoop(ctx context.Context, sub *bus.Subscription) {
	defer s.wg.Done()
	defer s.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			if report, ok := bus.As[bus.TaskUpdateEvent](e); ok {
				s.Deliver(report)
			}
		}
	}
}

// Deliver applies one worker report. Safe for concurrent use: the gateway
// websocket ingress and the dispatcher watchdogs call it directly.
func (s *Service) Deliver(report bus.TaskUpdateEvent) {
	ctx := context.Background()
	switch report.Status {
	case StatusStarted:
		s.handleStarted(ctx, report)
	case StatusHeartbeat, StatusProgress:
		s.handleLiveness(ctx, report)
	case StatusCompleted, StatusFailed, StatusTimeout:
		s.handleTerminal(ctx, report)
	default:
		s.logger.Warn("unknown report status", "task_id", report.TaskID, "status", report.Status)
	}
}

func (s *Service) handleStarted(ctx context.Context, report bus.TaskUpdateEvent) {
	if err := s.cfg.Store.MarkRunning(ctx, report.TaskID, report.WorkerID, report.AttemptNumber); err != nil {
		s.drop(report, err)
		return
	}
	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.ClearAcceptance(report.TaskID)
	}
	s.touch(report, false)
}

func (s *Service) handleLiveness(ctx context.Context, report bus.TaskUpdateEvent) {
	if !s.touch(report, true) {
		return
	}
	if err := s.cfg.Store.TouchHeartbeat(ctx, report.TaskID, report.AttemptNumber); err != nil {
		s.forget(report.TaskID)
		s.drop(report, err)
	}
}

func (s *Service) handleTerminal(ctx context.Context, report bus.TaskUpdateEvent) {
	var (
		task *store.Task
		err  error
	)
	switch report.Status {
	case StatusCompleted:
		task, err = s.cfg.Store.CompleteTask(ctx, report.TaskID, report.WorkerID, report.AttemptNumber, report.Result, report.DurationMS)
	case StatusFailed:
		task, err = s.cfg.Store.FailTask(ctx, report.TaskID, report.WorkerID, report.AttemptNumber, report.ErrorMessage, report.ErrorKind, report.DurationMS)
	case StatusTimeout:
		task, err = s.cfg.Store.TimeoutTask(ctx, report.TaskID, report.AttemptNumber, timeoutReason(report.ErrorKind))
	}
	if err != nil {
		s.drop(report, err)
		return
	}

	if s.cfg.Dispatcher != nil {
		s.cfg.Dispatcher.ClearWatchdogs(task.ID)
	}
	s.forget(task.ID)

	// The attempt is over either way; its worker load and origin slot are
	// released now. A granted retry re-admits through the full path later.
	worker := report.WorkerID
	if worker == "" {
		worker = task.WorkerID
	}
	if s.cfg.Sizing != nil {
		s.cfg.Sizing.OnFinish(worker, task.DataSizeBytes)
	}
	if s.cfg.Router != nil {
		s.cfg.Router.OnTaskFinish(task.Origin)
	}

	if report.Status != StatusCompleted && s.tryRetry(ctx, task, report) {
		return
	}
	s.publishLifecycle(task)
	s.logger.Info("task settled",
		"task_id", task.ID,
		"status", task.Status,
		"attempts", task.AttemptNumber,
		"sla_met", task.SLAMet,
		"error_kind", task.ErrorKind,
	)
}

// tryRetry applies the retry decision to a failed or timed-out attempt.
// Granted iff attempts remain, the failure is a timeout or flagged
// retryable, and the error kind is not validation or nonretryable.
func (s *Service) tryRetry(ctx context.Context, task *store.Task, report bus.TaskUpdateEvent) bool {
	if task.AttemptNumber >= task.MaxAttempts {
		return false
	}
	switch task.ErrorKind {
	case store.ErrorKindValidation, store.ErrorKindNonretryable:
		return false
	}
	if task.Status != store.TaskStatusTimeout && !report.Retryable {
		return false
	}

	delay := backoff.Delay(task.ID, task.AttemptNumber, s.cfg.RetryBase, s.cfg.RetryMax)
	if _, err := s.cfg.Store.ScheduleRetry(ctx, task.ID, task.AttemptNumber, delay, task.ErrorKind); err != nil {
		if errors.Is(err, store.ErrAttemptsExhausted) ||
			errors.Is(err, store.ErrStaleReport) ||
			errors.Is(err, store.ErrInvalidTransition) {
			return false
		}
		s.logger.Error("schedule retry", "task_id", task.ID, "error", err)
		return false
	}
	s.logger.Info("retry scheduled",
		"task_id", task.ID,
		"next_attempt", task.AttemptNumber+1,
		"delay", delay,
		"reason", task.ErrorKind,
	)
	return true
}

func (s *Service) publishLifecycle(task *store.Task) {
	topic := bus.LifecycleTopic(string(task.Status))
	if topic == "" || s.cfg.Bus == nil {
		return
	}
	var execMS, totalMS int64
	if task.FinishedAt != nil {
		if task.StartedAt != nil {
			execMS = task.FinishedAt.Sub(*task.StartedAt).Milliseconds()
		}
		totalMS = task.FinishedAt.Sub(task.QueuedAt).Milliseconds()
	}
	s.cfg.Bus.Publish(topic, bus.TaskLifecycleEvent{
		TaskID:          task.ID,
		TaskType:        task.TaskType,
		Origin:          task.Origin,
		Success:         task.Success,
		ExecutionTimeMS: execMS,
		TotalTimeMS:     totalMS,
		SLAMet:          task.SLAMet,
		Attempts:        task.AttemptNumber,
		ErrorKind:       task.ErrorKind,
	})
}

// drop classifies a store rejection. Attempt-stale reports are counted;
// duplicates and unknown tasks are logged at debug and ignored.
func (s *Service) drop(report bus.TaskUpdateEvent, err error) {
	switch {
	case errors.Is(err, store.ErrStaleReport):
		s.staleDrops.Add(1)
		s.logger.Debug("stale report dropped",
			"task_id", report.TaskID, "status", report.Status, "attempt", report.AttemptNumber)
	case errors.Is(err, store.ErrInvalidTransition), errors.Is(err, store.ErrTaskNotFound):
		s.logger.Debug("report not applicable",
			"task_id", report.TaskID, "status", report.Status, "error", err)
	default:
		s.logger.Error("apply report",
			"task_id", report.TaskID, "status", report.Status, "error", err)
	}
}

// touch refreshes the liveness record. With persist set it also reports
// whether the coarse heartbeat interval has elapsed for this task.
func (s *Service) touch(report bus.TaskUpdateEvent, persist bool) bool {
	now := report.Timestamp
	if now.IsZero() {
		now = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	entry := s.live[report.TaskID]
	if entry == nil {
		entry = &livenessEntry{}
		s.live[report.TaskID] = entry
	}
	entry.WorkerID = report.WorkerID
	entry.LastSeen = now
	if report.Progress > 0 {
		entry.Progress = report.Progress
	}
	if !persist {
		return false
	}
	if entry.lastPersist.IsZero() || now.Sub(entry.lastPersist) >= s.cfg.HeartbeatInterval {
		entry.lastPersist = now
		return true
	}
	return false
}

func (s *Service) forget(taskID string) {
	s.mu.Lock()
	delete(s.live, taskID)
	s.mu.Unlock()
}

func (s *Service) retryLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.cfg.RetryTick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.releaseDue(ctx)
			s.pruneLiveness()
		}
	}
}

func (s *Service) releaseDue(ctx context.Context) {
	released, err := s.cfg.Store.ReleaseDueRetries(ctx)
	if err != nil {
		s.logger.Error("release due retries", "error", err)
		return
	}
	for _, task := range released {
		s.logger.Info("retry released", "task_id", task.ID, "attempt", task.AttemptNumber)
		if s.cfg.Dispatcher != nil {
			s.cfg.Dispatcher.Offer(ctx, task)
		}
	}
}

// pruneLiveness drops records for tasks that stopped reporting without a
// terminal, so crashed workers do not pin entries forever.
func (s *Service) pruneLiveness() {
	horizon := time.Now().UTC().Add(-3 * s.cfg.HeartbeatInterval)
	s.mu.Lock()
	for id, entry := range s.live {
		if entry.LastSeen.Before(horizon) {
			delete(s.live, id)
		}
	}
	s.mu.Unlock()
}

// TaskLiveness returns the freshness record for one task.
func (s *Service) TaskLiveness(taskID string) (Liveness, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.live[taskID]
	if !ok {
		return Liveness{}, false
	}
	return entry.Liveness, true
}

// LivenessSnapshot copies all in-memory liveness records.
func (s *Service) LivenessSnapshot() map[string]Liveness {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]Liveness, len(s.live))
	for id, entry := range s.live {
		out[id] = entry.Liveness
	}
	return out
}

// StaleDrops returns how many reports the attempt gate rejected.
func (s *Service) StaleDrops() int64 {
	return s.staleDrops.Load()
}

func timeoutReason(kind string) string {
	switch kind {
	case store.TimeoutReasonNotAccepted, store.TimeoutReasonExecution:
		return kind
	}
	return store.TimeoutReasonExecution
}
