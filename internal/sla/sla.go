// Package sla watches in-flight and queued tasks against their deadlines.
//
// A periodic scan computes each active task's elapsed share of its SLA
// budget and reacts in three escalating steps: warn, escalate priority with
// a violation event, and finally spawn a rescue sub-task. A second pass
// bumps queued tasks whose remaining headroom has shrunk below half the
// budget, so queue wait alone cannot sink a deadline. Each reaction fires
// once per attempt; markers are dropped when the task settles or retries.
package sla

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/store"
)

// Reaction thresholds as fractions of the SLA budget.
const (
	WarnThreshold          = 0.8
	ViolationThreshold     = 1.0
	RescueThreshold        = 2.0
	QueueEscalateThreshold = 0.5
	QueueCriticalThreshold = 0.2
)

// DefaultCheckInterval is the scan cadence.
const DefaultCheckInterval = 10 * time.Second

// Budgets maps priority to its default SLA allowance, applied when a task
// is submitted without an explicit sla_ms.
type Budgets map[store.Priority]time.Duration

func DefaultBudgets() Budgets {
	return Budgets{
		store.PriorityCritical: 5 * time.Minute,
		store.PriorityHigh:     15 * time.Minute,
		store.PriorityNormal:   60 * time.Minute,
		store.PriorityLow:      180 * time.Minute,
	}
}

// BudgetsFromMinutes builds the table from configuration, keeping the
// defaults for priorities the config omits.
func BudgetsFromMinutes(minutes map[string]int) Budgets {
	b := DefaultBudgets()
	for name, m := range minutes {
		p := store.Priority(name)
		if store.ValidPriority(p) && m > 0 {
			b[p] = time.Duration(m) * time.Minute
		}
	}
	return b
}

// For returns the SLA budget for a priority.
func (b Budgets) For(p store.Priority) time.Duration {
	if d, ok := b[p]; ok {
		return d
	}
	return DefaultBudgets()[store.PriorityNormal]
}

// Thresholds carries the reaction points so they can be hot-reloaded.
type Thresholds struct {
	WarnPercent        float64
	ViolatePercent     float64
	RescuePercent      float64
	QueueBumpRatio     float64
	QueueCriticalRatio float64
}

func DefaultThresholds() Thresholds {
	return Thresholds{
		WarnPercent:        WarnThreshold,
		ViolatePercent:     ViolationThreshold,
		RescuePercent:      RescueThreshold,
		QueueBumpRatio:     QueueEscalateThreshold,
		QueueCriticalRatio: QueueCriticalThreshold,
	}
}

// Dispatcher is the slice of the dispatch API the enforcer needs: moving a
// queued entry across priority queues and admitting a rescue task.
type Dispatcher interface {
	Offer(ctx context.Context, task *store.Task)
	Reprioritize(taskID string, to store.Priority) bool
}

type Config struct {
	Bus        *bus.Bus
	Store      *store.Store
	Dispatcher Dispatcher

	// CheckInterval is the scan cadence. Default 10s.
	CheckInterval time.Duration

	// Thresholds default to the package constants when zero.
	Thresholds Thresholds

	Logger *slog.Logger
}

// Enforcer runs the periodic SLA scan.
type Enforcer struct {
	cfg    Config
	logger *slog.Logger

	mu         sync.Mutex
	thresholds Thresholds

	// Marker sets record the attempt a reaction fired for, so a retried
	// task is eligible again while a merely recovered one is not.
	warned    map[string]int
	escalated map[string]int
	rescued   map[string]int

	now func() time.Time
}

func New(cfg Config) *Enforcer {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Thresholds == (Thresholds{}) {
		cfg.Thresholds = DefaultThresholds()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Enforcer{
		cfg:        cfg,
		logger:     cfg.Logger.With("component", "sla"),
		thresholds: cfg.Thresholds,
		warned:     make(map[string]int),
		escalated:  make(map[string]int),
		rescued:    make(map[string]int),
		now:        time.Now,
	}
}

// ApplyThresholds hot-reloads the reaction points.
func (e *Enforcer) ApplyThresholds(t Thresholds) {
	if t == (Thresholds{}) {
		t = DefaultThresholds()
	}
	e.mu.Lock()
	e.thresholds = t
	e.mu.Unlock()
}

// Run scans on the configured cadence until ctx is cancelled.
func (e *Enforcer) Run(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.Scan(ctx)
		}
	}
}

// Scan performs one enforcement pass.
func (e *Enforcer) Scan(ctx context.Context) {
	now := e.now().UTC()
	seen := make(map[string]struct{})

	active, err := e.cfg.Store.ListActiveWithDeadline(ctx)
	if err != nil {
		e.logger.Error("list active tasks", "error", err)
	} else {
		for _, task := range active {
			seen[task.ID] = struct{}{}
			e.checkActive(ctx, task, now)
		}
	}

	queued, err := e.cfg.Store.ListByStatus(ctx, store.TaskStatusQueued)
	if err != nil {
		e.logger.Error("list queued tasks", "error", err)
	} else {
		for _, task := range queued {
			seen[task.ID] = struct{}{}
			e.checkQueued(ctx, task, now)
		}
	}

	e.prune(seen)
}

func (e *Enforcer) checkActive(ctx context.Context, task *store.Task, now time.Time) {
	if task.SLAMS <= 0 {
		return
	}
	percent := float64(now.Sub(task.QueuedAt).Milliseconds()) / float64(task.SLAMS)
	th := e.currentThresholds()

	if percent >= th.WarnPercent && e.mark(e.warned, task) {
		if e.cfg.Bus != nil {
			e.cfg.Bus.Publish(bus.TopicSLAWarning, bus.SLAWarningEvent{
				TaskID:         task.ID,
				TaskType:       task.TaskType,
				ElapsedPercent: percent,
				Deadline:       task.SLADeadline,
			})
		}
		e.logger.Warn("sla warning",
			"task_id", task.ID, "task_type", task.TaskType, "elapsed_percent", percent)
	}

	if percent >= th.ViolatePercent && e.mark(e.escalated, task) {
		if err := e.cfg.Store.EscalateTaskPriority(ctx, task.ID, store.PriorityHigh, true); err != nil {
			e.unmark(e.escalated, task.ID)
			e.logger.Error("escalate violated task", "task_id", task.ID, "error", err)
		} else {
			if e.cfg.Bus != nil {
				e.cfg.Bus.Publish(bus.TopicSLAViolation, bus.SLAViolationEvent{
					TaskID:         task.ID,
					TaskType:       task.TaskType,
					EscalatedTo:    string(store.PriorityHigh),
					ElapsedPercent: percent,
					Deadline:       task.SLADeadline,
				})
			}
			e.logger.Error("sla violated",
				"task_id", task.ID, "task_type", task.TaskType, "elapsed_percent", percent)
		}
	}

	if percent >= th.RescuePercent && e.mark(e.rescued, task) {
		e.spawnRescue(ctx, task)
	}
}

// spawnRescue duplicates a far-overdue task as a critical single-shot
// sub-task on half the original budget. The original keeps running; the
// stale-report gate settles whichever finishes first per attempt.
func (e *Enforcer) spawnRescue(ctx context.Context, task *store.Task) {
	rescue, err := e.cfg.Store.EnqueueTask(ctx, store.TaskSpec{
		TaskType:      task.TaskType,
		Handler:       task.Handler,
		Domain:        task.Domain,
		Origin:        task.Origin,
		Priority:      store.PriorityCritical,
		Payload:       task.Payload,
		DataSizeBytes: task.DataSizeBytes,
		SizeClass:     task.SizeClass,
		MaxAttempts:   1,
		SLAMS:         task.SLAMS / 2,
		ParentTaskID:  task.ID,
	})
	if err != nil {
		e.unmark(e.rescued, task.ID)
		e.logger.Error("spawn rescue", "task_id", task.ID, "error", err)
		return
	}
	if e.cfg.Dispatcher != nil {
		e.cfg.Dispatcher.Offer(ctx, rescue)
	}
	if e.cfg.Bus != nil {
		e.cfg.Bus.Publish(bus.TopicSLARescue, bus.SLARescueEvent{
			TaskID:       task.ID,
			RescueTaskID: rescue.ID,
			RescueSLAMS:  rescue.SLAMS,
		})
	}
	e.logger.Warn("rescue task spawned",
		"task_id", task.ID, "rescue_task_id", rescue.ID, "rescue_sla_ms", rescue.SLAMS)
}

func (e *Enforcer) checkQueued(ctx context.Context, task *store.Task, now time.Time) {
	if task.SLAMS <= 0 {
		return
	}
	th := e.currentThresholds()
	ratio := float64(task.SLADeadline.Sub(now).Milliseconds()) / float64(task.SLAMS)
	if ratio >= th.QueueBumpRatio {
		return
	}
	target := store.PriorityHigh
	if ratio < th.QueueCriticalRatio {
		target = store.PriorityCritical
	}
	if store.PriorityRank(target) >= store.PriorityRank(task.Priority) {
		return
	}
	if err := e.cfg.Store.EscalateTaskPriority(ctx, task.ID, target, false); err != nil {
		e.logger.Warn("escalate queued task", "task_id", task.ID, "error", err)
		return
	}
	if e.cfg.Dispatcher != nil && !e.cfg.Dispatcher.Reprioritize(task.ID, target) {
		e.logger.Debug("queued task not in memory queues", "task_id", task.ID)
	}
	e.logger.Info("queued task escalated",
		"task_id", task.ID, "to", target, "deadline_ratio", ratio)
}

func (e *Enforcer) currentThresholds() Thresholds {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.thresholds
}

// mark records the reaction for this task's attempt. Returns false when the
// same attempt already fired.
func (e *Enforcer) mark(set map[string]int, task *store.Task) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if attempt, ok := set[task.ID]; ok && attempt == task.AttemptNumber {
		return false
	}
	set[task.ID] = task.AttemptNumber
	return true
}

func (e *Enforcer) unmark(set map[string]int, taskID string) {
	e.mu.Lock()
	delete(set, taskID)
	e.mu.Unlock()
}

// prune drops markers for tasks that left the live set.
func (e *Enforcer) prune(seen map[string]struct{}) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, set := range []map[string]int{e.warned, e.escalated, e.rescued} {
		for id := range set {
			if _, ok := seen[id]; !ok {
				delete(set, id)
			}
		}
	}
}
