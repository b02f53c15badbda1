// Package dispatch owns the in-memory priority queues and the worker pool
// that moves tasks from QUEUED to ASSIGNED. Queue entries mirror QUEUED rows
// in the store; the store stays authoritative and the queues are rebuilt from
// it at boot.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/trace"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/policy"
	"github.com/ironvale/taskforge/internal/router"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/store"
)

// ErrQueueSaturated is returned by Enqueue when the backlog cap is hit.
// Callers surface this as backpressure (the gateway maps it to 429).
var ErrQueueSaturated = errors.New("dispatch queue saturated")

// Reporter receives synthetic watchdog timeout reports. The reporting service
// implements it; the same stale gate and retry decision apply to watchdog
// timeouts and worker reports.
type Reporter interface {
	Deliver(report bus.TaskUpdateEvent)
}

// Config wires the dispatcher's collaborators and tunables.
type Config struct {
	Workers         int
	PollInterval    time.Duration
	AcceptanceGrace time.Duration
	ExecutionMargin time.Duration
	MaxQueueDepth   int
	Batch           sizing.BatcherConfig

	Bus    *bus.Bus
	Store  *store.Store
	Router *router.Router
	Sizing *sizing.Scheduler
	Policy policy.Checker
	Logger *slog.Logger
}

type entry struct {
	taskID   string
	origin   string
	priority store.Priority
	attempt  int
	enqueued time.Time
}

// Dispatcher pulls from four strict-priority FIFO queues with a fixed worker
// pool and arms the acceptance/execution watchdogs per dispatch.
type Dispatcher struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	queues [4][]entry
	depth  int
	timers map[string]*time.Timer

	signal   chan struct{}
	wg       sync.WaitGroup
	batcher  *sizing.Batcher
	draining atomic.Bool

	repMu    sync.RWMutex
	reporter Reporter
}

func New(cfg Config) *Dispatcher {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 100 * time.Millisecond
	}
	if cfg.AcceptanceGrace <= 0 {
		cfg.AcceptanceGrace = 30 * time.Second
	}
	if cfg.ExecutionMargin <= 0 {
		cfg.ExecutionMargin = 30 * time.Second
	}
	if cfg.MaxQueueDepth <= 0 {
		cfg.MaxQueueDepth = 1000
	}
	if cfg.Policy == nil {
		cfg.Policy = policy.AllowAll{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dispatcher{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "dispatch"),
		timers: make(map[string]*time.Timer),
		signal: make(chan struct{}, 1),
	}
	d.batcher = sizing.NewBatcher(cfg.Batch, d.flushBatch)
	return d
}

// SetReporter wires the reporting service in. Boot order builds the reporting
// service after the dispatcher.
func (d *Dispatcher) SetReporter(r Reporter) {
	d.repMu.Lock()
	defer d.repMu.Unlock()
	d.reporter = r
}

// Start launches the worker pool and the hold janitor. Workers exit when ctx
// is cancelled.
func (d *Dispatcher) Start(ctx context.Context) {
	for i := 0; i < d.cfg.Workers; i++ {
		d.wg.Add(1)
		go d.workerLoop(ctx, i)
	}
	d.wg.Add(1)
	go d.janitorLoop(ctx)
}

// Drain stops accepting work, flushes the batcher, stops watchdog timers, and
// waits for the worker pool up to the timeout. The caller cancels the Start
// context first.
func (d *Dispatcher) Drain(timeout time.Duration) error {
	d.draining.Store(true)
	d.batcher.Stop()

	d.mu.Lock()
	for key, t := range d.timers {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("dispatcher drain timed out after %s", timeout)
	}
}

// Enqueue admits a task through the router and queues it for dispatch.
// Parked routes (queued/deferred) stay with the router until promotion;
// delayed tasks are held in the store and re-offered by the janitor.
func (d *Dispatcher) Enqueue(ctx context.Context, task *store.Task) (router.Decision, error) {
	if d.draining.Load() {
		return router.Decision{}, errors.New("dispatcher is draining")
	}
	d.mu.Lock()
	depth := d.depth
	d.mu.Unlock()
	if depth >= d.cfg.MaxQueueDepth {
		return router.Decision{}, fmt.Errorf("%w: %d entries", ErrQueueSaturated, depth)
	}

	decision := d.cfg.Router.Admit(router.AdmitRequest{
		TaskID:   task.ID,
		Origin:   task.Origin,
		Priority: task.Priority,
	})

	switch decision.Route {
	case router.RouteDelayed:
		until := time.Now().Add(decision.Delay)
		if err := d.cfg.Store.HoldTask(ctx, task.ID, until, "burst_limit"); err != nil {
			return decision, fmt.Errorf("hold delayed task: %w", err)
		}
	case router.RouteQueued, router.RouteDeferred:
		if err := d.cfg.Store.SetTaskRoute(ctx, task.ID, string(decision.Route)); err != nil {
			d.logger.Warn("record route", "task_id", task.ID, "error", err)
		}
	case router.RouteExpress:
		if err := d.cfg.Store.SetTaskRoute(ctx, task.ID, string(decision.Route)); err != nil {
			d.logger.Warn("record route", "task_id", task.ID, "error", err)
		}
		d.admit(task)
	case router.RouteAccepted:
		d.admit(task)
	}
	return decision, nil
}

// admit hands an accepted task to the batcher or straight to the queues.
func (d *Dispatcher) admit(task *store.Task) {
	if task.SizeClass == string(sizing.ClassTiny) && task.Priority != store.PriorityCritical {
		d.batcher.Add(sizing.BatchEntry{TaskID: task.ID, Origin: task.Origin, DataSizeBytes: task.DataSizeBytes})
		return
	}
	d.push(entry{
		taskID:   task.ID,
		origin:   task.Origin,
		priority: task.Priority,
		attempt:  task.AttemptNumber,
		enqueued: time.Now(),
	})
}

// flushBatch moves a coalesced tiny batch into the queues.
func (d *Dispatcher) flushBatch(batch []sizing.BatchEntry) {
	ctx := context.Background()
	for _, be := range batch {
		task, err := d.cfg.Store.GetTask(ctx, be.TaskID)
		if err != nil || task.Status != store.TaskStatusQueued {
			d.cfg.Router.ReleaseSlot(be.Origin)
			continue
		}
		d.push(entry{
			taskID:   task.ID,
			origin:   task.Origin,
			priority: task.Priority,
			attempt:  task.AttemptNumber,
			enqueued: time.Now(),
		})
	}
	if len(batch) > 1 {
		d.logger.Debug("tiny batch flushed", "count", len(batch))
	}
}

// OfferReleased accepts a task the router promoted out of an origin queue.
// The promotion already counted the slot, so the task skips re-admission.
func (d *Dispatcher) OfferReleased(w router.Waiting) {
	task, err := d.cfg.Store.GetTask(context.Background(), w.TaskID)
	if err != nil || task.Status != store.TaskStatusQueued {
		d.cfg.Router.ReleaseSlot(w.Origin)
		return
	}
	d.push(entry{
		taskID:   task.ID,
		origin:   task.Origin,
		priority: task.Priority,
		attempt:  task.AttemptNumber,
		enqueued: time.Now(),
	})
}

// Offer runs the full admission path and logs instead of returning errors.
// Used by the janitor and the retry scheduler where there is no caller to
// surface backpressure to. A failed offer re-holds the task so the janitor
// picks it up again instead of stranding it outside every queue.
func (d *Dispatcher) Offer(ctx context.Context, task *store.Task) {
	_, err := d.Enqueue(ctx, task)
	if err == nil {
		return
	}
	d.logger.Warn("re-offer failed", "task_id", task.ID, "error", err)
	if holdErr := d.cfg.Store.HoldTask(ctx, task.ID, time.Now().Add(5*time.Second), "requeue_backoff"); holdErr != nil {
		d.logger.Error("re-hold after failed offer", "task_id", task.ID, "error", holdErr)
	}
}

// Reload re-admits QUEUED tasks after boot recovery rebuilt the store state.
func (d *Dispatcher) Reload(ctx context.Context) (int, error) {
	tasks, err := d.cfg.Store.ListQueuedReady(ctx)
	if err != nil {
		return 0, fmt.Errorf("reload queued tasks: %w", err)
	}
	for _, task := range tasks {
		d.Offer(ctx, task)
	}
	return len(tasks), nil
}

func (d *Dispatcher) push(e entry) {
	d.mu.Lock()
	rank := store.PriorityRank(e.priority)
	d.queues[rank] = append(d.queues[rank], e)
	d.depth++
	d.mu.Unlock()

	select {
	case d.signal <- struct{}{}:
	default:
	}
}

// pop removes the head of the highest-priority non-empty queue.
func (d *Dispatcher) pop() (entry, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for rank := 0; rank < len(d.queues); rank++ {
		q := d.queues[rank]
		if len(q) == 0 {
			continue
		}
		e := q[0]
		d.queues[rank] = q[1:]
		d.depth--
		return e, true
	}
	return entry{}, false
}

// requeue puts an entry back at the tail of its queue after a transient
// dispatch failure (no worker capacity).
func (d *Dispatcher) requeue(e entry) {
	d.mu.Lock()
	rank := store.PriorityRank(e.priority)
	d.queues[rank] = append(d.queues[rank], e)
	d.depth++
	d.mu.Unlock()
}

// Reprioritize moves a queued entry across queues. Returns false when the
// task is not in any queue (already dispatched or parked elsewhere).
func (d *Dispatcher) Reprioritize(taskID string, to store.Priority) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for rank := range d.queues {
		for i, e := range d.queues[rank] {
			if e.taskID != taskID {
				continue
			}
			d.queues[rank] = append(d.queues[rank][:i], d.queues[rank][i+1:]...)
			e.priority = to
			d.queues[store.PriorityRank(to)] = append(d.queues[store.PriorityRank(to)], e)
			return true
		}
	}
	return false
}

// Saturated reports whether the backlog cap is hit. The gateway checks this
// before persisting a task so a backpressure rejection leaves no row behind.
func (d *Dispatcher) Saturated() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.depth >= d.cfg.MaxQueueDepth
}

// QueueDepths reports per-priority queue lengths plus the batcher backlog.
func (d *Dispatcher) QueueDepths() map[string]int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return map[string]int{
		string(store.PriorityCritical): len(d.queues[0]),
		string(store.PriorityHigh):     len(d.queues[1]),
		string(store.PriorityNormal):   len(d.queues[2]),
		string(store.PriorityLow):      len(d.queues[3]),
		"batching":                     d.batcher.PendingCount(),
	}
}

func (d *Dispatcher) workerLoop(ctx context.Context, id int) {
	defer d.wg.Done()
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.signal:
		case <-ticker.C:
		}
		for {
			if ctx.Err() != nil || d.draining.Load() {
				return
			}
			e, ok := d.pop()
			if !ok {
				break
			}
			if !d.process(ctx, e) {
				// Backpressure: the entry went back to the tail. Let the
				// pool breathe instead of spinning on a full cluster.
				break
			}
		}
	}
}

// process walks one entry through policy, sizing, and assignment. It returns
// false when the queue should pause (no worker capacity).
func (d *Dispatcher) process(ctx context.Context, e entry) bool {
	task, err := d.cfg.Store.GetTask(ctx, e.taskID)
	if err != nil {
		d.logger.Warn("queued task vanished", "task_id", e.taskID, "error", err)
		d.cfg.Router.ReleaseSlot(e.origin)
		return true
	}
	// Stale queue entries: the task moved on (retry, recovery, hold) while
	// this mirror entry waited.
	if task.Status != store.TaskStatusQueued || task.AttemptNumber != e.attempt {
		d.cfg.Router.ReleaseSlot(e.origin)
		return true
	}
	if task.NotBefore != nil && task.NotBefore.After(time.Now()) {
		d.cfg.Router.ReleaseSlot(e.origin)
		return true
	}

	decision, err := d.cfg.Policy.Approve(ctx, policy.Dispatch{
		TaskID:        task.ID,
		TaskType:      task.TaskType,
		Handler:       task.Handler,
		Domain:        task.Domain,
		Origin:        task.Origin,
		Priority:      string(task.Priority),
		AttemptNumber: task.AttemptNumber,
		DataSizeBytes: task.DataSizeBytes,
	})
	if err != nil {
		// Fail closed. An unreachable policy engine must not leak work.
		decision = policy.Decision{Verdict: policy.VerdictDeny, Reason: fmt.Sprintf("policy check failed: %v", err)}
	}
	switch decision.Verdict {
	case policy.VerdictDeny:
		d.logger.Warn("dispatch denied", "task_id", task.ID, "reason", decision.Reason, "policy_version", d.cfg.Policy.PolicyVersion())
		if _, err := d.cfg.Store.FailTask(ctx, task.ID, "", e.attempt, "denied: "+decision.Reason, store.ErrorKindNonretryable, 0); err != nil {
			d.logger.Error("fail denied task", "task_id", task.ID, "error", err)
		}
		d.cfg.Router.OnTaskFinish(task.Origin)
		return true
	case policy.VerdictDelay:
		until := time.Now().Add(decision.RetryAfter)
		if err := d.cfg.Store.HoldTask(ctx, task.ID, until, "policy_hold"); err != nil {
			d.logger.Error("hold delayed task", "task_id", task.ID, "error", err)
		}
		d.cfg.Router.ReleaseSlot(task.Origin)
		return true
	}

	assignment, err := d.cfg.Sizing.Assign(sizing.AssignRequest{
		TaskID:        task.ID,
		SizeClass:     sizing.Class(task.SizeClass),
		DataSizeBytes: task.DataSizeBytes,
		Priority:      task.Priority,
	})
	if errors.Is(err, sizing.ErrNoCapacity) {
		d.requeue(e)
		return false
	}
	if err != nil {
		d.logger.Error("sizing assignment", "task_id", task.ID, "error", err)
		d.requeue(e)
		return false
	}
	if assignment.Deferred {
		if err := d.cfg.Store.HoldTask(ctx, task.ID, assignment.ResumeAt, "off_peak"); err != nil {
			d.logger.Error("hold deferred task", "task_id", task.ID, "error", err)
		}
		d.logger.Info("bulk task deferred", "task_id", task.ID, "size_class", task.SizeClass, "resume_at", assignment.ResumeAt)
		d.cfg.Router.ReleaseSlot(task.Origin)
		return true
	}

	if err := d.cfg.Store.MarkAssigned(ctx, task.ID, assignment.WorkerID, e.attempt); err != nil {
		if errors.Is(err, store.ErrStaleReport) || errors.Is(err, store.ErrInvalidTransition) {
			d.cfg.Router.ReleaseSlot(task.Origin)
			return true
		}
		d.logger.Error("mark assigned", "task_id", task.ID, "error", err)
		d.requeue(e)
		return false
	}
	d.cfg.Sizing.OnStart(assignment.WorkerID, task.DataSizeBytes)

	evt := bus.TaskDispatchEvent{
		TaskID:        task.ID,
		TaskType:      task.TaskType,
		Handler:       task.Handler,
		Domain:        task.Domain,
		Payload:       task.Payload,
		Priority:      string(task.Priority),
		AttemptNumber: e.attempt,
		SLADeadline:   task.SLADeadline,
		WorkerID:      assignment.WorkerID,
	}
	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		evt.TraceID = sc.TraceID().String()
	}
	d.cfg.Bus.Publish(bus.TopicTaskDispatch, evt)
	d.logger.Info("task dispatched",
		"task_id", task.ID, "task_type", task.TaskType, "worker_id", assignment.WorkerID,
		"attempt", e.attempt, "priority", task.Priority, "wait_ms", time.Since(e.enqueued).Milliseconds())

	d.armWatchdogs(task, assignment.WorkerID, e.attempt)
	return true
}

func acceptKey(taskID string) string { return taskID + "/accept" }
func execKey(taskID string) string   { return taskID + "/exec" }

// armWatchdogs starts the acceptance and execution timers for one dispatch.
// Both verify the captured attempt against the live row before acting, so a
// timer that outlives its attempt is a no-op.
func (d *Dispatcher) armWatchdogs(task *store.Task, workerID string, attempt int) {
	grace := d.cfg.AcceptanceGrace
	execBudget := time.Duration(task.SLAMS)*time.Millisecond + d.cfg.ExecutionMargin
	taskID := task.ID

	d.mu.Lock()
	d.timers[acceptKey(taskID)] = time.AfterFunc(grace, func() {
		d.clearTimer(acceptKey(taskID))
		d.fireWatchdog(taskID, workerID, attempt, store.TimeoutReasonNotAccepted, []store.TaskStatus{store.TaskStatusAssigned})
	})
	d.timers[execKey(taskID)] = time.AfterFunc(execBudget, func() {
		d.clearTimer(execKey(taskID))
		d.fireWatchdog(taskID, workerID, attempt, store.TimeoutReasonExecution, []store.TaskStatus{store.TaskStatusAssigned, store.TaskStatusRunning})
	})
	d.mu.Unlock()
}

func (d *Dispatcher) clearTimer(key string) {
	d.mu.Lock()
	if t, ok := d.timers[key]; ok {
		t.Stop()
		delete(d.timers, key)
	}
	d.mu.Unlock()
}

// ClearAcceptance cancels the acceptance watchdog once a started report lands.
func (d *Dispatcher) ClearAcceptance(taskID string) {
	d.clearTimer(acceptKey(taskID))
}

// ClearWatchdogs cancels both watchdogs when a task reaches a terminal state.
func (d *Dispatcher) ClearWatchdogs(taskID string) {
	d.clearTimer(acceptKey(taskID))
	d.clearTimer(execKey(taskID))
}

// fireWatchdog emits a synthetic timeout report when the captured attempt is
// still live and in one of the expected states.
func (d *Dispatcher) fireWatchdog(taskID, workerID string, attempt int, reason string, states []store.TaskStatus) {
	ctx := context.Background()
	task, err := d.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	if task.AttemptNumber != attempt {
		return
	}
	live := false
	for _, st := range states {
		if task.Status == st {
			live = true
			break
		}
	}
	if !live {
		return
	}

	report := bus.TaskUpdateEvent{
		TaskID:        taskID,
		Status:        "timeout",
		WorkerID:      workerID,
		AttemptNumber: attempt,
		Timestamp:     time.Now().UTC(),
		ErrorKind:     reason,
		ErrorMessage:  fmt.Sprintf("watchdog: %s after attempt %d dispatched", reason, attempt),
	}

	d.repMu.RLock()
	rep := d.reporter
	d.repMu.RUnlock()
	if rep != nil {
		rep.Deliver(report)
		return
	}

	// No reporting service wired (tests, degraded boot): close out directly.
	if _, err := d.cfg.Store.TimeoutTask(ctx, taskID, attempt, reason); err != nil {
		if !errors.Is(err, store.ErrStaleReport) && !errors.Is(err, store.ErrInvalidTransition) {
			d.logger.Error("watchdog timeout", "task_id", taskID, "error", err)
		}
		return
	}
	d.cfg.Sizing.OnFinish(workerID, task.DataSizeBytes)
	d.cfg.Router.OnTaskFinish(task.Origin)
}

// janitorLoop re-offers held tasks whose not_before elapsed.
func (d *Dispatcher) janitorLoop(ctx context.Context) {
	defer d.wg.Done()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			released, err := d.cfg.Store.ReleaseHeldTasks(ctx)
			if err != nil {
				d.logger.Error("release held tasks", "error", err)
				continue
			}
			for _, task := range released {
				d.Offer(ctx, task)
			}
		}
	}
}
