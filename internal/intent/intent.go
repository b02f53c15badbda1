// Package intent bridges goal-level requests from an external planner onto
// tasks and mirrors each task's outcome back onto its intent.
//
// Submission persists the intent and enqueues a linked task through the
// normal admission path under origin intent. From there the bridge follows
// the task over the bus: a running transition moves the intent to executing,
// and the terminal lifecycle event settles it. Settlement hands the outcome
// to the learning feedback collaborator; the store's resolve guard keeps
// that to a single invocation even when the lifecycle event races the
// periodic reconciliation sweep.
package intent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/sla"
	"github.com/ironvale/taskforge/internal/store"
)

// Bridged tasks carry these names unless the configuration overrides them.
// The embedded worker registers a handler under DefaultHandler.
const (
	DefaultTaskType = "intent.execute"
	DefaultHandler  = "agent.intent"
)

// DefaultSweepInterval is the reconciliation cadence.
const DefaultSweepInterval = 30 * time.Second

// Dispatcher is the slice of the dispatch API the bridge needs: offering
// the freshly linked task for admission.
type Dispatcher interface {
	Offer(ctx context.Context, task *store.Task)
}

// Resolution is the outcome handed to the learning collaborator when an
// intent settles.
type Resolution struct {
	IntentID        string
	TaskID          string
	Goal            string
	Domain          string
	Status          store.IntentStatus
	Success         bool
	ExecutionTimeMS int64
	Confidence      float64
	Outcome         string
}

// Feedback receives each resolution exactly once. The planner side plugs in
// here at wiring time.
type Feedback interface {
	IntentResolved(ctx context.Context, r Resolution)
}

// LogFeedback is the default Feedback sink. It records the resolution and
// nothing else.
type LogFeedback struct {
	Logger *slog.Logger
}

func (f LogFeedback) IntentResolved(_ context.Context, r Resolution) {
	logger := f.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("intent feedback",
		"intent_id", r.IntentID,
		"task_id", r.TaskID,
		"status", string(r.Status),
		"success", r.Success,
		"execution_ms", r.ExecutionTimeMS,
		"confidence", r.Confidence)
}

type Config struct {
	Bus        *bus.Bus
	Store      *store.Store
	Dispatcher Dispatcher

	// Feedback defaults to LogFeedback.
	Feedback Feedback

	// Budgets supplies the SLA default when an intent carries no sla_ms.
	Budgets sla.Budgets

	// TaskType and Handler name the bridged task. Defaults are
	// DefaultTaskType and DefaultHandler.
	TaskType string
	Handler  string

	// SweepInterval is the reconciliation cadence. Default 30s.
	SweepInterval time.Duration

	Logger *slog.Logger
}

// Bridge links intents to tasks and settles them from task outcomes.
type Bridge struct {
	cfg    Config
	logger *slog.Logger

	mu     sync.Mutex
	byTask map[string]string
	wg     sync.WaitGroup
}

func New(cfg Config) *Bridge {
	if cfg.Feedback == nil {
		cfg.Feedback = LogFeedback{Logger: cfg.Logger}
	}
	if cfg.Budgets == nil {
		cfg.Budgets = sla.DefaultBudgets()
	}
	if cfg.TaskType == "" {
		cfg.TaskType = DefaultTaskType
	}
	if cfg.Handler == "" {
		cfg.Handler = DefaultHandler
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Bridge{
		cfg:    cfg,
		logger: cfg.Logger.With("component", "intent"),
		byTask: make(map[string]string),
	}
}

// taskPayload is the JSON document handed to the executing handler.
type taskPayload struct {
	IntentID        string  `json:"intent_id"`
	Goal            string  `json:"goal"`
	ExpectedOutcome string  `json:"expected_outcome,omitempty"`
	Domain          string  `json:"domain,omitempty"`
	Confidence      float64 `json:"confidence"`
	RiskLevel       string  `json:"risk_level"`
}

// Start rebuilds the task mapping from unresolved intents, then follows
// task events and runs the reconciliation sweep until ctx is cancelled.
func (b *Bridge) Start(ctx context.Context) error {
	mappings, err := b.cfg.Store.ActiveIntentMappings(ctx)
	if err != nil {
		return fmt.Errorf("rebuild intent mappings: %w", err)
	}
	b.mu.Lock()
	for taskID, intentID := range mappings {
		b.byTask[taskID] = intentID
	}
	b.mu.Unlock()
	if len(mappings) > 0 {
		b.logger.Info("intent mappings rebuilt", "count", len(mappings))
	}

	sub := b.cfg.Bus.Subscribe(bus.TopicPrefixTask)
	b.wg.Add(2)
	go b.consumeLoop(ctx, sub)
	go b.sweepLoop(ctx)
	return nil
}

// Drain waits for the loops to exit after ctx cancellation.
func (b *Bridge) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		b.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("intent bridge drain timed out")
	}
}

// SubmitIntent registers the intent, enqueues its bridged task with intent
// origin and an sla_ms falling back to the priority budget, and offers the
// task for dispatch. The returned intent is already linked and dispatched.
func (b *Bridge) SubmitIntent(ctx context.Context, spec store.IntentSpec) (*store.Intent, *store.Task, error) {
	intent, err := b.cfg.Store.CreateIntent(ctx, spec)
	if err != nil {
		return nil, nil, err
	}

	payload, err := json.Marshal(taskPayload{
		IntentID:        intent.ID,
		Goal:            intent.Goal,
		ExpectedOutcome: intent.ExpectedOutcome,
		Domain:          intent.Domain,
		Confidence:      intent.Confidence,
		RiskLevel:       intent.RiskLevel,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal intent payload: %w", err)
	}

	slaMS := intent.SLAMS
	if slaMS <= 0 {
		slaMS = b.cfg.Budgets.For(intent.Priority).Milliseconds()
	}

	task, err := b.cfg.Store.EnqueueTask(ctx, store.TaskSpec{
		TaskType:      b.cfg.TaskType,
		Handler:       b.cfg.Handler,
		Domain:        intent.Domain,
		Origin:        store.OriginIntent,
		Priority:      intent.Priority,
		Payload:       string(payload),
		DataSizeBytes: int64(len(payload)),
		SizeClass:     string(sizing.Classify(int64(len(payload)))),
		SLAMS:         slaMS,
		IntentID:      intent.ID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("enqueue intent task: %w", err)
	}

	// A failed link leaves the task carrying intent_id, so the sweep still
	// resolves the intent once the task settles.
	if err := b.cfg.Store.LinkIntentTask(ctx, intent.ID, task.ID); err != nil {
		return nil, nil, fmt.Errorf("link intent %s to task %s: %w", intent.ID, task.ID, err)
	}
	intent.TaskID = task.ID
	intent.Status = store.IntentStatusDispatched

	b.mu.Lock()
	b.byTask[task.ID] = intent.ID
	b.mu.Unlock()

	if b.cfg.Dispatcher != nil {
		b.cfg.Dispatcher.Offer(ctx, task)
	}

	b.logger.Info("intent submitted",
		"intent_id", intent.ID,
		"task_id", task.ID,
		"priority", string(task.Priority),
		"sla_ms", task.SLAMS)
	return intent, task, nil
}

func (b *Bridge) consumeLoop(ctx context.Context, sub *bus.Subscription) {
	defer b.wg.Done()
	defer b.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			b.handleEvent(ctx, e)
		}
	}
}

func (b *Bridge) handleEvent(ctx context.Context, e bus.Event) {
	switch e.Topic {
	case bus.TopicTaskStateChanged:
		ev, ok := bus.As[bus.TaskStateChangedEvent](e)
		if ok && ev.NewStatus == string(store.TaskStatusRunning) {
			b.onRunning(ctx, ev.TaskID)
		}
	case bus.TopicTaskCompleted, bus.TopicTaskFailed, bus.TopicTaskTimeout:
		if ev, ok := bus.As[bus.TaskLifecycleEvent](e); ok {
			b.onSettled(ctx, ev.TaskID)
		}
	}
}

func (b *Bridge) onRunning(ctx context.Context, taskID string) {
	intentID, ok := b.lookup(taskID)
	if !ok {
		return
	}
	if err := b.cfg.Store.MarkIntentExecuting(ctx, intentID); err != nil {
		b.logger.Warn("mark intent executing",
			"intent_id", intentID, "task_id", taskID, "error", err)
	}
}

// onSettled re-reads the task so the resolution carries the stored result,
// not just what the lifecycle event happened to include.
func (b *Bridge) onSettled(ctx context.Context, taskID string) {
	intentID, ok := b.lookup(taskID)
	if !ok {
		return
	}
	task, err := b.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		b.logger.Error("load settled task", "task_id", taskID, "error", err)
		return
	}
	b.resolveFromTask(ctx, intentID, task)
}

func (b *Bridge) sweepLoop(ctx context.Context) {
	defer b.wg.Done()
	if err := b.Sweep(ctx); err != nil {
		b.logger.Error("intent sweep", "error", err)
	}
	ticker := time.NewTicker(b.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.Sweep(ctx); err != nil {
				b.logger.Error("intent sweep", "error", err)
			}
		}
	}
}

// Sweep resolves intents whose task reached a terminal state while the
// lifecycle event was missed, for example across a process restart.
func (b *Bridge) Sweep(ctx context.Context) error {
	tasks, err := b.cfg.Store.UnmappedTerminalIntentTasks(ctx)
	if err != nil {
		return fmt.Errorf("list unresolved intent tasks: %w", err)
	}
	for _, task := range tasks {
		b.resolveFromTask(ctx, task.IntentID, task)
	}
	return nil
}

// resolveFromTask settles the intent with the task's terminal outcome. The
// lifecycle-event path and the sweep both land here; only the call that
// actually flipped the intent runs feedback and publishes intent.resolved.
func (b *Bridge) resolveFromTask(ctx context.Context, intentID string, task *store.Task) {
	status := intentStatusFor(task.Status)
	if status == "" {
		return
	}

	outcome := task.Result
	if !task.Success && task.ErrorMessage != "" {
		outcome = task.ErrorMessage
	}
	var execMS int64
	if task.StartedAt != nil && task.FinishedAt != nil {
		execMS = task.FinishedAt.Sub(*task.StartedAt).Milliseconds()
	}

	intent, resolved, err := b.cfg.Store.ResolveIntent(ctx, intentID, status, task.Success, execMS, outcome)
	if err != nil {
		b.logger.Error("resolve intent",
			"intent_id", intentID, "task_id", task.ID, "error", err)
		return
	}
	b.forget(task.ID)
	if !resolved {
		return
	}

	b.cfg.Feedback.IntentResolved(ctx, Resolution{
		IntentID:        intent.ID,
		TaskID:          task.ID,
		Goal:            intent.Goal,
		Domain:          intent.Domain,
		Status:          intent.Status,
		Success:         intent.Success,
		ExecutionTimeMS: intent.ExecutionTimeMS,
		Confidence:      intent.Confidence,
		Outcome:         intent.Outcome,
	})
	b.cfg.Bus.Publish(bus.TopicIntentResolved, bus.IntentResolvedEvent{
		IntentID:        intent.ID,
		TaskID:          task.ID,
		Status:          string(intent.Status),
		Success:         intent.Success,
		ExecutionTimeMS: intent.ExecutionTimeMS,
	})
	b.logger.Info("intent resolved",
		"intent_id", intent.ID,
		"task_id", task.ID,
		"status", string(intent.Status),
		"success", intent.Success,
		"execution_ms", intent.ExecutionTimeMS)
}

func (b *Bridge) lookup(taskID string) (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	intentID, ok := b.byTask[taskID]
	return intentID, ok
}

func (b *Bridge) forget(taskID string) {
	b.mu.Lock()
	delete(b.byTask, taskID)
	b.mu.Unlock()
}

func intentStatusFor(status store.TaskStatus) store.IntentStatus {
	switch status {
	case store.TaskStatusCompleted:
		return store.IntentStatusCompleted
	case store.TaskStatusFailed:
		return store.IntentStatusFailed
	case store.TaskStatusTimeout:
		return store.IntentStatusTimeout
	}
	return ""
}
