// Package worker is the embedded loopback worker: it consumes task.dispatch
// events addressed to it, runs the named handler, and streams reports back
// over task.update. It exists so a single binary can execute work end to
// end; production workers speak the same protocol over the gateway
// websocket.
//
// Handlers resolve from the in-process registry first, then from the WASM
// runtime by module name. Every execution gets a context deadline and a
// heartbeat ticker; a panicking handler fails the attempt instead of the
// process.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/reporting"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/store"
)

const (
	DefaultID          = "embedded-0"
	DefaultConcurrency = 4
	DefaultTaskTimeout = 2 * time.Minute
	DefaultHeartbeat   = 5 * time.Second
)

// Invocation carries what a handler sees of one task attempt.
type Invocation struct {
	TaskID        string
	TaskType      string
	Payload       string
	AttemptNumber int

	// Progress publishes a progress report mid-run. Optional to call.
	Progress func(p float64)
}

// HandlerFunc executes one task attempt and returns the JSON result. Long
// handlers should honor ctx cancellation.
type HandlerFunc func(ctx context.Context, inv Invocation) (string, error)

// HandlerError lets a handler control how its failure is classified. Plain
// errors are reported as transient and retryable.
type HandlerError struct {
	Kind      string
	Retryable bool
	Message   string
}

func (e *HandlerError) Error() string { return e.Message }

type Config struct {
	Bus *bus.Bus

	// ID must match the worker profile registered with the size-aware
	// scheduler. Default "embedded-0".
	ID string

	// Concurrency is the number of parallel task slots. Default 4.
	Concurrency int

	// TaskTimeout bounds one handler execution. Default 2m.
	TaskTimeout time.Duration

	// HeartbeatEvery is the report cadence while a handler runs. Default 5s.
	HeartbeatEvery time.Duration

	// WASM supplies module-backed handlers. Optional.
	WASM *Runtime

	Logger *slog.Logger
}

// Worker executes dispatched tasks in-process.
type Worker struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	handlers map[string]HandlerFunc

	sem chan struct{}
	wg  sync.WaitGroup
}

func New(cfg Config) *Worker {
	if cfg.ID == "" {
		cfg.ID = DefaultID
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = DefaultConcurrency
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	if cfg.HeartbeatEvery <= 0 {
		cfg.HeartbeatEvery = DefaultHeartbeat
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	w := &Worker{
		cfg:      cfg,
		logger:   cfg.Logger.With("component", "worker", "worker_id", cfg.ID),
		handlers: make(map[string]HandlerFunc),
		sem:      make(chan struct{}, cfg.Concurrency),
	}
	w.registerBuiltins()
	return w
}

// Register adds or replaces a handler.
func (w *Worker) Register(name string, fn HandlerFunc) {
	w.mu.Lock()
	w.handlers[name] = fn
	w.mu.Unlock()
}

// Handlers lists the registered handler names plus loaded WASM modules.
func (w *Worker) Handlers() []string {
	w.mu.Lock()
	names := make([]string, 0, len(w.handlers))
	for name := range w.handlers {
		names = append(names, name)
	}
	w.mu.Unlock()
	if w.cfg.WASM != nil {
		names = append(names, w.cfg.WASM.Modules()...)
	}
	return names
}

// Profile describes this worker to the size-aware scheduler. The loopback
// worker accepts every class through large so end-to-end flows can exercise
// routing without a fleet.
func (w *Worker) Profile() sizing.WorkerProfile {
	return sizing.WorkerProfile{
		ID:            w.cfg.ID,
		Class:         store.WorkerClassStandard,
		MaxConcurrent: w.cfg.Concurrency,
		MaxDataBytes:  256 << 20,
		Preferred: []sizing.Class{
			sizing.ClassTiny, sizing.ClassSmall, sizing.ClassMedium, sizing.ClassLarge,
		},
	}
}

// Start begins consuming dispatch events until ctx is cancelled.
func (w *Worker) Start(ctx context.Context) {
	sub := w.cfg.Bus.Subscribe(bus.TopicTaskDispatch)
	w.wg.Add(1)
	go w.consumeLoop(ctx, sub)
	w.logger.Info("embedded worker started", "concurrency", w.cfg.Concurrency)
}

// Drain waits for the consume loop and all in-flight handlers to finish.
func (w *Worker) Drain(timeout time.Duration) error {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return errors.New("worker drain timed out")
	}
}

func (w *Worker) consumeLoop(ctx context.Context, sub *bus.Subscription) {
	defer w.wg.Done()
	defer w.cfg.Bus.Unsubscribe(sub)
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-sub.Ch():
			if !ok {
				return
			}
			ev, ok := bus.As[bus.TaskDispatchEvent](e)
			if !ok || ev.WorkerID != w.cfg.ID {
				continue
			}
			w.wg.Add(1)
			go w.execute(ctx, ev)
		}
	}
}

func (w *Worker) execute(ctx context.Context, ev bus.TaskDispatchEvent) {
	defer w.wg.Done()
	w.sem <- struct{}{}
	defer func() { <-w.sem }()

	started := time.Now()
	w.report(bus.TaskUpdateEvent{
		TaskID:        ev.TaskID,
		Status:        reporting.StatusStarted,
		WorkerID:      w.cfg.ID,
		AttemptNumber: ev.AttemptNumber,
	})

	handler := w.resolve(ev.Handler)
	if handler == nil {
		w.report(bus.TaskUpdateEvent{
			TaskID:        ev.TaskID,
			Status:        reporting.StatusFailed,
			WorkerID:      w.cfg.ID,
			AttemptNumber: ev.AttemptNumber,
			ErrorMessage:  fmt.Sprintf("no handler registered for %q", ev.Handler),
			ErrorKind:     store.ErrorKindValidation,
		})
		return
	}

	runCtx, cancel := context.WithTimeout(ctx, w.cfg.TaskTimeout)
	defer cancel()

	hbDone := make(chan struct{})
	go w.heartbeatLoop(runCtx, ev, hbDone)

	result, err := runHandler(runCtx, handler, Invocation{
		TaskID:        ev.TaskID,
		TaskType:      ev.TaskType,
		Payload:       ev.Payload,
		AttemptNumber: ev.AttemptNumber,
		Progress: func(p float64) {
			w.report(bus.TaskUpdateEvent{
				TaskID:        ev.TaskID,
				Status:        reporting.StatusProgress,
				WorkerID:      w.cfg.ID,
				AttemptNumber: ev.AttemptNumber,
				Progress:      p,
			})
		},
	})
	close(hbDone)
	durationMS := time.Since(started).Milliseconds()

	report := bus.TaskUpdateEvent{
		TaskID:        ev.TaskID,
		WorkerID:      w.cfg.ID,
		AttemptNumber: ev.AttemptNumber,
		DurationMS:    durationMS,
	}
	switch {
	case err == nil:
		report.Status = reporting.StatusCompleted
		report.Result = result
	case errors.Is(err, context.DeadlineExceeded):
		report.Status = reporting.StatusTimeout
		report.ErrorKind = store.TimeoutReasonExecution
		report.ErrorMessage = fmt.Sprintf("handler exceeded %s", w.cfg.TaskTimeout)
	case errors.Is(err, context.Canceled):
		report.Status = reporting.StatusFailed
		report.ErrorKind = store.ErrorKindTransient
		report.ErrorMessage = "worker shutting down"
		report.Retryable = true
	default:
		report.Status = reporting.StatusFailed
		var herr *HandlerError
		if errors.As(err, &herr) {
			report.ErrorKind = herr.Kind
			report.Retryable = herr.Retryable
			report.ErrorMessage = herr.Message
		} else {
			report.ErrorKind = store.ErrorKindTransient
			report.Retryable = true
			report.ErrorMessage = err.Error()
		}
	}
	w.report(report)
	w.logger.Debug("task executed",
		"task_id", ev.TaskID,
		"handler", ev.Handler,
		"status", report.Status,
		"duration_ms", durationMS)
}

func (w *Worker) heartbeatLoop(ctx context.Context, ev bus.TaskDispatchEvent, done <-chan struct{}) {
	ticker := time.NewTicker(w.cfg.HeartbeatEvery)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.report(bus.TaskUpdateEvent{
				TaskID:        ev.TaskID,
				Status:        reporting.StatusHeartbeat,
				WorkerID:      w.cfg.ID,
				AttemptNumber: ev.AttemptNumber,
			})
		}
	}
}

func (w *Worker) resolve(name string) HandlerFunc {
	w.mu.Lock()
	fn, ok := w.handlers[name]
	w.mu.Unlock()
	if ok {
		return fn
	}
	if w.cfg.WASM != nil && w.cfg.WASM.Has(name) {
		return func(ctx context.Context, inv Invocation) (string, error) {
			return w.cfg.WASM.Invoke(ctx, name, inv.Payload)
		}
	}
	return nil
}

func (w *Worker) report(ev bus.TaskUpdateEvent) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	w.cfg.Bus.Publish(bus.TopicTaskUpdate, ev)
}

// runHandler converts a handler panic into a failed attempt.
func runHandler(ctx context.Context, fn HandlerFunc, inv Invocation) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return fn(ctx, inv)
}

func (w *Worker) registerBuiltins() {
	w.Register("builtin.echo", func(_ context.Context, inv Invocation) (string, error) {
		return inv.Payload, nil
	})

	// builtin.sleep holds its slot for sleep_ms, honoring cancellation.
	w.Register("builtin.sleep", func(ctx context.Context, inv Invocation) (string, error) {
		var p struct {
			SleepMS int64  `json:"sleep_ms"`
			Result  string `json:"result"`
		}
		if err := json.Unmarshal([]byte(inv.Payload), &p); err != nil {
			return "", &HandlerError{Kind: store.ErrorKindValidation, Message: "sleep payload: " + err.Error()}
		}
		if p.Result == "" {
			p.Result = "{}"
		}
		select {
		case <-time.After(time.Duration(p.SleepMS) * time.Millisecond):
			return p.Result, nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	// builtin.fail reports the failure its payload describes.
	w.Register("builtin.fail", func(_ context.Context, inv Invocation) (string, error) {
		var p struct {
			Message   string `json:"message"`
			Kind      string `json:"kind"`
			Retryable bool   `json:"retryable"`
		}
		if err := json.Unmarshal([]byte(inv.Payload), &p); err != nil {
			return "", &HandlerError{Kind: store.ErrorKindValidation, Message: "fail payload: " + err.Error()}
		}
		if p.Message == "" {
			p.Message = "handler failed"
		}
		if p.Kind == "" {
			p.Kind = store.ErrorKindTransient
		}
		return "", &HandlerError{Kind: p.Kind, Retryable: p.Retryable, Message: p.Message}
	})

	// agent.intent acknowledges a bridged intent's goal. A real planner
	// integration replaces this at registration time.
	w.Register("agent.intent", func(_ context.Context, inv Invocation) (string, error) {
		var p struct {
			Goal string `json:"goal"`
		}
		if err := json.Unmarshal([]byte(inv.Payload), &p); err != nil {
			return "", &HandlerError{Kind: store.ErrorKindValidation, Message: "intent payload: " + err.Error()}
		}
		out, err := json.Marshal(map[string]string{"goal": p.Goal, "outcome": "acknowledged"})
		if err != nil {
			return "", err
		}
		return string(out), nil
	})
}
