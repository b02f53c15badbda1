package worker_test

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"testing"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/reporting"
	"github.com/ironvale/taskforge/internal/store"
	"github.com/ironvale/taskforge/internal/worker"
)

type harness struct {
	bus    *bus.Bus
	worker *worker.Worker
}

func newHarness(t *testing.T, mutate func(*worker.Config)) *harness {
	t.Helper()
	b := bus.New()
	// Keep heartbeats quiet unless a test turns them on.
	cfg := worker.Config{Bus: b, HeartbeatEvery: time.Hour}
	if mutate != nil {
		mutate(&cfg)
	}
	w := worker.New(cfg)
	ctx, cancel := context.WithCancel(context.Background())
	w.Start(ctx)
	t.Cleanup(func() {
		cancel()
		if err := w.Drain(2 * time.Second); err != nil {
			t.Errorf("drain: %v", err)
		}
	})
	return &harness{bus: b, worker: w}
}

func (h *harness) dispatch(ev bus.TaskDispatchEvent) {
	if ev.WorkerID == "" {
		ev.WorkerID = worker.DefaultID
	}
	if ev.AttemptNumber == 0 {
		ev.AttemptNumber = 1
	}
	h.bus.Publish(bus.TopicTaskDispatch, ev)
}

func isTerminalReport(status string) bool {
	switch status {
	case reporting.StatusCompleted, reporting.StatusFailed, reporting.StatusTimeout:
		return true
	}
	return false
}

// collectUntilTerminal gathers every update on sub until taskID reaches a
// terminal report. Updates for other tasks are kept so tests can assert
// their absence.
func collectUntilTerminal(t *testing.T, sub *bus.Subscription, taskID string) []bus.TaskUpdateEvent {
	t.Helper()
	deadline := time.After(3 * time.Second)
	var got []bus.TaskUpdateEvent
	for {
		select {
		case e, ok := <-sub.Ch():
			if !ok {
				t.Fatal("update stream closed")
			}
			ev, evOK := bus.As[bus.TaskUpdateEvent](e)
			if !evOK {
				continue
			}
			got = append(got, ev)
			if ev.TaskID == taskID && isTerminalReport(ev.Status) {
				return got
			}
		case <-deadline:
			t.Fatalf("no terminal report for %s after %d updates", taskID, len(got))
		}
	}
}

func statusesFor(got []bus.TaskUpdateEvent, taskID string) []string {
	var out []string
	for _, ev := range got {
		if ev.TaskID == taskID {
			out = append(out, ev.Status)
		}
	}
	return out
}

func TestEchoCompletesWithResult(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{
		TaskID:        "task-echo",
		TaskType:      "demo.echo",
		Handler:       "builtin.echo",
		Payload:       `{"n":7}`,
		AttemptNumber: 2,
	})
	got := collectUntilTerminal(t, sub, "task-echo")

	first := got[0]
	if first.Status != reporting.StatusStarted {
		t.Fatalf("first report status = %q, want started", first.Status)
	}
	if first.WorkerID != worker.DefaultID || first.AttemptNumber != 2 {
		t.Errorf("started report = %+v, want worker %s attempt 2", first, worker.DefaultID)
	}
	if first.Timestamp.IsZero() {
		t.Error("started report has zero timestamp")
	}

	last := got[len(got)-1]
	if last.Status != reporting.StatusCompleted {
		t.Fatalf("terminal status = %q, want completed", last.Status)
	}
	if last.Result != `{"n":7}` {
		t.Errorf("result = %q, want echoed payload", last.Result)
	}
	if last.AttemptNumber != 2 {
		t.Errorf("terminal attempt = %d, want 2", last.AttemptNumber)
	}
	if last.DurationMS < 0 {
		t.Errorf("duration_ms = %d, want >= 0", last.DurationMS)
	}
}

func TestDispatchForOtherWorkerIgnored(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{TaskID: "task-foreign", Handler: "builtin.echo", WorkerID: "fleet-9"})
	h.dispatch(bus.TaskDispatchEvent{TaskID: "task-mine", Handler: "builtin.echo", Payload: "{}"})

	got := collectUntilTerminal(t, sub, "task-mine")
	if reports := statusesFor(got, "task-foreign"); len(reports) != 0 {
		t.Fatalf("worker reported on another worker's task: %v", reports)
	}
}

func TestUnknownHandlerFails(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{TaskID: "task-unknown", Handler: "no.such.handler"})
	got := collectUntilTerminal(t, sub, "task-unknown")

	want := []string{reporting.StatusStarted, reporting.StatusFailed}
	if statuses := statusesFor(got, "task-unknown"); len(statuses) != 2 || statuses[0] != want[0] || statuses[1] != want[1] {
		t.Fatalf("statuses = %v, want %v", statuses, want)
	}
	last := got[len(got)-1]
	if last.ErrorKind != store.ErrorKindValidation {
		t.Errorf("error kind = %q, want validation", last.ErrorKind)
	}
	if last.Retryable {
		t.Error("unknown handler reported retryable")
	}
	if !strings.Contains(last.ErrorMessage, "no handler registered") {
		t.Errorf("error message = %q", last.ErrorMessage)
	}
}

func TestFailHandlerCarriesClassification(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{
		TaskID:  "task-fatal",
		Handler: "builtin.fail",
		Payload: `{"message":"upstream 403","kind":"validation","retryable":false}`,
	})
	got := collectUntilTerminal(t, sub, "task-fatal")
	last := got[len(got)-1]
	if last.Status != reporting.StatusFailed {
		t.Fatalf("status = %q, want failed", last.Status)
	}
	if last.ErrorKind != store.ErrorKindValidation || last.Retryable {
		t.Errorf("classification = %q retryable=%v, want validation final", last.ErrorKind, last.Retryable)
	}
	if last.ErrorMessage != "upstream 403" {
		t.Errorf("error message = %q", last.ErrorMessage)
	}

	h.dispatch(bus.TaskDispatchEvent{
		TaskID:  "task-flaky",
		Handler: "builtin.fail",
		Payload: `{"message":"connection reset","kind":"transient","retryable":true}`,
	})
	got = collectUntilTerminal(t, sub, "task-flaky")
	last = got[len(got)-1]
	if last.ErrorKind != store.ErrorKindTransient || !last.Retryable {
		t.Errorf("classification = %q retryable=%v, want transient retryable", last.ErrorKind, last.Retryable)
	}
}

func TestSleepHandlerTimesOut(t *testing.T) {
	h := newHarness(t, func(cfg *worker.Config) {
		cfg.TaskTimeout = 50 * time.Millisecond
	})
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{
		TaskID:  "task-slow",
		Handler: "builtin.sleep",
		Payload: `{"sleep_ms":5000}`,
	})
	got := collectUntilTerminal(t, sub, "task-slow")
	last := got[len(got)-1]
	if last.Status != reporting.StatusTimeout {
		t.Fatalf("status = %q, want timeout", last.Status)
	}
	if last.ErrorKind != store.TimeoutReasonExecution {
		t.Errorf("error kind = %q, want execution timeout", last.ErrorKind)
	}
}

func TestHeartbeatsDuringLongRun(t *testing.T) {
	h := newHarness(t, func(cfg *worker.Config) {
		cfg.HeartbeatEvery = 20 * time.Millisecond
	})
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{
		TaskID:  "task-steady",
		Handler: "builtin.sleep",
		Payload: `{"sleep_ms":150,"result":"{\"slept\":true}"}`,
	})
	got := collectUntilTerminal(t, sub, "task-steady")

	beats := 0
	for _, ev := range got {
		if ev.Status == reporting.StatusHeartbeat {
			beats++
		}
	}
	if beats < 2 {
		t.Errorf("saw %d heartbeats, want >= 2", beats)
	}
	last := got[len(got)-1]
	if last.Status != reporting.StatusCompleted || last.Result != `{"slept":true}` {
		t.Errorf("terminal = %q result %q", last.Status, last.Result)
	}
}

func TestProgressCallbackPublishesReports(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.Register("demo.progress", func(_ context.Context, inv worker.Invocation) (string, error) {
		inv.Progress(0.25)
		inv.Progress(0.75)
		return `{"done":true}`, nil
	})
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{TaskID: "task-steps", Handler: "demo.progress"})
	got := collectUntilTerminal(t, sub, "task-steps")

	var progress []float64
	for _, ev := range got {
		if ev.Status == reporting.StatusProgress {
			progress = append(progress, ev.Progress)
		}
	}
	if len(progress) != 2 || progress[0] != 0.25 || progress[1] != 0.75 {
		t.Errorf("progress values = %v, want [0.25 0.75]", progress)
	}
}

func TestPanickingHandlerFailsAttempt(t *testing.T) {
	h := newHarness(t, nil)
	h.worker.Register("demo.panic", func(context.Context, worker.Invocation) (string, error) {
		panic("boom")
	})
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{TaskID: "task-panic", Handler: "demo.panic"})
	got := collectUntilTerminal(t, sub, "task-panic")
	last := got[len(got)-1]
	if last.Status != reporting.StatusFailed {
		t.Fatalf("status = %q, want failed", last.Status)
	}
	if !last.Retryable || last.ErrorKind != store.ErrorKindTransient {
		t.Errorf("classification = %q retryable=%v", last.ErrorKind, last.Retryable)
	}
	if !strings.Contains(last.ErrorMessage, "handler panic") || !strings.Contains(last.ErrorMessage, "boom") {
		t.Errorf("error message = %q", last.ErrorMessage)
	}
}

func TestIntentHandlerAcknowledgesGoal(t *testing.T) {
	h := newHarness(t, nil)
	sub := h.bus.Subscribe(bus.TopicTaskUpdate)
	defer h.bus.Unsubscribe(sub)

	h.dispatch(bus.TaskDispatchEvent{
		TaskID:  "task-goal",
		Handler: "agent.intent",
		Payload: `{"intent_id":"int-1","goal":"rotate stale credentials"}`,
	})
	got := collectUntilTerminal(t, sub, "task-goal")
	last := got[len(got)-1]
	if last.Status != reporting.StatusCompleted {
		t.Fatalf("status = %q, want completed", last.Status)
	}
	var result map[string]string
	if err := json.Unmarshal([]byte(last.Result), &result); err != nil {
		t.Fatalf("result not JSON: %v", err)
	}
	if result["goal"] != "rotate stale credentials" || result["outcome"] != "acknowledged" {
		t.Errorf("result = %v", result)
	}
}

func TestProfileMatchesConfig(t *testing.T) {
	w := worker.New(worker.Config{Bus: bus.New(), ID: "w-7", Concurrency: 2})
	profile := w.Profile()
	if profile.ID != "w-7" {
		t.Errorf("profile id = %q", profile.ID)
	}
	if profile.MaxConcurrent != 2 {
		t.Errorf("max concurrent = %d, want 2", profile.MaxConcurrent)
	}
	if profile.Class != store.WorkerClassStandard {
		t.Errorf("class = %q", profile.Class)
	}
	if len(profile.Preferred) == 0 {
		t.Error("profile has no preferred classes")
	}
}

func TestHandlersListsBuiltins(t *testing.T) {
	w := worker.New(worker.Config{Bus: bus.New()})
	names := w.Handlers()
	sort.Strings(names)
	for _, want := range []string{"agent.intent", "builtin.echo", "builtin.fail", "builtin.sleep"} {
		i := sort.SearchStrings(names, want)
		if i >= len(names) || names[i] != want {
			t.Errorf("handler %q not registered (have %v)", want, names)
		}
	}
}
