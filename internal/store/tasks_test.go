package store_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/store"
)

func TestEnqueueTask_RejectsBadSpecs(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	cases := []struct {
		name   string
		mutate func(*store.TaskSpec)
	}{
		{"missing task_type", func(s *store.TaskSpec) { s.TaskType = "" }},
		{"missing handler", func(s *store.TaskSpec) { s.Handler = "" }},
		{"unknown origin", func(s *store.TaskSpec) { s.Origin = "mystery" }},
		{"unknown priority", func(s *store.TaskSpec) { s.Priority = "urgent" }},
		{"zero sla", func(s *store.TaskSpec) { s.SLAMS = 0 }},
		{"negative size", func(s *store.TaskSpec) { s.DataSizeBytes = -1 }},
		{"missing size class", func(s *store.TaskSpec) { s.SizeClass = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			spec := store.TaskSpec{
				TaskType:  "analysis.scan",
				Handler:   "builtin.echo",
				Origin:    store.OriginUserRequest,
				SizeClass: "tiny",
				SLAMS:     60_000,
			}
			tc.mutate(&spec)
			if _, err := st.EnqueueTask(ctx, spec); err == nil {
				t.Fatal("expected validation error")
			}
		})
	}
}

func TestTaskLifecycle_CompletePath(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, nil)

	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	done, err := st.CompleteTask(ctx, task.ID, "worker-1", 1, `{"ok":true}`, 120)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}

	if done.Status != store.TaskStatusCompleted {
		t.Fatalf("expected COMPLETED, got %s", done.Status)
	}
	if !done.Success || done.Result != `{"ok":true}` {
		t.Fatalf("result not recorded: success=%v result=%q", done.Success, done.Result)
	}
	if !done.SLAMet || done.SLABufferMS <= 0 {
		t.Fatalf("expected sla met with positive buffer, got met=%v buffer=%d", done.SLAMet, done.SLABufferMS)
	}
	if done.WorkerID != "worker-1" {
		t.Fatalf("worker not recorded: %q", done.WorkerID)
	}
	if done.AssignedAt == nil || done.StartedAt == nil || done.FinishedAt == nil {
		t.Fatalf("timing fields missing: %+v", done)
	}

	attempts, err := st.ListAttempts(ctx, task.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected 1 attempt, got %d", len(attempts))
	}
	a := attempts[0]
	if a.AttemptNumber != 1 || a.Status != store.TaskStatusCompleted || !a.Success {
		t.Fatalf("attempt not closed correctly: %+v", a)
	}
	if a.DurationMS != 120 {
		t.Fatalf("attempt duration not recorded: %d", a.DurationMS)
	}
	if a.FinishedAt == nil {
		t.Fatal("attempt finished_at missing")
	}

	events, err := st.ListTaskEvents(ctx, task.ID, 0)
	if err != nil {
		t.Fatalf("list task events: %v", err)
	}
	var types []string
	for _, e := range events {
		types = append(types, e.EventType)
	}
	want := []string{"task.enqueued", "task.assigned", "task.running", "task.completed"}
	if len(types) != len(want) {
		t.Fatalf("expected %v, got %v", want, types)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("event %d: expected %s, got %s", i, want[i], types[i])
		}
	}
}

func TestTaskLifecycle_InvalidTransitionsRejected(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, nil)

	// RUNNING requires ASSIGNED first.
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	// Completing a QUEUED task is not allowed either.
	if _, err := st.CompleteTask(ctx, task.ID, "worker-1", 1, "{}", 0); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}

	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	// Double-assign is invalid.
	if err := st.MarkAssigned(ctx, task.ID, "worker-2", 1); !errors.Is(err, store.ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition on double assign, got %v", err)
	}
}

func TestFailTask_DeniedBeforeAssignment(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, nil)

	failed, err := st.FailTask(ctx, task.ID, "", 1, "denied: handler blocked by policy", store.ErrorKindNonretryable, 0)
	if err != nil {
		t.Fatalf("fail queued task: %v", err)
	}
	if failed.Status != store.TaskStatusFailed || failed.ErrorKind != store.ErrorKindNonretryable {
		t.Fatalf("denial not recorded: %+v", failed)
	}
	if failed.FinishedAt == nil {
		t.Fatal("denied task should carry finished_at")
	}

	// No attempt ever opened, so the ledger stays empty.
	attempts, err := st.ListAttempts(ctx, task.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 0 {
		t.Fatalf("expected no attempt rows, got %d", len(attempts))
	}
}

func TestTaskLifecycle_FailRetryRequeue(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		spec.Priority = store.PriorityLow
	})

	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	failed, err := st.FailTask(ctx, task.ID, "worker-1", 1, "connection refused", store.ErrorKindTransient, 80)
	if err != nil {
		t.Fatalf("fail task: %v", err)
	}
	if failed.Status != store.TaskStatusFailed || failed.ErrorKind != store.ErrorKindTransient {
		t.Fatalf("failure not recorded: %+v", failed)
	}

	// Simulate an SLA escalation between attempts, then verify the retry
	// resets to the enqueue-time priority.
	if err := st.EscalateTaskPriority(ctx, task.ID, store.PriorityHigh, false); err != nil {
		t.Fatalf("escalate: %v", err)
	}

	retrying, err := st.ScheduleRetry(ctx, task.ID, 1, 0, "transient failure")
	if err != nil {
		t.Fatalf("schedule retry: %v", err)
	}
	if retrying.Status != store.TaskStatusRetrying {
		t.Fatalf("expected RETRYING, got %s", retrying.Status)
	}
	if retrying.AttemptNumber != 2 {
		t.Fatalf("expected attempt 2, got %d", retrying.AttemptNumber)
	}

	released, err := st.ReleaseDueRetries(ctx)
	if err != nil {
		t.Fatalf("release due retries: %v", err)
	}
	if len(released) != 1 {
		t.Fatalf("expected 1 released task, got %d", len(released))
	}
	requeued := released[0]
	if requeued.Status != store.TaskStatusQueued {
		t.Fatalf("expected QUEUED after release, got %s", requeued.Status)
	}
	if requeued.Priority != store.PriorityLow {
		t.Fatalf("expected priority reset to low, got %s", requeued.Priority)
	}
	if requeued.WorkerID != "" || requeued.StartedAt != nil || requeued.ErrorMessage != "" || requeued.Result != "" {
		t.Fatalf("assignment fields not cleared: %+v", requeued)
	}
	// Retries never extend the original deadline.
	if !requeued.SLADeadline.Equal(task.SLADeadline) {
		t.Fatalf("sla_deadline changed across retry: %v -> %v", task.SLADeadline, requeued.SLADeadline)
	}

	// Second attempt runs to completion and closes its own attempt row.
	if err := st.MarkAssigned(ctx, task.ID, "worker-2", 2); err != nil {
		t.Fatalf("assign attempt 2: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-2", 2); err != nil {
		t.Fatalf("run attempt 2: %v", err)
	}
	if _, err := st.CompleteTask(ctx, task.ID, "worker-2", 2, "{}", 40); err != nil {
		t.Fatalf("complete attempt 2: %v", err)
	}

	attempts, err := st.ListAttempts(ctx, task.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 2 {
		t.Fatalf("expected 2 attempts, got %d", len(attempts))
	}
	if attempts[0].Status != store.TaskStatusFailed || attempts[0].RetryReason != "transient failure" {
		t.Fatalf("first attempt not preserved: %+v", attempts[0])
	}
	if attempts[1].Status != store.TaskStatusCompleted || attempts[1].WorkerID != "worker-2" {
		t.Fatalf("second attempt wrong: %+v", attempts[1])
	}
}

func TestScheduleRetry_ExhaustedAttemptsStayTerminal(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		spec.MaxAttempts = 1
	})

	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if _, err := st.TimeoutTask(ctx, task.ID, 1, store.TimeoutReasonNotAccepted); err != nil {
		t.Fatalf("timeout task: %v", err)
	}

	if _, err := st.ScheduleRetry(ctx, task.ID, 1, time.Second, "timeout"); !errors.Is(err, store.ErrAttemptsExhausted) {
		t.Fatalf("expected ErrAttemptsExhausted, got %v", err)
	}

	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Status != store.TaskStatusTimeout {
		t.Fatalf("task should stay TIMEOUT, got %s", got.Status)
	}
	if got.ErrorKind != store.TimeoutReasonNotAccepted {
		t.Fatalf("timeout reason not recorded: %q", got.ErrorKind)
	}
}

func TestStaleReports_DroppedAfterRetry(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, nil)

	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	if _, err := st.FailTask(ctx, task.ID, "worker-1", 1, "boom", store.ErrorKindTransient, 10); err != nil {
		t.Fatalf("fail task: %v", err)
	}
	if _, err := st.ScheduleRetry(ctx, task.ID, 1, 0, "transient"); err != nil {
		t.Fatalf("schedule retry: %v", err)
	}

	// The task is now on attempt 2; every report for attempt 1 is stale.
	if _, err := st.CompleteTask(ctx, task.ID, "worker-1", 1, "{}", 5); !errors.Is(err, store.ErrStaleReport) {
		t.Fatalf("expected ErrStaleReport on complete, got %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); !errors.Is(err, store.ErrStaleReport) {
		t.Fatalf("expected ErrStaleReport on running, got %v", err)
	}
	if err := st.TouchHeartbeat(ctx, task.ID, 1); !errors.Is(err, store.ErrStaleReport) {
		t.Fatalf("expected ErrStaleReport on heartbeat, got %v", err)
	}
}

func TestCompleteTask_PastDeadlineMarksSLAMissed(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		spec.SLAMS = 1
	})

	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark assigned: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("mark running: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	done, err := st.CompleteTask(ctx, task.ID, "worker-1", 1, "{}", 10)
	if err != nil {
		t.Fatalf("complete task: %v", err)
	}
	if done.SLAMet {
		t.Fatal("expected sla_met=false for completion past deadline")
	}
	if done.SLABufferMS >= 0 {
		t.Fatalf("expected negative sla buffer, got %d", done.SLABufferMS)
	}
	if done.Status != store.TaskStatusCompleted || !done.Success {
		t.Fatalf("late completion must still succeed: %+v", done)
	}
}

func TestRecoverInFlight_RequeuesWithoutBurningAttempt(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	assigned := enqueueTestTask(t, st, nil)
	running := enqueueTestTask(t, st, nil)
	queued := enqueueTestTask(t, st, nil)

	if err := st.MarkAssigned(ctx, assigned.ID, "worker-1", 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := st.MarkAssigned(ctx, running.ID, "worker-2", 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := st.MarkRunning(ctx, running.ID, "worker-2", 1); err != nil {
		t.Fatalf("run: %v", err)
	}

	recovered, err := st.RecoverInFlight(ctx)
	if err != nil {
		t.Fatalf("recover in flight: %v", err)
	}
	if recovered != 2 {
		t.Fatalf("expected 2 recovered tasks, got %d", recovered)
	}

	for _, id := range []string{assigned.ID, running.ID, queued.ID} {
		got, err := st.GetTask(ctx, id)
		if err != nil {
			t.Fatalf("get task: %v", err)
		}
		if got.Status != store.TaskStatusQueued {
			t.Fatalf("task %s: expected QUEUED, got %s", id, got.Status)
		}
		if got.WorkerID != "" {
			t.Fatalf("task %s: worker not cleared", id)
		}
		if got.AttemptNumber != 1 {
			t.Fatalf("task %s: recovery must not burn an attempt, got %d", id, got.AttemptNumber)
		}
	}

	// The interrupted attempt restarts cleanly under the same number.
	if err := st.MarkAssigned(ctx, running.ID, "worker-3", 1); err != nil {
		t.Fatalf("reassign after recovery: %v", err)
	}
	if _, err := st.CompleteTask(ctx, running.ID, "worker-3", 1, "{}", 0); err != nil {
		t.Fatalf("complete after recovery: %v", err)
	}
	attempts, err := st.ListAttempts(ctx, running.ID)
	if err != nil {
		t.Fatalf("list attempts: %v", err)
	}
	if len(attempts) != 1 {
		t.Fatalf("expected a single attempt row, got %d", len(attempts))
	}
	if attempts[0].WorkerID != "worker-3" || attempts[0].Status != store.TaskStatusCompleted {
		t.Fatalf("attempt row not reset on reassignment: %+v", attempts[0])
	}
}

func TestEscalateTaskPriority_OnlyRaises(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()
	task := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		spec.Priority = store.PriorityHigh
	})

	if err := st.EscalateTaskPriority(ctx, task.ID, store.PriorityCritical, true); err != nil {
		t.Fatalf("escalate: %v", err)
	}
	got, err := st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Priority != store.PriorityCritical {
		t.Fatalf("expected critical, got %s", got.Priority)
	}
	if got.SLAMet {
		t.Fatal("expected sla_met=false after violation escalation")
	}
	if got.BasePriority != store.PriorityHigh {
		t.Fatalf("base priority must not change, got %s", got.BasePriority)
	}

	// A lower target never demotes.
	if err := st.EscalateTaskPriority(ctx, task.ID, store.PriorityLow, false); err != nil {
		t.Fatalf("escalate down: %v", err)
	}
	got, err = st.GetTask(ctx, task.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if got.Priority != store.PriorityCritical {
		t.Fatalf("priority demoted to %s", got.Priority)
	}
}

func TestListQueuedReady_OrdersByPriorityThenAge(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	lowOld := enqueueTestTask(t, st, func(spec *store.TaskSpec) { spec.Priority = store.PriorityLow })
	normal := enqueueTestTask(t, st, func(spec *store.TaskSpec) { spec.Priority = store.PriorityNormal })
	critical := enqueueTestTask(t, st, func(spec *store.TaskSpec) { spec.Priority = store.PriorityCritical })
	held := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		future := time.Now().UTC().Add(time.Hour)
		spec.NotBefore = &future
		spec.Priority = store.PriorityCritical
	})

	ready, err := st.ListQueuedReady(ctx)
	if err != nil {
		t.Fatalf("list queued ready: %v", err)
	}
	if len(ready) != 3 {
		t.Fatalf("expected 3 ready tasks (held excluded), got %d", len(ready))
	}
	if ready[0].ID != critical.ID {
		t.Fatalf("expected critical first, got %s", ready[0].Priority)
	}
	if ready[1].ID != normal.ID {
		t.Fatalf("expected normal second, got %s", ready[1].Priority)
	}
	if ready[2].ID != lowOld.ID {
		t.Fatalf("expected low last, got %s", ready[2].Priority)
	}
	for _, r := range ready {
		if r.ID == held.ID {
			t.Fatal("held task leaked into ready list")
		}
	}
}

func TestReleaseHeldTasks_ClearsElapsedHolds(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	past := time.Now().UTC().Add(-time.Minute)
	heldPast := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		spec.NotBefore = &past
		spec.Route = store.RouteDelayed
	})
	future := time.Now().UTC().Add(time.Hour)
	heldFuture := enqueueTestTask(t, st, func(spec *store.TaskSpec) {
		spec.NotBefore = &future
		spec.Route = store.RouteDeferred
	})

	released, err := st.ReleaseHeldTasks(ctx)
	if err != nil {
		t.Fatalf("release held tasks: %v", err)
	}
	if len(released) != 1 || released[0].ID != heldPast.ID {
		t.Fatalf("expected only the elapsed hold released, got %d", len(released))
	}
	if released[0].NotBefore != nil {
		t.Fatal("hold not cleared on released task")
	}

	still, err := st.GetTask(ctx, heldFuture.ID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if still.NotBefore == nil {
		t.Fatal("future hold must remain")
	}
}

func TestCountBacklogAndByOrigin(t *testing.T) {
	st, _ := openTestStore(t)
	ctx := context.Background()

	enqueueTestTask(t, st, nil)
	enqueueTestTask(t, st, func(spec *store.TaskSpec) { spec.Origin = store.OriginScheduler })
	done := enqueueTestTask(t, st, nil)
	if err := st.MarkAssigned(ctx, done.ID, "worker-1", 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if _, err := st.CompleteTask(ctx, done.ID, "worker-1", 1, "{}", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	backlog, err := st.CountBacklog(ctx)
	if err != nil {
		t.Fatalf("count backlog: %v", err)
	}
	if backlog != 2 {
		t.Fatalf("expected backlog 2, got %d", backlog)
	}

	byOrigin, err := st.CountQueuedByOrigin(ctx)
	if err != nil {
		t.Fatalf("count queued by origin: %v", err)
	}
	if byOrigin[store.OriginUserRequest] != 1 || byOrigin[store.OriginScheduler] != 1 {
		t.Fatalf("unexpected origin counts: %v", byOrigin)
	}
}

func TestTransitions_PublishStateChangeEvents(t *testing.T) {
	st, b := openTestStoreWithBus(t)
	ctx := context.Background()

	sub := b.Subscribe(bus.TopicTaskStateChanged)
	defer b.Unsubscribe(sub)

	task := enqueueTestTask(t, st, nil)
	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	if _, err := st.CompleteTask(ctx, task.ID, "worker-1", 1, "{}", 0); err != nil {
		t.Fatalf("complete: %v", err)
	}

	want := [][2]string{
		{"", "QUEUED"},
		{"QUEUED", "ASSIGNED"},
		{"ASSIGNED", "RUNNING"},
		{"RUNNING", "COMPLETED"},
	}
	for i, w := range want {
		select {
		case event := <-sub.Ch():
			change, ok := bus.As[bus.TaskStateChangedEvent](event)
			if !ok {
				t.Fatalf("event %d: unexpected payload %T", i, event.Payload)
			}
			if change.OldStatus != w[0] || change.NewStatus != w[1] {
				t.Fatalf("event %d: expected %s->%s, got %s->%s", i, w[0], w[1], change.OldStatus, change.NewStatus)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for state change %d", i)
		}
	}
}
