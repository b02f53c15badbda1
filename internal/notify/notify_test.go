package notify_test

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/notify"
)

type recordingSender struct {
	mu   sync.Mutex
	sent []string
}

func (r *recordingSender) Send(_ int64, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, text)
	return nil
}

func (r *recordingSender) all() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.sent...)
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", msg)
}

func newNotifier(t *testing.T, mutate func(*notify.Config)) (*bus.Bus, *recordingSender) {
	t.Helper()
	b := bus.New()
	sender := &recordingSender{}
	cfg := notify.Config{
		Bus:    b,
		ChatID: 42,
		Sender: sender,
	}
	if mutate != nil {
		mutate(&cfg)
	}
	n := notify.New(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	if err := n.Start(ctx); err != nil {
		t.Fatalf("start notifier: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		if err := n.Drain(2 * time.Second); err != nil {
			t.Errorf("drain: %v", err)
		}
	})
	return b, sender
}

func TestForwardsViolationAndRescue(t *testing.T) {
	b, sender := newNotifier(t, nil)

	deadline := time.Date(2026, 8, 22, 14, 2, 11, 0, time.UTC)
	b.Publish(bus.TopicSLAViolation, bus.SLAViolationEvent{
		TaskID:      "1a2b3c4d-0000-0000-0000-000000000000",
		TaskType:    "report.generate",
		EscalatedTo: "high",
		Deadline:    deadline,
	})
	b.Publish(bus.TopicSLARescue, bus.SLARescueEvent{
		TaskID:       "1a2b3c4d-0000-0000-0000-000000000000",
		RescueTaskID: "9f8e7d6c-0000-0000-0000-000000000000",
		RescueSLAMS:  300000,
	})

	// Delivery order between the two subscriptions is not guaranteed.
	waitFor(t, func() bool { return len(sender.all()) == 2 }, "both alerts")
	var violation, rescue string
	for _, m := range sender.all() {
		if strings.Contains(m, "SLA violated") {
			violation = m
		}
		if strings.Contains(m, "SLA rescue") {
			rescue = m
		}
	}
	if !strings.Contains(violation, "report.generate") || !strings.Contains(violation, "1a2b3c4d") {
		t.Errorf("violation message = %q", violation)
	}
	if !strings.Contains(violation, "escalated to high") {
		t.Errorf("violation message missing escalation: %q", violation)
	}
	if !strings.Contains(rescue, "rescue 9f8e7d6c") || !strings.Contains(rescue, "5m0s") {
		t.Errorf("rescue message = %q", rescue)
	}
}

func TestOtherTopicsIgnored(t *testing.T) {
	b, sender := newNotifier(t, nil)

	b.Publish(bus.TopicSLAWarning, bus.SLAWarningEvent{TaskID: "t1"})
	b.Publish(bus.TopicTaskCompleted, bus.TaskLifecycleEvent{TaskID: "t1"})
	b.Publish(bus.TopicSLAViolation, bus.SLAViolationEvent{TaskID: "t2", TaskType: "x"})

	waitFor(t, func() bool { return len(sender.all()) == 1 }, "single alert")
	time.Sleep(50 * time.Millisecond)
	if n := len(sender.all()); n != 1 {
		t.Fatalf("sent %d messages, want 1", n)
	}
}

func TestRateLimitSuppressesAndReports(t *testing.T) {
	b, sender := newNotifier(t, func(cfg *notify.Config) {
		cfg.Window = 150 * time.Millisecond
		cfg.MaxPerWindow = 2
	})

	for i := 0; i < 5; i++ {
		b.Publish(bus.TopicSLAViolation, bus.SLAViolationEvent{TaskID: "task", TaskType: "bulk.import"})
	}
	waitFor(t, func() bool { return len(sender.all()) == 2 }, "capped alerts")
	time.Sleep(50 * time.Millisecond)
	if n := len(sender.all()); n != 2 {
		t.Fatalf("sent %d in first window, want 2", n)
	}

	// A fresh window delivers again and carries the suppressed count.
	time.Sleep(150 * time.Millisecond)
	b.Publish(bus.TopicSLAViolation, bus.SLAViolationEvent{TaskID: "task", TaskType: "bulk.import"})
	waitFor(t, func() bool { return len(sender.all()) == 3 }, "post-window alert")
	last := sender.all()[2]
	if !strings.Contains(last, "[3 alerts suppressed]") {
		t.Errorf("message = %q, want suppressed count", last)
	}
}

func TestResolveTokenPrefersEnv(t *testing.T) {
	t.Setenv(notify.TokenEnv, "env-token")
	if got := notify.ResolveToken("cfg-token"); got != "env-token" {
		t.Errorf("token = %q, want env-token", got)
	}
	t.Setenv(notify.TokenEnv, "")
	if got := notify.ResolveToken("cfg-token"); got != "cfg-token" {
		t.Errorf("token = %q, want cfg-token", got)
	}
}
