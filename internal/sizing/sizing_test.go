package sizing

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

func TestClassify(t *testing.T) {
	cases := []struct {
		bytes int64
		want  Class
	}{
		{0, ClassTiny},
		{1023, ClassTiny},
		{1 << 10, ClassSmall},
		{(1 << 20) - 1, ClassSmall},
		{1 << 20, ClassMedium},
		{(100 << 20) - 1, ClassMedium},
		{100 << 20, ClassLarge},
		{(1 << 30) - 1, ClassLarge},
		{1 << 30, ClassHuge},
		{(10 << 30) - 1, ClassHuge},
		{10 << 30, ClassMassive},
		{500 << 30, ClassMassive},
	}
	for _, tc := range cases {
		if got := Classify(tc.bytes); got != tc.want {
			t.Errorf("Classify(%d) = %s, want %s", tc.bytes, got, tc.want)
		}
	}
}

func TestDefaultProfilesSplit(t *testing.T) {
	count := func(profiles []WorkerProfile, class string) int {
		n := 0
		for _, p := range profiles {
			if p.Class == class {
				n++
			}
		}
		return n
	}

	p := DefaultProfiles(8)
	if len(p) != 8 {
		t.Fatalf("expected 8 profiles, got %d", len(p))
	}
	if count(p, store.WorkerClassLight) != 2 || count(p, store.WorkerClassHeavy) != 2 || count(p, store.WorkerClassStandard) != 4 {
		t.Fatalf("unexpected 8-worker split: %+v", p)
	}

	p = DefaultProfiles(1)
	if len(p) != 1 || p[0].Class != store.WorkerClassStandard {
		t.Fatalf("single worker should be standard, got %+v", p)
	}

	p = DefaultProfiles(3)
	if count(p, store.WorkerClassLight) != 1 || count(p, store.WorkerClassStandard) != 1 || count(p, store.WorkerClassHeavy) != 1 {
		t.Fatalf("3-worker pool should cover all classes, got %+v", p)
	}
}

type fakeCheckpoint struct {
	mu   sync.Mutex
	rows []store.WorkerProfileRow
}

func (f *fakeCheckpoint) UpsertWorkerProfile(_ context.Context, row store.WorkerProfileRow) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, row)
	return nil
}

func newTestScheduler(t *testing.T, at time.Time, profiles ...WorkerProfile) *Scheduler {
	t.Helper()
	s := New(Config{OffPeakStartHour: 22, OffPeakEndHour: 6}, nil, nil)
	s.now = func() time.Time { return at }
	for _, p := range profiles {
		if err := s.Register(context.Background(), p); err != nil {
			t.Fatalf("register %s: %v", p.ID, err)
		}
	}
	return s
}

func lightWorker(id string) WorkerProfile {
	return WorkerProfile{
		ID:            id,
		Class:         store.WorkerClassLight,
		MaxConcurrent: 4,
		MaxDataBytes:  1 << 20,
		Preferred:     []Class{ClassTiny, ClassSmall},
	}
}

func heavyWorker(id string) WorkerProfile {
	return WorkerProfile{
		ID:            id,
		Class:         store.WorkerClassHeavy,
		MaxConcurrent: 2,
		MaxDataBytes:  20 << 30,
		Preferred:     []Class{ClassLarge, ClassHuge, ClassMassive},
	}
}

func TestRegisterValidatesAndCheckpoints(t *testing.T) {
	ckpt := &fakeCheckpoint{}
	s := New(Config{OffPeakStartHour: 22, OffPeakEndHour: 6}, ckpt, nil)

	if err := s.Register(context.Background(), WorkerProfile{ID: ""}); err == nil {
		t.Fatal("expected error for empty worker id")
	}
	if err := s.Register(context.Background(), WorkerProfile{ID: "w", MaxConcurrent: 0, MaxDataBytes: 1}); err == nil {
		t.Fatal("expected error for zero concurrency")
	}

	if err := s.Register(context.Background(), lightWorker("light-0")); err != nil {
		t.Fatalf("register: %v", err)
	}
	if len(ckpt.rows) != 1 {
		t.Fatalf("expected 1 checkpoint row, got %d", len(ckpt.rows))
	}
	row := ckpt.rows[0]
	if row.WorkerID != "light-0" || row.Class != store.WorkerClassLight {
		t.Fatalf("unexpected checkpoint row: %+v", row)
	}
	if len(row.PreferredClasses) != 2 || row.PreferredClasses[0] != "tiny" {
		t.Fatalf("unexpected preferred classes: %v", row.PreferredClasses)
	}
}

func TestAssignPicksLeastUtilizedPreferred(t *testing.T) {
	noon := time.Date(2026, 8, 22, 12, 0, 0, 0, time.Local)
	s := newTestScheduler(t, noon, lightWorker("light-0"), lightWorker("light-1"))

	s.OnStart("light-0", 512)

	got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassTiny, DataSizeBytes: 100, Priority: store.PriorityNormal})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.WorkerID != "light-1" {
		t.Fatalf("expected least-utilized light-1, got %s", got.WorkerID)
	}
	if got.Deferred {
		t.Fatal("tiny task should not be deferred")
	}
}

func TestAssignRespectsByteCapacity(t *testing.T) {
	noon := time.Date(2026, 8, 22, 12, 0, 0, 0, time.Local)
	w := lightWorker("light-0")
	s := newTestScheduler(t, noon, w)

	s.OnStart("light-0", w.MaxDataBytes-10)

	_, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassTiny, DataSizeBytes: 100, Priority: store.PriorityNormal})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity, got %v", err)
	}

	// After the load drains the same request fits.
	s.OnFinish("light-0", w.MaxDataBytes-10)
	got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassTiny, DataSizeBytes: 100, Priority: store.PriorityNormal})
	if err != nil {
		t.Fatalf("assign after drain: %v", err)
	}
	if got.WorkerID != "light-0" {
		t.Fatalf("expected light-0, got %s", got.WorkerID)
	}
}

func TestCriticalMayUseAnyClass(t *testing.T) {
	noon := time.Date(2026, 8, 22, 12, 0, 0, 0, time.Local)
	s := newTestScheduler(t, noon, heavyWorker("heavy-0"))

	// No light worker prefers tiny, so normal priority finds nothing.
	_, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassTiny, DataSizeBytes: 100, Priority: store.PriorityNormal})
	if !errors.Is(err, ErrNoCapacity) {
		t.Fatalf("expected ErrNoCapacity for normal priority, got %v", err)
	}

	got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassTiny, DataSizeBytes: 100, Priority: store.PriorityCritical})
	if err != nil {
		t.Fatalf("critical assign: %v", err)
	}
	if got.WorkerID != "heavy-0" {
		t.Fatalf("critical should fall back to heavy-0, got %s", got.WorkerID)
	}
}

func TestBulkDeferredUntilOffPeak(t *testing.T) {
	afternoon := time.Date(2026, 8, 22, 14, 30, 0, 0, time.Local)
	s := newTestScheduler(t, afternoon, heavyWorker("heavy-0"))

	got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassHuge, DataSizeBytes: 2 << 30, Priority: store.PriorityNormal})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if !got.Deferred {
		t.Fatal("expected huge task to be deferred during the day")
	}
	wantResume := time.Date(2026, 8, 22, 22, 0, 0, 0, time.Local)
	if !got.ResumeAt.Equal(wantResume) {
		t.Fatalf("expected resume at %v, got %v", wantResume, got.ResumeAt)
	}
}

func TestBulkRunsInsideOffPeak(t *testing.T) {
	for _, at := range []time.Time{
		time.Date(2026, 8, 22, 23, 0, 0, 0, time.Local),
		time.Date(2026, 8, 23, 3, 0, 0, 0, time.Local),
	} {
		s := newTestScheduler(t, at, heavyWorker("heavy-0"))
		got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassMassive, DataSizeBytes: 12 << 30, Priority: store.PriorityNormal})
		if err != nil {
			t.Fatalf("assign at %v: %v", at, err)
		}
		if got.Deferred {
			t.Fatalf("off-peak bulk task at %v should not be deferred", at)
		}
		if got.WorkerID != "heavy-0" {
			t.Fatalf("expected heavy-0, got %s", got.WorkerID)
		}
	}
}

func TestCriticalBulkSkipsDeferral(t *testing.T) {
	afternoon := time.Date(2026, 8, 22, 14, 30, 0, 0, time.Local)
	s := newTestScheduler(t, afternoon, heavyWorker("heavy-0"))

	got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassHuge, DataSizeBytes: 2 << 30, Priority: store.PriorityCritical})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Deferred {
		t.Fatal("critical bulk work must not wait for off-peak")
	}
}

func TestLoadAccountingAndSnapshot(t *testing.T) {
	noon := time.Date(2026, 8, 22, 12, 0, 0, 0, time.Local)
	s := newTestScheduler(t, noon, lightWorker("light-0"), heavyWorker("heavy-0"))

	s.OnStart("light-0", 2048)
	s.OnStart("light-0", 1024)
	s.OnFinish("light-0", 1024)

	snap := s.Snapshot()
	if len(snap) != 2 {
		t.Fatalf("expected 2 snapshots, got %d", len(snap))
	}
	// Sorted by id: heavy-0 before light-0.
	if snap[0].ID != "heavy-0" || snap[1].ID != "light-0" {
		t.Fatalf("unexpected order: %s, %s", snap[0].ID, snap[1].ID)
	}
	light := snap[1]
	if light.ActiveTasks != 1 || light.ActiveBytes != 2048 {
		t.Fatalf("expected 1 task / 2048 bytes, got %d / %d", light.ActiveTasks, light.ActiveBytes)
	}
	if light.Utilization <= 0 {
		t.Fatalf("expected nonzero utilization, got %f", light.Utilization)
	}

	// Unknown workers and over-release are ignored.
	s.OnFinish("nope", 1)
	s.OnFinish("light-0", 1<<30)
	s.OnFinish("light-0", 1<<30)
	snap = s.Snapshot()
	if snap[1].ActiveTasks != 0 || snap[1].ActiveBytes != 0 {
		t.Fatalf("counters should clamp at zero, got %d / %d", snap[1].ActiveTasks, snap[1].ActiveBytes)
	}
}

func TestApplyConfigMovesWindow(t *testing.T) {
	noon := time.Date(2026, 8, 22, 12, 0, 0, 0, time.Local)
	s := newTestScheduler(t, noon, heavyWorker("heavy-0"))

	s.ApplyConfig(Config{OffPeakStartHour: 10, OffPeakEndHour: 16})

	got, err := s.Assign(AssignRequest{TaskID: "t1", SizeClass: ClassHuge, DataSizeBytes: 2 << 30, Priority: store.PriorityNormal})
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.Deferred {
		t.Fatal("noon is inside the reconfigured window")
	}
}
