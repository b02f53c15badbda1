// Package sizing classifies tasks by payload size and routes them to workers
// with matching capacity. Load counters are mutated only through OnStart and
// OnFinish; assignment reads them but never infers load from elsewhere.
package sizing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

// Class buckets a task by its payload size.
type Class string

const (
	ClassTiny    Class = "tiny"
	ClassSmall   Class = "small"
	ClassMedium  Class = "medium"
	ClassLarge   Class = "large"
	ClassHuge    Class = "huge"
	ClassMassive Class = "massive"
)

// Classification thresholds. A payload at exactly the boundary falls into
// the larger class.
const (
	TinyMaxBytes   = 1 << 10   // 1KB
	SmallMaxBytes  = 1 << 20   // 1MB
	MediumMaxBytes = 100 << 20 // 100MB
	LargeMaxBytes  = 1 << 30   // 1GB
	HugeMaxBytes   = 10 << 30  // 10GB
)

// Classify maps a payload size to its class.
func Classify(bytes int64) Class {
	switch {
	case bytes < TinyMaxBytes:
		return ClassTiny
	case bytes < SmallMaxBytes:
		return ClassSmall
	case bytes < MediumMaxBytes:
		return ClassMedium
	case bytes < LargeMaxBytes:
		return ClassLarge
	case bytes < HugeMaxBytes:
		return ClassHuge
	default:
		return ClassMassive
	}
}

// ErrNoCapacity is returned when no worker can take the task right now.
var ErrNoCapacity = errors.New("no worker with spare capacity")

// WorkerProfile is one worker's capacity shape plus live load.
type WorkerProfile struct {
	ID            string
	Class         string // store.WorkerClassLight/Standard/Heavy
	MaxConcurrent int
	MaxDataBytes  int64
	Preferred     []Class

	activeTasks int
	activeBytes int64
}

func (w *WorkerProfile) prefers(c Class) bool {
	for _, p := range w.Preferred {
		if p == c {
			return true
		}
	}
	return false
}

// utilization is the dominant of task-slot and byte usage, in [0,1+].
func (w *WorkerProfile) utilization() float64 {
	taskPart := 0.0
	if w.MaxConcurrent > 0 {
		taskPart = float64(w.activeTasks) / float64(w.MaxConcurrent)
	}
	bytePart := 0.0
	if w.MaxDataBytes > 0 {
		bytePart = float64(w.activeBytes) / float64(w.MaxDataBytes)
	}
	if bytePart > taskPart {
		return bytePart
	}
	return taskPart
}

func (w *WorkerProfile) hasRoomFor(bytes int64) bool {
	if w.activeTasks >= w.MaxConcurrent {
		return false
	}
	return w.activeBytes+bytes <= w.MaxDataBytes
}

// AssignRequest is the slice of a task the scheduler needs.
type AssignRequest struct {
	TaskID        string
	SizeClass     Class
	DataSizeBytes int64
	Priority      store.Priority
}

// Assignment is the scheduler's answer: a worker, or a deferral to the next
// off-peak window.
type Assignment struct {
	WorkerID string
	Deferred bool
	ResumeAt time.Time
	Reason   string
}

// CheckpointStore persists worker capacity shapes. Live load stays in memory.
type CheckpointStore interface {
	UpsertWorkerProfile(ctx context.Context, row store.WorkerProfileRow) error
}

// Config holds the scheduler's tunables.
type Config struct {
	OffPeakStartHour int
	OffPeakEndHour   int
}

// Scheduler owns the worker registry. All mutation goes through its mutex.
type Scheduler struct {
	mu      sync.Mutex
	workers map[string]*WorkerProfile
	cfg     Config
	logger  *slog.Logger
	ckpt    CheckpointStore
	now     func() time.Time
}

func New(cfg Config, ckpt CheckpointStore, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		workers: make(map[string]*WorkerProfile),
		cfg:     cfg,
		logger:  logger.With("component", "sizing"),
		ckpt:    ckpt,
		now:     time.Now,
	}
}

// DefaultProfiles derives a light/standard/heavy pool split from the worker
// count. At least one worker per class once the count allows it.
func DefaultProfiles(workerCount int) []WorkerProfile {
	if workerCount < 1 {
		workerCount = 1
	}
	heavy := workerCount / 4
	light := workerCount / 4
	if workerCount >= 3 {
		if heavy == 0 {
			heavy = 1
		}
		if light == 0 {
			light = 1
		}
	}
	standard := workerCount - heavy - light
	if standard < 1 {
		standard = 1
		if heavy > 0 {
			heavy--
		} else if light > 0 {
			light--
		}
	}

	var out []WorkerProfile
	for i := 0; i < light; i++ {
		out = append(out, WorkerProfile{
			ID:            fmt.Sprintf("light-%d", i),
			Class:         store.WorkerClassLight,
			MaxConcurrent: 8,
			MaxDataBytes:  64 << 20, // 64MB
			Preferred:     []Class{ClassTiny, ClassSmall},
		})
	}
	for i := 0; i < standard; i++ {
		out = append(out, WorkerProfile{
			ID:            fmt.Sprintf("standard-%d", i),
			Class:         store.WorkerClassStandard,
			MaxConcurrent: 4,
			MaxDataBytes:  2 << 30, // 2GB
			Preferred:     []Class{ClassSmall, ClassMedium, ClassLarge},
		})
	}
	for i := 0; i < heavy; i++ {
		out = append(out, WorkerProfile{
			ID:            fmt.Sprintf("heavy-%d", i),
			Class:         store.WorkerClassHeavy,
			MaxConcurrent: 2,
			MaxDataBytes:  20 << 30, // 20GB
			Preferred:     []Class{ClassLarge, ClassHuge, ClassMassive},
		})
	}
	return out
}

// Register adds or replaces a worker profile and checkpoints its shape.
func (s *Scheduler) Register(ctx context.Context, profile WorkerProfile) error {
	if profile.ID == "" {
		return fmt.Errorf("worker profile needs an id")
	}
	if profile.MaxConcurrent <= 0 || profile.MaxDataBytes <= 0 {
		return fmt.Errorf("worker %s: capacity must be positive", profile.ID)
	}

	s.mu.Lock()
	p := profile
	s.workers[p.ID] = &p
	s.mu.Unlock()

	if s.ckpt != nil {
		preferred := make([]string, len(profile.Preferred))
		for i, c := range profile.Preferred {
			preferred[i] = string(c)
		}
		if err := s.ckpt.UpsertWorkerProfile(ctx, store.WorkerProfileRow{
			WorkerID:           profile.ID,
			Class:              profile.Class,
			MaxConcurrentTasks: profile.MaxConcurrent,
			MaxDataBytes:       profile.MaxDataBytes,
			PreferredClasses:   preferred,
		}); err != nil {
			return fmt.Errorf("checkpoint worker profile: %w", err)
		}
	}
	return nil
}

// inOffPeak reports whether t falls in the configured off-peak window. The
// window wraps midnight (e.g. 22:00-06:00).
func (s *Scheduler) inOffPeak(t time.Time) bool {
	start, end := s.cfg.OffPeakStartHour, s.cfg.OffPeakEndHour
	if start == end {
		return true
	}
	hour := t.Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}

// nextOffPeak returns the next off-peak window start after t.
func (s *Scheduler) nextOffPeak(t time.Time) time.Time {
	resume := time.Date(t.Year(), t.Month(), t.Day(), s.cfg.OffPeakStartHour, 0, 0, 0, t.Location())
	if !resume.After(t) {
		resume = resume.Add(24 * time.Hour)
	}
	return resume
}

// Assign picks a worker for the task. huge/massive non-critical work outside
// the off-peak window is deferred instead. Critical tasks may use any worker
// with headroom regardless of class preference.
func (s *Scheduler) Assign(req AssignRequest) (Assignment, error) {
	now := s.now()
	bulk := req.SizeClass == ClassHuge || req.SizeClass == ClassMassive
	if bulk && req.Priority != store.PriorityCritical && !s.inOffPeak(now) {
		resume := s.nextOffPeak(now)
		return Assignment{
			Deferred: true,
			ResumeAt: resume,
			Reason:   fmt.Sprintf("%s task deferred to off-peak window at %02d:00", req.SizeClass, s.cfg.OffPeakStartHour),
		}, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	pick := s.pickLocked(req, false)
	if pick == nil && req.Priority == store.PriorityCritical {
		// Class preference is waived for critical work.
		pick = s.pickLocked(req, true)
	}
	if pick == nil {
		return Assignment{}, ErrNoCapacity
	}
	return Assignment{WorkerID: pick.ID, Reason: fmt.Sprintf("least-utilized %s worker", pick.Class)}, nil
}

func (s *Scheduler) pickLocked(req AssignRequest, anyClass bool) *WorkerProfile {
	var candidates []*WorkerProfile
	for _, w := range s.workers {
		if !anyClass && !w.prefers(req.SizeClass) {
			continue
		}
		if !w.hasRoomFor(req.DataSizeBytes) {
			continue
		}
		candidates = append(candidates, w)
	}
	if len(candidates) == 0 {
		return nil
	}
	sort.Slice(candidates, func(i, j int) bool {
		ui, uj := candidates[i].utilization(), candidates[j].utilization()
		if ui != uj {
			return ui < uj
		}
		return candidates[i].ID < candidates[j].ID
	})
	return candidates[0]
}

// OnStart adds the task's load to the worker's counters.
func (s *Scheduler) OnStart(workerID string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.activeTasks++
	w.activeBytes += bytes
}

// OnFinish subtracts the task's load from the worker's counters.
func (s *Scheduler) OnFinish(workerID string, bytes int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workers[workerID]
	if !ok {
		return
	}
	w.activeTasks--
	if w.activeTasks < 0 {
		s.logger.Warn("worker task count underflow", "worker_id", workerID)
		w.activeTasks = 0
	}
	w.activeBytes -= bytes
	if w.activeBytes < 0 {
		w.activeBytes = 0
	}
}

// ApplyConfig hot-reloads the off-peak window.
func (s *Scheduler) ApplyConfig(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
}

// WorkerSnapshot is one registry entry's public view.
type WorkerSnapshot struct {
	ID            string  `json:"id"`
	Class         string  `json:"class"`
	ActiveTasks   int     `json:"active_tasks"`
	MaxConcurrent int     `json:"max_concurrent"`
	ActiveBytes   int64   `json:"active_bytes"`
	MaxDataBytes  int64   `json:"max_data_bytes"`
	Utilization   float64 `json:"utilization"`
}

// Snapshot returns the registry's current state, sorted by worker id.
func (s *Scheduler) Snapshot() []WorkerSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]WorkerSnapshot, 0, len(s.workers))
	for _, w := range s.workers {
		out = append(out, WorkerSnapshot{
			ID:            w.ID,
			Class:         w.Class,
			ActiveTasks:   w.activeTasks,
			MaxConcurrent: w.MaxConcurrent,
			ActiveBytes:   w.activeBytes,
			MaxDataBytes:  w.MaxDataBytes,
			Utilization:   w.utilization(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
