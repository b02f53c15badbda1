// Package router enforces per-origin fairness quotas over a fixed pool of
// concurrency slots. Every admission decision goes through one mutex-guarded
// quota table; a background rebalancer shifts slots between origins and breaks
// starvation.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/store"
)

// Route is the router's verdict for one task.
type Route string

const (
	// RouteAccepted admits the task within its origin's quota.
	RouteAccepted Route = "accepted"
	// RouteExpress admits a critical task past a full quota. Still counted.
	RouteExpress Route = "express"
	// RouteQueued parks the task in its origin's wait queue until a slot frees.
	RouteQueued Route = "queued"
	// RouteDeferred parks the task because other origins are starved.
	RouteDeferred Route = "deferred"
	// RouteDelayed rejects the task for now; retry after Decision.Delay.
	RouteDelayed Route = "delayed"
)

// Decision is the outcome of Admit.
type Decision struct {
	Route     Route
	QueueName string
	Delay     time.Duration
	Reasoning string
}

// AdmitRequest is the slice of a task the router needs.
type AdmitRequest struct {
	TaskID   string
	Origin   string
	Priority store.Priority
}

// Waiting is one parked task, handed to the release callback when promoted.
type Waiting struct {
	TaskID   string
	Origin   string
	Priority store.Priority
	ParkedAt time.Time
}

// Limits is the hot-reloadable quota configuration.
type Limits struct {
	TotalCapacity            int
	QuotaPercent             map[string]int
	BurstLimit               int
	BurstWindow              time.Duration
	StarvationCycles         int
	DeferralThresholdPercent int
	DonorUtilPercent         int
	TakerUtilPercent         int
	TakerQueueMin            int
}

// QuotaAuditor persists rebalancer slot moves.
type QuotaAuditor interface {
	RecordQuotaAdjustment(ctx context.Context, fromOrigin, toOrigin string, slots int, reason string) error
}

type originState struct {
	origin        string
	maxConcurrent int
	current       int
	queue         []Waiting
	burst         []time.Time
	completed     int64
	starvedTasks  int64
	starvedCycles int
}

func (o *originState) starved() bool {
	return len(o.queue) > 0 && o.current == 0
}

// utilPercent is current usage as a percentage of max_concurrent.
func (o *originState) utilPercent() int {
	if o.maxConcurrent <= 0 {
		return 100
	}
	return o.current * 100 / o.maxConcurrent
}

// pruneBurst drops window entries older than the cutoff.
func (o *originState) pruneBurst(cutoff time.Time) {
	keep := o.burst[:0]
	for _, ts := range o.burst {
		if ts.After(cutoff) {
			keep = append(keep, ts)
		}
	}
	o.burst = keep
}

// Router owns the quota table. Safe for concurrent use.
type Router struct {
	mu      sync.Mutex
	origins map[string]*originState
	limits  Limits

	release func(Waiting)
	auditor QuotaAuditor
	bus     *bus.Bus
	logger  *slog.Logger
	now     func() time.Time
}

func New(limits Limits, auditor QuotaAuditor, b *bus.Bus, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		origins: make(map[string]*originState),
		auditor: auditor,
		bus:     b,
		logger:  logger.With("component", "router"),
		now:     time.Now,
	}
	r.applyLimitsLocked(normalizeLimits(limits))
	return r
}

func normalizeLimits(l Limits) Limits {
	if l.TotalCapacity <= 0 {
		l.TotalCapacity = 64
	}
	if len(l.QuotaPercent) == 0 {
		l.QuotaPercent = map[string]int{
			store.OriginUserRequest: 30,
			store.OriginIntent:      25,
			store.OriginHunterAlert: 15,
			store.OriginExternalAPI: 10,
			store.OriginScheduler:   10,
			store.OriginFilesystem:  5,
			store.OriginRemediation: 3,
			store.OriginInternal:    2,
		}
	}
	if l.BurstLimit <= 0 {
		l.BurstLimit = 100
	}
	if l.BurstWindow <= 0 {
		l.BurstWindow = 60 * time.Second
	}
	if l.StarvationCycles <= 0 {
		l.StarvationCycles = 3
	}
	if l.DeferralThresholdPercent <= 0 {
		l.DeferralThresholdPercent = 80
	}
	if l.DonorUtilPercent <= 0 {
		l.DonorUtilPercent = 30
	}
	if l.TakerUtilPercent <= 0 {
		l.TakerUtilPercent = 90
	}
	if l.TakerQueueMin <= 0 {
		l.TakerQueueMin = 5
	}
	return l
}

// SetRelease installs the callback that receives promoted tasks. The
// dispatcher is built after the router, so this is wired at boot rather than
// in the constructor.
func (r *Router) SetRelease(fn func(Waiting)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.release = fn
}

// applyLimitsLocked rebuilds per-origin max_concurrent from the quota table.
// Live counts, queues, and burst windows survive; rebalancer deltas do not.
func (r *Router) applyLimitsLocked(l Limits) {
	r.limits = l
	for origin, pct := range l.QuotaPercent {
		max := l.TotalCapacity * pct / 100
		if max < 1 {
			max = 1
		}
		o, ok := r.origins[origin]
		if !ok {
			o = &originState{origin: origin}
			r.origins[origin] = o
		}
		o.maxConcurrent = max
	}
}

// ApplyLimits hot-reloads the quota table.
func (r *Router) ApplyLimits(l Limits) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applyLimitsLocked(normalizeLimits(l))
}

// Classify resolves a task's origin from the explicit field, then creator
// hints, then the task type. Unknown callers land in the internal bucket.
func Classify(origin, createdBy, taskType string) string {
	if store.ValidOrigin(origin) {
		return origin
	}
	hint := strings.ToLower(createdBy)
	switch {
	case strings.HasPrefix(hint, "user"), strings.HasPrefix(hint, "cli"), strings.HasPrefix(hint, "tui"):
		return store.OriginUserRequest
	case strings.HasPrefix(hint, "intent"), strings.HasPrefix(hint, "planner"):
		return store.OriginIntent
	case strings.HasPrefix(hint, "hunter"), strings.HasPrefix(hint, "alert"):
		return store.OriginHunterAlert
	case strings.HasPrefix(hint, "api"), strings.HasPrefix(hint, "external"), strings.HasPrefix(hint, "webhook"):
		return store.OriginExternalAPI
	case strings.HasPrefix(hint, "cron"), strings.HasPrefix(hint, "sched"):
		return store.OriginScheduler
	case strings.HasPrefix(hint, "fs"), strings.HasPrefix(hint, "watch"), strings.HasPrefix(hint, "file"):
		return store.OriginFilesystem
	case strings.HasPrefix(hint, "remediation"), strings.HasPrefix(hint, "heal"):
		return store.OriginRemediation
	}
	switch {
	case strings.HasPrefix(taskType, "alert."):
		return store.OriginHunterAlert
	case strings.HasPrefix(taskType, "schedule."), strings.HasPrefix(taskType, "cron."):
		return store.OriginScheduler
	case strings.HasPrefix(taskType, "fs."):
		return store.OriginFilesystem
	case strings.HasPrefix(taskType, "remediation."):
		return store.OriginRemediation
	}
	return store.OriginInternal
}

// Admit runs the four-step admission algorithm for one task.
func (r *Router) Admit(req AdmitRequest) Decision {
	r.mu.Lock()
	defer r.mu.Unlock()

	o, ok := r.origins[req.Origin]
	if !ok {
		o = &originState{origin: req.Origin, maxConcurrent: 1}
		r.origins[req.Origin] = o
	}
	now := r.now()

	// Step 1: sliding-window burst limit.
	o.pruneBurst(now.Add(-r.limits.BurstWindow))
	if len(o.burst) >= r.limits.BurstLimit {
		retryAfter := o.burst[0].Add(r.limits.BurstWindow).Sub(now)
		if retryAfter < time.Second {
			retryAfter = time.Second
		}
		return Decision{
			Route:     RouteDelayed,
			Delay:     retryAfter,
			Reasoning: fmt.Sprintf("origin %s over burst limit (%d in %s)", req.Origin, len(o.burst), r.limits.BurstWindow),
		}
	}
	o.burst = append(o.burst, now)

	// Step 2: anti-starvation deferral. An origin already deep into its quota
	// yields while some other origin is starved.
	if o.maxConcurrent > 0 && o.utilPercent() >= r.limits.DeferralThresholdPercent {
		for _, other := range r.origins {
			if other.origin == req.Origin || !other.starved() {
				continue
			}
			o.queue = append(o.queue, Waiting{TaskID: req.TaskID, Origin: req.Origin, Priority: req.Priority, ParkedAt: now})
			o.starvedTasks++
			return Decision{
				Route:     RouteDeferred,
				QueueName: req.Origin,
				Reasoning: fmt.Sprintf("origin %s at %d%% of quota while %s is starved", req.Origin, o.utilPercent(), other.origin),
			}
		}
	}

	// Step 3: quota check. Critical work rides through on the express route.
	if o.current >= o.maxConcurrent {
		if req.Priority == store.PriorityCritical {
			o.current++
			return Decision{
				Route:     RouteExpress,
				Reasoning: fmt.Sprintf("critical bypass, origin %s at quota (%d/%d)", req.Origin, o.current, o.maxConcurrent),
			}
		}
		o.queue = append(o.queue, Waiting{TaskID: req.TaskID, Origin: req.Origin, Priority: req.Priority, ParkedAt: now})
		return Decision{
			Route:     RouteQueued,
			QueueName: req.Origin,
			Reasoning: fmt.Sprintf("origin %s at quota (%d/%d), position %d", req.Origin, o.current, o.maxConcurrent, len(o.queue)),
		}
	}

	// Step 4: admit.
	o.current++
	return Decision{
		Route:     RouteAccepted,
		Reasoning: fmt.Sprintf("origin %s within quota (%d/%d)", req.Origin, o.current, o.maxConcurrent),
	}
}

// OnTaskFinish releases the finishing task's slot and promotes the next
// waiting task, starved origins first. The promoted task is handed to the
// release callback outside the lock.
func (r *Router) OnTaskFinish(origin string) {
	r.finish(origin, true)
}

// ReleaseSlot gives back a slot for a task that was admitted but then parked
// before running (policy hold, off-peak deferral). The task re-enters through
// Admit later, so nothing is counted as completed.
func (r *Router) ReleaseSlot(origin string) {
	r.finish(origin, false)
}

func (r *Router) finish(origin string, completed bool) {
	r.mu.Lock()
	o, ok := r.origins[origin]
	if ok {
		if o.current > 0 {
			o.current--
		}
		if completed {
			o.completed++
		}
	}
	promoted, release := r.promoteLocked()
	r.mu.Unlock()

	if release != nil {
		release(promoted)
	}
}

// promoteLocked picks the next waiting task that fits: starved origins take
// precedence, ties broken by longest wait.
func (r *Router) promoteLocked() (Waiting, func(Waiting)) {
	var pick *originState
	for _, o := range r.origins {
		if len(o.queue) == 0 || o.current >= o.maxConcurrent {
			continue
		}
		if pick == nil {
			pick = o
			continue
		}
		if o.starved() != pick.starved() {
			if o.starved() {
				pick = o
			}
			continue
		}
		if o.queue[0].ParkedAt.Before(pick.queue[0].ParkedAt) {
			pick = o
		}
	}
	if pick == nil || r.release == nil {
		return Waiting{}, nil
	}
	w := pick.queue[0]
	pick.queue = pick.queue[1:]
	pick.current++
	pick.starvedCycles = 0
	return w, r.release
}

// RunRebalancer runs the slot rebalancer and starvation breaker until ctx is
// done. One slot moves per cycle at most.
func (r *Router) RunRebalancer(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.cycle(ctx)
		}
	}
}

// Cycle runs one rebalancer pass. Exposed for the doctor command and tests.
func (r *Router) Cycle(ctx context.Context) {
	r.cycle(ctx)
}

func (r *Router) cycle(ctx context.Context) {
	type starvationNote struct {
		origin string
		cycles int
		queued int
	}
	var (
		forced  []Waiting
		notes   []starvationNote
		release func(Waiting)
	)

	r.mu.Lock()
	for _, o := range r.origins {
		if !o.starved() {
			o.starvedCycles = 0
			continue
		}
		o.starvedCycles++
		notes = append(notes, starvationNote{origin: o.origin, cycles: o.starvedCycles, queued: len(o.queue)})
		if o.starvedCycles >= r.limits.StarvationCycles && r.release != nil {
			w := o.queue[0]
			o.queue = o.queue[1:]
			o.current++
			o.starvedCycles = 0
			forced = append(forced, w)
		}
	}
	release = r.release
	donor, taker := r.pickRebalanceLocked()
	if donor != nil && taker != nil {
		donor.maxConcurrent--
		taker.maxConcurrent++
	}
	r.mu.Unlock()

	for _, note := range notes {
		r.logger.Warn("origin starved", "origin", note.origin, "cycles", note.cycles, "queued", note.queued)
		if r.bus != nil {
			r.bus.Publish(bus.TopicOriginStarvation, bus.OriginStarvationEvent{
				Origin: note.origin,
				Cycles: note.cycles,
				Queued: note.queued,
			})
		}
	}
	for _, w := range forced {
		r.logger.Info("forced starvation release", "origin", w.Origin, "task_id", w.TaskID)
		if release != nil {
			release(w)
		}
	}
	if donor != nil && taker != nil {
		reason := fmt.Sprintf("donor %s under %d%% with empty queue, taker %s over %d%% with %d queued",
			donor.origin, r.limits.DonorUtilPercent, taker.origin, r.limits.TakerUtilPercent, r.limits.TakerQueueMin)
		r.logger.Info("quota rebalanced", "from", donor.origin, "to", taker.origin, "slots", 1)
		if r.bus != nil {
			r.bus.Publish(bus.TopicOriginAdjustment, bus.OriginAdjustmentEvent{
				FromOrigin: donor.origin,
				ToOrigin:   taker.origin,
				Slots:      1,
				Reason:     reason,
			})
		}
		if r.auditor != nil {
			if err := r.auditor.RecordQuotaAdjustment(ctx, donor.origin, taker.origin, 1, reason); err != nil {
				r.logger.Error("record quota adjustment", "error", err)
			}
		}
	}
}

// pickRebalanceLocked finds at most one donor/taker pair. Donors keep at
// least one slot.
func (r *Router) pickRebalanceLocked() (donor, taker *originState) {
	for _, o := range r.origins {
		if o.maxConcurrent > 1 && o.utilPercent() < r.limits.DonorUtilPercent && len(o.queue) == 0 {
			if donor == nil || o.utilPercent() < donor.utilPercent() {
				donor = o
			}
		}
		if o.utilPercent() > r.limits.TakerUtilPercent && len(o.queue) > r.limits.TakerQueueMin {
			if taker == nil || len(o.queue) > len(taker.queue) {
				taker = o
			}
		}
	}
	if donor == nil || taker == nil || donor == taker {
		return nil, nil
	}
	return donor, taker
}

// OriginSnapshot is one origin's public fairness state.
type OriginSnapshot struct {
	Origin        string `json:"origin"`
	MaxConcurrent int    `json:"max_concurrent"`
	Current       int    `json:"current_count"`
	Queued        int    `json:"total_queued"`
	Completed     int64  `json:"tasks_completed"`
	Starved       int64  `json:"tasks_starved"`
	BurstInWindow int    `json:"burst_in_window"`
	IsStarved     bool   `json:"is_starved"`
}

// Snapshot returns the quota table, sorted by origin name.
func (r *Router) Snapshot() []OriginSnapshot {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-r.limits.BurstWindow)
	out := make([]OriginSnapshot, 0, len(r.origins))
	for _, o := range r.origins {
		o.pruneBurst(cutoff)
		out = append(out, OriginSnapshot{
			Origin:        o.origin,
			MaxConcurrent: o.maxConcurrent,
			Current:       o.current,
			Queued:        len(o.queue),
			Completed:     o.completed,
			Starved:       o.starvedTasks,
			BurstInWindow: len(o.burst),
			IsStarved:     o.starved(),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Origin < out[j].Origin })
	return out
}
