package sizing

import (
	"sync"
	"time"
)

// BatchEntry is one tiny task waiting for a batch flush.
type BatchEntry struct {
	TaskID        string
	Origin        string
	DataSizeBytes int64
}

// BatcherConfig bounds how long and how much a batch may accumulate.
type BatcherConfig struct {
	Window   time.Duration
	MaxCount int
	MaxBytes int64
}

// Batcher coalesces tiny non-critical tasks so they dispatch together. A batch
// flushes when the window elapses, the count cap is hit, or the byte cap is
// hit, whichever comes first.
type Batcher struct {
	mu      sync.Mutex
	cfg     BatcherConfig
	pending []BatchEntry
	bytes   int64
	timer   *time.Timer
	flush   func([]BatchEntry)
	stopped bool
}

func NewBatcher(cfg BatcherConfig, flush func([]BatchEntry)) *Batcher {
	if cfg.Window <= 0 {
		cfg.Window = 250 * time.Millisecond
	}
	if cfg.MaxCount <= 0 {
		cfg.MaxCount = 10
	}
	if cfg.MaxBytes <= 0 {
		cfg.MaxBytes = 64 << 10
	}
	return &Batcher{cfg: cfg, flush: flush}
}

// Add queues an entry. The first entry in an empty batch arms the window timer.
func (b *Batcher) Add(entry BatchEntry) {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		b.flush([]BatchEntry{entry})
		return
	}

	b.pending = append(b.pending, entry)
	b.bytes += entry.DataSizeBytes

	if len(b.pending) >= b.cfg.MaxCount || b.bytes >= b.cfg.MaxBytes {
		batch := b.takeLocked()
		b.mu.Unlock()
		b.flush(batch)
		return
	}
	if len(b.pending) == 1 {
		b.timer = time.AfterFunc(b.cfg.Window, b.onTimer)
	}
	b.mu.Unlock()
}

func (b *Batcher) onTimer() {
	b.mu.Lock()
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(batch)
	}
}

// takeLocked detaches the pending batch and disarms the timer.
func (b *Batcher) takeLocked() []BatchEntry {
	batch := b.pending
	b.pending = nil
	b.bytes = 0
	if b.timer != nil {
		b.timer.Stop()
		b.timer = nil
	}
	return batch
}

// Flush forces out whatever is pending.
func (b *Batcher) Flush() {
	b.onTimer()
}

// Stop flushes the pending batch and makes later Adds pass straight through.
func (b *Batcher) Stop() {
	b.mu.Lock()
	b.stopped = true
	batch := b.takeLocked()
	b.mu.Unlock()
	if len(batch) > 0 {
		b.flush(batch)
	}
}

// PendingCount reports how many entries are waiting. Used by stats surfaces.
func (b *Batcher) PendingCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
