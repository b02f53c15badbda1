package sizing

import (
	"sync"
	"testing"
	"time"
)

type batchCollector struct {
	mu      sync.Mutex
	batches [][]BatchEntry
}

func (c *batchCollector) flush(batch []BatchEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batches = append(c.batches, batch)
}

func (c *batchCollector) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.batches)
}

func TestBatcherFlushesOnCount(t *testing.T) {
	c := &batchCollector{}
	b := NewBatcher(BatcherConfig{Window: time.Hour, MaxCount: 3, MaxBytes: 1 << 20}, c.flush)

	b.Add(BatchEntry{TaskID: "a", DataSizeBytes: 10})
	b.Add(BatchEntry{TaskID: "b", DataSizeBytes: 10})
	if c.count() != 0 {
		t.Fatal("batch flushed before count cap")
	}
	b.Add(BatchEntry{TaskID: "c", DataSizeBytes: 10})
	if c.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", c.count())
	}
	if len(c.batches[0]) != 3 {
		t.Fatalf("expected batch of 3, got %d", len(c.batches[0]))
	}
	if b.PendingCount() != 0 {
		t.Fatalf("expected empty pending after flush, got %d", b.PendingCount())
	}
}

func TestBatcherFlushesOnBytes(t *testing.T) {
	c := &batchCollector{}
	b := NewBatcher(BatcherConfig{Window: time.Hour, MaxCount: 100, MaxBytes: 1000}, c.flush)

	b.Add(BatchEntry{TaskID: "a", DataSizeBytes: 600})
	if c.count() != 0 {
		t.Fatal("batch flushed before byte cap")
	}
	b.Add(BatchEntry{TaskID: "b", DataSizeBytes: 600})
	if c.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", c.count())
	}
}

func TestBatcherFlushesOnWindow(t *testing.T) {
	c := &batchCollector{}
	b := NewBatcher(BatcherConfig{Window: 20 * time.Millisecond, MaxCount: 100, MaxBytes: 1 << 20}, c.flush)

	b.Add(BatchEntry{TaskID: "a", DataSizeBytes: 10})

	deadline := time.Now().Add(2 * time.Second)
	for c.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if c.count() != 1 {
		t.Fatal("window timer did not flush the batch")
	}
	if got := c.batches[0]; len(got) != 1 || got[0].TaskID != "a" {
		t.Fatalf("unexpected batch: %+v", got)
	}
}

func TestBatcherManualFlushAndStop(t *testing.T) {
	c := &batchCollector{}
	b := NewBatcher(BatcherConfig{Window: time.Hour, MaxCount: 100, MaxBytes: 1 << 20}, c.flush)

	b.Flush()
	if c.count() != 0 {
		t.Fatal("empty flush should be a no-op")
	}

	b.Add(BatchEntry{TaskID: "a", DataSizeBytes: 10})
	b.Flush()
	if c.count() != 1 {
		t.Fatalf("expected 1 flush, got %d", c.count())
	}

	b.Add(BatchEntry{TaskID: "b", DataSizeBytes: 10})
	b.Stop()
	if c.count() != 2 {
		t.Fatalf("stop should flush pending work, got %d flushes", c.count())
	}

	// After Stop entries pass straight through.
	b.Add(BatchEntry{TaskID: "c", DataSizeBytes: 10})
	if c.count() != 3 {
		t.Fatalf("post-stop add should flush immediately, got %d", c.count())
	}
}
