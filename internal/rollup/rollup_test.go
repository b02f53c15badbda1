package rollup

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

func openTestStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "taskforge.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })
	return st
}

func finishTask(t *testing.T, st *store.Store, taskType string, fail bool) *store.Task {
	t.Helper()
	ctx := context.Background()
	task, err := st.EnqueueTask(ctx, store.TaskSpec{
		TaskType:      taskType,
		Handler:       "builtin.echo",
		Origin:        store.OriginUserRequest,
		Priority:      store.PriorityNormal,
		DataSizeBytes: 64,
		SizeClass:     "tiny",
		SLAMS:         60_000,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if err := st.MarkAssigned(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("assign: %v", err)
	}
	if err := st.MarkRunning(ctx, task.ID, "worker-1", 1); err != nil {
		t.Fatalf("run: %v", err)
	}
	var done *store.Task
	if fail {
		done, err = st.FailTask(ctx, task.ID, "worker-1", 1, "boom", store.ErrorKindNonretryable, 20)
	} else {
		done, err = st.CompleteTask(ctx, task.ID, "worker-1", 1, "{}", 10)
	}
	if err != nil {
		t.Fatalf("finish: %v", err)
	}
	return done
}

func sample(taskType string, status store.TaskStatus, slaMet bool, attempt int, execMS int64) store.FinishedTaskSample {
	return store.FinishedTaskSample{
		TaskType:      taskType,
		Status:        status,
		SLAMet:        slaMet,
		AttemptNumber: attempt,
		ExecutionMS:   execMS,
		FinishedAt:    time.Now().UTC(),
	}
}

func TestBuildMetricsGroupsPerType(t *testing.T) {
	bucket := time.Date(2026, 8, 21, 14, 0, 0, 0, time.UTC)
	samples := []store.FinishedTaskSample{
		sample("analysis.scan", store.TaskStatusCompleted, true, 1, 100),
		sample("analysis.scan", store.TaskStatusFailed, false, 2, 300),
		sample("analysis.scan", store.TaskStatusTimeout, false, 1, 200),
		sample("report.build", store.TaskStatusCompleted, true, 1, 50),
	}

	metrics := buildMetrics(bucket, samples)
	if len(metrics) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(metrics))
	}

	scan := metrics[0]
	if scan.TaskType != "analysis.scan" {
		t.Fatalf("rows must sort by task type, got %s first", scan.TaskType)
	}
	if scan.Volume != 3 || scan.Completed != 1 || scan.Failed != 1 || scan.TimedOut != 1 {
		t.Fatalf("unexpected status counts: %+v", scan)
	}
	if scan.Retried != 1 || scan.SLAMetCount != 1 {
		t.Fatalf("unexpected retry/sla counts: %+v", scan)
	}
	if scan.P50MS != 200 || scan.P95MS != 300 || scan.P99MS != 300 {
		t.Fatalf("unexpected percentiles: %+v", scan)
	}
	if scan.AvgMS != 200 {
		t.Fatalf("unexpected average: %v", scan.AvgMS)
	}
	if scan.BucketStart != bucket {
		t.Fatalf("bucket start must carry through, got %v", scan.BucketStart)
	}

	report := metrics[1]
	if report.Volume != 1 || report.Completed != 1 || report.P50MS != 50 {
		t.Fatalf("unexpected second row: %+v", report)
	}
}

func TestPercentileNearestRank(t *testing.T) {
	ten := []int64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100}
	hundred := make([]int64, 100)
	for i := range hundred {
		hundred[i] = int64(i + 1)
	}

	cases := []struct {
		name   string
		sorted []int64
		p      float64
		want   int64
	}{
		{"p50 of 10", ten, 0.50, 50},
		{"p95 of 10", ten, 0.95, 100},
		{"p99 of 10", ten, 0.99, 100},
		{"p50 of 100", hundred, 0.50, 50},
		{"p95 of 100", hundred, 0.95, 95},
		{"p99 of 100", hundred, 0.99, 99},
		{"single sample", []int64{7}, 0.99, 7},
		{"empty", nil, 0.50, 0},
	}
	for _, tc := range cases {
		if got := percentile(tc.sorted, tc.p); got != tc.want {
			t.Errorf("%s: got %d, want %d", tc.name, got, tc.want)
		}
	}
}

func TestRollBucketIsIdempotent(t *testing.T) {
	st := openTestStore(t)
	agg := New(Config{Store: st})
	ctx := context.Background()

	finished := []*store.Task{
		finishTask(t, st, "analysis.scan", false),
		finishTask(t, st, "analysis.scan", false),
		finishTask(t, st, "analysis.scan", true),
	}

	buckets := make(map[time.Time]struct{})
	for _, task := range finished {
		buckets[task.FinishedAt.UTC().Truncate(time.Hour)] = struct{}{}
	}
	roll := func() {
		for bucket := range buckets {
			if err := agg.RollBucket(ctx, bucket); err != nil {
				t.Fatalf("roll bucket: %v", err)
			}
		}
	}

	roll()
	roll()

	rows, err := st.ListHourlyMetrics(ctx, "analysis.scan", time.Now().UTC().Add(-3*time.Hour), 10)
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	var volume, completed, failed int64
	for _, row := range rows {
		volume += row.Volume
		completed += row.Completed
		failed += row.Failed
	}
	if volume != 3 || completed != 2 || failed != 1 {
		t.Fatalf("re-rolling must not double count: volume=%d completed=%d failed=%d", volume, completed, failed)
	}
}

func TestCycleCoversRecentClosedBuckets(t *testing.T) {
	st := openTestStore(t)
	agg := New(Config{Store: st})
	ctx := context.Background()

	done := finishTask(t, st, "analysis.scan", false)

	// Pretend the clock moved past the bucket close so the cycle picks the
	// task's hour up as a closed bucket.
	at := done.FinishedAt.UTC().Add(65 * time.Minute)
	agg.now = func() time.Time { return at }

	if err := agg.Cycle(ctx); err != nil {
		t.Fatalf("cycle: %v", err)
	}

	rows, err := st.ListHourlyMetrics(ctx, "analysis.scan", done.FinishedAt.UTC().Add(-2*time.Hour), 10)
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(rows) != 1 || rows[0].Volume != 1 || rows[0].Completed != 1 {
		t.Fatalf("expected the finished task rolled up, got %+v", rows)
	}
}

func TestEmptyBucketWritesNoRows(t *testing.T) {
	st := openTestStore(t)
	agg := New(Config{Store: st})
	ctx := context.Background()

	if err := agg.RollBucket(ctx, time.Now().UTC().Add(-48*time.Hour)); err != nil {
		t.Fatalf("roll bucket: %v", err)
	}
	rows, err := st.ListHourlyMetrics(ctx, "", time.Now().UTC().Add(-72*time.Hour), 10)
	if err != nil {
		t.Fatalf("list metrics: %v", err)
	}
	if len(rows) != 0 {
		t.Fatalf("empty buckets must write nothing, got %+v", rows)
	}
}
