package main

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

const (
	maxEvents = 64
	maxLogs   = 32
)

type bundle struct {
	TaskID      string            `json:"task_id"`
	ExportedAt  time.Time         `json:"exported_at"`
	ConfigHash  string            `json:"config_hash"`
	EventCount  int               `json:"event_count"`
	LogCount    int               `json:"log_count"`
	Task        *store.Task       `json:"task"`
	Attempts    []store.Attempt   `json:"attempts"`
	Events      []store.TaskEvent `json:"events"`
	RedactedLog []string          `json:"redacted_logs"`
}

func main() {
	ctx := context.Background()
	home, err := os.MkdirTemp("", "taskforge-incident-export-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(home)

	logDir := filepath.Join(home, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		fmt.Printf("mkdir_logs_error=%v\n", err)
		os.Exit(1)
	}

	cfgPath := filepath.Join(home, "config.yaml")
	cfgBody := []byte("worker_count: 1\nbind_addr: \"127.0.0.1:18990\"\nlog_level: \"info\"\n")
	if err := os.WriteFile(cfgPath, cfgBody, 0o644); err != nil {
		fmt.Printf("write_config_error=%v\n", err)
		os.Exit(1)
	}
	logPath := filepath.Join(logDir, "taskforge.jsonl")
	logLines := []string{
		`{"timestamp":"2026-02-11T00:00:00Z","level":"INFO","msg":"startup phase","component":"runtime","trace_id":"-"}`,
		`{"timestamp":"2026-02-11T00:00:01Z","level":"WARN","msg":"api token used","token":"[REDACTED]","trace_id":"abc"}`,
		`{"timestamp":"2026-02-11T00:00:02Z","level":"ERROR","msg":"task failed","trace_id":"abc","task_id":"t1"}`,
	}
	if err := os.WriteFile(logPath, []byte(strings.Join(logLines, "\n")+"\n"), 0o644); err != nil {
		fmt.Printf("write_log_error=%v\n", err)
		os.Exit(1)
	}

	dbPath := filepath.Join(home, "taskforge.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	// Seed background traffic plus one failing task, the incident under
	// investigation.
	for i := 0; i < 5; i++ {
		task, err := st.EnqueueTask(ctx, store.TaskSpec{
			TaskType:  "drill.background",
			Handler:   "builtin.echo",
			Origin:    store.OriginInternal,
			Payload:   fmt.Sprintf(`{"content":"background-%d"}`, i),
			SizeClass: "tiny",
			SLAMS:     60_000,
		})
		if err != nil {
			fmt.Printf("enqueue_error=%v\n", err)
			os.Exit(1)
		}
		if err := st.MarkAssigned(ctx, task.ID, "drill-worker", 1); err != nil {
			fmt.Printf("assign_error=%v\n", err)
			os.Exit(1)
		}
		if err := st.MarkRunning(ctx, task.ID, "drill-worker", 1); err != nil {
			fmt.Printf("run_error=%v\n", err)
			os.Exit(1)
		}
		if _, err := st.CompleteTask(ctx, task.ID, "drill-worker", 1, `{"reply":"ok"}`, 4); err != nil {
			fmt.Printf("complete_error=%v\n", err)
			os.Exit(1)
		}
	}

	incident, err := st.EnqueueTask(ctx, store.TaskSpec{
		TaskType:    "drill.incident",
		Handler:     "report.generate",
		Origin:      store.OriginExternalAPI,
		Payload:     `{"report":"quarterly"}`,
		SizeClass:   "small",
		MaxAttempts: 2,
		SLAMS:       30_000,
	})
	if err != nil {
		fmt.Printf("enqueue_incident_error=%v\n", err)
		os.Exit(1)
	}
	if err := st.MarkAssigned(ctx, incident.ID, "drill-worker", 1); err != nil {
		fmt.Printf("assign_incident_error=%v\n", err)
		os.Exit(1)
	}
	if err := st.MarkRunning(ctx, incident.ID, "drill-worker", 1); err != nil {
		fmt.Printf("run_incident_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := st.FailTask(ctx, incident.ID, "drill-worker", 1, "upstream 502", store.ErrorKindTransient, 210); err != nil {
		fmt.Printf("fail_incident_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := st.ScheduleRetry(ctx, incident.ID, 1, 0, "transient failure"); err != nil {
		fmt.Printf("retry_incident_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := st.ReleaseDueRetries(ctx); err != nil {
		fmt.Printf("release_retry_error=%v\n", err)
		os.Exit(1)
	}
	if err := st.MarkAssigned(ctx, incident.ID, "drill-worker", 2); err != nil {
		fmt.Printf("assign_retry_error=%v\n", err)
		os.Exit(1)
	}
	if err := st.MarkRunning(ctx, incident.ID, "drill-worker", 2); err != nil {
		fmt.Printf("run_retry_error=%v\n", err)
		os.Exit(1)
	}
	if _, err := st.FailTask(ctx, incident.ID, "drill-worker", 2, "upstream 502", store.ErrorKindTransient, 245); err != nil {
		fmt.Printf("fail_retry_error=%v\n", err)
		os.Exit(1)
	}

	task, err := st.GetTask(ctx, incident.ID)
	if err != nil {
		fmt.Printf("get_incident_error=%v\n", err)
		os.Exit(1)
	}
	attempts, err := st.ListAttempts(ctx, incident.ID)
	if err != nil {
		fmt.Printf("list_attempts_error=%v\n", err)
		os.Exit(1)
	}
	events, err := st.ListTaskEvents(ctx, incident.ID, maxEvents)
	if err != nil {
		fmt.Printf("list_events_error=%v\n", err)
		os.Exit(1)
	}
	logs, err := tailLines(logPath, maxLogs)
	if err != nil {
		fmt.Printf("tail_logs_error=%v\n", err)
		os.Exit(1)
	}
	cfgHash, err := sha256File(cfgPath)
	if err != nil {
		fmt.Printf("config_hash_error=%v\n", err)
		os.Exit(1)
	}

	b := bundle{
		TaskID:      incident.ID,
		ExportedAt:  time.Now().UTC(),
		ConfigHash:  cfgHash,
		EventCount:  len(events),
		LogCount:    len(logs),
		Task:        task,
		Attempts:    attempts,
		Events:      events,
		RedactedLog: logs,
	}

	bundlePath := filepath.Join(home, "incident_bundle.json")
	encoded, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		fmt.Printf("marshal_bundle_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(bundlePath, encoded, 0o644); err != nil {
		fmt.Printf("write_bundle_error=%v\n", err)
		os.Exit(1)
	}

	fmt.Printf("bundle_path=%s\n", bundlePath)
	fmt.Printf("config_hash=%s\n", cfgHash)
	fmt.Printf("events=%d max_events=%d\n", len(events), maxEvents)
	fmt.Printf("logs=%d max_logs=%d\n", len(logs), maxLogs)
	fmt.Printf("attempts=%d\n", len(attempts))
	if len(events) == 0 || len(logs) == 0 || len(events) > maxEvents || len(logs) > maxLogs {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	if task.Status != store.TaskStatusFailed || len(attempts) != 2 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}

func tailLines(path string, limit int) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	if limit <= 0 {
		limit = 1
	}
	lines := make([]string, 0, limit)
	s := bufio.NewScanner(f)
	for s.Scan() {
		line := strings.TrimSpace(s.Text())
		if line == "" {
			continue
		}
		lines = append(lines, line)
		if len(lines) > limit {
			lines = lines[1:]
		}
	}
	if err := s.Err(); err != nil {
		return nil, err
	}
	return lines, nil
}

func sha256File(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(b)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}
