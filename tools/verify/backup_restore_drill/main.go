package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

const seededTasks = 40

func main() {
	ctx := context.Background()
	baseDir, err := os.MkdirTemp("", "taskforge-backup-drill-*")
	if err != nil {
		fmt.Printf("mktemp_error=%v\n", err)
		os.Exit(1)
	}
	defer os.RemoveAll(baseDir)

	dbPath := filepath.Join(baseDir, "taskforge.db")
	backupPath := filepath.Join(baseDir, "backup.db")
	restorePath := filepath.Join(baseDir, "restore.db")

	st, err := store.Open(dbPath, nil)
	if err != nil {
		fmt.Printf("open_store_error=%v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	for i := 0; i < seededTasks; i++ {
		task, err := st.EnqueueTask(ctx, store.TaskSpec{
			TaskType:  "drill.backup",
			Handler:   "builtin.echo",
			Origin:    store.OriginInternal,
			Payload:   fmt.Sprintf(`{"content":"backup-%d"}`, i),
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
		if _, err := st.CompleteTask(ctx, task.ID, "drill-worker", 1, `{"reply":"ok"}`, 5); err != nil {
			fmt.Printf("complete_error=%v\n", err)
			os.Exit(1)
		}
	}

	backupStart := time.Now().UTC()
	if _, err := st.DB().ExecContext(ctx, `VACUUM INTO ?;`, backupPath); err != nil {
		fmt.Printf("backup_error=%v\n", err)
		os.Exit(1)
	}
	backupEnd := time.Now().UTC()

	backupBytes, err := os.ReadFile(backupPath)
	if err != nil {
		fmt.Printf("read_backup_error=%v\n", err)
		os.Exit(1)
	}
	if err := os.WriteFile(restorePath, backupBytes, 0o644); err != nil {
		fmt.Printf("write_restore_error=%v\n", err)
		os.Exit(1)
	}
	restoreStart := time.Now().UTC()
	restored, err := store.Open(restorePath, nil)
	if err != nil {
		fmt.Printf("open_restore_error=%v\n", err)
		os.Exit(1)
	}
	defer restored.Close()
	restoreEnd := time.Now().UTC()

	var tasksCount int
	if err := restored.DB().QueryRowContext(ctx, `SELECT COUNT(1) FROM tasks WHERE status = ?;`, store.TaskStatusCompleted).Scan(&tasksCount); err != nil {
		fmt.Printf("count_tasks_error=%v\n", err)
		os.Exit(1)
	}
	eventCount, err := restored.TotalEventCount(ctx)
	if err != nil {
		fmt.Printf("count_events_error=%v\n", err)
		os.Exit(1)
	}

	rpo := backupEnd.Sub(backupStart)
	rto := restoreEnd.Sub(restoreStart)
	fmt.Printf("backup_started=%s\n", backupStart.Format(time.RFC3339Nano))
	fmt.Printf("backup_completed=%s\n", backupEnd.Format(time.RFC3339Nano))
	fmt.Printf("restore_started=%s\n", restoreStart.Format(time.RFC3339Nano))
	fmt.Printf("restore_completed=%s\n", restoreEnd.Format(time.RFC3339Nano))
	fmt.Printf("rpo_duration=%s\n", rpo)
	fmt.Printf("rto_duration=%s\n", rto)
	fmt.Printf("restored_completed_tasks=%d\n", tasksCount)
	fmt.Printf("restored_task_events=%d\n", eventCount)

	if tasksCount < seededTasks || eventCount == 0 {
		fmt.Println("VERDICT FAIL")
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS")
}
