package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

func main() {
	mode := flag.String("mode", "", "prepare|hold|recover")
	dbPath := flag.String("db", "", "path to sqlite db")
	flag.Parse()

	if *mode == "" || *dbPath == "" {
		fmt.Fprintln(os.Stderr, "mode and db are required")
		os.Exit(2)
	}

	ctx := context.Background()
	st, err := store.Open(*dbPath, nil)
	if err != nil {
		fmt.Fprintf(os.Stderr, "open store: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	switch *mode {
	case "prepare":
		task, err := st.EnqueueTask(ctx, store.TaskSpec{
			TaskType:  "drill.crash",
			Handler:   "builtin.sleep",
			Origin:    store.OriginInternal,
			Payload:   `{"sleep_ms":600000}`,
			SizeClass: "tiny",
			SLAMS:     600_000,
		})
		if err != nil {
			fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("PREPARED_TASK_ID=%s\n", task.ID)
	case "hold":
		queued, err := st.ListByStatus(ctx, store.TaskStatusQueued)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list queued: %v\n", err)
			os.Exit(1)
		}
		if len(queued) == 0 {
			fmt.Fprintln(os.Stderr, "no queued task to claim")
			os.Exit(1)
		}
		task := queued[0]
		if err := st.MarkAssigned(ctx, task.ID, "drill-worker", task.AttemptNumber); err != nil {
			fmt.Fprintf(os.Stderr, "assign: %v\n", err)
			os.Exit(1)
		}
		if err := st.MarkRunning(ctx, task.ID, "drill-worker", task.AttemptNumber); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("CLAIMED_TASK_ID=%s\n", task.ID)
		fmt.Printf("WORKER_ID=%s\n", "drill-worker")
		// Park here until the harness kills the process.
		for {
			time.Sleep(1 * time.Second)
		}
	case "recover":
		recovered, err := st.RecoverInFlight(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "recover in flight: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("RECOVERED=%d\n", recovered)
		stuck, err := st.ListByStatus(ctx, store.TaskStatusAssigned, store.TaskStatusRunning)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list in flight: %v\n", err)
			os.Exit(1)
		}
		queued, err := st.ListByStatus(ctx, store.TaskStatusQueued)
		if err != nil {
			fmt.Fprintf(os.Stderr, "list queued: %v\n", err)
			os.Exit(1)
		}
		for _, task := range queued {
			fmt.Printf("TASK_STATUS id=%s status=%s attempt=%d worker=%q\n", task.ID, task.Status, task.AttemptNumber, task.WorkerID)
		}
		if len(stuck) > 0 {
			for _, task := range stuck {
				fmt.Printf("TASK_STATUS id=%s status=%s attempt=%d worker=%q\n", task.ID, task.Status, task.AttemptNumber, task.WorkerID)
			}
			fmt.Println("VERDICT FAIL: tasks still in flight after recovery")
			os.Exit(1)
		}
		fmt.Println("VERDICT PASS")
	default:
		fmt.Fprintf(os.Stderr, "unknown mode %q\n", *mode)
		os.Exit(2)
	}
}
