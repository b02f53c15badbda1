//go:build ignore

// sigkill_chaos is a standalone chaos drill for crash recovery. It builds
// the daemon binary, starts it, inserts tasks directly into SQLite with one
// left mid-flight under a ghost worker, SIGKILLs the daemon, restarts it,
// and verifies that:
//   - The database is not corrupted (opens and passes integrity_check)
//   - The mid-flight task is recovered away from the dead worker
//   - The queued tasks reload and run to completion after restart
//
// Usage:
//
//	go run ./tools/verify/sigkill_chaos/
package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/ironvale/taskforge/internal/store"
)

const ghostWorker = "chaos-ghost"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "FAIL: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("VERDICT PASS (sigkill_chaos)")
}

func run() error {
	ctx := context.Background()

	// 1. Build the taskforge binary.
	root := moduleRoot()
	binDir, err := os.MkdirTemp("", "sigkill-chaos-bin-*")
	if err != nil {
		return fmt.Errorf("mktemp bin: %w", err)
	}
	defer os.RemoveAll(binDir)
	binPath := filepath.Join(binDir, "taskforge")

	fmt.Println("BUILD taskforge binary...")
	build := exec.Command("go", "build", "-o", binPath, "./cmd/taskforge")
	build.Dir = root
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		return fmt.Errorf("build binary: %w", err)
	}

	// 2. Create a temp TASKFORGE_HOME with minimal config.
	home, err := os.MkdirTemp("", "sigkill-chaos-home-*")
	if err != nil {
		return fmt.Errorf("mktemp home: %w", err)
	}
	defer os.RemoveAll(home)

	addr := pickFreeAddr()
	configYAML := fmt.Sprintf("bind_addr: %q\nworker_count: 1\ntask_timeout_seconds: 600\n", addr)
	if err := os.WriteFile(filepath.Join(home, "config.yaml"), []byte(configYAML), 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}

	daemonEnv := append(os.Environ(), "TASKFORGE_HOME="+home)

	// 3. Start the daemon.
	fmt.Println("START daemon (first run)...")
	daemon := exec.Command(binPath)
	daemon.Env = daemonEnv
	daemon.Stdout = os.Stdout
	daemon.Stderr = os.Stderr
	if err := daemon.Start(); err != nil {
		return fmt.Errorf("start daemon: %w", err)
	}

	// 4. Wait for healthy.
	fmt.Println("WAIT for /healthz...")
	if err := waitHealthy(addr, 15*time.Second); err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY")

	// 5. Insert tasks out of band and leave one mid-flight under a ghost
	// worker the daemon has never heard of.
	dbPath := filepath.Join(home, "taskforge.db")
	st, err := store.Open(dbPath, nil)
	if err != nil {
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("open store: %w", err)
	}

	var queuedIDs []string
	var flightID string
	for i := 0; i < 3; i++ {
		task, err := st.EnqueueTask(ctx, store.TaskSpec{
			TaskType:  "drill.chaos",
			Handler:   "builtin.echo",
			Origin:    store.OriginInternal,
			Payload:   fmt.Sprintf(`{"content":"chaos-task-%d"}`, i),
			SizeClass: "tiny",
			SLAMS:     600_000,
		})
		if err != nil {
			st.Close()
			_ = daemon.Process.Kill()
			_ = daemon.Wait()
			return fmt.Errorf("enqueue task %d: %w", i, err)
		}
		fmt.Printf("CREATED task %s\n", task.ID)
		if i == 0 {
			flightID = task.ID
		} else {
			queuedIDs = append(queuedIDs, task.ID)
		}
	}
	if err := st.MarkAssigned(ctx, flightID, ghostWorker, 1); err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("assign: %w", err)
	}
	if err := st.MarkRunning(ctx, flightID, ghostWorker, 1); err != nil {
		st.Close()
		_ = daemon.Process.Kill()
		_ = daemon.Wait()
		return fmt.Errorf("run: %w", err)
	}
	fmt.Printf("RUNNING task %s (worker=%s)\n", flightID, ghostWorker)
	st.Close()

	// 6. SIGKILL the daemon.
	fmt.Println("SIGKILL daemon...")
	if err := daemon.Process.Signal(syscall.SIGKILL); err != nil {
		return fmt.Errorf("sigkill: %w", err)
	}
	_ = daemon.Wait()
	fmt.Println("DAEMON killed")

	// Brief pause to ensure the port is released.
	time.Sleep(500 * time.Millisecond)

	// 7. Restart the daemon.
	fmt.Println("RESTART daemon (second run)...")
	daemon2 := exec.Command(binPath)
	daemon2.Env = daemonEnv
	daemon2.Stdout = os.Stdout
	daemon2.Stderr = os.Stderr
	if err := daemon2.Start(); err != nil {
		return fmt.Errorf("restart daemon: %w", err)
	}
	defer func() {
		_ = daemon2.Process.Signal(os.Interrupt)
		done := make(chan struct{})
		go func() { _ = daemon2.Wait(); close(done) }()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			_ = daemon2.Process.Kill()
			_ = daemon2.Wait()
		}
	}()

	if err := waitHealthy(addr, 15*time.Second); err != nil {
		return fmt.Errorf("restarted daemon not healthy: %w", err)
	}
	fmt.Println("HEALTHY (after restart)")

	// 8. Verify DB integrity and recovery.
	st2, err := store.Open(dbPath, nil)
	if err != nil {
		return fmt.Errorf("reopen store after kill: %w", err)
	}
	defer st2.Close()

	recovered, err := st2.GetTask(ctx, flightID)
	if err != nil {
		return fmt.Errorf("get recovered task: %w", err)
	}
	fmt.Printf("RECOVERED task %s status=%s worker=%q\n", recovered.ID, recovered.Status, recovered.WorkerID)
	if recovered.WorkerID == ghostWorker {
		return fmt.Errorf("task %s still owned by dead worker %s", flightID, ghostWorker)
	}
	if recovered.Status.IsTerminal() && recovered.Status != store.TaskStatusCompleted {
		return fmt.Errorf("task %s ended %s instead of being recovered", flightID, recovered.Status)
	}
	events, err := st2.ListTaskEvents(ctx, flightID, 50)
	if err != nil {
		return fmt.Errorf("list events: %w", err)
	}
	sawRecovery := false
	for _, ev := range events {
		if ev.EventType == "task.recovered" {
			sawRecovery = true
		}
	}
	if !sawRecovery {
		return fmt.Errorf("task %s has no recovery event", flightID)
	}

	// The restarted daemon reloads the queue, so the untouched tasks must
	// finish on their own.
	fmt.Println("WAIT for queued tasks to complete after reload...")
	deadline := time.Now().Add(20 * time.Second)
	for _, id := range queuedIDs {
		for {
			task, err := st2.GetTask(ctx, id)
			if err != nil {
				return fmt.Errorf("get task %s: %w", id, err)
			}
			if task.Status == store.TaskStatusCompleted {
				fmt.Printf("COMPLETED task %s\n", id)
				break
			}
			if time.Now().After(deadline) {
				return fmt.Errorf("task %s stuck at %s after restart", id, task.Status)
			}
			time.Sleep(200 * time.Millisecond)
		}
	}

	var integrityResult string
	if err := st2.DB().QueryRowContext(ctx, "PRAGMA integrity_check;").Scan(&integrityResult); err != nil {
		return fmt.Errorf("integrity check: %w", err)
	}
	fmt.Printf("INTEGRITY_CHECK=%s\n", integrityResult)
	if integrityResult != "ok" {
		return fmt.Errorf("DB integrity check failed: %s", integrityResult)
	}

	fmt.Println("ALL CHECKS PASSED")
	return nil
}

func moduleRoot() string {
	out, err := exec.Command("go", "env", "GOMOD").Output()
	if err != nil {
		fmt.Fprintf(os.Stderr, "go env GOMOD: %v\n", err)
		os.Exit(1)
	}
	gomod := strings.TrimSpace(string(out))
	if gomod == "" || gomod == os.DevNull {
		fmt.Fprintln(os.Stderr, "go env GOMOD returned empty; expected path to go.mod")
		os.Exit(1)
	}
	return filepath.Dir(gomod)
}

func pickFreeAddr() string {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		fmt.Fprintf(os.Stderr, "pick free addr: %v\n", err)
		os.Exit(1)
	}
	addr := ln.Addr().String()
	_ = ln.Close()
	return addr
}

func waitHealthy(addr string, timeout time.Duration) error {
	url := fmt.Sprintf("http://%s/healthz", addr)
	deadline := time.Now().Add(timeout)
	client := &http.Client{Timeout: 2 * time.Second}
	for time.Now().Before(deadline) {
		resp, err := client.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return nil
			}
		}
		time.Sleep(200 * time.Millisecond)
	}
	return fmt.Errorf("healthz at %s not OK after %v", addr, timeout)
}
