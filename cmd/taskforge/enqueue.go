package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/ironvale/taskforge/internal/config"
)

func runEnqueueCommand(ctx context.Context, args []string) int {
	fs := flag.NewFlagSet("enqueue", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)
	taskType := fs.String("type", "", "task type, e.g. agent.browse (required)")
	handler := fs.String("handler", "", "handler name, defaults to the task type")
	payload := fs.String("payload", "", "JSON payload, or @file to read one")
	priority := fs.String("priority", "", "critical|high|normal|low")
	origin := fs.String("origin", "", "origin agent id")
	domain := fs.String("domain", "", "arbitration domain")
	sizeBytes := fs.Int64("size", 0, "declared payload size in bytes")
	slaMS := fs.Int64("sla-ms", 0, "completion deadline in milliseconds")
	maxAttempts := fs.Int("max-attempts", 0, "retry budget, 0 uses the server default")
	intentID := fs.String("intent", "", "intent id to attribute the task to")
	parentID := fs.String("parent", "", "parent task id")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if *taskType == "" {
		fmt.Fprintln(os.Stderr, "usage: taskforge enqueue -type <task_type> [flags]")
		fs.PrintDefaults()
		return 2
	}

	raw := strings.TrimSpace(*payload)
	if strings.HasPrefix(raw, "@") {
		data, err := os.ReadFile(raw[1:])
		if err != nil {
			fmt.Fprintf(os.Stderr, "read payload: %v\n", err)
			return 1
		}
		raw = string(data)
	}
	if raw != "" && !json.Valid([]byte(raw)) {
		fmt.Fprintln(os.Stderr, "payload must be valid JSON")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load: %v\n", err)
		return 1
	}

	body := map[string]any{"task_type": *taskType}
	if *handler != "" {
		body["handler"] = *handler
	}
	if raw != "" {
		body["payload"] = json.RawMessage(raw)
	}
	if *priority != "" {
		body["priority"] = *priority
	}
	if *origin != "" {
		body["origin"] = *origin
	}
	if *domain != "" {
		body["domain"] = *domain
	}
	if *sizeBytes > 0 {
		body["data_size_bytes"] = *sizeBytes
	}
	if *slaMS > 0 {
		body["sla_ms"] = *slaMS
	}
	if *maxAttempts > 0 {
		body["max_attempts"] = *maxAttempts
	}
	if *intentID != "" {
		body["intent_id"] = *intentID
	}
	if *parentID != "" {
		body["parent_task_id"] = *parentID
	}

	encoded, err := json.Marshal(body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode request: %v\n", err)
		return 1
	}

	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, gatewayBaseURL(cfg)+"/v1/tasks", bytes.NewReader(encoded))
	if err != nil {
		fmt.Fprintf(os.Stderr, "request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/json")
	if cfg.AuthToken != "" {
		req.Header.Set("Authorization", "Bearer "+cfg.AuthToken)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "enqueue: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	var out struct {
		TaskID       string `json:"task_id"`
		Status       string `json:"status"`
		Route        string `json:"route"`
		Reasoning    string `json:"reasoning"`
		RetryAfterMS int64  `json:"retry_after_ms"`
		Error        string `json:"error"`
	}
	respBody, _ := io.ReadAll(resp.Body)

	if resp.StatusCode == http.StatusTooManyRequests {
		if after := resp.Header.Get("Retry-After"); after != "" {
			fmt.Fprintf(os.Stderr, "queue saturated, retry in %ss\n", after)
		} else {
			fmt.Fprintln(os.Stderr, "queue saturated, retry later")
		}
		return 1
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if json.Unmarshal(respBody, &out) == nil && out.Error != "" {
			fmt.Fprintf(os.Stderr, "enqueue rejected: %s\n", out.Error)
		} else {
			fmt.Fprintf(os.Stderr, "enqueue rejected: %s\n", strings.TrimSpace(string(respBody)))
		}
		return 1
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		fmt.Fprintf(os.Stderr, "decode response: %v\n", err)
		return 1
	}

	fmt.Printf("task %s %s route=%s\n", out.TaskID, strings.ToLower(out.Status), out.Route)
	if out.RetryAfterMS > 0 {
		fmt.Printf("  deferred %dms\n", out.RetryAfterMS)
	}
	if out.Reasoning != "" {
		fmt.Printf("  %s\n", out.Reasoning)
	}
	return 0
}
