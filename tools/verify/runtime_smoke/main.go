package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"
)

// runtime_smoke drives a live daemon through its primary surface: health
// probe, task enqueue, completion polling, event trail, and queue stats.
//
// Usage:
//
//	go run ./tools/verify/runtime_smoke/ -url http://127.0.0.1:18990

type enqueueResponse struct {
	TaskID       string `json:"task_id"`
	Status       string `json:"status"`
	Route        string `json:"route"`
	Reasoning    string `json:"reasoning,omitempty"`
	RetryAfterMS int64  `json:"retry_after_ms,omitempty"`
}

type taskSnapshot struct {
	Task struct {
		ID      string `json:"id"`
		Status  string `json:"status"`
		Result  string `json:"result"`
		Success bool   `json:"success"`
		SLAMet  bool   `json:"sla_met"`
	} `json:"task"`
	Attempts []json.RawMessage `json:"attempts"`
}

type eventTrail struct {
	TaskID string `json:"task_id"`
	Events []struct {
		EventType string `json:"event_type"`
		StateTo   string `json:"state_to"`
	} `json:"events"`
}

func main() {
	base := flag.String("url", "http://127.0.0.1:18990", "gateway base URL")
	token := flag.String("token", "", "bearer token, empty for an open gateway")
	timeout := flag.Duration("timeout", 15*time.Second, "overall timeout")
	flag.Parse()

	client := &smokeClient{
		base:   strings.TrimRight(*base, "/"),
		token:  strings.TrimSpace(*token),
		http:   &http.Client{Timeout: 5 * time.Second},
		expiry: time.Now().Add(*timeout),
	}

	status, _, err := client.get("/healthz")
	if err != nil {
		fatal("healthz probe", err)
	}
	if status != http.StatusOK {
		fatalf("healthz status %d, want 200", status)
	}
	fmt.Println("CHECK healthz ok")

	payload := fmt.Sprintf(`{"probe":"runtime-smoke","at":%q}`, time.Now().UTC().Format(time.RFC3339Nano))
	enqueueBody := map[string]any{
		"task_type": "verify.smoke",
		"handler":   "builtin.echo",
		"origin":    "internal",
		"payload":   json.RawMessage(payload),
		"sla_ms":    60000,
	}
	status, body, err := client.post("/v1/tasks", enqueueBody)
	if err != nil {
		fatal("enqueue", err)
	}
	if status != http.StatusAccepted {
		fatalf("enqueue status %d: %s", status, body)
	}
	var enq enqueueResponse
	if err := json.Unmarshal(body, &enq); err != nil {
		fatal("decode enqueue response", err)
	}
	if enq.TaskID == "" {
		fatalf("enqueue response missing task_id: %s", body)
	}
	fmt.Printf("CHECK enqueued task_id=%s route=%s\n", enq.TaskID, enq.Route)

	var snap taskSnapshot
	for {
		status, body, err = client.get("/v1/tasks/" + enq.TaskID)
		if err != nil {
			fatal("poll task", err)
		}
		if status != http.StatusOK {
			fatalf("poll status %d: %s", status, body)
		}
		if err := json.Unmarshal(body, &snap); err != nil {
			fatal("decode task snapshot", err)
		}
		if snap.Task.Status == "COMPLETED" {
			break
		}
		if snap.Task.Status == "FAILED" || snap.Task.Status == "TIMEOUT" {
			fatalf("task ended %s instead of completing", snap.Task.Status)
		}
		if time.Now().After(client.expiry) {
			fatalf("task stuck at %s", snap.Task.Status)
		}
		time.Sleep(200 * time.Millisecond)
	}
	if !snap.Task.Success {
		fatalf("completed task not marked successful")
	}
	if snap.Task.Result != payload {
		fatalf("result %q does not echo payload", snap.Task.Result)
	}
	if len(snap.Attempts) != 1 {
		fatalf("attempts=%d, want 1", len(snap.Attempts))
	}
	fmt.Printf("CHECK completed sla_met=%v\n", snap.Task.SLAMet)

	status, body, err = client.get("/v1/tasks/" + enq.TaskID + "/events")
	if err != nil {
		fatal("event trail", err)
	}
	if status != http.StatusOK {
		fatalf("event trail status %d: %s", status, body)
	}
	var trail eventTrail
	if err := json.Unmarshal(body, &trail); err != nil {
		fatal("decode event trail", err)
	}
	seen := map[string]bool{}
	for _, ev := range trail.Events {
		seen[ev.EventType] = true
	}
	for _, want := range []string{"task.enqueued", "task.completed"} {
		if !seen[want] {
			fatalf("event trail missing %s: %s", want, body)
		}
	}
	fmt.Printf("CHECK event trail events=%d\n", len(trail.Events))

	status, body, err = client.get("/v1/stats/queues")
	if err != nil {
		fatal("queue stats", err)
	}
	if status != http.StatusOK {
		fatalf("queue stats status %d: %s", status, body)
	}
	if !json.Valid(body) {
		fatalf("queue stats not valid JSON: %s", body)
	}
	fmt.Println("CHECK queue stats ok")

	fmt.Println("VERDICT PASS")
}

type smokeClient struct {
	base   string
	token  string
	http   *http.Client
	expiry time.Time
}

func (c *smokeClient) get(path string) (int, []byte, error) {
	req, err := http.NewRequest(http.MethodGet, c.base+path, nil)
	if err != nil {
		return 0, nil, err
	}
	return c.do(req)
}

func (c *smokeClient) post(path string, body any) (int, []byte, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return 0, nil, err
	}
	req, err := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(raw))
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req)
}

func (c *smokeClient) do(req *http.Request) (int, []byte, error) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, raw, nil
}

func fatal(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func fatalf(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	os.Exit(1)
}
