package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
)

func TestRunEnqueueCommand_MissingType(t *testing.T) {
	code := runEnqueueCommand(context.Background(), nil)
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunEnqueueCommand_InvalidPayload(t *testing.T) {
	code := runEnqueueCommand(context.Background(), []string{"-type", "agent.browse", "-payload", "{not json"})
	if code != 2 {
		t.Fatalf("got exit code %d, want 2", code)
	}
}

func TestRunEnqueueCommand_Accepted(t *testing.T) {
	var seen map[string]any
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/tasks" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&seen); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{
			"task_id": "task-123",
			"status":  "QUEUED",
			"route":   "standard",
		})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runEnqueueCommand(context.Background(), []string{
		"-type", "agent.browse",
		"-priority", "high",
		"-origin", "agent-7",
		"-payload", `{"url":"https://example.com"}`,
		"-sla-ms", "60000",
	})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}

	if seen["task_type"] != "agent.browse" {
		t.Fatalf("task_type not sent: %v", seen)
	}
	if seen["priority"] != "high" || seen["origin"] != "agent-7" {
		t.Fatalf("optional fields not sent: %v", seen)
	}
	if seen["sla_ms"] != float64(60000) {
		t.Fatalf("sla_ms not sent: %v", seen)
	}
	if _, ok := seen["max_attempts"]; ok {
		t.Fatal("zero max_attempts should be omitted")
	}
}

func TestRunEnqueueCommand_Saturated(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(map[string]string{"error": "queue saturated"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runEnqueueCommand(context.Background(), []string{"-type", "agent.browse"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunEnqueueCommand_Rejected(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		json.NewEncoder(w).Encode(map[string]string{"error": "task_type is required"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	code := runEnqueueCommand(context.Background(), []string{"-type", "agent.browse"})
	if code != 1 {
		t.Fatalf("got exit code %d, want 1", code)
	}
}

func TestRunEnqueueCommand_SendsAuthToken(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("got auth header %q, want bearer token", got)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t1", "status": "QUEUED", "route": "standard"})
	}))
	defer ts.Close()

	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	yaml := "bind_addr: \"" + ts.Listener.Addr().String() + "\"\nauth_token: \"sekrit\"\n"
	if err := os.WriteFile(home+"/config.yaml", []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	code := runEnqueueCommand(context.Background(), []string{"-type", "agent.browse"})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}

func TestRunEnqueueCommand_PayloadFromFile(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		payload, _ := body["payload"].(map[string]any)
		if payload["kind"] != "from-file" {
			t.Errorf("payload not read from file: %v", body)
		}
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(map[string]any{"task_id": "t1", "status": "QUEUED", "route": "standard"})
	}))
	defer ts.Close()

	setTestConfig(t, ts.Listener.Addr().String())

	path := t.TempDir() + "/payload.json"
	if err := os.WriteFile(path, []byte(`{"kind":"from-file"}`), 0o600); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	code := runEnqueueCommand(context.Background(), []string{"-type", "agent.browse", "-payload", "@" + path})
	if code != 0 {
		t.Fatalf("got exit code %d, want 0", code)
	}
}
