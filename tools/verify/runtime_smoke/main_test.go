package main

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestSmokeClientAuthHeader(t *testing.T) {
	var gotAuth, gotType string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"task_id":"t1"}`))
	}))
	defer ts.Close()

	client := &smokeClient{base: ts.URL, token: "sekrit", http: ts.Client(), expiry: time.Now().Add(time.Minute)}
	status, body, err := client.post("/v1/tasks", map[string]any{"task_type": "verify.smoke"})
	if err != nil {
		t.Fatalf("post: %v", err)
	}
	if status != http.StatusAccepted {
		t.Fatalf("status = %d", status)
	}
	if string(body) != `{"task_id":"t1"}` {
		t.Fatalf("body = %s", body)
	}
	if gotAuth != "Bearer sekrit" {
		t.Fatalf("authorization = %q", gotAuth)
	}
	if gotType != "application/json" {
		t.Fatalf("content type = %q", gotType)
	}
}

func TestSmokeClientOmitsEmptyToken(t *testing.T) {
	var sawAuth bool
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, sawAuth = r.Header["Authorization"]
		w.WriteHeader(http.StatusOK)
	}))
	defer ts.Close()

	client := &smokeClient{base: ts.URL, http: ts.Client(), expiry: time.Now().Add(time.Minute)}
	if _, _, err := client.get("/healthz"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if sawAuth {
		t.Fatal("authorization header sent with empty token")
	}
}
