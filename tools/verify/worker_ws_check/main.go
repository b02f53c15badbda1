package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

type workerFrame struct {
	Type    string        `json:"type"`
	Report  *statusReport `json:"report,omitempty"`
	Profile *profileFrame `json:"profile,omitempty"`
}

type statusReport struct {
	TaskID        string    `json:"task_id"`
	Status        string    `json:"status"`
	WorkerID      string    `json:"worker_id"`
	AttemptNumber int       `json:"attempt_number"`
	Timestamp     time.Time `json:"timestamp"`
	Progress      float64   `json:"progress,omitempty"`
}

type profileFrame struct {
	ID            string   `json:"id,omitempty"`
	Class         string   `json:"class,omitempty"`
	MaxConcurrent int      `json:"max_concurrent"`
	MaxDataBytes  int64    `json:"max_data_bytes"`
	Preferred     []string `json:"preferred,omitempty"`
}

func mustJSON(v interface{}) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("<marshal-error:%v>", err)
	}
	return string(b)
}

func main() {
	url := flag.String("url", "ws://127.0.0.1:18990/v1/worker/ws", "worker websocket endpoint")
	timeout := flag.Duration("timeout", 8*time.Second, "overall timeout")
	token := flag.String("token", "", "bearer token expected by the gateway")
	workerID := flag.String("worker", "verify-fleet-1", "worker id to register")
	flag.Parse()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	if strings.TrimSpace(*token) == "" {
		fmt.Fprintln(os.Stderr, "token is required")
		os.Exit(2)
	}
	authHeader := http.Header{
		"Authorization": []string{"Bearer " + strings.TrimSpace(*token)},
	}

	fullURL := *url + "?worker_id=" + *workerID

	_, unauthResp, unauthErr := websocket.Dial(ctx, fullURL, nil)
	if unauthErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing-auth dial to fail but it succeeded")
		os.Exit(1)
	}
	if unauthResp == nil || unauthResp.StatusCode != http.StatusUnauthorized {
		fmt.Fprintf(os.Stderr, "expected 401 for missing auth, got response=%v err=%v\n", unauthResp, unauthErr)
		os.Exit(1)
	}
	fmt.Printf("AUTH_CHECK missing token rejected status=%d\n", unauthResp.StatusCode)

	_, anonResp, anonErr := websocket.Dial(ctx, *url, &websocket.DialOptions{HTTPHeader: authHeader})
	if anonErr == nil {
		fmt.Fprintln(os.Stderr, "expected missing worker_id dial to fail but it succeeded")
		os.Exit(1)
	}
	if anonResp == nil || anonResp.StatusCode != http.StatusBadRequest {
		fmt.Fprintf(os.Stderr, "expected 400 for missing worker_id, got response=%v err=%v\n", anonResp, anonErr)
		os.Exit(1)
	}
	fmt.Printf("IDENTITY_CHECK missing worker_id rejected status=%d\n", anonResp.StatusCode)

	conn, _, err := websocket.Dial(ctx, fullURL, &websocket.DialOptions{HTTPHeader: authHeader})
	if err != nil {
		fmt.Fprintf(os.Stderr, "authorized dial failed: %v\n", err)
		os.Exit(1)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")
	fmt.Println("CONNECTED", fullURL)

	register := workerFrame{
		Type: "register",
		Profile: &profileFrame{
			ID:            *workerID,
			Class:         "standard",
			MaxConcurrent: 2,
			MaxDataBytes:  64 << 20,
			Preferred:     []string{"tiny", "small"},
		},
	}
	fmt.Printf(">> %s\n", mustJSON(register))
	if err := wsjson.Write(ctx, conn, register); err != nil {
		fmt.Fprintf(os.Stderr, "register write failed: %v\n", err)
		os.Exit(1)
	}

	report := workerFrame{
		Type: "report",
		Report: &statusReport{
			TaskID:        "00000000-0000-0000-0000-000000000000",
			Status:        "heartbeat",
			WorkerID:      *workerID,
			AttemptNumber: 1,
			Timestamp:     time.Now().UTC(),
			Progress:      0.5,
		},
	}
	fmt.Printf(">> %s\n", mustJSON(report))
	if err := wsjson.Write(ctx, conn, report); err != nil {
		fmt.Fprintf(os.Stderr, "report write failed: %v\n", err)
		os.Exit(1)
	}

	// Ping forces a full round trip, proving the server kept the channel
	// open after both frames.
	if err := conn.Ping(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "ping failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Println("PING_OK")

	fmt.Println("VERDICT PASS")
}
