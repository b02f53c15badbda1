// Package doctor runs the environment diagnostics behind the doctor
// subcommand: configuration, database, policy, schedules, handlers, and
// the gateway port.
package doctor

import (
	"context"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/ironvale/taskforge/internal/config"
	"github.com/ironvale/taskforge/internal/cron"
	"github.com/ironvale/taskforge/internal/notify"
	"github.com/ironvale/taskforge/internal/policy"
	"github.com/ironvale/taskforge/internal/store"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkPermissions,
		checkDatabase,
		checkPolicy,
		checkSchedules,
		checkHandlers,
		checkGateway,
		checkChannels,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	if cfg.NeedsGenesis {
		return CheckResult{
			Name:    "Config",
			Status:  "WARN",
			Message: "config.yaml missing",
			Detail:  "Written with starter schedules on first daemon start",
		}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", config.ConfigPath(cfg.HomeDir))}
}

func checkPermissions(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}

	testFile := filepath.Join(cfg.HomeDir, ".write_test")
	if err := os.WriteFile(testFile, []byte("test"), 0o600); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL", Message: fmt.Sprintf("Home dir unwritable: %v", err)}
	}
	os.Remove(testFile)

	return CheckResult{Name: "Permissions", Status: "PASS", Message: "Home directory writable"}
}

func checkDatabase(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}

	dbPath := filepath.Join(cfg.HomeDir, "taskforge.db")
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return CheckResult{
			Name:    "Database",
			Status:  "WARN",
			Message: "taskforge.db missing",
			Detail:  "Created on first daemon start",
		}
	}

	st, err := store.Open(dbPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Open failed: %v", err)}
	}
	defer st.Close()

	backlog, err := st.CountBacklog(ctx)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL", Message: fmt.Sprintf("Query failed: %v", err)}
	}

	return CheckResult{
		Name:    "Database",
		Status:  "PASS",
		Message: "Connection and schema valid",
		Detail:  fmt.Sprintf("backlog=%d", backlog),
	}
}

func checkPolicy(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Policy", Status: "SKIP", Message: "Config missing"}
	}

	path := filepath.Join(cfg.HomeDir, "policy.yaml")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return CheckResult{Name: "Policy", Status: "PASS", Message: "No policy.yaml (default allow)"}
	}
	p, err := policy.Load(path)
	if err != nil {
		return CheckResult{Name: "Policy", Status: "FAIL", Message: fmt.Sprintf("Parse failed: %v", err)}
	}

	return CheckResult{
		Name:    "Policy",
		Status:  "PASS",
		Message: fmt.Sprintf("Valid (version %s)", policy.NewLivePolicy(p).PolicyVersion()),
		Detail: fmt.Sprintf("default=%s deny_handlers=%d deny_task_types=%d hold_windows=%d",
			strings.ToLower(p.Default), len(p.DenyHandlers), len(p.DenyTaskTypes), len(p.HoldWindows)),
	}
}

func checkSchedules(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "Config missing"}
	}
	if len(cfg.Schedules) == 0 {
		return CheckResult{Name: "Schedules", Status: "SKIP", Message: "No schedules configured"}
	}

	now := time.Now()
	var bad []string
	for _, sc := range cfg.Schedules {
		if _, err := cron.NextRunTime(sc.Spec, now); err != nil {
			bad = append(bad, fmt.Sprintf("%s: %v", sc.Name, err))
		}
	}
	if len(bad) > 0 {
		return CheckResult{
			Name:    "Schedules",
			Status:  "FAIL",
			Message: fmt.Sprintf("%d of %d cron expressions invalid", len(bad), len(cfg.Schedules)),
			Detail:  strings.Join(bad, "; "),
		}
	}

	return CheckResult{Name: "Schedules", Status: "PASS", Message: fmt.Sprintf("%d cron expressions valid", len(cfg.Schedules))}
}

func checkHandlers(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Handlers", Status: "SKIP", Message: "Config missing"}
	}

	dir := strings.TrimSpace(cfg.Workers.HandlersDir)
	if dir == "" {
		dir = "handlers"
	}
	if !filepath.IsAbs(dir) {
		dir = filepath.Join(cfg.HomeDir, dir)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return CheckResult{
				Name:    "Handlers",
				Status:  "WARN",
				Message: fmt.Sprintf("Handler dir missing: %s", dir),
				Detail:  "Created on daemon start; builtin handlers work without it",
			}
		}
		return CheckResult{Name: "Handlers", Status: "FAIL", Message: fmt.Sprintf("Handler dir unreadable: %v", err)}
	}

	count := 0
	for _, ent := range entries {
		if !ent.IsDir() && strings.HasSuffix(strings.ToLower(ent.Name()), ".wasm") {
			count++
		}
	}
	return CheckResult{Name: "Handlers", Status: "PASS", Message: fmt.Sprintf("%d wasm modules in %s", count, dir)}
}

func checkGateway(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || cfg.BindAddr == "" {
		return CheckResult{Name: "Gateway", Status: "SKIP", Message: "Config missing"}
	}

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		return CheckResult{
			Name:    "Gateway",
			Status:  "WARN",
			Message: fmt.Sprintf("Daemon not reachable on %s", cfg.BindAddr),
			Detail:  "Start it with: taskforge",
		}
	}
	conn.Close()

	return CheckResult{Name: "Gateway", Status: "PASS", Message: fmt.Sprintf("Daemon reachable on %s", cfg.BindAddr)}
}

func checkChannels(ctx context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "Config missing"}
	}
	if !cfg.Channels.Telegram.Enabled {
		return CheckResult{Name: "Channels", Status: "SKIP", Message: "No alert channels enabled"}
	}
	if notify.ResolveToken(cfg.Channels.Telegram.Token) == "" {
		return CheckResult{
			Name:    "Channels",
			Status:  "WARN",
			Message: "Telegram enabled but token missing",
			Detail:  "Set channels.telegram.token or " + notify.TokenEnv,
		}
	}
	return CheckResult{Name: "Channels", Status: "PASS", Message: strings.Join(config.AvailableChannels(*cfg), ", ")}
}
