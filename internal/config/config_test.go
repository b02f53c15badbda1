package config_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ironvale/taskforge/internal/config"
)

func TestLoad_FromTaskforgeHome(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	tf := filepath.Join(home, ".taskforge")
	if err := os.MkdirAll(tf, 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(filepath.Join(tf, "config.yaml"), []byte("worker_count: 3\ntask_timeout_seconds: 120\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("HOME", home)
	t.Setenv("TASKFORGE_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 3 {
		t.Fatalf("expected worker_count=3 got %d", cfg.WorkerCount)
	}
	if cfg.TaskTimeoutSeconds != 120 {
		t.Fatalf("expected task_timeout_seconds=120 got %d", cfg.TaskTimeoutSeconds)
	}
}

func TestLoad_NeedsGenesisWhenNoConfig(t *testing.T) {
	home := filepath.Join(t.TempDir(), "home")
	t.Setenv("HOME", home)
	t.Setenv("TASKFORGE_HOME", "")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if !cfg.NeedsGenesis {
		t.Fatalf("expected NeedsGenesis=true when config.yaml missing")
	}
}

func TestLoad_DefaultsApplied(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("{}\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.BindAddr != "127.0.0.1:18990" {
		t.Fatalf("expected default bind_addr=127.0.0.1:18990, got %q", cfg.BindAddr)
	}
	if cfg.Origins.TotalCapacity != 64 {
		t.Fatalf("expected default total_capacity=64, got %d", cfg.Origins.TotalCapacity)
	}
	if cfg.Origins.QuotaPercent["user_request"] != 30 {
		t.Fatalf("expected user_request quota 30, got %d", cfg.Origins.QuotaPercent["user_request"])
	}
	if cfg.SLA.MaxAttempts != 3 {
		t.Fatalf("expected default max_attempts=3, got %d", cfg.SLA.MaxAttempts)
	}
	if cfg.SLA.DefaultsMinutes["critical"] != 5 {
		t.Fatalf("expected critical SLA default 5m, got %d", cfg.SLA.DefaultsMinutes["critical"])
	}
	if cfg.Sizing.OffPeakStartHour != 22 || cfg.Sizing.OffPeakEndHour != 6 {
		t.Fatalf("expected off-peak 22-6, got %d-%d", cfg.Sizing.OffPeakStartHour, cfg.Sizing.OffPeakEndHour)
	}
	if cfg.Retry.BaseSeconds != 1 || cfg.Retry.MaxSeconds != 60 {
		t.Fatalf("expected retry 1s/60s, got %d/%d", cfg.Retry.BaseSeconds, cfg.Retry.MaxSeconds)
	}
}

func TestLoad_EnvOverridesConfig(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	if err := os.WriteFile(config.ConfigPath(home), []byte("worker_count: 2\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("TASKFORGE_WORKER_COUNT", "9")

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.WorkerCount != 9 {
		t.Fatalf("expected env override worker_count=9 got %d", cfg.WorkerCount)
	}
}

func TestLoad_QuotasFromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	yamlContent := "origins:\n  total_capacity: 32\n  quota_percent:\n    user_request: 50\n    internal: 10\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Origins.TotalCapacity != 32 {
		t.Fatalf("expected total_capacity=32, got %d", cfg.Origins.TotalCapacity)
	}
	if cfg.Origins.QuotaPercent["user_request"] != 50 {
		t.Fatalf("expected user_request=50, got %d", cfg.Origins.QuotaPercent["user_request"])
	}
	if cfg.Origins.QuotaPercent["internal"] != 10 {
		t.Fatalf("expected internal=10, got %d", cfg.Origins.QuotaPercent["internal"])
	}
}

func TestLoad_RejectsOversubscribedQuotas(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	yamlContent := "origins:\n  quota_percent:\n    user_request: 70\n    intent: 60\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	_, err := config.Load()
	if err == nil {
		t.Fatal("expected error for quota sum > 100")
	}
	if !strings.Contains(err.Error(), "exceeding capacity") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestLoad_RejectsNegativeQuota(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	yamlContent := "origins:\n  quota_percent:\n    user_request: -5\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := config.Load(); err == nil {
		t.Fatal("expected error for negative quota")
	}
}

func TestSetQuotaPercent_WritesConfig(t *testing.T) {
	homeDir := t.TempDir()
	configPath := config.ConfigPath(homeDir)
	if err := os.WriteFile(configPath, []byte("worker_count: 4\n"), 0o644); err != nil {
		t.Fatalf("write initial config: %v", err)
	}

	if err := config.SetQuotaPercent(homeDir, "user_request", 40); err != nil {
		t.Fatalf("SetQuotaPercent: %v", err)
	}

	t.Setenv("TASKFORGE_HOME", homeDir)
	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("reload config: %v", err)
	}
	if cfg.Origins.QuotaPercent["user_request"] != 40 {
		t.Fatalf("expected user_request=40, got %d", cfg.Origins.QuotaPercent["user_request"])
	}
	if cfg.WorkerCount != 4 {
		t.Fatalf("expected worker_count=4 preserved, got %d", cfg.WorkerCount)
	}
}

func TestSetQuotaPercent_CreatesNewConfig(t *testing.T) {
	homeDir := t.TempDir()
	if err := config.SetQuotaPercent(homeDir, "scheduler", 15); err != nil {
		t.Fatalf("SetQuotaPercent: %v", err)
	}

	data, err := os.ReadFile(config.ConfigPath(homeDir))
	if err != nil {
		t.Fatalf("read config: %v", err)
	}
	if !strings.Contains(string(data), "scheduler") {
		t.Fatalf("expected scheduler in config, got: %s", string(data))
	}
}

func TestDefaultQuotaPercent_SumsTo100(t *testing.T) {
	total := 0
	for _, pct := range config.DefaultQuotaPercent() {
		total += pct
	}
	if total != 100 {
		t.Fatalf("default quota shares sum to %d, want 100", total)
	}
}

func TestFingerprint_Stable(t *testing.T) {
	cfg := config.Config{
		WorkerCount: 4,
		BindAddr:    "127.0.0.1:18990",
		Origins: config.OriginsConfig{
			TotalCapacity: 64,
			QuotaPercent:  config.DefaultQuotaPercent(),
		},
	}
	first := cfg.Fingerprint()
	for i := 0; i < 10; i++ {
		if got := cfg.Fingerprint(); got != first {
			t.Fatalf("fingerprint unstable: %q vs %q", first, got)
		}
	}
	if !strings.HasPrefix(first, "cfg-") {
		t.Fatalf("fingerprint missing prefix: %q", first)
	}
}

func TestFingerprint_ChangesWithQuota(t *testing.T) {
	cfg := config.Config{Origins: config.OriginsConfig{QuotaPercent: map[string]int{"user_request": 30}}}
	before := cfg.Fingerprint()
	cfg.Origins.QuotaPercent["user_request"] = 35
	if cfg.Fingerprint() == before {
		t.Fatal("fingerprint did not change with quota")
	}
}

func TestAvailableChannels(t *testing.T) {
	t.Setenv("TASKFORGE_TELEGRAM_TOKEN", "")

	cfg := config.Config{}
	channels := config.AvailableChannels(cfg)
	if len(channels) != 1 || channels[0] != "log" {
		t.Fatalf("expected [log], got %v", channels)
	}

	cfg.Channels.Telegram.Enabled = true
	cfg.Channels.Telegram.Token = "123:abc"
	channels = config.AvailableChannels(cfg)
	if len(channels) != 2 || channels[0] != "telegram" {
		t.Fatalf("expected [telegram log], got %v", channels)
	}
}

func TestLoad_TelemetryFromYAML(t *testing.T) {
	home := t.TempDir()
	t.Setenv("TASKFORGE_HOME", home)
	yamlContent := "telemetry:\n  enabled: true\n  exporter: stdout\n  sample_rate: 0.5\n"
	if err := os.WriteFile(config.ConfigPath(home), []byte(yamlContent), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := config.Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !cfg.Telemetry.Enabled {
		t.Fatal("expected telemetry enabled")
	}
	if cfg.Telemetry.Exporter != "stdout" {
		t.Fatalf("expected exporter=stdout, got %q", cfg.Telemetry.Exporter)
	}
	if cfg.Telemetry.SampleRate != 0.5 {
		t.Fatalf("expected sample_rate=0.5, got %v", cfg.Telemetry.SampleRate)
	}
	if cfg.Telemetry.ServiceName != "taskforge" {
		t.Fatalf("expected default service_name=taskforge, got %q", cfg.Telemetry.ServiceName)
	}
}
