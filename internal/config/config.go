package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// SchedulerConfig holds dispatcher pool and watchdog settings.
type SchedulerConfig struct {
	// AcceptanceGraceSeconds is how long a dispatched task may sit unaccepted
	// before the acceptance watchdog times it out. Default 30.
	AcceptanceGraceSeconds int `yaml:"acceptance_grace_seconds"`

	// SLAMarginSeconds is added to a task's SLA budget before the execution
	// watchdog fires. Default 30.
	SLAMarginSeconds int `yaml:"sla_margin_seconds"`

	// PollIntervalMS is the dispatcher worker poll cadence. Default 100.
	PollIntervalMS int `yaml:"poll_interval_ms"`
}

// OriginsConfig holds the fairness quota table and admission thresholds.
//
// The deferral/rebalance thresholds (80%/90%/30%) were tuned in production;
// they are exposed as configuration rather than re-derived.
type OriginsConfig struct {
	// TotalCapacity is the total concurrent-slot pool divided among origins.
	TotalCapacity int `yaml:"total_capacity"`

	// QuotaPercent maps origin name to its share of TotalCapacity.
	QuotaPercent map[string]int `yaml:"quota_percent"`

	// BurstLimit is the per-origin admission cap within BurstWindowSeconds.
	BurstLimit         int `yaml:"burst_limit"`
	BurstWindowSeconds int `yaml:"burst_window_seconds"`

	// StarvationCycles is how many consecutive scheduler cycles an origin may
	// sit with queued>0 and running==0 before forced admission.
	StarvationCycles int `yaml:"starvation_cycles"`

	// DeferralThresholdPercent: an origin at or above this share of its quota
	// is deferred while other origins are starved. Default 80.
	DeferralThresholdPercent int `yaml:"deferral_threshold_percent"`

	// Rebalancer thresholds: donors sit below DonorUtilPercent with an empty
	// queue, takers sit above TakerUtilPercent with more than TakerQueueMin
	// queued. One slot moves per cycle.
	RebalanceIntervalSeconds int `yaml:"rebalance_interval_seconds"`
	DonorUtilPercent         int `yaml:"donor_util_percent"`
	TakerUtilPercent         int `yaml:"taker_util_percent"`
	TakerQueueMin            int `yaml:"taker_queue_min"`
}

// SLAConfig holds enforcement thresholds and per-priority SLA defaults.
type SLAConfig struct {
	// DefaultsMinutes maps priority name to its default SLA budget.
	DefaultsMinutes map[string]int `yaml:"defaults_minutes"`

	// MaxAttempts is the default retry ceiling per task. Default 3.
	MaxAttempts int `yaml:"max_attempts"`

	// CheckIntervalSeconds is the enforcer scan cadence. Default 10.
	CheckIntervalSeconds int `yaml:"check_interval_seconds"`
}

// RetryConfig holds backoff curve settings.
type RetryConfig struct {
	BaseSeconds int `yaml:"base_seconds"`
	MaxSeconds  int `yaml:"max_seconds"`
}

// SizingConfig holds size-class routing settings.
type SizingConfig struct {
	// Off-peak window for deferring huge/massive non-critical tasks,
	// expressed as local-time hours. Start > End means the window wraps
	// past midnight.
	OffPeakStartHour int `yaml:"off_peak_start_hour"`
	OffPeakEndHour   int `yaml:"off_peak_end_hour"`

	// Tiny-task batching: held up to BatchWindowMS, flushed at BatchMaxCount
	// tasks or BatchMaxBytes total.
	BatchWindowMS int   `yaml:"batch_window_ms"`
	BatchMaxCount int   `yaml:"batch_max_count"`
	BatchMaxBytes int64 `yaml:"batch_max_bytes"`
}

// WorkersConfig holds worker pool and handler settings.
type WorkersConfig struct {
	// HandlersDir is watched for WASM handler modules; drop-in handlers are
	// loaded without a restart.
	HandlersDir string `yaml:"handlers_dir"`

	// HeartbeatIntervalSeconds is how often running workers report liveness.
	HeartbeatIntervalSeconds int `yaml:"heartbeat_interval_seconds"`
}

type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// TelemetryConfig configures the OpenTelemetry provider.
type TelemetryConfig struct {
	Enabled        bool    `yaml:"enabled"`
	Exporter       string  `yaml:"exporter"` // "otlp", "stdout", "none"
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SampleRate     float64 `yaml:"sample_rate"`
	MetricsEnabled *bool   `yaml:"metrics_enabled,omitempty"`
}

// ScheduleConfig defines a cron-driven task to enqueue on schedule.
// Scheduled tasks carry origin "scheduler".
type ScheduleConfig struct {
	Name     string `yaml:"name"`
	Spec     string `yaml:"spec"` // cron expression
	TaskType string `yaml:"task_type"`
	Handler  string `yaml:"handler"`
	Payload  string `yaml:"payload"` // JSON document
	Priority string `yaml:"priority"`
	Enabled  bool   `yaml:"enabled"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	WorkerCount        int    `yaml:"worker_count"`
	TaskTimeoutSeconds int    `yaml:"task_timeout_seconds"`
	BindAddr           string `yaml:"bind_addr"`
	LogLevel           string `yaml:"log_level"`

	// MaxQueueDepth is the pending-task cap before enqueue returns
	// backpressure. 0 = unlimited.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// DrainTimeoutSeconds bounds shutdown drain. 0 uses default (5s).
	DrainTimeoutSeconds int `yaml:"drain_timeout_seconds"`

	Scheduler SchedulerConfig `yaml:"scheduler"`
	Origins   OriginsConfig   `yaml:"origins"`
	SLA       SLAConfig       `yaml:"sla"`
	Retry     RetryConfig     `yaml:"retry"`
	Sizing    SizingConfig    `yaml:"sizing"`
	Workers   WorkersConfig   `yaml:"workers"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Telemetry TelemetryConfig `yaml:"telemetry"`

	Schedules []ScheduleConfig `yaml:"schedules"`

	// AllowOrigins controls which Origin headers are accepted for browser
	// WS connections. Empty means local-only.
	AllowOrigins []string `yaml:"allow_origins"`

	// AuthToken, when set, is required as a bearer token on every gateway
	// request. Empty leaves the gateway open for local development.
	AuthToken string `yaml:"auth_token"`

	// Retention policy (days). 0 = keep forever.
	RetentionTaskEventsDays int `yaml:"retention_task_events_days"`

	// RollupIntervalMinutes is the metrics aggregation cadence. Default 60.
	RollupIntervalMinutes int `yaml:"rollup_interval_minutes"`

	NeedsGenesis bool `yaml:"-"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

// loadRawConfig reads config.yaml into a generic map, returning an empty map if the file doesn't exist.
func loadRawConfig(path string) (map[string]interface{}, error) {
	raw := make(map[string]interface{})
	data, err := os.ReadFile(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("parse config.yaml: %w", err)
		}
	}
	return raw, nil
}

// saveRawConfig marshals and writes a generic map back to config.yaml.
func saveRawConfig(path string, raw map[string]interface{}) error {
	out, err := yaml.Marshal(raw)
	if err != nil {
		return fmt.Errorf("marshal config.yaml: %w", err)
	}
	return os.WriteFile(path, out, 0o644)
}

// SetQuotaPercent updates a single origin's quota share in config.yaml,
// preserving other settings.
func SetQuotaPercent(homeDir, origin string, percent int) error {
	configPath := ConfigPath(homeDir)
	raw, err := loadRawConfig(configPath)
	if err != nil {
		return err
	}
	origins, _ := raw["origins"].(map[string]interface{})
	if origins == nil {
		origins = make(map[string]interface{})
	}
	quotas, _ := origins["quota_percent"].(map[string]interface{})
	if quotas == nil {
		quotas = make(map[string]interface{})
	}
	quotas[origin] = percent
	origins["quota_percent"] = quotas
	raw["origins"] = origins
	return saveRawConfig(configPath, raw)
}

// Fingerprint returns a stable hash of the active config.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|timeout=%d|bind=%s|log=%s|capacity=%d|",
		c.WorkerCount, c.TaskTimeoutSeconds, c.BindAddr, c.LogLevel, c.Origins.TotalCapacity)
	origins := make([]string, 0, len(c.Origins.QuotaPercent))
	for o := range c.Origins.QuotaPercent {
		origins = append(origins, o)
	}
	sort.Strings(origins)
	for _, o := range origins {
		fmt.Fprintf(h, "%s=%d|", o, c.Origins.QuotaPercent[o])
	}
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

// DefaultQuotaPercent is the production fairness split across origins.
func DefaultQuotaPercent() map[string]int {
	return map[string]int{
		"user_request": 30,
		"intent":       25,
		"hunter_alert": 15,
		"external_api": 10,
		"scheduler":    10,
		"filesystem":   5,
		"remediation":  3,
		"internal":     2,
	}
}

func defaultConfig() Config {
	return Config{
		WorkerCount:        4,
		TaskTimeoutSeconds: int((10 * time.Minute).Seconds()),
		BindAddr:           "127.0.0.1:18990",
		LogLevel:           "info",
		MaxQueueDepth:      1000,

		DrainTimeoutSeconds: 5,
		Scheduler: SchedulerConfig{
			AcceptanceGraceSeconds: 30,
			SLAMarginSeconds:       30,
			PollIntervalMS:         100,
		},
		Origins: OriginsConfig{
			TotalCapacity:            64,
			QuotaPercent:             DefaultQuotaPercent(),
			BurstLimit:               100,
			BurstWindowSeconds:       60,
			StarvationCycles:         3,
			DeferralThresholdPercent: 80,
			RebalanceIntervalSeconds: 30,
			DonorUtilPercent:         30,
			TakerUtilPercent:         90,
			TakerQueueMin:            5,
		},
		SLA: SLAConfig{
			DefaultsMinutes: map[string]int{
				"critical": 5,
				"high":     15,
				"normal":   60,
				"low":      180,
			},
			MaxAttempts:          3,
			CheckIntervalSeconds: 10,
		},
		Retry: RetryConfig{
			BaseSeconds: 1,
			MaxSeconds:  60,
		},
		Sizing: SizingConfig{
			OffPeakStartHour: 22,
			OffPeakEndHour:   6,
			BatchWindowMS:    250,
			BatchMaxCount:    10,
			BatchMaxBytes:    64 * 1024,
		},
		Workers: WorkersConfig{
			HandlersDir:              "./handlers",
			HeartbeatIntervalSeconds: 10,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Exporter:    "none",
			ServiceName: "taskforge",
			SampleRate:  1.0,
		},
		RetentionTaskEventsDays: 90,
		RollupIntervalMinutes:   60,
	}
}

func HomeDir() string {
	if override := os.Getenv("TASKFORGE_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".taskforge")
}

func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create taskforge home: %w", err)
	}

	configPath := filepath.Join(cfg.HomeDir, "config.yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			cfg.NeedsGenesis = true
		} else {
			return cfg, fmt.Errorf("read config.yaml: %w", err)
		}
	} else if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validateQuotas(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func normalize(cfg *Config) {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.BindAddr == "" {
		cfg.BindAddr = "127.0.0.1:18990"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.Scheduler.AcceptanceGraceSeconds <= 0 {
		cfg.Scheduler.AcceptanceGraceSeconds = 30
	}
	if cfg.Scheduler.SLAMarginSeconds <= 0 {
		cfg.Scheduler.SLAMarginSeconds = 30
	}
	if cfg.Scheduler.PollIntervalMS <= 0 {
		cfg.Scheduler.PollIntervalMS = 100
	}
	if cfg.Origins.TotalCapacity <= 0 {
		cfg.Origins.TotalCapacity = 64
	}
	if len(cfg.Origins.QuotaPercent) == 0 {
		cfg.Origins.QuotaPercent = DefaultQuotaPercent()
	}
	if cfg.Origins.BurstLimit <= 0 {
		cfg.Origins.BurstLimit = 100
	}
	if cfg.Origins.BurstWindowSeconds <= 0 {
		cfg.Origins.BurstWindowSeconds = 60
	}
	if cfg.Origins.StarvationCycles <= 0 {
		cfg.Origins.StarvationCycles = 3
	}
	if cfg.Origins.DeferralThresholdPercent <= 0 {
		cfg.Origins.DeferralThresholdPercent = 80
	}
	if cfg.Origins.RebalanceIntervalSeconds <= 0 {
		cfg.Origins.RebalanceIntervalSeconds = 30
	}
	if cfg.Origins.DonorUtilPercent <= 0 {
		cfg.Origins.DonorUtilPercent = 30
	}
	if cfg.Origins.TakerUtilPercent <= 0 {
		cfg.Origins.TakerUtilPercent = 90
	}
	if cfg.Origins.TakerQueueMin <= 0 {
		cfg.Origins.TakerQueueMin = 5
	}
	if len(cfg.SLA.DefaultsMinutes) == 0 {
		cfg.SLA.DefaultsMinutes = map[string]int{
			"critical": 5, "high": 15, "normal": 60, "low": 180,
		}
	}
	if cfg.SLA.MaxAttempts <= 0 {
		cfg.SLA.MaxAttempts = 3
	}
	if cfg.SLA.CheckIntervalSeconds <= 0 {
		cfg.SLA.CheckIntervalSeconds = 10
	}
	if cfg.Retry.BaseSeconds <= 0 {
		cfg.Retry.BaseSeconds = 1
	}
	if cfg.Retry.MaxSeconds <= 0 {
		cfg.Retry.MaxSeconds = 60
	}
	if cfg.Sizing.BatchWindowMS <= 0 {
		cfg.Sizing.BatchWindowMS = 250
	}
	if cfg.Sizing.BatchMaxCount <= 0 {
		cfg.Sizing.BatchMaxCount = 10
	}
	if cfg.Sizing.BatchMaxBytes <= 0 {
		cfg.Sizing.BatchMaxBytes = 64 * 1024
	}
	if cfg.Workers.HeartbeatIntervalSeconds <= 0 {
		cfg.Workers.HeartbeatIntervalSeconds = 10
	}
	if strings.TrimSpace(cfg.Workers.HandlersDir) == "" {
		cfg.Workers.HandlersDir = "./handlers"
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = "taskforge"
	}
	if cfg.Telemetry.SampleRate <= 0 {
		cfg.Telemetry.SampleRate = 1.0
	}
	if cfg.RollupIntervalMinutes <= 0 {
		cfg.RollupIntervalMinutes = 60
	}
}

// validateQuotas rejects quota tables that oversubscribe capacity or name
// negative shares. Percentages may sum below 100; the slack is headroom.
func validateQuotas(cfg *Config) error {
	total := 0
	for origin, pct := range cfg.Origins.QuotaPercent {
		if pct < 0 {
			return fmt.Errorf("origin %s: quota_percent must be >= 0, got %d", origin, pct)
		}
		total += pct
	}
	if total > 100 {
		return fmt.Errorf("quota_percent sums to %d%%, exceeding capacity", total)
	}
	if cfg.Sizing.OffPeakStartHour < 0 || cfg.Sizing.OffPeakStartHour > 23 {
		return fmt.Errorf("off_peak_start_hour %d out of range [0,23]", cfg.Sizing.OffPeakStartHour)
	}
	if cfg.Sizing.OffPeakEndHour < 0 || cfg.Sizing.OffPeakEndHour > 23 {
		return fmt.Errorf("off_peak_end_hour %d out of range [0,23]", cfg.Sizing.OffPeakEndHour)
	}
	return nil
}

func applyEnvOverrides(cfg *Config) {
	if raw := os.Getenv("TASKFORGE_WORKER_COUNT"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.WorkerCount = v
		}
	}
	if raw := os.Getenv("TASKFORGE_TASK_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.TaskTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKFORGE_BIND_ADDR"); raw != "" {
		cfg.BindAddr = raw
	}
	if raw := os.Getenv("TASKFORGE_LOG_LEVEL"); raw != "" {
		cfg.LogLevel = raw
	}
	if raw := os.Getenv("TASKFORGE_MAX_QUEUE_DEPTH"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.MaxQueueDepth = v
		}
	}
	if raw := os.Getenv("TASKFORGE_DRAIN_TIMEOUT_SECONDS"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.DrainTimeoutSeconds = v
		}
	}
	if raw := os.Getenv("TASKFORGE_TOTAL_CAPACITY"); raw != "" {
		if v, err := strconv.Atoi(raw); err == nil {
			cfg.Origins.TotalCapacity = v
		}
	}
	if raw := os.Getenv("TASKFORGE_OTEL_ENDPOINT"); raw != "" {
		cfg.Telemetry.Endpoint = raw
		cfg.Telemetry.Enabled = true
	}
	if raw := os.Getenv("TASKFORGE_AUTH_TOKEN"); raw != "" {
		cfg.AuthToken = raw
	}
	if raw := os.Getenv("TASKFORGE_TELEGRAM_TOKEN"); raw != "" {
		cfg.Channels.Telegram.Token = raw
	}
}
