package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ironvale/taskforge/internal/bus"
	"github.com/ironvale/taskforge/internal/config"
	"github.com/ironvale/taskforge/internal/cron"
	"github.com/ironvale/taskforge/internal/dispatch"
	"github.com/ironvale/taskforge/internal/gateway"
	"github.com/ironvale/taskforge/internal/intent"
	"github.com/ironvale/taskforge/internal/notify"
	otelPkg "github.com/ironvale/taskforge/internal/otel"
	"github.com/ironvale/taskforge/internal/policy"
	"github.com/ironvale/taskforge/internal/reporting"
	"github.com/ironvale/taskforge/internal/rollup"
	"github.com/ironvale/taskforge/internal/router"
	"github.com/ironvale/taskforge/internal/sizing"
	"github.com/ironvale/taskforge/internal/sla"
	"github.com/ironvale/taskforge/internal/store"
	"github.com/ironvale/taskforge/internal/telemetry"
	"github.com/ironvale/taskforge/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE (default):
  %s                          Start the scheduler daemon

SUBCOMMANDS:
  %s status                   Show daemon health (/healthz)
  %s top                      Live dashboard of queues, origins, and workers
  %s enqueue [options]        Submit a task to a running daemon
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  TASKFORGE_HOME              Data directory (default: ~/.taskforge)
  TASKFORGE_BIND_ADDR         Gateway bind address override
  TASKFORGE_AUTH_TOKEN        Bearer token required by the gateway
  TASKFORGE_TELEGRAM_TOKEN    Telegram bot token for SLA alerts

EXAMPLES:
  Start the daemon:       %s
  Check daemon health:    %s status
  Watch the queues:       %s top
  Submit a task:          %s enqueue -type demo.echo -handler builtin.echo
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	noWorker := flag.Bool("no-embedded-worker", false, "run without the embedded worker; external workers connect over /v1/worker/ws")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "top":
			os.Exit(runTopCommand(ctx, args[1:]))
		case "enqueue":
			os.Exit(runEnqueueCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "fingerprint", cfg.Fingerprint())

	if host, _, err := net.SplitHostPort(cfg.BindAddr); err == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && len(cfg.AllowOrigins) == 0 {
			logger.Warn("allow_origins is empty on non-loopback bind; cross-origin browser connections will be rejected (same-origin only)", "bind_addr", cfg.BindAddr)
		}
		if !loopback && cfg.AuthToken == "" {
			logger.Warn("gateway bound beyond loopback without an auth token; set auth_token or TASKFORGE_AUTH_TOKEN", "bind_addr", cfg.BindAddr)
		}
	}

	if cfg.NeedsGenesis {
		if err := writeMinimalConfig(cfg.HomeDir); err != nil {
			fatalStartup(logger, "E_CONFIG_WRITE", err)
		}
		logger.Info("config.yaml written with starter schedules", "home", cfg.HomeDir)
		cfg, err = config.Load()
		if err != nil {
			fatalStartup(logger, "E_CONFIG_RELOAD", err)
		}
	}

	// Create the event bus early so it can be passed to the store.
	eventBus := bus.New()

	// Initialize OpenTelemetry (no-op when disabled, zero overhead).
	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:        cfg.Telemetry.Enabled,
		Exporter:       cfg.Telemetry.Exporter,
		Endpoint:       cfg.Telemetry.Endpoint,
		ServiceName:    cfg.Telemetry.ServiceName,
		SampleRate:     cfg.Telemetry.SampleRate,
		MetricsEnabled: cfg.Telemetry.MetricsEnabled,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(ctx)

	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	observer := otelPkg.NewObserver(eventBus, metrics)
	observer.Start(ctx)

	dbPath := filepath.Join(cfg.HomeDir, "taskforge.db")
	st, err := store.Open(dbPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer st.Close()
	logger.Info("startup phase", "phase", "schema_migrated", "db", dbPath)

	requeued, err := st.RecoverInFlight(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "tasks_requeued", requeued)

	policyPath := filepath.Join(cfg.HomeDir, "policy.yaml")
	if _, statErr := os.Stat(policyPath); os.IsNotExist(statErr) {
		if writeErr := os.WriteFile(policyPath, []byte(policy.DefaultYAML()), 0o644); writeErr != nil {
			fatalStartup(logger, "E_POLICY_BOOTSTRAP", writeErr)
		}
		logger.Info("policy.yaml bootstrapped with defaults", "path", policyPath)
	}
	polData, err := policy.Load(policyPath)
	if err != nil {
		fatalStartup(logger, "E_POLICY_LOAD", err)
	}
	pol := policy.NewLivePolicy(polData)
	logger.Info("startup phase", "phase", "policy_loaded", "policy_version", pol.PolicyVersion())

	budgets := sla.BudgetsFromMinutes(cfg.SLA.DefaultsMinutes)

	rtr := router.New(routerLimits(cfg), st, eventBus, logger)
	go rtr.RunRebalancer(ctx, time.Duration(cfg.Origins.RebalanceIntervalSeconds)*time.Second)

	sizer := sizing.New(sizing.Config{
		OffPeakStartHour: cfg.Sizing.OffPeakStartHour,
		OffPeakEndHour:   cfg.Sizing.OffPeakEndHour,
	}, st, logger)

	disp := dispatch.New(dispatch.Config{
		Workers:         cfg.WorkerCount,
		PollInterval:    time.Duration(cfg.Scheduler.PollIntervalMS) * time.Millisecond,
		AcceptanceGrace: time.Duration(cfg.Scheduler.AcceptanceGraceSeconds) * time.Second,
		ExecutionMargin: time.Duration(cfg.Scheduler.SLAMarginSeconds) * time.Second,
		MaxQueueDepth:   cfg.MaxQueueDepth,
		Batch: sizing.BatcherConfig{
			Window:   time.Duration(cfg.Sizing.BatchWindowMS) * time.Millisecond,
			MaxCount: cfg.Sizing.BatchMaxCount,
			MaxBytes: cfg.Sizing.BatchMaxBytes,
		},
		Bus:    eventBus,
		Store:  st,
		Router: rtr,
		Sizing: sizer,
		Policy: pol,
		Logger: logger,
	})
	rtr.SetRelease(disp.OfferReleased)

	rep := reporting.New(reporting.Config{
		Bus:               eventBus,
		Store:             st,
		Router:            rtr,
		Sizing:            sizer,
		Dispatcher:        disp,
		RetryBase:         time.Duration(cfg.Retry.BaseSeconds) * time.Second,
		RetryMax:          time.Duration(cfg.Retry.MaxSeconds) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Workers.HeartbeatIntervalSeconds) * time.Second,
		Logger:            logger,
	})
	disp.SetReporter(rep)

	gaugeReg, err := otelPkg.RegisterGauges(otelProvider.Meter, otelPkg.GaugeSources{
		QueueDepths: disp.QueueDepths,
		Origins: func() []otelPkg.OriginLoad {
			snap := rtr.Snapshot()
			out := make([]otelPkg.OriginLoad, len(snap))
			for i, o := range snap {
				out[i] = otelPkg.OriginLoad{Origin: o.Origin, Current: o.Current, Max: o.MaxConcurrent}
			}
			return out
		},
		Workers: func() []otelPkg.WorkerLoad {
			snap := sizer.Snapshot()
			out := make([]otelPkg.WorkerLoad, len(snap))
			for i, w := range snap {
				out[i] = otelPkg.WorkerLoad{ID: w.ID, Class: w.Class, ActiveBytes: w.ActiveBytes}
			}
			return out
		},
		StaleDrops: rep.StaleDrops,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer func() { _ = gaugeReg.Unregister() }()

	// The embedded worker subscribes before the dispatcher starts so the
	// first assignments after recovery are not dropped on the bus.
	var embedded *worker.Worker
	if !*noWorker {
		wasmRT, err := worker.NewRuntime(ctx, worker.RuntimeConfig{
			Dir:    handlersDir(cfg),
			Logger: logger,
		})
		if err != nil {
			fatalStartup(logger, "E_WASM_RUNTIME_INIT", err)
		}
		defer wasmRT.Close(context.Background())
		if err := wasmRT.Watch(ctx); err != nil {
			fatalStartup(logger, "E_HANDLER_WATCH", err)
		}

		embedded = worker.New(worker.Config{
			Bus:            eventBus,
			Concurrency:    cfg.WorkerCount,
			TaskTimeout:    time.Duration(cfg.TaskTimeoutSeconds) * time.Second,
			HeartbeatEvery: time.Duration(cfg.Workers.HeartbeatIntervalSeconds) * time.Second,
			WASM:           wasmRT,
			Logger:         logger,
		})
		registerMaintenanceHandlers(embedded, st, cfg, logger)
		if err := sizer.Register(ctx, embedded.Profile()); err != nil {
			fatalStartup(logger, "E_WORKER_REGISTER", err)
		}
		embedded.Start(ctx)
		logger.Info("embedded worker started", "worker_id", worker.DefaultID, "concurrency", cfg.WorkerCount)
	}

	rep.Start(ctx)
	disp.Start(ctx)

	reloaded, err := disp.Reload(ctx)
	if err != nil {
		fatalStartup(logger, "E_QUEUE_RELOAD", err)
	}
	logger.Info("startup phase", "phase", "scheduler_started", "tasks_reloaded", reloaded)

	enforcer := sla.New(sla.Config{
		Bus:           eventBus,
		Store:         st,
		Dispatcher:    disp,
		CheckInterval: time.Duration(cfg.SLA.CheckIntervalSeconds) * time.Second,
		Logger:        logger,
	})
	go enforcer.Run(ctx)

	agg := rollup.New(rollup.Config{
		Store:    st,
		Interval: time.Duration(cfg.RollupIntervalMinutes) * time.Minute,
		Logger:   logger,
	})
	go agg.Run(ctx)

	bridge := intent.New(intent.Config{
		Bus:        eventBus,
		Store:      st,
		Dispatcher: disp,
		Budgets:    budgets,
		Logger:     logger,
	})
	if err := bridge.Start(ctx); err != nil {
		fatalStartup(logger, "E_INTENT_START", err)
	}

	cronSched := cron.New(cron.Config{
		Store:      st,
		Dispatcher: disp,
		Schedules:  configSchedules(cfg, logger),
		Budgets:    budgets,
		Logger:     logger,
	})
	if err := cronSched.Start(ctx); err != nil {
		fatalStartup(logger, "E_CRON_START", err)
	}
	defer cronSched.Stop()

	var notifier *notify.Notifier
	if cfg.Channels.Telegram.Enabled {
		token := notify.ResolveToken(cfg.Channels.Telegram.Token)
		if token == "" {
			logger.Warn("telegram channel enabled but token is missing")
		} else {
			notifier = notify.New(notify.Config{
				Bus:    eventBus,
				Token:  token,
				ChatID: cfg.Channels.Telegram.ChatID,
				Logger: logger,
			})
			if err := notifier.Start(ctx); err != nil {
				logger.Error("telegram notifier failed", "error", err)
				notifier = nil
			}
		}
	}

	confWatcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := confWatcher.Start(ctx); err != nil {
		fatalStartup(logger, "E_CONFIG_WATCHER_START", err)
	}
	go func() {
		for ev := range confWatcher.Events() {
			switch filepath.Base(ev.Path) {
			case "policy.yaml":
				if err := policy.ReloadFromFile(pol, ev.Path); err != nil {
					logger.Error("policy.yaml reload rejected; retaining previous policy", "error", err)
				} else {
					logger.Info("policy.yaml hot-reloaded", "policy_version", pol.PolicyVersion())
				}
			case "config.yaml":
				newCfg, err := config.Load()
				if err != nil {
					logger.Error("config.yaml reload failed", "error", err)
					break
				}
				rtr.ApplyLimits(routerLimits(newCfg))
				sizer.ApplyConfig(sizing.Config{
					OffPeakStartHour: newCfg.Sizing.OffPeakStartHour,
					OffPeakEndHour:   newCfg.Sizing.OffPeakEndHour,
				})
				logger.Info("config.yaml hot-reloaded", "fingerprint", newCfg.Fingerprint())
			}
		}
	}()

	gw := gateway.New(gateway.Config{
		Store:              st,
		Bus:                eventBus,
		Dispatcher:         disp,
		Reports:            rep,
		Intents:            bridge,
		Router:             rtr,
		Sizing:             sizer,
		Budgets:            budgets,
		DefaultMaxAttempts: cfg.SLA.MaxAttempts,
		AuthToken:          cfg.AuthToken,
		AllowOrigins:       cfg.AllowOrigins,
		Logger:             logger,
	})

	server := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: gw.Handler(),
	}
	serverErr := make(chan error, 1)
	lc := &net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			return c.Control(func(fd uintptr) {
				_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
			})
		},
	}
	ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
	if err != nil {
		if isAddrInUse(err) {
			hint := portOccupantHint(cfg.BindAddr)
			fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
		}
		fatalStartup(logger, "E_LISTENER_BIND", err)
	}
	logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
	go func() {
		logger.Info("gateway listening", "addr", cfg.BindAddr, "worker_ws", "/v1/worker/ws", "events_ws", "/v1/events/ws")
		if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
			serverErr <- err
		}
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then drain the pipeline front to back so each
	// stage sees the previous one's final events.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = server.Shutdown(shutdownCtx)

	drainTimeout := time.Duration(cfg.DrainTimeoutSeconds) * time.Second
	if drainTimeout <= 0 {
		drainTimeout = 5 * time.Second
	}
	if embedded != nil {
		if err := embedded.Drain(drainTimeout); err != nil {
			logger.Warn("worker drain timed out", "error", err)
		}
	}
	if err := disp.Drain(drainTimeout); err != nil {
		logger.Warn("dispatcher drain timed out", "error", err)
	}
	if err := rep.Drain(drainTimeout); err != nil {
		logger.Warn("reporting drain timed out", "error", err)
	}
	if err := bridge.Drain(drainTimeout); err != nil {
		logger.Warn("intent drain timed out", "error", err)
	}
	if notifier != nil {
		if err := notifier.Drain(drainTimeout); err != nil {
			logger.Warn("notifier drain timed out", "error", err)
		}
	}
	observer.Drain(drainTimeout)
	logger.Info("shutdown complete")
}

// routerLimits maps the origins config onto the fairness router's limits.
func routerLimits(cfg config.Config) router.Limits {
	return router.Limits{
		TotalCapacity:            cfg.Origins.TotalCapacity,
		QuotaPercent:             cfg.Origins.QuotaPercent,
		BurstLimit:               cfg.Origins.BurstLimit,
		BurstWindow:              time.Duration(cfg.Origins.BurstWindowSeconds) * time.Second,
		StarvationCycles:         cfg.Origins.StarvationCycles,
		DeferralThresholdPercent: cfg.Origins.DeferralThresholdPercent,
		DonorUtilPercent:         cfg.Origins.DonorUtilPercent,
		TakerUtilPercent:         cfg.Origins.TakerUtilPercent,
		TakerQueueMin:            cfg.Origins.TakerQueueMin,
	}
}

// configSchedules converts configured schedules into store rows, skipping
// entries that would fail admission anyway.
func configSchedules(cfg config.Config, logger *slog.Logger) []store.Schedule {
	schedules := make([]store.Schedule, 0, len(cfg.Schedules))
	for _, sc := range cfg.Schedules {
		p := store.Priority(strings.ToLower(strings.TrimSpace(sc.Priority)))
		if p == "" {
			p = store.PriorityNormal
		}
		if !store.ValidPriority(p) {
			logger.Warn("skipping schedule with invalid priority", "schedule", sc.Name, "priority", sc.Priority)
			continue
		}
		schedules = append(schedules, store.Schedule{
			Name:     sc.Name,
			CronExpr: sc.Spec,
			TaskType: sc.TaskType,
			Handler:  sc.Handler,
			Payload:  sc.Payload,
			Priority: p,
			Enabled:  sc.Enabled,
		})
	}
	return schedules
}

// handlersDir resolves the WASM handler directory, anchoring relative paths
// at the home directory.
func handlersDir(cfg config.Config) string {
	dir := strings.TrimSpace(cfg.Workers.HandlersDir)
	if dir == "" {
		return filepath.Join(cfg.HomeDir, "handlers")
	}
	if !filepath.IsAbs(dir) {
		return filepath.Join(cfg.HomeDir, dir)
	}
	return dir
}

// registerMaintenanceHandlers adds the store-backed builtins the starter
// schedules reference.
func registerMaintenanceHandlers(w *worker.Worker, st *store.Store, cfg config.Config, logger *slog.Logger) {
	days := cfg.RetentionTaskEventsDays
	if days <= 0 {
		days = 90
	}
	w.Register("builtin.retention", func(ctx context.Context, _ worker.Invocation) (string, error) {
		cutoff := time.Now().UTC().AddDate(0, 0, -days)
		purged, err := st.DeleteTaskEventsBefore(ctx, cutoff)
		if err != nil {
			return "", err
		}
		logger.Info("retention sweep completed", "purged_task_events", purged, "cutoff", cutoff.Format(time.RFC3339))
		return fmt.Sprintf(`{"purged_task_events":%d,"cutoff":%q}`, purged, cutoff.Format(time.RFC3339)), nil
	})
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// writeMinimalConfig writes a minimal config.yaml with starter schedules.
// Used as fallback when the daemon starts without an existing config.yaml.
func writeMinimalConfig(homeDir string) error {
	if err := os.MkdirAll(homeDir, 0o755); err != nil {
		return fmt.Errorf("create home: %w", err)
	}

	cfg := config.Config{
		WorkerCount:             4,
		TaskTimeoutSeconds:      int((10 * time.Minute).Seconds()),
		BindAddr:                "127.0.0.1:18990",
		LogLevel:                "info",
		MaxQueueDepth:           1000,
		DrainTimeoutSeconds:     5,
		RetentionTaskEventsDays: 90,
		RollupIntervalMinutes:   60,
		Schedules:               config.StarterSchedules(),
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(config.ConfigPath(homeDir), data, 0o644); err != nil {
		return fmt.Errorf("write config.yaml: %w", err)
	}
	return nil
}
