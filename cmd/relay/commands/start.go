package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/tokenplace/relay/internal/logger"
	"github.com/tokenplace/relay/internal/telemetry"
	"github.com/tokenplace/relay/pkg/api"
	"github.com/tokenplace/relay/pkg/api/auth"
	"github.com/tokenplace/relay/pkg/api/handlers"
	"github.com/tokenplace/relay/pkg/config"
	"github.com/tokenplace/relay/pkg/dispatch"
	"github.com/tokenplace/relay/pkg/keymgr"
	"github.com/tokenplace/relay/pkg/metrics"
	"github.com/tokenplace/relay/pkg/perf"
	"github.com/tokenplace/relay/pkg/ratelimit"
	"github.com/tokenplace/relay/pkg/registry"

	// Import prometheus metrics to register init() functions
	_ "github.com/tokenplace/relay/pkg/metrics/prometheus"
)

var (
	foreground bool
	pidFile    string
	logFile    string
)

// Reserved exit codes, distinguishable by supervisors: 2 for an
// unrecoverable crypto backend failure, 3 for insecure production
// configuration.
const (
	exitCryptoInit         = 2
	exitInsecureProduction = 3
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the relay server",
	Long: `Start the relay server with the specified configuration.

By default, the server runs in the background (daemon mode). Use --foreground
to run in the foreground for debugging or when managed by a process supervisor.

Use --config to specify a custom configuration file, or it will use the
default location at $XDG_CONFIG_HOME/tokenplace/config.yaml.

Examples:
  # Start in background (default)
  relay start

  # Start in foreground
  relay start --foreground

  # Start with custom config file
  relay start --config /etc/tokenplace/config.yaml

  # Start with environment variable overrides
  RELAY_LOGGING_LEVEL=DEBUG relay start --foreground`,
	RunE: runStart,
}

func init() {
	startCmd.Flags().BoolVarP(&foreground, "foreground", "f", false, "Run in foreground (default: background/daemon mode)")
	startCmd.Flags().StringVar(&pidFile, "pid-file", "", "Path to PID file (default: $XDG_STATE_HOME/tokenplace/relay.pid)")
	startCmd.Flags().StringVar(&logFile, "log-file", "", "Path to log file for daemon mode (default: $XDG_STATE_HOME/tokenplace/relay.log)")
}

func runStart(cmd *cobra.Command, args []string) error {
	// Handle daemon mode (background)
	if !foreground {
		return startDaemon()
	}

	cfg, err := config.MustLoad(GetConfigFile())
	if err != nil {
		return err
	}

	// Production mode refuses insecure defaults before anything starts.
	if err := config.CheckProductionSafety(cfg); err != nil {
		var insecure *config.InsecureProductionError
		if errors.As(err, &insecure) {
			fmt.Fprintln(os.Stderr, err.Error())
			os.Exit(exitInsecureProduction)
		}
		return err
	}

	// Initialize the structured logger
	if err := InitLogger(cfg); err != nil {
		return err
	}

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize OpenTelemetry (if enabled)
	telemetryCfg := telemetry.Config{
		Enabled:        cfg.Telemetry.Enabled,
		ServiceName:    "tokenplace-relay",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Endpoint,
		Insecure:       cfg.Telemetry.Insecure,
		SampleRate:     cfg.Telemetry.SampleRate,
	}
	telemetryShutdown, err := telemetry.Init(ctx, telemetryCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer func() {
		if err := telemetryShutdown(ctx); err != nil {
			logger.Error("telemetry shutdown error", logger.KeyError, err.Error())
		}
	}()

	// Initialize Pyroscope profiling (if enabled)
	profilingCfg := telemetry.ProfilingConfig{
		Enabled:        cfg.Telemetry.Profiling.Enabled,
		ServiceName:    "tokenplace-relay",
		ServiceVersion: Version,
		Endpoint:       cfg.Telemetry.Profiling.Endpoint,
		ProfileTypes:   cfg.Telemetry.Profiling.ProfileTypes,
	}
	profilingShutdown, err := telemetry.InitProfiling(profilingCfg)
	if err != nil {
		return fmt.Errorf("failed to initialize profiling: %w", err)
	}
	defer func() {
		if err := profilingShutdown(); err != nil {
			logger.Error("profiling shutdown error", logger.KeyError, err.Error())
		}
	}()

	logger.Info("relay starting",
		"version", Version,
		"mode", cfg.Mode,
		"config", getConfigSource(GetConfigFile()),
	)
	if telemetry.IsEnabled() {
		logger.Info("telemetry enabled", "endpoint", cfg.Telemetry.Endpoint, "sample_rate", cfg.Telemetry.SampleRate)
	}

	// Metrics registry and scrape endpoint (if enabled)
	relayMetrics, metricsSrv := startMetrics(cfg)
	if metricsSrv != nil {
		defer func() { _ = metricsSrv.Close() }()
	}

	// Relay keypair. Rotated-out keys stay decrypt-only for the grace
	// window. A relay that cannot generate its keypair is unrecoverable.
	keys, err := keymgr.New(keymgr.WithGraceWindow(cfg.Relay.KeyGraceWindow))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to generate relay keypair: %v\n", err)
		os.Exit(exitCryptoInit)
	}
	logger.Info("relay keypair generated", logger.KeyKeyID, keys.KeyID())

	// Worker registry and dispatch plane.
	reg := registry.New(
		registry.WithWorkerTTL(cfg.Relay.WorkerTTL),
		registry.WithMaxInFlight(cfg.Relay.MaxInFlightPerWorker),
		registry.WithAuthToken(cfg.Auth.WorkerToken),
	)
	disp := dispatch.New(reg,
		dispatch.WithRequestTTL(cfg.Relay.RequestTTL),
		dispatch.WithPollTimeout(cfg.Relay.PollTimeout),
		dispatch.WithQueueCapacity(cfg.Relay.QueueCapacity),
		dispatch.WithStreamGapTimeout(cfg.Relay.StreamGapTimeout),
		dispatch.WithMetrics(relayMetrics),
	)
	go disp.Run(ctx, cfg.Relay.SweepInterval)

	// Per-fingerprint sliding windows. Swept on the same cadence as the
	// dispatch plane.
	limits := ratelimit.New(
		ratelimit.WithLimit(ratelimit.BucketSubmit, cfg.RateLimit.SubmitPerMinute),
		ratelimit.WithLimit(ratelimit.BucketStreamRetrieve, cfg.RateLimit.StreamRetrievePerMinute),
	)
	go sweepLimits(ctx, limits, cfg.Relay.SweepInterval)

	perfMon := perf.New(cfg.Perf.Enabled)
	if perfMon.Enabled() {
		logger.Info("perf monitor enabled")
	}

	// Admin session tokens. Without a JWT secret the admin surface stays
	// disabled and /admin/login refuses to issue tokens.
	var tokens *auth.Service
	if cfg.Auth.JWTSecret != "" {
		tokens, err = auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.JWTTTL)
		if err != nil {
			return fmt.Errorf("failed to initialize admin auth: %w", err)
		}
	} else {
		logger.Warn("admin surface disabled", logger.KeyReason, "no JWT secret configured")
	}

	relay := &handlers.Relay{
		Keys:              keys,
		Registry:          reg,
		Dispatch:          disp,
		Limits:            limits,
		Perf:              perfMon,
		Metrics:           relayMetrics,
		PollTimeout:       cfg.Relay.PollTimeout,
		StreamPollTimeout: cfg.Relay.StreamPollTimeout,
		AdminUsername:     cfg.Auth.AdminUsername,
		AdminPasswordHash: cfg.Auth.AdminPasswordHash,
		PublicURL:         cfg.Server.PublicURL,
	}

	router := api.NewRouter(relay, tokens, api.RouterConfig{
		MaxBodyBytes: int64(cfg.Relay.MaxEnvelopeBytes),
	})
	server := api.NewServer(cfg.Server, router)

	// Any graceful shutdown path flips drain mode first: readiness
	// reports "draining" and new submits are refused while in-flight
	// requests run down inside the grace period.
	server.OnShutdown(func() { relay.SetDraining(true) })

	// Hot-reload the log level on config file edits.
	config.WatchLogLevel(GetConfigFile())

	// Write PID file if specified
	if pidFile != "" {
		if err := os.WriteFile(pidFile, []byte(fmt.Sprintf("%d", os.Getpid())), 0644); err != nil {
			return fmt.Errorf("failed to write PID file: %w", err)
		}
		defer func() { _ = os.Remove(pidFile) }()
	}

	serverDone := make(chan error, 1)
	go func() {
		serverDone <- server.Start(ctx)
	}()

	// Wait for interrupt signal or server error
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	logger.Info("relay is running", "addr", server.Addr())

	select {
	case <-sigChan:
		signal.Stop(sigChan)
		logger.Info("shutdown signal received, initiating graceful shutdown")
		relay.SetDraining(true)
		cancel()

		if err := <-serverDone; err != nil {
			logger.Error("server shutdown error", logger.KeyError, err.Error())
			return err
		}
		logger.Info("relay stopped gracefully")

	case err := <-serverDone:
		signal.Stop(sigChan)
		if err != nil {
			logger.Error("server error", logger.KeyError, err.Error())
			return err
		}
		logger.Info("relay stopped")
	}

	return nil
}

// startMetrics wires the Prometheus registry and, when enabled, serves
// /metrics on its own listener so scrapes never compete with relay
// traffic. Returns a nil RelayMetrics when metrics are disabled; all
// call sites nil-check through the metrics helpers.
func startMetrics(cfg *config.Config) (metrics.RelayMetrics, *http.Server) {
	if !cfg.Metrics.Enabled {
		logger.Info("metrics collection disabled")
		return nil, nil
	}

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	metrics.InitRegistry(promReg)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:        fmt.Sprintf(":%d", cfg.Metrics.Port),
		Handler:     mux,
		ReadTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", logger.KeyError, err.Error())
		}
	}()
	logger.Info("metrics enabled", "port", cfg.Metrics.Port)

	return metrics.NewRelayMetrics(), srv
}

// sweepLimits prunes idle rate-limit windows on the sweep cadence.
func sweepLimits(ctx context.Context, limits *ratelimit.Limiter, interval time.Duration) {
	if interval <= 0 {
		interval = dispatch.DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			limits.Sweep()
		}
	}
}

// startDaemon starts the server as a background daemon process.
func startDaemon() error {
	stateDir := GetDefaultStateDir()
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}

	// Set default PID file if not specified
	pidPath := pidFile
	if pidPath == "" {
		pidPath = GetDefaultPidFile()
	}

	// Check if already running
	if _, err := os.Stat(pidPath); err == nil {
		pidData, err := os.ReadFile(pidPath)
		if err == nil {
			var pid int
			if _, err := fmt.Sscanf(string(pidData), "%d", &pid); err == nil {
				if process, err := os.FindProcess(pid); err == nil {
					if err := process.Signal(syscall.Signal(0)); err == nil {
						return fmt.Errorf("relay is already running (PID %d)\nUse 'relay stop' to stop the running instance", pid)
					}
				}
			}
		}
		// Stale PID file, remove it
		_ = os.Remove(pidPath)
	}

	// Set default log file if not specified
	logPath := logFile
	if logPath == "" {
		logPath = GetDefaultLogFile()
	}

	executable, err := os.Executable()
	if err != nil {
		return fmt.Errorf("failed to get executable path: %w", err)
	}

	daemonArgs := []string{"start", "--foreground", "--pid-file", pidPath}
	if GetConfigFile() != "" {
		daemonArgs = append(daemonArgs, "--config", GetConfigFile())
	}

	daemon := exec.Command(executable, daemonArgs...)

	logFileHandle, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	daemon.Stdout = logFileHandle
	daemon.Stderr = logFileHandle

	// Detach from parent process
	daemon.SysProcAttr = &syscall.SysProcAttr{
		Setsid: true,
	}

	if err := daemon.Start(); err != nil {
		_ = logFileHandle.Close()
		return fmt.Errorf("failed to start daemon: %w", err)
	}
	_ = logFileHandle.Close()

	fmt.Printf("Relay started in background (PID %d)\n", daemon.Process.Pid)
	fmt.Printf("  PID file: %s\n", pidPath)
	fmt.Printf("  Log file: %s\n", filepath.Clean(logPath))
	fmt.Println("\nUse 'relay stop' to stop the server")
	fmt.Println("Use 'relay status' to check server status")

	return nil
}
