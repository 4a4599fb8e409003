// Package main boots the fleet control plane, wiring configuration, logging, the WebSocket
// server, the message buffer and worker pool, and (when enabled) the cluster subsystem.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/cluster"
	"github.com/nexa-mcp/fleet/internal/config"
	"github.com/nexa-mcp/fleet/internal/control"
	"github.com/nexa-mcp/fleet/internal/logger"
	"github.com/nexa-mcp/fleet/internal/metrics"
	core "github.com/nexa-mcp/fleet/internal/ports"
	runtimex "github.com/nexa-mcp/fleet/internal/runtime"
	"github.com/nexa-mcp/fleet/internal/statefile"
	"github.com/nexa-mcp/fleet/internal/workerpool"
	"github.com/nexa-mcp/fleet/internal/wsserver"
)

// Application owns the composition root and the optional health HTTP endpoint.
type Application struct {
	config    *config.Config
	logger    core.Logger
	control   *control.ServerControl
	healthSrv *http.Server
	wg        sync.WaitGroup
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run dispatches to the start/stop/status subcommands named by spec.md's CLI surface: start
// (the default, for bare invocation and backward compatibility) runs the control plane in the
// foreground; stop and status act on the PID/state files a running instance leaves behind.
// Using this pattern ensures defers run and avoids exit-after-defer lint issues.
func run(args []string) int {
	cmd := "start"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		switch args[0] {
		case "start", "stop", "status":
			cmd, args = args[0], args[1:]
		}
	}

	switch cmd {
	case "stop":
		return runStop(args)
	case "status":
		return runStatus(args)
	default:
		return runStart(args)
	}
}

// configPathFlag parses a minimal flag set (just -config) for the stop/status subcommands,
// which only need enough configuration to know where the PID/state files live.
func configPathFlag(name string, args []string) (string, error) {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	var configPath string
	fs.StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML config file")
	if err := fs.Parse(args); err != nil {
		return "", err
	}
	return configPath, nil
}

// runStop sends SIGTERM to the PID recorded in the state directory's PID file. Idempotent: a
// missing or stale PID file reports "not running" and exits 0 rather than erroring.
func runStop(args []string) int {
	configPath, err := configPathFlag("stop", args)
	if err != nil {
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	pid, err := statefile.ReadPID(cfg.Server.PIDFile)
	if err != nil {
		fmt.Println("not running")
		return 0
	}
	if !statefile.ProcessAlive(pid) {
		fmt.Println("not running")
		_ = statefile.Remove(cfg.Server.PIDFile)
		_ = statefile.Remove(cfg.Server.StateFile)
		return 0
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to find process %d: %v\n", pid, err)
		return 1
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to signal process %d: %v\n", pid, err)
		return 1
	}
	fmt.Printf("stopped pid %d\n", pid)
	return 0
}

// runStatus prints the on-disk state file contents and the live PID check, per spec.md's
// "status prints the on-disk state and the live PID check."
func runStatus(args []string) int {
	configPath, err := configPathFlag("status", args)
	if err != nil {
		return 2
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	state, err := os.ReadFile(cfg.Server.StateFile)
	if err != nil {
		fmt.Println("state: unavailable (not running)")
	} else {
		fmt.Printf("state: %s\n", strings.TrimSpace(string(state)))
	}

	pid, err := statefile.ReadPID(cfg.Server.PIDFile)
	switch {
	case err != nil:
		fmt.Println("pid: none")
	case statefile.ProcessAlive(pid):
		fmt.Printf("pid: %d (running)\n", pid)
	default:
		fmt.Printf("pid: %d (not running)\n", pid)
	}
	return 0
}

// runStart contains the foreground program logic and returns an exit code.
func runStart(args []string) int {
	fs := flag.NewFlagSet("start", flag.ContinueOnError)
	var configPath string
	var printConfig bool
	fs.StringVar(&configPath, "config", "", "path to a YAML/JSON/TOML config file")
	fs.BoolVar(&printConfig, "print-config", false, "print the effective configuration as YAML and exit")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		return 1
	}

	if printConfig {
		return printEffectiveConfig(cfg)
	}

	logr, err := logger.NewLogrusLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		return 1
	}

	app := &Application{
		config:  cfg,
		logger:  logr,
		control: control.New(buildControlConfig(cfg), workerpool.DefaultHandler(50*time.Millisecond), logr),
	}

	app.applyCPUAffinityIfConfigured()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := app.control.Start(ctx, ""); err != nil {
		logr.Error("failed to start control plane", core.Field{Key: "error", Value: err})
		return 1
	}
	app.startHealthServer()
	logr.Info("mcpd started successfully")

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigChan
	logr.Info("received shutdown signal", core.Field{Key: "signal", Value: sig.String()})
	cancel()

	if err := app.shutdown(); err != nil {
		logr.Error("failed to shutdown gracefully", core.Field{Key: "error", Value: err})
		return 1
	}
	logr.Info("mcpd shutdown complete")
	return 0
}

// printEffectiveConfig marshals the fully-resolved configuration (defaults, file, environment,
// and flags all merged and validated) to YAML on stdout, for operators diffing what mcpd would
// actually run with against what they intended to set.
func printEffectiveConfig(cfg *config.Config) int {
	out, err := yaml.Marshal(cfg)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "failed to marshal configuration: %v\n", err)
		return 1
	}
	_, _ = os.Stdout.Write(out)
	return 0
}

// applyCPUAffinityIfConfigured passes the configured CPU set to runtimex.ApplyProcessAffinity.
// Best-effort: logs a warning on failure rather than aborting startup. ApplyProcessAffinity is
// a no-op on every platform, Linux included, so no pinning takes place.
func (app *Application) applyCPUAffinityIfConfigured() {
	cpus := app.config.Server.Worker.CPUAffinity
	if len(cpus) == 0 {
		return
	}
	if err := runtimex.ApplyProcessAffinity(runtimex.AffinitySpec{CPUSet: cpus}); err != nil {
		app.logger.Warn("failed to apply CPU affinity (best-effort)", core.Field{Key: "error", Value: err})
		return
	}
	app.logger.Info("applied CPU affinity", core.Field{Key: "cpus", Value: cpus})
}

// buildControlConfig maps the loaded configuration document onto the composition root's
// Config, translating each component's own field names from the document's.
func buildControlConfig(cfg *config.Config) control.Config {
	s := cfg.Server
	return control.Config{
		Server: wsserver.Config{
			BindAddr:            fmt.Sprintf("%s:%d", s.Host, s.Port),
			MaxConnections:      s.MaxConnections,
			HandshakeTimeout:    s.HandshakeTimeout,
			ConnectionTimeout:   s.ConnectionTimeout,
			HealthCheckInterval: s.HealthCheckInterval,
			ShutdownTimeout:     s.ShutdownTimeout,
			PIDFile:             s.PIDFile,
			StateFile:           s.StateFile,
		},
		Buffer: buffer.Config{
			Capacity:        s.Buffer.Capacity,
			MaxMessageSize:  s.Buffer.MaxMessageSize,
			MessageTTL:      s.Buffer.MessageTTL,
			MaxAttempts:     s.Buffer.MaxAttempts,
			CleanupInterval: s.Buffer.CleanupInterval,
		},
		Worker: workerpool.Config{
			WorkerCount: s.Worker.WorkerCount,
			MaxRetries:  uint32(s.Worker.MaxRetries),
			RetryDelay:  s.Worker.RetryDelay,
			Timeout:     s.Worker.Timeout,
		},
		Cluster: control.ClusterConfig{
			Enabled: cfg.Cluster.Enabled,
			Manager: cluster.Config{
				HeartbeatInterval:   cfg.Cluster.HeartbeatInterval,
				ElectionTimeoutMin:  cfg.Cluster.ElectionTimeoutMin,
				ElectionTimeoutMax:  cfg.Cluster.ElectionTimeoutMax,
				MinQuorumSize:       cfg.Cluster.QuorumSize,
				NodeTimeout:         cfg.Cluster.NodeTimeout,
				ReplicationFactor:   cfg.Cluster.ReplicationFactor,
				HealthCheckInterval: cfg.Cluster.HealthCheckInterval,
				ClusterID:           cfg.Cluster.ClusterID,
			},
			Processor: cluster.ProcessorConfig{
				ReplicationFactor:      cfg.Cluster.ReplicationFactor,
				SyncInterval:           cfg.Cluster.SyncInterval,
				RedistributionInterval: cfg.Cluster.RedistributionInterval,
				OverloadThreshold:      cfg.Cluster.OverloadThreshold,
			},
		},
		Alerts: control.AlertThresholds{
			WarningConnections: cfg.Monitoring.ConnectionsWarning,
			ErrorConnections:   cfg.Monitoring.ConnectionsError,
		},
		Metrics: metrics.Thresholds{
			QueueSizeWarning:         cfg.Monitoring.QueueSizeWarning,
			QueueSizeCritical:        cfg.Monitoring.QueueSizeCritical,
			ProcessingTimeWarningMs:  float64(cfg.Monitoring.ProcessingTimeWarningMs),
			ProcessingTimeCriticalMs: float64(cfg.Monitoring.ProcessingTimeCriticalMs),
			MinThroughputWarning:     cfg.Monitoring.MinThroughputWarning,
			ErrorRateWarningPct:      cfg.Monitoring.ErrorRateWarningPct,
		},
	}
}

func (app *Application) shutdown() error {
	app.logger.Info("shutting down control plane")

	if app.healthSrv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.Server.ShutdownTimeout)
		defer cancel()
		if err := app.healthSrv.Shutdown(shutdownCtx); err != nil {
			app.logger.Error("failed to shutdown health server", core.Field{Key: "error", Value: err})
		}
	}

	if err := app.control.Stop(); err != nil {
		return err
	}

	app.wg.Wait()
	return nil
}

func (app *Application) startHealthServer() {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", app.healthHandler)
	mux.HandleFunc("/healthz", app.healthHandler)
	mux.HandleFunc("/alerts", app.alertsHandler)

	app.healthSrv = &http.Server{
		Addr:         "127.0.0.1:9090",
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 5 * time.Second,
	}

	app.wg.Add(1)
	go app.runHealthServer()
}

func (app *Application) runHealthServer() {
	defer app.wg.Done()
	app.logger.Info("starting health server", core.Field{Key: "addr", Value: app.healthSrv.Addr})

	err := app.healthSrv.ListenAndServe()
	if err == nil || err == http.ErrServerClosed {
		return
	}
	app.logger.Error("health server error", core.Field{Key: "error", Value: err})
}

func (app *Application) healthHandler(w http.ResponseWriter, _ *http.Request) {
	health := app.control.CheckHealth()
	if health.Healthy {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, `{"status":"healthy","message":%q}`, health.Message)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
	_, _ = fmt.Fprintf(w, `{"status":"unhealthy","message":%q}`, health.Message)
}

func (app *Application) alertsHandler(w http.ResponseWriter, _ *http.Request) {
	alerts := app.control.GetAlerts()
	if len(alerts) == 0 {
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprint(w, `{"alerts":[]}`)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprint(w, `{"alerts":[`)
	for i, a := range alerts {
		if i > 0 {
			_, _ = fmt.Fprint(w, ",")
		}
		_, _ = fmt.Fprintf(w, `{"severity":%q,"message":%q}`, a.Severity, a.Message)
	}
	_, _ = fmt.Fprint(w, `]}`)
}
