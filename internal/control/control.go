// Package control implements the composition root: it owns the Server, the worker pool over
// the message buffer, and (when clustering is enabled) the cluster manager and processor,
// and sequences their startup and shutdown.
package control

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/errgroup"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/cluster"
	"github.com/nexa-mcp/fleet/internal/metrics"
	"github.com/nexa-mcp/fleet/internal/ports"
	"github.com/nexa-mcp/fleet/internal/workerpool"
	"github.com/nexa-mcp/fleet/internal/wsserver"
)

// ErrAlreadyStarted is returned by Start when a server handle already exists.
var ErrAlreadyStarted = errors.New("control: server already started")

// ErrStartTimeout is returned when the server does not reach Running within readyTimeout.
var ErrStartTimeout = errors.New("control: server did not become ready in time")

const readyTimeout = 10 * time.Second

// ClusterConfig enables and configures clustering. Zero value is disabled.
type ClusterConfig struct {
	Enabled        bool
	Manager        cluster.Config
	Processor      cluster.ProcessorConfig
}

// Config bundles everything ServerControl needs to construct its managed components.
type Config struct {
	Server    wsserver.Config
	Buffer    buffer.Config
	Worker    workerpool.Config
	Cluster   ClusterConfig
	Alerts    AlertThresholds
	Metrics   metrics.Thresholds
}

// AlertThresholds names the active_connections levels at which get_alerts raises a severity.
// Defaults match the core specification: Warning above 700, Error above 900.
type AlertThresholds struct {
	WarningConnections int
	ErrorConnections   int
}

// DefaultAlertThresholds returns the core specification's default thresholds.
func DefaultAlertThresholds() AlertThresholds {
	return AlertThresholds{WarningConnections: 700, ErrorConnections: 900}
}

// ServerControl is the single composition root. It is safe for exactly one Start/Stop
// lifecycle; reuse after Stop is not supported (construct a fresh ServerControl instead).
type ServerControl struct {
	cfg Config
	log ports.Logger

	handler workerpool.Handler

	server  *wsserver.Server
	buf     *buffer.Buffer
	collect *metrics.Collector
	checker *metrics.AlertChecker
	pool    *workerpool.Pool

	manager   *cluster.Manager
	processor *cluster.Processor

	queueStop chan struct{}
	queueWG   sync.WaitGroup

	started bool
}

// New constructs a ServerControl. handler processes every message the worker pool pops;
// callers wire their own application logic here (the buffer and worker pool are domain-agnostic).
func New(cfg Config, handler workerpool.Handler, log ports.Logger) *ServerControl {
	return &ServerControl{cfg: cfg, handler: handler, log: log}
}

// Start sequences: bind and run the Server, start the worker pool over a fresh buffer, and,
// if clustering is enabled, stand up the cluster manager and processor sharing that buffer.
// addr, if non-empty, overrides cfg.Server.BindAddr.
func (sc *ServerControl) Start(ctx context.Context, addr string) error {
	if sc.started {
		return ErrAlreadyStarted
	}

	if addr != "" {
		sc.cfg.Server.BindAddr = addr
	}

	sc.buf = buffer.New(sc.cfg.Buffer)
	sc.collect = metrics.NewCollector()
	sc.checker = metrics.NewAlertChecker(sc.cfg.Metrics)

	sc.server = wsserver.New(sc.cfg.Server, sc.log)
	sc.server.SetIngress(sc.buf, sc.cfg.Buffer.MaxAttempts)
	if err := sc.server.Start(); err != nil {
		sc.buf.Close()
		return fmt.Errorf("control: start server: %w", err)
	}
	if err := sc.awaitReady(ctx); err != nil {
		_ = sc.server.Stop()
		sc.buf.Close()
		return err
	}

	sc.pool = workerpool.New(sc.cfg.Worker, sc.buf, sc.collect, sc.handler, sc.log)
	sc.pool.Start()

	sc.queueStop = make(chan struct{})
	sc.queueWG.Add(1)
	go sc.queueSizeLoop()

	if sc.cfg.Cluster.Enabled {
		sc.manager = cluster.New(sc.cfg.Cluster.Manager, sc.server.BoundAddr(), sc.log)
		sc.manager.Start()
		sc.processor = cluster.NewProcessor(sc.cfg.Cluster.Processor, sc.buf, sc.manager, sc.log)
		sc.processor.Start()
	}

	sc.started = true
	sc.log.Info("control: started", ports.Field{Key: "addr", Value: sc.server.BoundAddr()}, ports.Field{Key: "cluster_enabled", Value: sc.cfg.Cluster.Enabled})
	return nil
}

// queueSizeLoop periodically feeds the buffer's per-priority depths into the metrics
// collector, on the same cadence as the server's own health-check sweep, so AlertChecker.Check
// has a live QueueDepth to evaluate instead of the permanent zero value an unfed collector
// reports.
func (sc *ServerControl) queueSizeLoop() {
	defer sc.queueWG.Done()
	ticker := time.NewTicker(sc.cfg.Server.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-sc.queueStop:
			return
		case <-ticker.C:
			sc.collect.UpdateQueueSizes(sc.buf.QueueLengths())
		}
	}
}

// awaitReady polls the server state until Running with a bound address, up to readyTimeout
// (or ctx's deadline if sooner).
func (sc *ServerControl) awaitReady(ctx context.Context) error {
	deadlineCtx, cancel := context.WithTimeout(ctx, readyTimeout)
	defer cancel()

	ch, unsubscribe := sc.server.Subscribe()
	defer unsubscribe()

	if sc.server.State() == wsserver.Running && sc.server.BoundAddr() != "" {
		return nil
	}

	for {
		select {
		case s := <-ch:
			if s == wsserver.Running && sc.server.BoundAddr() != "" {
				return nil
			}
			if s == wsserver.Error {
				return fmt.Errorf("control: server entered Error state: %s", sc.server.Snapshot().LastError)
			}
		case <-deadlineCtx.Done():
			return ErrStartTimeout
		}
	}
}

// Stop reverses Start's order, bounded overall by the server's configured shutdown timeout.
// The cluster processor/manager and the worker pool have no dependency on each other (both
// only drain the shared buffer), so they stop concurrently via errgroup; the buffer is then
// closed and the server stopped once both have quiesced.
func (sc *ServerControl) Stop() error {
	if !sc.started {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), sc.cfg.Server.ShutdownTimeout)
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		if sc.processor != nil {
			sc.processor.Stop()
		}
		if sc.manager != nil {
			sc.manager.Stop()
		}
		return nil
	})
	g.Go(func() error {
		if sc.pool != nil {
			sc.pool.Stop()
		}
		return nil
	})

	done := make(chan error, 1)
	go func() { done <- g.Wait() }()
	select {
	case <-done:
	case <-ctx.Done():
		sc.log.Warn("control: shutdown timeout exceeded waiting for pool/cluster to stop")
	}

	if sc.queueStop != nil {
		close(sc.queueStop)
		sc.queueWG.Wait()
	}
	if sc.buf != nil {
		sc.buf.Close()
	}
	if err := sc.server.Stop(); err != nil {
		return fmt.Errorf("control: stop server: %w", err)
	}

	sc.started = false
	sc.log.Info("control: stopped")
	return nil
}

// CheckHealth reports healthy when the server is Running and under the hard 1000-connection
// ceiling named by the core specification (distinct from the configurable alert thresholds).
func (sc *ServerControl) CheckHealth() ports.HealthStatus {
	if sc.server == nil {
		return ports.HealthStatus{Healthy: false, Message: "server not started"}
	}
	snap := sc.server.Snapshot()
	state := sc.server.State()
	healthy := state == wsserver.Running && snap.ActiveConnections < 1000
	return ports.HealthStatus{
		Healthy: healthy,
		Message: fmt.Sprintf("state=%s active_connections=%d", state, snap.ActiveConnections),
		Details: map[string]interface{}{
			"state":              state.String(),
			"active_connections": snap.ActiveConnections,
			"total_connections":  snap.TotalConnections,
			"failed_connections": snap.FailedConnections,
			"started":            humanize.Time(snap.StartTime),
		},
	}
}

// GetAlerts raises a Warning past WarningConnections active connections, or a Critical
// alert instead once past ErrorConnections, plus whatever the metrics AlertChecker raises
// against queue depth, processing time, throughput, and error rate. The connection check
// yields at most one alert.
func (sc *ServerControl) GetAlerts() []metrics.Alert {
	if sc.server == nil {
		return nil
	}
	thresholds := sc.cfg.Alerts
	if thresholds == (AlertThresholds{}) {
		thresholds = DefaultAlertThresholds()
	}

	active := sc.server.Snapshot().ActiveConnections
	now := time.Now()
	var alerts []metrics.Alert
	if active > int64(thresholds.ErrorConnections) {
		alerts = append(alerts, metrics.Alert{
			Message:   fmt.Sprintf("active connections %d exceeds error threshold %d", active, thresholds.ErrorConnections),
			Severity:  metrics.SeverityCritical,
			Timestamp: now,
		})
	} else if active > int64(thresholds.WarningConnections) {
		alerts = append(alerts, metrics.Alert{
			Message:   fmt.Sprintf("active connections %d exceeds warning threshold %d", active, thresholds.WarningConnections),
			Severity:  metrics.SeverityWarning,
			Timestamp: now,
		})
	}

	if sc.checker != nil {
		alerts = append(alerts, sc.checker.Check(sc.collect.Snapshot())...)
	}
	return alerts
}

// MetricsSnapshot returns the worker pool's processing metrics, for callers that expose it
// alongside server-level health.
func (sc *ServerControl) MetricsSnapshot() metrics.Snapshot {
	if sc.collect == nil {
		return metrics.Snapshot{}
	}
	return sc.collect.Snapshot()
}

// Buffer exposes the underlying message buffer. The server's inbound WebSocket frames are
// already wired to it via wsserver.SetIngress in Start; this getter is for callers (tests,
// or an out-of-band ingestion path) that need to publish work directly.
func (sc *ServerControl) Buffer() *buffer.Buffer { return sc.buf }
