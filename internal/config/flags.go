package config

import (
	"os"
	"time"

	"github.com/spf13/pflag"
)

// RegisterFlags registers every command-line flag on pflag.CommandLine. Safe to call more
// than once (tests may invoke it repeatedly); registration is skipped if already done.
func RegisterFlags() {
	if pflag.CommandLine.Lookup("bind-host") != nil {
		return
	}

	registerServerFlags()
	registerBufferFlags()
	registerWorkerFlags()
	registerMonitoringFlags()
	registerLoggingFlags()
	registerClusterFlags()
	registerLoadBalancerFlags()
}

func registerServerFlags() {
	pflag.String("bind-host", "", "address the WebSocket server binds to")
	pflag.Int("bind-port", -1, "port the WebSocket server binds to (must be nonzero; validation rejects 0)")
	pflag.Int("max-connections", -1, "maximum concurrent WebSocket connections")
	pflag.Duration("handshake-timeout", 0, "WebSocket upgrade handshake timeout")
	pflag.Duration("connection-timeout", 0, "idle timeout before a client is dropped")
	pflag.Duration("health-check-interval", 0, "interval between server health sweeps")
	pflag.Duration("shutdown-timeout", 0, "grace period before a forced shutdown")
	pflag.String("pid-file", "", "path to the server's PID file")
	pflag.String("state-file", "", "path to the server's state file")
}

func registerBufferFlags() {
	pflag.Int("buffer-capacity", -1, "maximum total queued messages across all priorities")
	pflag.Int("buffer-max-message-size", -1, "maximum payload size in bytes")
	pflag.Duration("buffer-message-ttl", 0, "age at which a queued message is discarded")
	pflag.Int("buffer-max-attempts", -1, "maximum delivery attempts before a message is dropped")
	pflag.Duration("buffer-cleanup-interval", 0, "interval between TTL sweeps")
}

func registerWorkerFlags() {
	pflag.Int("worker-count", -1, "fixed worker pool size (0 for CPU count)")
	pflag.Int("worker-max-retries", -1, "maximum retries per message")
	pflag.Duration("worker-retry-delay", 0, "delay applied to a RetryAfter outcome")
	pflag.Duration("worker-timeout", 0, "per-message handler timeout")
	pflag.IntSlice("worker-cpu-affinity", nil, "CPU indices to pin the process to (best-effort)")
}

func registerMonitoringFlags() {
	pflag.Int("monitoring-queue-warning", -1, "queue depth that raises a Warning alert")
	pflag.Int("monitoring-queue-critical", -1, "queue depth that raises a Critical alert")
	pflag.Int64("monitoring-processing-warning-ms", -1, "avg processing time that raises a Warning alert")
	pflag.Int64("monitoring-processing-critical-ms", -1, "avg processing time that raises a Critical alert")
	pflag.Float64("monitoring-min-throughput", -1, "throughput below which a Warning alert is raised")
	pflag.Float64("monitoring-error-rate-warning-pct", -1, "error rate pct that raises a Warning alert")
	pflag.Int("monitoring-connections-warning", -1, "active connections that raise a Warning alert")
	pflag.Int("monitoring-connections-error", -1, "active connections that raise an Error alert")
}

func registerLoggingFlags() {
	pflag.String("log-level", "", "log level (trace, debug, info, warn, error, fatal, panic)")
	pflag.String("log-format", "", "log format (text, json)")
}

func registerClusterFlags() {
	pflag.Bool("cluster-enabled", false, "enable the cluster manager and processor")
	pflag.String("cluster-id", "", "cluster identifier")
	pflag.Duration("cluster-heartbeat-interval", 0, "leader heartbeat interval")
	pflag.Duration("cluster-election-timeout-min", 0, "lower bound of the randomized election timeout")
	pflag.Duration("cluster-election-timeout-max", 0, "upper bound of the randomized election timeout")
	pflag.Int("cluster-quorum-size", -1, "votes required to become leader")
	pflag.Duration("cluster-node-timeout", 0, "time without a heartbeat before an election is triggered")
	pflag.Int("cluster-replication-factor", -1, "distinct healthy peers each message should be replicated to")
	pflag.Duration("cluster-health-check-interval", 0, "interval between cluster health/state-sync broadcasts")
	pflag.Duration("cluster-sync-interval", 0, "interval between replication sync passes")
	pflag.Duration("cluster-redistribution-interval", 0, "interval between load rebalancing passes")
	pflag.Int("cluster-overload-threshold", -1, "message-count deviation from the mean that triggers rebalancing")
}

func registerLoadBalancerFlags() {
	pflag.Int("lb-max-retries", -1, "max attempts to obtain a connection before giving up")
	pflag.Duration("lb-retry-delay", 0, "delay between connection acquisition retries")
	pflag.Duration("lb-health-check-interval", 0, "interval between pool health checks")
	pflag.Duration("lb-connection-timeout", 0, "dial timeout for a fresh pooled connection")
	pflag.Int64("lb-pool-max-size", -1, "maximum connections per target")
	pflag.Int("lb-pool-min-size", -1, "target minimum idle connections per target")
	pflag.Duration("lb-pool-max-lifetime", 0, "maximum age of a pooled connection before recycling")
}

// ApplyFlags parses os.Args (if not already parsed) and overlays every explicitly-set flag
// onto cfg. Flags the user did not pass are left untouched, regardless of their zero value.
func ApplyFlags(cfg *Config) {
	if !pflag.Parsed() {
		pflag.CommandLine.Parse(os.Args[1:])
	}

	applyServerFlags(cfg)
	applyBufferFlags(cfg)
	applyWorkerFlags(cfg)
	applyMonitoringFlags(cfg)
	applyLoggingFlags(cfg)
	applyClusterFlags(cfg)
	applyLoadBalancerFlags(cfg)
}

func applyServerFlags(cfg *Config) {
	ifChangedString("bind-host", func(v string) { cfg.Server.Host = v })
	ifChangedInt("bind-port", func(v int) { cfg.Server.Port = v })
	ifChangedInt("max-connections", func(v int) { cfg.Server.MaxConnections = v })
	ifChangedDuration("handshake-timeout", func(v time.Duration) { cfg.Server.HandshakeTimeout = v })
	ifChangedDuration("connection-timeout", func(v time.Duration) { cfg.Server.ConnectionTimeout = v })
	ifChangedDuration("health-check-interval", func(v time.Duration) { cfg.Server.HealthCheckInterval = v })
	ifChangedDuration("shutdown-timeout", func(v time.Duration) { cfg.Server.ShutdownTimeout = v })
	ifChangedString("pid-file", func(v string) { cfg.Server.PIDFile = v })
	ifChangedString("state-file", func(v string) { cfg.Server.StateFile = v })
}

func applyBufferFlags(cfg *Config) {
	ifChangedInt("buffer-capacity", func(v int) { cfg.Server.Buffer.Capacity = v })
	ifChangedInt("buffer-max-message-size", func(v int) { cfg.Server.Buffer.MaxMessageSize = v })
	ifChangedDuration("buffer-message-ttl", func(v time.Duration) { cfg.Server.Buffer.MessageTTL = v })
	ifChangedInt("buffer-max-attempts", func(v int) { cfg.Server.Buffer.MaxAttempts = uint32(v) })
	ifChangedDuration("buffer-cleanup-interval", func(v time.Duration) { cfg.Server.Buffer.CleanupInterval = v })
}

func applyWorkerFlags(cfg *Config) {
	ifChangedInt("worker-count", func(v int) { cfg.Server.Worker.WorkerCount = v })
	ifChangedInt("worker-max-retries", func(v int) { cfg.Server.Worker.MaxRetries = v })
	ifChangedDuration("worker-retry-delay", func(v time.Duration) { cfg.Server.Worker.RetryDelay = v })
	ifChangedDuration("worker-timeout", func(v time.Duration) { cfg.Server.Worker.Timeout = v })
	if f := pflag.CommandLine.Lookup("worker-cpu-affinity"); f != nil && f.Changed {
		if v, err := pflag.CommandLine.GetIntSlice("worker-cpu-affinity"); err == nil {
			cfg.Server.Worker.CPUAffinity = v
		}
	}
}

func applyMonitoringFlags(cfg *Config) {
	ifChangedInt("monitoring-queue-warning", func(v int) { cfg.Monitoring.QueueSizeWarning = v })
	ifChangedInt("monitoring-queue-critical", func(v int) { cfg.Monitoring.QueueSizeCritical = v })
	ifChangedInt64("monitoring-processing-warning-ms", func(v int64) { cfg.Monitoring.ProcessingTimeWarningMs = v })
	ifChangedInt64("monitoring-processing-critical-ms", func(v int64) { cfg.Monitoring.ProcessingTimeCriticalMs = v })
	ifChangedFloat64("monitoring-min-throughput", func(v float64) { cfg.Monitoring.MinThroughputWarning = v })
	ifChangedFloat64("monitoring-error-rate-warning-pct", func(v float64) { cfg.Monitoring.ErrorRateWarningPct = v })
	ifChangedInt("monitoring-connections-warning", func(v int) { cfg.Monitoring.ConnectionsWarning = v })
	ifChangedInt("monitoring-connections-error", func(v int) { cfg.Monitoring.ConnectionsError = v })
}

func applyLoggingFlags(cfg *Config) {
	ifChangedString("log-level", func(v string) { cfg.Logging.Level = v })
	ifChangedString("log-format", func(v string) { cfg.Logging.Format = v })
}

func applyClusterFlags(cfg *Config) {
	ifChangedBool("cluster-enabled", func(v bool) { cfg.Cluster.Enabled = v })
	ifChangedString("cluster-id", func(v string) { cfg.Cluster.ClusterID = v })
	ifChangedDuration("cluster-heartbeat-interval", func(v time.Duration) { cfg.Cluster.HeartbeatInterval = v })
	ifChangedDuration("cluster-election-timeout-min", func(v time.Duration) { cfg.Cluster.ElectionTimeoutMin = v })
	ifChangedDuration("cluster-election-timeout-max", func(v time.Duration) { cfg.Cluster.ElectionTimeoutMax = v })
	ifChangedInt("cluster-quorum-size", func(v int) { cfg.Cluster.QuorumSize = v })
	ifChangedDuration("cluster-node-timeout", func(v time.Duration) { cfg.Cluster.NodeTimeout = v })
	ifChangedInt("cluster-replication-factor", func(v int) { cfg.Cluster.ReplicationFactor = v })
	ifChangedDuration("cluster-health-check-interval", func(v time.Duration) { cfg.Cluster.HealthCheckInterval = v })
	ifChangedDuration("cluster-sync-interval", func(v time.Duration) { cfg.Cluster.SyncInterval = v })
	ifChangedDuration("cluster-redistribution-interval", func(v time.Duration) { cfg.Cluster.RedistributionInterval = v })
	ifChangedInt("cluster-overload-threshold", func(v int) { cfg.Cluster.OverloadThreshold = v })
}

func applyLoadBalancerFlags(cfg *Config) {
	ifChangedInt("lb-max-retries", func(v int) { cfg.LoadBalancer.MaxRetries = v })
	ifChangedDuration("lb-retry-delay", func(v time.Duration) { cfg.LoadBalancer.RetryDelay = v })
	ifChangedDuration("lb-health-check-interval", func(v time.Duration) { cfg.LoadBalancer.HealthCheckInterval = v })
	ifChangedDuration("lb-connection-timeout", func(v time.Duration) { cfg.LoadBalancer.ConnectionTimeout = v })
	ifChangedInt64("lb-pool-max-size", func(v int64) { cfg.LoadBalancer.PoolMaxSize = v })
	ifChangedInt("lb-pool-min-size", func(v int) { cfg.LoadBalancer.PoolMinSize = v })
	ifChangedDuration("lb-pool-max-lifetime", func(v time.Duration) { cfg.LoadBalancer.PoolMaxLifetime = v })
}

// ifChanged* helpers apply a flag's value only when pflag recorded it as explicitly set,
// so an unpassed flag never clobbers a value already sourced from file or environment.

func ifChangedString(name string, set func(string)) {
	if f := pflag.CommandLine.Lookup(name); f != nil && f.Changed {
		v, _ := pflag.CommandLine.GetString(name)
		set(v)
	}
}

func ifChangedInt(name string, set func(int)) {
	if f := pflag.CommandLine.Lookup(name); f != nil && f.Changed {
		v, _ := pflag.CommandLine.GetInt(name)
		set(v)
	}
}

func ifChangedInt64(name string, set func(int64)) {
	if f := pflag.CommandLine.Lookup(name); f != nil && f.Changed {
		v, _ := pflag.CommandLine.GetInt64(name)
		set(v)
	}
}

func ifChangedFloat64(name string, set func(float64)) {
	if f := pflag.CommandLine.Lookup(name); f != nil && f.Changed {
		v, _ := pflag.CommandLine.GetFloat64(name)
		set(v)
	}
}

func ifChangedBool(name string, set func(bool)) {
	if f := pflag.CommandLine.Lookup(name); f != nil && f.Changed {
		v, _ := pflag.CommandLine.GetBool(name)
		set(v)
	}
}

func ifChangedDuration(name string, set func(time.Duration)) {
	if f := pflag.CommandLine.Lookup(name); f != nil && f.Changed {
		v, _ := pflag.CommandLine.GetDuration(name)
		set(v)
	}
}
