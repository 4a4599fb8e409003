package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// LoadFromEnvironment overlays environment variables onto cfg. Absent or unparsable
// variables leave the existing (default- or file-sourced) value untouched.
func LoadFromEnvironment(cfg *Config) {
	applyServerEnv(cfg)
	applyMonitoringEnv(cfg)
	applyLoggingEnv(cfg)
	applyClusterEnv(cfg)
	applyLoadBalancerEnv(cfg)
}

func applyServerEnv(cfg *Config) {
	if val := os.Getenv("MCPD_SERVER_HOST"); val != "" {
		cfg.Server.Host = val
	}
	if val := getEnvInt("MCPD_SERVER_PORT"); val >= 0 {
		cfg.Server.Port = val
	}
	if val := getEnvInt("MCPD_SERVER_MAX_CONNECTIONS"); val > 0 {
		cfg.Server.MaxConnections = val
	}
	if val := getEnvDuration("MCPD_SERVER_HANDSHAKE_TIMEOUT"); val != 0 {
		cfg.Server.HandshakeTimeout = val
	}
	if val := getEnvDuration("MCPD_SERVER_CONNECTION_TIMEOUT"); val != 0 {
		cfg.Server.ConnectionTimeout = val
	}
	if val := getEnvDuration("MCPD_SERVER_HEALTH_CHECK_INTERVAL"); val != 0 {
		cfg.Server.HealthCheckInterval = val
	}
	if val := getEnvDuration("MCPD_SERVER_SHUTDOWN_TIMEOUT"); val != 0 {
		cfg.Server.ShutdownTimeout = val
	}
	if val := os.Getenv("MCPD_SERVER_PID_FILE"); val != "" {
		cfg.Server.PIDFile = val
	}
	if val := os.Getenv("MCPD_SERVER_STATE_FILE"); val != "" {
		cfg.Server.StateFile = val
	}

	applyBufferEnv(cfg)
	applyWorkerEnv(cfg)
}

func applyBufferEnv(cfg *Config) {
	if val := getEnvInt("MCPD_BUFFER_CAPACITY"); val > 0 {
		cfg.Server.Buffer.Capacity = val
	}
	if val := getEnvInt("MCPD_BUFFER_MAX_MESSAGE_SIZE"); val > 0 {
		cfg.Server.Buffer.MaxMessageSize = val
	}
	if val := getEnvDuration("MCPD_BUFFER_MESSAGE_TTL"); val != 0 {
		cfg.Server.Buffer.MessageTTL = val
	}
	if val := getEnvInt("MCPD_BUFFER_MAX_ATTEMPTS"); val > 0 {
		cfg.Server.Buffer.MaxAttempts = uint32(val)
	}
	if val := getEnvDuration("MCPD_BUFFER_CLEANUP_INTERVAL"); val != 0 {
		cfg.Server.Buffer.CleanupInterval = val
	}
}

func applyWorkerEnv(cfg *Config) {
	if val := getEnvInt("MCPD_WORKER_COUNT"); val > 0 {
		cfg.Server.Worker.WorkerCount = val
	}
	if val := getEnvInt("MCPD_WORKER_MAX_RETRIES"); val >= 0 {
		cfg.Server.Worker.MaxRetries = val
	}
	if val := getEnvDuration("MCPD_WORKER_RETRY_DELAY"); val != 0 {
		cfg.Server.Worker.RetryDelay = val
	}
	if val := getEnvDuration("MCPD_WORKER_TIMEOUT"); val != 0 {
		cfg.Server.Worker.Timeout = val
	}
	if val := os.Getenv("MCPD_WORKER_CPU_AFFINITY"); val != "" {
		if cpus, err := parseIntList(val); err == nil {
			cfg.Server.Worker.CPUAffinity = cpus
		}
	}
}

// parseIntList parses a comma-separated list of CPU indices (e.g. "0,1,2").
func parseIntList(val string) ([]int, error) {
	parts := strings.Split(val, ",")
	out := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

func applyMonitoringEnv(cfg *Config) {
	if val := getEnvInt("MCPD_MONITORING_QUEUE_SIZE_WARNING"); val > 0 {
		cfg.Monitoring.QueueSizeWarning = val
	}
	if val := getEnvInt("MCPD_MONITORING_QUEUE_SIZE_CRITICAL"); val > 0 {
		cfg.Monitoring.QueueSizeCritical = val
	}
	if val := getEnvInt64("MCPD_MONITORING_PROCESSING_TIME_WARNING_MS"); val > 0 {
		cfg.Monitoring.ProcessingTimeWarningMs = val
	}
	if val := getEnvInt64("MCPD_MONITORING_PROCESSING_TIME_CRITICAL_MS"); val > 0 {
		cfg.Monitoring.ProcessingTimeCriticalMs = val
	}
	if val := getEnvFloat64("MCPD_MONITORING_MIN_THROUGHPUT_WARNING"); val > 0 {
		cfg.Monitoring.MinThroughputWarning = val
	}
	if val := getEnvFloat64("MCPD_MONITORING_ERROR_RATE_WARNING_PCT"); val > 0 {
		cfg.Monitoring.ErrorRateWarningPct = val
	}
	if val := getEnvInt("MCPD_MONITORING_CONNECTIONS_WARNING"); val > 0 {
		cfg.Monitoring.ConnectionsWarning = val
	}
	if val := getEnvInt("MCPD_MONITORING_CONNECTIONS_ERROR"); val > 0 {
		cfg.Monitoring.ConnectionsError = val
	}
}

func applyLoggingEnv(cfg *Config) {
	if val := os.Getenv("MCPD_LOG_LEVEL"); val != "" {
		cfg.Logging.Level = val
	}
	if val := os.Getenv("MCPD_LOG_FORMAT"); val != "" {
		cfg.Logging.Format = val
	}
}

func applyClusterEnv(cfg *Config) {
	if val := os.Getenv("MCPD_CLUSTER_ENABLED"); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			cfg.Cluster.Enabled = b
		}
	}
	if val := os.Getenv("MCPD_CLUSTER_ID"); val != "" {
		cfg.Cluster.ClusterID = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_HEARTBEAT_INTERVAL"); val != 0 {
		cfg.Cluster.HeartbeatInterval = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_ELECTION_TIMEOUT_MIN"); val != 0 {
		cfg.Cluster.ElectionTimeoutMin = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_ELECTION_TIMEOUT_MAX"); val != 0 {
		cfg.Cluster.ElectionTimeoutMax = val
	}
	if val := getEnvInt("MCPD_CLUSTER_QUORUM_SIZE"); val > 0 {
		cfg.Cluster.QuorumSize = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_NODE_TIMEOUT"); val != 0 {
		cfg.Cluster.NodeTimeout = val
	}
	if val := getEnvInt("MCPD_CLUSTER_REPLICATION_FACTOR"); val > 0 {
		cfg.Cluster.ReplicationFactor = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_HEALTH_CHECK_INTERVAL"); val != 0 {
		cfg.Cluster.HealthCheckInterval = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_SYNC_INTERVAL"); val != 0 {
		cfg.Cluster.SyncInterval = val
	}
	if val := getEnvDuration("MCPD_CLUSTER_REDISTRIBUTION_INTERVAL"); val != 0 {
		cfg.Cluster.RedistributionInterval = val
	}
	if val := getEnvInt("MCPD_CLUSTER_OVERLOAD_THRESHOLD"); val > 0 {
		cfg.Cluster.OverloadThreshold = val
	}
}

func applyLoadBalancerEnv(cfg *Config) {
	if val := getEnvInt("MCPD_LB_MAX_RETRIES"); val >= 0 {
		cfg.LoadBalancer.MaxRetries = val
	}
	if val := getEnvDuration("MCPD_LB_RETRY_DELAY"); val != 0 {
		cfg.LoadBalancer.RetryDelay = val
	}
	if val := getEnvDuration("MCPD_LB_HEALTH_CHECK_INTERVAL"); val != 0 {
		cfg.LoadBalancer.HealthCheckInterval = val
	}
	if val := getEnvDuration("MCPD_LB_CONNECTION_TIMEOUT"); val != 0 {
		cfg.LoadBalancer.ConnectionTimeout = val
	}
	if val := getEnvInt64("MCPD_LB_POOL_MAX_SIZE"); val > 0 {
		cfg.LoadBalancer.PoolMaxSize = val
	}
	if val := getEnvInt("MCPD_LB_POOL_MIN_SIZE"); val >= 0 {
		cfg.LoadBalancer.PoolMinSize = val
	}
	if val := getEnvDuration("MCPD_LB_POOL_MAX_LIFETIME"); val != 0 {
		cfg.LoadBalancer.PoolMaxLifetime = val
	}
}

// Helper functions. getEnvInt returns -1 (rather than 0) for an absent/unparsable variable so
// callers can accept an explicit "0" override while still treating "unset" as "don't touch the
// default". MCPD_SERVER_PORT=0 is passed through this way, and Validate then rejects port 0.

func getEnvInt(key string) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return -1
}

func getEnvInt64(key string) int64 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intVal
		}
	}
	return 0
}

func getEnvFloat64(key string) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return 0
}

func getEnvDuration(key string) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return 0
}
