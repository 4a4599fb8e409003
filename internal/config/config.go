// Package config loads, merges, and validates the control plane's configuration from
// defaults, an optional file, environment variables, and command-line flags, in that order
// of increasing precedence.
package config

import (
	"fmt"
	"time"
)

// Config is the single ServerConfig document: five sections, each independently
// default-able, overridable, and validated. Struct tags give the file layer (internal/config
// file.go, via viper/mapstructure) and --print-config's yaml.v3 marshal the same snake_case
// section and field names.
type Config struct {
	Server       ServerConfig       `mapstructure:"server" yaml:"server"`
	Monitoring   MonitoringConfig   `mapstructure:"monitoring" yaml:"monitoring"`
	Logging      LoggingConfig      `mapstructure:"logging" yaml:"logging"`
	Cluster      ClusterConfig      `mapstructure:"cluster" yaml:"cluster"`
	LoadBalancer LoadBalancerConfig `mapstructure:"load_balancer" yaml:"load_balancer"`
}

// ServerConfig configures the WebSocket listener and the buffer/worker-pool pipeline that
// drains it. Buffer and Worker are nested here rather than split into their own top-level
// sections: both are internal to "the server" from the document's point of view.
type ServerConfig struct {
	Host                string        `mapstructure:"host" yaml:"host"`
	Port                int           `mapstructure:"port" yaml:"port"`
	MaxConnections      int           `mapstructure:"max_connections" yaml:"max_connections"`
	HandshakeTimeout    time.Duration `mapstructure:"handshake_timeout" yaml:"handshake_timeout"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	ShutdownTimeout     time.Duration `mapstructure:"shutdown_timeout" yaml:"shutdown_timeout"`
	PIDFile             string        `mapstructure:"pid_file" yaml:"pid_file"`
	StateFile           string        `mapstructure:"state_file" yaml:"state_file"`

	Buffer BufferConfig `mapstructure:"buffer" yaml:"buffer"`
	Worker WorkerConfig `mapstructure:"worker" yaml:"worker"`
}

// BufferConfig configures the priority message buffer (component A).
type BufferConfig struct {
	Capacity        int           `mapstructure:"capacity" yaml:"capacity"`
	MaxMessageSize  int           `mapstructure:"max_message_size" yaml:"max_message_size"`
	MessageTTL      time.Duration `mapstructure:"message_ttl" yaml:"message_ttl"`
	MaxAttempts     uint32        `mapstructure:"max_attempts" yaml:"max_attempts"`
	CleanupInterval time.Duration `mapstructure:"cleanup_interval" yaml:"cleanup_interval"`
}

// WorkerConfig configures the fixed-size worker pool (component B).
type WorkerConfig struct {
	WorkerCount int           `mapstructure:"worker_count" yaml:"worker_count"`
	MaxRetries  int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay  time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	Timeout     time.Duration `mapstructure:"timeout" yaml:"timeout"`

	// CPUAffinity pins the process to a CPU set before the worker pool starts. Empty means no
	// pinning is attempted. Best-effort: applied by cmd/mcpd, never validated here.
	CPUAffinity []int `mapstructure:"cpu_affinity" yaml:"cpu_affinity"`
}

// MonitoringConfig configures the metrics collector's alert thresholds (component C) plus
// the active-connection thresholds ServerControl.GetAlerts raises on.
type MonitoringConfig struct {
	QueueSizeWarning         int     `mapstructure:"queue_size_warning" yaml:"queue_size_warning"`
	QueueSizeCritical        int     `mapstructure:"queue_size_critical" yaml:"queue_size_critical"`
	ProcessingTimeWarningMs  int64   `mapstructure:"processing_time_warning_ms" yaml:"processing_time_warning_ms"`
	ProcessingTimeCriticalMs int64   `mapstructure:"processing_time_critical_ms" yaml:"processing_time_critical_ms"`
	MinThroughputWarning     float64 `mapstructure:"min_throughput_warning" yaml:"min_throughput_warning"`
	ErrorRateWarningPct      float64 `mapstructure:"error_rate_warning_pct" yaml:"error_rate_warning_pct"`
	ConnectionsWarning       int     `mapstructure:"connections_warning" yaml:"connections_warning"`
	ConnectionsError         int     `mapstructure:"connections_error" yaml:"connections_error"`
}

// LoggingConfig configures the structured logger.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// ClusterConfig configures the Raft-style election and replication subsystem (components E
// and F). Enabled gates whether ServerControl stands up a ClusterManager/ClusterProcessor at
// all; the remaining fields are meaningful only when it is true.
type ClusterConfig struct {
	Enabled                bool          `mapstructure:"enabled" yaml:"enabled"`
	ClusterID              string        `mapstructure:"cluster_id" yaml:"cluster_id"`
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval" yaml:"heartbeat_interval"`
	ElectionTimeoutMin     time.Duration `mapstructure:"election_timeout_min" yaml:"election_timeout_min"`
	ElectionTimeoutMax     time.Duration `mapstructure:"election_timeout_max" yaml:"election_timeout_max"`
	QuorumSize             int           `mapstructure:"quorum_size" yaml:"quorum_size"`
	NodeTimeout            time.Duration `mapstructure:"node_timeout" yaml:"node_timeout"`
	ReplicationFactor      int           `mapstructure:"replication_factor" yaml:"replication_factor"`
	HealthCheckInterval    time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	SyncInterval           time.Duration `mapstructure:"sync_interval" yaml:"sync_interval"`
	RedistributionInterval time.Duration `mapstructure:"redistribution_interval" yaml:"redistribution_interval"`
	OverloadThreshold      int           `mapstructure:"overload_threshold" yaml:"overload_threshold"`
}

// LoadBalancerConfig configures per-target connection pooling (component D).
type LoadBalancerConfig struct {
	MaxRetries          int           `mapstructure:"max_retries" yaml:"max_retries"`
	RetryDelay          time.Duration `mapstructure:"retry_delay" yaml:"retry_delay"`
	HealthCheckInterval time.Duration `mapstructure:"health_check_interval" yaml:"health_check_interval"`
	ConnectionTimeout   time.Duration `mapstructure:"connection_timeout" yaml:"connection_timeout"`
	PoolMaxSize         int64         `mapstructure:"pool_max_size" yaml:"pool_max_size"`
	PoolMinSize         int           `mapstructure:"pool_min_size" yaml:"pool_min_size"`
	PoolMaxLifetime     time.Duration `mapstructure:"pool_max_lifetime" yaml:"pool_max_lifetime"`
}

// Load builds a Config by layering, in increasing order of precedence: compiled-in
// defaults, an optional config file (if configPath is non-empty), environment variables,
// then command-line flags. The result is validated before being returned.
func Load(configPath string) (*Config, error) {
	cfg := GetDefaults()

	if configPath != "" {
		if err := LoadFromFile(cfg, configPath); err != nil {
			return nil, err
		}
	}

	LoadFromEnvironment(cfg)

	RegisterFlags()
	ApplyFlags(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}
