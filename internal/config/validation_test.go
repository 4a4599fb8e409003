package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestValidateDefaultsSucceeds(t *testing.T) {
	cfg := GetDefaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsZeroMaxConnections(t *testing.T) {
	cfg := GetDefaults()
	cfg.Server.MaxConnections = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroPort(t *testing.T) {
	cfg := GetDefaults()
	cfg.Server.Port = 0
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsZeroServerTimeouts(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Server.HandshakeTimeout = 0 },
		func(c *Config) { c.Server.ConnectionTimeout = 0 },
		func(c *Config) { c.Server.HealthCheckInterval = 0 },
		func(c *Config) { c.Server.ShutdownTimeout = 0 },
		func(c *Config) { c.Server.Worker.RetryDelay = 0 },
		func(c *Config) { c.Server.Worker.Timeout = 0 },
	} {
		cfg := GetDefaults()
		mutate(cfg)
		require.Error(t, cfg.Validate())
	}
}

func TestValidateRejectsEmptyStateFiles(t *testing.T) {
	cfg := GetDefaults()
	cfg.Server.PIDFile = ""
	require.Error(t, cfg.Validate())

	cfg = GetDefaults()
	cfg.Server.StateFile = ""
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvalidLogLevel(t *testing.T) {
	cfg := GetDefaults()
	cfg.Logging.Level = "verbose"
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsInvalidLogFormat(t *testing.T) {
	cfg := GetDefaults()
	cfg.Logging.Format = "xml"
	require.Error(t, cfg.Validate())
}

func TestValidateSkipsClusterRulesWhenDisabled(t *testing.T) {
	cfg := GetDefaults()
	cfg.Cluster.Enabled = false
	cfg.Cluster.QuorumSize = 0
	cfg.Cluster.HeartbeatInterval = 0
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsElectionTimeoutNotExceedingHeartbeat(t *testing.T) {
	cfg := GetDefaults()
	cfg.Cluster.Enabled = true
	cfg.Cluster.ElectionTimeoutMin = cfg.Cluster.HeartbeatInterval
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsQuorumBelowTwo(t *testing.T) {
	cfg := GetDefaults()
	cfg.Cluster.Enabled = true
	cfg.Cluster.QuorumSize = 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsElectionMaxBelowMin(t *testing.T) {
	cfg := GetDefaults()
	cfg.Cluster.Enabled = true
	cfg.Cluster.ElectionTimeoutMax = cfg.Cluster.ElectionTimeoutMin - time.Millisecond
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsClusterZeroTimeouts(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.Cluster.NodeTimeout = 0 },
		func(c *Config) { c.Cluster.HealthCheckInterval = 0 },
		func(c *Config) { c.Cluster.SyncInterval = 0 },
		func(c *Config) { c.Cluster.RedistributionInterval = 0 },
	} {
		cfg := GetDefaults()
		cfg.Cluster.Enabled = true
		mutate(cfg)
		require.Error(t, cfg.Validate())
	}
}

func TestValidateRejectsLoadBalancerZeroTimeouts(t *testing.T) {
	for _, mutate := range []func(*Config){
		func(c *Config) { c.LoadBalancer.RetryDelay = 0 },
		func(c *Config) { c.LoadBalancer.HealthCheckInterval = 0 },
		func(c *Config) { c.LoadBalancer.ConnectionTimeout = 0 },
		func(c *Config) { c.LoadBalancer.PoolMaxLifetime = 0 },
	} {
		cfg := GetDefaults()
		mutate(cfg)
		require.Error(t, cfg.Validate())
	}
}

func TestValidateRejectsMinPoolSizeAboveMax(t *testing.T) {
	cfg := GetDefaults()
	cfg.LoadBalancer.PoolMinSize = int(cfg.LoadBalancer.PoolMaxSize) + 1
	require.Error(t, cfg.Validate())
}

func TestValidateRejectsMonitoringThresholdOrdering(t *testing.T) {
	cfg := GetDefaults()
	cfg.Monitoring.QueueSizeCritical = cfg.Monitoring.QueueSizeWarning
	require.Error(t, cfg.Validate())

	cfg = GetDefaults()
	cfg.Monitoring.ConnectionsError = cfg.Monitoring.ConnectionsWarning
	require.Error(t, cfg.Validate())
}
