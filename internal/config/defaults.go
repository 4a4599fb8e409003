package config

import "time"

// GetDefaults returns a Config with every section set to the values named in the core
// specification (or, where the specification leaves a value to the implementation, the same
// defaults used by that component's own DefaultConfig constructor).
func GetDefaults() *Config {
	return &Config{
		Server:       defaultServer(),
		Monitoring:   defaultMonitoring(),
		Logging:      defaultLogging(),
		Cluster:      defaultCluster(),
		LoadBalancer: defaultLoadBalancer(),
	}
}

func defaultServer() ServerConfig {
	return ServerConfig{
		Host:                "127.0.0.1",
		Port:                8080,
		MaxConnections:      1000,
		HandshakeTimeout:    5 * time.Second,
		ConnectionTimeout:   60 * time.Second,
		HealthCheckInterval: 10 * time.Second,
		ShutdownTimeout:     5 * time.Second,
		PIDFile:             "mcpd.pid",
		StateFile:           "mcpd.state",
		Buffer:              defaultBuffer(),
		Worker:              defaultWorker(),
	}
}

func defaultBuffer() BufferConfig {
	return BufferConfig{
		Capacity:        10000,
		MaxMessageSize:  1024 * 1024,
		MessageTTL:      time.Hour,
		MaxAttempts:     3,
		CleanupInterval: time.Minute,
	}
}

func defaultWorker() WorkerConfig {
	return WorkerConfig{
		WorkerCount: 0, // 0 means "CPU count", resolved by workerpool.New
		MaxRetries:  3,
		RetryDelay:  time.Second,
		Timeout:     30 * time.Second,
		CPUAffinity: nil,
	}
}

func defaultMonitoring() MonitoringConfig {
	return MonitoringConfig{
		QueueSizeWarning:         1000,
		QueueSizeCritical:        5000,
		ProcessingTimeWarningMs:  1000,
		ProcessingTimeCriticalMs: 5000,
		MinThroughputWarning:     1.0,
		ErrorRateWarningPct:      5.0,
		ConnectionsWarning:       700,
		ConnectionsError:         900,
	}
}

func defaultLogging() LoggingConfig {
	return LoggingConfig{
		Level:  "info",
		Format: "json",
	}
}

func defaultCluster() ClusterConfig {
	return ClusterConfig{
		Enabled:                false,
		ClusterID:               "nexa-cluster",
		HeartbeatInterval:       100 * time.Millisecond,
		ElectionTimeoutMin:      150 * time.Millisecond,
		ElectionTimeoutMax:      300 * time.Millisecond,
		QuorumSize:              3,
		NodeTimeout:             5 * time.Second,
		ReplicationFactor:       3,
		HealthCheckInterval:     time.Second,
		SyncInterval:            5 * time.Second,
		RedistributionInterval:  30 * time.Second,
		OverloadThreshold:       10,
	}
}

func defaultLoadBalancer() LoadBalancerConfig {
	return LoadBalancerConfig{
		MaxRetries:          3,
		RetryDelay:          200 * time.Millisecond,
		HealthCheckInterval: 30 * time.Second,
		ConnectionTimeout:   5 * time.Second,
		PoolMaxSize:         100,
		PoolMinSize:         10,
		PoolMaxLifetime:     5 * time.Minute,
	}
}
