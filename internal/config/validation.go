package config

import "fmt"

// Validate checks every section against the rules named by the core specification: a zero
// port, a zero max_connections, any zero timeout, an election timeout not exceeding the
// heartbeat interval, a sub-quorum cluster, an inverted load-balancer pool range, or an
// invalid log level are all rejected.
func (c *Config) Validate() error {
	if err := validateServer(c); err != nil {
		return err
	}
	if err := validateMonitoring(c); err != nil {
		return err
	}
	if err := validateLogging(c); err != nil {
		return err
	}
	if err := validateCluster(c); err != nil {
		return err
	}
	if err := validateLoadBalancer(c); err != nil {
		return err
	}
	return nil
}

func validateServer(c *Config) error {
	s := c.Server
	if s.Port == 0 {
		return fmt.Errorf("server.port must not be zero")
	}
	if s.MaxConnections == 0 {
		return fmt.Errorf("server.max_connections must not be zero")
	}
	if s.HandshakeTimeout == 0 {
		return fmt.Errorf("server.handshake_timeout must not be zero")
	}
	if s.ConnectionTimeout == 0 {
		return fmt.Errorf("server.connection_timeout must not be zero")
	}
	if s.HealthCheckInterval == 0 {
		return fmt.Errorf("server.health_check_interval must not be zero")
	}
	if s.ShutdownTimeout == 0 {
		return fmt.Errorf("server.shutdown_timeout must not be zero")
	}
	if s.PIDFile == "" {
		return fmt.Errorf("server.pid_file must not be empty")
	}
	if s.StateFile == "" {
		return fmt.Errorf("server.state_file must not be empty")
	}
	return validateBufferAndWorker(c)
}

func validateBufferAndWorker(c *Config) error {
	b := c.Server.Buffer
	if b.Capacity <= 0 {
		return fmt.Errorf("server.buffer.capacity must be positive")
	}
	if b.MaxMessageSize <= 0 {
		return fmt.Errorf("server.buffer.max_message_size must be positive")
	}
	if b.MessageTTL == 0 {
		return fmt.Errorf("server.buffer.message_ttl must not be zero")
	}
	if b.CleanupInterval == 0 {
		return fmt.Errorf("server.buffer.cleanup_interval must not be zero")
	}

	w := c.Server.Worker
	if w.RetryDelay == 0 {
		return fmt.Errorf("server.worker.retry_delay must not be zero")
	}
	if w.Timeout == 0 {
		return fmt.Errorf("server.worker.timeout must not be zero")
	}
	return nil
}

func validateMonitoring(c *Config) error {
	m := c.Monitoring
	if m.QueueSizeWarning <= 0 {
		return fmt.Errorf("monitoring.queue_size_warning must be positive")
	}
	if m.QueueSizeCritical <= m.QueueSizeWarning {
		return fmt.Errorf("monitoring.queue_size_critical must exceed queue_size_warning")
	}
	if m.ProcessingTimeCriticalMs <= m.ProcessingTimeWarningMs {
		return fmt.Errorf("monitoring.processing_time_critical_ms must exceed processing_time_warning_ms")
	}
	if m.ConnectionsError <= m.ConnectionsWarning {
		return fmt.Errorf("monitoring.connections_error must exceed connections_warning")
	}
	return nil
}

func validateLogging(c *Config) error {
	if !isValidLogLevel(c.Logging.Level) {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}
	if !isValidLogFormat(c.Logging.Format) {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}
	return nil
}

func isValidLogLevel(level string) bool {
	switch level {
	case "trace", "debug", "info", "warn", "error", "fatal", "panic":
		return true
	default:
		return false
	}
}

func isValidLogFormat(format string) bool {
	switch format {
	case "json", "text":
		return true
	default:
		return false
	}
}

func validateCluster(c *Config) error {
	cl := c.Cluster
	if !cl.Enabled {
		return nil
	}
	if cl.HeartbeatInterval == 0 {
		return fmt.Errorf("cluster.heartbeat_interval must not be zero")
	}
	if cl.ElectionTimeoutMin == 0 || cl.ElectionTimeoutMax == 0 {
		return fmt.Errorf("cluster.election_timeout_min and election_timeout_max must not be zero")
	}
	if cl.ElectionTimeoutMin <= cl.HeartbeatInterval {
		return fmt.Errorf("cluster.election_timeout must exceed cluster.heartbeat_interval")
	}
	if cl.ElectionTimeoutMax < cl.ElectionTimeoutMin {
		return fmt.Errorf("cluster.election_timeout_max must be >= election_timeout_min")
	}
	if cl.QuorumSize < 2 {
		return fmt.Errorf("cluster.quorum_size must be at least 2")
	}
	if cl.NodeTimeout == 0 {
		return fmt.Errorf("cluster.node_timeout must not be zero")
	}
	if cl.ReplicationFactor <= 0 {
		return fmt.Errorf("cluster.replication_factor must be positive")
	}
	if cl.HealthCheckInterval == 0 {
		return fmt.Errorf("cluster.health_check_interval must not be zero")
	}
	if cl.SyncInterval == 0 {
		return fmt.Errorf("cluster.sync_interval must not be zero")
	}
	if cl.RedistributionInterval == 0 {
		return fmt.Errorf("cluster.redistribution_interval must not be zero")
	}
	return nil
}

func validateLoadBalancer(c *Config) error {
	lb := c.LoadBalancer
	if lb.RetryDelay == 0 {
		return fmt.Errorf("load_balancer.retry_delay must not be zero")
	}
	if lb.HealthCheckInterval == 0 {
		return fmt.Errorf("load_balancer.health_check_interval must not be zero")
	}
	if lb.ConnectionTimeout == 0 {
		return fmt.Errorf("load_balancer.connection_timeout must not be zero")
	}
	if lb.PoolMaxLifetime == 0 {
		return fmt.Errorf("load_balancer.pool_max_lifetime must not be zero")
	}
	if lb.PoolMinSize > int(lb.PoolMaxSize) {
		return fmt.Errorf("load_balancer.pool_min_size must not exceed pool_max_size")
	}
	return nil
}
