package control

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/cluster"
	"github.com/nexa-mcp/fleet/internal/logger"
	"github.com/nexa-mcp/fleet/internal/workerpool"
	"github.com/nexa-mcp/fleet/internal/wsserver"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.LogrusLogger {
	t.Helper()
	l, err := logger.NewLogrusLogger("error", "json")
	require.NoError(t, err)
	return l
}

func testConfig(t *testing.T) Config {
	t.Helper()
	dir := t.TempDir()
	serverCfg := wsserver.DefaultConfig()
	serverCfg.BindAddr = "127.0.0.1:0"
	serverCfg.PIDFile = filepath.Join(dir, "mcpd.pid")
	serverCfg.StateFile = filepath.Join(dir, "mcpd.state")
	serverCfg.HealthCheckInterval = 20 * time.Millisecond

	bufCfg := buffer.DefaultConfig()
	bufCfg.CleanupInterval = time.Hour

	workerCfg := workerpool.DefaultConfig()
	workerCfg.WorkerCount = 1

	return Config{
		Server: serverCfg,
		Buffer: bufCfg,
		Worker: workerCfg,
		Alerts: DefaultAlertThresholds(),
	}
}

func noopHandler(ctx context.Context, msg buffer.Message) workerpool.Outcome {
	return workerpool.Success()
}

func TestStartBringsUpServerAndWorkerPool(t *testing.T) {
	sc := New(testConfig(t), noopHandler, testLogger(t))
	require.NoError(t, sc.Start(context.Background(), ""))
	t.Cleanup(func() { _ = sc.Stop() })

	health := sc.CheckHealth()
	assert.True(t, health.Healthy)

	require.NoError(t, sc.Buffer().Publish(buffer.NewMessage([]byte("x"), buffer.Normal, 3)))
}

func TestStartRefusesSecondCall(t *testing.T) {
	sc := New(testConfig(t), noopHandler, testLogger(t))
	require.NoError(t, sc.Start(context.Background(), ""))
	t.Cleanup(func() { _ = sc.Stop() })

	err := sc.Start(context.Background(), "")
	assert.ErrorIs(t, err, ErrAlreadyStarted)
}

func TestStopTransitionsServerToStopped(t *testing.T) {
	sc := New(testConfig(t), noopHandler, testLogger(t))
	require.NoError(t, sc.Start(context.Background(), ""))

	require.NoError(t, sc.Stop())
	health := sc.CheckHealth()
	assert.False(t, health.Healthy)
}

func TestGetAlertsEmptyBelowThresholds(t *testing.T) {
	sc := New(testConfig(t), noopHandler, testLogger(t))
	require.NoError(t, sc.Start(context.Background(), ""))
	t.Cleanup(func() { _ = sc.Stop() })

	assert.Empty(t, sc.GetAlerts())
}

func TestClusterComponentsStartWhenEnabled(t *testing.T) {
	cfg := testConfig(t)
	cfg.Cluster = ClusterConfig{
		Enabled:   true,
		Manager:   cluster.DefaultConfig(),
		Processor: cluster.DefaultProcessorConfig(),
	}
	sc := New(cfg, noopHandler, testLogger(t))
	require.NoError(t, sc.Start(context.Background(), ""))
	t.Cleanup(func() { _ = sc.Stop() })

	assert.NotNil(t, sc.manager)
	assert.NotNil(t, sc.processor)
	assert.Equal(t, cluster.RoleFollower, sc.manager.Self().Role)
}

func TestCheckHealthBeforeStartReportsUnhealthy(t *testing.T) {
	sc := New(testConfig(t), noopHandler, testLogger(t))
	health := sc.CheckHealth()
	assert.False(t, health.Healthy)
}
