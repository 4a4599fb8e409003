package wsserver

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/nexa-mcp/fleet/internal/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.LogrusLogger {
	t.Helper()
	l, err := logger.NewLogrusLogger("error", "json")
	require.NoError(t, err)
	return l
}

func testServer(t *testing.T, mutate func(*Config)) *Server {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.BindAddr = "127.0.0.1:0"
	cfg.PIDFile = filepath.Join(dir, "mcpd.pid")
	cfg.StateFile = filepath.Join(dir, "mcpd.state")
	cfg.HealthCheckInterval = 20 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	s := New(cfg, testLogger(t))
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop() })
	return s
}

func dialClient(t *testing.T, s *Server) *websocket.Conn {
	t.Helper()
	url := "ws://" + s.BoundAddr() + "/"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestStartTransitionsToRunningAndBindsAddress(t *testing.T) {
	s := testServer(t, nil)
	assert.Equal(t, Running, s.State())
	assert.NotEmpty(t, s.BoundAddr())

	data, err := os.ReadFile(s.cfg.PIDFile)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestStartRefusesWhenAlreadyRunning(t *testing.T) {
	dir := t.TempDir()
	pidPath := filepath.Join(dir, "mcpd.pid")
	cfg := DefaultConfig()
	cfg.PIDFile = pidPath
	cfg.StateFile = filepath.Join(dir, "mcpd.state")

	s1 := New(cfg, testLogger(t))
	require.NoError(t, s1.Start())
	t.Cleanup(func() { _ = s1.Stop() })

	s2 := New(cfg, testLogger(t))
	err := s2.Start()
	assert.Error(t, err)
}

func TestTextFrameAlwaysReceivesSuccessReply(t *testing.T) {
	s := testServer(t, nil)
	conn := dialClient(t, s)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("not valid json {{{")))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","code":200}`, string(data))

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"hello":"world"}`)))
	_, data, err = conn.ReadMessage()
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","code":200}`, string(data))
}

func TestBinaryFrameRepliesWithSize(t *testing.T) {
	s := testServer(t, nil)
	conn := dialClient(t, s)

	payload := []byte{1, 2, 3, 4, 5}
	require.NoError(t, conn.WriteMessage(websocket.BinaryMessage, payload))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"size":5`)
}

func TestPingReceivesPong(t *testing.T) {
	s := testServer(t, nil)
	conn := dialClient(t, s)

	pongCh := make(chan struct{}, 1)
	conn.SetPongHandler(func(string) error {
		pongCh <- struct{}{}
		return nil
	})
	require.NoError(t, conn.WriteMessage(websocket.PingMessage, nil))

	// the dialer's read pump requires a ReadMessage call to process control frames
	go func() { _, _, _ = conn.ReadMessage() }()

	select {
	case <-pongCh:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pong")
	}
}

func TestActiveConnectionsRejectedOverMaxConnections(t *testing.T) {
	s := testServer(t, func(c *Config) { c.MaxConnections = 1 })

	_ = dialClient(t, s)
	require.Eventually(t, func() bool {
		return s.Snapshot().ActiveConnections == 1
	}, time.Second, 5*time.Millisecond)

	url := "ws://" + s.BoundAddr() + "/"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 503, resp.StatusCode)
}

func TestStopRemovesPIDAndStateFiles(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.PIDFile = filepath.Join(dir, "mcpd.pid")
	cfg.StateFile = filepath.Join(dir, "mcpd.state")
	s := New(cfg, testLogger(t))
	require.NoError(t, s.Start())

	require.NoError(t, s.Stop())
	assert.Equal(t, Stopped, s.State())

	_, err := os.Stat(cfg.PIDFile)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(cfg.StateFile)
	assert.True(t, os.IsNotExist(err))
}

func TestHealthMonitorEvictsStaleClients(t *testing.T) {
	s := testServer(t, func(c *Config) { c.ConnectionTimeout = 10 * time.Millisecond })
	conn := dialClient(t, s)
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool {
		return s.Snapshot().ActiveConnections == 0
	}, 2*time.Second, 10*time.Millisecond)
}
