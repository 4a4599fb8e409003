package pool

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/nexa-mcp/fleet/internal/logger"
	"github.com/stretchr/testify/require"
)

// fakeConn is a minimal net.Conn for exercising pool bookkeeping without real sockets.
type fakeConn struct {
	net.Conn
	closed bool
}

func (f *fakeConn) Close() error {
	f.closed = true
	return nil
}

type fakeDialer struct {
	dials int
	err   error
}

func (d *fakeDialer) DialContext(_ context.Context, _, _ string) (net.Conn, error) {
	d.dials++
	if d.err != nil {
		return nil, d.err
	}
	return &fakeConn{}, nil
}

func testLogger(t *testing.T) *logger.LogrusLogger {
	t.Helper()
	l, err := logger.NewLogrusLogger("error", "json")
	require.NoError(t, err)
	return l
}

func TestAcquireDialsFreshConnectionWhenNoneAvailable(t *testing.T) {
	dialer := &fakeDialer{}
	lb := NewLoadBalancer(LoadBalancerConfig{
		MaxRetries: 1, RetryDelay: time.Millisecond, ConnectionTimeout: time.Second,
		PoolMaxSize: 2, PoolMinSize: 0, PoolMaxLifetime: time.Minute, HealthCheckInterval: time.Hour,
	}, dialer, testLogger(t))

	conn, err := lb.GetConnection(context.Background(), "127.0.0.1:9000")
	require.NoError(t, err)
	require.NotNil(t, conn)
	require.Equal(t, 1, dialer.dials)
}

func TestReleaseThenAcquireReusesConnection(t *testing.T) {
	dialer := &fakeDialer{}
	lb := NewLoadBalancer(LoadBalancerConfig{
		MaxRetries: 1, RetryDelay: time.Millisecond, ConnectionTimeout: time.Second,
		PoolMaxSize: 2, PoolMinSize: 0, PoolMaxLifetime: time.Minute, HealthCheckInterval: time.Hour,
	}, dialer, testLogger(t))

	addr := "127.0.0.1:9001"
	conn, err := lb.GetConnection(context.Background(), addr)
	require.NoError(t, err)
	lb.ReleaseConnection(addr, conn)

	conn2, err := lb.GetConnection(context.Background(), addr)
	require.NoError(t, err)
	require.Same(t, conn, conn2)
	require.Equal(t, 1, dialer.dials) // reused, not re-dialed
}

func TestAcquireDropsExpiredConnectionAndDialsFresh(t *testing.T) {
	dialer := &fakeDialer{}
	lb := NewLoadBalancer(LoadBalancerConfig{
		MaxRetries: 1, RetryDelay: time.Millisecond, ConnectionTimeout: time.Second,
		PoolMaxSize: 2, PoolMinSize: 0, PoolMaxLifetime: time.Millisecond, HealthCheckInterval: time.Hour,
	}, dialer, testLogger(t))

	addr := "127.0.0.1:9002"
	conn, err := lb.GetConnection(context.Background(), addr)
	require.NoError(t, err)
	lb.ReleaseConnection(addr, conn)

	time.Sleep(5 * time.Millisecond)

	conn2, err := lb.GetConnection(context.Background(), addr)
	require.NoError(t, err)
	require.NotSame(t, conn, conn2)
	require.Equal(t, 2, dialer.dials)
	require.True(t, conn.(*fakeConn).closed)
}

func TestGetConnectionRetriesThenFails(t *testing.T) {
	dialer := &fakeDialer{err: errors.New("refused")}
	lb := NewLoadBalancer(LoadBalancerConfig{
		MaxRetries: 3, RetryDelay: time.Millisecond, ConnectionTimeout: 50 * time.Millisecond,
		PoolMaxSize: 2, PoolMinSize: 0, PoolMaxLifetime: time.Minute, HealthCheckInterval: time.Hour,
	}, dialer, testLogger(t))

	_, err := lb.GetConnection(context.Background(), "127.0.0.1:9003")
	require.Error(t, err)
	require.Equal(t, 3, dialer.dials)
}

func TestAcquireBlocksOnExhaustedSemaphoreUntilContextDeadline(t *testing.T) {
	dialer := &fakeDialer{}
	lb := NewLoadBalancer(LoadBalancerConfig{
		MaxRetries: 1, RetryDelay: time.Millisecond, ConnectionTimeout: time.Second,
		PoolMaxSize: 1, PoolMinSize: 0, PoolMaxLifetime: time.Minute, HealthCheckInterval: time.Hour,
	}, dialer, testLogger(t))

	addr := "127.0.0.1:9004"
	_, err := lb.GetConnection(context.Background(), addr)
	require.NoError(t, err) // holds the only permit, never released

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = lb.GetConnection(ctx, addr)
	require.Error(t, err)
}
