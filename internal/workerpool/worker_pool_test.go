package workerpool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/logger"
	"github.com/nexa-mcp/fleet/internal/metrics"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *logger.LogrusLogger {
	t.Helper()
	l, err := logger.NewLogrusLogger("error", "json")
	require.NoError(t, err)
	return l
}

func newTestBuffer(t *testing.T) *buffer.Buffer {
	t.Helper()
	cfg := buffer.DefaultConfig()
	cfg.Capacity = 16
	b := buffer.New(cfg)
	t.Cleanup(b.Close)
	return b
}

func TestPoolProcessesMessageOnSuccess(t *testing.T) {
	b := newTestBuffer(t)
	collect := metrics.NewCollector()

	var invocations atomic.Int32
	handler := func(_ context.Context, _ buffer.Message) Outcome {
		invocations.Add(1)
		return Success()
	}

	p := New(Config{WorkerCount: 1, Timeout: time.Second, RetryDelay: time.Millisecond}, b, collect, handler, testLogger(t))
	p.Start()
	defer p.Stop()

	require.NoError(t, b.Publish(buffer.NewMessage([]byte("x"), buffer.Normal, 3)))

	require.Eventually(t, func() bool { return invocations.Load() == 1 }, time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return collect.Snapshot().TotalProcessed == 1 }, time.Second, time.Millisecond)
}

func TestPoolRetriesUntilAttemptBudgetExhausted(t *testing.T) {
	b := newTestBuffer(t)
	collect := metrics.NewCollector()

	var invocations atomic.Int32
	handler := func(_ context.Context, _ buffer.Message) Outcome {
		invocations.Add(1)
		return RetryAfter(time.Millisecond)
	}

	p := New(Config{WorkerCount: 1, Timeout: time.Second, RetryDelay: time.Millisecond}, b, collect, handler, testLogger(t))
	p.Start()
	defer p.Stop()

	require.NoError(t, b.Publish(buffer.NewMessage([]byte("x"), buffer.High, 2)))

	// attempts start at 0, max_attempts=2: original try + 2 retries = 3 invocations total,
	// then the third retry attempt (attempts=3 > max_attempts=2) records a terminal failure.
	require.Eventually(t, func() bool { return invocations.Load() >= 3 }, 2*time.Second, time.Millisecond)
	require.Eventually(t, func() bool { return collect.Snapshot().FailedCount >= 1 }, 2*time.Second, time.Millisecond)
}

func TestPoolRecordsFailedOutcomeWithoutRetry(t *testing.T) {
	b := newTestBuffer(t)
	collect := metrics.NewCollector()

	var invocations atomic.Int32
	handler := func(_ context.Context, _ buffer.Message) Outcome {
		invocations.Add(1)
		return Failed("boom")
	}

	p := New(Config{WorkerCount: 1, Timeout: time.Second, RetryDelay: time.Millisecond}, b, collect, handler, testLogger(t))
	p.Start()
	defer p.Stop()

	require.NoError(t, b.Publish(buffer.NewMessage([]byte("x"), buffer.Low, 5)))

	require.Eventually(t, func() bool { return collect.Snapshot().FailedCount == 1 }, time.Second, time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, int32(1), invocations.Load())
}

func TestPoolTimeoutBecomesRetry(t *testing.T) {
	b := newTestBuffer(t)
	collect := metrics.NewCollector()

	handler := func(ctx context.Context, _ buffer.Message) Outcome {
		<-ctx.Done()
		return Success() // never observed: the pool's own select wins on ctx.Done() first
	}

	p := New(Config{WorkerCount: 1, Timeout: 10 * time.Millisecond, RetryDelay: time.Millisecond}, b, collect, handler, testLogger(t))
	p.Start()
	defer p.Stop()

	require.NoError(t, b.Publish(buffer.NewMessage([]byte("x"), buffer.Normal, 0)))

	require.Eventually(t, func() bool { return collect.Snapshot().FailedCount >= 1 }, time.Second, time.Millisecond)
}

func TestStopWaitsForInFlightHandler(t *testing.T) {
	b := newTestBuffer(t)
	collect := metrics.NewCollector()

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	handler := func(_ context.Context, _ buffer.Message) Outcome {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
		return Success()
	}

	p := New(Config{WorkerCount: 1, Timeout: time.Second, RetryDelay: time.Millisecond}, b, collect, handler, testLogger(t))
	p.Start()

	require.NoError(t, b.Publish(buffer.NewMessage([]byte("x"), buffer.Normal, 3)))
	<-started

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
		t.Fatal("Stop returned before the in-flight handler finished")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	<-stopped
}
