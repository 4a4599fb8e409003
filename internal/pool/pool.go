// Package pool implements a per-target outbound TCP connection pool and the load balancer
// that multiplexes across per-target pools, bounded by a semaphore and recycled by lifetime.
package pool

import (
	"container/list"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/nexa-mcp/fleet/internal/ports"
	"github.com/sony/gobreaker"
	"golang.org/x/sync/semaphore"
)

// ErrExhausted is returned by acquire in the (expected to be unreachable) case where the
// permit was granted but neither an available nor a fresh connection could be produced.
var ErrExhausted = errors.New("pool: exhausted")

// PooledConnection pairs a live connection with the time it was created or last refreshed.
type PooledConnection struct {
	Conn      net.Conn
	CreatedAt time.Time
}

// Config is a per-target connection pool's fixed configuration.
type Config struct {
	MaxSize           int64
	MinSize           int
	ConnectionTimeout time.Duration
	MaxLifetime       time.Duration
}

// ConnectionPool manages outbound connections to a single target address. A counting
// semaphore gates the combined available+in_use population at max_size; a single mutex
// guards the available/in_use bookkeeping.
type ConnectionPool struct {
	addr    string
	cfg     Config
	dialer  ports.Dialer
	breaker ports.CircuitBreaker

	permits *semaphore.Weighted

	mu        sync.Mutex
	available *list.List // of *PooledConnection, front = oldest
	inUse     map[net.Conn]*PooledConnection
}

func newConnectionPool(addr string, cfg Config, dialer ports.Dialer, breaker ports.CircuitBreaker) *ConnectionPool {
	return &ConnectionPool{
		addr:      addr,
		cfg:       cfg,
		dialer:    dialer,
		breaker:   breaker,
		permits:   semaphore.NewWeighted(cfg.MaxSize),
		available: list.New(),
		inUse:     make(map[net.Conn]*PooledConnection),
	}
}

// acquire obtains one semaphore permit (blocking until ctx is done), then either reuses an
// unexpired available connection, drops an expired one and falls through, or dials a fresh
// connection if in_use has not reached max_size.
func (p *ConnectionPool) acquire(ctx context.Context) (net.Conn, error) {
	if err := p.permits.Acquire(ctx, 1); err != nil {
		return nil, err
	}

	conn, err := p.acquireLocked(ctx)
	if err != nil {
		p.permits.Release(1)
		return nil, err
	}
	return conn, nil
}

func (p *ConnectionPool) acquireLocked(ctx context.Context) (net.Conn, error) {
	p.mu.Lock()
	if front := p.available.Front(); front != nil {
		p.available.Remove(front)
		pc := front.Value.(*PooledConnection)
		if time.Since(pc.CreatedAt) <= p.cfg.MaxLifetime {
			p.inUse[pc.Conn] = pc
			p.mu.Unlock()
			return pc.Conn, nil
		}
		_ = pc.Conn.Close()
		// Fall through: the slot this permit reserved is still free since the dropped
		// connection was never counted against in_use.
	}
	if len(p.inUse) >= int(p.cfg.MaxSize) {
		p.mu.Unlock()
		return nil, ErrExhausted
	}
	p.mu.Unlock()

	conn, err := p.dial(ctx)
	if err != nil {
		return nil, err
	}

	p.mu.Lock()
	p.inUse[conn] = &PooledConnection{Conn: conn, CreatedAt: time.Now()}
	p.mu.Unlock()
	return conn, nil
}

func (p *ConnectionPool) dial(ctx context.Context) (net.Conn, error) {
	dialCtx, cancel := context.WithTimeout(ctx, p.cfg.ConnectionTimeout)
	defer cancel()

	var conn net.Conn
	err := p.breaker.Execute(func() error {
		c, dialErr := p.dialer.DialContext(dialCtx, "tcp", p.addr)
		if dialErr != nil {
			return dialErr
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("pool: dial %s: %w", p.addr, err)
	}
	return conn, nil
}

// release returns a connection to the available list with a refreshed created_at and
// releases its permit. A connection not found in in_use (e.g. one the caller dropped after a
// mid-use reset) is ignored: the caller's next acquire dials fresh.
func (p *ConnectionPool) release(conn net.Conn) {
	p.mu.Lock()
	_, ok := p.inUse[conn]
	delete(p.inUse, conn)
	if ok {
		p.available.PushBack(&PooledConnection{Conn: conn, CreatedAt: time.Now()})
	}
	p.mu.Unlock()
	p.permits.Release(1)
}

// cleanup drops every available entry older than max_lifetime and returns the count removed.
func (p *ConnectionPool) cleanup() int {
	now := time.Now()
	removed := 0

	p.mu.Lock()
	var next *list.Element
	for e := p.available.Front(); e != nil; e = next {
		next = e.Next()
		pc := e.Value.(*PooledConnection)
		if now.Sub(pc.CreatedAt) > p.cfg.MaxLifetime {
			p.available.Remove(e)
			removed++
			_ = pc.Conn.Close()
		}
	}
	p.mu.Unlock()

	return removed
}

// LoadBalancerConfig configures cross-target retry and health-check behavior.
type LoadBalancerConfig struct {
	MaxRetries          int
	RetryDelay          time.Duration
	HealthCheckInterval time.Duration
	ConnectionTimeout   time.Duration
	PoolMaxSize         int64
	PoolMinSize         int
	PoolMaxLifetime     time.Duration
}

// DefaultLoadBalancerConfig mirrors the defaults used by the original per-target pools: up to
// 100 connections, a floor of 10, five minutes max lifetime.
func DefaultLoadBalancerConfig() LoadBalancerConfig {
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

// LoadBalancer multiplexes outbound connections across per-target ConnectionPools, created
// lazily on first use.
type LoadBalancer struct {
	cfg    LoadBalancerConfig
	dialer ports.Dialer
	log    ports.Logger

	mu    sync.RWMutex
	pools map[string]*ConnectionPool

	stopCh chan struct{}
	stopOnce sync.Once
}

// NewLoadBalancer creates a LoadBalancer. Call StartHealthChecks to begin the periodic
// cleanup + probe task.
func NewLoadBalancer(cfg LoadBalancerConfig, dialer ports.Dialer, log ports.Logger) *LoadBalancer {
	return &LoadBalancer{
		cfg:    cfg,
		dialer: dialer,
		log:    log,
		pools:  make(map[string]*ConnectionPool),
		stopCh: make(chan struct{}),
	}
}

func (lb *LoadBalancer) poolFor(addr string) *ConnectionPool {
	lb.mu.RLock()
	p, ok := lb.pools[addr]
	lb.mu.RUnlock()
	if ok {
		return p
	}

	lb.mu.Lock()
	defer lb.mu.Unlock()
	if p, ok = lb.pools[addr]; ok {
		return p
	}

	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "pool-dial-" + addr,
		Timeout: 30 * time.Second,
	})
	p = newConnectionPool(addr, Config{
		MaxSize:           lb.cfg.PoolMaxSize,
		MinSize:           lb.cfg.PoolMinSize,
		ConnectionTimeout: lb.cfg.ConnectionTimeout,
		MaxLifetime:       lb.cfg.PoolMaxLifetime,
	}, lb.dialer, gobreakerAdapter{breaker})
	lb.pools[addr] = p
	return p
}

// GetConnection obtains a connection to addr, making at most max_retries attempts with
// retry_delay between attempts.
func (lb *LoadBalancer) GetConnection(ctx context.Context, addr string) (net.Conn, error) {
	var lastErr error
	for attempt := 0; attempt < lb.cfg.MaxRetries; attempt++ {
		conn, err := lb.poolFor(addr).acquire(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < lb.cfg.MaxRetries-1 {
			select {
			case <-time.After(lb.cfg.RetryDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
	return nil, fmt.Errorf("pool: get connection to %s: %w", addr, lastErr)
}

// ReleaseConnection returns conn to addr's pool.
func (lb *LoadBalancer) ReleaseConnection(addr string, conn net.Conn) {
	lb.mu.RLock()
	p, ok := lb.pools[addr]
	lb.mu.RUnlock()
	if ok {
		p.release(conn)
	}
}

// StartHealthChecks spawns the periodic task that cleans up and probes every pool.
func (lb *LoadBalancer) StartHealthChecks() {
	go lb.healthCheckLoop()
}

// Stop ends the health-check task. Safe to call more than once.
func (lb *LoadBalancer) Stop() {
	lb.stopOnce.Do(func() { close(lb.stopCh) })
}

func (lb *LoadBalancer) healthCheckLoop() {
	ticker := time.NewTicker(lb.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-lb.stopCh:
			return
		case <-ticker.C:
			lb.checkPoolsHealth()
		}
	}
}

func (lb *LoadBalancer) checkPoolsHealth() {
	lb.mu.RLock()
	targets := make([]*ConnectionPool, 0, len(lb.pools))
	for _, p := range lb.pools {
		targets = append(targets, p)
	}
	lb.mu.RUnlock()

	for _, p := range targets {
		p.cleanup()
		ctx, cancel := context.WithTimeout(context.Background(), p.cfg.ConnectionTimeout)
		conn, err := p.dial(ctx)
		cancel()
		if err != nil {
			lb.log.Warn("pool: health check failed", ports.Field{Key: "addr", Value: p.addr}, ports.Field{Key: "error", Value: err.Error()})
			continue
		}
		_ = conn.Close()
	}
}

// gobreakerAdapter satisfies ports.CircuitBreaker over a *gobreaker.CircuitBreaker, whose
// Execute signature returns a value in addition to an error.
type gobreakerAdapter struct {
	cb *gobreaker.CircuitBreaker
}

func (a gobreakerAdapter) Execute(fn func() error) error {
	_, err := a.cb.Execute(func() (interface{}, error) {
		return nil, fn()
	})
	return err
}

func (a gobreakerAdapter) GetState() string {
	return a.cb.State().String()
}

func (a gobreakerAdapter) GetStats() ports.CircuitBreakerStats {
	counts := a.cb.Counts()
	return ports.CircuitBreakerStats{
		Requests:            uint64(counts.Requests),
		TotalSuccess:        uint64(counts.TotalSuccesses),
		TotalFailure:        uint64(counts.TotalFailures),
		ConsecutiveFailures: uint64(counts.ConsecutiveFailures),
		State:               a.cb.State().String(),
	}
}
