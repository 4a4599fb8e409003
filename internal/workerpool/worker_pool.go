// Package workerpool drains a buffer.Buffer with a fixed number of workers, applying a
// pluggable handler under a timeout and retrying transient failures with a caller-supplied
// delay before the message becomes eligible again.
package workerpool

import (
	"context"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/metrics"
	"github.com/nexa-mcp/fleet/internal/ports"
)

// pollInterval bounds how long a worker sleeps after finding the buffer empty before
// checking pop_any again.
const pollInterval = 100 * time.Millisecond

// outcomeKind distinguishes the three ways a Handler can conclude.
type outcomeKind int

const (
	outcomeSuccess outcomeKind = iota
	outcomeRetry
	outcomeFailed
)

// Outcome is the result a Handler returns for one message. Construct with Success,
// RetryAfter, or Failed.
type Outcome struct {
	kind   outcomeKind
	delay  time.Duration
	reason string
}

// Success indicates the message was handled and should be discarded.
func Success() Outcome { return Outcome{kind: outcomeSuccess} }

// RetryAfter indicates a transient failure; the message is eligible for reprocessing
// after d, provided it has not exhausted its attempt budget.
func RetryAfter(d time.Duration) Outcome { return Outcome{kind: outcomeRetry, delay: d} }

// Failed indicates a terminal failure; the message is discarded without retry.
func Failed(reason string) Outcome { return Outcome{kind: outcomeFailed, reason: reason} }

// Handler processes one message and reports its outcome. Handlers must be pure with respect
// to the buffer: they must not call Publish for the same message id, and must return within
// the pool's configured timeout or yield to ctx.Done().
type Handler func(ctx context.Context, msg buffer.Message) Outcome

// Config is the worker pool's fixed, read-only-after-construction configuration.
type Config struct {
	WorkerCount int
	// MaxRetries caps retries pool-wide: the effective budget for any message is
	// min(MaxRetries, msg.MaxAttempts). Zero means the pool imposes no cap of its own and
	// defers entirely to each message's own MaxAttempts.
	MaxRetries uint32
	RetryDelay time.Duration
	Timeout    time.Duration
}

// DefaultConfig returns worker_count = runtime.NumCPU(), three retries, a second of backoff
// and a five second per-message timeout.
func DefaultConfig() Config {
	return Config{
		WorkerCount: runtime.NumCPU(),
		MaxRetries:  3,
		RetryDelay:  time.Second,
		Timeout:     5 * time.Second,
	}
}

// Pool drains a buffer.Buffer with a fixed number of worker goroutines.
type Pool struct {
	cfg     Config
	buf     *buffer.Buffer
	collect *metrics.Collector
	handler Handler
	log     ports.Logger

	stopped atomic.Bool
	started atomic.Bool
	wg      sync.WaitGroup
}

// New creates a Pool bound to buf. Start must be called to begin draining.
func New(cfg Config, buf *buffer.Buffer, collect *metrics.Collector, handler Handler, log ports.Logger) *Pool {
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = runtime.NumCPU()
	}
	return &Pool{cfg: cfg, buf: buf, collect: collect, handler: handler, log: log}
}

// Start spawns worker_count worker goroutines. Safe to call only once.
func (p *Pool) Start() {
	if !p.started.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.cfg.WorkerCount; i++ {
		p.wg.Add(1)
		go p.runWorker()
	}
}

// Stop flips the shutdown flag and blocks until every worker has finished its current
// message and exited. Workers never begin a new pop_any once shutdown is observed.
func (p *Pool) Stop() {
	p.stopped.Store(true)
	p.wg.Wait()
}

// WorkerCount returns the fixed number of workers this pool was started with.
func (p *Pool) WorkerCount() int { return p.cfg.WorkerCount }

func (p *Pool) runWorker() {
	defer p.wg.Done()

	for {
		if p.stopped.Load() {
			return
		}

		msg, ok := p.buf.PopAny()
		if !ok {
			time.Sleep(pollInterval)
			continue
		}

		if !msg.DelayUntil.IsZero() && time.Now().Before(msg.DelayUntil) {
			p.republishUnchanged(msg)
			continue
		}

		p.process(msg)
	}
}

// republishUnchanged re-queues a message whose delay has not yet elapsed, without
// incrementing its attempt count.
func (p *Pool) republishUnchanged(msg buffer.Message) {
	if err := p.buf.Publish(msg); err != nil {
		p.log.Warn("workerpool: failed to re-publish delayed message", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "error", Value: err.Error()})
	}
}

func (p *Pool) process(msg buffer.Message) {
	start := time.Now()
	outcome := p.runHandler(msg)
	elapsed := time.Since(start)

	switch outcome.kind {
	case outcomeSuccess:
		p.collect.RecordSuccess(msg.Priority, elapsed)
	case outcomeRetry:
		p.retry(msg, outcome.delay)
	case outcomeFailed:
		p.collect.RecordFailure()
		p.log.Warn("workerpool: message failed terminally", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "reason", Value: outcome.reason})
	}
}

// runHandler invokes the handler under the pool's timeout, recovering from panics and
// translating a timeout into RetryAfter(retry_delay).
func (p *Pool) runHandler(msg buffer.Message) (result Outcome) {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.Timeout)
	defer cancel()

	done := make(chan Outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				p.log.Error("workerpool: handler panicked", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "panic", Value: r})
				debug.PrintStack()
				done <- Failed("handler panic")
			}
		}()
		done <- p.handler(ctx, msg)
	}()

	select {
	case result = <-done:
		return result
	case <-ctx.Done():
		return RetryAfter(p.cfg.RetryDelay)
	}
}

func (p *Pool) retry(msg buffer.Message, delay time.Duration) {
	maxAttempts := msg.MaxAttempts
	if p.cfg.MaxRetries > 0 && p.cfg.MaxRetries < maxAttempts {
		maxAttempts = p.cfg.MaxRetries
	}
	if msg.Attempts+1 > maxAttempts {
		p.collect.RecordFailure()
		p.log.Warn("workerpool: message exhausted retry budget", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "attempts", Value: msg.Attempts})
		return
	}

	next := msg.Clone()
	next.Attempts++
	next.DelayUntil = time.Now().Add(delay)

	p.collect.RecordRetry()
	if err := p.buf.Publish(next); err != nil {
		p.log.Warn("workerpool: failed to re-publish retried message", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "error", Value: err.Error()})
	}
}

// DefaultHandler returns the component-level seam handler: Critical messages succeed
// immediately, all others simulate work for simulatedWork before succeeding. Deployments that
// need to dispatch on message kind supply their own Handler to New instead.
func DefaultHandler(simulatedWork time.Duration) Handler {
	return func(ctx context.Context, msg buffer.Message) Outcome {
		if msg.Priority == buffer.Critical {
			return Success()
		}
		select {
		case <-time.After(simulatedWork):
		case <-ctx.Done():
			return RetryAfter(simulatedWork)
		}
		return Success()
	}
}
