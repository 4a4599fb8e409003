// Package buffer implements the priority-classed message buffer: one FIFO per priority
// level, bounded overall capacity, TTL-based cleanup, and a best-effort broadcast of
// published messages for observers. pop_any is the authoritative consumer path; the
// broadcast exists only so slow observers can watch traffic without affecting delivery.
package buffer

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Priority is the message priority class. Higher values preempt lower ones in pop_any.
type Priority int

// Priority levels, ordered low to high. pop_any scans from Critical down to Low.
const (
	Low Priority = iota
	Normal
	High
	Critical

	numPriorities = int(Critical) + 1
)

// String renders the priority name for logging and metrics labels.
func (p Priority) String() string {
	switch p {
	case Low:
		return "low"
	case Normal:
		return "normal"
	case High:
		return "high"
	case Critical:
		return "critical"
	default:
		return "unknown"
	}
}

// Errors returned by Publish.
var (
	// ErrBufferFull is returned when the buffer is at capacity.
	ErrBufferFull = errors.New("buffer: full")
	// ErrMessageTooLarge is returned when a payload exceeds MaxMessageSize.
	ErrMessageTooLarge = errors.New("buffer: message too large")
)

// Message is a unit of work flowing through the buffer. Invariants: Attempts <= MaxAttempts
// and len(Payload) <= the owning buffer's MaxMessageSize.
type Message struct {
	ID          string
	Payload     []byte
	Priority    Priority
	CreatedAt   time.Time
	Attempts    uint32
	MaxAttempts uint32
	DelayUntil  time.Time // zero value means no delay
}

// Clone returns a deep-enough copy suitable for republishing with adjusted attempts.
func (m Message) Clone() Message {
	payload := make([]byte, len(m.Payload))
	copy(payload, m.Payload)
	c := m
	c.Payload = payload
	return c
}

// NewMessage constructs a Message with a fresh UUID v4 identifier.
func NewMessage(payload []byte, priority Priority, maxAttempts uint32) Message {
	return Message{
		ID:          uuid.NewString(),
		Payload:     payload,
		Priority:    priority,
		CreatedAt:   time.Now(),
		MaxAttempts: maxAttempts,
	}
}

// Config is the process-wide, read-only-after-construction buffer configuration.
type Config struct {
	Capacity        int
	MaxMessageSize  int
	MessageTTL      time.Duration
	MaxAttempts     uint32
	CleanupInterval time.Duration
}

// DefaultConfig mirrors the defaults named in the original buffer design: 10k capacity,
// 1MiB messages, one hour TTL, three attempts, a minute between sweeps.
func DefaultConfig() Config {
	return Config{
		Capacity:        10000,
		MaxMessageSize:  1024 * 1024,
		MessageTTL:      time.Hour,
		MaxAttempts:     3,
		CleanupInterval: time.Minute,
	}
}

type subscriber struct {
	ch chan Message
}

// Buffer is the priority message bus described by the core specification: four FIFOs
// guarded by a single write lock, a size counter that must never diverge from the sum of
// queue lengths, and a best-effort broadcast of every successfully published message.
type Buffer struct {
	cfg Config

	mu     sync.Mutex
	queues [numPriorities][]Message
	size   int

	subMu sync.Mutex
	subs  map[*subscriber]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New creates a Buffer and starts its owned cleanup task.
func New(cfg Config) *Buffer {
	b := &Buffer{
		cfg:    cfg,
		subs:   make(map[*subscriber]struct{}),
		stopCh: make(chan struct{}),
	}
	b.wg.Add(1)
	go b.cleanupLoop()
	return b
}

// Close stops the owned cleanup task. Safe to call more than once.
func (b *Buffer) Close() {
	b.stopOnce.Do(func() { close(b.stopCh) })
	b.wg.Wait()
}

// Config returns the buffer's configuration.
func (b *Buffer) Config() Config { return b.cfg }

// Publish appends msg to the tail of its priority's queue and fans it out to subscribers.
// It is non-blocking with respect to slow subscribers: a full subscriber channel drops the
// fan-out message rather than blocking the publisher.
func (b *Buffer) Publish(msg Message) error {
	if len(msg.Payload) > b.cfg.MaxMessageSize {
		return ErrMessageTooLarge
	}

	b.mu.Lock()
	if b.size >= b.cfg.Capacity {
		b.mu.Unlock()
		return ErrBufferFull
	}
	b.queues[msg.Priority] = append(b.queues[msg.Priority], msg)
	b.size++
	b.mu.Unlock()

	b.broadcast(msg)
	return nil
}

// Pop removes and returns the head of the given priority's queue.
func (b *Buffer) Pop(priority Priority) (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.popLocked(priority)
}

func (b *Buffer) popLocked(priority Priority) (Message, bool) {
	q := b.queues[priority]
	if len(q) == 0 {
		return Message{}, false
	}
	msg := q[0]
	// Avoid retaining the popped element's backing slice reference.
	b.queues[priority][0] = Message{}
	b.queues[priority] = q[1:]
	b.size--
	return msg, true
}

// PopAny scans priorities Critical through Low and returns the first non-empty head.
// Starvation of Low under sustained higher-priority load is accepted by design.
func (b *Buffer) PopAny() (Message, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for p := Critical; p >= Low; p-- {
		if msg, ok := b.popLocked(p); ok {
			return msg, true
		}
	}
	return Message{}, false
}

// Len returns the current total queued size across all priorities.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// QueueLengths returns a snapshot of per-priority queue lengths, used by the metrics
// collector's queue-size gauges.
func (b *Buffer) QueueLengths() map[Priority]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make(map[Priority]int, numPriorities)
	for p := Low; p <= Critical; p++ {
		out[p] = len(b.queues[p])
	}
	return out
}

// Cleanup evicts messages whose age exceeds the buffer's TTL and returns the count removed.
// Clock skew (a created_at that appears to be in the future) is never treated as expiry.
func (b *Buffer) Cleanup() int {
	now := time.Now()
	removed := 0

	b.mu.Lock()
	for p := Low; p <= Critical; p++ {
		q := b.queues[p]
		kept := q[:0]
		for _, msg := range q {
			if now.Sub(msg.CreatedAt) > b.cfg.MessageTTL {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		b.queues[p] = kept
	}
	b.size -= removed
	b.mu.Unlock()

	return removed
}

func (b *Buffer) cleanupLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-b.stopCh:
			return
		case <-ticker.C:
			b.Cleanup()
		}
	}
}

// Subscribe returns a channel that observes every successfully published message. The
// authoritative consumer path is PopAny, not this channel: a slow subscriber loses
// messages rather than applying backpressure to publishers.
func (b *Buffer) Subscribe() (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, 256)}
	b.subMu.Lock()
	b.subs[sub] = struct{}{}
	b.subMu.Unlock()

	unsubscribe := func() {
		b.subMu.Lock()
		delete(b.subs, sub)
		b.subMu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

func (b *Buffer) broadcast(msg Message) {
	b.subMu.Lock()
	defer b.subMu.Unlock()
	for sub := range b.subs {
		select {
		case sub.ch <- msg:
		default:
			// Lagging subscriber: drop rather than block the publisher.
		}
	}
}
