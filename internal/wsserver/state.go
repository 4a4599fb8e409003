// Package wsserver implements the WebSocket front door: a single state machine that owns one
// TCP listener, accepts and upgrades connections, and drives a per-connection read loop.
package wsserver

import (
	"fmt"
	"sync"
)

// State is one node in the server lifecycle state machine.
type State int

const (
	Stopped State = iota
	Starting
	Running
	Stopping
	Error
	Maintenance
)

// String renders the state name used in the state file and log fields. Error carries no
// message here; callers that need the message read it off Metrics.LastError.
func (s State) String() string {
	switch s {
	case Stopped:
		return "Stopped"
	case Starting:
		return "Starting"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Error:
		return "Error"
	case Maintenance:
		return "Maintenance"
	default:
		return fmt.Sprintf("Unknown(%d)", int(s))
	}
}

// stateBroadcaster holds the current state under a lock and fans out changes to subscribers.
// Observers (ServerControl's health poller, tests) watch via Subscribe rather than polling.
type stateBroadcaster struct {
	mu     sync.RWMutex
	state  State
	subs   map[chan State]struct{}
	subsMu sync.Mutex
}

func newStateBroadcaster() *stateBroadcaster {
	return &stateBroadcaster{
		state: Stopped,
		subs:  make(map[chan State]struct{}),
	}
}

func (b *stateBroadcaster) get() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *stateBroadcaster) set(s State) {
	b.mu.Lock()
	b.state = s
	b.mu.Unlock()

	b.subsMu.Lock()
	defer b.subsMu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- s:
		default:
			// Slow subscriber: drop the update rather than block the state-owning goroutine.
		}
	}
}

// subscribe returns a channel receiving every subsequent state change, and an unsubscribe func.
func (b *stateBroadcaster) subscribe() (<-chan State, func()) {
	ch := make(chan State, 8)
	b.subsMu.Lock()
	b.subs[ch] = struct{}{}
	b.subsMu.Unlock()

	return ch, func() {
		b.subsMu.Lock()
		delete(b.subs, ch)
		b.subsMu.Unlock()
		close(ch)
	}
}
