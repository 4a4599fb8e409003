package cluster

import (
	"errors"
	"math/rand"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/nexa-mcp/fleet/internal/ports"
)

// ErrUnknownNode is returned by SendMessageToNode for an id absent from the peer table.
var ErrUnknownNode = errors.New("cluster: unknown node")

// Config is a cluster's fixed, read-only-after-construction configuration.
type Config struct {
	HeartbeatInterval   time.Duration
	ElectionTimeoutMin  time.Duration
	ElectionTimeoutMax  time.Duration
	MinQuorumSize       int
	NodeTimeout         time.Duration
	ReplicationFactor   int
	HealthCheckInterval time.Duration
	ClusterID           string
}

// DefaultConfig mirrors the original cluster's defaults: 100ms heartbeats, a 150-300ms
// election timeout range, quorum of 3, a 5s node timeout, replication factor 3.
func DefaultConfig() Config {
	return Config{
		HeartbeatInterval:   100 * time.Millisecond,
		ElectionTimeoutMin:  150 * time.Millisecond,
		ElectionTimeoutMax:  300 * time.Millisecond,
		MinQuorumSize:       3,
		NodeTimeout:         5 * time.Second,
		ReplicationFactor:   3,
		HealthCheckInterval: time.Second,
		ClusterID:           "nexa-cluster",
	}
}

type subscriber struct {
	ch chan Message
}

// Manager owns the local node's identity, the replicated cluster state, the peer table, and
// the election/heartbeat/health-monitor tasks. Locks are always acquired in the fixed order
// state -> node -> votes to avoid deadlock, and are never held across a blocking send.
type Manager struct {
	cfg Config

	stateMu sync.RWMutex
	state   State

	nodeMu sync.RWMutex
	node   Node

	votesMu sync.Mutex
	votes   map[uuid.UUID]bool

	peersMu sync.RWMutex
	peers   map[uuid.UUID]Node

	subMu sync.Mutex
	subs  map[*subscriber]struct{}

	log ports.Logger

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// New creates a Manager for the local node bound to addr. Start spawns its background tasks.
func New(cfg Config, addr string, log ports.Logger) *Manager {
	nodeID := uuid.New()
	now := time.Now()

	node := Node{
		ID:     nodeID,
		Addr:   addr,
		Role:   RoleFollower,
		Health: HealthHealthy,
		Capabilities: Capabilities{
			CPUCores:  runtime.NumCPU(),
			TaskTypes: []string{"general"},
			Custom:    map[string]string{},
		},
		LastHeartbeat: now,
		Term:          0,
		Labels:        map[string]string{},
	}

	return &Manager{
		cfg:  cfg,
		node: node,
		state: State{
			Term:        0,
			Nodes:       map[uuid.UUID]Node{nodeID: node.Clone()},
			QuorumSize:  cfg.MinQuorumSize,
			LastUpdated: now,
		},
		votes: make(map[uuid.UUID]bool),
		peers: make(map[uuid.UUID]Node),
		subs:  make(map[*subscriber]struct{}),
		log:   log,

		stopCh: make(chan struct{}),
	}
}

// Self returns a snapshot of the local node.
func (m *Manager) Self() Node {
	m.nodeMu.RLock()
	defer m.nodeMu.RUnlock()
	return m.node.Clone()
}

// StateSnapshot returns a snapshot of the replicated cluster state.
func (m *Manager) StateSnapshot() State {
	m.stateMu.RLock()
	defer m.stateMu.RUnlock()
	return m.state.Clone()
}

// Start spawns the heartbeat sender, election-timeout monitor, and health monitor tasks.
func (m *Manager) Start() {
	m.wg.Add(3)
	go m.heartbeatLoop()
	go m.electionTimeoutLoop()
	go m.healthMonitorLoop()
}

// Stop signals every background task to exit and waits for them.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.wg.Wait()
}

// Subscribe returns a channel observing every message this Manager broadcasts (heartbeats,
// vote requests, membership changes, state syncs). A slow subscriber drops messages rather
// than applying backpressure.
func (m *Manager) Subscribe() (<-chan Message, func()) {
	sub := &subscriber{ch: make(chan Message, 256)}
	m.subMu.Lock()
	m.subs[sub] = struct{}{}
	m.subMu.Unlock()

	unsubscribe := func() {
		m.subMu.Lock()
		delete(m.subs, sub)
		m.subMu.Unlock()
		close(sub.ch)
	}
	return sub.ch, unsubscribe
}

func (m *Manager) broadcast(msg Message) {
	m.subMu.Lock()
	defer m.subMu.Unlock()
	for sub := range m.subs {
		select {
		case sub.ch <- msg:
		default:
		}
	}
}

// StartElection takes the state and node locks in that order, increments the term, becomes
// Candidate, votes for itself, and broadcasts a RequestVote.
func (m *Manager) StartElection() {
	m.stateMu.Lock()
	m.nodeMu.Lock()

	m.state.Term++
	m.node.Role = RoleCandidate
	m.node.Term = m.state.Term
	term := m.state.Term
	candidateID := m.node.ID

	m.nodeMu.Unlock()
	m.stateMu.Unlock()

	m.votesMu.Lock()
	m.votes = map[uuid.UUID]bool{candidateID: true}
	voteCount := len(m.votes)
	m.votesMu.Unlock()

	m.maybeBecomeLeader(term, voteCount)

	m.broadcast(Message{Kind: KindRequestVote, Term: term, CandidateID: candidateID})
}

// HandleVote records a granted vote for term and promotes the local node to Leader once
// quorum_size votes have accumulated in that term. Votes for a stale term are ignored.
func (m *Manager) HandleVote(term uint64, voterID uuid.UUID, granted bool) {
	m.stateMu.RLock()
	currentTerm := m.state.Term
	m.stateMu.RUnlock()
	if term != currentTerm {
		return
	}
	if !granted {
		return
	}

	m.votesMu.Lock()
	m.votes[voterID] = true
	count := len(m.votes)
	m.votesMu.Unlock()

	m.maybeBecomeLeader(term, count)
}

func (m *Manager) maybeBecomeLeader(term uint64, voteCount int) {
	m.stateMu.Lock()
	m.nodeMu.Lock()
	defer m.nodeMu.Unlock()
	defer m.stateMu.Unlock()

	if m.state.Term != term || m.node.Role == RoleLeader {
		return
	}
	if voteCount < m.state.QuorumSize {
		return
	}

	m.node.Role = RoleLeader
	m.state.LeaderID = m.node.ID
	m.state.HasLeader = true
	m.log.Info("cluster: won election", ports.Field{Key: "term", Value: term}, ports.Field{Key: "node_id", Value: m.node.ID.String()})
}

// HandleHeartbeat processes an incoming heartbeat. Heartbeats from a stale term are dropped.
// A heartbeat with term >= the local term demotes a Candidate or Leader to Follower.
func (m *Manager) HandleHeartbeat(term uint64, leaderID uuid.UUID) {
	m.stateMu.Lock()
	m.nodeMu.Lock()
	defer m.nodeMu.Unlock()
	defer m.stateMu.Unlock()

	if term < m.state.Term {
		return
	}

	m.state.Term = term
	m.state.LeaderID = leaderID
	m.state.HasLeader = true
	m.node.Role = RoleFollower
	m.node.Term = term
	m.node.LastHeartbeat = time.Now()
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.sendHeartbeatIfLeader()
		}
	}
}

func (m *Manager) sendHeartbeatIfLeader() {
	m.nodeMu.RLock()
	isLeader := m.node.Role == RoleLeader
	nodeID := m.node.ID
	m.nodeMu.RUnlock()
	if !isLeader {
		return
	}

	m.stateMu.RLock()
	term := m.state.Term
	m.stateMu.RUnlock()

	m.broadcast(Message{Kind: KindHeartbeat, Term: term, LeaderID: nodeID, Timestamp: time.Now()})
}

func (m *Manager) electionTimeoutLoop() {
	defer m.wg.Done()
	for {
		timeout := m.cfg.ElectionTimeoutMin
		if span := m.cfg.ElectionTimeoutMax - m.cfg.ElectionTimeoutMin; span > 0 {
			timeout += time.Duration(rand.Int63n(int64(span)))
		}

		select {
		case <-m.stopCh:
			return
		case <-time.After(timeout):
			m.checkElection()
		}
	}
}

func (m *Manager) checkElection() {
	m.nodeMu.RLock()
	isLeader := m.node.Role == RoleLeader
	elapsed := time.Since(m.node.LastHeartbeat)
	m.nodeMu.RUnlock()

	if !isLeader && elapsed > m.cfg.NodeTimeout {
		m.log.Info("cluster: starting election after node timeout")
		m.StartElection()
	}
}

func (m *Manager) healthMonitorLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HealthCheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.emitStateSync()
		}
	}
}

func (m *Manager) emitStateSync() {
	snap := m.StateSnapshot()
	m.broadcast(Message{Kind: KindStateSync, Term: snap.Term, State: snap})
}

// Join inserts node into the peer table and bumps the state's config_version.
func (m *Manager) Join(node Node) {
	m.peersMu.Lock()
	m.peers[node.ID] = node.Clone()
	m.peersMu.Unlock()

	m.stateMu.Lock()
	m.state.Nodes[node.ID] = node.Clone()
	m.state.ConfigVersion++
	m.stateMu.Unlock()

	m.broadcast(Message{Kind: KindJoin, Node: node, Timestamp: time.Now()})
}

// Leave removes id from the peer table, broadcast by the departing node itself.
func (m *Manager) Leave(id uuid.UUID) {
	m.removePeer(id)
	m.broadcast(Message{Kind: KindLeave, NodeID: id, Timestamp: time.Now()})
}

// Remove removes id from the peer table with reason, broadcast by whichever node detected
// the timeout.
func (m *Manager) Remove(id uuid.UUID, reason string) {
	m.removePeer(id)
	m.broadcast(Message{Kind: KindRemove, NodeID: id, Reason: reason, Timestamp: time.Now()})
}

func (m *Manager) removePeer(id uuid.UUID) {
	m.peersMu.Lock()
	delete(m.peers, id)
	m.peersMu.Unlock()

	m.stateMu.Lock()
	delete(m.state.Nodes, id)
	m.state.ConfigVersion++
	m.stateMu.Unlock()
}

// GetActiveNodes returns every peer currently marked Healthy.
func (m *Manager) GetActiveNodes() []Node {
	m.peersMu.RLock()
	defer m.peersMu.RUnlock()
	out := make([]Node, 0, len(m.peers))
	for _, n := range m.peers {
		if n.Health == HealthHealthy {
			out = append(out, n)
		}
	}
	return out
}

// UpdatePeer refreshes or inserts a peer's owned copy, e.g. on receiving a Heartbeat or Join.
func (m *Manager) UpdatePeer(n Node) {
	m.peersMu.Lock()
	m.peers[n.ID] = n.Clone()
	m.peersMu.Unlock()
}

// SendMessageToNode is the seam real deployments replace with an RPC call over the load
// balancer; the default implementation only validates the target is a known peer.
func (m *Manager) SendMessageToNode(_ Message, nodeID uuid.UUID) error {
	m.peersMu.RLock()
	_, ok := m.peers[nodeID]
	m.peersMu.RUnlock()
	if !ok {
		return ErrUnknownNode
	}
	return nil
}

// TransferMessages is the seam real deployments replace with an RPC call that moves `count`
// messages from one peer's backlog to another's.
func (m *Manager) TransferMessages(from, to uuid.UUID, count int) error {
	m.log.Debug("cluster: transferring messages", ports.Field{Key: "from", Value: from.String()}, ports.Field{Key: "to", Value: to.String()}, ports.Field{Key: "count", Value: count})
	return nil
}
