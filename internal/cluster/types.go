// Package cluster implements the Raft-style node registry, leader election and heartbeat
// protocol (Manager), and the cluster-aware message replication/rebalancing layer
// (Processor) that sits on top of a local worker pool.
package cluster

import (
	"time"

	"github.com/google/uuid"
)

// Role is a node's current position in the election state machine.
type Role int

// Roles, matching the Raft-style state machine described for the cluster coordinator.
const (
	RoleFollower Role = iota
	RoleCandidate
	RoleLeader
	RoleObserver
)

func (r Role) String() string {
	switch r {
	case RoleFollower:
		return "follower"
	case RoleCandidate:
		return "candidate"
	case RoleLeader:
		return "leader"
	case RoleObserver:
		return "observer"
	default:
		return "unknown"
	}
}

// Health is a node's last-observed liveness classification.
type Health int

// Health levels.
const (
	HealthUnknown Health = iota
	HealthHealthy
	HealthDegraded
	HealthUnhealthy
)

func (h Health) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	case HealthUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// Capabilities advertises what a node can do, used by extensions that schedule work by
// task type; the core treats this as an opaque descriptive blob.
type Capabilities struct {
	CPUCores  int
	MemoryMB  uint64
	TaskTypes []string
	Custom    map[string]string
}

// Node is a member of the cluster, either the local node or an owned copy of a peer refreshed
// by incoming messages.
type Node struct {
	ID            uuid.UUID
	Addr          string
	Role          Role
	Health        Health
	Capabilities  Capabilities
	LastHeartbeat time.Time
	Term          uint64
	Labels        map[string]string
}

// Clone returns a deep-enough copy of n suitable for a peer-table entry.
func (n Node) Clone() Node {
	c := n
	if n.Capabilities.TaskTypes != nil {
		c.Capabilities.TaskTypes = append([]string(nil), n.Capabilities.TaskTypes...)
	}
	if n.Capabilities.Custom != nil {
		c.Capabilities.Custom = make(map[string]string, len(n.Capabilities.Custom))
		for k, v := range n.Capabilities.Custom {
			c.Capabilities.Custom[k] = v
		}
	}
	if n.Labels != nil {
		c.Labels = make(map[string]string, len(n.Labels))
		for k, v := range n.Labels {
			c.Labels[k] = v
		}
	}
	return c
}

// State is the replicated cluster membership and term snapshot. A node may consider itself
// Leader only if it holds votes.len() >= QuorumSize for the current term.
type State struct {
	Term          uint64
	LeaderID      uuid.UUID
	HasLeader     bool
	Nodes         map[uuid.UUID]Node
	QuorumSize    int
	ConfigVersion uint64
	LastUpdated   time.Time
}

// Clone returns a deep copy of s suitable for a StateSync broadcast payload.
func (s State) Clone() State {
	c := s
	c.Nodes = make(map[uuid.UUID]Node, len(s.Nodes))
	for id, n := range s.Nodes {
		c.Nodes[id] = n.Clone()
	}
	return c
}

// MessageKind tags the variant carried by a Message.
type MessageKind int

// Message kinds, matching the discriminated union of peer-to-peer cluster messages.
const (
	KindRequestVote MessageKind = iota
	KindVoteResponse
	KindHeartbeat
	KindJoin
	KindLeave
	KindRemove
	KindStateSync
)

// Message is the discriminated union of peer-to-peer cluster messages, encoded as one struct
// with only the fields relevant to Kind populated — the simplest representation for a small
// closed union transported as JSON over the load balancer's TCP connections.
type Message struct {
	Kind MessageKind

	// RequestVote / VoteResponse / Heartbeat
	Term        uint64
	CandidateID uuid.UUID
	VoterID     uuid.UUID
	Granted     bool
	LeaderID    uuid.UUID
	Timestamp   time.Time

	// Join / Leave / Remove
	Node   Node
	NodeID uuid.UUID
	Reason string

	// StateSync
	State State
}
