package cluster

import (
	"testing"
	"time"

	"github.com/google/uuid"
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

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MinQuorumSize = 2
	return cfg
}

func TestNewManagerStartsAsFollower(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9100", testLogger(t))
	self := m.Self()
	assert.Equal(t, RoleFollower, self.Role)
	assert.Equal(t, HealthHealthy, self.Health)
}

func TestStartElectionBecomesCandidateAndBumpsTerm(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9101", testLogger(t))
	m.StartElection()

	self := m.Self()
	assert.Equal(t, RoleCandidate, self.Role)
	assert.Equal(t, uint64(1), m.StateSnapshot().Term)
}

func TestHandleVoteReachesQuorumAndBecomesLeader(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9102", testLogger(t))
	m.StartElection()

	m.HandleVote(1, uuid.New(), true)

	self := m.Self()
	assert.Equal(t, RoleLeader, self.Role)
	state := m.StateSnapshot()
	assert.True(t, state.HasLeader)
	assert.Equal(t, self.ID, state.LeaderID)
}

func TestHandleVoteIgnoresStaleTerm(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9103", testLogger(t))
	m.StartElection() // term -> 1

	m.HandleVote(0, uuid.New(), true) // stale term, ignored

	assert.Equal(t, RoleCandidate, m.Self().Role)
}

func TestHandleHeartbeatDropsStaleTermAndDemotesOnNewerTerm(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9104", testLogger(t))
	m.StartElection() // term -> 1, role -> candidate

	m.HandleHeartbeat(0, uuid.New()) // stale, dropped
	assert.Equal(t, RoleCandidate, m.Self().Role)

	leader := uuid.New()
	m.HandleHeartbeat(5, leader)
	self := m.Self()
	assert.Equal(t, RoleFollower, self.Role)
	state := m.StateSnapshot()
	assert.Equal(t, leader, state.LeaderID)
	assert.Equal(t, uint64(5), state.Term)
}

func TestJoinAddsPeerAndBumpsConfigVersion(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9105", testLogger(t))
	before := m.StateSnapshot().ConfigVersion

	peer := Node{ID: uuid.New(), Addr: "127.0.0.1:9200", Health: HealthHealthy}
	m.Join(peer)

	assert.Equal(t, before+1, m.StateSnapshot().ConfigVersion)
	active := m.GetActiveNodes()
	require.Len(t, active, 1)
	assert.Equal(t, peer.ID, active[0].ID)
}

func TestRemoveDropsPeerFromActiveSet(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9106", testLogger(t))
	peer := Node{ID: uuid.New(), Health: HealthHealthy}
	m.Join(peer)
	require.Len(t, m.GetActiveNodes(), 1)

	m.Remove(peer.ID, "timeout")
	assert.Empty(t, m.GetActiveNodes())
}

func TestSendMessageToNodeRejectsUnknownPeer(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9107", testLogger(t))
	err := m.SendMessageToNode(Message{Kind: KindHeartbeat}, uuid.New())
	assert.ErrorIs(t, err, ErrUnknownNode)
}

func TestSubscribeObservesElectionBroadcast(t *testing.T) {
	m := New(testConfig(), "127.0.0.1:9108", testLogger(t))
	ch, unsubscribe := m.Subscribe()
	defer unsubscribe()

	m.StartElection()

	select {
	case msg := <-ch:
		assert.Equal(t, KindRequestVote, msg.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for RequestVote broadcast")
	}
}
