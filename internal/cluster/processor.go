package cluster

import (
	"sort"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/google/uuid"
	"github.com/nexa-mcp/fleet/internal/buffer"
	"github.com/nexa-mcp/fleet/internal/ports"
	"github.com/nexa-mcp/fleet/pkg/circuitbreaker"
)

// distributionCacheSize bounds how many distinct message ids the distribution map tracks.
// Once a cluster has processed this many messages, the oldest (by least-recent access)
// entries are evicted rather than letting the map grow without bound for long-dead messages.
const distributionCacheSize = 10000

// ProcessorConfig configures the two periodic tasks a Processor adds on top of a Manager.
type ProcessorConfig struct {
	ReplicationFactor       int
	SyncInterval            time.Duration
	RedistributionInterval  time.Duration
	OverloadThreshold       int
}

// DefaultProcessorConfig mirrors the original defaults: replication factor 2, a 5s sync
// interval, a 30s redistribution interval, and the ±10-messages imbalance threshold.
func DefaultProcessorConfig() ProcessorConfig {
	return ProcessorConfig{
		ReplicationFactor:      2,
		SyncInterval:           5 * time.Second,
		RedistributionInterval: 30 * time.Second,
		OverloadThreshold:      10,
	}
}

// distribution tracks, for each message id, which peers hold a replica, and how many
// messages each peer is currently carrying. locations is an LRU cache rather than a plain map:
// a long-lived cluster processes far more message ids than it needs to remember, and without
// eviction the map would grow for the lifetime of the process.
type distribution struct {
	mu        sync.RWMutex
	locations *lru.Cache[string, []uuid.UUID]
	counts    map[uuid.UUID]int
}

func newDistribution() *distribution {
	cache, _ := lru.New[string, []uuid.UUID](distributionCacheSize)
	return &distribution{
		locations: cache,
		counts:    make(map[uuid.UUID]int),
	}
}

func (d *distribution) nodesFor(msgID string) []uuid.UUID {
	d.mu.RLock()
	defer d.mu.RUnlock()
	nodes, _ := d.locations.Get(msgID)
	return append([]uuid.UUID(nil), nodes...)
}

func (d *distribution) add(msgID string, nodeID uuid.UUID) {
	d.mu.Lock()
	defer d.mu.Unlock()
	nodes, _ := d.locations.Get(msgID)
	d.locations.Add(msgID, append(nodes, nodeID))
	d.counts[nodeID]++
}

func (d *distribution) countFor(nodeID uuid.UUID) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.counts[nodeID]
}

func (d *distribution) snapshotCounts() map[uuid.UUID]int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make(map[uuid.UUID]int, len(d.counts))
	for k, v := range d.counts {
		out[k] = v
	}
	return out
}

// Processor replicates every message published to a local buffer.Buffer to R distinct
// healthy peers and periodically rebalances load across peers whose backlog has drifted
// more than OverloadThreshold messages from the cluster mean.
type Processor struct {
	cfg     ProcessorConfig
	buf     *buffer.Buffer
	manager *Manager
	dist    *distribution
	log     ports.Logger

	replicateCB *circuitbreaker.CircuitBreaker

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewProcessor creates a Processor. Start spawns its sync and rebalance tasks. Replication to
// peers runs behind a circuit breaker so a peer flapping under load sheds replication attempts
// instead of spending the full per-send timeout on every sync tick.
func NewProcessor(cfg ProcessorConfig, buf *buffer.Buffer, manager *Manager, log ports.Logger) *Processor {
	return &Processor{
		cfg:         cfg,
		buf:         buf,
		manager:     manager,
		dist:        newDistribution(),
		log:         log,
		replicateCB: circuitbreaker.New("cluster-replicate", 0.5, 2, 10*time.Second, 32, 5),
		stopCh:      make(chan struct{}),
	}
}

// Start spawns the sync and redistribution tasks.
func (p *Processor) Start() {
	p.wg.Add(2)
	go p.syncLoop()
	go p.redistributeLoop()
}

// Stop signals both tasks to exit and waits for them.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
}

func (p *Processor) syncLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.SyncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.syncMessages()
		}
	}
}

// syncMessages drains every message currently queued, replicates it to enough healthy peers
// to reach ReplicationFactor distinct holders, then republishes it so local processing
// proceeds unaffected. Replication failures are logged and retried on the next tick since the
// distribution map is only updated on success.
func (p *Processor) syncMessages() {
	nodes := p.manager.GetActiveNodes()

	drained := p.drainAll()
	for _, msg := range drained {
		current := p.dist.nodesFor(msg.ID)
		if len(current) < p.cfg.ReplicationFactor {
			needed := p.cfg.ReplicationFactor - len(current)
			candidates := candidatesExcluding(nodes, current)
			for i := 0; i < needed && i < len(candidates); i++ {
				target := candidates[i]
				err := p.replicateCB.Execute(func() error {
					return p.manager.SendMessageToNode(Message{Kind: KindStateSync}, target.ID)
				})
				if err != nil {
					p.log.Warn("cluster: failed to replicate message", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "node_id", Value: target.ID.String()}, ports.Field{Key: "error", Value: err.Error()})
					continue
				}
				p.dist.add(msg.ID, target.ID)
			}
		}

		if err := p.buf.Publish(msg); err != nil {
			p.log.Warn("cluster: failed to return synced message to buffer", ports.Field{Key: "message_id", Value: msg.ID}, ports.Field{Key: "error", Value: err.Error()})
		}
	}
}

// drainAll pops every message currently in the buffer. It is sized to the buffer's reported
// length at the start of the drain; messages published concurrently are left for the next
// sync tick rather than looped over indefinitely.
func (p *Processor) drainAll() []buffer.Message {
	n := p.buf.Len()
	out := make([]buffer.Message, 0, n)
	for i := 0; i < n; i++ {
		msg, ok := p.buf.PopAny()
		if !ok {
			break
		}
		out = append(out, msg)
	}
	return out
}

func candidatesExcluding(nodes []Node, exclude []uuid.UUID) []Node {
	excluded := make(map[uuid.UUID]struct{}, len(exclude))
	for _, id := range exclude {
		excluded[id] = struct{}{}
	}
	out := make([]Node, 0, len(nodes))
	for _, n := range nodes {
		if _, skip := excluded[n.ID]; !skip {
			out = append(out, n)
		}
	}
	return out
}

func (p *Processor) redistributeLoop() {
	defer p.wg.Done()
	ticker := time.NewTicker(p.cfg.RedistributionInterval)
	defer ticker.Stop()
	for {
		select {
		case <-p.stopCh:
			return
		case <-ticker.C:
			p.redistribute()
		}
	}
}

// redistribute computes the mean messages-per-node across healthy peers, identifies nodes
// more than OverloadThreshold above (overloaded) or below (underloaded) the mean, pairs them
// off, and requests a batch-of-10 transfer for each pair.
func (p *Processor) redistribute() {
	nodes := p.manager.GetActiveNodes()
	if len(nodes) == 0 {
		return
	}

	counts := p.dist.snapshotCounts()
	total := 0
	for _, n := range nodes {
		total += counts[n.ID]
	}
	mean := total / len(nodes)

	var overloaded, underloaded []Node
	for _, n := range nodes {
		c := counts[n.ID]
		switch {
		case c > mean+p.cfg.OverloadThreshold:
			overloaded = append(overloaded, n)
		case c < mean-p.cfg.OverloadThreshold:
			underloaded = append(underloaded, n)
		}
	}

	sort.Slice(overloaded, func(i, j int) bool { return counts[overloaded[i].ID] > counts[overloaded[j].ID] })
	sort.Slice(underloaded, func(i, j int) bool { return counts[underloaded[i].ID] < counts[underloaded[j].ID] })

	for i := 0; i < len(overloaded) && i < len(underloaded); i++ {
		from, to := overloaded[i], underloaded[i]
		if err := p.manager.TransferMessages(from.ID, to.ID, 10); err != nil {
			p.log.Warn("cluster: failed to transfer messages", ports.Field{Key: "from", Value: from.ID.String()}, ports.Field{Key: "to", Value: to.ID.String()}, ports.Field{Key: "error", Value: err.Error()})
		}
	}
}
