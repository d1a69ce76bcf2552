package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cometbft/cometbft/crypto"

	"github.com/justSteve/claude-flow/core"
)

// roundValue tags a proposed value with its round number so a committed log
// entry can be matched back to the round that proposed it.
type roundValue struct {
	Round uint64          `json:"round"`
	Value json.RawMessage `json:"value"`
}

const maxTicksPerRound = 1000

// RaftCluster hosts one RaftNode per agent and routes their messages
// in-process. It implements the Protocol envelope for the engine.
type RaftCluster struct {
	mu        sync.Mutex
	cfg       RaftConfig
	seed      int64
	nodes     map[string]*RaftNode
	stopped   map[string]bool
	decisions map[uint64]json.RawMessage
}

// NewRaftCluster creates an empty cluster; nodes are added lazily from each
// round's participant snapshot.
func NewRaftCluster(cfg RaftConfig, seed int64) *RaftCluster {
	return &RaftCluster{
		cfg:       cfg,
		seed:      seed,
		nodes:     make(map[string]*RaftNode),
		stopped:   make(map[string]bool),
		decisions: make(map[uint64]json.RawMessage),
	}
}

// Kind identifies the protocol variant.
func (c *RaftCluster) Kind() core.ProtocolKind { return core.ProtocolRaft }

// Stop simulates an agent crash: its node no longer ticks and messages to it
// are dropped.
func (c *RaftCluster) Stop(id string) {
	c.mu.Lock()
	c.stopped[id] = true
	c.mu.Unlock()
}

// Restart brings a crashed agent back as a follower with an empty log; it
// will catch up from the leader's replication.
func (c *RaftCluster) Restart(id string) {
	c.mu.Lock()
	delete(c.stopped, id)
	c.mu.Unlock()
}

// Leader returns the current leader among live nodes, if one is believed.
func (c *RaftCluster) Leader() (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for id, node := range c.nodes {
		if !c.stopped[id] && node.State() == Leader {
			return id, true
		}
	}
	return "", false
}

func (c *RaftCluster) ensureNodes(participants []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, id := range participants {
		if _, ok := c.nodes[id]; !ok {
			c.nodes[id] = NewRaftNode(id, participants, c.cfg, c.seed+int64(i)+int64(len(c.nodes))*31)
		}
	}
	for _, node := range c.nodes {
		node.SetParticipants(participants)
	}
}

// route delivers messages breadth-first until the network is quiet. Messages
// to stopped or unknown nodes are dropped.
func (c *RaftCluster) route(msgs []core.Message) {
	queue := msgs
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		c.mu.Lock()
		node, ok := c.nodes[msg.Target]
		dead := c.stopped[msg.Target]
		c.mu.Unlock()
		if !ok || dead {
			continue
		}
		queue = append(queue, node.Step(msg)...)
	}
}

// tickAll advances every live node by one timer step.
func (c *RaftCluster) tickAll() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.nodes))
	for id := range c.nodes {
		if !c.stopped[id] {
			ids = append(ids, id)
		}
	}
	c.mu.Unlock()
	for _, id := range ids {
		c.mu.Lock()
		node := c.nodes[id]
		c.mu.Unlock()
		c.route(node.Tick())
	}
}

// ProposeRound elects a leader if needed, proposes the round's value through
// it, and drives replication until the entry commits or the round times out.
func (c *RaftCluster) ProposeRound(ctx context.Context, round *core.ConsensusRound) error {
	c.ensureNodes(round.Participants)

	wrapped := core.EncodeJSON(roundValue{Round: round.Round, Value: round.Proposed})
	proposed := false

	for tick := 0; tick < maxTicksPerRound; tick++ {
		select {
		case <-ctx.Done():
			return fmt.Errorf("round %d: %w", round.Round, core.ErrRoundTimeout)
		default:
		}

		c.tickAll()

		if leaderID, ok := c.Leader(); ok {
			c.mu.Lock()
			leader := c.nodes[leaderID]
			c.mu.Unlock()
			if !proposed {
				msgs, err := leader.Propose(wrapped)
				if err != nil {
					continue // lost leadership between check and propose
				}
				proposed = true
				c.route(msgs)
			}
			if value, ok := c.committedValue(leader, round.Round); ok {
				round.Decision = value
				c.mu.Lock()
				c.decisions[round.Round] = value
				c.mu.Unlock()
				return nil
			}
		}
	}
	return fmt.Errorf("round %d: %w", round.Round, core.ErrRoundTimeout)
}

func (c *RaftCluster) committedValue(node *RaftNode, round uint64) (json.RawMessage, bool) {
	for _, entry := range node.CommittedEntries() {
		var rv roundValue
		if err := json.Unmarshal(entry.Value, &rv); err != nil {
			continue
		}
		if rv.Round == round {
			return rv.Value, true
		}
	}
	return nil, false
}

// OnMessage feeds an externally received envelope into the cluster. Raft
// envelopes carry the sender's term in Round; one from a term older than the
// target node's is rejected instead of routed.
func (c *RaftCluster) OnMessage(msg core.Message) error {
	c.mu.Lock()
	node, ok := c.nodes[msg.Target]
	dead := c.stopped[msg.Target]
	c.mu.Unlock()
	if ok && !dead && msg.Round < node.Term() {
		return fmt.Errorf("message from %s at term %d, node %s at term %d: %w",
			msg.Sender, msg.Round, msg.Target, node.Term(), core.ErrStaleTerm)
	}
	c.route([]core.Message{msg})
	return nil
}

// CurrentDecision returns the decided value of a finished round.
func (c *RaftCluster) CurrentDecision(round uint64) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.decisions[round]
	return value, ok
}

// BFTCluster hosts one BFTNode per agent with a shared public key table.
type BFTCluster struct {
	mu        sync.Mutex
	nodes     map[string]*BFTNode
	keys      map[string]Keypair
	pubkeys   map[string]crypto.PubKey
	stopped   map[string]bool
	decisions map[uint64]json.RawMessage
}

// NewBFTCluster creates an empty Byzantine cluster.
func NewBFTCluster() *BFTCluster {
	return &BFTCluster{
		nodes:     make(map[string]*BFTNode),
		keys:      make(map[string]Keypair),
		pubkeys:   make(map[string]crypto.PubKey),
		stopped:   make(map[string]bool),
		decisions: make(map[uint64]json.RawMessage),
	}
}

// Kind identifies the protocol variant.
func (c *BFTCluster) Kind() core.ProtocolKind { return core.ProtocolByzantine }

// Stop silences an agent, counting it toward the fault budget.
func (c *BFTCluster) Stop(id string) {
	c.mu.Lock()
	c.stopped[id] = true
	c.mu.Unlock()
}

// Restart brings a silenced agent back for subsequent rounds.
func (c *BFTCluster) Restart(id string) {
	c.mu.Lock()
	delete(c.stopped, id)
	c.mu.Unlock()
}

func (c *BFTCluster) ensureNodes(participants []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, id := range participants {
		if _, ok := c.keys[id]; !ok {
			kp := GenerateKeypair()
			c.keys[id] = kp
			c.pubkeys[id] = kp.Pub
		}
	}
	for _, id := range participants {
		if _, ok := c.nodes[id]; !ok {
			c.nodes[id] = NewBFTNode(id, c.keys[id], c.pubkeys, participants)
		}
	}
	for _, node := range c.nodes {
		node.SetParticipants(participants)
	}
}

func (c *BFTCluster) route(msgs []core.Message) {
	queue := msgs
	for len(queue) > 0 {
		msg := queue[0]
		queue = queue[1:]
		c.mu.Lock()
		node, ok := c.nodes[msg.Target]
		dead := c.stopped[msg.Target]
		c.mu.Unlock()
		if !ok || dead {
			continue
		}
		queue = append(queue, node.Step(msg)...)
	}
}

// ProposeRound drives one two-phase Byzantine round. If the 2f+1 threshold
// cannot be met with the live participants the round is abandoned with
// ErrQuorumUnreachable; the engine retries under a fresh round number.
func (c *BFTCluster) ProposeRound(ctx context.Context, round *core.ConsensusRound) error {
	c.ensureNodes(round.Participants)

	proposer := ""
	for _, id := range round.Participants {
		c.mu.Lock()
		dead := c.stopped[id]
		c.mu.Unlock()
		if !dead {
			proposer = id
			break
		}
	}
	if proposer == "" {
		return fmt.Errorf("round %d: %w", round.Round, core.ErrQuorumUnreachable)
	}

	select {
	case <-ctx.Done():
		return fmt.Errorf("round %d: %w", round.Round, core.ErrRoundTimeout)
	default:
	}

	c.mu.Lock()
	node := c.nodes[proposer]
	c.mu.Unlock()
	c.route(node.StartRound(round.Round, round.Proposed))

	// Message routing is synchronous; once the network is quiet, either the
	// quorum was reached or it never will be in this round.
	if value, ok := node.Decision(round.Round); ok {
		round.Decision = value
		c.mu.Lock()
		c.decisions[round.Round] = value
		c.mu.Unlock()
		return nil
	}
	return fmt.Errorf("round %d: %w", round.Round, core.ErrQuorumUnreachable)
}

// OnMessage feeds an externally received envelope into the cluster.
func (c *BFTCluster) OnMessage(msg core.Message) error {
	c.route([]core.Message{msg})
	return nil
}

// CurrentDecision returns the decided value of a finished round.
func (c *BFTCluster) CurrentDecision(round uint64) (json.RawMessage, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	value, ok := c.decisions[round]
	return value, ok
}

// Node exposes a participant's node for verification in tests.
func (c *BFTCluster) Node(id string) *BFTNode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodes[id]
}
