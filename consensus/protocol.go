package consensus

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sync"

	"github.com/justSteve/claude-flow/core"
)

// Protocol is the common envelope every consensus variant is dispatched
// through. Protocols are selected at group init and never swapped mid-run.
type Protocol interface {
	Kind() core.ProtocolKind
	// ProposeRound drives one round attempt to a decision, writing it into
	// the round envelope, or returns a retryable consensus error.
	ProposeRound(ctx context.Context, round *core.ConsensusRound) error
	// OnMessage feeds an externally received envelope into the protocol.
	OnMessage(msg core.Message) error
	// CurrentDecision returns the finalized decision of a round, if any.
	CurrentDecision(round uint64) (json.RawMessage, bool)
}

// GossipUpdate is the value shape proposed through the gossip variant: a
// keyed digest write or a counter increment.
type GossipUpdate struct {
	Key     string          `json:"key"`
	Value   json.RawMessage `json:"value,omitempty"`
	Counter uint64          `json:"counter,omitempty"`
}

// GossipProtocol disseminates low-stakes state epidemically. There is no
// global agreement: a round "decides" as soon as the update is applied at
// its origin, and convergence elsewhere is eventual.
type GossipProtocol struct {
	mu        sync.Mutex
	fanout    int
	seed      int64
	nodes     map[string]*Gossiper
	neighbors func(agentID string) []string
	decisions map[uint64]json.RawMessage
	cycles    uint64
}

// NewGossipProtocol creates the gossip variant. The neighbors function
// resolves an agent's current topology neighbors; fanout caps how many are
// contacted per cycle (0 picks log2 of the participant count).
func NewGossipProtocol(fanout int, seed int64, neighbors func(agentID string) []string) *GossipProtocol {
	return &GossipProtocol{
		fanout:    fanout,
		seed:      seed,
		nodes:     make(map[string]*Gossiper),
		neighbors: neighbors,
		decisions: make(map[uint64]json.RawMessage),
	}
}

// Kind identifies the protocol variant.
func (p *GossipProtocol) Kind() core.ProtocolKind { return core.ProtocolGossip }

func (p *GossipProtocol) node(id string, participants int) *Gossiper {
	fanout := p.fanout
	if fanout <= 0 && participants > 1 {
		fanout = int(math.Ceil(math.Log2(float64(participants))))
	}
	g, ok := p.nodes[id]
	if !ok {
		g = NewGossiper(id, fanout, p.seed+int64(len(p.nodes)))
		p.nodes[id] = g
	}
	return g
}

// ProposeRound applies the update at the first participant and runs a
// bounded number of dissemination cycles among the snapshot.
func (p *GossipProtocol) ProposeRound(ctx context.Context, round *core.ConsensusRound) error {
	var update GossipUpdate
	if err := json.Unmarshal(round.Proposed, &update); err != nil {
		return fmt.Errorf("round %d: bad gossip update: %w", round.Round, err)
	}
	if len(round.Participants) == 0 {
		return fmt.Errorf("round %d: %w", round.Round, core.ErrQuorumUnreachable)
	}

	p.mu.Lock()
	origin := p.node(round.Participants[0], len(round.Participants))
	for _, id := range round.Participants[1:] {
		p.node(id, len(round.Participants))
	}
	p.mu.Unlock()

	if update.Counter > 0 {
		if err := origin.AddCounter(update.Key, update.Counter); err != nil {
			return err
		}
	} else {
		origin.Set(update.Key, update.Value)
	}

	budget := 2 * int(math.Ceil(math.Log2(float64(len(round.Participants)+1))))
	for i := 0; i <= budget && ctx.Err() == nil; i++ {
		p.Cycle(round.Participants)
	}

	p.mu.Lock()
	p.decisions[round.Round] = round.Proposed
	p.mu.Unlock()
	round.Decision = round.Proposed
	return nil
}

// Cycle runs one dissemination exchange for each listed agent.
func (p *GossipProtocol) Cycle(participants []string) {
	p.mu.Lock()
	p.cycles++
	cycle := p.cycles
	nodes := make(map[string]*Gossiper, len(participants))
	for _, id := range participants {
		if g, ok := p.nodes[id]; ok {
			nodes[id] = g
		}
	}
	p.mu.Unlock()

	for id, g := range nodes {
		var neighbors []string
		if p.neighbors != nil {
			for _, n := range p.neighbors(id) {
				if _, ok := nodes[n]; ok {
					neighbors = append(neighbors, n)
				}
			}
		}
		if neighbors == nil {
			for other := range nodes {
				if other != id {
					neighbors = append(neighbors, other)
				}
			}
		}
		for _, msg := range g.CycleMessages(cycle, neighbors) {
			if target, ok := nodes[msg.Target]; ok {
				target.HandleMessage(msg)
			}
		}
	}
}

// OnMessage merges an externally received digest into its target agent.
func (p *GossipProtocol) OnMessage(msg core.Message) error {
	p.mu.Lock()
	g, ok := p.nodes[msg.Target]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("agent %s: %w", msg.Target, core.ErrUnknownAgent)
	}
	return g.HandleMessage(msg)
}

// CurrentDecision returns the update disseminated in a round.
func (p *GossipProtocol) CurrentDecision(round uint64) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.decisions[round]
	return value, ok
}

// Node exposes an agent's gossiper for inspection in tests and status calls.
func (p *GossipProtocol) Node(id string) *Gossiper {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.nodes[id]
}

// CRDTDelta is the value shape proposed through the CRDT variant:
// append-only facts and counter increments.
type CRDTDelta struct {
	AddFacts   []string `json:"add_facts,omitempty"`
	RemoveFact string   `json:"remove_fact,omitempty"`
	Counter    uint64   `json:"counter,omitempty"`
	Origin     string   `json:"origin,omitempty"`
}

// CRDTState is the converged replicated state: an observed-remove set of
// facts plus a grow-only counter.
type CRDTState struct {
	Facts   *ORSet    `json:"facts"`
	Counter *GCounter `json:"counter"`
}

// CRDTProtocol replicates shared append-only facts without a central
// authority. Deltas merge idempotently and commutatively, so replicas
// converge regardless of delivery order or duplication.
type CRDTProtocol struct {
	mu        sync.Mutex
	replicas  map[string]*CRDTState
	decisions map[uint64]json.RawMessage
}

// NewCRDTProtocol creates an empty replica group.
func NewCRDTProtocol() *CRDTProtocol {
	return &CRDTProtocol{
		replicas:  make(map[string]*CRDTState),
		decisions: make(map[uint64]json.RawMessage),
	}
}

// Kind identifies the protocol variant.
func (p *CRDTProtocol) Kind() core.ProtocolKind { return core.ProtocolCRDT }

func (p *CRDTProtocol) replica(id string) *CRDTState {
	state, ok := p.replicas[id]
	if !ok {
		state = &CRDTState{Facts: NewORSet(), Counter: NewGCounter()}
		p.replicas[id] = state
	}
	return state
}

// apply folds a delta into one replica.
func (p *CRDTProtocol) apply(state *CRDTState, delta CRDTDelta) {
	for _, fact := range delta.AddFacts {
		state.Facts.Add(fact)
	}
	if delta.RemoveFact != "" {
		state.Facts.Remove(delta.RemoveFact)
	}
	if delta.Counter > 0 && delta.Origin != "" {
		state.Counter.Increment(delta.Origin, delta.Counter)
	}
}

// ProposeRound applies the delta at its origin and syncs every participant
// replica. The decision is the origin's merged state serialization.
func (p *CRDTProtocol) ProposeRound(ctx context.Context, round *core.ConsensusRound) error {
	var delta CRDTDelta
	if err := json.Unmarshal(round.Proposed, &delta); err != nil {
		return fmt.Errorf("round %d: bad delta: %w", round.Round, err)
	}
	if len(round.Participants) == 0 {
		return fmt.Errorf("round %d: %w", round.Round, core.ErrQuorumUnreachable)
	}
	if delta.Origin == "" {
		delta.Origin = round.Participants[0]
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	origin := p.replica(delta.Origin)
	p.apply(origin, delta)

	// Pairwise sync through the origin: merge everyone into it, then push
	// the merged state back out. Merge is commutative and idempotent, so
	// the order is irrelevant.
	for _, id := range round.Participants {
		other := p.replica(id)
		origin.Facts.Merge(other.Facts)
		origin.Counter.Merge(other.Counter)
	}
	for _, id := range round.Participants {
		other := p.replica(id)
		other.Facts.Merge(origin.Facts)
		other.Counter.Merge(origin.Counter)
	}

	decision, err := json.Marshal(origin)
	if err != nil {
		return err
	}
	round.Decision = decision
	p.decisions[round.Round] = decision
	return nil
}

// OnMessage applies an externally received delta to its target replica.
func (p *CRDTProtocol) OnMessage(msg core.Message) error {
	var delta CRDTDelta
	if err := json.Unmarshal(msg.Payload, &delta); err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.apply(p.replica(msg.Target), delta)
	return nil
}

// CurrentDecision returns the merged state snapshot of a finished round.
func (p *CRDTProtocol) CurrentDecision(round uint64) (json.RawMessage, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	value, ok := p.decisions[round]
	return value, ok
}

// Replica exposes an agent's replica for inspection in tests.
func (p *CRDTProtocol) Replica(id string) *CRDTState {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.replica(id)
}
