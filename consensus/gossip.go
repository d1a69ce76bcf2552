package consensus

import (
	"encoding/json"
	"math/rand"
	"sync"
	"time"

	"github.com/justSteve/claude-flow/core"
)

// EntryKind selects how a gossip entry merges: last-writer-wins for scalar
// digests, CRDT merge for structured state.
type EntryKind string

const (
	EntryLWW      EntryKind = "lww"
	EntryGCounter EntryKind = "gcounter"
)

// GossipEntry is one versioned key in an agent's state digest.
type GossipEntry struct {
	Key       string          `json:"key"`
	Kind      EntryKind       `json:"kind"`
	Value     json.RawMessage `json:"value"`
	Version   uint64          `json:"version"`
	UpdatedAt int64           `json:"updated_at"`
	Origin    string          `json:"origin"`
}

// newer orders two entries for last-writer-wins: version, then wall clock,
// then origin id as the deterministic tie-break.
func (e GossipEntry) newer(other GossipEntry) bool {
	if e.Version != other.Version {
		return e.Version > other.Version
	}
	if e.UpdatedAt != other.UpdatedAt {
		return e.UpdatedAt > other.UpdatedAt
	}
	return e.Origin > other.Origin
}

// Gossiper holds one agent's eventually-consistent state and disseminates it
// to a random subset of topology neighbors each cycle. No global agreement
// is reached; convergence is eventual.
type Gossiper struct {
	mu     sync.RWMutex
	id     string
	state  map[string]GossipEntry
	fanout int
	rng    *rand.Rand
}

// NewGossiper creates a gossiper for an agent. Fanout is how many neighbors
// are contacted per cycle, typically around log2 of the group size.
func NewGossiper(agentID string, fanout int, seed int64) *Gossiper {
	if fanout <= 0 {
		fanout = 3
	}
	return &Gossiper{
		id:     agentID,
		state:  make(map[string]GossipEntry),
		fanout: fanout,
		rng:    rand.New(rand.NewSource(seed)),
	}
}

// Set writes a local LWW value, bumping its version past everything seen.
func (g *Gossiper) Set(key string, value json.RawMessage) {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry := g.state[key]
	g.state[key] = GossipEntry{
		Key:       key,
		Kind:      EntryLWW,
		Value:     value,
		Version:   entry.Version + 1,
		UpdatedAt: time.Now().UnixNano(),
		Origin:    g.id,
	}
}

// AddCounter folds an increment into a CRDT counter entry.
func (g *Gossiper) AddCounter(key string, n uint64) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	entry := g.state[key]
	counter := NewGCounter()
	if len(entry.Value) > 0 {
		if err := json.Unmarshal(entry.Value, counter); err != nil {
			return err
		}
	}
	counter.Increment(g.id, n)
	value, err := json.Marshal(counter)
	if err != nil {
		return err
	}
	g.state[key] = GossipEntry{
		Key:       key,
		Kind:      EntryGCounter,
		Value:     value,
		Version:   entry.Version + 1,
		UpdatedAt: time.Now().UnixNano(),
		Origin:    g.id,
	}
	return nil
}

// Get returns the current value for a key.
func (g *Gossiper) Get(key string) (json.RawMessage, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	entry, ok := g.state[key]
	if !ok {
		return nil, false
	}
	return entry.Value, true
}

// CounterValue decodes a CRDT counter entry's converged total.
func (g *Gossiper) CounterValue(key string) uint64 {
	value, ok := g.Get(key)
	if !ok {
		return 0
	}
	counter := NewGCounter()
	if err := json.Unmarshal(value, counter); err != nil {
		return 0
	}
	return counter.Value()
}

// Digest returns a copy of the full state for exchange.
func (g *Gossiper) Digest() []GossipEntry {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]GossipEntry, 0, len(g.state))
	for _, entry := range g.state {
		out = append(out, entry)
	}
	return out
}

// Merge folds a remote digest into local state. LWW entries are taken only
// when newer; CRDT entries always merge, which makes re-delivery harmless.
// Returns the number of keys that changed.
func (g *Gossiper) Merge(remote []GossipEntry) int {
	g.mu.Lock()
	defer g.mu.Unlock()

	changed := 0
	for _, incoming := range remote {
		local, exists := g.state[incoming.Key]
		switch incoming.Kind {
		case EntryGCounter:
			merged, err := MergeCounterDelta(local.Value, incoming.Value)
			if err != nil {
				continue
			}
			if exists && string(merged) == string(local.Value) {
				continue
			}
			version := incoming.Version
			if local.Version > version {
				version = local.Version
			}
			g.state[incoming.Key] = GossipEntry{
				Key:       incoming.Key,
				Kind:      EntryGCounter,
				Value:     merged,
				Version:   version,
				UpdatedAt: incoming.UpdatedAt,
				Origin:    incoming.Origin,
			}
			changed++
		default:
			if !exists || incoming.newer(local) {
				g.state[incoming.Key] = incoming
				changed++
			}
		}
	}
	return changed
}

// PickPeers selects up to fanout random neighbors for this cycle.
func (g *Gossiper) PickPeers(neighbors []string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(neighbors) <= g.fanout {
		out := make([]string, len(neighbors))
		copy(out, neighbors)
		return out
	}
	idx := g.rng.Perm(len(neighbors))
	out := make([]string, 0, g.fanout)
	for _, i := range idx[:g.fanout] {
		out = append(out, neighbors[i])
	}
	return out
}

// CycleMessages builds the push messages for one gossip cycle: the full
// digest addressed to each selected neighbor.
func (g *Gossiper) CycleMessages(round uint64, neighbors []string) []core.Message {
	digest := g.Digest()
	if len(digest) == 0 {
		return nil
	}
	peers := g.PickPeers(neighbors)
	out := make([]core.Message, 0, len(peers))
	for _, peer := range peers {
		out = append(out, core.NewMessage(g.id, round, core.MsgGossip, digest).To(peer))
	}
	return out
}

// HandleMessage merges an incoming gossip envelope.
func (g *Gossiper) HandleMessage(msg core.Message) error {
	var digest []GossipEntry
	if err := json.Unmarshal(msg.Payload, &digest); err != nil {
		return err
	}
	g.Merge(digest)
	return nil
}
