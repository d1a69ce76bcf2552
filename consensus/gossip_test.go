package consensus

import (
	"encoding/json"
	"fmt"
	"math"
	"testing"
)

// gossipNetwork wires gossipers to each other for in-process exchange tests.
type gossipNetwork struct {
	nodes     map[string]*Gossiper
	ids       []string
	neighbors map[string][]string
}

func newGossipNetwork(n, fanout int) *gossipNetwork {
	net := &gossipNetwork{nodes: make(map[string]*Gossiper), neighbors: make(map[string][]string)}
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("agent-%02d", i)
		net.ids = append(net.ids, id)
		net.nodes[id] = NewGossiper(id, fanout, int64(i+1))
	}
	// Complete neighbor set; PickPeers limits the per-cycle fan-out.
	for _, id := range net.ids {
		for _, other := range net.ids {
			if other != id {
				net.neighbors[id] = append(net.neighbors[id], other)
			}
		}
	}
	return net
}

// cycle runs one synchronous gossip exchange for every node.
func (net *gossipNetwork) cycle(round uint64) {
	for _, id := range net.ids {
		for _, msg := range net.nodes[id].CycleMessages(round, net.neighbors[id]) {
			if err := net.nodes[msg.Target].HandleMessage(msg); err != nil {
				panic(err)
			}
		}
	}
}

func TestGossipCounterConvergesWithinLogNCycles(t *testing.T) {
	const n = 10
	const fanout = 3
	net := newGossipNetwork(n, fanout)

	if err := net.nodes["agent-00"].AddCounter("completed", 1); err != nil {
		t.Fatalf("add counter: %v", err)
	}

	// One originator update should reach all agents in O(log N) cycles;
	// allow a small constant factor for unlucky peer picks.
	budget := int(math.Ceil(math.Log2(n))) * 3
	converged := false
	for cycle := 0; cycle < budget; cycle++ {
		net.cycle(uint64(cycle))
		converged = true
		for _, id := range net.ids {
			if net.nodes[id].CounterValue("completed") != 1 {
				converged = false
				break
			}
		}
		if converged {
			break
		}
	}
	if !converged {
		t.Fatalf("counter did not converge within %d cycles", budget)
	}
}

func TestGossipConcurrentCounterIncrementsSum(t *testing.T) {
	net := newGossipNetwork(5, 2)
	for _, id := range net.ids {
		if err := net.nodes[id].AddCounter("events", 2); err != nil {
			t.Fatalf("add counter on %s: %v", id, err)
		}
	}
	for cycle := 0; cycle < 20; cycle++ {
		net.cycle(uint64(cycle))
	}
	for _, id := range net.ids {
		if got := net.nodes[id].CounterValue("events"); got != 10 {
			t.Fatalf("agent %s sees %d, want 10", id, got)
		}
	}
}

func TestGossipLastWriterWins(t *testing.T) {
	a := NewGossiper("a", 2, 1)
	b := NewGossiper("b", 2, 2)

	a.Set("mood", json.RawMessage(`"calm"`))
	b.Merge(a.Digest())
	b.Set("mood", json.RawMessage(`"busy"`)) // higher version after merge

	a.Merge(b.Digest())
	got, ok := a.Get("mood")
	if !ok || string(got) != `"busy"` {
		t.Fatalf("expected newer write to win, got %s", got)
	}

	// Replaying the older digest must not regress the value.
	stale := []GossipEntry{{Key: "mood", Kind: EntryLWW, Value: json.RawMessage(`"calm"`), Version: 1, Origin: "a"}}
	a.Merge(stale)
	got, _ = a.Get("mood")
	if string(got) != `"busy"` {
		t.Fatalf("stale digest overwrote newer value: %s", got)
	}
}

func TestGossipMergeIdempotent(t *testing.T) {
	a := NewGossiper("a", 2, 1)
	if err := a.AddCounter("c", 3); err != nil {
		t.Fatalf("add counter: %v", err)
	}
	digest := a.Digest()

	b := NewGossiper("b", 2, 2)
	b.Merge(digest)
	b.Merge(digest)
	b.Merge(digest)
	if got := b.CounterValue("c"); got != 3 {
		t.Fatalf("repeated merge changed counter: %d", got)
	}
}

func TestPickPeersRespectsFanout(t *testing.T) {
	g := NewGossiper("a", 3, 7)
	neighbors := []string{"b", "c", "d", "e", "f", "g"}
	peers := g.PickPeers(neighbors)
	if len(peers) != 3 {
		t.Fatalf("expected 3 peers, got %d", len(peers))
	}
	seen := make(map[string]bool)
	for _, p := range peers {
		if seen[p] {
			t.Fatalf("duplicate peer %s", p)
		}
		seen[p] = true
	}
}
