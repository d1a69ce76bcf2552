package consensus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/justSteve/claude-flow/core"
)

func participantIDs(n int) []string {
	ids := make([]string, n)
	for i := range ids {
		ids[i] = fmt.Sprintf("agent-%02d", i)
	}
	return ids
}

func testRaftConfig() RaftConfig {
	return RaftConfig{ElectionTickMin: 5, ElectionTickMax: 10, HeartbeatTick: 1}
}

func raftPropose(t *testing.T, c *RaftCluster, round uint64, participants []string, value string) *core.ConsensusRound {
	t.Helper()
	r := &core.ConsensusRound{
		Round:        round,
		Protocol:     core.ProtocolRaft,
		Participants: participants,
		Proposed:     json.RawMessage(value),
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.ProposeRound(ctx, r); err != nil {
		t.Fatalf("propose round %d: %v", round, err)
	}
	return r
}

func TestRaftElectsSingleLeader(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 1)
	ids := participantIDs(5)
	c.ensureNodes(ids)

	for tick := 0; tick < 200; tick++ {
		c.tickAll()
		if _, ok := c.Leader(); ok {
			break
		}
	}

	leaders := 0
	for _, id := range ids {
		if c.nodes[id].State() == Leader {
			leaders++
		}
	}
	if leaders != 1 {
		t.Fatalf("expected exactly one leader, got %d", leaders)
	}

	// All nodes agree on the leader's term.
	term := c.nodes[ids[0]].Term()
	for _, id := range ids[1:] {
		if c.nodes[id].Term() != term {
			t.Fatalf("term mismatch: %d vs %d", c.nodes[id].Term(), term)
		}
	}
}

func TestRaftCommitsProposedValue(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 2)
	ids := participantIDs(3)

	r := raftPropose(t, c, 1, ids, `"value-1"`)
	if string(r.Decision) != `"value-1"` {
		t.Fatalf("unexpected decision: %s", r.Decision)
	}

	// The committed entry is replicated on every node.
	for _, id := range ids {
		found := false
		for _, entry := range c.nodes[id].CommittedEntries() {
			var rv roundValue
			if err := json.Unmarshal(entry.Value, &rv); err != nil {
				continue
			}
			if rv.Round == 1 && string(rv.Value) == `"value-1"` {
				found = true
			}
		}
		if !found {
			t.Fatalf("node %s missing committed entry", id)
		}
	}
}

func TestRaftHigherTermDemotesLeader(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 3)
	ids := participantIDs(3)
	c.ensureNodes(ids)
	for tick := 0; tick < 200; tick++ {
		c.tickAll()
		if _, ok := c.Leader(); ok {
			break
		}
	}
	leaderID, ok := c.Leader()
	if !ok {
		t.Fatal("no leader elected")
	}

	leader := c.nodes[leaderID]
	stale := core.NewMessage("agent-99", leader.Term()+5, core.MsgAppendEntries,
		appendEntries{Leader: "agent-99"}).To(leaderID)
	leader.Step(stale)

	if leader.State() == Leader {
		t.Fatal("leader did not step down on higher term")
	}
	if leader.Term() != stale.Round {
		t.Fatalf("expected term %d, got %d", stale.Round, leader.Term())
	}
}

func TestRaftStaleTermMessagesDiscarded(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 4)
	ids := participantIDs(3)
	raftPropose(t, c, 1, ids, `"v"`)

	leaderID, ok := c.Leader()
	if !ok {
		t.Fatal("no leader")
	}
	leader := c.nodes[leaderID]
	before := len(leader.CommittedEntries())

	// An append from a long-dead term must not perturb state.
	stale := core.NewMessage("agent-99", 0, core.MsgAppendEntries,
		appendEntries{Leader: "agent-99", Entries: []LogEntry{{Term: 0, Index: 1, Value: json.RawMessage(`"bogus"`)}}}).To(leaderID)
	leader.Step(stale)

	if leader.State() != Leader {
		t.Fatal("stale message demoted the leader")
	}
	if len(leader.CommittedEntries()) != before {
		t.Fatal("stale message changed the committed log")
	}
}

func TestRaftClusterRejectsStaleTermEnvelope(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 4)
	ids := participantIDs(3)
	raftPropose(t, c, 1, ids, `"v"`)

	leaderID, ok := c.Leader()
	if !ok {
		t.Fatal("no leader")
	}

	stale := core.NewMessage("agent-99", 0, core.MsgAppendEntries,
		appendEntries{Leader: "agent-99"}).To(leaderID)
	err := c.OnMessage(stale)
	if !errors.Is(err, core.ErrStaleTerm) {
		t.Fatalf("expected ErrStaleTerm, got %v", err)
	}

	current := core.NewMessage("agent-99", c.nodes[leaderID].Term(), core.MsgAppendAck,
		appendAck{}).To(leaderID)
	if err := c.OnMessage(current); err != nil {
		t.Fatalf("current-term envelope rejected: %v", err)
	}
}

func TestRaftCommittedEntrySurvivesLeaderFailure(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 5)
	ids := participantIDs(5)

	r := raftPropose(t, c, 1, ids, `"durable"`)
	if !r.Decided() {
		t.Fatal("round not decided")
	}

	leaderID, ok := c.Leader()
	if !ok {
		t.Fatal("no leader")
	}
	c.Stop(leaderID)

	// A new leader must be elected and still carry the committed entry.
	r2 := raftPropose(t, c, 2, ids, `"after-failover"`)
	if !r2.Decided() {
		t.Fatal("second round not decided after failover")
	}
	newLeaderID, ok := c.Leader()
	if !ok || newLeaderID == leaderID {
		t.Fatalf("expected a different leader, got %q", newLeaderID)
	}
	value, found := c.committedValue(c.nodes[newLeaderID], 1)
	if !found || string(value) != `"durable"` {
		t.Fatalf("committed entry lost across leader change: %s", value)
	}
}

func TestRaftProposeThroughFollowerRejected(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 6)
	ids := participantIDs(3)
	raftPropose(t, c, 1, ids, `"v"`)

	leaderID, _ := c.Leader()
	for _, id := range ids {
		if id == leaderID {
			continue
		}
		if _, err := c.nodes[id].Propose(json.RawMessage(`"x"`)); !errors.Is(err, ErrNotLeader) {
			t.Fatalf("expected ErrNotLeader from %s, got %v", id, err)
		}
	}
}

func TestRaftRoundNumbersIndependentOfTerms(t *testing.T) {
	c := NewRaftCluster(testRaftConfig(), 7)
	ids := participantIDs(3)

	r1 := raftPropose(t, c, 10, ids, `"a"`)
	r2 := raftPropose(t, c, 11, ids, `"b"`)
	if string(r1.Decision) != `"a"` || string(r2.Decision) != `"b"` {
		t.Fatalf("decisions mixed up: %s %s", r1.Decision, r2.Decision)
	}
	if v, ok := c.CurrentDecision(10); !ok || string(v) != `"a"` {
		t.Fatalf("round 10 decision lookup failed: %s", v)
	}
}
