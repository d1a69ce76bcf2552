package swarm

import (
	"context"
	"errors"
	"sort"
	"testing"
	"time"

	"github.com/justSteve/claude-flow/checkpoint"
	"github.com/justSteve/claude-flow/consensus"
	"github.com/justSteve/claude-flow/core"
	"github.com/justSteve/claude-flow/registry"
	"github.com/justSteve/claude-flow/topology"
)

func testOptions() Options {
	return Options{
		Topology:  topology.Hierarchical,
		Consensus: core.ProtocolCRDT,
		Membership: registry.Config{
			HeartbeatTimeout: time.Hour,
			FailGrace:        time.Hour,
		},
		Engine: consensus.EngineConfig{
			RoundTimeout:      time.Second,
			MaxRetries:        2,
			Backoff:           time.Millisecond,
			MaxBackoff:        5 * time.Millisecond,
			CheckpointRetries: 2,
		},
		Seed: 42,
	}
}

func spawn(t *testing.T, c *Coordinator, groupID string, n int, caps ...string) []core.Agent {
	t.Helper()
	agents := make([]core.Agent, n)
	for i := range agents {
		agent, err := c.SpawnAgent(groupID, "worker", caps)
		if err != nil {
			t.Fatalf("spawn agent %d: %v", i, err)
		}
		agents[i] = agent
	}
	return agents
}

// fail drives an agent through the suspected->failed transitions the failure
// detector would take.
func fail(t *testing.T, g *Group, agentID string) {
	t.Helper()
	if err := g.Membership.MarkSuspected(agentID); err != nil {
		t.Fatalf("suspect %s: %v", agentID, err)
	}
	if err := g.Membership.MarkFailed(agentID); err != nil {
		t.Fatalf("fail %s: %v", agentID, err)
	}
}

func TestInitGroupBuildsTopologyAsAgentsJoin(t *testing.T) {
	c := NewCoordinator(checkpoint.NewMemoryStore(), nil, nil)
	g, err := c.InitGroup("grp", testOptions())
	if err != nil {
		t.Fatalf("init group: %v", err)
	}

	agents := spawn(t, c, "grp", 3)
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	sort.Strings(ids)

	graph := g.Graph()
	if graph == nil {
		t.Fatal("no topology after agents joined")
	}
	if graph.Coordinator != ids[0] {
		t.Fatalf("coordinator %s, want lowest id %s", graph.Coordinator, ids[0])
	}
	if !graph.Connected() {
		t.Fatal("hierarchical graph not connected")
	}

	status, err := c.Status("grp")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if len(status.Agents) != 3 || status.Partitions != 1 {
		t.Fatalf("status agents=%d partitions=%d", len(status.Agents), status.Partitions)
	}
}

func TestDuplicateGroupRejected(t *testing.T) {
	c := NewCoordinator(checkpoint.NewMemoryStore(), nil, nil)
	if _, err := c.InitGroup("grp", testOptions()); err != nil {
		t.Fatalf("init group: %v", err)
	}
	if _, err := c.InitGroup("grp", testOptions()); err == nil {
		t.Fatal("duplicate group id accepted")
	}
}

func TestCoordinatorFailoverReassignsWithoutDuplication(t *testing.T) {
	c := NewCoordinator(checkpoint.NewMemoryStore(), nil, nil)
	g, err := c.InitGroup("grp", testOptions())
	if err != nil {
		t.Fatalf("init group: %v", err)
	}
	spawn(t, c, "grp", 5, "build")

	var taskIDs []string
	for i := 0; i < 5; i++ {
		id, err := g.SubmitTask(core.Task{Required: []string{"build"}})
		if err != nil {
			t.Fatalf("submit: %v", err)
		}
		taskIDs = append(taskIDs, id)
	}
	assigned, err := g.Pump(context.Background())
	if err != nil || len(assigned) != 5 {
		t.Fatalf("assigned %d tasks (err %v), want 5", len(assigned), err)
	}

	failed := g.Coordinator()
	if failed == "" {
		t.Fatal("no coordinator elected")
	}
	held := 0
	for _, id := range taskIDs {
		if task, _ := g.Distributor.Task(id); task.AssignedTo == failed {
			held++
		}
	}
	if held == 0 {
		t.Fatal("coordinator held no tasks; scenario needs at least one reassignment")
	}

	fail(t, g, failed)

	// A new coordinator takes over deterministically: the lowest surviving id.
	survivors := g.Membership.ActiveIDs()
	if len(survivors) != 4 {
		t.Fatalf("survivors %d, want 4", len(survivors))
	}
	next := g.Coordinator()
	if next == failed || next != survivors[0] {
		t.Fatalf("coordinator %s after failover, want %s", next, survivors[0])
	}

	// The failed agent's tasks are reassigned, not duplicated: every task ends
	// assigned to exactly one live agent with a single attempt burned.
	reassigned, err := g.Pump(context.Background())
	if err != nil || len(reassigned) != held {
		t.Fatalf("reassigned %d tasks (err %v), want %d", len(reassigned), err, held)
	}
	for _, id := range taskIDs {
		task, ok := g.Distributor.Task(id)
		if !ok {
			t.Fatalf("task %s lost", id)
		}
		if task.Status != core.TaskAssigned {
			t.Fatalf("task %s status %s", id, task.Status)
		}
		if task.AssignedTo == failed || task.AssignedTo == "" {
			t.Fatalf("task %s assigned to %q", id, task.AssignedTo)
		}
		if task.Attempts != 1 {
			t.Fatalf("task %s attempts %d, want 1", id, task.Attempts)
		}
	}
}

func TestPumpHaltsWhileTopologyPartitioned(t *testing.T) {
	c := NewCoordinator(checkpoint.NewMemoryStore(), nil, nil)
	g, err := c.InitGroup("grp", testOptions())
	if err != nil {
		t.Fatalf("init group: %v", err)
	}
	agents := spawn(t, c, "grp", 2, "build")

	if _, err := g.SubmitTask(core.Task{Required: []string{"build"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Sever the graph: two members, no edges between them.
	g.mu.Lock()
	g.graph = &topology.Graph{
		Kind:    topology.Mesh,
		Members: []string{agents[0].ID, agents[1].ID},
	}
	g.mu.Unlock()

	if _, err := g.Pump(context.Background()); !errors.Is(err, core.ErrTopologyDisconnected) {
		t.Fatalf("expected ErrTopologyDisconnected, got %v", err)
	}
	if g.Distributor.Pending() != 1 {
		t.Fatalf("pending %d, want task held in queue", g.Distributor.Pending())
	}

	// A membership change heals the graph and assignment resumes.
	if _, err := c.SpawnAgent("grp", "worker", []string{"build"}); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	assigned, err := g.Pump(context.Background())
	if err != nil || len(assigned) != 1 {
		t.Fatalf("assigned %d (err %v) after partition healed", len(assigned), err)
	}
}

func TestCheckpointWriteFailsOnceThenRoundSucceeds(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	c := NewCoordinator(store, nil, nil)
	g, err := c.InitGroup("grp", testOptions())
	if err != nil {
		t.Fatalf("init group: %v", err)
	}
	agents := spawn(t, c, "grp", 2)

	store.FailNext(1)
	delta := core.EncodeJSON(consensus.CRDTDelta{
		Origin:   agents[0].ID,
		AddFacts: []string{"deployed"},
	})
	round, err := g.Propose(context.Background(), delta)
	if err != nil {
		t.Fatalf("propose with transient checkpoint failure: %v", err)
	}
	if !round.Decided() {
		t.Fatal("round not decided")
	}
	if store.Puts() != 2 {
		t.Fatalf("store puts %d, want retry after one failure", store.Puts())
	}
	rec, err := store.Get("grp")
	if err != nil {
		t.Fatalf("get checkpoint: %v", err)
	}
	if rec.Round != round.Round {
		t.Fatalf("checkpoint round %d, want %d", rec.Round, round.Round)
	}
}

func TestRoundNumbersSurviveGroupRestart(t *testing.T) {
	store := checkpoint.NewMemoryStore()
	c := NewCoordinator(store, nil, nil)
	g, err := c.InitGroup("grp", testOptions())
	if err != nil {
		t.Fatalf("init group: %v", err)
	}
	agents := spawn(t, c, "grp", 2)

	delta := core.EncodeJSON(consensus.CRDTDelta{Origin: agents[0].ID, Counter: 1})
	first, err := g.Propose(context.Background(), delta)
	if err != nil {
		t.Fatalf("propose: %v", err)
	}
	if err := c.Shutdown("grp"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	// A fresh group over the same store continues the numbering.
	g2, err := c.InitGroup("grp", testOptions())
	if err != nil {
		t.Fatalf("re-init group: %v", err)
	}
	agents2 := spawn(t, c, "grp", 2)
	second, err := g2.Propose(context.Background(), core.EncodeJSON(consensus.CRDTDelta{Origin: agents2[0].ID, Counter: 1}))
	if err != nil {
		t.Fatalf("propose after restart: %v", err)
	}
	if second.Round <= first.Round {
		t.Fatalf("round %d after restart, want > %d", second.Round, first.Round)
	}
}

func TestShutdownRemovesGroup(t *testing.T) {
	c := NewCoordinator(checkpoint.NewMemoryStore(), nil, nil)
	if _, err := c.InitGroup("grp", testOptions()); err != nil {
		t.Fatalf("init group: %v", err)
	}
	if err := c.Shutdown("grp"); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	if _, err := c.Status("grp"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("expected ErrNotFound after shutdown, got %v", err)
	}
	if err := c.Shutdown("grp"); !errors.Is(err, core.ErrNotFound) {
		t.Fatalf("double shutdown: %v", err)
	}
}

func TestGuardedAssignmentRunsConsensusRound(t *testing.T) {
	opts := testOptions()
	opts.ConsensusGuardedAssign = true
	store := checkpoint.NewMemoryStore()
	c := NewCoordinator(store, nil, nil)
	g, err := c.InitGroup("grp", opts)
	if err != nil {
		t.Fatalf("init group: %v", err)
	}
	spawn(t, c, "grp", 3, "build")

	if _, err := g.SubmitTask(core.Task{Required: []string{"build"}}); err != nil {
		t.Fatalf("submit: %v", err)
	}
	before := g.Engine.LastRound()
	assigned, err := g.Pump(context.Background())
	if err != nil || len(assigned) != 1 {
		t.Fatalf("assigned %d (err %v), want 1", len(assigned), err)
	}
	if g.Engine.LastRound() != before+1 {
		t.Fatalf("guarded assignment ran %d rounds, want 1", g.Engine.LastRound()-before)
	}
}
