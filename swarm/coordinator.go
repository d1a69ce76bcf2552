// Package swarm is the coordination façade: group lifecycle, agent spawning,
// and the wiring between membership, topology, task distribution, and
// consensus.
package swarm

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/justSteve/claude-flow/checkpoint"
	"github.com/justSteve/claude-flow/communication"
	"github.com/justSteve/claude-flow/consensus"
	"github.com/justSteve/claude-flow/core"
	"github.com/justSteve/claude-flow/distributor"
	"github.com/justSteve/claude-flow/observability"
	"github.com/justSteve/claude-flow/registry"
	"github.com/justSteve/claude-flow/topology"
)

// Options selects a group's topology and consensus variant and tunes the
// component configs. Zero values fall back to each component's defaults.
type Options struct {
	Topology  topology.Kind
	Consensus core.ProtocolKind

	TopologyOptions topology.Options
	Membership      registry.Config
	Engine          consensus.EngineConfig
	Distributor     distributor.Config

	// ConsensusGuardedAssign routes every task assignment through a
	// consensus round so concurrent coordinators cannot double-assign.
	ConsensusGuardedAssign bool
	// ConsensusGuardedRebuild additionally agrees on topology rebuilds.
	// Within a partition rebuilds are already deterministic, so this is
	// off unless split-brain reconciliation matters more than latency.
	ConsensusGuardedRebuild bool

	// SweepInterval paces the failure detector. Zero disables the
	// background sweep; callers then drive Sweep explicitly.
	SweepInterval time.Duration

	// Seed makes protocol randomness reproducible in tests. Zero means
	// derive from the clock.
	Seed int64
}

// assignProposal is the value agreed on for a guarded assignment.
type assignProposal struct {
	Task  string `json:"task"`
	Agent string `json:"agent"`
}

// rebuildProposal is the value agreed on for a guarded topology rebuild.
type rebuildProposal struct {
	Members     []string      `json:"members"`
	Kind        topology.Kind `json:"kind"`
	Coordinator string        `json:"coordinator"`
}

// Group bundles one coordination group's components.
type Group struct {
	id     string
	opts   Options
	sink   *observability.Sink
	broker *communication.Broker

	Membership  *registry.Membership
	Distributor *distributor.Distributor
	Engine      *consensus.Engine

	mu    sync.Mutex
	graph *topology.Graph

	stopOnce sync.Once
	stop     chan struct{}
}

// GroupStatus is the snapshot returned by Coordinator.Status.
type GroupStatus struct {
	GroupID     string            `json:"group_id"`
	Topology    topology.Kind     `json:"topology"`
	Consensus   core.ProtocolKind `json:"consensus"`
	Coordinator string            `json:"coordinator,omitempty"`
	Agents      []core.Agent      `json:"agents"`
	LastRound   uint64            `json:"last_round"`
	Degraded    bool              `json:"degraded"`
	Paused      bool              `json:"paused"`
	Pending     int               `json:"pending_tasks"`
	Partitions  int               `json:"partitions"`
}

// Coordinator owns all groups in this process.
type Coordinator struct {
	mu     sync.Mutex
	groups map[string]*Group

	store  checkpoint.Store
	sink   *observability.Sink
	broker *communication.Broker
}

// NewCoordinator creates a coordinator backed by the given checkpoint store.
// The sink and broker may be nil.
func NewCoordinator(store checkpoint.Store, sink *observability.Sink, broker *communication.Broker) *Coordinator {
	return &Coordinator{
		groups: make(map[string]*Group),
		store:  store,
		sink:   sink,
		broker: broker,
	}
}

// InitGroup creates a coordination group. An empty groupID gets a generated
// one. The group's consensus engine recovers its round position from the
// checkpoint store before the group is exposed.
func (c *Coordinator) InitGroup(groupID string, opts Options) (*Group, error) {
	if groupID == "" {
		groupID = uuid.New().String()
	}
	if opts.Topology == "" {
		opts.Topology = topology.Mesh
	}
	if opts.Consensus == "" {
		opts.Consensus = core.ProtocolRaft
	}
	if opts.Seed == 0 {
		opts.Seed = time.Now().UnixNano()
	}

	c.mu.Lock()
	if _, exists := c.groups[groupID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("group %s already exists", groupID)
	}
	c.mu.Unlock()

	g := &Group{
		id:     groupID,
		opts:   opts,
		sink:   c.sink,
		broker: c.broker,
		stop:   make(chan struct{}),
	}
	g.Membership = registry.NewMembership(groupID, opts.Membership)

	protocol, err := g.buildProtocol()
	if err != nil {
		return nil, err
	}
	g.Engine = consensus.NewEngine(groupID, protocol, c.store, opts.Engine, c.sink)
	if err := g.Engine.Recover(); err != nil {
		return nil, fmt.Errorf("init group %s: %w", groupID, err)
	}

	g.Distributor = distributor.New(groupID, opts.Distributor, g.Membership.Active, c.sink)
	if opts.ConsensusGuardedAssign {
		g.Distributor.SetGuard(g.assignGuard)
	}

	g.Membership.OnChange(g.onMembershipChange)

	if opts.SweepInterval > 0 {
		go g.sweepLoop(opts.SweepInterval)
	}

	c.mu.Lock()
	c.groups[groupID] = g
	c.mu.Unlock()

	g.emit(communication.EventGroupCreated, map[string]any{
		"topology":  string(opts.Topology),
		"consensus": string(opts.Consensus),
	})
	log.Printf("Initialized group %s (topology=%s consensus=%s)", groupID, opts.Topology, opts.Consensus)
	return g, nil
}

// Group returns a live group by id.
func (c *Coordinator) Group(groupID string) (*Group, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	g, ok := c.groups[groupID]
	if !ok {
		return nil, fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	return g, nil
}

// SpawnAgent registers a new agent in a group and returns it.
func (c *Coordinator) SpawnAgent(groupID, name string, capabilities []string) (core.Agent, error) {
	g, err := c.Group(groupID)
	if err != nil {
		return core.Agent{}, err
	}
	agent := core.Agent{
		ID:           uuid.New().String(),
		Name:         name,
		Capabilities: capabilities,
	}
	if err := g.Membership.Join(agent); err != nil {
		return core.Agent{}, err
	}
	agent, _ = g.Membership.Get(agent.ID)
	return agent, nil
}

// Status snapshots a group's state.
func (c *Coordinator) Status(groupID string) (GroupStatus, error) {
	g, err := c.Group(groupID)
	if err != nil {
		return GroupStatus{}, err
	}
	return g.Status(), nil
}

// Shutdown stops a group and removes it from the coordinator.
func (c *Coordinator) Shutdown(groupID string) error {
	c.mu.Lock()
	g, ok := c.groups[groupID]
	delete(c.groups, groupID)
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("group %s: %w", groupID, core.ErrNotFound)
	}
	g.stopOnce.Do(func() { close(g.stop) })
	g.emit(communication.EventGroupShutdown, nil)
	log.Printf("Shut down group %s", groupID)
	return nil
}

// Close shuts down every group.
func (c *Coordinator) Close() {
	c.mu.Lock()
	ids := make([]string, 0, len(c.groups))
	for id := range c.groups {
		ids = append(ids, id)
	}
	c.mu.Unlock()
	for _, id := range ids {
		_ = c.Shutdown(id)
	}
}

func (g *Group) buildProtocol() (consensus.Protocol, error) {
	switch g.opts.Consensus {
	case core.ProtocolRaft:
		return consensus.NewRaftCluster(consensus.RaftConfig{}, g.opts.Seed), nil
	case core.ProtocolByzantine:
		return consensus.NewBFTCluster(), nil
	case core.ProtocolGossip:
		return consensus.NewGossipProtocol(0, g.opts.Seed, g.Neighbors), nil
	case core.ProtocolCRDT:
		return consensus.NewCRDTProtocol(), nil
	default:
		return nil, fmt.Errorf("unknown consensus protocol %q", g.opts.Consensus)
	}
}

// ID returns the group id.
func (g *Group) ID() string { return g.id }

// Status snapshots the group.
func (g *Group) Status() GroupStatus {
	g.mu.Lock()
	graph := g.graph
	g.mu.Unlock()

	status := GroupStatus{
		GroupID:   g.id,
		Topology:  g.opts.Topology,
		Consensus: g.opts.Consensus,
		Agents:    g.Membership.All(),
		LastRound: g.Engine.LastRound(),
		Degraded:  g.Engine.Degraded(),
		Paused:    g.Engine.Paused(),
		Pending:   g.Distributor.Pending(),
	}
	if graph != nil {
		status.Coordinator = graph.Coordinator
		status.Partitions = len(graph.Partitions())
	}
	return status
}

// Graph returns the current topology graph.
func (g *Group) Graph() *topology.Graph {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.graph
}

// Neighbors returns an agent's current topology neighbors. Used as the
// gossip peer provider.
func (g *Group) Neighbors(agentID string) []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.graph == nil {
		return nil
	}
	return g.graph.Neighbors(agentID)
}

// Coordinator returns the group's current coordinating agent id.
func (g *Group) Coordinator() string {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.graph == nil {
		return ""
	}
	return g.graph.Coordinator
}

// Propose runs one consensus round over the current active membership.
func (g *Group) Propose(ctx context.Context, value json.RawMessage) (*core.ConsensusRound, error) {
	return g.Engine.Propose(ctx, value, g.Membership.ActiveIDs())
}

// SubmitTask enqueues a task for distribution.
func (g *Group) SubmitTask(task core.Task) (string, error) {
	return g.Distributor.Submit(task)
}

// Pump assigns pending tasks until the queue empties or no agent is
// eligible. While the topology is partitioned no assignment proceeds:
// concurrent coordinators on both sides could otherwise hand the same task
// to different agents. Returns the tasks assigned this pass.
func (g *Group) Pump(ctx context.Context) ([]core.Task, error) {
	g.mu.Lock()
	graph := g.graph
	g.mu.Unlock()
	if graph != nil && !graph.Connected() {
		return nil, fmt.Errorf("group %s has %d partitions: %w", g.id, len(graph.Partitions()), core.ErrTopologyDisconnected)
	}

	var assigned []core.Task
	for g.Distributor.Pending() > 0 {
		task, err := g.Distributor.AssignNext(ctx)
		if err != nil {
			break
		}
		assigned = append(assigned, task)
	}
	return assigned, nil
}

// Sweep runs one failure-detector pass.
func (g *Group) Sweep(now time.Time) []registry.ChangeEvent {
	return g.Membership.Sweep(now)
}

func (g *Group) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-g.stop:
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}

// onMembershipChange reacts to every registry transition: topology rebuild,
// quorum resize, and release of a failed agent's in-flight tasks.
func (g *Group) onMembershipChange(evt registry.ChangeEvent) {
	switch evt.Kind {
	case registry.ChangeFailed, registry.ChangeLeft:
		released := g.Distributor.ReleaseAgent(evt.Agent.ID)
		if len(released) > 0 {
			log.Printf("Group %s: requeued %d tasks from %s agent %s", g.id, len(released), evt.Kind, evt.Agent.ID)
		}
		g.silenceParticipant(evt.Agent.ID)
	}

	g.rebuild()

	g.emit(eventForChange(evt.Kind), map[string]any{
		"agent": evt.Agent.ID,
	})
}

// silenceParticipant tells stateful protocols the agent is gone, keeping
// simulated clusters honest about which nodes can still vote.
func (g *Group) silenceParticipant(agentID string) {
	switch p := g.Engine.Protocol().(type) {
	case *consensus.RaftCluster:
		p.Stop(agentID)
	case *consensus.BFTCluster:
		p.Stop(agentID)
	}
}

// rebuild recomputes the topology from the active membership. Rebuilds are
// deterministic, so every agent in a partition converges on the same graph
// without coordination unless ConsensusGuardedRebuild asks for a round.
func (g *Group) rebuild() {
	members := g.Membership.Active()

	g.mu.Lock()
	prev := ""
	if g.graph != nil {
		prev = g.graph.Coordinator
	}
	coordinator := prev
	if _, ok := g.Membership.Get(coordinator); !ok || !stillActive(members, coordinator) {
		coordinator = "" // Rebuild elects the lowest active id.
	}
	g.mu.Unlock()

	graph, err := topology.Rebuild(g.opts.Topology, members, coordinator, g.opts.TopologyOptions)
	if err != nil {
		log.Printf("Group %s: topology rebuild failed: %v", g.id, err)
		return
	}

	if g.opts.ConsensusGuardedRebuild && len(members) > 1 {
		proposal := core.EncodeJSON(rebuildProposal{
			Members:     memberIDs(members),
			Kind:        graph.Kind,
			Coordinator: graph.Coordinator,
		})
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := g.Engine.Propose(ctx, proposal, memberIDs(members))
		cancel()
		if err != nil {
			log.Printf("Group %s: guarded rebuild round failed, keeping previous graph: %v", g.id, err)
			return
		}
	}

	g.mu.Lock()
	g.graph = graph
	g.mu.Unlock()

	if graph.Coordinator != prev && graph.Coordinator != "" {
		log.Printf("Group %s: coordinator is now %s", g.id, graph.Coordinator)
	}
	g.emit(communication.EventTopologyRebuilt, map[string]any{
		"members":     len(members),
		"coordinator": graph.Coordinator,
	})
}

// assignGuard runs an assignment through a consensus round before the
// distributor commits it.
func (g *Group) assignGuard(ctx context.Context, task core.Task, agentID string) error {
	proposal := core.EncodeJSON(assignProposal{Task: task.ID, Agent: agentID})
	_, err := g.Engine.Propose(ctx, proposal, g.Membership.ActiveIDs())
	return err
}

func (g *Group) emit(eventType string, fields map[string]any) {
	if g.sink != nil {
		g.sink.Emit(eventType, g.id, fields)
	}
	if g.broker != nil {
		payload := map[string]any{"event": eventType, "group": g.id, "fields": fields}
		if err := g.broker.Publish(g.id, communication.KindLifecycle, payload); err != nil {
			log.Printf("Group %s: publish %s: %v", g.id, eventType, err)
		}
	}
}

func eventForChange(kind registry.ChangeKind) string {
	switch kind {
	case registry.ChangeJoined:
		return communication.EventAgentJoined
	case registry.ChangeLeft:
		return communication.EventAgentLeft
	case registry.ChangeSuspected:
		return communication.EventAgentSuspected
	case registry.ChangeFailed:
		return communication.EventAgentFailed
	case registry.ChangeRecovered:
		return communication.EventAgentRecovered
	}
	return string(kind)
}

func stillActive(members []core.Agent, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

func memberIDs(members []core.Agent) []string {
	ids := make([]string, len(members))
	for i, m := range members {
		ids[i] = m.ID
	}
	return ids
}
