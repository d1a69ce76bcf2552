// Package registry tracks live agents, their capabilities, and liveness for
// one coordination group. Each group owns its own Membership; there is no
// process-wide registry.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/justSteve/claude-flow/core"
)

// ChangeKind identifies a membership transition.
type ChangeKind string

const (
	ChangeJoined    ChangeKind = "joined"
	ChangeLeft      ChangeKind = "left"
	ChangeSuspected ChangeKind = "suspected"
	ChangeFailed    ChangeKind = "failed"
	ChangeRecovered ChangeKind = "recovered"
)

// ChangeEvent is delivered to listeners on every membership transition.
// Topology rebuilds and consensus quorum resizing hang off these.
type ChangeEvent struct {
	Kind  ChangeKind
	Agent core.Agent
}

// Listener receives membership change events. Listeners are invoked outside
// the registry lock and must not call back into the registry synchronously.
type Listener func(ChangeEvent)

// Config tunes the failure detector. The exact constants are heuristic;
// only the liveness/safety behavior is contractual.
type Config struct {
	// HeartbeatTimeout is how long an active agent may go without a
	// heartbeat before being marked suspected.
	HeartbeatTimeout time.Duration
	// FailGrace is how long a suspected agent is given to recover before
	// being marked failed. Suspicion alone never removes an agent.
	FailGrace time.Duration
}

// DefaultConfig returns the detector tuning used when a group doesn't
// override it.
func DefaultConfig() Config {
	return Config{
		HeartbeatTimeout: 3 * time.Second,
		FailGrace:        5 * time.Second,
	}
}

// Membership is the per-group agent registry.
type Membership struct {
	mu        sync.RWMutex
	groupID   string
	cfg       Config
	agents    map[string]*core.Agent
	suspected map[string]time.Time // agent id -> when suspicion started
	listeners []Listener
}

// NewMembership creates an empty registry for a group.
func NewMembership(groupID string, cfg Config) *Membership {
	if cfg.HeartbeatTimeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Membership{
		groupID:   groupID,
		cfg:       cfg,
		agents:    make(map[string]*core.Agent),
		suspected: make(map[string]time.Time),
	}
}

// GroupID returns the owning group's id.
func (m *Membership) GroupID() string { return m.groupID }

// OnChange registers a membership change listener.
func (m *Membership) OnChange(fn Listener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, fn)
	m.mu.Unlock()
}

// Join adds an agent to the group. An id may be reused only after the
// previous holder has left or been confirmed failed; two simultaneously
// live agents never share an id.
func (m *Membership) Join(agent core.Agent) error {
	m.mu.Lock()
	if existing, ok := m.agents[agent.ID]; ok {
		if existing.Status != core.AgentLeft && existing.Status != core.AgentFailed {
			m.mu.Unlock()
			return fmt.Errorf("agent %s: %w", agent.ID, core.ErrDuplicateAgent)
		}
	}
	agent.Status = core.AgentActive
	if agent.LastHeartbeat.IsZero() {
		agent.LastHeartbeat = time.Now()
	}
	stored := agent
	m.agents[agent.ID] = &stored
	delete(m.suspected, agent.ID)
	m.mu.Unlock()

	m.notify(ChangeEvent{Kind: ChangeJoined, Agent: agent})
	return nil
}

// Heartbeat updates an agent's liveness timestamp. A suspected agent that
// heartbeats recovers to active.
func (m *Membership) Heartbeat(agentID string, ts time.Time) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok || agent.Status == core.AgentLeft || agent.Status == core.AgentFailed {
		m.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, core.ErrUnknownAgent)
	}
	agent.LastHeartbeat = ts
	recovered := agent.Status == core.AgentSuspected
	if recovered {
		agent.Status = core.AgentActive
		delete(m.suspected, agentID)
	}
	snapshot := *agent
	m.mu.Unlock()

	if recovered {
		m.notify(ChangeEvent{Kind: ChangeRecovered, Agent: snapshot})
	}
	return nil
}

// Leave removes an agent explicitly.
func (m *Membership) Leave(agentID string) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok || agent.Status == core.AgentLeft {
		m.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, core.ErrUnknownAgent)
	}
	agent.Status = core.AgentLeft
	delete(m.suspected, agentID)
	snapshot := *agent
	m.mu.Unlock()

	m.notify(ChangeEvent{Kind: ChangeLeft, Agent: snapshot})
	return nil
}

// MarkSuspected transitions an active agent to suspected. The agent is not
// removed; it keeps its membership slot until confirmed failed.
func (m *Membership) MarkSuspected(agentID string) error {
	return m.transition(agentID, core.AgentActive, core.AgentSuspected, ChangeSuspected)
}

// MarkFailed confirms a suspected agent as failed.
func (m *Membership) MarkFailed(agentID string) error {
	return m.transition(agentID, core.AgentSuspected, core.AgentFailed, ChangeFailed)
}

func (m *Membership) transition(agentID string, from, to core.AgentStatus, kind ChangeKind) error {
	m.mu.Lock()
	agent, ok := m.agents[agentID]
	if !ok {
		m.mu.Unlock()
		return fmt.Errorf("agent %s: %w", agentID, core.ErrUnknownAgent)
	}
	if agent.Status != from {
		m.mu.Unlock()
		return fmt.Errorf("agent %s is %s, not %s", agentID, agent.Status, from)
	}
	agent.Status = to
	if to == core.AgentSuspected {
		m.suspected[agentID] = time.Now()
	} else {
		delete(m.suspected, agentID)
	}
	snapshot := *agent
	m.mu.Unlock()

	m.notify(ChangeEvent{Kind: kind, Agent: snapshot})
	return nil
}

// Sweep runs one failure-detector pass at the given time: active agents past
// the heartbeat timeout become suspected, suspected agents past the grace
// period become failed. Returns the events it generated.
func (m *Membership) Sweep(now time.Time) []ChangeEvent {
	m.mu.Lock()
	var events []ChangeEvent
	for id, agent := range m.agents {
		switch agent.Status {
		case core.AgentActive:
			if now.Sub(agent.LastHeartbeat) > m.cfg.HeartbeatTimeout {
				agent.Status = core.AgentSuspected
				m.suspected[id] = now
				events = append(events, ChangeEvent{Kind: ChangeSuspected, Agent: *agent})
			}
		case core.AgentSuspected:
			since, ok := m.suspected[id]
			if ok && now.Sub(since) > m.cfg.FailGrace {
				agent.Status = core.AgentFailed
				delete(m.suspected, id)
				events = append(events, ChangeEvent{Kind: ChangeFailed, Agent: *agent})
			}
		}
	}
	m.mu.Unlock()

	for _, evt := range events {
		m.notify(evt)
	}
	return events
}

// Get returns a copy of the agent record.
func (m *Membership) Get(agentID string) (core.Agent, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	agent, ok := m.agents[agentID]
	if !ok {
		return core.Agent{}, false
	}
	return *agent, true
}

// Active returns all active agents sorted by id. The sorted order is what
// makes topology rebuilds deterministic across agents.
func (m *Membership) Active() []core.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]core.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		if agent.Status == core.AgentActive {
			agents = append(agents, *agent)
		}
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

// ActiveIDs returns the sorted ids of active agents.
func (m *Membership) ActiveIDs() []string {
	agents := m.Active()
	ids := make([]string, len(agents))
	for i, a := range agents {
		ids[i] = a.ID
	}
	return ids
}

// All returns every agent record, including left and failed ones.
func (m *Membership) All() []core.Agent {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]core.Agent, 0, len(m.agents))
	for _, agent := range m.agents {
		agents = append(agents, *agent)
	}
	sort.Slice(agents, func(i, j int) bool { return agents[i].ID < agents[j].ID })
	return agents
}

func (m *Membership) notify(evt ChangeEvent) {
	m.mu.RLock()
	listeners := make([]Listener, len(m.listeners))
	copy(listeners, m.listeners)
	m.mu.RUnlock()

	for _, fn := range listeners {
		fn(evt)
	}
}
