package consensus

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"sync"

	"github.com/justSteve/claude-flow/core"
)

// ErrNotLeader is returned when a proposal is made through a non-leader node.
var ErrNotLeader = errors.New("not the leader")

// RaftState is the node's role in the current term.
type RaftState string

const (
	Follower  RaftState = "follower"
	Candidate RaftState = "candidate"
	Leader    RaftState = "leader"
)

// LogEntry is one replicated value. An entry is committed once acknowledged
// by a strict majority of the participant snapshot.
type LogEntry struct {
	Term  uint64          `json:"term"`
	Index int             `json:"index"`
	Value json.RawMessage `json:"value"`
}

// RaftConfig tunes the tick-based timers. Election timeouts are randomized
// per node within [ElectionTickMin, ElectionTickMax) to avoid split votes.
type RaftConfig struct {
	ElectionTickMin int
	ElectionTickMax int
	HeartbeatTick   int
}

// DefaultRaftConfig returns the timer tuning used when a group doesn't
// override it.
func DefaultRaftConfig() RaftConfig {
	return RaftConfig{ElectionTickMin: 10, ElectionTickMax: 20, HeartbeatTick: 2}
}

type requestVote struct {
	Candidate    string `json:"candidate"`
	LastLogIndex int    `json:"last_log_index"`
	LastLogTerm  uint64 `json:"last_log_term"`
}

type voteReply struct {
	Granted bool `json:"granted"`
}

type appendEntries struct {
	Leader  string     `json:"leader"`
	Entries []LogEntry `json:"entries"`
	Commit  int        `json:"commit"`
}

type appendAck struct {
	Success bool `json:"success"`
	Match   int  `json:"match"`
}

// RaftNode is one agent's Raft-style state machine, driven by Tick and Step.
// Message processing is ordered by term: anything from a stale term is
// discarded, and observing a higher term demotes the node to follower.
type RaftNode struct {
	mu  sync.Mutex
	id  string
	cfg RaftConfig
	rng *rand.Rand

	peers    []string // participant snapshot, includes self
	state    RaftState
	term     uint64
	votedFor string
	votes    map[string]bool
	leader   string

	log         []LogEntry
	commitIndex int
	matchIndex  map[string]int

	electionElapsed  int
	electionTimeout  int
	heartbeatElapsed int
}

// NewRaftNode creates a follower with a randomized election timeout.
func NewRaftNode(id string, peers []string, cfg RaftConfig, seed int64) *RaftNode {
	if cfg.ElectionTickMin <= 0 {
		cfg = DefaultRaftConfig()
	}
	n := &RaftNode{
		id:         id,
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(seed)),
		peers:      append([]string(nil), peers...),
		state:      Follower,
		votes:      make(map[string]bool),
		matchIndex: make(map[string]int),
	}
	n.resetElectionTimeout()
	return n
}

// SetParticipants resizes the quorum after a membership change. Entries
// already committed stay committed.
func (n *RaftNode) SetParticipants(peers []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.peers = append([]string(nil), peers...)
}

func (n *RaftNode) resetElectionTimeout() {
	spread := n.cfg.ElectionTickMax - n.cfg.ElectionTickMin
	if spread <= 0 {
		spread = 1
	}
	n.electionTimeout = n.cfg.ElectionTickMin + n.rng.Intn(spread)
	n.electionElapsed = 0
}

func (n *RaftNode) majority() int { return len(n.peers)/2 + 1 }

// State returns the node's current role.
func (n *RaftNode) State() RaftState {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.state
}

// Term returns the node's current term.
func (n *RaftNode) Term() uint64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.term
}

// LeaderID returns the leader the node currently believes in, if any.
func (n *RaftNode) LeaderID() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.leader
}

// CommittedEntries returns a copy of the committed log prefix.
func (n *RaftNode) CommittedEntries() []LogEntry {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]LogEntry, n.commitIndex)
	copy(out, n.log[:n.commitIndex])
	return out
}

// Tick advances the node's timers by one step and returns any outbound
// messages (election traffic or leader heartbeats).
func (n *RaftNode) Tick() []core.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.state == Leader {
		n.heartbeatElapsed++
		if n.heartbeatElapsed >= n.cfg.HeartbeatTick {
			n.heartbeatElapsed = 0
			return n.broadcastAppend()
		}
		return nil
	}

	n.electionElapsed++
	if n.electionElapsed >= n.electionTimeout {
		return n.startElection()
	}
	return nil
}

func (n *RaftNode) startElection() []core.Message {
	n.term++
	n.state = Candidate
	n.votedFor = n.id
	n.votes = map[string]bool{n.id: true}
	n.leader = ""
	n.resetElectionTimeout()

	if len(n.votes) >= n.majority() {
		return n.becomeLeader()
	}

	req := requestVote{
		Candidate:    n.id,
		LastLogIndex: len(n.log),
		LastLogTerm:  n.lastLogTerm(),
	}
	var out []core.Message
	for _, peer := range n.peers {
		if peer == n.id {
			continue
		}
		out = append(out, core.NewMessage(n.id, n.term, core.MsgRequestVote, req).To(peer))
	}
	return out
}

func (n *RaftNode) becomeLeader() []core.Message {
	n.state = Leader
	n.leader = n.id
	n.heartbeatElapsed = 0
	n.matchIndex = make(map[string]int)
	return n.broadcastAppend()
}

func (n *RaftNode) lastLogTerm() uint64 {
	if len(n.log) == 0 {
		return 0
	}
	return n.log[len(n.log)-1].Term
}

func (n *RaftNode) broadcastAppend() []core.Message {
	payload := appendEntries{Leader: n.id, Entries: append([]LogEntry(nil), n.log...), Commit: n.commitIndex}
	var out []core.Message
	for _, peer := range n.peers {
		if peer == n.id {
			continue
		}
		out = append(out, core.NewMessage(n.id, n.term, core.MsgAppendEntries, payload).To(peer))
	}
	return out
}

// Propose appends a value through the leader. Entries proposed but not yet
// committed are discarded on leader change and may be re-proposed.
func (n *RaftNode) Propose(value json.RawMessage) ([]core.Message, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.state != Leader {
		return nil, fmt.Errorf("node %s: %w", n.id, ErrNotLeader)
	}
	n.log = append(n.log, LogEntry{Term: n.term, Index: len(n.log) + 1, Value: value})
	if len(n.peers) == 1 {
		n.commitIndex = len(n.log)
	}
	return n.broadcastAppend(), nil
}

// Step processes one inbound message and returns any replies.
func (n *RaftNode) Step(msg core.Message) []core.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	// A higher term always demotes; messages from a stale term are discarded
	// apart from telling stale candidates about the newer term.
	if msg.Round > n.term {
		n.term = msg.Round
		n.state = Follower
		n.votedFor = ""
		n.leader = ""
	}
	if msg.Round < n.term {
		if msg.Type == core.MsgRequestVote {
			return []core.Message{core.NewMessage(n.id, n.term, core.MsgVote, voteReply{Granted: false}).To(msg.Sender)}
		}
		return nil
	}

	switch msg.Type {
	case core.MsgRequestVote:
		return n.handleRequestVote(msg)
	case core.MsgVote:
		return n.handleVote(msg)
	case core.MsgAppendEntries:
		return n.handleAppendEntries(msg)
	case core.MsgAppendAck:
		return n.handleAppendAck(msg)
	}
	return nil
}

func (n *RaftNode) handleRequestVote(msg core.Message) []core.Message {
	var req requestVote
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil
	}
	upToDate := req.LastLogTerm > n.lastLogTerm() ||
		(req.LastLogTerm == n.lastLogTerm() && req.LastLogIndex >= len(n.log))
	granted := n.state != Leader &&
		(n.votedFor == "" || n.votedFor == req.Candidate) &&
		upToDate
	if granted {
		n.votedFor = req.Candidate
		n.electionElapsed = 0
	}
	return []core.Message{core.NewMessage(n.id, n.term, core.MsgVote, voteReply{Granted: granted}).To(msg.Sender)}
}

func (n *RaftNode) handleVote(msg core.Message) []core.Message {
	if n.state != Candidate {
		return nil
	}
	var reply voteReply
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		return nil
	}
	if !reply.Granted {
		return nil
	}
	n.votes[msg.Sender] = true
	if len(n.votes) >= n.majority() {
		return n.becomeLeader()
	}
	return nil
}

func (n *RaftNode) handleAppendEntries(msg core.Message) []core.Message {
	var req appendEntries
	if err := json.Unmarshal(msg.Payload, &req); err != nil {
		return nil
	}
	n.state = Follower
	n.leader = req.Leader
	n.electionElapsed = 0

	// Leaders replicate their entire log; the election restriction
	// guarantees it contains every committed entry.
	n.log = append([]LogEntry(nil), req.Entries...)
	if req.Commit > len(n.log) {
		req.Commit = len(n.log)
	}
	if req.Commit > n.commitIndex {
		n.commitIndex = req.Commit
	}

	ack := appendAck{Success: true, Match: len(n.log)}
	return []core.Message{core.NewMessage(n.id, n.term, core.MsgAppendAck, ack).To(msg.Sender)}
}

func (n *RaftNode) handleAppendAck(msg core.Message) []core.Message {
	if n.state != Leader {
		return nil
	}
	var ack appendAck
	if err := json.Unmarshal(msg.Payload, &ack); err != nil {
		return nil
	}
	if !ack.Success {
		return nil
	}
	if ack.Match > n.matchIndex[msg.Sender] {
		n.matchIndex[msg.Sender] = ack.Match
	}

	// Advance commit to the highest index replicated on a majority, but only
	// for entries from the current term.
	for idx := len(n.log); idx > n.commitIndex; idx-- {
		if n.log[idx-1].Term != n.term {
			break
		}
		count := 1 // self
		for _, peer := range n.peers {
			if peer == n.id {
				continue
			}
			if n.matchIndex[peer] >= idx {
				count++
			}
		}
		if count >= n.majority() {
			n.commitIndex = idx
			break
		}
	}
	return nil
}
