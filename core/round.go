package core

import (
	"encoding/json"
	"time"
)

// ProtocolKind selects the consensus protocol for a group. The kind is fixed
// at group init; protocols are not swapped mid-run.
type ProtocolKind string

const (
	ProtocolRaft      ProtocolKind = "raft"
	ProtocolByzantine ProtocolKind = "byzantine"
	ProtocolGossip    ProtocolKind = "gossip"
	ProtocolCRDT      ProtocolKind = "crdt"
)

// ConsensusRound is the common envelope shared by every protocol variant.
// The participant set is snapshotted when the round starts and is not
// affected by later membership or topology changes. Once Decision is set
// the round is terminal and immutable.
type ConsensusRound struct {
	Round        uint64          `json:"round"`
	Protocol     ProtocolKind    `json:"protocol"`
	Participants []string        `json:"participants"`
	Proposed     json.RawMessage `json:"proposed,omitempty"`
	Decision     json.RawMessage `json:"decision,omitempty"`
	DecidedAt    time.Time       `json:"decided_at,omitempty"`
}

// Decided reports whether the round reached a final decision.
func (r *ConsensusRound) Decided() bool {
	return r.Decision != nil
}

// CheckpointRecord is the durable state written on every committed decision
// and read back on recovery.
type CheckpointRecord struct {
	GroupID  string          `json:"group_id"`
	Protocol ProtocolKind    `json:"protocol"`
	Round    uint64          `json:"round"`
	State    json.RawMessage `json:"state"`
}
