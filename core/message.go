package core

import (
	"encoding/json"
	"time"
)

// MessageType identifies the kind of consensus message carried in an envelope.
type MessageType string

const (
	MsgRequestVote   MessageType = "REQUEST_VOTE"
	MsgVote          MessageType = "VOTE"
	MsgAppendEntries MessageType = "APPEND_ENTRIES"
	MsgAppendAck     MessageType = "APPEND_ACK"
	MsgPrepare       MessageType = "PREPARE"
	MsgCommit        MessageType = "COMMIT"
	MsgGossip        MessageType = "GOSSIP"
	MsgDelta         MessageType = "DELTA"
)

// Message is the common envelope for all consensus traffic. Messages are
// ephemeral: they are ordered by round number, never by arrival order, and a
// message from a stale round is discarded without effect.
type Message struct {
	Sender    string          `json:"sender"`
	Target    string          `json:"target,omitempty"` // empty means broadcast
	Round     uint64          `json:"round"`
	Type      MessageType     `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Timestamp int64           `json:"timestamp"`
}

// NewMessage builds an envelope stamped with the current wall clock.
func NewMessage(sender string, round uint64, msgType MessageType, payload any) Message {
	return Message{
		Sender:    sender,
		Round:     round,
		Type:      msgType,
		Payload:   EncodeJSON(payload),
		Timestamp: time.Now().UnixNano(),
	}
}

// To returns a copy of the message addressed to a single recipient.
func (m Message) To(target string) Message {
	m.Target = target
	return m
}
