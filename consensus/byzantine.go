package consensus

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"sync"

	"github.com/cometbft/cometbft/crypto"
	"github.com/cometbft/cometbft/crypto/ed25519"

	"github.com/justSteve/claude-flow/core"
)

// Keypair holds one agent's signing identity for Byzantine rounds.
type Keypair struct {
	Priv ed25519.PrivKey
	Pub  crypto.PubKey
}

// GenerateKeypair creates a fresh ed25519 identity.
func GenerateKeypair() Keypair {
	priv := ed25519.GenPrivKey()
	return Keypair{Priv: priv, Pub: priv.PubKey()}
}

type bftVote struct {
	Digest string          `json:"digest"`
	Value  json.RawMessage `json:"value,omitempty"`
	Sig    []byte          `json:"sig"`
}

// signBytes is what each vote signs: round, phase, and value digest.
func signBytes(round uint64, phase core.MessageType, digest string) []byte {
	buf := make([]byte, 8, 8+len(phase)+len(digest))
	binary.BigEndian.PutUint64(buf, round)
	buf = append(buf, phase...)
	buf = append(buf, digest...)
	return buf
}

func valueDigest(value json.RawMessage) string {
	sum := sha256.Sum256(value)
	return hex.EncodeToString(sum[:])
}

type bftRound struct {
	prepares map[string]map[string]bool // digest -> voters
	commits  map[string]map[string]bool
	values   map[string]json.RawMessage // digest -> value
	prepared string                     // digest this node prepared, "" if none
	// committed is the digest this node has broadcast a commit for.
	committed string
	decision  json.RawMessage
}

func newBFTRound() *bftRound {
	return &bftRound{
		prepares: make(map[string]map[string]bool),
		commits:  make(map[string]map[string]bool),
		values:   make(map[string]json.RawMessage),
	}
}

// BFTNode runs the Byzantine-tolerant quorum protocol for one agent. With
// N = 3f+1 participants it tolerates f faulty ones: a value is decided only
// after observing matching signed votes from 2f+1 distinct participants in
// each of the prepare and commit phases. Unsigned or badly signed votes are
// dropped. Rounds that cannot reach threshold are abandoned by the engine
// and retried under a fresh round number; no partial decision is exposed.
type BFTNode struct {
	mu           sync.Mutex
	id           string
	keys         Keypair
	pubkeys      map[string]crypto.PubKey
	participants []string
	rounds       map[uint64]*bftRound
}

// NewBFTNode creates a Byzantine node with the group's public key table.
func NewBFTNode(id string, keys Keypair, pubkeys map[string]crypto.PubKey, participants []string) *BFTNode {
	return &BFTNode{
		id:           id,
		keys:         keys,
		pubkeys:      pubkeys,
		participants: append([]string(nil), participants...),
		rounds:       make(map[uint64]*bftRound),
	}
}

// SetParticipants resizes the fault budget after a membership change.
func (n *BFTNode) SetParticipants(ids []string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.participants = append([]string(nil), ids...)
}

// threshold is 2f+1 for N = 3f+1 participants.
func (n *BFTNode) threshold() int {
	f := (len(n.participants) - 1) / 3
	return 2*f + 1
}

// Decision returns the value decided in a round, if any.
func (n *BFTNode) Decision(round uint64) (json.RawMessage, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	r, ok := n.rounds[round]
	if !ok || r.decision == nil {
		return nil, false
	}
	return r.decision, true
}

// StartRound proposes a value: the proposer records and broadcasts its own
// signed prepare vote.
func (n *BFTNode) StartRound(round uint64, value json.RawMessage) []core.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	digest := valueDigest(value)
	r := n.round(round)
	if r.prepared != "" {
		return nil
	}
	r.prepared = digest
	r.values[digest] = value
	n.recordVote(r.prepares, digest, n.id)

	out := n.signedBroadcast(round, core.MsgPrepare, digest, value)
	out = append(out, n.advance(round, r)...)
	return out
}

// Step processes one inbound vote and returns any votes it triggers.
func (n *BFTNode) Step(msg core.Message) []core.Message {
	n.mu.Lock()
	defer n.mu.Unlock()

	var vote bftVote
	if err := json.Unmarshal(msg.Payload, &vote); err != nil {
		return nil
	}
	if !n.verify(msg.Sender, msg.Round, msg.Type, vote) {
		return nil
	}

	r := n.round(msg.Round)
	if r.decision != nil {
		return nil
	}
	if vote.Value != nil {
		r.values[vote.Digest] = vote.Value
	}

	var out []core.Message
	switch msg.Type {
	case core.MsgPrepare:
		n.recordVote(r.prepares, vote.Digest, msg.Sender)
		// A correct node echoes a prepare for the first digest it sees in a
		// round and never votes for a second.
		if r.prepared == "" {
			r.prepared = vote.Digest
			n.recordVote(r.prepares, vote.Digest, n.id)
			out = append(out, n.signedBroadcast(msg.Round, core.MsgPrepare, vote.Digest, r.values[vote.Digest])...)
		}
	case core.MsgCommit:
		n.recordVote(r.commits, vote.Digest, msg.Sender)
	default:
		return nil
	}

	out = append(out, n.advance(msg.Round, r)...)
	return out
}

// advance moves the round through prepare -> commit -> decided as the
// thresholds are met.
func (n *BFTNode) advance(round uint64, r *bftRound) []core.Message {
	var out []core.Message
	if r.committed == "" && r.prepared != "" && len(r.prepares[r.prepared]) >= n.threshold() {
		r.committed = r.prepared
		n.recordVote(r.commits, r.committed, n.id)
		out = append(out, n.signedBroadcast(round, core.MsgCommit, r.committed, nil)...)
	}
	if r.decision == nil && r.committed != "" && len(r.commits[r.committed]) >= n.threshold() {
		r.decision = r.values[r.committed]
	}
	return out
}

func (n *BFTNode) round(round uint64) *bftRound {
	r, ok := n.rounds[round]
	if !ok {
		r = newBFTRound()
		n.rounds[round] = r
	}
	return r
}

func (n *BFTNode) recordVote(phase map[string]map[string]bool, digest, voter string) {
	if phase[digest] == nil {
		phase[digest] = make(map[string]bool)
	}
	phase[digest][voter] = true
}

func (n *BFTNode) verify(sender string, round uint64, phase core.MessageType, vote bftVote) bool {
	pub, ok := n.pubkeys[sender]
	if !ok {
		return false
	}
	if vote.Value != nil && valueDigest(vote.Value) != vote.Digest {
		return false
	}
	return pub.VerifySignature(signBytes(round, phase, vote.Digest), vote.Sig)
}

func (n *BFTNode) signedBroadcast(round uint64, phase core.MessageType, digest string, value json.RawMessage) []core.Message {
	sig, err := n.keys.Priv.Sign(signBytes(round, phase, digest))
	if err != nil {
		return nil
	}
	vote := bftVote{Digest: digest, Value: value, Sig: sig}
	var out []core.Message
	for _, peer := range n.participants {
		if peer == n.id {
			continue
		}
		out = append(out, core.NewMessage(n.id, round, phase, vote).To(peer))
	}
	return out
}
