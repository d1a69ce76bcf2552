// Package consensus gives a coordination group agreement on shared state
// through one of four pluggable protocols: Raft-style majority voting,
// Byzantine quorum, epidemic gossip, and CRDT convergence. All variants are
// driven through the same round envelope by the Engine.
package consensus

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"
)

// GCounter is a grow-only counter: one monotonic component per agent.
// Merge takes the per-component maximum, which is idempotent, commutative,
// and associative.
type GCounter struct {
	Counts map[string]uint64 `json:"counts"`
}

// NewGCounter creates an empty counter.
func NewGCounter() *GCounter {
	return &GCounter{Counts: make(map[string]uint64)}
}

// Increment advances this agent's component by n.
func (c *GCounter) Increment(agentID string, n uint64) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	c.Counts[agentID] += n
}

// Value returns the converged total.
func (c *GCounter) Value() uint64 {
	var total uint64
	for _, n := range c.Counts {
		total += n
	}
	return total
}

// Merge folds a remote counter into this one.
func (c *GCounter) Merge(remote *GCounter) {
	if c.Counts == nil {
		c.Counts = make(map[string]uint64)
	}
	for id, n := range remote.Counts {
		if n > c.Counts[id] {
			c.Counts[id] = n
		}
	}
}

// GSet is a grow-only set of strings.
type GSet struct {
	members map[string]struct{}
}

// NewGSet creates an empty grow-only set.
func NewGSet() *GSet {
	return &GSet{members: make(map[string]struct{})}
}

// Add inserts an element. Elements are never removed.
func (s *GSet) Add(elem string) {
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	s.members[elem] = struct{}{}
}

// Contains reports membership.
func (s *GSet) Contains(elem string) bool {
	_, ok := s.members[elem]
	return ok
}

// Elements returns the sorted member list.
func (s *GSet) Elements() []string {
	out := make([]string, 0, len(s.members))
	for elem := range s.members {
		out = append(out, elem)
	}
	sort.Strings(out)
	return out
}

// Merge unions a remote set into this one.
func (s *GSet) Merge(remote *GSet) {
	if s.members == nil {
		s.members = make(map[string]struct{})
	}
	for elem := range remote.members {
		s.members[elem] = struct{}{}
	}
}

// MarshalJSON encodes the set as a sorted array.
func (s *GSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Elements())
}

// UnmarshalJSON decodes a sorted array into the set.
func (s *GSet) UnmarshalJSON(data []byte) error {
	var elems []string
	if err := json.Unmarshal(data, &elems); err != nil {
		return err
	}
	s.members = make(map[string]struct{}, len(elems))
	for _, elem := range elems {
		s.members[elem] = struct{}{}
	}
	return nil
}

// ORSet is an observed-remove set. Each add carries a unique tag; a remove
// tombstones only the tags it has observed, so a concurrent re-add survives
// the remove.
type ORSet struct {
	Adds       map[string]map[string]struct{} `json:"-"`
	Tombstones map[string]map[string]struct{} `json:"-"`
}

type orsetJSON struct {
	Adds       map[string][]string `json:"adds"`
	Tombstones map[string][]string `json:"tombstones"`
}

// NewORSet creates an empty observed-remove set.
func NewORSet() *ORSet {
	return &ORSet{
		Adds:       make(map[string]map[string]struct{}),
		Tombstones: make(map[string]map[string]struct{}),
	}
}

// Add inserts an element under a fresh tag.
func (s *ORSet) Add(elem string) {
	if s.Adds[elem] == nil {
		s.Adds[elem] = make(map[string]struct{})
	}
	s.Adds[elem][uuid.New().String()] = struct{}{}
}

// Remove tombstones every observed tag of the element.
func (s *ORSet) Remove(elem string) {
	tags, ok := s.Adds[elem]
	if !ok {
		return
	}
	if s.Tombstones[elem] == nil {
		s.Tombstones[elem] = make(map[string]struct{})
	}
	for tag := range tags {
		s.Tombstones[elem][tag] = struct{}{}
	}
}

// Contains reports whether the element has at least one live tag.
func (s *ORSet) Contains(elem string) bool {
	for tag := range s.Adds[elem] {
		if _, dead := s.Tombstones[elem][tag]; !dead {
			return true
		}
	}
	return false
}

// Elements returns the sorted live elements.
func (s *ORSet) Elements() []string {
	var out []string
	for elem := range s.Adds {
		if s.Contains(elem) {
			out = append(out, elem)
		}
	}
	sort.Strings(out)
	return out
}

// Merge unions both add and tombstone tag sets.
func (s *ORSet) Merge(remote *ORSet) {
	for elem, tags := range remote.Adds {
		if s.Adds[elem] == nil {
			s.Adds[elem] = make(map[string]struct{})
		}
		for tag := range tags {
			s.Adds[elem][tag] = struct{}{}
		}
	}
	for elem, tags := range remote.Tombstones {
		if s.Tombstones[elem] == nil {
			s.Tombstones[elem] = make(map[string]struct{})
		}
		for tag := range tags {
			s.Tombstones[elem][tag] = struct{}{}
		}
	}
}

// MarshalJSON encodes tag maps as sorted arrays for deterministic deltas.
func (s *ORSet) MarshalJSON() ([]byte, error) {
	enc := orsetJSON{
		Adds:       tagsToLists(s.Adds),
		Tombstones: tagsToLists(s.Tombstones),
	}
	return json.Marshal(enc)
}

// UnmarshalJSON decodes the array form back into tag maps.
func (s *ORSet) UnmarshalJSON(data []byte) error {
	var enc orsetJSON
	if err := json.Unmarshal(data, &enc); err != nil {
		return err
	}
	s.Adds = listsToTags(enc.Adds)
	s.Tombstones = listsToTags(enc.Tombstones)
	return nil
}

func tagsToLists(m map[string]map[string]struct{}) map[string][]string {
	out := make(map[string][]string, len(m))
	for elem, tags := range m {
		list := make([]string, 0, len(tags))
		for tag := range tags {
			list = append(list, tag)
		}
		sort.Strings(list)
		out[elem] = list
	}
	return out
}

func listsToTags(m map[string][]string) map[string]map[string]struct{} {
	out := make(map[string]map[string]struct{}, len(m))
	for elem, list := range m {
		tags := make(map[string]struct{}, len(list))
		for _, tag := range list {
			tags[tag] = struct{}{}
		}
		out[elem] = tags
	}
	return out
}

// MergeCounterDelta applies a remote GCounter delta to a local serialized
// state, returning the merged serialization. Applying the same delta twice
// yields the same result, and merge order does not matter.
func MergeCounterDelta(local, delta json.RawMessage) (json.RawMessage, error) {
	state := NewGCounter()
	if len(local) > 0 {
		if err := json.Unmarshal(local, state); err != nil {
			return nil, err
		}
	}
	remote := NewGCounter()
	if len(delta) > 0 {
		if err := json.Unmarshal(delta, remote); err != nil {
			return nil, err
		}
	}
	state.Merge(remote)
	return json.Marshal(state)
}
