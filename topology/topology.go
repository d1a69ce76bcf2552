// Package topology builds and maintains the logical communication graph for
// a coordination group. Rebuilds are deterministic functions of the sorted
// membership snapshot, so every agent computing the same snapshot arrives at
// the same graph without exchanging it.
package topology

import (
	"fmt"
	"hash/fnv"
	"math/rand"
	"slices"
	"sort"

	"github.com/justSteve/claude-flow/core"
)

// Kind selects the graph shape.
type Kind string

const (
	Mesh         Kind = "mesh"
	Hierarchical Kind = "hierarchical"
	Adaptive     Kind = "adaptive"
)

// Role tags an edge with its relationship.
type Role string

const (
	RolePeer   Role = "peer"
	RoleParent Role = "parent"
	RoleChild  Role = "child"
)

// Edge is an ordered pair in the communication graph.
type Edge struct {
	From string `json:"from"`
	To   string `json:"to"`
	Role Role   `json:"role"`
}

// Options tunes graph construction.
type Options struct {
	// MeshBound caps the group size for complete-graph mesh; above it, mesh
	// falls back to adaptive.
	MeshBound int
	// AdaptiveThreshold is the group size above which adaptive promotes from
	// hierarchical to a bounded-degree graph.
	AdaptiveThreshold int
	// Degree is the target per-node degree for the adaptive bounded graph.
	Degree int
}

// DefaultOptions returns the construction tuning used when a group doesn't
// override it.
func DefaultOptions() Options {
	return Options{MeshBound: 16, AdaptiveThreshold: 8, Degree: 4}
}

// Graph is an immutable edge set over a membership snapshot. Membership
// changes never mutate a graph in place; the manager rebuilds a fresh one.
type Graph struct {
	Kind        Kind     `json:"kind"`
	Coordinator string   `json:"coordinator,omitempty"`
	Members     []string `json:"members"`
	Edges       []Edge   `json:"edges"`
}

// Rebuild produces a new graph from the member snapshot. The coordinator
// argument roots hierarchical graphs; pass "" to fall back to the lowest
// member id (the deterministic pre-election default).
func Rebuild(kind Kind, members []core.Agent, coordinator string, opts Options) (*Graph, error) {
	if opts.MeshBound <= 0 {
		opts = DefaultOptions()
	}
	ids := make([]string, 0, len(members))
	for _, m := range members {
		ids = append(ids, m.ID)
	}
	sort.Strings(ids)

	if len(ids) == 0 {
		return &Graph{Kind: kind, Members: ids}, nil
	}

	switch kind {
	case Mesh:
		if len(ids) > opts.MeshBound {
			return buildAdaptive(ids, coordinator, opts)
		}
		return buildMesh(ids), nil
	case Hierarchical:
		return buildHierarchical(ids, coordinator), nil
	case Adaptive:
		return buildAdaptive(ids, coordinator, opts)
	default:
		return nil, fmt.Errorf("unknown topology kind %q", kind)
	}
}

func buildMesh(ids []string) *Graph {
	g := &Graph{Kind: Mesh, Members: ids}
	for _, from := range ids {
		for _, to := range ids {
			if from == to {
				continue
			}
			g.Edges = append(g.Edges, Edge{From: from, To: to, Role: RolePeer})
		}
	}
	return g
}

func buildHierarchical(ids []string, coordinator string) *Graph {
	if coordinator == "" || !slices.Contains(ids, coordinator) {
		coordinator = ids[0]
	}
	g := &Graph{Kind: Hierarchical, Coordinator: coordinator, Members: ids}
	for _, id := range ids {
		if id == coordinator {
			continue
		}
		g.Edges = append(g.Edges, Edge{From: coordinator, To: id, Role: RoleChild})
		g.Edges = append(g.Edges, Edge{From: id, To: coordinator, Role: RoleParent})
	}
	return g
}

// buildAdaptive stays hierarchical for small groups and promotes to a
// bounded-degree graph past the threshold: a ring for guaranteed
// connectivity plus deterministic random chords up to the target degree.
func buildAdaptive(ids []string, coordinator string, opts Options) (*Graph, error) {
	if len(ids) <= opts.AdaptiveThreshold {
		g := buildHierarchical(ids, coordinator)
		g.Kind = Adaptive
		return g, nil
	}

	g := &Graph{Kind: Adaptive, Members: ids}
	degree := make(map[string]int, len(ids))
	seen := make(map[[2]string]bool)

	addPair := func(a, b string) {
		if a == b {
			return
		}
		key := [2]string{a, b}
		if a > b {
			key = [2]string{b, a}
		}
		if seen[key] {
			return
		}
		seen[key] = true
		g.Edges = append(g.Edges, Edge{From: a, To: b, Role: RolePeer})
		g.Edges = append(g.Edges, Edge{From: b, To: a, Role: RolePeer})
		degree[a]++
		degree[b]++
	}

	// Ring keeps the graph connected regardless of chord placement.
	for i := range ids {
		addPair(ids[i], ids[(i+1)%len(ids)])
	}

	// Chords are drawn from a PRNG seeded by the membership snapshot so all
	// agents compute the same graph.
	rng := rand.New(rand.NewSource(snapshotSeed(ids)))
	for attempts := 0; attempts < len(ids)*opts.Degree*4; attempts++ {
		a := ids[rng.Intn(len(ids))]
		b := ids[rng.Intn(len(ids))]
		if degree[a] >= opts.Degree || degree[b] >= opts.Degree {
			continue
		}
		addPair(a, b)
	}
	return g, nil
}

func snapshotSeed(ids []string) int64 {
	h := fnv.New64a()
	for _, id := range ids {
		h.Write([]byte(id))
		h.Write([]byte{0})
	}
	return int64(h.Sum64())
}

// Neighbors returns the ids this agent has outgoing edges to.
func (g *Graph) Neighbors(agentID string) []string {
	var out []string
	for _, e := range g.Edges {
		if e.From == agentID {
			out = append(out, e.To)
		}
	}
	sort.Strings(out)
	return out
}

// Connected reports whether the graph (viewed undirected) has every member
// reachable from every other.
func (g *Graph) Connected() bool {
	return len(g.Partitions()) <= 1
}

// Partitions returns the connected components of the graph, each sorted by
// id. More than one component means a detected partition: assignments in the
// affected partitions must halt until connectivity is restored.
func (g *Graph) Partitions() [][]string {
	adj := make(map[string][]string)
	for _, e := range g.Edges {
		adj[e.From] = append(adj[e.From], e.To)
		adj[e.To] = append(adj[e.To], e.From)
	}

	visited := make(map[string]bool)
	var components [][]string
	for _, start := range g.Members {
		if visited[start] {
			continue
		}
		var comp []string
		queue := []string{start}
		visited[start] = true
		for len(queue) > 0 {
			id := queue[0]
			queue = queue[1:]
			comp = append(comp, id)
			for _, next := range adj[id] {
				if !visited[next] {
					visited[next] = true
					queue = append(queue, next)
				}
			}
		}
		sort.Strings(comp)
		components = append(components, comp)
	}
	return components
}
