package resolver

import (
	"errors"
	"fmt"
	"strings"

	"github.com/kingrea/chainforge/internal/taskgraph"
)

var (
	// ErrCycle is matched by every CycleError.
	ErrCycle = errors.New("resolver: dependency cycle")
	// ErrUnreachableBatch reports that batching stalled with tasks left over.
	// It cannot happen once the cycle check passed, so seeing it means the
	// graph changed underneath the resolver.
	ErrUnreachableBatch = errors.New("resolver: no schedulable batch")
)

// CycleError carries the dependency path that closes on itself.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("resolver: dependency cycle %s", strings.Join(e.Path, " -> "))
}

// Is lets errors.Is(err, ErrCycle) match.
func (e *CycleError) Is(target error) bool {
	return target == ErrCycle
}

// Node wraps a task with its forward dependencies, reverse dependents, and
// depth (the longest path from any root).
type Node struct {
	ID           string
	Task         taskgraph.Task
	Dependencies []string
	Dependents   []string
	Depth        int
}

// IsRoot reports whether the node has no dependencies.
func (n *Node) IsRoot() bool {
	return len(n.Dependencies) == 0
}

// IsLeaf reports whether nothing depends on the node.
func (n *Node) IsLeaf() bool {
	return len(n.Dependents) == 0
}

// Resolver builds the dependency graph for a task graph and derives the
// execution plan from it.
type Resolver struct {
	graph      taskgraph.Graph
	nodes      map[string]*Node
	orderedIDs []string
}

// New constructs a resolver for the provided task graph. It rejects graphs
// with unknown dependencies or cycles before computing depths.
func New(graph taskgraph.Graph) (*Resolver, error) {
	normalized, err := graph.Normalized()
	if err != nil {
		return nil, err
	}
	nodes := make(map[string]*Node, len(normalized.Tasks))
	ordered := make([]string, 0, len(normalized.Tasks))
	for _, task := range normalized.Tasks {
		nodes[task.ID] = &Node{
			ID:           task.ID,
			Task:         task.Clone(),
			Dependencies: append([]string(nil), task.Dependencies...),
		}
		ordered = append(ordered, task.ID)
	}
	// Dependents follow declaration order so every derived ordering is stable.
	for _, id := range ordered {
		node := nodes[id]
		for _, depID := range node.Dependencies {
			dep, ok := nodes[depID]
			if !ok {
				return nil, fmt.Errorf("resolver %s: dependency %s referenced by %s not declared", normalized.ID, depID, node.ID)
			}
			dep.Dependents = append(dep.Dependents, node.ID)
		}
	}
	r := &Resolver{
		graph:      normalized,
		nodes:      nodes,
		orderedIDs: ordered,
	}
	if err := r.checkCycles(); err != nil {
		return nil, err
	}
	r.assignDepths()
	return r, nil
}

// Graph returns a clone of the resolver's normalized task graph.
func (r *Resolver) Graph() taskgraph.Graph {
	return r.graph.Clone()
}

// Nodes returns the nodes in declaration order.
func (r *Resolver) Nodes() []*Node {
	out := make([]*Node, 0, len(r.orderedIDs))
	for _, id := range r.orderedIDs {
		if node, ok := r.nodes[id]; ok {
			out = append(out, node)
		}
	}
	return out
}

// Node retrieves a specific node by task id.
func (r *Resolver) Node(id string) (*Node, bool) {
	node, ok := r.nodes[id]
	return node, ok
}

// Roots returns nodes without dependencies in declaration order.
func (r *Resolver) Roots() []*Node {
	var roots []*Node
	for _, id := range r.orderedIDs {
		if node := r.nodes[id]; node.IsRoot() {
			roots = append(roots, node)
		}
	}
	return roots
}

// Leaves returns nodes without dependents in declaration order.
func (r *Resolver) Leaves() []*Node {
	var leaves []*Node
	for _, id := range r.orderedIDs {
		if node := r.nodes[id]; node.IsLeaf() {
			leaves = append(leaves, node)
		}
	}
	return leaves
}

// Descendants returns every task that transitively depends on id, in
// declaration order.
func (r *Resolver) Descendants(id string) []string {
	seen := map[string]bool{}
	var walk func(string)
	walk = func(current string) {
		node, ok := r.nodes[current]
		if !ok {
			return
		}
		for _, dependent := range node.Dependents {
			if seen[dependent] {
				continue
			}
			seen[dependent] = true
			walk(dependent)
		}
	}
	walk(id)
	out := make([]string, 0, len(seen))
	for _, candidate := range r.orderedIDs {
		if seen[candidate] {
			out = append(out, candidate)
		}
	}
	return out
}

// checkCycles runs a depth-first search from every node, not only roots, so
// cyclic components that no root reaches are still found.
func (r *Resolver) checkCycles() error {
	const (
		unvisited = iota
		onPath
		done
	)
	marks := make(map[string]int, len(r.nodes))
	var path []string
	var visit func(string) error
	visit = func(id string) error {
		switch marks[id] {
		case onPath:
			start := 0
			for i, candidate := range path {
				if candidate == id {
					start = i
					break
				}
			}
			cycle := append(append([]string(nil), path[start:]...), id)
			return &CycleError{Path: cycle}
		case done:
			return nil
		}
		marks[id] = onPath
		path = append(path, id)
		for _, dep := range r.nodes[id].Dependencies {
			if err := visit(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		marks[id] = done
		return nil
	}
	for _, id := range r.orderedIDs {
		if marks[id] != unvisited {
			continue
		}
		if err := visit(id); err != nil {
			return err
		}
	}
	return nil
}

// assignDepths records the maximum depth reached by any path from a root.
func (r *Resolver) assignDepths() {
	memo := make(map[string]int, len(r.nodes))
	var depth func(string) int
	depth = func(id string) int {
		if d, ok := memo[id]; ok {
			return d
		}
		best := 0
		for _, dep := range r.nodes[id].Dependencies {
			if d := depth(dep) + 1; d > best {
				best = d
			}
		}
		memo[id] = best
		return best
	}
	for _, id := range r.orderedIDs {
		r.nodes[id].Depth = depth(id)
	}
}
