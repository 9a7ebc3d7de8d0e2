package registry

import (
	"fmt"
	"strings"
)

// CycleError reports dependency cycles found while ordering. The order
// returned alongside it is still complete; only the ids inside a cycle lose
// their relative ordering guarantee.
type CycleError struct {
	Cycles [][]string
}

func (e *CycleError) Error() string {
	parts := make([]string, len(e.Cycles))
	for i, c := range e.Cycles {
		parts[i] = strings.Join(c, " -> ")
	}
	return fmt.Sprintf("dependency cycle detected: %s", strings.Join(parts, "; "))
}

// Graph is a directed dependency graph: an edge id -> dep means id requires
// dep. Edges to ids that are not nodes are ignored when ordering.
type Graph struct {
	nodes []string
	index map[string]int
	edges map[string][]string
}

// NewGraph creates an empty graph.
func NewGraph() *Graph {
	return &Graph{
		index: make(map[string]int),
		edges: make(map[string][]string),
	}
}

// AddNode adds id with its dependencies. Node order is remembered and used to
// break ties deterministically.
func (g *Graph) AddNode(id string, deps []string) {
	if _, ok := g.index[id]; !ok {
		g.index[id] = len(g.nodes)
		g.nodes = append(g.nodes, id)
	}
	g.edges[id] = append([]string(nil), deps...)
}

// Has reports whether id is a node.
func (g *Graph) Has(id string) bool {
	_, ok := g.index[id]
	return ok
}

// TopoSort returns every node with each dependency placed before its
// dependents. Back edges are skipped and reported in a *CycleError.
func (g *Graph) TopoSort() ([]string, error) {
	const (
		unvisited = iota
		visiting
		done
	)
	state := make(map[string]int, len(g.nodes))
	order := make([]string, 0, len(g.nodes))
	var stack []string
	var cycles [][]string

	var visit func(id string)
	visit = func(id string) {
		switch state[id] {
		case done:
			return
		case visiting:
			for i := len(stack) - 1; i >= 0; i-- {
				if stack[i] == id {
					cycle := append(append([]string(nil), stack[i:]...), id)
					cycles = append(cycles, cycle)
					break
				}
			}
			return
		}

		state[id] = visiting
		stack = append(stack, id)
		for _, dep := range g.edges[id] {
			if g.Has(dep) {
				visit(dep)
			}
		}
		stack = stack[:len(stack)-1]
		state[id] = done
		order = append(order, id)
	}

	for _, id := range g.nodes {
		visit(id)
	}

	if len(cycles) > 0 {
		return order, &CycleError{Cycles: cycles}
	}
	return order, nil
}

// Levels groups nodes so that every node's dependencies sit in earlier
// levels. Nodes of one level are independent of each other and can be
// loaded in parallel. Nodes stuck in a cycle form a final level.
func (g *Graph) Levels() ([][]string, error) {
	remaining := make(map[string]int, len(g.nodes))
	dependents := make(map[string][]string)
	for _, id := range g.nodes {
		seen := make(map[string]bool)
		for _, dep := range g.edges[id] {
			if !g.Has(dep) || seen[dep] {
				continue
			}
			seen[dep] = true
			remaining[id]++
			dependents[dep] = append(dependents[dep], id)
		}
	}

	placed := make(map[string]bool, len(g.nodes))
	var levels [][]string
	for len(placed) < len(g.nodes) {
		var level []string
		for _, id := range g.nodes {
			if !placed[id] && remaining[id] == 0 {
				level = append(level, id)
			}
		}
		if len(level) == 0 {
			break
		}
		for _, id := range level {
			placed[id] = true
			for _, d := range dependents[id] {
				remaining[d]--
			}
		}
		levels = append(levels, level)
	}

	if len(placed) == len(g.nodes) {
		return levels, nil
	}

	var stuck []string
	for _, id := range g.nodes {
		if !placed[id] {
			stuck = append(stuck, id)
		}
	}
	levels = append(levels, stuck)
	_, err := g.TopoSort()
	return levels, err
}
