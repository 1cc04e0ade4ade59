// Package graph provides the epic dependency graph used to order work
// within a feature. Construction validates the declaration: a cycle or a
// reference to an unknown epic is fatal at build time, never deferred to
// the scheduler.
package graph

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/loomworks/loom/pkg/models"
)

// CycleError indicates a circular dependency in the epic declaration.
// Path names the full cycle, first node repeated at the end.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return fmt.Sprintf("circular dependency: %s", strings.Join(e.Path, " -> "))
}

// UnknownDependencyError indicates an epic depends on an id that does not
// exist in the same feature.
type UnknownDependencyError struct {
	EpicID string
	DepID  string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("epic %s depends on unknown epic %s", e.EpicID, e.DepID)
}

// Graph is a validated directed acyclic graph of epic dependencies.
// Edges point from an epic to the epics it is blocked by.
type Graph struct {
	mu sync.RWMutex
	// nodes maps epic ID to the epic itself.
	nodes map[string]*models.Epic
	// edges maps epic ID to IDs of epics it depends on.
	edges map[string][]string
	// order preserves declaration order for deterministic output.
	order []string
}

// Build constructs and validates a graph from declared epics.
// The first revisit of a node already on the DFS stack yields a
// CycleError naming the full cycle path.
func Build(epics []*models.Epic) (*Graph, error) {
	g := &Graph{
		nodes: make(map[string]*models.Epic, len(epics)),
		edges: make(map[string][]string, len(epics)),
		order: make([]string, 0, len(epics)),
	}

	for _, epic := range epics {
		if _, dup := g.nodes[epic.ID]; dup {
			return nil, fmt.Errorf("duplicate epic id %s", epic.ID)
		}
		g.nodes[epic.ID] = epic
		g.edges[epic.ID] = nil
		g.order = append(g.order, epic.ID)
	}

	for _, epic := range epics {
		for _, depID := range epic.DependsOn {
			if _, exists := g.nodes[depID]; !exists {
				return nil, &UnknownDependencyError{EpicID: epic.ID, DepID: depID}
			}
			g.edges[epic.ID] = append(g.edges[epic.ID], depID)
		}
	}

	if path := g.findCycle(); path != nil {
		return nil, &CycleError{Path: path}
	}

	return g, nil
}

// findCycle runs a depth-first traversal tracking the recursion stack and
// returns the cycle path on the first back edge, or nil.
func (g *Graph) findCycle() []string {
	// Color states: 0 = unvisited, 1 = on stack, 2 = done.
	colors := make(map[string]int, len(g.nodes))
	var stack []string

	var visit func(id string) []string
	visit = func(id string) []string {
		colors[id] = 1
		stack = append(stack, id)

		for _, depID := range g.edges[id] {
			switch colors[depID] {
			case 1:
				// Back edge: slice the stack from the first occurrence of
				// depID to name the full cycle.
				for i, onStack := range stack {
					if onStack == depID {
						cycle := append([]string{}, stack[i:]...)
						return append(cycle, depID)
					}
				}
			case 0:
				if cycle := visit(depID); cycle != nil {
					return cycle
				}
			}
		}

		stack = stack[:len(stack)-1]
		colors[id] = 2
		return nil
	}

	for _, id := range g.order {
		if colors[id] == 0 {
			if cycle := visit(id); cycle != nil {
				return cycle
			}
		}
	}
	return nil
}

// Levels partitions epic IDs into dependency levels by iterative
// topological peeling: each level is the set of epics whose remaining
// in-degree is zero, eligible for parallel start. Every dependency lands
// in a strictly earlier level than its dependents. IDs within a level are
// sorted for deterministic output.
func (g *Graph) Levels() [][]string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	indegree := make(map[string]int, len(g.nodes))
	for id := range g.nodes {
		indegree[id] = len(g.edges[id])
	}
	// dependents is the reverse adjacency, needed to decrement in-degrees.
	dependents := make(map[string][]string, len(g.nodes))
	for id, deps := range g.edges {
		for _, depID := range deps {
			dependents[depID] = append(dependents[depID], id)
		}
	}

	remaining := len(g.nodes)
	var levels [][]string
	for remaining > 0 {
		var level []string
		for _, id := range g.order {
			if deg, ok := indegree[id]; ok && deg == 0 {
				level = append(level, id)
			}
		}
		// Build guarantees acyclicity, so peeling always progresses.
		sort.Strings(level)
		for _, id := range level {
			delete(indegree, id)
			for _, dependent := range dependents[id] {
				if _, ok := indegree[dependent]; ok {
					indegree[dependent]--
				}
			}
		}
		levels = append(levels, level)
		remaining -= len(level)
	}
	return levels
}

// LevelOf returns the dependency level index of an epic, or -1 if the
// epic is not in the graph.
func (g *Graph) LevelOf(epicID string) int {
	for i, level := range g.Levels() {
		for _, id := range level {
			if id == epicID {
				return i
			}
		}
	}
	return -1
}

// Epic returns the epic for a given ID, or nil if not found.
func (g *Graph) Epic(id string) *models.Epic {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.nodes[id]
}

// Size returns the number of epics in the graph.
func (g *Graph) Size() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.nodes)
}

// Dependencies returns the IDs of epics the given epic depends on.
func (g *Graph) Dependencies(epicID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.edges[epicID]
}

// Dependents returns the IDs of epics that depend on the given epic,
// in declaration order.
func (g *Graph) Dependents(epicID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.dependentsLocked(epicID)
}

func (g *Graph) dependentsLocked(epicID string) []string {
	var dependents []string
	for _, id := range g.order {
		for _, depID := range g.edges[id] {
			if depID == epicID {
				dependents = append(dependents, id)
				break
			}
		}
	}
	return dependents
}

// TransitiveDependents returns every epic reachable by following
// dependent edges from the given epic. Used to block the full downstream
// set when an epic fails.
func (g *Graph) TransitiveDependents(epicID string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string

	var walk func(id string)
	walk = func(id string) {
		for _, dep := range g.dependentsLocked(id) {
			if !seen[dep] {
				seen[dep] = true
				out = append(out, dep)
				walk(dep)
			}
		}
	}
	walk(epicID)
	sort.Strings(out)
	return out
}
