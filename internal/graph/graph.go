// ABOUTME: Dependency graph over service descriptors with load-time validation.
// ABOUTME: Detects duplicates, unknown dependencies and cycles; computes start batches.

package graph

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

// ErrEmptyName is returned when a descriptor has no name.
var ErrEmptyName = errors.New("service name is required")

// DuplicateServiceError is returned when two descriptors share a name.
type DuplicateServiceError struct {
	Name string
}

func (e *DuplicateServiceError) Error() string {
	return fmt.Sprintf("duplicate service %q", e.Name)
}

// UnknownDependencyError is returned when a service depends on a name that
// is not in the graph.
type UnknownDependencyError struct {
	Service    string
	Dependency string
}

func (e *UnknownDependencyError) Error() string {
	return fmt.Sprintf("service %q depends on %q, which does not exist", e.Service, e.Dependency)
}

// CycleError is returned when the dependency relation is not acyclic. Path
// starts and ends with the same service.
type CycleError struct {
	Path []string
}

func (e *CycleError) Error() string {
	return "dependency cycle: " + strings.Join(e.Path, " -> ")
}

// Graph is an immutable, validated, acyclic dependency graph.
type Graph struct {
	services   map[string]ServiceDescriptor
	order      []string            // load order
	deps       map[string][]string // direct dependencies, deduplicated
	dependents map[string][]string // direct dependents, load order
}

// Load validates descriptors and builds the graph.
func Load(descriptors []ServiceDescriptor) (*Graph, error) {
	g := &Graph{
		services:   make(map[string]ServiceDescriptor, len(descriptors)),
		order:      make([]string, 0, len(descriptors)),
		deps:       make(map[string][]string, len(descriptors)),
		dependents: make(map[string][]string, len(descriptors)),
	}

	for _, d := range descriptors {
		if d.Name == "" {
			return nil, ErrEmptyName
		}
		if _, exists := g.services[d.Name]; exists {
			return nil, &DuplicateServiceError{Name: d.Name}
		}
		g.services[d.Name] = d
		g.order = append(g.order, d.Name)
	}

	for _, name := range g.order {
		var deps []string
		for _, dep := range g.services[name].DependsOn {
			if _, ok := g.services[dep]; !ok {
				return nil, &UnknownDependencyError{Service: name, Dependency: dep}
			}
			if slices.Contains(deps, dep) {
				continue
			}
			deps = append(deps, dep)
			g.dependents[dep] = append(g.dependents[dep], name)
		}
		g.deps[name] = deps
	}

	if err := g.checkCycles(); err != nil {
		return nil, err
	}
	return g, nil
}

// checkCycles runs a depth-first search keeping the active path so a back
// edge can be reported as the full cycle.
func (g *Graph) checkCycles() error {
	const (
		unvisited = iota
		visiting
		visited
	)

	state := make(map[string]int, len(g.order))
	var path []string

	var dfs func(string) error
	dfs = func(node string) error {
		switch state[node] {
		case visiting:
			start := slices.Index(path, node)
			cycle := append(slices.Clone(path[start:]), node)
			return &CycleError{Path: cycle}
		case visited:
			return nil
		}

		state[node] = visiting
		path = append(path, node)
		for _, dep := range g.deps[node] {
			if err := dfs(dep); err != nil {
				return err
			}
		}
		path = path[:len(path)-1]
		state[node] = visited
		return nil
	}

	for _, name := range g.order {
		if state[name] == unvisited {
			if err := dfs(name); err != nil {
				return err
			}
		}
	}
	return nil
}

// Get returns the descriptor for name.
func (g *Graph) Get(name string) (ServiceDescriptor, bool) {
	d, ok := g.services[name]
	return d, ok
}

// Names returns service names in load order.
func (g *Graph) Names() []string {
	return slices.Clone(g.order)
}

// Len returns the number of services.
func (g *Graph) Len() int {
	return len(g.order)
}

// Dependencies returns the direct dependencies of name.
func (g *Graph) Dependencies(name string) []string {
	return slices.Clone(g.deps[name])
}

// Dependents returns every service that transitively depends on name,
// sorted by name. The service itself is not included.
func (g *Graph) Dependents(name string) []string {
	seen := map[string]bool{name: true}
	queue := slices.Clone(g.dependents[name])
	var out []string

	for len(queue) > 0 {
		n := queue[0]
		queue = queue[1:]
		if seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, n)
		queue = append(queue, g.dependents[n]...)
	}

	slices.Sort(out)
	return out
}

// TopologicalBatches groups services into layers: every dependency of a
// member of batch k lies in a batch before k. Members of a batch are sorted
// by name.
func (g *Graph) TopologicalBatches() [][]string {
	indegree := make(map[string]int, len(g.order))
	var current []string
	for _, name := range g.order {
		indegree[name] = len(g.deps[name])
		if indegree[name] == 0 {
			current = append(current, name)
		}
	}

	var batches [][]string
	for len(current) > 0 {
		slices.Sort(current)
		batches = append(batches, current)

		var next []string
		for _, name := range current {
			for _, dependent := range g.dependents[name] {
				indegree[dependent]--
				if indegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}
	return batches
}
