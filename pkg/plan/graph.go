package plan

import (
	"errors"
	"fmt"
	"sort"
)

var (
	ErrCyclicDependency  = errors.New("Cyclic dependency detected")
	ErrDuplicateResource = errors.New("Duplicate resource in dependency graph")
	ErrUnknownResource   = errors.New("Unknown resource in dependency graph")
)

// Resource is a node of the dependency graph: a resource identity key and
// the keys of the resources it depends on.
type Resource struct {
	ID           string
	Dependencies []string
}

// DependencyGraph is an adjacency list representing the directed acyclic
// graph of resource dependencies inside one manifest set.
type DependencyGraph struct {
	set map[string]Resource
}

func NewDependencyGraph() DependencyGraph {
	return DependencyGraph{
		set: make(map[string]Resource),
	}
}

func (graph DependencyGraph) Insert(resources ...Resource) error {
	for _, resource := range resources {
		if _, found := graph.set[resource.ID]; found {
			return fmt.Errorf("%w: %s already exists in set", ErrDuplicateResource, resource.ID)
		}
		graph.set[resource.ID] = resource
	}
	return nil
}

func (graph DependencyGraph) Get(id string) *Resource {
	resource, found := graph.set[id]
	if !found {
		return nil
	}
	return &resource
}

// TopologicalSort returns the resources ordered so every resource appears
// after all of its dependencies. The order is stable: identical graphs
// always sort identically. A cycle or an edge to an unknown resource is an
// error.
func (graph DependencyGraph) TopologicalSort() ([]Resource, error) {
	inProcessing := make(map[string]struct{})
	visited := make(map[string]struct{}, len(graph.set))
	result := make([]Resource, 0, len(graph.set))
	var walk func(id string) error
	walk = func(id string) error {
		if _, found := inProcessing[id]; found {
			return fmt.Errorf("%w for %s", ErrCyclicDependency, id)
		}
		if _, found := visited[id]; found {
			return nil
		}
		resource, found := graph.set[id]
		if !found {
			return fmt.Errorf("%w: %s", ErrUnknownResource, id)
		}
		inProcessing[id] = struct{}{}
		dependencies := make([]string, len(resource.Dependencies))
		copy(dependencies, resource.Dependencies)
		sort.Strings(dependencies)
		for _, dependency := range dependencies {
			if err := walk(dependency); err != nil {
				return err
			}
		}
		delete(inProcessing, id)
		visited[id] = struct{}{}
		result = append(result, resource)
		return nil
	}
	ids := make([]string, 0, len(graph.set))
	for id := range graph.set {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		if err := walk(id); err != nil {
			return nil, err
		}
	}
	return result, nil
}
