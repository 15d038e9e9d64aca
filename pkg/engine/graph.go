package engine

import (
	"fmt"
	"strings"
)

// Graph is an index over a collection of item templates. It exposes lookup
// by id and the dependency edges that stay within the collection.
type Graph struct {
	// templates maps item IDs to their templates
	templates map[string]*ItemTemplate

	// order holds item IDs in input order
	order []string

	// dependencies maps item IDs to their in-collection dependencies
	dependencies map[string][]string

	// external maps item IDs to dependencies outside the collection
	external map[string][]string

	// dependents maps item IDs to the items that depend on them
	dependents map[string][]string
}

// BuildGraph indexes templates. It rejects empty and duplicate item ids.
// Cycles are not an error here; they are reported by Sequence.
func BuildGraph(templates []ItemTemplate) (*Graph, error) {
	g := &Graph{
		templates:    make(map[string]*ItemTemplate, len(templates)),
		order:        make([]string, 0, len(templates)),
		dependencies: make(map[string][]string, len(templates)),
		external:     make(map[string][]string),
		dependents:   make(map[string][]string, len(templates)),
	}

	// First pass: index all templates
	for i := range templates {
		tmpl := &templates[i]
		if tmpl.ItemID == "" {
			return nil, NewPermanentError(fmt.Sprintf("template at index %d has empty item id", i), nil).
				WithCode(ErrCodeValidation)
		}
		if _, exists := g.templates[tmpl.ItemID]; exists {
			return nil, NewPermanentError(fmt.Sprintf("duplicate item id: %s", tmpl.ItemID), nil).
				WithCode(ErrCodeValidation).WithResource(tmpl.ItemID)
		}
		if tmpl.EstimatedDeploymentCostFactor < 0 {
			return nil, NewPermanentError(
				fmt.Sprintf("negative deployment cost factor %d", tmpl.EstimatedDeploymentCostFactor), nil,
			).WithCode(ErrCodeValidation).WithResource(tmpl.ItemID)
		}

		g.templates[tmpl.ItemID] = tmpl
		g.order = append(g.order, tmpl.ItemID)
	}

	// Second pass: split dependencies into in-collection and external edges
	for _, id := range g.order {
		seen := make(map[string]bool)
		for _, dep := range g.templates[id].Dependencies {
			if seen[dep] {
				continue
			}
			seen[dep] = true

			if _, exists := g.templates[dep]; !exists {
				g.external[id] = append(g.external[id], dep)
				continue
			}
			g.dependencies[id] = append(g.dependencies[id], dep)
			g.dependents[dep] = append(g.dependents[dep], id)
		}
	}

	return g, nil
}

// Len returns the number of templates in the graph.
func (g *Graph) Len() int {
	return len(g.order)
}

// IDs returns all item ids in input order.
func (g *Graph) IDs() []string {
	out := make([]string, len(g.order))
	copy(out, g.order)
	return out
}

// Has reports whether id is part of the collection.
func (g *Graph) Has(id string) bool {
	_, ok := g.templates[id]
	return ok
}

// Template returns the template for id, or nil.
func (g *Graph) Template(id string) *ItemTemplate {
	return g.templates[id]
}

// Dependencies returns the in-collection dependencies of id.
func (g *Graph) Dependencies(id string) []string {
	return g.dependencies[id]
}

// ExternalDependencies returns the dependencies of id that are not part of
// the collection. They are treated as already satisfied.
func (g *Graph) ExternalDependencies(id string) []string {
	return g.external[id]
}

// Dependents returns the ids of items that depend on id.
func (g *Graph) Dependents(id string) []string {
	return g.dependents[id]
}

// Closure returns the targets present in g together with their transitive
// in-collection dependencies, and the targets that are not part of g.
func (g *Graph) Closure(targets []string) (map[string]bool, []string) {
	wanted := make(map[string]bool)
	missing := make([]string, 0)
	var mark func(id string)
	mark = func(id string) {
		if wanted[id] {
			return
		}
		wanted[id] = true
		for _, dep := range g.dependencies[id] {
			mark(dep)
		}
	}
	for _, id := range targets {
		if !g.Has(id) {
			missing = append(missing, id)
			continue
		}
		mark(id)
	}
	return wanted, missing
}

// TopLevelIDs returns the ids of items that no other item depends on, in
// input order.
func (g *Graph) TopLevelIDs() []string {
	top := make([]string, 0)
	for _, id := range g.order {
		if len(g.dependents[id]) == 0 {
			top = append(top, id)
		}
	}
	return top
}

// Hierarchy returns the dependency tree of the solution rooted at its
// top-level items. A dependency shared by several items appears under each
// of them.
func (g *Graph) Hierarchy() ([]*HierarchyNode, error) {
	if _, err := g.Sequence(); err != nil {
		return nil, err
	}

	var build func(id string) *HierarchyNode
	build = func(id string) *HierarchyNode {
		node := &HierarchyNode{ID: id, Dependencies: make([]*HierarchyNode, 0)}
		for _, dep := range g.dependencies[id] {
			node.Dependencies = append(node.Dependencies, build(dep))
		}
		return node
	}

	roots := make([]*HierarchyNode, 0)
	for _, id := range g.TopLevelIDs() {
		roots = append(roots, build(id))
	}
	return roots, nil
}

// Levels assigns each item a depth so that items at the same level have no
// dependencies on each other. Level 0 holds items without in-collection
// dependencies.
func (g *Graph) Levels() ([][]string, error) {
	// Kahn's algorithm with level tracking
	inDegree := make(map[string]int, len(g.order))
	for _, id := range g.order {
		inDegree[id] = len(g.dependencies[id])
	}

	current := make([]string, 0)
	for _, id := range g.order {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	levels := make([][]string, 0)
	processed := 0
	for len(current) > 0 {
		levels = append(levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range g.dependents[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		current = next
	}

	if processed != len(g.order) {
		if _, err := g.Sequence(); err != nil {
			return nil, err
		}
		return nil, NewPermanentError("failed to level all items", nil).WithCode(ErrCodeInternal)
	}

	return levels, nil
}

// ToDOT generates a DOT format representation of the graph for visualization.
// External dependencies are drawn as dashed nodes.
func (g *Graph) ToDOT() string {
	var sb strings.Builder

	sb.WriteString("digraph Solution {\n")
	sb.WriteString("  rankdir=BT;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for _, id := range g.order {
		tmpl := g.templates[id]
		label := id
		if tmpl.Type != "" {
			label = fmt.Sprintf("%s\\n%s", id, tmpl.Type)
		}
		sb.WriteString(fmt.Sprintf("  %q [label=\"%s\"];\n", id, label))
	}

	externals := make(map[string]bool)
	for _, id := range g.order {
		for _, dep := range g.external[id] {
			if !externals[dep] {
				externals[dep] = true
				sb.WriteString(fmt.Sprintf("  %q [style=dashed];\n", dep))
			}
		}
	}
	sb.WriteString("\n")

	for _, id := range g.order {
		for _, dep := range g.dependencies[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q;\n", id, dep))
		}
		for _, dep := range g.external[id] {
			sb.WriteString(fmt.Sprintf("  %q -> %q [style=dashed];\n", id, dep))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}
