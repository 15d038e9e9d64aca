package engine

// vertexColor is the per-traversal state of a vertex during sequencing.
type vertexColor uint8

const (
	unvisited vertexColor = iota
	inProgress
	finished
)

// Sequence computes a deployment order for templates in which every
// in-collection dependency precedes its dependents. Dependencies that are not
// part of templates are treated as already satisfied. A dependency cycle
// fails with a *CyclicDependencyError naming the participating ids.
func Sequence(templates []ItemTemplate) (DeploymentOrder, error) {
	g, err := BuildGraph(templates)
	if err != nil {
		return nil, err
	}
	return g.Sequence()
}

// sortFrame is one entry of the explicit depth-first stack.
type sortFrame struct {
	id   string
	next int
}

// Sequence computes the deployment order of the graph using a three-color
// depth-first traversal. Roots are visited in input order, so the result is
// deterministic for a given input.
func (g *Graph) Sequence() (DeploymentOrder, error) {
	colors := make(map[string]vertexColor, len(g.order))
	order := make(DeploymentOrder, 0, len(g.order))

	for _, root := range g.order {
		if colors[root] != unvisited {
			continue
		}

		colors[root] = inProgress
		stack := []sortFrame{{id: root}}

		for len(stack) > 0 {
			top := &stack[len(stack)-1]
			deps := g.dependencies[top.id]

			if top.next < len(deps) {
				dep := deps[top.next]
				top.next++

				switch colors[dep] {
				case unvisited:
					colors[dep] = inProgress
					stack = append(stack, sortFrame{id: dep})
				case inProgress:
					// Back-edge to an ancestor on the stack
					return nil, &CyclicDependencyError{Cycle: cycleFromStack(stack, dep)}
				}
				continue
			}

			colors[top.id] = finished
			order = append(order, top.id)
			stack = stack[:len(stack)-1]
		}
	}

	return order, nil
}

// cycleFromStack returns the path from the first occurrence of id on the
// stack to the top of the stack, closed with id.
func cycleFromStack(stack []sortFrame, id string) []string {
	cycle := make([]string, 0, len(stack)+1)
	for i := range stack {
		if stack[i].id == id || len(cycle) > 0 {
			cycle = append(cycle, stack[i].id)
		}
	}
	return append(cycle, id)
}
