package engine

import (
	"fmt"
	"sort"
	"strings"
)

// GraphNode is a unit placed in the execution graph.
type GraphNode struct {
	ID           string   `json:"id"`
	Layer        int      `json:"layer"`
	Effort       float64  `json:"effort"`
	Dependencies []string `json:"dependencies,omitempty"`
	Dependents   []string `json:"dependents,omitempty"`
}

// GraphEdge points from a dependency to the unit that waits on it.
type GraphEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// ExecutionGraph is the validated unit DAG with its layers and critical path.
type ExecutionGraph struct {
	Nodes        map[string]*GraphNode `json:"nodes"`
	Edges        []GraphEdge           `json:"edges"`
	Layers       []ExecutionLayer      `json:"layers"`
	CriticalPath []string              `json:"critical_path"`

	// CriticalEffort is the summed effort along CriticalPath.
	CriticalEffort float64 `json:"critical_effort"`
}

// Depth returns the number of layers.
func (g *ExecutionGraph) Depth() int {
	return len(g.Layers)
}

// DAGBuilder builds a directed acyclic graph from units.
// It performs topological layering and critical path analysis.
type DAGBuilder struct {
	// units maps unit IDs to their units
	units map[string]*Unit

	// adjacencyList maps unit IDs to the units that depend on them
	adjacencyList map[string][]string

	// reverseAdjacencyList maps unit IDs to their dependencies
	reverseAdjacencyList map[string][]string

	// inDegree tracks the number of unresolved dependencies of each unit
	inDegree map[string]int

	// levels holds unit IDs per execution layer, sorted
	levels [][]string

	graph *ExecutionGraph
}

// NewDAGBuilder creates a new DAG builder.
func NewDAGBuilder() *DAGBuilder {
	return &DAGBuilder{
		units:                make(map[string]*Unit),
		adjacencyList:        make(map[string][]string),
		reverseAdjacencyList: make(map[string][]string),
		inDegree:             make(map[string]int),
	}
}

// BuildLayers partitions units into execution layers and computes the
// effort-weighted critical path. It is pure and never returns a partial graph.
func BuildLayers(units []Unit) ([]ExecutionLayer, []string, error) {
	graph, err := NewDAGBuilder().Build(units)
	if err != nil {
		return nil, nil, err
	}
	return graph.Layers, graph.CriticalPath, nil
}

// Build constructs the execution graph. It validates identifiers and
// dependencies, layers the graph with Kahn's algorithm and reports any cycle.
func (b *DAGBuilder) Build(units []Unit) (*ExecutionGraph, error) {
	if len(units) == 0 {
		return nil, NewCodedError(ErrCodeValidation, "work plan has no units", nil).
			WithOperation("build_layers")
	}

	if err := b.initialize(units); err != nil {
		return nil, err
	}

	if err := b.computeLevels(); err != nil {
		return nil, err
	}

	b.graph = b.buildExecutionGraph()
	return b.graph, nil
}

// initialize sets up the internal data structures from units.
func (b *DAGBuilder) initialize(units []Unit) error {
	for i := range units {
		unit := &units[i]
		if unit.ID == "" {
			return NewCodedError(ErrCodeValidation, "unit has empty ID", nil)
		}
		if unit.Effort < 0 {
			return NewCodedError(ErrCodeValidation, "unit effort must not be negative", nil).
				WithResource(unit.ID)
		}
		if _, exists := b.units[unit.ID]; exists {
			return NewCodedError(ErrCodeValidation, fmt.Sprintf("duplicate unit ID: %s", unit.ID), nil).
				WithResource(unit.ID)
		}

		b.units[unit.ID] = unit
		b.adjacencyList[unit.ID] = nil
		b.reverseAdjacencyList[unit.ID] = nil
		b.inDegree[unit.ID] = 0
	}

	for _, id := range b.sortedIDs() {
		unit := b.units[id]
		seen := make(map[string]bool, len(unit.Dependencies))
		for _, dep := range unit.Dependencies {
			if _, exists := b.units[dep]; !exists {
				return NewCodedError(ErrCodeUnknownDependency,
					fmt.Sprintf("unit %s depends on unknown unit %s", unit.ID, dep), nil,
				).WithResource(unit.ID).WithDetail("dependency", dep)
			}
			if seen[dep] {
				continue
			}
			seen[dep] = true

			// dependency must be integrated before the unit can start
			b.adjacencyList[dep] = append(b.adjacencyList[dep], unit.ID)
			b.reverseAdjacencyList[unit.ID] = append(b.reverseAdjacencyList[unit.ID], dep)
			b.inDegree[unit.ID]++
		}
	}

	for id := range b.units {
		sort.Strings(b.adjacencyList[id])
		sort.Strings(b.reverseAdjacencyList[id])
	}
	return nil
}

// computeLevels assigns layers using Kahn's algorithm. Units left with
// unresolved in-degree after the queue drains form or follow a cycle.
func (b *DAGBuilder) computeLevels() error {
	inDegree := make(map[string]int, len(b.inDegree))
	for id, degree := range b.inDegree {
		inDegree[id] = degree
	}

	current := make([]string, 0)
	for _, id := range b.sortedIDs() {
		if inDegree[id] == 0 {
			current = append(current, id)
		}
	}

	processed := 0
	for len(current) > 0 {
		b.levels = append(b.levels, current)
		processed += len(current)

		next := make([]string, 0)
		for _, id := range current {
			for _, dependent := range b.adjacencyList[id] {
				inDegree[dependent]--
				if inDegree[dependent] == 0 {
					next = append(next, dependent)
				}
			}
		}
		sort.Strings(next)
		current = next
	}

	if processed == len(b.units) {
		return nil
	}

	var remaining []string
	for id, degree := range inDegree {
		if degree > 0 {
			remaining = append(remaining, id)
		}
	}
	sort.Strings(remaining)
	b.levels = nil

	cycle := b.findCycle(remaining)
	return NewCodedError(ErrCodeCycleDetected,
		fmt.Sprintf("circular dependency detected: %s", formatCycle(cycle)), nil,
	).WithDetail("nodes", remaining).WithDetail("cycle", cycle)
}

// findCycle returns one concrete cycle among the unresolved units, starting
// from the lowest ID that lies on a cycle.
func (b *DAGBuilder) findCycle(remaining []string) []string {
	inSet := make(map[string]bool, len(remaining))
	for _, id := range remaining {
		inSet[id] = true
	}

	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(remaining))
	var path []string
	var found []string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = grey
		path = append(path, id)
		for _, next := range b.adjacencyList[id] {
			if !inSet[next] {
				continue
			}
			switch color[next] {
			case grey:
				for i, p := range path {
					if p == next {
						found = append(append([]string(nil), path[i:]...), next)
						return true
					}
				}
			case white:
				if visit(next) {
					return true
				}
			}
		}
		path = path[:len(path)-1]
		color[id] = black
		return false
	}

	for _, id := range remaining {
		if color[id] == white && visit(id) {
			return found
		}
	}
	return remaining
}

// buildExecutionGraph creates the final ExecutionGraph structure and the
// critical path.
func (b *DAGBuilder) buildExecutionGraph() *ExecutionGraph {
	graph := &ExecutionGraph{
		Nodes:  make(map[string]*GraphNode, len(b.units)),
		Edges:  make([]GraphEdge, 0),
		Layers: make([]ExecutionLayer, 0, len(b.levels)),
	}

	for level, ids := range b.levels {
		graph.Layers = append(graph.Layers, ExecutionLayer{
			Index:      level,
			Units:      append([]string(nil), ids...),
			Concurrent: len(ids) > 1,
		})
		for _, id := range ids {
			graph.Nodes[id] = &GraphNode{
				ID:           id,
				Layer:        level,
				Effort:       b.units[id].Effort,
				Dependencies: b.reverseAdjacencyList[id],
				Dependents:   b.adjacencyList[id],
			}
			for _, dep := range b.reverseAdjacencyList[id] {
				graph.Edges = append(graph.Edges, GraphEdge{From: dep, To: id})
			}
		}
	}

	graph.CriticalPath, graph.CriticalEffort = b.criticalPath()
	return graph
}

// criticalPath computes the longest effort-weighted path. Layers are a
// topological order, so every dependency is finalised before its dependents.
// Ties pick the lowest unit ID.
func (b *DAGBuilder) criticalPath() ([]string, float64) {
	dist := make(map[string]float64, len(b.units))
	prev := make(map[string]string, len(b.units))

	for _, ids := range b.levels {
		for _, id := range ids {
			best := ""
			bestDist := 0.0
			// dependencies are sorted, so strict > keeps the lowest ID on ties
			for _, dep := range b.reverseAdjacencyList[id] {
				if best == "" || dist[dep] > bestDist {
					best = dep
					bestDist = dist[dep]
				}
			}
			dist[id] = b.units[id].Effort + bestDist
			prev[id] = best
		}
	}

	end := ""
	for _, id := range b.sortedIDs() {
		if end == "" || dist[id] > dist[end] {
			end = id
		}
	}
	if end == "" {
		return nil, 0
	}

	var path []string
	for id := end; id != ""; id = prev[id] {
		path = append(path, id)
	}
	for i, j := 0, len(path)-1; i < j; i, j = i+1, j-1 {
		path[i], path[j] = path[j], path[i]
	}
	return path, dist[end]
}

func (b *DAGBuilder) sortedIDs() []string {
	ids := make([]string, 0, len(b.units))
	for id := range b.units {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// GetLevels returns the computed execution levels.
func (b *DAGBuilder) GetLevels() [][]string {
	return b.levels
}

// ToDOT generates a DOT representation of the graph for Graphviz.
// Edges on the critical path are drawn bold red.
func (b *DAGBuilder) ToDOT() string {
	var sb strings.Builder

	critical := make(map[string]bool)
	if b.graph != nil {
		for i := 1; i < len(b.graph.CriticalPath); i++ {
			critical[b.graph.CriticalPath[i-1]+"->"+b.graph.CriticalPath[i]] = true
		}
	}

	sb.WriteString("digraph WorkPlan {\n")
	sb.WriteString("  rankdir=LR;\n")
	sb.WriteString("  node [shape=box, style=rounded];\n\n")

	for level, ids := range b.levels {
		sb.WriteString(fmt.Sprintf("  subgraph cluster_layer_%d {\n", level))
		sb.WriteString(fmt.Sprintf("    label=\"Layer %d\";\n", level))
		sb.WriteString("    style=dashed;\n")

		for _, id := range ids {
			unit := b.units[id]
			label := id
			if unit.Name != "" {
				label = fmt.Sprintf("%s\\n%s", id, unit.Name)
			}
			label = fmt.Sprintf("%s\\neffort %g", label, unit.Effort)
			sb.WriteString(fmt.Sprintf("    \"%s\" [label=\"%s\", fillcolor=\"%s\", style=\"filled,rounded\"];\n",
				id, label, stateColor(unit.State)))
		}

		sb.WriteString("  }\n\n")
	}

	for _, id := range b.sortedIDs() {
		for _, dep := range b.reverseAdjacencyList[id] {
			style := "style=solid, color=black"
			if critical[dep+"->"+id] {
				style = "style=bold, color=red, penwidth=2"
			}
			sb.WriteString(fmt.Sprintf("  \"%s\" -> \"%s\" [%s];\n", dep, id, style))
		}
	}

	sb.WriteString("}\n")
	return sb.String()
}

// formatCycle formats a cycle path for error messages.
func formatCycle(cycle []string) string {
	if len(cycle) == 0 {
		return ""
	}
	return strings.Join(cycle, " -> ")
}

func stateColor(s LifecycleState) string {
	switch s {
	case StateContractsLocked:
		return "lightyellow"
	case StateImplementing:
		return "lightblue"
	case StateReview:
		return "plum"
	case StateIntegrated:
		return "lightgreen"
	case StateReleased:
		return "darkseagreen"
	case StateParked:
		return "lightcoral"
	default:
		return "white"
	}
}
