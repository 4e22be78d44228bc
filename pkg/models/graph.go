package models

import (
	"encoding/json"
	"fmt"
)

// ParallelRegion is the fork→join span of a declared parallel block:
// an ordered list of branch chains bounded by MaxConcurrency, derived at
// build time and carried on the graph so the span survives round-trips.
type ParallelRegion struct {
	ForkID string `json:"fork" validate:"required"`
	JoinID string `json:"join" validate:"required"`
	// Branches holds node id chains in declaration order; join results are
	// keyed "1".."n" by this order, never by completion order.
	Branches       [][]string `json:"branches" validate:"required,min=1"`
	MaxConcurrency int        `json:"max_concurrency"`
}

// Graph is the node/edge data model for one workflow. It is owned by
// whoever built or loaded it and is never mutated by the executor.
type Graph struct {
	ID          string `json:"id"`
	Name        string `json:"name" validate:"required,min=1"`
	Description string `json:"description"`

	Nodes map[string]*Node `json:"-"`
	Edges []*Edge          `json:"edges"`

	ParallelRegions []*ParallelRegion `json:"parallel_regions,omitempty"`

	// FailFast aborts the whole execution on the first node failure instead
	// of poisoning only downstream paths.
	FailFast bool `json:"fail_fast,omitempty"`

	// nodeOrder preserves insertion order for the interchange nodes array.
	nodeOrder []string
}

// NewGraph creates an empty graph.
func NewGraph(id, name, description string) *Graph {
	return &Graph{
		ID:          id,
		Name:        name,
		Description: description,
		Nodes:       make(map[string]*Node),
	}
}

// AddNode registers a node. Node ids must be unique within the graph.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node requires an id")
	}

	if g.Nodes == nil {
		g.Nodes = make(map[string]*Node)
	}

	if _, exists := g.Nodes[node.ID]; exists {
		return fmt.Errorf("duplicate node id %q", node.ID)
	}

	g.Nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)

	return nil
}

// AddEdge registers an edge. Endpoint existence is checked by Validate, not
// here, so graphs can be assembled in any order.
func (g *Graph) AddEdge(edge *Edge) error {
	if edge == nil || edge.ID == "" {
		return fmt.Errorf("edge requires an id")
	}

	for _, existing := range g.Edges {
		if existing.ID == edge.ID {
			return fmt.Errorf("duplicate edge id %q", edge.ID)
		}
	}

	g.Edges = append(g.Edges, edge)

	return nil
}

// NodeList returns nodes in insertion order.
func (g *Graph) NodeList() []*Node {
	nodes := make([]*Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		if node, ok := g.Nodes[id]; ok {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// NodesByType returns nodes of the given type in insertion order.
func (g *Graph) NodesByType(t NodeType) []*Node {
	var nodes []*Node

	for _, node := range g.NodeList() {
		if node.Type == t {
			nodes = append(nodes, node)
		}
	}

	return nodes
}

// Region returns the parallel region joined at the given node id, if any.
func (g *Graph) Region(joinID string) *ParallelRegion {
	for _, region := range g.ParallelRegions {
		if region.JoinID == joinID {
			return region
		}
	}

	return nil
}

// graphEnvelope is the interchange wire form: nodes as an ordered array.
type graphEnvelope struct {
	ID              string            `json:"id,omitempty"`
	Name            string            `json:"name"`
	Description     string            `json:"description"`
	Nodes           []*Node           `json:"nodes"`
	Edges           []*Edge           `json:"edges"`
	ParallelRegions []*ParallelRegion `json:"parallel_regions,omitempty"`
	FailFast        bool              `json:"fail_fast,omitempty"`
}

// MarshalJSON emits the interchange document with nodes in insertion order.
func (g *Graph) MarshalJSON() ([]byte, error) {
	env := graphEnvelope{
		ID:              g.ID,
		Name:            g.Name,
		Description:     g.Description,
		Nodes:           g.NodeList(),
		Edges:           g.Edges,
		ParallelRegions: g.ParallelRegions,
		FailFast:        g.FailFast,
	}

	if env.Edges == nil {
		env.Edges = []*Edge{}
	}

	if env.Nodes == nil {
		env.Nodes = []*Node{}
	}

	return json.Marshal(env)
}

// UnmarshalJSON decodes an interchange document, rebuilding the node map.
func (g *Graph) UnmarshalJSON(data []byte) error {
	var env graphEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return fmt.Errorf("failed to decode graph: %w", err)
	}

	decoded := NewGraph(env.ID, env.Name, env.Description)
	decoded.ParallelRegions = env.ParallelRegions
	decoded.FailFast = env.FailFast

	for _, node := range env.Nodes {
		if err := decoded.AddNode(node); err != nil {
			return err
		}
	}

	for _, edge := range env.Edges {
		if err := decoded.AddEdge(edge); err != nil {
			return err
		}
	}

	*g = *decoded

	return nil
}
