package models

import (
	"errors"
	"fmt"
	"strings"
)

// ValidationError describes one structural defect found in a graph.
type ValidationError struct {
	Code    string `json:"code"`
	NodeID  string `json:"node_id,omitempty"`
	EdgeID  string `json:"edge_id,omitempty"`
	Message string `json:"message"`
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Validation error codes.
const (
	CodeDuplicateNode     = "duplicate_node"
	CodeDanglingEdge      = "dangling_edge"
	CodeConditionEdges    = "condition_edges"
	CodeUnreachableNode   = "unreachable_node"
	CodeCycle             = "cycle"
	CodeNoInput           = "no_input"
	CodeNoOutput          = "no_output"
	CodeRegionRef         = "region_ref"
	CodeRegionConcurrency = "region_concurrency"
	CodeConditionInRegion = "condition_in_region"
	CodeMissingConfig     = "missing_config"
)

// GraphValidationError aggregates every structural defect; execution never
// starts while one is outstanding.
type GraphValidationError struct {
	GraphID string
	Errors  []ValidationError
}

func (e *GraphValidationError) Error() string {
	msgs := make([]string, 0, len(e.Errors))
	for _, v := range e.Errors {
		msgs = append(msgs, v.Error())
	}

	return fmt.Sprintf("graph %s is invalid: %s", e.GraphID, strings.Join(msgs, "; "))
}

// IsGraphValidation reports whether err is a graph validation failure.
func IsGraphValidation(err error) bool {
	var target *GraphValidationError

	return errors.As(err, &target)
}

// Validate checks the structural invariants: unique ids, existing edge
// endpoints, CONDITION out-edge counts, reachability from an INPUT node,
// acyclicity, and parallel-region consistency. It runs before execution and
// never mutates the graph.
func (g *Graph) Validate() []ValidationError {
	var errs []ValidationError

	seen := make(map[string]bool, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		if seen[id] {
			errs = append(errs, ValidationError{
				Code:    CodeDuplicateNode,
				NodeID:  id,
				Message: fmt.Sprintf("node id %q appears more than once", id),
			})
		}

		seen[id] = true
	}

	for _, node := range g.NodeList() {
		if node.Config == nil {
			errs = append(errs, ValidationError{
				Code:    CodeMissingConfig,
				NodeID:  node.ID,
				Message: fmt.Sprintf("node %q has no config for type %s", node.ID, node.Type),
			})
		}
	}

	for _, edge := range g.Edges {
		if _, ok := g.Nodes[edge.Source]; !ok {
			errs = append(errs, ValidationError{
				Code:    CodeDanglingEdge,
				EdgeID:  edge.ID,
				Message: fmt.Sprintf("edge %q references unknown source %q", edge.ID, edge.Source),
			})
		}

		if _, ok := g.Nodes[edge.Target]; !ok {
			errs = append(errs, ValidationError{
				Code:    CodeDanglingEdge,
				EdgeID:  edge.ID,
				Message: fmt.Sprintf("edge %q references unknown target %q", edge.ID, edge.Target),
			})
		}
	}

	errs = append(errs, g.validateConditions()...)
	errs = append(errs, g.validateReachability()...)
	errs = append(errs, g.validateAcyclic()...)
	errs = append(errs, g.validateRegions()...)

	return errs
}

// validateConditions checks that every CONDITION node has exactly one
// CONDITION_TRUE and one CONDITION_FALSE outgoing edge.
func (g *Graph) validateConditions() []ValidationError {
	var errs []ValidationError

	for _, node := range g.NodeList() {
		if node.Type != NodeTypeCondition {
			continue
		}

		trueCount, falseCount := 0, 0

		for _, edge := range g.Edges {
			if edge.Source != node.ID {
				continue
			}

			switch edge.Type {
			case EdgeTypeConditionTrue:
				trueCount++
			case EdgeTypeConditionFalse:
				falseCount++
			}
		}

		if trueCount != 1 || falseCount != 1 {
			errs = append(errs, ValidationError{
				Code:   CodeConditionEdges,
				NodeID: node.ID,
				Message: fmt.Sprintf(
					"condition %q must have exactly one TRUE and one FALSE edge, got %d/%d",
					node.ID, trueCount, falseCount),
			})
		}
	}

	return errs
}

// validateReachability checks that every non-INPUT node is reachable from
// some INPUT node.
func (g *Graph) validateReachability() []ValidationError {
	var errs []ValidationError

	inputs := g.NodesByType(NodeTypeInput)
	if len(inputs) == 0 {
		return append(errs, ValidationError{
			Code:    CodeNoInput,
			Message: "graph has no INPUT node",
		})
	}

	reached := make(map[string]bool)

	queue := make([]string, 0, len(inputs))
	for _, input := range inputs {
		reached[input.ID] = true
		queue = append(queue, input.ID)
	}

	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]

		for _, edge := range g.Edges {
			if edge.Source != current || reached[edge.Target] {
				continue
			}

			reached[edge.Target] = true
			queue = append(queue, edge.Target)
		}
	}

	for _, node := range g.NodeList() {
		if !reached[node.ID] {
			errs = append(errs, ValidationError{
				Code:    CodeUnreachableNode,
				NodeID:  node.ID,
				Message: fmt.Sprintf("node %q is not reachable from any INPUT node", node.ID),
			})
		}
	}

	if len(g.NodesByType(NodeTypeOutput)) == 0 {
		errs = append(errs, ValidationError{
			Code:    CodeNoOutput,
			Message: "graph has no OUTPUT node",
		})
	}

	return errs
}

// validateAcyclic detects cycles with a coloring DFS. Declared fork→join
// spans are plain DAG segments, so any back edge is a defect.
func (g *Graph) validateAcyclic() []ValidationError {
	const (
		white = 0
		gray  = 1
		black = 2
	)

	color := make(map[string]int, len(g.Nodes))
	outgoing := make(map[string][]string)

	for _, edge := range g.Edges {
		outgoing[edge.Source] = append(outgoing[edge.Source], edge.Target)
	}

	var cycleAt string

	var visit func(id string) bool
	visit = func(id string) bool {
		color[id] = gray

		for _, next := range outgoing[id] {
			switch color[next] {
			case gray:
				cycleAt = next

				return true
			case white:
				if visit(next) {
					return true
				}
			}
		}

		color[id] = black

		return false
	}

	for _, id := range g.nodeOrder {
		if color[id] == white && visit(id) {
			return []ValidationError{{
				Code:    CodeCycle,
				NodeID:  cycleAt,
				Message: fmt.Sprintf("cycle detected through node %q", cycleAt),
			}}
		}
	}

	return nil
}

// validateRegions checks that region node references exist, bounds are sane,
// and branch chains stay linear (no CONDITION nodes inside a chain).
func (g *Graph) validateRegions() []ValidationError {
	var errs []ValidationError

	for _, region := range g.ParallelRegions {
		for _, id := range append([]string{region.ForkID, region.JoinID}, flatten(region.Branches)...) {
			if _, ok := g.Nodes[id]; !ok {
				errs = append(errs, ValidationError{
					Code:    CodeRegionRef,
					NodeID:  id,
					Message: fmt.Sprintf("parallel region references unknown node %q", id),
				})
			}
		}

		if region.MaxConcurrency < 1 {
			errs = append(errs, ValidationError{
				Code:    CodeRegionConcurrency,
				NodeID:  region.JoinID,
				Message: "parallel region max_concurrency must be at least 1",
			})
		}

		for _, chain := range region.Branches {
			for _, id := range chain {
				if node, ok := g.Nodes[id]; ok && node.Type == NodeTypeCondition {
					errs = append(errs, ValidationError{
						Code:    CodeConditionInRegion,
						NodeID:  id,
						Message: fmt.Sprintf("condition %q is not allowed inside a parallel branch", id),
					})
				}
			}
		}
	}

	return errs
}

func flatten(chains [][]string) []string {
	var all []string
	for _, chain := range chains {
		all = append(all, chain...)
	}

	return all
}
