package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func codes(errs []ValidationError) []string {
	out := make([]string, 0, len(errs))
	for _, e := range errs {
		out = append(out, e.Code)
	}

	return out
}

func TestValidate_AcceptsLinearGraph(t *testing.T) {
	graph := buildLinearGraph(t)
	assert.Empty(t, graph.Validate())
}

func TestValidate_ConditionEdgeCounts(t *testing.T) {
	graph := NewGraph("", "cond", "")

	require.NoError(t, graph.AddNode(&Node{ID: "in", Name: "in", Type: NodeTypeInput, Config: &InputConfig{}}))
	require.NoError(t, graph.AddNode(&Node{ID: "cond", Name: "cond", Type: NodeTypeCondition, Config: &ConditionConfig{
		Predicate: PredicateContains,
		Operand:   "yes",
	}}))
	require.NoError(t, graph.AddNode(&Node{ID: "out", Name: "out", Type: NodeTypeOutput, Config: &OutputConfig{}}))

	require.NoError(t, graph.AddEdge(&Edge{ID: "e1", Source: "in", Target: "cond", Type: EdgeTypeData}))
	// Only a TRUE arm, no FALSE arm.
	require.NoError(t, graph.AddEdge(&Edge{ID: "e2", Source: "cond", Target: "out", Type: EdgeTypeConditionTrue}))

	assert.Contains(t, codes(graph.Validate()), CodeConditionEdges)
}

func TestValidate_DetectsCycle(t *testing.T) {
	graph := NewGraph("", "cycle", "")

	require.NoError(t, graph.AddNode(&Node{ID: "in", Name: "in", Type: NodeTypeInput, Config: &InputConfig{}}))
	require.NoError(t, graph.AddNode(&Node{ID: "a", Name: "a", Type: NodeTypeAgent, Config: &AgentConfig{AgentID: "x", PromptTemplate: "p"}}))
	require.NoError(t, graph.AddNode(&Node{ID: "b", Name: "b", Type: NodeTypeAgent, Config: &AgentConfig{AgentID: "y", PromptTemplate: "p"}}))
	require.NoError(t, graph.AddNode(&Node{ID: "out", Name: "out", Type: NodeTypeOutput, Config: &OutputConfig{}}))

	require.NoError(t, graph.AddEdge(&Edge{ID: "e1", Source: "in", Target: "a", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e2", Source: "a", Target: "b", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e3", Source: "b", Target: "a", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e4", Source: "b", Target: "out", Type: EdgeTypeData}))

	assert.Contains(t, codes(graph.Validate()), CodeCycle)
}

func TestValidate_UnreachableNode(t *testing.T) {
	graph := buildLinearGraph(t)
	require.NoError(t, graph.AddNode(&Node{ID: "orphan", Name: "orphan", Type: NodeTypeAgent, Config: &AgentConfig{AgentID: "x", PromptTemplate: "p"}}))

	assert.Contains(t, codes(graph.Validate()), CodeUnreachableNode)
}

func TestValidate_DanglingEdge(t *testing.T) {
	graph := buildLinearGraph(t)
	require.NoError(t, graph.AddEdge(&Edge{ID: "e3", Source: "agent", Target: "ghost", Type: EdgeTypeData}))

	assert.Contains(t, codes(graph.Validate()), CodeDanglingEdge)
}

func TestValidate_MissingEndpoints(t *testing.T) {
	graph := NewGraph("", "empty", "")
	require.NoError(t, graph.AddNode(&Node{ID: "a", Name: "a", Type: NodeTypeAgent, Config: &AgentConfig{AgentID: "x", PromptTemplate: "p"}}))

	found := codes(graph.Validate())
	assert.Contains(t, found, CodeNoInput)
	assert.Contains(t, found, CodeNoOutput)
}

func TestValidate_MissingConfig(t *testing.T) {
	graph := buildLinearGraph(t)
	graph.Nodes["agent"].Config = nil

	assert.Contains(t, codes(graph.Validate()), CodeMissingConfig)
}

func TestValidate_RegionChecks(t *testing.T) {
	graph := NewGraph("", "regions", "")

	require.NoError(t, graph.AddNode(&Node{ID: "in", Name: "in", Type: NodeTypeInput, Config: &InputConfig{}}))
	require.NoError(t, graph.AddNode(&Node{ID: "cond", Name: "cond", Type: NodeTypeCondition, Config: &ConditionConfig{
		Predicate: PredicateContains,
		Operand:   "x",
	}}))
	require.NoError(t, graph.AddNode(&Node{ID: "join", Name: "join", Type: NodeTypeTransform, Config: &TransformConfig{Function: JoinFunction}}))
	require.NoError(t, graph.AddNode(&Node{ID: "out", Name: "out", Type: NodeTypeOutput, Config: &OutputConfig{}}))

	require.NoError(t, graph.AddEdge(&Edge{ID: "e1", Source: "in", Target: "cond", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e2", Source: "cond", Target: "join", Type: EdgeTypeConditionTrue}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e3", Source: "cond", Target: "join", Type: EdgeTypeConditionFalse}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e4", Source: "join", Target: "out", Type: EdgeTypeData}))

	graph.ParallelRegions = []*ParallelRegion{{
		ForkID:         "in",
		JoinID:         "join",
		Branches:       [][]string{{"cond"}, {"missing"}},
		MaxConcurrency: 0,
	}}

	found := codes(graph.Validate())
	assert.Contains(t, found, CodeRegionRef)
	assert.Contains(t, found, CodeRegionConcurrency)
	assert.Contains(t, found, CodeConditionInRegion)
}
