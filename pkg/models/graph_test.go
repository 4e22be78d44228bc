package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func buildLinearGraph(t *testing.T) *Graph {
	t.Helper()

	graph := NewGraph("wf-1", "linear", "input to output")

	require.NoError(t, graph.AddNode(&Node{ID: "in", Name: "in", Type: NodeTypeInput, Config: &InputConfig{}}))
	require.NoError(t, graph.AddNode(&Node{ID: "agent", Name: "agent", Type: NodeTypeAgent, Config: &AgentConfig{
		AgentID:        "assistant",
		PromptTemplate: "{query}",
	}}))
	require.NoError(t, graph.AddNode(&Node{ID: "out", Name: "out", Type: NodeTypeOutput, Config: &OutputConfig{Key: "answer"}}))

	require.NoError(t, graph.AddEdge(&Edge{ID: "e1", Source: "in", Target: "agent", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e2", Source: "agent", Target: "out", Type: EdgeTypeData}))

	return graph
}

func TestGraph_AddNodeRejectsDuplicates(t *testing.T) {
	graph := NewGraph("", "dup", "")

	require.NoError(t, graph.AddNode(&Node{ID: "a", Name: "a", Type: NodeTypeInput, Config: &InputConfig{}}))
	assert.Error(t, graph.AddNode(&Node{ID: "a", Name: "again", Type: NodeTypeInput, Config: &InputConfig{}}))
}

func TestGraph_InterchangeRoundTrip(t *testing.T) {
	graph := buildLinearGraph(t)

	document, err := json.Marshal(graph)
	require.NoError(t, err)

	var decoded Graph

	require.NoError(t, json.Unmarshal(document, &decoded))

	assert.Equal(t, graph.ID, decoded.ID)
	assert.Equal(t, graph.Name, decoded.Name)
	assert.Len(t, decoded.Nodes, 3)
	assert.Len(t, decoded.Edges, 2)

	// Node order survives the array form.
	order := make([]string, 0, 3)
	for _, node := range decoded.NodeList() {
		order = append(order, node.ID)
	}

	assert.Equal(t, []string{"in", "agent", "out"}, order)

	// Config variants decode by the type discriminator.
	agentConfig, ok := decoded.Nodes["agent"].Config.(*AgentConfig)
	require.True(t, ok)
	assert.Equal(t, "assistant", agentConfig.AgentID)
	assert.Equal(t, "{query}", agentConfig.PromptTemplate)

	outputConfig, ok := decoded.Nodes["out"].Config.(*OutputConfig)
	require.True(t, ok)
	assert.Equal(t, "answer", outputConfig.Key)

	// Round-trip again and compare documents for stability.
	second, err := json.Marshal(&decoded)
	require.NoError(t, err)
	assert.JSONEq(t, string(document), string(second))
}

func TestGraph_RoundTripPreservesParallelRegions(t *testing.T) {
	graph := NewGraph("wf-2", "fanout", "")

	require.NoError(t, graph.AddNode(&Node{ID: "in", Name: "in", Type: NodeTypeInput, Config: &InputConfig{}}))
	require.NoError(t, graph.AddNode(&Node{ID: "a", Name: "a", Type: NodeTypeAgent, Config: &AgentConfig{AgentID: "x", PromptTemplate: "p"}}))
	require.NoError(t, graph.AddNode(&Node{ID: "b", Name: "b", Type: NodeTypeAgent, Config: &AgentConfig{AgentID: "y", PromptTemplate: "p"}}))
	require.NoError(t, graph.AddNode(&Node{ID: "join", Name: "join", Type: NodeTypeTransform, Config: &TransformConfig{Function: JoinFunction}}))
	require.NoError(t, graph.AddNode(&Node{ID: "out", Name: "out", Type: NodeTypeOutput, Config: &OutputConfig{}}))

	require.NoError(t, graph.AddEdge(&Edge{ID: "e1", Source: "in", Target: "a", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e2", Source: "in", Target: "b", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e3", Source: "a", Target: "join", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e4", Source: "b", Target: "join", Type: EdgeTypeData}))
	require.NoError(t, graph.AddEdge(&Edge{ID: "e5", Source: "join", Target: "out", Type: EdgeTypeData}))

	graph.ParallelRegions = []*ParallelRegion{{
		ForkID:         "in",
		JoinID:         "join",
		Branches:       [][]string{{"a"}, {"b"}},
		MaxConcurrency: 2,
	}}

	document, err := json.Marshal(graph)
	require.NoError(t, err)

	var decoded Graph

	require.NoError(t, json.Unmarshal(document, &decoded))
	require.Len(t, decoded.ParallelRegions, 1)

	region := decoded.ParallelRegions[0]
	assert.Equal(t, "in", region.ForkID)
	assert.Equal(t, "join", region.JoinID)
	assert.Equal(t, [][]string{{"a"}, {"b"}}, region.Branches)
	assert.Equal(t, 2, region.MaxConcurrency)

	assert.NotNil(t, decoded.Region("join"))
	assert.Nil(t, decoded.Region("out"))
}

func TestValidateDocument_SchemaRejectsMalformed(t *testing.T) {
	err := ValidateDocument([]byte(`{"name": "x"}`))
	assert.Error(t, err)

	graph := buildLinearGraph(t)
	document, marshalErr := json.Marshal(graph)
	require.NoError(t, marshalErr)

	assert.NoError(t, ValidateDocument(document))

	decoded, err := DecodeGraph(document)
	require.NoError(t, err)
	assert.Len(t, decoded.Nodes, 3)
}

func TestNode_UnknownTypeFailsDecode(t *testing.T) {
	var node Node

	err := json.Unmarshal([]byte(`{"id":"x","name":"x","type":"BOGUS","config":{}}`), &node)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown node type")
}
