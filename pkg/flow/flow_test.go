package flow_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/flow"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func edgesFrom(graph *models.Graph, source string) []*models.Edge {
	var out []*models.Edge

	for _, edge := range graph.Edges {
		if edge.Source == source {
			out = append(out, edge)
		}
	}

	return out
}

func nodeOfType(t *testing.T, graph *models.Graph, nodeType models.NodeType) *models.Node {
	t.Helper()

	nodes := graph.NodesByType(nodeType)
	require.Len(t, nodes, 1)

	return nodes[0]
}

func TestBuild_LinearChain(t *testing.T) {
	graph, err := flow.NewFlow("linear", flow.WithLogger(testLogger())).
		Ask("assistant", "q").
		Output("answer").
		Build()

	require.NoError(t, err)
	assert.Len(t, graph.Nodes, 3)
	assert.Len(t, graph.Edges, 2)

	input := nodeOfType(t, graph, models.NodeTypeInput)
	agent := nodeOfType(t, graph, models.NodeTypeAgent)
	output := nodeOfType(t, graph, models.NodeTypeOutput)

	require.Len(t, edgesFrom(graph, input.ID), 1)
	assert.Equal(t, agent.ID, edgesFrom(graph, input.ID)[0].Target)
	assert.Equal(t, output.ID, edgesFrom(graph, agent.ID)[0].Target)

	assert.Equal(t, "answer", output.Config.(*models.OutputConfig).Key)
}

func TestBuild_AppendsOutputWhenMissing(t *testing.T) {
	graph, err := flow.NewFlow("auto-output", flow.WithLogger(testLogger())).
		Ask("assistant", "q").
		Build()

	require.NoError(t, err)
	assert.Len(t, graph.NodesByType(models.NodeTypeOutput), 1)
}

func TestBuild_ParallelBlockBecomesRegion(t *testing.T) {
	graph, err := flow.NewFlow("fanout", flow.WithLogger(testLogger())).
		Parallel().
		Ask("a", "q").
		Ask("a2", "q").
		Branch().
		Ask("b", "q").
		EndParallel(1).
		Output("").
		Build()

	require.NoError(t, err)
	require.Len(t, graph.ParallelRegions, 1)

	region := graph.ParallelRegions[0]
	input := nodeOfType(t, graph, models.NodeTypeInput)

	assert.Equal(t, input.ID, region.ForkID)
	assert.Len(t, region.Branches, 2)
	assert.Len(t, region.Branches[0], 2)
	assert.Len(t, region.Branches[1], 1)
	assert.Equal(t, 1, region.MaxConcurrency)

	join := graph.Nodes[region.JoinID]
	require.NotNil(t, join)
	assert.Equal(t, models.JoinFunction, join.Config.(*models.TransformConfig).Function)
}

func TestBuild_EndParallelNormalizesUnboundedConcurrency(t *testing.T) {
	graph, err := flow.NewFlow("unbounded", flow.WithLogger(testLogger())).
		Parallel().
		Ask("a", "q").
		Branch().
		Ask("b", "q").
		Branch().
		Ask("c", "q").
		EndParallel(0).
		Build()

	require.NoError(t, err)
	require.Len(t, graph.ParallelRegions, 1)
	assert.Equal(t, 3, graph.ParallelRegions[0].MaxConcurrency)
}

func TestBuild_IfElseEdgeTypes(t *testing.T) {
	graph, err := flow.NewFlow("cond", flow.WithLogger(testLogger())).
		Ask("forecaster", "q").
		IfContains("sunny").
		Ask("outdoor", "q").
		ElseBranch().
		Ask("indoor", "q").
		EndIf().
		Output("").
		Build()

	require.NoError(t, err)

	cond := nodeOfType(t, graph, models.NodeTypeCondition)
	out := edgesFrom(graph, cond.ID)
	require.Len(t, out, 2)

	types := map[models.EdgeType]int{}
	for _, edge := range out {
		types[edge.Type]++
	}

	assert.Equal(t, 1, types[models.EdgeTypeConditionTrue])
	assert.Equal(t, 1, types[models.EdgeTypeConditionFalse])

	// Both arms converge on the merge node.
	merge := nodeOfType(t, graph, models.NodeTypeTransform)
	assert.Equal(t, models.MergeFunction, merge.Config.(*models.TransformConfig).Function)

	incoming := 0

	for _, edge := range graph.Edges {
		if edge.Target == merge.ID {
			incoming++
		}
	}

	assert.Equal(t, 2, incoming)
}

func TestBuild_IfWithoutElseWiresFalseToMerge(t *testing.T) {
	graph, err := flow.NewFlow("cond-no-else", flow.WithLogger(testLogger())).
		Ask("forecaster", "q").
		IfContains("sunny").
		Ask("outdoor", "q").
		EndIf().
		Output("").
		Build()

	require.NoError(t, err)

	cond := nodeOfType(t, graph, models.NodeTypeCondition)
	merge := nodeOfType(t, graph, models.NodeTypeTransform)

	var falseEdge *models.Edge

	for _, edge := range edgesFrom(graph, cond.ID) {
		if edge.Type == models.EdgeTypeConditionFalse {
			falseEdge = edge
		}
	}

	require.NotNil(t, falseEdge)
	assert.Equal(t, merge.ID, falseEdge.Target)
}

func TestBuild_GraphRoundTripsThroughInterchange(t *testing.T) {
	graph, err := flow.NewFlow("round-trip", flow.WithLogger(testLogger())).
		Ask("assistant", "Hello {name}").
		IfContains("yes").
		Tool("search", map[string]string{"q": "{latest_result}"}).
		EndIf().
		Output("final").
		Build()

	require.NoError(t, err)

	document, err := json.Marshal(graph)
	require.NoError(t, err)
	require.NoError(t, models.ValidateDocument(document))

	decoded, err := models.DecodeGraph(document)
	require.NoError(t, err)
	assert.Empty(t, decoded.Validate())
	assert.Len(t, decoded.Nodes, len(graph.Nodes))
}

func TestBuild_ErrorsSurfaceAtBuild(t *testing.T) {
	cases := map[string]*flow.Builder{
		"branch outside parallel": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Ask("a", "q").Branch(),
		"else outside condition": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Ask("a", "q").ElseBranch(),
		"unclosed parallel": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Parallel().Ask("a", "q"),
		"unclosed condition": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Ask("a", "q").IfContains("yes").Ask("b", "q"),
		"empty true branch": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Ask("a", "q").IfContains("yes").EndIf(),
		"nested parallel": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Parallel().Ask("a", "q").Parallel(),
		"empty agent id": flow.NewFlow("x", flow.WithLogger(testLogger())).
			Ask("", "q"),
	}

	for name, builder := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := builder.Build()
			assert.Error(t, err)
		})
	}
}

func TestRun_CustomPredicate(t *testing.T) {
	agents := protocol.AgentInvokerFunc(func(_ context.Context, agentID, _ string) (string, error) {
		return agentID, nil
	})

	builder := flow.NewFlow("custom-pred",
		flow.WithLogger(testLogger()),
		flow.WithAgentInvoker(agents),
	)
	builder.Registry().RegisterPredicate("is_forecaster", func(value any) (bool, error) {
		text, _ := value.(string)

		return text == "forecaster", nil
	})

	result, err := builder.
		Ask("forecaster", "q").
		If("is_forecaster").
		Ask("matched", "q").
		ElseBranch().
		Ask("unmatched", "q").
		EndIf().
		Output("").
		Run(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "matched", result.Output)
}

func TestRun_IfFuncInlinePredicate(t *testing.T) {
	result, err := flow.NewFlow("inline-pred",
		flow.WithLogger(testLogger()),
		flow.WithAgentInvoker(protocol.AgentInvokerFunc(func(_ context.Context, agentID, _ string) (string, error) {
			return agentID, nil
		})),
	).
		Ask("first", "q").
		IfFunc(func(value any) (bool, error) {
			return value == "never", nil
		}).
		Ask("true-arm", "q").
		ElseBranch().
		Ask("false-arm", "q").
		EndIf().
		Output("").
		Run(context.Background(), nil)

	require.NoError(t, err)
	assert.Equal(t, "false-arm", result.Output)
}
