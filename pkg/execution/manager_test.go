package execution_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/flow"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

func managedFixture(t *testing.T, agents protocol.AgentInvoker) (*execution.Manager, *models.Graph) {
	t.Helper()

	logger := testLogger()
	store := execution.NewStatusStore(logger)
	executor := execution.NewExecutor(logger,
		execution.WithAgentInvoker(agents),
		execution.WithStatusStore(store),
	)

	graph, err := flow.NewFlow("managed", flow.WithLogger(logger)).
		Ask("assistant", "Hello {name}").
		Output("greeting").
		Build()
	require.NoError(t, err)

	return execution.NewManager(executor, store, logger), graph
}

func TestManager_SubmitAndWait(t *testing.T) {
	manager, graph := managedFixture(t, echoAgent())

	executionID, err := manager.Submit(graph, map[string]any{"name": "Bob"}, execution.Options{})
	require.NoError(t, err)
	assert.NotEmpty(t, executionID)

	result, err := manager.Wait(context.Background(), executionID)
	require.NoError(t, err)
	assert.Equal(t, "assistant: Hello Bob", result.Output)
	assert.Equal(t, executionID, result.ExecutionID)

	state, err := manager.Status(executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
}

func TestManager_ResultWhileRunning(t *testing.T) {
	release := make(chan struct{})
	agents := protocol.AgentInvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	manager, graph := managedFixture(t, agents)

	executionID, err := manager.Submit(graph, map[string]any{"name": "Bob"}, execution.Options{})
	require.NoError(t, err)

	_, err = manager.Result(executionID)
	assert.ErrorIs(t, err, execution.ErrExecutionRunning)

	close(release)

	result, err := manager.Wait(context.Background(), executionID)
	require.NoError(t, err)

	got, err := manager.Result(executionID)
	require.NoError(t, err)
	assert.Equal(t, result.Output, got.Output)
}

func TestManager_StatusVisibleImmediatelyAfterSubmit(t *testing.T) {
	release := make(chan struct{})
	agents := protocol.AgentInvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	manager, graph := managedFixture(t, agents)

	executionID, err := manager.Submit(graph, map[string]any{"name": "Bob"}, execution.Options{})
	require.NoError(t, err)

	// No polling loop on purpose: the snapshot must exist the moment Submit
	// returns, not once the execution goroutine gets scheduled.
	state, err := manager.Status(executionID)
	require.NoError(t, err)
	assert.Equal(t, executionID, state.ExecutionID)
	assert.Equal(t, models.ExecutionStatusRunning, state.Status)
	assert.NotEmpty(t, state.Nodes)

	close(release)

	_, err = manager.Wait(context.Background(), executionID)
	require.NoError(t, err)
}

func TestManager_CancelRunningExecution(t *testing.T) {
	started := make(chan struct{})
	agents := protocol.AgentInvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		<-ctx.Done()

		return "", ctx.Err()
	})

	manager, graph := managedFixture(t, agents)

	executionID, err := manager.Submit(graph, map[string]any{"name": "Bob"}, execution.Options{})
	require.NoError(t, err)

	<-started
	require.NoError(t, manager.Cancel(executionID))

	_, err = manager.Wait(context.Background(), executionID)
	require.Error(t, err)
	assert.True(t, execution.IsCancellation(err))

	state, err := manager.Status(executionID)
	require.NoError(t, err)
	assert.Equal(t, models.ExecutionStatusCancelled, state.Status)
}

func TestManager_UnknownExecution(t *testing.T) {
	manager, _ := managedFixture(t, echoAgent())

	_, err := manager.Result("exec-unknown")
	assert.ErrorIs(t, err, execution.ErrExecutionNotFound)

	assert.ErrorIs(t, manager.Cancel("exec-unknown"), execution.ErrExecutionNotFound)
}

func TestManager_SubmitRejectsInvalidGraph(t *testing.T) {
	manager, _ := managedFixture(t, echoAgent())

	broken := models.NewGraph("", "broken", "")
	require.NoError(t, broken.AddNode(&models.Node{ID: "in", Name: "in", Type: models.NodeTypeInput, Config: &models.InputConfig{}}))

	_, err := manager.Submit(broken, nil, execution.Options{})
	require.Error(t, err)

	var validationErr *models.GraphValidationError

	assert.ErrorAs(t, err, &validationErr)
}

func TestManager_ForgetDropsHandleKeepsState(t *testing.T) {
	manager, graph := managedFixture(t, echoAgent())

	executionID, err := manager.Submit(graph, map[string]any{"name": "Bob"}, execution.Options{})
	require.NoError(t, err)

	waitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, err = manager.Wait(waitCtx, executionID)
	require.NoError(t, err)

	manager.Forget(executionID)

	_, err = manager.Result(executionID)
	assert.ErrorIs(t, err, execution.ErrExecutionNotFound)

	// The status snapshot survives until pruned.
	_, err = manager.Status(executionID)
	assert.NoError(t, err)
}
