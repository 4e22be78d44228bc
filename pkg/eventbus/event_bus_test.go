package eventbus_test

import (
	"context"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/channels/gochannel"
	"github.com/flowmesh/flowmesh/pkg/eventbus"
	"github.com/flowmesh/flowmesh/pkg/events"
)

func newTestBus(t *testing.T) eventbus.EventBus {
	t.Helper()

	pub, sub, err := gochannel.CreateTestChannel(watermill.NopLogger{})
	require.NoError(t, err)

	bus := eventbus.NewWatermillEventBus(pub, sub)
	t.Cleanup(func() { _ = bus.Close() })

	return bus
}

func TestWatermillEventBus_PublishSubscribeRoundTrip(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan *events.ExecutionCompleted, 1)

	require.NoError(t, bus.Handle(events.ExecutionCompletedEvent, func(_ context.Context, event any) error {
		completed, ok := event.(*events.ExecutionCompleted)
		require.True(t, ok)

		received <- completed

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	sent := events.ExecutionCompleted{
		BaseEvent: events.NewBaseEvent(events.ExecutionCompletedEvent, "exec-1", "wf-1"),
		Output:    "answer",
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", sent))

	select {
	case completed := <-received:
		assert.Equal(t, "exec-1", completed.ExecutionID)
		assert.Equal(t, "wf-1", completed.WorkflowID)
		assert.Equal(t, "answer", completed.Output)
		assert.Equal(t, events.ExecutionCompletedEvent, completed.GetType())
	case <-time.After(5 * time.Second):
		t.Fatal("event never delivered")
	}
}

func TestWatermillEventBus_UnhandledEventTypesAreAcked(t *testing.T) {
	bus := newTestBus(t)

	received := make(chan any, 2)

	require.NoError(t, bus.Handle(events.NodeFinishedEvent, func(_ context.Context, event any) error {
		received <- event

		return nil
	}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	require.NoError(t, bus.Subscribe(ctx))

	// No handler registered for node.started; it must not wedge the stream.
	started := events.NodeStarted{
		BaseEvent: events.NewBaseEvent(events.NodeStartedEvent, "exec-1", "wf-1"),
		NodeID:    "agent",
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", started))

	finished := events.NodeFinished{
		BaseEvent: events.NewBaseEvent(events.NodeFinishedEvent, "exec-1", "wf-1"),
		NodeID:    "agent",
		Output:    "done",
	}
	require.NoError(t, bus.Publish(ctx, "exec-1", finished))

	select {
	case event := <-received:
		nodeFinished, ok := event.(*events.NodeFinished)
		require.True(t, ok)
		assert.Equal(t, "agent", nodeFinished.NodeID)
	case <-time.After(5 * time.Second):
		t.Fatal("later event never delivered")
	}
}

func TestWatermillEventBus_GenerateID(t *testing.T) {
	bus := newTestBus(t)

	first := bus.GenerateID()
	second := bus.GenerateID()

	assert.NotEmpty(t, first)
	assert.NotEqual(t, first, second)
}
