// Package events defines the push notifications emitted while an execution
// runs. They are layered on top of the pollable status store; dashboards
// that cannot poll subscribe to these instead.
package events

import (
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

type EventType string

// Topic is the broker topic all execution events are published on.
const Topic = "flowmesh.executions"

const EventMetadataKey = "key"
const EventTypeMetadataKey = "event_type"

const (
	ExecutionStartedEvent   EventType = "execution.started"
	ExecutionCompletedEvent EventType = "execution.completed"
	ExecutionFailedEvent    EventType = "execution.failed"
	ExecutionCancelledEvent EventType = "execution.cancelled"
	ExecutionTimeoutEvent   EventType = "execution.timeout"
	NodeStartedEvent        EventType = "node.started"
	NodeFinishedEvent       EventType = "node.finished"
	NodeFailedEvent         EventType = "node.failed"
	NodeSkippedEvent        EventType = "node.skipped"
)

// Event is implemented by every notification type.
type Event interface {
	GetType() EventType
}

type BaseEvent struct {
	ID          string    `json:"id"`
	Type        EventType `json:"type"`
	Timestamp   time.Time `json:"timestamp"`
	ExecutionID string    `json:"execution_id"`
	WorkflowID  string    `json:"workflow_id"`
}

func NewBaseEvent(eventType EventType, executionID, workflowID string) BaseEvent {
	return BaseEvent{
		Type:        eventType,
		Timestamp:   time.Now().UTC(),
		ExecutionID: executionID,
		WorkflowID:  workflowID,
	}
}

type ExecutionStarted struct {
	BaseEvent

	Input map[string]any `json:"input,omitempty"`
}

func (e ExecutionStarted) GetType() EventType { return ExecutionStartedEvent }

type ExecutionCompleted struct {
	BaseEvent

	Output   any           `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e ExecutionCompleted) GetType() EventType { return ExecutionCompletedEvent }

type ExecutionFailed struct {
	BaseEvent

	Error       string        `json:"error"`
	ErrorNodeID string        `json:"error_node_id,omitempty"`
	Duration    time.Duration `json:"duration"`
}

func (e ExecutionFailed) GetType() EventType { return ExecutionFailedEvent }

type ExecutionCancelled struct {
	BaseEvent

	Duration time.Duration `json:"duration"`
}

func (e ExecutionCancelled) GetType() EventType { return ExecutionCancelledEvent }

type ExecutionTimeout struct {
	BaseEvent

	Timeout time.Duration `json:"timeout"`
}

func (e ExecutionTimeout) GetType() EventType { return ExecutionTimeoutEvent }

type NodeStarted struct {
	BaseEvent

	NodeID   string          `json:"node_id"`
	NodeType models.NodeType `json:"node_type"`
}

func (e NodeStarted) GetType() EventType { return NodeStartedEvent }

type NodeFinished struct {
	BaseEvent

	NodeID   string        `json:"node_id"`
	Output   any           `json:"output,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (e NodeFinished) GetType() EventType { return NodeFinishedEvent }

type NodeFailed struct {
	BaseEvent

	NodeID   string        `json:"node_id"`
	Error    string        `json:"error"`
	Duration time.Duration `json:"duration"`
}

func (e NodeFailed) GetType() EventType { return NodeFailedEvent }

type NodeSkipped struct {
	BaseEvent

	NodeID string `json:"node_id"`
}

func (e NodeSkipped) GetType() EventType { return NodeSkippedEvent }
