package models

import "time"

// ExecutionStatus is the overall lifecycle state of one execution.
type ExecutionStatus string

const (
	ExecutionStatusRunning   ExecutionStatus = "RUNNING"
	ExecutionStatusCompleted ExecutionStatus = "COMPLETED"
	ExecutionStatusFailed    ExecutionStatus = "FAILED"
	ExecutionStatusCancelled ExecutionStatus = "CANCELLED"
)

// Terminal reports whether the status never changes again.
func (s ExecutionStatus) Terminal() bool {
	return s == ExecutionStatusCompleted || s == ExecutionStatusFailed || s == ExecutionStatusCancelled
}

// NodeStatus is the per-node lifecycle state within one execution.
type NodeStatus string

const (
	NodeStatusPending   NodeStatus = "PENDING"
	NodeStatusRunning   NodeStatus = "RUNNING"
	NodeStatusCompleted NodeStatus = "COMPLETED"
	NodeStatusFailed    NodeStatus = "FAILED"
	NodeStatusSkipped   NodeStatus = "SKIPPED"
	NodeStatusCancelled NodeStatus = "CANCELLED"
)

// Terminal reports whether the status never changes again.
func (s NodeStatus) Terminal() bool {
	switch s {
	case NodeStatusCompleted, NodeStatusFailed, NodeStatusSkipped, NodeStatusCancelled:
		return true
	default:
		return false
	}
}

// NodeExecution tracks the state of one node during an execution.
type NodeExecution struct {
	NodeID    string     `json:"node_id"`
	Status    NodeStatus `json:"status"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Output    any        `json:"output,omitempty"`
	Error     string     `json:"error,omitempty"`
}

// ExecutionState is the full state of one execution: overall status, the
// per-node map, the final output, and the first error encountered.
type ExecutionState struct {
	ExecutionID string                    `json:"execution_id"`
	WorkflowID  string                    `json:"workflow_id"`
	Status      ExecutionStatus           `json:"status"`
	Nodes       map[string]*NodeExecution `json:"nodes"`
	Output      any                       `json:"output,omitempty"`
	OutputKey   string                    `json:"output_key,omitempty"`
	Error       string                    `json:"error,omitempty"`
	// ErrorNodeID identifies the node that produced the first error.
	ErrorNodeID string     `json:"error_node_id,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	EndedAt     *time.Time `json:"ended_at,omitempty"`
}

// NewExecutionState seeds a state with every node PENDING.
func NewExecutionState(executionID, workflowID string, nodeIDs []string) *ExecutionState {
	nodes := make(map[string]*NodeExecution, len(nodeIDs))
	for _, id := range nodeIDs {
		nodes[id] = &NodeExecution{NodeID: id, Status: NodeStatusPending}
	}

	return &ExecutionState{
		ExecutionID: executionID,
		WorkflowID:  workflowID,
		Status:      ExecutionStatusRunning,
		Nodes:       nodes,
		StartedAt:   time.Now().UTC(),
	}
}

// Clone returns a deep copy safe to hand to concurrent readers.
func (s *ExecutionState) Clone() *ExecutionState {
	nodes := make(map[string]*NodeExecution, len(s.Nodes))
	for id, node := range s.Nodes {
		copied := *node
		nodes[id] = &copied
	}

	clone := *s
	clone.Nodes = nodes

	return &clone
}
