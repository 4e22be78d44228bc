// Package protocol defines the ports through which the execution engine
// reaches external collaborators: remote agents, tools, and graph storage.
package protocol

import (
	"context"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// AgentInvoker abstracts a call to a remote agent. Implementations must
// honor ctx cancellation and deadlines; the executor relies on that to
// propagate timeouts and cancellation to in-flight calls.
type AgentInvoker interface {
	Invoke(ctx context.Context, agentID, query string) (string, error)
}

// StreamingAgentInvoker optionally delivers an answer as a finite sequence
// of partial chunks. The stream is not restartable; onChunk returning an
// error aborts it.
type StreamingAgentInvoker interface {
	AgentInvoker

	InvokeStreaming(ctx context.Context, agentID, query string, onChunk func(chunk string) error) error
}

// ToolInvoker abstracts a call to an external tool. The result must be
// JSON-serializable.
type ToolInvoker interface {
	Invoke(ctx context.Context, toolID string, params map[string]any) (any, error)
}

// TransformFunc is a caller-supplied pure function applied by a TRANSFORM
// node. Inputs are keyed by the node's declared input references.
type TransformFunc func(inputs map[string]any) (any, error)

// Predicate evaluates a CONDITION node's custom check over latest_result.
type Predicate func(value any) (bool, error)

// GraphSummary is the listing projection of a stored graph.
type GraphSummary struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	NodeCount int       `json:"node_count"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Storage persists workflow graphs. The engine itself never touches
// storage; adapters live under pkg/persistence.
type Storage interface {
	Save(ctx context.Context, graph *models.Graph) (string, error)
	Load(ctx context.Context, id string) (*models.Graph, error)
	List(ctx context.Context) ([]GraphSummary, error)
	Delete(ctx context.Context, id string) error
	HealthCheck(ctx context.Context) error

	Close(ctx context.Context) error
}

// AgentInvokerFunc adapts a function to the AgentInvoker port.
type AgentInvokerFunc func(ctx context.Context, agentID, query string) (string, error)

func (f AgentInvokerFunc) Invoke(ctx context.Context, agentID, query string) (string, error) {
	return f(ctx, agentID, query)
}

// ToolInvokerFunc adapts a function to the ToolInvoker port.
type ToolInvokerFunc func(ctx context.Context, toolID string, params map[string]any) (any, error)

func (f ToolInvokerFunc) Invoke(ctx context.Context, toolID string, params map[string]any) (any, error) {
	return f(ctx, toolID, params)
}
