package web

import (
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// RunGraphRequest starts an execution of a stored graph.
type RunGraphRequest struct {
	Input                   map[string]any `json:"input"`
	FailFast                bool           `json:"fail_fast"`
	ExecutionTimeoutSeconds int            `json:"execution_timeout_seconds" validate:"gte=0"`
	NodeTimeoutSeconds      int            `json:"node_timeout_seconds"      validate:"gte=0"`
	LenientTemplates        bool           `json:"lenient_templates"`
}

// RunGraphResponse acknowledges an accepted execution.
type RunGraphResponse struct {
	ExecutionID string `json:"execution_id"`
	Status      string `json:"status"`
}

// ExecutionResultResponse carries a finished execution's final value.
type ExecutionResultResponse struct {
	ExecutionID string                 `json:"execution_id"`
	Status      models.ExecutionStatus `json:"status"`
	OutputKey   string                 `json:"output_key,omitempty"`
	Output      any                    `json:"output,omitempty"`
	Error       string                 `json:"error,omitempty"`
	ErrorNodeID string                 `json:"error_node_id,omitempty"`
	StartedAt   time.Time              `json:"started_at"`
	EndedAt     *time.Time             `json:"ended_at,omitempty"`
}

// SaveGraphResponse acknowledges a stored graph.
type SaveGraphResponse struct {
	ID string `json:"id"`
}

// ValidateGraphResponse reports validation findings for a submitted document.
type ValidateGraphResponse struct {
	Valid  bool                     `json:"valid"`
	Errors []models.ValidationError `json:"errors,omitempty"`
}
