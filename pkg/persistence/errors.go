// Package persistence defines the standardized error types shared by every
// graph storage adapter.
package persistence

import (
	"errors"
	"fmt"
)

// Standard persistence error types that all implementations should use.
var (
	// ErrGraphNotFound indicates a workflow graph was not found by the given identifier.
	ErrGraphNotFound = errors.New("graph not found")

	// ErrInvalidDocument indicates a stored document failed to decode.
	ErrInvalidDocument = errors.New("invalid graph document")
)

// GraphError wraps storage errors with operation context.
type GraphError struct {
	Op      string // Operation being performed (e.g., "Load", "Save", "Delete")
	GraphID string // Graph ID if applicable
	Err     error  // Underlying error
}

func (e *GraphError) Error() string {
	return fmt.Sprintf("%s operation failed for graph %s: %v", e.Op, e.GraphID, e.Err)
}

func (e *GraphError) Unwrap() error {
	return e.Err
}

// Is implements error comparison for graph errors.
func (e *GraphError) Is(target error) bool {
	return errors.Is(e.Err, target)
}

// NewGraphError creates a new graph error with context.
func NewGraphError(op, graphID string, err error) *GraphError {
	return &GraphError{
		Op:      op,
		GraphID: graphID,
		Err:     err,
	}
}

// IsGraphNotFound checks if an error indicates a graph was not found.
func IsGraphNotFound(err error) bool {
	return errors.Is(err, ErrGraphNotFound)
}
