// Package execution walks a validated workflow graph against live
// collaborators: it schedules ready nodes, prunes unselected condition
// branches, runs parallel regions under a concurrency bound, and tracks
// per-node status for pollers.
package execution

import (
	"errors"
	"fmt"
	"time"
)

// InvocationError wraps an AgentInvoker or ToolInvoker failure.
type InvocationError struct {
	NodeID    string
	Err       error
	Retriable bool
}

func (e *InvocationError) Error() string {
	return fmt.Sprintf("invocation failed at node %s: %v", e.NodeID, e.Err)
}

func (e *InvocationError) Unwrap() error {
	return e.Err
}

// TimeoutError reports a node or whole-execution deadline exceeded.
type TimeoutError struct {
	NodeID  string
	Timeout time.Duration
	// Execution marks the overall deadline rather than a per-node one.
	Execution bool
}

func (e *TimeoutError) Error() string {
	if e.Execution {
		return fmt.Sprintf("execution deadline of %s exceeded", e.Timeout)
	}

	return fmt.Sprintf("node %s deadline of %s exceeded", e.NodeID, e.Timeout)
}

// CancellationError reports an explicitly cancelled execution.
type CancellationError struct {
	ExecutionID string
}

func (e *CancellationError) Error() string {
	return fmt.Sprintf("execution %s was cancelled", e.ExecutionID)
}

// BranchAggregationError reports a join that received fewer results than
// declared branches. It indicates a barrier-synchronization bug and is
// always fatal, never tolerated.
type BranchAggregationError struct {
	JoinID   string
	Expected int
	Got      int
}

func (e *BranchAggregationError) Error() string {
	return fmt.Sprintf("join %s expected %d branch results, got %d", e.JoinID, e.Expected, e.Got)
}

// IsInvocation reports whether err wraps an invoker failure.
func IsInvocation(err error) bool {
	var target *InvocationError

	return errors.As(err, &target)
}

// IsTimeout reports whether err is a deadline failure.
func IsTimeout(err error) bool {
	var target *TimeoutError

	return errors.As(err, &target)
}

// IsCancellation reports whether err is an explicit cancellation.
func IsCancellation(err error) bool {
	var target *CancellationError

	return errors.As(err, &target)
}

// IsBranchAggregation reports whether err is a barrier defect.
func IsBranchAggregation(err error) bool {
	var target *BranchAggregationError

	return errors.As(err, &target)
}

// ErrExecutionRunning is returned when a result is requested before the
// execution reaches a terminal status.
var ErrExecutionRunning = errors.New("execution still running")

// ErrExecutionNotFound is returned for unknown execution ids.
var ErrExecutionNotFound = errors.New("execution not found")
