package execution

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// StatusStore is the in-memory registry of execution states that pollers
// read while an execution runs. The executor writes into it after every
// node transition; terminal node statuses never revert.
type StatusStore struct {
	mu      sync.RWMutex
	logger  *slog.Logger
	entries map[string]*statusEntry
}

type statusEntry struct {
	state     *models.ExecutionState
	updatedAt time.Time
}

func NewStatusStore(logger *slog.Logger) *StatusStore {
	return &StatusStore{
		logger:  logger.With("module", "status_store"),
		entries: make(map[string]*statusEntry),
	}
}

// Begin registers a fresh execution state. An existing entry with the same
// id is replaced.
func (s *StatusStore) Begin(state *models.ExecutionState) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries[state.ExecutionID] = &statusEntry{
		state:     state.Clone(),
		updatedAt: time.Now().UTC(),
	}
}

// UpdateNode applies a node transition. A transition out of a terminal node
// status is dropped, so late completion signals cannot revert a node that
// was already marked failed, skipped, or cancelled.
func (s *StatusStore) UpdateNode(executionID, nodeID string, status models.NodeStatus, output any, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[executionID]
	if !ok {
		return ErrExecutionNotFound
	}

	node, ok := entry.state.Nodes[nodeID]
	if !ok {
		node = &models.NodeExecution{NodeID: nodeID, Status: models.NodeStatusPending}
		entry.state.Nodes[nodeID] = node
	}

	if node.Status.Terminal() {
		s.logger.Warn("Dropping node transition out of terminal status",
			"execution_id", executionID,
			"node_id", nodeID,
			"current", node.Status,
			"attempted", status)

		return nil
	}

	now := time.Now().UTC()

	if status == models.NodeStatusRunning && node.StartedAt == nil {
		node.StartedAt = &now
	}

	if status.Terminal() {
		node.EndedAt = &now
	}

	node.Status = status
	node.Output = output
	node.Error = errMsg
	entry.updatedAt = now

	return nil
}

// SetOverall records the execution-level status, final output, and error.
func (s *StatusStore) SetOverall(executionID string, status models.ExecutionStatus, output any, outputKey, errMsg, errorNodeID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.entries[executionID]
	if !ok {
		return ErrExecutionNotFound
	}

	now := time.Now().UTC()

	entry.state.Status = status
	entry.state.Error = errMsg
	entry.state.ErrorNodeID = errorNodeID
	entry.updatedAt = now

	if output != nil {
		entry.state.Output = output
	}

	if outputKey != "" {
		entry.state.OutputKey = outputKey
	}

	if status.Terminal() && entry.state.EndedAt == nil {
		entry.state.EndedAt = &now
	}

	return nil
}

// Get returns a snapshot of one execution's state.
func (s *StatusStore) Get(executionID string) (*models.ExecutionState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	entry, ok := s.entries[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}

	return entry.state.Clone(), nil
}

// List returns snapshots of every tracked execution, newest first.
func (s *StatusStore) List() []*models.ExecutionState {
	s.mu.RLock()
	defer s.mu.RUnlock()

	states := make([]*models.ExecutionState, 0, len(s.entries))
	for _, entry := range s.entries {
		states = append(states, entry.state.Clone())
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})

	return states
}

// Prune drops terminal executions that have not been updated within maxAge
// and returns how many were removed. Running executions are never pruned.
func (s *StatusStore) Prune(maxAge time.Duration) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := time.Now().UTC().Add(-maxAge)
	pruned := 0

	for id, entry := range s.entries {
		if entry.state.Status.Terminal() && entry.updatedAt.Before(cutoff) {
			delete(s.entries, id)
			pruned++
		}
	}

	if pruned > 0 {
		s.logger.Info("Pruned finished executions", "count", pruned)
	}

	return pruned
}
