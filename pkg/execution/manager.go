package execution

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/models"
)

// Manager runs executions asynchronously and keeps their cancel handles, so
// callers can submit a graph, poll its status, and cancel or collect it
// later. The API layer sits directly on top of this.
type Manager struct {
	executor *Executor
	store    *StatusStore
	logger   *slog.Logger

	mu         sync.Mutex
	executions map[string]*managedExecution
}

type managedExecution struct {
	cancel context.CancelFunc
	done   chan struct{}

	// result and err are written once before done closes.
	result *Result
	err    error
}

// NewManager wires a manager over an executor. The store must be the same
// StatusStore the executor writes into.
func NewManager(executor *Executor, store *StatusStore, logger *slog.Logger) *Manager {
	return &Manager{
		executor:   executor,
		store:      store,
		logger:     logger.With("module", "execution_manager"),
		executions: make(map[string]*managedExecution),
	}
}

// Submit validates the graph and starts it in the background, returning the
// execution id immediately. Validation failures surface synchronously.
func (m *Manager) Submit(graph *models.Graph, input map[string]any, opts Options) (string, error) {
	if validationErrors := graph.Validate(); len(validationErrors) > 0 {
		return "", &models.GraphValidationError{GraphID: graph.ID, Errors: validationErrors}
	}

	executionID := opts.ExecutionID
	if executionID == "" {
		executionID = "exec-" + uuid.New().String()[:8]
		opts.ExecutionID = executionID
	}

	ctx, cancel := context.WithCancel(context.Background())
	managed := &managedExecution{cancel: cancel, done: make(chan struct{})}

	m.mu.Lock()
	m.executions[executionID] = managed
	m.mu.Unlock()

	// Seed the status store before the goroutine starts, so a status poll
	// issued right after Submit returns sees the execution instead of racing
	// the executor's own Begin.
	if m.store != nil {
		m.store.Begin(models.NewExecutionState(executionID, graph.ID, nodeIDs(graph)))
	}

	m.logger.Info("Submitted execution", "execution_id", executionID, "workflow_id", graph.ID)

	go func() {
		defer cancel()

		managed.result, managed.err = m.executor.Execute(ctx, graph, input, opts)

		close(managed.done)
	}()

	return executionID, nil
}

// Status returns the current state snapshot of an execution.
func (m *Manager) Status(executionID string) (*models.ExecutionState, error) {
	return m.store.Get(executionID)
}

// List returns snapshots of every tracked execution, newest first.
func (m *Manager) List() []*models.ExecutionState {
	return m.store.List()
}

// Result returns the final output without blocking. While the execution
// still runs it returns ErrExecutionRunning.
func (m *Manager) Result(executionID string) (*Result, error) {
	managed, err := m.lookup(executionID)
	if err != nil {
		return nil, err
	}

	select {
	case <-managed.done:
		return managed.result, managed.err
	default:
		return nil, ErrExecutionRunning
	}
}

// Wait blocks until the execution reaches a terminal status or ctx expires,
// then returns its final result.
func (m *Manager) Wait(ctx context.Context, executionID string) (*Result, error) {
	managed, err := m.lookup(executionID)
	if err != nil {
		return nil, err
	}

	select {
	case <-managed.done:
		return managed.result, managed.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel aborts a running execution. Cancelling an execution that already
// finished is a no-op.
func (m *Manager) Cancel(executionID string) error {
	managed, err := m.lookup(executionID)
	if err != nil {
		return err
	}

	m.logger.Info("Cancelling execution", "execution_id", executionID)
	managed.cancel()

	return nil
}

// Forget drops a finished execution's handle. Its status store entry stays
// until pruned.
func (m *Manager) Forget(executionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.executions, executionID)
}

func (m *Manager) lookup(executionID string) (*managedExecution, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	managed, ok := m.executions[executionID]
	if !ok {
		return nil, ErrExecutionNotFound
	}

	return managed, nil
}
