// Package web provides the REST API over graph storage and the execution
// manager: CRUD on stored graphs, execution submit/poll/cancel.
package web

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"

	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/protocol"
	"github.com/flowmesh/flowmesh/pkg/registry"
)

type APIHandlers struct {
	storage   protocol.Storage
	manager   *execution.Manager
	registry  *registry.Registry
	validator *validator.Validate
	logger    *slog.Logger
}

func NewAPIHandlers(
	storage protocol.Storage,
	manager *execution.Manager,
	reg *registry.Registry,
	validate *validator.Validate,
	logger *slog.Logger,
) *APIHandlers {
	return &APIHandlers{
		storage:   storage,
		manager:   manager,
		registry:  reg,
		validator: validate,
		logger:    logger.With("module", "web"),
	}
}

func (h *APIHandlers) GetGraphs(c fiber.Ctx) error {
	summaries, err := h.storage.List(c.Context())
	if err != nil {
		return handleError(c, err)
	}

	if summaries == nil {
		summaries = []protocol.GraphSummary{}
	}

	return c.JSON(fiber.Map{
		"graphs":      summaries,
		"total_count": len(summaries),
	})
}

func (h *APIHandlers) GetGraph(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Graph ID is required")
	}

	graph, err := h.storage.Load(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(graph)
}

// CreateGraph accepts an interchange document, validates it structurally
// and against the JSON schema, and stores it.
func (h *APIHandlers) CreateGraph(c fiber.Ctx) error {
	graph, err := h.decodeGraph(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if validationErrors := graph.Validate(); len(validationErrors) > 0 {
		return handleError(c, &models.GraphValidationError{GraphID: graph.ID, Errors: validationErrors})
	}

	id, err := h.storage.Save(c.Context(), graph)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusCreated).JSON(SaveGraphResponse{ID: id})
}

// UpdateGraph replaces a stored graph's document.
func (h *APIHandlers) UpdateGraph(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Graph ID is required")
	}

	if _, err := h.storage.Load(c.Context(), id); err != nil {
		return handleError(c, err)
	}

	graph, err := h.decodeGraph(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	if validationErrors := graph.Validate(); len(validationErrors) > 0 {
		return handleError(c, &models.GraphValidationError{GraphID: id, Errors: validationErrors})
	}

	graph.ID = id

	if _, err := h.storage.Save(c.Context(), graph); err != nil {
		return handleError(c, err)
	}

	return c.JSON(graph)
}

func (h *APIHandlers) DeleteGraph(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Graph ID is required")
	}

	if err := h.storage.Delete(c.Context(), id); err != nil {
		return handleError(c, err)
	}

	return c.SendStatus(fiber.StatusNoContent)
}

// ValidateGraph checks a submitted document without storing it.
func (h *APIHandlers) ValidateGraph(c fiber.Ctx) error {
	graph, err := h.decodeGraph(c)
	if err != nil {
		return badRequest(c, err.Error())
	}

	validationErrors := graph.Validate()

	return c.JSON(ValidateGraphResponse{
		Valid:  len(validationErrors) == 0,
		Errors: validationErrors,
	})
}

// RunGraph starts an execution of a stored graph and returns immediately.
func (h *APIHandlers) RunGraph(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Graph ID is required")
	}

	var req RunGraphRequest
	if len(c.Body()) > 0 {
		if err := c.Bind().JSON(&req); err != nil {
			return badRequest(c, "Invalid JSON format")
		}

		if err := h.validator.Struct(req); err != nil {
			return badRequest(c, err.Error())
		}
	}

	graph, err := h.storage.Load(c.Context(), id)
	if err != nil {
		return handleError(c, err)
	}

	opts := execution.Options{
		ExecutionTimeout: time.Duration(req.ExecutionTimeoutSeconds) * time.Second,
		NodeTimeout:      time.Duration(req.NodeTimeoutSeconds) * time.Second,
		FailFast:         req.FailFast,
		LenientTemplates: req.LenientTemplates,
	}

	executionID, err := h.manager.Submit(graph, req.Input, opts)
	if err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(RunGraphResponse{
		ExecutionID: executionID,
		Status:      string(models.ExecutionStatusRunning),
	})
}

func (h *APIHandlers) GetExecutions(c fiber.Ctx) error {
	states := h.manager.List()

	return c.JSON(fiber.Map{
		"executions":  states,
		"total_count": len(states),
	})
}

func (h *APIHandlers) GetExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	state, err := h.manager.Status(id)
	if err != nil {
		return handleError(c, err)
	}

	return c.JSON(state)
}

// GetExecutionResult returns the final value once the execution finished;
// while it runs the response is a conflict problem.
func (h *APIHandlers) GetExecutionResult(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	state, err := h.manager.Status(id)
	if err != nil {
		return handleError(c, err)
	}

	if !state.Status.Terminal() {
		return handleError(c, execution.ErrExecutionRunning)
	}

	return c.JSON(ExecutionResultResponse{
		ExecutionID: state.ExecutionID,
		Status:      state.Status,
		OutputKey:   state.OutputKey,
		Output:      state.Output,
		Error:       state.Error,
		ErrorNodeID: state.ErrorNodeID,
		StartedAt:   state.StartedAt,
		EndedAt:     state.EndedAt,
	})
}

func (h *APIHandlers) CancelExecution(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return badRequest(c, "Execution ID is required")
	}

	if err := h.manager.Cancel(id); err != nil {
		return handleError(c, err)
	}

	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{
		"execution_id": id,
		"status":       "cancelling",
	})
}

func (h *APIHandlers) HealthCheck(c fiber.Ctx) error {
	registryCheck, regOk := h.registry.HealthCheck()
	storageErr := h.storage.HealthCheck(c.Context())

	status := "unhealthy"
	message := "FlowMesh API is unhealthy"
	httpStatus := http.StatusInternalServerError

	if regOk && storageErr == nil {
		status = "healthy"
		message = "FlowMesh API is healthy"
		httpStatus = http.StatusOK
	}

	storageCheck := "ok"
	if storageErr != nil {
		storageCheck = storageErr.Error()
	}

	return c.Status(httpStatus).JSON(fiber.Map{
		"status":  status,
		"message": message,
		"checkers": fiber.Map{
			"registry": registryCheck,
			"storage":  storageCheck,
		},
		"timestamp": time.Now().UTC(),
	})
}

// decodeGraph parses the request body through the JSON schema and the typed
// node decoder.
func (h *APIHandlers) decodeGraph(c fiber.Ctx) (*models.Graph, error) {
	document := c.Body()

	if err := models.ValidateDocument(document); err != nil {
		return nil, err
	}

	return models.DecodeGraph(document)
}
