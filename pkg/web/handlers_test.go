package web_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowmesh/flowmesh/pkg/execution"
	"github.com/flowmesh/flowmesh/pkg/flow"
	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/persistence/file"
	"github.com/flowmesh/flowmesh/pkg/protocol"
	"github.com/flowmesh/flowmesh/pkg/registry"
	"github.com/flowmesh/flowmesh/pkg/web"
)

type fixture struct {
	app   *fiber.App
	store *execution.StatusStore
}

func newFixture(t *testing.T, agents protocol.AgentInvoker) *fixture {
	t.Helper()

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	storage, err := file.NewStorage(t.TempDir())
	require.NoError(t, err)

	t.Cleanup(func() { _ = storage.Close(context.Background()) })

	store := execution.NewStatusStore(logger)
	executor := execution.NewExecutor(logger,
		execution.WithAgentInvoker(agents),
		execution.WithStatusStore(store),
	)
	manager := execution.NewManager(executor, store, logger)

	handlers := web.NewAPIHandlers(storage, manager, registry.NewRegistry(logger), validator.New(), logger)

	app := fiber.New()

	graphs := app.Group("/graphs")
	graphs.Get("/", handlers.GetGraphs)
	graphs.Post("/", handlers.CreateGraph)
	graphs.Post("/validate", handlers.ValidateGraph)
	graphs.Get("/:id", handlers.GetGraph)
	graphs.Put("/:id", handlers.UpdateGraph)
	graphs.Delete("/:id", handlers.DeleteGraph)
	graphs.Post("/:id/executions", handlers.RunGraph)

	executions := app.Group("/executions")
	executions.Get("/", handlers.GetExecutions)
	executions.Get("/:id", handlers.GetExecution)
	executions.Get("/:id/result", handlers.GetExecutionResult)
	executions.Delete("/:id", handlers.CancelExecution)

	app.Get("/health", handlers.HealthCheck)

	return &fixture{app: app, store: store}
}

func echoAgent() protocol.AgentInvokerFunc {
	return func(_ context.Context, agentID, query string) (string, error) {
		return agentID + ": " + query, nil
	}
}

func sampleDocument(t *testing.T) []byte {
	t.Helper()

	graph, err := flow.NewFlow("sample", flow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).
		Ask("assistant", "Hello {name}").
		Output("greeting").
		Build()
	require.NoError(t, err)

	document, err := json.Marshal(graph)
	require.NoError(t, err)

	return document
}

func (f *fixture) request(t *testing.T, method, target string, body []byte) *http.Response {
	t.Helper()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}

	req := httptest.NewRequest(method, target, reader)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := f.app.Test(req)
	require.NoError(t, err)

	return resp
}

func decodeBody(t *testing.T, resp *http.Response, out any) {
	t.Helper()

	payload, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(payload, out), "body: %s", payload)
}

func TestAPI_GraphCRUD(t *testing.T) {
	f := newFixture(t, echoAgent())
	document := sampleDocument(t)

	resp := f.request(t, http.MethodPost, "/graphs/", document)
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.SaveGraphResponse

	decodeBody(t, resp, &created)
	require.NotEmpty(t, created.ID)

	resp = f.request(t, http.MethodGet, "/graphs/"+created.ID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var loaded models.Graph

	decodeBody(t, resp, &loaded)
	assert.Equal(t, "sample", loaded.Name)
	assert.Len(t, loaded.Nodes, 3)

	resp = f.request(t, http.MethodGet, "/graphs/", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var listing struct {
		TotalCount int `json:"total_count"`
	}

	decodeBody(t, resp, &listing)
	assert.Equal(t, 1, listing.TotalCount)

	resp = f.request(t, http.MethodPut, "/graphs/"+created.ID, document)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = f.request(t, http.MethodDelete, "/graphs/"+created.ID, nil)
	require.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp = f.request(t, http.MethodGet, "/graphs/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem struct {
		Type string `json:"type"`
	}

	decodeBody(t, resp, &problem)
	assert.Equal(t, "graph_not_found", problem.Type)
}

func TestAPI_CreateGraphRejectsMalformedDocument(t *testing.T) {
	f := newFixture(t, echoAgent())

	resp := f.request(t, http.MethodPost, "/graphs/", []byte(`{"name":"x"}`))
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestAPI_ValidateGraphReportsFindings(t *testing.T) {
	f := newFixture(t, echoAgent())

	graph, err := flow.NewFlow("valid", flow.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil)))).
		Ask("assistant", "q").
		Build()
	require.NoError(t, err)

	// Detach an edge target to make the stored structure invalid.
	graph.Edges[len(graph.Edges)-1].Target = "ghost"

	document, err := json.Marshal(graph)
	require.NoError(t, err)

	resp := f.request(t, http.MethodPost, "/graphs/validate", document)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var report web.ValidateGraphResponse

	decodeBody(t, resp, &report)
	assert.False(t, report.Valid)
	assert.NotEmpty(t, report.Errors)
}

func TestAPI_RunGraphAndFetchResult(t *testing.T) {
	f := newFixture(t, echoAgent())

	resp := f.request(t, http.MethodPost, "/graphs/", sampleDocument(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.SaveGraphResponse

	decodeBody(t, resp, &created)

	runBody, err := json.Marshal(web.RunGraphRequest{Input: map[string]any{"name": "Ada"}})
	require.NoError(t, err)

	resp = f.request(t, http.MethodPost, "/graphs/"+created.ID+"/executions", runBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run web.RunGraphResponse

	decodeBody(t, resp, &run)
	require.NotEmpty(t, run.ExecutionID)
	assert.Equal(t, string(models.ExecutionStatusRunning), run.Status)

	var result web.ExecutionResultResponse

	require.Eventually(t, func() bool {
		resp := f.request(t, http.MethodGet, "/executions/"+run.ExecutionID+"/result", nil)
		if resp.StatusCode != http.StatusOK {
			return false
		}

		decodeBody(t, resp, &result)

		return true
	}, 5*time.Second, 20*time.Millisecond)

	assert.Equal(t, models.ExecutionStatusCompleted, result.Status)
	assert.Equal(t, "greeting", result.OutputKey)
	assert.Equal(t, "assistant: Hello Ada", result.Output)

	resp = f.request(t, http.MethodGet, "/executions/"+run.ExecutionID, nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var state models.ExecutionState

	decodeBody(t, resp, &state)
	assert.Equal(t, models.ExecutionStatusCompleted, state.Status)
}

func TestAPI_ResultConflictWhileRunning(t *testing.T) {
	release := make(chan struct{})
	agents := protocol.AgentInvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-release:
			return "done", nil
		case <-ctx.Done():
			return "", ctx.Err()
		}
	})

	defer close(release)

	f := newFixture(t, agents)

	resp := f.request(t, http.MethodPost, "/graphs/", sampleDocument(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.SaveGraphResponse

	decodeBody(t, resp, &created)

	runBody := []byte(`{"input":{"name":"Ada"}}`)

	resp = f.request(t, http.MethodPost, "/graphs/"+created.ID+"/executions", runBody)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run web.RunGraphResponse

	decodeBody(t, resp, &run)

	resp = f.request(t, http.MethodGet, "/executions/"+run.ExecutionID+"/result", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	var problem struct {
		Type string `json:"type"`
	}

	decodeBody(t, resp, &problem)
	assert.Equal(t, "execution_running", problem.Type)
}

func TestAPI_CancelExecution(t *testing.T) {
	started := make(chan struct{})
	agents := protocol.AgentInvokerFunc(func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		<-ctx.Done()

		return "", ctx.Err()
	})

	f := newFixture(t, agents)

	resp := f.request(t, http.MethodPost, "/graphs/", sampleDocument(t))
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var created web.SaveGraphResponse

	decodeBody(t, resp, &created)

	resp = f.request(t, http.MethodPost, "/graphs/"+created.ID+"/executions", []byte(`{"input":{"name":"Ada"}}`))
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	var run web.RunGraphResponse

	decodeBody(t, resp, &run)

	<-started

	resp = f.request(t, http.MethodDelete, "/executions/"+run.ExecutionID, nil)
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	require.Eventually(t, func() bool {
		state, err := f.store.Get(run.ExecutionID)

		return err == nil && state.Status == models.ExecutionStatusCancelled
	}, 5*time.Second, 20*time.Millisecond)
}

func TestAPI_UnknownExecutionIsNotFound(t *testing.T) {
	f := newFixture(t, echoAgent())

	resp := f.request(t, http.MethodGet, "/executions/exec-missing", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	var problem struct {
		Type string `json:"type"`
	}

	decodeBody(t, resp, &problem)
	assert.Equal(t, "execution_not_found", problem.Type)
}

func TestAPI_HealthCheck(t *testing.T) {
	f := newFixture(t, echoAgent())

	resp := f.request(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var health struct {
		Status string `json:"status"`
	}

	decodeBody(t, resp, &health)
	assert.Equal(t, "healthy", health.Status)
}
