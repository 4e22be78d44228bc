// Package httptool invokes external tools over HTTP. Resolved parameters
// are posted as JSON; the JSON response body is the tool result.
package httptool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Invoker implements the protocol.ToolInvoker port over HTTP.
type Invoker struct {
	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration

	mu        sync.RWMutex
	endpoints map[string]string
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithEndpoint maps a tool id to its HTTP endpoint.
func WithEndpoint(toolID, url string) Option {
	return func(i *Invoker) { i.endpoints[toolID] = url }
}

// WithEndpoints maps several tool ids at once.
func WithEndpoints(endpoints map[string]string) Option {
	return func(i *Invoker) {
		for toolID, url := range endpoints {
			i.endpoints[toolID] = url
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(i *Invoker) { i.client = client }
}

func WithTimeout(timeout time.Duration) Option {
	return func(i *Invoker) { i.timeout = timeout }
}

func NewInvoker(logger *slog.Logger, opts ...Option) *Invoker {
	invoker := &Invoker{
		logger:    logger.With("module", "httptool"),
		client:    &http.Client{},
		timeout:   30 * time.Second,
		endpoints: make(map[string]string),
	}

	for _, opt := range opts {
		opt(invoker)
	}

	return invoker
}

// RegisterEndpoint maps a tool id to its endpoint after construction.
func (i *Invoker) RegisterEndpoint(toolID, url string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.endpoints[toolID] = url
}

// Invoke posts the parameters and decodes the JSON response. A non-JSON
// body is returned as a string.
func (i *Invoker) Invoke(ctx context.Context, toolID string, params map[string]any) (any, error) {
	endpoint, err := i.resolve(toolID)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(params)
	if err != nil {
		return nil, fmt.Errorf("failed to encode tool params: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create tool request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")

	resp, err := i.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tool request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read tool response: %w", err)
	}

	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tool %s returned status %d: %s", toolID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var result any
	if err := json.Unmarshal(body, &result); err != nil {
		return strings.TrimSpace(string(body)), nil
	}

	return result, nil
}

func (i *Invoker) resolve(toolID string) (string, error) {
	i.mu.RLock()
	endpoint, ok := i.endpoints[toolID]
	i.mu.RUnlock()

	if ok {
		return endpoint, nil
	}

	if strings.Contains(toolID, "://") {
		return toolID, nil
	}

	return "", fmt.Errorf("no endpoint registered for tool %q", toolID)
}
