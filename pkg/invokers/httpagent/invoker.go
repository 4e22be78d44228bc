// Package httpagent invokes remote agents over HTTP. An agent id resolves
// to a registered endpoint, or is used directly when it already is a URL.
package httpagent

import (
	"bufio"
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

const doneSentinel = "[DONE]"

// Invoker implements the protocol.AgentInvoker and
// protocol.StreamingAgentInvoker ports over HTTP. Requests carry the query
// as JSON; transient failures are retried with a fixed delay.
type Invoker struct {
	logger  *slog.Logger
	client  *http.Client
	timeout time.Duration

	attempts int
	delay    time.Duration

	mu        sync.RWMutex
	endpoints map[string]string
}

// Option configures an Invoker.
type Option func(*Invoker)

// WithEndpoint maps an agent id to its HTTP endpoint.
func WithEndpoint(agentID, url string) Option {
	return func(i *Invoker) { i.endpoints[agentID] = url }
}

// WithEndpoints maps several agent ids at once.
func WithEndpoints(endpoints map[string]string) Option {
	return func(i *Invoker) {
		for agentID, url := range endpoints {
			i.endpoints[agentID] = url
		}
	}
}

func WithHTTPClient(client *http.Client) Option {
	return func(i *Invoker) { i.client = client }
}

// WithRetry sets the attempt count and the delay between attempts. Only
// transport errors and 5xx responses are retried.
func WithRetry(attempts int, delay time.Duration) Option {
	return func(i *Invoker) {
		if attempts > 0 {
			i.attempts = attempts
		}

		i.delay = delay
	}
}

func WithTimeout(timeout time.Duration) Option {
	return func(i *Invoker) { i.timeout = timeout }
}

func NewInvoker(logger *slog.Logger, opts ...Option) *Invoker {
	invoker := &Invoker{
		logger:    logger.With("module", "httpagent"),
		client:    &http.Client{},
		timeout:   30 * time.Second,
		attempts:  1,
		endpoints: make(map[string]string),
	}

	for _, opt := range opts {
		opt(invoker)
	}

	return invoker
}

// RegisterEndpoint maps an agent id to its endpoint after construction.
func (i *Invoker) RegisterEndpoint(agentID, url string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.endpoints[agentID] = url
}

type askRequest struct {
	Query string `json:"query"`
}

type askResponse struct {
	Answer string `json:"answer"`
}

// Invoke sends the query and returns the agent's answer. A JSON response
// yields its "answer" field; anything else is returned as the raw body.
func (i *Invoker) Invoke(ctx context.Context, agentID, query string) (string, error) {
	endpoint, err := i.resolve(agentID)
	if err != nil {
		return "", err
	}

	payload, err := json.Marshal(askRequest{Query: query})
	if err != nil {
		return "", fmt.Errorf("failed to encode agent request: %w", err)
	}

	status, body, err := i.doWithRetry(ctx, endpoint, payload, "application/json")
	if err != nil {
		return "", err
	}

	if status >= 400 {
		return "", fmt.Errorf("agent %s returned status %d: %s", agentID, status, strings.TrimSpace(string(body)))
	}

	var decoded askResponse
	if err := json.Unmarshal(body, &decoded); err == nil && decoded.Answer != "" {
		return decoded.Answer, nil
	}

	return strings.TrimSpace(string(body)), nil
}

// InvokeStreaming sends the query and delivers the answer as server-sent
// chunks. onChunk returning an error aborts the stream.
func (i *Invoker) InvokeStreaming(ctx context.Context, agentID, query string, onChunk func(chunk string) error) error {
	endpoint, err := i.resolve(agentID)
	if err != nil {
		return err
	}

	payload, err := json.Marshal(askRequest{Query: query})
	if err != nil {
		return fmt.Errorf("failed to encode agent request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create agent request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := i.client.Do(req)
	if err != nil {
		return fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)

		return fmt.Errorf("agent %s returned status %d: %s", agentID, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}

		chunk := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if chunk == doneSentinel {
			return nil
		}

		if err := onChunk(chunk); err != nil {
			return err
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("agent stream failed: %w", err)
	}

	return nil
}

func (i *Invoker) resolve(agentID string) (string, error) {
	i.mu.RLock()
	endpoint, ok := i.endpoints[agentID]
	i.mu.RUnlock()

	if ok {
		return endpoint, nil
	}

	if strings.Contains(agentID, "://") {
		return agentID, nil
	}

	return "", fmt.Errorf("no endpoint registered for agent %q", agentID)
}

func (i *Invoker) doWithRetry(ctx context.Context, endpoint string, payload []byte, contentType string) (int, []byte, error) {
	var lastErr error

	for attempt := 1; attempt <= i.attempts; attempt++ {
		if attempt > 1 {
			i.logger.Info("Retrying agent request", "attempt", attempt, "max_attempts", i.attempts)

			select {
			case <-ctx.Done():
				return 0, nil, ctx.Err()
			case <-time.After(i.delay):
			}
		}

		status, body, err := i.do(ctx, endpoint, payload, contentType)
		if err != nil {
			if ctx.Err() != nil {
				return 0, nil, ctx.Err()
			}

			lastErr = err

			continue
		}

		if status >= 500 && attempt < i.attempts {
			lastErr = fmt.Errorf("server error (status %d), retrying", status)

			continue
		}

		return status, body, nil
	}

	return 0, nil, fmt.Errorf("all retry attempts failed, last error: %w", lastErr)
}

// do performs a single request and drains the body while the per-request
// timeout is still in force.
func (i *Invoker) do(ctx context.Context, endpoint string, payload []byte, contentType string) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, i.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return 0, nil, fmt.Errorf("failed to create agent request: %w", err)
	}

	req.Header.Set("Content-Type", contentType)

	resp, err := i.client.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("agent request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to read agent response: %w", err)
	}

	return resp.StatusCode, body, nil
}
