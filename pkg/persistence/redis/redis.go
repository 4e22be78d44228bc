// Package redis provides Redis graph storage. Documents are stored under
// one key per graph with a set index for listing.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/persistence"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

const (
	graphKeyPrefix = "flowmesh:graph:"
	indexKey       = "flowmesh:graphs"
)

// storedGraph wraps the interchange document with storage metadata.
type storedGraph struct {
	Document  json.RawMessage `json:"document"`
	Name      string          `json:"name"`
	NodeCount int             `json:"node_count"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Storage implements the protocol.Storage port on Redis.
type Storage struct {
	client *redis.Client
	logger *slog.Logger
}

// NewStorage connects to Redis and verifies the connection.
func NewStorage(ctx context.Context, logger *slog.Logger, redisURL string) (*Storage, error) {
	options, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis url: %w", err)
	}

	client := redis.NewClient(options)

	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to ping redis: %w", err)
	}

	return &Storage{
		client: client,
		logger: logger.With("module", "redis_storage"),
	}, nil
}

// Save writes the graph document and registers it in the listing index.
func (s *Storage) Save(ctx context.Context, graph *models.Graph) (string, error) {
	if graph.ID == "" {
		graph.ID = uuid.New().String()
	}

	document, err := json.Marshal(graph)
	if err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	payload, err := json.Marshal(storedGraph{
		Document:  document,
		Name:      graph.Name,
		NodeCount: len(graph.Nodes),
		UpdatedAt: time.Now().UTC(),
	})
	if err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	pipe := s.client.TxPipeline()
	pipe.Set(ctx, graphKeyPrefix+graph.ID, payload, 0)
	pipe.SAdd(ctx, indexKey, graph.ID)

	if _, err := pipe.Exec(ctx); err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	return graph.ID, nil
}

// Load reads one graph by id.
func (s *Storage) Load(ctx context.Context, id string) (*models.Graph, error) {
	payload, err := s.client.Get(ctx, graphKeyPrefix+id).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, persistence.NewGraphError("Load", id, persistence.ErrGraphNotFound)
		}

		return nil, persistence.NewGraphError("Load", id, err)
	}

	var stored storedGraph
	if err := json.Unmarshal(payload, &stored); err != nil {
		return nil, persistence.NewGraphError("Load", id, fmt.Errorf("%w: %w", persistence.ErrInvalidDocument, err))
	}

	var graph models.Graph
	if err := json.Unmarshal(stored.Document, &graph); err != nil {
		return nil, persistence.NewGraphError("Load", id, fmt.Errorf("%w: %w", persistence.ErrInvalidDocument, err))
	}

	if graph.ID == "" {
		graph.ID = id
	}

	return &graph, nil
}

// List returns summaries of every indexed graph.
func (s *Storage) List(ctx context.Context) ([]protocol.GraphSummary, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, persistence.NewGraphError("List", "", err)
	}

	summaries := make([]protocol.GraphSummary, 0, len(ids))

	for _, id := range ids {
		payload, err := s.client.Get(ctx, graphKeyPrefix+id).Bytes()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				// Index entry without a document; drop it from the index.
				s.client.SRem(ctx, indexKey, id)

				continue
			}

			return nil, persistence.NewGraphError("List", id, err)
		}

		var stored storedGraph
		if err := json.Unmarshal(payload, &stored); err != nil {
			s.logger.Warn("Skipping undecodable graph document", "graph_id", id, "error", err)

			continue
		}

		summaries = append(summaries, protocol.GraphSummary{
			ID:        id,
			Name:      stored.Name,
			NodeCount: stored.NodeCount,
			UpdatedAt: stored.UpdatedAt,
		})
	}

	return summaries, nil
}

// Delete removes one graph by id.
func (s *Storage) Delete(ctx context.Context, id string) error {
	removed, err := s.client.Del(ctx, graphKeyPrefix+id).Result()
	if err != nil {
		return persistence.NewGraphError("Delete", id, err)
	}

	s.client.SRem(ctx, indexKey, id)

	if removed == 0 {
		return persistence.NewGraphError("Delete", id, persistence.ErrGraphNotFound)
	}

	return nil
}

// HealthCheck verifies the Redis connection is healthy.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}

	return nil
}

// Close closes the Redis client.
func (s *Storage) Close(_ context.Context) error {
	return s.client.Close()
}
