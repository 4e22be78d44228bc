// Package postgres provides PostgreSQL graph storage. The interchange
// document is stored as jsonb next to the listing columns.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	_ "github.com/lib/pq" // postgres driver

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/persistence"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

const schema = `
CREATE TABLE IF NOT EXISTS workflow_graphs (
	id         TEXT PRIMARY KEY,
	name       TEXT NOT NULL,
	node_count INTEGER NOT NULL DEFAULT 0,
	document   JSONB NOT NULL,
	created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
`

// Storage implements the protocol.Storage port on PostgreSQL.
type Storage struct {
	db     *sql.DB
	logger *slog.Logger
}

// NewStorage connects, pings, and ensures the schema exists.
func NewStorage(ctx context.Context, logger *slog.Logger, databaseURL string) (*Storage, error) {
	database, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to PostgreSQL database: %w", err)
	}

	if err := database.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if _, err := database.ExecContext(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure schema: %w", err)
	}

	return &Storage{
		db:     database,
		logger: logger.With("module", "postgres_storage"),
	}, nil
}

// Save upserts the graph's interchange document.
func (s *Storage) Save(ctx context.Context, graph *models.Graph) (string, error) {
	if graph.ID == "" {
		graph.ID = uuid.New().String()
	}

	document, err := json.Marshal(graph)
	if err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO workflow_graphs (id, name, node_count, document, updated_at)
		VALUES ($1, $2, $3, $4, now())
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
		    node_count = EXCLUDED.node_count,
		    document = EXCLUDED.document,
		    updated_at = now()
	`, graph.ID, graph.Name, len(graph.Nodes), document)
	if err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	return graph.ID, nil
}

// Load reads one graph by id.
func (s *Storage) Load(ctx context.Context, id string) (*models.Graph, error) {
	var document []byte

	err := s.db.QueryRowContext(ctx,
		`SELECT document FROM workflow_graphs WHERE id = $1`, id).Scan(&document)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, persistence.NewGraphError("Load", id, persistence.ErrGraphNotFound)
		}

		return nil, persistence.NewGraphError("Load", id, err)
	}

	var graph models.Graph
	if err := json.Unmarshal(document, &graph); err != nil {
		return nil, persistence.NewGraphError("Load", id, fmt.Errorf("%w: %w", persistence.ErrInvalidDocument, err))
	}

	if graph.ID == "" {
		graph.ID = id
	}

	return &graph, nil
}

// List returns summaries of every stored graph, newest first.
func (s *Storage) List(ctx context.Context) ([]protocol.GraphSummary, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, node_count, updated_at
		FROM workflow_graphs
		ORDER BY updated_at DESC
	`)
	if err != nil {
		return nil, persistence.NewGraphError("List", "", err)
	}
	defer rows.Close()

	var summaries []protocol.GraphSummary

	for rows.Next() {
		var summary protocol.GraphSummary

		if err := rows.Scan(&summary.ID, &summary.Name, &summary.NodeCount, &summary.UpdatedAt); err != nil {
			return nil, persistence.NewGraphError("List", "", err)
		}

		summaries = append(summaries, summary)
	}

	if err := rows.Err(); err != nil {
		return nil, persistence.NewGraphError("List", "", err)
	}

	return summaries, nil
}

// Delete removes one graph by id.
func (s *Storage) Delete(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM workflow_graphs WHERE id = $1`, id)
	if err != nil {
		return persistence.NewGraphError("Delete", id, err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return persistence.NewGraphError("Delete", id, err)
	}

	if affected == 0 {
		return persistence.NewGraphError("Delete", id, persistence.ErrGraphNotFound)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy.
func (s *Storage) HealthCheck(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *Storage) Close(_ context.Context) error {
	if s.db != nil {
		if err := s.db.Close(); err != nil {
			return fmt.Errorf("failed to close database connection: %w", err)
		}
	}

	return nil
}
