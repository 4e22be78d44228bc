// Package file provides file-based graph storage: one interchange JSON
// document per graph under a root directory.
package file

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/flowmesh/flowmesh/pkg/models"
	"github.com/flowmesh/flowmesh/pkg/persistence"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// Storage implements the protocol.Storage port on the file system.
type Storage struct {
	mu   sync.Mutex
	root string
}

// NewStorage creates a file storage rooted at the given directory. Accepts
// both a plain path and a file:// URL.
func NewStorage(root string) (*Storage, error) {
	cleanRoot := strings.Replace(root, "file://", "", 1)

	if err := os.MkdirAll(cleanRoot, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create storage root: %w", err)
	}

	return &Storage{root: cleanRoot}, nil
}

// Save writes the graph's interchange document, assigning an id when the
// graph has none. Saving an existing id overwrites it.
func (s *Storage) Save(ctx context.Context, graph *models.Graph) (string, error) {
	if graph.ID == "" {
		graph.ID = uuid.New().String()
	}

	document, err := json.MarshalIndent(graph, "", "  ")
	if err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.WriteFile(s.path(graph.ID), document, 0o644); err != nil {
		return "", persistence.NewGraphError("Save", graph.ID, err)
	}

	return graph.ID, nil
}

// Load reads one graph by id.
func (s *Storage) Load(ctx context.Context, id string) (*models.Graph, error) {
	s.mu.Lock()
	document, err := os.ReadFile(s.path(id))
	s.mu.Unlock()

	if err != nil {
		if os.IsNotExist(err) {
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

// List returns summaries of every stored graph, decoding each document.
func (s *Storage) List(ctx context.Context) ([]protocol.GraphSummary, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, persistence.NewGraphError("List", "", err)
	}

	summaries := make([]protocol.GraphSummary, 0, len(entries))

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}

		id := strings.TrimSuffix(entry.Name(), ".json")

		graph, err := s.Load(ctx, id)
		if err != nil {
			// A corrupt file should not hide every other graph.
			continue
		}

		info, err := entry.Info()
		if err != nil {
			continue
		}

		summaries = append(summaries, protocol.GraphSummary{
			ID:        graph.ID,
			Name:      graph.Name,
			NodeCount: len(graph.Nodes),
			UpdatedAt: info.ModTime().UTC(),
		})
	}

	return summaries, nil
}

// Delete removes one graph by id.
func (s *Storage) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path(id)); err != nil {
		if os.IsNotExist(err) {
			return persistence.NewGraphError("Delete", id, persistence.ErrGraphNotFound)
		}

		return persistence.NewGraphError("Delete", id, err)
	}

	return nil
}

// HealthCheck verifies the root directory still exists.
func (s *Storage) HealthCheck(_ context.Context) error {
	if _, err := os.Stat(s.root); os.IsNotExist(err) {
		return os.ErrNotExist
	}

	return nil
}

// Close performs any necessary cleanup. For file storage there is none.
func (s *Storage) Close(_ context.Context) error {
	return nil
}

func (s *Storage) path(id string) string {
	return filepath.Join(s.root, id+".json")
}
