// Package cmd provides common initialization functions for command-line
// applications.
package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/flowmesh/flowmesh/pkg/persistence/file"
	"github.com/flowmesh/flowmesh/pkg/persistence/postgres"
	"github.com/flowmesh/flowmesh/pkg/persistence/redis"
	"github.com/flowmesh/flowmesh/pkg/protocol"
)

// NewStorage builds a graph storage from a URL. The scheme picks the
// adapter: postgres://, redis://, file:// or a bare path.
func NewStorage(ctx context.Context, logger *slog.Logger, databaseURL string) (protocol.Storage, error) {
	switch parseStorageProvider(databaseURL) {
	case "postgres":
		return postgres.NewStorage(ctx, logger, databaseURL)
	case "redis":
		return redis.NewStorage(ctx, logger, databaseURL)
	default:
		return file.NewStorage(databaseURL)
	}
}

func parseStorageProvider(databaseURL string) string {
	scheme, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	switch scheme {
	case "postgres", "postgresql":
		return "postgres"
	case "redis", "rediss":
		return "redis"
	default:
		return "file"
	}
}

// MustStorage is NewStorage that panics on failure, for command startup.
func MustStorage(ctx context.Context, logger *slog.Logger, databaseURL string) protocol.Storage {
	storage, err := NewStorage(ctx, logger, databaseURL)
	if err != nil {
		panic(fmt.Errorf("failed to create storage: %w", err))
	}

	return storage
}
