// Package cmd provides common initialization for the command-line entry points.
package cmd

import (
	"context"
	"log/slog"
	"strings"

	"github.com/flowmill/flowmill/pkg/persistence"
	"github.com/flowmill/flowmill/pkg/persistence/file"
	"github.com/flowmill/flowmill/pkg/persistence/postgresql"
)

// NewPersistence picks the store from the URL scheme: postgresql for
// postgres:// and postgresql://, the file store for everything else.
func NewPersistence(ctx context.Context, logger *slog.Logger, databaseURL string) (persistence.Persistence, error) {
	switch parseProvider(databaseURL) {
	case "postgres", "postgresql":
		return postgresql.NewPersistence(ctx, logger, databaseURL)
	default:
		return file.NewPersistence(databaseURL), nil
	}
}

func parseProvider(databaseURL string) string {
	provider, _, found := strings.Cut(databaseURL, "://")
	if !found {
		return "file"
	}

	return provider
}
