package agent

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/willibrandon/hostwatch/internal/config"
	"github.com/willibrandon/hostwatch/internal/storage"
	"github.com/willibrandon/hostwatch/internal/storage/mysql"
	"github.com/willibrandon/hostwatch/internal/storage/postgres"
	"github.com/willibrandon/hostwatch/internal/storage/sqlite"
)

// OpenStore opens and migrates the configured store.
func OpenStore(ctx context.Context, cfg config.StorageConfig) (*storage.Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath()), 0755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		return sqlite.Open(ctx, cfg.SQLitePath())
	case "postgres":
		return postgres.Open(ctx, cfg.DSN, cfg.MaxOpenConns)
	case "mysql":
		return mysql.Open(ctx, cfg.DSN, cfg.MaxOpenConns)
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}
