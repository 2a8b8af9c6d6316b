package memory

import (
	"context"
	"fmt"
)

// OpenConfig selects and configures a MemoryDb backend.
type OpenConfig struct {
	// Backend is "sqlite", "postgres" or "inmemory".
	Backend string
	Path    string
	DSN     string
	Schema  string
	Table   string
}

// Open creates the configured MemoryDb.
func Open(ctx context.Context, cfg OpenConfig) (MemoryDb, error) {
	switch cfg.Backend {
	case "sqlite", "":
		return NewSqliteMemoryDb(SqliteConfig{Path: cfg.Path, Table: cfg.Table})
	case "postgres":
		return NewPgMemoryDb(ctx, PgConfig{DSN: cfg.DSN, Schema: cfg.Schema, Table: cfg.Table})
	case "inmemory":
		return NewInMemoryDb(), nil
	default:
		return nil, fmt.Errorf("unsupported memory backend: %s", cfg.Backend)
	}
}
