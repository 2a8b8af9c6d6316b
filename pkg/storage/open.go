package storage

import (
	"context"
	"fmt"
)

// Backends accepted by Open.
const (
	BackendSqlite   = "sqlite"
	BackendPostgres = "postgres"
	BackendFile     = "file"
	BackendNone     = "none"
)

// OpenConfig selects and configures a backend.
type OpenConfig struct {
	Backend string
	// Path is the database file for sqlite or the directory for file.
	Path   string
	DSN    string
	Schema string
	Table  string
}

// Open creates the configured backend. It returns nil and no error for BackendNone.
func Open(ctx context.Context, cfg OpenConfig) (Storage, error) {
	switch cfg.Backend {
	case BackendSqlite, "":
		return NewSqliteStorage(SqliteConfig{Path: cfg.Path, Table: cfg.Table})
	case BackendPostgres:
		return NewPostgresStorage(ctx, PostgresConfig{DSN: cfg.DSN, Schema: cfg.Schema, Table: cfg.Table})
	case BackendFile:
		return NewFileStorage(cfg.Path)
	case BackendNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported storage backend: %s", cfg.Backend)
	}
}
