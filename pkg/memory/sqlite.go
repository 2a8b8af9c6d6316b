package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// DefaultTable is the default memory table name.
const DefaultTable = "agent_memory"

// SqliteConfig holds SqliteMemoryDb configuration
type SqliteConfig struct {
	// Path of the database file. Ignored when DB is set.
	Path string
	// DB is an already opened database handle. It is not closed by Close.
	DB     *sql.DB
	Table  string
	Logger *zerolog.Logger
}

// SqliteMemoryDb stores memories in a SQLite table.
type SqliteMemoryDb struct {
	db     *sql.DB
	ownsDB bool
	table  string
	logger zerolog.Logger
}

// NewSqliteMemoryDb opens (or reuses) a SQLite database. The table is created
// lazily on first write.
func NewSqliteMemoryDb(cfg SqliteConfig) (*SqliteMemoryDb, error) {
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}

	logger := log.Logger.With().Str("component", "memory.sqlite").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	db := cfg.DB
	owns := false
	if db == nil {
		if cfg.Path == "" {
			return nil, errors.New("database path is required")
		}
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0700); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
		var err error
		db, err = openSqlite(cfg.Path)
		if err != nil {
			return nil, err
		}
		owns = true
	}

	return &SqliteMemoryDb{db: db, ownsDB: owns, table: table, logger: logger}, nil
}

func openSqlite(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	return db, nil
}

// Create creates the memory table and its user index.
func (s *SqliteMemoryDb) Create(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			memory TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
	`, s.table)

	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create memory table: %w", err)
	}
	return nil
}

func (s *SqliteMemoryDb) MemoryExists(ctx context.Context, row MemoryRow) (bool, error) {
	row.EnsureID()
	var one int
	err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = ?", s.table), row.ID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, sql.ErrNoRows), isSqliteMissingTable(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check memory: %w", err)
	}
}

func (s *SqliteMemoryDb) ReadMemories(ctx context.Context, userID string, limit int, order Sort) ([]MemoryRow, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.db.read",
		attribute.String("backend", "sqlite"), attribute.Int("limit", limit))
	defer span.End()

	var (
		query strings.Builder
		args  []interface{}
	)
	fmt.Fprintf(&query, "SELECT id, user_id, memory, created_at, updated_at FROM %s", s.table)
	if userID != "" {
		query.WriteString(" WHERE user_id = ?")
		args = append(args, userID)
	}
	if order == SortDesc {
		query.WriteString(" ORDER BY created_at DESC, rowid DESC")
	} else {
		query.WriteString(" ORDER BY created_at ASC, rowid ASC")
	}
	if limit > 0 {
		query.WriteString(" LIMIT ?")
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query.String(), args...)
	if err != nil {
		if isSqliteMissingTable(err) {
			return []MemoryRow{}, nil
		}
		return nil, tracing.Fail(span, fmt.Errorf("failed to read memories: %w", err))
	}
	defer rows.Close()

	out := []MemoryRow{}
	for rows.Next() {
		var (
			row       MemoryRow
			uid       sql.NullString
			doc       string
			createdAt int64
			updatedAt sql.NullInt64
		)
		if err := rows.Scan(&row.ID, &uid, &doc, &createdAt, &updatedAt); err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("failed to scan memory: %w", err))
		}
		if err := json.Unmarshal([]byte(doc), &row.Memory); err != nil {
			s.logger.Warn().Err(err).Str("memory_id", row.ID).Msg("Skipping memory with invalid JSON")
			continue
		}
		row.UserID = uid.String
		row.CreatedAt = time.Unix(0, createdAt)
		if updatedAt.Valid {
			row.UpdatedAt = time.Unix(0, updatedAt.Int64)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to iterate memories: %w", err))
	}

	return out, nil
}

// UpsertMemory inserts or replaces a row. created_at is kept on update.
func (s *SqliteMemoryDb) UpsertMemory(ctx context.Context, row MemoryRow) (MemoryRow, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.db.upsert", attribute.String("backend", "sqlite"))
	defer span.End()

	row.EnsureID()
	doc, err := json.Marshal(row.Memory)
	if err != nil {
		return row, tracing.Fail(span, fmt.Errorf("failed to marshal memory: %w", err))
	}

	now := time.Now()
	created := row.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, memory, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			user_id = excluded.user_id,
			memory = excluded.memory,
			updated_at = excluded.updated_at
	`, s.table)
	args := []interface{}{row.ID, nullString(row.UserID), string(doc), created.UnixNano(), now.UnixNano()}

	_, err = s.db.ExecContext(ctx, query, args...)
	if err != nil && isSqliteMissingTable(err) {
		s.logger.Debug().Str("table", s.table).Msg("Memory table missing, creating it")
		if cerr := s.Create(ctx); cerr != nil {
			return row, tracing.Fail(span, cerr)
		}
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return row, tracing.Fail(span, fmt.Errorf("failed to upsert memory: %w", err))
	}

	var createdAt int64
	if err := s.db.QueryRowContext(ctx, fmt.Sprintf("SELECT created_at FROM %s WHERE id = ?", s.table), row.ID).Scan(&createdAt); err == nil {
		row.CreatedAt = time.Unix(0, createdAt)
	}
	row.UpdatedAt = now
	return row, nil
}

func (s *SqliteMemoryDb) DeleteMemory(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = ?", s.table), id)
	if err != nil && !isSqliteMissingTable(err) {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

func (s *SqliteMemoryDb) DropTable(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.table)); err != nil {
		return fmt.Errorf("failed to drop memory table: %w", err)
	}
	return nil
}

func (s *SqliteMemoryDb) TableExists(ctx context.Context) (bool, error) {
	var name string
	err := s.db.QueryRowContext(ctx,
		"SELECT name FROM sqlite_master WHERE type = 'table' AND name = ?", s.table).Scan(&name)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check memory table: %w", err)
	}
	return true, nil
}

func (s *SqliteMemoryDb) Clear(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s", s.table))
	if err != nil && !isSqliteMissingTable(err) {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	return nil
}

// Close closes the database if it was opened by NewSqliteMemoryDb.
func (s *SqliteMemoryDb) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func isSqliteMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
