package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// PgConfig holds PgMemoryDb configuration
type PgConfig struct {
	// DSN is a libpq connection string or URL. Ignored when Pool is set.
	DSN string
	// Pool is a shared connection pool. It is not closed by Close.
	Pool   *pgxpool.Pool
	Schema string
	Table  string
	Logger *zerolog.Logger
}

// PgMemoryDb stores memories in a PostgreSQL table.
type PgMemoryDb struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	schema    string
	table     string
	qualified string
	logger    zerolog.Logger
}

// NewPgMemoryDb connects to PostgreSQL. The schema and table are created
// lazily on first write.
func NewPgMemoryDb(ctx context.Context, cfg PgConfig) (*PgMemoryDb, error) {
	schema := cfg.Schema
	if schema == "" {
		schema = "ai"
	}
	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if err := validateIdentifier("schema", schema); err != nil {
		return nil, err
	}
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}

	logger := log.Logger.With().Str("component", "memory.postgres").Logger()
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	pool := cfg.Pool
	owns := false
	if pool == nil {
		if cfg.DSN == "" {
			return nil, errors.New("postgres DSN is required")
		}
		var err error
		pool, err = pgxpool.New(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		owns = true
	}

	return &PgMemoryDb{
		pool:      pool,
		ownsPool:  owns,
		schema:    schema,
		table:     table,
		qualified: schema + "." + table,
		logger:    logger,
	}, nil
}

func (p *PgMemoryDb) Create(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", p.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			id TEXT PRIMARY KEY,
			user_id TEXT,
			memory JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ
		)`, p.qualified),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)", p.table, p.qualified),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create memory table: %w", err)
		}
	}
	return nil
}

func (p *PgMemoryDb) MemoryExists(ctx context.Context, row MemoryRow) (bool, error) {
	row.EnsureID()
	var one int
	err := p.pool.QueryRow(ctx, fmt.Sprintf("SELECT 1 FROM %s WHERE id = $1", p.qualified), row.ID).Scan(&one)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, pgx.ErrNoRows), isPgMissingTable(err):
		return false, nil
	default:
		return false, fmt.Errorf("failed to check memory: %w", err)
	}
}

func (p *PgMemoryDb) ReadMemories(ctx context.Context, userID string, limit int, order Sort) ([]MemoryRow, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.db.read",
		attribute.String("backend", "postgres"), attribute.Int("limit", limit))
	defer span.End()

	var (
		query strings.Builder
		args  []interface{}
	)
	fmt.Fprintf(&query, "SELECT id, user_id, memory, created_at, updated_at FROM %s", p.qualified)
	if userID != "" {
		args = append(args, userID)
		fmt.Fprintf(&query, " WHERE user_id = $%d", len(args))
	}
	if order == SortDesc {
		query.WriteString(" ORDER BY created_at DESC, id DESC")
	} else {
		query.WriteString(" ORDER BY created_at ASC, id ASC")
	}
	if limit > 0 {
		args = append(args, limit)
		fmt.Fprintf(&query, " LIMIT $%d", len(args))
	}

	rows, err := p.pool.Query(ctx, query.String(), args...)
	if err != nil {
		if isPgMissingTable(err) {
			return []MemoryRow{}, nil
		}
		return nil, tracing.Fail(span, fmt.Errorf("failed to read memories: %w", err))
	}
	defer rows.Close()

	out := []MemoryRow{}
	for rows.Next() {
		var (
			row       MemoryRow
			uid       *string
			doc       []byte
			updatedAt *time.Time
		)
		if err := rows.Scan(&row.ID, &uid, &doc, &row.CreatedAt, &updatedAt); err != nil {
			return nil, tracing.Fail(span, fmt.Errorf("failed to scan memory: %w", err))
		}
		if err := json.Unmarshal(doc, &row.Memory); err != nil {
			p.logger.Warn().Err(err).Str("memory_id", row.ID).Msg("Skipping memory with invalid JSON")
			continue
		}
		if uid != nil {
			row.UserID = *uid
		}
		if updatedAt != nil {
			row.UpdatedAt = *updatedAt
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		if isPgMissingTable(err) {
			return []MemoryRow{}, nil
		}
		return nil, tracing.Fail(span, fmt.Errorf("failed to iterate memories: %w", err))
	}
	return out, nil
}

// UpsertMemory inserts or replaces a row. created_at is kept on update.
func (p *PgMemoryDb) UpsertMemory(ctx context.Context, row MemoryRow) (MemoryRow, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.db.upsert", attribute.String("backend", "postgres"))
	defer span.End()

	row.EnsureID()
	doc, err := json.Marshal(row.Memory)
	if err != nil {
		return row, tracing.Fail(span, fmt.Errorf("failed to marshal memory: %w", err))
	}

	now := time.Now().UTC()
	created := row.CreatedAt
	if created.IsZero() {
		created = now
	}
	var uid *string
	if row.UserID != "" {
		uid = &row.UserID
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (id, user_id, memory, created_at, updated_at)
		VALUES ($1, $2, $3::jsonb, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			user_id = EXCLUDED.user_id,
			memory = EXCLUDED.memory,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, p.qualified)
	args := []interface{}{row.ID, uid, string(doc), created, now}

	var createdAt time.Time
	err = p.pool.QueryRow(ctx, query, args...).Scan(&createdAt)
	if err != nil && isPgMissingTable(err) {
		p.logger.Debug().Str("table", p.qualified).Msg("Memory table missing, creating it")
		if cerr := p.Create(ctx); cerr != nil {
			return row, tracing.Fail(span, cerr)
		}
		err = p.pool.QueryRow(ctx, query, args...).Scan(&createdAt)
	}
	if err != nil {
		return row, tracing.Fail(span, fmt.Errorf("failed to upsert memory: %w", err))
	}

	row.CreatedAt = createdAt
	row.UpdatedAt = now
	return row, nil
}

func (p *PgMemoryDb) DeleteMemory(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE id = $1", p.qualified), id)
	if err != nil && !isPgMissingTable(err) {
		return fmt.Errorf("failed to delete memory: %w", err)
	}
	return nil
}

func (p *PgMemoryDb) DropTable(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.qualified)); err != nil {
		return fmt.Errorf("failed to drop memory table: %w", err)
	}
	return nil
}

func (p *PgMemoryDb) TableExists(ctx context.Context) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM information_schema.tables
			WHERE table_schema = $1 AND table_name = $2
		)`, p.schema, p.table).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check memory table: %w", err)
	}
	return exists, nil
}

func (p *PgMemoryDb) Clear(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s", p.qualified))
	if err != nil && !isPgMissingTable(err) {
		return fmt.Errorf("failed to clear memories: %w", err)
	}
	return nil
}

// Close closes the pool if it was opened by NewPgMemoryDb.
func (p *PgMemoryDb) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

// undefined_table
const pgUndefinedTable = "42P01"

func isPgMissingTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}
