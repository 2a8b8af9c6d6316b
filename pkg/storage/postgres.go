package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// PostgresConfig holds PostgresStorage configuration
type PostgresConfig struct {
	// DSN is a libpq connection string or URL. Ignored when Pool is set.
	DSN string
	// Pool is a shared pool. It is not closed by Close.
	Pool   *pgxpool.Pool
	Schema string
	Table  string
	Logger *zerolog.Logger
}

// PostgresStorage stores sessions in a PostgreSQL table with JSONB columns.
type PostgresStorage struct {
	pool      *pgxpool.Pool
	ownsPool  bool
	schema    string
	table     string
	qualified string
	logger    zerolog.Logger
}

// NewPostgresStorage connects to PostgreSQL and creates the session table.
func NewPostgresStorage(ctx context.Context, cfg PostgresConfig) (*PostgresStorage, error) {
	observability.EnsureRegistered()

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

	logger := log.Logger.With().Str("component", "storage.postgres").Logger()
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

	p := &PostgresStorage{
		pool:      pool,
		ownsPool:  owns,
		schema:    schema,
		table:     table,
		qualified: schema + "." + table,
		logger:    logger,
	}
	if err := p.Create(ctx); err != nil {
		if owns {
			pool.Close()
		}
		return nil, err
	}
	return p, nil
}

func (p *PostgresStorage) Create(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", p.schema),
		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			session_id TEXT PRIMARY KEY,
			agent_id TEXT,
			user_id TEXT,
			memory JSONB,
			agent_data JSONB,
			user_data JSONB,
			session_data JSONB,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at TIMESTAMPTZ
		)`, p.qualified),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_user ON %s (user_id)", p.table, p.qualified),
		fmt.Sprintf("CREATE INDEX IF NOT EXISTS idx_%s_agent ON %s (agent_id)", p.table, p.qualified),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create session table: %w", err)
		}
	}
	return nil
}

// UpgradeSchema adds columns introduced after the table was first created.
func (p *PostgresStorage) UpgradeSchema(ctx context.Context) error {
	stmts := []string{
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS user_data JSONB", p.qualified),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS session_data JSONB", p.qualified),
		fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS updated_at TIMESTAMPTZ", p.qualified),
	}
	for _, stmt := range stmts {
		if _, err := p.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("failed to upgrade session table: %w", err)
		}
	}
	return nil
}

func (p *PostgresStorage) Read(ctx context.Context, sessionID, userID string) (*AgentSession, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.read",
		attribute.String("backend", BackendPostgres), attribute.String("session_id", sessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionRead(BackendPostgres, time.Since(start)) }()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, tracing.Fail(span, err)
	}

	query := p.selectColumns() + " WHERE session_id = $1"
	args := []interface{}{sessionID}
	if userID != "" {
		query += " AND user_id = $2"
		args = append(args, userID)
	}

	sess, err := scanPgSession(p.pool.QueryRow(ctx, query, args...))
	if errors.Is(err, pgx.ErrNoRows) || isPgMissingTable(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to read session: %w", err))
	}
	return sess, nil
}

func (p *PostgresStorage) GetAllSessionIDs(ctx context.Context, userID, agentID string) ([]string, error) {
	sessions, err := p.GetAllSessions(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	return sessionIDs(sessions), nil
}

func (p *PostgresStorage) GetAllSessions(ctx context.Context, userID, agentID string) ([]*AgentSession, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.list", attribute.String("backend", BackendPostgres))
	defer span.End()

	var (
		where []string
		args  []interface{}
	)
	if userID != "" {
		args = append(args, userID)
		where = append(where, fmt.Sprintf("user_id = $%d", len(args)))
	}
	if agentID != "" {
		args = append(args, agentID)
		where = append(where, fmt.Sprintf("agent_id = $%d", len(args)))
	}
	query := p.selectColumns()
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, session_id DESC"

	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		if isPgMissingTable(err) {
			return []*AgentSession{}, nil
		}
		return nil, tracing.Fail(span, fmt.Errorf("failed to list sessions: %w", err))
	}
	defer rows.Close()

	sessions := []*AgentSession{}
	for rows.Next() {
		sess, err := scanPgSession(rows)
		if err != nil {
			p.logger.Warn().Err(err).Msg("Skipping unreadable session row")
			continue
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		if isPgMissingTable(err) {
			return []*AgentSession{}, nil
		}
		return nil, tracing.Fail(span, fmt.Errorf("failed to list sessions: %w", err))
	}
	return sessions, nil
}

func (p *PostgresStorage) Upsert(ctx context.Context, sess *AgentSession) error {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.upsert",
		attribute.String("backend", BackendPostgres), attribute.String("session_id", sess.SessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionUpsert(BackendPostgres, time.Since(start)) }()

	if err := ValidateSessionID(sess.SessionID); err != nil {
		return tracing.Fail(span, err)
	}

	var encoded [4][]byte
	for i, m := range []map[string]interface{}{sess.Memory, sess.AgentData, sess.UserData, sess.SessionData} {
		data, err := encodeMap(m)
		if err != nil {
			return tracing.Fail(span, err)
		}
		encoded[i] = data
	}

	now := time.Now().UTC()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, agent_id, user_id, memory, agent_data, user_data, session_data, created_at, updated_at)
		VALUES ($1, $2, $3, $4::jsonb, $5::jsonb, $6::jsonb, $7::jsonb, $8, $9)
		ON CONFLICT (session_id) DO UPDATE SET
			agent_id = EXCLUDED.agent_id,
			user_id = EXCLUDED.user_id,
			memory = EXCLUDED.memory,
			agent_data = EXCLUDED.agent_data,
			user_data = EXCLUDED.user_data,
			session_data = EXCLUDED.session_data,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at
	`, p.qualified)
	args := []interface{}{
		sess.SessionID, nullable(sess.AgentID), nullable(sess.UserID),
		nullableText(encoded[0]), nullableText(encoded[1]), nullableText(encoded[2]), nullableText(encoded[3]),
		created, now,
	}

	var createdAt time.Time
	err := p.pool.QueryRow(ctx, query, args...).Scan(&createdAt)
	if err != nil && isPgMissingTable(err) {
		if cerr := p.Create(ctx); cerr != nil {
			return tracing.Fail(span, cerr)
		}
		err = p.pool.QueryRow(ctx, query, args...).Scan(&createdAt)
	}
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to upsert session: %w", err))
	}

	sess.CreatedAt = createdAt
	sess.UpdatedAt = now
	return nil
}

func (p *PostgresStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	_, err := p.pool.Exec(ctx, fmt.Sprintf("DELETE FROM %s WHERE session_id = $1", p.qualified), sessionID)
	if err != nil && !isPgMissingTable(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (p *PostgresStorage) Drop(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", p.qualified)); err != nil {
		return fmt.Errorf("failed to drop session table: %w", err)
	}
	return nil
}

// Close closes the pool if it was opened by NewPostgresStorage.
func (p *PostgresStorage) Close() error {
	if p.ownsPool {
		p.pool.Close()
	}
	return nil
}

func (p *PostgresStorage) selectColumns() string {
	return fmt.Sprintf(`SELECT session_id, agent_id, user_id, memory, agent_data, user_data, session_data, created_at, updated_at FROM %s`, p.qualified)
}

func scanPgSession(row pgx.Row) (*AgentSession, error) {
	var (
		sess                                  AgentSession
		agentID, userID                       *string
		memory, agentData, userData, sessData []byte
		updatedAt                             *time.Time
	)
	if err := row.Scan(&sess.SessionID, &agentID, &userID, &memory, &agentData, &userData, &sessData, &sess.CreatedAt, &updatedAt); err != nil {
		return nil, err
	}
	if agentID != nil {
		sess.AgentID = *agentID
	}
	if userID != nil {
		sess.UserID = *userID
	}
	if updatedAt != nil {
		sess.UpdatedAt = *updatedAt
	}

	targets := []*map[string]interface{}{&sess.Memory, &sess.AgentData, &sess.UserData, &sess.SessionData}
	for i, col := range [][]byte{memory, agentData, userData, sessData} {
		m, err := decodeMap(col)
		if err != nil {
			return nil, err
		}
		*targets[i] = m
	}
	return &sess, nil
}

const pgUndefinedTable = "42P01"

func isPgMissingTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUndefinedTable
}
