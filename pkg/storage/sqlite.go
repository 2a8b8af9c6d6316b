package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// SqliteConfig holds SqliteStorage configuration
type SqliteConfig struct {
	// Path of the database file. Ignored when DB is set.
	Path string
	// DB is an already opened handle. It is not closed by Close.
	DB     *sql.DB
	Table  string
	Logger *zerolog.Logger
}

// SqliteStorage stores sessions in a SQLite table.
type SqliteStorage struct {
	db     *sql.DB
	ownsDB bool
	table  string
	logger zerolog.Logger
}

// NewSqliteStorage opens (or reuses) a SQLite database and creates the
// session table.
func NewSqliteStorage(cfg SqliteConfig) (*SqliteStorage, error) {
	observability.EnsureRegistered()

	table := cfg.Table
	if table == "" {
		table = DefaultTable
	}
	if err := validateIdentifier("table", table); err != nil {
		return nil, err
	}

	logger := log.Logger.With().Str("component", "storage.sqlite").Logger()
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
		db, err = sql.Open("sqlite3", cfg.Path+"?_busy_timeout=5000")
		if err != nil {
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
		}
		owns = true
	}

	s := &SqliteStorage{db: db, ownsDB: owns, table: table, logger: logger}
	if err := s.Create(context.Background()); err != nil {
		if owns {
			db.Close()
		}
		return nil, err
	}
	logger.Debug().Str("table", table).Msg("Session storage initialized")
	return s, nil
}

func (s *SqliteStorage) Create(ctx context.Context) error {
	schema := fmt.Sprintf(`
		CREATE TABLE IF NOT EXISTS %[1]s (
			session_id TEXT PRIMARY KEY,
			agent_id TEXT,
			user_id TEXT,
			memory TEXT,
			agent_data TEXT,
			user_data TEXT,
			session_data TEXT,
			created_at INTEGER NOT NULL,
			updated_at INTEGER
		);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_user ON %[1]s(user_id);
		CREATE INDEX IF NOT EXISTS idx_%[1]s_agent ON %[1]s(agent_id);
	`, s.table)
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to create session table: %w", err)
	}
	return nil
}

// UpgradeSchema adds the user_data and session_data columns to tables
// created before they existed.
func (s *SqliteStorage) UpgradeSchema(ctx context.Context) error {
	rows, err := s.db.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", s.table))
	if err != nil {
		return fmt.Errorf("failed to inspect session table: %w", err)
	}
	columns := make(map[string]bool)
	for rows.Next() {
		var (
			cid              int
			name, ctype      string
			notnull, primary int
			dflt             sql.NullString
		)
		if err := rows.Scan(&cid, &name, &ctype, &notnull, &dflt, &primary); err != nil {
			rows.Close()
			return fmt.Errorf("failed to inspect session table: %w", err)
		}
		columns[name] = true
	}
	rows.Close()

	for _, col := range []string{"user_data", "session_data", "updated_at"} {
		if columns[col] {
			continue
		}
		ctype := "TEXT"
		if col == "updated_at" {
			ctype = "INTEGER"
		}
		if _, err := s.db.ExecContext(ctx, fmt.Sprintf("ALTER TABLE %s ADD COLUMN %s %s", s.table, col, ctype)); err != nil {
			return fmt.Errorf("failed to add column %s: %w", col, err)
		}
		s.logger.Info().Str("column", col).Msg("Session table upgraded")
	}
	return nil
}

func (s *SqliteStorage) Read(ctx context.Context, sessionID, userID string) (*AgentSession, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.read",
		attribute.String("backend", BackendSqlite), attribute.String("session_id", sessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionRead(BackendSqlite, time.Since(start)) }()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, tracing.Fail(span, err)
	}

	query := s.selectColumns() + " WHERE session_id = ?"
	args := []interface{}{sessionID}
	if userID != "" {
		query += " AND user_id = ?"
		args = append(args, userID)
	}

	sess, err := scanSqliteSession(s.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) || isSqliteMissingTable(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to read session: %w", err))
	}
	return sess, nil
}

func (s *SqliteStorage) GetAllSessionIDs(ctx context.Context, userID, agentID string) ([]string, error) {
	sessions, err := s.GetAllSessions(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	return sessionIDs(sessions), nil
}

func (s *SqliteStorage) GetAllSessions(ctx context.Context, userID, agentID string) ([]*AgentSession, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.list", attribute.String("backend", BackendSqlite))
	defer span.End()

	var (
		where []string
		args  []interface{}
	)
	if userID != "" {
		where = append(where, "user_id = ?")
		args = append(args, userID)
	}
	if agentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, agentID)
	}
	query := s.selectColumns()
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, rowid DESC"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		if isSqliteMissingTable(err) {
			return []*AgentSession{}, nil
		}
		return nil, tracing.Fail(span, fmt.Errorf("failed to list sessions: %w", err))
	}
	defer rows.Close()

	sessions := []*AgentSession{}
	for rows.Next() {
		sess, err := scanSqliteSession(rows)
		if err != nil {
			s.logger.Warn().Err(err).Msg("Skipping unreadable session row")
			continue
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to list sessions: %w", err))
	}
	return sessions, nil
}

func (s *SqliteStorage) Upsert(ctx context.Context, sess *AgentSession) error {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.upsert",
		attribute.String("backend", BackendSqlite), attribute.String("session_id", sess.SessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionUpsert(BackendSqlite, time.Since(start)) }()

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

	now := time.Now()
	created := sess.CreatedAt
	if created.IsZero() {
		created = now
	}

	query := fmt.Sprintf(`
		INSERT INTO %s (session_id, agent_id, user_id, memory, agent_data, user_data, session_data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			agent_id = excluded.agent_id,
			user_id = excluded.user_id,
			memory = excluded.memory,
			agent_data = excluded.agent_data,
			user_data = excluded.user_data,
			session_data = excluded.session_data,
			updated_at = excluded.updated_at
	`, s.table)
	args := []interface{}{
		sess.SessionID, nullable(sess.AgentID), nullable(sess.UserID),
		nullableText(encoded[0]), nullableText(encoded[1]), nullableText(encoded[2]), nullableText(encoded[3]),
		created.UnixNano(), now.UnixNano(),
	}

	_, err := s.db.ExecContext(ctx, query, args...)
	if err != nil && isSqliteMissingTable(err) {
		if cerr := s.Create(ctx); cerr != nil {
			return tracing.Fail(span, cerr)
		}
		_, err = s.db.ExecContext(ctx, query, args...)
	}
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to upsert session: %w", err))
	}

	var createdAt int64
	if err := s.db.QueryRowContext(ctx,
		fmt.Sprintf("SELECT created_at FROM %s WHERE session_id = ?", s.table), sess.SessionID).Scan(&createdAt); err == nil {
		sess.CreatedAt = time.Unix(0, createdAt)
	} else {
		sess.CreatedAt = created
	}
	sess.UpdatedAt = now
	return nil
}

func (s *SqliteStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE session_id = ?", s.table), sessionID)
	if err != nil && !isSqliteMissingTable(err) {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

func (s *SqliteStorage) Drop(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, fmt.Sprintf("DROP TABLE IF EXISTS %s", s.table)); err != nil {
		return fmt.Errorf("failed to drop session table: %w", err)
	}
	return nil
}

// Close closes the database if it was opened by NewSqliteStorage.
func (s *SqliteStorage) Close() error {
	if s.ownsDB {
		return s.db.Close()
	}
	return nil
}

func (s *SqliteStorage) selectColumns() string {
	return fmt.Sprintf(`SELECT session_id, agent_id, user_id, memory, agent_data, user_data, session_data, created_at, updated_at FROM %s`, s.table)
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanSqliteSession(row rowScanner) (*AgentSession, error) {
	var (
		sess                                  AgentSession
		agentID, userID                       sql.NullString
		memory, agentData, userData, sessData sql.NullString
		createdAt                             int64
		updatedAt                             sql.NullInt64
	)
	if err := row.Scan(&sess.SessionID, &agentID, &userID, &memory, &agentData, &userData, &sessData, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	sess.AgentID = agentID.String
	sess.UserID = userID.String
	sess.CreatedAt = time.Unix(0, createdAt)
	if updatedAt.Valid {
		sess.UpdatedAt = time.Unix(0, updatedAt.Int64)
	}

	targets := []*map[string]interface{}{&sess.Memory, &sess.AgentData, &sess.UserData, &sess.SessionData}
	for i, col := range []sql.NullString{memory, agentData, userData, sessData} {
		if !col.Valid {
			continue
		}
		m, err := decodeMap([]byte(col.String))
		if err != nil {
			return nil, err
		}
		*targets[i] = m
	}
	return &sess, nil
}

func isSqliteMissingTable(err error) bool {
	return err != nil && strings.Contains(err.Error(), "no such table")
}
