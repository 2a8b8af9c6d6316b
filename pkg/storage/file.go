package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	sessionExt    = ".json"
	tempExt       = ".tmp"
	corruptSuffix = ".corrupt"
)

// FileStorage keeps one JSON file per session in a directory.
type FileStorage struct {
	dir        string
	writeLocks map[string]*sync.Mutex
	locksMu    sync.Mutex
	logger     zerolog.Logger
}

// NewFileStorage creates the sessions directory if needed.
func NewFileStorage(dir string) (*FileStorage, error) {
	observability.EnsureRegistered()

	if dir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		dir = filepath.Join(homeDir, ".mnemo", "sessions")
	}

	fs := &FileStorage{
		dir:        dir,
		writeLocks: make(map[string]*sync.Mutex),
		logger:     log.Logger.With().Str("component", "storage.file").Logger(),
	}
	if err := fs.Create(context.Background()); err != nil {
		return nil, err
	}
	fs.logger.Debug().Str("dir", dir).Msg("Session storage initialized")
	return fs, nil
}

// Dir returns the sessions directory.
func (fs *FileStorage) Dir() string { return fs.dir }

func (fs *FileStorage) Create(ctx context.Context) error {
	if err := os.MkdirAll(fs.dir, 0700); err != nil {
		return fmt.Errorf("failed to create sessions directory: %w", err)
	}
	return nil
}

// UpgradeSchema removes temp files left behind by interrupted writes and
// quarantines files that no longer parse.
func (fs *FileStorage) UpgradeSchema(ctx context.Context) error {
	_, err := fs.Repair(ctx)
	return err
}

func (fs *FileStorage) sessionPath(sessionID string) string {
	return filepath.Join(fs.dir, sessionID+sessionExt)
}

func (fs *FileStorage) getWriteLock(sessionID string) *sync.Mutex {
	fs.locksMu.Lock()
	defer fs.locksMu.Unlock()

	if lock, ok := fs.writeLocks[sessionID]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	fs.writeLocks[sessionID] = lock
	return lock
}

func (fs *FileStorage) Read(ctx context.Context, sessionID, userID string) (*AgentSession, error) {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.read",
		attribute.String("backend", BackendFile), attribute.String("session_id", sessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionRead(BackendFile, time.Since(start)) }()

	if err := ValidateSessionID(sessionID); err != nil {
		return nil, tracing.Fail(span, err)
	}

	lock := fs.getWriteLock(sessionID)
	lock.Lock()
	defer lock.Unlock()

	sess, err := fs.readFile(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if userID != "" && sess.UserID != userID {
		return nil, ErrSessionNotFound
	}
	return sess, nil
}

// readFile loads a session. Callers hold the session's write lock. A file
// that does not parse is quarantined and reported as not found.
func (fs *FileStorage) readFile(ctx context.Context, sessionID string) (*AgentSession, error) {
	path := fs.sessionPath(sessionID)
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session file: %w", err)
	}

	var sess AgentSession
	if err := json.Unmarshal(data, &sess); err != nil || sess.SessionID != sessionID {
		logger := tracing.LoggerFromContext(ctx, fs.logger)
		if qerr := fs.quarantine(path); qerr != nil {
			logger.Error().Err(qerr).Str("session_id", sessionID).Msg("Failed to quarantine corrupt session file")
		} else {
			logger.Warn().Err(err).Str("session_id", sessionID).Msg("Corrupt session file quarantined")
		}
		return nil, ErrSessionNotFound
	}
	return &sess, nil
}

func (fs *FileStorage) quarantine(path string) error {
	target := fmt.Sprintf("%s%s-%d", path, corruptSuffix, time.Now().UnixNano())
	return os.Rename(path, target)
}

func (fs *FileStorage) GetAllSessionIDs(ctx context.Context, userID, agentID string) ([]string, error) {
	sessions, err := fs.GetAllSessions(ctx, userID, agentID)
	if err != nil {
		return nil, err
	}
	return sessionIDs(sessions), nil
}

func (fs *FileStorage) GetAllSessions(ctx context.Context, userID, agentID string) ([]*AgentSession, error) {
	ids, err := fs.listIDs()
	if err != nil {
		return nil, err
	}

	sessions := []*AgentSession{}
	for _, id := range ids {
		lock := fs.getWriteLock(id)
		lock.Lock()
		sess, err := fs.readFile(ctx, id)
		lock.Unlock()
		if err != nil {
			continue
		}
		if matches(sess, userID, agentID) {
			sessions = append(sessions, sess)
		}
	}
	sortNewestFirst(sessions)
	return sessions, nil
}

func (fs *FileStorage) listIDs() ([]string, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	var ids []string
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, sessionExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, sessionExt))
	}
	return ids, nil
}

func (fs *FileStorage) Upsert(ctx context.Context, sess *AgentSession) error {
	ctx, span := tracing.StartSpan(ctx, "mnemo.storage", "storage.upsert",
		attribute.String("backend", BackendFile), attribute.String("session_id", sess.SessionID))
	defer span.End()
	start := time.Now()
	defer func() { observability.RecordSessionUpsert(BackendFile, time.Since(start)) }()

	if err := ValidateSessionID(sess.SessionID); err != nil {
		return tracing.Fail(span, err)
	}

	if err := fs.Create(ctx); err != nil {
		return tracing.Fail(span, err)
	}

	lock := fs.getWriteLock(sess.SessionID)
	lock.Lock()
	defer lock.Unlock()

	now := time.Now()
	created := sess.CreatedAt
	if existing, err := fs.readFile(ctx, sess.SessionID); err == nil {
		created = existing.CreatedAt
	}
	if created.IsZero() {
		created = now
	}

	out := *sess
	out.CreatedAt = created
	out.UpdatedAt = now

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to marshal session: %w", err))
	}
	if err := fs.writeAtomic(fs.sessionPath(sess.SessionID), data); err != nil {
		return tracing.Fail(span, err)
	}

	sess.CreatedAt = created
	sess.UpdatedAt = now
	return nil
}

// writeAtomic writes data to a temp file, syncs it and renames it over path.
func (fs *FileStorage) writeAtomic(path string, data []byte) error {
	tempPath := path + tempExt
	file, err := os.OpenFile(tempPath, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to write session: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(tempPath)
		return fmt.Errorf("failed to sync file: %w", err)
	}
	file.Close()

	if err := os.Rename(tempPath, path); err != nil {
		os.Remove(tempPath)
		return fmt.Errorf("failed to replace session file: %w", err)
	}
	return nil
}

func (fs *FileStorage) DeleteSession(ctx context.Context, sessionID string) error {
	if err := ValidateSessionID(sessionID); err != nil {
		return err
	}

	lock := fs.getWriteLock(sessionID)
	lock.Lock()
	err := os.Remove(fs.sessionPath(sessionID))
	lock.Unlock()

	fs.locksMu.Lock()
	delete(fs.writeLocks, sessionID)
	fs.locksMu.Unlock()

	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete session file: %w", err)
	}
	logger := tracing.LoggerFromContext(ctx, fs.logger)
	logger.Debug().Str("session_id", sessionID).Msg("Session deleted")
	return nil
}

func (fs *FileStorage) Drop(ctx context.Context) error {
	fs.locksMu.Lock()
	fs.writeLocks = make(map[string]*sync.Mutex)
	fs.locksMu.Unlock()

	if err := os.RemoveAll(fs.dir); err != nil {
		return fmt.Errorf("failed to remove sessions directory: %w", err)
	}
	return nil
}

// Repair removes stale temp files and quarantines session files that do not
// parse. It returns the number of files quarantined.
func (fs *FileStorage) Repair(ctx context.Context) (int, error) {
	entries, err := os.ReadDir(fs.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("failed to read sessions directory: %w", err)
	}

	quarantined := 0
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			continue
		}
		if strings.HasSuffix(name, sessionExt+tempExt) {
			os.Remove(filepath.Join(fs.dir, name))
			continue
		}
		if !strings.HasSuffix(name, sessionExt) {
			continue
		}

		id := strings.TrimSuffix(name, sessionExt)
		lock := fs.getWriteLock(id)
		lock.Lock()
		_, rerr := fs.readFile(ctx, id)
		lock.Unlock()
		if errors.Is(rerr, ErrSessionNotFound) {
			if _, statErr := os.Stat(fs.sessionPath(id)); os.IsNotExist(statErr) {
				quarantined++
			}
		}
	}

	if quarantined > 0 {
		fs.logger.Info().Int("quarantined", quarantined).Msg("Session files repaired")
	}
	return quarantined, nil
}

// Close drops the per-session locks.
func (fs *FileStorage) Close() error {
	fs.locksMu.Lock()
	fs.writeLocks = make(map[string]*sync.Mutex)
	fs.locksMu.Unlock()
	return nil
}
