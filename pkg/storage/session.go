package storage

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// ErrSessionNotFound is returned by Read when no session matches.
var ErrSessionNotFound = errors.New("session not found")

// SessionNameKey is the SessionData key holding the display name of a session.
const SessionNameKey = "session_name"

// DefaultTable is the default session table name.
const DefaultTable = "agent_sessions"

// AgentSession is the persisted state of one agent conversation.
type AgentSession struct {
	SessionID   string                 `json:"session_id"`
	AgentID     string                 `json:"agent_id,omitempty"`
	UserID      string                 `json:"user_id,omitempty"`
	Memory      map[string]interface{} `json:"memory,omitempty"`
	AgentData   map[string]interface{} `json:"agent_data,omitempty"`
	UserData    map[string]interface{} `json:"user_data,omitempty"`
	SessionData map[string]interface{} `json:"session_data,omitempty"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// Name returns the session name stored in SessionData, if any.
func (s *AgentSession) Name() string {
	if s.SessionData == nil {
		return ""
	}
	name, _ := s.SessionData[SessionNameKey].(string)
	return name
}

// SetName stores the session name in SessionData.
func (s *AgentSession) SetName(name string) {
	if s.SessionData == nil {
		s.SessionData = make(map[string]interface{})
	}
	s.SessionData[SessionNameKey] = name
}

// LastActive returns UpdatedAt, or CreatedAt for sessions never updated.
func (s *AgentSession) LastActive() time.Time {
	if s.UpdatedAt.IsZero() {
		return s.CreatedAt
	}
	return s.UpdatedAt
}

// Storage persists AgentSessions.
type Storage interface {
	// Create creates the backing table or directory.
	Create(ctx context.Context) error
	// Read returns the session, or ErrSessionNotFound. A non-empty userID
	// must match the stored one.
	Read(ctx context.Context, sessionID, userID string) (*AgentSession, error)
	// GetAllSessionIDs returns session ids newest first. Empty filters match everything.
	GetAllSessionIDs(ctx context.Context, userID, agentID string) ([]string, error)
	// GetAllSessions returns sessions newest first. Empty filters match everything.
	GetAllSessions(ctx context.Context, userID, agentID string) ([]*AgentSession, error)
	// Upsert writes the session. CreatedAt and UpdatedAt on s are set to the stored values.
	Upsert(ctx context.Context, s *AgentSession) error
	DeleteSession(ctx context.Context, sessionID string) error
	// Drop removes every session and the backing table or directory.
	Drop(ctx context.Context) error
	// UpgradeSchema migrates storage written by older versions.
	UpgradeSchema(ctx context.Context) error
	Close() error
}

// ValidateSessionID rejects ids that are empty or not path and SQL safe.
func ValidateSessionID(sessionID string) error {
	if sessionID == "" {
		return fmt.Errorf("session id cannot be empty")
	}
	if strings.Contains(sessionID, "..") {
		return fmt.Errorf("session id cannot contain '..'")
	}
	if strings.ContainsAny(sessionID, "/\\") {
		return fmt.Errorf("session id cannot contain path separators")
	}
	if strings.Contains(sessionID, "\x00") {
		return fmt.Errorf("session id cannot contain null bytes")
	}
	if len(sessionID) > 255 {
		return fmt.Errorf("session id too long")
	}
	return nil
}

var identifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]{0,62}$`)

func validateIdentifier(kind, name string) error {
	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("invalid %s name %q", kind, name)
	}
	return nil
}

func matches(s *AgentSession, userID, agentID string) bool {
	if userID != "" && s.UserID != userID {
		return false
	}
	if agentID != "" && s.AgentID != agentID {
		return false
	}
	return true
}

func sortNewestFirst(sessions []*AgentSession) {
	sort.SliceStable(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})
}

func sessionIDs(sessions []*AgentSession) []string {
	ids := make([]string, len(sessions))
	for i, s := range sessions {
		ids[i] = s.SessionID
	}
	return ids
}
