package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/storage"
)

const maxSessionNameWords = 5

const sessionNamePrompt = `Please provide a suitable name for this conversation in maximum 5 words.
Remember, do not exceed 5 words. Reply with the name only.`

// ensureLoaded restores the current session from storage once. A session
// that does not exist yet starts empty.
func (a *Agent) ensureLoaded(ctx context.Context) error {
	a.mu.RLock()
	loaded := a.loaded
	a.mu.RUnlock()
	if loaded {
		return nil
	}
	_, err := a.readSession(ctx)
	if err != nil && !errors.Is(err, storage.ErrSessionNotFound) && !errors.Is(err, ErrNoStorage) {
		return fmt.Errorf("failed to load session: %w", err)
	}
	a.mu.Lock()
	a.loaded = true
	a.mu.Unlock()
	return nil
}

// readSession reads the current session and restores memory and name from it.
func (a *Agent) readSession(ctx context.Context) (*storage.AgentSession, error) {
	if a.storage == nil {
		return nil, ErrNoStorage
	}
	sessionID := a.ensureSessionID()

	sess, err := a.storage.Read(ctx, sessionID, a.cfg.UserID)
	if err != nil {
		return nil, err
	}

	mem := a.newMemory()
	if err := mem.FromMap(sess.Memory); err != nil {
		return nil, fmt.Errorf("failed to restore memory of session %s: %w", sessionID, err)
	}

	a.mu.Lock()
	a.mem = mem
	a.sessionName = sess.Name()
	a.createdAt = sess.CreatedAt
	a.loaded = true
	a.mu.Unlock()

	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().
		Str("session_id", sessionID).
		Int("runs", len(mem.Runs())).
		Msg("Session loaded")
	return sess, nil
}

// LoadSession loads the current session from storage, creating it when it
// does not exist, and returns the stored record.
func (a *Agent) LoadSession(ctx context.Context) (*storage.AgentSession, error) {
	sess, err := a.readSession(ctx)
	if err == nil {
		return sess, nil
	}
	if !errors.Is(err, storage.ErrSessionNotFound) {
		return nil, err
	}

	a.mu.Lock()
	a.loaded = true
	a.mu.Unlock()

	if err := a.writeSession(ctx); err != nil {
		return nil, err
	}
	return a.storage.Read(ctx, a.SessionID(), a.cfg.UserID)
}

// NewSession switches to a fresh session and returns its id. The previous
// session stays in storage.
func (a *Agent) NewSession() string {
	mem := a.newMemory()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = uuid.NewString()
	a.sessionName = ""
	a.createdAt = a.now()
	a.mem = mem
	a.loaded = true
	return a.sessionID
}

// SwitchSession makes sessionID current. Its state is read from storage on
// the next run or LoadSession.
func (a *Agent) SwitchSession(sessionID string) error {
	if err := storage.ValidateSessionID(sessionID); err != nil {
		return err
	}
	mem := a.newMemory()

	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessionID = sessionID
	a.sessionName = ""
	a.mem = mem
	a.loaded = false
	return nil
}

// RenameSession sets the session name and saves the session.
func (a *Agent) RenameSession(ctx context.Context, name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return fmt.Errorf("session name cannot be empty")
	}
	if err := a.ensureLoaded(ctx); err != nil {
		return err
	}

	a.mu.Lock()
	a.sessionName = name
	a.mu.Unlock()

	observability.RecordSessionAudit(ctx, "rename", a.SessionID(), "success", map[string]interface{}{"name": name})
	return a.writeSession(ctx)
}

// GenerateSessionName asks the model for a short name for the current
// conversation. The name is not stored.
func (a *Agent) GenerateSessionName(ctx context.Context) (string, error) {
	pairs := a.Memory().GetMessagePairs("", nil)
	if len(pairs) == 0 {
		return "", fmt.Errorf("session has no conversation to name")
	}
	if len(pairs) > 6 {
		pairs = pairs[:6]
	}

	var sb strings.Builder
	sb.WriteString("Conversation\n")
	for _, pair := range pairs {
		fmt.Fprintf(&sb, "User: %s\n", pair.User.Content)
		fmt.Fprintf(&sb, "Assistant: %s\n", pair.Assistant.Content)
	}

	resp, err := a.llm.Call(ctx, llm.Request{
		Model: a.cfg.Model,
		Messages: []llm.Message{
			llm.NewMessage(llm.RoleSystem, sessionNamePrompt),
			llm.NewMessage(llm.RoleUser, sb.String()),
		},
		Temperature: a.cfg.Temperature,
	})
	if err != nil {
		return "", fmt.Errorf("failed to generate session name: %w", err)
	}

	name := cleanSessionName(resp.Content)
	if name == "" {
		return "", fmt.Errorf("model returned an empty session name")
	}
	return name, nil
}

func (a *Agent) autoRename(ctx context.Context) (string, error) {
	name, err := a.GenerateSessionName(ctx)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.sessionName = name
	a.mu.Unlock()
	logger := tracing.LoggerFromContext(ctx, a.logger)
	logger.Debug().Str("name", name).Msg("Session renamed")
	return name, nil
}

func cleanSessionName(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	s = strings.Trim(s, "\"'`*#. ")
	words := strings.Fields(s)
	if len(words) > maxSessionNameWords {
		words = words[:maxSessionNameWords]
	}
	return strings.Join(words, " ")
}

// DeleteSession removes a session from storage. Deleting the current session
// switches the agent to a fresh one.
func (a *Agent) DeleteSession(ctx context.Context, sessionID string) error {
	if a.storage == nil {
		return ErrNoStorage
	}
	if sessionID == "" {
		sessionID = a.SessionID()
	}
	if err := a.storage.DeleteSession(ctx, sessionID); err != nil {
		return fmt.Errorf("failed to delete session %s: %w", sessionID, err)
	}
	observability.RecordSessionAudit(ctx, "delete", sessionID, "success", nil)

	if sessionID == a.SessionID() {
		a.NewSession()
	}
	return nil
}

// Session returns the current session as it would be stored.
func (a *Agent) Session() *storage.AgentSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionLocked()
}

func (a *Agent) sessionLocked() *storage.AgentSession {
	sess := &storage.AgentSession{
		SessionID: a.sessionID,
		AgentID:   a.cfg.AgentID,
		UserID:    a.cfg.UserID,
		Memory:    a.mem.ToMap(),
		AgentData: map[string]interface{}{
			"name":  a.cfg.Name,
			"model": a.cfg.Model,
		},
		CreatedAt: a.createdAt,
	}
	if a.sessionName != "" {
		sess.SetName(a.sessionName)
	}
	return sess
}

// writeSession saves the current session.
func (a *Agent) writeSession(ctx context.Context) error {
	if a.storage == nil {
		return ErrNoStorage
	}
	a.ensureSessionID()

	a.mu.RLock()
	sess := a.sessionLocked()
	a.mu.RUnlock()

	if err := a.storage.Upsert(ctx, sess); err != nil {
		return fmt.Errorf("failed to save session %s: %w", sess.SessionID, err)
	}

	a.mu.Lock()
	if a.sessionID == sess.SessionID {
		a.createdAt = sess.CreatedAt
	}
	a.mu.Unlock()
	return nil
}
