package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

// Classifier decides whether a user message holds information worth remembering.
type Classifier interface {
	ShouldUpdate(ctx context.Context, input string, existing []Memory) (bool, error)
}

// Manager edits the memories of userID in db in response to input and
// returns the model's final reply.
type Manager interface {
	Run(ctx context.Context, db MemoryDb, userID string, existing []Memory, input string) (string, error)
}

// Summarizer condenses a conversation into a SessionSummary.
type Summarizer interface {
	Summarize(ctx context.Context, pairs []MessagePair) (*SessionSummary, error)
}

// Options configures a new AgentMemory.
type Options struct {
	DB          MemoryDb
	UserID      string
	Retrieval   Retrieval
	NumMemories int

	UpdateSystemMessageOnChange  bool
	CreateUserMemories           bool
	UpdateUserMemoriesAfterRun   bool
	CreateSessionSummary         bool
	UpdateSessionSummaryAfterRun bool

	Classifier Classifier
	Manager    Manager
	Summarizer Summarizer
	Logger     *zerolog.Logger
}

// DefaultOptions returns options with after-run updates enabled and last_n retrieval.
func DefaultOptions() Options {
	return Options{
		Retrieval:                    RetrievalLastN,
		UpdateUserMemoriesAfterRun:   true,
		UpdateSessionSummaryAfterRun: true,
	}
}

// AgentMemory is the conversational state of one agent session.
// It is safe for concurrent use.
type AgentMemory struct {
	DB          MemoryDb
	UserID      string
	Retrieval   Retrieval
	NumMemories int

	UpdateSystemMessageOnChange  bool
	CreateUserMemories           bool
	UpdateUserMemoriesAfterRun   bool
	CreateSessionSummary         bool
	UpdateSessionSummaryAfterRun bool

	Classifier Classifier
	Manager    Manager
	Summarizer Summarizer

	mu       sync.RWMutex
	runs     []AgentRun
	messages []llm.Message
	summary  *SessionSummary
	memories []Memory
	loaded   bool

	updating atomic.Bool
	logger   zerolog.Logger
}

// NewAgentMemory creates an empty AgentMemory.
func NewAgentMemory(opts Options) *AgentMemory {
	observability.EnsureRegistered()

	logger := log.Logger.With().Str("component", "memory").Logger()
	if opts.Logger != nil {
		logger = *opts.Logger
	}
	retrieval := opts.Retrieval
	if retrieval == "" {
		retrieval = RetrievalLastN
	}

	return &AgentMemory{
		DB:                           opts.DB,
		UserID:                       opts.UserID,
		Retrieval:                    retrieval,
		NumMemories:                  opts.NumMemories,
		UpdateSystemMessageOnChange:  opts.UpdateSystemMessageOnChange,
		CreateUserMemories:           opts.CreateUserMemories,
		UpdateUserMemoriesAfterRun:   opts.UpdateUserMemoriesAfterRun,
		CreateSessionSummary:         opts.CreateSessionSummary,
		UpdateSessionSummaryAfterRun: opts.UpdateSessionSummaryAfterRun,
		Classifier:                   opts.Classifier,
		Manager:                      opts.Manager,
		Summarizer:                   opts.Summarizer,
		logger:                       logger,
	}
}

// AddRun records a completed run.
func (m *AgentMemory) AddRun(run AgentRun) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = append(m.runs, cloneRun(run))
}

// AddSystemMessage adds msg as the first message when the history is empty.
// Otherwise, with UpdateSystemMessageOnChange set, the first message with
// systemRole is replaced if its content differs.
func (m *AgentMemory) AddSystemMessage(msg llm.Message, systemRole string) {
	if systemRole == "" {
		systemRole = llm.RoleSystem
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.messages) == 0 {
		m.messages = append(m.messages, msg.Clone())
		return
	}
	if !m.UpdateSystemMessageOnChange {
		return
	}
	for i, existing := range m.messages {
		if existing.Role != systemRole {
			continue
		}
		if existing.Content != msg.Content {
			m.messages[i] = msg.Clone()
		}
		return
	}
}

func (m *AgentMemory) AddMessage(msg llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, msg.Clone())
}

func (m *AgentMemory) AddMessages(msgs []llm.Message) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages = append(m.messages, llm.CloneMessages(msgs)...)
}

// GetMessages returns a copy of the message history.
func (m *AgentMemory) GetMessages() []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return llm.CloneMessages(m.messages)
}

// Runs returns a copy of the recorded runs.
func (m *AgentMemory) Runs() []AgentRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]AgentRun, len(m.runs))
	for i, r := range m.runs {
		out[i] = cloneRun(r)
	}
	return out
}

// Summary returns the current session summary, or nil.
func (m *AgentMemory) Summary() *SessionSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneSummary(m.summary)
}

// SetSummary replaces the session summary.
func (m *AgentMemory) SetSummary(s *SessionSummary) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.summary = cloneSummary(s)
}

// Memories returns the user memories loaded by LoadUserMemories.
func (m *AgentMemory) Memories() []Memory {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]Memory(nil), m.memories...)
}

// MemoriesLoaded reports whether LoadUserMemories has completed at least once.
func (m *AgentMemory) MemoriesLoaded() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.loaded
}

// GetMessagesFromLastNRuns returns the response messages of the last n runs
// (all runs when n <= 0) in chronological order, skipping messages whose
// role is skipRole.
func (m *AgentMemory) GetMessagesFromLastNRuns(n int, skipRole string) []llm.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	runs := m.runs
	if n > 0 && len(runs) > n {
		runs = runs[len(runs)-n:]
	}

	var out []llm.Message
	for _, run := range runs {
		if run.Response == nil {
			continue
		}
		for _, msg := range run.Response.Messages {
			if skipRole != "" && msg.Role == skipRole {
				continue
			}
			out = append(out, msg.Clone())
		}
	}
	return out
}

// GetMessagePairs returns, for every run, the first message with userRole and
// the last message whose role is one of assistantRoles. Runs missing either
// side are skipped.
func (m *AgentMemory) GetMessagePairs(userRole string, assistantRoles []string) []MessagePair {
	if userRole == "" {
		userRole = llm.RoleUser
	}
	if len(assistantRoles) == 0 {
		assistantRoles = []string{llm.RoleAssistant, "model"}
	}
	isAssistant := func(role string) bool {
		for _, r := range assistantRoles {
			if r == role {
				return true
			}
		}
		return false
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	var pairs []MessagePair
	for _, run := range m.runs {
		if run.Response == nil || len(run.Response.Messages) == 0 {
			continue
		}
		msgs := run.Response.Messages

		var user, assistant *llm.Message
		for i := range msgs {
			if msgs[i].Role == userRole {
				user = &msgs[i]
				break
			}
		}
		for i := len(msgs) - 1; i >= 0; i-- {
			if isAssistant(msgs[i].Role) {
				assistant = &msgs[i]
				break
			}
		}
		if user != nil && assistant != nil {
			pairs = append(pairs, MessagePair{User: user.Clone(), Assistant: assistant.Clone()})
		}
	}
	return pairs
}

// GetToolCalls returns tool calls from the message history, most recent
// first, up to n (all when n <= 0).
func (m *AgentMemory) GetToolCalls(n int) []llm.ToolCall {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var calls []llm.ToolCall
	for i := len(m.messages) - 1; i >= 0; i-- {
		for _, tc := range m.messages[i].ToolCalls {
			calls = append(calls, tc)
			if n > 0 && len(calls) >= n {
				return calls
			}
		}
	}
	return calls
}

// LoadUserMemories reads the user's memories from DB according to Retrieval.
// Memories are always returned in chronological order.
func (m *AgentMemory) LoadUserMemories(ctx context.Context) error {
	if m.DB == nil {
		return ErrNoDatabase
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.load",
		attribute.String("retrieval", string(m.Retrieval)))
	defer span.End()

	limit := 0
	order := SortDesc
	switch m.Retrieval {
	case RetrievalFirstN:
		limit = m.NumMemories
		order = SortAsc
	case RetrievalAll:
		order = SortAsc
	default:
		limit = m.NumMemories
	}

	rows, err := m.DB.ReadMemories(ctx, m.UserID, limit, order)
	if err != nil {
		return tracing.Fail(span, fmt.Errorf("failed to load user memories: %w", err))
	}
	if order == SortDesc {
		for i, j := 0, len(rows)-1; i < j; i, j = i+1, j-1 {
			rows[i], rows[j] = rows[j], rows[i]
		}
	}

	memories := make([]Memory, 0, len(rows))
	for _, row := range rows {
		memories = append(memories, row.ToMemory())
	}

	m.mu.Lock()
	m.memories = memories
	m.loaded = true
	m.mu.Unlock()

	observability.SetMemoriesLoaded(len(memories))
	span.SetAttributes(attribute.Int("memories", len(memories)))
	return nil
}

// ShouldUpdateMemory asks the Classifier whether input should be remembered.
func (m *AgentMemory) ShouldUpdateMemory(ctx context.Context, input string) (bool, error) {
	if m.Classifier == nil {
		return false, errors.New("memory classifier not configured")
	}
	return m.Classifier.ShouldUpdate(ctx, input, m.Memories())
}

// UpdateMemory lets the Manager edit the user's memories in response to
// input. Unless force is set the Classifier is consulted first. It returns
// the Manager's reply, or "" when nothing was done.
func (m *AgentMemory) UpdateMemory(ctx context.Context, input string, force bool) (string, error) {
	if input == "" {
		return "", nil
	}
	if m.DB == nil {
		return "", ErrNoDatabase
	}
	if m.Manager == nil {
		return "", errors.New("memory manager not configured")
	}
	if !m.updating.CompareAndSwap(false, true) {
		return "", ErrUpdateInProgress
	}
	defer m.updating.Store(false)

	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.update",
		attribute.Bool("force", force))
	defer span.End()

	logger := tracing.LoggerFromContext(ctx, m.logger)
	start := time.Now()

	if !force {
		ok, err := m.ShouldUpdateMemory(ctx, input)
		if err != nil {
			observability.RecordMemoryUpdate("error", time.Since(start))
			return "", tracing.Fail(span, fmt.Errorf("failed to classify message: %w", err))
		}
		if !ok {
			logger.Debug().Msg("Message holds nothing worth remembering")
			observability.RecordMemoryUpdate("skipped", time.Since(start))
			return "", nil
		}
	}

	reply, err := m.Manager.Run(ctx, m.DB, m.UserID, m.Memories(), input)
	if err != nil {
		observability.RecordMemoryUpdate("error", time.Since(start))
		observability.RecordMemoryAudit(ctx, "update_memory", m.UserID, "failure", map[string]interface{}{"error": err.Error()})
		return "", tracing.Fail(span, fmt.Errorf("failed to update memories: %w", err))
	}

	if err := m.LoadUserMemories(ctx); err != nil {
		logger.Warn().Err(err).Msg("Failed to reload memories after update")
	}

	observability.RecordMemoryUpdate("updated", time.Since(start))
	logger.Info().Int("memories", len(m.Memories())).Dur("duration", time.Since(start)).Msg("User memories updated")
	return reply, nil
}

// IsUpdating reports whether UpdateMemory is running.
func (m *AgentMemory) IsUpdating() bool {
	return m.updating.Load()
}

// UpdateSummary asks the Summarizer to summarize the session's message pairs
// and stores the result.
func (m *AgentMemory) UpdateSummary(ctx context.Context) (*SessionSummary, error) {
	if m.Summarizer == nil {
		return nil, errors.New("memory summarizer not configured")
	}

	ctx, span := tracing.StartSpan(ctx, "mnemo.memory", "memory.summarize")
	defer span.End()

	pairs := m.GetMessagePairs("", nil)
	if len(pairs) == 0 {
		return m.Summary(), nil
	}

	start := time.Now()
	summary, err := m.Summarizer.Summarize(ctx, pairs)
	observability.RecordSummary(time.Since(start), err == nil)
	if err != nil {
		return nil, tracing.Fail(span, fmt.Errorf("failed to summarize session: %w", err))
	}

	m.SetSummary(summary)
	span.SetAttributes(attribute.Int("pairs", len(pairs)))
	return cloneSummary(summary), nil
}

// Clear drops runs, messages, summary and loaded memories. Stored memories
// are untouched.
func (m *AgentMemory) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = nil
	m.messages = nil
	m.summary = nil
	m.memories = nil
	m.loaded = false
}

// Snapshot returns a deep copy sharing DB and helpers but not state.
func (m *AgentMemory) Snapshot() *AgentMemory {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := &AgentMemory{
		DB:                           m.DB,
		UserID:                       m.UserID,
		Retrieval:                    m.Retrieval,
		NumMemories:                  m.NumMemories,
		UpdateSystemMessageOnChange:  m.UpdateSystemMessageOnChange,
		CreateUserMemories:           m.CreateUserMemories,
		UpdateUserMemoriesAfterRun:   m.UpdateUserMemoriesAfterRun,
		CreateSessionSummary:         m.CreateSessionSummary,
		UpdateSessionSummaryAfterRun: m.UpdateSessionSummaryAfterRun,
		Classifier:                   m.Classifier,
		Manager:                      m.Manager,
		Summarizer:                   m.Summarizer,
		messages:                     llm.CloneMessages(m.messages),
		summary:                      cloneSummary(m.summary),
		memories:                     append([]Memory(nil), m.memories...),
		loaded:                       m.loaded,
		logger:                       m.logger,
	}
	if m.runs != nil {
		out.runs = make([]AgentRun, len(m.runs))
		for i, r := range m.runs {
			out.runs[i] = cloneRun(r)
		}
	}
	return out
}

// state is the persisted form of an AgentMemory.
type state struct {
	Runs                         []AgentRun      `json:"runs,omitempty"`
	Messages                     []llm.Message   `json:"messages,omitempty"`
	Summary                      *SessionSummary `json:"summary,omitempty"`
	Memories                     []Memory        `json:"memories,omitempty"`
	UserID                       string          `json:"user_id,omitempty"`
	Retrieval                    Retrieval       `json:"retrieval,omitempty"`
	NumMemories                  int             `json:"num_memories,omitempty"`
	UpdateSystemMessageOnChange  bool            `json:"update_system_message_on_change"`
	CreateUserMemories           bool            `json:"create_user_memories"`
	UpdateUserMemoriesAfterRun   bool            `json:"update_user_memories_after_run"`
	CreateSessionSummary         bool            `json:"create_session_summary"`
	UpdateSessionSummaryAfterRun bool            `json:"update_session_summary_after_run"`
}

// ToMap returns the memory as a JSON-compatible map for session storage.
func (m *AgentMemory) ToMap() map[string]interface{} {
	m.mu.RLock()
	s := state{
		Runs:                         m.runs,
		Messages:                     m.messages,
		Summary:                      m.summary,
		Memories:                     m.memories,
		UserID:                       m.UserID,
		Retrieval:                    m.Retrieval,
		NumMemories:                  m.NumMemories,
		UpdateSystemMessageOnChange:  m.UpdateSystemMessageOnChange,
		CreateUserMemories:           m.CreateUserMemories,
		UpdateUserMemoriesAfterRun:   m.UpdateUserMemoriesAfterRun,
		CreateSessionSummary:         m.CreateSessionSummary,
		UpdateSessionSummaryAfterRun: m.UpdateSessionSummaryAfterRun,
	}
	data, err := json.Marshal(s)
	m.mu.RUnlock()
	if err != nil {
		m.logger.Error().Err(err).Msg("Failed to encode agent memory")
		return map[string]interface{}{}
	}

	var out map[string]interface{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// FromMap restores runs, messages, summary and memories from a map produced
// by ToMap. Settings configured on m are kept.
func (m *AgentMemory) FromMap(data map[string]interface{}) error {
	if len(data) == 0 {
		return nil
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode memory map: %w", err)
	}
	var s state
	if err := json.Unmarshal(raw, &s); err != nil {
		return fmt.Errorf("failed to decode memory map: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.runs = s.Runs
	m.messages = s.Messages
	m.summary = s.Summary
	if len(s.Memories) > 0 {
		m.memories = s.Memories
	}
	return nil
}

func cloneSummary(s *SessionSummary) *SessionSummary {
	if s == nil {
		return nil
	}
	out := &SessionSummary{Summary: s.Summary}
	if s.Topics != nil {
		out.Topics = append([]string(nil), s.Topics...)
	}
	return out
}
