package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/commandqueue"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultNumHistoryResponses = 3
	DefaultMaxToolTurns        = 10
)

var (
	// ErrMaxToolTurns is returned when the model keeps calling tools past MaxToolTurns.
	ErrMaxToolTurns = errors.New("maximum tool execution turns exceeded")
	// ErrNoStorage is returned by session operations on an agent without storage.
	ErrNoStorage = errors.New("agent has no session storage")
)

// MemoryConfig selects what the agent remembers between runs.
type MemoryConfig struct {
	CreateUserMemories           bool
	UpdateUserMemoriesAfterRun   bool
	CreateSessionSummary         bool
	UpdateSessionSummaryAfterRun bool
	Retrieval                    memory.Retrieval
	NumMemories                  int
	// Model used by the memory classifier, manager and summarizer.
	// Defaults to the agent model.
	Model string
}

// Config holds agent configuration
type Config struct {
	Name      string
	AgentID   string
	SessionID string
	UserID    string

	Description               string
	Task                      string
	Instructions              []string
	ExpectedOutput            string
	AdditionalContext         string
	Markdown                  bool
	AddDatetimeToInstructions bool

	Model       string
	Temperature float64
	MaxTokens   int

	// Tools names the registered tools offered to the model. Nil offers
	// every registered tool.
	Tools      []string
	ToolPolicy *toolexecutor.ToolPolicy

	AddHistoryToMessages bool
	NumHistoryResponses  int
	ReadChatHistory      bool
	ReadToolCallHistory  bool

	SearchKnowledge       bool
	AddReferencesToPrompt bool
	UpdateKnowledge       bool

	Memory              MemoryConfig
	AddMemoriesToPrompt bool
	AddSummaryToPrompt  bool

	AutoRenameSession bool
	MaxToolTurns      int
}

// Deps are the components an Agent runs on. LLM is required; the rest are
// optional.
type Deps struct {
	LLM       llm.Provider
	Tools     *toolexecutor.ToolExecutor
	Storage   storage.Storage
	MemoryDb  memory.MemoryDb
	Knowledge *knowledge.Base
	Queue     *commandqueue.CommandQueue
	Logger    *zerolog.Logger
}

// Agent runs prompts against a model with tools, knowledge and memory,
// persisting each session to storage.
type Agent struct {
	cfg       Config
	llm       llm.Provider
	tools     *toolexecutor.ToolExecutor
	storage   storage.Storage
	memoryDb  memory.MemoryDb
	knowledge *knowledge.Base
	queue     *commandqueue.CommandQueue
	ownsQueue bool
	logger    zerolog.Logger
	now       func() time.Time

	mu          sync.RWMutex
	sessionID   string
	sessionName string
	createdAt   time.Time
	mem         *memory.AgentMemory
	loaded      bool
}

// New creates an agent
func New(cfg Config, deps Deps) (*Agent, error) {
	observability.EnsureRegistered()

	if deps.LLM == nil {
		return nil, fmt.Errorf("LLM provider is required")
	}
	if err := validateConfig(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	if cfg.NumHistoryResponses <= 0 {
		cfg.NumHistoryResponses = DefaultNumHistoryResponses
	}
	if cfg.MaxToolTurns <= 0 {
		cfg.MaxToolTurns = DefaultMaxToolTurns
	}
	if cfg.AgentID == "" {
		cfg.AgentID = "default"
	}

	logger := log.Logger.With().Str("component", "agent").Logger()
	if deps.Logger != nil {
		logger = *deps.Logger
	}

	a := &Agent{
		cfg:       cfg,
		llm:       deps.LLM,
		tools:     deps.Tools,
		storage:   deps.Storage,
		memoryDb:  deps.MemoryDb,
		knowledge: deps.Knowledge,
		queue:     deps.Queue,
		logger:    logger.With().Str("agent_id", cfg.AgentID).Logger(),
		now:       time.Now,
		sessionID: cfg.SessionID,
	}
	if a.tools == nil {
		a.tools = toolexecutor.New()
	}
	if a.queue == nil {
		a.queue = commandqueue.New()
		a.ownsQueue = true
	}
	a.mem = a.newMemory()

	if err := a.registerTools(); err != nil {
		return nil, err
	}
	return a, nil
}

func validateConfig(cfg Config) error {
	if cfg.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}
	if cfg.Temperature < 0 || cfg.Temperature > 2 {
		return fmt.Errorf("temperature must be between 0 and 2")
	}
	if cfg.MaxTokens < 0 {
		return fmt.Errorf("max tokens cannot be negative")
	}
	if cfg.SessionID != "" {
		if err := storage.ValidateSessionID(cfg.SessionID); err != nil {
			return err
		}
	}
	if err := cfg.ToolPolicy.Validate(); err != nil {
		return err
	}
	if cfg.Memory.Retrieval != "" {
		if _, err := memory.ParseRetrieval(string(cfg.Memory.Retrieval)); err != nil {
			return err
		}
	}
	return nil
}

func (a *Agent) newMemory() *memory.AgentMemory {
	mc := a.cfg.Memory
	model := mc.Model
	if model == "" {
		model = a.cfg.Model
	}
	return memory.NewAgentMemory(memory.Options{
		DB:                           a.memoryDb,
		UserID:                       a.cfg.UserID,
		Retrieval:                    mc.Retrieval,
		NumMemories:                  mc.NumMemories,
		UpdateSystemMessageOnChange:  true,
		CreateUserMemories:           mc.CreateUserMemories,
		UpdateUserMemoriesAfterRun:   mc.UpdateUserMemoriesAfterRun,
		CreateSessionSummary:         mc.CreateSessionSummary,
		UpdateSessionSummaryAfterRun: mc.UpdateSessionSummaryAfterRun,
		Classifier:                   memory.NewMemoryClassifier(a.llm, model),
		Manager:                      memory.NewMemoryManager(a.llm, model),
		Summarizer:                   memory.NewMemorySummarizer(a.llm, model),
	})
}

// Config returns the agent configuration with defaults applied.
func (a *Agent) Config() Config {
	return a.cfg
}

// Memory returns the memory of the current session.
func (a *Agent) Memory() *memory.AgentMemory {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mem
}

// SessionID returns the current session id, or "" before the first run.
func (a *Agent) SessionID() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionID
}

// SessionName returns the display name of the current session.
func (a *Agent) SessionName() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.sessionName
}

func (a *Agent) ensureSessionID() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionID == "" {
		a.sessionID = uuid.NewString()
	}
	return a.sessionID
}

// Run sends prompt to the model and returns its final response. Runs of the
// same session are serialized.
func (a *Agent) Run(ctx context.Context, prompt string) (*memory.RunResponse, error) {
	sessionID := a.ensureSessionID()

	ctx = tracing.NewAgentRunContext(ctx, a.cfg.AgentID, sessionID, a.cfg.UserID)
	ctx, span := tracing.StartSpan(ctx, "mnemo.agent", "agent.run",
		attribute.String("session_id", sessionID),
		attribute.String("model", a.cfg.Model),
	)
	defer span.End()
	logger := tracing.LoggerFromContext(ctx, a.logger)

	start := time.Now()
	result, err := a.queue.EnqueueWithContext(ctx, commandqueue.SessionLane(sessionID),
		func(taskCtx context.Context) (interface{}, error) {
			return a.run(taskCtx, sessionID, prompt)
		}, nil)
	observability.RecordAgentRun(a.providerName(), time.Since(start), err == nil)
	if err != nil {
		logger.Error().Err(err).Msg("Agent run failed")
		return nil, tracing.Fail(span, err)
	}
	return result.(*memory.RunResponse), nil
}

// providerName labels run metrics with the provider serving the model.
func (a *Agent) providerName() string {
	if p := llm.ProviderForModel(a.cfg.Model); p != "" {
		return p
	}
	return a.llm.Provider()
}

// run executes one run. It is called on the session lane.
func (a *Agent) run(ctx context.Context, sessionID, prompt string) (*memory.RunResponse, error) {
	logger := tracing.LoggerFromContext(ctx, a.logger)
	start := a.now()

	if err := a.ensureLoaded(ctx); err != nil {
		return nil, err
	}
	mem := a.Memory()
	a.loadUserMemories(ctx, mem)

	messages := make([]llm.Message, 0, 8)
	if sys := a.systemMessage(mem); sys != nil {
		mem.AddSystemMessage(*sys, llm.RoleSystem)
		messages = append(messages, *sys)
	}
	if a.cfg.AddHistoryToMessages {
		history := mem.GetMessagesFromLastNRuns(a.cfg.NumHistoryResponses, llm.RoleSystem)
		messages = append(messages, history...)
	}

	userMsg := a.userMessage(ctx, prompt)
	messages = append(messages, userMsg)
	historyLen := len(messages) - 1

	execCtx := &toolexecutor.ExecutionContext{
		SessionID:  sessionID,
		UserID:     a.cfg.UserID,
		AgentID:    a.cfg.AgentID,
		RunID:      tracing.GetRunID(ctx),
		ToolPolicy: a.cfg.ToolPolicy,
	}
	final, messages, usage, err := a.toolLoop(ctx, messages, execCtx)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("run aborted: %w", ctx.Err())
		}
		return nil, err
	}

	runMessages := llm.CloneMessages(messages[historyLen:])
	response := &memory.RunResponse{
		RunID:     tracing.GetRunID(ctx),
		SessionID: sessionID,
		AgentID:   a.cfg.AgentID,
		UserID:    a.cfg.UserID,
		Content:   final.Content,
		Model:     a.cfg.Model,
		Messages:  runMessages,
		Metrics: map[string]interface{}{
			"input_tokens":  usage.InputTokens,
			"output_tokens": usage.OutputTokens,
			"time":          a.now().Sub(start).Seconds(),
			"tool_calls":    countToolCalls(runMessages),
		},
		CreatedAt: start.Unix(),
	}
	if final.Model != "" {
		response.Model = final.Model
	}

	mem.AddMessages(runMessages)
	user := userMsg.Clone()
	mem.AddRun(memory.AgentRun{Message: &user, Messages: runMessages, Response: response})

	a.afterRun(tracing.Detach(ctx), mem, prompt)

	logger.Info().
		Int("input_tokens", usage.InputTokens).
		Int("output_tokens", usage.OutputTokens).
		Dur("duration", a.now().Sub(start)).
		Msg("Agent run completed")
	return response, nil
}

func (a *Agent) loadUserMemories(ctx context.Context, mem *memory.AgentMemory) {
	if mem.DB == nil || mem.MemoriesLoaded() {
		return
	}
	if !a.cfg.Memory.CreateUserMemories && !a.cfg.AddMemoriesToPrompt {
		return
	}
	if err := mem.LoadUserMemories(ctx); err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().Err(err).Msg("Failed to load user memories")
	}
}

// toolLoop calls the model until it answers without tool calls. It returns
// the final response, the full message list and the accumulated usage.
func (a *Agent) toolLoop(ctx context.Context, messages []llm.Message, execCtx *toolexecutor.ExecutionContext) (*llm.Response, []llm.Message, llm.TokenUsage, error) {
	logger := tracing.LoggerFromContext(ctx, a.logger)
	schemas := a.tools.Definitions(a.toolNames())
	var usage llm.TokenUsage

	for turn := 0; turn < a.cfg.MaxToolTurns; turn++ {
		if err := ctx.Err(); err != nil {
			return nil, messages, usage, err
		}

		callStart := a.now()
		resp, err := a.llm.Call(ctx, llm.Request{
			Model:       a.cfg.Model,
			Messages:    messages,
			Tools:       schemas,
			Temperature: a.cfg.Temperature,
			MaxTokens:   a.cfg.MaxTokens,
		})
		if err != nil {
			return nil, messages, usage, fmt.Errorf("model call failed: %w", err)
		}
		usage.Add(resp.Usage)

		reply := llm.NewMessage(llm.RoleAssistant, resp.Content)
		reply.ToolCalls = resp.ToolCalls
		reply.Metrics = map[string]interface{}{"time": a.now().Sub(callStart).Seconds()}
		if resp.Usage != nil {
			reply.Metrics["input_tokens"] = resp.Usage.InputTokens
			reply.Metrics["output_tokens"] = resp.Usage.OutputTokens
		}
		messages = append(messages, reply)

		if len(resp.ToolCalls) == 0 {
			return resp, messages, usage, nil
		}

		for _, call := range resp.ToolCalls {
			result := a.tools.Execute(ctx, call.Name, call.Parameters, execCtx)
			if !result.Success {
				logger.Warn().Str("tool", call.Name).Str("error", result.Error).Msg("Tool call failed")
			}
			messages = append(messages, llm.ToolResultMessage(call, result.Content()))
		}
	}

	return nil, messages, usage, fmt.Errorf("%w (%d)", ErrMaxToolTurns, a.cfg.MaxToolTurns)
}

// afterRun updates memories, the summary and the session name, then saves
// the session. Failures are logged and never fail the run.
func (a *Agent) afterRun(ctx context.Context, mem *memory.AgentMemory, prompt string) {
	logger := tracing.LoggerFromContext(ctx, a.logger)

	if mem.CreateUserMemories && mem.UpdateUserMemoriesAfterRun && mem.DB != nil {
		if _, err := mem.UpdateMemory(ctx, prompt, false); err != nil {
			logger.Warn().Err(err).Msg("Failed to update user memories")
		}
	}
	if mem.CreateSessionSummary && mem.UpdateSessionSummaryAfterRun {
		if _, err := mem.UpdateSummary(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to update session summary")
		}
	}
	if a.cfg.AutoRenameSession && a.SessionName() == "" && len(mem.Runs()) == 1 {
		if _, err := a.autoRename(ctx); err != nil {
			logger.Warn().Err(err).Msg("Failed to auto-rename session")
		}
	}
	if err := a.writeSession(ctx); err != nil && !errors.Is(err, ErrNoStorage) {
		logger.Warn().Err(err).Msg("Failed to save session")
	}
}

// Abort cancels the running and queued runs of a session. An empty id means
// the current session. It reports whether anything was cancelled.
func (a *Agent) Abort(sessionID string) bool {
	if sessionID == "" {
		sessionID = a.SessionID()
	}
	if sessionID == "" {
		return false
	}
	n := a.queue.AbortLane(commandqueue.SessionLane(sessionID))
	if n > 0 {
		a.logger.Info().Str("session_id", sessionID).Int("tasks", n).Msg("Aborted agent run")
	}
	return n > 0
}

// IsRunning reports whether a run of the session is queued or executing.
// An empty id means the current session.
func (a *Agent) IsRunning(sessionID string) bool {
	if sessionID == "" {
		sessionID = a.SessionID()
	}
	if sessionID == "" {
		return false
	}
	return a.queue.IsActive(commandqueue.SessionLane(sessionID))
}

// Close releases the command queue if the agent created it.
func (a *Agent) Close() error {
	if a.ownsQueue {
		return a.queue.Close()
	}
	return nil
}

func countToolCalls(msgs []llm.Message) int {
	n := 0
	for _, m := range msgs {
		n += len(m.ToolCalls)
	}
	return n
}
