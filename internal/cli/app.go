package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harun/mnemo/internal/config"
	"github.com/harun/mnemo/internal/logger"
	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/agent"
	"github.com/harun/mnemo/pkg/commandqueue"
	"github.com/harun/mnemo/pkg/cron"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/memory"
	"github.com/harun/mnemo/pkg/storage"
	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/rs/zerolog"
)

// appOptions selects which components a command needs.
type appOptions struct {
	LLM       bool
	Storage   bool
	Memory    bool
	Knowledge bool
	// Watch starts the knowledge file watcher.
	Watch bool
}

// app holds the components built from configuration for one command.
type app struct {
	cfg    *config.Config
	log    *logger.Logger
	logger zerolog.Logger

	llm       *llm.Client
	tools     *toolexecutor.ToolExecutor
	queue     *commandqueue.CommandQueue
	storage   storage.Storage
	memoryDb  memory.MemoryDb
	knowledge *knowledge.Base

	closers []func() error
}

// newApp loads configuration and builds the components opts asks for.
func newApp(ctx context.Context, opts appOptions) (*app, error) {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	lg, err := logger.New(logger.Config{
		Level: cfg.Logging.Level,
		File:  cfg.Logging.File,
		// stdout carries responses, so console logs only when asked for
		Console:   logLevel != "",
		Pretty:    true,
		Redaction: cfg.Logging.Redaction,
		MaxSize:   cfg.Logging.MaxSize,
		MaxAge:    cfg.Logging.MaxAge,
		Compress:  cfg.Logging.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	a := &app{
		cfg:    cfg,
		log:    lg,
		logger: lg.Component("cli"),
		tools:  toolexecutor.New(),
		queue:  commandqueue.New(),
	}
	a.closers = append(a.closers, lg.Close, a.queue.Close)

	if err := observability.InitAuditLogger(cfg.Logging.AuditFile); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to open audit log, using stderr")
	}
	if err := tracing.InitOpenTelemetry(tracing.DefaultServiceName); err != nil {
		a.logger.Warn().Err(err).Msg("Failed to initialize tracing")
	}

	if err := a.build(ctx, opts); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *app) build(ctx context.Context, opts appOptions) error {
	cfg := a.cfg

	if opts.LLM {
		if err := cfg.RequireAI(); err != nil {
			return err
		}
		clientLogger := a.log.Component("llm")
		client, err := llm.NewClient(llm.ClientConfig{
			Profiles: authProfiles(cfg.AI.Profiles),
			Logger:   &clientLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to create LLM client: %w", err)
		}
		a.llm = client
	}

	if opts.Storage {
		st, err := storage.Open(ctx, storage.OpenConfig{
			Backend: cfg.Storage.Backend,
			Path:    cfg.Storage.Path,
			DSN:     cfg.Storage.DSN,
			Schema:  cfg.Storage.Schema,
			Table:   cfg.Storage.Table,
		})
		if err != nil {
			return fmt.Errorf("failed to open session storage: %w", err)
		}
		if st != nil {
			a.storage = st
			a.closers = append(a.closers, st.Close)
		}
	}

	if opts.Memory {
		db, err := memory.Open(ctx, memory.OpenConfig{
			Backend: cfg.Memory.Backend,
			Path:    cfg.Memory.Path,
			DSN:     cfg.Memory.DSN,
			Schema:  cfg.Memory.Schema,
			Table:   cfg.Memory.Table,
		})
		if err != nil {
			return fmt.Errorf("failed to open memory database: %w", err)
		}
		a.memoryDb = db
		a.closers = append(a.closers, db.Close)
	}

	if opts.Knowledge && cfg.Knowledge.Enabled {
		embedder, err := knowledge.NewEmbedder(ctx, knowledge.EmbedderConfig{
			Provider: cfg.Knowledge.Embedder,
			APIKey:   apiKeyFor(cfg.AI.Profiles, embedderProvider(cfg.Knowledge.Embedder)),
			Model:    cfg.Knowledge.EmbeddingModel,
		})
		if err != nil {
			return fmt.Errorf("failed to create embedder: %w", err)
		}
		kbLogger := a.log.Component("knowledge")
		kb, err := knowledge.NewBase(knowledge.Config{
			Dir:          cfg.Knowledge.Path,
			DBPath:       cfg.Knowledge.DBPath,
			Embedder:     embedder,
			NumDocuments: cfg.Knowledge.NumDocuments,
			Watch:        opts.Watch && cfg.Knowledge.Watch,
			Logger:       &kbLogger,
		})
		if err != nil {
			return fmt.Errorf("failed to open knowledge base: %w", err)
		}
		a.knowledge = kb
		a.closers = append(a.closers, kb.Close)
	}

	return nil
}

// Close releases every component in reverse order of creation.
func (a *app) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

// resolveModel expands aliases and falls back to the default model of the
// first configured provider when no profile can serve the requested model.
func (a *app) resolveModel(name string) string {
	model := a.cfg.ResolveModel(name)
	if a.llm == nil || a.llm.HasProviderFor(model) {
		return model
	}
	profiles := a.llm.Profiles()
	if len(profiles) == 0 {
		return model
	}
	first := profiles[0]
	for _, p := range profiles[1:] {
		if p.Priority < first.Priority {
			first = p
		}
	}
	fallback := llm.DefaultModel(first.Provider)
	a.logger.Warn().Str("model", model).Str("fallback", fallback).Msg("No provider configured for model, using fallback")
	return fallback
}

// agentConfig turns the configured agent section into an agent.Config.
func (a *app) agentConfig(ac config.AgentConfig, sessionID, userID string) (agent.Config, error) {
	mc := a.cfg.Memory
	retrieval, err := memory.ParseRetrieval(mc.Retrieval)
	if err != nil {
		return agent.Config{}, err
	}

	var policy *toolexecutor.ToolPolicy
	if len(ac.Tools.Allow) > 0 || len(ac.Tools.Deny) > 0 {
		policy = &toolexecutor.ToolPolicy{Allow: ac.Tools.Allow, Deny: ac.Tools.Deny}
	}

	memoryModel := ""
	if a.cfg.Models.Memory != "" {
		memoryModel = a.resolveModel(a.cfg.Models.Memory)
	}

	return agent.Config{
		Name:                      ac.Name,
		AgentID:                   ac.ID,
		SessionID:                 sessionID,
		UserID:                    userID,
		Description:               ac.Description,
		Task:                      ac.Task,
		Instructions:              ac.Instructions,
		ExpectedOutput:            ac.ExpectedOutput,
		AdditionalContext:         ac.AdditionalContext,
		Markdown:                  ac.Markdown,
		AddDatetimeToInstructions: ac.AddDatetime,
		Model:                     a.resolveModel(ac.Model),
		Temperature:               ac.Temperature,
		MaxTokens:                 ac.MaxTokens,
		ToolPolicy:                policy,
		AddHistoryToMessages:      ac.AddHistory,
		NumHistoryResponses:       ac.NumHistoryResponses,
		ReadChatHistory:           ac.ReadChatHistory,
		ReadToolCallHistory:       ac.ReadToolCallHistory,
		SearchKnowledge:           ac.SearchKnowledge && a.knowledge != nil,
		AddReferencesToPrompt:     ac.AddReferences && a.knowledge != nil,
		UpdateKnowledge:           ac.UpdateKnowledge && a.knowledge != nil,
		Memory: agent.MemoryConfig{
			CreateUserMemories:           mc.CreateUserMemories,
			UpdateUserMemoriesAfterRun:   mc.UpdateUserMemoriesAfterRun,
			CreateSessionSummary:         mc.CreateSessionSummary,
			UpdateSessionSummaryAfterRun: mc.UpdateSessionSummaryAfterRun,
			Retrieval:                    retrieval,
			NumMemories:                  mc.NumMemories,
			Model:                        memoryModel,
		},
		AddMemoriesToPrompt: mc.CreateUserMemories,
		AddSummaryToPrompt:  mc.CreateSessionSummary,
		AutoRenameSession:   ac.AutoRenameSession,
	}, nil
}

// newAgent builds the agent described by the config file, overlaid with
// agentFile when given.
func (a *app) newAgent(agentFile, sessionID, userID string) (*agent.Agent, error) {
	ac := a.cfg.Agent
	if agentFile != "" {
		loaded, err := config.LoadAgentFile(agentFile, ac)
		if err != nil {
			return nil, err
		}
		ac = loaded
	}

	agentCfg, err := a.agentConfig(ac, sessionID, userID)
	if err != nil {
		return nil, err
	}

	agentLogger := a.log.Component("agent")
	ag, err := agent.New(agentCfg, agent.Deps{
		LLM:       a.llm,
		Tools:     a.tools,
		Storage:   a.storage,
		MemoryDb:  a.memoryDb,
		Knowledge: a.knowledge,
		Queue:     a.queue,
		Logger:    &agentLogger,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create agent: %w", err)
	}
	return ag, nil
}

// newScheduler registers the maintenance jobs the configuration enables.
func (a *app) newScheduler() (*cron.Scheduler, error) {
	s := cron.New(cron.Options{
		Queue:   a.queue,
		Timeout: 10 * time.Minute,
	})

	mc := cron.MaintenanceConfig{
		PruneSchedule:         a.cfg.Maintenance.PruneSchedule,
		KnowledgeSyncSchedule: a.cfg.Maintenance.KnowledgeSyncSchedule,
	}
	ttl, err := a.cfg.SessionTTL()
	if err != nil {
		return nil, err
	}
	if ttl > 0 && a.storage != nil {
		mc.Pruner = storage.NewPruner(a.storage, storage.PrunerConfig{
			TTL:        ttl,
			ArchiveDir: filepath.Join(a.cfg.DataDir, "archive"),
		})
	}
	if a.knowledge != nil {
		mc.Knowledge = a.knowledge
	}

	if err := cron.RegisterMaintenance(s, mc); err != nil {
		return nil, err
	}
	return s, nil
}

func authProfiles(profiles []config.AIProfile) []llm.AuthProfile {
	out := make([]llm.AuthProfile, len(profiles))
	for i, p := range profiles {
		out[i] = llm.AuthProfile{
			ID:       p.ID,
			Provider: p.Provider,
			APIKey:   p.APIKey,
			Priority: p.Priority,
		}
	}
	return out
}

func embedderProvider(name string) string {
	if name == "google" {
		return "gemini"
	}
	return name
}

// apiKeyFor returns the key of the highest priority profile for provider.
func apiKeyFor(profiles []config.AIProfile, provider string) string {
	key, best := "", 0
	for _, p := range profiles {
		if p.Provider != provider {
			continue
		}
		if key == "" || p.Priority < best {
			key, best = p.APIKey, p.Priority
		}
	}
	return key
}
