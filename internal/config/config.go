package config

import (
	"encoding/json"
	"fmt"
	"time"
)

// Config represents the main mnemo configuration
type Config struct {
	// AI provider credentials
	AI AIConfig `json:"ai" yaml:"ai" mapstructure:"ai"`

	// Models
	Models ModelsConfig `json:"models" yaml:"models" mapstructure:"models"`

	// Agent defaults, overridable with an agent definition file
	Agent AgentConfig `json:"agent" yaml:"agent" mapstructure:"agent"`

	// Session persistence
	Storage StorageConfig `json:"storage" yaml:"storage" mapstructure:"storage"`

	// User memories and session summaries
	Memory MemoryConfig `json:"memory" yaml:"memory" mapstructure:"memory"`

	// Knowledge base
	Knowledge KnowledgeConfig `json:"knowledge" yaml:"knowledge" mapstructure:"knowledge"`

	// Background maintenance
	Maintenance MaintenanceConfig `json:"maintenance" yaml:"maintenance" mapstructure:"maintenance"`

	// Logging
	Logging LoggingConfig `json:"logging" yaml:"logging" mapstructure:"logging"`

	// Metrics endpoint
	Metrics MetricsConfig `json:"metrics" yaml:"metrics" mapstructure:"metrics"`

	// Data directory
	DataDir string `json:"data_dir" yaml:"data_dir" mapstructure:"data_dir"`
}

// AIConfig holds AI provider configuration
type AIConfig struct {
	Profiles []AIProfile `json:"profiles" yaml:"profiles" mapstructure:"profiles"`
}

// AIProfile represents an AI provider profile
type AIProfile struct {
	ID       string `json:"id" yaml:"id" mapstructure:"id"`
	Provider string `json:"provider" yaml:"provider" mapstructure:"provider"` // anthropic, openai, gemini
	APIKey   string `json:"api_key" yaml:"api_key" mapstructure:"api_key"`
	Priority int    `json:"priority" yaml:"priority" mapstructure:"priority"`
}

// ModelsConfig holds model configuration
type ModelsConfig struct {
	Default string            `json:"default" yaml:"default" mapstructure:"default"`
	Memory  string            `json:"memory" yaml:"memory" mapstructure:"memory"` // classifier, manager and summarizer model
	Aliases map[string]string `json:"aliases" yaml:"aliases" mapstructure:"aliases"`
}

// AgentConfig describes the agent the CLI runs.
type AgentConfig struct {
	ID                  string           `json:"id" yaml:"id" mapstructure:"id"`
	Name                string           `json:"name" yaml:"name" mapstructure:"name"`
	Description         string           `json:"description" yaml:"description" mapstructure:"description"`
	Task                string           `json:"task" yaml:"task" mapstructure:"task"`
	Instructions        []string         `json:"instructions" yaml:"instructions" mapstructure:"instructions"`
	ExpectedOutput      string           `json:"expected_output" yaml:"expected_output" mapstructure:"expected_output"`
	AdditionalContext   string           `json:"additional_context" yaml:"additional_context" mapstructure:"additional_context"`
	Model               string           `json:"model" yaml:"model" mapstructure:"model"`
	Temperature         float64          `json:"temperature" yaml:"temperature" mapstructure:"temperature"`
	MaxTokens           int              `json:"max_tokens" yaml:"max_tokens" mapstructure:"max_tokens"`
	Markdown            bool             `json:"markdown" yaml:"markdown" mapstructure:"markdown"`
	AddDatetime         bool             `json:"add_datetime" yaml:"add_datetime" mapstructure:"add_datetime"`
	AddHistory          bool             `json:"add_history" yaml:"add_history" mapstructure:"add_history"`
	NumHistoryResponses int              `json:"num_history_responses" yaml:"num_history_responses" mapstructure:"num_history_responses"`
	ReadChatHistory     bool             `json:"read_chat_history" yaml:"read_chat_history" mapstructure:"read_chat_history"`
	ReadToolCallHistory bool             `json:"read_tool_call_history" yaml:"read_tool_call_history" mapstructure:"read_tool_call_history"`
	SearchKnowledge     bool             `json:"search_knowledge" yaml:"search_knowledge" mapstructure:"search_knowledge"`
	AddReferences       bool             `json:"add_references" yaml:"add_references" mapstructure:"add_references"`
	UpdateKnowledge     bool             `json:"update_knowledge" yaml:"update_knowledge" mapstructure:"update_knowledge"`
	AutoRenameSession   bool             `json:"auto_rename_session" yaml:"auto_rename_session" mapstructure:"auto_rename_session"`
	Tools               ToolPolicyConfig `json:"tools" yaml:"tools" mapstructure:"tools"`
}

// ToolPolicyConfig defines tool access policies
type ToolPolicyConfig struct {
	Allow []string `json:"allow" yaml:"allow" mapstructure:"allow"`
	Deny  []string `json:"deny" yaml:"deny" mapstructure:"deny"`
}

// StorageConfig selects the session storage backend.
type StorageConfig struct {
	Backend string `json:"backend" yaml:"backend" mapstructure:"backend"` // sqlite, postgres, file, none
	Path    string `json:"path" yaml:"path" mapstructure:"path"`          // sqlite file or sessions directory
	DSN     string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Schema  string `json:"schema" yaml:"schema" mapstructure:"schema"`
	Table   string `json:"table" yaml:"table" mapstructure:"table"`
}

// MemoryConfig configures user memories and session summaries.
type MemoryConfig struct {
	Backend                      string `json:"backend" yaml:"backend" mapstructure:"backend"` // sqlite, postgres, inmemory
	Path                         string `json:"path" yaml:"path" mapstructure:"path"`
	DSN                          string `json:"dsn" yaml:"dsn" mapstructure:"dsn"`
	Schema                       string `json:"schema" yaml:"schema" mapstructure:"schema"`
	Table                        string `json:"table" yaml:"table" mapstructure:"table"`
	CreateUserMemories           bool   `json:"create_user_memories" yaml:"create_user_memories" mapstructure:"create_user_memories"`
	UpdateUserMemoriesAfterRun   bool   `json:"update_user_memories_after_run" yaml:"update_user_memories_after_run" mapstructure:"update_user_memories_after_run"`
	CreateSessionSummary         bool   `json:"create_session_summary" yaml:"create_session_summary" mapstructure:"create_session_summary"`
	UpdateSessionSummaryAfterRun bool   `json:"update_session_summary_after_run" yaml:"update_session_summary_after_run" mapstructure:"update_session_summary_after_run"`
	Retrieval                    string `json:"retrieval" yaml:"retrieval" mapstructure:"retrieval"` // last_n, first_n, all
	NumMemories                  int    `json:"num_memories" yaml:"num_memories" mapstructure:"num_memories"`
}

// KnowledgeConfig configures the document knowledge base.
type KnowledgeConfig struct {
	Enabled        bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	Path           string `json:"path" yaml:"path" mapstructure:"path"`             // documents directory
	DBPath         string `json:"db_path" yaml:"db_path" mapstructure:"db_path"`    // index database
	Embedder       string `json:"embedder" yaml:"embedder" mapstructure:"embedder"` // openai, gemini, none
	EmbeddingModel string `json:"embedding_model" yaml:"embedding_model" mapstructure:"embedding_model"`
	NumDocuments   int    `json:"num_documents" yaml:"num_documents" mapstructure:"num_documents"`
	Watch          bool   `json:"watch" yaml:"watch" mapstructure:"watch"`
}

// MaintenanceConfig schedules background jobs.
type MaintenanceConfig struct {
	Enabled               bool   `json:"enabled" yaml:"enabled" mapstructure:"enabled"`
	SessionTTL            string `json:"session_ttl" yaml:"session_ttl" mapstructure:"session_ttl"` // Go duration, empty disables pruning
	PruneSchedule         string `json:"prune_schedule" yaml:"prune_schedule" mapstructure:"prune_schedule"`
	KnowledgeSyncSchedule string `json:"knowledge_sync_schedule" yaml:"knowledge_sync_schedule" mapstructure:"knowledge_sync_schedule"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level     string `json:"level" yaml:"level" mapstructure:"level"`
	File      string `json:"file" yaml:"file" mapstructure:"file"`
	MaxSize   int    `json:"max_size" yaml:"max_size" mapstructure:"max_size"` // MB
	MaxAge    int    `json:"max_age" yaml:"max_age" mapstructure:"max_age"`    // days
	Compress  bool   `json:"compress" yaml:"compress" mapstructure:"compress"`
	Redaction bool   `json:"redaction" yaml:"redaction" mapstructure:"redaction"`
	AuditFile string `json:"audit_file" yaml:"audit_file" mapstructure:"audit_file"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Addr string `json:"addr" yaml:"addr" mapstructure:"addr"`
}

// DefaultConfig returns a config with default values
func DefaultConfig() *Config {
	return &Config{
		AI: AIConfig{
			Profiles: []AIProfile{},
		},
		Models: ModelsConfig{
			Default: "gpt-4o",
			Aliases: map[string]string{
				"sonnet": "claude-sonnet-4-20250514",
				"haiku":  "claude-3-5-haiku-latest",
				"4o":     "gpt-4o",
				"mini":   "gpt-4o-mini",
				"flash":  "gemini-2.0-flash",
			},
		},
		Agent: AgentConfig{
			ID:                  "default",
			Name:                "mnemo",
			Temperature:         0.7,
			MaxTokens:           4096,
			Markdown:            true,
			AddHistory:          true,
			NumHistoryResponses: 3,
			Tools: ToolPolicyConfig{
				Allow: []string{"*"},
				Deny:  []string{},
			},
		},
		Storage: StorageConfig{
			Backend: "sqlite",
			Schema:  "ai",
			Table:   "agent_sessions",
		},
		Memory: MemoryConfig{
			Backend:                      "sqlite",
			Schema:                       "ai",
			Table:                        "agent_memory",
			UpdateUserMemoriesAfterRun:   true,
			UpdateSessionSummaryAfterRun: true,
			Retrieval:                    "last_n",
		},
		Knowledge: KnowledgeConfig{
			Embedder:     "none",
			NumDocuments: 5,
			Watch:        true,
		},
		Maintenance: MaintenanceConfig{
			PruneSchedule:         "0 3 * * *",
			KnowledgeSyncSchedule: "*/15 * * * *",
		},
		Logging: LoggingConfig{
			Level:     "info",
			MaxSize:   100,
			MaxAge:    7,
			Compress:  true,
			Redaction: true,
		},
		Metrics: MetricsConfig{
			Addr: "127.0.0.1:9464",
		},
	}
}

// String returns a JSON representation of the config with API keys masked.
func (c *Config) String() string {
	masked := *c
	masked.AI.Profiles = make([]AIProfile, len(c.AI.Profiles))
	for i, p := range c.AI.Profiles {
		if p.APIKey != "" {
			p.APIKey = "****"
		}
		masked.AI.Profiles[i] = p
	}
	data, _ := json.MarshalIndent(masked, "", "  ")
	return string(data)
}

// ResolveModel expands a model alias. Unknown names are returned unchanged and
// an empty name resolves to the default model.
func (c *Config) ResolveModel(name string) string {
	if name == "" {
		name = c.Models.Default
	}
	if full, ok := c.Models.Aliases[name]; ok {
		return full
	}
	return name
}

// MemoryModel returns the model used for memory extraction and summaries.
func (c *Config) MemoryModel() string {
	if c.Models.Memory != "" {
		return c.ResolveModel(c.Models.Memory)
	}
	return c.ResolveModel(c.Agent.Model)
}

// SessionTTL parses Maintenance.SessionTTL. Zero means pruning is disabled.
func (c *Config) SessionTTL() (time.Duration, error) {
	if c.Maintenance.SessionTTL == "" {
		return 0, nil
	}
	ttl, err := time.ParseDuration(c.Maintenance.SessionTTL)
	if err != nil {
		return 0, fmt.Errorf("invalid session_ttl: %w", err)
	}
	return ttl, nil
}

// Validate checks if the configuration is structurally valid. It does not
// require AI credentials; commands that call a model use RequireAI.
func (c *Config) Validate() error {
	for i, profile := range c.AI.Profiles {
		if profile.ID == "" {
			return fmt.Errorf("AI profile %d: ID is required", i)
		}
		if profile.APIKey == "" {
			return fmt.Errorf("AI profile %s: api_key is required", profile.ID)
		}
		if !contains(validProviders, profile.Provider) {
			return fmt.Errorf("AI profile %s: invalid provider %q (must be: anthropic, openai, gemini)", profile.ID, profile.Provider)
		}
	}

	if !contains(validStorageBackends, c.Storage.Backend) {
		return fmt.Errorf("invalid storage backend %q", c.Storage.Backend)
	}
	if c.Storage.Backend == "postgres" && c.Storage.DSN == "" {
		return fmt.Errorf("storage.dsn is required for the postgres backend")
	}

	if !contains(validMemoryBackends, c.Memory.Backend) {
		return fmt.Errorf("invalid memory backend %q", c.Memory.Backend)
	}
	if c.Memory.Backend == "postgres" && c.Memory.DSN == "" {
		return fmt.Errorf("memory.dsn is required for the postgres backend")
	}
	if !contains(validRetrievals, c.Memory.Retrieval) {
		return fmt.Errorf("invalid memory retrieval %q (must be: last_n, first_n, all)", c.Memory.Retrieval)
	}
	if c.Memory.NumMemories < 0 {
		return fmt.Errorf("memory.num_memories cannot be negative")
	}

	if c.Knowledge.Enabled && c.Knowledge.Path == "" {
		return fmt.Errorf("knowledge.path is required when knowledge is enabled")
	}
	if !contains(validEmbedders, c.Knowledge.Embedder) {
		return fmt.Errorf("invalid knowledge embedder %q", c.Knowledge.Embedder)
	}

	if c.Agent.NumHistoryResponses < 0 {
		return fmt.Errorf("agent.num_history_responses cannot be negative")
	}
	if _, err := c.SessionTTL(); err != nil {
		return err
	}

	return nil
}

// RequireAI returns an error when no AI profile is configured.
func (c *Config) RequireAI() error {
	if len(c.AI.Profiles) == 0 {
		return fmt.Errorf("no AI credentials configured: set OPENAI_API_KEY, ANTHROPIC_API_KEY or GEMINI_API_KEY, or add ai.profiles to the config file")
	}
	return nil
}

var (
	validProviders       = []string{"anthropic", "openai", "gemini"}
	validStorageBackends = []string{"sqlite", "postgres", "file", "none"}
	validMemoryBackends  = []string{"sqlite", "postgres", "inmemory"}
	validRetrievals      = []string{"last_n", "first_n", "all"}
	validEmbedders       = []string{"openai", "gemini", "none"}
)

func contains(list []string, v string) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}
