package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// AppDirName is the directory under $HOME holding mnemo state.
	AppDirName = ".mnemo"
	// ConfigFileName is the default config file name inside the data dir.
	ConfigFileName = "mnemo.yaml"
	// EnvPrefix prefixes environment overrides, e.g. MNEMO_STORAGE_DSN.
	EnvPrefix = "MNEMO"
)

// envKeys are the config keys that can be overridden from the environment.
var envKeys = []string{
	"data_dir",
	"models.default",
	"models.memory",
	"agent.model",
	"storage.backend",
	"storage.path",
	"storage.dsn",
	"storage.schema",
	"storage.table",
	"memory.backend",
	"memory.path",
	"memory.dsn",
	"memory.schema",
	"memory.table",
	"memory.create_user_memories",
	"memory.create_session_summary",
	"knowledge.enabled",
	"knowledge.path",
	"knowledge.embedder",
	"maintenance.enabled",
	"maintenance.session_ttl",
	"logging.level",
	"logging.file",
	"metrics.addr",
}

// providerEnv maps provider names to the environment variables that may
// carry their API key, in lookup order.
var providerEnv = map[string][]string{
	"anthropic": {"ANTHROPIC_API_KEY"},
	"openai":    {"OPENAI_API_KEY"},
	"gemini":    {"GEMINI_API_KEY", "GOOGLE_API_KEY"},
}

// Loader handles configuration loading
type Loader struct {
	configPath string
}

// NewLoader creates a new config loader
func NewLoader(configPath string) *Loader {
	return &Loader{
		configPath: configPath,
	}
}

// Load loads the configuration from file and environment. A missing config
// file is not an error; defaults plus environment overrides are returned.
func (l *Loader) Load() (*Config, error) {
	configPath := l.GetConfigPath()

	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for _, key := range envKeys {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if configPath != "" {
		if _, err := os.Stat(configPath); err == nil {
			v.SetConfigFile(configPath)
			v.SetConfigType(configType(configPath))
			if err := v.ReadInConfig(); err != nil {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to stat config file: %w", err)
		}
	}

	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := applyDefaults(cfg); err != nil {
		return nil, err
	}
	addEnvProfiles(cfg)

	return cfg, nil
}

// applyDefaults fills in paths derived from the data directory.
func applyDefaults(cfg *Config) error {
	if cfg.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		cfg.DataDir = filepath.Join(home, AppDirName)
	}

	if cfg.Logging.File == "" {
		cfg.Logging.File = filepath.Join(cfg.DataDir, "mnemo.log")
	}
	if cfg.Logging.AuditFile == "" {
		cfg.Logging.AuditFile = filepath.Join(cfg.DataDir, "audit.log")
	}

	if cfg.Storage.Path == "" {
		switch cfg.Storage.Backend {
		case "sqlite":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions.db")
		case "file":
			cfg.Storage.Path = filepath.Join(cfg.DataDir, "sessions")
		}
	}
	if cfg.Memory.Path == "" && cfg.Memory.Backend == "sqlite" {
		cfg.Memory.Path = filepath.Join(cfg.DataDir, "memory.db")
	}
	if cfg.Knowledge.DBPath == "" {
		cfg.Knowledge.DBPath = filepath.Join(cfg.DataDir, "knowledge.db")
	}

	return nil
}

// addEnvProfiles appends a profile for every provider whose API key is set in
// the environment and which has no profile in the config file.
func addEnvProfiles(cfg *Config) {
	have := make(map[string]bool)
	maxPriority := 0
	for _, p := range cfg.AI.Profiles {
		have[p.Provider] = true
		if p.Priority > maxPriority {
			maxPriority = p.Priority
		}
	}

	providers := make([]string, 0, len(providerEnv))
	for provider := range providerEnv {
		providers = append(providers, provider)
	}
	sort.Strings(providers)

	for _, provider := range providers {
		if have[provider] {
			continue
		}
		for _, name := range providerEnv[provider] {
			key := strings.TrimSpace(os.Getenv(name))
			if key == "" {
				continue
			}
			maxPriority++
			cfg.AI.Profiles = append(cfg.AI.Profiles, AIProfile{
				ID:       provider + "-env",
				Provider: provider,
				APIKey:   key,
				Priority: maxPriority,
			})
			break
		}
	}
}

// Save writes the configuration file with 0600 permissions.
func (l *Loader) Save(cfg *Config) error {
	configPath := l.GetConfigPath()
	if configPath == "" {
		return fmt.Errorf("failed to resolve config path")
	}

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType(configType(configPath))
	v.Set("ai", cfg.AI)
	v.Set("models", cfg.Models)
	v.Set("agent", cfg.Agent)
	v.Set("storage", cfg.Storage)
	v.Set("memory", cfg.Memory)
	v.Set("knowledge", cfg.Knowledge)
	v.Set("maintenance", cfg.Maintenance)
	v.Set("logging", cfg.Logging)
	v.Set("metrics", cfg.Metrics)
	v.Set("data_dir", cfg.DataDir)

	if err := v.WriteConfigAs(configPath); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	if err := os.Chmod(configPath, 0600); err != nil {
		return fmt.Errorf("failed to set config file permissions: %w", err)
	}

	return nil
}

// GetConfigPath returns the config file path
func (l *Loader) GetConfigPath() string {
	if l.configPath != "" {
		return l.configPath
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, AppDirName, ConfigFileName)
}

// Load is a convenience function that creates a loader and loads the config
func Load(configPath string) (*Config, error) {
	loader := NewLoader(configPath)
	return loader.Load()
}

// LoadAgentFile reads a YAML agent definition and overlays its non-zero
// fields onto base. Boolean switches in the file always win.
func LoadAgentFile(path string, base AgentConfig) (AgentConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return base, fmt.Errorf("failed to read agent file: %w", err)
	}

	// decode onto a copy of base so fields absent from the file keep their value
	merged := base
	if err := yaml.Unmarshal(data, &merged); err != nil {
		return base, fmt.Errorf("failed to parse agent file %s: %w", path, err)
	}
	if merged.ID == "" {
		merged.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}

	return merged, nil
}

func configType(path string) string {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return "json"
	case ".toml":
		return "toml"
	default:
		return "yaml"
	}
}
