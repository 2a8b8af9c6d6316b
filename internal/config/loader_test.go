package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearProviderEnv(t *testing.T) {
	t.Helper()
	for _, names := range providerEnv {
		for _, name := range names {
			t.Setenv(name, "")
		}
	}
}

func TestNewLoader(t *testing.T) {
	loader := NewLoader("/path/to/mnemo.yaml")
	assert.NotNil(t, loader)
	assert.Equal(t, "/path/to/mnemo.yaml", loader.GetConfigPath())
}

func TestLoaderLoad(t *testing.T) {
	t.Run("defaults when file doesn't exist", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		t.Setenv("MNEMO_DATA_DIR", tmpDir)

		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))
		require.NoError(t, err)

		assert.Equal(t, tmpDir, cfg.DataDir)
		assert.Equal(t, filepath.Join(tmpDir, "sessions.db"), cfg.Storage.Path)
		assert.Equal(t, filepath.Join(tmpDir, "memory.db"), cfg.Memory.Path)
		assert.Equal(t, filepath.Join(tmpDir, "mnemo.log"), cfg.Logging.File)
		assert.Empty(t, cfg.AI.Profiles)
	})

	t.Run("yaml file", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "mnemo.yaml")
		content := `
data_dir: ` + tmpDir + `
ai:
  profiles:
    - id: main
      provider: anthropic
      api_key: sk-ant-test
      priority: 1
storage:
  backend: file
memory:
  create_user_memories: true
  retrieval: all
agent:
  add_history: false
`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := Load(configPath)
		require.NoError(t, err)

		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "anthropic", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "file", cfg.Storage.Backend)
		assert.Equal(t, filepath.Join(tmpDir, "sessions"), cfg.Storage.Path)
		assert.True(t, cfg.Memory.CreateUserMemories)
		assert.Equal(t, "all", cfg.Memory.Retrieval)
		assert.False(t, cfg.Agent.AddHistory)
		// untouched defaults survive
		assert.Equal(t, 3, cfg.Agent.NumHistoryResponses)
	})

	t.Run("json file", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "mnemo.json")
		content := `{"data_dir": "` + tmpDir + `", "logging": {"level": "debug"}}`
		require.NoError(t, os.WriteFile(configPath, []byte(content), 0600))

		cfg, err := Load(configPath)
		require.NoError(t, err)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("environment overrides", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		t.Setenv("MNEMO_DATA_DIR", tmpDir)
		t.Setenv("MNEMO_STORAGE_BACKEND", "postgres")
		t.Setenv("MNEMO_STORAGE_DSN", "postgres://u:p@localhost/db")
		t.Setenv("MNEMO_MEMORY_CREATE_USER_MEMORIES", "true")

		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))
		require.NoError(t, err)

		assert.Equal(t, "postgres", cfg.Storage.Backend)
		assert.Equal(t, "postgres://u:p@localhost/db", cfg.Storage.DSN)
		assert.Empty(t, cfg.Storage.Path)
		assert.True(t, cfg.Memory.CreateUserMemories)
	})

	t.Run("provider keys from environment", func(t *testing.T) {
		clearProviderEnv(t)
		tmpDir := t.TempDir()
		t.Setenv("MNEMO_DATA_DIR", tmpDir)
		t.Setenv("OPENAI_API_KEY", "sk-from-env")
		t.Setenv("GOOGLE_API_KEY", "AIzaFromEnv")

		cfg, err := Load(filepath.Join(tmpDir, "missing.yaml"))
		require.NoError(t, err)

		require.Len(t, cfg.AI.Profiles, 2)
		assert.Equal(t, "gemini", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "AIzaFromEnv", cfg.AI.Profiles[0].APIKey)
		assert.Equal(t, "openai", cfg.AI.Profiles[1].Provider)
		assert.Equal(t, 2, cfg.AI.Profiles[1].Priority)
	})

	t.Run("invalid file", func(t *testing.T) {
		tmpDir := t.TempDir()
		configPath := filepath.Join(tmpDir, "bad.yaml")
		require.NoError(t, os.WriteFile(configPath, []byte("storage: [unclosed"), 0600))

		_, err := Load(configPath)
		assert.Error(t, err)
	})
}

func TestLoaderSave(t *testing.T) {
	clearProviderEnv(t)
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "nested", "mnemo.yaml")

	cfg := DefaultConfig()
	cfg.DataDir = tmpDir
	cfg.Storage.Backend = "file"
	cfg.AI.Profiles = []AIProfile{{ID: "main", Provider: "openai", APIKey: "sk-saved", Priority: 1}}

	loader := NewLoader(configPath)
	require.NoError(t, loader.Save(cfg))

	info, err := os.Stat(configPath)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	loaded, err := loader.Load()
	require.NoError(t, err)
	assert.Equal(t, "file", loaded.Storage.Backend)
	require.Len(t, loaded.AI.Profiles, 1)
	assert.Equal(t, "sk-saved", loaded.AI.Profiles[0].APIKey)
}

func TestLoadAgentFile(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "research.yaml")
	content := `
name: researcher
description: Finds and summarizes sources.
instructions:
  - Cite every claim.
  - Prefer primary sources.
search_knowledge: true
num_history_responses: 5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0600))

	base := DefaultConfig().Agent
	base.ID = ""
	agent, err := LoadAgentFile(path, base)
	require.NoError(t, err)

	assert.Equal(t, "research", agent.ID)
	assert.Equal(t, "researcher", agent.Name)
	assert.Len(t, agent.Instructions, 2)
	assert.True(t, agent.SearchKnowledge)
	assert.Equal(t, 5, agent.NumHistoryResponses)
	assert.Equal(t, base.MaxTokens, agent.MaxTokens)

	_, err = LoadAgentFile(filepath.Join(tmpDir, "missing.yaml"), base)
	assert.Error(t, err)
}
