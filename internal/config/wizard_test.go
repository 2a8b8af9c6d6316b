package config

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWizardRun(t *testing.T) {
	t.Run("openai with sqlite defaults", func(t *testing.T) {
		input := strings.Join([]string{
			"",          // anthropic
			"sk-openai", // openai
			"",          // gemini
			"",          // model
			"",          // storage backend
			"y",         // user memories
			"",          // summaries
			"debug",     // log level
		}, "\n") + "\n"

		var out bytes.Buffer
		cfg, err := NewWizardWithIO(strings.NewReader(input), &out).Run()
		require.NoError(t, err)

		require.Len(t, cfg.AI.Profiles, 1)
		assert.Equal(t, "openai", cfg.AI.Profiles[0].Provider)
		assert.Equal(t, "gpt-4o", cfg.Models.Default)
		assert.Equal(t, "sqlite", cfg.Storage.Backend)
		assert.True(t, cfg.Memory.CreateUserMemories)
		assert.False(t, cfg.Memory.CreateSessionSummary)
		assert.Equal(t, "debug", cfg.Logging.Level)
	})

	t.Run("reprompts invalid key and configures postgres", func(t *testing.T) {
		input := strings.Join([]string{
			"not-a-key",     // anthropic, rejected
			"sk-ant-valid",  // anthropic
			"",              // openai
			"",              // gemini
			"",              // model
			"postgres",      // storage backend
			"postgres://db", // dsn
			"n",             // user memories
			"y",             // summaries
			"",              // log level
		}, "\n") + "\n"

		var out bytes.Buffer
		cfg, err := NewWizardWithIO(strings.NewReader(input), &out).Run()
		require.NoError(t, err)

		assert.Contains(t, out.String(), "Error:")
		assert.Equal(t, "claude-sonnet-4-20250514", cfg.Models.Default)
		assert.Equal(t, "postgres", cfg.Storage.Backend)
		assert.Equal(t, "postgres", cfg.Memory.Backend)
		assert.Equal(t, "postgres://db", cfg.Memory.DSN)
		assert.False(t, cfg.Memory.CreateUserMemories)
		assert.True(t, cfg.Memory.CreateSessionSummary)
	})

	t.Run("requires a key", func(t *testing.T) {
		var out bytes.Buffer
		_, err := NewWizardWithIO(strings.NewReader("\n\n\n"), &out).Run()
		assert.Error(t, err)
	})
}
