package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestValidateAPIKey(t *testing.T) {
	v := NewValidator()

	tests := []struct {
		name     string
		key      string
		provider string
		wantErr  bool
	}{
		{"valid anthropic key", "sk-ant-test123", "anthropic", false},
		{"invalid anthropic key", "invalid-key", "anthropic", true},
		{"valid openai key", "sk-test123", "openai", false},
		{"invalid openai key", "invalid-key", "openai", true},
		{"valid gemini key", "AIzaSyA1234567890abcdefghij", "gemini", false},
		{"short gemini key", "abc", "gemini", true},
		{"unknown provider", "sk-x", "cohere", true},
		{"empty key", "", "anthropic", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.ValidateAPIKey(tt.key, tt.provider)
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestValidateModel(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateModel("gpt-4o"))
	assert.Error(t, v.ValidateModel(""))
	assert.Error(t, v.ValidateModel("gpt 4o"))
}

func TestValidateTemperature(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateTemperature(0))
	assert.NoError(t, v.ValidateTemperature(1.5))
	assert.Error(t, v.ValidateTemperature(-0.1))
	assert.Error(t, v.ValidateTemperature(2.1))
}

func TestValidateMaxTokens(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateMaxTokens(4096))
	assert.Error(t, v.ValidateMaxTokens(0))
	assert.Error(t, v.ValidateMaxTokens(300000))
}

func TestValidateBackends(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateStorageBackend("file"))
	assert.Error(t, v.ValidateStorageBackend("redis"))
	assert.NoError(t, v.ValidateMemoryBackend("inmemory"))
	assert.Error(t, v.ValidateMemoryBackend("file"))
	assert.NoError(t, v.ValidateRetrieval("first_n"))
	assert.Error(t, v.ValidateRetrieval("semantic"))
}

func TestValidateTableName(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateTableName("agent_memory"))
	assert.Error(t, v.ValidateTableName("agent-memory"))
	assert.Error(t, v.ValidateTableName("x; DROP TABLE y"))
	assert.Error(t, v.ValidateTableName(""))
}

func TestValidateCronExpr(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateCronExpr("0 3 * * *"))
	assert.NoError(t, v.ValidateCronExpr("@daily"))
	assert.NoError(t, v.ValidateCronExpr(""))
	assert.Error(t, v.ValidateCronExpr("every day"))
}

func TestValidateDurationAndAddr(t *testing.T) {
	v := NewValidator()
	assert.NoError(t, v.ValidateDuration("720h"))
	assert.Error(t, v.ValidateDuration("-1h"))
	assert.Error(t, v.ValidateDuration("week"))

	assert.NoError(t, v.ValidateAddr("127.0.0.1:9464"))
	assert.Error(t, v.ValidateAddr("9464"))
}

func TestValidateConfig(t *testing.T) {
	v := NewValidator()

	t.Run("defaults are valid", func(t *testing.T) {
		assert.Empty(t, v.ValidateConfig(DefaultConfig()))
	})

	t.Run("collects every error", func(t *testing.T) {
		cfg := DefaultConfig()
		cfg.Logging.Level = "verbose"
		cfg.Memory.Table = "bad-name"
		cfg.Maintenance.PruneSchedule = "nope"
		cfg.AI.Profiles = []AIProfile{{ID: "a", Provider: "openai", APIKey: "bad"}}

		errs := v.ValidateConfig(cfg)
		assert.Len(t, errs, 4)
	})
}
