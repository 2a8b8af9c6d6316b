package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEstimateTokens(t *testing.T) {
	assert.Equal(t, 0, EstimateTokens(nil))
	assert.Equal(t, 1, EstimateTokens([]Message{{Content: "abc"}}))
	assert.Equal(t, 3, EstimateTokens([]Message{{Content: "hello"}, {Content: "world!!"}}))
}

func TestMessageClone(t *testing.T) {
	orig := Message{
		Role: RoleAssistant,
		ToolCalls: []ToolCall{{
			ID:         "1",
			Name:       "add_memory",
			Parameters: map[string]interface{}{"nested": map[string]interface{}{"k": "v"}},
		}},
		Metrics: map[string]interface{}{"tokens": 3},
	}

	clone := orig.Clone()
	clone.ToolCalls[0].Parameters["nested"].(map[string]interface{})["k"] = "changed"
	clone.Metrics["tokens"] = 4

	assert.Equal(t, "v", orig.ToolCalls[0].Parameters["nested"].(map[string]interface{})["k"])
	assert.Equal(t, 3, orig.Metrics["tokens"])
}

func TestToolResultMessage(t *testing.T) {
	msg := ToolResultMessage(ToolCall{ID: "call-1", Name: "search"}, "found")
	assert.Equal(t, RoleTool, msg.Role)
	assert.Equal(t, "call-1", msg.ToolCallID)
	assert.Equal(t, "search", msg.Name)
	assert.NotZero(t, msg.CreatedAt)
}

func TestTokenUsageAdd(t *testing.T) {
	u := &TokenUsage{InputTokens: 1, OutputTokens: 2}
	u.Add(&TokenUsage{InputTokens: 3, OutputTokens: 4})
	u.Add(nil)
	require.Equal(t, 4, u.InputTokens)
	assert.Equal(t, 6, u.OutputTokens)
}

func TestProviderForModel(t *testing.T) {
	assert.Equal(t, "anthropic", ProviderForModel("claude-3-5-haiku-latest"))
	assert.Equal(t, "openai", ProviderForModel("gpt-4o-mini"))
	assert.Equal(t, "openai", ProviderForModel("o3-mini"))
	assert.Equal(t, "gemini", ProviderForModel("gemini-2.0-flash"))
	assert.Equal(t, "", ProviderForModel("llama3"))
}

func TestProviderFactory(t *testing.T) {
	f := &ProviderFactory{}

	p, err := f.NewProvider(AuthProfile{Provider: "openai", APIKey: "sk-test"})
	require.NoError(t, err)
	assert.Equal(t, "openai", p.Provider())

	p, err = f.NewProvider(AuthProfile{Provider: "anthropic", APIKey: "sk-ant-test"})
	require.NoError(t, err)
	assert.Equal(t, "anthropic", p.Provider())

	_, err = f.NewProvider(AuthProfile{Provider: "cohere"})
	assert.Error(t, err)
}
