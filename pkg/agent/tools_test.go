package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/llm/llmtest"
	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToolNames(t *testing.T) {
	tools := toolexecutor.New()
	require.NoError(t, tools.RegisterTool(echoTool()))
	require.NoError(t, tools.RegisterTool(toolexecutor.ToolDefinition{
		Name:        "shell",
		Description: "Run a shell command",
		Handler:     func(ctx context.Context, params map[string]interface{}) (interface{}, error) { return nil, nil },
	}))

	t.Run("all registered tools plus builtins", func(t *testing.T) {
		a := newTestAgent(t, Config{ReadChatHistory: true}, Deps{LLM: llmtest.New(), Tools: tools})
		assert.ElementsMatch(t, []string{"echo", "shell", ChatHistoryToolName}, a.toolNames())
	})

	t.Run("configured tools", func(t *testing.T) {
		a := newTestAgent(t, Config{Tools: []string{"echo", "missing"}, ReadToolCallHistory: true},
			Deps{LLM: llmtest.New(), Tools: tools})
		assert.Equal(t, []string{"echo", ToolCallHistoryToolName}, a.toolNames())
	})

	t.Run("disabled builtins of a shared executor stay hidden", func(t *testing.T) {
		a := newTestAgent(t, Config{}, Deps{LLM: llmtest.New(), Tools: tools})
		names := a.toolNames()
		assert.NotContains(t, names, ChatHistoryToolName)
		assert.NotContains(t, names, ToolCallHistoryToolName)
	})

	t.Run("policy filters", func(t *testing.T) {
		a := newTestAgent(t, Config{ToolPolicy: &toolexecutor.ToolPolicy{Deny: []string{"shell"}}},
			Deps{LLM: llmtest.New(), Tools: tools})
		assert.Equal(t, []string{"echo"}, a.toolNames())
	})
}

func TestToolNames_Knowledge(t *testing.T) {
	kb, err := knowledge.NewBase(knowledge.Config{Dir: t.TempDir(), Embedder: hashEmbedder{dim: 8}})
	require.NoError(t, err)
	t.Cleanup(func() { kb.Close() })

	a := newTestAgent(t, Config{SearchKnowledge: true, Tools: []string{}},
		Deps{LLM: llmtest.New(), Knowledge: kb})
	assert.Equal(t, []string{knowledge.SearchToolName}, a.toolNames())

	msg := a.systemMessage(a.Memory())
	require.NotNil(t, msg)
	assert.Contains(t, msg.Content, "`"+knowledge.SearchToolName+"`")
}

func TestChatHistoryTool(t *testing.T) {
	ctx := context.Background()
	provider := llmtest.New().Reply("a1").Reply("a2").Reply("a3")
	a := newTestAgent(t, Config{ReadChatHistory: true}, Deps{LLM: provider})

	for _, q := range []string{"q1", "q2", "q3"} {
		_, err := a.Run(ctx, q)
		require.NoError(t, err)
	}

	result := a.tools.Execute(ctx, ChatHistoryToolName, map[string]interface{}{"num_chats": float64(2)}, nil)
	require.True(t, result.Success, result.Error)

	var history []chatTurn
	require.NoError(t, json.Unmarshal([]byte(result.Content()), &history))
	assert.Equal(t, []chatTurn{
		{Role: llm.RoleUser, Content: "q2"},
		{Role: llm.RoleAssistant, Content: "a2"},
		{Role: llm.RoleUser, Content: "q3"},
		{Role: llm.RoleAssistant, Content: "a3"},
	}, history)
}

func TestToolCallHistoryTool(t *testing.T) {
	ctx := context.Background()
	tools := toolexecutor.New()
	require.NoError(t, tools.RegisterTool(echoTool()))
	provider := llmtest.New().
		ReplyTools(
			llm.ToolCall{ID: "c1", Name: "echo", Parameters: map[string]interface{}{"text": "one"}},
			llm.ToolCall{ID: "c2", Name: "echo", Parameters: map[string]interface{}{"text": "two"}},
		).
		Reply("done")
	a := newTestAgent(t, Config{ReadToolCallHistory: true}, Deps{LLM: provider, Tools: tools})

	empty := a.tools.Execute(ctx, ToolCallHistoryToolName, nil, nil)
	require.True(t, empty.Success)
	assert.Equal(t, "[]", empty.Content())

	_, err := a.Run(ctx, "echo twice")
	require.NoError(t, err)

	result := a.tools.Execute(ctx, ToolCallHistoryToolName, map[string]interface{}{"num_calls": float64(1)}, nil)
	require.True(t, result.Success, result.Error)

	var calls []llm.ToolCall
	require.NoError(t, json.Unmarshal([]byte(result.Content()), &calls))
	require.Len(t, calls, 1)
	assert.Equal(t, "c1", calls[0].ID)
}

func TestRender_Plain(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Render(&buf, "hello", false))
	assert.Equal(t, "hello\n", buf.String())

	buf.Reset()
	require.NoError(t, Render(&buf, "# Title", true))
	assert.Contains(t, buf.String(), "Title")
}
