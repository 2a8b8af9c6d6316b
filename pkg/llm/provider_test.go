package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func toolConversation() []Message {
	call1 := ToolCall{ID: "c1", Name: "add_memory", Parameters: map[string]interface{}{"memory": "likes tea"}}
	call2 := ToolCall{ID: "c2", Name: "delete_memory", Parameters: map[string]interface{}{"id": "x"}}
	return []Message{
		{Role: RoleSystem, Content: "be brief"},
		{Role: RoleUser, Content: "remember I like tea"},
		{Role: RoleAssistant, ToolCalls: []ToolCall{call1, call2}},
		ToolResultMessage(call1, "added"),
		ToolResultMessage(call2, "deleted"),
		{Role: RoleAssistant, Content: "done"},
	}
}

func TestToAnthropicMessagesGroupsToolResults(t *testing.T) {
	msgs := toAnthropicMessages(toolConversation())

	// user, assistant(tool_use x2), user(tool_result x2), assistant
	require.Len(t, msgs, 4)
	assert.Len(t, msgs[1].Content, 2)
	assert.Len(t, msgs[2].Content, 2)
	assert.Len(t, msgs[3].Content, 1)
}

func TestToGeminiContentsGroupsToolResults(t *testing.T) {
	contents := toGeminiContents(toolConversation())

	require.Len(t, contents, 4)
	assert.Equal(t, "user", contents[0].Role)
	assert.Equal(t, "model", contents[1].Role)
	require.Len(t, contents[1].Parts, 2)
	assert.Equal(t, "add_memory", contents[1].Parts[0].FunctionCall.Name)
	require.Len(t, contents[2].Parts, 2)
	assert.Equal(t, "delete_memory", contents[2].Parts[1].FunctionResponse.Name)
	assert.Equal(t, "deleted", contents[2].Parts[1].FunctionResponse.Response["output"])
}

func TestToOpenAIMessages(t *testing.T) {
	msgs, err := toOpenAIMessages(Request{Messages: toolConversation()})
	require.NoError(t, err)
	// system, user, assistant(tool calls), tool, tool, assistant
	require.Len(t, msgs, 6)
	require.NotNil(t, msgs[2].OfAssistant)
	assert.Len(t, msgs[2].OfAssistant.ToolCalls, 2)
	require.NotNil(t, msgs[3].OfTool)
	assert.Equal(t, "c1", msgs[3].OfTool.ToolCallID)

	withPrompt, err := toOpenAIMessages(Request{SystemPrompt: "override", Messages: toolConversation()})
	require.NoError(t, err)
	assert.Len(t, withPrompt, 6)
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "explicit", systemPrompt(Request{SystemPrompt: "explicit", Messages: toolConversation()}))
	assert.Equal(t, "be brief", systemPrompt(Request{Messages: toolConversation()}))
	assert.Equal(t, "", systemPrompt(Request{}))
}

func TestRequiredFields(t *testing.T) {
	assert.Equal(t, []string{"a"}, requiredFields(map[string]interface{}{"required": []string{"a"}}))
	assert.Equal(t, []string{"b"}, requiredFields(map[string]interface{}{"required": []interface{}{"b", 3}}))
	assert.Nil(t, requiredFields(map[string]interface{}{}))
}
