package agent

import (
	"context"

	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/toolexecutor"
)

// Built-in tool names
const (
	ChatHistoryToolName     = "get_chat_history"
	ToolCallHistoryToolName = "get_tool_call_history"
)

const (
	defaultNumChats = 3
	defaultNumCalls = 3
)

// registerTools registers the built-in tools this configuration enables.
func (a *Agent) registerTools() error {
	if a.cfg.ReadChatHistory {
		if err := a.tools.RegisterTool(a.chatHistoryTool()); err != nil {
			return err
		}
	}
	if a.cfg.ReadToolCallHistory {
		if err := a.tools.RegisterTool(a.toolCallHistoryTool()); err != nil {
			return err
		}
	}
	if a.knowledge != nil && (a.cfg.SearchKnowledge || a.cfg.UpdateKnowledge) {
		if err := knowledge.RegisterTools(a.tools, a.knowledge, a.cfg.UpdateKnowledge); err != nil {
			return err
		}
	}
	return nil
}

// builtinEnabled reports, for each built-in tool, whether this agent offers it.
func (a *Agent) builtinEnabled() map[string]bool {
	return map[string]bool{
		ChatHistoryToolName:      a.cfg.ReadChatHistory,
		ToolCallHistoryToolName:  a.cfg.ReadToolCallHistory,
		knowledge.SearchToolName: a.cfg.SearchKnowledge && a.knowledge != nil,
		knowledge.AddToolName:    a.cfg.UpdateKnowledge && a.knowledge != nil,
	}
}

// toolNames lists the tools offered to the model: the configured tools, or
// every registered tool, plus enabled built-ins, filtered by the policy.
// Built-ins registered for another agent on a shared executor are left out.
func (a *Agent) toolNames() []string {
	builtins := a.builtinEnabled()

	names := a.cfg.Tools
	if names == nil {
		names = a.tools.ListTools()
	}

	seen := make(map[string]bool, len(names))
	out := make([]string, 0, len(names)+len(builtins))
	add := func(name string) {
		if seen[name] || !a.tools.HasTool(name) {
			return
		}
		seen[name] = true
		out = append(out, name)
	}

	for _, name := range names {
		if enabled, builtin := builtins[name]; builtin && !enabled {
			continue
		}
		add(name)
	}
	for _, name := range []string{knowledge.SearchToolName, knowledge.AddToolName, ChatHistoryToolName, ToolCallHistoryToolName} {
		if builtins[name] {
			add(name)
		}
	}

	if a.cfg.ToolPolicy != nil {
		out = a.cfg.ToolPolicy.Filter(out)
	}
	return out
}

// chatTurn is one message of the chat history returned to the model.
type chatTurn struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

func (a *Agent) chatHistoryTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name: ChatHistoryToolName,
		Description: "Use this function to get the chat history between the user and assistant. " +
			"Each chat is a user message and the assistant reply.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "num_chats",
				Type:        "integer",
				Description: "The number of most recent chats to return. 0 returns all of them.",
				Default:     defaultNumChats,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			n := defaultNumChats
			if v, ok := numberParam(params, "num_chats"); ok {
				n = v
			}
			pairs := a.Memory().GetMessagePairs("", nil)
			if n > 0 && len(pairs) > n {
				pairs = pairs[len(pairs)-n:]
			}
			history := make([]chatTurn, 0, len(pairs)*2)
			for _, p := range pairs {
				history = append(history,
					chatTurn{Role: p.User.Role, Content: p.User.Content},
					chatTurn{Role: p.Assistant.Role, Content: p.Assistant.Content},
				)
			}
			return history, nil
		},
	}
}

func (a *Agent) toolCallHistoryTool() toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        ToolCallHistoryToolName,
		Description: "Use this function to get the tools you called previously, most recent first.",
		Parameters: []toolexecutor.ToolParameter{
			{
				Name:        "num_calls",
				Type:        "integer",
				Description: "The number of tool calls to return. 0 returns all of them.",
				Default:     defaultNumCalls,
			},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			n := defaultNumCalls
			if v, ok := numberParam(params, "num_calls"); ok {
				n = v
			}
			calls := a.Memory().GetToolCalls(n)
			if calls == nil {
				calls = []llm.ToolCall{}
			}
			return calls, nil
		},
	}
}

func numberParam(params map[string]interface{}, key string) (int, bool) {
	switch v := params[key].(type) {
	case float64:
		return int(v), true
	case int:
		return v, true
	case int64:
		return int(v), true
	}
	return 0, false
}
