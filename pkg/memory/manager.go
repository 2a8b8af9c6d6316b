package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/mnemo/internal/observability"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/toolexecutor"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// DefaultManagerTurns bounds the tool loop of MemoryManager.
const DefaultManagerTurns = 5

const managerPrompt = `You maintain a list of memories about the user. Turn the user's message into a short memory: a single third-person statement that keeps the important information and nothing else. These memories personalize future conversations.

You are also given the memories already stored. Use the tools to keep the list accurate:
1. add_memory stores a new memory.
2. update_memory rewrites an existing memory. Pass its id.
3. delete_memory removes a memory that is wrong or no longer true. Pass its id.
4. clear_memory removes every memory of the user. Only use it when the user explicitly asks to forget everything.

When you are done, reply with a one-line description of what changed.`

// MemoryManager edits user memories by letting a model call memory tools.
type MemoryManager struct {
	provider llm.Provider
	model    string
	maxTurns int
	logger   zerolog.Logger
}

// NewMemoryManager creates a manager calling model through provider.
func NewMemoryManager(provider llm.Provider, model string) *MemoryManager {
	return &MemoryManager{
		provider: provider,
		model:    model,
		maxTurns: DefaultManagerTurns,
		logger:   log.Logger.With().Str("component", "memory.manager").Logger(),
	}
}

// Run lets the model add, update or delete memories of userID in db.
func (mm *MemoryManager) Run(ctx context.Context, db MemoryDb, userID string, existing []Memory, input string) (string, error) {
	tools, err := newMemoryTools(db, userID, input)
	if err != nil {
		return "", err
	}
	schemas := tools.Definitions(nil)
	execCtx := &toolexecutor.ExecutionContext{UserID: userID}

	messages := []llm.Message{llm.NewMessage(llm.RoleUser, input)}
	var reply string
	for turn := 0; turn < mm.maxTurns; turn++ {
		resp, err := mm.provider.Call(ctx, llm.Request{
			Model:        mm.model,
			SystemPrompt: managerSystemPrompt(existing),
			Messages:     messages,
			Tools:        schemas,
			Temperature:  0,
			MaxTokens:    1024,
		})
		if err != nil {
			return "", fmt.Errorf("memory manager call failed: %w", err)
		}
		reply = resp.Content
		if len(resp.ToolCalls) == 0 {
			return reply, nil
		}

		assistant := llm.NewMessage(llm.RoleAssistant, resp.Content)
		assistant.ToolCalls = resp.ToolCalls
		messages = append(messages, assistant)

		for _, call := range resp.ToolCalls {
			result := tools.Execute(ctx, call.Name, call.Parameters, execCtx)
			mm.logger.Debug().
				Str("tool", call.Name).
				Bool("success", result.Success).
				Msg("Memory tool executed")
			messages = append(messages, llm.ToolResultMessage(call, result.Content()))
		}
	}

	mm.logger.Warn().Int("turns", mm.maxTurns).Msg("Memory manager reached turn limit")
	return reply, nil
}

func managerSystemPrompt(existing []Memory) string {
	if len(existing) == 0 {
		return managerPrompt
	}
	var b strings.Builder
	b.WriteString(managerPrompt)
	b.WriteString("\n\nExisting memories:\n<existing_memories>\n")
	for _, m := range existing {
		fmt.Fprintf(&b, "- id: %s | memory: %s\n", m.ID, m.Memory)
	}
	b.WriteString("</existing_memories>")
	return b.String()
}

func newMemoryTools(db MemoryDb, userID, input string) (*toolexecutor.ToolExecutor, error) {
	te := toolexecutor.New()

	defs := []toolexecutor.ToolDefinition{
		{
			Name:        "add_memory",
			Description: "Store a new memory about the user.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "memory", Type: "string", Description: "The memory to store", Required: true},
				{Name: "topic", Type: "string", Description: "Optional short topic for the memory"},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				text, _ := params["memory"].(string)
				topic, _ := params["topic"].(string)
				row, err := db.UpsertMemory(ctx, NewMemoryRow(userID, Memory{Memory: text, Topic: topic, Input: input}))
				if err != nil {
					observability.RecordMemoryAudit(ctx, "add_memory", userID, "failure", nil)
					return nil, err
				}
				observability.RecordMemoryAudit(ctx, "add_memory", userID, "success", map[string]interface{}{"memory_id": row.ID})
				return "Memory added successfully", nil
			},
		},
		{
			Name:        "update_memory",
			Description: "Replace the text of an existing memory.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Id of the memory to update", Required: true},
				{Name: "memory", Type: "string", Description: "The new memory text", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id, _ := params["id"].(string)
				text, _ := params["memory"].(string)
				row := MemoryRow{ID: id, UserID: userID, Memory: Memory{Memory: text, Input: input}.ToMap()}
				if _, err := db.UpsertMemory(ctx, row); err != nil {
					observability.RecordMemoryAudit(ctx, "update_memory", userID, "failure", map[string]interface{}{"memory_id": id})
					return nil, err
				}
				observability.RecordMemoryAudit(ctx, "update_memory", userID, "success", map[string]interface{}{"memory_id": id})
				return "Memory updated successfully", nil
			},
		},
		{
			Name:        "delete_memory",
			Description: "Delete a memory that is wrong or no longer true.",
			Parameters: []toolexecutor.ToolParameter{
				{Name: "id", Type: "string", Description: "Id of the memory to delete", Required: true},
			},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				id, _ := params["id"].(string)
				if err := db.DeleteMemory(ctx, id); err != nil {
					observability.RecordMemoryAudit(ctx, "delete_memory", userID, "failure", map[string]interface{}{"memory_id": id})
					return nil, err
				}
				observability.RecordMemoryAudit(ctx, "delete_memory", userID, "success", map[string]interface{}{"memory_id": id})
				return "Memory deleted successfully", nil
			},
		},
		{
			Name:        "clear_memory",
			Description: "Delete every memory of the user.",
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				n, err := DeleteUserMemories(ctx, db, userID)
				if err != nil {
					observability.RecordMemoryAudit(ctx, "clear_memory", userID, "failure", nil)
					return nil, err
				}
				observability.RecordMemoryAudit(ctx, "clear_memory", userID, "success", map[string]interface{}{"deleted": n})
				return fmt.Sprintf("Cleared %d memories", n), nil
			},
		},
	}

	for _, def := range defs {
		if err := te.RegisterTool(def); err != nil {
			return nil, fmt.Errorf("failed to register %s: %w", def.Name, err)
		}
	}
	return te, nil
}
