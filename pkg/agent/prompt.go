package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/harun/mnemo/internal/tracing"
	"github.com/harun/mnemo/pkg/knowledge"
	"github.com/harun/mnemo/pkg/llm"
	"github.com/harun/mnemo/pkg/memory"
)

// systemMessage assembles the system prompt from the agent configuration and
// what memory knows about the user and the session. It returns nil when
// there is nothing to say.
func (a *Agent) systemMessage(mem *memory.AgentMemory) *llm.Message {
	var lines []string

	if a.cfg.Description != "" {
		lines = append(lines, a.cfg.Description)
	}
	if a.cfg.Task != "" {
		lines = append(lines, "Your task is: "+a.cfg.Task)
	}
	if a.cfg.Name != "" {
		lines = append(lines, "Your name is: "+a.cfg.Name+".")
	}

	instructions := append([]string(nil), a.cfg.Instructions...)
	names := a.toolNames()
	if contains(names, knowledge.SearchToolName) {
		instructions = append(instructions,
			"Search your knowledge base with `"+knowledge.SearchToolName+"` for information that can help you respond.")
	}
	if contains(names, knowledge.AddToolName) {
		instructions = append(instructions,
			"Save useful new information with `"+knowledge.AddToolName+"`.")
	}
	if contains(names, ChatHistoryToolName) {
		instructions = append(instructions,
			"If you need to reference the chat history with the user, use the `"+ChatHistoryToolName+"` tool.")
	}
	if a.cfg.Markdown {
		instructions = append(instructions, "Use markdown to format your answers.")
	}
	if a.cfg.AddDatetimeToInstructions {
		instructions = append(instructions, "The current time is "+a.now().Format("2006-01-02 15:04:05 MST")+".")
	}
	if len(instructions) > 0 {
		var sb strings.Builder
		sb.WriteString("You must follow these instructions carefully:\n<instructions>\n")
		for i, in := range instructions {
			fmt.Fprintf(&sb, "%d. %s\n", i+1, in)
		}
		sb.WriteString("</instructions>")
		lines = append(lines, sb.String())
	}

	if a.cfg.ExpectedOutput != "" {
		lines = append(lines, "Provide your output using the following format:\n<expected_output>\n"+
			strings.TrimSpace(a.cfg.ExpectedOutput)+"\n</expected_output>")
	}
	if a.cfg.AdditionalContext != "" {
		lines = append(lines, strings.TrimSpace(a.cfg.AdditionalContext))
	}

	if a.cfg.AddMemoriesToPrompt || a.cfg.Memory.CreateUserMemories {
		if block := memoriesBlock(mem.Memories(), a.cfg.Memory.CreateUserMemories); block != "" {
			lines = append(lines, block)
		}
	}
	if a.cfg.AddSummaryToPrompt {
		if summary := mem.Summary(); summary != nil && summary.Summary != "" {
			lines = append(lines, "Here is a brief summary of your previous interactions if it helps:\n"+
				"<summary_of_previous_interactions>\n"+summary.Summary+"\n</summary_of_previous_interactions>\n"+
				"Note: this information is from previous interactions and may be outdated. "+
				"You should ALWAYS prefer information from this conversation over the past summary.")
		}
	}

	if len(lines) == 0 {
		return nil
	}
	msg := llm.NewMessage(llm.RoleSystem, strings.Join(lines, "\n\n"))
	return &msg
}

func memoriesBlock(memories []memory.Memory, canCreate bool) string {
	if len(memories) == 0 {
		if canCreate {
			return "You have the capability to retain memories from previous interactions with the user, " +
				"but have not had any interactions with the user yet."
		}
		return ""
	}

	var sb strings.Builder
	sb.WriteString("You have access to memory from previous interactions with the user that you can use:\n")
	sb.WriteString("<memories_from_previous_interactions>\n")
	for _, m := range memories {
		sb.WriteString("- ")
		sb.WriteString(m.Memory)
		sb.WriteString("\n")
	}
	sb.WriteString("</memories_from_previous_interactions>\n")
	sb.WriteString("Note: this information is from previous interactions and may be updated in this conversation. ")
	sb.WriteString("You should always prefer information from this conversation over the past memories.")
	return sb.String()
}

// reference is the part of a knowledge document shown to the model.
type reference struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// userMessage builds the user message, adding knowledge references when
// configured. A failed search leaves the prompt unchanged.
func (a *Agent) userMessage(ctx context.Context, prompt string) llm.Message {
	msg := llm.NewMessage(llm.RoleUser, prompt)
	if !a.cfg.AddReferencesToPrompt || a.knowledge == nil {
		return msg
	}

	docs, err := a.knowledge.Search(ctx, prompt, nil)
	if err != nil {
		logger := tracing.LoggerFromContext(ctx, a.logger)
		logger.Warn().Err(err).Msg("Failed to search knowledge base")
		return msg
	}
	if len(docs) == 0 {
		return msg
	}

	refs := make([]reference, len(docs))
	for i, d := range docs {
		refs[i] = reference{Name: d.Name, Content: d.Content}
	}
	data, err := json.MarshalIndent(refs, "", "  ")
	if err != nil {
		return msg
	}

	msg.Content = prompt + "\n\nUse the following references from the knowledge base if it helps:\n" +
		"<references>\n" + string(data) + "\n</references>"
	return msg
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
