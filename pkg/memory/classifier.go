package memory

import (
	"context"
	"fmt"
	"strings"

	"github.com/harun/mnemo/pkg/llm"
)

const classifierPrompt = `Decide whether the user's message contains information worth remembering for future conversations with them.

Worth remembering:
- Personal facts such as name, age, job, location, interests or preferences
- Significant events or experiences the user shares
- Their current situation, challenges or goals
- Likes and dislikes, opinions, beliefs and values
- Anything else that helps personalize later conversations

You are also given the memories already stored about the user.
Answer "no" if the message only repeats a memory that already exists.
Answer "yes" if the message adds something new or means an existing memory must change or be removed.

Reply with exactly one word: yes or no.`

// MemoryClassifier asks a model whether a message holds durable information
// about the user.
type MemoryClassifier struct {
	provider llm.Provider
	model    string
}

// NewMemoryClassifier creates a classifier calling model through provider.
func NewMemoryClassifier(provider llm.Provider, model string) *MemoryClassifier {
	return &MemoryClassifier{provider: provider, model: model}
}

// ShouldUpdate returns true when the model's reply contains "yes".
func (c *MemoryClassifier) ShouldUpdate(ctx context.Context, input string, existing []Memory) (bool, error) {
	resp, err := c.provider.Call(ctx, llm.Request{
		Model:        c.model,
		SystemPrompt: c.systemPrompt(existing),
		Messages:     []llm.Message{llm.NewMessage(llm.RoleUser, input)},
		Temperature:  0,
		MaxTokens:    16,
	})
	if err != nil {
		return false, fmt.Errorf("classifier call failed: %w", err)
	}
	return strings.Contains(strings.ToLower(resp.Content), "yes"), nil
}

func (c *MemoryClassifier) systemPrompt(existing []Memory) string {
	if len(existing) == 0 {
		return classifierPrompt
	}
	var b strings.Builder
	b.WriteString(classifierPrompt)
	b.WriteString("\n\nExisting memories:\n<existing_memories>\n")
	for _, m := range existing {
		fmt.Fprintf(&b, "- %s\n", m.Memory)
	}
	b.WriteString("</existing_memories>")
	return b.String()
}
