package memory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/harun/mnemo/pkg/llm"
	"github.com/invopop/jsonschema"
	"github.com/tidwall/gjson"
)

const summarizerPrompt = `Analyze the conversation between a user and an assistant below and extract:
- summary: a concise summary of the session that keeps the information useful for future conversations.
- topics: the topics discussed in the session.
Ignore small talk.`

var (
	summarySchemaOnce sync.Once
	summarySchema     string
)

// sessionSummarySchema returns the JSON schema of SessionSummary.
func sessionSummarySchema() string {
	summarySchemaOnce.Do(func() {
		r := &jsonschema.Reflector{DoNotReference: true, ExpandedStruct: true}
		data, err := json.MarshalIndent(r.Reflect(&SessionSummary{}), "", "  ")
		if err != nil {
			summarySchema = `{"type":"object","properties":{"summary":{"type":"string"},"topics":{"type":"array","items":{"type":"string"}}},"required":["summary"]}`
			return
		}
		summarySchema = string(data)
	})
	return summarySchema
}

// MemorySummarizer asks a model for a SessionSummary of a conversation.
type MemorySummarizer struct {
	provider llm.Provider
	model    string
}

// NewMemorySummarizer creates a summarizer calling model through provider.
func NewMemorySummarizer(provider llm.Provider, model string) *MemorySummarizer {
	return &MemorySummarizer{provider: provider, model: model}
}

// Summarize returns nil when there is nothing to summarize.
func (s *MemorySummarizer) Summarize(ctx context.Context, pairs []MessagePair) (*SessionSummary, error) {
	if len(pairs) == 0 {
		return nil, nil
	}

	resp, err := s.provider.Call(ctx, llm.Request{
		Model:        s.model,
		SystemPrompt: summarizerSystemPrompt(pairs),
		Messages:     []llm.Message{llm.NewMessage(llm.RoleUser, "Provide the summary of the conversation.")},
		Temperature:  0,
		MaxTokens:    1024,
		JSONMode:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("summarizer call failed: %w", err)
	}
	return ParseSessionSummary(resp.Content)
}

func summarizerSystemPrompt(pairs []MessagePair) string {
	var b strings.Builder
	b.WriteString(summarizerPrompt)
	b.WriteString("\n\n<conversation>\n")
	for _, p := range pairs {
		fmt.Fprintf(&b, "User: %s\n", p.User.Content)
		fmt.Fprintf(&b, "Assistant: %s\n", p.Assistant.Content)
	}
	b.WriteString("</conversation>\n\n")
	b.WriteString("Respond with a JSON object matching this schema:\n<json_schema>\n")
	b.WriteString(sessionSummarySchema())
	b.WriteString("\n</json_schema>\nStart your response with `{` and end it with `}`. Output valid JSON only.")
	return b.String()
}

// ParseSessionSummary extracts a SessionSummary from a model reply. Code
// fences and prose around the JSON object are ignored.
func ParseSessionSummary(content string) (*SessionSummary, error) {
	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start < 0 || end < start {
		return nil, errors.New("summary response contains no JSON object")
	}
	doc := content[start : end+1]
	if !gjson.Valid(doc) {
		return nil, errors.New("summary response is not valid JSON")
	}

	summary := gjson.Get(doc, "summary")
	if !summary.Exists() || strings.TrimSpace(summary.String()) == "" {
		return nil, errors.New("summary response has no summary field")
	}

	out := &SessionSummary{Summary: strings.TrimSpace(summary.String())}
	for _, topic := range gjson.Get(doc, "topics").Array() {
		if t := strings.TrimSpace(topic.String()); t != "" {
			out.Topics = append(out.Topics, t)
		}
	}
	return out, nil
}
