package knowledge

import (
	"context"
	"fmt"

	"github.com/harun/mnemo/pkg/toolexecutor"
)

const (
	SearchToolName = "search_knowledge_base"
	AddToolName    = "add_to_knowledge"
)

// ToolRegistrar is the subset of toolexecutor.ToolExecutor used to register
// knowledge tools.
type ToolRegistrar interface {
	RegisterTool(def toolexecutor.ToolDefinition) error
}

// SearchResult is returned by the search_knowledge_base tool.
type SearchResult struct {
	Query     string     `json:"query"`
	Count     int        `json:"count"`
	Documents []Document `json:"documents"`
}

// SearchTool returns the search_knowledge_base tool.
func SearchTool(base *Base) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        SearchToolName,
		Description: "Search the knowledge base for information relevant to a query. Use it before answering questions that may be covered by the knowledge base.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "query", Type: "string", Description: "What to search for", Required: true},
			{Name: "limit", Type: "integer", Description: "Maximum number of documents to return", Default: base.NumDocuments()},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			query, _ := params["query"].(string)
			if query == "" {
				return nil, fmt.Errorf("query is required")
			}
			opts := &SearchOptions{}
			if limit := intParam(params, "limit"); limit > 0 {
				opts.Limit = limit
			}

			docs, err := base.Search(ctx, query, opts)
			if err != nil {
				return nil, fmt.Errorf("search failed: %w", err)
			}
			return SearchResult{Query: query, Count: len(docs), Documents: docs}, nil
		},
	}
}

// AddTool returns the add_to_knowledge tool.
func AddTool(base *Base) toolexecutor.ToolDefinition {
	return toolexecutor.ToolDefinition{
		Name:        AddToolName,
		Description: "Save information to the knowledge base so it can be found by later searches.",
		Parameters: []toolexecutor.ToolParameter{
			{Name: "name", Type: "string", Description: "Short document name, e.g. deployment-notes", Required: true},
			{Name: "content", Type: "string", Description: "Markdown content to store", Required: true},
		},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			name, _ := params["name"].(string)
			content, _ := params["content"].(string)
			doc, err := base.AddDocument(ctx, name, content)
			if err != nil {
				return nil, err
			}
			return fmt.Sprintf("Added %s to the knowledge base", doc.Name), nil
		},
	}
}

// RegisterTools registers the knowledge tools. The add tool is only
// registered when writable is set.
func RegisterTools(executor ToolRegistrar, base *Base, writable bool) error {
	tools := []toolexecutor.ToolDefinition{SearchTool(base)}
	if writable {
		tools = append(tools, AddTool(base))
	}
	for _, tool := range tools {
		if err := executor.RegisterTool(tool); err != nil {
			return fmt.Errorf("failed to register tool %s: %w", tool.Name, err)
		}
	}
	return nil
}

func intParam(params map[string]interface{}, key string) int {
	switch v := params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return 0
}
