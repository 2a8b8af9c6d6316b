package toolexecutor

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestToolPolicy_IsToolAllowed_AllowAll tests allowing all tools with wildcard
func TestToolPolicy_IsToolAllowed_AllowAll(t *testing.T) {
	policy := &ToolPolicy{
		Allow: []string{"*"},
		Deny:  []string{},
	}

	assert.True(t, policy.IsToolAllowed("any_tool"))
	assert.True(t, policy.IsToolAllowed("another_tool"))
	assert.True(t, policy.IsToolAllowed("clear_memory"))
}

// TestToolPolicy_IsToolAllowed_DenyAll tests denying all tools with wildcard
func TestToolPolicy_IsToolAllowed_DenyAll(t *testing.T) {
	policy := &ToolPolicy{
		Allow: []string{"*"},
		Deny:  []string{"*"},
	}

	// Deny overrides allow
	assert.False(t, policy.IsToolAllowed("any_tool"))
	assert.False(t, policy.IsToolAllowed("another_tool"))
	assert.False(t, policy.IsToolAllowed("clear_memory"))
}

// TestToolPolicy_IsToolAllowed_SpecificAllow tests allowing specific tools
func TestToolPolicy_IsToolAllowed_SpecificAllow(t *testing.T) {
	policy := &ToolPolicy{
		Allow: []string{"search_knowledge_base", "get_chat_history"},
		Deny:  []string{},
	}

	assert.True(t, policy.IsToolAllowed("search_knowledge_base"))
	assert.True(t, policy.IsToolAllowed("get_chat_history"))
	assert.False(t, policy.IsToolAllowed("add_memory"))
	assert.False(t, policy.IsToolAllowed("clear_memory"))
}

// TestToolPolicy_IsToolAllowed_DenyOverridesAllow tests that deny list overrides allow list
func TestToolPolicy_IsToolAllowed_DenyOverridesAllow(t *testing.T) {
	policy := &ToolPolicy{
		Allow: []string{"*"},
		Deny:  []string{"clear_memory", "delete_memory"},
	}

	assert.True(t, policy.IsToolAllowed("search_knowledge_base"))
	assert.True(t, policy.IsToolAllowed("add_memory"))
	assert.False(t, policy.IsToolAllowed("clear_memory"))
	assert.False(t, policy.IsToolAllowed("delete_memory"))
}

// TestToolPolicy_IsToolAllowed_NilPolicy tests that nil policy allows all
func TestToolPolicy_IsToolAllowed_NilPolicy(t *testing.T) {
	var policy *ToolPolicy = nil

	assert.True(t, policy.IsToolAllowed("any_tool"))
	assert.True(t, policy.IsToolAllowed("clear_memory"))
}

// TestToolExecutor_Execute_PolicyEnforcement tests policy enforcement during execution
func TestToolExecutor_Execute_PolicyEnforcement(t *testing.T) {
	te := New()

	// Register test tools
	tools := []string{"search_knowledge_base", "add_memory", "clear_memory"}
	for _, name := range tools {
		def := ToolDefinition{
			Name:        name,
			Description: "Test tool",
			Parameters:  []ToolParameter{},
			Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
				return "success", nil
			},
		}
		err := te.RegisterTool(def)
		require.NoError(t, err)
	}

	tests := []struct {
		name        string
		policy      *ToolPolicy
		toolName    string
		shouldAllow bool
	}{
		{
			name: "allow all with wildcard",
			policy: &ToolPolicy{
				Allow: []string{"*"},
				Deny:  []string{},
			},
			toolName:    "search_knowledge_base",
			shouldAllow: true,
		},
		{
			name: "deny specific tool",
			policy: &ToolPolicy{
				Allow: []string{"*"},
				Deny:  []string{"clear_memory"},
			},
			toolName:    "clear_memory",
			shouldAllow: false,
		},
		{
			name: "allow specific tools only",
			policy: &ToolPolicy{
				Allow: []string{"search_knowledge_base"},
				Deny:  []string{},
			},
			toolName:    "search_knowledge_base",
			shouldAllow: true,
		},
		{
			name: "deny tool not in allow list",
			policy: &ToolPolicy{
				Allow: []string{"search_knowledge_base"},
				Deny:  []string{},
			},
			toolName:    "add_memory",
			shouldAllow: false,
		},
		{
			name:        "nil policy allows all",
			policy:      nil,
			toolName:    "clear_memory",
			shouldAllow: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			execCtx := &ExecutionContext{
				AgentID:    "test-agent",
				ToolPolicy: tt.policy,
			}

			result := te.Execute(context.Background(), tt.toolName, map[string]interface{}{}, execCtx)

			if tt.shouldAllow {
				assert.True(t, result.Success, "Expected tool to be allowed")
				assert.Empty(t, result.Error)
			} else {
				assert.False(t, result.Success, "Expected tool to be blocked")
				assert.Contains(t, result.Error, "not allowed by agent policy")
				assert.NotNil(t, result.Metadata)
				assert.True(t, result.Metadata["policy_violation"].(bool))
			}
		})
	}
}

// TestToolExecutor_Execute_PolicyViolationLogging tests that policy violations are logged
func TestToolExecutor_Execute_PolicyViolationLogging(t *testing.T) {
	te := New()

	def := ToolDefinition{
		Name:        "clear_memory",
		Description: "A dangerous tool",
		Parameters:  []ToolParameter{},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "should not execute", nil
		},
	}

	err := te.RegisterTool(def)
	require.NoError(t, err)

	policy := &ToolPolicy{
		Allow: []string{"get_chat_history"},
		Deny:  []string{},
	}

	execCtx := &ExecutionContext{
		AgentID:    "test-agent",
		ToolPolicy: policy,
	}

	result := te.Execute(context.Background(), "clear_memory", map[string]interface{}{}, execCtx)

	assert.False(t, result.Success)
	assert.Contains(t, result.Error, "not allowed by agent policy")
	assert.Equal(t, "test-agent", result.Metadata["agent_id"])
	assert.True(t, result.Metadata["policy_violation"].(bool))
}

// TestToolExecutor_Execute_NoPolicy tests execution without policy (should allow all)
func TestToolExecutor_Execute_NoPolicy(t *testing.T) {
	te := New()

	def := ToolDefinition{
		Name:        "any_tool",
		Description: "Any tool",
		Parameters:  []ToolParameter{},
		Handler: func(ctx context.Context, params map[string]interface{}) (interface{}, error) {
			return "success", nil
		},
	}

	err := te.RegisterTool(def)
	require.NoError(t, err)

	// Execute without execution context
	result := te.Execute(context.Background(), "any_tool", map[string]interface{}{}, nil)
	assert.True(t, result.Success)

	// Execute with execution context but no policy
	execCtx := &ExecutionContext{
		AgentID: "test-agent",
	}
	result = te.Execute(context.Background(), "any_tool", map[string]interface{}{}, execCtx)
	assert.True(t, result.Success)
}

// TestToolPolicy_ComplexScenarios tests complex policy scenarios
func TestToolPolicy_ComplexScenarios(t *testing.T) {
	tests := []struct {
		name     string
		policy   *ToolPolicy
		toolName string
		expected bool
	}{
		{
			name: "allow all except specific",
			policy: &ToolPolicy{
				Allow: []string{"*"},
				Deny:  []string{"clear_memory", "delete_memory"},
			},
			toolName: "search_knowledge_base",
			expected: true,
		},
		{
			name: "deny overrides allow for same tool",
			policy: &ToolPolicy{
				Allow: []string{"clear_memory"},
				Deny:  []string{"clear_memory"},
			},
			toolName: "clear_memory",
			expected: false,
		},
		{
			name: "empty allow list denies all",
			policy: &ToolPolicy{
				Allow: []string{},
				Deny:  []string{},
			},
			toolName: "any_tool",
			expected: false,
		},
		{
			name: "multiple specific allows",
			policy: &ToolPolicy{
				Allow: []string{"search_knowledge_base", "add_memory", "get_chat_history"},
				Deny:  []string{},
			},
			toolName: "add_memory",
			expected: true,
		},
		{
			name: "multiple specific denies",
			policy: &ToolPolicy{
				Allow: []string{"*"},
				Deny:  []string{"clear_memory", "delete_memory", "update_memory"},
			},
			toolName: "update_memory",
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result := tt.policy.IsToolAllowed(tt.toolName)
			assert.Equal(t, tt.expected, result)
		})
	}
}

func TestToolPolicy_GlobPatterns(t *testing.T) {
	policy := &ToolPolicy{
		Allow: []string{"*_memory", "get_*"},
		Deny:  []string{"clear_*"},
	}

	assert.True(t, policy.IsToolAllowed("add_memory"))
	assert.True(t, policy.IsToolAllowed("get_tool_call_history"))
	assert.False(t, policy.IsToolAllowed("clear_memory"))
	assert.False(t, policy.IsToolAllowed("search_knowledge_base"))

	assert.Equal(t,
		[]string{"add_memory", "get_chat_history"},
		policy.Filter([]string{"add_memory", "clear_memory", "get_chat_history", "search_knowledge_base"}),
	)
}

func TestToolPolicy_Validate(t *testing.T) {
	var nilPolicy *ToolPolicy
	assert.NoError(t, nilPolicy.Validate())
	assert.NoError(t, (&ToolPolicy{Allow: []string{"*", "get_*"}}).Validate())
	assert.Error(t, (&ToolPolicy{Allow: []string{""}}).Validate())
	assert.Error(t, (&ToolPolicy{Deny: []string{"[bad"}}).Validate())
}
