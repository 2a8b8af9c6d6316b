package toolexecutor

import (
	"fmt"
	"path"
)

// ToolPolicy defines which tools an agent can use. Entries are exact names or
// glob patterns such as "*" or "memory_*".
type ToolPolicy struct {
	Allow []string `json:"allow" yaml:"allow"`
	Deny  []string `json:"deny" yaml:"deny"`
}

// IsToolAllowed checks if a tool is allowed by the policy
func (tp *ToolPolicy) IsToolAllowed(toolName string) bool {
	if tp == nil {
		// No policy means allow all
		return true
	}

	// Deny overrides allow
	for _, denied := range tp.Deny {
		if matchTool(denied, toolName) {
			return false
		}
	}

	for _, allowed := range tp.Allow {
		if matchTool(allowed, toolName) {
			return true
		}
	}

	return false
}

// Filter returns the subset of names allowed by the policy, preserving order.
func (tp *ToolPolicy) Filter(names []string) []string {
	out := make([]string, 0, len(names))
	for _, name := range names {
		if tp.IsToolAllowed(name) {
			out = append(out, name)
		}
	}
	return out
}

// Validate checks that every pattern in the policy is well formed.
func (tp *ToolPolicy) Validate() error {
	if tp == nil {
		return nil
	}
	for _, list := range [][]string{tp.Allow, tp.Deny} {
		for _, pattern := range list {
			if pattern == "" {
				return fmt.Errorf("empty tool pattern")
			}
			if _, err := path.Match(pattern, ""); err != nil {
				return fmt.Errorf("invalid tool pattern %q: %w", pattern, err)
			}
		}
	}
	return nil
}

func matchTool(pattern, name string) bool {
	if pattern == "*" || pattern == name {
		return true
	}
	ok, err := path.Match(pattern, name)
	return err == nil && ok
}
