// Package modules implements the HTTP client side of the tool-module
// contract: manifest discovery (GET /manifest) and tool execution
// (POST /execute). Tool modules are independently deployed services;
// the wire shapes here must match theirs bit-for-bit.
package modules

import "fmt"

// ToolParameter describes one parameter of a tool.
type ToolParameter struct {
	Name        string   `json:"name"`
	Type        string   `json:"type"`
	Description string   `json:"description"`
	Required    bool     `json:"required"`
	Enum        []string `json:"enum,omitempty"`
}

// ToolDefinition is one callable tool declared in a module's manifest.
// Names take the form "<module>.<method>".
type ToolDefinition struct {
	Name               string          `json:"name"`
	Description        string          `json:"description"`
	Parameters         []ToolParameter `json:"parameters"`
	RequiredPermission string          `json:"required_permission"`
}

// Manifest is a module's declared tool list. Manifests are immutable
// snapshots: discovery replaces them wholesale, never patches them.
type Manifest struct {
	Tools []ToolDefinition `json:"tools"`
}

// ExecuteRequest is the POST /execute body.
type ExecuteRequest struct {
	ToolName  string         `json:"tool_name"`
	Arguments map[string]any `json:"arguments"`
	UserID    string         `json:"user_id,omitempty"`
}

// Result is the outcome of one tool execution. Failures are values, not
// errors: the agent loop surfaces them to the model as tool output.
type Result struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
}

// Failure builds a failed Result from an error message.
func Failure(format string, args ...any) *Result {
	return &Result{Success: false, Error: fmt.Sprintf(format, args...)}
}
