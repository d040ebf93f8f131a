// Package llm provides LLM client implementations and routing.
package llm

// StopReason indicates why the model stopped generating.
type StopReason string

const (
	// StopEndTurn means the model produced a terminal answer.
	StopEndTurn StopReason = "end_turn"

	// StopToolUse means the model is requesting tool calls.
	StopToolUse StopReason = "tool_use"

	// StopMaxTokens means generation was cut off at the token cap.
	StopMaxTokens StopReason = "max_tokens"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"` // For tool responses
}

// ToolCall represents a tool call requested by the model. Arguments are
// mutable on purpose: the agent loop injects caller identity and
// conversation context before dispatch.
type ToolCall struct {
	ID        string         `json:"id,omitempty"` // Provider-assigned ID (required by Anthropic for tool_result correlation)
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Response is the unified response from any LLM provider. All fields use
// proper Go types — wire format conversion happens at provider boundaries
// (anthropic.go, ollama.go).
type Response struct {
	// Content is the model's text output.
	Content string

	// StopReason is normalized across providers.
	StopReason StopReason

	// ToolCalls are set when StopReason is StopToolUse.
	ToolCalls []ToolCall

	// Model is the model that actually served the call. After fallback
	// this may differ from the model requested.
	Model string

	// Token usage (provider-neutral).
	InputTokens  int
	OutputTokens int
}
