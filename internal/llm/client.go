package llm

import "context"

// Client is the interface that all LLM providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Tools are passed in the model-facing function-calling schema
	// produced by the tool registry. maxTokens caps generation; zero
	// means the provider default.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, maxTokens int) (*Response, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
