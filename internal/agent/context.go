package agent

import (
	"context"

	"github.com/hollisb/conductor/internal/llm"
	"github.com/hollisb/conductor/internal/store"
)

// HistoryBuilder is the default ContextBuilder: system prompt from the
// persona (or the built-in default) followed by the conversation's
// recent user and assistant messages. Tool chatter from earlier turns
// is not replayed — results the model needed were folded into its own
// replies at the time.
type HistoryBuilder struct {
	store *store.Store
	limit int
}

// NewHistoryBuilder creates a builder loading up to limit stored
// messages per request.
func NewHistoryBuilder(st *store.Store, limit int) *HistoryBuilder {
	if limit <= 0 {
		limit = 50
	}
	return &HistoryBuilder{store: st, limit: limit}
}

// Build assembles the model context. The incoming user message is
// already persisted when this runs, so it arrives via history.
func (b *HistoryBuilder) Build(ctx context.Context, conv *store.Conversation, persona *store.Persona, in *Incoming) ([]llm.Message, error) {
	prompt := defaultSystemPrompt
	if persona != nil && persona.SystemPrompt != "" {
		prompt = persona.SystemPrompt
	}

	messages := []llm.Message{{Role: "system", Content: prompt}}

	history, err := b.store.Messages(ctx, conv.ID, b.limit)
	if err != nil {
		return nil, err
	}
	for _, m := range history {
		switch m.Role {
		case store.RoleUser, store.RoleAssistant:
			messages = append(messages, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return messages, nil
}
