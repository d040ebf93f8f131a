package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestConvertToAnthropic_SystemExtraction(t *testing.T) {
	msgs := []Message{
		{Role: "system", Content: "You are helpful."},
		{Role: "user", Content: "hi"},
		{Role: "assistant", Content: "hello"},
	}

	wire, system := convertToAnthropic(msgs)
	if system != "You are helpful." {
		t.Errorf("system = %q", system)
	}
	if len(wire) != 2 {
		t.Fatalf("len(wire) = %d, want 2 (system extracted)", len(wire))
	}
	if wire[0].Role != "user" || wire[1].Role != "assistant" {
		t.Errorf("roles = %s/%s", wire[0].Role, wire[1].Role)
	}
}

func TestConvertToAnthropic_ToolRoundTrip(t *testing.T) {
	msgs := []Message{
		{Role: "user", Content: "search for cats"},
		{
			Role: "assistant",
			ToolCalls: []ToolCall{{
				ID:        "toolu_01",
				Name:      "research.web_search",
				Arguments: map[string]any{"query": "cats"},
			}},
		},
		{Role: "tool", ToolCallID: "toolu_01", Content: `{"hits": 3}`},
	}

	wire, _ := convertToAnthropic(msgs)
	if len(wire) != 3 {
		t.Fatalf("len(wire) = %d, want 3", len(wire))
	}

	blocks, ok := wire[1].Content.([]anthropicContent)
	if !ok || len(blocks) != 1 {
		t.Fatalf("assistant content = %#v, want one tool_use block", wire[1].Content)
	}
	if blocks[0].Type != "tool_use" || blocks[0].ID != "toolu_01" || blocks[0].Name != "research.web_search" {
		t.Errorf("tool_use block = %+v", blocks[0])
	}

	// Tool result becomes a user message with a tool_result block.
	if wire[2].Role != "user" {
		t.Errorf("tool result role = %q, want user", wire[2].Role)
	}
	resBlocks, ok := wire[2].Content.([]anthropicContent)
	if !ok || len(resBlocks) != 1 || resBlocks[0].Type != "tool_result" || resBlocks[0].ToolUseID != "toolu_01" {
		t.Errorf("tool_result block = %#v", wire[2].Content)
	}
}

func TestConvertFromAnthropic_StopReasons(t *testing.T) {
	tests := []struct {
		name string
		wire anthropicResponse
		want StopReason
	}{
		{
			name: "end_turn",
			wire: anthropicResponse{
				StopReason: "end_turn",
				Content:    []anthropicContent{{Type: "text", Text: "done"}},
			},
			want: StopEndTurn,
		},
		{
			name: "max_tokens",
			wire: anthropicResponse{StopReason: "max_tokens"},
			want: StopMaxTokens,
		},
		{
			name: "tool_use",
			wire: anthropicResponse{
				StopReason: "tool_use",
				Content: []anthropicContent{{
					Type:  "tool_use",
					ID:    "toolu_02",
					Name:  "file_manager.create_document",
					Input: map[string]any{"title": "notes"},
				}},
			},
			want: StopToolUse,
		},
		{
			name: "tool blocks without stop_reason still mean tool_use",
			wire: anthropicResponse{
				Content: []anthropicContent{{Type: "tool_use", ID: "x", Name: "a.b"}},
			},
			want: StopToolUse,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			resp := convertFromAnthropic(&tc.wire)
			if resp.StopReason != tc.want {
				t.Errorf("StopReason = %q, want %q", resp.StopReason, tc.want)
			}
		})
	}
}

func TestAnthropicChat(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "key-123" {
			t.Errorf("x-api-key = %q", got)
		}
		var req anthropicRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.MaxTokens != 256 {
			t.Errorf("max_tokens = %d, want 256", req.MaxTokens)
		}

		json.NewEncoder(w).Encode(anthropicResponse{
			Model:      "claude-sonnet-4-20250514",
			StopReason: "end_turn",
			Content:    []anthropicContent{{Type: "text", Text: "hi there"}},
			Usage:      anthropicUsage{InputTokens: 12, OutputTokens: 4},
		})
	}))
	defer srv.Close()

	c := NewAnthropicClient("key-123", nil)
	c.baseURL = srv.URL

	resp, err := c.Chat(context.Background(), "claude-sonnet-4-20250514",
		[]Message{{Role: "user", Content: "hi"}}, nil, 256)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Content != "hi there" || resp.InputTokens != 12 || resp.OutputTokens != 4 {
		t.Errorf("resp = %+v", resp)
	}
}

func TestAnthropicChat_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":{"type":"rate_limit_error"}}`))
	}))
	defer srv.Close()

	c := NewAnthropicClient("key-123", nil)
	c.baseURL = srv.URL

	_, err := c.Chat(context.Background(), "m", []Message{{Role: "user", Content: "hi"}}, nil, 0)
	if err == nil {
		t.Fatal("Chat succeeded, want error on 429")
	}
}
