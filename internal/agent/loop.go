// Package agent implements the core agent loop: resolve the caller,
// gate on budget, assemble context, then iterate model calls and tool
// executions until the model stops asking for tools or the iteration
// cap is hit.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hollisb/conductor/internal/budget"
	"github.com/hollisb/conductor/internal/config"
	"github.com/hollisb/conductor/internal/llm"
	"github.com/hollisb/conductor/internal/metrics"
	"github.com/hollisb/conductor/internal/modules"
	"github.com/hollisb/conductor/internal/registry"
	"github.com/hollisb/conductor/internal/store"
)

// toolMaxAttempts is the retry policy for tool execution: a failed call
// is retried exactly once, with no backoff. The registry itself never
// retries, so attempts are counted here and nowhere else.
const toolMaxAttempts = 2

// truncationMarker is appended to tool result text cut at the
// configured length, so the model knows output was trimmed.
const truncationMarker = "\n[truncated]"

const defaultSystemPrompt = "You are Conductor, a helpful assistant. Use the available tools when they help answer the request. Be concise."

const internalErrorMessage = "Something went wrong on my end. Please try again."

const budgetExceededMessage = "You've used up your monthly token budget. It will reset at the start of your next period."

// Attachment describes an inbound file reference.
type Attachment struct {
	Name        string `json:"name"`
	URL         string `json:"url"`
	ContentType string `json:"content_type"`
	SizeBytes   int64  `json:"size_bytes"`
}

// Incoming is one inbound chat message from any platform front-end.
type Incoming struct {
	Platform       string       `json:"platform"`
	PlatformUserID string       `json:"platform_user_id"`
	DisplayName    string       `json:"display_name,omitempty"`
	ServerID       string       `json:"server_id,omitempty"`
	ChannelID      string       `json:"channel_id"`
	ThreadID       string       `json:"thread_id,omitempty"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments,omitempty"`
}

// Metadata carries per-request accounting for callers that want it.
type Metadata struct {
	ConversationID string  `json:"conversation_id,omitempty"`
	Model          string  `json:"model,omitempty"`
	Iterations     int     `json:"iterations"`
	InputTokens    int     `json:"input_tokens"`
	OutputTokens   int     `json:"output_tokens"`
	CostUSD        float64 `json:"cost_usd"`
}

// Response is what the loop hands back for every inbound message. Error
// holds a user-safe string; internal detail stays in the logs.
type Response struct {
	Content  string   `json:"content"`
	Files    []string `json:"files,omitempty"`
	Error    string   `json:"error,omitempty"`
	Metadata Metadata `json:"metadata"`
}

// ToolExecutor is the registry surface the loop consumes.
type ToolExecutor interface {
	ToolsForUser(permissionLevel string, allowedModules []string) []modules.ToolDefinition
	Execute(ctx context.Context, toolName string, args map[string]any, userID string) *modules.Result
}

// ModelCaller is the router surface the loop consumes.
type ModelCaller interface {
	Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, maxTokens int) (*llm.Response, error)
	Cost(model string, inputTokens, outputTokens int) float64
}

// ContextBuilder assembles the model context for a conversation. The
// production memory system lives behind this interface; HistoryBuilder
// is the in-tree default.
type ContextBuilder interface {
	Build(ctx context.Context, conv *store.Conversation, persona *store.Persona, in *Incoming) ([]llm.Message, error)
}

// Deps are the loop's collaborators.
type Deps struct {
	Store         *store.Store
	Gate          *budget.Gate
	Tools         ToolExecutor
	Model         ModelCaller
	Context       ContextBuilder
	Metrics       *metrics.Metrics
	Logger        *slog.Logger
	DefaultBudget *int64 // monthly token budget for auto-created guests; nil = unlimited
}

// Loop runs the bounded reason-act cycle for one inbound message.
type Loop struct {
	cfg           config.AgentConfig
	store         *store.Store
	gate          *budget.Gate
	tools         ToolExecutor
	model         ModelCaller
	builder       ContextBuilder
	metrics       *metrics.Metrics
	logger        *slog.Logger
	defaultBudget *int64
}

// New creates an agent loop.
func New(cfg config.AgentConfig, deps Deps) *Loop {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Loop{
		cfg:           cfg,
		store:         deps.Store,
		gate:          deps.Gate,
		tools:         deps.Tools,
		model:         deps.Model,
		builder:       deps.Context,
		metrics:       deps.Metrics,
		logger:        logger.With("component", "agent"),
		defaultBudget: deps.DefaultBudget,
	}
}

// Run processes one inbound message. It never returns an error: every
// internal failure is logged and converted into a Response carrying a
// user-safe error string.
func (l *Loop) Run(ctx context.Context, in *Incoming) *Response {
	start := time.Now()

	resp, outcome, err := l.run(ctx, in)
	if err != nil {
		l.logger.Error("agent run failed",
			"platform", in.Platform,
			"channel", in.ChannelID,
			"error", err,
		)
		resp = &Response{Error: internalErrorMessage}
		outcome = "error"
	}

	if l.metrics != nil {
		l.metrics.MessagesTotal.WithLabelValues(in.Platform, outcome).Inc()
		l.metrics.MessageDuration.WithLabelValues(in.Platform).Observe(time.Since(start).Seconds())
		if resp.Metadata.Iterations > 0 {
			l.metrics.LoopIterations.Observe(float64(resp.Metadata.Iterations))
		}
	}
	return resp
}

func (l *Loop) run(ctx context.Context, in *Incoming) (*Response, string, error) {
	// RESOLVE_USER: unseen identities become guests, never an error.
	user, created, err := l.store.ResolveUser(ctx, in.Platform, in.PlatformUserID, in.DisplayName, l.defaultBudget)
	if err != nil {
		return nil, "", fmt.Errorf("resolve user: %w", err)
	}
	if created {
		l.logger.Info("created guest user", "user", user.ID, "platform", in.Platform)
	}

	// CHECK_BUDGET: exhausted budget exits before any model call.
	allowed, err := l.gate.Check(ctx, user)
	if err != nil {
		return nil, "", fmt.Errorf("budget check: %w", err)
	}
	if !allowed {
		l.logger.Info("budget exceeded", "user", user.ID)
		if l.metrics != nil {
			l.metrics.BudgetDenials.Inc()
		}
		return &Response{Error: budgetExceededMessage}, "budget", nil
	}

	// RESOLVE_PERSONA: cascading lookup, "none" is a valid outcome.
	persona, err := l.store.FindPersona(ctx, personaScopes(in)...)
	if err != nil {
		return nil, "", fmt.Errorf("resolve persona: %w", err)
	}

	// RESOLVE_CONVERSATION: threads are distinct from their channel.
	conv, _, err := l.store.FindOrCreateConversation(ctx, in.Platform, in.ChannelID, in.ThreadID, in.ServerID)
	if err != nil {
		return nil, "", fmt.Errorf("resolve conversation: %w", err)
	}

	// REGISTER_ATTACHMENTS: file rows must be durable before any tool
	// call, because modules read them over their own connections.
	for _, att := range in.Attachments {
		rec := store.FileRecord{
			UserID:         user.ID,
			ConversationID: conv.ID,
			Name:           att.Name,
			URL:            att.URL,
			ContentType:    att.ContentType,
			SizeBytes:      att.SizeBytes,
		}
		if err := l.store.CreateFile(ctx, &rec); err != nil {
			return nil, "", fmt.Errorf("register attachment %q: %w", att.Name, err)
		}
	}

	if _, err := l.store.AppendMessage(ctx, conv.ID, store.RoleUser, in.Content); err != nil {
		return nil, "", fmt.Errorf("persist user message: %w", err)
	}

	// BUILD_CONTEXT.
	messages, err := l.builder.Build(ctx, conv, persona, in)
	if err != nil {
		return nil, "", fmt.Errorf("build context: %w", err)
	}

	allowedModules := l.cfg.GuestModules
	model := ""
	maxTokens := 0
	if persona != nil {
		allowedModules = persona.AllowedModules
		model = persona.DefaultModel
		maxTokens = persona.MaxTokensPerRequest
	}
	toolDefs := l.tools.ToolsForUser(user.PermissionLevel, allowedModules)
	schema := registry.ToModelSchema(toolDefs)

	l.logger.Debug("context ready",
		"conversation", conv.ID,
		"user", user.ID,
		"tools", len(toolDefs),
		"history", len(messages),
	)

	resp, err := l.iterate(ctx, in, user, conv, messages, schema, model, maxTokens)
	if err != nil {
		return nil, "", err
	}
	return resp, "ok", nil
}

// iterate runs the CALL_MODEL / EXECUTE_TOOLS sub-loop. The iteration
// cap is the only termination guarantee besides a non-tool-use stop.
func (l *Loop) iterate(ctx context.Context, in *Incoming, user *store.User, conv *store.Conversation, messages []llm.Message, schema []map[string]any, model string, maxTokens int) (*Response, error) {
	maxIterations := l.cfg.MaxIterationsOrDefault()

	var (
		meta        = Metadata{ConversationID: conv.ID}
		content     string
		toolResults []*modules.Result
	)

	for iteration := 1; iteration <= maxIterations; iteration++ {
		meta.Iterations = iteration

		modelResp, err := l.callModel(ctx, model, messages, schema, maxTokens)
		if err != nil {
			return nil, fmt.Errorf("model call (iteration %d): %w", iteration, err)
		}

		// Accounting happens on every call regardless of stop reason.
		if err := l.recordUsage(ctx, user, conv, modelResp, &meta); err != nil {
			return nil, err
		}

		content = modelResp.Content

		if modelResp.StopReason != llm.StopToolUse || len(modelResp.ToolCalls) == 0 {
			break
		}

		messages = append(messages, llm.Message{
			Role:      store.RoleAssistant,
			Content:   modelResp.Content,
			ToolCalls: modelResp.ToolCalls,
		})

		// Tool calls run sequentially, in the order the model emitted
		// them: later arguments may depend on earlier side effects.
		for _, call := range modelResp.ToolCalls {
			injectConversationContext(&call, in, conv.ID)

			result := l.executeTool(ctx, call, user.ID)
			toolResults = append(toolResults, result)

			callJSON, _ := json.Marshal(map[string]any{"name": call.Name, "arguments": call.Arguments})
			if _, err := l.store.AppendMessage(ctx, conv.ID, store.RoleToolCall, string(callJSON)); err != nil {
				return nil, fmt.Errorf("persist tool call: %w", err)
			}

			resultText := truncate(renderResult(result), l.cfg.ToolResultLimitOrDefault())
			if _, err := l.store.AppendMessage(ctx, conv.ID, store.RoleToolResult, resultText); err != nil {
				return nil, fmt.Errorf("persist tool result: %w", err)
			}

			messages = append(messages, llm.Message{
				Role:       "tool",
				Content:    resultText,
				ToolCallID: call.ID,
			})
		}
	}

	if content != "" {
		if _, err := l.store.AppendMessage(ctx, conv.ID, store.RoleAssistant, content); err != nil {
			return nil, fmt.Errorf("persist assistant message: %w", err)
		}
	}

	// FINALIZE: surface file artifacts the tools produced.
	return &Response{
		Content:  content,
		Files:    collectFiles(toolResults),
		Metadata: meta,
	}, nil
}

func (l *Loop) callModel(ctx context.Context, model string, messages []llm.Message, schema []map[string]any, maxTokens int) (*llm.Response, error) {
	start := time.Now()
	resp, err := l.model.Chat(ctx, model, messages, schema, maxTokens)
	if l.metrics != nil {
		if err != nil {
			l.metrics.ModelCalls.WithLabelValues(model, "error").Inc()
		} else {
			l.metrics.ModelCalls.WithLabelValues(resp.Model, "ok").Inc()
			l.metrics.ModelLatency.WithLabelValues(resp.Model).Observe(time.Since(start).Seconds())
			l.metrics.ModelTokens.WithLabelValues(resp.Model, "input").Add(float64(resp.InputTokens))
			l.metrics.ModelTokens.WithLabelValues(resp.Model, "output").Add(float64(resp.OutputTokens))
			if model != "" && resp.Model != model {
				l.metrics.ModelFallback.WithLabelValues(model, resp.Model).Inc()
			}
		}
	}
	return resp, err
}

func (l *Loop) recordUsage(ctx context.Context, user *store.User, conv *store.Conversation, resp *llm.Response, meta *Metadata) error {
	cost := l.model.Cost(resp.Model, resp.InputTokens, resp.OutputTokens)

	err := l.store.RecordTokenLog(ctx, store.TokenLog{
		UserID:         user.ID,
		ConversationID: conv.ID,
		Model:          resp.Model,
		InputTokens:    resp.InputTokens,
		OutputTokens:   resp.OutputTokens,
		CostUSD:        cost,
	})
	if err != nil {
		return fmt.Errorf("record token log: %w", err)
	}
	if err := l.store.AddTokenUsage(ctx, user.ID, int64(resp.InputTokens+resp.OutputTokens)); err != nil {
		return fmt.Errorf("accrue token usage: %w", err)
	}

	meta.Model = resp.Model
	meta.InputTokens += resp.InputTokens
	meta.OutputTokens += resp.OutputTokens
	meta.CostUSD += cost
	return nil
}

// executeTool dispatches one tool call through the registry, retrying a
// failed call exactly once.
func (l *Loop) executeTool(ctx context.Context, call llm.ToolCall, userID string) *modules.Result {
	var result *modules.Result
	start := time.Now()
	for attempt := 1; attempt <= toolMaxAttempts; attempt++ {
		result = l.tools.Execute(ctx, call.Name, call.Arguments, userID)
		if result.Success {
			break
		}
		if attempt < toolMaxAttempts {
			l.logger.Warn("tool call failed, retrying",
				"tool", call.Name,
				"attempt", attempt,
				"error", result.Error,
			)
		}
	}

	moduleName, _, _ := strings.Cut(call.Name, ".")
	if result.Success {
		l.logger.Debug("tool call succeeded", "tool", call.Name)
	} else {
		l.logger.Warn("tool call failed", "tool", call.Name, "error", result.Error)
	}
	if l.metrics != nil {
		outcome := "error"
		if result.Success {
			outcome = "ok"
		}
		l.metrics.ToolCalls.WithLabelValues(moduleName, outcome).Inc()
		l.metrics.ToolDuration.WithLabelValues(moduleName).Observe(time.Since(start).Seconds())
	}
	return result
}

// injectConversationContext adds caller context to a tool call's
// arguments. Scheduler and location tools need to know where to resume
// or notify; the scheduler's create_job tool additionally gets the
// conversation id so a fired job can continue the right conversation.
func injectConversationContext(call *llm.ToolCall, in *Incoming, conversationID string) {
	moduleName, _, _ := strings.Cut(call.Name, ".")
	if moduleName != "scheduler" && moduleName != "location" {
		return
	}
	if call.Arguments == nil {
		call.Arguments = make(map[string]any)
	}
	call.Arguments["platform"] = in.Platform
	call.Arguments["channel_id"] = in.ChannelID
	if in.ThreadID != "" {
		call.Arguments["thread_id"] = in.ThreadID
	}
	if call.Name == "scheduler.create_job" {
		call.Arguments["conversation_id"] = conversationID
	}
}

func personaScopes(in *Incoming) []string {
	scopes := make([]string, 0, 3)
	if in.ServerID != "" {
		scopes = append(scopes, "server:"+in.ServerID)
	}
	scopes = append(scopes, "platform:"+in.Platform, "default")
	return scopes
}

// renderResult flattens a tool result into text for the model context.
func renderResult(res *modules.Result) string {
	if !res.Success {
		return "error: " + res.Error
	}
	switch v := res.Result.(type) {
	case nil:
		return "ok"
	case string:
		return v
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + truncationMarker
}

// collectFiles scans successful tool results for a top-level "url"
// string or "files" array and surfaces them as response attachments.
func collectFiles(results []*modules.Result) []string {
	var files []string
	for _, res := range results {
		if !res.Success {
			continue
		}
		payload, ok := res.Result.(map[string]any)
		if !ok {
			continue
		}
		if url, ok := payload["url"].(string); ok && url != "" {
			files = append(files, url)
		}
		if list, ok := payload["files"].([]any); ok {
			for _, f := range list {
				if s, ok := f.(string); ok && s != "" {
					files = append(files, s)
				}
			}
		}
	}
	return files
}
