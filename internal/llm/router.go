package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/hollisb/conductor/internal/config"
)

// Router fronts multiple provider adapters behind the Client interface
// and applies an ordered fallback chain when a provider fails. The
// response records which model actually served the call so budgeting
// and UI can reflect substitution.
type Router struct {
	providers    map[string]Client // provider name → adapter
	models       map[string]string // model name → provider name
	defaultModel string
	fallbacks    []string
	maxTokens    int
	pricing      map[string]config.PricingEntry
	logger       *slog.Logger
}

// NewRouter creates a router from the models configuration. Provider
// adapters are registered afterwards with AddProvider.
func NewRouter(cfg config.ModelsConfig, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	models := make(map[string]string, len(cfg.Providers))
	for model, provider := range cfg.Providers {
		models[model] = provider
	}
	return &Router{
		providers:    make(map[string]Client),
		models:       models,
		defaultModel: cfg.Default,
		fallbacks:    cfg.Fallbacks,
		maxTokens:    cfg.MaxTokens,
		pricing:      cfg.Pricing,
		logger:       logger.With("component", "llm_router"),
	}
}

// AddProvider registers an adapter for a provider name.
func (r *Router) AddProvider(name string, client Client) {
	r.providers[name] = client
}

// AddModel maps a model name to a provider.
func (r *Router) AddModel(modelName, providerName string) {
	r.models[modelName] = providerName
}

// DefaultModel returns the model used when a request names none.
func (r *Router) DefaultModel() string {
	return r.defaultModel
}

// clientFor returns the adapter serving a model, or nil.
func (r *Router) clientFor(model string) Client {
	if provider, ok := r.models[model]; ok {
		return r.providers[provider]
	}
	return nil
}

// chain returns the ordered, de-duplicated list of models to try:
// the requested model (or the default) followed by the fallback chain.
func (r *Router) chain(requested string) []string {
	first := requested
	if first == "" {
		first = r.defaultModel
	}

	seen := map[string]bool{}
	out := make([]string, 0, 1+len(r.fallbacks))
	for _, m := range append([]string{first}, r.fallbacks...) {
		if m == "" || seen[m] {
			continue
		}
		seen[m] = true
		out = append(out, m)
	}
	return out
}

// Chat sends the request to the requested (or default) model and walks
// the fallback chain on provider failure, returning the first success.
// When every entry fails, the aggregate error carries each provider's
// failure for the caller's logs.
func (r *Router) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any, maxTokens int) (*Response, error) {
	if maxTokens <= 0 {
		maxTokens = r.maxTokens
	}

	chain := r.chain(model)
	if len(chain) == 0 {
		return nil, fmt.Errorf("no model configured")
	}

	var failures []error
	for i, m := range chain {
		client := r.clientFor(m)
		if client == nil {
			failures = append(failures, fmt.Errorf("model %q: no provider configured", m))
			continue
		}

		resp, err := client.Chat(ctx, m, messages, tools, maxTokens)
		if err != nil {
			r.logger.Warn("provider call failed",
				"model", m,
				"attempt", i+1,
				"chain_len", len(chain),
				"error", err,
			)
			failures = append(failures, fmt.Errorf("model %q: %w", m, err))
			continue
		}

		if resp.Model == "" {
			resp.Model = m
		}
		if i > 0 {
			r.logger.Info("served by fallback model",
				"requested", chain[0],
				"served", resp.Model,
			)
		}
		return resp, nil
	}

	return nil, fmt.Errorf("all providers failed: %w", errors.Join(failures...))
}

// Cost estimates the USD cost of a call from the serving model's
// pricing table. Models without a pricing entry (local models) cost 0.
func (r *Router) Cost(model string, inputTokens, outputTokens int) float64 {
	entry, ok := r.pricing[model]
	if !ok {
		return 0
	}
	return float64(inputTokens)/1_000_000.0*entry.InputPerMillion +
		float64(outputTokens)/1_000_000.0*entry.OutputPerMillion
}

// Ping checks the provider serving the default model.
func (r *Router) Ping(ctx context.Context) error {
	if client := r.clientFor(r.defaultModel); client != nil {
		return client.Ping(ctx)
	}
	return fmt.Errorf("no provider configured for default model %q", r.defaultModel)
}
