// Package config handles Conductor configuration loading.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/conductor/config.yaml, /etc/conductor/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "conductor", "config.yaml"))
	}

	paths = append(paths, "/etc/conductor/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Conductor configuration. It is loaded once at startup
// and treated as immutable afterwards; components receive the pieces they
// need by value or shared pointer, never by re-reading ambient state.
type Config struct {
	Listen    ListenConfig    `yaml:"listen"`
	DataDir   string          `yaml:"data_dir"`
	LogLevel  string          `yaml:"log_level"`
	Providers ProvidersConfig `yaml:"providers"`
	Models    ModelsConfig    `yaml:"models"`
	Modules   ModulesConfig   `yaml:"modules"`
	Agent     AgentConfig     `yaml:"agent"`
	Budget    BudgetConfig    `yaml:"budget"`
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// ProvidersConfig defines upstream LLM provider settings.
type ProvidersConfig struct {
	Anthropic AnthropicConfig `yaml:"anthropic"`
	Ollama    OllamaConfig    `yaml:"ollama"`
}

// AnthropicConfig defines Anthropic API settings.
type AnthropicConfig struct {
	APIKey string `yaml:"api_key"`
}

// OllamaConfig defines the local Ollama endpoint.
type OllamaConfig struct {
	URL string `yaml:"url"`
}

// ModelsConfig defines model selection and the fallback chain.
type ModelsConfig struct {
	// Default is the model used when neither the request nor the persona
	// names one.
	Default string `yaml:"default"`
	// Fallbacks are tried in order after the requested model fails.
	Fallbacks []string `yaml:"fallbacks"`
	// Providers maps a model name to the provider that serves it
	// ("anthropic" or "ollama").
	Providers map[string]string `yaml:"providers"`
	// MaxTokens caps tokens generated per model call unless the persona
	// overrides it.
	MaxTokens int `yaml:"max_tokens"`
	// Pricing is per-model USD cost per million tokens. This table, not a
	// provider billing callback, is authoritative for budget accounting.
	Pricing map[string]PricingEntry `yaml:"pricing"`
}

// PricingEntry is the USD cost per million input/output tokens for a model.
type PricingEntry struct {
	InputPerMillion  float64 `yaml:"input_per_million"`
	OutputPerMillion float64 `yaml:"output_per_million"`
}

// ModulesConfig defines the remote tool modules the registry talks to.
type ModulesConfig struct {
	// Endpoints maps module name to base URL.
	Endpoints map[string]string `yaml:"endpoints"`
	// Slow is a comma-separated list of module names that get the long
	// execute timeout instead of the default.
	Slow string `yaml:"slow"`
	// ExecuteTimeoutSec is the default tool execution timeout (default 30).
	ExecuteTimeoutSec int `yaml:"execute_timeout_sec"`
	// LongTimeoutSec is the execute timeout for slow modules (default 120).
	LongTimeoutSec int `yaml:"long_timeout_sec"`
	// DiscoveryTimeoutSec is the per-module manifest fetch timeout (default 10).
	DiscoveryTimeoutSec int `yaml:"discovery_timeout_sec"`
	// RefreshIntervalSec is how often manifests are re-discovered (default 1800).
	RefreshIntervalSec int `yaml:"refresh_interval_sec"`
	// ManifestTTLSec bounds how long a cached manifest is served (default 3600).
	ManifestTTLSec int `yaml:"manifest_ttl_sec"`
}

// SlowSet parses the comma-separated slow-module list into a set.
func (m ModulesConfig) SlowSet() map[string]bool {
	set := make(map[string]bool)
	for _, name := range strings.Split(m.Slow, ",") {
		name = strings.TrimSpace(name)
		if name != "" {
			set[name] = true
		}
	}
	return set
}

// ExecuteTimeout returns the default tool execution timeout.
func (m ModulesConfig) ExecuteTimeout() time.Duration {
	return secondsOr(m.ExecuteTimeoutSec, 30*time.Second)
}

// LongTimeout returns the execute timeout for slow modules.
func (m ModulesConfig) LongTimeout() time.Duration {
	return secondsOr(m.LongTimeoutSec, 120*time.Second)
}

// DiscoveryTimeout returns the per-module manifest fetch timeout.
func (m ModulesConfig) DiscoveryTimeout() time.Duration {
	return secondsOr(m.DiscoveryTimeoutSec, 10*time.Second)
}

// RefreshInterval returns the manifest re-discovery interval.
func (m ModulesConfig) RefreshInterval() time.Duration {
	return secondsOr(m.RefreshIntervalSec, 30*time.Minute)
}

// ManifestTTL returns the manifest cache TTL.
func (m ModulesConfig) ManifestTTL() time.Duration {
	return secondsOr(m.ManifestTTLSec, time.Hour)
}

func secondsOr(sec int, def time.Duration) time.Duration {
	if sec <= 0 {
		return def
	}
	return time.Duration(sec) * time.Second
}

// AgentConfig defines agent loop behavior.
type AgentConfig struct {
	// MaxIterations bounds the reason-act cycle per message (default 10).
	MaxIterations int `yaml:"max_iterations"`
	// ToolResultLimit truncates tool result text appended to context,
	// in characters (default 8000).
	ToolResultLimit int `yaml:"tool_result_limit"`
	// GuestModules are the modules available when no persona resolves.
	GuestModules []string `yaml:"guest_modules"`
	// HistoryLimit is how many stored messages the default context builder
	// loads (default 50).
	HistoryLimit int `yaml:"history_limit"`
}

// MaxIterationsOrDefault returns the configured iteration cap.
func (a AgentConfig) MaxIterationsOrDefault() int {
	if a.MaxIterations <= 0 {
		return 10
	}
	return a.MaxIterations
}

// ToolResultLimitOrDefault returns the configured truncation length.
func (a AgentConfig) ToolResultLimitOrDefault() int {
	if a.ToolResultLimit <= 0 {
		return 8000
	}
	return a.ToolResultLimit
}

// BudgetConfig defines token budget defaults.
type BudgetConfig struct {
	// DefaultMonthlyTokens is the budget assigned to auto-created guest
	// users. Zero means unlimited.
	DefaultMonthlyTokens int64 `yaml:"default_monthly_tokens"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		Listen:  ListenConfig{Port: 8080},
		DataDir: "data",
		Models: ModelsConfig{
			Default:   "claude-sonnet-4-20250514",
			MaxTokens: 4096,
			Providers: map[string]string{
				"claude-sonnet-4-20250514": "anthropic",
				"claude-haiku-3-20240307":  "anthropic",
				"qwen3:8b":                 "ollama",
			},
			Fallbacks: []string{"claude-haiku-3-20240307", "qwen3:8b"},
			Pricing: map[string]PricingEntry{
				"claude-sonnet-4-20250514": {InputPerMillion: 3.0, OutputPerMillion: 15.0},
				"claude-haiku-3-20240307":  {InputPerMillion: 0.25, OutputPerMillion: 1.25},
			},
		},
		Agent: AgentConfig{
			MaxIterations:   10,
			ToolResultLimit: 8000,
			GuestModules:    []string{"research"},
			HistoryLimit:    50,
		},
	}
}
