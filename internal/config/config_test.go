package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
listen:
  port: 9090
log_level: debug
models:
  default: claude-sonnet-4-20250514
  fallbacks: [claude-haiku-3-20240307]
  max_tokens: 2048
modules:
  endpoints:
    research: http://localhost:7001
    code_executor: http://localhost:7002
  slow: "code_executor, media"
  execute_timeout_sec: 45
agent:
  max_iterations: 5
  tool_result_limit: 4000
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.Listen.Port != 9090 {
		t.Errorf("Listen.Port = %d, want 9090", cfg.Listen.Port)
	}
	if cfg.Models.MaxTokens != 2048 {
		t.Errorf("Models.MaxTokens = %d, want 2048", cfg.Models.MaxTokens)
	}
	if got := cfg.Modules.Endpoints["research"]; got != "http://localhost:7001" {
		t.Errorf("research endpoint = %q", got)
	}
	if cfg.Agent.MaxIterationsOrDefault() != 5 {
		t.Errorf("MaxIterations = %d, want 5", cfg.Agent.MaxIterationsOrDefault())
	}
	if cfg.Agent.ToolResultLimitOrDefault() != 4000 {
		t.Errorf("ToolResultLimit = %d, want 4000", cfg.Agent.ToolResultLimitOrDefault())
	}
	if cfg.Modules.ExecuteTimeout() != 45*time.Second {
		t.Errorf("ExecuteTimeout = %v, want 45s", cfg.Modules.ExecuteTimeout())
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	t.Setenv("TEST_ANTHROPIC_KEY", "sk-test-123")
	path := writeConfig(t, `
providers:
  anthropic:
    api_key: ${TEST_ANTHROPIC_KEY}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Providers.Anthropic.APIKey != "sk-test-123" {
		t.Errorf("APIKey = %q, want expanded env value", cfg.Providers.Anthropic.APIKey)
	}
}

func TestSlowSet(t *testing.T) {
	m := ModulesConfig{Slow: "code_executor, media ,"}
	set := m.SlowSet()
	if !set["code_executor"] || !set["media"] {
		t.Errorf("SlowSet() = %v, want code_executor and media", set)
	}
	if len(set) != 2 {
		t.Errorf("SlowSet() has %d entries, want 2", len(set))
	}

	if got := (ModulesConfig{}).SlowSet(); len(got) != 0 {
		t.Errorf("empty Slow produced %v", got)
	}
}

func TestTimeoutDefaults(t *testing.T) {
	m := ModulesConfig{}
	if m.ExecuteTimeout() != 30*time.Second {
		t.Errorf("default ExecuteTimeout = %v, want 30s", m.ExecuteTimeout())
	}
	if m.LongTimeout() != 120*time.Second {
		t.Errorf("default LongTimeout = %v, want 120s", m.LongTimeout())
	}
	if m.DiscoveryTimeout() != 10*time.Second {
		t.Errorf("default DiscoveryTimeout = %v, want 10s", m.DiscoveryTimeout())
	}
	if m.ManifestTTL() != time.Hour {
		t.Errorf("default ManifestTTL = %v, want 1h", m.ManifestTTL())
	}
}

func TestParseLogLevel(t *testing.T) {
	for _, tc := range []struct {
		in      string
		wantErr bool
	}{
		{"trace", false},
		{"debug", false},
		{"", false},
		{"INFO", false},
		{"warn", false},
		{"warning", false},
		{"error", false},
		{"verbose", true},
	} {
		_, err := ParseLogLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
	}
}
