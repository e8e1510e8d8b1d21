// ABOUTME: Tests for configuration loading and parsing
// ABOUTME: Covers YAML loading, env var expansion, duration parsing, and defaults

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write test config: %v", err)
	}
	return path
}

func TestLoad_ValidConfig(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: "0.0.0.0:8080"

database:
  path: "./test.db"

auth:
  jwt_secret: "test-secret"

assistant:
  provider: "openai"
  api_key: "sk-test"
  model: "gpt-4o"
  name: "Polly"
  mention_tokens:
    - "@ai"
    - "hey polly"
  lull_timeout: "45s"
  invoke_timeout: "90s"
  context_window_size: 25
  max_tokens: 512

conversation:
  max_message_length: 2000
  rate_limit_per_user_per_minute: 30
  dedupe_window: "1m"

session:
  heartbeat_interval: "15s"
  heartbeat_misses: 3
  grace_period: "2m"

logging:
  level: "debug"
  format: "json"

metrics:
  enabled: true
  path: "/metrics"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Server.HTTPAddr != "0.0.0.0:8080" {
		t.Errorf("Server.HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "0.0.0.0:8080")
	}
	if cfg.Database.Path != "./test.db" {
		t.Errorf("Database.Path = %q, want %q", cfg.Database.Path, "./test.db")
	}
	if cfg.Auth.JWTSecret != "test-secret" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "test-secret")
	}

	if cfg.Assistant.Provider != "openai" {
		t.Errorf("Assistant.Provider = %q, want %q", cfg.Assistant.Provider, "openai")
	}
	if cfg.Assistant.Name != "Polly" {
		t.Errorf("Assistant.Name = %q, want %q", cfg.Assistant.Name, "Polly")
	}
	if len(cfg.Assistant.MentionTokens) != 2 {
		t.Errorf("Assistant.MentionTokens len = %d, want 2", len(cfg.Assistant.MentionTokens))
	}
	if cfg.Assistant.LullTimeout != 45*time.Second {
		t.Errorf("Assistant.LullTimeout = %v, want %v", cfg.Assistant.LullTimeout, 45*time.Second)
	}
	if cfg.Assistant.InvokeTimeout != 90*time.Second {
		t.Errorf("Assistant.InvokeTimeout = %v, want %v", cfg.Assistant.InvokeTimeout, 90*time.Second)
	}
	if cfg.Assistant.ContextWindowSize != 25 {
		t.Errorf("Assistant.ContextWindowSize = %d, want 25", cfg.Assistant.ContextWindowSize)
	}

	if cfg.Conversation.MaxMessageLength != 2000 {
		t.Errorf("Conversation.MaxMessageLength = %d, want 2000", cfg.Conversation.MaxMessageLength)
	}
	if cfg.Conversation.RateLimitPerUserPerMin != 30 {
		t.Errorf("Conversation.RateLimitPerUserPerMin = %d, want 30", cfg.Conversation.RateLimitPerUserPerMin)
	}
	if cfg.Conversation.DedupeWindow != time.Minute {
		t.Errorf("Conversation.DedupeWindow = %v, want %v", cfg.Conversation.DedupeWindow, time.Minute)
	}

	if cfg.Session.HeartbeatInterval != 15*time.Second {
		t.Errorf("Session.HeartbeatInterval = %v, want %v", cfg.Session.HeartbeatInterval, 15*time.Second)
	}
	if cfg.Session.HeartbeatMisses != 3 {
		t.Errorf("Session.HeartbeatMisses = %d, want 3", cfg.Session.HeartbeatMisses)
	}
	if cfg.Session.GracePeriod != 2*time.Minute {
		t.Errorf("Session.GracePeriod = %v, want %v", cfg.Session.GracePeriod, 2*time.Minute)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("Logging.Level = %q, want %q", cfg.Logging.Level, "debug")
	}
	if !cfg.Metrics.Enabled {
		t.Error("Metrics.Enabled = false, want true")
	}
}

func TestLoad_Defaults(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Assistant.Name != "AI Assistant" {
		t.Errorf("Assistant.Name default = %q, want %q", cfg.Assistant.Name, "AI Assistant")
	}
	if cfg.Assistant.LullTimeout != 30*time.Second {
		t.Errorf("Assistant.LullTimeout default = %v, want 30s", cfg.Assistant.LullTimeout)
	}
	if cfg.Conversation.MaxMessageLength != 4000 {
		t.Errorf("Conversation.MaxMessageLength default = %d, want 4000", cfg.Conversation.MaxMessageLength)
	}
	if cfg.Conversation.DedupeWindow != 30*time.Second {
		t.Errorf("Conversation.DedupeWindow default = %v, want 30s", cfg.Conversation.DedupeWindow)
	}
	if cfg.Session.HeartbeatInterval != 30*time.Second {
		t.Errorf("Session.HeartbeatInterval default = %v, want 30s", cfg.Session.HeartbeatInterval)
	}
	if cfg.Session.HeartbeatMisses != 2 {
		t.Errorf("Session.HeartbeatMisses default = %d, want 2", cfg.Session.HeartbeatMisses)
	}
	if cfg.Session.GracePeriod != 60*time.Second {
		t.Errorf("Session.GracePeriod default = %v, want 60s", cfg.Session.GracePeriod)
	}
	if cfg.Metrics.Path != "/metrics" {
		t.Errorf("Metrics.Path default = %q, want /metrics", cfg.Metrics.Path)
	}
}

func TestLoad_EnvVarExpansion(t *testing.T) {
	t.Setenv("POLYLOG_TEST_SECRET", "from-env")
	t.Setenv("POLYLOG_TEST_KEY", "sk-env")

	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "${POLYLOG_TEST_SECRET}"
assistant:
  provider: "anthropic"
  api_key: "${POLYLOG_TEST_KEY}"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if cfg.Auth.JWTSecret != "from-env" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "from-env")
	}
	if cfg.Assistant.APIKey != "sk-env" {
		t.Errorf("Assistant.APIKey = %q, want %q", cfg.Assistant.APIKey, "sk-env")
	}
}

func TestLoad_UnsetEnvVarBecomesEmpty(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "static-${POLYLOG_DOES_NOT_EXIST}-suffix"
`)

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Auth.JWTSecret != "static--suffix" {
		t.Errorf("Auth.JWTSecret = %q, want %q", cfg.Auth.JWTSecret, "static--suffix")
	}
}

func TestLoad_InvalidDuration(t *testing.T) {
	configPath := writeConfig(t, `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
assistant:
  lull_timeout: "not-a-duration"
`)

	_, err := Load(configPath)
	if err == nil {
		t.Fatal("Load() error = nil, want duration parse error")
	}
	if !strings.Contains(err.Error(), "lull_timeout") {
		t.Errorf("error %q does not mention lull_timeout", err)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("Load() error = nil, want file error")
	}
}

func TestValidate_RequiredFields(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{
			name: "missing http_addr",
			content: `
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
`,
			wantErr: "server.http_addr",
		},
		{
			name: "missing database path",
			content: `
server:
  http_addr: ":8080"
auth:
  jwt_secret: "s"
`,
			wantErr: "database.path",
		},
		{
			name: "missing jwt secret",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
`,
			wantErr: "auth.jwt_secret",
		},
		{
			name: "unknown provider",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
assistant:
  provider: "llama-at-home"
  api_key: "k"
`,
			wantErr: "assistant.provider",
		},
		{
			name: "provider without api key",
			content: `
server:
  http_addr: ":8080"
database:
  path: "./test.db"
auth:
  jwt_secret: "s"
assistant:
  provider: "openai"
`,
			wantErr: "assistant.api_key",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			if err == nil {
				t.Fatal("Load() error = nil, want validation error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}
