// Package config provides configuration loading, validation, and
// encrypted secret management for the runtime. Settings come from
// built-in defaults, an optional YAML file named by CONDUCTOR_CONFIG,
// and environment variables, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment variable names.
const (
	EnvAddr            = "CONDUCTOR_ADDR"
	EnvStateDir        = "CONDUCTOR_STATE_DIR"
	EnvDBPath          = "CONDUCTOR_DB_PATH"
	EnvConfigFile      = "CONDUCTOR_CONFIG"
	EnvPolicyFile      = "CONDUCTOR_POLICY"
	EnvLogLevel        = "LOG_LEVEL"
	EnvMultiAgentMode  = "MULTI_AGENT_MODE"
	EnvApprovalTimeout = "APPROVAL_TIMEOUT_SECONDS"
	EnvPrometheusURL   = "PROMETHEUS_URL"
	EnvLLMProvider     = "LLM_PROVIDER"
	EnvLLMModel        = "LLM_MODEL"
	EnvLLMProxyURL     = "LLM_PROXY_URL"
	EnvInternalAPIKey  = "INTERNAL_API_KEY" //nolint:gosec // env var name, not a credential
	EnvOllamaHost      = "OLLAMA_HOST"
	EnvPassword        = "CONDUCTOR_PASSWORD" //nolint:gosec // env var name, not a credential

	// Provider API key names, resolved through the secrets store first.
	EnvAnthropicAPIKey = "ANTHROPIC_API_KEY" //nolint:gosec // env var name, not a credential
	EnvGeminiAPIKey    = "GEMINI_API_KEY"    //nolint:gosec // env var name, not a credential
)

// Supported LLM providers.
const (
	ProviderLiteLLM   = "litellm"
	ProviderAnthropic = "anthropic"
	ProviderOllama    = "ollama"
	ProviderGemini    = "gemini"
)

// DefaultStateDir is the per-project state directory, holding the
// sqlite database and the encrypted secrets file.
const DefaultStateDir = ".conductor"

const defaultDBFile = "conductor.db"

// LLMConfig groups provider client settings.
type LLMConfig struct {
	// Provider selects the client implementation: litellm, anthropic,
	// ollama or gemini.
	Provider string `yaml:"provider"`
	// Model is the provider-side model identifier.
	Model string `yaml:"model"`
	// ProxyURL is the base URL of the LiteLLM proxy. Required when
	// Provider is litellm.
	ProxyURL string `yaml:"proxy_url"`
	// OllamaHost is the Ollama server base URL.
	OllamaHost string `yaml:"ollama_host"`
	// RequestTimeoutSeconds bounds a single completion call.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`
	// MaxTokens caps the reply length requested from the provider.
	MaxTokens int `yaml:"max_tokens"`
	// RateLimitTPM caps total LLM token throughput per minute. Zero
	// disables the limiter.
	RateLimitTPM int `yaml:"rate_limit_tpm"`
	// Temperature used for worker completions.
	Temperature float64 `yaml:"temperature"`
}

// ContextConfig groups conversation window budgets.
type ContextConfig struct {
	MaxContextTokens int `yaml:"max_context_tokens"`
	MaxReplyTokens   int `yaml:"max_reply_tokens"`
	// CompactionBuffer is the headroom kept below the hard limit before
	// compaction kicks in.
	CompactionBuffer int `yaml:"compaction_buffer"`
}

// Config is the full runtime configuration.
type Config struct {
	// Addr is the HTTP listen address.
	Addr string `yaml:"addr"`
	// StateDir holds the database and secrets file.
	StateDir string `yaml:"state_dir"`
	// DBPath overrides the default StateDir/conductor.db location.
	DBPath string `yaml:"db_path"`
	// PolicyFile names a YAML approval policy. Empty means built-in
	// defaults.
	PolicyFile string `yaml:"approval_policy"`
	// Workspace is the root directory local tools operate on.
	Workspace string `yaml:"workspace"`
	LogLevel  string `yaml:"log_level"`
	// MultiAgentMode installs the specialist agent set; when false a
	// single universal worker handles everything.
	MultiAgentMode         bool   `yaml:"multi_agent_mode"`
	ApprovalTimeoutSeconds int    `yaml:"approval_timeout_seconds"`
	ShutdownTimeoutSeconds int    `yaml:"shutdown_timeout_seconds"`
	PrometheusURL          string `yaml:"prometheus_url"`

	LLM     LLMConfig     `yaml:"llm"`
	Context ContextConfig `yaml:"context"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Addr:                   ":8080",
		StateDir:               DefaultStateDir,
		Workspace:              ".",
		LogLevel:               "info",
		MultiAgentMode:         true,
		ApprovalTimeoutSeconds: 300,
		ShutdownTimeoutSeconds: 10,
		LLM: LLMConfig{
			Provider:              ProviderLiteLLM,
			Model:                 "gpt-4o",
			OllamaHost:            "http://localhost:11434",
			RequestTimeoutSeconds: 120,
			MaxTokens:             4096,
			Temperature:           0.3,
		},
		Context: ContextConfig{
			MaxContextTokens: 32000,
			MaxReplyTokens:   4096,
			CompactionBuffer: 1000,
		},
	}
}

// Load builds the effective configuration: defaults, then the YAML file
// named by CONDUCTOR_CONFIG (if any), then environment overrides.
func Load() (*Config, error) {
	cfg := Default()

	if path := os.Getenv(EnvConfigFile); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv(EnvAddr); v != "" {
		c.Addr = v
	}
	if v := os.Getenv(EnvStateDir); v != "" {
		c.StateDir = v
	}
	if v := os.Getenv(EnvDBPath); v != "" {
		c.DBPath = v
	}
	if v := os.Getenv(EnvPolicyFile); v != "" {
		c.PolicyFile = v
	}
	if v := os.Getenv(EnvLogLevel); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv(EnvMultiAgentMode); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			c.MultiAgentMode = b
		}
	}
	if v := os.Getenv(EnvApprovalTimeout); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			c.ApprovalTimeoutSeconds = n
		}
	}
	if v := os.Getenv(EnvPrometheusURL); v != "" {
		c.PrometheusURL = v
	}
	if v := os.Getenv(EnvLLMProvider); v != "" {
		c.LLM.Provider = v
	}
	if v := os.Getenv(EnvLLMModel); v != "" {
		c.LLM.Model = v
	}
	if v := os.Getenv(EnvLLMProxyURL); v != "" {
		c.LLM.ProxyURL = v
	}
	if v := os.Getenv(EnvOllamaHost); v != "" {
		c.LLM.OllamaHost = v
	}
}

// Validate checks the configuration for values that would fail at
// runtime in confusing ways.
func (c *Config) Validate() error {
	if c.Addr == "" {
		return fmt.Errorf("listen address cannot be empty")
	}
	if c.StateDir == "" {
		return fmt.Errorf("state directory cannot be empty")
	}
	switch c.LLM.Provider {
	case ProviderLiteLLM, ProviderAnthropic, ProviderOllama, ProviderGemini:
	default:
		return fmt.Errorf("unknown LLM provider %q", c.LLM.Provider)
	}
	if c.LLM.Provider == ProviderLiteLLM && c.LLM.ProxyURL == "" {
		return fmt.Errorf("%s is required when the provider is %s", EnvLLMProxyURL, ProviderLiteLLM)
	}
	if c.LLM.Model == "" {
		return fmt.Errorf("LLM model cannot be empty")
	}
	if c.ApprovalTimeoutSeconds <= 0 {
		return fmt.Errorf("approval timeout must be positive")
	}
	if c.Context.MaxContextTokens <= 0 || c.Context.MaxReplyTokens <= 0 {
		return fmt.Errorf("context token budgets must be positive")
	}
	if c.Context.MaxReplyTokens >= c.Context.MaxContextTokens {
		return fmt.Errorf("max reply tokens must be smaller than the context budget")
	}
	return nil
}

// DatabasePath resolves the sqlite file location.
func (c *Config) DatabasePath() string {
	if c.DBPath != "" {
		return c.DBPath
	}
	return filepath.Join(c.StateDir, defaultDBFile)
}

// ApprovalTimeout returns the pending-approval expiry as a duration.
func (c *Config) ApprovalTimeout() time.Duration {
	return time.Duration(c.ApprovalTimeoutSeconds) * time.Second
}

// ShutdownTimeout bounds graceful shutdown.
func (c *Config) ShutdownTimeout() time.Duration {
	return time.Duration(c.ShutdownTimeoutSeconds) * time.Second
}

// RequestTimeout bounds a single LLM completion call.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.LLM.RequestTimeoutSeconds) * time.Second
}
