package llmclient

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conductor/pkg/config"
)

func TestFactoryUnknownProvider(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = "carrier-pigeon"

	_, err := New(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown LLM provider")
}

func TestFactoryOllama(t *testing.T) {
	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderOllama
	cfg.LLM.Model = "qwen2.5-coder"

	client, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "qwen2.5-coder", client.GetModelName())
}

func TestFactoryLiteLLM(t *testing.T) {
	t.Setenv(config.EnvInternalAPIKey, "test-key")

	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderLiteLLM
	cfg.LLM.ProxyURL = "http://localhost:4000"
	cfg.LLM.Model = "gpt-4o"

	client, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o", client.GetModelName())
}

func TestFactoryAnthropicRequiresKey(t *testing.T) {
	config.SetSecret(config.EnvAnthropicAPIKey, "sk-ant-test")
	defer config.DeleteSecret(config.EnvAnthropicAPIKey)

	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderAnthropic
	cfg.LLM.Model = "claude-sonnet-4-5"

	client, err := New(cfg)
	require.NoError(t, err)
	assert.Equal(t, "claude-sonnet-4-5", client.GetModelName())
}

func TestFactoryGeminiMissingKey(t *testing.T) {
	config.DeleteSecret(config.EnvGeminiAPIKey)
	t.Setenv(config.EnvGeminiAPIKey, "")

	cfg := config.Default()
	cfg.LLM.Provider = config.ProviderGemini
	cfg.LLM.Model = "gemini-2.0-flash"

	_, err := New(cfg)
	assert.Error(t, err)
}
