package llmclient

import (
	"fmt"

	"conductor/pkg/agent/llm"
	"conductor/pkg/config"
	"conductor/pkg/logx"
)

//nolint:gochecknoglobals // Package logger, mirrors the other packages
var factoryLogger = logx.NewLogger("llmclient")

// New builds the model client selected by the configuration. API keys
// resolve through the secrets store first, then the environment.
func New(cfg *config.Config) (llm.LLMClient, error) {
	switch cfg.LLM.Provider {
	case config.ProviderLiteLLM:
		key, err := config.GetSecret(config.EnvInternalAPIKey)
		if err != nil {
			factoryLogger.Warn("⚠️ %s not set, calling LiteLLM proxy unauthenticated", config.EnvInternalAPIKey)
			key = ""
		}
		return NewLiteLLMClient(cfg.LLM.ProxyURL, key, cfg.LLM.Model), nil

	case config.ProviderAnthropic:
		key, err := config.GetSecret(config.EnvAnthropicAPIKey)
		if err != nil {
			return nil, fmt.Errorf("anthropic provider selected: %w", err)
		}
		return NewClaudeClient(key, cfg.LLM.Model), nil

	case config.ProviderOllama:
		return NewOllamaClient(cfg.LLM.OllamaHost, cfg.LLM.Model), nil

	case config.ProviderGemini:
		key, err := config.GetSecret(config.EnvGeminiAPIKey)
		if err != nil {
			return nil, fmt.Errorf("gemini provider selected: %w", err)
		}
		return NewGeminiClient(key, cfg.LLM.Model), nil

	default:
		return nil, fmt.Errorf("unknown LLM provider: %s", cfg.LLM.Provider)
	}
}
