package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenthands/graphmerge/internal/config"
	"github.com/agenthands/graphmerge/internal/logger"
)

// NewClient builds the generator and embedder for cfg.Provider. The embedder is nil
// for providers without embeddings.
func NewClient(ctx context.Context, cfg config.LLMConfig, log *logger.Logger) (LLMClient, EmbedderClient, error) {
	provider := strings.ToLower(cfg.Provider)

	switch provider {
	case "openai":
		c := NewOpenAIClient(cfg.APIKey, cfg.Model, cfg.EmbeddingModel, cfg.BaseURL)
		return c, c, nil

	case "gemini":
		c, err := NewGeminiClient(ctx, cfg.APIKey, cfg.Model, cfg.EmbeddingModel)
		if err != nil {
			return nil, nil, err
		}
		return c, c, nil

	case "claude":
		return NewClaudeClient(cfg.APIKey, cfg.Model, cfg.BaseURL), nil, nil

	case "ollama":
		baseURL := ollamaBaseURL(cfg.BaseURL)
		log.Info("using ollama through its OpenAI-compatible API", "base_url", baseURL)

		// Ollama ignores the key but the client requires one.
		apiKey := cfg.APIKey
		if apiKey == "" {
			apiKey = "ollama"
		}
		c := NewOpenAIClient(apiKey, cfg.Model, cfg.EmbeddingModel, baseURL)
		return c, c, nil

	default:
		return nil, nil, fmt.Errorf("unsupported llm provider: %s", provider)
	}
}

func ollamaBaseURL(baseURL string) string {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	if strings.HasSuffix(baseURL, "/v1") {
		return baseURL
	}
	return strings.TrimRight(baseURL, "/") + "/v1"
}
