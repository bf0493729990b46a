package llm

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/embedo/embedo/internal/config"
)

// NewAdapter selects and constructs the adapter for the configured provider.
// The orchestrator never inspects the adapter beyond the Adapter interface.
func NewAdapter(ctx context.Context, cfg *config.Config, logger *slog.Logger) (Adapter, error) {
	switch cfg.Provider {
	case config.ProviderGemini:
		return NewGemini(ctx, GeminiConfig{
			APIKey:     cfg.GeminiAPIKey,
			Model:      cfg.ModelName,
			EmbedModel: cfg.EmbeddingModel,
			EmbedDim:   cfg.EmbeddingDim,
			Logger:     logger,
		})
	case config.ProviderOpenAI:
		return NewOpenAI(OpenAIConfig{
			APIKey:     cfg.OpenAIAPIKey,
			Model:      cfg.ModelName,
			BaseURL:    cfg.OpenAIBaseURL,
			EmbedModel: cfg.EmbeddingModel,
			EmbedDim:   cfg.EmbeddingDim,
			Logger:     logger,
		}), nil
	case config.ProviderOllama:
		return NewOllama(OllamaConfig{
			Host:       cfg.OllamaHost,
			Model:      cfg.ModelName,
			EmbedModel: cfg.EmbeddingModel,
			Logger:     logger,
		}), nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
