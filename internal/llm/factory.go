package llm

import (
	"context"
	"fmt"
	"log/slog"
)

// Pinger is implemented by providers that support a cheap health check.
type Pinger interface {
	Ping(ctx context.Context) error
}

// NewProvider builds the configured backend, health-checks it when
// possible and wraps it with logging. Callers add WithRetry where a
// call may be repeated.
func NewProvider(ctx context.Context, cfg Config) (Provider, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var base Provider
	var err error
	switch cfg.Provider {
	case ProviderOpenAI:
		base, err = NewOpenAIProvider(cfg.OpenAI)
	case ProviderGemini:
		base, err = NewGeminiProvider(ctx, cfg.Gemini)
	case ProviderAnthropic:
		base, err = NewAnthropicProvider(cfg.Anthropic)
	}
	if err != nil {
		return nil, fmt.Errorf("initializing %s provider: %w", cfg.Provider, err)
	}

	if p, ok := base.(Pinger); ok {
		if err := p.Ping(ctx); err != nil {
			return nil, fmt.Errorf("LLM health check: %w", err)
		}
	}
	slog.Info("LLM provider ready", "provider", cfg.Provider, "model", base.ModelID())
	return WithLogging(base, nil), nil
}

// NewImageGenerator builds the Gemini image model, or returns nil when
// image generation is not configured.
func NewImageGenerator(ctx context.Context, cfg Config) (ImageGenerator, error) {
	if !cfg.ImagesEnabled() {
		return nil, nil
	}
	g, err := NewGeminiImager(ctx, cfg.Gemini)
	if err != nil {
		return nil, fmt.Errorf("initializing image generator: %w", err)
	}
	slog.Info("image generator ready", "model", g.ModelID())
	return WithImageLogging(g, nil), nil
}
