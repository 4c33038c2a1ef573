package llm

import (
	"context"
	"log/slog"
	"time"
)

// LoggingProvider logs every call with its purpose, latency and token usage.
type LoggingProvider struct {
	inner  Provider
	logger *slog.Logger
}

// WithLogging wraps p so that each call is logged to logger (slog.Default when nil).
func WithLogging(p Provider, logger *slog.Logger) Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingProvider{inner: p, logger: logger}
}

func (l *LoggingProvider) Generate(ctx context.Context, req Request) (*Response, error) {
	start := time.Now()
	resp, err := l.inner.Generate(ctx, req)
	attrs := []any{
		"purpose", PurposeFrom(ctx),
		"model", l.inner.ModelID(),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if req.Schema != nil {
		attrs = append(attrs, "schema", req.Schema.Name)
	}
	if err != nil {
		l.logger.Warn("LLM request failed", append(attrs, "error", err)...)
		return nil, err
	}
	l.logger.Debug("LLM request", append(attrs,
		"input_tokens", resp.Usage.InputTokens,
		"output_tokens", resp.Usage.OutputTokens,
	)...)
	return resp, nil
}

func (l *LoggingProvider) ModelID() string {
	return l.inner.ModelID()
}

// loggingImager is the ImageGenerator counterpart of LoggingProvider.
type loggingImager struct {
	inner  ImageGenerator
	logger *slog.Logger
}

// WithImageLogging wraps g so that each call is logged.
func WithImageLogging(g ImageGenerator, logger *slog.Logger) ImageGenerator {
	if logger == nil {
		logger = slog.Default()
	}
	return &loggingImager{inner: g, logger: logger}
}

func (l *loggingImager) GenerateImage(ctx context.Context, req ImageRequest) (*ImageResponse, error) {
	start := time.Now()
	resp, err := l.inner.GenerateImage(ctx, req)
	attrs := []any{
		"purpose", PurposeFrom(ctx),
		"model", l.inner.ModelID(),
		"latency_ms", time.Since(start).Milliseconds(),
	}
	if err != nil {
		l.logger.Warn("image request failed", append(attrs, "error", err)...)
		return nil, err
	}
	l.logger.Debug("image request", append(attrs, "mime_type", resp.MIMEType, "bytes", len(resp.Data))...)
	return resp, nil
}

func (l *loggingImager) ModelID() string {
	return l.inner.ModelID()
}
