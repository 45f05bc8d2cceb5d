// Package llm provides LLM and embedding services using langchaingo.
package llm

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/raphaelgruber/recall/internal/config"
	"github.com/raphaelgruber/recall/internal/embedding"
	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/ollama"
	"github.com/tmc/langchaingo/llms/openai"
)

// Default embedding settings for providers served through langchaingo.
const (
	DefaultOpenAIEmbedModel     = "text-embedding-3-small"
	DefaultOpenAIEmbedDimension = 1536
)

// Embedder wraps langchaingo embeddings with dimension validation.
// It embeds text only.
type Embedder struct {
	model     embeddings.Embedder
	dimension int
	modelName string
}

// Compile-time check that Embedder satisfies the embedding capability.
var _ embedding.Embedder = (*Embedder)(nil)

// NewEmbedder creates an embedder based on configuration.
func NewEmbedder(cfg config.Config) (*Embedder, error) {
	var model embeddings.Embedder
	var err error

	modelName := cfg.EmbedModel
	dimension := cfg.EmbedDimension

	switch cfg.EmbedProvider {
	case config.ProviderOllama:
		if modelName == "" {
			modelName = embedding.DefaultOllamaModel
		}
		if dimension == 0 {
			dimension = embedding.DefaultOllamaDimension
		}
		llm, ollamaErr := ollama.New(
			ollama.WithModel(modelName),
			ollama.WithServerURL(cfg.OllamaHost),
		)
		if ollamaErr != nil {
			return nil, fmt.Errorf("create ollama client: %w", ollamaErr)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create ollama embedder: %w", err)
		}

	case config.ProviderOpenAI:
		if cfg.OpenAIAPIKey == "" {
			return nil, fmt.Errorf("%w: OpenAI API key required", embedding.ErrAuth)
		}
		if modelName == "" {
			modelName = DefaultOpenAIEmbedModel
		}
		if dimension == 0 {
			dimension = DefaultOpenAIEmbedDimension
		}
		llm, openaiErr := openai.New(
			openai.WithToken(cfg.OpenAIAPIKey),
			openai.WithEmbeddingModel(modelName),
		)
		if openaiErr != nil {
			return nil, fmt.Errorf("create openai client: %w", openaiErr)
		}
		model, err = embeddings.NewEmbedder(llm)
		if err != nil {
			return nil, fmt.Errorf("create openai embedder: %w", err)
		}

	default:
		return nil, fmt.Errorf("unsupported embedding provider: %s", cfg.EmbedProvider)
	}

	return &Embedder{
		model:     model,
		dimension: dimension,
		modelName: modelName,
	}, nil
}

// Embed generates an embedding vector for text.
func (e *Embedder) Embed(ctx context.Context, text string) ([]float32, error) {
	textLen := len(text)
	slog.Debug("embedding text", "model", e.modelName, "text_len", textLen)

	start := time.Now()
	vectors, err := e.model.EmbedDocuments(ctx, []string{text})
	duration := time.Since(start)

	if err != nil {
		slog.Warn("embedding failed", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds(), "error", err)
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if fatal := wrapFatalError(err); fatal != err {
			return nil, fmt.Errorf("embed: %w", fatal)
		}
		return nil, fmt.Errorf("%w: embed: %v", embedding.ErrUnavailable, err)
	}

	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no embedding returned", embedding.ErrInvalidResponse)
	}

	vec := vectors[0]
	if len(vec) != e.dimension {
		return nil, fmt.Errorf("%w: dimension mismatch: got %d, want %d",
			embedding.ErrInvalidResponse, len(vec), e.dimension)
	}

	slog.Debug("embedding complete", "model", e.modelName, "text_len", textLen, "duration_ms", duration.Milliseconds())
	return vec, nil
}

// EmbedImage is not supported by langchaingo text embedders.
func (e *Embedder) EmbedImage(ctx context.Context, imageRef string) ([]float32, error) {
	return nil, fmt.Errorf("%w: %s embeds text only", embedding.ErrUnsupported, e.modelName)
}

// Model returns the embedding model name.
func (e *Embedder) Model() string {
	return e.modelName
}

// Dimension returns the expected embedding dimension.
func (e *Embedder) Dimension() int {
	return e.dimension
}
