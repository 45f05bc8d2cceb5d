// Package embedding provides text and image embedding with multiple backend support.
package embedding

import (
	"context"
	"errors"
	"fmt"
)

// Embedder defines the interface for embedding providers.
// Implementations include Voyage AI (API) and Ollama (local).
type Embedder interface {
	// Embed generates an embedding vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedImage generates an embedding vector for an externally stored image.
	// Providers without image support return ErrUnsupported.
	EmbedImage(ctx context.Context, imageRef string) ([]float32, error)

	// Model returns the name of the text embedding model being used.
	Model() string

	// Dimension returns the embedding vector dimension.
	// Stored vectors are only comparable when dimensions match.
	Dimension() int
}

// ImageModeler is implemented by embedders that use a separate model for images.
type ImageModeler interface {
	ImageModel() string
}

// ImageModelOf returns the model used for images by e.
func ImageModelOf(e Embedder) string {
	if im, ok := e.(ImageModeler); ok {
		return im.ImageModel()
	}
	return e.Model()
}

// Capability errors. Use errors.Is() to check for these in calling code.
var (
	// ErrAuth indicates a missing or rejected credential.
	ErrAuth = errors.New("embedding auth error")

	// ErrRateLimited indicates the provider throttled the request.
	ErrRateLimited = errors.New("embedding rate limited")

	// ErrInvalidResponse indicates a malformed payload from the provider.
	ErrInvalidResponse = errors.New("embedding invalid response")

	// ErrUnavailable indicates a transport failure or server-side error.
	ErrUnavailable = errors.New("embedding provider unavailable")

	// ErrUnsupported indicates the provider cannot embed this kind of input.
	ErrUnsupported = errors.New("embedding input unsupported")
)

// IsPermanent reports whether retrying err cannot succeed.
func IsPermanent(err error) bool {
	return errors.Is(err, ErrAuth) || errors.Is(err, ErrUnsupported)
}

// ProviderType identifies the embedding provider.
type ProviderType string

const (
	// ProviderVoyage uses the Voyage AI API for text and image embeddings.
	ProviderVoyage ProviderType = "voyage"

	// ProviderOllama uses a local Ollama server for text embeddings.
	ProviderOllama ProviderType = "ollama"
)

// Config holds configuration for creating an Embedder.
type Config struct {
	// Provider specifies which embedding backend to use.
	Provider ProviderType

	// Model is the text embedding model name (provider-specific).
	// Voyage: "voyage-2" (1024-dim). Ollama: "all-minilm:l6-v2" (384-dim).
	Model string

	// ImageModel is the multimodal model used for frames (Voyage only).
	ImageModel string

	// ExpectedDimension is the required output dimension.
	// Set to 0 to use provider's default.
	ExpectedDimension int

	// Voyage-specific
	VoyageAPIKey  string
	VoyageBaseURL string
}

// New creates an Embedder based on the provided configuration.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case ProviderVoyage, "":
		return NewVoyageClient(VoyageOptions{
			APIKey:     cfg.VoyageAPIKey,
			BaseURL:    cfg.VoyageBaseURL,
			Model:      cfg.Model,
			ImageModel: cfg.ImageModel,
			Dimension:  cfg.ExpectedDimension,
		})

	case ProviderOllama:
		return NewOllamaClient(cfg.Model, cfg.ExpectedDimension)

	default:
		return nil, fmt.Errorf("unknown embedding provider: %s", cfg.Provider)
	}
}

// DocumentEmbedder is implemented by providers that embed stored documents
// differently from queries.
type DocumentEmbedder interface {
	EmbedDocument(ctx context.Context, text string) ([]float32, error)
}

// EmbedDocument embeds text meant for storage, using the provider's document
// mode when it has one.
func EmbedDocument(ctx context.Context, e Embedder, text string) ([]float32, error) {
	if de, ok := e.(DocumentEmbedder); ok {
		return de.EmbedDocument(ctx, text)
	}
	return e.Embed(ctx, text)
}
