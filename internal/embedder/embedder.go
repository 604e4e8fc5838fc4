// Package embedder provides interfaces and implementations for text embedding.
package embedder

import (
	"context"
	"errors"
	"fmt"
)

// ErrEmbedding is returned (wrapped) when the upstream embedding backend fails.
var ErrEmbedding = errors.New("embedding failed")

// Embedder defines the interface for text embedding services.
//
// Hybrid ranking assumes the model produces normalized vectors, so that
// cosine similarity against a query lands in roughly [0, 1].
type Embedder interface {
	// Embed generates an embedding vector for a single text input.
	Embed(ctx context.Context, text string) ([]float32, error)

	// EmbedBatch generates embedding vectors for multiple text inputs,
	// returned in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)

	// Dimension returns the dimensionality of the embedding vectors.
	Dimension() int

	// ModelName returns the name of the embedding model being used.
	ModelName() string
}

// Config selects and configures a provider.
type Config struct {
	Provider string // "ollama" or "openai"
	Model    string

	// Ollama
	OllamaURL string

	// OpenAI-compatible
	OpenAIBaseURL string
	OpenAIAPIKey  string
}

// New resolves the configured provider once, at construction time. Callers
// hold the Embedder interface and never re-check the provider string.
func New(cfg Config) (Embedder, error) {
	switch cfg.Provider {
	case "", "ollama":
		return NewOllamaEmbedder(OllamaConfig{
			BaseURL: cfg.OllamaURL,
			Model:   cfg.Model,
		}), nil
	case "openai":
		return NewOpenAIEmbedder(OpenAIConfig{
			BaseURL: cfg.OpenAIBaseURL,
			APIKey:  cfg.OpenAIAPIKey,
			Model:   cfg.Model,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}
