package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const (
	// DefaultOpenAIBaseURL is the default OpenAI API base URL.
	DefaultOpenAIBaseURL = "https://api.openai.com/v1"

	// DefaultOpenAIModel is the default OpenAI embedding model.
	DefaultOpenAIModel = "text-embedding-3-small"

	// DefaultOpenAIDimension is the dimension of text-embedding-3-small.
	DefaultOpenAIDimension = 1536
)

// OpenAIConfig holds configuration for the OpenAI-compatible embedder.
type OpenAIConfig struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	HTTPClient *http.Client
}

// OpenAIEmbedder implements the Embedder interface against an
// OpenAI-compatible /embeddings endpoint.
type OpenAIEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	client    *http.Client
}

type openaiEmbedRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type openaiEmbedResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
}

// NewOpenAIEmbedder creates a new OpenAI-compatible embedder.
func NewOpenAIEmbedder(cfg OpenAIConfig) *OpenAIEmbedder {
	baseURL := cfg.BaseURL
	if baseURL == "" {
		baseURL = DefaultOpenAIBaseURL
	}

	model := cfg.Model
	if model == "" {
		model = DefaultOpenAIModel
	}

	dimension := cfg.Dimension
	if dimension <= 0 {
		dimension = DefaultOpenAIDimension
	}

	client := cfg.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}

	return &OpenAIEmbedder{
		baseURL:   strings.TrimSuffix(baseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     model,
		dimension: dimension,
		client:    client,
	}
}

// Embed generates an embedding vector for a single text input.
func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	vectors, err := e.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vectors[0], nil
}

// EmbedBatch generates embedding vectors for multiple text inputs in a
// single API call.
func (e *OpenAIEmbedder) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return [][]float32{}, nil
	}

	jsonBody, err := json.Marshal(openaiEmbedRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/embeddings", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEmbedding, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("%w: status %d: %s", ErrEmbedding, resp.StatusCode, string(body))
	}

	var embedResp openaiEmbedResponse
	if err := json.NewDecoder(resp.Body).Decode(&embedResp); err != nil {
		return nil, fmt.Errorf("%w: decoding response: %v", ErrEmbedding, err)
	}

	if len(embedResp.Data) != len(texts) {
		return nil, fmt.Errorf("%w: got %d embeddings for %d inputs", ErrEmbedding, len(embedResp.Data), len(texts))
	}

	vectors := make([][]float32, len(texts))
	for _, d := range embedResp.Data {
		if d.Index < 0 || d.Index >= len(vectors) {
			return nil, fmt.Errorf("%w: embedding index %d out of range", ErrEmbedding, d.Index)
		}
		vectors[d.Index] = d.Embedding
	}
	return vectors, nil
}

// Dimension returns the dimensionality of the embedding vectors.
func (e *OpenAIEmbedder) Dimension() int {
	return e.dimension
}

// ModelName returns the name of the embedding model being used.
func (e *OpenAIEmbedder) ModelName() string {
	return e.model
}

// Ensure OpenAIEmbedder implements Embedder interface.
var _ Embedder = (*OpenAIEmbedder)(nil)
