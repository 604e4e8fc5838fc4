package embedder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestNew_ProviderDispatch(t *testing.T) {
	tests := []struct {
		name     string
		provider string
		wantErr  bool
	}{
		{"default is ollama", "", false},
		{"explicit ollama", "ollama", false},
		{"openai", "openai", false},
		{"unknown provider", "bedrock", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(Config{Provider: tt.provider})
			if (err != nil) != tt.wantErr {
				t.Errorf("New(%q) error = %v", tt.provider, err)
			}
		})
	}
}

func TestOllamaEmbedder_Embed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}

		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decoding request: %v", err)
		}
		if req.Model != "test-model" {
			t.Errorf("Model = %q", req.Model)
		}

		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, Model: "test-model"})

	vec, err := e.Embed(context.Background(), "hello")
	if err != nil {
		t.Fatalf("Embed: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("len(vec) = %d, want 3", len(vec))
	}
	if vec[0] != 0.1 || vec[2] != 0.3 {
		t.Errorf("vec = %v", vec)
	}
}

func TestOllamaEmbedder_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})

	if _, err := e.Embed(context.Background(), "hello"); !errors.Is(err, ErrEmbedding) {
		t.Errorf("expected ErrEmbedding, got %v", err)
	}
}

func TestOllamaEmbedder_EmptyEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL})

	if _, err := e.Embed(context.Background(), "hello"); !errors.Is(err, ErrEmbedding) {
		t.Errorf("expected ErrEmbedding for empty vector, got %v", err)
	}
}

func TestOllamaEmbedder_EmbedBatchOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req ollamaRequest
		json.NewDecoder(r.Body).Decode(&req)

		// Encode the input length so each text gets a distinguishable vector.
		json.NewEncoder(w).Encode(ollamaResponse{Embedding: []float64{float64(len(req.Prompt))}})
	}))
	defer srv.Close()

	e := NewOllamaEmbedder(OllamaConfig{BaseURL: srv.URL, BatchConcurrency: 2})

	texts := []string{"a", "bb", "ccc", "dddd"}
	vectors, err := e.EmbedBatch(context.Background(), texts)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != len(texts) {
		t.Fatalf("got %d vectors, want %d", len(vectors), len(texts))
	}
	for i, text := range texts {
		if vectors[i][0] != float32(len(text)) {
			t.Errorf("vector %d = %v, input order not preserved", i, vectors[i])
		}
	}
}

func TestOllamaEmbedder_EmbedBatchEmpty(t *testing.T) {
	e := NewOllamaEmbedder(OllamaConfig{})

	vectors, err := e.EmbedBatch(context.Background(), nil)
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if len(vectors) != 0 {
		t.Errorf("got %d vectors, want 0", len(vectors))
	}
}

func TestOpenAIEmbedder_EmbedBatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/embeddings" {
			t.Errorf("unexpected path %q", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}

		var req openaiEmbedRequest
		json.NewDecoder(r.Body).Decode(&req)

		// Return data out of order to exercise index-based placement.
		fmt.Fprintf(w, `{"data":[
			{"index":1,"embedding":[2.0]},
			{"index":0,"embedding":[1.0]}
		]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL, APIKey: "test-key"})

	vectors, err := e.EmbedBatch(context.Background(), []string{"first", "second"})
	if err != nil {
		t.Fatalf("EmbedBatch: %v", err)
	}
	if vectors[0][0] != 1.0 || vectors[1][0] != 2.0 {
		t.Errorf("vectors = %v, index order not honored", vectors)
	}
}

func TestOpenAIEmbedder_CountMismatch(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"data":[{"index":0,"embedding":[1.0]}]}`)
	}))
	defer srv.Close()

	e := NewOpenAIEmbedder(OpenAIConfig{BaseURL: srv.URL})

	if _, err := e.EmbedBatch(context.Background(), []string{"a", "b"}); !errors.Is(err, ErrEmbedding) {
		t.Errorf("expected ErrEmbedding on count mismatch, got %v", err)
	}
}

func TestEmbedderDefaults(t *testing.T) {
	ollama := NewOllamaEmbedder(OllamaConfig{})
	if ollama.ModelName() != DefaultOllamaModel {
		t.Errorf("ollama model = %q", ollama.ModelName())
	}
	if ollama.Dimension() != DefaultOllamaDimension {
		t.Errorf("ollama dimension = %d", ollama.Dimension())
	}

	openai := NewOpenAIEmbedder(OpenAIConfig{})
	if openai.ModelName() != DefaultOpenAIModel {
		t.Errorf("openai model = %q", openai.ModelName())
	}
	if openai.Dimension() != DefaultOpenAIDimension {
		t.Errorf("openai dimension = %d", openai.Dimension())
	}
}
