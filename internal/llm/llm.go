// Package llm provides interfaces and implementations for chat-completion
// LLM backends.
package llm

import (
	"context"
	"fmt"
	"time"
)

// Message roles understood by chat-completion backends.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a chat-completion request.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Options configures a generation request.
type Options struct {
	// Model overrides the client's default model when non-empty.
	Model string

	// Temperature controls randomness (0.0 = deterministic).
	Temperature float32

	// MaxTokens limits the response length (0 = backend default).
	MaxTokens int
}

// Usage is the token accounting for one generation call.
type Usage struct {
	// TotalTokens consumed by the call. For streamed responses where the
	// backend reports no usage this is a whitespace-token count scaled by a
	// fixed correction factor, an approximation rather than an exact count.
	TotalTokens int

	// Latency is the wall-clock duration of the call.
	Latency time.Duration

	// Estimated marks TotalTokens as approximate.
	Estimated bool
}

// Completion is a complete non-streaming response.
type Completion struct {
	Content  string
	Model    string
	Usage    Usage
	Attempts int
}

// StreamChunk represents a single chunk of streamed response from the LLM.
type StreamChunk struct {
	// Token contains the generated text fragment.
	Token string

	// Done indicates whether this is the final chunk in the stream.
	Done bool

	// Usage is set on the final chunk.
	Usage *Usage

	// Error contains any error that occurred during streaming. Partial
	// content already delivered is not retracted.
	Error error
}

// Client defines the interface for chat-completion LLM clients.
//
// Embedding generation is not part of this interface; it belongs to the
// embedder package.
type Client interface {
	// Chat sends a chat request and blocks until the full response is
	// received or retries are exhausted.
	Chat(ctx context.Context, messages []Message, opts Options) (*Completion, error)

	// ChatStream sends a chat request and returns a channel that delivers
	// response chunks as they arrive. The channel is closed when generation
	// completes or fails; callers should check StreamChunk.Error and
	// StreamChunk.Done.
	ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error)

	// Model returns the client's default model name.
	Model() string
}

// UpstreamError is returned once retries against the backend are exhausted,
// carrying the last observed status and message. Individual transient
// transport failures are retried locally and never surfaced directly.
type UpstreamError struct {
	StatusCode int
	Message    string
	Attempts   int
}

func (e *UpstreamError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("llm backend failed after %d attempts (status %d): %s", e.Attempts, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("llm backend failed after %d attempts: %s", e.Attempts, e.Message)
}
