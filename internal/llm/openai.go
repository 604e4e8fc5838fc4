package llm

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

const (
	// DefaultModel is the default chat model.
	DefaultModel = "grok-beta"

	// DefaultMaxAttempts is the total number of attempts per request.
	DefaultMaxAttempts = 3

	// DefaultMinBackoff and DefaultMaxBackoff bound the exponential retry
	// schedule (4s, 8s, 10s with the defaults).
	DefaultMinBackoff = 4 * time.Second
	DefaultMaxBackoff = 10 * time.Second

	// streamTokenFactor corrects the whitespace-token count toward real
	// tokenizer output for streamed responses without reported usage.
	streamTokenFactor = 1.3
)

// OpenAIClient implements the Client interface against an OpenAI-compatible
// chat-completions endpoint (OpenAI, x.ai, and workalikes).
type OpenAIClient struct {
	baseURL     string
	apiKey      string
	model       string
	maxAttempts int
	minBackoff  time.Duration
	maxBackoff  time.Duration
	httpClient  *http.Client
	logger      *slog.Logger
}

// OpenAIOption is a functional option for configuring OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithBaseURL sets the API base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.baseURL = strings.TrimSuffix(url, "/")
	}
}

// WithAPIKey sets the bearer token sent with every request.
func WithAPIKey(key string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.apiKey = key
	}
}

// WithModel sets the default model for the client.
func WithModel(model string) OpenAIOption {
	return func(c *OpenAIClient) {
		c.model = model
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(c *OpenAIClient) {
		c.httpClient = client
	}
}

// WithRetry configures the retry schedule: total attempts and the [min, max]
// window bounding the exponential backoff delays.
func WithRetry(maxAttempts int, minBackoff, maxBackoff time.Duration) OpenAIOption {
	return func(c *OpenAIClient) {
		if maxAttempts > 0 {
			c.maxAttempts = maxAttempts
		}
		if minBackoff > 0 {
			c.minBackoff = minBackoff
		}
		if maxBackoff > 0 {
			c.maxBackoff = maxBackoff
		}
	}
}

// WithLogger sets the logger used for skipped-frame warnings.
func WithLogger(logger *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) {
		c.logger = logger
	}
}

// NewOpenAIClient creates a new chat-completions client with the given options.
func NewOpenAIClient(opts ...OpenAIOption) *OpenAIClient {
	c := &OpenAIClient{
		baseURL:     "https://api.openai.com/v1",
		model:       DefaultModel,
		maxAttempts: DefaultMaxAttempts,
		minBackoff:  DefaultMinBackoff,
		maxBackoff:  DefaultMaxBackoff,
		httpClient: &http.Client{
			Timeout: 5 * time.Minute, // Long timeout for generation
		},
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// chatRequest is the chat-completions request body.
type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Temperature float32   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Stream      bool      `json:"stream"`
}

// chatResponse is the non-streaming chat-completions response body.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		TotalTokens int `json:"total_tokens"`
	} `json:"usage"`
}

// streamFrame is one SSE data frame of a streamed response.
type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
}

// Model returns the client's default model name.
func (c *OpenAIClient) Model() string {
	return c.model
}

// Chat sends a non-streaming request. HTTP-level failures (connection error,
// 5xx, timeout) are retried with bounded exponential backoff; after the last
// attempt the call fails with *UpstreamError.
func (c *OpenAIClient) Chat(ctx context.Context, messages []Message, opts Options) (*Completion, error) {
	start := time.Now()

	resp, attempts, err := c.doWithRetry(ctx, c.payload(messages, opts, false))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, &UpstreamError{Attempts: attempts, Message: fmt.Sprintf("decoding response: %v", err)}
	}
	if len(result.Choices) == 0 {
		return nil, &UpstreamError{Attempts: attempts, Message: "response carried no choices"}
	}

	model := result.Model
	if model == "" {
		model = c.resolveModel(opts)
	}

	return &Completion{
		Content:  result.Choices[0].Message.Content,
		Model:    model,
		Attempts: attempts,
		Usage: Usage{
			TotalTokens: result.Usage.TotalTokens,
			Latency:     time.Since(start),
		},
	}, nil
}

// ChatStream opens a streamed request and forwards content deltas as they
// arrive. Malformed frames are logged and skipped. A transport failure
// mid-stream ends the stream with an error chunk; partial content already
// delivered stays delivered.
func (c *OpenAIClient) ChatStream(ctx context.Context, messages []Message, opts Options) (<-chan StreamChunk, error) {
	start := time.Now()

	resp, _, err := c.doWithRetry(ctx, c.payload(messages, opts, true))
	if err != nil {
		return nil, err
	}

	chunks := make(chan StreamChunk)

	go func() {
		defer close(chunks)
		defer resp.Body.Close()

		tokens := 0
		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		// Terminal sends must never block forever: a consumer that cancels
		// the context may stop reading, and this goroutine still has to exit.
		sendTerminal := func(chunk StreamChunk) {
			select {
			case chunks <- chunk:
			case <-ctx.Done():
			}
		}

		finish := func() {
			sendTerminal(StreamChunk{
				Done: true,
				Usage: &Usage{
					TotalTokens: int(float64(tokens) * streamTokenFactor),
					Latency:     time.Since(start),
					Estimated:   true,
				},
			})
		}

		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			data := strings.TrimPrefix(line, "data: ")
			if data == "[DONE]" {
				finish()
				return
			}

			var frame streamFrame
			if err := json.Unmarshal([]byte(data), &frame); err != nil {
				c.logger.Warn("skipping malformed stream frame", "error", err)
				continue
			}
			if len(frame.Choices) == 0 {
				continue
			}

			content := frame.Choices[0].Delta.Content
			if content == "" {
				continue
			}
			tokens += len(strings.Fields(content))

			select {
			case chunks <- StreamChunk{Token: content}:
			case <-ctx.Done():
				select {
				case chunks <- StreamChunk{Error: ctx.Err(), Done: true}:
				default:
				}
				return
			}
		}

		if err := scanner.Err(); err != nil {
			sendTerminal(StreamChunk{Error: fmt.Errorf("reading stream: %w", err), Done: true})
			return
		}
		// Stream ended without an explicit terminal sentinel.
		finish()
	}()

	return chunks, nil
}

func (c *OpenAIClient) resolveModel(opts Options) string {
	if opts.Model != "" {
		return opts.Model
	}
	return c.model
}

func (c *OpenAIClient) payload(messages []Message, opts Options, stream bool) chatRequest {
	return chatRequest{
		Model:       c.resolveModel(opts),
		Messages:    messages,
		Temperature: opts.Temperature,
		MaxTokens:   opts.MaxTokens,
		Stream:      stream,
	}
}

// doWithRetry issues the request up to maxAttempts times, backing off
// exponentially within [minBackoff, maxBackoff] between attempts. It
// returns the successful response and the number of attempts made.
func (c *OpenAIClient) doWithRetry(ctx context.Context, payload chatRequest) (*http.Response, int, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("marshaling request: %w", err)
	}

	var (
		lastStatus  int
		lastMessage string
	)

	delay := c.minBackoff
	for attempt := 1; ; attempt++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/chat/completions", bytes.NewReader(body))
		if err != nil {
			return nil, attempt, fmt.Errorf("creating request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		if c.apiKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.apiKey)
		}

		resp, err := c.httpClient.Do(req)
		switch {
		case err != nil:
			// Caller-supplied deadline is terminal, not retryable.
			if ctx.Err() != nil {
				return nil, attempt, ctx.Err()
			}
			lastStatus = 0
			lastMessage = err.Error()
		case resp.StatusCode >= 500:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			lastStatus = resp.StatusCode
			lastMessage = string(msg)
		case resp.StatusCode != http.StatusOK:
			msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
			resp.Body.Close()
			return nil, attempt, &UpstreamError{StatusCode: resp.StatusCode, Message: string(msg), Attempts: attempt}
		default:
			return resp, attempt, nil
		}

		if attempt >= c.maxAttempts {
			return nil, attempt, &UpstreamError{StatusCode: lastStatus, Message: lastMessage, Attempts: attempt}
		}

		c.logger.Warn("retrying llm request", "attempt", attempt, "status", lastStatus, "backoff", delay)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, attempt, ctx.Err()
		}
		delay *= 2
		if delay > c.maxBackoff {
			delay = c.maxBackoff
		}
	}
}

// Ensure OpenAIClient implements Client interface.
var _ Client = (*OpenAIClient)(nil)
