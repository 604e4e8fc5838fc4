package reranker

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/docqa/docqa/internal/llm"
	"github.com/docqa/docqa/internal/ranker"
)

const (
	// passagePreviewLength bounds each candidate's text in the ranking prompt.
	passagePreviewLength = 500

	// rerankMaxTokens is enough for a comma-separated index list.
	rerankMaxTokens = 50
)

// LLMReranker asks a chat model to rank passages by relevance and parses the
// returned index list. Any failure (transport, timeout, unparseable output)
// degrades to the original candidate order.
type LLMReranker struct {
	client llm.Client
	model  string
	logger *slog.Logger
}

// LLMRerankerOption is a functional option for configuring LLMReranker.
type LLMRerankerOption func(*LLMReranker)

// WithModel sets the model used for reranking.
func WithModel(model string) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.model = model
	}
}

// WithLogger sets the logger for degraded-rerank warnings.
func WithLogger(logger *slog.Logger) LLMRerankerOption {
	return func(r *LLMReranker) {
		r.logger = logger
	}
}

// NewLLMReranker creates a new LLM-based reranker.
func NewLLMReranker(client llm.Client, opts ...LLMRerankerOption) *LLMReranker {
	r := &LLMReranker{
		client: client,
		model:  client.Model(),
		logger: slog.Default(),
	}

	for _, opt := range opts {
		opt(r)
	}

	return r
}

// Rerank reorders up to len(candidates) passages by model-judged relevance
// and truncates to topK.
func (r *LLMReranker) Rerank(ctx context.Context, query string, candidates []ranker.Candidate, topK int) []ranker.Candidate {
	if len(candidates) == 0 {
		return candidates
	}

	messages := []llm.Message{
		{
			Role: llm.RoleSystem,
			Content: "You are a search result reranker. Given a query and passages, rank them by relevance. " +
				"Return only the passage numbers in order of relevance, separated by commas.",
		},
		{
			Role:    llm.RoleUser,
			Content: r.buildPrompt(query, candidates),
		},
	}

	completion, err := r.client.Chat(ctx, messages, llm.Options{
		Model:       r.model,
		Temperature: 0.1,
		MaxTokens:   rerankMaxTokens,
	})
	if err != nil {
		r.logger.Warn("reranking failed, keeping original order", "error", err)
		return truncate(candidates, topK)
	}

	order := parseRanking(completion.Content, len(candidates))
	reranked := make([]ranker.Candidate, 0, len(candidates))
	for _, idx := range order {
		reranked = append(reranked, candidates[idx])
	}
	return truncate(reranked, topK)
}

func (r *LLMReranker) buildPrompt(query string, candidates []ranker.Candidate) string {
	var sb strings.Builder

	sb.WriteString("Query: ")
	sb.WriteString(query)
	sb.WriteString("\n\n")

	for i, c := range candidates {
		content := c.Result.Content
		if len(content) > passagePreviewLength {
			content = content[:passagePreviewLength] + "..."
		}
		sb.WriteString(fmt.Sprintf("Passage %d: %s\n\n", i+1, content))
	}

	sb.WriteString("Rank the passages by relevance (most relevant first):")
	return sb.String()
}

// parseRanking extracts 1-based passage numbers from the model output and
// returns a permutation of [0, n). Out-of-range and duplicate numbers are
// dropped; passages the model did not mention are appended in their
// original relative order.
func parseRanking(response string, n int) []int {
	seen := make(map[int]bool, n)
	order := make([]int, 0, n)

	for _, field := range strings.FieldsFunc(response, func(r rune) bool {
		return r < '0' || r > '9'
	}) {
		num, err := strconv.Atoi(field)
		if err != nil || num < 1 || num > n {
			continue
		}
		idx := num - 1
		if seen[idx] {
			continue
		}
		seen[idx] = true
		order = append(order, idx)
	}

	for i := 0; i < n; i++ {
		if !seen[i] {
			order = append(order, i)
		}
	}
	return order
}

func truncate(candidates []ranker.Candidate, topK int) []ranker.Candidate {
	if topK > 0 && len(candidates) > topK {
		return candidates[:topK]
	}
	return candidates
}

// Ensure LLMReranker implements Reranker interface.
var _ Reranker = (*LLMReranker)(nil)
