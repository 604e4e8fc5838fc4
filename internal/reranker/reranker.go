// Package reranker provides re-ranking of retrieval candidates.
//
// Re-ranking asks a generative model to reorder a small candidate set by
// relevance, seeing query and passages together.
//
// # Trade-offs
//
//   - Latency: adds one LLM call per query
//   - Quality: better ordering when top candidates score similarly
//   - Cost: extra LLM tokens per query
//
// Re-ranking failure is non-fatal: implementations absorb model and parse
// errors and fall back to the input order, so Rerank has no error return.
package reranker

import (
	"context"

	"github.com/docqa/docqa/internal/ranker"
)

// Reranker reorders candidates by relevance to the query, truncated to topK.
// No candidate is ever lost: entries the model fails to mention keep their
// original relative order after the mentioned ones.
type Reranker interface {
	Rerank(ctx context.Context, query string, candidates []ranker.Candidate, topK int) []ranker.Candidate
}

// Noop returns the input order unchanged, truncated to topK.
type Noop struct{}

// Rerank implements Reranker.
func (Noop) Rerank(_ context.Context, _ string, candidates []ranker.Candidate, topK int) []ranker.Candidate {
	if len(candidates) > topK {
		return candidates[:topK]
	}
	return candidates
}

// Ensure Noop implements Reranker interface.
var _ Reranker = Noop{}
