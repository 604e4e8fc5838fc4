// Package ranker combines vector similarity and lexical overlap into a
// single relevance ordering.
package ranker

import (
	"log/slog"
	"sort"
	"strings"

	"github.com/docqa/docqa/internal/index"
)

// Score weights for the combined relevance score. Fixed design constants.
const (
	SemanticWeight = 0.7
	LexicalWeight  = 0.3
)

// Candidate is a transient scored retrieval result, alive for one query.
type Candidate struct {
	Result   index.SearchResult
	Semantic float64
	Lexical  float64
	Combined float64
}

// Ranker scores and orders search results for a query.
type Ranker struct {
	logger *slog.Logger
}

// New creates a Ranker.
func New(logger *slog.Logger) *Ranker {
	if logger == nil {
		logger = slog.Default()
	}
	return &Ranker{logger: logger}
}

// Rank scores results against the query and returns them ordered by
// descending combined score. Results must arrive in descending similarity
// order (as the index returns them); ties on the combined score keep that
// original order, so the output is deterministic.
//
// Similarities outside [0, 1] indicate an embedding model that violates the
// normalization precondition; they are logged and clamped rather than
// allowed to skew the weighted combination.
func (r *Ranker) Rank(query string, results []index.SearchResult) []Candidate {
	queryTerms := termSet(query)

	candidates := make([]Candidate, len(results))
	for i, result := range results {
		semantic := float64(result.Similarity)
		if semantic < 0 || semantic > 1 {
			r.logger.Warn("similarity out of range, clamping",
				"doc_id", result.DocID, "similarity", semantic)
			semantic = clamp01(semantic)
		}

		lexical := lexicalScore(queryTerms, result.Content)

		candidates[i] = Candidate{
			Result:   result,
			Semantic: semantic,
			Lexical:  lexical,
			Combined: SemanticWeight*semantic + LexicalWeight*lexical,
		}
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].Combined > candidates[j].Combined
	})
	return candidates
}

// lexicalScore is the fraction of query terms present in the content,
// over lower-cased whitespace tokens. Zero when the query has no terms.
func lexicalScore(queryTerms map[string]struct{}, content string) float64 {
	if len(queryTerms) == 0 {
		return 0
	}

	contentTerms := termSet(content)
	overlap := 0
	for term := range queryTerms {
		if _, ok := contentTerms[term]; ok {
			overlap++
		}
	}
	return float64(overlap) / float64(len(queryTerms))
}

func termSet(text string) map[string]struct{} {
	fields := strings.Fields(strings.ToLower(text))
	set := make(map[string]struct{}, len(fields))
	for _, f := range fields {
		set[f] = struct{}{}
	}
	return set
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
