package ranker

import (
	"math"
	"testing"

	"github.com/docqa/docqa/internal/index"
)

func result(id, content string, similarity float32) index.SearchResult {
	return index.SearchResult{DocID: id, Content: content, Similarity: similarity}
}

func TestRank_CombinedScoreWeights(t *testing.T) {
	r := New(nil)

	candidates := r.Rank("blue sky", []index.SearchResult{
		result("a", "the sky is blue", 0.8),
	})
	if len(candidates) != 1 {
		t.Fatalf("expected 1 candidate, got %d", len(candidates))
	}

	c := candidates[0]
	if c.Semantic != 0.8 {
		t.Errorf("Semantic = %v, want 0.8", c.Semantic)
	}
	// Both query terms appear in the content.
	if c.Lexical != 1.0 {
		t.Errorf("Lexical = %v, want 1.0", c.Lexical)
	}
	want := SemanticWeight*0.8 + LexicalWeight*1.0
	if math.Abs(c.Combined-want) > 1e-9 {
		t.Errorf("Combined = %v, want %v", c.Combined, want)
	}
}

func TestRank_LexicalOverlapFraction(t *testing.T) {
	r := New(nil)

	tests := []struct {
		name    string
		query   string
		content string
		want    float64
	}{
		{"full overlap", "alpha beta", "alpha beta gamma", 1.0},
		{"half overlap", "alpha delta", "alpha beta gamma", 0.5},
		{"no overlap", "delta epsilon", "alpha beta gamma", 0.0},
		{"case insensitive", "ALPHA", "alpha beta", 1.0},
		{"empty query", "", "alpha beta", 0.0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			candidates := r.Rank(tt.query, []index.SearchResult{
				result("a", tt.content, 0.5),
			})
			if got := candidates[0].Lexical; got != tt.want {
				t.Errorf("Lexical = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRank_ZeroOverlapKeepsSemanticOrder(t *testing.T) {
	r := New(nil)

	candidates := r.Rank("zzz", []index.SearchResult{
		result("first", "alpha beta", 0.9),
		result("second", "gamma delta", 0.7),
		result("third", "epsilon zeta", 0.5),
	})

	want := []string{"first", "second", "third"}
	for i, c := range candidates {
		if c.Result.DocID != want[i] {
			t.Errorf("position %d = %q, want %q", i, c.Result.DocID, want[i])
		}
		if c.Lexical != 0 {
			t.Errorf("expected zero lexical score for %q", c.Result.DocID)
		}
	}
}

func TestRank_LexicalCanReorder(t *testing.T) {
	r := New(nil)

	// Slightly lower similarity but exact term overlap should win.
	candidates := r.Rank("rate limiter", []index.SearchResult{
		result("semantic", "throughput control mechanisms", 0.75),
		result("lexical", "the rate limiter caps throughput", 0.70),
	})

	if candidates[0].Result.DocID != "lexical" {
		t.Errorf("expected lexical match first, got %q", candidates[0].Result.DocID)
	}
}

func TestRank_ClampsOutOfRangeSimilarity(t *testing.T) {
	r := New(nil)

	candidates := r.Rank("query", []index.SearchResult{
		result("high", "content", 1.5),
		result("low", "content", -0.3),
	})

	if candidates[0].Semantic != 1.0 {
		t.Errorf("expected similarity clamped to 1.0, got %v", candidates[0].Semantic)
	}
	if candidates[1].Semantic != 0.0 {
		t.Errorf("expected similarity clamped to 0.0, got %v", candidates[1].Semantic)
	}
}

func TestRank_StableTieBreak(t *testing.T) {
	r := New(nil)

	// Identical scores: input order (descending similarity rank) is kept.
	candidates := r.Rank("zzz", []index.SearchResult{
		result("a", "same words", 0.6),
		result("b", "same words", 0.6),
		result("c", "same words", 0.6),
	})

	want := []string{"a", "b", "c"}
	for i, c := range candidates {
		if c.Result.DocID != want[i] {
			t.Errorf("position %d = %q, want %q", i, c.Result.DocID, want[i])
		}
	}
}

func TestRank_EmptyResults(t *testing.T) {
	r := New(nil)

	if got := r.Rank("query", nil); len(got) != 0 {
		t.Errorf("expected no candidates, got %d", len(got))
	}
}
