// Package ingestion turns raw document text into indexable chunks.
package ingestion

import (
	"strconv"
	"strings"
	"unicode"

	"github.com/docqa/docqa/internal/index"
)

// ChunkerConfig controls how documents are split. Sizes are word counts.
type ChunkerConfig struct {
	// TargetSize is the preferred chunk size.
	TargetSize int
	// MaxSize is the hard upper bound before a block is force-split.
	MaxSize int
	// Overlap is how many trailing words of one chunk are repeated at the
	// start of the next.
	Overlap int
}

// Chunker splits document text into chunks along paragraph and sentence
// boundaries, falling back to word boundaries for oversized sentences.
type Chunker struct {
	config ChunkerConfig
}

// NewChunker creates a Chunker, applying defaults for unset fields.
func NewChunker(config ChunkerConfig) *Chunker {
	if config.TargetSize <= 0 {
		config.TargetSize = 256
	}
	if config.MaxSize <= 0 {
		config.MaxSize = 512
	}
	if config.Overlap < 0 {
		config.Overlap = 32
	}
	return &Chunker{config: config}
}

// Chunk splits content into index chunks attributed to source. Empty or
// whitespace-only content yields nil.
func (c *Chunker) Chunk(content, source string) []index.Chunk {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	var pieces []string
	var current []string
	currentWords := 0

	flush := func() {
		if len(current) == 0 {
			return
		}
		pieces = append(pieces, strings.TrimSpace(strings.Join(current, " ")))
		current, currentWords = c.overlapTail(current)
	}

	for _, para := range splitParagraphs(content) {
		for _, sentence := range splitSentences(para) {
			words := len(strings.Fields(sentence))

			if words > c.config.MaxSize {
				flush()
				current = nil
				currentWords = 0
				pieces = append(pieces, c.splitByWords(sentence)...)
				continue
			}

			if currentWords+words > c.config.TargetSize && currentWords > 0 {
				flush()
			}

			current = append(current, sentence)
			currentWords += words
		}
	}
	if len(current) > 0 {
		pieces = append(pieces, strings.TrimSpace(strings.Join(current, " ")))
	}

	chunks := make([]index.Chunk, 0, len(pieces))
	for i, piece := range pieces {
		if piece == "" {
			continue
		}
		chunks = append(chunks, index.Chunk{
			Content: piece,
			Source:  source,
			Metadata: map[string]string{
				"chunk_index": strconv.Itoa(i),
				"word_count":  strconv.Itoa(len(strings.Fields(piece))),
			},
		})
	}
	return chunks
}

// overlapTail returns the trailing sentences of a flushed chunk to seed the
// next one, bounded by the configured overlap word count.
func (c *Chunker) overlapTail(sentences []string) ([]string, int) {
	if c.config.Overlap <= 0 || len(sentences) == 0 {
		return nil, 0
	}

	var tail []string
	words := 0
	for i := len(sentences) - 1; i >= 0 && words < c.config.Overlap; i-- {
		tail = append([]string{sentences[i]}, tail...)
		words += len(strings.Fields(sentences[i]))
	}
	// A single oversized trailing sentence would just re-emit the whole
	// chunk; skip overlap in that case.
	if len(tail) == len(sentences) && len(sentences) == 1 {
		return nil, 0
	}
	return tail, words
}

// splitByWords force-splits an oversized sentence on word boundaries.
func (c *Chunker) splitByWords(sentence string) []string {
	words := strings.Fields(sentence)
	var pieces []string

	step := c.config.TargetSize - c.config.Overlap
	if step <= 0 {
		step = c.config.TargetSize/2 + 1
	}

	for i := 0; i < len(words); i += step {
		end := i + c.config.TargetSize
		if end > len(words) {
			end = len(words)
		}
		pieces = append(pieces, strings.Join(words[i:end], " "))
		if end >= len(words) {
			break
		}
	}
	return pieces
}

func splitParagraphs(text string) []string {
	var paras []string
	for _, p := range strings.Split(text, "\n\n") {
		p = strings.TrimSpace(p)
		if p != "" {
			paras = append(paras, p)
		}
	}
	return paras
}

// splitSentences splits text on . ! ? followed by whitespace, with a small
// abbreviation allowlist to avoid breaking on "e.g." and similar.
func splitSentences(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}

	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)

		if r == '.' || r == '!' || r == '?' {
			if i+1 >= len(runes) || unicode.IsSpace(runes[i+1]) {
				sentence := strings.TrimSpace(current.String())
				if sentence != "" && !isAbbreviation(sentence) {
					sentences = append(sentences, sentence)
					current.Reset()
				}
			}
		}
	}

	remaining := strings.TrimSpace(current.String())
	if remaining != "" {
		sentences = append(sentences, remaining)
	}
	return sentences
}

var abbreviations = []string{
	"mr.", "mrs.", "ms.", "dr.", "prof.",
	"inc.", "ltd.", "corp.",
	"etc.", "e.g.", "i.e.",
	"vs.", "v.",
	"no.", "vol.", "pg.",
}

func isAbbreviation(text string) bool {
	lower := strings.ToLower(text)
	for _, abbr := range abbreviations {
		if strings.HasSuffix(lower, abbr) {
			return true
		}
	}
	return false
}
