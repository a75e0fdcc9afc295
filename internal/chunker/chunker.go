package chunker

import (
	"strings"
)

const (
	DefaultMaxTokens = 400
	DefaultOverlap   = 80
)

// Options controls how text is chunked.
type Options struct {
	MaxTokens int
	Overlap   int
}

// Chunk is one window of a document. Index is zero-based and contiguous.
type Chunk struct {
	Index      int
	Text       string
	TokenCount int
	// FirstToken is the offset of the chunk's first token in the document.
	FirstToken int
}

// Chunker splits document text with fixed options.
type Chunker struct {
	opts Options
}

// New returns a Chunker with opts normalised.
func New(opts Options) *Chunker {
	return &Chunker{opts: opts.normalize()}
}

// Options returns the effective options.
func (c *Chunker) Options() Options { return c.opts }

// Split chunks text. The same text always yields the same chunks.
func (c *Chunker) Split(text string) []Chunk {
	return ChunkText(text, c.opts)
}

func (o Options) normalize() Options {
	if o.MaxTokens <= 0 {
		o.MaxTokens = DefaultMaxTokens
	}
	if o.Overlap < 0 || o.Overlap >= o.MaxTokens {
		o.Overlap = 0
	}
	return o
}

// ChunkText performs a token-based sliding window with overlap.
// Tokens are approximated by whitespace-delimited words.
func ChunkText(text string, opts Options) []Chunk {
	opts = opts.normalize()

	words := strings.Fields(text)
	var chunks []Chunk
	if len(words) == 0 {
		return chunks
	}

	step := opts.MaxTokens - opts.Overlap
	for start := 0; start < len(words); start += step {
		end := min(start+opts.MaxTokens, len(words))
		chunks = append(chunks, Chunk{
			Index:      len(chunks),
			Text:       strings.Join(words[start:end], " "),
			TokenCount: end - start,
			FirstToken: start,
		})
		if end == len(words) {
			break
		}
	}
	return chunks
}
