package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"math/rand"
)

// DefaultDimensions matches text-embedding-3-small.
const DefaultDimensions = 1536

// StubEmbedder produces deterministic pseudo-random unit vectors seeded by a
// hash of the input text. Same text, same vector, in every process.
type StubEmbedder struct {
	dims int
}

// NewStubEmbedder returns a stub with the given dimensionality.
func NewStubEmbedder(dims int) *StubEmbedder {
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &StubEmbedder{dims: dims}
}

func (e *StubEmbedder) Embed(ctx context.Context, text string) (Vector, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	sum := sha256.Sum256([]byte(text))
	rng := rand.New(rand.NewSource(int64(binary.BigEndian.Uint64(sum[:8]))))
	vec := make(Vector, e.dims)
	for i := range vec {
		vec[i] = float32(rng.Float64()*2 - 1)
	}
	return normalize(vec), nil
}

func (e *StubEmbedder) Dimensions() int { return e.dims }

func (e *StubEmbedder) Name() string { return "stub" }
