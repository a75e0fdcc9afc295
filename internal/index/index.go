package index

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"doc-ingest/internal/embeddings"
)

// DefaultCollection is the collection documents are indexed into.
const DefaultCollection = "documents"

var ErrDimensionMismatch = errors.New("vector dimension mismatch")

// Payload is stored next to every vector.
type Payload struct {
	DocumentID uuid.UUID `json:"document_id"`
	ChunkIndex int       `json:"chunk_index"`
	Text       string    `json:"text"`
	Source     string    `json:"source"`
}

type Point struct {
	ID      uuid.UUID
	Vector  embeddings.Vector
	Payload Payload
}

type Hit struct {
	ID      uuid.UUID
	Score   float32
	Payload Payload
}

// Index is a vector index with upsert-by-id semantics: writing a point
// whose id already exists replaces it.
type Index interface {
	EnsureCollection(ctx context.Context, dimensions int) error
	Upsert(ctx context.Context, points []Point) error
	Search(ctx context.Context, vector embeddings.Vector, limit int) ([]Hit, error)
	Count(ctx context.Context) (int, error)
	Ping(ctx context.Context) error
	Close() error
}

func checkDimensions(want int, v embeddings.Vector) error {
	if want > 0 && len(v) != want {
		return fmt.Errorf("%w: expected %d, got %d", ErrDimensionMismatch, want, len(v))
	}
	return nil
}
