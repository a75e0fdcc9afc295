package index

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"doc-ingest/internal/chunker"
	"doc-ingest/internal/embeddings"
	"doc-ingest/internal/vectorid"
)

// Indexer writes chunk vectors at ids derived from (document, chunk index),
// so indexing the same chunk again overwrites rather than duplicates.
type Indexer struct {
	index Index
}

func NewIndexer(idx Index) *Indexer {
	return &Indexer{index: idx}
}

// IndexChunk upserts one chunk and returns the vector id it was written at.
func (i *Indexer) IndexChunk(ctx context.Context, documentID uuid.UUID, source string, chunk chunker.Chunk, vector embeddings.Vector) (uuid.UUID, error) {
	id := vectorid.Derive(documentID, chunk.Index)
	err := i.index.Upsert(ctx, []Point{{
		ID:     id,
		Vector: vector,
		Payload: Payload{
			DocumentID: documentID,
			ChunkIndex: chunk.Index,
			Text:       chunk.Text,
			Source:     source,
		},
	}})
	if err != nil {
		return uuid.Nil, fmt.Errorf("index chunk %d: %w", chunk.Index, err)
	}
	return id, nil
}
