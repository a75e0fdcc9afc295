package cache

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"
)

// Cache holds search responses keyed by normalized query.
type Cache interface {
	// GetQueryResult returns nil, nil on a miss.
	GetQueryResult(ctx context.Context, key string) (*QueryResult, error)
	SetQueryResult(ctx context.Context, key string, result *QueryResult, ttl time.Duration) error
	// Purge drops every cached result. A newly indexed document can enter
	// the results of any query, so there is no narrower invalidation.
	Purge(ctx context.Context) error
	Ping(ctx context.Context) error
	Close() error
}

// QueryResult represents a cached search response
type QueryResult struct {
	Answer     string   `json:"answer"`
	Confidence float32  `json:"confidence"`
	Sources    []Source `json:"sources"`
}

// Source represents a document chunk in search results
type Source struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Text       string  `json:"text"`
}

// Key derives the cache key for a query. Whitespace and case differences
// map to the same key.
func Key(query string, limit int) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(query), " "))
	sum := sha256.Sum256([]byte(normalized + "\x00" + strconv.Itoa(limit)))
	return hex.EncodeToString(sum[:])
}
