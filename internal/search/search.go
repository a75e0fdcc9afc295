package search

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"doc-ingest/internal/cache"
	"doc-ingest/internal/embeddings"
	"doc-ingest/internal/index"
	"doc-ingest/internal/llm"
)

const (
	DefaultLimit = 5
	MaxLimit     = 50
)

var ErrEmptyQuery = errors.New("query is required")

type Result struct {
	DocumentID string  `json:"document_id"`
	ChunkIndex int     `json:"chunk_index"`
	Score      float32 `json:"score"`
	Text       string  `json:"text"`
}

type Response struct {
	Answer     string   `json:"answer"`
	Confidence float32  `json:"confidence"`
	Results    []Result `json:"results"`
	Cached     bool     `json:"cached"`
}

// Service embeds a query, retrieves the nearest chunks and asks the LLM
// for an answer grounded in them.
type Service struct {
	embedder embeddings.Embedder
	index    index.Index
	llm      llm.Client
	cache    cache.Cache
	ttl      time.Duration
	log      *slog.Logger
}

func New(embedder embeddings.Embedder, idx index.Index, client llm.Client, c cache.Cache, ttl time.Duration, log *slog.Logger) *Service {
	if c == nil {
		c = cache.NewNoOpCache()
	}
	return &Service{embedder: embedder, index: idx, llm: client, cache: c, ttl: ttl, log: log}
}

func (s *Service) Search(ctx context.Context, query string, limit int) (Response, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return Response{}, ErrEmptyQuery
	}
	if limit <= 0 {
		limit = DefaultLimit
	}
	limit = min(limit, MaxLimit)

	key := cache.Key(query, limit)
	if cached, err := s.cache.GetQueryResult(ctx, key); err != nil {
		s.log.Warn("search cache read failed", "err", err)
	} else if cached != nil {
		return fromCached(cached), nil
	}

	vector, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return Response{}, fmt.Errorf("embed query: %w", err)
	}
	hits, err := s.index.Search(ctx, vector, limit)
	if err != nil {
		return Response{}, fmt.Errorf("search index: %w", err)
	}

	results := make([]Result, 0, len(hits))
	contexts := make([]string, 0, len(hits))
	for _, h := range hits {
		results = append(results, Result{
			DocumentID: h.Payload.DocumentID.String(),
			ChunkIndex: h.Payload.ChunkIndex,
			Score:      h.Score,
			Text:       h.Payload.Text,
		})
		contexts = append(contexts, h.Payload.Text)
	}

	answer, confidence, err := s.llm.Answer(ctx, query, contexts)
	if err != nil {
		return Response{}, fmt.Errorf("generate answer: %w", err)
	}

	resp := Response{Answer: answer, Confidence: confidence, Results: results}
	if err := s.cache.SetQueryResult(ctx, key, toCached(resp), s.ttl); err != nil {
		s.log.Warn("search cache write failed", "err", err)
	}
	return resp, nil
}

func toCached(r Response) *cache.QueryResult {
	sources := make([]cache.Source, len(r.Results))
	for i, res := range r.Results {
		sources[i] = cache.Source{DocumentID: res.DocumentID, ChunkIndex: res.ChunkIndex, Score: res.Score, Text: res.Text}
	}
	return &cache.QueryResult{Answer: r.Answer, Confidence: r.Confidence, Sources: sources}
}

func fromCached(q *cache.QueryResult) Response {
	results := make([]Result, len(q.Sources))
	for i, src := range q.Sources {
		results[i] = Result{DocumentID: src.DocumentID, ChunkIndex: src.ChunkIndex, Score: src.Score, Text: src.Text}
	}
	return Response{Answer: q.Answer, Confidence: q.Confidence, Results: results, Cached: true}
}
