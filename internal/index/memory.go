package index

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/coder/hnsw"
	"github.com/google/uuid"

	"doc-ingest/internal/embeddings"
)

var errClosed = errors.New("index is closed")

// orphaned nodes tolerated before the graph is rebuilt from live points
const minOrphansToCompact = 64

// MemoryIndex is an in-process HNSW index using cosine distance.
type MemoryIndex struct {
	mu         sync.RWMutex
	graph      *hnsw.Graph[uint64]
	dimensions int
	closed     bool

	// Replaced points are orphaned in the graph rather than deleted, since
	// hnsw leaves a layer without an entry node when its last node goes.
	// Only keys present in keys are live; compact drops the rest.
	ids      map[uuid.UUID]uint64
	keys     map[uint64]uuid.UUID
	payloads map[uint64]Payload
	nextKey  uint64
}

func newGraph() *hnsw.Graph[uint64] {
	graph := hnsw.NewGraph[uint64]()
	graph.Distance = hnsw.CosineDistance
	graph.M = 16
	graph.EfSearch = 20
	graph.Ml = 0.25
	return graph
}

func NewMemory() *MemoryIndex {
	return &MemoryIndex{
		graph:    newGraph(),
		ids:      make(map[uuid.UUID]uint64),
		keys:     make(map[uint64]uuid.UUID),
		payloads: make(map[uint64]Payload),
	}
}

func (m *MemoryIndex) EnsureCollection(_ context.Context, dimensions int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dimensions != 0 && m.dimensions != dimensions && len(m.ids) > 0 {
		return checkDimensions(m.dimensions, make(embeddings.Vector, dimensions))
	}
	m.dimensions = dimensions
	return nil
}

func (m *MemoryIndex) Upsert(_ context.Context, points []Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return errClosed
	}
	if m.dimensions == 0 && len(points) > 0 {
		m.dimensions = len(points[0].Vector)
	}
	for _, p := range points {
		if err := checkDimensions(m.dimensions, p.Vector); err != nil {
			return err
		}
	}

	for _, p := range points {
		if old, ok := m.ids[p.ID]; ok {
			delete(m.keys, old)
			delete(m.payloads, old)
		}
		key := m.nextKey
		m.nextKey++

		vec := make([]float32, len(p.Vector))
		copy(vec, p.Vector)
		m.graph.Add(hnsw.MakeNode(key, vec))

		m.ids[p.ID] = key
		m.keys[key] = p.ID
		m.payloads[key] = p.Payload
	}
	m.compact()
	return nil
}

// compact rebuilds the graph from live points once orphans outnumber them.
// Caller holds mu.
func (m *MemoryIndex) compact() {
	orphans := m.graph.Len() - len(m.keys)
	if orphans < minOrphansToCompact || orphans < len(m.keys) {
		return
	}
	graph := newGraph()
	for key := range m.keys {
		vec, _ := m.graph.Lookup(key)
		graph.Add(hnsw.MakeNode(key, vec))
	}
	m.graph = graph
}

// Nodes reports how many nodes the graph holds, orphans included.
func (m *MemoryIndex) Nodes() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.graph.Len()
}

func (m *MemoryIndex) Search(_ context.Context, vector embeddings.Vector, limit int) ([]Hit, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, errClosed
	}
	if err := checkDimensions(m.dimensions, vector); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 5
	}
	if m.graph.Len() == 0 {
		return []Hit{}, nil
	}

	// Over-fetch so orphaned nodes do not crowd out live ones.
	query := hnsw.Vector(vector)
	nodes := m.graph.Search(query, limit+m.graph.Len()-len(m.ids))
	hits := make([]Hit, 0, limit)
	for _, node := range nodes {
		id, ok := m.keys[node.Key]
		if !ok {
			continue
		}
		hits = append(hits, Hit{
			ID:      id,
			Score:   1 - m.graph.Distance(query, node.Value),
			Payload: m.payloads[node.Key],
		})
		if len(hits) == limit {
			break
		}
	}
	return hits, nil
}

func (m *MemoryIndex) Count(context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.ids), nil
}

// IDs returns the live point ids in a stable order.
func (m *MemoryIndex) IDs() []uuid.UUID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]uuid.UUID, 0, len(m.ids))
	for id := range m.ids {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Get returns the live point stored at id.
func (m *MemoryIndex) Get(id uuid.UUID) (Point, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	key, ok := m.ids[id]
	if !ok {
		return Point{}, false
	}
	vec, _ := m.graph.Lookup(key)
	return Point{ID: id, Vector: embeddings.Vector(vec), Payload: m.payloads[key]}, true
}

func (m *MemoryIndex) Ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return errClosed
	}
	return nil
}

func (m *MemoryIndex) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
