package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-ingest/internal/blob"
	"doc-ingest/internal/cache"
	"doc-ingest/internal/chunker"
	"doc-ingest/internal/embeddings"
	"doc-ingest/internal/extract"
	"doc-ingest/internal/index"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/store"
	"doc-ingest/internal/vectorid"
)

// Six words at four words per chunk split into exactly two chunks.
const twoChunkText = "alpha beta gamma delta epsilon zeta"

type fixture struct {
	store store.Store
	queue *queue.MemoryQueue
	blobs *blob.FSStore
	index *index.MemoryIndex
	deps  Deps
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	f := &fixture{
		store: st,
		queue: queue.NewMemory(100),
		blobs: blobs,
		index: index.NewMemory(),
	}
	f.deps = Deps{
		Store:    f.store,
		Queue:    f.queue,
		Blobs:    f.blobs,
		Embedder: embeddings.NewStubEmbedder(8),
		Index:    f.index,
		Chunker:  chunker.New(chunker.Options{MaxTokens: 4, Overlap: 0}),
	}
	return f
}

func testConfig() Config {
	return Config{
		MaxAttempts:       3,
		DequeueTimeout:    time.Second,
		HeartbeatInterval: time.Hour,
		BackoffBase:       time.Millisecond,
		BackoffMax:        10 * time.Millisecond,
		ChunkConcurrency:  1,
	}
}

// seed stores a document and, when enqueue is set, queues its job.
func (f *fixture) seed(t *testing.T, text string, enqueue bool) store.Document {
	t.Helper()
	ctx := context.Background()
	id := uuid.New()
	key := blob.DocumentKey(id)
	require.NoError(t, f.blobs.Put(ctx, key, []byte(text), extract.ContentTypeText))
	doc, created, err := f.store.Create(ctx, store.Document{
		ID:          id,
		Source:      "test://" + id.String(),
		BlobKey:     key,
		ContentType: extract.ContentTypeText,
		SizeBytes:   int64(len(text)),
	})
	require.NoError(t, err)
	require.True(t, created)
	if !enqueue {
		return doc
	}
	_, err = f.queue.Enqueue(ctx, queue.NewJob(doc.ID))
	require.NoError(t, err)
	doc, err = f.store.Transition(ctx, doc.ID, store.StateReceived, store.StateQueued)
	require.NoError(t, err)
	return doc
}

func (f *fixture) dequeue(t *testing.T) *queue.Lease {
	t.Helper()
	lease, err := f.queue.Dequeue(context.Background(), time.Second)
	require.NoError(t, err)
	return lease
}

func (f *fixture) get(t *testing.T, id uuid.UUID) store.Document {
	t.Helper()
	doc, err := f.store.Get(context.Background(), id)
	require.NoError(t, err)
	return doc
}

func (f *fixture) stats(t *testing.T) queue.Stats {
	t.Helper()
	s, err := f.queue.Stats(context.Background())
	require.NoError(t, err)
	return s
}

// flakyIndex fails the first upsert of selected chunk indexes.
type flakyIndex struct {
	index.Index
	mu    sync.Mutex
	fails map[int]int
}

func (f *flakyIndex) Upsert(ctx context.Context, points []index.Point) error {
	f.mu.Lock()
	chunk := points[0].Payload.ChunkIndex
	if f.fails[chunk] > 0 {
		f.fails[chunk]--
		f.mu.Unlock()
		return errors.New("connection reset")
	}
	f.mu.Unlock()
	return f.Index.Upsert(ctx, points)
}

// hookIndex runs before each upsert.
type hookIndex struct {
	index.Index
	before func()
}

func (h *hookIndex) Upsert(ctx context.Context, points []index.Point) error {
	h.before()
	return h.Index.Upsert(ctx, points)
}

type failingEmbedder struct{ embeddings.Embedder }

func (failingEmbedder) Embed(context.Context, string) (embeddings.Vector, error) {
	return nil, errors.New("embedding service unavailable")
}

// blockingEmbedder blocks until the job context ends.
type blockingEmbedder struct {
	embeddings.Embedder
	started chan struct{}
	once    sync.Once
}

func (b *blockingEmbedder) Embed(ctx context.Context, _ string) (embeddings.Vector, error) {
	b.once.Do(func() { close(b.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestProcessIndexesDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.seed(t, twoChunkText, true)
	w := New(f.deps, testConfig(), discardLogger())

	out := w.Process(context.Background(), f.dequeue(t))
	assert.Equal(t, OutcomeCompleted, out)

	got := f.get(t, doc.ID)
	assert.Equal(t, store.StateDone, got.State)
	assert.Equal(t, 2, got.ChunkCount)
	assert.Equal(t, 0, got.RetryCount)
	assert.ElementsMatch(t, vectorid.DeriveAll(doc.ID, 2), f.index.IDs())
	assert.Equal(t, queue.Stats{}, f.stats(t))
}

func TestProcessPurgesSearchCache(t *testing.T) {
	f := newFixture(t)
	f.seed(t, twoChunkText, true)
	c := &cache.MockCache{}
	c.On("Purge", mock.Anything).Return(errors.New("redis down")).Once()
	f.deps.Cache = c
	w := New(f.deps, testConfig(), discardLogger())

	// a failed purge does not fail the document
	assert.Equal(t, OutcomeCompleted, w.Process(context.Background(), f.dequeue(t)))
	c.AssertExpectations(t)
}

func TestProcessRecoversFromCrashMidDocument(t *testing.T) {
	f := newFixture(t)
	f.deps.Index = &flakyIndex{Index: f.index, fails: map[int]int{1: 1}}
	doc := f.seed(t, twoChunkText, true)
	w := New(f.deps, testConfig(), discardLogger())

	first := f.dequeue(t)
	assert.Equal(t, OutcomeRetried, w.Process(context.Background(), first))
	assert.Equal(t, []uuid.UUID{vectorid.Derive(doc.ID, 0)}, f.index.IDs())
	assert.Equal(t, store.StateProcessing, f.get(t, doc.ID).State)

	second := f.dequeue(t)
	assert.Equal(t, first.Job.ID, second.Job.ID)
	assert.Equal(t, 2, second.Job.Attempt)
	assert.Contains(t, second.Job.LastError, "index")
	assert.Equal(t, OutcomeCompleted, w.Process(context.Background(), second))

	got := f.get(t, doc.ID)
	assert.Equal(t, store.StateDone, got.State)
	assert.Equal(t, 1, got.RetryCount)
	assert.ElementsMatch(t, vectorid.DeriveAll(doc.ID, 2), f.index.IDs())
	n, err := f.index.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestProcessRetryBound(t *testing.T) {
	f := newFixture(t)
	f.deps.Embedder = failingEmbedder{}
	doc := f.seed(t, twoChunkText, true)
	w := New(f.deps, testConfig(), discardLogger())

	want := []Outcome{OutcomeRetried, OutcomeRetried, OutcomeDeadLettered}
	for i, o := range want {
		lease := f.dequeue(t)
		require.Equal(t, i+1, lease.Job.Attempt)
		require.Equal(t, o, w.Process(context.Background(), lease), "attempt %d", i+1)
	}

	dead, err := f.queue.DeadLetters(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, dead, 1)
	assert.Equal(t, 3, dead[0].Job.Attempt)
	assert.Equal(t, doc.ID, dead[0].Job.DocumentID)
	assert.Contains(t, dead[0].Reason, "embedding service unavailable")

	got := f.get(t, doc.ID)
	assert.Equal(t, store.StateFailed, got.State)
	assert.Equal(t, 2, got.RetryCount)
	assert.Contains(t, got.LastError, "embed")
	assert.Equal(t, queue.Stats{Dead: 1}, f.stats(t))
	assert.Empty(t, f.index.IDs())
}

func TestProcessConvergesAfterTransientFailures(t *testing.T) {
	f := newFixture(t)
	f.deps.Index = &flakyIndex{Index: f.index, fails: map[int]int{0: 1, 1: 1}}
	doc := f.seed(t, twoChunkText, true)
	w := New(f.deps, testConfig(), discardLogger())

	var outcomes []Outcome
	for i := 0; i < 3; i++ {
		out := w.Process(context.Background(), f.dequeue(t))
		outcomes = append(outcomes, out)
		if out == OutcomeCompleted {
			break
		}
	}

	assert.Equal(t, []Outcome{OutcomeRetried, OutcomeRetried, OutcomeCompleted}, outcomes)
	assert.Equal(t, store.StateDone, f.get(t, doc.ID).State)
	assert.ElementsMatch(t, vectorid.DeriveAll(doc.ID, 2), f.index.IDs())
}

func TestProcessDropsJobs(t *testing.T) {
	ctx := context.Background()

	t.Run("terminal document", func(t *testing.T) {
		f := newFixture(t)
		doc := f.seed(t, twoChunkText, true)
		_, err := f.store.Transition(ctx, doc.ID, store.StateQueued, store.StateFailed, store.WithLastError("operator"))
		require.NoError(t, err)
		w := New(f.deps, testConfig(), discardLogger())

		assert.Equal(t, OutcomeDropped, w.Process(ctx, f.dequeue(t)))
		assert.Equal(t, store.StateFailed, f.get(t, doc.ID).State)
		assert.Equal(t, queue.Stats{}, f.stats(t))
		assert.Empty(t, f.index.IDs())
	})

	t.Run("missing document", func(t *testing.T) {
		f := newFixture(t)
		_, err := f.queue.Enqueue(ctx, queue.NewJob(uuid.New()))
		require.NoError(t, err)
		w := New(f.deps, testConfig(), discardLogger())

		assert.Equal(t, OutcomeDropped, w.Process(ctx, f.dequeue(t)))
		assert.Equal(t, queue.Stats{}, f.stats(t))
	})
}

func TestProcessClaimsReceivedDocument(t *testing.T) {
	f := newFixture(t)
	doc := f.seed(t, twoChunkText, false)
	_, err := f.queue.Enqueue(context.Background(), queue.NewJob(doc.ID))
	require.NoError(t, err)
	w := New(f.deps, testConfig(), discardLogger())

	assert.Equal(t, OutcomeCompleted, w.Process(context.Background(), f.dequeue(t)))
	assert.Equal(t, store.StateDone, f.get(t, doc.ID).State)
}

func TestProcessAbandonsStaleTransition(t *testing.T) {
	f := newFixture(t)
	doc := f.seed(t, twoChunkText, true)
	var once sync.Once
	f.deps.Index = &hookIndex{Index: f.index, before: func() {
		once.Do(func() {
			_, err := f.store.Transition(context.Background(), doc.ID, store.StateProcessing, store.StateFailed,
				store.WithLastError("cancelled by operator"))
			assert.NoError(t, err)
		})
	}}
	w := New(f.deps, testConfig(), discardLogger())

	assert.Equal(t, OutcomeDropped, w.Process(context.Background(), f.dequeue(t)))

	got := f.get(t, doc.ID)
	assert.Equal(t, store.StateFailed, got.State)
	assert.Equal(t, "cancelled by operator", got.LastError)
	assert.Equal(t, queue.Stats{}, f.stats(t))
}

func TestProcessAbandonsLostLease(t *testing.T) {
	f := newFixture(t)
	emb := &blockingEmbedder{started: make(chan struct{})}
	f.deps.Embedder = emb
	f.seed(t, twoChunkText, true)
	cfg := testConfig()
	cfg.HeartbeatInterval = 5 * time.Millisecond
	w := New(f.deps, cfg, discardLogger())

	lease := f.dequeue(t)
	done := make(chan Outcome, 1)
	go func() { done <- w.Process(context.Background(), lease) }()

	<-emb.started
	res, err := f.queue.RequeueStale(context.Background(), 0, 3)
	require.NoError(t, err)
	require.Len(t, res.Requeued, 1)

	select {
	case out := <-done:
		assert.Equal(t, OutcomeAbandoned, out)
	case <-time.After(2 * time.Second):
		t.Fatal("worker kept processing after its lease was reclaimed")
	}
	assert.Equal(t, queue.Stats{Pending: 1}, f.stats(t))
}

func TestProcessLeavesLeaseOnShutdown(t *testing.T) {
	f := newFixture(t)
	emb := &blockingEmbedder{started: make(chan struct{})}
	f.deps.Embedder = emb
	doc := f.seed(t, twoChunkText, true)
	w := New(f.deps, testConfig(), discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	lease := f.dequeue(t)
	done := make(chan Outcome, 1)
	go func() { done <- w.Process(ctx, lease) }()

	<-emb.started
	cancel()
	assert.Equal(t, OutcomeAbandoned, <-done)
	assert.Equal(t, queue.Stats{InFlight: 1}, f.stats(t))
	assert.Equal(t, store.StateProcessing, f.get(t, doc.ID).State)
}

func TestRunPoolDrainsQueue(t *testing.T) {
	f := newFixture(t)
	var docs []store.Document
	for i := 0; i < 5; i++ {
		docs = append(docs, f.seed(t, twoChunkText, true))
	}
	cfg := testConfig()
	cfg.DequeueTimeout = 50 * time.Millisecond
	w := New(f.deps, cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() { errc <- RunPool(ctx, w, 3) }()

	require.Eventually(t, func() bool {
		for _, d := range docs {
			if f.get(t, d.ID).State != store.StateDone {
				return false
			}
		}
		return true
	}, 5*time.Second, 10*time.Millisecond)
	cancel()
	require.NoError(t, <-errc)

	assert.Len(t, f.index.IDs(), 2*len(docs))
	assert.Equal(t, queue.Stats{}, f.stats(t))
}

func TestProcessingErrorUnwraps(t *testing.T) {
	err := stepErr("fetch", blob.ErrNotFound)
	var perr *ProcessingError
	require.ErrorAs(t, err, &perr)
	assert.Equal(t, "fetch", perr.Step)
	assert.ErrorIs(t, err, blob.ErrNotFound)
}
