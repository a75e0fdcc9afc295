package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"doc-ingest/internal/blob"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/store"
)

type fixture struct {
	svc   *Service
	store store.Store
	queue *queue.MemoryQueue
	blobs *blob.FSStore
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newFixture(t *testing.T, maxLength int) fixture {
	t.Helper()
	st, err := store.NewSQLite(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)
	q := queue.NewMemory(maxLength)

	svc := NewService(st, q, blobs, nil, Options{MaxLength: maxLength, MaxBodyBytes: 1024}, discardLogger())
	return fixture{svc: svc, store: st, queue: q, blobs: blobs}
}

func TestSubmitFreshDocument(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	res, err := f.svc.Submit(ctx, Request{Source: "https://example.com/a", Content: []byte("hello world")})
	require.NoError(t, err)
	assert.True(t, res.Created)
	assert.Equal(t, store.StateQueued, res.Document.State)
	assert.Equal(t, "text/plain", res.Document.ContentType)
	assert.Equal(t, int64(11), res.Document.SizeBytes)

	data, err := f.blobs.Get(ctx, res.Document.BlobKey)
	require.NoError(t, err)
	assert.Equal(t, "hello world", string(data))

	lease, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, res.Document.ID, lease.Job.DocumentID)
	assert.Equal(t, 1, lease.Job.Attempt)
}

func TestSubmitIsIdempotent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	first, err := f.svc.Submit(ctx, Request{Source: "dup", Content: []byte("one")})
	require.NoError(t, err)
	second, err := f.svc.Submit(ctx, Request{Source: "dup", Content: []byte("two")})
	require.NoError(t, err)

	assert.False(t, second.Created)
	assert.Equal(t, first.Document.ID, second.Document.ID)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, counts[store.StateQueued])
}

func TestSubmitValidation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	tests := []struct {
		name  string
		req   Request
		field string
	}{
		{"missing source", Request{Content: []byte("x")}, "source"},
		{"empty content", Request{Source: "s", Content: []byte{}}, "content"},
		{"bad content type", Request{Source: "s", Content: []byte("x"), ContentType: "image/png"}, "contenttype"},
		{"too large", Request{Source: "s", Content: make([]byte, 2048)}, "content"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Submit(ctx, tt.req)
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Contains(t, verr.Fields(), tt.field)
		})
	}

	counts, err := f.store.Counts(ctx)
	require.NoError(t, err)
	for _, n := range counts {
		assert.Zero(t, n)
	}
}

func TestSubmitBackpressure(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 2)

	for _, src := range []string{"a", "b"} {
		_, err := f.svc.Submit(ctx, Request{Source: src, Content: []byte(src)})
		require.NoError(t, err)
	}
	_, err := f.svc.Submit(ctx, Request{Source: "c", Content: []byte("c")})
	assert.ErrorIs(t, err, queue.ErrFull)

	_, err = f.store.GetBySource(ctx, "c")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// an existing source is still answered while saturated
	res, err := f.svc.Submit(ctx, Request{Source: "a", Content: []byte("a")})
	require.NoError(t, err)
	assert.False(t, res.Created)
}

func TestSubmitCompensatesEnqueueFailure(t *testing.T) {
	ctx := context.Background()
	st, err := store.NewSQLite(ctx, ":memory:")
	require.NoError(t, err)
	defer st.Close()
	blobs, err := blob.NewFS(t.TempDir())
	require.NoError(t, err)

	q := &queue.MockQueue{}
	q.On("Stats", mock.Anything).Return(queue.Stats{}, nil)
	q.On("Enqueue", mock.Anything, mock.Anything).Return(queue.Job{}, errors.New("connection refused"))

	svc := NewService(st, q, blobs, nil, Options{MaxLength: 10}, discardLogger())
	_, err = svc.Submit(ctx, Request{Source: "lost", Content: []byte("data")})
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
	q.AssertNumberOfCalls(t, "Enqueue", 3)

	_, err = st.GetBySource(ctx, "lost")
	assert.ErrorIs(t, err, store.ErrNotFound)

	// resubmission after recovery works
	q2 := queue.NewMemory(10)
	svc = NewService(st, q2, blobs, nil, Options{MaxLength: 10}, discardLogger())
	res, err := svc.Submit(ctx, Request{Source: "lost", Content: []byte("data")})
	require.NoError(t, err)
	assert.True(t, res.Created)
}

func TestSubmitStoreUnavailable(t *testing.T) {
	ctx := context.Background()
	st := &store.MockStore{}
	st.On("GetBySource", mock.Anything, "s").Return(store.Document{}, errors.New("dial tcp: refused"))

	svc := NewService(st, &queue.MockQueue{}, &blob.MockStore{}, nil, Options{}, discardLogger())
	_, err := svc.Submit(ctx, Request{Source: "s", Content: []byte("x")})
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
}

func TestSubmitBlobUnavailable(t *testing.T) {
	ctx := context.Background()
	st := &store.MockStore{}
	st.On("GetBySource", mock.Anything, "s").Return(store.Document{}, store.ErrNotFound)
	q := &queue.MockQueue{}
	q.On("Stats", mock.Anything).Return(queue.Stats{}, nil)
	blobs := &blob.MockStore{}
	blobs.On("Put", mock.Anything, mock.Anything, []byte("x"), "text/plain").Return(errors.New("bucket unreachable"))

	svc := NewService(st, q, blobs, nil, Options{}, discardLogger())
	_, err := svc.Submit(ctx, Request{Source: "s", Content: []byte("x")})
	assert.ErrorIs(t, err, ErrDependencyUnavailable)
	st.AssertNotCalled(t, "Create", mock.Anything, mock.Anything)
}

func TestReplay(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 10)

	res, err := f.svc.Submit(ctx, Request{Source: "replay", Content: []byte("x")})
	require.NoError(t, err)
	id := res.Document.ID

	_, err = f.svc.Replay(ctx, id)
	assert.ErrorIs(t, err, store.ErrConflict)

	lease, err := f.queue.Dequeue(ctx, 0)
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, id, store.StateQueued, store.StateProcessing)
	require.NoError(t, err)
	_, err = f.store.Transition(ctx, id, store.StateProcessing, store.StateFailed, store.WithLastError("boom"))
	require.NoError(t, err)
	require.NoError(t, f.queue.DeadLetter(ctx, lease, "boom"))

	doc, err := f.svc.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, store.StateQueued, doc.State)
	assert.Equal(t, 1, doc.RetryCount)

	stats, err := f.queue.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.Pending)
	assert.Equal(t, int64(0), stats.Dead)
}
