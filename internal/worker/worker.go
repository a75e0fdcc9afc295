package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"doc-ingest/internal/blob"
	"doc-ingest/internal/cache"
	"doc-ingest/internal/chunker"
	"doc-ingest/internal/embeddings"
	"doc-ingest/internal/events"
	"doc-ingest/internal/extract"
	"doc-ingest/internal/index"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/retry"
	"doc-ingest/internal/store"
)

const (
	DefaultDequeueTimeout    = 2 * time.Second
	DefaultHeartbeatInterval = 10 * time.Second
	DefaultBackoffBase       = time.Second
	DefaultBackoffMax        = time.Minute
	DefaultChunkConcurrency  = 4

	claimAttempts = 3
	finishTimeout = 10 * time.Second
)

// ProcessingError is a failed processing attempt at a named step.
type ProcessingError struct {
	Step string
	Err  error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

func stepErr(step string, err error) error {
	return &ProcessingError{Step: step, Err: err}
}

// Outcome is what happened to a leased job.
type Outcome string

const (
	OutcomeCompleted    Outcome = "completed"
	OutcomeDropped      Outcome = "dropped"
	OutcomeRetried      Outcome = "retried"
	OutcomeDeadLettered Outcome = "dead_lettered"
	OutcomeAbandoned    Outcome = "abandoned"
)

type Config struct {
	MaxAttempts       int
	DequeueTimeout    time.Duration
	HeartbeatInterval time.Duration
	BackoffBase       time.Duration
	BackoffMax        time.Duration
	ChunkConcurrency  int
}

func (c Config) withDefaults() Config {
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = queue.DefaultMaxAttempts
	}
	if c.DequeueTimeout <= 0 {
		c.DequeueTimeout = DefaultDequeueTimeout
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.BackoffBase <= 0 {
		c.BackoffBase = DefaultBackoffBase
	}
	if c.BackoffMax <= 0 {
		c.BackoffMax = DefaultBackoffMax
	}
	if c.ChunkConcurrency <= 0 {
		c.ChunkConcurrency = DefaultChunkConcurrency
	}
	return c
}

// Deps are the collaborators a worker processes documents with. Events and
// Cache are optional.
type Deps struct {
	Store    store.Store
	Queue    queue.Queue
	Blobs    blob.Store
	Embedder embeddings.Embedder
	Index    index.Index
	Chunker  *chunker.Chunker
	Events   events.Publisher
	Cache    cache.Cache
}

// Worker turns queued jobs into indexed documents. It holds no mutable
// state, so one Worker can back any number of goroutines.
type Worker struct {
	deps    Deps
	indexer *index.Indexer
	cfg     Config
	log     *slog.Logger
}

func New(deps Deps, cfg Config, log *slog.Logger) *Worker {
	if deps.Events == nil {
		deps.Events = events.Noop{}
	}
	if deps.Cache == nil {
		deps.Cache = cache.NewNoOpCache()
	}
	if deps.Chunker == nil {
		deps.Chunker = chunker.New(chunker.Options{})
	}
	return &Worker{
		deps:    deps,
		indexer: index.NewIndexer(deps.Index),
		cfg:     cfg.withDefaults(),
		log:     log.With("component", "worker"),
	}
}

// RunPool runs count workers until ctx is cancelled.
func RunPool(ctx context.Context, w *Worker, count int) error {
	if count <= 0 {
		count = 1
	}
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < count; i++ {
		log := w.log.With("worker_id", i)
		g.Go(func() error {
			return w.run(ctx, log)
		})
	}
	return g.Wait()
}

// Run processes jobs until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	return w.run(ctx, w.log)
}

func (w *Worker) run(ctx context.Context, log *slog.Logger) error {
	log.Info("worker started")
	failures := 0
	for {
		if ctx.Err() != nil {
			log.Info("worker stopped")
			return nil
		}
		lease, err := w.deps.Queue.Dequeue(ctx, w.cfg.DequeueTimeout)
		switch {
		case err == nil:
			failures = 0
			w.Process(ctx, lease)
		case errors.Is(err, queue.ErrEmpty):
			failures = 0
		case ctx.Err() != nil:
			log.Info("worker stopped")
			return nil
		default:
			failures++
			wait := retry.Backoff(failures, 100*time.Millisecond, 5*time.Second)
			log.Error("dequeue failed", "err", err, "retry_in", wait)
			select {
			case <-ctx.Done():
			case <-time.After(wait):
			}
		}
	}
}

// Process runs one leased job to an outcome. Every outcome except
// OutcomeAbandoned settles the lease.
func (w *Worker) Process(ctx context.Context, lease *queue.Lease) Outcome {
	start := time.Now()
	log := w.log.With("job_id", lease.Job.ID, "document_id", lease.Job.DocumentID, "attempt", lease.Job.Attempt)

	jobCtx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)
	hbDone := make(chan struct{})
	go func() {
		defer close(hbDone)
		w.heartbeat(jobCtx, lease, cancel, log)
	}()

	doc, claimed, err := w.process(jobCtx, lease, log)
	cancel(nil)
	<-hbDone

	// Settling the lease must survive the job context being cancelled.
	fctx, fcancel := context.WithTimeout(context.WithoutCancel(ctx), finishTimeout)
	defer fcancel()

	if err == nil {
		if doc == nil {
			return w.settle(fctx, lease, OutcomeDropped, log)
		}
		out := w.settle(fctx, lease, OutcomeCompleted, log)
		log.Info("document processed", "chunks", doc.ChunkCount, "duration_ms", time.Since(start).Milliseconds())
		w.publish(fctx, *doc, lease.Job.Attempt, "")
		if err := w.deps.Cache.Purge(fctx); err != nil {
			log.Warn("cache invalidation failed", "err", err)
		}
		return out
	}

	if errors.Is(context.Cause(jobCtx), queue.ErrLeaseLost) {
		log.Warn("lease lost, abandoning job", "err", err)
		return OutcomeAbandoned
	}
	if ctx.Err() != nil {
		// Shutdown: the lease ages out and the reaper hands the job back.
		log.Warn("shutdown during processing, leaving job to the reaper", "err", err)
		return OutcomeAbandoned
	}
	return w.fail(fctx, lease, claimed, err, time.Since(start), log)
}

// process returns a nil document when the job should be dropped.
func (w *Worker) process(ctx context.Context, lease *queue.Lease, log *slog.Logger) (*store.Document, bool, error) {
	doc, err := w.claim(ctx, lease, log)
	if err != nil {
		return nil, false, err
	}
	if doc == nil {
		return nil, false, nil
	}

	data, err := w.deps.Blobs.Get(ctx, doc.BlobKey)
	if err != nil {
		return nil, true, stepErr("fetch", err)
	}
	text, err := extract.Text(doc.ContentType, data)
	if err != nil {
		return nil, true, stepErr("extract", err)
	}
	chunks := w.deps.Chunker.Split(text)
	log.Debug("document chunked", "chunks", len(chunks))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(w.cfg.ChunkConcurrency)
	for _, c := range chunks {
		g.Go(func() error {
			vec, err := w.deps.Embedder.Embed(gctx, c.Text)
			if err != nil {
				return stepErr("embed", fmt.Errorf("chunk %d: %w", c.Index, err))
			}
			if _, err := w.indexer.IndexChunk(gctx, doc.ID, doc.Source, c, vec); err != nil {
				return stepErr("index", fmt.Errorf("chunk %d: %w", c.Index, err))
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, true, err
	}

	done, err := w.deps.Store.Transition(ctx, doc.ID, store.StateProcessing, store.StateDone, store.WithChunkCount(len(chunks)))
	switch {
	case err == nil:
		return &done, true, nil
	case errors.Is(err, store.ErrConflict):
		log.Warn("stale transition to DONE abandoned")
		return nil, true, nil
	default:
		return nil, true, stepErr("complete", err)
	}
}

// claim moves the document to PROCESSING. A nil document means the job has
// nothing left to do.
func (w *Worker) claim(ctx context.Context, lease *queue.Lease, log *slog.Logger) (*store.Document, error) {
	for i := 0; i < claimAttempts; i++ {
		doc, err := w.deps.Store.Get(ctx, lease.Job.DocumentID)
		if errors.Is(err, store.ErrNotFound) {
			log.Warn("document no longer exists, dropping job")
			return nil, nil
		}
		if err != nil {
			return nil, stepErr("claim", err)
		}
		if doc.State.Terminal() {
			log.Info("document already terminal, dropping job", "state", doc.State)
			return nil, nil
		}

		var opts []store.TransitionOption
		if doc.State == store.StateProcessing {
			// Redelivery: only one reclaim of this exact row version wins.
			opts = append(opts, store.IfUpdatedAt(doc.UpdatedAt))
		}
		claimed, err := w.deps.Store.Transition(ctx, doc.ID, doc.State, store.StateProcessing, opts...)
		switch {
		case err == nil:
			return &claimed, nil
		case errors.Is(err, store.ErrConflict):
			continue
		case errors.Is(err, store.ErrNotFound):
			return nil, nil
		default:
			return nil, stepErr("claim", err)
		}
	}
	return nil, stepErr("claim", fmt.Errorf("lost %d claim races: %w", claimAttempts, store.ErrConflict))
}

func (w *Worker) settle(ctx context.Context, lease *queue.Lease, out Outcome, log *slog.Logger) Outcome {
	if err := w.deps.Queue.Acknowledge(ctx, lease); err != nil {
		if errors.Is(err, queue.ErrLeaseLost) {
			log.Warn("acknowledge after lease was reclaimed")
		} else {
			log.Error("acknowledge failed", "err", err)
		}
	}
	return out
}

func (w *Worker) fail(ctx context.Context, lease *queue.Lease, claimed bool, cause error, took time.Duration, log *slog.Logger) Outcome {
	step := "unknown"
	var perr *ProcessingError
	if errors.As(cause, &perr) {
		step = perr.Step
	}
	log = log.With("step", step, "duration_ms", took.Milliseconds())
	reason := cause.Error()

	if lease.Job.Attempt < w.cfg.MaxAttempts {
		delay := retry.Backoff(lease.Job.Attempt, w.cfg.BackoffBase, w.cfg.BackoffMax)
		log.Warn("processing attempt failed, retrying", "err", cause, "retry_in", delay)
		if err := w.deps.Queue.Retry(ctx, lease, reason, delay); err != nil {
			log.Error("retry failed, leaving job to the reaper", "err", err)
			return OutcomeAbandoned
		}
		return OutcomeRetried
	}

	log.Error("processing failed on final attempt, dead-lettering", "err", cause)
	if err := w.deps.Queue.DeadLetter(ctx, lease, reason); err != nil {
		log.Error("dead letter failed", "err", err)
		return OutcomeAbandoned
	}
	var (
		doc    store.Document
		failed bool
		err    error
	)
	if claimed {
		doc, err = w.deps.Store.Transition(ctx, lease.Job.DocumentID, store.StateProcessing, store.StateFailed, store.WithLastError(reason))
		failed = err == nil
		if errors.Is(err, store.ErrConflict) {
			log.Warn("stale transition to FAILED abandoned")
			err = nil
		}
	} else {
		doc, failed, err = markFailed(ctx, w.deps.Store, lease.Job.DocumentID, reason)
	}
	if err != nil {
		log.Error("failed to mark document failed", "err", err)
	}
	if failed {
		w.publish(ctx, doc, lease.Job.Attempt, reason)
	}
	return OutcomeDeadLettered
}

func (w *Worker) heartbeat(ctx context.Context, lease *queue.Lease, cancel context.CancelCauseFunc, log *slog.Logger) {
	t := time.NewTicker(w.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			err := w.deps.Queue.Heartbeat(ctx, lease)
			switch {
			case err == nil:
			case errors.Is(err, queue.ErrLeaseLost):
				cancel(queue.ErrLeaseLost)
				return
			case ctx.Err() == nil:
				log.Warn("heartbeat failed", "err", err)
			}
		}
	}
}

func (w *Worker) publish(ctx context.Context, doc store.Document, attempt int, errMsg string) {
	publish(ctx, w.deps.Events, doc, attempt, errMsg, w.log)
}

func publish(ctx context.Context, pub events.Publisher, doc store.Document, attempt int, errMsg string, log *slog.Logger) {
	ev := events.Event{
		DocumentID: doc.ID,
		State:      string(doc.State),
		Attempt:    attempt,
		Error:      errMsg,
		At:         time.Now().UTC(),
	}
	if err := pub.Publish(ctx, ev); err != nil {
		log.Warn("failed to publish event", "document_id", doc.ID, "state", doc.State, "err", err)
	}
}

// markFailed moves a non-terminal document to FAILED, whatever state it is
// in. It reports whether this call made the transition.
func markFailed(ctx context.Context, st store.Store, id uuid.UUID, reason string) (store.Document, bool, error) {
	for i := 0; i < claimAttempts; i++ {
		doc, err := st.Get(ctx, id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return store.Document{}, false, nil
			}
			return store.Document{}, false, err
		}
		if doc.State.Terminal() {
			return doc, false, nil
		}
		failed, err := st.Transition(ctx, id, doc.State, store.StateFailed, store.WithLastError(reason))
		switch {
		case err == nil:
			return failed, true, nil
		case errors.Is(err, store.ErrConflict):
			continue
		default:
			return store.Document{}, false, err
		}
	}
	return store.Document{}, false, store.ErrConflict
}
