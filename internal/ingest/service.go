package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"doc-ingest/internal/blob"
	"doc-ingest/internal/events"
	"doc-ingest/internal/extract"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/store"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Request is one document submission.
type Request struct {
	Source      string `validate:"required,max=2048"`
	Content     []byte `validate:"required,min=1"`
	ContentType string `validate:"omitempty,oneof=text/plain application/pdf"`
}

// Result is the document a submission resolved to. Created is false when
// the source had already been submitted.
type Result struct {
	Document store.Document
	Created  bool
}

type Options struct {
	MaxLength    int
	MaxBodyBytes int64
}

// Service accepts submissions: it validates, deduplicates by source,
// applies backpressure, stores the bytes and enqueues a job.
type Service struct {
	store  store.Store
	queue  queue.Queue
	blobs  blob.Store
	events events.Publisher
	opts   Options
	log    *slog.Logger
}

func NewService(st store.Store, q queue.Queue, blobs blob.Store, pub events.Publisher, opts Options, log *slog.Logger) *Service {
	if opts.MaxLength <= 0 {
		opts.MaxLength = queue.DefaultMaxLength
	}
	if pub == nil {
		pub = events.Noop{}
	}
	return &Service{store: st, queue: q, blobs: blobs, events: pub, opts: opts, log: log.With("component", "ingest")}
}

func (s *Service) Submit(ctx context.Context, req Request) (Result, error) {
	if err := validate.Struct(&req); err != nil {
		return Result{}, &ValidationError{Err: err}
	}
	if s.opts.MaxBodyBytes > 0 && int64(len(req.Content)) > s.opts.MaxBodyBytes {
		return Result{}, invalid("content", fmt.Sprintf("max=%d", s.opts.MaxBodyBytes))
	}
	if req.ContentType == "" {
		req.ContentType = extract.ContentTypeText
	}

	existing, err := s.store.GetBySource(ctx, req.Source)
	switch {
	case err == nil:
		return Result{Document: existing}, nil
	case !errors.Is(err, store.ErrNotFound):
		return Result{}, unavailable("store", err)
	}

	stats, err := s.queue.Stats(ctx)
	if err != nil {
		return Result{}, unavailable("queue", err)
	}
	if stats.Pending >= int64(s.opts.MaxLength) {
		return Result{}, queue.ErrFull
	}

	id := uuid.New()
	key := blob.DocumentKey(id)
	if err := s.blobs.Put(ctx, key, req.Content, req.ContentType); err != nil {
		return Result{}, unavailable("blob store", err)
	}

	doc, created, err := s.store.Create(ctx, store.Document{
		ID:          id,
		Source:      req.Source,
		BlobKey:     key,
		ContentType: req.ContentType,
		SizeBytes:   int64(len(req.Content)),
	})
	if err != nil {
		s.deleteBlob(key)
		return Result{}, unavailable("store", err)
	}
	if !created {
		// Lost a race with a concurrent submission of the same source.
		s.deleteBlob(key)
		return Result{Document: doc}, nil
	}

	log := s.log.With("document_id", doc.ID)
	if _, err := queue.EnqueueWithRetry(ctx, s.queue, queue.NewJob(doc.ID), 3, 50*time.Millisecond); err != nil {
		s.compensate(doc, log)
		if errors.Is(err, queue.ErrFull) {
			return Result{}, queue.ErrFull
		}
		return Result{}, unavailable("queue", err)
	}

	queued, err := s.store.Transition(ctx, doc.ID, store.StateReceived, store.StateQueued)
	switch {
	case err == nil:
		doc = queued
	case errors.Is(err, store.ErrConflict):
		// A worker already picked the job up.
		if cur, getErr := s.store.Get(ctx, doc.ID); getErr == nil {
			doc = cur
		}
	default:
		// The job is queued; the worker accepts RECEIVED documents.
		log.Warn("failed to mark document queued", "err", err)
	}

	log.Info("document accepted", "source", doc.Source, "size_bytes", doc.SizeBytes)
	s.publish(ctx, doc)
	return Result{Document: doc, Created: true}, nil
}

// compensate removes what a failed submission created so the caller can
// simply resubmit.
func (s *Service) compensate(doc store.Document, log *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.Delete(ctx, doc.ID, store.StateReceived); err != nil {
		log.Error("failed to remove document after enqueue failure", "err", err)
	}
	if err := s.blobs.Delete(ctx, doc.BlobKey); err != nil {
		log.Error("failed to remove blob after enqueue failure", "err", err)
	}
}

func (s *Service) deleteBlob(key string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.blobs.Delete(ctx, key); err != nil {
		s.log.Warn("failed to remove orphaned blob", "key", key, "err", err)
	}
}

func (s *Service) publish(ctx context.Context, doc store.Document) {
	ev := events.Event{DocumentID: doc.ID, State: string(doc.State), At: time.Now().UTC()}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.log.Warn("failed to publish event", "document_id", doc.ID, "err", err)
	}
}

// Replay moves a FAILED document back to QUEUED and enqueues a fresh job.
// It returns store.ErrConflict when the document is not FAILED.
func (s *Service) Replay(ctx context.Context, id uuid.UUID) (store.Document, error) {
	doc, err := s.store.Transition(ctx, id, store.StateFailed, store.StateQueued)
	if err != nil {
		if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
			return store.Document{}, err
		}
		return store.Document{}, unavailable("store", err)
	}

	log := s.log.With("document_id", id)
	if _, err := s.queue.Replay(ctx, id); err != nil {
		if _, revertErr := s.store.Transition(ctx, id, store.StateQueued, store.StateFailed,
			store.WithLastError("replay enqueue failed: "+err.Error())); revertErr != nil {
			log.Error("failed to revert replay", "err", revertErr)
		}
		if errors.Is(err, queue.ErrFull) {
			return store.Document{}, queue.ErrFull
		}
		return store.Document{}, unavailable("queue", err)
	}

	log.Info("document replayed", "retry_count", doc.RetryCount)
	s.publish(ctx, doc)
	return doc, nil
}
