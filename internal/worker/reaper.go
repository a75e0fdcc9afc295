package worker

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"doc-ingest/internal/events"
	"doc-ingest/internal/queue"
	"doc-ingest/internal/store"
)

const (
	DefaultReaperInterval     = 30 * time.Second
	DefaultLeaseTimeout       = 5 * time.Minute
	DefaultStaleDocumentAfter = 5 * time.Minute
	DefaultReapBatch          = 100
)

type ReaperConfig struct {
	Interval           time.Duration
	LeaseTimeout       time.Duration
	StaleDocumentAfter time.Duration
	MaxAttempts        int
	BatchSize          int
}

func (c ReaperConfig) withDefaults() ReaperConfig {
	if c.Interval <= 0 {
		c.Interval = DefaultReaperInterval
	}
	if c.LeaseTimeout <= 0 {
		c.LeaseTimeout = DefaultLeaseTimeout
	}
	if c.StaleDocumentAfter <= 0 {
		c.StaleDocumentAfter = DefaultStaleDocumentAfter
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = queue.DefaultMaxAttempts
	}
	if c.BatchSize <= 0 {
		c.BatchSize = DefaultReapBatch
	}
	return c
}

// ReapResult counts what one sweep changed.
type ReapResult struct {
	Requeued     int `json:"requeued"`
	DeadLettered int `json:"dead_lettered"`
	Stamped      int `json:"stamped"`
	Reenqueued   int `json:"reenqueued"`
	Failed       int `json:"failed"`
}

func (r ReapResult) empty() bool {
	return r == ReapResult{}
}

// Reaper recovers work whose worker died: expired leases go back to the
// queue, and documents stuck without any job get a fresh one.
type Reaper struct {
	store  store.Store
	queue  queue.Queue
	events events.Publisher
	cfg    ReaperConfig
	log    *slog.Logger
}

func NewReaper(st store.Store, q queue.Queue, pub events.Publisher, cfg ReaperConfig, log *slog.Logger) *Reaper {
	if pub == nil {
		pub = events.Noop{}
	}
	return &Reaper{store: st, queue: q, events: pub, cfg: cfg.withDefaults(), log: log.With("component", "reaper")}
}

// Run sweeps every Interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) error {
	t := time.NewTicker(r.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			res, err := r.Reap(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				r.log.Error("reap failed", "err", err)
				continue
			}
			if !res.empty() {
				r.log.Info("reap finished", "requeued", res.Requeued, "dead_lettered", res.DeadLettered,
					"stamped", res.Stamped, "reenqueued", res.Reenqueued, "failed", res.Failed)
			}
		}
	}
}

// Reap runs one sweep.
func (r *Reaper) Reap(ctx context.Context) (ReapResult, error) {
	var res ReapResult

	sweep, err := r.queue.RequeueStale(ctx, r.cfg.LeaseTimeout, r.cfg.MaxAttempts)
	if err != nil {
		return res, err
	}
	res.Requeued = len(sweep.Requeued)
	res.DeadLettered = len(sweep.DeadLettered)
	res.Stamped = sweep.Stamped
	for _, j := range sweep.Requeued {
		r.log.Warn("lease expired, job requeued", "job_id", j.ID, "document_id", j.DocumentID, "attempt", j.Attempt)
	}
	for _, d := range sweep.DeadLettered {
		if d.Job.DocumentID == uuid.Nil {
			continue
		}
		if r.fail(ctx, d.Job, d.Reason) {
			res.Failed++
		}
	}

	// Snapshot the queue before the store so a job acknowledged in between
	// never looks missing for a document still listed as stale.
	active, err := r.queue.ActiveDocuments(ctx)
	if err != nil {
		return res, err
	}
	stale, err := r.store.ListStale(ctx,
		[]store.State{store.StateReceived, store.StateQueued, store.StateProcessing},
		time.Now().Add(-r.cfg.StaleDocumentAfter), r.cfg.BatchSize)
	if err != nil {
		return res, err
	}
	for _, doc := range stale {
		if _, ok := active[doc.ID]; ok {
			continue
		}
		reenqueued, failed, err := r.reconcile(ctx, doc)
		if err != nil {
			if errors.Is(err, queue.ErrFull) {
				r.log.Warn("queue full, reconciliation deferred", "document_id", doc.ID)
				break
			}
			r.log.Error("reconcile failed", "document_id", doc.ID, "err", err)
			continue
		}
		if reenqueued {
			res.Reenqueued++
		}
		if failed {
			res.Failed++
		}
	}
	return res, nil
}

// reconcile hands a document that has no job left a fresh one. A stuck
// PROCESSING document counts the stalled run as a spent attempt.
func (r *Reaper) reconcile(ctx context.Context, doc store.Document) (reenqueued, failed bool, err error) {
	log := r.log.With("document_id", doc.ID, "state", doc.State)
	attempt := doc.RetryCount + 1

	switch doc.State {
	case store.StateProcessing:
		// Attempt retry_count+1 was the one that stalled.
		attempt = doc.RetryCount + 2
		if attempt > r.cfg.MaxAttempts {
			job := queue.NewJob(doc.ID)
			job.Attempt = attempt - 1
			const reason = "processing stalled after final attempt"
			if err := r.queue.DeadLetterJob(ctx, job, reason); err != nil {
				return false, false, err
			}
			log.Warn("stalled document dead-lettered", "retry_count", doc.RetryCount)
			return false, r.fail(ctx, job, reason), nil
		}
	case store.StateReceived:
		// The conditional move keeps concurrent reapers from both
		// re-enqueueing the same document.
		if _, err := r.store.Transition(ctx, doc.ID, store.StateReceived, store.StateQueued); err != nil {
			if errors.Is(err, store.ErrConflict) || errors.Is(err, store.ErrNotFound) {
				return false, false, nil
			}
			return false, false, err
		}
	}

	job := queue.NewJob(doc.ID)
	job.Attempt = attempt
	job.LastError = "reenqueued by reaper"
	if _, err := r.queue.Enqueue(ctx, job); err != nil {
		return false, false, err
	}
	log.Warn("document had no job, reenqueued", "attempt", attempt)
	return true, false, nil
}

func (r *Reaper) fail(ctx context.Context, job queue.Job, reason string) bool {
	doc, failed, err := markFailed(ctx, r.store, job.DocumentID, reason)
	if err != nil {
		r.log.Error("failed to mark document failed", "document_id", job.DocumentID, "err", err)
		return false
	}
	if failed {
		r.log.Warn("document failed", "document_id", job.DocumentID, "attempt", job.Attempt, "reason", reason)
		publish(ctx, r.events, doc, job.Attempt, reason, r.log)
	}
	return failed
}
