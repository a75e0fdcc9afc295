package queue

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

var errClosed = errors.New("queue closed")

type delayedEntry struct {
	payload string
	due     time.Time
}

// MemoryQueue is an in-process Queue with the same semantics as RedisQueue.
// It backs single-node deployments and tests.
type MemoryQueue struct {
	mu        sync.Mutex
	maxLength int
	closed    bool

	pending    []string
	processing []string
	delayed    []delayedEntry
	dead       []DeadLetter
	leases     map[string]time.Time

	// notify is closed and replaced whenever pending grows.
	notify chan struct{}
}

func NewMemory(maxLength int) *MemoryQueue {
	if maxLength <= 0 {
		maxLength = DefaultMaxLength
	}
	return &MemoryQueue{
		maxLength: maxLength,
		leases:    make(map[string]time.Time),
		notify:    make(chan struct{}),
	}
}

func (q *MemoryQueue) wake() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *MemoryQueue) Enqueue(_ context.Context, job Job) (Job, error) {
	job = prepare(job)
	payload, err := encodeJob(job)
	if err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.pending) >= q.maxLength {
		return Job{}, ErrFull
	}
	q.pending = append(q.pending, payload)
	q.wake()
	return job, nil
}

// promote moves due delayed entries to pending. Caller holds mu.
func (q *MemoryQueue) promote(now time.Time) (next time.Time) {
	kept := q.delayed[:0]
	moved := false
	for _, d := range q.delayed {
		if !d.due.After(now) {
			q.pending = append(q.pending, d.payload)
			moved = true
			continue
		}
		if next.IsZero() || d.due.Before(next) {
			next = d.due
		}
		kept = append(kept, d)
	}
	q.delayed = kept
	if moved {
		q.wake()
	}
	return next
}

func (q *MemoryQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Lease, error) {
	deadline := time.Now().Add(timeout)
	for {
		q.mu.Lock()
		now := time.Now()
		nextDue := q.promote(now)
		if len(q.pending) > 0 {
			payload := q.pending[0]
			q.pending = q.pending[1:]
			q.processing = append(q.processing, payload)
			q.leases[payload] = now

			job, err := decodeJob(payload)
			if err != nil {
				q.removeInflight(payload)
				q.dead = append(q.dead, DeadLetter{Reason: err.Error(), DeadAt: now.UTC(), Payload: payload})
				q.mu.Unlock()
				continue
			}
			q.mu.Unlock()
			return &Lease{Job: job, Payload: payload, AcquiredAt: now}, nil
		}
		notify := q.notify
		q.mu.Unlock()

		wait := time.Until(deadline)
		if wait <= 0 {
			return nil, ErrEmpty
		}
		if !nextDue.IsZero() && time.Until(nextDue) < wait {
			wait = time.Until(nextDue)
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// removeInflight drops payload from flight. Caller holds mu.
func (q *MemoryQueue) removeInflight(payload string) bool {
	for i, p := range q.processing {
		if p == payload {
			q.processing = append(q.processing[:i], q.processing[i+1:]...)
			delete(q.leases, payload)
			return true
		}
	}
	return false
}

func (q *MemoryQueue) Acknowledge(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeInflight(lease.Payload) {
		return ErrLeaseLost
	}
	return nil
}

func (q *MemoryQueue) Retry(_ context.Context, lease *Lease, reason string, delay time.Duration) error {
	next, err := encodeJob(nextAttempt(lease.Job, reason))
	if err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeInflight(lease.Payload) {
		return ErrLeaseLost
	}
	q.delayed = append(q.delayed, delayedEntry{payload: next, due: time.Now().Add(delay)})
	// Wake waiters so they recompute their timer against the new due time.
	q.wake()
	return nil
}

func (q *MemoryQueue) DeadLetter(_ context.Context, lease *Lease, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.removeInflight(lease.Payload) {
		return ErrLeaseLost
	}
	job := lease.Job
	job.LastError = reason
	q.dead = append(q.dead, DeadLetter{Job: job, Reason: reason, DeadAt: time.Now().UTC()})
	return nil
}

func (q *MemoryQueue) DeadLetterJob(_ context.Context, job Job, reason string) error {
	job = prepare(job)
	job.LastError = reason
	q.mu.Lock()
	defer q.mu.Unlock()
	q.dead = append(q.dead, DeadLetter{Job: job, Reason: reason, DeadAt: time.Now().UTC()})
	return nil
}

func (q *MemoryQueue) Heartbeat(_ context.Context, lease *Lease) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.leases[lease.Payload]; !ok {
		return ErrLeaseLost
	}
	q.leases[lease.Payload] = time.Now()
	return nil
}

func (q *MemoryQueue) RequeueStale(_ context.Context, staleAfter time.Duration, maxAttempts int) (SweepResult, error) {
	var res SweepResult
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := time.Now()
	cutoff := now.Add(-staleAfter)
	for _, payload := range append([]string(nil), q.processing...) {
		beat, ok := q.leases[payload]
		if !ok {
			q.leases[payload] = now
			res.Stamped++
			continue
		}
		if beat.After(cutoff) {
			continue
		}
		q.removeInflight(payload)

		job, err := decodeJob(payload)
		switch {
		case err != nil:
			dl := DeadLetter{Reason: err.Error(), DeadAt: now.UTC(), Payload: payload}
			q.dead = append(q.dead, dl)
			res.DeadLettered = append(res.DeadLettered, dl)
		case job.Attempt >= maxAttempts:
			job.LastError = "lease expired"
			dl := DeadLetter{Job: job, Reason: "lease expired after final attempt", DeadAt: now.UTC()}
			q.dead = append(q.dead, dl)
			res.DeadLettered = append(res.DeadLettered, dl)
		default:
			requeued := nextAttempt(job, "lease expired")
			next, err := encodeJob(requeued)
			if err != nil {
				return res, err
			}
			q.pending = append(q.pending, next)
			res.Requeued = append(res.Requeued, requeued)
		}
	}
	if len(res.Requeued) > 0 {
		q.wake()
	}
	return res, nil
}

func (q *MemoryQueue) DeadLetters(_ context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	n := min(limit, len(q.dead))
	return append([]DeadLetter(nil), q.dead[:n]...), nil
}

func (q *MemoryQueue) Replay(_ context.Context, documentID uuid.UUID) (Job, error) {
	job := NewJob(documentID)
	payload, err := encodeJob(job)
	if err != nil {
		return Job{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	kept := q.dead[:0]
	for _, d := range q.dead {
		if d.Job.DocumentID != documentID {
			kept = append(kept, d)
		}
	}
	q.dead = kept
	q.pending = append(q.pending, payload)
	q.wake()
	return job, nil
}

func (q *MemoryQueue) Stats(context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Pending:  int64(len(q.pending)),
		Delayed:  int64(len(q.delayed)),
		InFlight: int64(len(q.processing)),
		Dead:     int64(len(q.dead)),
	}, nil
}

func (q *MemoryQueue) ActiveDocuments(context.Context) (map[uuid.UUID]struct{}, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	payloads := make([]string, 0, len(q.pending)+len(q.delayed)+len(q.processing))
	payloads = append(payloads, q.pending...)
	payloads = append(payloads, q.processing...)
	for _, d := range q.delayed {
		payloads = append(payloads, d.payload)
	}
	out := make(map[uuid.UUID]struct{}, len(payloads))
	for _, p := range payloads {
		if job, err := decodeJob(p); err == nil {
			out[job.DocumentID] = struct{}{}
		}
	}
	return out, nil
}

// Leases returns the in-flight payloads and their last heartbeat, oldest first.
func (q *MemoryQueue) Leases() []Lease {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Lease, 0, len(q.processing))
	for _, p := range q.processing {
		job, _ := decodeJob(p)
		out = append(out, Lease{Job: job, Payload: p, AcquiredAt: q.leases[p]})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].AcquiredAt.Before(out[j].AcquiredAt) })
	return out
}

func (q *MemoryQueue) Ping(context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return errClosed
	}
	return nil
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}
