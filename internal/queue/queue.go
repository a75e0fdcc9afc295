package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"doc-ingest/internal/retry"
)

const (
	DefaultMaxLength   = 1000
	DefaultMaxAttempts = 3
)

var (
	// ErrFull is returned by Enqueue when the pending partition is at capacity.
	ErrFull = errors.New("queue is full")
	// ErrEmpty is returned by Dequeue when nothing became available in time.
	ErrEmpty = errors.New("queue is empty")
	// ErrLeaseLost means the job is no longer in flight under this lease,
	// usually because the reaper reclaimed it.
	ErrLeaseLost = errors.New("lease lost")
)

// Job is the unit of work. Attempt is the 1-based delivery number.
type Job struct {
	ID         uuid.UUID `json:"id"`
	DocumentID uuid.UUID `json:"document_id"`
	Attempt    int       `json:"attempt"`
	EnqueuedAt time.Time `json:"enqueued_at"`
	LastError  string    `json:"last_error,omitempty"`
}

// NewJob returns a first-delivery job for a document.
func NewJob(documentID uuid.UUID) Job {
	return Job{ID: uuid.New(), DocumentID: documentID, Attempt: 1, EnqueuedAt: time.Now().UTC()}
}

// Lease is a dequeued job together with the exact payload held in flight.
type Lease struct {
	Job        Job
	Payload    string
	AcquiredAt time.Time
}

// DeadLetter is a job that will not be retried automatically.
// Payload is set instead of Job when the original payload could not be decoded.
type DeadLetter struct {
	Job     Job       `json:"job"`
	Reason  string    `json:"reason"`
	DeadAt  time.Time `json:"dead_at"`
	Payload string    `json:"payload,omitempty"`
}

type Stats struct {
	Pending  int64 `json:"pending"`
	Delayed  int64 `json:"delayed"`
	InFlight int64 `json:"in_flight"`
	Dead     int64 `json:"dead"`
}

// SweepResult reports what RequeueStale did with expired leases.
type SweepResult struct {
	Requeued     []Job
	DeadLettered []DeadLetter
	Stamped      int
}

// Queue is a reliable work queue with pending, in-flight, delayed and
// dead-letter partitions. Every move between partitions is atomic.
type Queue interface {
	// Enqueue appends job to pending, or fails with ErrFull. It never blocks.
	Enqueue(ctx context.Context, job Job) (Job, error)
	// Dequeue moves the head of pending into flight, waiting up to timeout.
	Dequeue(ctx context.Context, timeout time.Duration) (*Lease, error)
	Acknowledge(ctx context.Context, lease *Lease) error
	// Retry moves the job back to pending with Attempt+1 once delay elapses.
	Retry(ctx context.Context, lease *Lease, reason string, delay time.Duration) error
	DeadLetter(ctx context.Context, lease *Lease, reason string) error
	// DeadLetterJob records a job that was never leased as dead.
	DeadLetterJob(ctx context.Context, job Job, reason string) error
	Heartbeat(ctx context.Context, lease *Lease) error
	// RequeueStale reclaims in-flight jobs whose heartbeat is older than
	// staleAfter. Jobs already at maxAttempts are dead-lettered instead.
	RequeueStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (SweepResult, error)
	DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error)
	// Replay drops the dead letters of a document and enqueues a fresh job,
	// ignoring the length cap.
	Replay(ctx context.Context, documentID uuid.UUID) (Job, error)
	Stats(ctx context.Context) (Stats, error)
	// ActiveDocuments returns the documents with a pending, delayed or in-flight job.
	ActiveDocuments(ctx context.Context) (map[uuid.UUID]struct{}, error)
	Ping(ctx context.Context) error
	Close() error
}

func encodeJob(job Job) (string, error) {
	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encode job: %w", err)
	}
	return string(b), nil
}

func decodeJob(payload string) (Job, error) {
	var job Job
	if err := json.Unmarshal([]byte(payload), &job); err != nil {
		return Job{}, fmt.Errorf("malformed payload: %w", err)
	}
	if job.DocumentID == uuid.Nil {
		return Job{}, errors.New("malformed payload: missing document_id")
	}
	return job, nil
}

func encodeDeadLetter(d DeadLetter) (string, error) {
	b, err := json.Marshal(d)
	if err != nil {
		return "", fmt.Errorf("encode dead letter: %w", err)
	}
	return string(b), nil
}

func prepare(job Job) Job {
	if job.ID == uuid.Nil {
		job.ID = uuid.New()
	}
	if job.Attempt <= 0 {
		job.Attempt = 1
	}
	if job.EnqueuedAt.IsZero() {
		job.EnqueuedAt = time.Now().UTC()
	}
	return job
}

func nextAttempt(job Job, reason string) Job {
	job.Attempt++
	job.LastError = reason
	return job
}

// EnqueueWithRetry retries transient enqueue failures with exponential
// backoff. ErrFull is returned immediately.
func EnqueueWithRetry(ctx context.Context, q Queue, job Job, attempts int, base time.Duration) (Job, error) {
	if attempts <= 0 {
		attempts = 1
	}
	for attempt := 0; ; attempt++ {
		queued, err := q.Enqueue(ctx, job)
		if err == nil || errors.Is(err, ErrFull) || attempt == attempts-1 {
			return queued, err
		}
		select {
		case <-ctx.Done():
			return Job{}, ctx.Err()
		case <-time.After(retry.ExponentialBackoff(attempt, base)):
		}
	}
}

// Open returns the queue selected by provider. opts is only used by redis.
func Open(ctx context.Context, provider string, opts RedisOptions, maxLength int) (Queue, error) {
	switch provider {
	case "redis":
		return NewRedis(ctx, opts, maxLength)
	case "memory":
		return NewMemory(maxLength), nil
	default:
		return nil, fmt.Errorf("unknown queue provider %q", provider)
	}
}

func decodeDeadLetter(raw string) (DeadLetter, bool) {
	var d DeadLetter
	if err := json.Unmarshal([]byte(raw), &d); err != nil {
		return DeadLetter{}, false
	}
	return d, true
}

// decodeDeadLetters reports entries that are not dead-letter records with
// the raw text as payload.
func decodeDeadLetters(raw []string) []DeadLetter {
	out := make([]DeadLetter, 0, len(raw))
	for _, entry := range raw {
		d, ok := decodeDeadLetter(entry)
		if !ok {
			d = DeadLetter{Reason: "unreadable dead letter", Payload: entry}
		}
		out = append(out, d)
	}
	return out
}
