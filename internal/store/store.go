package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// State is the processing state of a document.
type State string

const (
	StateReceived   State = "RECEIVED"
	StateQueued     State = "QUEUED"
	StateProcessing State = "PROCESSING"
	StateDone       State = "DONE"
	StateFailed     State = "FAILED"
)

// AllStates lists every state in lifecycle order.
var AllStates = []State{StateReceived, StateQueued, StateProcessing, StateDone, StateFailed}

var (
	ErrNotFound          = errors.New("document not found")
	ErrConflict          = errors.New("document state changed concurrently")
	ErrInvalidTransition = errors.New("transition not allowed")
)

// Terminal reports whether no worker may act on a document in state s.
// FAILED documents only leave through an explicit replay.
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

func (s State) Valid() bool {
	for _, st := range AllStates {
		if st == s {
			return true
		}
	}
	return false
}

// transitions maps an allowed (from, to) pair to whether it counts as a retry.
var transitions = map[State]map[State]bool{
	StateReceived: {
		StateQueued:     false,
		StateProcessing: false,
		StateFailed:     false,
	},
	StateQueued: {
		StateProcessing: false,
		StateFailed:     false,
	},
	StateProcessing: {
		StateProcessing: true,
		StateDone:       false,
		StateFailed:     false,
	},
	StateFailed: {
		StateQueued: true,
	},
}

// CanTransition reports whether from -> to is part of the state machine.
func CanTransition(from, to State) bool {
	_, ok := transitions[from][to]
	return ok
}

func countsAsRetry(from, to State) bool {
	return transitions[from][to]
}

// ValidateTransition returns ErrInvalidTransition for pairs outside the
// state machine.
func ValidateTransition(from, to State) error {
	if !CanTransition(from, to) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	return nil
}

type Document struct {
	ID          uuid.UUID
	Source      string
	State       State
	RetryCount  int
	BlobKey     string
	ContentType string
	SizeBytes   int64
	ChunkCount  int
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TransitionOption adjusts the columns written alongside a state change.
type TransitionOption func(*transitionOptions)

type transitionOptions struct {
	lastError  *string
	chunkCount *int
	ifUpdated  *time.Time
}

// WithLastError records msg as the document's last processing error.
func WithLastError(msg string) TransitionOption {
	return func(o *transitionOptions) { o.lastError = &msg }
}

// WithChunkCount records how many chunks were indexed.
func WithChunkCount(n int) TransitionOption {
	return func(o *transitionOptions) { o.chunkCount = &n }
}

// IfUpdatedAt additionally requires updated_at to still equal t. Use it to
// serialise self-transitions such as PROCESSING -> PROCESSING.
func IfUpdatedAt(t time.Time) TransitionOption {
	return func(o *transitionOptions) { o.ifUpdated = &t }
}

func buildOptions(opts []TransitionOption) transitionOptions {
	var o transitionOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// Store persists documents. All state changes go through Transition, which
// only succeeds when the stored state still equals from.
type Store interface {
	// Create inserts doc in RECEIVED. When the source already exists the
	// existing row is returned with created=false.
	Create(ctx context.Context, doc Document) (Document, bool, error)
	Get(ctx context.Context, id uuid.UUID) (Document, error)
	GetBySource(ctx context.Context, source string) (Document, error)
	Transition(ctx context.Context, id uuid.UUID, from, to State, opts ...TransitionOption) (Document, error)
	// ListStale returns documents in one of states whose updated_at is before olderThan, oldest first.
	ListStale(ctx context.Context, states []State, olderThan time.Time, limit int) ([]Document, error)
	// Delete removes the row only while it is still in expect.
	Delete(ctx context.Context, id uuid.UUID, expect State) error
	Counts(ctx context.Context) (map[State]int, error)
	Ping(ctx context.Context) error
	Close() error
}

// Open returns the store selected by provider.
func Open(ctx context.Context, provider, dsn string) (Store, error) {
	switch provider {
	case "postgres":
		return NewPostgres(ctx, dsn)
	case "sqlite":
		return NewSQLite(ctx, dsn)
	default:
		return nil, fmt.Errorf("unknown store provider %q", provider)
	}
}

func stateStrings(states []State) []string {
	out := make([]string, len(states))
	for i, s := range states {
		out[i] = string(s)
	}
	return out
}

// setClause builds the SET list and arguments of a transition update.
// ph renders the placeholder for the n-th argument; stamp wraps the
// placeholder of the new updated_at so it always moves forward.
func setClause(from, to State, now any, o transitionOptions, ph func(int) string, stamp func(string) string, args []any) (string, []any) {
	args = append(args, string(to), now)
	clause := "state = " + ph(len(args)-1) + ", updated_at = " + stamp(ph(len(args)))
	if countsAsRetry(from, to) {
		clause += ", retry_count = retry_count + 1"
	}
	if o.lastError != nil {
		args = append(args, *o.lastError)
		clause += ", last_error = " + ph(len(args))
	}
	if o.chunkCount != nil {
		args = append(args, *o.chunkCount)
		clause += ", chunk_count = " + ph(len(args))
	}
	return clause, args
}

// resolveMiss turns a zero-row conditional update into ErrNotFound or ErrConflict.
func resolveMiss(ctx context.Context, s Store, id uuid.UUID, from, to State) error {
	cur, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, expected %s (-> %s)", ErrConflict, id, cur.State, from, to)
}
