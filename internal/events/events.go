package events

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Event announces a document state change.
type Event struct {
	DocumentID uuid.UUID `json:"document_id"`
	State      string    `json:"state"`
	Attempt    int       `json:"attempt,omitempty"`
	Error      string    `json:"error,omitempty"`
	At         time.Time `json:"at"`
}

// Publisher delivers events best-effort; a failed publish never fails
// the processing that produced it.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
	Close() error
}

// Noop discards events.
type Noop struct{}

func (Noop) Publish(context.Context, Event) error { return nil }
func (Noop) Close() error                         { return nil }
