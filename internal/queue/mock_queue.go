package queue

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockQueue is a mock implementation of Queue using testify/mock.
type MockQueue struct {
	mock.Mock
}

func (m *MockQueue) Enqueue(ctx context.Context, job Job) (Job, error) {
	args := m.Called(ctx, job)
	return args.Get(0).(Job), args.Error(1)
}

func (m *MockQueue) Dequeue(ctx context.Context, timeout time.Duration) (*Lease, error) {
	args := m.Called(ctx, timeout)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*Lease), args.Error(1)
}

func (m *MockQueue) Acknowledge(ctx context.Context, lease *Lease) error {
	args := m.Called(ctx, lease)
	return args.Error(0)
}

func (m *MockQueue) Retry(ctx context.Context, lease *Lease, reason string, delay time.Duration) error {
	args := m.Called(ctx, lease, reason, delay)
	return args.Error(0)
}

func (m *MockQueue) DeadLetter(ctx context.Context, lease *Lease, reason string) error {
	args := m.Called(ctx, lease, reason)
	return args.Error(0)
}

func (m *MockQueue) DeadLetterJob(ctx context.Context, job Job, reason string) error {
	args := m.Called(ctx, job, reason)
	return args.Error(0)
}

func (m *MockQueue) Heartbeat(ctx context.Context, lease *Lease) error {
	args := m.Called(ctx, lease)
	return args.Error(0)
}

func (m *MockQueue) RequeueStale(ctx context.Context, staleAfter time.Duration, maxAttempts int) (SweepResult, error) {
	args := m.Called(ctx, staleAfter, maxAttempts)
	return args.Get(0).(SweepResult), args.Error(1)
}

func (m *MockQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	args := m.Called(ctx, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]DeadLetter), args.Error(1)
}

func (m *MockQueue) Replay(ctx context.Context, documentID uuid.UUID) (Job, error) {
	args := m.Called(ctx, documentID)
	return args.Get(0).(Job), args.Error(1)
}

func (m *MockQueue) Stats(ctx context.Context) (Stats, error) {
	args := m.Called(ctx)
	return args.Get(0).(Stats), args.Error(1)
}

func (m *MockQueue) ActiveDocuments(ctx context.Context) (map[uuid.UUID]struct{}, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[uuid.UUID]struct{}), args.Error(1)
}

func (m *MockQueue) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockQueue) Close() error {
	args := m.Called()
	return args.Error(0)
}
