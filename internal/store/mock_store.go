package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

// MockStore is a mock implementation of Store using testify/mock.
type MockStore struct {
	mock.Mock
}

func (m *MockStore) Create(ctx context.Context, doc Document) (Document, bool, error) {
	args := m.Called(ctx, doc)
	return args.Get(0).(Document), args.Bool(1), args.Error(2)
}

func (m *MockStore) Get(ctx context.Context, id uuid.UUID) (Document, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) GetBySource(ctx context.Context, source string) (Document, error) {
	args := m.Called(ctx, source)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) Transition(ctx context.Context, id uuid.UUID, from, to State, opts ...TransitionOption) (Document, error) {
	args := m.Called(ctx, id, from, to)
	return args.Get(0).(Document), args.Error(1)
}

func (m *MockStore) ListStale(ctx context.Context, states []State, olderThan time.Time, limit int) ([]Document, error) {
	args := m.Called(ctx, states, olderThan, limit)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]Document), args.Error(1)
}

func (m *MockStore) Delete(ctx context.Context, id uuid.UUID, expect State) error {
	args := m.Called(ctx, id, expect)
	return args.Error(0)
}

func (m *MockStore) Counts(ctx context.Context) (map[State]int, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(map[State]int), args.Error(1)
}

func (m *MockStore) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockStore) Close() error {
	args := m.Called()
	return args.Error(0)
}
