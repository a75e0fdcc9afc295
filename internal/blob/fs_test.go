package blob

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFSStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)

	key := DocumentKey(uuid.MustParse("7c9e6679-7425-40de-944b-e07fc1f90ae7"))
	assert.Equal(t, "documents/7c9e6679-7425-40de-944b-e07fc1f90ae7", key)

	require.NoError(t, s.Put(ctx, key, []byte("hello"), "text/plain"))
	data, err := s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	require.NoError(t, s.Put(ctx, key, []byte("replaced"), "text/plain"))
	data, err = s.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, "replaced", string(data))

	require.NoError(t, s.Delete(ctx, key))
	require.NoError(t, s.Delete(ctx, key))
	_, err = s.Get(ctx, key)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.NoError(t, s.Ping(ctx))
}

func TestFSStoreRejectsTraversal(t *testing.T) {
	s, err := NewFS(t.TempDir())
	require.NoError(t, err)
	assert.Error(t, s.Put(context.Background(), "../escape", []byte("x"), ""))
	_, err = s.Get(context.Background(), "")
	assert.Error(t, err)
}
