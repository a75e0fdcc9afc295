package cache

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRedisCache(t *testing.T) *RedisCache {
	t.Helper()
	addr := os.Getenv("REDIS_TEST_ADDR")
	if addr == "" {
		t.Skip("REDIS_TEST_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	require.NoError(t, client.Ping(context.Background()).Err())
	t.Cleanup(func() { client.Close() })
	return newRedisCache(client, "test-"+uuid.NewString())
}

func TestRedisCache(t *testing.T) {
	c := newTestRedisCache(t)
	ctx := context.Background()
	key := Key("what is go?", 5)

	got, err := c.GetQueryResult(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got, "miss")

	want := &QueryResult{Answer: "a language", Sources: []Source{{DocumentID: "d1", ChunkIndex: 2, Score: 0.5}}}
	require.NoError(t, c.SetQueryResult(ctx, key, want, time.Minute))

	got, err = c.GetQueryResult(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, want, got)

	require.NoError(t, c.Purge(ctx))
	got, err = c.GetQueryResult(ctx, key)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestRedisCachePurgeKeepsOtherPrefixes(t *testing.T) {
	a := newTestRedisCache(t)
	b := newRedisCache(a.client, "other-"+uuid.NewString())
	ctx := context.Background()
	t.Cleanup(func() { _ = b.Purge(ctx) })

	require.NoError(t, b.SetQueryResult(ctx, "k", &QueryResult{Answer: "kept"}, time.Minute))
	require.NoError(t, a.SetQueryResult(ctx, "k", &QueryResult{Answer: "dropped"}, time.Minute))

	require.NoError(t, a.Purge(ctx))

	got, err := b.GetQueryResult(ctx, "k")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "kept", got.Answer)
}
