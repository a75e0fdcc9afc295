package cache

import (
	"context"
	"time"
)

var (
	_ Cache = (*NoOpCache)(nil)
	_ Cache = (*RedisCache)(nil)
)

// NoOpCache never stores anything. It is used when caching is disabled or
// Redis is unreachable at startup, so search always computes fresh results.
type NoOpCache struct{}

func NewNoOpCache() *NoOpCache {
	return &NoOpCache{}
}

func (c *NoOpCache) GetQueryResult(context.Context, string) (*QueryResult, error) {
	return nil, nil
}

func (c *NoOpCache) SetQueryResult(context.Context, string, *QueryResult, time.Duration) error {
	return nil
}

func (c *NoOpCache) Purge(context.Context) error {
	return nil
}

func (c *NoOpCache) Ping(context.Context) error {
	return nil
}

func (c *NoOpCache) Close() error {
	return nil
}
