package query

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/synaptica-ai/theranorm/pkg/common/logger"
)

// ResponseCache memoizes serialized normalize responses in Redis. Entries
// expire on a TTL; cached misses are not stored. Cache failures degrade to a
// direct lookup.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
}

func NewResponseCache(client *redis.Client, ttl time.Duration) *ResponseCache {
	return &ResponseCache{client: client, ttl: ttl}
}

func (c *ResponseCache) Get(ctx context.Context, key string) ([]byte, bool) {
	payload, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			logger.Log.WithError(err).WithField("key", key).Warning("Response cache read failed")
		}
		return nil, false
	}
	return payload, true
}

func (c *ResponseCache) Set(ctx context.Context, key string, payload []byte) {
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		logger.Log.WithError(err).WithField("key", key).Warning("Response cache write failed")
	}
}
