package policy

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const policyKeyPrefix = "wabot:policy:"

// redisPolicy is the cached wire form. ReplyDelay and APIKey are excluded from
// Policy's JSON tags, so they are carried explicitly here.
type redisPolicy struct {
	Policy
	ReplyDelayMs int64  `json:"reply_delay_ms"`
	APIKey       string `json:"api_key"`
}

// RedisCache stores policies as JSON blobs with a TTL. Intended for
// deployments running more than one engine process against one database.
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache creates a redis-backed policy cache. If ttl <= 0 a default of
// 10 minutes is used.
func NewRedisCache(client *redis.Client, ttl time.Duration) *RedisCache {
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &RedisCache{client: client, ttl: ttl}
}

func (c *RedisCache) Get(ctx context.Context, tenantID string) (*Policy, error) {
	val, err := c.client.Get(ctx, policyKeyPrefix+tenantID).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var rp redisPolicy
	if err := json.Unmarshal([]byte(val), &rp); err != nil {
		return nil, err
	}
	p := rp.Policy
	p.ReplyDelay = time.Duration(rp.ReplyDelayMs) * time.Millisecond
	p.APIKey = rp.APIKey
	return &p, nil
}

func (c *RedisCache) Set(ctx context.Context, tenantID string, p Policy) error {
	rp := redisPolicy{
		Policy:       p,
		ReplyDelayMs: p.ReplyDelay.Milliseconds(),
		APIKey:       p.APIKey,
	}
	val, err := json.Marshal(rp)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, policyKeyPrefix+tenantID, val, c.ttl).Err()
}

func (c *RedisCache) Delete(ctx context.Context, tenantID string) error {
	return c.client.Del(ctx, policyKeyPrefix+tenantID).Err()
}
