package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisCounter provides a distributed, atomic per-window counter backed
// by Redis, shared across multiple pipeline instances rather than bounded
// purely within one process; ingress uses it as the per-source rate cap.
// A Lua script runs INCR and, on the first increment, PEXPIRE, so the
// window starts with the first request.
type RedisCounter struct {
	client *redis.Client
	script *redis.Script
	prefix string
}

// NewRedisCounter creates a RedisCounter namespaced under prefix.
func NewRedisCounter(client *redis.Client, prefix string) *RedisCounter {
	if prefix == "" {
		prefix = "sentineldrift:ratelimit"
	}
	return &RedisCounter{
		client: client,
		prefix: prefix,
		script: redis.NewScript(`
			local current = redis.call('INCR', KEYS[1])
			if current == 1 then
				redis.call('PEXPIRE', KEYS[1], ARGV[1])
			end
			return current
		`),
	}
}

// Allow increments the counter for key within window and reports whether
// the result is within limit. On a Redis error it fails open, allowing
// the call rather than blocking the pipeline on a degraded rate limiter.
func (c *RedisCounter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	redisKey := fmt.Sprintf("%s:%s", c.prefix, key)

	result, err := c.script.Run(ctx, c.client, []string{redisKey}, window.Milliseconds()).Int()
	if err != nil {
		return true, fmt.Errorf("rate limit check failed, allowing request: %w", err)
	}

	return result <= limit, nil
}
