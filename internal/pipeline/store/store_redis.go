package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lvonguyen/sentineldrift/internal/pipeline/event"
)

// Redis is a Redis-backed Store, used for production deployments where
// alerts must survive process restarts. Each alert is stored as a single
// JSON-encoded string value; the merge happens on the Go side inside a
// WATCH transaction so concurrent out-of-order upserts for the same key
// converge to the same order-independent result, matching InMemory.
type Redis struct {
	client *redis.Client
	prefix string
}

// NewRedis creates a Redis-backed Store using the given client. prefix
// namespaces the pipeline's keys within a shared Redis instance.
func NewRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "sentineldrift:alert"
	}
	return &Redis{client: client, prefix: prefix}
}

func (s *Redis) redisKey(key event.AlertKey) string {
	return fmt.Sprintf("%s:%s:%d", s.prefix, key.EventID, key.ObservedAt.UnixNano())
}

// Put upserts an alert, merging with any existing record under a Redis
// optimistic transaction and refreshing the TTL on every write.
func (s *Redis) Put(ctx context.Context, a *event.Alert, ttl time.Duration) error {
	redisKey := s.redisKey(a.Key())

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, redisKey).Result()
		var existing *event.Alert
		switch {
		case err == redis.Nil:
			existing = nil
		case err != nil:
			return err
		default:
			existing = &event.Alert{}
			if err := json.Unmarshal([]byte(raw), existing); err != nil {
				return fmt.Errorf("decode existing alert: %w", err)
			}
		}

		merged := Merge(existing, a)
		encoded, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode alert: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, redisKey, encoded, ttl)
			return nil
		})
		return err
	}

	err := s.client.Watch(ctx, txf, redisKey)
	if err == redis.TxFailedErr {
		// A concurrent writer raced us; retry once, which is sufficient
		// because the merge is commutative and order-independent.
		err = s.client.Watch(ctx, txf, redisKey)
	}
	if err != nil {
		return fmt.Errorf("%w: %v", event.ErrStoreUnavailable, err)
	}
	return nil
}

// Get returns the current record for a key, or nil if absent.
func (s *Redis) Get(ctx context.Context, key event.AlertKey) (*event.Alert, error) {
	raw, err := s.client.Get(ctx, s.redisKey(key)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", event.ErrStoreUnavailable, err)
	}

	var a event.Alert
	if err := json.Unmarshal([]byte(raw), &a); err != nil {
		return nil, fmt.Errorf("decode alert: %w", err)
	}
	return &a, nil
}
