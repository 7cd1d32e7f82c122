package idempotency

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "timerules:dedup:"

// RedisTracker uses SET NX with an expiry; Redis evicts keys at the TTL
type RedisTracker struct {
	client redis.Cmdable
	ttl    time.Duration
}

// NewRedisTracker creates a tracker over any go-redis client
func NewRedisTracker(client redis.Cmdable, ttl time.Duration) *RedisTracker {
	return &RedisTracker{client: client, ttl: ClampTTL(ttl)}
}

func redisKey(workspaceID, key string) string {
	return redisKeyPrefix + workspaceID + ":" + key
}

func (t *RedisTracker) CheckAndRecord(ctx context.Context, workspaceID, key string) (Verdict, error) {
	ok, err := t.client.SetNX(ctx, redisKey(workspaceID, key), OutcomePending, t.ttl).Result()
	if err != nil {
		return Fresh, fmt.Errorf("failed to record event key: %w", err)
	}
	if !ok {
		return Duplicate, nil
	}
	return Fresh, nil
}

// Complete overwrites the outcome while keeping the original expiry
func (t *RedisTracker) Complete(ctx context.Context, workspaceID, key, outcome string) error {
	err := t.client.SetArgs(ctx, redisKey(workspaceID, key), outcome, redis.SetArgs{
		Mode:    "XX",
		KeepTTL: true,
	}).Err()
	if err != nil && err != redis.Nil {
		return fmt.Errorf("failed to complete event key: %w", err)
	}
	return nil
}

func (t *RedisTracker) Release(ctx context.Context, workspaceID, key string) error {
	if err := t.client.Del(ctx, redisKey(workspaceID, key)).Err(); err != nil {
		return fmt.Errorf("failed to release event key: %w", err)
	}
	return nil
}
