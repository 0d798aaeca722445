package runctx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "gantry:run:"

// RedisStore persists run summaries as JSON values in Redis.
type RedisStore struct {
	client *redis.Client
	ttl    time.Duration
}

// RedisOption customizes a RedisStore.
type RedisOption func(*RedisStore)

// WithTTL sets the expiry applied to saved summaries. Zero means no expiry.
func WithTTL(ttl time.Duration) RedisOption {
	return func(s *RedisStore) {
		s.ttl = ttl
	}
}

// NewRedisStore connects to the Redis instance at addr and verifies the
// connection with a ping.
func NewRedisStore(ctx context.Context, addr string, opts ...RedisOption) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connecting to redis at %s: %w", addr, err)
	}
	store := &RedisStore{client: client, ttl: 7 * 24 * time.Hour}
	for _, opt := range opts {
		opt(store)
	}
	return store, nil
}

// Save implements Store.
func (s *RedisStore) Save(ctx context.Context, summary *Summary) error {
	payload, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("encoding run %s: %w", summary.RunID, err)
	}
	if err := s.client.Set(ctx, redisKeyPrefix+summary.RunID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("saving run %s: %w", summary.RunID, err)
	}
	return nil
}

// Load implements Store.
func (s *RedisStore) Load(ctx context.Context, runID string) (*Summary, error) {
	payload, err := s.client.Get(ctx, redisKeyPrefix+runID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading run %s: %w", runID, err)
	}
	var summary Summary
	if err := json.Unmarshal(payload, &summary); err != nil {
		return nil, fmt.Errorf("decoding run %s: %w", runID, err)
	}
	return &summary, nil
}

// Close releases the underlying Redis connection.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
