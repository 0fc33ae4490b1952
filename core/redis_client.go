// Package core Redis access. This file wraps go-redis with key
// namespacing and database isolation so each subsystem gets its own
// keyspace on a shared deployment.
//
// Database allocation:
//   - DB 0: hot agent state
//   - DB 1: event bus + dead-letter lists
//   - DB 2: workflow execution checkpoints (hot tier)
//   - DB 3: reserved
package core

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
)

// Redis DB assignments for subsystem isolation.
const (
	RedisDBHotState = 0
	RedisDBEventBus = 1
	RedisDBWorkflow = 2
)

// RedisClient provides a namespaced Redis interface for modules.
type RedisClient struct {
	client    *redis.Client
	namespace string
	logger    Logger
}

// RedisClientOptions configures the Redis client.
type RedisClientOptions struct {
	RedisURL  string
	DB        int    // Redis DB number for isolation (0-15)
	Namespace string // Key namespace prefix
	Logger    Logger
}

// NewRedisClient creates a Redis client with the specified options.
func NewRedisClient(opts RedisClientOptions) (*RedisClient, error) {
	if opts.Logger == nil {
		opts.Logger = &NoOpLogger{}
	}
	if opts.RedisURL == "" {
		return nil, fmt.Errorf("redis URL is required: %w", ErrNotInitialized)
	}

	redisOpt, err := redis.ParseURL(opts.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}
	redisOpt.DB = opts.DB

	client := redis.NewClient(redisOpt)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		opts.Logger.Warn("Redis unreachable at startup", map[string]interface{}{
			"redis_url": opts.RedisURL,
			"db":        opts.DB,
			"error":     err.Error(),
		})
	}

	return &RedisClient{
		client:    client,
		namespace: opts.Namespace,
		logger:    opts.Logger,
	}, nil
}

// NewRedisClientFromExisting wraps an already-connected go-redis client.
// Used by tests to point at miniredis.
func NewRedisClientFromExisting(client *redis.Client, namespace string, logger Logger) *RedisClient {
	if logger == nil {
		logger = &NoOpLogger{}
	}
	return &RedisClient{client: client, namespace: namespace, logger: logger}
}

// Key returns the namespaced form of key.
func (r *RedisClient) Key(key string) string {
	if r.namespace == "" {
		return key
	}
	return r.namespace + ":" + key
}

// Underlying exposes the raw go-redis client for pub/sub and pipelines.
func (r *RedisClient) Underlying() *redis.Client { return r.client }

// Get fetches a namespaced key. A missing key returns ("", nil).
func (r *RedisClient) Get(ctx context.Context, key string) (string, error) {
	val, err := r.client.Get(ctx, r.Key(key)).Result()
	if err == redis.Nil {
		return "", nil
	}
	return val, err
}

// Set writes a namespaced key with TTL (0 = no expiry).
func (r *RedisClient) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	return r.client.Set(ctx, r.Key(key), value, ttl).Err()
}

// Delete removes namespaced keys.
func (r *RedisClient) Delete(ctx context.Context, keys ...string) error {
	namespaced := make([]string, len(keys))
	for i, k := range keys {
		namespaced[i] = r.Key(k)
	}
	return r.client.Del(ctx, namespaced...).Err()
}

// Keys lists namespaced keys matching pattern.
func (r *RedisClient) Keys(ctx context.Context, pattern string) ([]string, error) {
	return r.client.Keys(ctx, r.Key(pattern)).Result()
}

// RPush appends values to a namespaced list.
func (r *RedisClient) RPush(ctx context.Context, key string, values ...interface{}) error {
	return r.client.RPush(ctx, r.Key(key), values...).Err()
}

// LRange reads a slice of a namespaced list.
func (r *RedisClient) LRange(ctx context.Context, key string, start, stop int64) ([]string, error) {
	return r.client.LRange(ctx, r.Key(key), start, stop).Result()
}

// LLen returns the length of a namespaced list.
func (r *RedisClient) LLen(ctx context.Context, key string) (int64, error) {
	return r.client.LLen(ctx, r.Key(key)).Result()
}

// Ping checks connectivity.
func (r *RedisClient) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

// Close releases the connection pool.
func (r *RedisClient) Close() error {
	return r.client.Close()
}
