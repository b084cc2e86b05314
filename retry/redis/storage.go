package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
)

const (
	storageKeyPrefix = "ratelimit:"
	scanBatchSize    = 100
)

// Storage implements the fiber.Storage interface on top of Client.
// This enables distributed rate limiting across multiple application
// instances: the limiter middleware shares counters through Redis, and the
// underlying Client keeps the connection alive through IAM token rotation
// and backoff-paced reconnects.
type Storage struct {
	conn *Client
}

// Compile-time check that Storage satisfies the fiber contract.
var _ fiber.Storage = (*Storage)(nil)

// NewStorage creates a new Redis-backed storage for Fiber rate limiting.
// Returns nil if the Redis connection is nil.
func NewStorage(conn *Client) *Storage {
	if conn == nil {
		return nil
	}

	return &Storage{conn: conn}
}

// Get retrieves the value for the given key.
// Returns nil, nil when the key does not exist.
func (storage *Storage) Get(key string) ([]byte, error) {
	if storage == nil || storage.conn == nil {
		return nil, nil
	}

	ctx := context.Background()

	client, err := storage.conn.GetClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("get redis client: %w", err)
	}

	val, err := client.Get(ctx, storageKeyPrefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	return val, nil
}

// Set stores the given value for the given key with an expiration.
// 0 expiration means no expiration. Empty key or value will be ignored.
func (storage *Storage) Set(key string, val []byte, exp time.Duration) error {
	if storage == nil || storage.conn == nil {
		return nil
	}

	if key == "" || len(val) == 0 {
		return nil
	}

	ctx := context.Background()

	client, err := storage.conn.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	if err := client.Set(ctx, storageKeyPrefix+key, val, exp).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}

	return nil
}

// Delete removes the value for the given key.
// Returns no error if the key does not exist.
func (storage *Storage) Delete(key string) error {
	if storage == nil || storage.conn == nil {
		return nil
	}

	ctx := context.Background()

	client, err := storage.conn.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	if err := client.Del(ctx, storageKeyPrefix+key).Err(); err != nil {
		return fmt.Errorf("redis delete: %w", err)
	}

	return nil
}

// Reset clears all rate limit keys from the storage.
// This uses SCAN to find and delete keys with the rate limit prefix.
func (storage *Storage) Reset() error {
	if storage == nil || storage.conn == nil {
		return nil
	}

	ctx := context.Background()

	client, err := storage.conn.GetClient(ctx)
	if err != nil {
		return fmt.Errorf("get redis client: %w", err)
	}

	var cursor uint64

	for {
		keys, nextCursor, err := client.Scan(ctx, cursor, storageKeyPrefix+"*", scanBatchSize).Result()
		if err != nil {
			return fmt.Errorf("redis scan: %w", err)
		}

		if len(keys) > 0 {
			if err := client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("redis batch delete: %w", err)
			}
		}

		cursor = nextCursor
		if cursor == 0 {
			break
		}
	}

	return nil
}

// Close is a no-op as the Redis connection is managed by the application lifecycle.
func (*Storage) Close() error {
	return nil
}
