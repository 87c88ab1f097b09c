package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Keys for the two derived payloads kept per poll. Both are invalidated on
// every write to the poll, the TTL is only a safety net.
func PollKey(pollID int64) string {
	return fmt.Sprintf("poll:%d", pollID)
}

func ResultsKey(pollID int64) string {
	return fmt.Sprintf("poll-results:%d", pollID)
}

type Redis struct {
	client *redis.Client
}

func New(addr string) (*Redis, error) {
	const op = "cache.redis.New"

	client := redis.NewClient(&redis.Options{Addr: addr})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}

	return &Redis{client: client}, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

// Get unmarshals the cached value into dest and reports whether the key was
// present.
func (r *Redis) Get(ctx context.Context, key string, dest any) (bool, error) {
	const op = "cache.redis.Get"

	raw, err := r.client.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, fmt.Errorf("%s: %w", op, err)
	}

	if err := json.Unmarshal(raw, dest); err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}

	return true, nil
}

func (r *Redis) Set(ctx context.Context, key string, value any, ttl time.Duration) error {
	const op = "cache.redis.Set"

	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	if err := r.client.Set(ctx, key, raw, ttl).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}

func (r *Redis) Remove(ctx context.Context, keys ...string) error {
	const op = "cache.redis.Remove"

	if err := r.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	return nil
}
