package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each bucket in a Redis hash whose fields are user ids.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client}
}

func (s *RedisStore) GetAll(ctx context.Context, bucket string) (map[string]string, error) {
	entries, err := s.client.HGetAll(ctx, bucket).Result()
	if err != nil {
		ObserveError("redis", "hgetall")
		return nil, fmt.Errorf("%w: hgetall %s: %v", ErrUnavailable, bucket, err)
	}
	return entries, nil
}

func (s *RedisStore) Get(ctx context.Context, bucket, user string) (string, bool, error) {
	value, err := s.client.HGet(ctx, bucket, user).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		ObserveError("redis", "hget")
		return "", false, fmt.Errorf("%w: hget %s %s: %v", ErrUnavailable, bucket, user, err)
	}
	return value, true, nil
}

func (s *RedisStore) Set(ctx context.Context, bucket, user, value string) error {
	if err := s.client.HSet(ctx, bucket, user, value).Err(); err != nil {
		ObserveError("redis", "hset")
		return fmt.Errorf("%w: hset %s %s: %v", ErrUnavailable, bucket, user, err)
	}
	return nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}
