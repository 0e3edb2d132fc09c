package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisClient is the subset of redis.UniversalClient the backend uses.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Close() error
}

// RedisBackend stores each feed as a plain string value.
type RedisBackend struct {
	rdb RedisClient
}

func NewRedisBackend(rdb RedisClient) *RedisBackend {
	return &RedisBackend{rdb: rdb}
}

// DialRedis connects to addr and checks the server answers.
func DialRedis(ctx context.Context, addr string) (*RedisBackend, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})

	ctx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	return NewRedisBackend(rdb), nil
}

func (r *RedisBackend) Get(ctx context.Context, key string) ([]byte, error) {
	data, err := r.rdb.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

func (r *RedisBackend) Put(ctx context.Context, key string, value []byte) error {
	if err := r.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Delete(ctx context.Context, key string) error {
	if err := r.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

func (r *RedisBackend) Close() error {
	return r.rdb.Close()
}
