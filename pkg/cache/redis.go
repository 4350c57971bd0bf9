package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the cache with a shared Redis instance. SetNX gives the
// first-writer-wins insert.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

// NewRedisFromAddr dials addr and verifies connectivity.
func NewRedisFromAddr(ctx context.Context, addr, password string, db int) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, err
	}
	return &Redis{client: client}, nil
}

func (r *Redis) Get(ctx context.Context, key Key) (string, error) {
	runID, err := r.client.Get(ctx, key.String()).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	return runID, nil
}

func (r *Redis) PutIfAbsent(ctx context.Context, key Key, runID string, ttl time.Duration) (bool, error) {
	return r.client.SetNX(ctx, key.String(), runID, ttl).Result()
}
