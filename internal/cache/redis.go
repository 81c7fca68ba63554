package cache

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis is a Cache backed by a Redis server. TTL enforcement is native;
// the capacity bound is delegated to the server's maxmemory policy, so
// Evictions stays zero here. Errors are returned to the caller, which by
// the Cache contract treats them as a miss / no-op.
type Redis struct {
	client *redis.Client
	prefix string

	hits   atomic.Int64
	misses atomic.Int64
}

// Compile-time interface check.
var _ Cache = (*Redis)(nil)

// NewRedis connects to Redis and verifies the connection.
// All keys are namespaced under prefix to allow shared servers.
func NewRedis(ctx context.Context, addr, password string, db int, prefix string) (*Redis, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return &Redis{client: client, prefix: prefix}, nil
}

// Get returns the value for key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if err != nil {
		r.misses.Add(1)
		if err == redis.Nil {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("redis get: %w", err)
	}

	r.hits.Add(1)
	return data, true, nil
}

// Set stores value under key for ttl.
func (r *Redis) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0 // redis treats 0 as no expiry
	}
	if err := r.client.Set(ctx, r.prefix+key, value, ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// Delete removes key if present.
func (r *Redis) Delete(ctx context.Context, key string) error {
	if err := r.client.Del(ctx, r.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del: %w", err)
	}
	return nil
}

// Clear removes all entries under the configured prefix.
func (r *Redis) Clear(ctx context.Context) error {
	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		if err := r.client.Del(ctx, iter.Val()).Err(); err != nil {
			return fmt.Errorf("redis del during clear: %w", err)
		}
	}
	if err := iter.Err(); err != nil {
		return fmt.Errorf("redis scan during clear: %w", err)
	}
	return nil
}

// Stats returns locally tracked hit/miss counters. Size is a best-effort
// count of namespaced keys; it reads zero when the scan fails.
func (r *Redis) Stats() Stats {
	var size int64
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	iter := r.client.Scan(ctx, 0, r.prefix+"*", 0).Iterator()
	for iter.Next(ctx) {
		size++
	}

	return Stats{
		Hits:   r.hits.Load(),
		Misses: r.misses.Load(),
		Size:   size,
	}
}

// Close closes the underlying client.
func (r *Redis) Close() error {
	return r.client.Close()
}
