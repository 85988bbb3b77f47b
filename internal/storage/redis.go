package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures a RedisStore.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	TTL      time.Duration
	Prefix   string
}

// RedisStore keeps state as plain string keys in Redis.
type RedisStore struct {
	client *redis.Client
	addr   string
	ttl    time.Duration
	prefix string
}

// NewRedisStore connects to Redis and verifies the connection with PING.
func NewRedisStore(ctx context.Context, opts RedisOptions) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", opts.Addr, err)
	}

	return &RedisStore{
		client: client,
		addr:   opts.Addr,
		ttl:    opts.TTL,
		prefix: opts.Prefix,
	}, nil
}

// Read returns the value stored under key.
func (s *RedisStore) Read(ctx context.Context, key string) ([]byte, error) {
	data, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("redis get %s: %w", key, err)
	}
	return data, nil
}

// Write sets key, replacing any previous value.
func (s *RedisStore) Write(ctx context.Context, key string, data []byte) error {
	if err := s.client.Set(ctx, s.prefix+key, data, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Create sets key with SETNX.
func (s *RedisStore) Create(ctx context.Context, key string, data []byte) error {
	ok, err := s.client.SetNX(ctx, s.prefix+key, data, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("redis setnx %s: %w", key, err)
	}
	if !ok {
		return ErrExists
	}
	return nil
}

// Delete removes key.
func (s *RedisStore) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// URI returns the canonical URI for the given key.
func (s *RedisStore) URI(key string) string {
	return fmt.Sprintf("redis://%s/%s%s", s.addr, s.prefix, key)
}

// Close closes the client connection pool.
func (s *RedisStore) Close() error {
	return s.client.Close()
}
