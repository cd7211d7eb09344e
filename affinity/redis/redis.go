// Package redis is an affinity.Store backed by Redis so that several gateway
// replicas behind a load balancer agree on caller affinity.
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultKeyPrefix = "mcp:gateway:affinity:"

// Config contains configuration options for the Redis store.
type Config struct {
	// Client is the Redis client instance. The store closes it on Close.
	Client *redis.Client

	// KeyPrefix is prepended to every key.
	// Default: "mcp:gateway:affinity:"
	KeyPrefix string
}

type Store struct {
	client    *redis.Client
	keyPrefix string
}

// New creates a Redis-backed store.
func New(cfg Config) (*Store, error) {
	if cfg.Client == nil {
		return nil, errors.New("redis client is required")
	}
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = DefaultKeyPrefix
	}
	return &Store{client: cfg.Client, keyPrefix: cfg.KeyPrefix}, nil
}

// Shared reports true: every replica pointed at the same Redis sees the
// same mappings.
func (s *Store) Shared() bool { return true }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to ping redis: %w", err)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	val, err := s.client.Get(ctx, s.keyPrefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to get affinity %s: %w", key, err)
	}
	return val, true, nil
}

func (s *Store) Put(ctx context.Context, key, sessionID string, ttl time.Duration) error {
	if ttl < 0 {
		ttl = 0
	}
	if err := s.client.Set(ctx, s.keyPrefix+key, sessionID, ttl).Err(); err != nil {
		return fmt.Errorf("failed to set affinity %s: %w", key, err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.client.Del(ctx, s.keyPrefix+key).Err(); err != nil {
		return fmt.Errorf("failed to delete affinity %s: %w", key, err)
	}
	return nil
}

func (s *Store) Close() error {
	return s.client.Close()
}
