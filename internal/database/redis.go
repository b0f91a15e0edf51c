package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisOptions configures the Redis key-value backend.
type RedisOptions struct {
	Addr      string
	Password  string
	DB        int
	KeyPrefix string
	Timeout   time.Duration
}

// RedisStore is a key-value backend for deployments where the queue runs next to a
// shared Redis instead of a local SQLite file.
type RedisStore struct {
	cli       *redis.Client
	prefix    string
	encryptor *Encryptor
}

func NewRedisStore(opts RedisOptions, encryptor *Encryptor) (*RedisStore, error) {
	if opts.Addr == "" {
		return nil, fmt.Errorf("redis: missing address")
	}
	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}
	if encryptor == nil {
		encryptor = &Encryptor{}
	}

	cli := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		DialTimeout:  opts.Timeout,
		ReadTimeout:  opts.Timeout,
		WriteTimeout: opts.Timeout,
	})

	return &RedisStore{cli: cli, prefix: opts.KeyPrefix, encryptor: encryptor}, nil
}

func (s *RedisStore) Close() error { return s.cli.Close() }

// Get returns the value stored under key. found is false when the key is absent.
func (s *RedisStore) Get(ctx context.Context, key string) (string, bool, error) {
	value, err := s.cli.Get(ctx, s.prefix+key).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("redis get %s: %w", key, err)
	}

	plaintext, err := s.encryptor.Decrypt(value)
	if err != nil {
		return "", false, fmt.Errorf("failed to decrypt value for %s: %w", key, err)
	}
	return plaintext, true, nil
}

// Set stores value under key. A single SET replaces the previous value atomically.
func (s *RedisStore) Set(ctx context.Context, key, value string) error {
	stored, err := s.encryptor.Encrypt(value)
	if err != nil {
		return fmt.Errorf("failed to encrypt value for %s: %w", key, err)
	}
	if err := s.cli.Set(ctx, s.prefix+key, stored, 0).Err(); err != nil {
		return fmt.Errorf("redis set %s: %w", key, err)
	}
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (s *RedisStore) Remove(ctx context.Context, key string) error {
	if err := s.cli.Del(ctx, s.prefix+key).Err(); err != nil {
		return fmt.Errorf("redis del %s: %w", key, err)
	}
	return nil
}

// Ping reports whether Redis is reachable.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.cli.Ping(ctx).Err()
}
