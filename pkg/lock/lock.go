// Package lock serializes runs against the same MySQL instance across
// controllers.
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// ErrHeld is returned when another holder owns the lock.
var ErrHeld = errors.New("lock is held by another run")

// Locker acquires a named lock. The returned release function is safe to
// call more than once.
type Locker interface {
	Acquire(ctx context.Context, name string) (release func(context.Context) error, err error)
}

// Noop is a Locker that always succeeds. It serves single-controller setups.
type Noop struct{}

// Acquire implements Locker.
func (Noop) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	return func(context.Context) error { return nil }, nil
}

// RedisConfig describes the Redis server holding locks.
type RedisConfig struct {
	Address  string `yaml:"address" validate:"required"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`

	// Prefix namespaces lock keys.
	Prefix string `yaml:"prefix"`

	// TTL bounds how long a crashed holder keeps the lock.
	TTL time.Duration `yaml:"ttl"`
}

// releaseScript deletes the key only if it still carries our token.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Redis implements Locker with SET NX and a token-checked release.
type Redis struct {
	client redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedis connects to Redis and verifies the connection.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Address == "" {
		return nil, errors.New("redis address is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return NewRedisWithClient(client, cfg.Prefix, cfg.TTL), nil
}

// NewRedisWithClient builds a locker on an existing client.
func NewRedisWithClient(client redis.UniversalClient, prefix string, ttl time.Duration) *Redis {
	if prefix == "" {
		prefix = "froyo-mysql:lock:"
	}
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &Redis{client: client, prefix: prefix, ttl: ttl}
}

// Key returns the Redis key guarding name.
func (r *Redis) Key(name string) string {
	return r.prefix + name
}

// Acquire takes the lock or fails with ErrHeld.
func (r *Redis) Acquire(ctx context.Context, name string) (func(context.Context) error, error) {
	key := r.Key(name)
	token := uuid.NewString()

	ok, err := r.client.SetNX(ctx, key, token, r.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to acquire lock %s: %w", name, err)
	}
	if !ok {
		return nil, fmt.Errorf("%s: %w", name, ErrHeld)
	}

	released := false
	return func(ctx context.Context) error {
		if released {
			return nil
		}
		released = true
		if err := releaseScript.Run(ctx, r.client, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("failed to release lock %s: %w", name, err)
		}
		return nil
	}, nil
}

// Close closes the Redis client.
func (r *Redis) Close() error {
	return r.client.Close()
}
