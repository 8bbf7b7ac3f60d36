package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/metering/tally/internal/domain/shared"
	"github.com/metering/tally/internal/infrastructure/config"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Factory creates the idempotency store and the collection key locker.
// Both share one Redis client when Redis is configured.
type Factory struct {
	redisConfig           config.RedisConfig
	lockTTL               time.Duration
	logger                *zap.Logger
	allowInMemoryFallback bool
	client                *redis.Client
}

// FactoryOption is a functional option for configuring the factory
type FactoryOption func(*Factory)

// WithLogger sets the logger for the factory
func WithLogger(logger *zap.Logger) FactoryOption {
	return func(f *Factory) {
		f.logger = logger
	}
}

// WithInMemoryFallback controls whether an unreachable Redis falls back to in-memory
// implementations. Default is true.
func WithInMemoryFallback(allow bool) FactoryOption {
	return func(f *Factory) {
		f.allowInMemoryFallback = allow
	}
}

// WithLockTTL sets the expiry of Redis collection locks
func WithLockTTL(ttl time.Duration) FactoryOption {
	return func(f *Factory) {
		f.lockTTL = ttl
	}
}

// NewFactory creates a new factory
func NewFactory(cfg config.RedisConfig, opts ...FactoryOption) *Factory {
	f := &Factory{
		redisConfig:           cfg,
		logger:                zap.NewNop(),
		allowInMemoryFallback: true,
	}

	for _, opt := range opts {
		opt(f)
	}

	return f
}

// Client returns the shared Redis client, connecting on first use.
// It returns nil with no error when Redis is not configured.
func (f *Factory) Client(ctx context.Context) (*redis.Client, error) {
	if f.redisConfig.Host == "" {
		return nil, nil
	}
	if f.client != nil {
		return f.client, nil
	}
	client, err := NewRedisClient(ctx, f.redisConfig)
	if err != nil {
		return nil, err
	}
	f.client = client
	return client, nil
}

func (f *Factory) redisOrFallback(ctx context.Context, what string) (*redis.Client, error) {
	client, err := f.Client(ctx)
	if err == nil {
		return client, nil
	}
	if !f.allowInMemoryFallback {
		return nil, fmt.Errorf("Redis required for %s but unavailable: %w", what, err)
	}
	f.logger.Warn("Redis unavailable, falling back to in-memory "+what+". "+
		"State is not shared across instances.",
		zap.Error(err),
	)
	return nil, nil
}

// CreateIdempotencyStore returns a Redis store, or an in-memory one when Redis is absent
func (f *Factory) CreateIdempotencyStore(ctx context.Context) (shared.IdempotencyStore, error) {
	client, err := f.redisOrFallback(ctx, "idempotency store")
	if err != nil {
		return nil, err
	}
	if client == nil {
		return NewInMemoryIdempotencyStore(), nil
	}
	f.logger.Info("using Redis idempotency store")
	return NewRedisIdempotencyStore(client, ""), nil
}

// CreateKeyLocker returns a Redis locker, or an in-memory one when Redis is absent
func (f *Factory) CreateKeyLocker(ctx context.Context) (shared.KeyLocker, error) {
	client, err := f.redisOrFallback(ctx, "key locker")
	if err != nil {
		return nil, err
	}
	if client == nil {
		return NewInMemoryKeyLocker(), nil
	}
	f.logger.Info("using Redis collection locks", zap.Duration("ttl", f.lockTTL))
	return NewRedisKeyLocker(client, f.lockTTL, WithLockLogger(f.logger)), nil
}

// Close closes the shared Redis client, if one was opened
func (f *Factory) Close() error {
	if f.client == nil {
		return nil
	}
	return f.client.Close()
}
