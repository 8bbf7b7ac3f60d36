package cache

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	"github.com/metering/tally/internal/domain/shared"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// InMemoryKeyLocker serializes work per key within one process
type InMemoryKeyLocker struct {
	mu    sync.Mutex
	locks map[string]*keyLock
}

type keyLock struct {
	held    chan struct{}
	waiters int
}

// NewInMemoryKeyLocker creates an empty locker
func NewInMemoryKeyLocker() *InMemoryKeyLocker {
	return &InMemoryKeyLocker{locks: make(map[string]*keyLock)}
}

// Lock blocks until key is free or ctx is done
func (l *InMemoryKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	l.mu.Lock()
	kl, ok := l.locks[key]
	if !ok {
		kl = &keyLock{held: make(chan struct{}, 1)}
		l.locks[key] = kl
	}
	kl.waiters++
	l.mu.Unlock()

	select {
	case kl.held <- struct{}{}:
	case <-ctx.Done():
		l.release(key, kl, false)
		return nil, ctx.Err()
	}

	var once sync.Once
	return func() {
		once.Do(func() { l.release(key, kl, true) })
	}, nil
}

func (l *InMemoryKeyLocker) release(key string, kl *keyLock, held bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if held {
		<-kl.held
	}
	kl.waiters--
	if kl.waiters == 0 {
		delete(l.locks, key)
	}
}

// Keys reports how many keys are held or awaited
func (l *InMemoryKeyLocker) Keys() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.locks)
}

// releaseScript deletes the lock only while it still carries the caller's token
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// RedisKeyLocker serializes work per key across processes with SET NX PX.
// A holder that dies loses the lock after ttl.
type RedisKeyLocker struct {
	client    *redis.Client
	keyPrefix string
	ttl       time.Duration
	retry     time.Duration
	logger    *zap.Logger
}

// RedisKeyLockerOption configures a RedisKeyLocker
type RedisKeyLockerOption func(*RedisKeyLocker)

// WithLockRetryInterval sets the initial wait between acquisition attempts
func WithLockRetryInterval(d time.Duration) RedisKeyLockerOption {
	return func(l *RedisKeyLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithLockLogger sets the logger
func WithLockLogger(logger *zap.Logger) RedisKeyLockerOption {
	return func(l *RedisKeyLocker) {
		if logger != nil {
			l.logger = logger
		}
	}
}

// NewRedisKeyLocker creates a locker whose locks expire after ttl
func NewRedisKeyLocker(client *redis.Client, ttl time.Duration, opts ...RedisKeyLockerOption) *RedisKeyLocker {
	if ttl <= 0 {
		ttl = 15 * time.Minute
	}
	l := &RedisKeyLocker{
		client:    client,
		keyPrefix: "tally:lock:",
		ttl:       ttl,
		retry:     50 * time.Millisecond,
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Lock retries SET NX with exponential backoff until it wins, ctx is done, or Redis fails
func (l *RedisKeyLocker) Lock(ctx context.Context, key string) (func(), error) {
	redisKey := l.keyPrefix + key
	token := uuid.NewString()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = l.retry
	b.MaxInterval = 2 * time.Second

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		ok, err := l.client.SetNX(ctx, redisKey, token, l.ttl).Result()
		if err != nil {
			return struct{}{}, backoff.Permanent(fmt.Errorf("failed to acquire lock %s: %w", key, err))
		}
		if !ok {
			return struct{}{}, shared.NewDomainError(shared.CodeConcurrencyConflict, "lock "+key+" is held")
		}
		return struct{}{}, nil
	}, backoff.WithBackOff(b), backoff.WithMaxElapsedTime(0))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, ctxErr
		}
		return nil, err
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			// The caller's ctx may already be done when it unlocks
			releaseCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
			defer cancel()
			if err := releaseScript.Run(releaseCtx, l.client, []string{redisKey}, token).Err(); err != nil {
				l.logger.Warn("failed to release lock", zap.String("key", key), zap.Error(err))
			}
		})
	}, nil
}

var (
	_ shared.KeyLocker = (*InMemoryKeyLocker)(nil)
	_ shared.KeyLocker = (*RedisKeyLocker)(nil)
)
