// Package lock serializes work on one key across service replicas
package lock

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/redis/go-redis/v9"

	"github.com/nkiryanov/creditledger/internal/apperrors"
)

const (
	defaultTTL        = 30 * time.Second
	defaultMaxWait    = 5 * time.Second
	defaultKeyPrefix  = "creditledger:lock:"
	defaultRetryStart = 10 * time.Millisecond
)

type Locker interface {
	// Lock blocks until the key is locked or ctx is done
	// Returned func releases the lock; it is safe to call it more than once
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// Noop is used when there is single replica and database row locks are enough
type Noop struct{}

func (Noop) Lock(context.Context, string) (func(), error) {
	return func() {}, nil
}

// Release only when the key still holds our token, the lock may have expired and been taken by someone else
const luaRelease = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`

type RedisLocker struct {
	rdb     redis.UniversalClient
	release *redis.Script

	// Lock expires by itself after ttl, so crashed holder does not block the key forever
	ttl time.Duration

	// How long Lock waits for the key before giving up
	maxWait time.Duration

	prefix string
}

type Option func(*RedisLocker)

func WithTTL(ttl time.Duration) Option {
	return func(l *RedisLocker) { l.ttl = ttl }
}

func WithMaxWait(d time.Duration) Option {
	return func(l *RedisLocker) { l.maxWait = d }
}

func WithPrefix(prefix string) Option {
	return func(l *RedisLocker) { l.prefix = prefix }
}

func NewRedisLocker(rdb redis.UniversalClient, opts ...Option) *RedisLocker {
	l := &RedisLocker{
		rdb:     rdb,
		release: redis.NewScript(luaRelease),
		ttl:     defaultTTL,
		maxWait: defaultMaxWait,
		prefix:  defaultKeyPrefix,
	}

	for _, opt := range opts {
		opt(l)
	}

	return l
}

func (l *RedisLocker) Lock(ctx context.Context, key string) (func(), error) {
	token, err := newToken()
	if err != nil {
		return nil, err
	}
	key = l.prefix + key

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = defaultRetryStart
	b.MaxInterval = l.maxWait / 4
	b.MaxElapsedTime = l.maxWait

	acquire := func() error {
		ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
		switch {
		case err != nil:
			return backoff.Permanent(fmt.Errorf("redis error: %w", err))
		case !ok:
			return apperrors.ErrLockNotAcquired
		default:
			return nil
		}
	}

	err = backoff.Retry(acquire, backoff.WithContext(b, ctx))
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %w", apperrors.ErrLockNotAcquired, err)
		}
		return nil, err
	}

	released := false
	unlock := func() {
		if released {
			return
		}
		released = true

		// Release even if the caller's context is already done
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		_ = l.release.Run(ctx, l.rdb, []string{key}, token).Err()
	}

	return unlock, nil
}

func newToken() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("can't generate lock token: %w", err)
	}
	return hex.EncodeToString(b), nil
}
