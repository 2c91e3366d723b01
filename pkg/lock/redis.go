package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/keymart-backend/pkg/errors"
)

const (
	defaultRedisPrefix = "km:lock:"
	defaultRetry       = 50 * time.Millisecond
	defaultLeaseTTL    = 30 * time.Second
)

// Deletes the key only when it still carries our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// Pushes the expiry forward only when it still carries our token.
const extendScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0`

type redisStore interface {
	SetNX(ctx context.Context, key string, value any, ttl time.Duration) (bool, error)
	Eval(ctx context.Context, script string, keys []string, args ...any) (any, error)
}

// RedisLocker implements Locker with SET NX PX plus token-checked Lua release.
type RedisLocker struct {
	store  redisStore
	prefix string
	retry  time.Duration
	owner  string
}

type RedisOption func(*RedisLocker)

// WithRetryInterval sets the pause between acquisition attempts.
func WithRetryInterval(d time.Duration) RedisOption {
	return func(l *RedisLocker) {
		if d > 0 {
			l.retry = d
		}
	}
}

// WithOwner prefixes lease tokens so holders can be identified in redis.
func WithOwner(owner string) RedisOption {
	return func(l *RedisLocker) {
		l.owner = owner
	}
}

// WithKeyPrefix namespaces lock keys so deployments sharing a redis stay apart.
func WithKeyPrefix(prefix string) RedisOption {
	return func(l *RedisLocker) {
		if prefix != "" {
			l.prefix = prefix
		}
	}
}

func NewRedisLocker(store redisStore, opts ...RedisOption) *RedisLocker {
	l := &RedisLocker{store: store, prefix: defaultRedisPrefix, retry: defaultRetry}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

func (l *RedisLocker) TryAcquire(ctx context.Context, name string, wait, ttl time.Duration) (Lease, error) {
	if ttl <= 0 {
		ttl = defaultLeaseTTL
	}
	key := l.prefix + name
	token := uuid.NewString()
	if l.owner != "" {
		token = l.owner + ":" + token
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := l.store.SetNX(ctx, key, token, ttl)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, fmt.Sprintf("acquire lock %s", name))
		}
		if ok {
			return &redisLease{store: l.store, name: name, key: key, token: token}, nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil, NewTimeoutError(name, wait)
		}
		if err := sleepCtx(ctx, min(l.retry, remaining)); err != nil {
			return nil, NewTimeoutError(name, wait)
		}
	}
}

type redisLease struct {
	store redisStore
	name  string
	key   string
	token string
}

func (l *redisLease) Name() string { return l.name }

func (l *redisLease) Release(ctx context.Context) error {
	if _, err := l.store.Eval(ctx, releaseScript, []string{l.key}, l.token); err != nil {
		return fmt.Errorf("release lock %s: %w", l.name, err)
	}
	return nil
}

// Extend returns ErrNotAcquired when the lease was lost to expiry.
func (l *redisLease) Extend(ctx context.Context, ttl time.Duration) error {
	res, err := l.store.Eval(ctx, extendScript, []string{l.key}, l.token, ttl.Milliseconds())
	if err != nil {
		return fmt.Errorf("extend lock %s: %w", l.name, err)
	}
	if n, ok := res.(int64); !ok || n == 0 {
		return ErrNotAcquired
	}
	return nil
}
