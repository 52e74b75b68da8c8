package lock

import (
	"context"
	"errors"

	"github.com/Gobusters/ectologger"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the key only if we still own it
var releaseScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("del", KEYS[1])
	else
		return 0
	end
`)

// extendScript pushes out the expiry only if we still own the key
var extendScript = redis.NewScript(`
	if redis.call("get", KEYS[1]) == ARGV[1] then
		return redis.call("pexpire", KEYS[1], ARGV[2])
	else
		return 0
	end
`)

// RedisLocker provides distributed locking with SET NX and an owner token
type RedisLocker struct {
	rdb    redis.UniversalClient
	logger ectologger.Logger
	opts   Options
}

// NewRedisLocker creates a new RedisLocker
func NewRedisLocker(rdb redis.UniversalClient, logger ectologger.Logger, opts Options) *RedisLocker {
	return &RedisLocker{
		rdb:    rdb,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// TryAcquire makes a single attempt to take the lock
func (l *RedisLocker) TryAcquire(ctx context.Context, key string) (*RedisLease, error) {
	lease := &RedisLease{
		locker: l,
		key:    l.opts.KeyPrefix + key,
		value:  uuid.New().String(),
	}

	ok, err := l.rdb.SetNX(ctx, lease.key, lease.value, l.opts.TTL).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrLockNotAcquired
	}

	l.logger.WithContext(ctx).Debugf("Acquired lock: %s", lease.key)
	return lease, nil
}

// Acquire retries TryAcquire with backoff until the wait timeout
func (l *RedisLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	var lease *RedisLease
	err := retry(ctx, "redis", l.opts.WaitTimeout, func() (bool, error) {
		var err error
		lease, err = l.TryAcquire(ctx, key)
		switch {
		case err == nil:
			return true, nil
		case errors.Is(err, ErrLockNotAcquired):
			return false, nil
		default:
			return false, err
		}
	})
	if err != nil {
		return nil, err
	}
	return lease, nil
}

// RedisLease is a lock held in Redis
type RedisLease struct {
	locker *RedisLocker
	key    string
	value  string
}

// Release deletes the key if this lease still owns it
func (lease *RedisLease) Release(ctx context.Context) error {
	ctx, cancel := releaseContext(ctx)
	defer cancel()

	result, err := releaseScript.Run(ctx, lease.locker.rdb, []string{lease.key}, lease.value).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}

	lease.locker.logger.WithContext(ctx).Debugf("Released lock: %s", lease.key)
	return nil
}

// Extend resets the lease TTL if this lease still owns the key
func (lease *RedisLease) Extend(ctx context.Context) error {
	result, err := extendScript.Run(ctx, lease.locker.rdb, []string{lease.key}, lease.value, lease.locker.opts.TTL.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if result == 0 {
		return ErrLockNotHeld
	}
	return nil
}
