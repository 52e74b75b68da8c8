// Package lock serializes contact writes per normalized email across ingestion workers
package lock

import (
	"context"
	"database/sql"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"
	"github.com/redis/go-redis/v9"

	"github.com/Ramsey-B/clover/pkg/metrics"
)

var (
	// ErrLockNotAcquired is returned when a lock cannot be acquired before the wait timeout
	ErrLockNotAcquired = errors.New("lock not acquired")
	// ErrLockNotHeld is returned when trying to release a lock not held
	ErrLockNotHeld = errors.New("lock not held")
)

// Locker hands out exclusive leases on string keys
type Locker interface {
	Acquire(ctx context.Context, key string) (Lease, error)
}

// Lease is a held lock
type Lease interface {
	Release(ctx context.Context) error
}

// New picks the best available backend: Redis when a client is configured,
// otherwise PostgreSQL advisory locks, otherwise an in-process locker.
func New(rdb redis.UniversalClient, db *sql.DB, logger ectologger.Logger, opts Options) Locker {
	switch {
	case rdb != nil:
		return NewRedisLocker(rdb, logger, opts)
	case db != nil:
		return NewAdvisoryLocker(db, logger, opts)
	default:
		return NewLocal()
	}
}

// Options tune lock acquisition
type Options struct {
	KeyPrefix   string        // prepended to every key (default: "clover:lock:")
	TTL         time.Duration // lease expiry for backends that support it (default: 30s)
	WaitTimeout time.Duration // how long Acquire retries before ErrLockNotAcquired (default: 5s)
}

func (o Options) withDefaults() Options {
	if o.KeyPrefix == "" {
		o.KeyPrefix = "clover:lock:"
	}
	if o.TTL <= 0 {
		o.TTL = 30 * time.Second
	}
	if o.WaitTimeout <= 0 {
		o.WaitTimeout = 5 * time.Second
	}
	return o
}

const (
	initialBackoff = 10 * time.Millisecond
	maxBackoff     = 500 * time.Millisecond
	releaseTimeout = 5 * time.Second
)

// releaseContext keeps the caller's values but not its cancellation, so a lease
// taken under a request that has since been cancelled is still released.
func releaseContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
}

// retry calls try until it reports success, the wait timeout passes or ctx is done.
// Backoff doubles from 10ms with a 500ms cap.
func retry(ctx context.Context, backend string, timeout time.Duration, try func() (bool, error)) error {
	start := time.Now()
	defer func() { metrics.LockWaitDuration.WithLabelValues(backend).Observe(time.Since(start).Seconds()) }()

	deadline := start.Add(timeout)
	backoff := initialBackoff
	for {
		ok, err := try()
		if err != nil {
			return err
		}
		if ok {
			return nil
		}
		if !time.Now().Before(deadline) {
			return ErrLockNotAcquired
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
			backoff *= 2
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
		}
	}
}

// Local is an in-process Locker for single-instance deployments and tests
type Local struct {
	mu    sync.Mutex
	slots map[string]*localSlot
}

type localSlot struct {
	ch   chan struct{}
	refs int
}

// NewLocal creates a new in-process Locker
func NewLocal() *Local {
	return &Local{slots: make(map[string]*localSlot)}
}

// Acquire blocks until key is free or ctx is done
func (l *Local) Acquire(ctx context.Context, key string) (Lease, error) {
	l.mu.Lock()
	slot, ok := l.slots[key]
	if !ok {
		slot = &localSlot{ch: make(chan struct{}, 1)}
		l.slots[key] = slot
	}
	slot.refs++
	l.mu.Unlock()

	start := time.Now()
	select {
	case slot.ch <- struct{}{}:
		metrics.LockWaitDuration.WithLabelValues("local").Observe(time.Since(start).Seconds())
		return &localLease{locker: l, key: key, slot: slot}, nil
	case <-ctx.Done():
		l.unref(key, slot)
		return nil, ctx.Err()
	}
}

func (l *Local) unref(key string, slot *localSlot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	slot.refs--
	if slot.refs == 0 {
		delete(l.slots, key)
	}
}

type localLease struct {
	locker *Local
	key    string
	slot   *localSlot
	once   sync.Once
}

func (lease *localLease) Release(_ context.Context) error {
	released := false
	lease.once.Do(func() {
		<-lease.slot.ch
		lease.locker.unref(lease.key, lease.slot)
		released = true
	})
	if !released {
		return ErrLockNotHeld
	}
	return nil
}
