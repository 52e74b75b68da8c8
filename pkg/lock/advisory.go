package lock

import (
	"context"
	"database/sql"
	"hash/fnv"

	"github.com/Gobusters/ectologger"
)

// AdvisoryLocker implements Locker with PostgreSQL session advisory locks.
// Each lease pins its own connection because the lock belongs to the session
// that took it; it is released automatically if that connection drops.
type AdvisoryLocker struct {
	db     *sql.DB
	logger ectologger.Logger
	opts   Options
}

// NewAdvisoryLocker creates a new AdvisoryLocker
func NewAdvisoryLocker(db *sql.DB, logger ectologger.Logger, opts Options) *AdvisoryLocker {
	return &AdvisoryLocker{
		db:     db,
		logger: logger,
		opts:   opts.withDefaults(),
	}
}

// AdvisoryKey derives the 64-bit advisory lock id for key
func AdvisoryKey(key string) int64 {
	h := fnv.New64a()
	h.Write([]byte(key))
	return int64(h.Sum64())
}

// Acquire polls pg_try_advisory_lock on a dedicated connection until the wait timeout
func (l *AdvisoryLocker) Acquire(ctx context.Context, key string) (Lease, error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, err
	}

	lockID := AdvisoryKey(l.opts.KeyPrefix + key)
	err = retry(ctx, "postgres", l.opts.WaitTimeout, func() (bool, error) {
		var acquired bool
		err := conn.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", lockID).Scan(&acquired)
		return acquired, err
	})
	if err != nil {
		conn.Close()
		return nil, err
	}

	l.logger.WithContext(ctx).Debugf("Acquired advisory lock %d for %s", lockID, key)
	return &advisoryLease{conn: conn, lockID: lockID, logger: l.logger}, nil
}

type advisoryLease struct {
	conn   *sql.Conn
	lockID int64
	logger ectologger.Logger
}

// Release unlocks on the owning session and returns the connection to the pool
func (lease *advisoryLease) Release(ctx context.Context) error {
	defer lease.conn.Close()

	ctx, cancel := releaseContext(ctx)
	defer cancel()

	var released bool
	if err := lease.conn.QueryRowContext(ctx, "SELECT pg_advisory_unlock($1)", lease.lockID).Scan(&released); err != nil {
		return err
	}
	if !released {
		return ErrLockNotHeld
	}

	lease.logger.WithContext(ctx).Debugf("Released advisory lock %d", lease.lockID)
	return nil
}
