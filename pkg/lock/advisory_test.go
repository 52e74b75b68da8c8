package lock

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupAdvisoryLocker(t *testing.T, opts Options) (*AdvisoryLocker, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewAdvisoryLocker(db, logger, opts), mock
}

func TestAdvisoryLocker_AcquireAndRelease(t *testing.T) {
	locker, mock := setupAdvisoryLocker(t, Options{})
	lockID := AdvisoryKey("clover:lock:jane@acme.io")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	lease, err := locker.Acquire(context.Background(), "jane@acme.io")
	require.NoError(t, err)
	require.NoError(t, lease.Release(context.Background()))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryLocker_TimesOut(t *testing.T) {
	locker, mock := setupAdvisoryLocker(t, Options{WaitTimeout: 15 * time.Millisecond})
	mock.MatchExpectationsInOrder(false)

	for i := 0; i < 10; i++ {
		mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
			WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(false))
	}

	_, err := locker.Acquire(context.Background(), "jane@acme.io")
	assert.ErrorIs(t, err, ErrLockNotAcquired)
}

func TestAdvisoryLease_ReleaseNotHeld(t *testing.T) {
	locker, mock := setupAdvisoryLocker(t, Options{})

	mock.ExpectQuery(`SELECT pg_try_advisory_lock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_advisory_unlock`).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(false))

	lease, err := locker.Acquire(context.Background(), "jane@acme.io")
	require.NoError(t, err)
	assert.ErrorIs(t, lease.Release(context.Background()), ErrLockNotHeld)
}

func TestAdvisoryLease_ReleaseAfterCallerCancelled(t *testing.T) {
	locker, mock := setupAdvisoryLocker(t, Options{})
	lockID := AdvisoryKey("clover:lock:jane@acme.io")

	mock.ExpectQuery(`SELECT pg_try_advisory_lock\(\$1\)`).
		WithArgs(lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_try_advisory_lock"}).AddRow(true))
	mock.ExpectQuery(`SELECT pg_advisory_unlock\(\$1\)`).
		WithArgs(lockID).
		WillReturnRows(sqlmock.NewRows([]string{"pg_advisory_unlock"}).AddRow(true))

	ctx, cancel := context.WithCancel(context.Background())
	lease, err := locker.Acquire(ctx, "jane@acme.io")
	require.NoError(t, err)

	cancel()
	require.NoError(t, lease.Release(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestAdvisoryKey(t *testing.T) {
	assert.Equal(t, AdvisoryKey("clover:lock:a@acme.io"), AdvisoryKey("clover:lock:a@acme.io"))
	assert.NotEqual(t, AdvisoryKey("clover:lock:a@acme.io"), AdvisoryKey("clover:lock:b@acme.io"))
}
