package database

import (
	"context"
	"errors"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/Gobusters/ectologger"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupTestDB(t *testing.T) (DB, sqlmock.Sqlmock) {
	t.Helper()

	mockDB, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { mockDB.Close() })

	logger := ectologger.NewEctoLogger(func(_ ectologger.EctoLogMessage) {})
	return NewDatabaseInstance(sqlx.NewDb(mockDB, "postgres"), logger), mock
}

func TestWithinTx_Commits(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectExec("DELETE FROM contacts").WithArgs("c1").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := db.WithinTx(context.Background(), func(ctx context.Context) error {
		_, err := QuerierFromContext(ctx, db).ExecContext(ctx, "DELETE FROM contacts WHERE id = $1", "c1")
		return err
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_RollsBackOnError(t *testing.T) {
	db, mock := setupTestDB(t)
	boom := errors.New("boom")

	mock.ExpectBegin()
	mock.ExpectExec("UPDATE activities").WillReturnResult(sqlmock.NewResult(0, 3))
	mock.ExpectRollback()

	err := db.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := QuerierFromContext(ctx, db).ExecContext(ctx, "UPDATE activities SET contact_id = $1", "p"); err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWithinTx_NestedJoinsOuterTransaction(t *testing.T) {
	db, mock := setupTestDB(t)
	boom := errors.New("boom")

	// One BEGIN for both levels; the inner failure rolls back the outer work too.
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE contacts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("DELETE FROM contacts").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectRollback()

	err := db.WithinTx(context.Background(), func(ctx context.Context) error {
		if _, err := QuerierFromContext(ctx, db).ExecContext(ctx, "UPDATE contacts SET name = $1", "x"); err != nil {
			return err
		}
		return db.WithinTx(ctx, func(ctx context.Context) error {
			if _, err := QuerierFromContext(ctx, db).ExecContext(ctx, "DELETE FROM contacts WHERE id = $1", "s"); err != nil {
				return err
			}
			return boom
		})
	})
	assert.ErrorIs(t, err, boom)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTx_NestedHandleDoesNotCommit(t *testing.T) {
	db, mock := setupTestDB(t)

	mock.ExpectBegin()
	mock.ExpectCommit()

	ctx, outer, err := db.GetTx(context.Background(), nil)
	require.NoError(t, err)

	innerCtx, inner, err := db.GetTx(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, inner.Commit(innerCtx))
	assert.True(t, outer.IsOpen())

	require.NoError(t, outer.Commit(ctx))
	assert.False(t, outer.IsOpen())
	assert.False(t, inner.IsOpen())

	// Rolling back after commit is a no-op.
	assert.NoError(t, outer.Rollback(ctx))
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQuerierFromContext_WithoutTx(t *testing.T) {
	db, _ := setupTestDB(t)
	assert.Equal(t, Querier(db), QuerierFromContext(context.Background(), db))
}

func TestContainsPattern(t *testing.T) {
	assert.Equal(t, "%acme%", ContainsPattern("acme"))
	assert.Equal(t, `%50\% off\_now%`, ContainsPattern("50% off_now"))
}
