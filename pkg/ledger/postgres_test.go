package ledger

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func accountRows(balance, reserved, earned, spent int64) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{"agent_did", "balance", "reserved", "earned", "spent", "created_at", "updated_at"}).
		AddRow("did:key:zAlice", balance, reserved, earned, spent, now, now)
}

func TestPostgresReserveLocksRow(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT agent_did, balance, reserved, earned, spent, created_at, updated_at\s+FROM credit_accounts WHERE agent_did = \$1 FOR UPDATE`).
		WithArgs("did:key:zAlice").
		WillReturnRows(accountRows(1_000_000, 0, 0, 0))
	mock.ExpectExec(`UPDATE credit_accounts SET balance = \$2, reserved = \$3`).
		WithArgs("did:key:zAlice", int64(1_000_000), int64(90_000), int64(0), int64(0)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	store := NewPostgresStore(db)
	tx, err := store.Reserve(context.Background(), "did:key:zAlice", 90_000, "intent-1")
	require.NoError(t, err)
	assert.Equal(t, TxReserve, tx.Type)
	assert.Equal(t, int64(90_000), tx.Amount)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresReserveInsufficientRollsBack(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("did:key:zAlice").
		WillReturnRows(accountRows(100, 50, 0, 0))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	_, err = store.Reserve(context.Background(), "did:key:zAlice", 90_000, "intent-1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)
	assert.NoError(t, mock.ExpectationsWereMet())
}

// Release consults the idempotency index before the reserved-balance
// check, so a retry whose first run already consumed the reservation is
// reported as a duplicate rather than an insufficient reserve.
func TestPostgresReleaseRetryIsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("did:key:zAlice").
		WillReturnRows(accountRows(910_000, 0, 0, 90_000))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs("did:key:zAlice", string(TxRelease), "neg:sess-1").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	_, err = store.Release(context.Background(), "did:key:zAlice", 90_000, 90_000, "neg:sess-1")
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgresUniqueViolationIsDuplicate(t *testing.T) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer func() { _ = db.Close() }()

	mock.ExpectBegin()
	mock.ExpectQuery(`FOR UPDATE`).
		WithArgs("did:key:zAlice").
		WillReturnRows(accountRows(1_000_000, 0, 0, 0))
	mock.ExpectExec(`UPDATE credit_accounts`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(`INSERT INTO credit_transactions`).
		WillReturnError(&pq.Error{Code: "23505"})
	mock.ExpectRollback()

	store := NewPostgresStore(db)
	_, err = store.Reserve(context.Background(), "did:key:zAlice", 90_000, "intent-1")
	assert.ErrorIs(t, err, ErrDuplicateTransaction)
	assert.NoError(t, mock.ExpectationsWereMet())
}
