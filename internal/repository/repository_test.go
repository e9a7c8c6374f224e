package repository

import (
	"context"
	"database/sql"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/qr-claim/internal/model"
)

func newMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

func q(s string) string { return regexp.QuoteMeta(s) }

var ctx = context.Background()

func TestReserveNonceTakesLedgerViewWhenAhead(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT next_nonce FROM signers WHERE id = ? FOR UPDATE")).
		WithArgs(3).WillReturnRows(sqlmock.NewRows([]string{"next_nonce"}).AddRow(5))
	mock.ExpectExec(q("UPDATE signers SET next_nonce = ? WHERE id = ?")).
		WithArgs(8, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := NewSignerRepo(db).ReserveNonce(ctx, 3, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), n)
}

func TestReserveNonceUsesCounter(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs(3).
		WillReturnRows(sqlmock.NewRows([]string{"next_nonce"}).AddRow(12))
	mock.ExpectExec(q("UPDATE signers SET next_nonce")).WithArgs(13, 3).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	n, err := NewSignerRepo(db).ReserveNonce(ctx, 3, 4)
	require.NoError(t, err)
	assert.Equal(t, uint64(12), n)
}

func TestReserveNonceUnknownSigner(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FOR UPDATE")).WithArgs(9).WillReturnRows(sqlmock.NewRows([]string{"next_nonce"}))
	mock.ExpectRollback()

	_, err := NewSignerRepo(db).ReserveNonce(ctx, 9, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestReleaseNonceIsCompareAndSet(t *testing.T) {
	db, mock := newMock(t)
	stmt := q("UPDATE signers SET next_nonce = ? WHERE id = ? AND next_nonce = ?")
	mock.ExpectExec(stmt).WithArgs(5, 3, 6).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt).WithArgs(5, 3, 6).WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewSignerRepo(db)
	ok, err := repo.ReleaseNonce(ctx, 3, 5)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ReleaseNonce(ctx, 3, 5)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestResyncRefusedWhilePending(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("SELECT address FROM signers WHERE id = ? FOR UPDATE")).WithArgs(1).
		WillReturnRows(sqlmock.NewRows([]string{"address"}).AddRow("0x5101"))
	mock.ExpectQuery(q("SELECT COUNT(*) FROM transactions WHERE signer_address = ?")).WithArgs("0x5101").
		WillReturnRows(sqlmock.NewRows([]string{"n"}).AddRow(2))
	mock.ExpectRollback()

	assert.ErrorIs(t, NewSignerRepo(db).Resync(ctx, 1, 40), ErrConflict)
}

func expectExpire(mock sqlmock.Sqlmock) {
	mock.ExpectExec(q("UPDATE subscription_locks SET is_active = FALSE")).
		WithArgs(sqlmock.AnyArg(), sqlmock.AnyArg()).WillReturnResult(sqlmock.NewResult(0, 0))
}

const beneficiary = "0x000000000000000000000000000000000000bEEF"

func TestCreateLockBeneficiaryConflict(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	expectExpire(mock)
	mock.ExpectQuery(q("WHERE active_beneficiary = ? FOR UPDATE")).WithArgs(beneficiary).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(4))
	mock.ExpectRollback()

	now := time.Now()
	_, err := NewLockRepo(db).Create(ctx, "AB12CD", beneficiary, now, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrConflict)
}

func TestCreateLockPoolExhausted(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	expectExpire(mock)
	mock.ExpectQuery(q("WHERE active_beneficiary = ?")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM receiving_addresses ra")).WillReturnRows(sqlmock.NewRows([]string{"id", "address", "name"}))
	mock.ExpectRollback()

	now := time.Now()
	_, err := NewLockRepo(db).Create(ctx, "AB12CD", beneficiary, now, now.Add(10*time.Minute))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestCreateLockInsertsActiveRow(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	expectExpire(mock)
	mock.ExpectQuery(q("WHERE active_beneficiary = ?")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM receiving_addresses ra")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "name"}).AddRow(2, "0xC2", "receiver-2"))
	mock.ExpectExec(q("INSERT INTO subscription_locks")).
		WithArgs(2, beneficiary, "AB12CD", now, now.Add(10*time.Minute), 2, beneficiary).
		WillReturnResult(sqlmock.NewResult(11, 1))
	mock.ExpectCommit()

	l, err := NewLockRepo(db).Create(ctx, "AB12CD", beneficiary, now, now.Add(10*time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), l.ID)
	assert.Equal(t, "0xC2", l.ReceivingAddress.Address)
	assert.True(t, l.ActiveAt(now))
}

func expectAddressRace(mock sqlmock.Sqlmock, addrID int64) {
	mock.ExpectBegin()
	expectExpire(mock)
	mock.ExpectQuery(q("WHERE active_beneficiary = ?")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FOR UPDATE SKIP LOCKED")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "name"}).AddRow(addrID, "0xC2", "receiver-2"))
	mock.ExpectExec(q("INSERT INTO subscription_locks")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry '2' for key 'uq_lock_active_address'"})
	mock.ExpectRollback()
}

func TestCreateLockRetriesAddressRace(t *testing.T) {
	db, mock := newMock(t)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	expectAddressRace(mock, 2)
	mock.ExpectBegin()
	expectExpire(mock)
	mock.ExpectQuery(q("WHERE active_beneficiary = ?")).WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(q("FROM receiving_addresses ra")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "address", "name"}).AddRow(3, "0xC3", "receiver-3"))
	mock.ExpectExec(q("INSERT INTO subscription_locks")).
		WithArgs(3, beneficiary, "AB12CD", now, now.Add(time.Minute), 3, beneficiary).
		WillReturnResult(sqlmock.NewResult(12, 1))
	mock.ExpectCommit()

	l, err := NewLockRepo(db).Create(ctx, "AB12CD", beneficiary, now, now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, uint64(3), l.ReceivingAddressID)
	assert.Equal(t, "0xC3", l.ReceivingAddress.Address)
}

func TestCreateLockGivesUpAfterSecondRace(t *testing.T) {
	db, mock := newMock(t)
	expectAddressRace(mock, 2)
	expectAddressRace(mock, 3)

	now := time.Now()
	_, err := NewLockRepo(db).Create(ctx, "AB12CD", beneficiary, now, now.Add(time.Minute))
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestBindIsCheckAndSet(t *testing.T) {
	db, mock := newMock(t)
	stmt := q("WHERE code = ? AND beneficiary IS NULL AND status = ?")
	mock.ExpectExec(stmt).
		WithArgs(beneficiary, sqlmock.AnyArg(), model.ClaimBound, nil, model.VerifyPending, "AB12CD", model.ClaimUnclaimed).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(stmt).WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewClaimRepo(db)
	ok, err := repo.Bind(ctx, "AB12CD", beneficiary, time.Now(), nil)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.Bind(ctx, "AB12CD", beneficiary, time.Now(), nil)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordSubmissionStaleClaimWritesNothing(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO transactions")).WillReturnResult(sqlmock.NewResult(4, 1))
	mock.ExpectExec(q("UPDATE claims SET transaction_id = ?, status = ?")).
		WithArgs(4, model.ClaimMinting, 0, "AB12CD", model.ClaimBound, 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	tx := &model.Transaction{Hash: "0xaa", ClaimCode: "AB12CD", Operation: model.OperationMintToken}
	err := NewClaimRepo(db).RecordSubmission(ctx, "AB12CD", model.ClaimBound, 3, tx, false)
	assert.ErrorIs(t, err, ErrStaleState)
	assert.Zero(t, tx.ID)
}

func TestAbandonSubmissionRestoresClaimAndDeletesRow(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE claims SET transaction_id = ?, status = ?, verify_state = ?, bump_count = ?")).
		WithArgs(4, model.ClaimSettledFailed, "", 0, "AB12CD", model.ClaimMinting, 9).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("DELETE FROM transactions WHERE id = ? AND status = ?")).
		WithArgs(9, model.TxPending).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	prevTx := uint64(4)
	prev := &model.Claim{Code: "AB12CD", Status: model.ClaimSettledFailed, TransactionID: &prevTx}
	require.NoError(t, NewClaimRepo(db).AbandonSubmission(ctx, prev, 9))
}

func TestAbandonSubmissionStaleKeepsRow(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("UPDATE claims SET transaction_id = ?")).
		WithArgs(nil, model.ClaimBound, "", 0, "AB12CD", model.ClaimMinting, 9).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectRollback()

	prev := &model.Claim{Code: "AB12CD", Status: model.ClaimBound}
	assert.ErrorIs(t, NewClaimRepo(db).AbandonSubmission(ctx, prev, 9), ErrStaleState)
}

func TestRecordSubmissionStoresRawTransaction(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO transactions")).
		WithArgs("0xaa", 2, "0x5101", "5000000000", 130000, model.OperationMintToken, "{}", "AB12CD", model.TxPending, "0xf86b02").
		WillReturnResult(sqlmock.NewResult(9, 1))
	mock.ExpectExec(q("UPDATE claims SET transaction_id = ?, status = ?, verify_state = ''")).
		WithArgs(9, model.ClaimMinting, 1, "AB12CD", model.ClaimSettledFailed, 5).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	tx := &model.Transaction{Hash: "0xaa", Nonce: 2, SignerAddress: "0x5101", GasPrice: "5000000000", GasLimit: 130000,
		Operation: model.OperationMintToken, Arguments: "{}", ClaimCode: "AB12CD", RawTx: "0xf86b02"}
	require.NoError(t, NewClaimRepo(db).RecordSubmission(ctx, "AB12CD", model.ClaimSettledFailed, 5, tx, true))
	assert.Equal(t, uint64(9), tx.ID)
	assert.Equal(t, model.TxPending, tx.Status)
}

func TestSettleDelegatedAcceptsFailedFallback(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectExec(q("AND delegated_mint = TRUE AND status IN (?, ?) AND version = ?")).
		WithArgs(model.ClaimSettledSuccess, "AB12CD", model.ClaimBound, model.ClaimSettledFailed, 4).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("AND delegated_mint = TRUE AND status IN (?, ?) AND version = ?")).
		WillReturnResult(sqlmock.NewResult(0, 0))

	repo := NewClaimRepo(db)
	require.NoError(t, repo.SettleDelegated(ctx, "AB12CD", 4))
	assert.ErrorIs(t, repo.SettleDelegated(ctx, "AB12CD", 4), ErrStaleState)
}

func TestRecordSubmissionDuplicateHash(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectExec(q("INSERT INTO transactions")).
		WillReturnError(&mysql.MySQLError{Number: 1062, Message: "Duplicate entry for key 'uq_tx_hash'"})
	mock.ExpectRollback()

	err := NewClaimRepo(db).RecordSubmission(ctx, "AB12CD", model.ClaimBound, 3, &model.Transaction{Hash: "0xaa"}, false)
	assert.ErrorIs(t, err, ErrConflict)
}

var (
	txCols    = []string{"id", "hash", "nonce", "signer_address", "gas_price", "gas_limit", "operation", "arguments", "claim_code", "status", "raw_tx", "created_at", "updated_at"}
	claimCols = []string{"id", "code", "event_id", "beneficiary", "secret_hash", "bound_at", "delegated_mint",
		"delegated_signed_message", "transaction_id", "status", "bump_count", "verify_polls", "verify_state", "version", "created_at", "updated_at"}
)

func txRow(id int64, status string) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(txCols).AddRow(id, "0xaa", 1, "0x5101", "5000000000", 130000, model.OperationMintToken, "{}", "AB12CD", status, nil, now, now)
}

func claimRow(status string, txID interface{}) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows(claimCols).AddRow(1, "AB12CD", 7, beneficiary, "hash", now, false, nil, txID, status, 0, 0, "", 3, now, now)
}

func TestMarkPassedSettlesAndSupersedes(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM transactions WHERE id = ? FOR UPDATE")).WithArgs(4).WillReturnRows(txRow(4, model.TxPending))
	mock.ExpectQuery(q("FROM claims WHERE code = ? FOR UPDATE")).WithArgs("AB12CD").WillReturnRows(claimRow(model.ClaimMinting, 4))
	mock.ExpectExec(q("UPDATE transactions SET status = ? WHERE id = ? AND status = ?")).
		WithArgs(model.TxPassed, 4, model.TxPending).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("UPDATE claims SET status = ?, transaction_id = ?")).
		WithArgs(model.ClaimSettledSuccess, 4, "AB12CD").WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(q("WHERE claim_code = ? AND status = ? AND id <> ?")).
		WithArgs(model.TxFailed, "AB12CD", model.TxPending, 4).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewTransactionRepo(db).MarkPassed(ctx, 4)
	require.NoError(t, err)
	assert.True(t, res.ClaimSettled)
	assert.Equal(t, model.ClaimSettledSuccess, res.ClaimStatus)
	assert.Equal(t, int64(1), res.Superseded)
	assert.Equal(t, model.TxPassed, res.Transaction.Status)
}

func TestMarkPassedNeverSecondSuccess(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM transactions WHERE id = ? FOR UPDATE")).WithArgs(5).WillReturnRows(txRow(5, model.TxPending))
	mock.ExpectQuery(q("FROM claims WHERE code = ? FOR UPDATE")).WillReturnRows(claimRow(model.ClaimSettledSuccess, 4))
	mock.ExpectExec(q("UPDATE transactions SET status = ? WHERE id = ? AND status = ?")).
		WithArgs(model.TxFailed, 5, model.TxPending).WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	res, err := NewTransactionRepo(db).MarkPassed(ctx, 5)
	require.NoError(t, err)
	assert.False(t, res.ClaimSettled)
	assert.Equal(t, model.TxFailed, res.Transaction.Status)
}

func TestSettleRejectsNonPending(t *testing.T) {
	db, mock := newMock(t)
	mock.ExpectBegin()
	mock.ExpectQuery(q("FROM transactions WHERE id = ? FOR UPDATE")).WillReturnRows(txRow(4, model.TxPassed))
	mock.ExpectRollback()

	_, err := NewTransactionRepo(db).MarkFailed(ctx, 4)
	assert.ErrorIs(t, err, ErrStaleState)
}

func TestIsDuplicateKey(t *testing.T) {
	err := &mysql.MySQLError{Number: 1062, Message: "Duplicate entry 'x' for key 'uq_lock_active_beneficiary'"}
	assert.True(t, isDuplicateKey(err, ""))
	assert.True(t, isDuplicateKey(err, "uq_lock_active_beneficiary"))
	assert.False(t, isDuplicateKey(err, "uq_lock_active_address"))
	assert.False(t, isDuplicateKey(&mysql.MySQLError{Number: 1213}, ""))
	assert.False(t, isDuplicateKey(errors.New("boom"), ""))
}
