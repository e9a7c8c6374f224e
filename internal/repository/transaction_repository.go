package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/qr-claim/internal/model"
)

// TransactionRepo provides access to the transactions table.  Rows are
// inserted by the mint submitter (through ClaimRepo.RecordSubmission)
// before the signed transaction is broadcast, and their status is only
// changed by MarkPassed and MarkFailed, which the reconciler calls.  Rows
// are never deleted.
type TransactionRepo struct {
	db *sql.DB
}

// NewTransactionRepo returns a new TransactionRepo bound to the provided database.
func NewTransactionRepo(db *sql.DB) *TransactionRepo { return &TransactionRepo{db: db} }

// SettleResult describes what a reconciled receipt did to the owning claim.
type SettleResult struct {
	Transaction  model.Transaction
	Claim        model.Claim
	ClaimSettled bool   // the claim reached a settled state in this call
	ClaimStatus  string // claim status after the call
	Superseded   int64  // other pending attempts of the claim marked failed
}

const txColumns = `id, hash, nonce, signer_address, gas_price, gas_limit, operation, arguments,
       claim_code, status, raw_tx, created_at, updated_at`

func scanTransaction(row rowScanner) (*model.Transaction, error) {
	var (
		t   model.Transaction
		raw sql.NullString
	)
	if err := row.Scan(&t.ID, &t.Hash, &t.Nonce, &t.SignerAddress, &t.GasPrice, &t.GasLimit,
		&t.Operation, &t.Arguments, &t.ClaimCode, &t.Status, &raw, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return nil, err
	}
	t.RawTx = raw.String
	return &t, nil
}

func scanTransactions(rows *sql.Rows) ([]model.Transaction, error) {
	defer rows.Close()
	out := make([]model.Transaction, 0)
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

// insertTransactionTx inserts a pending transaction row and populates the
// generated ID on t.
func insertTransactionTx(ctx context.Context, tx *sql.Tx, t *model.Transaction) error {
	const q = `INSERT INTO transactions
               (hash, nonce, signer_address, gas_price, gas_limit, operation, arguments, claim_code, status, raw_tx)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	var raw interface{}
	if t.RawTx != "" {
		raw = t.RawTx
	}
	res, err := tx.ExecContext(ctx, q, t.Hash, t.Nonce, t.SignerAddress, t.GasPrice, t.GasLimit,
		t.Operation, t.Arguments, t.ClaimCode, model.TxPending, raw)
	if err != nil {
		if isDuplicateKey(err, "") {
			return ErrConflict
		}
		return err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return err
	}
	t.ID = uint64(id)
	t.Status = model.TxPending
	return nil
}

// GetByID returns a single transaction.
func (r *TransactionRepo) GetByID(ctx context.Context, id uint64) (*model.Transaction, error) {
	t, err := scanTransaction(r.db.QueryRowContext(ctx, `SELECT `+txColumns+` FROM transactions WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return t, err
}

// ListPending returns every transaction still waiting for a receipt,
// oldest first.
func (r *TransactionRepo) ListPending(ctx context.Context) ([]model.Transaction, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE status = ? ORDER BY id`, model.TxPending)
	if err != nil {
		return nil, err
	}
	return scanTransactions(rows)
}

// List pages through transactions for the operator view.  An empty
// status lists every transaction.  The total count ignores paging.
func (r *TransactionRepo) List(ctx context.Context, status string, limit, offset int) ([]model.Transaction, int, error) {
	where := ""
	args := []interface{}{}
	if status != "" {
		where = " WHERE status = ?"
		args = append(args, status)
	}
	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM transactions`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+txColumns+` FROM transactions`+where+` ORDER BY id DESC LIMIT ? OFFSET ?`,
		append(args, limit, offset)...)
	if err != nil {
		return nil, 0, err
	}
	txs, err := scanTransactions(rows)
	return txs, total, err
}

// MarkPassed records a successful receipt.  In one database transaction
// it flips the attempt to passed, settles the claim on it and marks any
// other pending attempt of the same claim failed (superseded).  When the
// claim already settled on a different attempt, this attempt is recorded
// as failed instead so a claim never owns two passed transactions.
func (r *TransactionRepo) MarkPassed(ctx context.Context, id uint64) (*SettleResult, error) {
	return r.settle(ctx, id, func(ctx context.Context, tx *sql.Tx, t *model.Transaction, c *model.Claim, out *SettleResult) error {
		if c.Status == model.ClaimSettledSuccess && (c.TransactionID == nil || *c.TransactionID != t.ID) {
			if err := setTxStatus(ctx, tx, t.ID, model.TxFailed); err != nil {
				return err
			}
			t.Status = model.TxFailed
			out.ClaimStatus = c.Status
			return nil
		}
		if err := setTxStatus(ctx, tx, t.ID, model.TxPassed); err != nil {
			return err
		}
		t.Status = model.TxPassed
		if _, err := tx.ExecContext(ctx,
			`UPDATE claims SET status = ?, transaction_id = ?, version = version + 1 WHERE code = ?`,
			model.ClaimSettledSuccess, t.ID, c.Code); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx,
			`UPDATE transactions SET status = ? WHERE claim_code = ? AND status = ? AND id <> ?`,
			model.TxFailed, c.Code, model.TxPending, t.ID)
		if err != nil {
			return err
		}
		out.Superseded, _ = res.RowsAffected()
		out.ClaimSettled = true
		out.ClaimStatus = model.ClaimSettledSuccess
		return nil
	})
}

// MarkFailed records a failed (reverted) receipt.  The claim only moves
// to settled_failed when this attempt is its current one and no other
// attempt of the claim is still pending; otherwise the claim follows the
// remaining pending attempt and stays minting.
func (r *TransactionRepo) MarkFailed(ctx context.Context, id uint64) (*SettleResult, error) {
	return r.settle(ctx, id, func(ctx context.Context, tx *sql.Tx, t *model.Transaction, c *model.Claim, out *SettleResult) error {
		if err := setTxStatus(ctx, tx, t.ID, model.TxFailed); err != nil {
			return err
		}
		t.Status = model.TxFailed
		out.ClaimStatus = c.Status
		if c.Status != model.ClaimMinting || c.TransactionID == nil || *c.TransactionID != t.ID {
			return nil
		}
		var other uint64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM transactions WHERE claim_code = ? AND status = ? ORDER BY id DESC LIMIT 1`,
			c.Code, model.TxPending).Scan(&other)
		switch {
		case err == nil:
			_, err = tx.ExecContext(ctx,
				`UPDATE claims SET transaction_id = ?, version = version + 1 WHERE code = ?`, other, c.Code)
			return err
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
		if _, err := tx.ExecContext(ctx,
			`UPDATE claims SET status = ?, version = version + 1 WHERE code = ?`,
			model.ClaimSettledFailed, c.Code); err != nil {
			return err
		}
		out.ClaimSettled = true
		out.ClaimStatus = model.ClaimSettledFailed
		return nil
	})
}

type settleFunc func(ctx context.Context, tx *sql.Tx, t *model.Transaction, c *model.Claim, out *SettleResult) error

// settle locks the pending transaction and its claim and hands them to fn
// inside a database transaction.  ErrStaleState is returned when the
// transaction is no longer pending.
func (r *TransactionRepo) settle(ctx context.Context, id uint64, fn settleFunc) (*SettleResult, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	t, err := scanTransaction(tx.QueryRowContext(ctx,
		`SELECT `+txColumns+` FROM transactions WHERE id = ? FOR UPDATE`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.Status != model.TxPending {
		return nil, ErrStaleState
	}
	c, err := scanClaim(tx.QueryRowContext(ctx,
		`SELECT `+claimColumns+` FROM claims WHERE code = ? FOR UPDATE`, t.ClaimCode))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	out := &SettleResult{}
	if err := fn(ctx, tx, t, c, out); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	out.Transaction = *t
	out.Claim = *c
	out.Claim.Status = out.ClaimStatus
	return out, nil
}

func setTxStatus(ctx context.Context, tx *sql.Tx, id uint64, status string) error {
	_, err := tx.ExecContext(ctx, `UPDATE transactions SET status = ? WHERE id = ? AND status = ?`,
		status, id, model.TxPending)
	return err
}
