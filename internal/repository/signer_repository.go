package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/qr-claim/internal/model"
)

// SignerRepo provides access to the signers table.  The next_nonce
// column is the durable nonce counter; it only ever moves forward
// through ReserveNonce, which runs under a row lock.
type SignerRepo struct {
	db *sql.DB
}

// NewSignerRepo returns a new SignerRepo bound to the provided database.
func NewSignerRepo(db *sql.DB) *SignerRepo { return &SignerRepo{db: db} }

// Upsert registers a configured signing account.  An existing row keeps
// its operator-tuned gas price and its nonce counter.
func (r *SignerRepo) Upsert(ctx context.Context, address, role, gasPrice string) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO signers (address, role, gas_price) VALUES (?, ?, ?)
         ON DUPLICATE KEY UPDATE role = VALUES(role)`,
		address, role, gasPrice)
	return err
}

const signerSelect = `SELECT s.id, s.address, s.role, s.gas_price, s.next_nonce, s.created_at, COUNT(t.id)
                      FROM signers s
                      LEFT JOIN transactions t ON t.signer_address = s.address AND t.status = 'pending'`

func scanSigner(row rowScanner) (*model.Signer, error) {
	var s model.Signer
	if err := row.Scan(&s.ID, &s.Address, &s.Role, &s.GasPrice, &s.NextNonce, &s.CreatedAt, &s.PendingTx); err != nil {
		return nil, err
	}
	return &s, nil
}

// ListWithPending returns every signer together with the number of its
// transactions that are still pending.
func (r *SignerRepo) ListWithPending(ctx context.Context) ([]model.Signer, error) {
	rows, err := r.db.QueryContext(ctx, signerSelect+` GROUP BY s.id, s.address, s.role, s.gas_price, s.next_nonce, s.created_at ORDER BY s.id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Signer, 0)
	for rows.Next() {
		s, err := scanSigner(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *s)
	}
	return out, rows.Err()
}

// GetByID returns one signer with its pending count.
func (r *SignerRepo) GetByID(ctx context.Context, id uint64) (*model.Signer, error) {
	s, err := scanSigner(r.db.QueryRowContext(ctx,
		signerSelect+` WHERE s.id = ? GROUP BY s.id, s.address, s.role, s.gas_price, s.next_nonce, s.created_at`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return s, err
}

// ReserveNonce hands out the next nonce for a signer.  The signer row is
// locked for the duration of the reservation, so concurrent callers are
// serialised by the database and can never receive the same value.  The
// reserved nonce is max(next_nonce, ledgerNonce) where ledgerNonce is
// the ledger's own pending-nonce view, and next_nonce advances past it.
func (r *SignerRepo) ReserveNonce(ctx context.Context, id uint64, ledgerNonce uint64) (uint64, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var next uint64
	err = tx.QueryRowContext(ctx, `SELECT next_nonce FROM signers WHERE id = ? FOR UPDATE`, id).Scan(&next)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, err
	}
	nonce := next
	if ledgerNonce > nonce {
		nonce = ledgerNonce
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signers SET next_nonce = ? WHERE id = ?`, nonce+1, id); err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return nonce, nil
}

// ReleaseNonce hands a reserved nonce back when the attempt never reached
// the ledger.  The counter only moves back if nothing was reserved after
// nonce; it reports whether the nonce was released.
func (r *SignerRepo) ReleaseNonce(ctx context.Context, id uint64, nonce uint64) (bool, error) {
	res, err := r.db.ExecContext(ctx,
		`UPDATE signers SET next_nonce = ? WHERE id = ? AND next_nonce = ?`, nonce, id, nonce+1)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateGasPrice sets the operator-tuned gas price of a signer.
func (r *SignerRepo) UpdateGasPrice(ctx context.Context, id uint64, gasPrice string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE signers SET gas_price = ? WHERE id = ?`, gasPrice, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		// MySQL reports zero rows when the value is unchanged.
		if _, err := r.GetByID(ctx, id); err != nil {
			return err
		}
	}
	return nil
}

// Resync realigns the nonce counter with the ledger's pending nonce.  It
// refuses with ErrConflict while the signer still has pending
// transactions, because then the counter is ahead on purpose.
func (r *SignerRepo) Resync(ctx context.Context, id uint64, ledgerNonce uint64) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	var address string
	err = tx.QueryRowContext(ctx, `SELECT address FROM signers WHERE id = ? FOR UPDATE`, id).Scan(&address)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	var pending int
	if err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM transactions WHERE signer_address = ? AND status = 'pending'`, address).Scan(&pending); err != nil {
		return err
	}
	if pending > 0 {
		return ErrConflict
	}
	if _, err := tx.ExecContext(ctx, `UPDATE signers SET next_nonce = ? WHERE id = ?`, ledgerNonce, id); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}
