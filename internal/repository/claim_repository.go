package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/qr-claim/internal/model"
)

// ClaimRepo provides data access to the claims table.  It is the single
// source of truth for claim binding and status.  Every transition is a
// conditional UPDATE on the expected pre-state so a concurrent writer
// causes ErrStaleState instead of a silent overwrite.
type ClaimRepo struct {
	db *sql.DB
}

// NewClaimRepo returns a new ClaimRepo bound to the provided database.
func NewClaimRepo(db *sql.DB) *ClaimRepo { return &ClaimRepo{db: db} }

// DB exposes the underlying handle for callers composing transactions.
func (r *ClaimRepo) DB() *sql.DB { return r.db }

const claimColumns = `id, code, event_id, beneficiary, secret_hash, bound_at, delegated_mint,
       delegated_signed_message, transaction_id, status, bump_count, verify_polls,
       verify_state, version, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanClaim(row rowScanner) (*model.Claim, error) {
	var (
		c           model.Claim
		beneficiary sql.NullString
		boundAt     sql.NullTime
		message     sql.NullString
		txID        sql.NullInt64
	)
	if err := row.Scan(&c.ID, &c.Code, &c.EventID, &beneficiary, &c.SecretHash, &boundAt,
		&c.DelegatedMint, &message, &txID, &c.Status, &c.BumpCount, &c.VerifyPolls,
		&c.VerifyState, &c.Version, &c.CreatedAt, &c.UpdatedAt); err != nil {
		return nil, err
	}
	if beneficiary.Valid {
		b := beneficiary.String
		c.Beneficiary = &b
	}
	if boundAt.Valid {
		t := boundAt.Time.UTC()
		c.BoundAt = &t
	}
	if message.Valid {
		m := message.String
		c.DelegatedSignedMessage = &m
	}
	if txID.Valid {
		id := uint64(txID.Int64)
		c.TransactionID = &id
	}
	return &c, nil
}

func scanClaims(rows *sql.Rows) ([]model.Claim, error) {
	defer rows.Close()
	var out []model.Claim
	for rows.Next() {
		c, err := scanClaim(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *c)
	}
	return out, rows.Err()
}

// GetByCode loads a claim by its one-time code.  It always reads the
// latest committed row; there is no cache in front of it.
func (r *ClaimRepo) GetByCode(ctx context.Context, code string) (*model.Claim, error) {
	c, err := scanClaim(r.db.QueryRowContext(ctx, `SELECT `+claimColumns+` FROM claims WHERE code = ?`, code))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return c, err
}

// CreateBulk inserts freshly issued claims in a single statement.  Every
// claim starts unclaimed.  Passing an empty slice has no effect.
func (r *ClaimRepo) CreateBulk(ctx context.Context, claims []model.Claim) error {
	if len(claims) == 0 {
		return nil
	}
	query := `INSERT INTO claims (code, event_id, secret_hash, delegated_mint, status) VALUES `
	args := make([]interface{}, 0, len(claims)*5)
	for i, c := range claims {
		if i > 0 {
			query += ","
		}
		query += "(?, ?, ?, ?, ?)"
		args = append(args, c.Code, c.EventID, c.SecretHash, c.DelegatedMint, model.ClaimUnclaimed)
	}
	_, err := r.db.ExecContext(ctx, query, args...)
	if isDuplicateKey(err, "") {
		return ErrConflict
	}
	return err
}

// Bind attaches beneficiary to an unclaimed code.  It is a check-and-set:
// the row is only written when no beneficiary is present yet.  The
// returned bool is false when the code was already bound (or unknown);
// callers reload the claim to decide between idempotent retry and
// conflict.  delegatedMessage is stored for delegated claims and moves
// their verification into the pending state.
func (r *ClaimRepo) Bind(ctx context.Context, code, beneficiary string, boundAt time.Time, delegatedMessage *string) (bool, error) {
	const q = `UPDATE claims
               SET beneficiary = ?, bound_at = ?, status = ?,
                   delegated_signed_message = ?,
                   verify_state = IF(delegated_mint, ?, ''),
                   version = version + 1
               WHERE code = ? AND beneficiary IS NULL AND status = ?`
	var msg interface{}
	if delegatedMessage != nil {
		msg = *delegatedMessage
	}
	res, err := r.db.ExecContext(ctx, q, beneficiary, boundAt.UTC(), model.ClaimBound, msg,
		model.VerifyPending, code, model.ClaimUnclaimed)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// RecordSubmission persists a signed mint attempt and moves the claim
// from `from` to minting in one database transaction.  It runs before the
// attempt is broadcast: when the claim no longer matches the expected
// state nothing is written and ErrStaleState is returned, so the caller
// must not send the transaction.  bump increments the claim's bump
// counter.
func (r *ClaimRepo) RecordSubmission(ctx context.Context, code, from string, version uint64, t *model.Transaction, bump bool) error {
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
	if err := insertTransactionTx(ctx, tx, t); err != nil {
		return err
	}
	inc := 0
	if bump {
		inc = 1
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE claims SET transaction_id = ?, status = ?, verify_state = '', bump_count = bump_count + ?, version = version + 1
         WHERE code = ? AND status = ? AND version = ?`,
		t.ID, model.ClaimMinting, inc, code, from, version)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		t.ID = 0
		t.Status = ""
		return ErrStaleState
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// AbandonSubmission undoes RecordSubmission for an attempt the ledger
// refused outright.  The claim returns to the state captured in prev and
// the pending row is deleted.  ErrStaleState when the claim no longer
// points at txID.
func (r *ClaimRepo) AbandonSubmission(ctx context.Context, prev *model.Claim, txID uint64) error {
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
	var prevTx any
	if prev.TransactionID != nil {
		prevTx = *prev.TransactionID
	}
	res, err := tx.ExecContext(ctx,
		`UPDATE claims SET transaction_id = ?, status = ?, verify_state = ?, bump_count = ?, version = version + 1
         WHERE code = ? AND status = ? AND transaction_id = ?`,
		prevTx, prev.Status, prev.VerifyState, prev.BumpCount, prev.Code, model.ClaimMinting, txID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM transactions WHERE id = ? AND status = ?`, txID, model.TxPending); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return err
	}
	committed = true
	return nil
}

// ListDelegatedPending returns bound delegated claims whose replay-guard
// still has to be polled.
func (r *ClaimRepo) ListDelegatedPending(ctx context.Context, limit int) ([]model.Claim, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims
         WHERE delegated_mint = TRUE AND status = ? AND verify_state = ?
           AND delegated_signed_message IS NOT NULL
         ORDER BY id LIMIT ?`,
		model.ClaimBound, model.VerifyPending, limit)
	if err != nil {
		return nil, err
	}
	return scanClaims(rows)
}

// ListDispatchable returns direct claims that were bound before
// boundBefore, never reached the ledger and whose beneficiary holds no
// active subscription lock at now.  These are retried by the dispatcher.
func (r *ClaimRepo) ListDispatchable(ctx context.Context, boundBefore, now time.Time, limit int) ([]model.Claim, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+claimColumns+` FROM claims c
         WHERE c.delegated_mint = FALSE AND c.status = ? AND c.bound_at < ?
           AND NOT EXISTS (
               SELECT 1 FROM subscription_locks l
               WHERE l.beneficiary = c.beneficiary AND l.is_active = TRUE AND l.expires_at > ?)
         ORDER BY c.bound_at LIMIT ?`,
		model.ClaimBound, boundBefore.UTC(), now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	return scanClaims(rows)
}

// RecordVerifyPoll counts one unsuccessful replay-guard poll.  When the
// counter reaches maxPolls the verification flips to unverified and the
// claim leaves the polling set until the claimant retries.
func (r *ClaimRepo) RecordVerifyPoll(ctx context.Context, code string, version uint64, maxPolls uint32) error {
	// verify_state is assigned first: MySQL evaluates SET left to right.
	res, err := r.db.ExecContext(ctx,
		`UPDATE claims
         SET verify_state = IF(verify_polls + 1 >= ?, ?, verify_state),
             verify_polls = verify_polls + 1,
             version = version + 1
         WHERE code = ? AND status = ? AND version = ?`,
		maxPolls, model.VerifyUnverified, code, model.ClaimBound, version)
	return expectOne(res, err)
}

// SettleDelegated moves a delegated claim straight to settled_success
// once its message is known to be processed.  The claim must be bound,
// or settled_failed after a reverted fallback mint.  No transaction row is
// involved.
func (r *ClaimRepo) SettleDelegated(ctx context.Context, code string, version uint64) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE claims SET status = ?, verify_state = '', version = version + 1
         WHERE code = ? AND delegated_mint = TRUE AND status IN (?, ?) AND version = ?`,
		model.ClaimSettledSuccess, code, model.ClaimBound, model.ClaimSettledFailed, version)
	return expectOne(res, err)
}

// ResetVerification puts an unverified delegated claim back into the
// polling set with a fresh counter.
func (r *ClaimRepo) ResetVerification(ctx context.Context, code string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE claims SET verify_state = ?, verify_polls = 0, version = version + 1
         WHERE code = ? AND delegated_mint = TRUE AND status = ? AND verify_state = ?`,
		model.VerifyPending, code, model.ClaimBound, model.VerifyUnverified)
	return expectOne(res, err)
}

func expectOne(res sql.Result, err error) error {
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrStaleState
	}
	return nil
}
