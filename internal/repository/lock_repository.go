package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/iliyamo/qr-claim/internal/model"
)

// LockRepo provides access to the receiving address pool and the
// subscription_locks table.  While a lock is active its
// active_address_id and active_beneficiary columns carry the address id
// and the beneficiary; both are UNIQUE, so the database itself refuses a
// second active lock for the same address or beneficiary.  Releasing a
// lock clears them.  All timestamps are UTC.
type LockRepo struct {
	db *sql.DB
}

// NewLockRepo returns a new LockRepo bound to the provided database.
func NewLockRepo(db *sql.DB) *LockRepo { return &LockRepo{db: db} }

const lockSelect = `SELECT l.id, l.receiving_address_id, ra.address, ra.name, l.beneficiary, l.claim_code,
                           l.created_at, l.expires_at, l.unlocked_at, l.is_active, l.baseline_balance
                    FROM subscription_locks l
                    JOIN receiving_addresses ra ON ra.id = l.receiving_address_id`

func scanLock(row rowScanner) (*model.SubscriptionLock, error) {
	var (
		l        model.SubscriptionLock
		unlocked sql.NullTime
		baseline sql.NullString
	)
	if err := row.Scan(&l.ID, &l.ReceivingAddressID, &l.ReceivingAddress.Address, &l.ReceivingAddress.Name,
		&l.Beneficiary, &l.ClaimCode, &l.CreatedAt, &l.ExpiresAt, &unlocked, &l.IsActive, &baseline); err != nil {
		return nil, err
	}
	l.ReceivingAddress.ID = l.ReceivingAddressID
	if unlocked.Valid {
		t := unlocked.Time.UTC()
		l.UnlockedAt = &t
	}
	if baseline.Valid {
		b := baseline.String
		l.BaselineBalance = &b
	}
	l.CreatedAt = l.CreatedAt.UTC()
	l.ExpiresAt = l.ExpiresAt.UTC()
	return &l, nil
}

// EnsureReceivingAddresses registers the configured pool addresses.
// Existing rows are left untouched.
func (r *LockRepo) EnsureReceivingAddresses(ctx context.Context, addrs []model.ReceivingAddress) error {
	for _, a := range addrs {
		if _, err := r.db.ExecContext(ctx,
			`INSERT INTO receiving_addresses (address, name) VALUES (?, ?)
             ON DUPLICATE KEY UPDATE name = VALUES(name)`, a.Address, a.Name); err != nil {
			return err
		}
	}
	return nil
}

// expireTx releases every lock whose window has passed.
func expireTx(ctx context.Context, tx *sql.Tx, now time.Time) (int64, error) {
	res, err := tx.ExecContext(ctx,
		`UPDATE subscription_locks
         SET is_active = FALSE, unlocked_at = ?, active_address_id = NULL, active_beneficiary = NULL
         WHERE is_active = TRUE AND expires_at <= ?`, now.UTC(), now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// errAddressTaken reports that a concurrent Create committed a lock on
// the address picked by this one.
var errAddressTaken = errors.New("receiving address taken concurrently")

// Create locks one free receiving address for beneficiary until
// expiresAt.  Allocation and insertion happen in one transaction: stale
// locks are expired first, the beneficiary is checked for an existing
// lock (ErrConflict), a free address is selected with a locking read that
// skips rows other allocations hold (ErrUnavailable when the pool is
// exhausted) and the lock row is inserted.  The unique active_* columns
// back this up if two callers race past the reads; losing that race on
// the address is retried once against the remaining pool.
func (r *LockRepo) Create(ctx context.Context, claimCode, beneficiary string, now, expiresAt time.Time) (*model.SubscriptionLock, error) {
	l, err := r.create(ctx, claimCode, beneficiary, now, expiresAt)
	if errors.Is(err, errAddressTaken) {
		l, err = r.create(ctx, claimCode, beneficiary, now, expiresAt)
	}
	if errors.Is(err, errAddressTaken) {
		return nil, ErrUnavailable
	}
	return l, err
}

func (r *LockRepo) create(ctx context.Context, claimCode, beneficiary string, now, expiresAt time.Time) (*model.SubscriptionLock, error) {
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
	if _, err := expireTx(ctx, tx, now); err != nil {
		return nil, err
	}
	var existing uint64
	err = tx.QueryRowContext(ctx,
		`SELECT id FROM subscription_locks WHERE active_beneficiary = ? FOR UPDATE`, beneficiary).Scan(&existing)
	if err == nil {
		return nil, ErrConflict
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}
	var addr model.ReceivingAddress
	err = tx.QueryRowContext(ctx,
		`SELECT ra.id, ra.address, ra.name FROM receiving_addresses ra
         WHERE NOT EXISTS (SELECT 1 FROM subscription_locks l WHERE l.active_address_id = ra.id)
         ORDER BY ra.id LIMIT 1 FOR UPDATE SKIP LOCKED`).Scan(&addr.ID, &addr.Address, &addr.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrUnavailable
	}
	if err != nil {
		return nil, err
	}
	res, err := tx.ExecContext(ctx,
		`INSERT INTO subscription_locks
         (receiving_address_id, beneficiary, claim_code, created_at, expires_at, is_active, active_address_id, active_beneficiary)
         VALUES (?, ?, ?, ?, ?, TRUE, ?, ?)`,
		addr.ID, beneficiary, claimCode, now.UTC(), expiresAt.UTC(), addr.ID, beneficiary)
	if err != nil {
		switch {
		case isDuplicateKey(err, "uq_lock_active_beneficiary"):
			return nil, ErrConflict
		case isDuplicateKey(err, "uq_lock_active_address"):
			return nil, errAddressTaken
		}
		return nil, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	committed = true
	return &model.SubscriptionLock{
		ID:                 uint64(id),
		ReceivingAddressID: addr.ID,
		ReceivingAddress:   addr,
		Beneficiary:        beneficiary,
		ClaimCode:          claimCode,
		CreatedAt:          now.UTC(),
		ExpiresAt:          expiresAt.UTC(),
		IsActive:           true,
	}, nil
}

// ActiveByBeneficiary returns the lock currently held by beneficiary.
// Locks past their expiry are ignored even when the sweep has not run.
func (r *LockRepo) ActiveByBeneficiary(ctx context.Context, beneficiary string, now time.Time) (*model.SubscriptionLock, error) {
	l, err := scanLock(r.db.QueryRowContext(ctx,
		lockSelect+` WHERE l.beneficiary = ? AND l.is_active = TRUE AND l.expires_at > ?
                     ORDER BY l.id DESC LIMIT 1`, beneficiary, now.UTC()))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	return l, err
}

// ListActive returns every unexpired active lock.
func (r *LockRepo) ListActive(ctx context.Context, now time.Time) ([]model.SubscriptionLock, error) {
	rows, err := r.db.QueryContext(ctx,
		lockSelect+` WHERE l.is_active = TRUE AND l.expires_at > ? ORDER BY l.id`, now.UTC())
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.SubscriptionLock, 0)
	for rows.Next() {
		l, err := scanLock(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *l)
	}
	return out, rows.Err()
}

// ExpireStale releases locks past their expiry and returns how many were
// released.  Their addresses go back to the free pool.
func (r *LockRepo) ExpireStale(ctx context.Context, now time.Time) (int64, error) {
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
	n, err := expireTx(ctx, tx, now)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(); err != nil {
		return 0, err
	}
	committed = true
	return n, nil
}

// SetBaseline records the receiving address balance the lock's funding is
// measured against.  It is written once.
func (r *LockRepo) SetBaseline(ctx context.Context, id uint64, wei string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscription_locks SET baseline_balance = ? WHERE id = ? AND baseline_balance IS NULL`, wei, id)
	return expectOne(res, err)
}

// Release ends an active lock early, e.g. once its funds were consumed.
func (r *LockRepo) Release(ctx context.Context, id uint64, now time.Time) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE subscription_locks
         SET is_active = FALSE, unlocked_at = ?, active_address_id = NULL, active_beneficiary = NULL
         WHERE id = ? AND is_active = TRUE`, now.UTC(), id)
	return expectOne(res, err)
}
