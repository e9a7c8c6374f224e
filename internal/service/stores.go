// Package service implements the claim-to-mint lifecycle engine: the claim
// state machine, the signer pool, the mint submitter, the background
// reconciler and verifier, and the subscription lock manager.  Persistence
// is reached through the narrow store interfaces below, which the
// repository package implements over MySQL.
package service

import (
	"context"
	"time"

	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/queue"
	"github.com/iliyamo/qr-claim/internal/repository"
)

// ClaimStore is the persistence contract of the claim state machine.
type ClaimStore interface {
	GetByCode(ctx context.Context, code string) (*model.Claim, error)
	CreateBulk(ctx context.Context, claims []model.Claim) error
	Bind(ctx context.Context, code, beneficiary string, boundAt time.Time, delegatedMessage *string) (bool, error)
	RecordSubmission(ctx context.Context, code, from string, version uint64, t *model.Transaction, bump bool) error
	AbandonSubmission(ctx context.Context, prev *model.Claim, txID uint64) error
	ListDelegatedPending(ctx context.Context, limit int) ([]model.Claim, error)
	ListDispatchable(ctx context.Context, boundBefore, now time.Time, limit int) ([]model.Claim, error)
	RecordVerifyPoll(ctx context.Context, code string, version uint64, maxPolls uint32) error
	SettleDelegated(ctx context.Context, code string, version uint64) error
	ResetVerification(ctx context.Context, code string) error
}

// TransactionStore reads mint attempts and applies reconciled receipts.
type TransactionStore interface {
	GetByID(ctx context.Context, id uint64) (*model.Transaction, error)
	ListPending(ctx context.Context) ([]model.Transaction, error)
	List(ctx context.Context, status string, limit, offset int) ([]model.Transaction, int, error)
	MarkPassed(ctx context.Context, id uint64) (*repository.SettleResult, error)
	MarkFailed(ctx context.Context, id uint64) (*repository.SettleResult, error)
}

// SignerStore holds the signer pool and its durable nonce counters.
type SignerStore interface {
	Upsert(ctx context.Context, address, role, gasPrice string) error
	ListWithPending(ctx context.Context) ([]model.Signer, error)
	GetByID(ctx context.Context, id uint64) (*model.Signer, error)
	ReserveNonce(ctx context.Context, id uint64, ledgerNonce uint64) (uint64, error)
	ReleaseNonce(ctx context.Context, id uint64, nonce uint64) (bool, error)
	UpdateGasPrice(ctx context.Context, id uint64, gasPrice string) error
	Resync(ctx context.Context, id uint64, ledgerNonce uint64) error
}

// LockStore holds the receiving address pool and subscription locks.
type LockStore interface {
	EnsureReceivingAddresses(ctx context.Context, addrs []model.ReceivingAddress) error
	Create(ctx context.Context, claimCode, beneficiary string, now, expiresAt time.Time) (*model.SubscriptionLock, error)
	ActiveByBeneficiary(ctx context.Context, beneficiary string, now time.Time) (*model.SubscriptionLock, error)
	ListActive(ctx context.Context, now time.Time) ([]model.SubscriptionLock, error)
	ExpireStale(ctx context.Context, now time.Time) (int64, error)
	SetBaseline(ctx context.Context, id uint64, wei string) error
	Release(ctx context.Context, id uint64, now time.Time) error
}

// EventStore reads token series metadata.
type EventStore interface {
	GetByID(ctx context.Context, id uint64) (*model.Event, error)
}

// SettlementPublisher announces settled claims.  Failures are logged by the
// caller and never roll back a settlement.
type SettlementPublisher interface {
	PublishClaimSettled(ctx context.Context, ev queue.ClaimSettledEvent) error
}

// Compile-time checks that the MySQL repositories satisfy the contracts.
var (
	_ ClaimStore       = (*repository.ClaimRepo)(nil)
	_ TransactionStore = (*repository.TransactionRepo)(nil)
	_ SignerStore      = (*repository.SignerRepo)(nil)
	_ LockStore        = (*repository.LockRepo)(nil)
	_ EventStore       = (*repository.EventRepo)(nil)
)
