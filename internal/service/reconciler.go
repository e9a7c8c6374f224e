package service

import (
	"context"
	"errors"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"golang.org/x/sync/errgroup"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/metrics"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/repository"
)

// Bumper resubmits a failed claim; implemented by MintSubmitter.
type Bumper interface {
	Bump(ctx context.Context, code string, gasPrice *big.Int) (*model.Transaction, error)
}

// ReconcilerConfig bounds the work of one tick.
type ReconcilerConfig struct {
	Workers     int
	AutoBumpMax uint32
}

// Reconciler polls receipts of pending transactions and settles them.
// It is the only component that moves a transaction out of pending.  Each
// transaction is handled independently; a gateway error on one is logged
// and retried on the next tick.
type Reconciler struct {
	txs       TransactionStore
	gw        ledger.Gateway
	publisher SettlementPublisher
	bumper    Bumper
	metrics   *metrics.Engine
	cfg       ReconcilerConfig
	logger    *log.Logger
	now       func() time.Time
}

func NewReconciler(txs TransactionStore, gw ledger.Gateway, publisher SettlementPublisher, bumper Bumper,
	m *metrics.Engine, cfg ReconcilerConfig, logger *log.Logger) *Reconciler {
	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = NopPublisher()
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	return &Reconciler{
		txs: txs, gw: gw, publisher: publisher, bumper: bumper,
		metrics: m, cfg: cfg, logger: logger, now: time.Now,
	}
}

// Tick reconciles every pending transaction once.  Only a failure to
// list pending transactions is returned.
func (r *Reconciler) Tick(ctx context.Context) error {
	pending, err := r.txs.ListPending(ctx)
	if err != nil {
		return err
	}
	r.metrics.PendingTransactions(len(pending))
	var g errgroup.Group
	g.SetLimit(r.cfg.Workers)
	for _, t := range pending {
		g.Go(func() error {
			r.reconcile(ctx, t)
			return nil
		})
	}
	return g.Wait()
}

func (r *Reconciler) reconcile(ctx context.Context, t model.Transaction) {
	receipt, err := r.gw.TransactionReceipt(ctx, common.HexToHash(t.Hash))
	if err != nil {
		r.metrics.Settled("gateway_error")
		r.logf("reconciler: receipt %s (claim %s): %v", t.Hash, t.ClaimCode, err)
		return
	}
	if receipt == nil {
		r.rebroadcast(ctx, t)
		return
	}
	r.settle(ctx, t, receipt.Status == types.ReceiptStatusSuccessful)
}

// rebroadcast resends the recorded raw transaction of an unmined attempt.
// The node answers "already known" for one still in its pool.  A nonce
// that was consumed by something else means the attempt can never be
// mined, unless it was mined itself since the receipt lookup.
func (r *Reconciler) rebroadcast(ctx context.Context, t model.Transaction) {
	if t.RawTx == "" {
		return
	}
	signed, err := ledger.DecodeRaw(t.RawTx)
	if err != nil {
		r.logf("reconciler: tx %s has an undecodable raw form: %v", t.Hash, err)
		return
	}
	err = r.gw.Send(ctx, signed)
	switch {
	case err == nil:
		return
	case errors.Is(err, ledger.ErrNonceTooLow):
		receipt, rerr := r.gw.TransactionReceipt(ctx, signed.Hash())
		if rerr != nil {
			r.logf("reconciler: receipt %s after nonce conflict: %v", t.Hash, rerr)
			return
		}
		if receipt != nil {
			r.settle(ctx, t, receipt.Status == types.ReceiptStatusSuccessful)
			return
		}
		r.metrics.Settled("dropped")
		r.logf("reconciler: tx %s lost nonce %d of %s", t.Hash, t.Nonce, t.SignerAddress)
		r.settle(ctx, t, false)
	default:
		r.metrics.Settled("rebroadcast_error")
		r.logf("reconciler: rebroadcast %s (claim %s): %v", t.Hash, t.ClaimCode, err)
	}
}

func (r *Reconciler) settle(ctx context.Context, t model.Transaction, passed bool) {
	var (
		res *repository.SettleResult
		err error
	)
	if passed {
		res, err = r.txs.MarkPassed(ctx, t.ID)
	} else {
		res, err = r.txs.MarkFailed(ctx, t.ID)
	}
	if errors.Is(err, repository.ErrStaleState) {
		return
	}
	if err != nil {
		r.logf("reconciler: settle tx %d: %v", t.ID, err)
		return
	}
	r.metrics.Settled(res.Transaction.Status)
	if res.Superseded > 0 {
		r.metrics.Settled("superseded")
	}
	r.logf("reconciler: tx %s %s, claim %s is %s", t.Hash, res.Transaction.Status, t.ClaimCode, res.ClaimStatus)
	if !res.ClaimSettled {
		return
	}
	if err := r.publisher.PublishClaimSettled(ctx, settledEvent(&res.Claim, t.Hash, r.now())); err != nil {
		r.logf("reconciler: publish settlement of %s: %v", t.ClaimCode, err)
	}
	if res.ClaimStatus == model.ClaimSettledFailed && r.bumper != nil && res.Claim.BumpCount < r.cfg.AutoBumpMax {
		if _, err := r.bumper.Bump(ctx, t.ClaimCode, nil); err != nil {
			r.logf("reconciler: auto bump %s: %v", t.ClaimCode, err)
		}
	}
}

func (r *Reconciler) logf(format string, args ...any) {
	if r.logger != nil {
		r.logger.Printf(format, args...)
	}
}
