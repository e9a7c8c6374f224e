package service

import (
	"context"
	"fmt"
	"log"
	"math"
	"math/big"
	"sort"
	"strconv"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/repository"
)

// Allocation is a signer chosen for one mint attempt together with the
// nonce reserved for it and the gas price to use.
type Allocation struct {
	SignerID uint64
	Address  common.Address
	Nonce    uint64
	GasPrice *big.Int
}

// SignerPoolConfig carries the gas policy of the pool.
type SignerPoolConfig struct {
	FallbackGasLimit uint64
	GasSafetyFactor  float64
}

// SignerPool picks signing accounts and reserves their nonces.  Nonce
// reservation is atomic through SignerStore.ReserveNonce (a row lock in
// MySQL); a per-signer mutex additionally keeps goroutines of one process
// from queueing on the same row.
type SignerPool struct {
	signers SignerStore
	gw      ledger.Gateway
	cfg     SignerPoolConfig
	logger  *log.Logger
	locks   *keyedMutex
}

func NewSignerPool(signers SignerStore, gw ledger.Gateway, cfg SignerPoolConfig, logger *log.Logger) *SignerPool {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.GasSafetyFactor < 1 {
		cfg.GasSafetyFactor = 1.3
	}
	if cfg.FallbackGasLimit == 0 {
		cfg.FallbackGasLimit = 1_000_000
	}
	return &SignerPool{signers: signers, gw: gw, cfg: cfg, logger: logger, locks: newKeyedMutex()}
}

// EnsureSigners registers the configured accounts.  An empty pool is a
// fatal configuration error for the caller.
func (p *SignerPool) EnsureSigners(ctx context.Context, addrs []common.Address, role string, gasPrice *big.Int) error {
	if len(addrs) == 0 {
		return fmt.Errorf("%w: no signers configured", repository.ErrUnavailable)
	}
	for _, a := range addrs {
		if err := p.signers.Upsert(ctx, a.Hex(), role, gasPrice.String()); err != nil {
			return fmt.Errorf("register signer %s: %w", a.Hex(), err)
		}
	}
	return nil
}

// List returns the pool with live pending counts.
func (p *SignerPool) List(ctx context.Context) ([]model.Signer, error) {
	return p.signers.ListWithPending(ctx)
}

// pick orders candidates by fewest pending transactions, then lowest gas
// price, then lowest id.
func pick(signers []model.Signer) model.Signer {
	sorted := make([]model.Signer, len(signers))
	copy(sorted, signers)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.PendingTx != b.PendingTx {
			return a.PendingTx < b.PendingTx
		}
		if c := weiOf(a.GasPrice).Cmp(weiOf(b.GasPrice)); c != 0 {
			return c < 0
		}
		return a.ID < b.ID
	})
	return sorted[0]
}

// weiOf parses a stored decimal wei amount; garbage sorts last.
func weiOf(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return new(big.Int).SetUint64(math.MaxUint64)
	}
	return n
}

// Allocate chooses a signer and reserves its next nonce.  gasPrice
// overrides the signer's configured price (sponsored or bumped attempts);
// nil uses the configured one.
func (p *SignerPool) Allocate(ctx context.Context, gasPrice *big.Int) (*Allocation, error) {
	signers, err := p.signers.ListWithPending(ctx)
	if err != nil {
		return nil, fmt.Errorf("list signers: %w", err)
	}
	if len(signers) == 0 {
		return nil, fmt.Errorf("%w: no signers", repository.ErrUnavailable)
	}
	s := pick(signers)
	addr := common.HexToAddress(s.Address)

	unlock := p.locks.Lock(strconv.FormatUint(s.ID, 10))
	defer unlock()

	ledgerNonce, err := p.gw.PendingNonceAt(ctx, addr)
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce for %s: %v", repository.ErrUnavailable, addr.Hex(), err)
	}
	nonce, err := p.signers.ReserveNonce(ctx, s.ID, ledgerNonce)
	if err != nil {
		return nil, fmt.Errorf("reserve nonce: %w", err)
	}
	price := gasPrice
	if price == nil {
		price = weiOf(s.GasPrice)
	}
	return &Allocation{SignerID: s.ID, Address: addr, Nonce: nonce, GasPrice: new(big.Int).Set(price)}, nil
}

// Release returns the nonce of an attempt that never reached the ledger.
// It only does so when the ledger's pending nonce shows the transaction
// was not accepted; otherwise the nonce stays consumed.
func (p *SignerPool) Release(ctx context.Context, a *Allocation) {
	unlock := p.locks.Lock(strconv.FormatUint(a.SignerID, 10))
	defer unlock()
	ledgerNonce, err := p.gw.PendingNonceAt(ctx, a.Address)
	if err != nil || ledgerNonce > a.Nonce {
		p.logf("signer-pool: keeping nonce %d of %s reserved (ledger=%d err=%v)", a.Nonce, a.Address.Hex(), ledgerNonce, err)
		return
	}
	ok, err := p.signers.ReleaseNonce(ctx, a.SignerID, a.Nonce)
	if err != nil {
		p.logf("signer-pool: release nonce %d of %s: %v", a.Nonce, a.Address.Hex(), err)
		return
	}
	if !ok {
		p.logf("signer-pool: nonce %d of %s not released, later nonces reserved; resync once idle", a.Nonce, a.Address.Hex())
	}
}

// GasLimit estimates the call and applies the safety factor.  When the
// estimator fails the fallback limit is used instead of failing.
func (p *SignerPool) GasLimit(ctx context.Context, call ethereum.CallMsg) uint64 {
	est, err := p.gw.EstimateGas(ctx, call)
	if err != nil || est == 0 {
		p.logf("signer-pool: gas estimate failed, using fallback %d: %v", p.cfg.FallbackGasLimit, err)
		est = p.cfg.FallbackGasLimit
	}
	return uint64(math.Ceil(float64(est) * p.cfg.GasSafetyFactor))
}

// SetGasPrice updates the operator-tuned gas price of a signer.
func (p *SignerPool) SetGasPrice(ctx context.Context, id uint64, wei *big.Int) (*model.Signer, error) {
	if wei == nil || wei.Sign() <= 0 {
		return nil, fmt.Errorf("%w: gas price must be positive", repository.ErrInvalid)
	}
	if err := p.signers.UpdateGasPrice(ctx, id, wei.String()); err != nil {
		return nil, err
	}
	return p.signers.GetByID(ctx, id)
}

// Resync realigns a signer's nonce counter with the ledger.  Only allowed
// while the signer has no pending transactions.
func (p *SignerPool) Resync(ctx context.Context, id uint64) (*model.Signer, error) {
	s, err := p.signers.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	unlock := p.locks.Lock(strconv.FormatUint(s.ID, 10))
	defer unlock()
	ledgerNonce, err := p.gw.PendingNonceAt(ctx, common.HexToAddress(s.Address))
	if err != nil {
		return nil, fmt.Errorf("%w: pending nonce: %v", repository.ErrUnavailable, err)
	}
	if err := p.signers.Resync(ctx, id, ledgerNonce); err != nil {
		return nil, err
	}
	p.logf("signer-pool: resynced %s to nonce %d", s.Address, ledgerNonce)
	return p.signers.GetByID(ctx, id)
}

func (p *SignerPool) logf(format string, args ...any) {
	if p.logger != nil {
		p.logger.Printf(format, args...)
	}
}
