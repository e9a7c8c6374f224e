package service

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/skip2/go-qrcode"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/metrics"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/repository"
)

// LockConfig configures gas sponsorship.
type LockConfig struct {
	ChainID           uint64
	LockTime          time.Duration
	SponsorshipMinWei *big.Int
	QRSize            int
}

// SponsoredMinter submits the higher-priced mint once a lock is funded.
type SponsoredMinter interface {
	SubmitSponsored(ctx context.Context, code string) (*model.Transaction, error)
}

// SubscriptionAddressView is the locked receiving address and its
// scannable payment target.
type SubscriptionAddressView struct {
	ID          uint64 `json:"id"`
	Address     string `json:"address"`
	Name        string `json:"name"`
	PaymentURI  string `json:"payment_uri"`
	QRCodeImage string `json:"qr_code_image"`
}

// LockView is the subscription lock as returned to the claim UI.
type LockView struct {
	ID                  uint64                  `json:"id"`
	IsActive            bool                    `json:"is_active"`
	SubscriptionAddress SubscriptionAddressView `json:"subscription_address"`
	Beneficiary         string                  `json:"beneficiary"`
	Code                string                  `json:"code"`
	CreatedAt           time.Time               `json:"created_at"`
	UnlockedAt          *time.Time              `json:"unlocked_at"`
	ExpiresAt           time.Time               `json:"expires_at"`
}

// LockManager time-boxes pooled receiving addresses to one beneficiary
// each.  Allocation is atomic in LockStore.Create; expiry is enforced on
// read and flipped in bulk by Sweep.
type LockManager struct {
	locks   LockStore
	claims  ClaimStore
	gw      ledger.Gateway
	minter  SponsoredMinter
	metrics *metrics.Engine
	cfg     LockConfig
	logger  *log.Logger
	now     func() time.Time
}

func NewLockManager(locks LockStore, claims ClaimStore, gw ledger.Gateway, minter SponsoredMinter,
	m *metrics.Engine, cfg LockConfig, logger *log.Logger) *LockManager {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.LockTime <= 0 {
		cfg.LockTime = 10 * time.Minute
	}
	if cfg.QRSize <= 0 {
		cfg.QRSize = 256
	}
	if cfg.SponsorshipMinWei == nil {
		cfg.SponsorshipMinWei = big.NewInt(1)
	}
	return &LockManager{locks: locks, claims: claims, gw: gw, minter: minter, metrics: m, cfg: cfg, logger: logger, now: time.Now}
}

// RegisterPool makes sure every configured receiving address exists.
func (lm *LockManager) RegisterPool(ctx context.Context, addrs []common.Address) error {
	pool := make([]model.ReceivingAddress, 0, len(addrs))
	for i, a := range addrs {
		pool = append(pool, model.ReceivingAddress{Address: a.Hex(), Name: fmt.Sprintf("receiver-%d", i+1)})
	}
	return lm.locks.EnsureReceivingAddresses(ctx, pool)
}

// Create locks a free receiving address for the beneficiary of code.  The
// claim must be bound and not yet minted.  An existing lock for the
// beneficiary is ErrConflict, an exhausted pool ErrUnavailable.
func (lm *LockManager) Create(ctx context.Context, code string) (*LockView, error) {
	c, err := lm.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.IsBound() {
		return nil, fmt.Errorf("%w: claim not claimed yet", repository.ErrInvalid)
	}
	if c.DelegatedMint || c.Status != model.ClaimBound {
		return nil, fmt.Errorf("%w: claim is %s and cannot be sponsored", repository.ErrInvalid, c.Status)
	}
	now := lm.now().UTC()
	l, err := lm.locks.Create(ctx, c.Code, c.BeneficiaryAddress(), now, now.Add(lm.cfg.LockTime))
	if err != nil {
		switch {
		case errors.Is(err, repository.ErrConflict):
			return nil, fmt.Errorf("%w: beneficiary already has a lock", err)
		case errors.Is(err, repository.ErrUnavailable):
			return nil, fmt.Errorf("%w: there are no free receiver addresses", err)
		}
		return nil, err
	}
	lm.metrics.Lock("created")
	lm.logf("lock: %s locked for %s until %s", l.ReceivingAddress.Address, l.Beneficiary, l.ExpiresAt.Format(time.RFC3339))

	if bal, err := lm.gw.BalanceAt(ctx, common.HexToAddress(l.ReceivingAddress.Address)); err == nil {
		if err := lm.locks.SetBaseline(ctx, l.ID, bal.String()); err == nil {
			s := bal.String()
			l.BaselineBalance = &s
		}
	} else {
		lm.logf("lock: baseline balance of %s deferred: %v", l.ReceivingAddress.Address, err)
	}
	return lm.view(l)
}

// Get returns the beneficiary's active lock.  Expired locks are reported
// missing even before the sweep releases them.
func (lm *LockManager) Get(ctx context.Context, beneficiary string) (*LockView, error) {
	beneficiary = strings.TrimSpace(beneficiary)
	if !addressPattern.MatchString(beneficiary) {
		return nil, fmt.Errorf("%w: malformed beneficiary", repository.ErrInvalid)
	}
	now := lm.now().UTC()
	l, err := lm.locks.ActiveByBeneficiary(ctx, common.HexToAddress(beneficiary).Hex(), now)
	if err != nil {
		return nil, err
	}
	if !l.ActiveAt(now) {
		return nil, repository.ErrNotFound
	}
	return lm.view(l)
}

func (lm *LockManager) view(l *model.SubscriptionLock) (*LockView, error) {
	uri := PaymentURI(l.ReceivingAddress.Address, lm.cfg.ChainID)
	img, err := qrDataURL(uri, lm.cfg.QRSize)
	if err != nil {
		return nil, fmt.Errorf("render qr: %w", err)
	}
	return &LockView{
		ID:       l.ID,
		IsActive: l.IsActive,
		SubscriptionAddress: SubscriptionAddressView{
			ID:          l.ReceivingAddress.ID,
			Address:     l.ReceivingAddress.Address,
			Name:        l.ReceivingAddress.Name,
			PaymentURI:  uri,
			QRCodeImage: img,
		},
		Beneficiary: l.Beneficiary,
		Code:        l.ClaimCode,
		CreatedAt:   l.CreatedAt,
		UnlockedAt:  l.UnlockedAt,
		ExpiresAt:   l.ExpiresAt,
	}, nil
}

// PaymentURI is the EIP-681 target for a plain transfer to address.
func PaymentURI(address string, chainID uint64) string {
	return fmt.Sprintf("ethereum:%s@%d", address, chainID)
}

func qrDataURL(content string, size int) (string, error) {
	png, err := qrcode.Encode(content, qrcode.Medium, size)
	if err != nil {
		return "", err
	}
	return "data:image/png;base64," + base64.StdEncoding.EncodeToString(png), nil
}

// Sweep releases expired locks so their addresses return to the pool.
func (lm *LockManager) Sweep(ctx context.Context) (int64, error) {
	n, err := lm.locks.ExpireStale(ctx, lm.now().UTC())
	if err != nil {
		return 0, err
	}
	if n > 0 {
		lm.metrics.LockN("expired", n)
		lm.logf("lock: released %d expired locks", n)
	}
	return n, nil
}

// ObserveFunding checks every active lock's receiving address.  Once the
// balance grew by at least the sponsorship minimum the sponsored mint is
// submitted and the lock released.  A lock whose claim can no longer be
// minted is released as well; ledger errors leave the lock for the next
// tick.
func (lm *LockManager) ObserveFunding(ctx context.Context) error {
	now := lm.now().UTC()
	active, err := lm.locks.ListActive(ctx, now)
	if err != nil {
		return err
	}
	for i := range active {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lm.observe(ctx, &active[i])
	}
	return nil
}

func (lm *LockManager) observe(ctx context.Context, l *model.SubscriptionLock) {
	addr := common.HexToAddress(l.ReceivingAddress.Address)
	bal, err := lm.gw.BalanceAt(ctx, addr)
	if err != nil {
		lm.logf("lock: balance of %s: %v", addr.Hex(), err)
		return
	}
	if l.BaselineBalance == nil {
		if err := lm.locks.SetBaseline(ctx, l.ID, bal.String()); err != nil {
			lm.logf("lock: set baseline of lock %d: %v", l.ID, err)
		}
		return
	}
	base, ok := new(big.Int).SetString(*l.BaselineBalance, 10)
	if !ok {
		base = new(big.Int)
	}
	if new(big.Int).Sub(bal, base).Cmp(lm.cfg.SponsorshipMinWei) < 0 {
		return
	}
	if _, err := lm.minter.SubmitSponsored(ctx, l.ClaimCode); err != nil {
		if !errors.Is(err, repository.ErrConflict) && !errors.Is(err, repository.ErrInvalid) {
			lm.logf("lock: sponsored mint for %s: %v", l.ClaimCode, err)
			return
		}
		lm.logf("lock: claim %s no longer mintable, releasing lock %d: %v", l.ClaimCode, l.ID, err)
	}
	if err := lm.locks.Release(ctx, l.ID, lm.now().UTC()); err != nil && !errors.Is(err, repository.ErrStaleState) {
		lm.logf("lock: release %d: %v", l.ID, err)
		return
	}
	lm.metrics.Lock("funded")
	lm.logf("lock: %s funded for %s, sponsored mint sent", addr.Hex(), l.Beneficiary)
}

func (lm *LockManager) logf(format string, args ...any) {
	if lm.logger != nil {
		lm.logger.Printf(format, args...)
	}
}
