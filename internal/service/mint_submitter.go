package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/metrics"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/repository"
)

// SubmitterConfig holds the contract and gas policy of the submitter.
type SubmitterConfig struct {
	MintContract      common.Address
	DelegatedContract common.Address // target of fallback mints; zero disables them
	SponsoredGasPrice *big.Int
	BumpMultiplier    float64
	DispatchGrace     time.Duration
	DispatchBatch     int
}

// MintSubmitter sends mint transactions for bound claims.  Every attempt
// is signed first and recorded as a pending transaction (moving the claim
// to minting) before it is broadcast, so nothing reaches the ledger
// without a row.  When recording fails nothing was sent and the claim
// stays bound.  An attempt the node refuses is unrecorded again; one whose
// broadcast failed in transit stays pending and the reconciler
// rebroadcasts it.  Submissions for the same claim are
// serialised inside the process and guarded by the claim version in the
// store.
type MintSubmitter struct {
	claims    ClaimStore
	txs       TransactionStore
	pool      *SignerPool
	gw        ledger.Gateway
	publisher SettlementPublisher
	cfg       SubmitterConfig
	metrics   *metrics.Engine
	logger    *log.Logger
	locks     *keyedMutex
	now       func() time.Time
}

func NewMintSubmitter(claims ClaimStore, txs TransactionStore, pool *SignerPool, gw ledger.Gateway,
	publisher SettlementPublisher, cfg SubmitterConfig, m *metrics.Engine, logger *log.Logger) *MintSubmitter {
	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = NopPublisher()
	}
	if cfg.BumpMultiplier <= 1 {
		cfg.BumpMultiplier = 1.25
	}
	if cfg.DispatchBatch <= 0 {
		cfg.DispatchBatch = 50
	}
	return &MintSubmitter{
		claims: claims, txs: txs, pool: pool, gw: gw, publisher: publisher, cfg: cfg,
		metrics: m, logger: logger, locks: newKeyedMutex(), now: time.Now,
	}
}

// mintArgs is the audit snapshot stored with every attempt.
type mintArgs struct {
	Contract string `json:"contract"`
	EventID  uint64 `json:"event_id"`
	To       string `json:"to"`
	Kind     string `json:"kind"`
}

// mintCall is the contract call an attempt sends.
type mintCall struct {
	contract common.Address
	data     []byte
}

func (m *MintSubmitter) directCall(c *model.Claim) (mintCall, error) {
	data, err := ledger.PackMint(c.EventID, common.HexToAddress(c.BeneficiaryAddress()))
	if err != nil {
		return mintCall{}, fmt.Errorf("pack mint: %w", err)
	}
	return mintCall{contract: m.cfg.MintContract, data: data}, nil
}

// Submit mints a bound direct claim at the selected signer's gas price.
func (m *MintSubmitter) Submit(ctx context.Context, code string) (*model.Transaction, error) {
	unlock := m.locks.Lock(code)
	defer unlock()
	c, err := m.bound(ctx, code)
	if err != nil {
		return nil, err
	}
	call, err := m.directCall(c)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, c, call, nil, "direct")
}

// SubmitSponsored mints a bound direct claim at the sponsored gas price,
// used once a subscription lock has been funded.
func (m *MintSubmitter) SubmitSponsored(ctx context.Context, code string) (*model.Transaction, error) {
	unlock := m.locks.Lock(code)
	defer unlock()
	c, err := m.bound(ctx, code)
	if err != nil {
		return nil, err
	}
	call, err := m.directCall(c)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, c, call, m.cfg.SponsoredGasPrice, "sponsored")
}

func (m *MintSubmitter) bound(ctx context.Context, code string) (*model.Claim, error) {
	c, err := m.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c.DelegatedMint {
		return nil, fmt.Errorf("%w: delegated claims are minted by the relayer", repository.ErrInvalid)
	}
	if c.Status != model.ClaimBound {
		return nil, fmt.Errorf("%w: claim is %s, not bound", repository.ErrConflict, c.Status)
	}
	return c, nil
}

// Bump resubmits a settled_failed claim as a new transaction.  gasPrice
// nil means previous price times the bump multiplier; an explicit price
// must be strictly higher than the previous attempt's.
func (m *MintSubmitter) Bump(ctx context.Context, code string, gasPrice *big.Int) (*model.Transaction, error) {
	unlock := m.locks.Lock(code)
	defer unlock()
	c, err := m.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if c.DelegatedMint {
		return nil, fmt.Errorf("%w: delegated claims cannot be bumped", repository.ErrInvalid)
	}
	if c.Status != model.ClaimSettledFailed {
		return nil, fmt.Errorf("%w: only failed mints can be bumped, claim is %s", repository.ErrConflict, c.Status)
	}
	prev := new(big.Int)
	if c.TransactionID != nil {
		t, err := m.txs.GetByID(ctx, *c.TransactionID)
		if err != nil {
			return nil, err
		}
		prev = weiOf(t.GasPrice)
	}
	next := bumpedPrice(prev, m.cfg.BumpMultiplier)
	if gasPrice != nil {
		if gasPrice.Cmp(prev) <= 0 {
			return nil, fmt.Errorf("%w: gas price must exceed previous %s", repository.ErrInvalid, prev.String())
		}
		next = gasPrice
	}
	call, err := m.directCall(c)
	if err != nil {
		return nil, err
	}
	return m.submit(ctx, c, call, next, "bump")
}

// FallbackMint mints a delegated claim whose signed message the relayer
// never consumed.  The message is relayed through the delegated contract
// from the signer pool, which spends the replay guard, so a late relayer
// cannot mint a second token.  The guard is read first: a message that is
// already processed settles the claim and ErrConflict is returned.
func (m *MintSubmitter) FallbackMint(ctx context.Context, code string) (*model.Transaction, error) {
	if m.cfg.DelegatedContract == (common.Address{}) {
		return nil, fmt.Errorf("%w: no delegated-mint contract configured", repository.ErrUnavailable)
	}
	unlock := m.locks.Lock(code)
	defer unlock()
	c, err := m.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.DelegatedMint {
		return nil, fmt.Errorf("%w: claim %s is not delegated", repository.ErrInvalid, code)
	}
	if c.Status != model.ClaimBound && c.Status != model.ClaimSettledFailed {
		return nil, fmt.Errorf("%w: claim is %s", repository.ErrConflict, c.Status)
	}
	if c.DelegatedSignedMessage == nil {
		return nil, fmt.Errorf("%w: claim %s has no signed message", repository.ErrInvalid, code)
	}
	processed, err := readProcessed(ctx, m.gw, m.cfg.DelegatedContract, *c.DelegatedSignedMessage)
	switch {
	case errors.Is(err, repository.ErrInvalid):
		return nil, err
	case err != nil:
		return nil, fmt.Errorf("%w: cannot confirm message of %s is unprocessed: %v", repository.ErrUnavailable, code, err)
	}
	if processed {
		if err := m.claims.SettleDelegated(ctx, code, c.Version); err != nil {
			return nil, err
		}
		m.logger.Printf("mint: claim %s already processed by the relayer, settled", code)
		settled := *c
		settled.Status = model.ClaimSettledSuccess
		settled.VerifyState = ""
		if err := m.publisher.PublishClaimSettled(ctx, settledEvent(&settled, "", m.now())); err != nil {
			m.logger.Printf("mint: publish settlement of %s: %v", code, err)
		}
		return nil, fmt.Errorf("%w: message of %s already processed", repository.ErrConflict, code)
	}
	msg, err := hexutil.Decode(*c.DelegatedSignedMessage)
	if err != nil {
		return nil, fmt.Errorf("%w: signed message: %v", repository.ErrInvalid, err)
	}
	data, err := ledger.PackDelegatedMint(c.EventID, common.HexToAddress(c.BeneficiaryAddress()), msg)
	if err != nil {
		return nil, fmt.Errorf("pack delegated mint: %w", err)
	}
	return m.submit(ctx, c, mintCall{contract: m.cfg.DelegatedContract, data: data}, nil, "fallback")
}

// bumpedPrice returns prev*multiplier rounded up, always at least prev+1.
func bumpedPrice(prev *big.Int, multiplier float64) *big.Int {
	f := new(big.Float).Mul(new(big.Float).SetInt(prev), big.NewFloat(multiplier))
	next, acc := f.Int(nil)
	if acc == big.Below {
		next.Add(next, big.NewInt(1))
	}
	if next.Cmp(prev) <= 0 {
		next = new(big.Int).Add(prev, big.NewInt(1))
	}
	return next
}

func (m *MintSubmitter) submit(ctx context.Context, c *model.Claim, call mintCall, gasPrice *big.Int, kind string) (*model.Transaction, error) {
	alloc, err := m.pool.Allocate(ctx, gasPrice)
	if err != nil {
		m.metrics.Submission(kind, "no_signer")
		return nil, err
	}
	contract := call.contract
	gasLimit := m.pool.GasLimit(ctx, ethereum.CallMsg{
		From: alloc.Address, To: &contract, GasPrice: alloc.GasPrice, Data: call.data,
	})
	signed, err := m.gw.Sign(ctx, ledger.TxRequest{
		From:     alloc.Address,
		To:       contract,
		Nonce:    alloc.Nonce,
		GasPrice: alloc.GasPrice,
		GasLimit: gasLimit,
		Data:     call.data,
	})
	if err != nil {
		m.pool.Release(ctx, alloc)
		m.metrics.Submission(kind, "rejected")
		return nil, fmt.Errorf("%w: sign mint for %s: %v", repository.ErrUnavailable, c.Code, err)
	}
	raw, err := ledger.EncodeRaw(signed)
	if err != nil {
		m.pool.Release(ctx, alloc)
		return nil, fmt.Errorf("encode mint for %s: %w", c.Code, err)
	}

	args, _ := json.Marshal(mintArgs{
		Contract: contract.Hex(), EventID: c.EventID, To: common.HexToAddress(c.BeneficiaryAddress()).Hex(), Kind: kind,
	})
	t := &model.Transaction{
		Hash:          signed.Hash().Hex(),
		Nonce:         alloc.Nonce,
		SignerAddress: alloc.Address.Hex(),
		GasPrice:      alloc.GasPrice.String(),
		GasLimit:      gasLimit,
		Operation:     model.OperationMintToken,
		Arguments:     string(args),
		ClaimCode:     c.Code,
		RawTx:         raw,
	}
	// Nothing has been broadcast yet, so a failure here is safe to retry.
	err = m.claims.RecordSubmission(ctx, c.Code, c.Status, c.Version, t, c.Status == model.ClaimSettledFailed)
	if err != nil {
		m.pool.Release(ctx, alloc)
		switch {
		case errors.Is(err, repository.ErrStaleState):
			m.metrics.Submission(kind, "stale")
			return nil, fmt.Errorf("claim %s changed before submission: %w", c.Code, err)
		case errors.Is(err, repository.ErrConflict):
			m.metrics.Submission(kind, "record_failed")
			return nil, err
		}
		m.metrics.Submission(kind, "record_failed")
		m.logger.Printf("mint: record attempt for claim %s: %v", c.Code, err)
		return nil, fmt.Errorf("%w: record mint for %s: %v", repository.ErrUnavailable, c.Code, err)
	}

	if err := m.gw.Send(ctx, signed); err != nil {
		if errors.Is(err, ledger.ErrRejected) {
			return nil, m.abandon(ctx, c, t, alloc, kind, err)
		}
		// The node may have the transaction; the reconciler rebroadcasts it.
		m.metrics.Submission(kind, "deferred")
		m.logger.Printf("mint: broadcast of %s for claim %s failed, left for rebroadcast: %v", t.Hash, c.Code, err)
		return t, nil
	}
	m.metrics.Submission(kind, "ok")
	m.logger.Printf("mint: submitted code=%s kind=%s tx=%s signer=%s nonce=%d gas_price=%s",
		c.Code, kind, t.Hash, t.SignerAddress, t.Nonce, t.GasPrice)
	return t, nil
}

// abandon removes the record of an attempt the node refused and puts the
// claim back where it was.  If that fails the row stays pending and the
// reconciler keeps resending it.
func (m *MintSubmitter) abandon(ctx context.Context, c *model.Claim, t *model.Transaction, alloc *Allocation, kind string, cause error) error {
	m.metrics.Submission(kind, "rejected")
	if err := m.claims.AbandonSubmission(ctx, c, t.ID); err != nil {
		m.logger.Printf("mint: tx %s for claim %s was refused but stays recorded: %v", t.Hash, c.Code, err)
	} else {
		m.pool.Release(ctx, alloc)
	}
	return fmt.Errorf("%w: submit mint for %s: %v", repository.ErrUnavailable, c.Code, cause)
}

// DispatchBound retries direct claims that were bound a while ago, never
// reached the ledger and are not waiting for a sponsorship.  It returns
// how many were submitted.
func (m *MintSubmitter) DispatchBound(ctx context.Context) (int, error) {
	now := m.now().UTC()
	claims, err := m.claims.ListDispatchable(ctx, now.Add(-m.cfg.DispatchGrace), now, m.cfg.DispatchBatch)
	if err != nil {
		return 0, err
	}
	sent := 0
	for _, c := range claims {
		if ctx.Err() != nil {
			return sent, ctx.Err()
		}
		if _, err := m.Submit(ctx, c.Code); err != nil {
			m.logger.Printf("dispatch: claim %s: %v", c.Code, err)
			continue
		}
		sent++
	}
	return sent, nil
}
