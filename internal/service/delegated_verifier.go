package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/metrics"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/repository"
)

// VerifierConfig configures replay-guard polling.
type VerifierConfig struct {
	Contract common.Address
	MaxPolls uint32
	Batch    int
}

// DelegatedVerifier settles delegated claims by reading the contract's
// processed(signedMessage) replay guard.  No transaction row is ever
// written for these claims.  A gateway error is not evidence either way
// and does not count as a poll; an answer that cannot be read does.
type DelegatedVerifier struct {
	claims    ClaimStore
	gw        ledger.Gateway
	publisher SettlementPublisher
	metrics   *metrics.Engine
	cfg       VerifierConfig
	logger    *log.Logger
	now       func() time.Time
}

func NewDelegatedVerifier(claims ClaimStore, gw ledger.Gateway, publisher SettlementPublisher,
	m *metrics.Engine, cfg VerifierConfig, logger *log.Logger) *DelegatedVerifier {
	if logger == nil {
		logger = log.Default()
	}
	if publisher == nil {
		publisher = NopPublisher()
	}
	if cfg.MaxPolls == 0 {
		cfg.MaxPolls = 100
	}
	if cfg.Batch <= 0 {
		cfg.Batch = 200
	}
	return &DelegatedVerifier{claims: claims, gw: gw, publisher: publisher, metrics: m, cfg: cfg, logger: logger, now: time.Now}
}

// Tick polls every delegated claim still awaiting verification once.
func (v *DelegatedVerifier) Tick(ctx context.Context) error {
	pending, err := v.claims.ListDelegatedPending(ctx, v.cfg.Batch)
	if err != nil {
		return err
	}
	for i := range pending {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		v.check(ctx, &pending[i])
	}
	return nil
}

// errBadResult marks a processed() answer that could not be decoded.
var errBadResult = errors.New("undecodable processed() result")

// readProcessed asks contract whether hexMsg has been consumed.  A
// transport failure wraps ErrUnavailable; a malformed message wraps
// ErrInvalid; an answer that does not decode wraps errBadResult.
func readProcessed(ctx context.Context, gw ledger.Gateway, contract common.Address, hexMsg string) (bool, error) {
	msg, err := hexutil.Decode(hexMsg)
	if err != nil {
		return false, fmt.Errorf("%w: signed message: %v", repository.ErrInvalid, err)
	}
	data, err := ledger.PackProcessed(msg)
	if err != nil {
		return false, fmt.Errorf("%w: pack processed: %v", repository.ErrInvalid, err)
	}
	out, err := gw.CallContract(ctx, ethereum.CallMsg{To: &contract, Data: data})
	if err != nil {
		return false, fmt.Errorf("%w: processed(): %v", repository.ErrUnavailable, err)
	}
	processed, err := ledger.UnpackProcessed(out)
	if err != nil {
		return false, fmt.Errorf("%w: %v", errBadResult, err)
	}
	return processed, nil
}

func (v *DelegatedVerifier) check(ctx context.Context, c *model.Claim) {
	if c.DelegatedSignedMessage == nil {
		return
	}
	processed, err := readProcessed(ctx, v.gw, v.cfg.Contract, *c.DelegatedSignedMessage)
	switch {
	case errors.Is(err, repository.ErrUnavailable):
		v.metrics.Verification("gateway_error")
		v.logf("verifier: claim %s: %v", c.Code, err)
		return
	case err != nil:
		// Counted as a poll so the claim still reaches unverified.
		v.metrics.Verification("bad_result")
		v.logf("verifier: claim %s: %v", c.Code, err)
	}

	if processed {
		if err := v.claims.SettleDelegated(ctx, c.Code, c.Version); err != nil {
			if !errors.Is(err, repository.ErrStaleState) {
				v.logf("verifier: settle %s: %v", c.Code, err)
			}
			return
		}
		v.metrics.Verification("processed")
		v.logf("verifier: claim %s settled via replay guard", c.Code)
		settled := *c
		settled.Status = model.ClaimSettledSuccess
		settled.VerifyState = ""
		if err := v.publisher.PublishClaimSettled(ctx, settledEvent(&settled, "", v.now())); err != nil {
			v.logf("verifier: publish settlement of %s: %v", c.Code, err)
		}
		return
	}

	if err := v.claims.RecordVerifyPoll(ctx, c.Code, c.Version, v.cfg.MaxPolls); err != nil {
		if !errors.Is(err, repository.ErrStaleState) {
			v.logf("verifier: record poll for %s: %v", c.Code, err)
		}
		return
	}
	if c.VerifyPolls+1 >= v.cfg.MaxPolls {
		v.metrics.Verification("unverified")
		v.logf("verifier: claim %s not processed after %d polls, marked unverified", c.Code, v.cfg.MaxPolls)
		return
	}
	if err == nil {
		v.metrics.Verification("not_processed")
	}
}

func (v *DelegatedVerifier) logf(format string, args ...any) {
	if v.logger != nil {
		v.logger.Printf(format, args...)
	}
}
