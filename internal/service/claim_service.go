package service

import (
	"context"
	"errors"
	"fmt"
	"log"
	"regexp"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/metrics"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/repository"
	"github.com/iliyamo/qr-claim/internal/utils"
)

var addressPattern = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Minter submits the mint for a freshly bound direct claim.
type Minter interface {
	Submit(ctx context.Context, code string) (*model.Transaction, error)
}

// ClaimConfig tunes binding and issuance.
type ClaimConfig struct {
	BcryptCost      int
	FreeMintEnabled bool
	CodeLength      int
	MaxIssue        int
}

// EventView is the event metadata shown next to a claim.
type EventView struct {
	ID          uint64 `json:"id"`
	FancyID     string `json:"fancy_id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	ImageURL    string `json:"image_url"`
	Year        uint32 `json:"year"`
	StartDate   string `json:"start_date"`
	EndDate     string `json:"end_date"`
}

// NewEventView converts the persistence model.
func NewEventView(e *model.Event) *EventView {
	if e == nil {
		return nil
	}
	return &EventView{
		ID: e.ID, FancyID: e.FancyID, Name: e.Name, Description: e.Description,
		ImageURL: e.ImageURL, Year: e.Year, StartDate: e.StartDate, EndDate: e.EndDate,
	}
}

// ClaimView is what the claim UI sees.  The secret is never part of it.
type ClaimView struct {
	Code                   string     `json:"code"`
	EventID                uint64     `json:"event_id"`
	Event                  *EventView `json:"event,omitempty"`
	Status                 string     `json:"status"`
	Beneficiary            string     `json:"beneficiary,omitempty"`
	BoundAt                *time.Time `json:"bound_at,omitempty"`
	DelegatedMint          bool       `json:"delegated_mint"`
	DelegatedSignedMessage string     `json:"delegated_signed_message,omitempty"`
	TxHash                 string     `json:"tx_hash,omitempty"`
	TxStatus               string     `json:"tx_status,omitempty"`
	BumpCount              uint32     `json:"bump_count"`
	VerifyState            string     `json:"verify_state,omitempty"`
	MintError              string     `json:"mint_error,omitempty"`
}

// StatusView is the lightweight polling response.
type StatusView struct {
	Status      string `json:"status"`
	TxHash      string `json:"tx_hash,omitempty"`
	VerifyState string `json:"verify_state,omitempty"`
}

// IssuedCode is returned once by Issue; the plaintext secret is not
// stored anywhere.
type IssuedCode struct {
	Code   string `json:"code"`
	Secret string `json:"secret"`
}

// ClaimService is the claim state machine: reads, binding, issuance and
// the delegated verification retry.
type ClaimService struct {
	claims     ClaimStore
	txs        TransactionStore
	events     EventStore
	delegation *ledger.DelegationSigner
	minter     Minter
	metrics    *metrics.Engine
	cfg        ClaimConfig
	logger     *log.Logger
	now        func() time.Time
}

func NewClaimService(claims ClaimStore, txs TransactionStore, events EventStore, delegation *ledger.DelegationSigner,
	minter Minter, m *metrics.Engine, cfg ClaimConfig, logger *log.Logger) *ClaimService {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.CodeLength <= 0 {
		cfg.CodeLength = 8
	}
	if cfg.MaxIssue <= 0 {
		cfg.MaxIssue = 500
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = 10
	}
	return &ClaimService{
		claims: claims, txs: txs, events: events, delegation: delegation, minter: minter,
		metrics: m, cfg: cfg, logger: logger, now: time.Now,
	}
}

// Get returns the latest committed view of a claim.
func (s *ClaimService) Get(ctx context.Context, code string) (*ClaimView, error) {
	c, err := s.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	return s.view(ctx, c)
}

func (s *ClaimService) view(ctx context.Context, c *model.Claim) (*ClaimView, error) {
	v := &ClaimView{
		Code:          c.Code,
		EventID:       c.EventID,
		Status:        c.Status,
		Beneficiary:   c.BeneficiaryAddress(),
		BoundAt:       c.BoundAt,
		DelegatedMint: c.DelegatedMint,
		BumpCount:     c.BumpCount,
		VerifyState:   c.VerifyState,
	}
	if c.DelegatedSignedMessage != nil {
		v.DelegatedSignedMessage = *c.DelegatedSignedMessage
	}
	if s.events != nil {
		e, err := s.events.GetByID(ctx, c.EventID)
		switch {
		case err == nil:
			v.Event = NewEventView(e)
		case !errors.Is(err, repository.ErrNotFound):
			return nil, err
		}
	}
	if c.TransactionID != nil {
		t, err := s.txs.GetByID(ctx, *c.TransactionID)
		if err != nil {
			return nil, err
		}
		v.TxHash = t.Hash
		v.TxStatus = t.Status
	}
	return v, nil
}

// Status is the polling read: status, current hash and verification state.
func (s *ClaimService) Status(ctx context.Context, code string) (*StatusView, error) {
	c, err := s.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	out := &StatusView{Status: c.Status, VerifyState: c.VerifyState}
	if c.TransactionID != nil {
		t, err := s.txs.GetByID(ctx, *c.TransactionID)
		if err != nil {
			return nil, err
		}
		out.TxHash = t.Hash
	}
	return out, nil
}

// Bind attaches address to code after checking secret.  Binding again with
// the same address returns the existing binding; a different address is a
// conflict and leaves the original binding untouched.  A fresh direct
// claim is handed to the minter when free minting is enabled; a failed
// submission keeps the claim bound and is reported in MintError.
func (s *ClaimService) Bind(ctx context.Context, code, secret, address string) (*ClaimView, error) {
	address = strings.TrimSpace(address)
	if !addressPattern.MatchString(address) {
		s.metrics.Bind("invalid")
		return nil, fmt.Errorf("%w: malformed address", repository.ErrInvalid)
	}
	addr := common.HexToAddress(address)
	c, err := s.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !utils.VerifySecret(c.SecretHash, secret) {
		s.metrics.Bind("forbidden")
		return nil, repository.ErrForbidden
	}
	if c.IsBound() {
		return s.existingBinding(ctx, c, addr)
	}

	var msg *string
	if c.DelegatedMint {
		if s.delegation == nil {
			return nil, fmt.Errorf("%w: delegated minting is not configured", repository.ErrUnavailable)
		}
		sig, err := s.delegation.Sign(c.EventID, addr, c.Code)
		if err != nil {
			return nil, fmt.Errorf("sign delegation: %w", err)
		}
		msg = &sig
	}

	ok, err := s.claims.Bind(ctx, code, addr.Hex(), s.now().UTC(), msg)
	if err != nil {
		return nil, err
	}
	if !ok {
		// Someone else bound it between our read and write.
		c, err = s.claims.GetByCode(ctx, code)
		if err != nil {
			return nil, err
		}
		if !c.IsBound() {
			return nil, repository.ErrStaleState
		}
		return s.existingBinding(ctx, c, addr)
	}
	s.metrics.Bind("bound")
	s.logger.Printf("claim: bound code=%s beneficiary=%s delegated=%t", code, addr.Hex(), c.DelegatedMint)

	var mintErr error
	if !c.DelegatedMint && s.cfg.FreeMintEnabled && s.minter != nil {
		if _, mintErr = s.minter.Submit(ctx, code); mintErr != nil {
			s.logger.Printf("claim: mint after bind failed code=%s: %v", code, mintErr)
		}
	}
	v, err := s.Get(ctx, code)
	if err != nil {
		return nil, err
	}
	if mintErr != nil {
		v.MintError = mintErr.Error()
	}
	return v, nil
}

func (s *ClaimService) existingBinding(ctx context.Context, c *model.Claim, addr common.Address) (*ClaimView, error) {
	if !strings.EqualFold(c.BeneficiaryAddress(), addr.Hex()) {
		s.metrics.Bind("conflict")
		return nil, fmt.Errorf("%w: code already bound to another address", repository.ErrConflict)
	}
	s.metrics.Bind("idempotent")
	return s.view(ctx, c)
}

// Issue generates count fresh codes for eventID.  The plaintext secrets
// are returned exactly once; only their bcrypt hashes are stored.
func (s *ClaimService) Issue(ctx context.Context, eventID uint64, count int, delegated bool) ([]IssuedCode, error) {
	if count < 1 || count > s.cfg.MaxIssue {
		return nil, fmt.Errorf("%w: count must be between 1 and %d", repository.ErrInvalid, s.cfg.MaxIssue)
	}
	if s.events != nil {
		if _, err := s.events.GetByID(ctx, eventID); err != nil {
			return nil, err
		}
	}
	if delegated && s.delegation == nil {
		return nil, fmt.Errorf("%w: delegated minting is not configured", repository.ErrInvalid)
	}
	const attempts = 3
	var lastErr error
	for i := 0; i < attempts; i++ {
		issued, rows, err := s.generate(eventID, count, delegated)
		if err != nil {
			return nil, err
		}
		lastErr = s.claims.CreateBulk(ctx, rows)
		if lastErr == nil {
			s.logger.Printf("claim: issued %d codes for event=%d delegated=%t", count, eventID, delegated)
			return issued, nil
		}
		if !errors.Is(lastErr, repository.ErrConflict) {
			return nil, lastErr
		}
	}
	return nil, lastErr
}

func (s *ClaimService) generate(eventID uint64, count int, delegated bool) ([]IssuedCode, []model.Claim, error) {
	issued := make([]IssuedCode, 0, count)
	rows := make([]model.Claim, 0, count)
	seen := make(map[string]bool, count)
	for len(issued) < count {
		code, err := utils.NewClaimCode(s.cfg.CodeLength)
		if err != nil {
			return nil, nil, err
		}
		if seen[code] {
			continue
		}
		seen[code] = true
		secret, err := utils.RandomHex(8)
		if err != nil {
			return nil, nil, err
		}
		hash, err := utils.HashSecret(secret, s.cfg.BcryptCost)
		if err != nil {
			return nil, nil, err
		}
		issued = append(issued, IssuedCode{Code: code, Secret: secret})
		rows = append(rows, model.Claim{Code: code, EventID: eventID, SecretHash: hash, DelegatedMint: delegated})
	}
	return issued, rows, nil
}

// RetryVerification puts an unverified delegated claim back into the
// verifier's polling set.
func (s *ClaimService) RetryVerification(ctx context.Context, code string) (*ClaimView, error) {
	c, err := s.claims.GetByCode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !c.DelegatedMint || c.Status != model.ClaimBound || c.VerifyState != model.VerifyUnverified {
		return nil, fmt.Errorf("%w: claim is not awaiting a verification retry", repository.ErrConflict)
	}
	if err := s.claims.ResetVerification(ctx, code); err != nil {
		if errors.Is(err, repository.ErrStaleState) {
			return nil, fmt.Errorf("%w: claim changed, reload", repository.ErrConflict)
		}
		return nil, err
	}
	return s.Get(ctx, code)
}
