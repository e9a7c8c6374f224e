package service

import (
	"context"
	"errors"
	"io"
	"log"
	"math/big"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/iliyamo/qr-claim/internal/ledger"
	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/queue"
	"github.com/iliyamo/qr-claim/internal/repository"
	"github.com/iliyamo/qr-claim/internal/utils"
)

// memDB is an in-memory stand-in for the MySQL repositories.  It follows
// the same conditional-update semantics; one mutex plays the role of the
// row locks.
type memDB struct {
	mu      sync.Mutex
	claims  map[string]*model.Claim
	nextCID uint64
	txs     []*model.Transaction
	signers []*model.Signer
	addrs   []model.ReceivingAddress
	locks   []*model.SubscriptionLock
	events  map[uint64]*model.Event
}

func newMemDB() *memDB {
	return &memDB{claims: map[string]*model.Claim{}, events: map[uint64]*model.Event{}}
}

type fakeClaims struct{ db *memDB }
type fakeTxs struct{ db *memDB }
type fakeSigners struct{ db *memDB }
type fakeLocks struct{ db *memDB }
type fakeEvents struct{ db *memDB }

// ---- claims

func (f fakeClaims) GetByCode(_ context.Context, code string) (*model.Claim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[code]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *c
	return &cp, nil
}

func (f fakeClaims) CreateBulk(_ context.Context, claims []model.Claim) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, c := range claims {
		if _, ok := f.db.claims[c.Code]; ok {
			return repository.ErrConflict
		}
	}
	for _, c := range claims {
		f.db.nextCID++
		cp := c
		cp.ID = f.db.nextCID
		cp.Status = model.ClaimUnclaimed
		f.db.claims[c.Code] = &cp
	}
	return nil
}

func (f fakeClaims) Bind(_ context.Context, code, beneficiary string, boundAt time.Time, msg *string) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[code]
	if !ok || c.Beneficiary != nil || c.Status != model.ClaimUnclaimed {
		return false, nil
	}
	b := beneficiary
	at := boundAt.UTC()
	c.Beneficiary, c.BoundAt, c.Status = &b, &at, model.ClaimBound
	c.DelegatedSignedMessage = msg
	if c.DelegatedMint {
		c.VerifyState = model.VerifyPending
	}
	c.Version++
	return true, nil
}

func (f fakeClaims) RecordSubmission(_ context.Context, code, from string, version uint64, t *model.Transaction, bump bool) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, existing := range f.db.txs {
		if existing.Hash == t.Hash {
			return repository.ErrConflict
		}
	}
	c, ok := f.db.claims[code]
	if !ok || c.Status != from || c.Version != version {
		return repository.ErrStaleState
	}
	t.ID = uint64(len(f.db.txs) + 1)
	t.Status = model.TxPending
	cp := *t
	f.db.txs = append(f.db.txs, &cp)
	id := t.ID
	c.TransactionID = &id
	c.Status = model.ClaimMinting
	c.VerifyState = ""
	if bump {
		c.BumpCount++
	}
	c.Version++
	return nil
}

func (f fakeClaims) AbandonSubmission(_ context.Context, prev *model.Claim, txID uint64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[prev.Code]
	if !ok || c.Status != model.ClaimMinting || c.TransactionID == nil || *c.TransactionID != txID {
		return repository.ErrStaleState
	}
	c.Status = prev.Status
	c.TransactionID = prev.TransactionID
	c.VerifyState = prev.VerifyState
	c.BumpCount = prev.BumpCount
	c.Version++
	// Row IDs are slice positions here, so the row is tombstoned instead
	// of removed.
	t := f.db.txs[txID-1]
	if t.Status == model.TxPending {
		t.ClaimCode = ""
		t.Status = "deleted"
	}
	return nil
}

func (f fakeClaims) sorted() []model.Claim {
	out := make([]model.Claim, 0, len(f.db.claims))
	for _, c := range f.db.claims {
		out = append(out, *c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (f fakeClaims) ListDelegatedPending(_ context.Context, limit int) ([]model.Claim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Claim
	for _, c := range f.sorted() {
		if c.DelegatedMint && c.Status == model.ClaimBound && c.VerifyState == model.VerifyPending && c.DelegatedSignedMessage != nil {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f fakeClaims) ListDispatchable(_ context.Context, boundBefore, now time.Time, limit int) ([]model.Claim, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Claim
	for _, c := range f.sorted() {
		if c.DelegatedMint || c.Status != model.ClaimBound || c.BoundAt == nil || !c.BoundAt.Before(boundBefore) {
			continue
		}
		locked := false
		for _, l := range f.db.locks {
			if l.Beneficiary == c.BeneficiaryAddress() && l.ActiveAt(now) {
				locked = true
			}
		}
		if !locked {
			out = append(out, c)
		}
		if len(out) == limit {
			break
		}
	}
	return out, nil
}

func (f fakeClaims) RecordVerifyPoll(_ context.Context, code string, version uint64, maxPolls uint32) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[code]
	if !ok || c.Status != model.ClaimBound || c.Version != version {
		return repository.ErrStaleState
	}
	if c.VerifyPolls+1 >= maxPolls {
		c.VerifyState = model.VerifyUnverified
	}
	c.VerifyPolls++
	c.Version++
	return nil
}

func (f fakeClaims) SettleDelegated(_ context.Context, code string, version uint64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[code]
	if !ok || !c.DelegatedMint || c.Version != version {
		return repository.ErrStaleState
	}
	if c.Status != model.ClaimBound && c.Status != model.ClaimSettledFailed {
		return repository.ErrStaleState
	}
	c.Status = model.ClaimSettledSuccess
	c.VerifyState = ""
	c.Version++
	return nil
}

func (f fakeClaims) ResetVerification(_ context.Context, code string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	c, ok := f.db.claims[code]
	if !ok || !c.DelegatedMint || c.Status != model.ClaimBound || c.VerifyState != model.VerifyUnverified {
		return repository.ErrStaleState
	}
	c.VerifyState = model.VerifyPending
	c.VerifyPolls = 0
	c.Version++
	return nil
}

// ---- transactions

func (f fakeTxs) GetByID(_ context.Context, id uint64) (*model.Transaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if id == 0 || id > uint64(len(f.db.txs)) {
		return nil, repository.ErrNotFound
	}
	cp := *f.db.txs[id-1]
	return &cp, nil
}

func (f fakeTxs) ListPending(_ context.Context) ([]model.Transaction, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.Transaction
	for _, t := range f.db.txs {
		if t.Status == model.TxPending {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f fakeTxs) List(_ context.Context, status string, limit, offset int) ([]model.Transaction, int, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var all []model.Transaction
	for i := len(f.db.txs) - 1; i >= 0; i-- {
		if status == "" || f.db.txs[i].Status == status {
			all = append(all, *f.db.txs[i])
		}
	}
	total := len(all)
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return all[offset:end], total, nil
}

func (f fakeTxs) settle(id uint64, fn func(t *model.Transaction, c *model.Claim, out *repository.SettleResult)) (*repository.SettleResult, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if id == 0 || id > uint64(len(f.db.txs)) {
		return nil, repository.ErrNotFound
	}
	t := f.db.txs[id-1]
	if t.Status != model.TxPending {
		return nil, repository.ErrStaleState
	}
	c, ok := f.db.claims[t.ClaimCode]
	if !ok {
		return nil, repository.ErrNotFound
	}
	out := &repository.SettleResult{}
	fn(t, c, out)
	out.Transaction = *t
	out.Claim = *c
	return out, nil
}

func (f fakeTxs) MarkPassed(_ context.Context, id uint64) (*repository.SettleResult, error) {
	return f.settle(id, func(t *model.Transaction, c *model.Claim, out *repository.SettleResult) {
		if c.Status == model.ClaimSettledSuccess && (c.TransactionID == nil || *c.TransactionID != t.ID) {
			t.Status = model.TxFailed
			out.ClaimStatus = c.Status
			return
		}
		t.Status = model.TxPassed
		tid := t.ID
		c.Status, c.TransactionID = model.ClaimSettledSuccess, &tid
		c.Version++
		for _, other := range f.db.txs {
			if other.ClaimCode == c.Code && other.Status == model.TxPending && other.ID != t.ID {
				other.Status = model.TxFailed
				out.Superseded++
			}
		}
		out.ClaimSettled = true
		out.ClaimStatus = model.ClaimSettledSuccess
	})
}

func (f fakeTxs) MarkFailed(_ context.Context, id uint64) (*repository.SettleResult, error) {
	return f.settle(id, func(t *model.Transaction, c *model.Claim, out *repository.SettleResult) {
		t.Status = model.TxFailed
		out.ClaimStatus = c.Status
		if c.Status != model.ClaimMinting || c.TransactionID == nil || *c.TransactionID != t.ID {
			return
		}
		for i := len(f.db.txs) - 1; i >= 0; i-- {
			other := f.db.txs[i]
			if other.ClaimCode == c.Code && other.Status == model.TxPending {
				oid := other.ID
				c.TransactionID = &oid
				c.Version++
				return
			}
		}
		c.Status = model.ClaimSettledFailed
		c.Version++
		out.ClaimSettled = true
		out.ClaimStatus = model.ClaimSettledFailed
	})
}

// ---- signers

func (f fakeSigners) Upsert(_ context.Context, address, role, gasPrice string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, s := range f.db.signers {
		if strings.EqualFold(s.Address, address) {
			s.Role = role
			return nil
		}
	}
	f.db.signers = append(f.db.signers, &model.Signer{
		ID: uint64(len(f.db.signers) + 1), Address: address, Role: role, GasPrice: gasPrice,
	})
	return nil
}

func (f fakeSigners) withPending(s *model.Signer) model.Signer {
	cp := *s
	cp.PendingTx = 0
	for _, t := range f.db.txs {
		if t.Status == model.TxPending && strings.EqualFold(t.SignerAddress, s.Address) {
			cp.PendingTx++
		}
	}
	return cp
}

func (f fakeSigners) ListWithPending(_ context.Context) ([]model.Signer, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	out := make([]model.Signer, 0, len(f.db.signers))
	for _, s := range f.db.signers {
		out = append(out, f.withPending(s))
	}
	return out, nil
}

func (f fakeSigners) GetByID(_ context.Context, id uint64) (*model.Signer, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if id == 0 || id > uint64(len(f.db.signers)) {
		return nil, repository.ErrNotFound
	}
	s := f.withPending(f.db.signers[id-1])
	return &s, nil
}

func (f fakeSigners) ReserveNonce(_ context.Context, id uint64, ledgerNonce uint64) (uint64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if id == 0 || id > uint64(len(f.db.signers)) {
		return 0, repository.ErrNotFound
	}
	s := f.db.signers[id-1]
	nonce := s.NextNonce
	if ledgerNonce > nonce {
		nonce = ledgerNonce
	}
	s.NextNonce = nonce + 1
	return nonce, nil
}

func (f fakeSigners) ReleaseNonce(_ context.Context, id uint64, nonce uint64) (bool, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	s := f.db.signers[id-1]
	if s.NextNonce != nonce+1 {
		return false, nil
	}
	s.NextNonce = nonce
	return true, nil
}

func (f fakeSigners) UpdateGasPrice(_ context.Context, id uint64, gasPrice string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if id == 0 || id > uint64(len(f.db.signers)) {
		return repository.ErrNotFound
	}
	f.db.signers[id-1].GasPrice = gasPrice
	return nil
}

func (f fakeSigners) Resync(_ context.Context, id uint64, ledgerNonce uint64) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	if id == 0 || id > uint64(len(f.db.signers)) {
		return repository.ErrNotFound
	}
	s := f.db.signers[id-1]
	if f.withPending(s).PendingTx > 0 {
		return repository.ErrConflict
	}
	s.NextNonce = ledgerNonce
	return nil
}

// ---- locks

func (f fakeLocks) EnsureReceivingAddresses(_ context.Context, addrs []model.ReceivingAddress) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for _, a := range addrs {
		exists := false
		for _, e := range f.db.addrs {
			if e.Address == a.Address {
				exists = true
			}
		}
		if !exists {
			a.ID = uint64(len(f.db.addrs) + 1)
			f.db.addrs = append(f.db.addrs, a)
		}
	}
	return nil
}

func (f fakeLocks) expire(now time.Time) int64 {
	var n int64
	for _, l := range f.db.locks {
		if l.IsActive && !now.Before(l.ExpiresAt) {
			l.IsActive = false
			at := now
			l.UnlockedAt = &at
			n++
		}
	}
	return n
}

func (f fakeLocks) Create(_ context.Context, claimCode, beneficiary string, now, expiresAt time.Time) (*model.SubscriptionLock, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	f.expire(now)
	busy := map[uint64]bool{}
	for _, l := range f.db.locks {
		if !l.IsActive {
			continue
		}
		if l.Beneficiary == beneficiary {
			return nil, repository.ErrConflict
		}
		busy[l.ReceivingAddressID] = true
	}
	for _, a := range f.db.addrs {
		if busy[a.ID] {
			continue
		}
		l := &model.SubscriptionLock{
			ID: uint64(len(f.db.locks) + 1), ReceivingAddressID: a.ID, ReceivingAddress: a,
			Beneficiary: beneficiary, ClaimCode: claimCode, CreatedAt: now, ExpiresAt: expiresAt, IsActive: true,
		}
		f.db.locks = append(f.db.locks, l)
		cp := *l
		return &cp, nil
	}
	return nil, repository.ErrUnavailable
}

func (f fakeLocks) ActiveByBeneficiary(_ context.Context, beneficiary string, now time.Time) (*model.SubscriptionLock, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	for i := len(f.db.locks) - 1; i >= 0; i-- {
		l := f.db.locks[i]
		if l.Beneficiary == beneficiary && l.IsActive && now.Before(l.ExpiresAt) {
			cp := *l
			return &cp, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (f fakeLocks) ListActive(_ context.Context, now time.Time) ([]model.SubscriptionLock, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	var out []model.SubscriptionLock
	for _, l := range f.db.locks {
		if l.ActiveAt(now) {
			out = append(out, *l)
		}
	}
	return out, nil
}

func (f fakeLocks) ExpireStale(_ context.Context, now time.Time) (int64, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	return f.expire(now), nil
}

func (f fakeLocks) SetBaseline(_ context.Context, id uint64, wei string) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	l := f.db.locks[id-1]
	if l.BaselineBalance != nil {
		return repository.ErrStaleState
	}
	w := wei
	l.BaselineBalance = &w
	return nil
}

func (f fakeLocks) Release(_ context.Context, id uint64, now time.Time) error {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	l := f.db.locks[id-1]
	if !l.IsActive {
		return repository.ErrStaleState
	}
	l.IsActive = false
	at := now
	l.UnlockedAt = &at
	return nil
}

// ---- events

func (f fakeEvents) GetByID(_ context.Context, id uint64) (*model.Event, error) {
	f.db.mu.Lock()
	defer f.db.mu.Unlock()
	e, ok := f.db.events[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	cp := *e
	return &cp, nil
}

// fakeGateway scripts the ledger.
type fakeGateway struct {
	mu               sync.Mutex
	seq              int64
	submitted        []ledger.TxRequest
	submitErr        error
	signErr          error
	sendErr          error
	signed           map[common.Hash]ledger.TxRequest
	sent             map[common.Hash]bool
	receiptAfterSend map[common.Hash]bool
	receipts         map[common.Hash]*types.Receipt
	receiptErrs      map[common.Hash]error
	processed        []bool
	callErr          error
	emptyResult      bool
	calls            int
	nonces           map[common.Address]uint64
	balances         map[common.Address]*big.Int
	estimate         uint64
	estimateErr      error
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		signed:      map[common.Hash]ledger.TxRequest{},
		sent:        map[common.Hash]bool{},
		receipts:    map[common.Hash]*types.Receipt{},
		receiptErrs: map[common.Hash]error{},
		nonces:      map[common.Address]uint64{},
		balances:    map[common.Address]*big.Int{},
		estimate:    100_000,
	}
}

// Sign builds an unsigned legacy transaction; R carries a sequence number
// so every attempt has its own hash.
func (g *fakeGateway) Sign(_ context.Context, req ledger.TxRequest) (*types.Transaction, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.signErr != nil {
		return nil, g.signErr
	}
	g.seq++
	to := req.To
	tx := types.NewTx(&types.LegacyTx{
		Nonce: req.Nonce, GasPrice: req.GasPrice, Gas: req.GasLimit, To: &to, Data: req.Data,
		Value: new(big.Int), V: new(big.Int), R: big.NewInt(g.seq), S: new(big.Int),
	})
	g.signed[tx.Hash()] = req
	return tx, nil
}

// Send records the first broadcast of each signed transaction; repeats
// are accepted like a node answering "already known".
func (g *fakeGateway) Send(_ context.Context, tx *types.Transaction) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	h := tx.Hash()
	if ok, found := g.receiptAfterSend[h]; found {
		status := types.ReceiptStatusFailed
		if ok {
			status = types.ReceiptStatusSuccessful
		}
		g.receipts[h] = &types.Receipt{Status: status}
	}
	if g.sendErr != nil {
		return g.sendErr
	}
	if g.sent[h] {
		return nil
	}
	req, ok := g.signed[h]
	if !ok {
		return errors.New("unknown transaction")
	}
	g.sent[h] = true
	g.submitted = append(g.submitted, req)
	if req.Nonce+1 > g.nonces[req.From] {
		g.nonces[req.From] = req.Nonce + 1
	}
	return nil
}

func (g *fakeGateway) setSendErr(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.sendErr = err
}

func (g *fakeGateway) sendCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.submitted)
}

func (g *fakeGateway) TransactionReceipt(_ context.Context, h common.Hash) (*types.Receipt, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.receiptErrs[h]; err != nil {
		return nil, err
	}
	return g.receipts[h], nil
}

func (g *fakeGateway) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.estimate, g.estimateErr
}

func (g *fakeGateway) CallContract(context.Context, ethereum.CallMsg) ([]byte, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.callErr != nil {
		return nil, g.callErr
	}
	if g.emptyResult {
		return []byte{}, nil
	}
	v := false
	if len(g.processed) > 0 {
		v = g.processed[0]
		g.processed = g.processed[1:]
	}
	out := make([]byte, 32)
	if v {
		out[31] = 1
	}
	return out, nil
}

func (g *fakeGateway) PendingNonceAt(_ context.Context, a common.Address) (uint64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.nonces[a], nil
}

func (g *fakeGateway) BalanceAt(_ context.Context, a common.Address) (*big.Int, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if b, ok := g.balances[a]; ok {
		return new(big.Int).Set(b), nil
	}
	return new(big.Int), nil
}

func (g *fakeGateway) setReceipt(hash string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status := types.ReceiptStatusFailed
	if ok {
		status = types.ReceiptStatusSuccessful
	}
	g.receipts[common.HexToHash(hash)] = &types.Receipt{Status: status}
}

func (g *fakeGateway) setBalance(addr string, wei int64) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.balances[common.HexToAddress(addr)] = big.NewInt(wei)
}

// fakePublisher records settlement events.
type fakePublisher struct {
	mu     sync.Mutex
	events []queue.ClaimSettledEvent
}

func (p *fakePublisher) PublishClaimSettled(_ context.Context, ev queue.ClaimSettledEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}

var errLedgerDown = errors.New("ledger down")

const (
	beef  = "0x000000000000000000000000000000000000bEEF"
	cafe  = "0x000000000000000000000000000000000000CaFE"
	mintC = "0x00000000000000000000000000000000000000aa"
	delgC = "0x00000000000000000000000000000000000000bb"

	signer1 = "0x0000000000000000000000000000000000005101"
	signer2 = "0x0000000000000000000000000000000000005102"
	signer3 = "0x0000000000000000000000000000000000005103"
)

// harness wires every service over one memDB and one fakeGateway.
type harness struct {
	db         *memDB
	gw         *fakeGateway
	pub        *fakePublisher
	delegation *ledger.DelegationSigner
	pool       *SignerPool
	submitter  *MintSubmitter
	claims     *ClaimService
	reconciler *Reconciler
	verifier   *DelegatedVerifier
	locks      *LockManager
	now        time.Time
}

func quietLogger() *log.Logger { return log.New(io.Discard, "", 0) }

func newHarness(t *testing.T, freeMint bool) *harness {
	t.Helper()
	h := &harness{db: newMemDB(), gw: newFakeGateway(), pub: &fakePublisher{}, now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	h.delegation = ledger.NewDelegationSigner(key)
	lg := quietLogger()
	clock := func() time.Time { return h.now }

	h.pool = NewSignerPool(fakeSigners{h.db}, h.gw, SignerPoolConfig{FallbackGasLimit: 1_000_000, GasSafetyFactor: 1.3}, lg)
	h.submitter = NewMintSubmitter(fakeClaims{h.db}, fakeTxs{h.db}, h.pool, h.gw, h.pub, SubmitterConfig{
		MintContract:      common.HexToAddress(mintC),
		DelegatedContract: common.HexToAddress(delgC),
		SponsoredGasPrice: big.NewInt(50_000_000_000),
		BumpMultiplier:    1.25,
		DispatchGrace:     time.Minute,
	}, nil, lg)
	h.submitter.now = clock
	h.claims = NewClaimService(fakeClaims{h.db}, fakeTxs{h.db}, fakeEvents{h.db}, h.delegation, h.submitter, nil,
		ClaimConfig{BcryptCost: bcrypt.MinCost, FreeMintEnabled: freeMint}, lg)
	h.claims.now = clock
	h.reconciler = NewReconciler(fakeTxs{h.db}, h.gw, h.pub, h.submitter, nil, ReconcilerConfig{Workers: 4}, lg)
	h.reconciler.now = clock
	h.verifier = NewDelegatedVerifier(fakeClaims{h.db}, h.gw, h.pub, nil, VerifierConfig{Contract: common.HexToAddress(delgC), MaxPolls: 100}, lg)
	h.verifier.now = clock
	h.locks = NewLockManager(fakeLocks{h.db}, fakeClaims{h.db}, h.gw, h.submitter, nil, LockConfig{
		ChainID: 11155111, LockTime: 10 * time.Minute, SponsorshipMinWei: big.NewInt(1000),
	}, lg)
	h.locks.now = clock

	h.db.events[7] = &model.Event{ID: 7, FancyID: "devcon-7", Name: "Devcon 7", Year: 2026}
	require.NoError(t, h.pool.EnsureSigners(context.Background(),
		[]common.Address{common.HexToAddress(signer1)},
		"mint", big.NewInt(5_000_000_000)))
	return h
}

func (h *harness) addSigner(t *testing.T, addr string, gwei int64) {
	t.Helper()
	require.NoError(t, fakeSigners{h.db}.Upsert(context.Background(), common.HexToAddress(addr).Hex(), "mint",
		new(big.Int).Mul(big.NewInt(gwei), big.NewInt(1_000_000_000)).String()))
}

func (h *harness) seedClaim(t *testing.T, code, secret string, delegated bool) {
	t.Helper()
	hash, err := utils.HashSecret(secret, bcrypt.MinCost)
	require.NoError(t, err)
	require.NoError(t, fakeClaims{h.db}.CreateBulk(context.Background(),
		[]model.Claim{{Code: code, EventID: 7, SecretHash: hash, DelegatedMint: delegated}}))
}

func (h *harness) claim(t *testing.T, code string) *model.Claim {
	t.Helper()
	c, err := fakeClaims{h.db}.GetByCode(context.Background(), code)
	require.NoError(t, err)
	return c
}

// addUnattachedTx stores a pending attempt without moving its claim.
func (h *harness) addUnattachedTx(t *model.Transaction) *model.Transaction {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	t.ID = uint64(len(h.db.txs) + 1)
	t.Status = model.TxPending
	cp := *t
	h.db.txs = append(h.db.txs, &cp)
	return t
}

func (h *harness) txsFor(code string) []model.Transaction {
	h.db.mu.Lock()
	defer h.db.mu.Unlock()
	var out []model.Transaction
	for _, t := range h.db.txs {
		if t.ClaimCode == code {
			out = append(out, *t)
		}
	}
	return out
}
