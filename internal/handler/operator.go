package handler

// This file defines the operator API mounted under /v1/admin.  Operators
// issue claim codes for an event, bump failed mints, relay stuck delegated
// claims, tune signer gas prices and inspect the transaction audit trail.  Every route requires a
// JWT with the OPERATOR role; the router attaches that middleware.

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/service"
)

// Issuer creates claim codes.
type Issuer interface {
	Issue(ctx context.Context, eventID uint64, count int, delegated bool) ([]service.IssuedCode, error)
}

// MintBumper resubmits failed mints and relays stuck delegated ones.
type MintBumper interface {
	Bump(ctx context.Context, code string, gasPrice *big.Int) (*model.Transaction, error)
	FallbackMint(ctx context.Context, code string) (*model.Transaction, error)
}

// SignerAdmin exposes the signer pool to operators.
type SignerAdmin interface {
	List(ctx context.Context) ([]model.Signer, error)
	SetGasPrice(ctx context.Context, id uint64, wei *big.Int) (*model.Signer, error)
	Resync(ctx context.Context, id uint64) (*model.Signer, error)
}

// TransactionLister pages through mint attempts.
type TransactionLister interface {
	List(ctx context.Context, status string, limit, offset int) ([]model.Transaction, int, error)
}

// OperatorHandler bundles the services behind the operator API.
type OperatorHandler struct {
	Claims       Issuer
	Submitter    MintBumper
	Signers      SignerAdmin
	Transactions TransactionLister
}

// NewOperatorHandler constructs an OperatorHandler and panics if any
// dependency is nil.
func NewOperatorHandler(claims Issuer, submitter MintBumper, signers SignerAdmin, txs TransactionLister) *OperatorHandler {
	if claims == nil || submitter == nil || signers == nil || txs == nil {
		panic("nil dependency passed to NewOperatorHandler")
	}
	return &OperatorHandler{Claims: claims, Submitter: submitter, Signers: signers, Transactions: txs}
}

// SignerView is the JSON form of a signer.  Gas prices are wei as
// decimal strings.
type SignerView struct {
	ID        uint64    `json:"id"`
	Address   string    `json:"address"`
	Role      string    `json:"role"`
	GasPrice  string    `json:"gas_price"`
	NextNonce uint64    `json:"next_nonce"`
	PendingTx uint64    `json:"pending_tx"`
	CreatedAt time.Time `json:"created_at"`
}

func newSignerView(s *model.Signer) SignerView {
	return SignerView{ID: s.ID, Address: s.Address, Role: s.Role, GasPrice: s.GasPrice,
		NextNonce: s.NextNonce, PendingTx: s.PendingTx, CreatedAt: s.CreatedAt}
}

// TransactionView is the JSON form of a mint attempt.
type TransactionView struct {
	ID            uint64    `json:"id"`
	Hash          string    `json:"hash"`
	Nonce         uint64    `json:"nonce"`
	SignerAddress string    `json:"signer_address"`
	GasPrice      string    `json:"gas_price"`
	GasLimit      uint64    `json:"gas_limit"`
	Operation     string    `json:"operation"`
	Arguments     string    `json:"arguments"`
	ClaimCode     string    `json:"claim_code"`
	Status        string    `json:"status"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func newTransactionView(t *model.Transaction) TransactionView {
	return TransactionView{ID: t.ID, Hash: t.Hash, Nonce: t.Nonce, SignerAddress: t.SignerAddress,
		GasPrice: t.GasPrice, GasLimit: t.GasLimit, Operation: t.Operation, Arguments: t.Arguments,
		ClaimCode: t.ClaimCode, Status: t.Status, CreatedAt: t.CreatedAt, UpdatedAt: t.UpdatedAt}
}

// operatorID returns the JWT subject stored by the auth middleware.
func operatorID(c echo.Context) string {
	if v, ok := c.Get("user_id").(string); ok && v != "" {
		return v
	}
	return "unknown"
}

// parseWei reads a positive decimal wei amount.  An empty string yields
// nil.
func parseWei(s string) (*big.Int, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok || v.Sign() <= 0 {
		return nil, fmt.Errorf("invalid wei amount %q", s)
	}
	return v, nil
}

type issueRequest struct {
	EventID   uint64 `json:"event_id"`
	Count     int    `json:"count"`
	Delegated bool   `json:"delegated"`
}

// IssueClaims handles POST /v1/admin/claims.  The plaintext secrets are
// part of this response only.
func (h *OperatorHandler) IssueClaims(c echo.Context) error {
	var req issueRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.EventID == 0 || req.Count <= 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "event_id and a positive count are required"})
	}
	codes, err := h.Claims.Issue(c.Request().Context(), req.EventID, req.Count, req.Delegated)
	if err != nil {
		return writeError(c, err)
	}
	log.Printf("operator: %s issued %d codes for event %d", operatorID(c), len(codes), req.EventID)
	return c.JSON(http.StatusCreated, echo.Map{"items": codes, "count": len(codes)})
}

type gasPriceRequest struct {
	GasPrice string `json:"gas_price"`
}

// BumpClaim handles POST /v1/admin/claims/:code/bump.  Without a
// gas_price the previous price is raised by the configured multiplier.
func (h *OperatorHandler) BumpClaim(c echo.Context) error {
	var req gasPriceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	price, err := parseWei(req.GasPrice)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
	}
	tx, err := h.Submitter.Bump(c.Request().Context(), codeParam(c), price)
	if err != nil {
		return writeError(c, err)
	}
	log.Printf("operator: %s bumped %s to %s wei", operatorID(c), tx.ClaimCode, tx.GasPrice)
	return c.JSON(http.StatusCreated, newTransactionView(tx))
}

// FallbackMint handles POST /v1/admin/claims/:code/fallback-mint for a
// delegated claim whose relayer never minted.  A message the contract has
// already processed settles the claim and answers 409.
func (h *OperatorHandler) FallbackMint(c echo.Context) error {
	tx, err := h.Submitter.FallbackMint(c.Request().Context(), codeParam(c))
	if err != nil {
		return writeError(c, err)
	}
	log.Printf("operator: %s relayed delegated claim %s as %s", operatorID(c), tx.ClaimCode, tx.Hash)
	return c.JSON(http.StatusCreated, newTransactionView(tx))
}

// ListSigners handles GET /v1/admin/signers.
func (h *OperatorHandler) ListSigners(c echo.Context) error {
	signers, err := h.Signers.List(c.Request().Context())
	if err != nil {
		return writeError(c, err)
	}
	out := make([]SignerView, 0, len(signers))
	for i := range signers {
		out = append(out, newSignerView(&signers[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": out})
}

func signerID(c echo.Context) (uint64, bool) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	return id, err == nil && id > 0
}

// UpdateSigner handles PUT /v1/admin/signers/:id with a new gas price.
func (h *OperatorHandler) UpdateSigner(c echo.Context) error {
	id, ok := signerID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	var req gasPriceRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	price, err := parseWei(req.GasPrice)
	if err != nil || price == nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "gas_price must be a positive wei amount"})
	}
	s, err := h.Signers.SetGasPrice(c.Request().Context(), id, price)
	if err != nil {
		return writeError(c, err)
	}
	log.Printf("operator: %s set gas price of signer %d to %s", operatorID(c), id, s.GasPrice)
	return c.JSON(http.StatusOK, newSignerView(s))
}

// ResyncSigner handles POST /v1/admin/signers/:id/resync.  It is refused
// with 409 while the signer has pending transactions.
func (h *OperatorHandler) ResyncSigner(c echo.Context) error {
	id, ok := signerID(c)
	if !ok {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	s, err := h.Signers.Resync(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, newSignerView(s))
}

// ListTransactions handles GET /v1/admin/transactions.  Query parameters:
// status (pending|passed|failed), limit (1..200, default 50) and offset.
func (h *OperatorHandler) ListTransactions(c echo.Context) error {
	status := strings.ToLower(strings.TrimSpace(c.QueryParam("status")))
	switch status {
	case "", model.TxPending, model.TxPassed, model.TxFailed:
	default:
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid status"})
	}
	limit, offset := 50, 0
	if v := c.QueryParam("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > 200 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "limit must be between 1 and 200"})
		}
		limit = n
	}
	if v := c.QueryParam("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid offset"})
		}
		offset = n
	}
	txs, total, err := h.Transactions.List(c.Request().Context(), status, limit, offset)
	if err != nil {
		return writeError(c, err)
	}
	out := make([]TransactionView, 0, len(txs))
	for i := range txs {
		out = append(out, newTransactionView(&txs[i]))
	}
	return c.JSON(http.StatusOK, echo.Map{"items": out, "total": total, "limit": limit, "offset": offset})
}
