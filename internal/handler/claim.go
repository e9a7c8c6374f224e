package handler

// This file defines the public claim API used by the claim UI.  A claimant
// opens the QR link (GET), submits the printed secret together with the
// wallet address (POST) and then polls the status endpoint until the mint
// settles.  None of these routes require authentication; possession of
// the secret is the authorization for binding.

import (
	"context"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/service"
)

// ClaimAPI is the subset of the claim service the handlers call.
type ClaimAPI interface {
	Get(ctx context.Context, code string) (*service.ClaimView, error)
	Status(ctx context.Context, code string) (*service.StatusView, error)
	Bind(ctx context.Context, code, secret, address string) (*service.ClaimView, error)
	RetryVerification(ctx context.Context, code string) (*service.ClaimView, error)
}

// ClaimHandler serves /claim/:code.
type ClaimHandler struct {
	Claims ClaimAPI
}

// NewClaimHandler constructs a ClaimHandler and panics if svc is nil.
func NewClaimHandler(svc ClaimAPI) *ClaimHandler {
	if svc == nil {
		panic("nil claim service passed to NewClaimHandler")
	}
	return &ClaimHandler{Claims: svc}
}

// bindRequest is the body of POST /claim/:code.
type bindRequest struct {
	Address string `json:"address"`
	Secret  string `json:"secret"`
}

// codeParam returns the trimmed :code path parameter.
func codeParam(c echo.Context) string {
	return strings.TrimSpace(c.Param("code"))
}

// GetClaim handles GET /claim/:code.  It returns the claim with its event
// metadata, binding and current transaction.  Unknown codes yield 404.
func (h *ClaimHandler) GetClaim(c echo.Context) error {
	code := codeParam(c)
	if code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}
	v, err := h.Claims.Get(c.Request().Context(), code)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// BindClaim handles POST /claim/:code.  The body carries the secret and
// the beneficiary address.  A repeated request with the same address
// returns the existing binding; a different address yields 409 and a wrong
// secret 403.
func (h *ClaimHandler) BindClaim(c echo.Context) error {
	code := codeParam(c)
	if code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}
	var req bindRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if strings.TrimSpace(req.Address) == "" || req.Secret == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "address and secret are required"})
	}
	v, err := h.Claims.Bind(c.Request().Context(), code, req.Secret, req.Address)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// ClaimStatus handles GET /claim/:code/status, the endpoint the UI polls.
func (h *ClaimHandler) ClaimStatus(c echo.Context) error {
	v, err := h.Claims.Status(c.Request().Context(), codeParam(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// RetryVerification handles POST /claim/:code/verify.  It restarts the
// replay-guard polling of a delegated claim that gave up as unverified.
func (h *ClaimHandler) RetryVerification(c echo.Context) error {
	v, err := h.Claims.RetryVerification(c.Request().Context(), codeParam(c))
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}
