package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/repository"
	"github.com/iliyamo/qr-claim/internal/service"
)

// LockAPI is the subset of the lock manager the handlers call.
type LockAPI interface {
	Create(ctx context.Context, code string) (*service.LockView, error)
	Get(ctx context.Context, beneficiary string) (*service.LockView, error)
}

// SubscriptionHandler serves /subscription/lock.
type SubscriptionHandler struct {
	Locks LockAPI
}

// NewSubscriptionHandler constructs a SubscriptionHandler and panics if
// locks is nil.
func NewSubscriptionHandler(locks LockAPI) *SubscriptionHandler {
	if locks == nil {
		panic("nil lock manager passed to NewSubscriptionHandler")
	}
	return &SubscriptionHandler{Locks: locks}
}

// lockRequest accepts either the claim code or its legacy qr_hash name.
type lockRequest struct {
	Code   string `json:"code"`
	QRHash string `json:"qr_hash"`
}

// GetLock handles GET /subscription/lock?beneficiary=0x...  It returns the
// beneficiary's active lock or 404.
func (h *SubscriptionHandler) GetLock(c echo.Context) error {
	beneficiary := strings.TrimSpace(c.QueryParam("beneficiary"))
	if beneficiary == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "beneficiary is required"})
	}
	v, err := h.Locks.Get(c.Request().Context(), beneficiary)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, v)
}

// CreateLock handles POST /subscription/lock.  An existing lock for the
// beneficiary, an exhausted address pool and a claim that is not bound
// are all client errors (400); an unknown code is 404.
func (h *SubscriptionHandler) CreateLock(c echo.Context) error {
	var req lockRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	code := strings.TrimSpace(req.Code)
	if code == "" {
		code = strings.TrimSpace(req.QRHash)
	}
	if code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code is required"})
	}
	v, err := h.Locks.Create(c.Request().Context(), code)
	if err != nil {
		if errors.Is(err, repository.ErrConflict) || errors.Is(err, repository.ErrUnavailable) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": err.Error()})
		}
		return writeError(c, err)
	}
	return c.JSON(http.StatusCreated, v)
}
