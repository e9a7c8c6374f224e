package handler

import (
	"context"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/model"
	"github.com/iliyamo/qr-claim/internal/service"
)

// EventReader loads token series metadata.
type EventReader interface {
	GetByID(ctx context.Context, id uint64) (*model.Event, error)
}

// EventHandler serves the public event metadata.  Responses are safe to
// cache; the router puts the Redis response cache in front of it.
type EventHandler struct {
	Events EventReader
	// BaseURL prefixes token metadata URLs; empty means the request's
	// own scheme and host.
	BaseURL string
}

// NewEventHandler constructs an EventHandler and panics if events is nil.
func NewEventHandler(events EventReader) *EventHandler {
	if events == nil {
		panic("nil event repository passed to NewEventHandler")
	}
	return &EventHandler{Events: events}
}

// GetEvent handles GET /v1/events/:id.
func (h *EventHandler) GetEvent(c echo.Context) error {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid id"})
	}
	e, err := h.Events.GetByID(c.Request().Context(), id)
	if err != nil {
		return writeError(c, err)
	}
	return c.JSON(http.StatusOK, service.NewEventView(e))
}

// GetTokenMetadata handles GET /metadata/:eventId/:tokenId, the token URI
// wallets resolve.  Tokens of one event share everything but the URL.
func (h *EventHandler) GetTokenMetadata(c echo.Context) error {
	eventID, err := strconv.ParseUint(c.Param("eventId"), 10, 64)
	if err != nil || eventID == 0 {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid event id"})
	}
	tokenID, err := strconv.ParseUint(c.Param("tokenId"), 10, 64)
	if err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid token id"})
	}
	e, err := h.Events.GetByID(c.Request().Context(), eventID)
	if err != nil {
		return writeError(c, err)
	}
	base := h.BaseURL
	if base == "" {
		base = c.Scheme() + "://" + c.Request().Host
	}
	return c.JSON(http.StatusOK, service.NewTokenMetadata(e, service.TokenURL(base, eventID, tokenID)))
}
