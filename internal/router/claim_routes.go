package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/handler"
)

// RegisterClaims registers the unauthenticated claim API used by the claim
// UI.  limiter guards the two write routes, the only ones that can be used
// to guess codes or secrets.  Reads are never cached so a claimant always
// sees the current status.
func RegisterClaims(e *echo.Echo, h *handler.ClaimHandler, limiter echo.MiddlewareFunc) {
	e.GET("/claim/:code", h.GetClaim)
	e.POST("/claim/:code", h.BindClaim, limiter)
	e.GET("/claim/:code/status", h.ClaimStatus)
	e.POST("/claim/:code/verify", h.RetryVerification, limiter)
}

// RegisterSubscription registers the gas sponsorship lock routes.
func RegisterSubscription(e *echo.Echo, h *handler.SubscriptionHandler, limiter echo.MiddlewareFunc) {
	e.GET("/subscription/lock", h.GetLock)
	e.POST("/subscription/lock", h.CreateLock, limiter)
}
