package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/qr-claim/internal/handler"
	"github.com/iliyamo/qr-claim/internal/middleware"
	"github.com/iliyamo/qr-claim/internal/utils"
)

// RegisterOperator registers OPERATOR-scoped endpoints under /v1/admin.
// All routes require a valid JWT and the OPERATOR role.
func RegisterOperator(e *echo.Echo, o *handler.OperatorHandler, jwtSecret string) {
	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.RoleOperator),
	)

	// ---- Claims ----
	g.POST("/claims", o.IssueClaims)
	g.POST("/claims/:code/bump", o.BumpClaim)
	g.POST("/claims/:code/fallback-mint", o.FallbackMint)

	// ---- Signers ----
	g.GET("/signers", o.ListSigners)
	g.PUT("/signers/:id", o.UpdateSigner)
	g.PATCH("/signers/:id", o.UpdateSigner)
	g.POST("/signers/:id/resync", o.ResyncSigner)

	// ---- Transactions ----
	g.GET("/transactions", o.ListTransactions)
}
