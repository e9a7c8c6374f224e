package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/iliyamo/qr-claim/internal/handler"
)

// RegisterRoutes registers the operational endpoints: liveness, readiness
// against the database and the Prometheus scrape endpoint.
func RegisterRoutes(e *echo.Echo, db handler.Pinger, gatherer prometheus.Gatherer) {
	e.GET("/healthz", handler.Health)
	if db != nil {
		e.GET("/readyz", handler.Ready(db))
	}
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}
}

// RegisterEvents registers the public event and token metadata routes.
// cache is the Redis response cache; metadata is the only cached surface.
func RegisterEvents(e *echo.Echo, h *handler.EventHandler, cache echo.MiddlewareFunc) {
	e.GET("/v1/events/:id", h.GetEvent, cache)
	e.GET("/metadata/:eventId/:tokenId", h.GetTokenMetadata, cache)
}
