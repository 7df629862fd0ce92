// Package router wires HTTP routes to their handlers and middleware.
package router

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/Arnaldocloud/bingo-admin/internal/config"
	"github.com/Arnaldocloud/bingo-admin/internal/handler"
	"github.com/Arnaldocloud/bingo-admin/internal/middleware"
	"github.com/Arnaldocloud/bingo-admin/internal/utils"
)

// RegisterRoutes registers routes that need no authentication or state.
// The health endpoint is used by load balancers and compose healthchecks.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterPublic registers the buyer-facing endpoints. None of them require
// a session: buyers are identified by the buyer_id they send, and the
// reservation engine enforces ownership on every transition. The card
// gallery goes through the Redis response cache when one is available, and
// the checkout endpoints sit behind the token-bucket rate limiter so a
// burst of reserve calls cannot starve the database.
func RegisterPublic(e *echo.Echo, cards *handler.CardHandler, checkout *handler.CheckoutHandler, rdb *redis.Client) {
	g := e.Group("/v1")

	gallery := []echo.MiddlewareFunc{}
	if rdb != nil {
		gallery = append(gallery, middleware.NewRedisCache(config.LoadCacheConfig(), rdb))
	}
	g.GET("/cards", cards.ListCards, gallery...)

	limited := []echo.MiddlewareFunc{}
	if rdb != nil {
		limited = append(limited, middleware.NewTokenBucket(config.LoadRateLimitConfig(), rdb))
	}
	g.POST("/cards/reserve", checkout.Reserve, limited...)
	g.POST("/cards/purchase", checkout.Purchase, limited...)
	g.POST("/cards/release", checkout.Release, limited...)
	g.GET("/orders", checkout.MyOrders)
}

// RegisterAdmin registers the operations panel. Login is open; everything
// else requires a valid admin token.
func RegisterAdmin(e *echo.Echo, a *handler.AdminHandler, jwtSecret string) {
	e.POST("/v1/admin/login", a.Login)

	g := e.Group(
		"/v1/admin",
		middleware.JWTAuth(jwtSecret),
		middleware.RequireRole(utils.AdminRole),
	)
	g.POST("/cards/seed", a.SeedCards)
	g.GET("/orders", a.ListOrders)
	g.POST("/orders/:id/verify", a.VerifyOrder)
	g.POST("/orders/:id/reject", a.RejectOrder)
	g.POST("/game/notify", a.NotifyGame)
}
