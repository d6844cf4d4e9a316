package server

import (
	"bidding-tracker/internal/config"
	handler "bidding-tracker/services/bidding/handler"

	"github.com/gin-gonic/gin"
)

// Dependencies are the components the HTTP surface is built from
type Dependencies struct {
	Service  handler.BiddingServiceInterface
	Limiter  handler.RateLimiter
	Realtime handler.RealtimeServer
	Metrics  handler.MetricsSource
	// Tokens enables bearer-token checks on bid submission and the admin
	// endpoints when non-nil
	Tokens TokenValidator
	Checks map[string]handler.HealthCheck
	CORS   config.CORSConfig
}

// SetupRouter configures all Gin routes for the application
func SetupRouter(deps Dependencies) *gin.Engine {
	router := gin.New() // New router without default middleware for full control over middleware and logging

	router.Use(gin.Recovery())          // recover from panics
	router.Use(RequestLoggerMiddleware) // custom request logging
	router.Use(NewCORSMiddleware(deps.CORS))

	biddingHandler := handler.NewBiddingHandler(deps.Service, deps.Limiter, deps.Realtime)
	adminHandler := handler.NewAdminHandler(deps.Service, deps.Metrics, deps.Checks)

	bidAuth := func(c *gin.Context) { c.Next() }
	adminAuth := bidAuth
	if deps.Tokens != nil {
		bidAuth = RequireBidderToken(deps.Tokens)
		adminAuth = RequireAdminToken(deps.Tokens)
	}

	bids := router.Group("/bids")
	{
		bids.POST("", bidAuth, biddingHandler.RecordBidHandler)
	}

	auctions := router.Group("/auctions")
	{
		auctions.GET("/:auction_id", biddingHandler.GetAuctionHandler)
		auctions.GET("/:auction_id/bids", biddingHandler.GetBidsByAuctionHandler)
		auctions.POST("/:auction_id/bids", bidAuth, biddingHandler.RecordAuctionBidHandler)
	}

	bidders := router.Group("/bidders")
	{
		bidders.GET("/:bidder_id/bids", biddingHandler.GetBidsByBidderHandler)
	}

	router.GET("/ws", biddingHandler.WebSocketHandler)
	router.GET("/metrics", adminHandler.MetricsHandler)
	router.GET("/healthz", adminHandler.HealthHandler)

	admin := router.Group("/admin", adminAuth)
	{
		admin.GET("/hot-auctions", adminHandler.HotAuctionsHandler)
		admin.POST("/metrics/reset", adminHandler.ResetMetricsHandler)
		admin.POST("/auctions", adminHandler.SeedAuctionHandler)
	}

	return router
}
