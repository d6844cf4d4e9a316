package handler

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"bidding-tracker/internal/biddingerrors"
	bidding "bidding-tracker/internal/biddingService"
	model "bidding-tracker/internal/models"
	"bidding-tracker/services/bidding/helpers"
	"bidding-tracker/utils"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
)

//go:generate mockgen -source=bidding_handler.go -destination=mock_bidding_handler.go -package=handler

type BiddingServiceInterface interface {
	PlaceBid(ctx context.Context, auctionID, bidderID string, amount float64) (bidding.PlaceBidResult, error)
	CreateAuction(ctx context.Context, auction model.Auction) (model.Auction, error)
	GetAuction(ctx context.Context, auctionID string) (model.Auction, error)
	GetBidsForAuction(ctx context.Context, auctionID string) ([]model.Bid, error)
	GetBidsByBidder(ctx context.Context, bidderID string) ([]model.Bid, error)
}

// RateLimiter admits bid submissions per bidder
type RateLimiter interface {
	Allow(bidderID string) bool
	RetryAfter(bidderID string) time.Duration
}

// RealtimeServer takes over an HTTP request as a live event stream
type RealtimeServer interface {
	Serve(w http.ResponseWriter, r *http.Request, userID, auctionID string) error
}

type BiddingHandler struct {
	service  BiddingServiceInterface
	limiter  RateLimiter
	realtime RealtimeServer
}

func NewBiddingHandler(service BiddingServiceInterface, limiter RateLimiter, realtime RealtimeServer) *BiddingHandler {
	return &BiddingHandler{service: service, limiter: limiter, realtime: realtime}
}

// RecordBidHandler handles POST /bids
func (h *BiddingHandler) RecordBidHandler(c *gin.Context) {
	var req helpers.PlaceBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "RecordBidHandler", err)
		return
	}
	h.placeBid(c, "RecordBidHandler", req.AuctionID, req.BidderID, req.Amount)
}

// RecordAuctionBidHandler handles POST /auctions/:auction_id/bids
func (h *BiddingHandler) RecordAuctionBidHandler(c *gin.Context) {
	var req helpers.AuctionBidRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		helpers.HandleBindError(c, "RecordAuctionBidHandler", err)
		return
	}
	h.placeBid(c, "RecordAuctionBidHandler", c.Param("auction_id"), req.BidderID, req.Amount)
}

func (h *BiddingHandler) placeBid(c *gin.Context, handlerName, auctionID, bidderID string, amount float64) {
	fields := map[string]any{
		"handler":    handlerName,
		"auction_id": auctionID,
		"bidder_id":  bidderID,
		"amount":     amount,
	}

	// set only when token auth is enabled
	if subject, ok := c.Get(helpers.CtxBidderKey); ok && subject != bidderID {
		helpers.RespondError(c, errors.Wrapf(biddingerrors.ErrBidderMismatch, "token issued to %v", subject))
		utils.Warn(handlerName+": bidder does not match token", fields)
		return
	}

	if h.limiter != nil && !h.limiter.Allow(bidderID) {
		if wait := h.limiter.RetryAfter(bidderID); wait > 0 {
			c.Header("Retry-After", strconv.Itoa(int((wait+time.Second-1)/time.Second)))
		}
		helpers.RespondError(c, biddingerrors.ErrRateLimitExceeded)
		utils.Warn(handlerName+": bid rate limited", fields)
		return
	}

	result, err := h.service.PlaceBid(c.Request.Context(), auctionID, bidderID, amount)
	if err != nil {
		helpers.RespondError(c, err)
		fields["error"] = err.Error()
		fields["code"] = string(biddingerrors.CodeOf(err))
		if status, _ := helpers.MapErrorToHTTP(err); status >= http.StatusInternalServerError {
			utils.Error(handlerName+": failed to record bid", fields)
		} else {
			utils.Warn(handlerName+": bid rejected", fields)
		}
		return
	}

	utils.JSONResponse(c, http.StatusCreated, helpers.NewPlaceBidResponse(result), "bid recorded successfully")
	helpers.LogSuccess(handlerName, "bid recorded successfully", map[string]any{
		"bid_id":     result.Bid.ID,
		"auction_id": auctionID,
		"bidder_id":  bidderID,
		"amount":     amount,
		"version":    result.Auction.Version,
		"extended":   result.Extended,
	})
}

// GetAuctionHandler handles GET /auctions/:auction_id
func (h *BiddingHandler) GetAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	auction, err := h.service.GetAuction(c.Request.Context(), auctionID)
	if err != nil {
		helpers.RespondError(c, err)
		utils.Warn("GetAuctionHandler: error retrieving auction", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewAuctionResponse(auction), "auction retrieved successfully")
}

// GetBidsByAuctionHandler handles GET /auctions/:auction_id/bids
func (h *BiddingHandler) GetBidsByAuctionHandler(c *gin.Context) {
	auctionID := c.Param("auction_id")
	bids, err := h.service.GetBidsForAuction(c.Request.Context(), auctionID)
	if err != nil {
		helpers.RespondError(c, err)
		utils.Warn("GetBidsByAuctionHandler: error retrieving bids", map[string]any{"auction_id": auctionID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponses(bids), "bids retrieved successfully")
	helpers.LogSuccess("GetBidsByAuctionHandler", "bids retrieved successfully", map[string]any{
		"auction_id": auctionID,
		"count":      len(bids),
	})
}

// GetBidsByBidderHandler handles GET /bidders/:bidder_id/bids
func (h *BiddingHandler) GetBidsByBidderHandler(c *gin.Context) {
	bidderID := c.Param("bidder_id")
	bids, err := h.service.GetBidsByBidder(c.Request.Context(), bidderID)
	if err != nil {
		helpers.RespondError(c, err)
		utils.Warn("GetBidsByBidderHandler: error retrieving bids", map[string]any{"bidder_id": bidderID, "error": err.Error()})
		return
	}

	utils.JSONResponse(c, http.StatusOK, helpers.NewBidResponses(bids), "bids retrieved successfully")
	helpers.LogSuccess("GetBidsByBidderHandler", "bids retrieved successfully", map[string]any{
		"bidder_id": bidderID,
		"count":     len(bids),
	})
}

// WebSocketHandler handles GET /ws?auction_id=&user_id=
func (h *BiddingHandler) WebSocketHandler(c *gin.Context) {
	auctionID := c.Query("auction_id")
	userID := c.Query("user_id")
	if auctionID == "" || userID == "" {
		err := errors.Wrap(biddingerrors.ErrValidation, "auction_id and user_id are required")
		utils.JSONError(c, http.StatusBadRequest, err, "auction_id and user_id are required", string(biddingerrors.CodeValidation))
		return
	}
	if _, err := h.service.GetAuction(c.Request.Context(), auctionID); err != nil {
		helpers.RespondError(c, err)
		return
	}

	// the upgrader writes its own HTTP error on failure
	if err := h.realtime.Serve(c.Writer, c.Request, userID, auctionID); err != nil {
		utils.Warn("WebSocketHandler: upgrade failed", map[string]any{
			"auction_id": auctionID,
			"user_id":    userID,
			"error":      err.Error(),
		})
	}
}
